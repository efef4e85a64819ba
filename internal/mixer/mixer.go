// Package mixer renders playable segments: voice over a faded music bed,
// plain music tracks, and silence. Rendering is deterministic: the same
// voice clip and bed file always give the same samples.
package mixer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/satindergrewal/airwaves/internal/audio"
	"github.com/satindergrewal/airwaves/internal/library"
)

// ErrAssetMissing is returned when a required music asset is unavailable,
// typically because the catalog is empty.
var ErrAssetMissing = errors.New("music asset missing")

// Catalog is the part of the music library the mixer needs.
type Catalog interface {
	Peek() (library.Track, bool)
	NextTrack() (library.Track, bool)
}

// Options controls the bed.
type Options struct {
	MusicVolume float64
	FadeIn      time.Duration
	FadeOut     time.Duration
	Tail        time.Duration
}

// Mixer is safe for concurrent use.
type Mixer struct {
	catalog Catalog
	decoder audio.Decoder
	opts    Options
	logger  zerolog.Logger

	now   func() time.Time
	newID func() string

	mu       sync.Mutex
	bedKey   string
	bedCache []int16
}

// New creates a mixer.
func New(catalog Catalog, decoder audio.Decoder, opts Options, logger zerolog.Logger) *Mixer {
	return &Mixer{
		catalog: catalog,
		decoder: decoder,
		opts:    opts,
		logger:  logger.With().Str("component", "mixer").Logger(),
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// RenderVoice lays voice over the current bed track. The result lasts the
// voice duration plus the configured tail. Without a usable bed the voice is
// rendered over silence.
func (m *Mixer) RenderVoice(ctx context.Context, voice audio.Clip, topics []string) (*audio.Segment, error) {
	samples, err := audio.ToCommon(voice)
	if err != nil {
		return nil, fmt.Errorf("convert voice: %w", err)
	}

	total := len(samples) + audio.SamplesFor(m.opts.Tail)
	out := make([]int16, total)
	copy(out, samples)

	seg := &audio.Segment{
		ID:        m.newID(),
		Kind:      audio.KindVoice,
		Title:     voiceTitle(topics),
		Topics:    topics,
		CreatedAt: m.now(),
	}

	bed, name, err := m.bed(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("voice over silence")
		seg.Samples = out
		return seg, nil
	}

	bedBuf := fitBed(bed, total)
	m.envelope(total / audio.Channels).Apply(bedBuf, audio.Channels)
	audio.Mix(out, bedBuf, 1.0)

	seg.Samples = out
	seg.Bed = name
	return seg, nil
}

// RenderMusic decodes the next catalog track as a music segment.
func (m *Mixer) RenderMusic(ctx context.Context) (*audio.Segment, error) {
	track, ok := m.catalog.NextTrack()
	if !ok {
		return nil, ErrAssetMissing
	}
	samples, err := m.decoder.Decode(ctx, track.Path)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", track.Name, err)
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: %s decoded to no audio", audio.ErrFormatMismatch, track.Name)
	}
	return &audio.Segment{
		ID:        m.newID(),
		Kind:      audio.KindMusic,
		Title:     track.Name,
		Samples:   samples,
		CreatedAt: m.now(),
	}, nil
}

// RenderSilence returns a silent segment of duration d.
func (m *Mixer) RenderSilence(d time.Duration) *audio.Segment {
	return &audio.Segment{
		ID:        m.newID(),
		Kind:      audio.KindSilence,
		Title:     "silence",
		Samples:   audio.Silence(d),
		CreatedAt: m.now(),
	}
}

// bed returns the decoded bed track under the catalog cursor. The last bed is
// cached by path and modification time.
func (m *Mixer) bed(ctx context.Context) ([]int16, string, error) {
	track, ok := m.catalog.Peek()
	if !ok {
		return nil, "", ErrAssetMissing
	}
	key := track.Path + "@" + track.ModTime.String()

	m.mu.Lock()
	if m.bedKey == key {
		cached := m.bedCache
		m.mu.Unlock()
		return cached, track.Name, nil
	}
	m.mu.Unlock()

	samples, err := m.decoder.Decode(ctx, track.Path)
	if err != nil {
		return nil, "", fmt.Errorf("decode bed %s: %w", track.Name, err)
	}
	if len(samples) < audio.Channels {
		return nil, "", fmt.Errorf("%w: bed %s decoded to no audio", audio.ErrFormatMismatch, track.Name)
	}

	m.mu.Lock()
	m.bedKey = key
	m.bedCache = samples
	m.mu.Unlock()
	return samples, track.Name, nil
}

// envelope sizes the bed fades for a segment of total samples per channel,
// shrinking them proportionally when they would overlap.
func (m *Mixer) envelope(total int) audio.Envelope {
	in := audio.SamplesFor(m.opts.FadeIn) / audio.Channels
	out := audio.SamplesFor(m.opts.FadeOut) / audio.Channels
	if in+out > total && in+out > 0 {
		in = total * in / (in + out)
		out = total - in
	}
	return audio.Envelope{Gain: m.opts.MusicVolume, FadeIn: in, FadeOut: out}
}

// fitBed loops or truncates bed to exactly n samples.
func fitBed(bed []int16, n int) []int16 {
	bed = bed[:len(bed)/audio.Channels*audio.Channels]
	out := make([]int16, n)
	for off := 0; off < n; off += len(bed) {
		copy(out[off:], bed)
	}
	return out
}

func voiceTitle(topics []string) string {
	if len(topics) == 0 {
		return "Station announcement"
	}
	title := "News: " + topics[0]
	if len(topics) > 1 {
		title += fmt.Sprintf(" (+%d more)", len(topics)-1)
	}
	return strings.TrimSpace(title)
}
