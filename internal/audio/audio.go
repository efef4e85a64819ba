package audio

import (
	"errors"
	"time"
)

// Common program format. Everything the sink emits is 48kHz stereo s16le.
const (
	SampleRate    = 48000
	Channels      = 2
	BitDepth      = 16
	FrameDuration = 20 * time.Millisecond
	FrameSize     = 960                  // samples per channel per 20ms frame
	FrameSamples  = FrameSize * Channels // total interleaved samples per frame
	FrameBytes    = FrameSamples * 2     // bytes per frame (int16 = 2 bytes)
)

// ErrFormatMismatch is returned when a clip cannot be converted to the common
// program format.
var ErrFormatMismatch = errors.New("audio format mismatch")

// Kind classifies a segment.
type Kind int

const (
	KindSilence Kind = iota
	KindMusic
	KindVoice
)

func (k Kind) String() string {
	switch k {
	case KindMusic:
		return "music"
	case KindVoice:
		return "voice"
	default:
		return "silence"
	}
}

// Clip is PCM audio in whatever format a collaborator produced it,
// interleaved signed 16-bit samples.
type Clip struct {
	Rate     int
	Channels int
	Samples  []int16
}

// Duration of the clip, zero if the format is invalid.
func (c Clip) Duration() time.Duration {
	if c.Rate <= 0 || c.Channels <= 0 {
		return 0
	}
	frames := len(c.Samples) / c.Channels
	return time.Duration(frames) * time.Second / time.Duration(c.Rate)
}

// Segment is a finished, playable unit in the common format.
type Segment struct {
	ID        string
	Kind      Kind
	Title     string
	Samples   []int16 // interleaved, common format
	Topics    []string
	Bed       string // music bed track name, empty if none
	CreatedAt time.Time
}

// Duration of the segment's audio.
func (s *Segment) Duration() time.Duration {
	return SamplesDuration(len(s.Samples))
}

// Frames returns the number of 20ms frames needed to play the segment, with
// a partial last frame counted as a whole one.
func (s *Segment) Frames() int {
	return (len(s.Samples) + FrameSamples - 1) / FrameSamples
}

// Frame copies frame i into dst (len FrameSamples), zero-padding past the end.
func (s *Segment) Frame(i int, dst []int16) {
	start := i * FrameSamples
	n := 0
	if start < len(s.Samples) {
		n = copy(dst, s.Samples[start:])
	}
	clear(dst[n:])
}

// SamplesDuration converts an interleaved common-format sample count to a
// duration.
func SamplesDuration(n int) time.Duration {
	return time.Duration(n/Channels) * time.Second / SampleRate
}

// SamplesFor returns the interleaved common-format sample count for d.
func SamplesFor(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(int64(d)*SampleRate/int64(time.Second)) * Channels
}

// Silence returns d worth of zero samples in the common format.
func Silence(d time.Duration) []int16 {
	return make([]int16, SamplesFor(d))
}
