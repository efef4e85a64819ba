package stream

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/satindergrewal/airwaves/internal/audio"
)

// Filler modes for ticks with nothing queued.
const (
	FillerSilence     = "silence"
	FillerRepeatMusic = "repeat_music"
)

// FillerFadeFrames is how many frames a music filler takes to fade out when
// queued audio arrives (500ms).
const FillerFadeFrames = 25

// Source is where the sink pulls finished segments from. Dequeue must not
// block.
type Source interface {
	Dequeue() (*audio.Segment, bool)
}

// NowPlaying describes the segment currently on air.
type NowPlaying struct {
	ID       string        `json:"id,omitempty"`
	Kind     string        `json:"kind"`
	Title    string        `json:"title,omitempty"`
	Position time.Duration `json:"-"`
	Duration time.Duration `json:"-"`
	Filler   bool          `json:"filler"`
}

// SinkOptions configures a Sink.
type SinkOptions struct {
	Filler string
	// OnSegmentStart is called from the real-time loop when a queued segment
	// goes on air. It must not block.
	OnSegmentStart func(*audio.Segment)
	// OnFiller is called for every filler frame. It must not block.
	OnFiller func()
}

// Sink pulls segments from the queue and emits exactly one 20ms frame per
// tick, filling gaps so the stream never stalls.
type Sink struct {
	src     Source
	frameCh chan []int16
	opts    SinkOptions
	logger  zerolog.Logger

	// loop-owned
	current   *audio.Segment
	frame     int
	lastMusic *audio.Segment
	fillFrame int
	fadeFrom  *audio.Segment // music filler being faded out
	fadeFrame int
	fadeLeft  int

	mu          sync.RWMutex
	position    int64 // frames emitted since start
	nowPlaying  NowPlaying
	fillerCount uint64
	overruns    uint64
}

// NewSink creates a sink reading from src.
func NewSink(src Source, opts SinkOptions, logger zerolog.Logger) *Sink {
	if opts.Filler == "" {
		opts.Filler = FillerSilence
	}
	return &Sink{
		src:     src,
		frameCh: make(chan []int16, 100),
		opts:    opts,
		logger:  logger.With().Str("component", "sink").Logger(),
		nowPlaying: NowPlaying{
			Kind:   audio.KindSilence.String(),
			Filler: true,
		},
	}
}

// Frames returns the channel of outgoing PCM frames (20ms each).
func (s *Sink) Frames() <-chan []int16 {
	return s.frameCh
}

// Position returns the timeline position: one frame per tick since start.
func (s *Sink) Position() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Duration(s.position) * audio.FrameDuration
}

// NowPlaying returns what is currently on air.
func (s *Sink) NowPlaying() NowPlaying {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nowPlaying
}

// FillerFrames returns the number of filler frames emitted.
func (s *Sink) FillerFrames() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fillerCount
}

// Run starts the real-time loop. Blocks until ctx is cancelled.
func (s *Sink) Run(ctx context.Context) error {
	defer close(s.frameCh)

	ticker := time.NewTicker(audio.FrameDuration)
	defer ticker.Stop()

	s.logger.Info().Str("filler", s.opts.Filler).Msg("sink started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Dur("position", s.Position()).Msg("sink stopped")
			return nil
		case <-ticker.C:
		}
		frame := s.Step()
		select {
		case s.frameCh <- frame:
		default:
			// fan-out is behind; the timeline still advances
			s.mu.Lock()
			s.overruns++
			s.mu.Unlock()
		}
	}
}

// Step produces the next frame and advances the timeline by one frame.
func (s *Sink) Step() []int16 {
	out := make([]int16, audio.FrameSamples)

	if s.current == nil || s.frame >= s.current.Frames() {
		wasFiller := s.current == nil
		bed, bedFrame := s.lastMusic, s.fillFrame
		s.advance()
		if wasFiller && s.current != nil && s.opts.Filler == FillerRepeatMusic && bed != nil {
			s.fadeFrom, s.fadeFrame, s.fadeLeft = bed, bedFrame, FillerFadeFrames
		}
	}

	filler := s.current == nil
	if !filler {
		s.current.Frame(s.frame, out)
		s.frame++
		if s.fadeLeft > 0 {
			out = s.fadeOutFiller(out)
		}
	} else {
		s.fill(out)
	}

	s.mu.Lock()
	s.position++
	if filler {
		s.fillerCount++
		s.nowPlaying.Position = 0
	} else {
		s.nowPlaying.Position = time.Duration(s.frame) * audio.FrameDuration
	}
	s.mu.Unlock()

	if filler && s.opts.OnFiller != nil {
		s.opts.OnFiller()
	}
	return out
}

// advance moves to the next queued segment, skipping empty ones. Leaves
// current nil if the queue is empty.
func (s *Sink) advance() {
	s.current = nil
	s.frame = 0
	s.fadeLeft = 0
	for {
		seg, ok := s.src.Dequeue()
		if !ok {
			s.setNowPlaying(nil)
			return
		}
		if seg.Frames() == 0 {
			continue
		}
		s.current = seg
		if seg.Kind == audio.KindMusic {
			s.lastMusic = seg
			s.fillFrame = 0
		}
		s.setNowPlaying(seg)
		s.logger.Info().
			Str("id", seg.ID).
			Str("kind", seg.Kind.String()).
			Str("title", seg.Title).
			Dur("duration", seg.Duration()).
			Msg("now playing")
		if s.opts.OnSegmentStart != nil {
			s.opts.OnSegmentStart(seg)
		}
		return
	}
}

func (s *Sink) fill(out []int16) {
	if s.opts.Filler != FillerRepeatMusic || s.lastMusic == nil {
		return // zeroed frame is silence
	}
	n := s.lastMusic.Frames()
	s.lastMusic.Frame(s.fillFrame%n, out)
	s.fillFrame++
}

// fadeOutFiller blends the looping music filler under the first frames of
// the segment that replaces it, so the cut is not audible.
func (s *Sink) fadeOutFiller(in []int16) []int16 {
	from := make([]int16, audio.FrameSamples)
	s.fadeFrom.Frame(s.fadeFrame%s.fadeFrom.Frames(), from)
	s.fadeFrame++
	progress := float64(FillerFadeFrames-s.fadeLeft+1) / float64(FillerFadeFrames+1)
	s.fadeLeft--
	return audio.CrossfadeFrames(from, in, progress)
}

func (s *Sink) setNowPlaying(seg *audio.Segment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seg == nil {
		kind := audio.KindSilence.String()
		title := ""
		if s.opts.Filler == FillerRepeatMusic && s.lastMusic != nil {
			kind = audio.KindMusic.String()
			title = s.lastMusic.Title
		}
		s.nowPlaying = NowPlaying{Kind: kind, Title: title, Filler: true}
		return
	}
	s.nowPlaying = NowPlaying{
		ID:       seg.ID,
		Kind:     seg.Kind.String(),
		Title:    seg.Title,
		Duration: seg.Duration(),
	}
}
