package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/satindergrewal/airwaves/internal/audio"
)

type sliceSource struct {
	mu   sync.Mutex
	segs []*audio.Segment
}

func (s *sliceSource) Dequeue() (*audio.Segment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.segs) == 0 {
		return nil, false
	}
	seg := s.segs[0]
	s.segs = s.segs[1:]
	return seg, true
}

func (s *sliceSource) push(seg *audio.Segment) {
	s.mu.Lock()
	s.segs = append(s.segs, seg)
	s.mu.Unlock()
}

// constSegment returns a segment of n frames where every sample equals v.
func constSegment(id string, kind audio.Kind, frames int, v int16) *audio.Segment {
	samples := make([]int16, frames*audio.FrameSamples)
	for i := range samples {
		samples[i] = v
	}
	return &audio.Segment{ID: id, Kind: kind, Title: id, Samples: samples}
}

func TestSinkPlaysSegmentsInOrderWithoutGaps(t *testing.T) {
	src := &sliceSource{}
	src.push(constSegment("a", audio.KindMusic, 3, 1))
	src.push(constSegment("b", audio.KindVoice, 2, 2))

	var started []string
	s := NewSink(src, SinkOptions{
		OnSegmentStart: func(seg *audio.Segment) { started = append(started, seg.ID) },
	}, zerolog.Nop())

	want := []int16{1, 1, 1, 2, 2, 0, 0}
	for i, w := range want {
		frame := s.Step()
		if len(frame) != audio.FrameSamples {
			t.Fatalf("frame %d length = %d, want %d", i, len(frame), audio.FrameSamples)
		}
		if frame[0] != w || frame[len(frame)-1] != w {
			t.Errorf("frame %d = %d, want %d", i, frame[0], w)
		}
	}

	if len(started) != 2 || started[0] != "a" || started[1] != "b" {
		t.Errorf("started = %v, want [a b]", started)
	}
	if got := s.Position(); got != 7*audio.FrameDuration {
		t.Errorf("Position = %v, want %v", got, 7*audio.FrameDuration)
	}
	if got := s.FillerFrames(); got != 2 {
		t.Errorf("FillerFrames = %d, want 2", got)
	}
}

func TestSinkPartialLastFrameIsPadded(t *testing.T) {
	src := &sliceSource{}
	seg := constSegment("p", audio.KindVoice, 1, 5)
	seg.Samples = append(seg.Samples, 5, 5) // one extra stereo sample
	src.push(seg)

	s := NewSink(src, SinkOptions{}, zerolog.Nop())
	s.Step()
	frame := s.Step()
	if frame[0] != 5 || frame[1] != 5 {
		t.Errorf("partial frame head = %v, want [5 5]", frame[:2])
	}
	if frame[2] != 0 {
		t.Errorf("partial frame padding = %d, want 0", frame[2])
	}
}

func TestSinkSkipsEmptySegments(t *testing.T) {
	src := &sliceSource{}
	src.push(&audio.Segment{ID: "empty", Kind: audio.KindVoice})
	src.push(constSegment("real", audio.KindMusic, 1, 9))

	s := NewSink(src, SinkOptions{}, zerolog.Nop())
	if frame := s.Step(); frame[0] != 9 {
		t.Errorf("frame = %d, want 9 from the non-empty segment", frame[0])
	}
	if np := s.NowPlaying(); np.ID != "real" {
		t.Errorf("NowPlaying.ID = %q, want real", np.ID)
	}
}

func TestSinkRepeatMusicFiller(t *testing.T) {
	src := &sliceSource{}
	music := constSegment("m", audio.KindMusic, 2, 0)
	music.Samples[0] = 10                  // frame 0
	music.Samples[audio.FrameSamples] = 20 // frame 1
	src.push(music)
	src.push(constSegment("v", audio.KindVoice, 1, 3))

	fillers := 0
	s := NewSink(src, SinkOptions{
		Filler:   FillerRepeatMusic,
		OnFiller: func() { fillers++ },
	}, zerolog.Nop())

	// m0 m1 v0, then filler loops the last music segment: m0 m1 m0
	want := []int16{10, 20, 3, 10, 20, 10}
	for i, w := range want {
		if got := s.Step()[0]; got != w {
			t.Errorf("frame %d = %d, want %d", i, got, w)
		}
	}
	if fillers != 3 {
		t.Errorf("fillers = %d, want 3", fillers)
	}
	np := s.NowPlaying()
	if !np.Filler || np.Kind != "music" || np.Title != "m" {
		t.Errorf("NowPlaying = %+v, want music filler titled m", np)
	}
}

func TestSinkFadesOutMusicFiller(t *testing.T) {
	src := &sliceSource{}
	src.push(constSegment("m", audio.KindMusic, 2, 1000))
	s := NewSink(src, SinkOptions{Filler: FillerRepeatMusic}, zerolog.Nop())

	for range 3 { // m0 m1, then one filler frame
		s.Step()
	}
	src.push(constSegment("v", audio.KindVoice, FillerFadeFrames+5, 0))

	if got := s.Step()[0]; got < 900 {
		t.Errorf("first frame after filler = %d, want the filler still mostly audible", got)
	}
	for i := 1; i < FillerFadeFrames; i++ {
		s.Step()
	}
	for i := 0; i < 5; i++ {
		if got := s.Step()[0]; got != 0 {
			t.Errorf("frame %d after fade = %d, want 0", FillerFadeFrames+i, got)
		}
	}
}

func TestSinkSilenceFillerWhenEmpty(t *testing.T) {
	s := NewSink(&sliceSource{}, SinkOptions{Filler: FillerRepeatMusic}, zerolog.Nop())
	for i := 0; i < 5; i++ {
		frame := s.Step()
		for _, v := range frame {
			if v != 0 {
				t.Fatalf("frame %d not silent", i)
			}
		}
	}
	if np := s.NowPlaying(); !np.Filler || np.Kind != "silence" {
		t.Errorf("NowPlaying = %+v, want silence filler", np)
	}
}

func TestSinkRunEmitsFramesInRealTime(t *testing.T) {
	src := &sliceSource{}
	s := NewSink(src, SinkOptions{}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	count := 0
	for range s.Frames() {
		count++
	}
	<-done

	// ~10 frames in 200ms; allow generous scheduling slack
	if count < 3 || count > 12 {
		t.Errorf("emitted %d frames in 200ms, want about 10", count)
	}
}
