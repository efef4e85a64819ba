package scheduler

import (
	"sync"
	"sync/atomic"
	"time"
)

// Phase is the step a production is in.
type Phase string

const (
	PhaseIdle               Phase = "idle"
	PhaseFetchingTopic      Phase = "fetching_topic"
	PhaseGeneratingText     Phase = "generating_text"
	PhaseSynthesizingSpeech Phase = "synthesizing_speech"
	PhaseMixing             Phase = "mixing"
	phaseEnqueue            Phase = "enqueue"
)

// Slot is the schedule of one program.
type Slot struct {
	Phase       Phase         `json:"phase"`
	InFlight    bool          `json:"in_flight"`
	Interval    time.Duration `json:"-"`
	LastFire    time.Time     `json:"last_fire"`
	NextFire    time.Time     `json:"next_fire"`
	LastSuccess time.Time     `json:"last_success"`
	LastError   string        `json:"last_error,omitempty"`
	LastErrorAt time.Time     `json:"last_error_at"`
	Produced    uint64        `json:"produced"`
	Failed      uint64        `json:"failed"`
	Skipped     uint64        `json:"skipped"`
}

// State is the scheduler's published view. The news slot is embedded; the
// weather slot has a zero Interval when weather is off. Copies are safe to
// keep.
type State struct {
	Slot
	Weather Slot `json:"weather"`
}

// stateBox serializes writers and publishes immutable snapshots to readers.
type stateBox struct {
	mu  sync.Mutex
	ptr atomic.Pointer[State]
}

func newStateBox(s State) *stateBox {
	b := &stateBox{}
	b.ptr.Store(&s)
	return b
}

func (b *stateBox) load() State {
	return *b.ptr.Load()
}

func (b *stateBox) update(fn func(*State)) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	next := *b.ptr.Load()
	fn(&next)
	b.ptr.Store(&next)
	return next
}
