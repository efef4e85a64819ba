// Package queue is the hand-off between production and the real-time sink.
// Enqueue may wait (block policy); Dequeue never does.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/satindergrewal/airwaves/internal/audio"
)

// ErrOverflow is returned when a segment cannot be admitted without exceeding
// the queue bounds.
var ErrOverflow = errors.New("playback queue overflow")

// Policy decides what happens when a segment does not fit.
type Policy string

const (
	DropOldest Policy = "drop_oldest"
	DropNewest Policy = "drop_newest"
	Block      Policy = "block"
)

// Options bounds the queue.
type Options struct {
	Capacity     int           // max segments
	MaxDuration  time.Duration // max total buffered audio
	Policy       Policy
	BlockTimeout time.Duration
	// OnDrop is called (outside the lock) for every segment the queue
	// discards, including a rejected incoming one.
	OnDrop func(seg *audio.Segment, reason string)
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Depth    int           `json:"depth"`
	Buffered time.Duration `json:"-"`
	Enqueued uint64        `json:"enqueued"`
	Dropped  uint64        `json:"dropped"`
}

// Queue is a bounded FIFO of segments.
type Queue struct {
	opts Options

	mu       sync.Mutex
	segs     []*audio.Segment
	buffered time.Duration
	enqueued uint64
	dropped  uint64

	space chan struct{}
}

// New creates a queue. Zero bounds are replaced by 16 segments / 15 minutes.
func New(opts Options) *Queue {
	if opts.Capacity <= 0 {
		opts.Capacity = 16
	}
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = 15 * time.Minute
	}
	if opts.Policy == "" {
		opts.Policy = DropOldest
	}
	return &Queue{
		opts:  opts,
		space: make(chan struct{}, 1),
	}
}

// Enqueue appends seg, applying the overflow policy if it does not fit.
func (q *Queue) Enqueue(ctx context.Context, seg *audio.Segment) error {
	d := seg.Duration()
	if d > q.opts.MaxDuration {
		q.reportDrop(seg, "longer than queue ceiling")
		return fmt.Errorf("%w: segment %s is %v, ceiling %v", ErrOverflow, seg.ID, d, q.opts.MaxDuration)
	}

	switch q.opts.Policy {
	case DropNewest:
		if !q.tryAppend(seg) {
			q.reportDrop(seg, "queue full")
			return fmt.Errorf("%w: dropped incoming segment %s", ErrOverflow, seg.ID)
		}
		return nil

	case Block:
		return q.enqueueBlocking(ctx, seg)

	default:
		evicted := q.appendEvicting(seg)
		for _, old := range evicted {
			q.reportDrop(old, "evicted by newer segment")
		}
		return nil
	}
}

func (q *Queue) fits(d time.Duration) bool {
	return len(q.segs) < q.opts.Capacity && q.buffered+d <= q.opts.MaxDuration
}

func (q *Queue) tryAppend(seg *audio.Segment) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.fits(seg.Duration()) {
		return false
	}
	q.push(seg)
	return true
}

func (q *Queue) appendEvicting(seg *audio.Segment) []*audio.Segment {
	q.mu.Lock()
	defer q.mu.Unlock()
	var evicted []*audio.Segment
	d := seg.Duration()
	for !q.fits(d) && len(q.segs) > 0 {
		evicted = append(evicted, q.pop())
	}
	q.push(seg)
	return evicted
}

func (q *Queue) enqueueBlocking(ctx context.Context, seg *audio.Segment) error {
	timeout := q.opts.BlockTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if q.tryAppend(seg) {
			return nil
		}
		select {
		case <-q.space:
		case <-timer.C:
			q.reportDrop(seg, "timed out waiting for room")
			return fmt.Errorf("%w: no room for segment %s within %v", ErrOverflow, seg.ID, timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Dequeue removes and returns the oldest segment. It never blocks.
func (q *Queue) Dequeue() (*audio.Segment, bool) {
	q.mu.Lock()
	if len(q.segs) == 0 {
		q.mu.Unlock()
		return nil, false
	}
	seg := q.pop()
	q.mu.Unlock()

	select {
	case q.space <- struct{}{}:
	default:
	}
	return seg, true
}

// Len returns the number of queued segments.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.segs)
}

// Buffered returns the total queued audio duration.
func (q *Queue) Buffered() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.buffered
}

// Snapshot returns current counters.
func (q *Queue) Snapshot() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Depth:    len(q.segs),
		Buffered: q.buffered,
		Enqueued: q.enqueued,
		Dropped:  q.dropped,
	}
}

// must hold mu
func (q *Queue) push(seg *audio.Segment) {
	q.segs = append(q.segs, seg)
	q.buffered += seg.Duration()
	q.enqueued++
}

// must hold mu
func (q *Queue) pop() *audio.Segment {
	seg := q.segs[0]
	q.segs[0] = nil
	q.segs = q.segs[1:]
	q.buffered -= seg.Duration()
	return seg
}

func (q *Queue) reportDrop(seg *audio.Segment, reason string) {
	q.mu.Lock()
	q.dropped++
	q.mu.Unlock()
	if q.opts.OnDrop != nil {
		q.opts.OnDrop(seg, reason)
	}
}
