package stream

import (
	"context"
	"sync"
	"sync/atomic"
)

// Role identifies what kind of consumer a listener is.
type Role string

const (
	RoleHTTP   Role = "http"
	RoleWebRTC Role = "webrtc"
	RoleUplink Role = "uplink"
)

// listenerBuffer is ~3 seconds of frames at 20ms/frame.
const listenerBuffer = 150

// Broadcaster fans out PCM frames from the sink to N listeners.
type Broadcaster struct {
	mu        sync.RWMutex
	listeners map[*Listener]struct{}
	dropped   atomic.Uint64
}

// Listener receives PCM frames from the broadcaster.
type Listener struct {
	C    chan []int16 // buffered channel of 20ms PCM frames
	Role Role
	done chan struct{}
}

// Done is closed once the listener has been unsubscribed.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

// Drain discards every frame currently buffered for the listener.
func (l *Listener) Drain() int {
	n := 0
	for {
		select {
		case <-l.C:
			n++
		default:
			return n
		}
	}
}

// NewBroadcaster creates a new broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		listeners: make(map[*Listener]struct{}),
	}
}

// Subscribe registers a new listener. Returns a Listener that receives frames.
func (b *Broadcaster) Subscribe(role Role) *Listener {
	l := &Listener{
		C:    make(chan []int16, listenerBuffer),
		Role: role,
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.listeners[l] = struct{}{}
	b.mu.Unlock()
	return l
}

// Unsubscribe removes a listener and signals it to stop.
func (b *Broadcaster) Unsubscribe(l *Listener) {
	b.mu.Lock()
	_, ok := b.listeners[l]
	delete(b.listeners, l)
	b.mu.Unlock()
	if ok {
		close(l.done)
	}
}

// ListenerCount returns the number of active listeners.
func (b *Broadcaster) ListenerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// CountByRole returns the number of active listeners with the given role.
func (b *Broadcaster) CountByRole(role Role) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for l := range b.listeners {
		if l.Role == role {
			n++
		}
	}
	return n
}

// Dropped returns the number of frames dropped on slow listeners.
func (b *Broadcaster) Dropped() uint64 {
	return b.dropped.Load()
}

// Run reads frames from source and fans out to all listeners.
// Slow listeners get frames dropped rather than blocking the broadcast.
func (b *Broadcaster) Run(ctx context.Context, source <-chan []int16) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-source:
			if !ok {
				return
			}
			b.publish(frame)
		}
	}
}

func (b *Broadcaster) publish(frame []int16) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for l := range b.listeners {
		select {
		case l.C <- frame:
		default:
			// listener too slow, drop frame to keep broadcast moving
			b.dropped.Add(1)
		}
	}
}
