// SPDX-License-Identifier: MIT

// Package events carries state-transition and progress notifications out of
// the pipeline. Delivery is one-way and non-blocking: a subscriber that
// cannot keep up loses events instead of stalling workers.
package events

import (
	"sync"
	"time"

	"github.com/ManuGH/soundgrab/internal/metrics"
)

// Kind labels a pipeline notification.
type Kind string

const (
	KindState    Kind = "state"    // task changed state
	KindProgress Kind = "progress" // task reported transfer progress
)

// Event is one pipeline notification. For KindProgress, Percent is in
// [0,100], or -1 when the source did not announce a length. For KindState,
// State carries the new task state and Err the failure message, if any.
type Event struct {
	Kind    Kind      `json:"kind"`
	TaskID  string    `json:"task_id"`
	State   string    `json:"state,omitempty"`
	Percent float64   `json:"percent,omitempty"`
	Err     string    `json:"error,omitempty"`
	Time    time.Time `json:"time"`
}

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

// Bus is an in-process fan-out for pipeline events.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Publish delivers ev to every live subscriber without blocking. Events for
// a full subscriber buffer are dropped and counted; publishers never wait.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			metrics.IncEventsDropped(string(ev.Kind))
		}
	}
}

// Subscribe registers a new subscriber with the given buffer capacity
// (DefaultBuffer if size <= 0). The caller must Close the subscription when
// done.
func (b *Bus) Subscribe(size int) *Subscription {
	if size <= 0 {
		size = DefaultBuffer
	}
	sub := &Subscription{b: b, ch: make(chan Event, size)}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	b    *Bus
	ch   chan Event
	once sync.Once
}

// C returns the receive channel. It is closed by Close.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close detaches the subscription from the bus and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.b.mu.Lock()
		delete(s.b.subs, s)
		s.b.mu.Unlock()
		close(s.ch)
	})
}
