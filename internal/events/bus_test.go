// SPDX-License-Identifier: MIT

package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFanOut(t *testing.T) {
	b := NewBus()
	s1 := b.Subscribe(4)
	defer s1.Close()
	s2 := b.Subscribe(4)
	defer s2.Close()

	b.Publish(Event{Kind: KindState, TaskID: "t1", State: "pending"})

	for _, sub := range []*Subscription{s1, s2} {
		select {
		case ev := <-sub.C():
			assert.Equal(t, "t1", ev.TaskID)
			assert.Equal(t, "pending", ev.State)
			assert.False(t, ev.Time.IsZero())
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe(1)
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Nobody drains sub; publishes beyond the buffer must drop.
		for i := 0; i < 100; i++ {
			b.Publish(Event{Kind: KindProgress, TaskID: "t1", Percent: float64(i)})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	// The single buffered event is the first one published.
	ev := <-sub.C()
	assert.Equal(t, float64(0), ev.Percent)
}

func TestPerTaskOrderingPreserved(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe(16)
	defer sub.Close()

	for i := 1; i <= 5; i++ {
		b.Publish(Event{Kind: KindProgress, TaskID: "t1", Percent: float64(i * 20)})
	}

	for i := 1; i <= 5; i++ {
		select {
		case ev := <-sub.C():
			assert.Equal(t, float64(i*20), ev.Percent)
		case <-time.After(time.Second):
			t.Fatal("missing event")
		}
	}
}

func TestCloseDetachesSubscriber(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe(1)
	sub.Close()
	sub.Close() // idempotent

	_, ok := <-sub.C()
	require.False(t, ok, "channel must be closed")

	// Publishing after close must not panic.
	b.Publish(Event{Kind: KindState, TaskID: "t1", State: "active"})
}
