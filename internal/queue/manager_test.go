// SPDX-License-Identifier: MIT

package queue_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ManuGH/soundgrab/internal/events"
	"github.com/ManuGH/soundgrab/internal/library"
	"github.com/ManuGH/soundgrab/internal/queue"
	"github.com/ManuGH/soundgrab/internal/retry"
)

// funcExec adapts a closure to the Executor contract.
type funcExec struct {
	fn func(ctx context.Context, taskID string, payload queue.Payload, progress queue.ProgressFunc) queue.Outcome
}

func (f funcExec) Execute(ctx context.Context, taskID string, payload queue.Payload, progress queue.ProgressFunc) queue.Outcome {
	return f.fn(ctx, taskID, payload, progress)
}

// memSink is an in-memory RecordSink.
type memSink struct {
	mu     sync.Mutex
	drafts []library.Draft
}

func (s *memSink) UpsertRecord(_ context.Context, draft library.Draft) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drafts = append(s.drafts, draft)
	return fmt.Sprintf("rec-%d", len(s.drafts)), false, nil
}

func (s *memSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.drafts)
}

func fastPolicy() retry.Policy {
	return retry.NewPolicy(time.Millisecond, 5*time.Millisecond, nil)
}

func shutdown(t *testing.T, m *queue.Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
}

func waitForState(t *testing.T, m *queue.Manager, id string, want queue.State) queue.TaskView {
	t.Helper()
	var got queue.TaskView
	require.Eventually(t, func() bool {
		for _, tv := range m.Snapshot().Tasks {
			if tv.ID == id {
				got = tv
				return tv.State == want
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond, "task %s never reached %s (last: %+v)", id, want, got)
	return got
}

func TestEnqueueValidation(t *testing.T) {
	sink := &memSink{}
	m := queue.NewManager(queue.Config{MaxConcurrency: 1, MaxAttempts: 1, Policy: fastPolicy()},
		funcExec{fn: func(ctx context.Context, _ string, _ queue.Payload, _ queue.ProgressFunc) queue.Outcome {
			<-ctx.Done()
			return queue.Outcome{Kind: queue.OutcomeAborted}
		}}, sink, events.NewBus())
	defer shutdown(t, m)

	_, err := m.Enqueue(queue.Payload{})
	assert.ErrorIs(t, err, queue.ErrInvalidPayload)

	_, err = m.Enqueue(queue.Payload{SourceURL: "http://src/a", Destination: "a/{title}.mp3"})
	require.NoError(t, err)

	_, err = m.Enqueue(queue.Payload{SourceURL: "http://src/b", Destination: "a/{title}.mp3"})
	assert.ErrorIs(t, err, queue.ErrDestinationBusy)
}

func TestConcurrencyBoundAndCompletion(t *testing.T) {
	const maxConcurrency = 2
	const total = 5

	var running, peak atomic.Int32
	release := make(chan struct{})
	exec := funcExec{fn: func(ctx context.Context, _ string, _ queue.Payload, progress queue.ProgressFunc) queue.Outcome {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		defer running.Add(-1)

		progress(50)
		select {
		case <-release:
		case <-ctx.Done():
			return queue.Outcome{Kind: queue.OutcomeAborted}
		}
		return queue.Outcome{Kind: queue.OutcomeSuccess, Draft: &library.Draft{Title: "t", OutputPath: "/tmp/x"}}
	}}

	sink := &memSink{}
	m := queue.NewManager(queue.Config{MaxConcurrency: maxConcurrency, MaxAttempts: 1, Policy: fastPolicy()}, exec, sink, events.NewBus())
	defer shutdown(t, m)

	ids := make([]string, 0, total)
	for i := 0; i < total; i++ {
		id, err := m.Enqueue(queue.Payload{SourceURL: fmt.Sprintf("http://src/%d", i)})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	require.Eventually(t, func() bool {
		return m.Snapshot().Counts[queue.StateActive] == maxConcurrency
	}, 5*time.Second, 5*time.Millisecond)

	// Sample the invariant while letting tasks finish one at a time.
	for i := 0; i < total; i++ {
		assert.LessOrEqual(t, m.Snapshot().Counts[queue.StateActive], maxConcurrency)
		release <- struct{}{}
	}

	for _, id := range ids {
		waitForState(t, m, id, queue.StateSucceeded)
	}
	assert.LessOrEqual(t, int(peak.Load()), maxConcurrency)

	removed := m.ClearCompleted()
	assert.Equal(t, total, removed)
	assert.Empty(t, m.Snapshot().Tasks)
}

func TestFIFOAmongPending(t *testing.T) {
	var mu sync.Mutex
	var started []string

	gate := make(chan struct{})
	exec := funcExec{fn: func(ctx context.Context, taskID string, _ queue.Payload, _ queue.ProgressFunc) queue.Outcome {
		mu.Lock()
		started = append(started, taskID)
		mu.Unlock()
		select {
		case <-gate:
		case <-ctx.Done():
			return queue.Outcome{Kind: queue.OutcomeAborted}
		}
		return queue.Outcome{Kind: queue.OutcomeSuccess, Draft: &library.Draft{OutputPath: "/tmp/x"}}
	}}

	m := queue.NewManager(queue.Config{MaxConcurrency: 1, MaxAttempts: 1, Policy: fastPolicy()}, exec, &memSink{}, events.NewBus())
	defer shutdown(t, m)

	first, err := m.Enqueue(queue.Payload{SourceURL: "http://src/first"})
	require.NoError(t, err)
	a, err := m.Enqueue(queue.Payload{SourceURL: "http://src/a"})
	require.NoError(t, err)
	b, err := m.Enqueue(queue.Payload{SourceURL: "http://src/b"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		gate <- struct{}{}
	}
	waitForState(t, m, b, queue.StateSucceeded)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{first, a, b}, started, "pending tasks must dispatch in FIFO order")
}

func TestBoundedRetriesEndInFailed(t *testing.T) {
	const maxAttempts = 3
	var attempts atomic.Int32

	exec := funcExec{fn: func(context.Context, string, queue.Payload, queue.ProgressFunc) queue.Outcome {
		attempts.Add(1)
		return queue.Outcome{Kind: queue.OutcomeTransient, Err: errors.New("source unavailable")}
	}}

	m := queue.NewManager(queue.Config{MaxConcurrency: 1, MaxAttempts: maxAttempts, Policy: fastPolicy()}, exec, &memSink{}, events.NewBus())
	defer shutdown(t, m)

	id, err := m.Enqueue(queue.Payload{SourceURL: "http://src/flaky"})
	require.NoError(t, err)

	tv := waitForState(t, m, id, queue.StateFailed)
	assert.Equal(t, maxAttempts, tv.Attempts)
	assert.Equal(t, "source unavailable", tv.LastError)
	assert.Equal(t, int32(maxAttempts), attempts.Load(), "exactly maxAttempts executions")
}

func TestFatalFailureNeverRetried(t *testing.T) {
	var attempts atomic.Int32
	exec := funcExec{fn: func(context.Context, string, queue.Payload, queue.ProgressFunc) queue.Outcome {
		attempts.Add(1)
		return queue.Outcome{Kind: queue.OutcomeFatal, Err: errors.New("unsupported content")}
	}}

	m := queue.NewManager(queue.Config{MaxConcurrency: 1, MaxAttempts: 5, Policy: fastPolicy()}, exec, &memSink{}, events.NewBus())
	defer shutdown(t, m)

	id, err := m.Enqueue(queue.Payload{SourceURL: "http://src/bad"})
	require.NoError(t, err)

	tv := waitForState(t, m, id, queue.StateFailed)
	assert.Equal(t, 1, tv.Attempts)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestCancelActiveTask(t *testing.T) {
	startedCh := make(chan struct{})
	exec := funcExec{fn: func(ctx context.Context, _ string, _ queue.Payload, _ queue.ProgressFunc) queue.Outcome {
		close(startedCh)
		<-ctx.Done() // cooperative checkpoint
		return queue.Outcome{Kind: queue.OutcomeAborted}
	}}

	sink := &memSink{}
	m := queue.NewManager(queue.Config{MaxConcurrency: 1, MaxAttempts: 1, Policy: fastPolicy()}, exec, sink, events.NewBus())
	defer shutdown(t, m)

	id, err := m.Enqueue(queue.Payload{SourceURL: "http://src/long"})
	require.NoError(t, err)

	<-startedCh
	require.NoError(t, m.Cancel(id))

	waitForState(t, m, id, queue.StateCancelled)
	assert.Zero(t, sink.count(), "cancelled task must not produce a record")
}

func TestCancelRecordedBeforePersistWinsOverSuccess(t *testing.T) {
	startedCh := make(chan struct{})
	proceed := make(chan struct{})
	exec := funcExec{fn: func(ctx context.Context, _ string, _ queue.Payload, _ queue.ProgressFunc) queue.Outcome {
		close(startedCh)
		// Past the last checkpoint: ignore cancellation and report success.
		<-proceed
		return queue.Outcome{Kind: queue.OutcomeSuccess, Draft: &library.Draft{Title: "late", OutputPath: "/tmp/does-not-exist"}}
	}}

	sink := &memSink{}
	m := queue.NewManager(queue.Config{MaxConcurrency: 1, MaxAttempts: 1, Policy: fastPolicy()}, exec, sink, events.NewBus())
	defer shutdown(t, m)

	id, err := m.Enqueue(queue.Payload{SourceURL: "http://src/racy"})
	require.NoError(t, err)

	<-startedCh
	require.NoError(t, m.Cancel(id))
	close(proceed)

	waitForState(t, m, id, queue.StateCancelled)
	assert.Zero(t, sink.count(), "persistence must re-check the cancel flag before writing")
}

func TestCancelPendingTask(t *testing.T) {
	gate := make(chan struct{})
	exec := funcExec{fn: func(ctx context.Context, _ string, _ queue.Payload, _ queue.ProgressFunc) queue.Outcome {
		select {
		case <-gate:
		case <-ctx.Done():
			return queue.Outcome{Kind: queue.OutcomeAborted}
		}
		return queue.Outcome{Kind: queue.OutcomeSuccess, Draft: &library.Draft{OutputPath: "/tmp/x"}}
	}}

	m := queue.NewManager(queue.Config{MaxConcurrency: 1, MaxAttempts: 1, Policy: fastPolicy()}, exec, &memSink{}, events.NewBus())
	defer shutdown(t, m)

	blocker, err := m.Enqueue(queue.Payload{SourceURL: "http://src/blocker"})
	require.NoError(t, err)
	victim, err := m.Enqueue(queue.Payload{SourceURL: "http://src/victim"})
	require.NoError(t, err)

	require.NoError(t, m.Cancel(victim))
	waitForState(t, m, victim, queue.StateCancelled)

	gate <- struct{}{}
	waitForState(t, m, blocker, queue.StateSucceeded)
}

func TestPauseAndResume(t *testing.T) {
	var runs atomic.Int32
	startedCh := make(chan struct{}, 2)
	exec := funcExec{fn: func(ctx context.Context, _ string, _ queue.Payload, _ queue.ProgressFunc) queue.Outcome {
		startedCh <- struct{}{}
		if runs.Add(1) == 1 {
			<-ctx.Done() // suspended at checkpoint
			return queue.Outcome{Kind: queue.OutcomeAborted}
		}
		return queue.Outcome{Kind: queue.OutcomeSuccess, Draft: &library.Draft{Title: "resumed", OutputPath: "/tmp/x"}}
	}}

	sink := &memSink{}
	m := queue.NewManager(queue.Config{MaxConcurrency: 1, MaxAttempts: 3, Policy: fastPolicy()}, exec, sink, events.NewBus())
	defer shutdown(t, m)

	id, err := m.Enqueue(queue.Payload{SourceURL: "http://src/pausable"})
	require.NoError(t, err)

	<-startedCh
	require.NoError(t, m.Pause(id))
	tv := waitForState(t, m, id, queue.StatePaused)
	assert.Zero(t, tv.Attempts, "pause must not count as a failed attempt")

	require.NoError(t, m.Resume(id))
	<-startedCh
	waitForState(t, m, id, queue.StateSucceeded)
	assert.Equal(t, 1, sink.count())
}

func TestPausePendingKeepsTaskOutOfDispatch(t *testing.T) {
	gate := make(chan struct{})
	exec := funcExec{fn: func(ctx context.Context, _ string, _ queue.Payload, _ queue.ProgressFunc) queue.Outcome {
		select {
		case <-gate:
		case <-ctx.Done():
			return queue.Outcome{Kind: queue.OutcomeAborted}
		}
		return queue.Outcome{Kind: queue.OutcomeSuccess, Draft: &library.Draft{OutputPath: "/tmp/x"}}
	}}

	m := queue.NewManager(queue.Config{MaxConcurrency: 1, MaxAttempts: 1, Policy: fastPolicy()}, exec, &memSink{}, events.NewBus())
	defer shutdown(t, m)

	blocker, err := m.Enqueue(queue.Payload{SourceURL: "http://src/blocker"})
	require.NoError(t, err)
	paused, err := m.Enqueue(queue.Payload{SourceURL: "http://src/paused"})
	require.NoError(t, err)

	require.NoError(t, m.Pause(paused))
	waitForState(t, m, paused, queue.StatePaused)

	gate <- struct{}{}
	waitForState(t, m, blocker, queue.StateSucceeded)

	// The paused task must not have been dispatched.
	assert.Equal(t, queue.StatePaused, waitForState(t, m, paused, queue.StatePaused).State)

	require.NoError(t, m.Resume(paused))
	gate <- struct{}{}
	waitForState(t, m, paused, queue.StateSucceeded)
}

func TestStateEventsPublished(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe(64)
	defer sub.Close()

	exec := funcExec{fn: func(ctx context.Context, _ string, _ queue.Payload, progress queue.ProgressFunc) queue.Outcome {
		progress(100)
		return queue.Outcome{Kind: queue.OutcomeSuccess, Draft: &library.Draft{OutputPath: "/tmp/x"}}
	}}
	m := queue.NewManager(queue.Config{MaxConcurrency: 1, MaxAttempts: 1, Policy: fastPolicy()}, exec, &memSink{}, bus)
	defer shutdown(t, m)

	id, err := m.Enqueue(queue.Payload{SourceURL: "http://src/evt"})
	require.NoError(t, err)
	waitForState(t, m, id, queue.StateSucceeded)

	var states []string
	sawProgress := false
	deadline := time.After(2 * time.Second)
	for len(states) < 3 {
		select {
		case ev := <-sub.C():
			switch ev.Kind {
			case events.KindState:
				states = append(states, ev.State)
			case events.KindProgress:
				sawProgress = true
			}
		case <-deadline:
			t.Fatalf("timed out, got states %v", states)
		}
	}
	assert.Equal(t, []string{"pending", "active", "succeeded"}, states)
	assert.True(t, sawProgress)
}

func TestShutdownLeaksNothing(t *testing.T) {
	defer goleak.VerifyNone(t)

	exec := funcExec{fn: func(ctx context.Context, _ string, _ queue.Payload, _ queue.ProgressFunc) queue.Outcome {
		<-ctx.Done()
		return queue.Outcome{Kind: queue.OutcomeAborted}
	}}
	m := queue.NewManager(queue.Config{MaxConcurrency: 2, MaxAttempts: 1, Policy: fastPolicy()}, exec, &memSink{}, events.NewBus())

	for i := 0; i < 4; i++ {
		_, err := m.Enqueue(queue.Payload{SourceURL: fmt.Sprintf("http://src/%d", i)})
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	_, err := m.Enqueue(queue.Payload{SourceURL: "http://src/late"})
	assert.ErrorIs(t, err, queue.ErrManagerClosed)
}
