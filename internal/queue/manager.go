// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"errors"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ManuGH/soundgrab/internal/events"
	"github.com/ManuGH/soundgrab/internal/library"
	"github.com/ManuGH/soundgrab/internal/log"
	"github.com/ManuGH/soundgrab/internal/metrics"
	"github.com/ManuGH/soundgrab/internal/retry"
)

// Errors returned by Manager operations.
var (
	ErrInvalidPayload  = errors.New("queue: payload is missing a source locator")
	ErrDestinationBusy = errors.New("queue: another live task targets the same destination")
	ErrUnknownTask     = errors.New("queue: unknown task")
	ErrManagerClosed   = errors.New("queue: manager is shut down")
)

// RecordSink persists completed acquisition records. Implemented by
// *library.Store.
type RecordSink interface {
	UpsertRecord(ctx context.Context, draft library.Draft) (id string, duplicate bool, err error)
}

// Config controls a Manager.
type Config struct {
	// MaxConcurrency is the worker slot count. Required, must be > 0.
	MaxConcurrency int

	// MaxAttempts caps execution attempts per task.
	MaxAttempts int

	// Policy decides retry verdicts for failed attempts.
	Policy retry.Policy
}

// entry is the manager-private handle for one task. All fields are guarded
// by Manager.mu except where noted.
type entry struct {
	id        string
	payload   Payload
	state     State
	attempts  int
	lastError string
	createdAt time.Time

	cancelReq  bool // cancel recorded, terminal Cancelled is inevitable
	pauseReq   bool // pause recorded for the in-flight attempt
	persisting bool // final store write in progress, cancel can no longer win
	queued     bool // present in the pending list

	cancelRun  context.CancelFunc // set while active
	retryTimer *time.Timer        // set while waiting out a backoff delay
}

func (e *entry) view() TaskView {
	return TaskView{
		ID:          e.id,
		SourceURL:   e.payload.SourceURL,
		Destination: e.payload.Destination,
		State:       e.state,
		Attempts:    e.attempts,
		LastError:   e.lastError,
		CreatedAt:   e.createdAt,
	}
}

// Manager orchestrates acquisition tasks: it admits them, dispatches the
// oldest pending task whenever a worker slot frees up, and converts worker
// outcomes into state transitions. All control operations are non-blocking;
// blocking work happens only inside Executor.Execute.
type Manager struct {
	cfg    Config
	exec   Executor
	sink   RecordSink
	bus    *events.Bus
	logger zerolog.Logger

	mu      sync.Mutex
	tasks   map[string]*entry
	pending []*entry
	active  map[string]*entry
	closed  bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager constructs a Manager. The bus may not be nil; pass a fresh
// events.NewBus() if no consumer subscribes.
func NewManager(cfg Config, exec Executor, sink RecordSink, bus *events.Bus) *Manager {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	if bus == nil {
		bus = events.NewBus()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg,
		exec:    exec,
		sink:    sink,
		bus:     bus,
		logger:  log.WithComponent("queue"),
		tasks:   make(map[string]*entry),
		active:  make(map[string]*entry),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Enqueue admits a new task in Pending state and returns its ID. It never
// blocks; dispatch happens asynchronously when a slot is free.
func (m *Manager) Enqueue(p Payload) (string, error) {
	if p.SourceURL == "" {
		return "", ErrInvalidPayload
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrManagerClosed
	}

	// Reject detectable destination collisions with live tasks (resolved
	// keys may still collide later; the store deduplicates those).
	if p.Destination != "" {
		for _, e := range m.tasks {
			if !e.state.IsTerminal() && e.payload.Destination == p.Destination {
				return "", ErrDestinationBusy
			}
		}
	}

	e := &entry{
		id:        uuid.NewString(),
		payload:   p,
		state:     StatePending,
		createdAt: time.Now(),
		queued:    true,
	}
	m.tasks[e.id] = e
	m.pending = append(m.pending, e)
	metrics.IncTasksEnqueued()

	m.logger.Info().
		Str(log.FieldTaskID, e.id).
		Str(log.FieldSourceURL, p.SourceURL).
		Msg("task enqueued")
	m.publishStateLocked(e)
	m.dispatchLocked()
	return e.id, nil
}

// Pause suspends a task. An active task is signalled to stop at its next
// cooperative checkpoint and flips to Paused once the worker acknowledges; a
// pending task leaves the dispatch set immediately. No-op on terminal tasks.
func (m *Manager) Pause(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.tasks[id]
	if !ok {
		return ErrUnknownTask
	}
	switch e.state {
	case StateActive:
		e.pauseReq = true
		if e.cancelRun != nil {
			e.cancelRun()
		}
	case StatePending:
		m.unqueueLocked(e)
		m.stopRetryTimerLocked(e)
		m.transitionLocked(e, StatePaused)
	default:
		// Paused or terminal: nothing to do.
	}
	return nil
}

// Resume moves a Paused task back to Pending, eligible for dispatch.
func (m *Manager) Resume(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.tasks[id]
	if !ok {
		return ErrUnknownTask
	}
	if e.state != StatePaused {
		return nil
	}
	e.pauseReq = false
	m.transitionLocked(e, StatePending)
	m.enqueueTailLocked(e)
	m.dispatchLocked()
	return nil
}

// Cancel requests cancellation. Pending and Paused tasks are cancelled
// immediately; an active task's worker is signalled and the task reaches
// Cancelled at its next checkpoint. Cancelled tasks never produce a library
// record.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.tasks[id]
	if !ok {
		return ErrUnknownTask
	}
	if e.state.IsTerminal() {
		return nil
	}

	e.cancelReq = true
	switch e.state {
	case StateActive:
		// Past the final checkpoint the write already won; see complete().
		if e.cancelRun != nil {
			e.cancelRun()
		}
	case StatePending, StatePaused:
		m.unqueueLocked(e)
		m.stopRetryTimerLocked(e)
		m.finalizeLocked(e, StateCancelled, "")
		m.dispatchLocked()
	}
	return nil
}

// Snapshot returns a consistent point-in-time view of all known tasks.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		Counts:         make(map[State]int),
		MaxConcurrency: m.cfg.MaxConcurrency,
	}
	for _, e := range m.tasks {
		snap.Tasks = append(snap.Tasks, e.view())
		snap.Counts[e.state]++
	}
	sort.Slice(snap.Tasks, func(i, j int) bool {
		if snap.Tasks[i].CreatedAt.Equal(snap.Tasks[j].CreatedAt) {
			return snap.Tasks[i].ID < snap.Tasks[j].ID
		}
		return snap.Tasks[i].CreatedAt.Before(snap.Tasks[j].CreatedAt)
	})
	return snap
}

// ClearCompleted removes all terminal tasks from the live structures and
// returns how many were removed. The persistent store is untouched.
func (m *Manager) ClearCompleted() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, e := range m.tasks {
		if e.state.IsTerminal() {
			delete(m.tasks, id)
			removed++
		}
	}
	return removed
}

// Shutdown cancels all in-flight work and waits for workers to drain, or
// until ctx expires.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for _, e := range m.tasks {
		m.stopRetryTimerLocked(e)
	}
	m.mu.Unlock()

	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatchLocked fills free worker slots with the oldest pending tasks.
// Callers must hold m.mu.
func (m *Manager) dispatchLocked() {
	for !m.closed && len(m.active) < m.cfg.MaxConcurrency && len(m.pending) > 0 {
		e := m.pending[0]
		m.pending = m.pending[1:]
		e.queued = false

		runCtx, cancelRun := context.WithCancel(m.baseCtx)
		e.cancelRun = cancelRun
		m.transitionLocked(e, StateActive)
		m.active[e.id] = e

		m.wg.Add(1)
		go m.run(runCtx, e)
	}
	metrics.SetTasksPending(len(m.pending))
	metrics.SetTasksActive(len(m.active))
}

// run executes one dispatch on a worker goroutine.
func (m *Manager) run(ctx context.Context, e *entry) {
	defer m.wg.Done()

	ctx = log.ContextWithTaskID(ctx, e.id)
	progress := func(percent float64) {
		m.bus.Publish(events.Event{
			Kind:    events.KindProgress,
			TaskID:  e.id,
			Percent: percent,
		})
	}

	outcome := m.exec.Execute(ctx, e.id, e.payload, progress)
	m.complete(ctx, e, outcome)
}

// complete converts a worker outcome into a state transition, consults the
// retry policy on failure, and performs the final persistence write on
// success. Runs on the worker goroutine.
func (m *Manager) complete(ctx context.Context, e *entry, outcome Outcome) {
	logger := log.WithContext(ctx, m.logger)

	switch outcome.Kind {
	case OutcomeSuccess:
		m.persist(ctx, e, outcome, logger)

	case OutcomeAborted:
		m.mu.Lock()
		m.releaseSlotLocked(e)
		if e.cancelReq || !e.pauseReq {
			m.finalizeLocked(e, StateCancelled, "")
		} else {
			e.pauseReq = false
			m.transitionLocked(e, StatePaused)
		}
		m.dispatchLocked()
		m.mu.Unlock()
		logger.Info().Str(log.FieldOutcome, string(outcome.Kind)).Msg("attempt aborted")

	case OutcomeTransient, OutcomeFatal:
		m.fail(e, outcome, logger)

	default:
		logger.Error().Str(log.FieldOutcome, string(outcome.Kind)).Msg("worker returned unknown outcome")
		m.fail(e, Outcome{Kind: OutcomeFatal, Err: outcome.Err}, logger)
	}
}

// persist re-checks cancellation immediately before the library write so a
// cancelled task never produces a record, then finalizes the task.
func (m *Manager) persist(ctx context.Context, e *entry, outcome Outcome, logger zerolog.Logger) {
	m.mu.Lock()
	if e.cancelReq {
		m.releaseSlotLocked(e)
		m.finalizeLocked(e, StateCancelled, "")
		m.dispatchLocked()
		m.mu.Unlock()
		// The artifact was fully written before the cancel was observed;
		// without a record it would be orphaned, so remove it.
		if outcome.Draft != nil {
			_ = os.Remove(outcome.Draft.OutputPath)
		}
		logger.Info().Msg("cancel observed before persistence, record withheld")
		return
	}
	e.persisting = true
	m.mu.Unlock()

	// Write outside the lock: the store serializes concurrent writers
	// itself. The persistence context must outlive a late cancelRun call.
	recordID, duplicate, err := m.sink.UpsertRecord(context.WithoutCancel(ctx), *outcome.Draft)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseSlotLocked(e)
	e.persisting = false
	if err != nil {
		m.failLocked(e, Outcome{Kind: OutcomeTransient, Err: err}, logger)
		m.dispatchLocked()
		return
	}
	m.finalizeLocked(e, StateSucceeded, "")
	m.dispatchLocked()
	logger.Info().
		Str(log.FieldRecordID, recordID).
		Bool("duplicate", duplicate).
		Msg("acquisition persisted")
}

// fail applies attempt accounting and the retry policy verdict.
func (m *Manager) fail(e *entry, outcome Outcome, logger zerolog.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseSlotLocked(e)
	m.failLocked(e, outcome, logger)
	m.dispatchLocked()
}

// failLocked increments the attempt count, asks the policy for a verdict,
// and either schedules a delayed re-enqueue or finalizes the task as Failed.
// Callers must hold m.mu.
func (m *Manager) failLocked(e *entry, outcome Outcome, logger zerolog.Logger) {
	e.attempts++
	reason := ""
	if outcome.Err != nil {
		reason = outcome.Err.Error()
	}
	e.lastError = reason
	metrics.IncFetchFailure(string(outcome.Kind))

	if e.cancelReq {
		m.finalizeLocked(e, StateCancelled, reason)
		return
	}

	kind := retry.Fatal
	if outcome.Kind == OutcomeTransient {
		kind = retry.Transient
	}
	verdict := m.cfg.Policy.Decide(e.attempts, kind, m.cfg.MaxAttempts)
	if !verdict.Retry {
		m.finalizeLocked(e, StateFailed, reason)
		return
	}

	// Back to Pending, but only appended to the dispatch list once the
	// backoff delay elapses. Retried tasks join at the tail so a
	// persistently failing task cannot starve the queue.
	m.transitionLocked(e, StatePending)
	metrics.IncTaskRetries()
	logger.Warn().
		Int(log.FieldAttempt, e.attempts).
		Dur("delay", verdict.Delay).
		Str("reason", reason).
		Msg("transient failure, retry scheduled")
	e.retryTimer = time.AfterFunc(verdict.Delay, func() { m.requeue(e.id) })
}

// requeue appends a task back onto the pending list after its backoff delay.
func (m *Manager) requeue(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.tasks[id]
	if !ok || m.closed {
		return
	}
	e.retryTimer = nil
	if e.state != StatePending || e.queued || e.cancelReq {
		return
	}
	m.enqueueTailLocked(e)
	m.dispatchLocked()
}

// releaseSlotLocked frees the worker slot held by e.
func (m *Manager) releaseSlotLocked(e *entry) {
	delete(m.active, e.id)
	if e.cancelRun != nil {
		e.cancelRun()
		e.cancelRun = nil
	}
	metrics.SetTasksActive(len(m.active))
}

func (m *Manager) enqueueTailLocked(e *entry) {
	if e.queued {
		return
	}
	e.queued = true
	m.pending = append(m.pending, e)
	metrics.SetTasksPending(len(m.pending))
}

func (m *Manager) unqueueLocked(e *entry) {
	if !e.queued {
		return
	}
	e.queued = false
	for i, p := range m.pending {
		if p == e {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			break
		}
	}
	metrics.SetTasksPending(len(m.pending))
}

func (m *Manager) stopRetryTimerLocked(e *entry) {
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
}

// transitionLocked applies a state change and publishes it. Callers must
// hold m.mu.
func (m *Manager) transitionLocked(e *entry, target State) {
	if !e.state.CanTransitionTo(target) {
		m.logger.Error().
			Str(log.FieldTaskID, e.id).
			Str(log.FieldOldState, string(e.state)).
			Str(log.FieldNewState, string(target)).
			Msg("illegal state transition rejected")
		return
	}
	e.state = target
	m.publishStateLocked(e)
}

// finalizeLocked moves a task to a terminal state and records metrics.
func (m *Manager) finalizeLocked(e *entry, target State, reason string) {
	if reason != "" {
		e.lastError = reason
	}
	m.transitionLocked(e, target)
	metrics.IncTasksFinished(string(target))
}

func (m *Manager) publishStateLocked(e *entry) {
	m.bus.Publish(events.Event{
		Kind:   events.KindState,
		TaskID: e.id,
		State:  string(e.state),
		Err:    e.lastError,
	})
}
