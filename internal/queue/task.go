// SPDX-License-Identifier: MIT

// Package queue implements the background acquisition queue: admission,
// FIFO dispatch under a concurrency ceiling, cooperative pause/cancel, and
// retry accounting.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ManuGH/soundgrab/internal/library"
)

// State represents the current state of a queued task.
type State string

// Task state constants.
const (
	// StatePending indicates the task is waiting for a free worker slot.
	StatePending State = "pending"

	// StateActive indicates the task is currently executing.
	StateActive State = "active"

	// StatePaused indicates the task was suspended and is not eligible
	// for dispatch until resumed.
	StatePaused State = "paused"

	// StateSucceeded indicates the acquisition completed and its record
	// was persisted (or deduplicated).
	StateSucceeded State = "succeeded"

	// StateFailed indicates the task terminated after exhausting retries
	// or hitting a fatal failure.
	StateFailed State = "failed"

	// StateCancelled indicates the task was cancelled before completion.
	StateCancelled State = "cancelled"
)

// String implements fmt.Stringer.
func (s State) String() string {
	return string(s)
}

// IsValid checks whether the state is one of the defined constants.
func (s State) IsValid() bool {
	switch s {
	case StatePending, StateActive, StatePaused, StateSucceeded, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal checks whether the state is final. A task in a terminal state
// never transitions again.
func (s State) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo checks whether this state may transition to target.
//
// Valid transitions:
//   - Pending → Active, Paused, Cancelled
//   - Active  → Pending (retry), Paused, Succeeded, Failed, Cancelled
//   - Paused  → Pending, Cancelled
func (s State) CanTransitionTo(target State) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case StatePending:
		return target == StateActive || target == StatePaused || target == StateCancelled
	case StateActive:
		return target == StatePending || target == StatePaused ||
			target == StateSucceeded || target == StateFailed || target == StateCancelled
	case StatePaused:
		return target == StatePending || target == StateCancelled
	default:
		return false
	}
}

// MarshalJSON implements json.Marshaler.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *State) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	state := State(str)
	if !state.IsValid() {
		return fmt.Errorf("invalid task state: %q", str)
	}
	*s = state
	return nil
}

// MetadataHint carries optional metadata handed in by the producer. Fields
// left empty are filled from what the source reports, where possible.
type MetadataHint struct {
	Title  string `json:"title,omitempty"`
	Artist string `json:"artist,omitempty"`
	Album  string `json:"album,omitempty"`
}

// Payload describes one unit of acquisition work.
type Payload struct {
	// SourceURL is where to fetch from. Required.
	SourceURL string `json:"source_url"`

	// Destination is where the artifact should be written, relative to
	// the library root. It may contain {title}, {artist}, {album} and
	// {ext} placeholders resolved only after the source responds.
	Destination string `json:"destination"`

	// Hint is optional producer-supplied metadata.
	Hint MetadataHint `json:"hint,omitempty"`
}

// TaskView is an immutable snapshot of one task, safe to hand to callers.
type TaskView struct {
	ID          string    `json:"id"`
	SourceURL   string    `json:"source_url"`
	Destination string    `json:"destination"`
	State       State     `json:"state"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Snapshot is a consistent point-in-time view of the whole queue.
type Snapshot struct {
	Tasks          []TaskView    `json:"tasks"`
	Counts         map[State]int `json:"counts"`
	MaxConcurrency int           `json:"max_concurrency"`
}

// OutcomeKind classifies the result of one execution attempt.
type OutcomeKind string

const (
	// OutcomeSuccess means the artifact was written and a record draft is
	// ready for persistence.
	OutcomeSuccess OutcomeKind = "success"

	// OutcomeTransient means the attempt failed in a way worth retrying.
	OutcomeTransient OutcomeKind = "transient"

	// OutcomeFatal means the attempt failed in a way retrying cannot fix.
	OutcomeFatal OutcomeKind = "fatal"

	// OutcomeAborted means a cancel or pause signal was observed before
	// completion; no artifact was left behind.
	OutcomeAborted OutcomeKind = "aborted"
)

// Outcome is the structured result of one execution attempt. Workers never
// let errors escape any other way.
type Outcome struct {
	Kind  OutcomeKind
	Draft *library.Draft // set for OutcomeSuccess
	Err   error          // set for failures
}

// ProgressFunc receives transfer progress in percent, or -1 when the total
// size is unknown.
type ProgressFunc func(percent float64)

// Executor performs the acquisition work for one task. Implementations must
// poll ctx at cooperative checkpoints so cancellation has bounded latency,
// and must not leave partial artifacts behind on any outcome other than
// success.
type Executor interface {
	Execute(ctx context.Context, taskID string, payload Payload, progress ProgressFunc) Outcome
}
