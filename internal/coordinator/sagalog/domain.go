// Package sagalog defines the append-only audit log of saga transitions.
//
// The log is the only record of a saga: there is no saga row anywhere else.
// The current state of a saga is the status of its latest entry, and the
// full history of one attempt is every entry sharing its saga id, in the
// order they were written.
package sagalog

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state recorded by one entry.
type Status string

const (
	StatusStarted            Status = "STARTED"
	StatusTaskCreated        Status = "TASK_CREATED"
	StatusEventPublished     Status = "EVENT_PUBLISHED"
	StatusCompleted          Status = "COMPLETED"
	StatusFailed             Status = "FAILED"
	StatusCompensated        Status = "COMPENSATED"
	StatusCompensationFailed Status = "COMPENSATION_FAILED"
)

// transitions is the saga state machine. COMPENSATED → COMPENSATION_FAILED
// records a duplicate failure outcome arriving after the task is gone.
var transitions = map[Status][]Status{
	StatusStarted:        {StatusTaskCreated, StatusFailed},
	StatusTaskCreated:    {StatusEventPublished, StatusCompensated, StatusCompensationFailed, StatusCompleted},
	StatusEventPublished: {StatusCompleted, StatusCompensated, StatusCompensationFailed},
	StatusCompensated:    {StatusCompensationFailed},
}

// IsTerminal reports whether no forward progress can follow s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCompensated, StatusCompensationFailed:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusStarted, StatusTaskCreated, StatusEventPublished:
		return true
	}
	return s.IsTerminal()
}

// CanTransition reports whether an entry with status to may directly follow
// one with status from.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrInvalidHistory is returned by ValidateHistory.
var ErrInvalidHistory = errors.New("sagalog: invalid saga history")

// ValidateHistory checks that entries, oldest first, belong to one saga,
// start with STARTED and only take edges of the state machine.
func ValidateHistory(entries []Entry) error {
	if len(entries) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidHistory)
	}
	if entries[0].Status != StatusStarted {
		return fmt.Errorf("%w: starts with %s", ErrInvalidHistory, entries[0].Status)
	}
	for i := 1; i < len(entries); i++ {
		prev, cur := entries[i-1], entries[i]
		if cur.SagaID != entries[0].SagaID {
			return fmt.Errorf("%w: entry %d belongs to saga %q", ErrInvalidHistory, i, cur.SagaID)
		}
		if !CanTransition(prev.Status, cur.Status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidHistory, prev.Status, cur.Status)
		}
	}
	return nil
}

// Entry is one immutable row of the saga log.
type Entry struct {
	ID     int64  `json:"id"`
	SagaID string `json:"saga_id"`
	Status Status `json:"status"`

	// Step names the saga step that produced the entry, if any.
	Step string `json:"step,omitempty"`

	// Details is free-form context: the publish error, the failure reason
	// reported by the participant, why a compensation was a no-op.
	Details string `json:"details,omitempty"`

	// TraceID and SpanID identify the span active when the entry was written.
	TraceID string `json:"trace_id,omitempty"`
	SpanID  string `json:"span_id,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}
