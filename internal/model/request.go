// Package model defines the core domain types for Argos.
//
// A Request is the unit of work: an intelligence-gathering configuration
// plus the lifecycle bookkeeping the orchestrator maintains around it.
// Types use strong typing (UUIDs, time.Time, enums) and avoid interface{}
// wherever possible.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a request.
type Status string

const (
	// StatusPending means the request is waiting to be claimed by a strategy.
	StatusPending Status = "pending"
	// StatusProcessing means a poller or worker has claimed the request.
	StatusProcessing Status = "processing"
	// StatusExecuting means the workflow executor is running the request.
	StatusExecuting Status = "executing"
	// StatusCompleted means the executor finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed means the request failed and no retry remains.
	StatusFailed Status = "failed"
	// StatusCancelled means the request was cancelled before execution began.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a recognized status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusExecuting,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Priority orders pending requests. It never preempts in-flight work.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank returns the numeric ordering weight for the priority.
// Higher ranks are dequeued first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// Valid reports whether p is a recognized priority value.
func (p Priority) Valid() bool {
	return p.Rank() > 0
}

// Configuration is the intelligence-gathering job description. It is
// validated for required fields at submission time and then passed to the
// workflow executor unmodified.
type Configuration struct {
	Keywords   []string           `json:"keywords"`
	Sources    []string           `json:"sources,omitempty"`
	Depth      int                `json:"depth,omitempty"`
	Thresholds map[string]float64 `json:"thresholds,omitempty"`
}

// Progress reflects the executor's most recent stage report.
// Percentage is monotonically non-decreasing within one execution attempt.
type Progress struct {
	CurrentStage string    `json:"current_stage,omitempty"`
	Percentage   int       `json:"percentage"`
	LastUpdated  time.Time `json:"last_updated"`
}

// Result is the executor's output for a completed request: an opaque
// summary payload plus, when an artifact store is configured, a handle to
// where the full report is persisted.
type Result struct {
	Payload  json.RawMessage `json:"payload"`
	Location string          `json:"location,omitempty"`
}

// RequestError is one entry in the request's append-only error list.
type RequestError struct {
	Message    string    `json:"message"`
	Attempt    int       `json:"attempt"`
	OccurredAt time.Time `json:"occurred_at"`
}

// TransitionEvent records one status transition in the request history.
type TransitionEvent struct {
	From Status    `json:"from"`
	To   Status    `json:"to"`
	Note string    `json:"note,omitempty"`
	At   time.Time `json:"at"`
}

// Request is the unit of work tracked by the orchestrator.
//
// Status moves only through the transitions the status package validates;
// exactly one poller or worker holds a request in processing/executing at a
// time, enforced by the store's conditional update. A completed or cancelled
// request is immutable thereafter.
type Request struct {
	ID            uuid.UUID         `json:"id"`
	Configuration Configuration     `json:"configuration"`
	Priority      Priority          `json:"priority"`
	Status        Status            `json:"status"`
	Progress      Progress          `json:"progress"`
	Result        *Result           `json:"result,omitempty"`
	Errors        []RequestError    `json:"errors,omitempty"`
	History       []TransitionEvent `json:"history,omitempty"`

	// Retry bookkeeping. AttemptCount increments each time a strategy
	// claims the request; MaxAttempts bounds retries under the queue
	// strategy (the table strategy never retries).
	AttemptCount int `json:"attempt_count"`
	MaxAttempts  int `json:"max_attempts"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
