package argos

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusExecuting  Status = "executing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Priority orders pending requests ahead of their submission order.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Configuration is the intelligence-gathering job description.
type Configuration struct {
	Keywords   []string           `json:"keywords"`
	Sources    []string           `json:"sources,omitempty"`
	Depth      int                `json:"depth,omitempty"`
	Thresholds map[string]float64 `json:"thresholds,omitempty"`
}

// SubmitRequest is the body of POST /v1/requests. Priority defaults to
// medium when empty.
type SubmitRequest struct {
	Configuration Configuration `json:"configuration"`
	Priority      Priority      `json:"priority,omitempty"`
}

// SubmitResponse acknowledges an accepted submission.
type SubmitResponse struct {
	ID     uuid.UUID `json:"id"`
	Status Status    `json:"status"`
}

// Progress is the executor's most recent stage report.
type Progress struct {
	CurrentStage string    `json:"current_stage,omitempty"`
	Percentage   int       `json:"percentage"`
	LastUpdated  time.Time `json:"last_updated"`
}

// RequestError is one entry in a request's error history.
type RequestError struct {
	Message    string    `json:"message"`
	Attempt    int       `json:"attempt"`
	OccurredAt time.Time `json:"occurred_at"`
}

// StatusResponse is the body of GET /v1/requests/{id}.
type StatusResponse struct {
	ID           uuid.UUID      `json:"id"`
	Status       Status         `json:"status"`
	Priority     Priority       `json:"priority"`
	Progress     Progress       `json:"progress"`
	Errors       []RequestError `json:"errors,omitempty"`
	AttemptCount int            `json:"attempt_count"`
	MaxAttempts  int            `json:"max_attempts"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// Result is the output of a completed request: the report payload plus,
// when the server offloads reports to object storage, its location.
type Result struct {
	Payload  json.RawMessage `json:"payload"`
	Location string          `json:"location,omitempty"`
}

// CancelResponse is the body of POST /v1/requests/{id}/cancel.
type CancelResponse struct {
	ID       uuid.UUID `json:"id"`
	Accepted bool      `json:"accepted"`
	Status   Status    `json:"status"`
}

// DeadLetterMessage is the queued work item a dead-letter entry preserves.
type DeadLetterMessage struct {
	RequestID     uuid.UUID     `json:"request_id"`
	Configuration Configuration `json:"configuration"`
	Attempt       int           `json:"attempt"`
	EnqueuedAt    time.Time     `json:"enqueued_at"`
}

// DeadLetter is a request whose retries were exhausted.
type DeadLetter struct {
	Message  DeadLetterMessage `json:"message"`
	Reason   string            `json:"reason"`
	FailedAt time.Time         `json:"failed_at"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Store   string `json:"store"`
	Pending int64  `json:"pending_requests"`
	Uptime  int64  `json:"uptime_seconds"`
}
