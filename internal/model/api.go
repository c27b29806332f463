package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Limits on submitted configurations. These bound what a single submission
// can push into the store and hand to the executor.
const (
	MaxKeywords   = 50
	MaxSources    = 50
	MaxKeywordLen = 200
	MaxDepth      = 10
)

// SubmitRequest is the body of POST /v1/requests.
type SubmitRequest struct {
	Configuration Configuration `json:"configuration"`
	Priority      Priority      `json:"priority"`
}

// SubmitResponse acknowledges an accepted submission.
type SubmitResponse struct {
	ID     uuid.UUID `json:"id"`
	Status Status    `json:"status"`
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

// CancelResponse is the body of POST /v1/requests/{id}/cancel.
type CancelResponse struct {
	ID       uuid.UUID `json:"id"`
	Accepted bool      `json:"accepted"`
	Status   Status    `json:"status"`
}

// StatusView projects a Request into its status response.
func StatusView(req Request) StatusResponse {
	return StatusResponse{
		ID:           req.ID,
		Status:       req.Status,
		Priority:     req.Priority,
		Progress:     req.Progress,
		Errors:       req.Errors,
		AttemptCount: req.AttemptCount,
		MaxAttempts:  req.MaxAttempts,
		CreatedAt:    req.CreatedAt,
		StartedAt:    req.StartedAt,
		CompletedAt:  req.CompletedAt,
	}
}

// ValidateConfiguration checks the required fields of a submitted
// configuration. Rejected configurations never produce a request record.
func ValidateConfiguration(cfg Configuration) error {
	if len(cfg.Keywords) == 0 {
		return fmt.Errorf("configuration requires at least one keyword")
	}
	if len(cfg.Keywords) > MaxKeywords {
		return fmt.Errorf("configuration exceeds maximum of %d keywords", MaxKeywords)
	}
	for i, kw := range cfg.Keywords {
		if kw == "" {
			return fmt.Errorf("keywords[%d] must not be empty", i)
		}
		if len(kw) > MaxKeywordLen {
			return fmt.Errorf("keywords[%d] exceeds maximum length of %d characters", i, MaxKeywordLen)
		}
	}
	if len(cfg.Sources) > MaxSources {
		return fmt.Errorf("configuration exceeds maximum of %d sources", MaxSources)
	}
	if cfg.Depth < 0 || cfg.Depth > MaxDepth {
		return fmt.Errorf("depth must be between 0 and %d", MaxDepth)
	}
	for name, v := range cfg.Thresholds {
		if v < 0 || v > 1 {
			return fmt.Errorf("threshold %q must be between 0 and 1", name)
		}
	}
	return nil
}

// APIResponse is the standard success envelope.
type APIResponse struct {
	Data any          `json:"data"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ErrorDetail carries a machine-readable code and human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResponseMeta is attached to every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Error codes returned by the HTTP API.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeNotReady      = "NOT_READY"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeUnavailable   = "UNAVAILABLE"
	ErrCodeInternalError = "INTERNAL_ERROR"
)
