// Package argos provides a Go client for the Argos orchestration API.
package argos

import (
	"errors"
	"fmt"
)

// Error represents an error from the Argos API with the HTTP status code
// and the server's error message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("argos: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 404
	}
	return false
}

// IsInvalidInput returns true if the error is a 400.
func IsInvalidInput(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 400
	}
	return false
}

// IsConflict returns true if the error is a 409. The server answers 409
// both for results that are not ready yet and for cancels that arrived
// too late; use IsNotReady to tell them apart.
func IsConflict(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 409
	}
	return false
}

// IsNotReady returns true if the error means the request has not
// completed, so its result does not exist yet.
func IsNotReady(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == "NOT_READY"
	}
	return false
}

// IsRateLimited returns true if the error is a 429 (Too Many Requests).
func IsRateLimited(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 429
	}
	return false
}
