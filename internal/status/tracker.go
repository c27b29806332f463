// Package status is the pure transition logic for request lifecycles.
//
// It validates status transitions, applies their side effects (timestamps,
// attempt counts, history entries), and maps executor stage labels onto
// progress percentages. The package performs no I/O: strategies call it
// around every mutation and persist its output.
package status

import (
	"fmt"
	"time"

	"github.com/argos-intel/argos/internal/model"
)

// InvalidTransitionError is returned when a requested transition is not in
// the lifecycle table. Callers treat it as a duplicate-delivery or race
// guard: the attempt is dropped without mutating the record.
type InvalidTransitionError struct {
	From model.Status
	To   model.Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("status: invalid transition %s -> %s", e.From, e.To)
}

// transitions is the lifecycle table. Terminal states have no entries.
var transitions = map[model.Status][]model.Status{
	model.StatusPending:    {model.StatusProcessing, model.StatusCancelled},
	model.StatusProcessing: {model.StatusExecuting, model.StatusCancelled},
	model.StatusExecuting:  {model.StatusCompleted, model.StatusFailed, model.StatusPending},
}

// ValidateTransition returns nil if from -> to is in the lifecycle table,
// or an *InvalidTransitionError otherwise.
func ValidateTransition(from, to model.Status) error {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return nil
		}
	}
	return &InvalidTransitionError{From: from, To: to}
}

// Apply validates the transition and returns a copy of the request with the
// transition's side effects applied. The input request is not mutated; on an
// invalid transition the original is returned unchanged alongside the error.
func Apply(req model.Request, to model.Status, now time.Time) (model.Request, error) {
	if err := ValidateTransition(req.Status, to); err != nil {
		return req, err
	}

	from := req.Status
	req.Status = to

	switch to {
	case model.StatusProcessing:
		// StartedAt is set once; re-entering after a retry keeps the original.
		if req.StartedAt == nil {
			started := now
			req.StartedAt = &started
		}
		req.AttemptCount++
	case model.StatusExecuting:
		// A fresh attempt starts at the initializing stage with zero progress.
		req.Progress = model.Progress{
			CurrentStage: StageInitializing,
			Percentage:   0,
			LastUpdated:  now,
		}
	case model.StatusCompleted:
		completed := now
		req.CompletedAt = &completed
		req.Progress.Percentage = 100
		req.Progress.LastUpdated = now
	case model.StatusFailed, model.StatusCancelled:
		completed := now
		req.CompletedAt = &completed
	case model.StatusPending:
		// Retry edge: the record returns to the pool with its errors intact.
	}

	req.History = append(req.History, model.TransitionEvent{
		From: from,
		To:   to,
		At:   now,
	})
	return req, nil
}

// RecordError appends an entry to the request's append-only error list,
// stamped with the current attempt number.
func RecordError(req model.Request, message string, now time.Time) model.Request {
	req.Errors = append(req.Errors, model.RequestError{
		Message:    message,
		Attempt:    req.AttemptCount,
		OccurredAt: now,
	})
	return req
}

// Stage labels reported by the workflow executor. The executor may report
// other labels; unrecognized stages keep the previous percentage.
const (
	StageInitializing = "initializing"
	StageDiscovery    = "discovery"
	StageExtraction   = "extraction"
	StageAggregation  = "aggregation"
	StageReport       = "report"
)

// stageFloor maps each stage to the floor of its percentage band:
// discovery 0-30, extraction 30-80, aggregation 80-95, report 95-100.
var stageFloor = map[string]int{
	StageInitializing: 0,
	StageDiscovery:    0,
	StageExtraction:   30,
	StageAggregation:  80,
	StageReport:       95,
}

// StageProgress returns the percentage for a reported stage, never lower
// than previous so progress is monotonic within one attempt.
func StageProgress(stage string, previous int) int {
	floor, ok := stageFloor[stage]
	if !ok {
		return previous
	}
	return max(previous, floor)
}

// AdvanceStage returns a copy of the request with its progress moved to the
// reported stage. Percentage monotonicity within the attempt is preserved.
func AdvanceStage(req model.Request, stage string, now time.Time) model.Request {
	req.Progress = model.Progress{
		CurrentStage: stage,
		Percentage:   StageProgress(stage, req.Progress.Percentage),
		LastUpdated:  now,
	}
	return req
}
