// Package executor defines the contract between the orchestrator and the
// workflow engine that actually gathers intelligence.
//
// The orchestrator treats execution as a black box: it hands over the
// request configuration, receives stage callbacks while the workflow
// runs, and gets back a report payload or an error. Everything else
// (retries, state transitions, persistence) stays on the orchestrator
// side of this boundary.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/argos-intel/argos/internal/model"
)

// ProgressFunc reports that the workflow entered a new stage. Callbacks
// arrive on the executing goroutine and must be cheap.
type ProgressFunc func(stage string)

// Executor runs one intelligence-gathering workflow to completion.
//
// Execute must honor ctx cancellation: the orchestrator bounds every run
// with a timeout and cancels on shutdown. A returned error means the
// attempt failed and the orchestrator decides whether to retry.
type Executor interface {
	Execute(ctx context.Context, id uuid.UUID, cfg model.Configuration, progress ProgressFunc) (model.Result, error)
}

// Func adapts a function to the Executor interface.
type Func func(ctx context.Context, id uuid.UUID, cfg model.Configuration, progress ProgressFunc) (model.Result, error)

func (f Func) Execute(ctx context.Context, id uuid.UUID, cfg model.Configuration, progress ProgressFunc) (model.Result, error) {
	return f(ctx, id, cfg, progress)
}

// Simulated is a stand-in workflow engine that walks the standard stages
// with a fixed per-stage pause and emits a summary report. It exists for
// local runs and demos where no real engine is attached.
type Simulated struct {
	// StageDelay is how long each stage takes. Zero means no pause.
	StageDelay time.Duration
}

func (s *Simulated) Execute(ctx context.Context, id uuid.UUID, cfg model.Configuration, progress ProgressFunc) (model.Result, error) {
	stages := []string{"discovery", "extraction", "aggregation", "report"}
	for _, stage := range stages {
		if err := s.pause(ctx); err != nil {
			return model.Result{}, err
		}
		progress(stage)
	}

	payload, err := json.Marshal(map[string]any{
		"request_id": id,
		"keywords":   cfg.Keywords,
		"sources":    len(cfg.Sources),
		"summary":    fmt.Sprintf("simulated report for %d keyword(s)", len(cfg.Keywords)),
	})
	if err != nil {
		return model.Result{}, fmt.Errorf("executor: marshal report: %w", err)
	}
	return model.Result{Payload: payload}, nil
}

func (s *Simulated) pause(ctx context.Context) error {
	if s.StageDelay <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.StageDelay):
		return nil
	}
}
