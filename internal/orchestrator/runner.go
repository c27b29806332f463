package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/argos-intel/argos/internal/artifact"
	"github.com/argos-intel/argos/internal/events"
	"github.com/argos-intel/argos/internal/executor"
	"github.com/argos-intel/argos/internal/model"
	"github.com/argos-intel/argos/internal/status"
	"github.com/argos-intel/argos/internal/storage"
)

// runner is the execution path shared by both strategies: claim a pending
// request, move it through executing, and persist the outcome. Every
// mutation goes through the status package and the store's conditional
// update, so a lost race at any step leaves the record untouched.
type runner struct {
	store       storage.RequestStore
	exec        executor.Executor
	artifacts   artifact.Store // nil when no object store is configured
	events      events.Publisher
	logger      *slog.Logger
	execTimeout time.Duration
}

// errClaimLost reports that another writer changed the record first. The
// caller drops the work item; whoever won the race owns the request now.
var errClaimLost = errors.New("orchestrator: claim lost")

// transition applies to-status to the request and persists it, expecting
// the stored status to still equal the request's current one. Publishes a
// lifecycle event on success.
func (r *runner) transition(ctx context.Context, req model.Request, to model.Status) (model.Request, error) {
	from := req.Status
	next, err := status.Apply(req, to, time.Now().UTC())
	if err != nil {
		return req, err
	}
	if err := r.store.UpdateIf(ctx, next, from); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return req, errClaimLost
		}
		return req, fmt.Errorf("orchestrator: persist %s -> %s: %w", from, to, err)
	}
	r.events.Publish(ctx, events.Event{
		RequestID: next.ID,
		From:      from,
		To:        to,
		Attempt:   next.AttemptCount,
		At:        time.Now().UTC(),
	})
	return next, nil
}

// claim takes exclusive ownership of a pending request. errClaimLost means
// another poller, worker, or a cancellation got there first.
func (r *runner) claim(ctx context.Context, req model.Request) (model.Request, error) {
	claimed, err := r.transition(ctx, req, model.StatusProcessing)
	if err != nil {
		return req, err
	}
	r.logger.Info("claimed request",
		"request_id", claimed.ID, "attempt", claimed.AttemptCount, "priority", claimed.Priority)
	return claimed, nil
}

// run executes one attempt of a claimed request and persists the terminal
// outcome on success. On executor failure it returns the still-executing
// record and the error; the strategy decides between retry and failure.
func (r *runner) run(ctx context.Context, req model.Request) (model.Request, error) {
	current, err := r.transition(ctx, req, model.StatusExecuting)
	if err != nil {
		return req, err
	}

	execCtx := ctx
	if r.execTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, r.execTimeout)
		defer cancel()
	}

	// Stage callbacks arrive synchronously on this goroutine, so current
	// can be threaded through without locking. A failed progress write is
	// logged and skipped; progress is advisory, the outcome write is not.
	progress := func(stage string) {
		advanced := status.AdvanceStage(current, stage, time.Now().UTC())
		if err := r.store.UpdateIf(execCtx, advanced, model.StatusExecuting); err != nil {
			r.logger.Warn("failed to persist progress",
				"request_id", current.ID, "stage", stage, "error", err)
			return
		}
		current = advanced
	}

	result, execErr := r.exec.Execute(execCtx, current.ID, current.Configuration, progress)
	if execErr != nil {
		return current, execErr
	}
	return r.complete(ctx, current, result)
}

// complete stores the result, offloading the payload to the artifact store
// when one is configured, and moves the request to completed.
func (r *runner) complete(ctx context.Context, req model.Request, result model.Result) (model.Request, error) {
	if r.artifacts != nil && len(result.Payload) > 0 {
		key := fmt.Sprintf("reports/%s.json", req.ID)
		location, err := r.artifacts.Save(ctx, key, result.Payload)
		if err != nil {
			// The inline payload is still authoritative; losing the
			// offload copy does not fail the request.
			r.logger.Error("failed to offload report", "request_id", req.ID, "error", err)
		} else {
			result.Location = location
		}
	}
	req.Result = &result

	done, err := r.transition(ctx, req, model.StatusCompleted)
	if err != nil {
		return req, err
	}
	r.logger.Info("request completed", "request_id", done.ID, "attempts", done.AttemptCount)
	return done, nil
}

// markFailed records the error and moves the request to its terminal
// failed state.
func (r *runner) markFailed(ctx context.Context, req model.Request, cause string) (model.Request, error) {
	req = status.RecordError(req, cause, time.Now().UTC())
	failed, err := r.transition(ctx, req, model.StatusFailed)
	if err != nil {
		return req, err
	}
	r.logger.Warn("request failed",
		"request_id", failed.ID, "attempts", failed.AttemptCount, "cause", cause)
	return failed, nil
}

// requeueForRetry records the error and returns the request to the pending
// pool with its attempt count and history intact.
func (r *runner) requeueForRetry(ctx context.Context, req model.Request, cause string) (model.Request, error) {
	req = status.RecordError(req, cause, time.Now().UTC())
	pending, err := r.transition(ctx, req, model.StatusPending)
	if err != nil {
		return req, err
	}
	r.logger.Info("request requeued for retry",
		"request_id", pending.ID, "attempt", pending.AttemptCount, "cause", cause)
	return pending, nil
}
