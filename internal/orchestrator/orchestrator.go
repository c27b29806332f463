package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/argos-intel/argos/internal/artifact"
	"github.com/argos-intel/argos/internal/events"
	"github.com/argos-intel/argos/internal/executor"
	"github.com/argos-intel/argos/internal/model"
	"github.com/argos-intel/argos/internal/queue"
	"github.com/argos-intel/argos/internal/status"
	"github.com/argos-intel/argos/internal/storage"
)

// ErrNotReady is returned by Results for a request that has not completed.
var ErrNotReady = errors.New("orchestrator: result not ready")

// ValidationError rejects a submission before any record is created.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("orchestrator: invalid submission: %s", e.Reason)
}

// Deps bundles the collaborators shared by the façade and both
// strategies.
type Deps struct {
	Store     storage.RequestStore
	Executor  executor.Executor
	Artifacts artifact.Store // optional
	Events    events.Publisher
	Logger    *slog.Logger
}

// Orchestrator is the façade clients talk to. It validates submissions,
// assigns identities, persists records, and hands processing off to the
// configured strategy. Reads (status, results) go straight to the store
// so they see whatever the strategy last persisted.
type Orchestrator struct {
	store       storage.RequestStore
	strategy    Strategy
	events      events.Publisher
	logger      *slog.Logger
	maxAttempts int
}

// New creates the façade. maxAttempts is the retry budget stamped onto
// every accepted request; the table strategy ignores it.
func New(deps Deps, strategy Strategy, maxAttempts int) *Orchestrator {
	return &Orchestrator{
		store:       deps.Store,
		strategy:    strategy,
		events:      deps.Events,
		logger:      deps.Logger,
		maxAttempts: maxAttempts,
	}
}

// Start launches the strategy's background processing.
func (o *Orchestrator) Start(ctx context.Context) error {
	return o.strategy.Start(ctx)
}

// Drain stops the strategy and waits for in-flight work, bounded by ctx.
func (o *Orchestrator) Drain(ctx context.Context) error {
	return o.strategy.Drain(ctx)
}

// Submit validates the submission, stores a pending record with a fresh
// id, and dispatches it to the strategy. A rejected submission leaves no
// trace.
func (o *Orchestrator) Submit(ctx context.Context, sub model.SubmitRequest) (model.SubmitResponse, error) {
	if err := model.ValidateConfiguration(sub.Configuration); err != nil {
		return model.SubmitResponse{}, &ValidationError{Reason: err.Error()}
	}
	priority := sub.Priority
	if priority == "" {
		priority = model.PriorityMedium
	}
	if !priority.Valid() {
		return model.SubmitResponse{}, &ValidationError{Reason: fmt.Sprintf("unknown priority %q", priority)}
	}

	now := time.Now().UTC()
	req := model.Request{
		ID:            uuid.New(),
		Configuration: sub.Configuration,
		Priority:      priority,
		Status:        model.StatusPending,
		MaxAttempts:   o.maxAttempts,
		CreatedAt:     now,
	}
	if err := o.store.Put(ctx, req); err != nil {
		return model.SubmitResponse{}, fmt.Errorf("orchestrator: store submission: %w", err)
	}
	o.events.Publish(ctx, events.Event{RequestID: req.ID, To: model.StatusPending, At: now})

	if err := o.strategy.Dispatch(ctx, req); err != nil {
		// The record is stored and pending; for the queue strategy an
		// operator can re-dispatch, for the table strategy the poller will
		// find it regardless.
		o.logger.Error("dispatch failed, request remains pending", "request_id", req.ID, "error", err)
	}

	o.logger.Info("accepted request", "request_id", req.ID, "priority", req.Priority)
	return model.SubmitResponse{ID: req.ID, Status: req.Status}, nil
}

// Status returns the current lifecycle view of a request.
func (o *Orchestrator) Status(ctx context.Context, id uuid.UUID) (model.StatusResponse, error) {
	req, err := o.store.Get(ctx, id)
	if err != nil {
		return model.StatusResponse{}, err
	}
	return model.StatusView(req), nil
}

// Results returns the stored result of a completed request. ErrNotReady
// is returned while the request is still in flight, and for failed or
// cancelled requests, which will never produce a result.
func (o *Orchestrator) Results(ctx context.Context, id uuid.UUID) (model.Result, error) {
	req, err := o.store.Get(ctx, id)
	if err != nil {
		return model.Result{}, err
	}
	if req.Status != model.StatusCompleted || req.Result == nil {
		return model.Result{}, fmt.Errorf("%w: request is %s", ErrNotReady, req.Status)
	}
	return *req.Result, nil
}

// Cancel attempts to stop a request before execution begins. Pending and
// processing requests are cancelled; executing and terminal requests are
// left untouched and reported with Accepted=false.
func (o *Orchestrator) Cancel(ctx context.Context, id uuid.UUID) (model.CancelResponse, error) {
	for {
		req, err := o.store.Get(ctx, id)
		if err != nil {
			return model.CancelResponse{}, err
		}

		cancelled, err := status.Apply(req, model.StatusCancelled, time.Now().UTC())
		if err != nil {
			// Not cancellable from the current state.
			return model.CancelResponse{ID: id, Accepted: false, Status: req.Status}, nil
		}

		err = o.store.UpdateIf(ctx, cancelled, req.Status)
		if err == nil {
			o.events.Publish(ctx, events.Event{
				RequestID: id, From: req.Status, To: model.StatusCancelled,
				Attempt: req.AttemptCount, At: time.Now().UTC(),
			})
			o.logger.Info("cancelled request", "request_id", id, "was", req.Status)
			return model.CancelResponse{ID: id, Accepted: true, Status: model.StatusCancelled}, nil
		}
		if errors.Is(err, storage.ErrConflict) {
			// Lost a race with a strategy transition; re-read and retry
			// against the fresh state.
			continue
		}
		return model.CancelResponse{}, fmt.Errorf("orchestrator: cancel %s: %w", id, err)
	}
}

// DeadLetters lists requests whose retries were exhausted.
func (o *Orchestrator) DeadLetters(ctx context.Context, limit int) ([]queue.DeadLetter, error) {
	return o.strategy.DeadLetters(ctx, limit)
}
