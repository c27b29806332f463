package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/argos-intel/argos/internal/backoff"
	"github.com/argos-intel/argos/internal/model"
	"github.com/argos-intel/argos/internal/queue"
	"github.com/argos-intel/argos/internal/storage"
	"github.com/argos-intel/argos/internal/telemetry"
)

// QueueStrategy fans pending requests out to a pool of workers through a
// message queue. Delivery is at-least-once; the store's conditional claim
// makes duplicate deliveries harmless. Failed attempts are requeued with
// exponential backoff until the request's attempt budget runs out, then
// the message is dead-lettered and the request marked failed.
type QueueStrategy struct {
	runner     *runner
	store      storage.RequestStore
	queue      queue.Queue
	logger     *slog.Logger
	backoff    backoff.Strategy
	workers    int
	wait       time.Duration
	visibility time.Duration

	started    atomic.Bool
	cancelLoop context.CancelFunc
	wg         sync.WaitGroup

	retries     metric.Int64Counter
	deadLetters metric.Int64Counter
}

// QueueConfig tunes the queue strategy.
type QueueConfig struct {
	// Workers is the number of concurrent consumers.
	Workers int
	// ReceiveWait bounds each blocking receive.
	ReceiveWait time.Duration
	// Visibility is how long a delivered message stays hidden before the
	// queue redelivers it. Must exceed the executor timeout.
	Visibility time.Duration
	// RetryBase and RetryCap parameterize the retry delay schedule:
	// delay = RetryBase * 2^attempts, capped at RetryCap.
	RetryBase time.Duration
	RetryCap  time.Duration

	ExecutorTimeout time.Duration
}

// NewQueueStrategy creates the queue strategy.
func NewQueueStrategy(deps Deps, q queue.Queue, cfg QueueConfig) *QueueStrategy {
	return &QueueStrategy{
		runner: &runner{
			store:       deps.Store,
			exec:        deps.Executor,
			artifacts:   deps.Artifacts,
			events:      deps.Events,
			logger:      deps.Logger,
			execTimeout: cfg.ExecutorTimeout,
		},
		store:      deps.Store,
		queue:      q,
		logger:     deps.Logger,
		backoff:    backoff.NewExponential(cfg.RetryBase, cfg.RetryCap),
		workers:    cfg.Workers,
		wait:       cfg.ReceiveWait,
		visibility: cfg.Visibility,
	}
}

// Dispatch enqueues a message for the stored request.
func (s *QueueStrategy) Dispatch(ctx context.Context, req model.Request) error {
	return s.enqueue(ctx, req, 0)
}

func (s *QueueStrategy) enqueue(ctx context.Context, req model.Request, delay time.Duration) error {
	msg := queue.Message{
		RequestID:     req.ID,
		Configuration: req.Configuration,
		Attempt:       req.AttemptCount,
		EnqueuedAt:    time.Now().UTC(),
	}
	if err := s.queue.Enqueue(ctx, msg, delay); err != nil {
		return fmt.Errorf("orchestrator: enqueue %s: %w", req.ID, err)
	}
	return nil
}

// Start launches the worker pool. Safe to call only once; subsequent
// calls are no-ops and log a warning.
func (s *QueueStrategy) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		s.logger.Warn("queue strategy: Start called more than once, ignoring")
		return nil
	}
	s.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancelLoop = cancel

	for i := range s.workers {
		s.wg.Add(1)
		go s.workerLoop(loopCtx, i)
	}
	s.logger.Info("queue strategy started", "workers", s.workers)
	return nil
}

// Drain stops the workers and waits for in-flight requests to finish,
// bounded by ctx. Unfinished deliveries stay invisible until their
// visibility window lapses, then another instance picks them up.
func (s *QueueStrategy) Drain(ctx context.Context) error {
	if s.cancelLoop != nil {
		s.cancelLoop()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.logger.Warn("queue strategy: drain timed out")
		return ctx.Err()
	}
}

// DeadLetters lists exhausted requests held in the dead-letter queue.
func (s *QueueStrategy) DeadLetters(ctx context.Context, limit int) ([]queue.DeadLetter, error) {
	return s.queue.DeadLetters(ctx, limit)
}

func (s *QueueStrategy) workerLoop(ctx context.Context, id int) {
	defer s.wg.Done()
	logger := s.logger.With("worker", id)

	for {
		msg, err := s.queue.Receive(ctx, s.wait, s.visibility)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("queue strategy: receive", "error", err)
			continue
		}
		if msg == nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		s.handle(ctx, logger, msg)
	}
}

// handle processes one delivery end to end. Every path acknowledges the
// message: successful runs, terminal failures (via dead-letter), and
// drops of duplicate or stale deliveries. Only an instance crash leaves a
// message unacked, and the visibility timeout covers that.
func (s *QueueStrategy) handle(ctx context.Context, logger *slog.Logger, msg *queue.Message) {
	// A received delivery is handled to completion: shutdown cancels the
	// receive loop, not work already in a worker's hands. The attempt
	// keeps its executor-timeout bound, and the post-run bookkeeping
	// (requeue, ack, dead-letter) still reaches the store and the queue.
	ctx = context.WithoutCancel(ctx)

	req, err := s.store.Get(ctx, msg.RequestID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			logger.Warn("queue strategy: dropping message for unknown request", "request_id", msg.RequestID)
			s.ack(ctx, logger, msg)
			return
		}
		logger.Error("queue strategy: load request", "request_id", msg.RequestID, "error", err)
		return // leave unacked; redelivered after visibility lapses
	}

	// Duplicate delivery, cancellation, or a crashed claim: the record is
	// no longer pending, so this delivery carries no work.
	if req.Status != model.StatusPending {
		logger.Info("queue strategy: dropping stale delivery",
			"request_id", req.ID, "status", req.Status)
		s.ack(ctx, logger, msg)
		return
	}

	claimed, err := s.runner.claim(ctx, req)
	if err != nil {
		if errors.Is(err, errClaimLost) {
			s.ack(ctx, logger, msg)
			return
		}
		logger.Error("queue strategy: claim", "request_id", req.ID, "error", err)
		return
	}

	current, execErr := s.runner.run(ctx, claimed)
	if execErr == nil {
		s.ack(ctx, logger, msg)
		return
	}
	if errors.Is(execErr, errClaimLost) {
		s.ack(ctx, logger, msg)
		return
	}

	s.afterFailure(ctx, logger, msg, current, execErr)
}

// afterFailure decides between retry and terminal failure. AttemptCount
// was incremented at claim time, so after the k-th failed attempt a retry
// is allowed while k <= MaxAttempts: a request with MaxAttempts=3 runs an
// initial attempt plus three retries before it is dead-lettered.
func (s *QueueStrategy) afterFailure(ctx context.Context, logger *slog.Logger, msg *queue.Message, req model.Request, execErr error) {
	if req.AttemptCount <= req.MaxAttempts {
		requeued, err := s.runner.requeueForRetry(ctx, req, execErr.Error())
		if err != nil {
			if errors.Is(err, errClaimLost) {
				s.ack(ctx, logger, msg)
				return
			}
			logger.Error("queue strategy: requeue", "request_id", req.ID, "error", err)
			return
		}
		delay := s.backoff.Delay(requeued.AttemptCount)
		if err := s.enqueue(ctx, requeued, delay); err != nil {
			// The record is back in pending; redelivery of the original
			// message after visibility lapses will retry it.
			logger.Error("queue strategy: enqueue retry", "request_id", req.ID, "error", err)
			return
		}
		s.retries.Add(ctx, 1)
		s.ack(ctx, logger, msg)
		return
	}

	if _, err := s.runner.markFailed(ctx, req, execErr.Error()); err != nil && !errors.Is(err, errClaimLost) {
		logger.Error("queue strategy: mark failed", "request_id", req.ID, "error", err)
		return
	}
	reason := fmt.Sprintf("attempts exhausted (%d/%d): %s", req.AttemptCount, req.MaxAttempts, execErr)
	if err := s.queue.SendToDeadLetter(ctx, msg, reason); err != nil {
		logger.Error("queue strategy: dead-letter", "request_id", req.ID, "error", err)
		return
	}
	s.deadLetters.Add(ctx, 1)
}

func (s *QueueStrategy) ack(ctx context.Context, logger *slog.Logger, msg *queue.Message) {
	if err := s.queue.Ack(ctx, msg); err != nil {
		logger.Error("queue strategy: ack", "message_id", msg.ID, "error", err)
	}
}

// registerMetrics registers an observable gauge for the pending backlog
// plus counters for retries and dead letters.
func (s *QueueStrategy) registerMetrics() {
	meter := telemetry.Meter("argos/orchestrator")

	_, _ = meter.Int64ObservableGauge("argos.requests.pending",
		metric.WithDescription("Number of requests waiting to be claimed"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			count, err := s.store.CountPending(ctx)
			if err != nil {
				return nil // Non-fatal: just skip this observation.
			}
			o.Observe(count)
			return nil
		}),
	)
	s.retries, _ = meter.Int64Counter("argos.requests.retries",
		metric.WithDescription("Number of failed attempts requeued for retry"))
	s.deadLetters, _ = meter.Int64Counter("argos.requests.dead_letters",
		metric.WithDescription("Number of requests dead-lettered after exhausting attempts"))
}
