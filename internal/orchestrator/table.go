package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/argos-intel/argos/internal/model"
	"github.com/argos-intel/argos/internal/queue"
	"github.com/argos-intel/argos/internal/storage"
	"github.com/argos-intel/argos/internal/telemetry"
)

// Table is the polling strategy: a single loop scans the store for
// pending requests ordered by priority then age and executes them one at
// a time. There is no retry; a failed attempt moves the request straight
// to failed. Suited to low-volume deployments with no queue
// infrastructure.
type Table struct {
	runner       *runner
	store        storage.RequestStore
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once
	drainCh    chan context.Context // carries the drain context to pollLoop for the final sweep
}

// TableConfig tunes the polling strategy.
type TableConfig struct {
	PollInterval    time.Duration
	BatchSize       int
	ExecutorTimeout time.Duration
}

// NewTable creates the polling strategy.
func NewTable(deps Deps, cfg TableConfig) *Table {
	return &Table{
		runner: &runner{
			store:       deps.Store,
			exec:        deps.Executor,
			artifacts:   deps.Artifacts,
			events:      deps.Events,
			logger:      deps.Logger,
			execTimeout: cfg.ExecutorTimeout,
		},
		store:        deps.Store,
		logger:       deps.Logger,
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
		done:         make(chan struct{}),
		drainCh:      make(chan context.Context, 1),
	}
}

// Dispatch is a no-op: the poll loop discovers stored requests on its own.
func (t *Table) Dispatch(context.Context, model.Request) error { return nil }

// Start begins the background poll loop. Safe to call only once;
// subsequent calls are no-ops and log a warning.
func (t *Table) Start(ctx context.Context) error {
	if !t.started.CompareAndSwap(false, true) {
		t.logger.Warn("table strategy: Start called more than once, ignoring")
		return nil
	}
	t.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	t.cancelLoop = cancel
	go t.pollLoop(loopCtx)
	return nil
}

// Drain signals the poll loop to stop, runs a final sweep, and blocks
// until done or the context expires.
func (t *Table) Drain(ctx context.Context) error {
	select {
	case t.drainCh <- ctx:
	default:
	}
	if t.cancelLoop != nil {
		t.cancelLoop()
	}
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		t.logger.Warn("table strategy: drain timed out")
		return ctx.Err()
	}
}

// DeadLetters always returns an empty list: the table strategy never
// retries, so nothing is ever dead-lettered.
func (t *Table) DeadLetters(context.Context, int) ([]queue.DeadLetter, error) {
	return []queue.DeadLetter{}, nil
}

func (t *Table) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final sweep under the drain context: remaining pending
			// requests are picked up until its deadline stops the batch.
			var drainCtx context.Context
			select {
			case drainCtx = <-t.drainCh:
			default:
			}
			if drainCtx != nil {
				t.processBatch(drainCtx)
			}
			t.once.Do(func() { close(t.done) })
			return
		case <-ticker.C:
			t.processBatch(ctx)
		}
	}
}

// processBatch claims and executes pending requests in priority order.
// Requests run sequentially: one poller, one request at a time.
func (t *Table) processBatch(ctx context.Context) {
	pending, err := t.store.QueryPending(ctx, t.batchSize)
	if err != nil {
		t.logger.Error("table strategy: query pending", "error", err)
		return
	}

	for _, req := range pending {
		if ctx.Err() != nil {
			return
		}
		t.process(ctx, req)
	}
}

func (t *Table) process(ctx context.Context, req model.Request) {
	// A claimed request runs to completion: shutdown stops the loop from
	// starting new work (processBatch checks ctx between requests), but the
	// attempt in flight keeps only its executor-timeout bound instead of
	// inheriting the loop's cancellation. Aborting here would turn a healthy
	// request terminally failed, since this strategy never retries.
	ctx = context.WithoutCancel(ctx)

	claimed, err := t.runner.claim(ctx, req)
	if err != nil {
		// A lost claim means the request was cancelled or the snapshot is
		// stale; either way it is no longer ours.
		if !errors.Is(err, errClaimLost) {
			t.logger.Error("table strategy: claim", "request_id", req.ID, "error", err)
		}
		return
	}

	current, execErr := t.runner.run(ctx, claimed)
	if execErr == nil {
		return
	}
	if errors.Is(execErr, errClaimLost) {
		return
	}

	if _, err := t.runner.markFailed(ctx, current, execErr.Error()); err != nil && !errors.Is(err, errClaimLost) {
		t.logger.Error("table strategy: mark failed", "request_id", current.ID, "error", err)
	}
}

// registerMetrics registers an observable gauge for the pending backlog.
func (t *Table) registerMetrics() {
	meter := telemetry.Meter("argos/orchestrator")

	_, _ = meter.Int64ObservableGauge("argos.requests.pending",
		metric.WithDescription("Number of requests waiting to be claimed"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			count, err := t.store.CountPending(ctx)
			if err != nil {
				return nil // Non-fatal: just skip this observation.
			}
			o.Observe(count)
			return nil
		}),
	)
}
