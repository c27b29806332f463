package orchestrator

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argos-intel/argos/internal/events"
	"github.com/argos-intel/argos/internal/executor"
	"github.com/argos-intel/argos/internal/model"
	"github.com/argos-intel/argos/internal/queue"
	"github.com/argos-intel/argos/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDeps(store storage.RequestStore, exec executor.Executor) Deps {
	return Deps{
		Store:    store,
		Executor: exec,
		Events:   events.NopPublisher{},
		Logger:   testLogger(),
	}
}

// countingExecutor records every execution attempt per request id.
type countingExecutor struct {
	mu       sync.Mutex
	attempts map[uuid.UUID]int
	order    []uuid.UUID
	fail     func(id uuid.UUID, attempt int) error
}

func newCountingExecutor(fail func(id uuid.UUID, attempt int) error) *countingExecutor {
	return &countingExecutor{attempts: make(map[uuid.UUID]int), fail: fail}
}

func (e *countingExecutor) Execute(_ context.Context, id uuid.UUID, _ model.Configuration, progress executor.ProgressFunc) (model.Result, error) {
	e.mu.Lock()
	e.attempts[id]++
	attempt := e.attempts[id]
	e.order = append(e.order, id)
	e.mu.Unlock()

	if e.fail != nil {
		if err := e.fail(id, attempt); err != nil {
			return model.Result{}, err
		}
	}
	progress("discovery")
	progress("extraction")
	progress("aggregation")
	progress("report")
	return model.Result{Payload: json.RawMessage(`{"summary":"done"}`)}, nil
}

// slowExecutor signals on started when execution begins, then takes d to
// finish. Honors cancellation, so an aborted attempt reports ctx.Err().
func slowExecutor(started chan struct{}, d time.Duration) executor.Func {
	return func(ctx context.Context, _ uuid.UUID, _ model.Configuration, progress executor.ProgressFunc) (model.Result, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		select {
		case <-ctx.Done():
			return model.Result{}, ctx.Err()
		case <-time.After(d):
		}
		progress("report")
		return model.Result{Payload: json.RawMessage(`{"summary":"done"}`)}, nil
	}
}

func waitForExecutionStart(t *testing.T, started <-chan struct{}) {
	t.Helper()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("request never started executing")
	}
}

func (e *countingExecutor) attemptCount(id uuid.UUID) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempts[id]
}

func (e *countingExecutor) executionOrder() []uuid.UUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]uuid.UUID, len(e.order))
	copy(out, e.order)
	return out
}

func waitForStatus(t *testing.T, store storage.RequestStore, id uuid.UUID, want model.Status) model.Request {
	t.Helper()
	var req model.Request
	require.Eventually(t, func() bool {
		var err error
		req, err = store.Get(context.Background(), id)
		return err == nil && req.Status == want
	}, 5*time.Second, 10*time.Millisecond, "request %s never reached %s", id, want)
	return req
}

func validSubmission(priority model.Priority) model.SubmitRequest {
	return model.SubmitRequest{
		Configuration: model.Configuration{
			Keywords: []string{"critical minerals"},
			Depth:    1,
		},
		Priority: priority,
	}
}

func TestSubmit_RejectsInvalidConfiguration(t *testing.T) {
	store := storage.NewMemoryStore()
	orch := New(testDeps(store, newCountingExecutor(nil)), noopStrategy{}, 3)

	cases := map[string]model.SubmitRequest{
		"no keywords":     {Configuration: model.Configuration{}, Priority: model.PriorityLow},
		"empty keyword":   {Configuration: model.Configuration{Keywords: []string{""}}},
		"bad priority":    {Configuration: model.Configuration{Keywords: []string{"x"}}, Priority: "urgent"},
		"depth too deep":  {Configuration: model.Configuration{Keywords: []string{"x"}, Depth: 99}},
		"threshold range": {Configuration: model.Configuration{Keywords: []string{"x"}, Thresholds: map[string]float64{"relevance": 1.5}}},
	}
	for name, sub := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := orch.Submit(context.Background(), sub)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
		})
	}

	// Rejected submissions leave no record behind.
	n, err := store.CountPending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSubmit_DefaultsToMediumPriority(t *testing.T) {
	store := storage.NewMemoryStore()
	orch := New(testDeps(store, newCountingExecutor(nil)), noopStrategy{}, 3)

	resp, err := orch.Submit(context.Background(), model.SubmitRequest{
		Configuration: model.Configuration{Keywords: []string{"x"}},
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, resp.Status)

	req, err := store.Get(context.Background(), resp.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PriorityMedium, req.Priority)
	assert.Equal(t, 3, req.MaxAttempts)
}

func TestStatus_UnknownRequest(t *testing.T) {
	orch := New(testDeps(storage.NewMemoryStore(), newCountingExecutor(nil)), noopStrategy{}, 3)
	_, err := orch.Status(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestResults_NotReadyUntilCompleted(t *testing.T) {
	store := storage.NewMemoryStore()
	orch := New(testDeps(store, newCountingExecutor(nil)), noopStrategy{}, 3)

	resp, err := orch.Submit(context.Background(), validSubmission(model.PriorityLow))
	require.NoError(t, err)

	_, err = orch.Results(context.Background(), resp.ID)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestCancel_PendingRequest(t *testing.T) {
	store := storage.NewMemoryStore()
	orch := New(testDeps(store, newCountingExecutor(nil)), noopStrategy{}, 3)

	resp, err := orch.Submit(context.Background(), validSubmission(model.PriorityHigh))
	require.NoError(t, err)

	cancel, err := orch.Cancel(context.Background(), resp.ID)
	require.NoError(t, err)
	assert.True(t, cancel.Accepted)
	assert.Equal(t, model.StatusCancelled, cancel.Status)

	req, err := store.Get(context.Background(), resp.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, req.Status)
	require.NotNil(t, req.CompletedAt)

	// Cancelling again is reported, not re-applied.
	again, err := orch.Cancel(context.Background(), resp.ID)
	require.NoError(t, err)
	assert.False(t, again.Accepted)
	assert.Equal(t, model.StatusCancelled, again.Status)
}

func TestCancel_TerminalStatesUntouched(t *testing.T) {
	store := storage.NewMemoryStore()
	orch := New(testDeps(store, newCountingExecutor(nil)), noopStrategy{}, 3)

	req := model.Request{
		ID:            uuid.New(),
		Configuration: model.Configuration{Keywords: []string{"x"}},
		Priority:      model.PriorityLow,
		Status:        model.StatusCompleted,
		MaxAttempts:   3,
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, store.Put(context.Background(), req))

	resp, err := orch.Cancel(context.Background(), req.ID)
	require.NoError(t, err)
	assert.False(t, resp.Accepted)
	assert.Equal(t, model.StatusCompleted, resp.Status)
}

// noopStrategy satisfies Strategy for façade-only tests.
type noopStrategy struct{}

func (noopStrategy) Dispatch(context.Context, model.Request) error { return nil }
func (noopStrategy) Start(context.Context) error                   { return nil }
func (noopStrategy) Drain(context.Context) error                   { return nil }
func (noopStrategy) DeadLetters(context.Context, int) ([]queue.DeadLetter, error) {
	return []queue.DeadLetter{}, nil
}
