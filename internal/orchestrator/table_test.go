package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argos-intel/argos/internal/model"
	"github.com/argos-intel/argos/internal/storage"
)

func tableConfig() TableConfig {
	return TableConfig{
		PollInterval:    10 * time.Millisecond,
		BatchSize:       10,
		ExecutorTimeout: time.Second,
	}
}

func putPending(t *testing.T, store storage.RequestStore, priority model.Priority, createdAt time.Time) model.Request {
	t.Helper()
	req := model.Request{
		ID:            uuid.New(),
		Configuration: model.Configuration{Keywords: []string{"test"}},
		Priority:      priority,
		Status:        model.StatusPending,
		MaxAttempts:   3,
		CreatedAt:     createdAt,
	}
	require.NoError(t, store.Put(context.Background(), req))
	return req
}

func TestTable_ExecutesInPriorityThenFIFOOrder(t *testing.T) {
	store := storage.NewMemoryStore()
	exec := newCountingExecutor(nil)

	base := time.Now().UTC()
	a := putPending(t, store, model.PriorityLow, base.Add(1*time.Second))
	b := putPending(t, store, model.PriorityHigh, base.Add(2*time.Second))
	c := putPending(t, store, model.PriorityHigh, base)

	table := NewTable(testDeps(store, exec), tableConfig())
	require.NoError(t, table.Start(context.Background()))
	defer drain(t, table)

	for _, req := range []model.Request{a, b, c} {
		waitForStatus(t, store, req.ID, model.StatusCompleted)
	}

	assert.Equal(t, []uuid.UUID{c.ID, b.ID, a.ID}, exec.executionOrder(),
		"oldest high-priority first, low priority last")
}

func TestTable_CompletedRequestCarriesResultAndProgress(t *testing.T) {
	store := storage.NewMemoryStore()
	exec := newCountingExecutor(nil)
	req := putPending(t, store, model.PriorityMedium, time.Now().UTC())

	table := NewTable(testDeps(store, exec), tableConfig())
	require.NoError(t, table.Start(context.Background()))
	defer drain(t, table)

	done := waitForStatus(t, store, req.ID, model.StatusCompleted)
	require.NotNil(t, done.Result)
	assert.JSONEq(t, `{"summary":"done"}`, string(done.Result.Payload))
	assert.Equal(t, 100, done.Progress.Percentage)
	assert.Equal(t, 1, done.AttemptCount)
	require.NotNil(t, done.StartedAt)
	require.NotNil(t, done.CompletedAt)
	assert.Empty(t, done.Errors)
}

// TestTable_NoRetry verifies the polling strategy fails a request on its
// first error instead of requeueing it.
func TestTable_NoRetry(t *testing.T) {
	store := storage.NewMemoryStore()
	exec := newCountingExecutor(func(uuid.UUID, int) error {
		return errors.New("source unreachable")
	})
	req := putPending(t, store, model.PriorityMedium, time.Now().UTC())

	table := NewTable(testDeps(store, exec), tableConfig())
	require.NoError(t, table.Start(context.Background()))
	defer drain(t, table)

	failed := waitForStatus(t, store, req.ID, model.StatusFailed)
	assert.Equal(t, 1, exec.attemptCount(req.ID))
	assert.Equal(t, 1, failed.AttemptCount)
	require.NotEmpty(t, failed.Errors, "a failed request must carry at least one error")
	assert.Equal(t, "source unreachable", failed.Errors[0].Message)
	assert.Equal(t, 1, failed.Errors[0].Attempt)
	require.NotNil(t, failed.CompletedAt)
}

// TestTable_CancelBeforeClaim verifies a cancellation between the pending
// snapshot and the claim is honored: the request never executes.
func TestTable_CancelBeforeClaim(t *testing.T) {
	store := storage.NewMemoryStore()
	exec := newCountingExecutor(nil)
	req := putPending(t, store, model.PriorityHigh, time.Now().UTC())

	// Cancel before the poller ever runs.
	orch := New(testDeps(store, exec), noopStrategy{}, 3)
	resp, err := orch.Cancel(context.Background(), req.ID)
	require.NoError(t, err)
	require.True(t, resp.Accepted)

	table := NewTable(testDeps(store, exec), tableConfig())
	require.NoError(t, table.Start(context.Background()))

	// Give the poller several cycles to (incorrectly) pick it up.
	time.Sleep(100 * time.Millisecond)
	drain(t, table)

	assert.Zero(t, exec.attemptCount(req.ID), "cancelled request must never execute")
	got, err := store.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)
}

// TestTable_DrainDoesNotAbortInFlightRequest verifies shutdown lets an
// attempt already past the claim finish: since this strategy never
// retries, aborting it would leave a healthy request terminally failed.
func TestTable_DrainDoesNotAbortInFlightRequest(t *testing.T) {
	store := storage.NewMemoryStore()
	started := make(chan struct{}, 1)
	req := putPending(t, store, model.PriorityHigh, time.Now().UTC())

	table := NewTable(testDeps(store, slowExecutor(started, 200*time.Millisecond)), tableConfig())
	require.NoError(t, table.Start(context.Background()))

	waitForExecutionStart(t, started)
	drain(t, table)

	got, err := store.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status,
		"a request executing at shutdown must complete, not fail")
	require.NotNil(t, got.Result)
	assert.Empty(t, got.Errors)
}

func TestTable_StartTwiceIsNoop(t *testing.T) {
	store := storage.NewMemoryStore()
	table := NewTable(testDeps(store, newCountingExecutor(nil)), tableConfig())
	require.NoError(t, table.Start(context.Background()))
	require.NoError(t, table.Start(context.Background()))
	drain(t, table)
}

func drain(t *testing.T, s Strategy) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Drain(ctx))
}
