package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argos-intel/argos/internal/events"
	"github.com/argos-intel/argos/internal/executor"
	"github.com/argos-intel/argos/internal/model"
	"github.com/argos-intel/argos/internal/orchestrator"
	"github.com/argos-intel/argos/internal/queue"
	"github.com/argos-intel/argos/internal/storage"
)

type testEnv struct {
	server   *Server
	store    storage.RequestStore
	strategy *orchestrator.QueueStrategy
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemoryStore()
	mq := queue.NewMemoryQueue()
	t.Cleanup(func() { _ = mq.Close() })

	deps := orchestrator.Deps{
		Store:    store,
		Executor: &executor.Simulated{},
		Events:   events.NopPublisher{},
		Logger:   logger,
	}
	strategy := orchestrator.NewQueueStrategy(deps, mq, orchestrator.QueueConfig{
		Workers:         2,
		ReceiveWait:     50 * time.Millisecond,
		Visibility:      5 * time.Second,
		RetryBase:       time.Millisecond,
		RetryCap:        10 * time.Millisecond,
		ExecutorTimeout: time.Second,
	})
	orch := orchestrator.New(deps, strategy, 3)

	srv := New(Config{
		Orchestrator: orch,
		Store:        store,
		Logger:       logger,
		Port:         0,
		Version:      "test",
	})
	return &testEnv{server: srv, store: store, strategy: strategy}
}

func (e *testEnv) startWorkers(t *testing.T) {
	t.Helper()
	require.NoError(t, e.strategy.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.strategy.Drain(ctx)
	})
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeData[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var envelope struct {
		Data T                  `json:"data"`
		Meta model.ResponseMeta `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.NotEmpty(t, envelope.Meta.RequestID)
	return envelope.Data
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) model.ErrorDetail {
	t.Helper()
	var envelope model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	return envelope.Error
}

func submission() model.SubmitRequest {
	return model.SubmitRequest{
		Configuration: model.Configuration{
			Keywords: []string{"chip fabrication"},
			Depth:    1,
		},
		Priority: model.PriorityHigh,
	}
}

func TestSubmitEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/requests", submission())
	require.Equal(t, http.StatusAccepted, rec.Code)

	resp := decodeData[model.SubmitResponse](t, rec)
	assert.NotEqual(t, uuid.Nil, resp.ID)
	assert.Equal(t, model.StatusPending, resp.Status)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestSubmitEndpoint_InvalidBody(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/requests", bytes.NewBufferString(`{"unknown_field": true}`))
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, model.ErrCodeInvalidInput, decodeError(t, rec).Code)
}

func TestSubmitEndpoint_ValidationFailure(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/requests", model.SubmitRequest{
		Configuration: model.Configuration{},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	detail := decodeError(t, rec)
	assert.Equal(t, model.ErrCodeInvalidInput, detail.Code)
	assert.Contains(t, detail.Message, "keyword")
}

func TestStatusEndpoint(t *testing.T) {
	env := newTestEnv(t)

	submitted := decodeData[model.SubmitResponse](t, env.do(t, http.MethodPost, "/v1/requests", submission()))

	rec := env.do(t, http.MethodGet, "/v1/requests/"+submitted.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeData[model.StatusResponse](t, rec)
	assert.Equal(t, submitted.ID, status.ID)
	assert.Equal(t, model.StatusPending, status.Status)
	assert.Equal(t, model.PriorityHigh, status.Priority)
}

func TestStatusEndpoint_NotFound(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/v1/requests/"+uuid.NewString(), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, model.ErrCodeNotFound, decodeError(t, rec).Code)
}

func TestStatusEndpoint_BadID(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/v1/requests/not-a-uuid", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResultEndpoint_Lifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.startWorkers(t)

	submitted := decodeData[model.SubmitResponse](t, env.do(t, http.MethodPost, "/v1/requests", submission()))

	require.Eventually(t, func() bool {
		rec := env.do(t, http.MethodGet, "/v1/requests/"+submitted.ID.String(), nil)
		return decodeData[model.StatusResponse](t, rec).Status == model.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	rec := env.do(t, http.MethodGet, "/v1/requests/"+submitted.ID.String()+"/result", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	result := decodeData[model.Result](t, rec)
	assert.NotEmpty(t, result.Payload)
}

func TestResultEndpoint_NotReady(t *testing.T) {
	env := newTestEnv(t)

	submitted := decodeData[model.SubmitResponse](t, env.do(t, http.MethodPost, "/v1/requests", submission()))

	rec := env.do(t, http.MethodGet, "/v1/requests/"+submitted.ID.String()+"/result", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, model.ErrCodeNotReady, decodeError(t, rec).Code)
}

func TestCancelEndpoint(t *testing.T) {
	env := newTestEnv(t)

	submitted := decodeData[model.SubmitResponse](t, env.do(t, http.MethodPost, "/v1/requests", submission()))

	rec := env.do(t, http.MethodPost, "/v1/requests/"+submitted.ID.String()+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeData[model.CancelResponse](t, rec)
	assert.True(t, resp.Accepted)
	assert.Equal(t, model.StatusCancelled, resp.Status)

	// A second cancel reports the conflict.
	rec = env.do(t, http.MethodPost, "/v1/requests/"+submitted.ID.String()+"/cancel", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, model.ErrCodeConflict, decodeError(t, rec).Code)
}

func TestDeadLettersEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/v1/deadletters", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	letters := decodeData[[]queue.DeadLetter](t, rec)
	assert.Empty(t, letters)

	rec = env.do(t, http.MethodGet, "/v1/deadletters?limit=0", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOpenAPIEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/openapi.yaml", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/yaml", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "openapi: 3.1.0")
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	health := decodeData[healthResponse](t, rec)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "connected", health.Store)
	assert.Equal(t, "test", health.Version)
}
