package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/argos-intel/argos/internal/model"
	"github.com/argos-intel/argos/internal/orchestrator"
	"github.com/argos-intel/argos/internal/storage"
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	orch        *orchestrator.Orchestrator
	store       storage.RequestStore
	logger      *slog.Logger
	version     string
	openapiSpec []byte
	startedAt   time.Time

	// healthSF collapses concurrent health probes into one store count.
	healthSF singleflight.Group
}

// HandlersDeps holds dependencies for creating Handlers.
// OpenAPISpec is optional (nil-safe).
type HandlersDeps struct {
	Orchestrator *orchestrator.Orchestrator
	Store        storage.RequestStore
	Logger       *slog.Logger
	Version      string
	OpenAPISpec  []byte
}

// NewHandlers creates the handler set.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		orch:        d.Orchestrator,
		store:       d.Store,
		logger:      d.Logger,
		version:     d.Version,
		openapiSpec: d.OpenAPISpec,
		startedAt:   time.Now(),
	}
}

// HandleSubmit handles POST /v1/requests.
func (h *Handlers) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var sub model.SubmitRequest
	if err := decodeJSON(r, &sub); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}

	resp, err := h.orch.Submit(r.Context(), sub)
	if err != nil {
		var verr *orchestrator.ValidationError
		if errors.As(err, &verr) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, verr.Reason)
			return
		}
		h.logger.Error("submit failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to accept request")
		return
	}

	writeJSON(w, r, http.StatusAccepted, resp)
}

// HandleStatus handles GET /v1/requests/{id}.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	status, err := h.orch.Status(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "request not found")
			return
		}
		h.logger.Error("status lookup failed", "error", err, "id", id)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load request")
		return
	}

	writeJSON(w, r, http.StatusOK, status)
}

// HandleResult handles GET /v1/requests/{id}/result.
func (h *Handlers) HandleResult(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	result, err := h.orch.Results(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "request not found")
		case errors.Is(err, orchestrator.ErrNotReady):
			writeError(w, r, http.StatusConflict, model.ErrCodeNotReady, err.Error())
		default:
			h.logger.Error("result lookup failed", "error", err, "id", id)
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load result")
		}
		return
	}

	writeJSON(w, r, http.StatusOK, result)
}

// HandleCancel handles POST /v1/requests/{id}/cancel.
func (h *Handlers) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	resp, err := h.orch.Cancel(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "request not found")
			return
		}
		h.logger.Error("cancel failed", "error", err, "id", id)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to cancel request")
		return
	}

	if !resp.Accepted {
		// The request is already executing or finished; report the state
		// without pretending to have cancelled anything.
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict,
			"request cannot be cancelled in status "+string(resp.Status))
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleDeadLetters handles GET /v1/deadletters.
func (h *Handlers) HandleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	letters, err := h.orch.DeadLetters(r.Context(), limit)
	if err != nil {
		h.logger.Error("dead-letter listing failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list dead letters")
		return
	}
	writeJSON(w, r, http.StatusOK, letters)
}

// healthResponse is the body of GET /health.
type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Store   string `json:"store"`
	Pending int64  `json:"pending_requests"`
	Uptime  int64  `json:"uptime_seconds"`
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:  "healthy",
		Version: h.version,
		Store:   "connected",
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	}
	httpStatus := http.StatusOK

	pending, err, _ := h.healthSF.Do("pending", func() (any, error) {
		return h.store.CountPending(r.Context())
	})
	if err != nil {
		resp.Status = "unhealthy"
		resp.Store = "disconnected"
		httpStatus = http.StatusServiceUnavailable
	} else {
		resp.Pending = pending.(int64)
	}

	writeJSON(w, r, httpStatus, resp)
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// pathID parses the {id} path segment, writing a 400 on failure.
func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request id")
		return uuid.Nil, false
	}
	return id, true
}
