package storage

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/argos-intel/argos/internal/model"
)

// MemoryStore is an in-memory RequestStore for tests and ephemeral runs.
// Safe for concurrent use.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[uuid.UUID]model.Request
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[uuid.UUID]model.Request)}
}

// Put inserts a new request record.
func (s *MemoryStore) Put(_ context.Context, req model.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.requests[req.ID]; exists {
		return fmt.Errorf("storage: request %s already exists", req.ID)
	}
	s.requests[req.ID] = cloneRequest(req)
	return nil
}

// Get returns the record for id, or ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (model.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return model.Request{}, ErrNotFound
	}
	return cloneRequest(req), nil
}

// UpdateIf persists req only if the stored status still equals expected.
func (s *MemoryStore) UpdateIf(_ context.Context, req model.Request, expected model.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.requests[req.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Status != expected {
		return ErrConflict
	}
	s.requests[req.ID] = cloneRequest(req)
	return nil
}

// QueryPending returns pending requests in (priority desc, created_at asc) order.
func (s *MemoryStore) QueryPending(_ context.Context, limit int) ([]model.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pending []model.Request
	for _, req := range s.requests {
		if req.Status == model.StatusPending {
			pending = append(pending, cloneRequest(req))
		}
	}
	slices.SortFunc(pending, func(a, b model.Request) int {
		if d := b.Priority.Rank() - a.Priority.Rank(); d != 0 {
			return d
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

// CountPending returns the number of pending requests.
func (s *MemoryStore) CountPending(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, req := range s.requests {
		if req.Status == model.StatusPending {
			n++
		}
	}
	return n, nil
}

// cloneRequest deep-copies the slices and pointers so callers never alias
// stored state.
func cloneRequest(req model.Request) model.Request {
	out := req
	out.Configuration.Keywords = slices.Clone(req.Configuration.Keywords)
	out.Configuration.Sources = slices.Clone(req.Configuration.Sources)
	if req.Configuration.Thresholds != nil {
		out.Configuration.Thresholds = make(map[string]float64, len(req.Configuration.Thresholds))
		for k, v := range req.Configuration.Thresholds {
			out.Configuration.Thresholds[k] = v
		}
	}
	out.Errors = slices.Clone(req.Errors)
	out.History = slices.Clone(req.History)
	if req.Result != nil {
		res := *req.Result
		res.Payload = slices.Clone(req.Result.Payload)
		out.Result = &res
	}
	if req.StartedAt != nil {
		t := *req.StartedAt
		out.StartedAt = &t
	}
	if req.CompletedAt != nil {
		t := *req.CompletedAt
		out.CompletedAt = &t
	}
	return out
}
