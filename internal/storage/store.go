// Package storage provides durable keyed storage for request records.
//
// The orchestrator depends only on the RequestStore interface; Postgres
// (multi-instance deployments), SQLite (single-node), and an in-memory
// implementation (tests) satisfy it. The conditional update primitive is
// what makes claiming a request effectively exclusive — see UpdateIf.
package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/argos-intel/argos/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrConflict is returned by UpdateIf when the stored status no longer
// matches the expected value. Callers treat it as losing a claim race or
// receiving a duplicate delivery.
var ErrConflict = errors.New("storage: status conflict")

// RequestStore is the durable record store for requests.
type RequestStore interface {
	// Put inserts a new request record.
	Put(ctx context.Context, req model.Request) error

	// Get returns the record for id, or ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (model.Request, error)

	// UpdateIf persists the request's mutable fields only if the stored
	// status still equals expected. Returns ErrConflict on a status
	// mismatch and ErrNotFound if the record does not exist. This is the
	// single-writer guard: a successful PENDING -> PROCESSING UpdateIf is
	// an exclusive claim.
	UpdateIf(ctx context.Context, req model.Request, expected model.Status) error

	// QueryPending returns up to limit pending requests ordered by
	// priority (high first), then submission time (oldest first).
	QueryPending(ctx context.Context, limit int) ([]model.Request, error)

	// CountPending returns the number of pending requests. Used by the
	// depth gauge.
	CountPending(ctx context.Context) (int64, error)
}
