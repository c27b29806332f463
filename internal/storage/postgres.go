package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/argos-intel/argos/internal/model"
)

// PostgresStore is the Postgres-backed RequestStore for multi-instance
// deployments. Conditional updates ride on a single-row UPDATE guarded by
// the expected status; no explicit locking is required.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	return &PostgresStore{pool: pool, logger: logger}, nil
}

// Pool returns the underlying connection pool for use by other packages.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// Ping checks connectivity to the database.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

const requestColumns = `id, configuration, priority, status, progress, result,
	errors, history, attempt_count, max_attempts, created_at, started_at, completed_at`

// Put inserts a new request record.
func (s *PostgresStore) Put(ctx context.Context, req model.Request) error {
	enc, err := encodeRequest(req)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO requests (`+requestColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		req.ID, enc.configuration, string(req.Priority), string(req.Status),
		enc.progress, enc.result, enc.errors, enc.history,
		req.AttemptCount, req.MaxAttempts,
		req.CreatedAt, req.StartedAt, req.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: put request: %w", err)
	}
	return nil
}

// Get returns the record for id, or ErrNotFound.
func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (model.Request, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE id = $1`, id)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Request{}, ErrNotFound
		}
		return model.Request{}, fmt.Errorf("storage: get request: %w", err)
	}
	return req, nil
}

// UpdateIf persists the request's mutable fields only if the stored status
// still equals expected. Serialization and deadlock errors are retried;
// ErrConflict is not, since a changed status is an answer, not a failure.
func (s *PostgresStore) UpdateIf(ctx context.Context, req model.Request, expected model.Status) error {
	enc, err := encodeRequest(req)
	if err != nil {
		return err
	}
	return WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		tag, err := s.pool.Exec(ctx,
			`UPDATE requests
			 SET status = $1, progress = $2, result = $3, errors = $4, history = $5,
			     attempt_count = $6, started_at = $7, completed_at = $8
			 WHERE id = $9 AND status = $10`,
			string(req.Status), enc.progress, enc.result, enc.errors, enc.history,
			req.AttemptCount, req.StartedAt, req.CompletedAt,
			req.ID, string(expected),
		)
		if err != nil {
			return fmt.Errorf("storage: conditional update: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Distinguish a lost race from a missing record.
			var exists bool
			if err := s.pool.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM requests WHERE id = $1)`, req.ID,
			).Scan(&exists); err != nil {
				return fmt.Errorf("storage: conditional update check: %w", err)
			}
			if !exists {
				return ErrNotFound
			}
			return ErrConflict
		}
		return nil
	})
}

// QueryPending returns up to limit pending requests in
// (priority desc, created_at asc) order.
func (s *PostgresStore) QueryPending(ctx context.Context, limit int) ([]model.Request, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+requestColumns+` FROM requests
		 WHERE status = 'pending'
		 ORDER BY CASE priority WHEN 'high' THEN 3 WHEN 'medium' THEN 2 ELSE 1 END DESC,
		          created_at ASC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: query pending: %w", err)
	}
	defer rows.Close()

	var pending []model.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan pending: %w", err)
		}
		pending = append(pending, req)
	}
	return pending, rows.Err()
}

// CountPending returns the number of pending requests.
func (s *PostgresStore) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM requests WHERE status = 'pending'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count pending: %w", err)
	}
	return n, nil
}

// encodedRequest holds the JSON-serialized columns of a request row.
type encodedRequest struct {
	configuration []byte
	progress      []byte
	result        []byte // nil when the request has no result
	errors        []byte
	history       []byte
}

func encodeRequest(req model.Request) (encodedRequest, error) {
	var enc encodedRequest
	var err error
	if enc.configuration, err = json.Marshal(req.Configuration); err != nil {
		return enc, fmt.Errorf("storage: encode configuration: %w", err)
	}
	if enc.progress, err = json.Marshal(req.Progress); err != nil {
		return enc, fmt.Errorf("storage: encode progress: %w", err)
	}
	if req.Result != nil {
		if enc.result, err = json.Marshal(req.Result); err != nil {
			return enc, fmt.Errorf("storage: encode result: %w", err)
		}
	}
	if enc.errors, err = json.Marshal(req.Errors); err != nil {
		return enc, fmt.Errorf("storage: encode errors: %w", err)
	}
	if enc.history, err = json.Marshal(req.History); err != nil {
		return enc, fmt.Errorf("storage: encode history: %w", err)
	}
	return enc, nil
}

// scanRequest reads one request row. Works for both pgx.Row and pgx.Rows.
func scanRequest(row pgx.Row) (model.Request, error) {
	var req model.Request
	var priority, status string
	var configuration, progress, result, errList, history []byte

	if err := row.Scan(
		&req.ID, &configuration, &priority, &status, &progress, &result,
		&errList, &history, &req.AttemptCount, &req.MaxAttempts,
		&req.CreatedAt, &req.StartedAt, &req.CompletedAt,
	); err != nil {
		return model.Request{}, err
	}

	req.Priority = model.Priority(priority)
	req.Status = model.Status(status)
	if err := json.Unmarshal(configuration, &req.Configuration); err != nil {
		return model.Request{}, fmt.Errorf("decode configuration: %w", err)
	}
	if err := json.Unmarshal(progress, &req.Progress); err != nil {
		return model.Request{}, fmt.Errorf("decode progress: %w", err)
	}
	if result != nil {
		req.Result = &model.Result{}
		if err := json.Unmarshal(result, req.Result); err != nil {
			return model.Request{}, fmt.Errorf("decode result: %w", err)
		}
	}
	if errList != nil {
		if err := json.Unmarshal(errList, &req.Errors); err != nil {
			return model.Request{}, fmt.Errorf("decode errors: %w", err)
		}
	}
	if history != nil {
		if err := json.Unmarshal(history, &req.History); err != nil {
			return model.Request{}, fmt.Errorf("decode history: %w", err)
		}
	}
	return req, nil
}
