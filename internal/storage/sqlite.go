package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/argos-intel/argos/internal/model"
)

// SQLiteStore is the SQLite-backed RequestStore for single-node and dev
// deployments. Same contract as Postgres; the conditional update rides on
// SQLite's single-writer serialization.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS requests (
    id TEXT PRIMARY KEY,
    configuration TEXT NOT NULL,
    priority TEXT NOT NULL,
    priority_rank INTEGER NOT NULL,
    status TEXT NOT NULL,
    progress TEXT NOT NULL DEFAULT '{}',
    result TEXT,
    errors TEXT,
    history TEXT,
    attempt_count INTEGER NOT NULL DEFAULT 0,
    max_attempts INTEGER NOT NULL DEFAULT 3,
    created_at TEXT NOT NULL,
    started_at TEXT,
    completed_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_requests_pending
    ON requests (priority_rank, created_at) WHERE status = 'pending';
`

// NewSQLite opens (and if needed creates) a SQLite store at path.
// Pass ":memory:" for an ephemeral database.
func NewSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	// A single connection sidesteps table-lock contention between the
	// poller and the HTTP handlers.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: create sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

// Ping checks connectivity to the database.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Put inserts a new request record.
func (s *SQLiteStore) Put(ctx context.Context, req model.Request) error {
	enc, err := encodeRequest(req)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO requests (id, configuration, priority, priority_rank, status,
		     progress, result, errors, history, attempt_count, max_attempts,
		     created_at, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID.String(), string(enc.configuration), string(req.Priority), req.Priority.Rank(),
		string(req.Status), string(enc.progress), nullableText(enc.result),
		string(enc.errors), string(enc.history), req.AttemptCount, req.MaxAttempts,
		formatTime(req.CreatedAt), formatTimePtr(req.StartedAt), formatTimePtr(req.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("storage: put request: %w", err)
	}
	return nil
}

// Get returns the record for id, or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, id uuid.UUID) (model.Request, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, configuration, priority, status, progress, result, errors,
		        history, attempt_count, max_attempts, created_at, started_at, completed_at
		 FROM requests WHERE id = ?`, id.String())
	req, err := scanSQLiteRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Request{}, ErrNotFound
		}
		return model.Request{}, fmt.Errorf("storage: get request: %w", err)
	}
	return req, nil
}

// UpdateIf persists the request's mutable fields only if the stored status
// still equals expected.
func (s *SQLiteStore) UpdateIf(ctx context.Context, req model.Request, expected model.Status) error {
	enc, err := encodeRequest(req)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE requests
		 SET status = ?, progress = ?, result = ?, errors = ?, history = ?,
		     attempt_count = ?, started_at = ?, completed_at = ?
		 WHERE id = ? AND status = ?`,
		string(req.Status), string(enc.progress), nullableText(enc.result),
		string(enc.errors), string(enc.history), req.AttemptCount,
		formatTimePtr(req.StartedAt), formatTimePtr(req.CompletedAt),
		req.ID.String(), string(expected),
	)
	if err != nil {
		return fmt.Errorf("storage: conditional update: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: conditional update rows: %w", err)
	}
	if affected == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM requests WHERE id = ?)`, req.ID.String(),
		).Scan(&exists); err != nil {
			return fmt.Errorf("storage: conditional update check: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

// QueryPending returns up to limit pending requests in
// (priority desc, created_at asc) order.
func (s *SQLiteStore) QueryPending(ctx context.Context, limit int) ([]model.Request, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, configuration, priority, status, progress, result, errors,
		        history, attempt_count, max_attempts, created_at, started_at, completed_at
		 FROM requests
		 WHERE status = 'pending'
		 ORDER BY priority_rank DESC, created_at ASC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: query pending: %w", err)
	}
	defer rows.Close()

	var pending []model.Request
	for rows.Next() {
		req, err := scanSQLiteRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan pending: %w", err)
		}
		pending = append(pending, req)
	}
	return pending, rows.Err()
}

// CountPending returns the number of pending requests.
func (s *SQLiteStore) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM requests WHERE status = 'pending'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count pending: %w", err)
	}
	return n, nil
}

// sqliteRow is satisfied by both *sql.Row and *sql.Rows.
type sqliteRow interface {
	Scan(dest ...any) error
}

func scanSQLiteRequest(row sqliteRow) (model.Request, error) {
	var (
		idStr, priority, status, createdAt string
		configuration, progress            string
		result, errList, history           sql.NullString
		startedAt, completedAt             sql.NullString
		req                                model.Request
	)
	if err := row.Scan(
		&idStr, &configuration, &priority, &status, &progress, &result,
		&errList, &history, &req.AttemptCount, &req.MaxAttempts,
		&createdAt, &startedAt, &completedAt,
	); err != nil {
		return model.Request{}, err
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return model.Request{}, fmt.Errorf("parse id: %w", err)
	}
	req.ID = id
	req.Priority = model.Priority(priority)
	req.Status = model.Status(status)

	if req.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.Request{}, fmt.Errorf("parse created_at: %w", err)
	}
	if req.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return model.Request{}, fmt.Errorf("parse started_at: %w", err)
	}
	if req.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return model.Request{}, fmt.Errorf("parse completed_at: %w", err)
	}

	if err := decodeJSONColumn(configuration, &req.Configuration); err != nil {
		return model.Request{}, fmt.Errorf("decode configuration: %w", err)
	}
	if err := decodeJSONColumn(progress, &req.Progress); err != nil {
		return model.Request{}, fmt.Errorf("decode progress: %w", err)
	}
	if result.Valid {
		req.Result = &model.Result{}
		if err := decodeJSONColumn(result.String, req.Result); err != nil {
			return model.Request{}, fmt.Errorf("decode result: %w", err)
		}
	}
	if errList.Valid {
		if err := decodeJSONColumn(errList.String, &req.Errors); err != nil {
			return model.Request{}, fmt.Errorf("decode errors: %w", err)
		}
	}
	if history.Valid {
		if err := decodeJSONColumn(history.String, &req.History); err != nil {
			return model.Request{}, fmt.Errorf("decode history: %w", err)
		}
	}
	return req, nil
}

func decodeJSONColumn(raw string, target any) error {
	return json.Unmarshal([]byte(raw), target)
}

func nullableText(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
