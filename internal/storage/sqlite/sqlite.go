package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/michaelbrown/penbox/internal/storage"

	_ "modernc.org/sqlite"
)

// fixed width so that text ordering matches time ordering
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements storage.Store backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path and runs migrations.
// Use ":memory:" for an in-memory database (useful for testing).
func Open(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if dbPath == ":memory:" {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) PutBlob(ctx context.Context, b *storage.Blob) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	data := b.Data
	if data == nil {
		data = []byte{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blobs (hash, type, size, data, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO NOTHING`,
		b.Hash, string(b.Type), b.Size, data, formatTime(b.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting blob: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetBlob(ctx context.Context, hash string) (*storage.Blob, error) {
	const cols = `SELECT hash, type, size, data, created_at FROM blobs`

	b, err := scanBlob(s.db.QueryRowContext(ctx, cols+` WHERE hash = ?`, hash), true)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("querying blob: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, cols+` WHERE hash LIKE ? || '%' LIMIT 2`, hash)
	if err != nil {
		return nil, fmt.Errorf("querying blob: %w", err)
	}
	defer rows.Close()

	var matches []*storage.Blob
	for rows.Next() {
		b, err := scanBlob(rows, true)
		if err != nil {
			return nil, err
		}
		matches = append(matches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("blob %s: %w", hash, storage.ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous blob prefix %q", hash)
	}
}

func (s *SQLiteStore) ListBlobs(ctx context.Context, limit int) ([]storage.Blob, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT hash, type, size, x'', created_at FROM blobs
		ORDER BY created_at DESC, hash LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing blobs: %w", err)
	}
	defer rows.Close()

	var blobs []storage.Blob
	for rows.Next() {
		b, err := scanBlob(rows, false)
		if err != nil {
			return nil, err
		}
		blobs = append(blobs, *b)
	}
	return blobs, rows.Err()
}

func (s *SQLiteStore) SaveExecution(ctx context.Context, r *storage.ExecutionRecord) error {
	output := r.Output
	if output == nil {
		output = []byte{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (id, template, status, timeout, created_at, started_at, ended_at, output)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			output = excluded.output`,
		r.ID, r.Template, r.Status, r.Timeout, formatTime(r.CreatedAt),
		nullableTime(r.StartedAt), nullableTime(r.EndedAt), output,
	)
	if err != nil {
		return fmt.Errorf("saving execution: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*storage.ExecutionRecord, error) {
	const cols = `SELECT id, template, status, timeout, created_at, started_at, ended_at, output FROM executions`

	r, err := scanRecord(s.db.QueryRowContext(ctx, cols+` WHERE id = ?`, id))
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("querying execution: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, cols+` WHERE id LIKE ? || '%'`, id)
	if err != nil {
		return nil, fmt.Errorf("querying execution: %w", err)
	}
	defer rows.Close()

	var matches []*storage.ExecutionRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("execution %s: %w", id, storage.ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous execution prefix %q matches %d executions", id, len(matches))
	}
}

func (s *SQLiteStore) ListExecutions(ctx context.Context, opts storage.RecordListOptions) ([]storage.ExecutionRecord, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, template, status, timeout, created_at, started_at, ended_at, x'' FROM executions`
	var args []any

	if opts.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, opts.Status)
	}

	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	defer rows.Close()

	var records []storage.ExecutionRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) DeleteExecution(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM executions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("execution %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Scanner interface to work with both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanBlob(s scanner, withData bool) (*storage.Blob, error) {
	var b storage.Blob
	var typ, createdAt string
	var data []byte
	if err := s.Scan(&b.Hash, &typ, &b.Size, &data, &createdAt); err != nil {
		return nil, err
	}
	b.Type = storage.BlobType(typ)
	b.CreatedAt = parseTime(createdAt)
	if withData {
		b.Data = data
	}
	return &b, nil
}

func scanRecord(s scanner) (*storage.ExecutionRecord, error) {
	var r storage.ExecutionRecord
	var createdAt string
	var startedAt, endedAt sql.NullString
	err := s.Scan(&r.ID, &r.Template, &r.Status, &r.Timeout, &createdAt, &startedAt, &endedAt, &r.Output)
	if err != nil {
		return nil, err
	}
	r.CreatedAt = parseTime(createdAt)
	if startedAt.Valid {
		t := parseTime(startedAt.String)
		r.StartedAt = &t
	}
	if endedAt.Valid {
		t := parseTime(endedAt.String)
		r.EndedAt = &t
	}
	if len(r.Output) == 0 {
		r.Output = nil
	}
	return &r, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}
