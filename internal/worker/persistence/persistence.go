// Package persistence is the worker's relational store: a single
// analysis_jobs table with ensure-schema, load-all, and upsert-by-id,
// backed by a pgx connection pool.
package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gweizero/optimizer/internal/worker/store"
)

// DB wraps a pgx connection pool. Writes are serialized by writeMu so
// in-memory and on-disk observations stay consistent.
type DB struct {
	pool    *pgxpool.Pool
	writeMu sync.Mutex
}

// Open connects to databaseURL (optionally forcing sslmode) and
// verifies the connection with a ping.
func Open(ctx context.Context, databaseURL, sslMode string) (*DB, error) {
	dsn := databaseURL
	if sslMode != "" {
		dsn = fmt.Sprintf("%s?sslmode=%s", databaseURL, sslMode)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("persistence: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("persistence: ping: %w", err)
	}
	return &DB{pool: pool}, nil
}

// Close releases the connection pool.
func (d *DB) Close() {
	d.pool.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS analysis_jobs (
	id               TEXT PRIMARY KEY,
	source_code      TEXT NOT NULL,
	status           TEXT NOT NULL,
	attempts         INTEGER NOT NULL DEFAULT 1,
	cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	error            TEXT NOT NULL DEFAULT '',
	result           JSONB,
	retry_of         TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_analysis_jobs_status ON analysis_jobs(status);
`

// EnsureSchema implements store.Persistence.
func (d *DB) EnsureSchema(ctx context.Context) error {
	_, err := d.pool.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("persistence: ensure schema: %w", err)
	}
	return nil
}

// Upsert implements store.Persistence: insert-or-update-by-id, result
// stored as native JSON.
func (d *DB) Upsert(ctx context.Context, rec store.Record) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	var resultJSON []byte
	if rec.Result != nil {
		data, err := json.Marshal(rec.Result)
		if err != nil {
			return fmt.Errorf("persistence: marshal result: %w", err)
		}
		resultJSON = data
	}

	_, err := d.pool.Exec(ctx, `
		INSERT INTO analysis_jobs
			(id, source_code, status, attempts, cancel_requested, created_at, updated_at, error, result, retry_of)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			attempts = EXCLUDED.attempts,
			cancel_requested = EXCLUDED.cancel_requested,
			updated_at = EXCLUDED.updated_at,
			error = EXCLUDED.error,
			result = EXCLUDED.result,
			retry_of = EXCLUDED.retry_of
	`,
		rec.ID, rec.Source, string(rec.Status), rec.Attempts, rec.CancelRequested,
		rec.CreatedAt, rec.UpdatedAt, rec.Error, resultJSON, rec.RetryOf,
	)
	if err != nil {
		return fmt.Errorf("persistence: upsert job %s: %w", rec.ID, err)
	}
	return nil
}

// LoadAll implements store.Persistence.
func (d *DB) LoadAll(ctx context.Context) ([]store.Record, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT id, source_code, status, attempts, cancel_requested, created_at, updated_at, error, result, retry_of
		FROM analysis_jobs
	`)
	if err != nil {
		return nil, fmt.Errorf("persistence: load all: %w", err)
	}
	defer rows.Close()

	var records []store.Record
	for rows.Next() {
		var rec store.Record
		var status string
		var resultJSON []byte
		if err := rows.Scan(
			&rec.ID, &rec.Source, &status, &rec.Attempts, &rec.CancelRequested,
			&rec.CreatedAt, &rec.UpdatedAt, &rec.Error, &resultJSON, &rec.RetryOf,
		); err != nil {
			return nil, fmt.Errorf("persistence: scan row: %w", err)
		}
		rec.Status = store.Status(status)
		if len(resultJSON) > 0 {
			var result store.Result
			if err := json.Unmarshal(resultJSON, &result); err != nil {
				return nil, fmt.Errorf("persistence: unmarshal result for %s: %w", rec.ID, err)
			}
			rec.Result = &result
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
