// Copyright 2025 ArchPilot
// SPDX-License-Identifier: Apache-2.0

package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"archpilot/platform/shared/logger"
)

const runHistorySchema = `
CREATE TABLE IF NOT EXISTS run_history (
	run_id         TEXT PRIMARY KEY,
	fingerprint    TEXT NOT NULL,
	status         TEXT NOT NULL,
	scenario       TEXT NOT NULL DEFAULT '',
	cloud_provider TEXT NOT NULL DEFAULT '',
	revision_count INT  NOT NULL DEFAULT 0,
	cached         BOOLEAN NOT NULL DEFAULT FALSE,
	duration_ms    BIGINT NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// RunWriter writes completed-run summaries to PostgreSQL. Writes are
// best-effort: failures are logged and never surfaced to the caller's
// pipeline.
type RunWriter struct {
	db  *sql.DB
	log *logger.Logger
}

// NewRunWriter opens the database, verifies connectivity, and ensures
// the run_history table exists.
func NewRunWriter(ctx context.Context, dsn string, log *logger.Logger) (*RunWriter, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}
	if log == nil {
		log = logger.New("history")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	if _, err := db.ExecContext(ctx, runHistorySchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ensure run_history table: %w", err)
	}

	return &RunWriter{db: db, log: log}, nil
}

// NewRunWriterWithDB wraps an existing database handle. Intended for
// tests.
func NewRunWriterWithDB(db *sql.DB, log *logger.Logger) *RunWriter {
	if log == nil {
		log = logger.New("history")
	}
	return &RunWriter{db: db, log: log}
}

// InsertRun records a completed run. Re-inserting the same run_id
// updates the row.
func (w *RunWriter) InsertRun(ctx context.Context, rec RunRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	const q = `
		INSERT INTO run_history
			(run_id, fingerprint, status, scenario, cloud_provider, revision_count, cached, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (run_id) DO UPDATE SET
			status = EXCLUDED.status,
			revision_count = EXCLUDED.revision_count,
			cached = EXCLUDED.cached,
			duration_ms = EXCLUDED.duration_ms`

	_, err := w.db.ExecContext(ctx, q,
		rec.RunID, rec.Fingerprint, rec.Status, rec.Scenario, rec.CloudProvider,
		rec.RevisionCount, rec.Cached, rec.DurationMS, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert run history: %w", err)
	}
	return nil
}

// RecordAsync fires an insert in the background with its own timeout.
// Used on the pipeline hot path where history must never block.
func (w *RunWriter) RecordAsync(rec RunRecord) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := w.InsertRun(ctx, rec); err != nil {
			w.log.Warn(rec.RunID, "run history write failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()
}

// Close closes the underlying database handle.
func (w *RunWriter) Close() error {
	return w.db.Close()
}
