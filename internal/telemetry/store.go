package telemetry

import (
	"context"
	"database/sql"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/adanalytics/queryaccel/infrastructure/errors"
)

// Store persists plan and batch telemetry. With a DSN it writes to
// append-only Postgres tables; without one it keeps records in memory,
// which is sufficient for tests and single-process operation.
type Store struct {
	db *sql.DB

	mu      sync.Mutex
	plans   []PlanRecord
	batches []BatchRecord
}

// NewStore opens (and schema-migrates) a Postgres-backed store when dsn is
// non-empty, or returns an in-memory store when it is empty.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	s := &Store{}
	if dsn == "" {
		return s, nil
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.NewFatalError("opening telemetry database", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.NewFatalError("pinging telemetry database", err)
	}
	if err := ensureSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	s.db = db
	return s, nil
}

func ensureSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS plan_telemetry (
			id            BIGSERIAL PRIMARY KEY,
			batch_id      TEXT NOT NULL,
			query_id      TEXT NOT NULL,
			source        TEXT NOT NULL,
			score         INT NOT NULL,
			match_type    TEXT NOT NULL,
			compute_ms    BIGINT NOT NULL,
			io_ms         BIGINT NOT NULL,
			rows_produced INT NOT NULL,
			status        TEXT NOT NULL,
			approximate   BOOLEAN NOT NULL,
			sampling_rate DOUBLE PRECISION NOT NULL,
			error         TEXT,
			recorded_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return errors.NewFatalError("creating plan_telemetry table", err)
	}

	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS batch_report (
			id               BIGSERIAL PRIMARY KEY,
			batch_id         TEXT NOT NULL,
			query_count      INT NOT NULL,
			compute_ms_total BIGINT NOT NULL,
			io_ms_total      BIGINT NOT NULL,
			recorded_at      TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return errors.NewFatalError("creating batch_report table", err)
	}
	return nil
}

// RecordPlan appends one plan's telemetry.
func (s *Store) RecordPlan(ctx context.Context, rec PlanRecord) error {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now()
	}

	if s.db == nil {
		s.mu.Lock()
		s.plans = append(s.plans, rec)
		s.mu.Unlock()
		return nil
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plan_telemetry
			(batch_id, query_id, source, score, match_type, compute_ms, io_ms,
			 rows_produced, status, approximate, sampling_rate, error, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, rec.BatchID, rec.QueryID, rec.Source, rec.Score, rec.MatchType, rec.ComputeMs, rec.IOMs,
		rec.RowsProduced, rec.Status, rec.Approximate, rec.SamplingRate, rec.Error, rec.RecordedAt)
	if err != nil {
		return errors.NewFatalError("inserting plan telemetry", err)
	}
	return nil
}

// RecordBatch appends one batch's summary.
func (s *Store) RecordBatch(ctx context.Context, rec BatchRecord) error {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now()
	}

	if s.db == nil {
		s.mu.Lock()
		s.batches = append(s.batches, rec)
		s.mu.Unlock()
		return nil
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO batch_report (batch_id, query_count, compute_ms_total, io_ms_total, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
	`, rec.BatchID, rec.QueryCount, rec.ComputeMsTotal, rec.IOMsTotal, rec.RecordedAt)
	if err != nil {
		return errors.NewFatalError("inserting batch report", err)
	}
	return nil
}

// RecentPlans returns the in-memory plan records captured so far. Only
// meaningful for a store opened without a DSN; a Postgres-backed store
// returns nil since callers are expected to query the table directly.
func (s *Store) RecentPlans() []PlanRecord {
	if s.db != nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PlanRecord, len(s.plans))
	copy(out, s.plans)
	return out
}

// Close releases the underlying database connection, if any.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
