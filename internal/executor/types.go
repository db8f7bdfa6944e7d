// Package executor implements the batch executor: a bounded-batch runner that enforces memory/time budgets, dedups
// superset-shaped queries within a batch, and captures memory-only timing
// per plan.
package executor

import (
	"time"

	"github.com/adanalytics/queryaccel/internal/engine"
	"github.com/adanalytics/queryaccel/internal/planner"
	"github.com/adanalytics/queryaccel/internal/query"
)

// MaxBatchSize is the hard cap on queries per batch.
const MaxBatchSize = 20

// DefaultMemoryLimitBytes is the default per-batch memory budget (4 GiB).
const DefaultMemoryLimitBytes int64 = 4 << 30

// Status is the per-plan outcome recorded in a BatchReport.
type Status string

const (
	StatusOK           Status = "OK"
	StatusMemory       Status = "MEMORY"
	StatusTimeout      Status = "TIMEOUT"
	StatusEngineError  Status = "ENGINE_ERROR"
	StatusSchemaDrift  Status = "SCHEMA_DRIFT"
)

// QueryRequest is one member of a submitted batch.
type QueryRequest struct {
	ID        string
	Signature query.Signature
	Deadline  time.Time
}

// PlanResult is the per-query outcome of running one plan: its routing
// decision plus memory-only timing (the compute_ms/io_ms split).
type PlanResult struct {
	QueryID      string
	Status       Status
	Source       string // MV name, or "" for a base scan
	Score        int
	MatchType    string // exact, partial or base; no plan is sampled
	ComputeMs    int64
	IOMs         int64
	RowsProduced int
	Approximate  bool
	SamplingRate float64
	Error        string

	Result *engine.Result `json:"-"`
	Plan   planner.Plan    `json:"-"`
}

// BatchReport is the outcome of one RunBatch call.
type BatchReport struct {
	BatchID        string
	Results        []PlanResult
	ComputeMsTotal int64
	IOMsTotal      int64
}

// CountByStatus tallies results by their terminal status, for the
// aggregate batch report.
func (r BatchReport) CountByStatus() map[Status]int {
	counts := make(map[Status]int, 5)
	for _, res := range r.Results {
		counts[res.Status]++
	}
	return counts
}
