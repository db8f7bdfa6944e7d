// Package telemetry records per-plan execution telemetry and runs the
// correctness validator that replays queries against both a chosen
// materialized view and a forced base scan, quarantining any MV whose
// results drift beyond the configured numeric tolerances.
package telemetry

import (
	"math"
	"time"
)

// PlanRecord is one row of telemetry captured for a single executed plan,
// matching the fields a routing telemetry record needs: query id, chosen source,
// score, match type, timing split, rows produced, and status.
type PlanRecord struct {
	BatchID      string
	QueryID      string
	Source       string
	Score        int
	MatchType    string // exact, partial or base; the executor never records sampled
	ComputeMs    int64
	IOMs         int64
	RowsProduced int
	Status       string
	Approximate  bool
	SamplingRate float64
	Error        string
	RecordedAt   time.Time
}

// BatchRecord summarizes one executed batch.
type BatchRecord struct {
	BatchID        string
	QueryCount     int
	ComputeMsTotal int64
	IOMsTotal      int64
	RecordedAt     time.Time
}

// Tolerance holds the numeric comparison thresholds the correctness
// validator uses: a relative tolerance for sums and counts,
// and a derived tolerance for averages computed from them.
type Tolerance struct {
	Relative float64
}

// DefaultTolerance is the relative tolerance used for comparing sums,
// counts, and derived averages.
var DefaultTolerance = Tolerance{Relative: 1e-9}

// WithinSum reports whether got is within the relative tolerance of want
// for a summed or counted measure.
func (t Tolerance) WithinSum(want, got float64) bool {
	diff := math.Abs(want - got)
	return diff <= t.Relative*math.Max(1, math.Abs(want))
}

// WithinAverage reports whether got is within the derived-average
// tolerance of want: |avg_mv - avg_base| <= relative * max(1, |avg_base|).
func (t Tolerance) WithinAverage(want, got float64) bool {
	return t.WithinSum(want, got)
}
