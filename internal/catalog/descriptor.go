package catalog

import (
	"fmt"
	"time"

	"github.com/adanalytics/queryaccel/internal/eventmodel"
	"github.com/adanalytics/queryaccel/internal/query"
)

// State is the lifecycle state of a materialized view descriptor
// (MISSING -> BUILDING -> HEALTHY -> STALE / QUARANTINED).
type State string

const (
	StateMissing     State = "MISSING"
	StateBuilding    State = "BUILDING"
	StateHealthy     State = "HEALTHY"
	StateStale       State = "STALE"
	StateQuarantined State = "QUARANTINED"
)

// Descriptor fully describes one materialized view: its grouping grain,
// the dimension/measure columns it carries, and enough metadata for the
// planner to score it and the registry to detect schema drift.
type Descriptor struct {
	Name              string        `json:"name"`
	Grain             []string      `json:"grain"`
	Dimensions        []string      `json:"dimensions"`
	Measures          []MeasureRule `json:"measures"`
	Filters           []Filter      `json:"filters,omitempty"`
	State             State         `json:"state"`
	SchemaFingerprint string        `json:"schema_fingerprint"`
	SourceWatermark   string        `json:"source_watermark"`
	ByteSize          int64         `json:"byte_size"`
	RowCount          int64         `json:"row_count"`
	BuiltAt           time.Time     `json:"built_at"`
	QuarantineReason  string        `json:"quarantine_reason,omitempty"`
}

// Filter is a baked-in predicate narrowing a materialized view's coverage
// (e.g. an MV pre-filtered to a single country). A query can only route to
// an MV whose filters are a subset of (or compatible with) its own.
type Filter struct {
	Field string `json:"field"`
	Op    string `json:"op"`
	Value any    `json:"value,omitempty"`
}

// MeasureRule is one measure an MV stores: an aggregate function over a
// column (or the count(*) sentinel), optionally restricted by Filter to a
// filtered aggregate (e.g. sum(bid_price) where type = 'purchase').
type MeasureRule struct {
	Func   string  `json:"func"`
	Column string  `json:"column"`
	Filter *Filter `json:"filter,omitempty"`
}

// Key is the canonical name of the underlying computation, independent of
// any filter: "func(column)".
func (m MeasureRule) Key() string {
	return fmt.Sprintf("%s(%s)", m.Func, m.Column)
}

// sortKey additionally folds in the filter, distinguishing two measures
// that share a func/column but differ by filter.
func (m MeasureRule) sortKey() string {
	if m.Filter == nil {
		return m.Key()
	}
	return fmt.Sprintf("%s@%s %s %v", m.Key(), m.Filter.Field, m.Filter.Op, m.Filter.Value)
}

// ToAggregate converts a stored measure rule into the equivalent query
// aggregate. The result is never aliased -- an MV-stored measure is named
// by its canonical func(column) form, with "@" and the filter appended for
// a filtered measure.
func (m MeasureRule) ToAggregate() query.Aggregate {
	var f *query.Filter
	if m.Filter != nil {
		f = &query.Filter{Field: m.Filter.Field, Op: query.FilterOp(m.Filter.Op), Value: m.Filter.Value}
	}
	return query.Aggregate{Func: eventmodel.AggFunc(m.Func), Column: m.Column, Filter: f}
}

func (m MeasureRule) clone() MeasureRule {
	if m.Filter == nil {
		return m
	}
	f := *m.Filter
	m.Filter = &f
	return m
}

// Clone returns a deep-enough copy of the descriptor for safe storage in an
// immutable registry snapshot.
func (d Descriptor) Clone() Descriptor {
	clone := d
	clone.Grain = append([]string(nil), d.Grain...)
	clone.Dimensions = append([]string(nil), d.Dimensions...)
	clone.Filters = append([]Filter(nil), d.Filters...)
	clone.Measures = make([]MeasureRule, len(d.Measures))
	for i, m := range d.Measures {
		clone.Measures[i] = m.clone()
	}
	return clone
}
