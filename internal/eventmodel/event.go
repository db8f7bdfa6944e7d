// Package eventmodel defines the ad-event record that populates the
// partitioned lake, and the dimension/measure vocabulary the rest of the
// engine (catalog, planner, executor) is built against.
package eventmodel

import (
	"time"

	"github.com/adanalytics/queryaccel/infrastructure/errors"
	"github.com/adanalytics/queryaccel/infrastructure/utils"
)

// Dimension names this engine understands. MV descriptors, query
// signatures, and the lake's partition layout are all expressed in terms
// of this fixed vocabulary.
const (
	DimDay         = "day"
	DimHour        = "hour"
	DimCountry     = "country"
	DimAdvertiser  = "advertiser"
	DimPublisher   = "publisher"
	DimType        = "type"
)

// Measure column names: the numeric event fields an aggregate function can
// read. event_count has no backing column -- it is count(*), expressed with
// the CountColumn sentinel below rather than a named measure column.
const (
	MeasureBidPrice   = "bid_price"
	MeasureTotalPrice = "total_price"
)

// CountColumn is the sentinel measure column naming a bare row count,
// count(*), as opposed to a count of some specific field's non-null values.
const CountColumn = "*"

// AllDimensions lists every dimension an Event carries, in canonical order.
// The grain of a materialized view is always a subset of this list.
var AllDimensions = []string{
	DimDay, DimHour, DimCountry, DimAdvertiser, DimPublisher, DimType,
}

// AllMeasureColumns lists every numeric column an aggregate function may
// read. CountColumn is valid for count() regardless of this list.
var AllMeasureColumns = []string{MeasureBidPrice, MeasureTotalPrice}

// AggFunc is an aggregate function name: sum, count, avg, min, or max.
type AggFunc string

const (
	AggSum   AggFunc = "sum"
	AggCount AggFunc = "count"
	AggAvg   AggFunc = "avg"
	AggMin   AggFunc = "min"
	AggMax   AggFunc = "max"
)

// AllAggFuncs lists every supported aggregate function.
var AllAggFuncs = []AggFunc{AggSum, AggCount, AggAvg, AggMin, AggMax}

// IsAggFunc reports whether name is a supported aggregate function.
func IsAggFunc(name AggFunc) bool {
	for _, f := range AllAggFuncs {
		if f == name {
			return true
		}
	}
	return false
}

// EventType enumerates the ad-event type dimension.
type EventType string

const (
	EventImpression EventType = "impression"
	EventClick      EventType = "click"
	EventConversion EventType = "conversion"
)

// Event is a single ad-event record as stored in the lake.
type Event struct {
	Day        string    `parquet:"day"`
	Hour       int       `parquet:"hour"`
	Country    string    `parquet:"country"`
	Advertiser string    `parquet:"advertiser"`
	Publisher  string    `parquet:"publisher"`
	Type       EventType `parquet:"type"`
	BidPrice   float64   `parquet:"bid_price"`
	TotalPrice float64   `parquet:"total_price"`
	Timestamp  time.Time `parquet:"-"`
}

// Validate checks the structural invariants an event must satisfy before it
// is admissible into the lake: day must be a canonical YYYY-MM-DD string,
// hour must be in [0,23], prices must be non-negative.
func (e Event) Validate() error {
	if _, err := time.Parse("2006-01-02", e.Day); err != nil {
		return errors.NewIntegrityError("event", "day is not in YYYY-MM-DD form").WithDetails("day", e.Day)
	}
	if e.Hour < 0 || e.Hour > 23 {
		return errors.NewIntegrityError("event", "hour out of range [0,23]").WithDetails("hour", e.Hour)
	}
	if e.Country == "" || e.Advertiser == "" || e.Publisher == "" {
		return errors.NewIntegrityError("event", "country, advertiser, and publisher are required")
	}
	switch e.Type {
	case EventImpression, EventClick, EventConversion:
	default:
		return errors.NewIntegrityError("event", "unknown event type").WithDetails("type", e.Type)
	}
	if e.BidPrice < 0 || e.TotalPrice < 0 {
		return errors.NewIntegrityError("event", "prices must be non-negative")
	}
	return nil
}

// IsDimension reports whether name is one of the engine's known dimensions.
func IsDimension(name string) bool {
	return utils.Contains(AllDimensions, name)
}

// IsMeasureColumn reports whether name is one of the engine's known numeric
// measure columns. It does not accept CountColumn -- callers that need to
// validate a count() measure's column must check for CountColumn themselves.
func IsMeasureColumn(name string) bool {
	return utils.Contains(AllMeasureColumns, name)
}
