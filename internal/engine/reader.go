// Package engine provides the minimal columnar execution collaborator this
// repository drives the builder and executor against: it reads the
// arrow/parquet files the lake and the MV builder produce and performs the
// grouping/aggregation a chosen plan describes. Candidate selection, join
// ordering, and cost-based rewrites are explicitly out of scope here --
// that is the planner's job, not the engine's.
package engine

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/adanalytics/queryaccel/infrastructure/errors"
	"github.com/adanalytics/queryaccel/internal/lake"
)

// Row is a single decoded record, keyed by column name.
type Row map[string]any

// readRows materializes every row of every reader into memory as generic
// Row values. This engine is built for analytical batch queries over
// pre-aggregated or day-bounded data, not streaming, so in-memory
// materialization of a single scan's result set is the intended shape.
func readRows(ctx context.Context, readers []lake.RowGroupReader) ([]Row, error) {
	var rows []Row
	for _, r := range readers {
		table, err := r.Reader.ReadTable(ctx)
		if err != nil {
			return nil, errors.NewEngineError("read parquet table", err)
		}
		tableRows, err := tableToRows(table)
		table.Release()
		if err != nil {
			return nil, err
		}
		rows = append(rows, tableRows...)
	}
	return rows, nil
}

func tableToRows(table arrow.Table) ([]Row, error) {
	numRows := int(table.NumRows())
	numCols := int(table.NumCols())
	rows := make([]Row, numRows)
	for i := range rows {
		rows[i] = make(Row, numCols)
	}

	for c := 0; c < numCols; c++ {
		field := table.Schema().Field(c)
		col := table.Column(c)
		rowIdx := 0
		for _, chunk := range col.Data().Chunks() {
			if err := appendChunk(rows, field.Name, chunk, &rowIdx); err != nil {
				return nil, err
			}
		}
	}
	return rows, nil
}

func appendChunk(rows []Row, name string, chunk arrow.Array, rowIdx *int) error {
	switch typed := chunk.(type) {
	case *array.String:
		for i := 0; i < typed.Len(); i++ {
			if !typed.IsNull(i) {
				rows[*rowIdx][name] = typed.Value(i)
			}
			*rowIdx++
		}
	case *array.Int64:
		for i := 0; i < typed.Len(); i++ {
			if !typed.IsNull(i) {
				rows[*rowIdx][name] = typed.Value(i)
			}
			*rowIdx++
		}
	case *array.Float64:
		for i := 0; i < typed.Len(); i++ {
			if !typed.IsNull(i) {
				rows[*rowIdx][name] = typed.Value(i)
			}
			*rowIdx++
		}
	default:
		return errors.NewEngineError("decode column "+name, nil)
	}
	return nil
}
