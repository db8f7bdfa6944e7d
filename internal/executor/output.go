package executor

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"

	"github.com/adanalytics/queryaccel/infrastructure/errors"
	"github.com/adanalytics/queryaccel/internal/engine"
)

// WriteCSV writes result as CSV to a staging file under outputDir and
// atomically renames it into place at its final path, so a reader never
// observes a partially-written result (the same staging-then-rename
// discipline the MV builder uses for its parquet output).
func WriteCSV(outputDir, finalName string, result *engine.Result) (string, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", errors.NewFatalError("cannot create batch output directory", err)
	}

	finalPath := filepath.Join(outputDir, finalName+".csv")
	stagingPath := finalPath + ".tmp"

	f, err := os.Create(stagingPath)
	if err != nil {
		return "", errors.NewFatalError("cannot create staging result file", err)
	}

	w := csv.NewWriter(f)
	if err := w.Write(result.Columns); err != nil {
		f.Close()
		os.Remove(stagingPath)
		return "", errors.NewFatalError("writing result header failed", err)
	}
	for _, row := range result.Rows {
		record := make([]string, len(result.Columns))
		for i, col := range result.Columns {
			if v := row[col]; v != nil {
				record[i] = fmt.Sprint(v)
			}
		}
		if err := w.Write(record); err != nil {
			f.Close()
			os.Remove(stagingPath)
			return "", errors.NewFatalError("writing result row failed", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		os.Remove(stagingPath)
		return "", errors.NewFatalError("flushing result file failed", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(stagingPath)
		return "", errors.NewFatalError("syncing staging result file failed", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(stagingPath)
		return "", errors.NewFatalError("closing staging result file failed", err)
	}

	if err := os.Rename(stagingPath, finalPath); err != nil {
		os.Remove(stagingPath)
		return "", errors.NewFatalError("promoting result file failed", err)
	}
	return finalPath, nil
}
