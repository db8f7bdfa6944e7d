// Package lake implements the partitioned columnar store of ad-events: day
// partition enumeration and a scan primitive that selects files by day
// range, backed by Apache Parquet files read via arrow-go. The scan does
// no column projection and no predicate pushdown.
package lake

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"github.com/adanalytics/queryaccel/infrastructure/errors"
)

// partitionDirPattern matches the canonical "day=YYYY-MM-DD" partition
// directory name.
var partitionDirPattern = regexp.MustCompile(`^day=\d{4}-\d{2}-\d{2}$`)

// Lake is a handle to the root of the partitioned event store.
type Lake struct {
	root string
}

// New constructs a Lake rooted at the given directory.
func New(root string) *Lake {
	return &Lake{root: root}
}

// Root returns the lake's root directory.
func (l *Lake) Root() string { return l.root }

// Partition describes one day partition on disk.
type Partition struct {
	Day   string
	Path  string
	Files []string
}

// Partitions enumerates every canonically-named day partition under the
// lake root. A directory entry that does not match "day=YYYY-MM-DD" is
// reported as an integrity error rather than silently skipped.
func (l *Lake) Partitions() ([]Partition, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return nil, errors.NewFatalError("cannot read lake root", err)
	}

	var out []Partition
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if !partitionDirPattern.MatchString(entry.Name()) {
			return nil, errors.NewIntegrityError("lake", fmt.Sprintf("non-canonical partition directory %q", entry.Name()))
		}
		day := entry.Name()[len("day="):]
		dirPath := filepath.Join(l.root, entry.Name())
		files, err := parquetFilesIn(dirPath)
		if err != nil {
			return nil, err
		}
		out = append(out, Partition{Day: day, Path: dirPath, Files: files})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Day < out[j].Day })
	return out, nil
}

func parquetFilesIn(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.NewFatalError("cannot read partition directory", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".parquet" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// ScanRequest describes a single scan against the lake: the day range to
// read and a list of columns. Open reads only the day range; Columns is not
// used to project, and there are no predicates.
type ScanRequest struct {
	FromDay string
	ToDay   string
	Columns []string
}

// RowGroupReader is returned per matching parquet file so the engine
// collaborator can stream rows without the lake itself materializing the
// whole scan into memory.
type RowGroupReader struct {
	Path   string
	Reader *pqarrow.FileReader
	Close  func() error
}

// Open opens every parquet file in the day range [FromDay, ToDay] for
// reading, returning one RowGroupReader per file. Callers must call Close
// on each returned reader.
func (l *Lake) Open(ctx context.Context, req ScanRequest) ([]RowGroupReader, error) {
	partitions, err := l.Partitions()
	if err != nil {
		return nil, err
	}

	var readers []RowGroupReader
	for _, p := range partitions {
		if req.FromDay != "" && p.Day < req.FromDay {
			continue
		}
		if req.ToDay != "" && p.Day > req.ToDay {
			continue
		}
		for _, path := range p.Files {
			pf, err := file.OpenParquetFile(path, false)
			if err != nil {
				return nil, errors.NewEngineError("open parquet file", err)
			}
			arrowReader, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{}, memory.DefaultAllocator)
			if err != nil {
				_ = pf.Close()
				return nil, errors.NewEngineError("construct arrow reader", err)
			}
			readers = append(readers, RowGroupReader{
				Path:   path,
				Reader: arrowReader,
				Close:  pf.Close,
			})
		}
	}
	return readers, nil
}

// Watermark returns the most recent day partition present in the lake, or
// "" if the lake is empty. The builder records it as an MV's
// source_watermark at build time; nothing later compares the two or marks
// an MV STALE.
func (l *Lake) Watermark() (string, error) {
	partitions, err := l.Partitions()
	if err != nil {
		return "", err
	}
	if len(partitions) == 0 {
		return "", nil
	}
	return partitions[len(partitions)-1].Day, nil
}
