package lake

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/adanalytics/queryaccel/infrastructure/errors"
)

func writeFile(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("not a real parquet file"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLake_Partitions(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "day=2026-01-01", "part-0.parquet"))
	writeFile(t, filepath.Join(root, "day=2026-01-02", "part-0.parquet"))
	writeFile(t, filepath.Join(root, "day=2026-01-02", "part-1.parquet"))

	l := New(root)
	partitions, err := l.Partitions()
	if err != nil {
		t.Fatalf("Partitions() error = %v", err)
	}
	if len(partitions) != 2 {
		t.Fatalf("got %d partitions, want 2", len(partitions))
	}
	if partitions[0].Day != "2026-01-01" || partitions[1].Day != "2026-01-02" {
		t.Errorf("partitions not sorted by day: %+v", partitions)
	}
	if len(partitions[1].Files) != 2 {
		t.Errorf("day=2026-01-02 should have 2 files, got %d", len(partitions[1].Files))
	}
}

func TestLake_Partitions_RejectsNonCanonicalDir(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "day=2026-01-01", "part-0.parquet"))
	if err := os.Mkdir(filepath.Join(root, "tmp_scratch"), 0o755); err != nil {
		t.Fatal(err)
	}

	l := New(root)
	_, err := l.Partitions()
	if err == nil {
		t.Fatal("expected an integrity error for non-canonical partition directory")
	}
	if errors.KindOf(err) != errors.KindIntegrity {
		t.Errorf("Kind = %v, want KindIntegrity", errors.KindOf(err))
	}
}

func TestLake_Watermark(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "day=2026-01-01", "part-0.parquet"))
	writeFile(t, filepath.Join(root, "day=2026-02-10", "part-0.parquet"))

	l := New(root)
	wm, err := l.Watermark()
	if err != nil {
		t.Fatalf("Watermark() error = %v", err)
	}
	if wm != "2026-02-10" {
		t.Errorf("Watermark() = %v, want 2026-02-10", wm)
	}
}

func TestLake_Watermark_Empty(t *testing.T) {
	l := New(t.TempDir())
	wm, err := l.Watermark()
	if err != nil {
		t.Fatalf("Watermark() error = %v", err)
	}
	if wm != "" {
		t.Errorf("Watermark() = %v, want empty string", wm)
	}
}
