package archive

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cwbudde/badgerctl/internal/routine"
)

func testRun(t *testing.T, start time.Time, rows int) (*routine.Routine, *routine.Record) {
	t.Helper()
	r := &routine.Routine{
		Name:        "tune",
		Environment: routine.EnvironmentConfig{Name: "synthetic"},
		VOCS: routine.VOCS{
			Variables:  []routine.Variable{{Name: "x1", Lower: -1, Upper: 1}},
			Objectives: []routine.Objective{{Name: "sphere", Direction: routine.Minimize}},
		},
		States: []string{"evaluations"},
	}
	rec := routine.NewRecord(r, false)
	for i := 0; i < rows; i++ {
		ts := start.Add(time.Duration(i) * time.Second)
		if _, err := rec.Append(ts, []float64{float64(i)}, nil, []float64{0.5}, []float64{float64(i)}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	return r, rec
}

func TestFSArchive_ArchiveRunLayout(t *testing.T) {
	root := t.TempDir()
	a, err := NewFSArchive(root, nil)
	if err != nil {
		t.Fatalf("NewFSArchive failed: %v", err)
	}

	start := time.Date(2026, 3, 4, 5, 6, 7, 890123000, time.Local)
	r, rec := testRun(t, start, 2)

	desc, err := a.ArchiveRun(context.Background(), r, rec, map[string]float64{"evaluations": 0})
	if err != nil {
		t.Fatalf("ArchiveRun failed: %v", err)
	}

	wantDir := filepath.Join(root, "2026", "2026-03", "2026-03-04")
	if desc.Path != wantDir {
		t.Errorf("Path = %q, want %q", desc.Path, wantDir)
	}
	if desc.Filename != "BadgerOpt-2026-03-04-050607-890123.json" {
		t.Errorf("Filename = %q", desc.Filename)
	}
	if desc.ID == "" {
		t.Error("expected run id")
	}
	if _, err := os.Stat(filepath.Join(desc.Path, desc.Filename+".tmp")); !os.IsNotExist(err) {
		t.Error("temp file should not remain after archiving")
	}

	file, err := LoadFile(filepath.Join(desc.Path, desc.Filename))
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if file.ID != desc.ID {
		t.Errorf("ID = %q, want %q", file.ID, desc.ID)
	}
	if file.Data.Len() != 2 {
		t.Errorf("rows = %d, want 2", file.Data.Len())
	}
	if file.States["evaluations"] != 0 {
		t.Errorf("states = %v", file.States)
	}
}

func TestFSArchive_RearchiveOverwrites(t *testing.T) {
	a, err := NewFSArchive(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewFSArchive failed: %v", err)
	}
	ctx := context.Background()
	start := time.Now()
	r, rec := testRun(t, start, 1)

	first, err := a.ArchiveRun(ctx, r, rec, nil)
	if err != nil {
		t.Fatalf("ArchiveRun failed: %v", err)
	}
	if _, err := rec.Append(start.Add(time.Minute), []float64{9}, nil, []float64{0.1}, []float64{1}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	second, err := a.ArchiveRun(ctx, r, rec, nil)
	if err != nil {
		t.Fatalf("ArchiveRun failed: %v", err)
	}

	if first != second {
		t.Errorf("descriptor changed between dumps: %+v vs %+v", first, second)
	}
	runs, err := a.List(ctx, ListOpts{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	if runs[0].Rows != 2 {
		t.Errorf("rows = %d, want 2", runs[0].Rows)
	}
}

func TestFSArchive_RejectsEmptyRecord(t *testing.T) {
	a, err := NewFSArchive(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewFSArchive failed: %v", err)
	}
	r, rec := testRun(t, time.Now(), 0)
	if _, err := a.ArchiveRun(context.Background(), r, rec, nil); err == nil {
		t.Error("expected error for empty record")
	}
}

func TestFSArchive_LoadDeleteWithoutIndex(t *testing.T) {
	a, err := NewFSArchive(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewFSArchive failed: %v", err)
	}
	ctx := context.Background()
	r, rec := testRun(t, time.Now(), 3)
	desc, err := a.ArchiveRun(ctx, r, rec, nil)
	if err != nil {
		t.Fatalf("ArchiveRun failed: %v", err)
	}

	file, err := a.Load(ctx, desc.ID)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if file.Routine.Name != "tune" {
		t.Errorf("routine = %q", file.Routine.Name)
	}

	if err := a.Delete(ctx, desc.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := a.Load(ctx, desc.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := a.Delete(ctx, desc.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestFSArchive_WithIndex(t *testing.T) {
	root := t.TempDir()
	ix, err := OpenIndex(filepath.Join(root, "runs.db"))
	if err != nil {
		t.Fatalf("OpenIndex failed: %v", err)
	}
	defer ix.Close()

	a, err := NewFSArchive(root, ix)
	if err != nil {
		t.Fatalf("NewFSArchive failed: %v", err)
	}
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	var ids []string
	for i := 0; i < 3; i++ {
		r, rec := testRun(t, base.Add(time.Duration(i)*time.Minute), i+1)
		desc, err := a.ArchiveRun(ctx, r, rec, nil)
		if err != nil {
			t.Fatalf("ArchiveRun %d failed: %v", i, err)
		}
		ids = append(ids, desc.ID)

		// Second dump of the same run keeps its ID.
		again, err := a.ArchiveRun(ctx, r, rec, nil)
		if err != nil {
			t.Fatalf("ArchiveRun %d (again) failed: %v", i, err)
		}
		if again.ID != desc.ID {
			t.Errorf("run %d: id changed from %s to %s", i, desc.ID, again.ID)
		}
	}

	runs, err := a.List(ctx, ListOpts{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	if runs[0].ID != ids[2] {
		t.Errorf("expected newest first, got %s", runs[0].ID)
	}

	limited, err := a.List(ctx, ListOpts{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != ids[1] {
		t.Errorf("unexpected page: %+v", limited)
	}

	file, err := a.Load(ctx, ids[0])
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if file.Data.Len() != 1 {
		t.Errorf("rows = %d, want 1", file.Data.Len())
	}

	if err := a.Delete(ctx, ids[0]); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := ix.Get(ctx, ids[0]); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestNotFoundError(t *testing.T) {
	err := &NotFoundError{RunID: "abc"}
	if !errors.Is(err, ErrNotFound) {
		t.Error("NotFoundError should match ErrNotFound")
	}
	if err.Error() != "run not found: abc" {
		t.Errorf("unexpected message %q", err.Error())
	}
}
