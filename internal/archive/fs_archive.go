package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cwbudde/badgerctl/internal/routine"
)

const filePrefix = "BadgerOpt-"

// FSArchive implements Archiver on the local filesystem.
// Artifacts are stored as <root>/<YYYY>/<YYYY-MM>/<YYYY-MM-DD>/BadgerOpt-<ts>.json,
// where <ts> is the timestamp of the first row of the run. Repeated archiving of
// the same run therefore overwrites one file.
//
// Writes use temp file + rename. When an Index is attached, every write is
// registered there and Load/Delete/List go through it.
type FSArchive struct {
	root  string
	index *Index

	mu  sync.Mutex
	ids map[string]string // filename -> run ID, used without an index
}

// NewFSArchive creates an archive rooted at root. index may be nil.
func NewFSArchive(root string, index *Index) (*FSArchive, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive root: %w", err)
	}
	return &FSArchive{root: root, index: index, ids: make(map[string]string)}, nil
}

// Root returns the archive root directory.
func (a *FSArchive) Root() string { return a.root }

// Index returns the attached index, if any.
func (a *FSArchive) Index() *Index { return a.index }

// Locate returns the directory and file name used for a run whose first row
// was recorded at ts.
func (a *FSArchive) Locate(ts time.Time) (dir, filename string) {
	dir = filepath.Join(a.root, ts.Format("2006"), ts.Format("2006-01"), ts.Format("2006-01-02"))
	filename = fmt.Sprintf("%s%s-%06d.json", filePrefix, ts.Format("2006-01-02-150405"), ts.Nanosecond()/1000)
	return dir, filename
}

func (a *FSArchive) runID(ctx context.Context, filename string) (string, error) {
	if a.index != nil {
		id, err := a.index.IDForFilename(ctx, filename)
		if err != nil {
			return "", err
		}
		if id != "" {
			return id, nil
		}
		return NewRunID(), nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.ids[filename]
	if !ok {
		id = NewRunID()
		a.ids[filename] = id
	}
	return id, nil
}

// ArchiveRun writes the run artifact atomically and registers it in the index.
func (a *FSArchive) ArchiveRun(ctx context.Context, r *routine.Routine, rec *routine.Record, states map[string]float64) (Descriptor, error) {
	if r == nil {
		return Descriptor{}, fmt.Errorf("routine cannot be nil")
	}
	if rec == nil || rec.Len() == 0 {
		return Descriptor{}, fmt.Errorf("record is empty")
	}

	rows := rec.Rows()
	started := rows[0].Timestamp
	dir, filename := a.Locate(started)

	id, err := a.runID(ctx, filename)
	if err != nil {
		return Descriptor{}, fmt.Errorf("failed to resolve run id: %w", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return Descriptor{}, fmt.Errorf("failed to create archive directory: %w", err)
	}

	file := RunFile{
		Version:    formatVersion,
		ID:         id,
		Routine:    r,
		States:     finiteStates(states),
		Data:       rec,
		ArchivedAt: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(&file, "", "  ")
	if err != nil {
		return Descriptor{}, fmt.Errorf("failed to serialize run: %w", err)
	}

	finalPath := filepath.Join(dir, filename)
	tempPath := finalPath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return Descriptor{}, fmt.Errorf("failed to write temp archive file: %w", err)
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return Descriptor{}, fmt.Errorf("failed to rename archive file: %w", err)
	}

	if a.index != nil {
		err := a.index.Upsert(ctx, RunInfo{
			ID:          id,
			RoutineName: r.Name,
			Path:        dir,
			Filename:    filename,
			Rows:        rec.Len(),
			StartedAt:   started,
			ArchivedAt:  file.ArchivedAt,
		})
		if err != nil {
			return Descriptor{}, fmt.Errorf("failed to index run: %w", err)
		}
	}

	slog.Debug("Run archived", "run_id", id, "path", finalPath, "rows", rec.Len())
	return Descriptor{ID: id, Path: dir, Filename: filename}, nil
}

// LoadFile reads an artifact from an explicit path.
func LoadFile(path string) (*RunFile, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, &NotFoundError{RunID: filepath.Base(path)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read archive file: %w", err)
	}

	var file RunFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to deserialize archive: %w", err)
	}
	if err := file.Validate(); err != nil {
		return nil, fmt.Errorf("invalid archive %s: %w", path, err)
	}
	return &file, nil
}

// Load returns the artifact of run id.
func (a *FSArchive) Load(ctx context.Context, id string) (*RunFile, error) {
	info, err := a.find(ctx, id)
	if err != nil {
		return nil, err
	}
	return LoadFile(filepath.Join(info.Path, info.Filename))
}

// Delete removes the artifact of run id and its index entry. The interface
// log written next to it is removed too.
func (a *FSArchive) Delete(ctx context.Context, id string) error {
	info, err := a.find(ctx, id)
	if err != nil {
		return err
	}

	path := filepath.Join(info.Path, info.Filename)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove archive file: %w", err)
	}
	logPath := strings.TrimSuffix(path, filepath.Ext(path)) + ".jsonl"
	if err := os.Remove(logPath); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to remove interface log", "path", logPath, "error", err)
	}

	if a.index != nil {
		if err := a.index.Delete(ctx, id); err != nil {
			return err
		}
	} else {
		a.mu.Lock()
		delete(a.ids, info.Filename)
		a.mu.Unlock()
	}

	slog.Debug("Run deleted", "run_id", id, "path", path)
	return nil
}

// List returns archived runs, newest first.
func (a *FSArchive) List(ctx context.Context, opts ListOpts) ([]RunInfo, error) {
	if a.index != nil {
		return a.index.List(ctx, opts)
	}

	infos, err := a.scan()
	if err != nil {
		return nil, err
	}
	out := infos[:0]
	for _, info := range infos {
		if opts.RoutineName == "" || info.RoutineName == opts.RoutineName {
			out = append(out, info)
		}
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return []RunInfo{}, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (a *FSArchive) find(ctx context.Context, id string) (*RunInfo, error) {
	if id == "" {
		return nil, fmt.Errorf("run id cannot be empty")
	}
	if a.index != nil {
		return a.index.Get(ctx, id)
	}
	infos, err := a.scan()
	if err != nil {
		return nil, err
	}
	for i := range infos {
		if infos[i].ID == id {
			return &infos[i], nil
		}
	}
	return nil, &NotFoundError{RunID: id}
}

// scan walks the archive tree and reads every artifact. Unreadable files are
// skipped with a warning.
func (a *FSArchive) scan() ([]RunInfo, error) {
	var infos []RunInfo
	err := filepath.WalkDir(a.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() || !strings.HasPrefix(name, filePrefix) || filepath.Ext(name) != ".json" {
			return nil
		}
		file, err := LoadFile(path)
		if err != nil {
			slog.Warn("Failed to load archive for listing", "path", path, "error", err)
			return nil
		}
		info := RunInfo{
			ID:          file.ID,
			RoutineName: file.Routine.Name,
			Path:        filepath.Dir(path),
			Filename:    name,
			Rows:        file.Data.Len(),
			ArchivedAt:  file.ArchivedAt,
		}
		if rows := file.Data.Rows(); len(rows) > 0 {
			info.StartedAt = rows[0].Timestamp
		}
		infos = append(infos, info)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan archive: %w", err)
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartedAt.After(infos[j].StartedAt)
	})
	return infos, nil
}

// finiteStates drops values JSON cannot represent.
func finiteStates(in map[string]float64) map[string]float64 {
	if in == nil {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			out[k] = v
		}
	}
	return out
}
