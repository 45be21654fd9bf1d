package archive

import (
	"fmt"
	"time"

	"github.com/cwbudde/badgerctl/internal/routine"
)

// formatVersion is bumped when the artifact layout changes.
const formatVersion = 1

// RunFile is the on-disk artifact of one archived run.
type RunFile struct {
	Version    int                `json:"version"`
	ID         string             `json:"id"`
	Routine    *routine.Routine   `json:"routine"`
	States     map[string]float64 `json:"states,omitempty"`
	Data       *routine.Record    `json:"data"`
	ArchivedAt time.Time          `json:"archivedAt"`
}

// Validate checks that a loaded artifact is usable.
func (f *RunFile) Validate() error {
	if f.Version != formatVersion {
		return fmt.Errorf("unsupported archive version %d", f.Version)
	}
	if f.ID == "" {
		return fmt.Errorf("archive has no run id")
	}
	if f.Routine == nil {
		return fmt.Errorf("archive has no routine")
	}
	if f.Data == nil {
		return fmt.Errorf("archive has no data")
	}
	return nil
}

// RunInfo is the index entry of an archived run.
type RunInfo struct {
	ID          string    `json:"id"`
	RoutineName string    `json:"routineName"`
	Path        string    `json:"path"`
	Filename    string    `json:"filename"`
	Rows        int       `json:"rows"`
	StartedAt   time.Time `json:"startedAt"`
	ArchivedAt  time.Time `json:"archivedAt"`
}

// Descriptor returns the location of the artifact.
func (i RunInfo) Descriptor() Descriptor {
	return Descriptor{ID: i.ID, Path: i.Path, Filename: i.Filename}
}

// ListOpts controls filtering and pagination of archived runs.
type ListOpts struct {
	RoutineName string
	Limit       int
	Offset      int
}
