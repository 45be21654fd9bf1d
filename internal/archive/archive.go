// Package archive persists run records to disk and keeps a searchable index of archived runs.
package archive

import (
	"context"

	"github.com/cwbudde/badgerctl/internal/routine"
)

// Archiver persists the record of a run.
// Implementations must be safe for concurrent use by several runs.
//
// Error handling conventions:
//   - Return nil error on success
//   - Return ErrNotFound if a run doesn't exist (for Load/Delete)
//   - Wrap underlying errors with context using fmt.Errorf("context: %w", err)
type Archiver interface {
	// ArchiveRun writes the routine, record and states snapshot to durable storage.
	// Archiving the same run again (same first row) overwrites the previous artifact.
	ArchiveRun(ctx context.Context, r *routine.Routine, rec *routine.Record, states map[string]float64) (Descriptor, error)
}

// Descriptor locates an archived run.
type Descriptor struct {
	ID       string `json:"id"`
	Path     string `json:"path"`     // directory holding the artifact
	Filename string `json:"filename"` // artifact file name inside Path
}

// ErrNotFound is returned when a requested run does not exist.
// Use errors.Is(err, ErrNotFound) to check for this error.
var ErrNotFound = &NotFoundError{}

// NotFoundError represents a missing archived run.
type NotFoundError struct {
	RunID string
}

func (e *NotFoundError) Error() string {
	if e.RunID != "" {
		return "run not found: " + e.RunID
	}
	return "run not found"
}

func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}
