package environment

import (
	"fmt"
	"sync"
	"time"
)

// Recorder wraps an Environment and keeps a log of every interface call.
// StopRecording writes the pending entries to a file and starts a fresh log,
// so each archive dump gets the calls made since the previous one.
type Recorder struct {
	Environment

	mu      sync.Mutex
	pending []LogEntry
	now     func() time.Time
}

// NewRecorder wraps env.
func NewRecorder(env Environment) *Recorder {
	return &Recorder{Environment: env, now: time.Now}
}

func (r *Recorder) record(op string, values map[string]float64, err error) {
	entry := LogEntry{Op: op, Values: values, Timestamp: r.now()}
	if err != nil {
		entry.Error = err.Error()
	}
	r.mu.Lock()
	r.pending = append(r.pending, entry)
	r.mu.Unlock()
}

func (r *Recorder) GetVariables(names []string) (map[string]float64, error) {
	values, err := r.Environment.GetVariables(names)
	r.record("get_variables", values, err)
	return values, err
}

func (r *Recorder) SetVariables(values map[string]float64) error {
	err := r.Environment.SetVariables(values)
	r.record("set_variables", values, err)
	return err
}

func (r *Recorder) GetObservables(names []string) (map[string]float64, error) {
	values, err := r.Environment.GetObservables(names)
	r.record("get_observables", values, err)
	return values, err
}

// Pending returns the number of entries not yet written.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// StopRecording appends the pending entries to the JSONL file at path.
// Entries stay pending if the write fails.
func (r *Recorder) StopRecording(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	lw, err := NewLogWriter(path, true)
	if err != nil {
		return err
	}
	for _, entry := range r.pending {
		if err := lw.Write(entry); err != nil {
			lw.Close()
			return err
		}
	}
	if err := lw.Close(); err != nil {
		return fmt.Errorf("failed to write interface log: %w", err)
	}
	r.pending = nil
	return nil
}
