package server

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cwbudde/badgerctl/internal/routine"
	"github.com/cwbudde/badgerctl/internal/runner"
)

// RunState represents the lifecycle state of a run
type RunState string

const (
	StatePending    RunState = "pending"
	StateRunning    RunState = "running"
	StatePaused     RunState = "paused"
	StateCompleted  RunState = "completed"
	StateTerminated RunState = "terminated"
	StateFailed     RunState = "failed"
)

// Done reports whether the run has ended.
func (s RunState) Done() bool {
	return s == StateCompleted || s == StateTerminated || s == StateFailed
}

// Run is the server-side view of one routine run
type Run struct {
	ID          string                        `json:"id"`
	State       RunState                      `json:"state"`
	RoutineName string                        `json:"routineName"`
	Trigger     string                        `json:"trigger"`
	Rows        int                           `json:"rows"`
	Termination *routine.TerminationCondition `json:"termination,omitempty"`
	ArchiveID   string                        `json:"archiveId,omitempty"`
	Info        string                        `json:"info,omitempty"`
	Error       string                        `json:"error,omitempty"`
	StartTime   time.Time                     `json:"startTime"`
	EndTime     *time.Time                    `json:"endTime,omitempty"`

	controller *runner.Controller
	cancel     context.CancelFunc
}

// RunManager manages the lifecycle of runs
type RunManager struct {
	mu          sync.RWMutex
	runs        map[string]*Run
	broadcaster *EventBroadcaster
	launcher    *Launcher
	wg          sync.WaitGroup
}

// NewRunManager creates a new RunManager. launcher may be nil for a manager
// that only tracks runs.
func NewRunManager(launcher *Launcher) *RunManager {
	return &RunManager{
		runs:        make(map[string]*Run),
		broadcaster: NewEventBroadcaster(),
		launcher:    launcher,
	}
}

// Broadcaster returns the event broadcaster of the manager.
func (rm *RunManager) Broadcaster() *EventBroadcaster {
	return rm.broadcaster
}

// CreateRun registers a pending run for r
func (rm *RunManager) CreateRun(r *routine.Routine, trigger string) *Run {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	run := &Run{
		ID:          uuid.New().String(),
		State:       StatePending,
		RoutineName: r.Name,
		Trigger:     trigger,
		Termination: r.Termination,
		StartTime:   time.Now(),
	}

	rm.runs[run.ID] = run
	return run
}

// GetRun returns a copy of the run with the given ID
func (rm *RunManager) GetRun(id string) (Run, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	run, exists := rm.runs[id]
	if !exists {
		return Run{}, false
	}
	return *run, true
}

// Controller returns the controller driving the run, if it was started
func (rm *RunManager) Controller(id string) (*runner.Controller, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	run, exists := rm.runs[id]
	if !exists || run.controller == nil {
		return nil, false
	}
	return run.controller, true
}

// ListRuns returns copies of all runs, newest first
func (rm *RunManager) ListRuns() []Run {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	runs := make([]Run, 0, len(rm.runs))
	for _, run := range rm.runs {
		runs = append(runs, *run)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartTime.After(runs[j].StartTime)
	})
	return runs
}

// UpdateRun atomically updates a run using the provided function
func (rm *RunManager) UpdateRun(id string, updateFn func(*Run)) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	run, exists := rm.runs[id]
	if !exists {
		return fmt.Errorf("run not found: %s", id)
	}

	updateFn(run)
	return nil
}

// ActiveRuns returns all runs that have not ended
func (rm *RunManager) ActiveRuns() []Run {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	active := make([]Run, 0)
	for _, run := range rm.runs {
		if !run.State.Done() {
			active = append(active, *run)
		}
	}
	return active
}

// Wait blocks until every started run has returned.
func (rm *RunManager) Wait() {
	rm.wg.Wait()
}

// KillAll kills every active run, e.g. on shutdown.
func (rm *RunManager) KillAll() {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	for _, run := range rm.runs {
		if run.controller != nil && !run.State.Done() {
			run.controller.Kill()
			if run.cancel != nil {
				run.cancel()
			}
		}
	}
}

// IsActive reports whether a run of the named routine has not ended yet.
func (rm *RunManager) IsActive(routineName string) bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	for _, run := range rm.runs {
		if run.RoutineName == routineName && !run.State.Done() {
			return true
		}
	}
	return false
}
