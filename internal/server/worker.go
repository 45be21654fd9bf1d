package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cwbudde/badgerctl/internal/archive"
	"github.com/cwbudde/badgerctl/internal/driver"
	"github.com/cwbudde/badgerctl/internal/routine"
	"github.com/cwbudde/badgerctl/internal/runner"
)

var (
	errRunNotFound = errors.New("run not found")
	errRunEnded    = errors.New("run has already ended")
	errNotStarted  = errors.New("run has not started")
)

// Launcher holds what is needed to build a controller for a new run.
type Launcher struct {
	NewDriver     func() driver.Driver
	Archiver      archive.Archiver
	Settings      runner.DumpPeriodSource
	YieldInterval time.Duration
	FullTimestamp bool
	Logger        *slog.Logger
}

// Start creates a run for r and executes it in the background. The run is
// detached from ctx cancellation; use Kill to stop it.
func (rm *RunManager) Start(ctx context.Context, r *routine.Routine, trigger string) (Run, error) {
	if rm.launcher == nil || rm.launcher.NewDriver == nil {
		return Run{}, fmt.Errorf("run manager cannot start runs")
	}
	l := rm.launcher
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	run := rm.CreateRun(r, trigger)
	id := run.ID

	ctrl, err := runner.New(r, runner.Options{
		Driver:        l.NewDriver(),
		Archiver:      l.Archiver,
		Settings:      l.Settings,
		Observer:      runner.MultiObserver{rm.tracker(id), rm.broadcaster.Observer(id)},
		Logger:        logger.With("run_id", id),
		YieldInterval: l.YieldInterval,
		FullTimestamp: l.FullTimestamp,
	})
	if err != nil {
		rm.markFailed(id, err)
		return Run{}, fmt.Errorf("failed to create controller: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rm.UpdateRun(id, func(r *Run) {
		r.controller = ctrl
		r.cancel = cancel
		r.State = StateRunning
	})

	slog.Info("Starting run", "run_id", id, "routine", r.Name, "trigger", trigger)

	rm.wg.Add(1)
	go func() {
		defer rm.wg.Done()
		defer cancel()
		rm.execute(runCtx, id, ctrl)
	}()

	started, _ := rm.GetRun(id)
	return started, nil
}

// execute runs the controller and records how the run ended.
func (rm *RunManager) execute(ctx context.Context, id string, ctrl *runner.Controller) {
	err := ctrl.Run(ctx)

	endTime := time.Now()
	rows := ctrl.Record().Len()
	state := StateCompleted
	switch {
	case err == nil:
	case runner.IsTerminated(err):
		state = StateTerminated
	default:
		state = StateFailed
	}

	rm.UpdateRun(id, func(r *Run) {
		r.State = state
		r.Rows = rows
		r.EndTime = &endTime
		if err != nil && state == StateFailed {
			r.Error = err.Error()
		}
		if desc := ctrl.LastArchive(); desc != nil {
			r.ArchiveID = desc.ID
		}
	})

	slog.Info("Run ended", "run_id", id, "state", state, "rows", rows)
	rm.broadcaster.Broadcast(RunEvent{
		RunID:     id,
		Type:      EventState,
		State:     state,
		Rows:      rows,
		Timestamp: endTime,
	})
	rm.broadcaster.CleanupRun(id)
}

// tracker keeps the Run entry in sync with controller notifications.
func (rm *RunManager) tracker(id string) runner.Observer {
	return runner.ObserverFuncs{
		Progress: func(p runner.Progress) {
			rm.UpdateRun(id, func(r *Run) { r.Rows = p.Row + 1 })
		},
		Info: func(msg string) {
			rm.UpdateRun(id, func(r *Run) { r.Info = msg })
		},
		Error: func(err error) {
			rm.UpdateRun(id, func(r *Run) { r.Error = err.Error() })
		},
	}
}

func (rm *RunManager) markFailed(id string, err error) {
	endTime := time.Now()
	rm.UpdateRun(id, func(r *Run) {
		r.State = StateFailed
		r.Error = err.Error()
		r.EndTime = &endTime
	})
	slog.Error("Run failed", "run_id", id, "error", err)
}

// control applies fn to the controller of an active run.
func (rm *RunManager) control(id string, fn func(*Run, *runner.Controller)) (Run, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	run, exists := rm.runs[id]
	if !exists {
		return Run{}, errRunNotFound
	}
	if run.State.Done() {
		return *run, errRunEnded
	}
	if run.controller == nil {
		return *run, errNotStarted
	}
	fn(run, run.controller)
	return *run, nil
}

// Pause suspends or resumes a run.
func (rm *RunManager) Pause(id string, flag bool) (Run, error) {
	return rm.control(id, func(r *Run, c *runner.Controller) {
		c.Pause(flag)
		if flag {
			r.State = StatePaused
		} else {
			r.State = StateRunning
		}
	})
}

// Kill stops a run at its next callback.
func (rm *RunManager) Kill(id string) (Run, error) {
	return rm.control(id, func(_ *Run, c *runner.Controller) {
		c.Kill()
	})
}

// SetTermination replaces the termination condition of a run. nil clears it.
func (rm *RunManager) SetTermination(id string, tc *routine.TerminationCondition) (Run, error) {
	return rm.control(id, func(r *Run, c *runner.Controller) {
		c.SetTerminationCondition(tc)
		r.Termination = c.TerminationCondition()
	})
}
