// Package runner mediates between an optimization driver and the rest of the
// application: it records every evaluation of a routine, checkpoints the run
// record to the archive, broadcasts progress and honours pause, kill and the
// termination condition.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cwbudde/badgerctl/internal/archive"
	"github.com/cwbudde/badgerctl/internal/driver"
	"github.com/cwbudde/badgerctl/internal/environment"
	"github.com/cwbudde/badgerctl/internal/routine"
	"github.com/cwbudde/badgerctl/internal/telemetry"
)

const (
	// DefaultYieldInterval is the pause after each evaluated batch that lets
	// pause and kill requests land before the next batch starts.
	DefaultYieldInterval = 100 * time.Millisecond

	// DefaultDumpPeriod is used when no DumpPeriodSource is configured.
	DefaultDumpPeriod = 5 * time.Second
)

// State is the run-control state of a controller.
type State string

const (
	StateRunning State = "running"
	StatePaused  State = "paused"
	StateKilled  State = "killed"
)

// DumpPeriodSource provides the minimum interval between archive dumps.
// It is consulted on every persistence check.
type DumpPeriodSource interface {
	DumpPeriod() time.Duration
}

// DumpPeriodFunc adapts a function to DumpPeriodSource.
type DumpPeriodFunc func() time.Duration

func (f DumpPeriodFunc) DumpPeriod() time.Duration { return f() }

// Options configures a Controller. Only Driver is required.
type Options struct {
	Driver        driver.Driver
	Archiver      archive.Archiver // nil disables persistence
	Settings      DumpPeriodSource
	Observer      Observer
	Logger        *slog.Logger
	Metrics       *telemetry.RunMetrics
	YieldInterval time.Duration
	FullTimestamp bool

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Controller runs one routine. Run executes on a single background goroutine;
// Pause, Kill, SetTerminationCondition and the accessors are safe to call from
// any goroutine.
type Controller struct {
	routine  *routine.Routine
	driver   driver.Driver
	archiver archive.Archiver
	settings DumpPeriodSource
	observer Observer
	logger   *slog.Logger
	metrics  *telemetry.RunMetrics
	yield    time.Duration
	now      func() time.Time

	paused      atomic.Bool
	killed      atomic.Bool
	termination atomic.Pointer[routine.TerminationCondition]

	mu          sync.RWMutex
	record      *routine.Record
	gen         driver.Generator
	env         environment.Environment
	states      map[string]float64
	lastArchive *archive.Descriptor

	// Owned by the Run goroutine.
	runCtx    context.Context
	startedAt time.Time
	dumped    bool
	lastDump  time.Time
	tracker   *convergenceTracker
	tracked   *routine.TerminationCondition
}

// New creates a controller for r. The routine's own termination condition,
// if any, becomes the initial active condition.
func New(r *routine.Routine, opts Options) (*Controller, error) {
	if r == nil {
		return nil, fmt.Errorf("routine cannot be nil")
	}
	if opts.Driver == nil {
		return nil, fmt.Errorf("driver cannot be nil")
	}

	c := &Controller{
		routine:  r,
		driver:   opts.Driver,
		archiver: opts.Archiver,
		settings: opts.Settings,
		observer: opts.Observer,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		yield:    opts.YieldInterval,
		now:      opts.Now,
		record:   routine.NewRecord(r, opts.FullTimestamp),
	}
	if c.settings == nil {
		c.settings = DumpPeriodFunc(func() time.Duration { return DefaultDumpPeriod })
	}
	if c.observer == nil {
		c.observer = ObserverFuncs{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("routine", r.Name)
	if c.metrics == nil {
		c.metrics = telemetry.NewRunMetrics(r.Name)
	}
	if c.yield <= 0 {
		c.yield = DefaultYieldInterval
	}
	if c.now == nil {
		c.now = time.Now
	}
	if r.Termination != nil {
		tc := *r.Termination
		c.termination.Store(&tc)
	}
	return c, nil
}

// Routine returns the routine being run.
func (c *Controller) Routine() *routine.Routine { return c.routine }

// SetTerminationCondition replaces the active termination condition.
// Passing nil removes it.
func (c *Controller) SetTerminationCondition(tc *routine.TerminationCondition) {
	if tc == nil {
		c.termination.Store(nil)
		return
	}
	cp := *tc
	c.termination.Store(&cp)
}

// TerminationCondition returns a copy of the active condition, or nil.
func (c *Controller) TerminationCondition() *routine.TerminationCondition {
	tc := c.termination.Load()
	if tc == nil {
		return nil
	}
	cp := *tc
	return &cp
}

// Pause suspends (true) or resumes (false) the run at its next evaluation.
func (c *Controller) Pause(flag bool) {
	c.paused.Store(flag)
}

// Kill ends the run at its next callback. It cannot be undone.
func (c *Controller) Kill() {
	c.killed.Store(true)
}

// State returns the run-control state.
func (c *Controller) State() State {
	switch {
	case c.killed.Load():
		return StateKilled
	case c.paused.Load():
		return StatePaused
	}
	return StateRunning
}

// Record returns a snapshot of the run record.
func (c *Controller) Record() *routine.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.record.Snapshot()
}

// Generator returns the generator seen by the latest OnBeforeEvaluate, or nil.
func (c *Controller) Generator() driver.Generator {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen
}

// HasGenerator reports whether the driver has handed over a generator yet.
func (c *Controller) HasGenerator() bool {
	return c.Generator() != nil
}

// Environment returns the environment handed over by the driver, or nil.
func (c *Controller) Environment() environment.Environment {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.env
}

// States returns a copy of the states snapshot.
func (c *Controller) States() map[string]float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyStates(c.states)
}

// LastArchive returns where the run was last archived, or nil.
func (c *Controller) LastArchive() *archive.Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastArchive == nil {
		return nil
	}
	d := *c.lastArchive
	return &d
}

// Run drives the routine to completion. It always emits OnFinished. A
// deliberate termination is reported through OnInfo; any other error is logged
// and reported through OnError unchanged. The driver's error is returned;
// use IsTerminated to tell the two apart.
func (c *Controller) Run(ctx context.Context) error {
	ctx, span := telemetry.Tracer().Start(ctx, "runner.Run",
		trace.WithAttributes(attribute.String("badger.routine", c.routine.Name)))
	defer span.End()

	c.runCtx = ctx
	c.startedAt = c.now()
	c.logger.Info("Run started", "termination", describe(c.TerminationCondition()))

	err := c.driver.Run(ctx, c.routine, c)
	elapsed := c.now().Sub(c.startedAt)

	c.observer.OnFinished()

	switch {
	case err == nil:
		c.logger.Info("Run completed", "rows", c.rowCount(), "elapsed", elapsed)
		c.metrics.Outcome(ctx, "completed", elapsed)
	case IsTerminated(err):
		c.logger.Info("Run terminated", "reason", err.Error(), "rows", c.rowCount())
		c.metrics.Outcome(ctx, "terminated", elapsed)
		c.observer.OnInfo(err.Error())
	default:
		c.logger.Error("Run failed", "error", err, "rows", c.rowCount())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.metrics.Outcome(ctx, "failed", elapsed)
		c.observer.OnError(err)
	}
	return err
}

func (c *Controller) rowCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.record.Len()
}

func (c *Controller) runContext() context.Context {
	if c.runCtx == nil {
		return context.Background()
	}
	return c.runCtx
}

// OnBeforeEvaluate stores the generator and blocks, spinning, while the run is
// paused. It returns a termination error as soon as a kill is observed.
func (c *Controller) OnBeforeEvaluate(gen driver.Generator, candidates []driver.Candidate) error {
	c.mu.Lock()
	c.gen = gen
	c.mu.Unlock()

	ctx := c.runContext()
	for {
		if c.killed.Load() {
			return terminated("killed")
		}
		if !c.paused.Load() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		runtime.Gosched()
	}
}

// OnAfterEvaluate appends one row per result, broadcasts progress, checkpoints
// the record and checks the termination condition.
func (c *Controller) OnAfterEvaluate(results []driver.Result) error {
	if c.killed.Load() {
		return terminated("killed")
	}
	if len(results) == 0 {
		return nil
	}

	rows := make([]extracted, len(results))
	for i, res := range results {
		row, err := c.extract(res)
		if err != nil {
			return fmt.Errorf("failed to extract result %d: %w", i, err)
		}
		rows[i] = row
	}

	ctx := c.runContext()
	directions := c.directions()
	tc := c.termination.Load()
	tracker := c.convergenceFor(tc)

	var (
		last      time.Time
		converged bool
	)
	for i, row := range rows {
		c.mu.Lock()
		ts, err := c.record.Append(c.now(), row.objectives, row.constraints, row.variables, row.states)
		index := c.record.Len() - 1
		c.mu.Unlock()
		if err != nil {
			return fmt.Errorf("failed to append row: %w", err)
		}
		last = ts

		c.observer.OnProgress(Progress{
			Row:         index,
			Variables:   row.variables,
			Objectives:  signed(row.objectives, directions),
			Constraints: row.constraints,
			States:      row.states,
			Timestamp:   ts,
		})

		if tracker != nil && tracker.Update(c.cost(results[i])) {
			converged = true
		}
	}
	c.metrics.Evaluations(ctx, len(rows))

	c.persist(ctx, last)

	if reason, done := c.shouldTerminate(tc, converged); done {
		return terminated(reason)
	}

	time.Sleep(c.yield)
	if c.killed.Load() {
		return terminated("killed")
	}
	return nil
}

// OnEnvironmentReady stores env and broadcasts the initial variable values.
func (c *Controller) OnEnvironmentReady(env environment.Environment) error {
	c.mu.Lock()
	c.env = env
	c.mu.Unlock()

	names := c.routine.VOCS.VariableNames()
	values, err := env.GetVariables(names)
	if err != nil {
		return fmt.Errorf("failed to read initial variables: %w", err)
	}
	initial := make([]float64, len(names))
	for i, name := range names {
		v, ok := values[name]
		if !ok {
			return fmt.Errorf("environment did not report variable %q", name)
		}
		initial[i] = v
	}
	c.observer.OnEnvReady(initial)
	return nil
}

// OnStatesReady stores the states snapshot bundled with every archive dump.
func (c *Controller) OnStatesReady(states map[string]float64) error {
	c.mu.Lock()
	c.states = copyStates(states)
	c.mu.Unlock()
	return nil
}

type extracted struct {
	objectives  []float64
	constraints []float64
	variables   []float64
	states      []float64
}

func (c *Controller) extract(res driver.Result) (extracted, error) {
	vocs := c.routine.VOCS
	var (
		row extracted
		err error
	)
	if row.objectives, err = pick(res, vocs.ObjectiveNames(), false); err != nil {
		return row, err
	}
	if row.constraints, err = pick(res, vocs.ConstraintNames(), false); err != nil {
		return row, err
	}
	if row.variables, err = pick(res, vocs.VariableNames(), false); err != nil {
		return row, err
	}
	row.states, _ = pick(res, c.routine.States, true)
	return row, nil
}

// pick returns res values in names order. Missing names are an error unless
// lenient, in which case they read as NaN.
func pick(res driver.Result, names []string, lenient bool) ([]float64, error) {
	out := make([]float64, len(names))
	for i, name := range names {
		v, ok := res[name]
		if !ok {
			if !lenient {
				return nil, fmt.Errorf("missing column %q", name)
			}
			v = math.NaN()
		}
		out[i] = v
	}
	return out, nil
}

// directions resolves each objective's direction from the generator's VOCS,
// falling back to the routine.
func (c *Controller) directions() []routine.Direction {
	gen := c.Generator()
	objectives := c.routine.VOCS.Objectives
	out := make([]routine.Direction, len(objectives))
	for i, o := range objectives {
		out[i] = o.Direction
		if gen == nil {
			continue
		}
		for _, g := range gen.VOCS().Objectives {
			if g.Name == o.Name {
				out[i] = g.Direction
				break
			}
		}
	}
	return out
}

func signed(values []float64, directions []routine.Direction) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		if directions[i] == routine.Maximize {
			v = -v
		}
		out[i] = v
	}
	return out
}

func (c *Controller) cost(res driver.Result) float64 {
	vocs := c.routine.VOCS
	if gen := c.Generator(); gen != nil {
		vocs = gen.VOCS()
	}
	return driver.Cost(vocs, res)
}

// convergenceFor returns the convergence tracker for an ftol condition, starting
// a fresh one whenever the active condition was replaced.
func (c *Controller) convergenceFor(tc *routine.TerminationCondition) *convergenceTracker {
	if tc == nil || tc.Kind != routine.Tolerance {
		c.tracker, c.tracked = nil, nil
		return nil
	}
	if c.tracked != tc {
		c.tracker = newConvergenceTracker(tc.Ftol, tc.Patience)
		c.tracked = tc
	}
	return c.tracker
}

func (c *Controller) shouldTerminate(tc *routine.TerminationCondition, converged bool) (string, bool) {
	if tc == nil {
		return "", false
	}
	switch tc.Kind {
	case routine.MaxEvaluations:
		if n := c.rowCount(); n >= tc.MaxEval {
			return fmt.Sprintf("reached %d evaluations", n), true
		}
	case routine.MaxDuration:
		if elapsed := c.now().Sub(c.startedAt); elapsed >= tc.MaxTime {
			return fmt.Sprintf("ran for %s", elapsed.Round(time.Millisecond)), true
		}
	case routine.Tolerance:
		if converged && c.tracker != nil {
			return fmt.Sprintf("no improvement of %g for %d evaluations, best cost %g",
				tc.Ftol, c.tracker.StaleCount(), c.tracker.BestCost()), true
		}
	}
	return "", false
}

// persist archives the record when no dump happened yet or the dump period has
// elapsed since the last attempt. Failures are logged and otherwise ignored.
func (c *Controller) persist(ctx context.Context, ts time.Time) {
	if c.archiver == nil {
		return
	}
	if c.dumped && ts.Sub(c.lastDump) <= c.settings.DumpPeriod() {
		return
	}
	c.dumped = true
	c.lastDump = ts

	c.mu.RLock()
	rec := c.record.Snapshot()
	states := copyStates(c.states)
	env := c.env
	c.mu.RUnlock()

	desc, err := c.archiver.ArchiveRun(ctx, c.routine, rec, states)
	c.metrics.ArchiveAttempt(ctx, err)
	if err != nil {
		c.logger.Warn("Failed to archive run", "error", err)
		return
	}

	c.mu.Lock()
	c.lastArchive = &desc
	c.mu.Unlock()
	c.logger.Debug("Run archived", "run_id", desc.ID, "rows", rec.Len())

	if env != nil {
		stem := strings.TrimSuffix(desc.Filename, filepath.Ext(desc.Filename))
		if err := env.StopRecording(filepath.Join(desc.Path, stem+".jsonl")); err != nil {
			c.logger.Debug("Interface log not written", "error", err)
		}
	}
}

func describe(tc *routine.TerminationCondition) string {
	if tc == nil {
		return "none"
	}
	return tc.String()
}

func copyStates(in map[string]float64) map[string]float64 {
	if in == nil {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
