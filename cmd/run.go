package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/cwbudde/badgerctl/internal/archive"
	"github.com/cwbudde/badgerctl/internal/config"
	"github.com/cwbudde/badgerctl/internal/driver"
	"github.com/cwbudde/badgerctl/internal/environment"
	"github.com/cwbudde/badgerctl/internal/routine"
	"github.com/cwbudde/badgerctl/internal/runner"
)

var (
	routinePath   string
	maxEval       int
	maxTime       time.Duration
	ftol          float64
	patience      int
	noArchive     bool
	dumpPeriod    string
	progressEvery time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a routine in the foreground",
	Long: `Runs a routine until its termination condition fires or it is interrupted.
SIGINT and SIGTERM kill the run; SIGUSR1 toggles pause.`,
	RunE: runRoutine,
}

func init() {
	runCmd.Flags().StringVar(&routinePath, "routine", "", "Routine file (required)")
	runCmd.Flags().IntVar(&maxEval, "max-eval", 0, "Stop after this many evaluations")
	runCmd.Flags().DurationVar(&maxTime, "max-time", 0, "Stop after this much wall time")
	runCmd.Flags().Float64Var(&ftol, "ftol", 0, "Minimum improvement of the best objective (with --patience)")
	runCmd.Flags().IntVar(&patience, "patience", 0, "Evaluations without ftol improvement before stopping")
	runCmd.Flags().BoolVar(&noArchive, "no-archive", false, "Do not archive the run record")
	runCmd.Flags().StringVar(&dumpPeriod, "dump-period", "", "Minimum interval between archive dumps (e.g. 5s or 2.5)")
	runCmd.Flags().DurationVar(&progressEvery, "progress-every", time.Second, "Minimum interval between progress lines")

	runCmd.MarkFlagRequired("routine")
	rootCmd.AddCommand(runCmd)
}

// terminationFromFlags returns the condition selected on the command line,
// or nil if none was given. At most one kind may be selected.
func terminationFromFlags() (*routine.TerminationCondition, error) {
	if ftol != 0 && patience <= 0 {
		return nil, fmt.Errorf("--ftol requires --patience")
	}

	var conds []*routine.TerminationCondition
	if maxEval > 0 {
		conds = append(conds, &routine.TerminationCondition{Kind: routine.MaxEvaluations, MaxEval: maxEval})
	}
	if maxTime > 0 {
		conds = append(conds, &routine.TerminationCondition{Kind: routine.MaxDuration, MaxTime: maxTime})
	}
	if patience > 0 {
		conds = append(conds, &routine.TerminationCondition{Kind: routine.Tolerance, Ftol: ftol, Patience: patience})
	}
	switch len(conds) {
	case 0:
		return nil, nil
	case 1:
		return conds[0], conds[0].Validate()
	default:
		return nil, fmt.Errorf("only one of --max-eval, --max-time or --patience may be set")
	}
}

func runRoutine(cmd *cobra.Command, args []string) error {
	r, err := routine.Load(routinePath)
	if err != nil {
		return err
	}
	tc, err := terminationFromFlags()
	if err != nil {
		return err
	}
	if tc != nil {
		r.Termination = tc
	}

	store := config.NewStore(*settings)
	if dumpPeriod != "" {
		d, err := config.ParseDuration(dumpPeriod)
		if err != nil {
			return fmt.Errorf("invalid --dump-period: %w", err)
		}
		if err := store.SetDumpPeriod(d); err != nil {
			return err
		}
	}

	var archiver archive.Archiver
	if !noArchive {
		arch, closeArchive, err := openArchive(settings)
		if err != nil {
			return err
		}
		defer closeArchive()
		archiver = arch
	}

	slog.Info("Starting routine", "routine", r.Name, "generator", r.Generator.Name,
		"environment", r.Environment.Name, "termination", describeTermination(r.Termination))

	ctrl, err := runner.New(r, runner.Options{
		Driver:        driver.NewLoop(environment.DefaultRegistry(), settings.IsRecordingInterface()),
		Archiver:      archiver,
		Settings:      store,
		Observer:      newConsoleObserver(cmd.OutOrStdout(), r, progressEvery),
		Logger:        logger,
		YieldInterval: settings.YieldInterval,
		FullTimestamp: settings.FullTimestamp,
	})
	if err != nil {
		return err
	}

	stop := handleSignals(ctrl)
	defer stop()

	err = ctrl.Run(context.Background())
	printSummary(cmd.OutOrStdout(), ctrl)
	if err != nil && !runner.IsTerminated(err) {
		return err
	}
	return nil
}

func describeTermination(tc *routine.TerminationCondition) string {
	if tc == nil {
		return "none"
	}
	return tc.String()
}

// handleSignals maps process signals onto run control. The returned function
// stops signal delivery.
func handleSignals(ctrl *runner.Controller) func() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, append([]os.Signal{os.Interrupt, syscall.SIGTERM}, pauseSignals...)...)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-done:
				return
			case sig := <-sigCh:
				if isPauseSignal(sig) {
					paused := ctrl.State() != runner.StatePaused
					ctrl.Pause(paused)
					slog.Info("Pause toggled", "paused", paused)
					continue
				}
				slog.Info("Received signal, killing run", "signal", sig.String())
				ctrl.Kill()
			}
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

func isPauseSignal(sig os.Signal) bool {
	for _, s := range pauseSignals {
		if s == sig {
			return true
		}
	}
	return false
}

// consoleObserver prints run events. Progress lines are rate limited; the
// newest row is always shown when the run finishes.
type consoleObserver struct {
	out       io.Writer
	objective []string
	sometimes rate.Sometimes
	last      *runner.Progress
}

func newConsoleObserver(out io.Writer, r *routine.Routine, every time.Duration) *consoleObserver {
	return &consoleObserver{
		out:       out,
		objective: r.VOCS.ObjectiveNames(),
		sometimes: rate.Sometimes{First: 1, Interval: every},
	}
}

func (o *consoleObserver) OnEnvReady(initial []float64) {
	fmt.Fprintf(o.out, "environment ready, initial variables %v\n", initial)
}

func (o *consoleObserver) OnProgress(p runner.Progress) {
	o.last = &p
	o.sometimes.Do(func() { o.print(p) })
}

func (o *consoleObserver) print(p runner.Progress) {
	parts := make([]string, len(p.Objectives))
	for i, v := range p.Objectives {
		name := fmt.Sprintf("obj%d", i)
		if i < len(o.objective) {
			name = o.objective[i]
		}
		parts[i] = fmt.Sprintf("%s=%.6g", name, v)
	}
	fmt.Fprintf(o.out, "[%5d] %s  x=%v\n", p.Row, strings.Join(parts, " "), p.Variables)
}

func (o *consoleObserver) OnFinished() {
	if o.last != nil {
		o.print(*o.last)
	}
}

func (o *consoleObserver) OnError(err error) {
	fmt.Fprintf(o.out, "run failed: %v\n", err)
}

func (o *consoleObserver) OnInfo(msg string) {
	fmt.Fprintln(o.out, msg)
}

func printSummary(out io.Writer, ctrl *runner.Controller) {
	fmt.Fprintf(out, "evaluations: %d\n", ctrl.Record().Len())
	if d := ctrl.LastArchive(); d != nil {
		fmt.Fprintf(out, "archived:    %s (%s)\n", filepath.Join(d.Path, d.Filename), d.ID)
	}
}
