package driver

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/cwbudde/badgerctl/internal/environment"
	"github.com/cwbudde/badgerctl/internal/opt"
	"github.com/cwbudde/badgerctl/internal/routine"
)

// Loop is the built-in Driver. It evaluates the routine's initial points as one
// batch, then lets an opt.Optimizer search the variable space normalized to [0, 1],
// evaluating one candidate per objective call.
type Loop struct {
	environments *environment.Registry
	record       bool
}

// NewLoop creates a loop that builds environments from reg.
// If record is true the environment is wrapped in an environment.Recorder.
func NewLoop(reg *environment.Registry, record bool) *Loop {
	return &Loop{environments: reg, record: record}
}

// Run executes the routine. Errors returned by callbacks and context
// cancellation stop further evaluations and are returned as is.
func (l *Loop) Run(ctx context.Context, r *routine.Routine, cb Callbacks) error {
	env, err := l.environments.New(r.Environment, r.VOCS)
	if err != nil {
		return fmt.Errorf("failed to create environment: %w", err)
	}
	if l.record {
		env = environment.NewRecorder(env)
	}
	if err := cb.OnEnvironmentReady(env); err != nil {
		return err
	}

	states := map[string]float64{}
	if len(r.States) > 0 {
		states, err = env.GetObservables(r.States)
		if err != nil {
			return fmt.Errorf("failed to capture states: %w", err)
		}
	}
	if err := cb.OnStatesReady(states); err != nil {
		return err
	}

	optimizer, err := opt.New(r.Generator)
	if err != nil {
		return err
	}
	gen := newSearchGenerator(r.VOCS, optimizer.Name())

	if len(r.InitialPoints) > 0 {
		candidates := make([]Candidate, len(r.InitialPoints))
		for i, p := range r.InitialPoints {
			candidates[i] = Candidate(copyValues(p))
		}
		if err := l.evaluateBatch(ctx, env, r, gen, cb, candidates); err != nil {
			return err
		}
	}

	dim := len(r.VOCS.Variables)
	lower := make([]float64, dim)
	upper := make([]float64, dim)
	for i := range upper {
		upper[i] = 1
	}

	var stopErr error
	eval := func(u []float64) float64 {
		if stopErr != nil {
			return math.Inf(1)
		}
		if err := ctx.Err(); err != nil {
			stopErr = err
			return math.Inf(1)
		}
		cand := denormalize(r.VOCS, u)
		if err := cb.OnBeforeEvaluate(gen, []Candidate{cand}); err != nil {
			stopErr = err
			return math.Inf(1)
		}
		res, err := evaluate(env, r, cand)
		if err != nil {
			stopErr = err
			return math.Inf(1)
		}
		cost := gen.observe(res)
		if err := cb.OnAfterEvaluate([]Result{res}); err != nil {
			stopErr = err
		}
		return cost
	}

	slog.Debug("Starting optimizer", "routine", r.Name, "optimizer", optimizer.Name(), "dim", dim)
	_, bestCost := optimizer.Run(eval, lower, upper, dim)
	if stopErr != nil {
		return stopErr
	}

	slog.Info("Optimizer finished", "routine", r.Name, "optimizer", optimizer.Name(), "best_cost", bestCost)
	return nil
}

func (l *Loop) evaluateBatch(ctx context.Context, env environment.Environment, r *routine.Routine, gen *searchGenerator, cb Callbacks, candidates []Candidate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.OnBeforeEvaluate(gen, candidates); err != nil {
		return err
	}
	results := make([]Result, 0, len(candidates))
	for _, cand := range candidates {
		res, err := evaluate(env, r, cand)
		if err != nil {
			return err
		}
		gen.observe(res)
		results = append(results, res)
	}
	return cb.OnAfterEvaluate(results)
}

// evaluate applies a candidate and reads the routine's observables.
func evaluate(env environment.Environment, r *routine.Routine, cand Candidate) (Result, error) {
	if err := env.SetVariables(cand); err != nil {
		return nil, fmt.Errorf("failed to set variables: %w", err)
	}

	names := append(r.VOCS.ObjectiveNames(), r.VOCS.ConstraintNames()...)
	names = append(names, r.States...)
	obs, err := env.GetObservables(names)
	if err != nil {
		return nil, fmt.Errorf("failed to read observables: %w", err)
	}

	res := make(Result, len(cand)+len(obs))
	for k, v := range cand {
		res[k] = v
	}
	for k, v := range obs {
		res[k] = v
	}
	return res, nil
}

// denormalize maps u in [0, 1]^n onto the variable bounds, clamping out-of-range coordinates.
func denormalize(vocs routine.VOCS, u []float64) Candidate {
	cand := make(Candidate, len(vocs.Variables))
	for i, v := range vocs.Variables {
		x := math.Min(math.Max(u[i], 0), 1)
		cand[v.Name] = v.Lower + x*(v.Upper-v.Lower)
	}
	return cand
}
