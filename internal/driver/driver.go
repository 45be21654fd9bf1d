// Package driver runs the optimization loop of a routine and reports each
// lifecycle step to a set of callbacks.
package driver

import (
	"context"
	"errors"

	"github.com/cwbudde/badgerctl/internal/environment"
	"github.com/cwbudde/badgerctl/internal/routine"
)

// Candidate is a proposed set of variable values.
type Candidate map[string]float64

// Result is an evaluated candidate: its variable values plus every observable read
// for the routine's objectives, constraints and states.
type Result map[string]float64

// Model summarizes what a generator has learned so far.
type Model struct {
	Optimizer    string             `json:"optimizer"`
	Observations int                `json:"observations"`
	BestInputs   map[string]float64 `json:"bestInputs,omitempty"`
	BestCost     float64            `json:"bestCost"`
}

// ErrNoObservations is returned by TrainModel before any candidate was evaluated.
var ErrNoObservations = errors.New("no observations to train on")

// Generator proposes candidates. Implementations must be safe for concurrent use;
// visualization reads the model while the loop is running.
type Generator interface {
	// VOCS returns the variables, objectives and constraints the generator optimizes.
	VOCS() routine.VOCS

	// TrainModel refreshes the model from the observations so far.
	TrainModel() error

	// Model returns the current model state.
	Model() Model
}

// Callbacks receives the lifecycle events of a run. Any error returned
// stops the loop and is returned from Driver.Run unchanged.
type Callbacks interface {
	// OnBeforeEvaluate is called right before a batch of candidates is evaluated.
	OnBeforeEvaluate(gen Generator, candidates []Candidate) error

	// OnAfterEvaluate is called with the results of the batch, in candidate order.
	OnAfterEvaluate(results []Result) error

	// OnEnvironmentReady is called once the environment has been created.
	OnEnvironmentReady(env environment.Environment) error

	// OnStatesReady is called once with the system states captured at start.
	OnStatesReady(states map[string]float64) error
}

// Driver performs the optimization loop of a routine.
type Driver interface {
	Run(ctx context.Context, r *routine.Routine, cb Callbacks) error
}
