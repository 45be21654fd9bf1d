package opt

import (
	"fmt"

	"github.com/cwbudde/badgerctl/internal/routine"
)

// Optimizer defines an optimization algorithm interface
type Optimizer interface {
	// Run executes the optimization
	// eval: objective function to minimize
	// lower, upper: parameter bounds
	// dim: dimensionality of parameter space
	// Returns: best parameters and best cost
	Run(eval func([]float64) float64, lower, upper []float64, dim int) ([]float64, float64)

	// Name identifies the algorithm in logs and archives
	Name() string
}

// New builds the optimizer selected by a routine's generator config
func New(cfg routine.GeneratorConfig) (Optimizer, error) {
	switch cfg.Name {
	case "mayfly":
		return NewMayfly(cfg.MaxIters, cfg.PopSize, cfg.Seed), nil
	case "random":
		return NewRandomSearch(cfg.MaxIters*cfg.PopSize, cfg.Seed), nil
	default:
		return nil, fmt.Errorf("unknown generator %q (available: mayfly, random)", cfg.Name)
	}
}
