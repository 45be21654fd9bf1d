package driver

import (
	"math"
	"sync"

	"github.com/cwbudde/badgerctl/internal/routine"
)

// constraintPenalty is added to the cost of a candidate that violates any constraint.
const constraintPenalty = 1e6

// searchGenerator tracks the best evaluated point of an opt.Optimizer run.
type searchGenerator struct {
	vocs      routine.VOCS
	optimizer string

	mu           sync.RWMutex
	observations int
	trained      Model
	best         Model
}

func newSearchGenerator(vocs routine.VOCS, optimizer string) *searchGenerator {
	return &searchGenerator{
		vocs:      vocs,
		optimizer: optimizer,
		best:      Model{Optimizer: optimizer, BestCost: math.Inf(1)},
		trained:   Model{Optimizer: optimizer, BestCost: math.Inf(1)},
	}
}

func (g *searchGenerator) VOCS() routine.VOCS {
	return g.vocs
}

// observe records one evaluation and returns its scalar cost.
func (g *searchGenerator) observe(res Result) float64 {
	cost := Cost(g.vocs, res)

	g.mu.Lock()
	defer g.mu.Unlock()
	g.observations++
	g.best.Observations = g.observations
	if cost < g.best.BestCost {
		g.best.BestCost = cost
		g.best.BestInputs = make(map[string]float64, len(g.vocs.Variables))
		for _, v := range g.vocs.Variables {
			g.best.BestInputs[v.Name] = res[v.Name]
		}
	}
	return cost
}

func (g *searchGenerator) TrainModel() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.observations == 0 {
		return ErrNoObservations
	}
	g.trained = g.best
	g.trained.BestInputs = copyValues(g.best.BestInputs)
	return nil
}

func (g *searchGenerator) Model() Model {
	g.mu.RLock()
	defer g.mu.RUnlock()
	m := g.trained
	m.BestInputs = copyValues(g.trained.BestInputs)
	return m
}

// Cost folds a result into the scalar minimized by the optimizer: the sum of
// objectives (negated when maximized) plus a penalty per violated constraint.
// Missing or non-finite objectives cost +Inf.
func Cost(vocs routine.VOCS, res Result) float64 {
	var cost float64
	for _, o := range vocs.Objectives {
		v, ok := res[o.Name]
		if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
			return math.Inf(1)
		}
		if o.Direction == routine.Maximize {
			v = -v
		}
		cost += v
	}
	for _, c := range vocs.Constraints {
		v, ok := res[c.Name]
		if !ok || !c.Satisfied(v) {
			cost += constraintPenalty
		}
	}
	return cost
}

func copyValues(in map[string]float64) map[string]float64 {
	if in == nil {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
