package opt

import (
	"math"
	"math/rand"
)

// RandomSearch samples uniformly inside the bounds and keeps the best point.
type RandomSearch struct {
	samples int
	seed    int64
}

// NewRandomSearch creates a random search over the given number of samples
func NewRandomSearch(samples int, seed int64) Optimizer {
	if samples <= 0 {
		samples = 1
	}
	return &RandomSearch{samples: samples, seed: seed}
}

func (r *RandomSearch) Name() string { return "random" }

func (r *RandomSearch) Run(eval func([]float64) float64, lower, upper []float64, dim int) ([]float64, float64) {
	rng := rand.New(rand.NewSource(r.seed))

	best := make([]float64, dim)
	bestCost := math.Inf(1)
	for i := 0; i < r.samples; i++ {
		x := make([]float64, dim)
		for d := 0; d < dim; d++ {
			x[d] = lower[d] + rng.Float64()*(upper[d]-lower[d])
		}
		if cost := eval(x); cost < bestCost {
			bestCost = cost
			copy(best, x)
		}
	}
	return best, bestCost
}
