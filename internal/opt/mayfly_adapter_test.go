package opt

import (
	"math"
	"testing"

	"github.com/cwbudde/badgerctl/internal/routine"
)

// Sphere function: f(x) = sum(x_i^2), minimum at origin
func sphere(x []float64) float64 {
	var sum float64
	for _, v := range x {
		sum += v * v
	}
	return sum
}

func TestMayflyAdapterOnSphere(t *testing.T) {
	optimizer := NewMayfly(100, 20, 42) // maxIters, popSize, seed

	dim := 3
	lower := make([]float64, dim)
	upper := make([]float64, dim)
	for i := 0; i < dim; i++ {
		lower[i] = -10
		upper[i] = 10
	}

	best, cost := optimizer.Run(sphere, lower, upper, dim)

	if len(best) != dim {
		t.Fatalf("Expected %d parameters, got %d", dim, len(best))
	}

	// Should converge close to zero
	if cost > 0.1 {
		t.Errorf("Expected cost near 0, got %f", cost)
	}

	for i, v := range best {
		if math.Abs(v) > 1.0 {
			t.Errorf("Parameter %d = %f, expected near 0", i, v)
		}
	}
}

func TestMayflyAdapterDeterministic(t *testing.T) {
	dim := 2
	lower := []float64{-5, -5}
	upper := []float64{5, 5}

	// popSize must be >=20 for mayfly v0.1.0
	_, cost1 := NewMayfly(50, 20, 123).Run(sphere, lower, upper, dim)
	_, cost2 := NewMayfly(50, 20, 123).Run(sphere, lower, upper, dim)

	if cost1 != cost2 {
		t.Errorf("Non-deterministic: cost1=%f, cost2=%f", cost1, cost2)
	}
}

func TestRandomSearchStaysInBounds(t *testing.T) {
	lower := []float64{1, -3}
	upper := []float64{2, -1}
	calls := 0

	best, cost := NewRandomSearch(50, 9).Run(func(x []float64) float64 {
		calls++
		for d := range x {
			if x[d] < lower[d] || x[d] > upper[d] {
				t.Fatalf("Sample %v outside bounds", x)
			}
		}
		return sphere(x)
	}, lower, upper, 2)

	if calls != 50 {
		t.Errorf("Expected 50 evaluations, got %d", calls)
	}
	if cost != sphere(best) {
		t.Errorf("Best cost %f does not match best params %v", cost, best)
	}
}

func TestNew(t *testing.T) {
	for _, name := range []string{"mayfly", "random"} {
		o, err := New(routine.GeneratorConfig{Name: name, MaxIters: 2, PopSize: 20})
		if err != nil {
			t.Fatalf("New(%s) failed: %v", name, err)
		}
		if o.Name() != name {
			t.Errorf("Expected %s, got %s", name, o.Name())
		}
	}

	if _, err := New(routine.GeneratorConfig{Name: "bayes"}); err == nil {
		t.Error("Expected error for unknown generator")
	}
}
