package runner

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConvergenceTracker(t *testing.T) {
	tests := []struct {
		name     string
		ftol     float64
		patience int
		costs    []float64
		wantStop int // index of the update that reports convergence, -1 for none
	}{
		{"steady improvement", 0.1, 2, []float64{5, 4, 3, 2, 1}, -1},
		{"stall", 0.1, 2, []float64{5, 4, 3.99, 3.98}, 3},
		{"zero ftol still needs progress", 0, 2, []float64{1, 1, 1}, 2},
		{"infinite costs stall", 0.1, 2, []float64{math.Inf(1), math.Inf(1), math.Inf(1)}, 2},
		{"first finite cost improves on infinity", 0.1, 1, []float64{math.Inf(1), 3, 2}, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newConvergenceTracker(tt.ftol, tt.patience)
			got := -1
			for i, c := range tt.costs {
				if tr.Update(c) && got < 0 {
					got = i
				}
			}
			assert.Equal(t, tt.wantStop, got)
		})
	}
}

func TestConvergenceTracker_BestCost(t *testing.T) {
	tr := newConvergenceTracker(0.5, 3)
	for _, c := range []float64{4, 2, 3, 2.9} {
		tr.Update(c)
	}
	assert.Equal(t, 2.0, tr.BestCost())
	assert.Equal(t, 2, tr.StaleCount())
}
