package runner

import (
	"log/slog"
	"math"
)

// convergenceTracker detects when the cost has stopped improving.
// An update counts as progress when it beats the last significant cost by at
// least ftol (and by a positive amount).
type convergenceTracker struct {
	ftol            float64
	patience        int
	updates         int
	bestCost        float64
	lastSignificant float64
	staleCount      int
}

func newConvergenceTracker(ftol float64, patience int) *convergenceTracker {
	return &convergenceTracker{
		ftol:            ftol,
		patience:        patience,
		bestCost:        math.Inf(1),
		lastSignificant: math.Inf(1),
	}
}

// Update records a new cost and returns true once patience is exhausted.
func (c *convergenceTracker) Update(cost float64) bool {
	c.updates++
	if cost < c.bestCost {
		c.bestCost = cost
	}

	if c.updates == 1 {
		c.lastSignificant = cost
		return false
	}

	improvement := c.lastSignificant - cost
	if math.IsInf(c.lastSignificant, 1) && !math.IsInf(cost, 1) {
		improvement = math.Inf(1)
	}

	if improvement > 0 && improvement >= c.ftol {
		c.lastSignificant = cost
		c.staleCount = 0
		return false
	}

	c.staleCount++
	slog.Debug("No significant cost improvement",
		"cost", cost,
		"last_significant", c.lastSignificant,
		"stale_count", c.staleCount,
		"patience", c.patience,
	)
	return c.staleCount >= c.patience
}

func (c *convergenceTracker) BestCost() float64 {
	return c.bestCost
}

func (c *convergenceTracker) StaleCount() int {
	return c.staleCount
}
