package orchestrator

import (
	"sync"

	"github.com/medialoom/pipeline/pkg/types"
)

// progressTracker computes weighted overall progress for one run.
// Stages are weighted by their expected durations, so a two-minute
// video stage moves the bar proportionally more than a two-second
// prompt stage. Reported values are monotonically non-decreasing.
type progressTracker struct {
	mu      sync.Mutex
	weights map[string]float64
	done    map[string]bool
	last    int
}

func newProgressTracker(tpl *types.WorkflowTemplate) *progressTracker {
	total := tpl.TotalExpectedDuration().Seconds()
	weights := make(map[string]float64, len(tpl.Stages))
	for _, def := range tpl.Stages {
		if total > 0 {
			weights[def.ID] = def.ExpectedDuration.Seconds() / total
		} else {
			weights[def.ID] = 1.0 / float64(len(tpl.Stages))
		}
	}
	return &progressTracker{
		weights: weights,
		done:    make(map[string]bool, len(tpl.Stages)),
	}
}

// complete marks a stage finished so its full weight counts.
func (t *progressTracker) complete(stageID string) {
	t.mu.Lock()
	t.done[stageID] = true
	t.mu.Unlock()
}

// overall returns the run-level progress with the given stage in
// flight at stagePct.
func (t *progressTracker) overall(inFlightID string, stagePct int) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var sum float64
	for id, w := range t.weights {
		switch {
		case t.done[id]:
			sum += w
		case id == inFlightID:
			sum += w * float64(stagePct) / 100.0
		}
	}

	pct := int(sum * 100)
	if pct > 100 {
		pct = 100
	}
	if pct < t.last {
		pct = t.last
	}
	t.last = pct
	return pct
}
