package graph

import (
	"time"

	"github.com/ppiankov/crisisgraph/internal/model"
)

// Decay lowers the confidence of every active incident by its per-minute
// rate over elapsed, clamped at the floor. Confidence never rises here;
// an incident already under the floor keeps its value.
// Returns the ids of incidents whose confidence changed.
func (g *Graph) Decay(elapsed time.Duration) []string {
	if elapsed <= 0 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	minutes := elapsed.Minutes()
	floor := g.opts.DecayFloor
	now := g.clock.Now()

	var changed []string
	for id, inc := range g.incidents {
		if inc.Status != model.IncidentActive {
			continue
		}
		next := inc.Confidence - inc.DecayRatePerMinute*minutes
		if next < floor {
			next = floor
		}
		if next >= inc.Confidence {
			continue
		}
		inc.Confidence = next
		inc.UpdatedAt = now
		g.incidents[id] = inc
		changed = append(changed, id)
	}
	if len(changed) > 0 {
		g.commit()
	}
	return changed
}
