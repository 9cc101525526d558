package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/crisisgraph/internal/model"
	"github.com/ppiankov/crisisgraph/internal/simulation"
)

// ResetSession clears the graph. Merges still in flight from the old session
// are discarded when they complete.
func (c *Coordinator) ResetSession() {
	c.session.Lock()
	c.graph.Reset()
	c.timeline.reset()
	c.planMu.Lock()
	c.lastPlanned = time.Time{}
	c.planMu.Unlock()
	c.decayMu.Lock()
	c.lastDecay = c.clock.Now()
	c.decayMu.Unlock()
	c.session.Unlock()

	c.publishGraph()
}

// LoadScenario seeds the scenario's units and facilities
func (c *Coordinator) LoadScenario(sc *simulation.Scenario, start time.Time) error {
	c.graph.SetScenario(sc.ID, sc.Name, start)
	for _, r := range sc.Resources {
		if _, err := c.graph.UpsertResource(r.Resource()); err != nil {
			return fmt.Errorf("resource %s: %w", r.ID, err)
		}
	}
	for _, l := range sc.Locations {
		if _, err := c.graph.UpsertLocation(l.Location()); err != nil {
			return fmt.Errorf("location %s: %w", l.Name, err)
		}
	}
	c.note("scenario_loaded", sc.Name, map[string]string{"scenario_id": sc.ID})
	c.publishGraph()
	return nil
}

// ApplyEvent executes one timeline event at its virtual time
func (c *Coordinator) ApplyEvent(ctx context.Context, ev simulation.TimelineEvent, simTime time.Time) error {
	switch ev.Type {
	case simulation.EventSignal:
		s := ev.Signal
		_, err := c.ProcessSignal(ctx, s.Kind, s.Content, scriptedMeta(*s, simTime))
		return err

	case simulation.EventSignalBatch:
		batch := make([]Signal, len(ev.Signals))
		for i, s := range ev.Signals {
			batch[i] = Signal{Kind: s.Kind, Content: s.Content, Metadata: scriptedMeta(s, simTime)}
		}
		var errs []error
		for _, r := range c.ProcessBatch(ctx, batch) {
			if r.Err != nil {
				errs = append(errs, r.Err)
			}
		}
		return errors.Join(errs...)

	case simulation.EventAftershock:
		c.Aftershock(ev.Aftershock.Magnitude, ev.Aftershock.DecayMinutes)
		return nil

	case simulation.EventResourceChange:
		rc := ev.ResourceChange
		_, err := c.ChangeResource(rc.ResourceID, rc.Status, rc.Sector)
		return err

	case simulation.EventTimeMarker:
		c.note("time_marker", ev.Marker.Label, nil)
		c.logger.Info("scenario marker", zap.String("label", ev.Marker.Label), zap.Time("sim_time", simTime))
		return nil

	case simulation.EventContradictionInject:
		inj := ev.Contradiction
		claims := make([]model.Claim, len(inj.Claims))
		for i, cs := range inj.Claims {
			claims[i] = cs.Claim(simTime)
		}
		_, err := c.InjectClaims(ctx, inj.Entity, inj.EntityKind, claims)
		return err
	}
	return fmt.Errorf("unhandled event type %q", ev.Type)
}

// scriptedMeta stamps a scripted signal with its id and virtual time
func scriptedMeta(s simulation.SignalSpec, at time.Time) map[string]string {
	m := s.Meta()
	if s.ID != "" {
		m["signal_id"] = s.ID
	}
	if _, ok := m["timestamp"]; !ok {
		m["timestamp"] = at.UTC().Format(time.RFC3339)
	}
	return m
}

// SetSimTime records scenario time on the graph
func (c *Coordinator) SetSimTime(t time.Time) {
	c.graph.SetSimTime(t)
}

// PublishStatus broadcasts simulation status
func (c *Coordinator) PublishStatus(st simulation.Status) {
	c.publish(model.EventSimStatus, st)
}

// StartSimulation resets the session and plays a scenario. Playback runs
// until the timeline ends, Reset is called or ctx is cancelled, so pass a
// context that outlives the caller's request.
func (c *Coordinator) StartSimulation(ctx context.Context, scenarioID string, speed float64) error {
	return c.engine.Start(ctx, scenarioID, speed)
}

// PauseSimulation freezes scenario time
func (c *Coordinator) PauseSimulation() error {
	return c.engine.Pause()
}

// ResumeSimulation continues a paused scenario
func (c *Coordinator) ResumeSimulation() error {
	return c.engine.Resume()
}

// ResetSimulation stops playback and clears the graph
func (c *Coordinator) ResetSimulation() {
	c.engine.Reset()
}

// SetSimulationSpeed changes the playback multiplier
func (c *Coordinator) SetSimulationSpeed(speed float64) error {
	return c.engine.SetSpeed(speed)
}

// WaitSimulation blocks until every scenario event fired so far has been applied
func (c *Coordinator) WaitSimulation() {
	c.engine.Wait()
}

// SimulationStatus reports playback state
func (c *Coordinator) SimulationStatus() simulation.Status {
	return c.engine.Status()
}

// Scenarios lists the playable scenarios
func (c *Coordinator) Scenarios() []simulation.Summary {
	return c.engine.Catalog().List()
}
