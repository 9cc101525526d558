package coordinator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/crisisgraph/internal/model"
	"github.com/ppiankov/crisisgraph/internal/simulation"
)

// DecisionMade is the payload of a decision_made event
type DecisionMade struct {
	Subject string                      `json:"subject"` // contradiction, action, plan or camp
	ID      string                      `json:"id"`
	Outcome string                      `json:"outcome"`
	Actor   string                      `json:"actor,omitempty"`
	Reason  string                      `json:"reason,omitempty"`
	Alert   *model.ContradictionAlert   `json:"alert,omitempty"`
	Action  *model.ActionRecommendation `json:"action,omitempty"`
	Plan    *model.AllocationPlan       `json:"plan,omitempty"`
	Camp    *model.CampRecommendation   `json:"camp,omitempty"`
}

// ResolveContradiction closes an alert. Only the first resolution succeeds;
// later attempts fail with graph.ErrAlreadyDecided.
func (c *Coordinator) ResolveContradiction(id, resolution, actor string) (model.ContradictionAlert, error) {
	alert, err := c.graph.ResolveContradiction(id, resolution, actor)
	if err != nil {
		return model.ContradictionAlert{}, err
	}

	c.metrics.Decision("contradiction", "resolved")
	c.note("contradiction_resolved", fmt.Sprintf("%s: %s", alert.EntityName, alert.Resolution),
		map[string]string{"alert_id": alert.ID, "actor": alert.ResolvedBy})
	c.publish(model.EventDecisionMade, DecisionMade{
		Subject: "contradiction",
		ID:      alert.ID,
		Outcome: "resolved",
		Actor:   alert.ResolvedBy,
		Reason:  alert.Resolution,
		Alert:   &alert,
	})
	c.publishGraph()
	return alert, nil
}

func parseDecision(decision string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(decision)) {
	case "approve", "approved":
		return true, nil
	case "reject", "rejected":
		return false, nil
	}
	return false, fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
}

// DecideAction approves or rejects a pending recommendation. Approval
// dispatches every listed unit; rejection changes no resource.
func (c *Coordinator) DecideAction(id, decision, actor, reason string) (model.ActionRecommendation, error) {
	approve, err := parseDecision(decision)
	if err != nil {
		return model.ActionRecommendation{}, err
	}
	d, err := c.graph.DecideAction(id, approve, actor, reason)
	if err != nil {
		return model.ActionRecommendation{}, err
	}

	a := d.Action
	c.metrics.Decision("action", string(a.Status))
	c.note("action_"+string(a.Status),
		fmt.Sprintf("%s for %s by %s", a.ActionType, orUnknown(a.TargetIncidentID), a.DecidedBy),
		map[string]string{"action_id": a.ID})
	c.publish(model.EventDecisionMade, DecisionMade{
		Subject: "action",
		ID:      a.ID,
		Outcome: string(a.Status),
		Actor:   a.DecidedBy,
		Reason:  a.DecisionReason,
		Action:  &a,
	})
	for _, res := range d.Dispatched {
		c.publish(model.EventResourceUpdate, res)
	}
	c.publishGraph()
	return a, nil
}

// AssignResource manually dispatches a unit to an incident
func (c *Coordinator) AssignResource(resourceRef, incidentID, actor string) (model.Resource, error) {
	res, inc, err := c.graph.AssignResource(resourceRef, incidentID, actor)
	if err != nil {
		return model.Resource{}, err
	}
	c.note("resource_assigned", fmt.Sprintf("%s to %s", res.UnitID, inc.ID),
		map[string]string{"resource_id": res.ID, "incident_id": inc.ID})
	c.publish(model.EventResourceUpdate, res)
	c.publishGraph()
	return res, nil
}

// ReleaseResource returns a unit to the available pool
func (c *Coordinator) ReleaseResource(resourceRef, actor string) (model.Resource, error) {
	res, err := c.graph.ReleaseResource(resourceRef, actor)
	if err != nil {
		return model.Resource{}, err
	}
	c.note("resource_released", res.UnitID+" available", map[string]string{"resource_id": res.ID})
	c.publish(model.EventResourceUpdate, res)
	c.publishGraph()
	return res, nil
}

// ChangeResource sets a unit's status or moves it to a sector. The unit may
// be named by resource id or unit id.
func (c *Coordinator) ChangeResource(ref, status, sector string) (model.Resource, error) {
	var move func(string) model.Position
	if sector != "" {
		move = func(id string) model.Position { return simulation.SectorPosition(sector, id) }
	}
	res, err := c.graph.ChangeResource(ref, model.ResourceStatus(strings.ToLower(status)), move, "operator")
	if err != nil {
		return model.Resource{}, err
	}
	c.note("resource_changed", fmt.Sprintf("%s is %s", res.UnitID, res.Status), map[string]string{"resource_id": res.ID})
	c.publish(model.EventResourceUpdate, res)
	c.publishGraph()
	return res, nil
}

// Aftershock lowers every active incident's confidence as if decayMinutes had passed
func (c *Coordinator) Aftershock(magnitude, decayMinutes float64) []string {
	changed := c.graph.Decay(time.Duration(decayMinutes * float64(time.Minute)))
	c.note("aftershock", fmt.Sprintf("magnitude %.1f aftershock, %d incidents less certain", magnitude, len(changed)), nil)
	c.logger.Info("aftershock", zap.Float64("magnitude", magnitude), zap.Int("incidents", len(changed)))
	c.publishGraph()
	return changed
}

// Sweep expires overdue recommendations, applies confidence decay once per
// decay interval and retries planning for incidents still uncovered
func (c *Coordinator) Sweep(ctx context.Context) {
	expired := c.graph.ExpireOverdue()
	for _, a := range expired {
		c.metrics.Decision("action", string(model.ActionExpired))
		c.note("action_expired", fmt.Sprintf("%s for %s passed its deadline", a.ActionType, orUnknown(a.TargetIncidentID)),
			map[string]string{"action_id": a.ID})
		c.publish(model.EventDecisionMade, DecisionMade{
			Subject: "action",
			ID:      a.ID,
			Outcome: string(a.Status),
			Actor:   a.DecidedBy,
			Reason:  a.DecisionReason,
			Action:  &a,
		})
	}

	plansExpired := c.expirePlans()

	var elapsed time.Duration
	now := c.clock.Now()
	c.decayMu.Lock()
	if since := now.Sub(c.lastDecay); since >= c.opts.Decay.Interval {
		elapsed = since
		c.lastDecay = now
	}
	c.decayMu.Unlock()
	var decayed []string
	if elapsed > 0 {
		decayed = c.graph.Decay(elapsed)
	}

	if len(expired) > 0 || plansExpired || len(decayed) > 0 {
		c.publishGraph()
	}
	c.recommend(ctx, c.graph.Epoch())
}

// RunMaintenance sweeps on every interval until ctx is cancelled
func (c *Coordinator) RunMaintenance(ctx context.Context) error {
	interval := c.opts.Decisions.SweepInterval
	if interval <= 0 {
		interval = model.DefaultConfig().Decisions.SweepInterval
	}
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			c.Sweep(ctx)
		}
	}
}
