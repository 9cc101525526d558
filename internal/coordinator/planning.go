package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/ppiankov/crisisgraph/internal/agent"
	"github.com/ppiankov/crisisgraph/internal/graph"
	"github.com/ppiankov/crisisgraph/internal/model"
)

// recommend runs one planning pass: the most urgent active incident that has
// no pending recommendation and no assigned units gets a proposal, unless the
// planner is cooling down, the pending cap is reached or no unit is free.
func (c *Coordinator) recommend(ctx context.Context, epoch uint64) {
	if !c.planning.CompareAndSwap(false, true) {
		return
	}
	defer c.planning.Store(false)

	now := c.clock.Now()
	c.planMu.Lock()
	cooling := !c.lastPlanned.IsZero() && now.Sub(c.lastPlanned) < c.opts.Decisions.PlanningCooldown
	c.planMu.Unlock()
	if cooling {
		return
	}

	snap := c.graph.Snapshot()
	pending := 0
	for _, a := range snap.Actions {
		if a.Status == model.ActionPending {
			pending++
		}
	}
	if c.opts.Decisions.MaxPendingActions > 0 && pending >= c.opts.Decisions.MaxPendingActions {
		return
	}
	target, ok := planningTarget(snap)
	if !ok {
		return
	}
	var available []model.Resource
	for _, r := range snap.Resources {
		if r.Status == model.ResourceAvailable {
			available = append(available, r)
		}
	}
	if len(available) == 0 {
		c.logger.Debug("no units available for planning", zap.String("incident_id", target.ID))
		return
	}
	sort.Slice(available, func(i, j int) bool { return available[i].ID < available[j].ID })

	var active []model.Incident
	for _, inc := range snap.Incidents {
		if inc.Status == model.IncidentActive {
			active = append(active, inc)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].ID < active[j].ID })

	c.planMu.Lock()
	c.lastPlanned = now
	c.planMu.Unlock()

	out := c.gateway.Invoke(ctx, agent.KindPlanning, agent.Input{
		Target:    &target,
		Incidents: active,
		Resources: available,
		Timestamp: now,
	})
	plan, ok := out.Plan()
	if !ok || len(plan.Resources) == 0 {
		c.logger.Info("planner proposed no units", zap.String("incident_id", target.ID))
		return
	}

	pos := target.Position
	rationale := plan.Rationale
	if rationale == "" {
		rationale = out.Reasoning
	}
	action := model.ActionRecommendation{
		ActionType:          plan.ActionType,
		TargetIncidentID:    target.ID,
		TargetPosition:      &pos,
		TargetSector:        target.Position.Sector,
		ResourcesToAllocate: plan.Resources,
		Rationale:           rationale,
		SupportingFactors:   plan.SupportingFactors,
		Tradeoffs:           plan.Tradeoffs,
		UncertaintyFactors:  plan.UncertaintyFactors,
		Confidence:          clamp01(out.Confidence),
		TimeSensitivity:     plan.TimeSensitivity,
		DecisionDeadline:    c.clock.Now().Add(c.opts.Decisions.Window(plan.TimeSensitivity)),
	}

	c.session.RLock()
	if c.graph.Epoch() != epoch {
		c.session.RUnlock()
		return
	}
	added, err := c.graph.AddAction(action)
	c.session.RUnlock()
	switch {
	case errors.Is(err, graph.ErrPendingExists):
		return
	case err != nil:
		c.logger.Warn("recommendation rejected", zap.String("incident_id", target.ID), zap.Error(err))
		return
	}

	c.metrics.Recommendation()
	c.note("action_recommended",
		fmt.Sprintf("%s %d units to %s (decide by %s)", added.ActionType, len(added.ResourcesToAllocate), target.ID, added.DecisionDeadline.Format("15:04:05")),
		map[string]string{"action_id": added.ID, "incident_id": target.ID})
	c.logger.Info("action recommended",
		zap.String("action_id", added.ID),
		zap.String("incident_id", target.ID),
		zap.Strings("resources", added.ResourcesToAllocate),
		zap.Bool("fallback", out.Fallback))
	c.publish(model.EventActionRecommendation, added)
}

// planningTarget picks the incident most in need of a recommendation
func planningTarget(snap model.Snapshot) (model.Incident, bool) {
	targeted := make(map[string]bool)
	for _, a := range snap.Actions {
		if a.Status == model.ActionPending && a.TargetIncidentID != "" {
			targeted[a.TargetIncidentID] = true
		}
	}

	var candidates []model.Incident
	for _, inc := range snap.Incidents {
		if inc.Status != model.IncidentActive || inc.Urgency.Rank() < model.UrgencyHigh.Rank() {
			continue
		}
		if targeted[inc.ID] || len(inc.AssignedResourceIDs) > 0 {
			continue
		}
		candidates = append(candidates, inc)
	}
	if len(candidates) == 0 {
		return model.Incident{}, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Urgency.Rank() != b.Urgency.Rank() {
			return a.Urgency.Rank() > b.Urgency.Rank()
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return candidates[0], true
}
