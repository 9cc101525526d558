package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/ppiankov/crisisgraph/internal/agent"
	"github.com/ppiankov/crisisgraph/internal/model"
	"github.com/ppiankov/crisisgraph/internal/simulation"
)

// ErrNothingToPlan is returned when an allocation plan would contain nothing
var ErrNothingToPlan = errors.New("nothing to allocate")

// PlanProposal is the payload of an allocation_plan event
type PlanProposal struct {
	Plan  model.AllocationPlan       `json:"plan"`
	Camps []model.CampRecommendation `json:"camps"`
}

// GeneratePlan asks the allocation agent for a situation-wide plan over the
// active incidents and available units and records it as one pending
// decision. Assignments naming unknown or busy units or inactive incidents
// are dropped. Only one plan may be pending at a time.
func (c *Coordinator) GeneratePlan(ctx context.Context) (PlanProposal, error) {
	epoch := c.graph.Epoch()
	snap := c.graph.Snapshot()

	var incidents []model.Incident
	for _, inc := range snap.Incidents {
		if inc.Status == model.IncidentActive {
			incidents = append(incidents, inc)
		}
	}
	if len(incidents) == 0 {
		return PlanProposal{}, fmt.Errorf("%w: no active incidents", ErrNothingToPlan)
	}
	sort.Slice(incidents, func(i, j int) bool { return incidents[i].ID < incidents[j].ID })

	var available []model.Resource
	for _, r := range snap.Resources {
		if r.Status == model.ResourceAvailable {
			available = append(available, r)
		}
	}
	sort.Slice(available, func(i, j int) bool { return available[i].ID < available[j].ID })

	locations := make([]model.Location, 0, len(snap.Locations))
	for _, l := range snap.Locations {
		locations = append(locations, l)
	}
	sort.Slice(locations, func(i, j int) bool { return locations[i].ID < locations[j].ID })

	now := c.clock.Now()
	out := c.gateway.Invoke(ctx, agent.KindAllocation, agent.Input{
		Incidents: incidents,
		Resources: available,
		Locations: locations,
		Timestamp: now,
	})
	proposal, ok := out.Allocation()
	if !ok {
		return PlanProposal{}, fmt.Errorf("%w: allocation agent returned %s", ErrNothingToPlan, out.OutputType)
	}

	deadline := now.Add(c.opts.Decisions.Window(model.UrgencyMedium))
	plan := model.AllocationPlan{
		Assignments:       usableAssignments(proposal.Assignments, incidents, available),
		Rationale:         proposal.Rationale,
		KeyAssumptions:    proposal.KeyAssumptions,
		OverallConfidence: clamp01(out.Confidence),
		DecisionDeadline:  deadline,
	}
	if plan.Rationale == "" {
		plan.Rationale = out.Reasoning
	}
	camps := make([]model.CampRecommendation, 0, len(proposal.Camps))
	for _, camp := range proposal.Camps {
		if camp.Position.Lat == 0 && camp.Position.Lng == 0 {
			camp.Position = simulation.SectorPosition(camp.Position.Sector, camp.Name)
		}
		camp.Confidence = clamp01(camp.Confidence)
		camp.DecisionDeadline = deadline
		camps = append(camps, camp)
	}
	if len(plan.Assignments) == 0 && len(camps) == 0 {
		return PlanProposal{}, fmt.Errorf("%w: no usable assignments or camps", ErrNothingToPlan)
	}

	c.session.RLock()
	if c.graph.Epoch() != epoch {
		c.session.RUnlock()
		return PlanProposal{}, errStaleSession
	}
	stored, storedCamps, err := c.graph.AddPlan(plan, camps)
	c.session.RUnlock()
	if err != nil {
		return PlanProposal{}, err
	}

	c.metrics.Recommendation()
	c.note("plan_proposed",
		fmt.Sprintf("%d assignments and %d camps (decide by %s)", len(stored.Assignments), len(storedCamps), stored.DecisionDeadline.Format("15:04:05")),
		map[string]string{"plan_id": stored.ID})
	c.logger.Info("allocation plan proposed",
		zap.String("plan_id", stored.ID),
		zap.Int("assignments", len(stored.Assignments)),
		zap.Int("camps", len(storedCamps)),
		zap.Bool("fallback", out.Fallback))

	p := PlanProposal{Plan: stored, Camps: storedCamps}
	c.publish(model.EventAllocationPlan, p)
	for _, camp := range storedCamps {
		c.publish(model.EventCampRecommendation, camp)
	}
	c.publishGraph()
	return p, nil
}

// usableAssignments keeps assignments of free units to active incidents,
// each unit at most once, referenced by resource id
func usableAssignments(proposed []model.ResourceAssignment, incidents []model.Incident, available []model.Resource) []model.ResourceAssignment {
	active := make(map[string]bool, len(incidents))
	for _, inc := range incidents {
		active[inc.ID] = true
	}
	free := make(map[string]string, 2*len(available))
	for _, r := range available {
		free[r.ID] = r.ID
		free[r.UnitID] = r.ID
	}
	used := make(map[string]bool)
	var out []model.ResourceAssignment
	for _, a := range proposed {
		id, ok := free[a.ResourceID]
		if !ok || used[id] || !active[a.TargetIncidentID] {
			continue
		}
		used[id] = true
		a.ResourceID = id
		out = append(out, a)
	}
	return out
}

// DecidePlan approves or rejects a pending allocation plan. Approval
// dispatches every assigned unit and opens the plan's pending camps.
func (c *Coordinator) DecidePlan(id, decision, actor, reason string) (model.AllocationPlan, error) {
	approve, err := parseDecision(decision)
	if err != nil {
		return model.AllocationPlan{}, err
	}
	d, err := c.graph.DecidePlan(id, approve, actor, reason)
	if err != nil {
		return model.AllocationPlan{}, err
	}

	p := d.Plan
	c.metrics.Decision("plan", string(p.Status))
	c.note("plan_"+string(p.Status),
		fmt.Sprintf("%d assignments, %d camps by %s", len(p.Assignments), len(d.Camps), p.DecidedBy),
		map[string]string{"plan_id": p.ID})
	c.publish(model.EventDecisionMade, DecisionMade{
		Subject: "plan",
		ID:      p.ID,
		Outcome: string(p.Status),
		Actor:   p.DecidedBy,
		Reason:  p.DecisionReason,
		Plan:    &p,
	})
	for _, camp := range d.Camps {
		c.campDecided(camp)
	}
	for _, res := range d.Dispatched {
		c.publish(model.EventResourceUpdate, res)
	}
	c.publishGraph()
	return p, nil
}

// DecideCamp approves or rejects one pending camp. An approved camp becomes
// an operational location.
func (c *Coordinator) DecideCamp(id, decision, actor, reason string) (model.CampRecommendation, error) {
	approve, err := parseDecision(decision)
	if err != nil {
		return model.CampRecommendation{}, err
	}
	camp, _, err := c.graph.DecideCamp(id, approve, actor, reason)
	if err != nil {
		return model.CampRecommendation{}, err
	}
	c.campDecided(camp)
	c.publishGraph()
	return camp, nil
}

func (c *Coordinator) campDecided(camp model.CampRecommendation) {
	c.metrics.Decision("camp", string(camp.Status))
	c.note("camp_"+string(camp.Status), fmt.Sprintf("%s (%s)", camp.Name, camp.Type),
		map[string]string{"camp_id": camp.ID, "location_id": camp.LocationID})
	c.publish(model.EventDecisionMade, DecisionMade{
		Subject: "camp",
		ID:      camp.ID,
		Outcome: string(camp.Status),
		Actor:   camp.DecidedBy,
		Reason:  camp.DecisionReason,
		Camp:    &camp,
	})
}

// expirePlans closes plans and camps past their deadline and reports whether any did
func (c *Coordinator) expirePlans() bool {
	plans, camps := c.graph.ExpireOverduePlans()
	for _, p := range plans {
		c.metrics.Decision("plan", string(model.ActionExpired))
		c.note("plan_expired", fmt.Sprintf("plan with %d assignments passed its deadline", len(p.Assignments)),
			map[string]string{"plan_id": p.ID})
		c.publish(model.EventDecisionMade, DecisionMade{
			Subject: "plan",
			ID:      p.ID,
			Outcome: string(p.Status),
			Actor:   p.DecidedBy,
			Reason:  p.DecisionReason,
			Plan:    &p,
		})
	}
	for _, camp := range camps {
		c.campDecided(camp)
	}
	return len(plans) > 0 || len(camps) > 0
}

// Plans returns every allocation plan, newest first
func (c *Coordinator) Plans() []model.AllocationPlan {
	snap := c.graph.Snapshot()
	out := make([]model.AllocationPlan, 0, len(snap.Plans))
	for _, p := range snap.Plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Camps returns every camp recommendation, optionally filtered by status
func (c *Coordinator) Camps(status model.ActionStatus) []model.CampRecommendation {
	snap := c.graph.Snapshot()
	out := make([]model.CampRecommendation, 0, len(snap.Camps))
	for _, camp := range snap.Camps {
		if status == "" || camp.Status == status {
			out = append(out, camp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
