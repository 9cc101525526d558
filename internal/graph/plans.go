package graph

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/crisisgraph/internal/model"
)

// AddPlan records a pending allocation plan together with the camps it
// proposes. Only one plan may be pending at a time. Resource references are
// stored as resource ids.
func (g *Graph) AddPlan(p model.AllocationPlan, camps []model.CampRecommendation) (model.AllocationPlan, []model.CampRecommendation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.validatePlan(p, camps); err != nil {
		return model.AllocationPlan{}, nil, err
	}
	for _, existing := range g.plans {
		if existing.Status == model.ActionPending {
			return model.AllocationPlan{}, nil, fmt.Errorf("%w: plan %s is still pending", ErrPendingExists, existing.ID)
		}
	}

	now := g.clock.Now()
	if p.ID == "" {
		p.ID = NewID("plan")
	}
	p = copyPlan(p)
	for i := range p.Assignments {
		res, _ := g.findResourceLocked(p.Assignments[i].ResourceID)
		p.Assignments[i].ResourceID = res.ID
		p.Assignments[i].Status = model.ActionPending
	}
	p.CampIDs = nil
	stored := make([]model.CampRecommendation, 0, len(camps))
	for _, c := range camps {
		c = copyCamp(c)
		if c.ID == "" {
			c.ID = NewID("camp")
		}
		c.PlanID = p.ID
		c.Status = model.ActionPending
		c.CreatedAt = now
		c.LocationID = ""
		g.camps[c.ID] = c
		p.CampIDs = append(p.CampIDs, c.ID)
		stored = append(stored, copyCamp(c))
	}
	p.Status = model.ActionPending
	p.CreatedAt = now
	p.DecidedAt = nil
	p.DecidedBy = ""
	p.DecisionReason = ""

	g.plans[p.ID] = p
	g.commit()
	g.audit.add(now, "plan_proposed", p.ID, "", fmt.Sprintf("%d assignments, %d camps", len(p.Assignments), len(stored)))
	return copyPlan(p), stored, nil
}

// PlanDecision is the outcome of a DecidePlan call
type PlanDecision struct {
	Plan       model.AllocationPlan
	Dispatched []model.Resource
	Camps      []model.CampRecommendation // camps decided along with the plan
	Locations  []model.Location           // locations created for approved camps
}

// DecidePlan approves or rejects a pending plan exactly once. Approval
// dispatches every assignment and opens every still pending camp of the
// plan; it fails, leaving the plan pending, if any unit is unknown or offline
// or any target incident is gone. Rejection changes no resource and rejects
// the plan's pending camps.
func (g *Graph) DecidePlan(id string, approve bool, actor, reason string) (PlanDecision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.plans[id]
	if !ok {
		return PlanDecision{}, notFound("plan", id)
	}
	now := g.clock.Now()
	if p.Status == model.ActionPending && now.After(p.DecisionDeadline) {
		g.expirePlanLocked(&p, now)
		g.plans[id] = p
		g.commit()
	}
	if p.Status != model.ActionPending {
		return PlanDecision{}, decidedError("plan", id, string(p.Status))
	}
	if actor == "" {
		actor = "operator"
	}

	var out PlanDecision
	status := model.ActionRejected
	if approve {
		status = model.ActionApproved
		for i, a := range p.Assignments {
			res, ok := g.resources[a.ResourceID]
			if !ok {
				return PlanDecision{}, invalid(fmt.Sprintf("plan.assignments[%d].resource_id", i), "unknown resource %q", a.ResourceID)
			}
			if res.Status == model.ResourceOffline {
				return PlanDecision{}, invalid(fmt.Sprintf("plan.assignments[%d].resource_id", i), "resource %q is offline", a.ResourceID)
			}
			if _, ok := g.incidents[a.TargetIncidentID]; !ok {
				return PlanDecision{}, invalid(fmt.Sprintf("plan.assignments[%d].target_incident_id", i), "incident %q no longer exists", a.TargetIncidentID)
			}
		}
		for _, a := range p.Assignments {
			inc := g.incidents[a.TargetIncidentID]
			res := g.dispatchLocked(a.ResourceID, &inc, now)
			if a.ETAMinutes != nil {
				res.ETAMinutes = copyPtr(a.ETAMinutes)
				g.resources[res.ID] = res
			}
			g.incidents[inc.ID] = inc
			out.Dispatched = append(out.Dispatched, copyResource(res))
		}
	}
	for i := range p.Assignments {
		p.Assignments[i].Status = status
	}

	for _, cid := range p.CampIDs {
		c, ok := g.camps[cid]
		if !ok || c.Status != model.ActionPending {
			continue
		}
		if approve {
			loc := g.openCampLocked(&c, now)
			out.Locations = append(out.Locations, copyLocation(loc))
		}
		g.decideCampLocked(&c, status, actor, reason, now)
		out.Camps = append(out.Camps, copyCamp(c))
	}

	p.Status = status
	p.DecidedAt = timePtr(now)
	p.DecidedBy = actor
	p.DecisionReason = reason
	g.plans[id] = p
	g.commit()
	g.audit.add(now, "plan_"+string(status), id, actor, reason)
	g.logger.Info("plan decided",
		zap.String("plan_id", id),
		zap.String("status", string(status)),
		zap.String("actor", actor),
		zap.Int("dispatched", len(out.Dispatched)),
		zap.Int("camps", len(out.Camps)))

	out.Plan = copyPlan(p)
	return out, nil
}

// DecideCamp approves or rejects one pending camp exactly once. An approved
// camp becomes an operational location.
func (g *Graph) DecideCamp(id string, approve bool, actor, reason string) (model.CampRecommendation, *model.Location, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	c, ok := g.camps[id]
	if !ok {
		return model.CampRecommendation{}, nil, notFound("camp", id)
	}
	now := g.clock.Now()
	if c.Status == model.ActionPending && now.After(c.DecisionDeadline) {
		g.expireCampLocked(&c, now)
		g.camps[id] = c
		g.commit()
	}
	if c.Status != model.ActionPending {
		return model.CampRecommendation{}, nil, decidedError("camp", id, string(c.Status))
	}
	if actor == "" {
		actor = "operator"
	}

	var loc *model.Location
	status := model.ActionRejected
	if approve {
		status = model.ActionApproved
		l := copyLocation(g.openCampLocked(&c, now))
		loc = &l
	}
	g.decideCampLocked(&c, status, actor, reason, now)
	g.commit()
	return copyCamp(c), loc, nil
}

func (g *Graph) decideCampLocked(c *model.CampRecommendation, status model.ActionStatus, actor, reason string, now time.Time) {
	c.Status = status
	c.DecidedAt = timePtr(now)
	c.DecidedBy = actor
	c.DecisionReason = reason
	g.camps[c.ID] = *c
	g.audit.add(now, "camp_"+string(status), c.ID, actor, reason)
}

// openCampLocked creates the location an approved camp stands for
func (g *Graph) openCampLocked(c *model.CampRecommendation, now time.Time) model.Location {
	id := LocationID(c.Name)
	if _, taken := g.locations[id]; taken {
		id = id + "_" + c.ID
	}
	capacity, used := c.CapacityPersons, 0
	pos := c.Position
	pos.Name = c.Name
	loc := model.Location{
		ID:            id,
		Kind:          string(c.Type),
		Name:          c.Name,
		Position:      pos,
		CapacityTotal: &capacity,
		CapacityUsed:  &used,
		Status:        model.LocationOperational,
		Accessibility: model.Accessible,
		Confidence:    c.Confidence,
		UpdatedAt:     now,
	}
	g.locations[id] = loc
	c.LocationID = id
	g.audit.add(now, "location_created", id, "", c.Name)
	return loc
}

// ExpireOverduePlans moves every pending plan and camp past its deadline to
// expired. A plan's pending camps expire with it.
func (g *Graph) ExpireOverduePlans() ([]model.AllocationPlan, []model.CampRecommendation) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	var plans []model.AllocationPlan
	for id, p := range g.plans {
		if p.Status != model.ActionPending || !now.After(p.DecisionDeadline) {
			continue
		}
		g.expirePlanLocked(&p, now)
		g.plans[id] = p
		plans = append(plans, copyPlan(p))
	}
	var camps []model.CampRecommendation
	for id, c := range g.camps {
		if c.Status != model.ActionPending || !now.After(c.DecisionDeadline) {
			continue
		}
		g.expireCampLocked(&c, now)
		g.camps[id] = c
		camps = append(camps, copyCamp(c))
	}
	if len(plans) > 0 || len(camps) > 0 {
		g.commit()
	}
	return plans, camps
}

func (g *Graph) expirePlanLocked(p *model.AllocationPlan, now time.Time) {
	p.Status = model.ActionExpired
	p.DecidedAt = timePtr(now)
	p.DecidedBy = "system"
	p.DecisionReason = "decision deadline passed"
	for i := range p.Assignments {
		p.Assignments[i].Status = model.ActionExpired
	}
	g.audit.add(now, "plan_expired", p.ID, "system", "")
}

func (g *Graph) expireCampLocked(c *model.CampRecommendation, now time.Time) {
	c.Status = model.ActionExpired
	c.DecidedAt = timePtr(now)
	c.DecidedBy = "system"
	c.DecisionReason = "decision deadline passed"
	g.audit.add(now, "camp_expired", c.ID, "system", "")
}

// Plan returns a copy of one allocation plan
func (g *Graph) Plan(id string) (model.AllocationPlan, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.plans[id]
	return copyPlan(p), ok
}

// Camp returns a copy of one camp recommendation
func (g *Graph) Camp(id string) (model.CampRecommendation, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.camps[id]
	return copyCamp(c), ok
}
