package graph

import (
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/crisisgraph/internal/model"
)

// AddAction records a pending recommendation. At most one pending
// recommendation may target a given incident.
func (g *Graph) AddAction(a model.ActionRecommendation) (model.ActionRecommendation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.validateAction(a); err != nil {
		return model.ActionRecommendation{}, err
	}
	if a.TargetIncidentID != "" && g.pendingForLocked(a.TargetIncidentID) {
		return model.ActionRecommendation{}, ErrPendingExists
	}

	now := g.clock.Now()
	if a.ID == "" {
		a.ID = NewID("action")
	}
	a.Status = model.ActionPending
	a.CreatedAt = now
	a.DecidedAt = nil
	a.DecidedBy = ""
	a.DecisionReason = ""

	g.actions[a.ID] = copyAction(a)
	g.commit()
	g.audit.add(now, "action_recommended", a.ID, "", a.TargetIncidentID)
	return copyAction(a), nil
}

func (g *Graph) pendingForLocked(incidentID string) bool {
	for _, a := range g.actions {
		if a.Status == model.ActionPending && a.TargetIncidentID == incidentID {
			return true
		}
	}
	return false
}

// HasPendingAction reports whether a pending recommendation targets the incident
func (g *Graph) HasPendingAction(incidentID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.pendingForLocked(incidentID)
}

// Decision is the outcome of a DecideAction call
type Decision struct {
	Action     model.ActionRecommendation
	Dispatched []model.Resource
	Incident   *model.Incident
}

// DecideAction approves or rejects a pending recommendation exactly once.
// Approval dispatches every referenced resource to the target incident and
// fails, leaving the action pending, if any resource is unknown or offline.
// Rejection changes no resource.
func (g *Graph) DecideAction(id string, approve bool, actor, reason string) (Decision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	a, ok := g.actions[id]
	if !ok {
		return Decision{}, notFound("action", id)
	}
	now := g.clock.Now()
	if a.Status == model.ActionPending && now.After(a.DecisionDeadline) {
		g.expireLocked(&a, now)
		g.actions[id] = a
		g.commit()
	}
	if a.Status != model.ActionPending {
		return Decision{}, decidedError("action", id, string(a.Status))
	}
	if actor == "" {
		actor = "operator"
	}

	var out Decision
	if approve {
		resIDs, err := g.resolveResourcesLocked(a)
		if err != nil {
			return Decision{}, err
		}
		inc := g.incidents[a.TargetIncidentID]
		for _, rid := range resIDs {
			res := g.dispatchLocked(rid, &inc, now)
			out.Dispatched = append(out.Dispatched, copyResource(res))
		}
		if len(resIDs) > 0 {
			g.incidents[inc.ID] = inc
			ic := copyIncident(inc)
			out.Incident = &ic
		}
		a.Status = model.ActionApproved
	} else {
		a.Status = model.ActionRejected
	}

	a.DecidedAt = timePtr(now)
	a.DecidedBy = actor
	a.DecisionReason = reason
	g.actions[id] = a
	g.commit()
	g.audit.add(now, "action_"+string(a.Status), id, actor, reason)
	g.logger.Info("action decided",
		zap.String("action_id", id),
		zap.String("status", string(a.Status)),
		zap.String("actor", actor),
		zap.Int("dispatched", len(out.Dispatched)))

	out.Action = copyAction(a)
	return out, nil
}

// resolveResourcesLocked maps the action's resource references (id or unit id)
// to resource ids, validating that all of them can be dispatched
func (g *Graph) resolveResourcesLocked(a model.ActionRecommendation) ([]string, error) {
	if len(a.ResourcesToAllocate) == 0 {
		return nil, nil
	}
	if _, ok := g.incidents[a.TargetIncidentID]; !ok {
		return nil, invalid("action.target_incident_id", "approval needs an existing target incident, got %q", a.TargetIncidentID)
	}
	ids := make([]string, 0, len(a.ResourcesToAllocate))
	for _, ref := range a.ResourcesToAllocate {
		res, ok := g.findResourceLocked(ref)
		if !ok {
			return nil, invalid("resources_to_allocate", "unknown resource %q", ref)
		}
		if res.Status == model.ResourceOffline {
			return nil, invalid("resources_to_allocate", "resource %q is offline", ref)
		}
		if !slices.Contains(ids, res.ID) {
			ids = append(ids, res.ID)
		}
	}
	return ids, nil
}

func (g *Graph) findResourceLocked(ref string) (model.Resource, bool) {
	if res, ok := g.resources[ref]; ok {
		return res, true
	}
	for _, res := range g.resources {
		if res.UnitID == ref {
			return res, true
		}
	}
	return model.Resource{}, false
}

// dispatchLocked assigns one resource to inc, detaching it from any previous incident.
// The caller stores inc.
func (g *Graph) dispatchLocked(resourceID string, inc *model.Incident, now time.Time) model.Resource {
	res := g.resources[resourceID]
	if res.AssignedIncidentID != "" && res.AssignedIncidentID != inc.ID {
		g.detachLocked(res.ID, res.AssignedIncidentID)
	}

	eta := g.opts.DispatchETAMinutes
	dest := inc.Position
	res.Status = model.ResourceDispatched
	res.AssignedIncidentID = inc.ID
	res.Destination = &dest
	res.ETAMinutes = &eta
	res.UpdatedAt = now
	g.resources[resourceID] = res

	if !slices.Contains(inc.AssignedResourceIDs, resourceID) {
		inc.AssignedResourceIDs = append(inc.AssignedResourceIDs, resourceID)
	}
	if inc.Status == model.IncidentActive {
		inc.Status = model.IncidentResponding
	}
	inc.UpdatedAt = now

	edge := model.Edge{From: resourceID, To: inc.ID, Relation: model.RelAssignedTo, Confidence: 1}
	if _, err := g.addEdgeLocked(edge); err != nil {
		g.logger.Warn("assignment edge rejected", zap.String("resource_id", resourceID), zap.Error(err))
	}
	return res
}

func (g *Graph) detachLocked(resourceID, incidentID string) {
	if prev, ok := g.incidents[incidentID]; ok {
		prev.AssignedResourceIDs = slices.DeleteFunc(prev.AssignedResourceIDs, func(id string) bool { return id == resourceID })
		g.incidents[incidentID] = prev
	}
	g.removeEdgesLocked(resourceID, incidentID, model.RelAssignedTo)
}

// ExpireOverdue moves every pending recommendation past its deadline to expired
func (g *Graph) ExpireOverdue() []model.ActionRecommendation {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	var expired []model.ActionRecommendation
	for id, a := range g.actions {
		if a.Status != model.ActionPending || !now.After(a.DecisionDeadline) {
			continue
		}
		g.expireLocked(&a, now)
		g.actions[id] = a
		expired = append(expired, copyAction(a))
	}
	if len(expired) > 0 {
		g.commit()
	}
	return expired
}

func (g *Graph) expireLocked(a *model.ActionRecommendation, now time.Time) {
	a.Status = model.ActionExpired
	a.DecidedAt = timePtr(now)
	a.DecidedBy = "system"
	a.DecisionReason = "decision deadline passed"
	g.audit.add(now, "action_expired", a.ID, "system", "")
}

// AssignResource manually dispatches a resource to an incident
func (g *Graph) AssignResource(resourceRef, incidentID, actor string) (model.Resource, model.Incident, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	res, ok := g.findResourceLocked(resourceRef)
	if !ok {
		return model.Resource{}, model.Incident{}, notFound("resource", resourceRef)
	}
	inc, ok := g.incidents[incidentID]
	if !ok {
		return model.Resource{}, model.Incident{}, notFound("incident", incidentID)
	}
	if res.Status == model.ResourceOffline {
		return model.Resource{}, model.Incident{}, invalid("resource.status", "resource %q is offline", resourceRef)
	}

	now := g.clock.Now()
	res = g.dispatchLocked(res.ID, &inc, now)
	g.incidents[inc.ID] = inc
	g.commit()
	g.audit.add(now, "resource_assigned", res.ID, actor, incidentID)
	return copyResource(res), copyIncident(inc), nil
}

// ReleaseResource returns a resource to the available pool. An offline
// resource is detached but stays offline.
func (g *Graph) ReleaseResource(resourceRef, actor string) (model.Resource, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	res, ok := g.findResourceLocked(resourceRef)
	if !ok {
		return model.Resource{}, notFound("resource", resourceRef)
	}
	if res.AssignedIncidentID != "" {
		g.detachLocked(res.ID, res.AssignedIncidentID)
	}

	now := g.clock.Now()
	prev := res.AssignedIncidentID
	if res.Status != model.ResourceOffline {
		res.Status = model.ResourceAvailable
	}
	res.AssignedIncidentID = ""
	res.Destination = nil
	res.ETAMinutes = nil
	res.UpdatedAt = now
	g.resources[res.ID] = res
	g.commit()
	g.audit.add(now, "resource_released", res.ID, actor, prev)
	return copyResource(res), nil
}

// ChangeResource sets the status of a resource found by id or unit id and,
// when move is non-nil, repositions it. A status change detaches the unit
// from its incident. An empty status keeps the current one.
func (g *Graph) ChangeResource(resourceRef string, status model.ResourceStatus, move func(id string) model.Position, actor string) (model.Resource, error) {
	if status != "" {
		if !status.Valid() {
			return model.Resource{}, invalid("resource.status", "unknown status %q", status)
		}
		if status.Assigned() {
			return model.Resource{}, invalid("resource.status", "%s needs an incident, assign the unit instead", status)
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	cur, ok := g.findResourceLocked(resourceRef)
	if !ok {
		return model.Resource{}, notFound("resource", resourceRef)
	}
	next := copyResource(cur)
	prev := next.AssignedIncidentID
	if status != "" {
		next.Status = status
		next.AssignedIncidentID = ""
		next.Destination = nil
		next.ETAMinutes = nil
	}
	if move != nil {
		next.Position = move(next.ID)
	}
	next.UpdatedAt = g.clock.Now()
	if err := g.validateResource(next); err != nil {
		return model.Resource{}, err
	}

	if status != "" && prev != "" {
		g.detachLocked(next.ID, prev)
	}
	g.resources[next.ID] = next
	g.commit()
	g.audit.add(next.UpdatedAt, "resource_changed", next.ID, actor, string(next.Status))
	return copyResource(next), nil
}
