package graph

import (
	"maps"
	"slices"
	"time"

	"github.com/ppiankov/crisisgraph/internal/model"
)

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyIncident(inc model.Incident) model.Incident {
	inc.Trapped = copyPtr(inc.Trapped)
	inc.Injured = copyPtr(inc.Injured)
	inc.Hazards = slices.Clone(inc.Hazards)
	inc.Sources = slices.Clone(inc.Sources)
	inc.Claims = slices.Clone(inc.Claims)
	inc.ContradictionIDs = slices.Clone(inc.ContradictionIDs)
	inc.AssignedResourceIDs = slices.Clone(inc.AssignedResourceIDs)
	return inc
}

func copyResource(res model.Resource) model.Resource {
	res.Destination = copyPtr(res.Destination)
	res.ETAMinutes = copyPtr(res.ETAMinutes)
	return res
}

func copyLocation(loc model.Location) model.Location {
	loc.CapacityTotal = copyPtr(loc.CapacityTotal)
	loc.CapacityUsed = copyPtr(loc.CapacityUsed)
	loc.Sources = slices.Clone(loc.Sources)
	loc.Claims = slices.Clone(loc.Claims)
	loc.ContradictionIDs = slices.Clone(loc.ContradictionIDs)
	return loc
}

func copyAlert(a model.ContradictionAlert) model.ContradictionAlert {
	a.Claims = slices.Clone(a.Claims)
	a.ResolvedAt = copyPtr(a.ResolvedAt)
	return a
}

func copyAction(a model.ActionRecommendation) model.ActionRecommendation {
	a.TargetPosition = copyPtr(a.TargetPosition)
	a.ResourcesToAllocate = slices.Clone(a.ResourcesToAllocate)
	a.SupportingFactors = slices.Clone(a.SupportingFactors)
	a.UncertaintyFactors = slices.Clone(a.UncertaintyFactors)
	a.DecidedAt = copyPtr(a.DecidedAt)
	if a.Tradeoffs != nil {
		trade := make([]model.Tradeoff, len(a.Tradeoffs))
		for i, t := range a.Tradeoffs {
			t.AffectedIncidents = slices.Clone(t.AffectedIncidents)
			t.AffectedConfidence = copyPtr(t.AffectedConfidence)
			trade[i] = t
		}
		a.Tradeoffs = trade
	}
	return a
}

func copyPlan(p model.AllocationPlan) model.AllocationPlan {
	p.CampIDs = slices.Clone(p.CampIDs)
	p.KeyAssumptions = slices.Clone(p.KeyAssumptions)
	p.DecidedAt = copyPtr(p.DecidedAt)
	if p.Assignments != nil {
		as := make([]model.ResourceAssignment, len(p.Assignments))
		for i, a := range p.Assignments {
			a.ETAMinutes = copyPtr(a.ETAMinutes)
			as[i] = a
		}
		p.Assignments = as
	}
	return p
}

func copyCamp(c model.CampRecommendation) model.CampRecommendation {
	c.Factors = maps.Clone(c.Factors)
	c.DecidedAt = copyPtr(c.DecidedAt)
	return c
}

func timePtr(t time.Time) *time.Time {
	return &t
}
