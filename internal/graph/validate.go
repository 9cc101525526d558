package graph

import (
	"fmt"

	"github.com/ppiankov/crisisgraph/internal/model"
)

func checkConfidence(field string, c float64) error {
	if c < 0 || c > 1 {
		return invalid(field, "%v outside [0,1]", c)
	}
	return nil
}

func checkRange(field string, r *model.Range) error {
	if r == nil {
		return nil
	}
	if r.Min < 0 || r.Max < r.Min {
		return invalid(field, "range %d..%d", r.Min, r.Max)
	}
	return nil
}

func checkSources(refs []model.SourceRef) error {
	for _, s := range refs {
		if s.SourceID == "" {
			return invalid("sources", "empty source id")
		}
		if !s.SourceType.Valid() {
			return invalid("sources", "unknown source type %q", s.SourceType)
		}
		if err := checkConfidence("sources.credibility", s.Credibility); err != nil {
			return err
		}
	}
	return nil
}

func checkClaim(c model.Claim) error {
	if c.ID == "" {
		return invalid("claim.id", "empty")
	}
	if !c.Dimension.Valid() {
		return invalid("claim.dimension", "unknown dimension %q", c.Dimension)
	}
	if c.SourceType != "" && !c.SourceType.Valid() {
		return invalid("claim.source_type", "unknown source type %q", c.SourceType)
	}
	return checkConfidence("claim.confidence", c.Confidence)
}

func validateIncident(inc model.Incident) error {
	if inc.ID == "" {
		return invalid("incident.id", "empty")
	}
	if !inc.DamageLevel.Valid() {
		return invalid("incident.damage_level", "unknown damage level %q", inc.DamageLevel)
	}
	if !inc.Urgency.Valid() {
		return invalid("incident.urgency", "unknown urgency %q", inc.Urgency)
	}
	if !inc.Status.Valid() {
		return invalid("incident.status", "unknown status %q", inc.Status)
	}
	if err := checkConfidence("incident.confidence", inc.Confidence); err != nil {
		return err
	}
	if inc.DecayRatePerMinute < 0 {
		return invalid("incident.decay_rate_per_minute", "negative")
	}
	if err := checkRange("incident.trapped", inc.Trapped); err != nil {
		return err
	}
	if err := checkRange("incident.injured", inc.Injured); err != nil {
		return err
	}
	if err := checkSources(inc.Sources); err != nil {
		return err
	}
	for _, c := range inc.Claims {
		if err := checkClaim(c); err != nil {
			return err
		}
	}
	return nil
}

func validateLocation(loc model.Location) error {
	if loc.ID == "" {
		return invalid("location.id", "empty")
	}
	if !loc.Status.Valid() {
		return invalid("location.status", "unknown status %q", loc.Status)
	}
	if !loc.Accessibility.Valid() {
		return invalid("location.accessibility", "unknown accessibility %q", loc.Accessibility)
	}
	if err := checkConfidence("location.confidence", loc.Confidence); err != nil {
		return err
	}
	if loc.CapacityTotal != nil && *loc.CapacityTotal < 0 {
		return invalid("location.capacity_total", "negative")
	}
	if loc.CapacityUsed != nil {
		if *loc.CapacityUsed < 0 {
			return invalid("location.capacity_used", "negative")
		}
		if loc.CapacityTotal != nil && *loc.CapacityUsed > *loc.CapacityTotal {
			return invalid("location.capacity_used", "%d exceeds capacity %d", *loc.CapacityUsed, *loc.CapacityTotal)
		}
	}
	if err := checkSources(loc.Sources); err != nil {
		return err
	}
	for _, c := range loc.Claims {
		if err := checkClaim(c); err != nil {
			return err
		}
	}
	return nil
}

// validateResource needs the graph to check the assignment target, so callers hold the lock
func (g *Graph) validateResource(res model.Resource) error {
	if res.ID == "" {
		return invalid("resource.id", "empty")
	}
	if !res.Status.Valid() {
		return invalid("resource.status", "unknown status %q", res.Status)
	}
	if res.Personnel < 0 {
		return invalid("resource.personnel", "negative")
	}
	if res.Status.Assigned() {
		if res.AssignedIncidentID == "" {
			return invalid("resource.assigned_incident_id", "required when %s", res.Status)
		}
		if _, ok := g.incidents[res.AssignedIncidentID]; !ok {
			return invalid("resource.assigned_incident_id", "unknown incident %q", res.AssignedIncidentID)
		}
	} else if res.AssignedIncidentID != "" {
		return invalid("resource.assigned_incident_id", "must be empty when %s", res.Status)
	}
	return nil
}

func (g *Graph) validateEdge(e model.Edge) error {
	if !e.Relation.Valid() {
		return invalid("edge.relation", "unknown relation %q", e.Relation)
	}
	if !g.exists(e.From) {
		return invalid("edge.from", "unknown node %q", e.From)
	}
	if !g.exists(e.To) {
		return invalid("edge.to", "unknown node %q", e.To)
	}
	return checkConfidence("edge.confidence", e.Confidence)
}

func (g *Graph) validateAlert(a model.ContradictionAlert) error {
	if len(a.Claims) < 2 {
		return invalid("alert.claims", "need at least 2 claims, got %d", len(a.Claims))
	}
	if _, _, ok := g.entity(a.EntityID); !ok {
		return invalid("alert.entity_id", "unknown entity %q", a.EntityID)
	}
	if !a.Verdict.Valid() {
		return invalid("alert.verdict", "unknown verdict %q", a.Verdict)
	}
	if !a.Severity.Valid() {
		return invalid("alert.severity", "unknown severity %q", a.Severity)
	}
	if !a.Urgency.Valid() {
		return invalid("alert.urgency", "unknown urgency %q", a.Urgency)
	}
	if !a.RecommendedAction.Valid() {
		return invalid("alert.recommended_action", "unknown action %q", a.RecommendedAction)
	}
	for _, c := range a.Claims {
		if err := checkClaim(c); err != nil {
			return err
		}
	}
	return nil
}

func (g *Graph) validateAction(a model.ActionRecommendation) error {
	if a.ActionType == "" {
		return invalid("action.action_type", "empty")
	}
	if !a.TimeSensitivity.Valid() {
		return invalid("action.time_sensitivity", "unknown urgency %q", a.TimeSensitivity)
	}
	if err := checkConfidence("action.confidence", a.Confidence); err != nil {
		return err
	}
	for i, t := range a.Tradeoffs {
		if t.AffectedConfidence == nil {
			continue
		}
		if err := checkConfidence(fmt.Sprintf("action.tradeoffs[%d].affected_confidence", i), *t.AffectedConfidence); err != nil {
			return err
		}
	}
	if a.TargetIncidentID != "" {
		if _, ok := g.incidents[a.TargetIncidentID]; !ok {
			return invalid("action.target_incident_id", "unknown incident %q", a.TargetIncidentID)
		}
	}
	if a.DecisionDeadline.IsZero() {
		return invalid("action.decision_deadline", "required")
	}
	return nil
}

func (g *Graph) validatePlan(p model.AllocationPlan, camps []model.CampRecommendation) error {
	if len(p.Assignments) == 0 && len(camps) == 0 {
		return invalid("plan.assignments", "plan has no assignments and no camps")
	}
	if err := checkConfidence("plan.overall_confidence", p.OverallConfidence); err != nil {
		return err
	}
	if p.DecisionDeadline.IsZero() {
		return invalid("plan.decision_deadline", "required")
	}
	seen := make(map[string]bool, len(p.Assignments))
	for i, a := range p.Assignments {
		field := fmt.Sprintf("plan.assignments[%d]", i)
		res, ok := g.findResourceLocked(a.ResourceID)
		if !ok {
			return invalid(field+".resource_id", "unknown resource %q", a.ResourceID)
		}
		if seen[res.ID] {
			return invalid(field+".resource_id", "resource %q assigned twice", a.ResourceID)
		}
		seen[res.ID] = true
		if _, ok := g.incidents[a.TargetIncidentID]; !ok {
			return invalid(field+".target_incident_id", "unknown incident %q", a.TargetIncidentID)
		}
		if a.Priority < 0 {
			return invalid(field+".priority", "negative")
		}
		if a.ETAMinutes != nil && *a.ETAMinutes < 0 {
			return invalid(field+".estimated_eta_minutes", "negative")
		}
	}
	for i, c := range camps {
		if err := validateCamp(fmt.Sprintf("plan.camps[%d]", i), c); err != nil {
			return err
		}
	}
	return nil
}

func validateCamp(field string, c model.CampRecommendation) error {
	if c.Name == "" {
		return invalid(field+".name", "empty")
	}
	if !c.Type.Valid() {
		return invalid(field+".camp_type", "unknown camp type %q", c.Type)
	}
	if c.CapacityPersons < 0 {
		return invalid(field+".capacity_persons", "negative")
	}
	if err := checkConfidence(field+".confidence", c.Confidence); err != nil {
		return err
	}
	if c.DecisionDeadline.IsZero() {
		return invalid(field+".decision_deadline", "required")
	}
	return nil
}
