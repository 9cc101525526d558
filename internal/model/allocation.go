package model

import "time"

// CampType is the purpose of a proposed camp
type CampType string

const (
	CampRelief        CampType = "relief_camp"
	CampRescueStaging CampType = "rescue_staging"
	CampMedicalTriage CampType = "medical_triage"
)

// Valid reports whether t is a known camp type
func (t CampType) Valid() bool {
	switch t {
	case CampRelief, CampRescueStaging, CampMedicalTriage:
		return true
	}
	return false
}

// ResourceAssignment pairs one unit with one incident inside an allocation plan
type ResourceAssignment struct {
	ResourceID       string       `json:"resource_id"`
	TargetIncidentID string       `json:"target_incident_id"`
	Rationale        string       `json:"rationale,omitempty"`
	Priority         int          `json:"priority"` // 1 is most urgent
	ETAMinutes       *int         `json:"estimated_eta_minutes,omitempty"`
	Status           ActionStatus `json:"status,omitempty"`
}

// CampRecommendation proposes a relief, staging or triage site. An approved
// camp becomes a location in the graph.
type CampRecommendation struct {
	ID               string            `json:"id"`
	PlanID           string            `json:"plan_id,omitempty"`
	Name             string            `json:"name"`
	Type             CampType          `json:"camp_type"`
	Position         Position          `json:"location"`
	CapacityPersons  int               `json:"capacity_persons"`
	Rationale        string            `json:"rationale,omitempty"`
	Confidence       float64           `json:"confidence"`
	Factors          map[string]string `json:"factors,omitempty"`
	Status           ActionStatus      `json:"status"`
	LocationID       string            `json:"location_id,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	DecisionDeadline time.Time         `json:"decision_deadline"`
	DecidedAt        *time.Time        `json:"decided_at,omitempty"`
	DecidedBy        string            `json:"decided_by,omitempty"`
	DecisionReason   string            `json:"decision_reason,omitempty"`
}

// AllocationPlan is a situation-wide proposal: unit assignments across
// incidents plus the camps that support them, decided as one item
type AllocationPlan struct {
	ID                string               `json:"id"`
	Assignments       []ResourceAssignment `json:"assignments"`
	CampIDs           []string             `json:"camp_ids,omitempty"`
	Rationale         string               `json:"rationale,omitempty"`
	KeyAssumptions    []string             `json:"key_assumptions,omitempty"`
	OverallConfidence float64              `json:"overall_confidence"`
	Status            ActionStatus         `json:"status"`
	CreatedAt         time.Time            `json:"created_at"`
	DecisionDeadline  time.Time            `json:"decision_deadline"`
	DecidedAt         *time.Time           `json:"decided_at,omitempty"`
	DecidedBy         string               `json:"decided_by,omitempty"`
	DecisionReason    string               `json:"decision_reason,omitempty"`
}
