package model

import "time"

// Position is a point on the map, optionally tagged with an operational sector
type Position struct {
	Lat    float64 `json:"lat" yaml:"lat"`
	Lng    float64 `json:"lng" yaml:"lng"`
	Sector string  `json:"sector,omitempty" yaml:"sector,omitempty"`
	Name   string  `json:"name,omitempty" yaml:"name,omitempty"`
}

// Range is an inclusive estimate such as "4 to 7 persons trapped"
type Range struct {
	Min int `json:"min" yaml:"min"`
	Max int `json:"max" yaml:"max"`
}

// SourceRef records one piece of evidence backing a node
type SourceRef struct {
	SourceID      string     `json:"source_id"`
	SourceType    SourceType `json:"source_type"`
	Timestamp     time.Time  `json:"timestamp"`
	RawContentRef string     `json:"raw_content_ref,omitempty"`
	Credibility   float64    `json:"credibility"` // 0..1
}

// Incident is an observed emergency requiring response
type Incident struct {
	ID                  string         `json:"id"`
	Kind                string         `json:"kind"` // e.g. "structural_collapse", "fire"
	Position            Position       `json:"position"`
	DamageLevel         DamageLevel    `json:"damage_level"`
	Urgency             Urgency        `json:"urgency"`
	Trapped             *Range         `json:"trapped,omitempty"`
	Injured             *Range         `json:"injured,omitempty"`
	Hazards             []string       `json:"hazards,omitempty"`
	Confidence          float64        `json:"confidence"`
	Sources             []SourceRef    `json:"sources"`
	Claims              []Claim        `json:"claims,omitempty"`
	ContradictionIDs    []string       `json:"contradiction_ids,omitempty"`
	DecayRatePerMinute  float64        `json:"decay_rate_per_minute"`
	Status              IncidentStatus `json:"status"`
	AssignedResourceIDs []string       `json:"assigned_resource_ids,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// Resource is a response unit (ambulance, engine, search and rescue team)
type Resource struct {
	ID                 string         `json:"id"`
	Kind               string         `json:"kind"`
	UnitID             string         `json:"unit_id"`
	Position           Position       `json:"position"`
	Destination        *Position      `json:"destination,omitempty"`
	Status             ResourceStatus `json:"status"`
	AssignedIncidentID string         `json:"assigned_incident_id,omitempty"`
	ETAMinutes         *int           `json:"eta_minutes,omitempty"`
	Personnel          int            `json:"personnel"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// Location is a facility or landmark (hospital, shelter, bridge)
type Location struct {
	ID               string         `json:"id"`
	Kind             string         `json:"kind"`
	Name             string         `json:"name"`
	Position         Position       `json:"position"`
	CapacityTotal    *int           `json:"capacity_total,omitempty"`
	CapacityUsed     *int           `json:"capacity_used,omitempty"`
	Status           LocationStatus `json:"status"`
	Accessibility    Accessibility  `json:"accessibility"`
	Confidence       float64        `json:"confidence"`
	Sources          []SourceRef    `json:"sources,omitempty"`
	Claims           []Claim        `json:"claims,omitempty"`
	ContradictionIDs []string       `json:"contradiction_ids,omitempty"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Edge is a typed relation between two nodes
type Edge struct {
	ID         string   `json:"id"`
	From       string   `json:"from"`
	To         string   `json:"to"`
	Relation   Relation `json:"relation"`
	Confidence float64  `json:"confidence"`
}

// ContradictionAlert surfaces incompatible claims about one entity for a human to resolve
type ContradictionAlert struct {
	ID                       string            `json:"id"`
	EntityID                 string            `json:"entity_id"`
	EntityType               EntityType        `json:"entity_type"`
	EntityName               string            `json:"entity_name"`
	Claims                   []Claim           `json:"claims"`
	Verdict                  Verdict           `json:"verdict"`
	Severity                 Severity          `json:"severity"`
	Urgency                  Urgency           `json:"urgency"`
	Description              string            `json:"description,omitempty"`
	TemporalAnalysis         string            `json:"temporal_analysis,omitempty"`
	RecommendedAction        RecommendedAction `json:"recommended_action"`
	RecommendedActionDetails string            `json:"recommended_action_details,omitempty"`
	CreatedAt                time.Time         `json:"created_at"`
	Resolved                 bool              `json:"resolved"`
	Resolution               string            `json:"resolution,omitempty"`
	ResolvedBy               string            `json:"resolved_by,omitempty"`
	ResolvedAt               *time.Time        `json:"resolved_at,omitempty"`
}

// Covers reports whether the alert already references both claims of the pair
func (a ContradictionAlert) Covers(p ClaimPair) bool {
	var hasA, hasB bool
	for _, c := range a.Claims {
		if c.ID == p.A {
			hasA = true
		}
		if c.ID == p.B {
			hasB = true
		}
	}
	return hasA && hasB
}

// Tradeoff describes what a recommended action costs elsewhere
type Tradeoff struct {
	Impact             string   `json:"impact"`
	AffectedIncidents  []string `json:"affected_incidents,omitempty"`
	AffectedConfidence *float64 `json:"affected_confidence,omitempty"`
	WorstCase          string   `json:"worst_case,omitempty"`
}

// ActionRecommendation is a proposed resource commitment awaiting a human decision
type ActionRecommendation struct {
	ID                  string       `json:"id"`
	ActionType          string       `json:"action_type"`
	TargetIncidentID    string       `json:"target_incident_id,omitempty"`
	TargetPosition      *Position    `json:"target_position,omitempty"`
	TargetSector        string       `json:"target_sector,omitempty"`
	ResourcesToAllocate []string     `json:"resources_to_allocate"`
	Rationale           string       `json:"rationale"`
	SupportingFactors   []string     `json:"supporting_factors,omitempty"`
	Tradeoffs           []Tradeoff   `json:"tradeoffs,omitempty"`
	UncertaintyFactors  []string     `json:"uncertainty_factors,omitempty"`
	Confidence          float64      `json:"confidence"`
	DecisionDeadline    time.Time    `json:"decision_deadline"`
	TimeSensitivity     Urgency      `json:"time_sensitivity"`
	Status              ActionStatus `json:"status"`
	CreatedAt           time.Time    `json:"created_at"`
	DecidedAt           *time.Time   `json:"decided_at,omitempty"`
	DecidedBy           string       `json:"decided_by,omitempty"`
	DecisionReason      string       `json:"decision_reason,omitempty"`
}

// Snapshot is an independent copy of the whole situation graph
type Snapshot struct {
	Incidents         map[string]Incident             `json:"incidents"`
	Resources         map[string]Resource             `json:"resources"`
	Locations         map[string]Location             `json:"locations"`
	Edges             []Edge                          `json:"edges"`
	Contradictions    map[string]ContradictionAlert   `json:"contradictions"`
	Actions           map[string]ActionRecommendation `json:"pending_actions"`
	Plans             map[string]AllocationPlan       `json:"allocation_plans"`
	Camps             map[string]CampRecommendation   `json:"camps"`
	ScenarioID        string                          `json:"scenario_id,omitempty"`
	ScenarioName      string                          `json:"scenario_name,omitempty"`
	ScenarioStartTime *time.Time                      `json:"scenario_start_time,omitempty"`
	CurrentSimTime    *time.Time                      `json:"current_sim_time,omitempty"`
	LastUpdated       time.Time                       `json:"last_updated"`
	Version           uint64                          `json:"version"`
}

// Stats summarizes the graph for dashboards
type Stats struct {
	ActiveIncidents     int `json:"active_incidents"`
	RespondingIncidents int `json:"responding_incidents"`
	TotalIncidents      int `json:"total_incidents"`
	AvailableResources  int `json:"available_resources"`
	DeployedResources   int `json:"deployed_resources"`
	TotalResources      int `json:"total_resources"`
	OpenContradictions  int `json:"open_contradictions"`
	PendingActions      int `json:"pending_actions"`
	PendingPlans        int `json:"pending_plans"`
	PendingCamps        int `json:"pending_camps"`
	Locations           int `json:"locations"`
}

// Event is one message on the broadcast stream
type Event struct {
	Type      EventType `json:"type"`
	Payload   any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
	Version   uint64    `json:"version"` // Graph version the event was produced at
}
