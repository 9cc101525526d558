package model

// DamageLevel is the ordered damage scale reported by perception agents
type DamageLevel string

const (
	DamageNone         DamageLevel = "none"
	DamageMinor        DamageLevel = "minor"
	DamageModerate     DamageLevel = "moderate"
	DamageSevere       DamageLevel = "severe"
	DamageCatastrophic DamageLevel = "catastrophic"
)

var damageRank = map[DamageLevel]int{
	DamageNone:         0,
	DamageMinor:        1,
	DamageModerate:     2,
	DamageSevere:       3,
	DamageCatastrophic: 4,
}

// Valid reports whether d is a known damage level
func (d DamageLevel) Valid() bool {
	_, ok := damageRank[d]
	return ok
}

// Rank returns the position of d on the damage scale (-1 if unknown)
func (d DamageLevel) Rank() int {
	if r, ok := damageRank[d]; ok {
		return r
	}
	return -1
}

// Urgency maps damage to response priority: catastrophic and severe are
// critical, moderate is high, minor is medium, none is low.
func (d DamageLevel) Urgency() Urgency {
	switch d {
	case DamageCatastrophic, DamageSevere:
		return UrgencyCritical
	case DamageModerate:
		return UrgencyHigh
	case DamageMinor:
		return UrgencyMedium
	default:
		return UrgencyLow
	}
}

// Urgency is the ordered response priority
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

var urgencyRank = map[Urgency]int{
	UrgencyLow:      0,
	UrgencyMedium:   1,
	UrgencyHigh:     2,
	UrgencyCritical: 3,
}

// Valid reports whether u is a known urgency
func (u Urgency) Valid() bool {
	_, ok := urgencyRank[u]
	return ok
}

// Rank returns the position of u on the urgency scale (-1 if unknown)
func (u Urgency) Rank() int {
	if r, ok := urgencyRank[u]; ok {
		return r
	}
	return -1
}

// IncidentStatus tracks an incident through response
type IncidentStatus string

const (
	IncidentActive     IncidentStatus = "active"
	IncidentResponding IncidentStatus = "responding"
	IncidentContained  IncidentStatus = "contained"
	IncidentResolved   IncidentStatus = "resolved"
)

// Valid reports whether s is a known incident status
func (s IncidentStatus) Valid() bool {
	switch s {
	case IncidentActive, IncidentResponding, IncidentContained, IncidentResolved:
		return true
	}
	return false
}

// ResourceStatus tracks a response unit
type ResourceStatus string

const (
	ResourceAvailable  ResourceStatus = "available"
	ResourceDispatched ResourceStatus = "dispatched"
	ResourceOnScene    ResourceStatus = "on_scene"
	ResourceReturning  ResourceStatus = "returning"
	ResourceOffline    ResourceStatus = "offline"
)

// Valid reports whether s is a known resource status
func (s ResourceStatus) Valid() bool {
	switch s {
	case ResourceAvailable, ResourceDispatched, ResourceOnScene, ResourceReturning, ResourceOffline:
		return true
	}
	return false
}

// Assigned reports whether a resource in this status must carry an incident assignment
func (s ResourceStatus) Assigned() bool {
	return s == ResourceDispatched || s == ResourceOnScene
}

// LocationStatus is the operational state of a facility or landmark
type LocationStatus string

const (
	LocationOperational LocationStatus = "operational"
	LocationDamaged     LocationStatus = "damaged"
	LocationDestroyed   LocationStatus = "destroyed"
	LocationUnknown     LocationStatus = "unknown"
)

// Valid reports whether s is a known location status
func (s LocationStatus) Valid() bool {
	switch s {
	case LocationOperational, LocationDamaged, LocationDestroyed, LocationUnknown:
		return true
	}
	return false
}

// Accessibility describes whether responders can reach a site
type Accessibility string

const (
	Accessible       Accessibility = "accessible"
	PartiallyBlocked Accessibility = "partially_blocked"
	Blocked          Accessibility = "blocked"
	Hazardous        Accessibility = "hazardous"
	AccessUnknown    Accessibility = "unknown"
)

// Valid reports whether a is a known accessibility value
func (a Accessibility) Valid() bool {
	switch a {
	case Accessible, PartiallyBlocked, Blocked, Hazardous, AccessUnknown:
		return true
	}
	return false
}

// Relation is the closed edge vocabulary
type Relation string

const (
	RelLocatedAt        Relation = "located_at"
	RelAssignedTo       Relation = "assigned_to"
	RelBlocksAccessTo   Relation = "blocks_access_to"
	RelCausedBy         Relation = "caused_by"
	RelRequiresResource Relation = "requires_resource"
	RelEvacuateTo       Relation = "evacuate_to"
)

// Valid reports whether r is a known relation
func (r Relation) Valid() bool {
	switch r {
	case RelLocatedAt, RelAssignedTo, RelBlocksAccessTo, RelCausedBy, RelRequiresResource, RelEvacuateTo:
		return true
	}
	return false
}

// Verdict is the verification agent's judgment over a claim set
type Verdict string

const (
	VerdictConsistent    Verdict = "consistent"
	VerdictContradiction Verdict = "contradiction"
	VerdictUncertain     Verdict = "uncertain"
	VerdictTemporalGap   Verdict = "temporal_gap"
)

// Valid reports whether v is a known verdict
func (v Verdict) Valid() bool {
	switch v {
	case VerdictConsistent, VerdictContradiction, VerdictUncertain, VerdictTemporalGap:
		return true
	}
	return false
}

// Severity grades a contradiction
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Valid reports whether s is a known severity
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return true
	}
	return false
}

// RecommendedAction is what verification suggests a human do with an alert
type RecommendedAction string

const (
	ActionAccept              RecommendedAction = "accept"
	ActionFlagForHuman        RecommendedAction = "flag_for_human"
	ActionRequestVerification RecommendedAction = "request_verification"
	ActionWait                RecommendedAction = "wait"
)

// Valid reports whether a is a known recommended action
func (a RecommendedAction) Valid() bool {
	switch a {
	case ActionAccept, ActionFlagForHuman, ActionRequestVerification, ActionWait:
		return true
	}
	return false
}

// ActionStatus is the lifecycle of an action recommendation
type ActionStatus string

const (
	ActionPending  ActionStatus = "pending"
	ActionApproved ActionStatus = "approved"
	ActionRejected ActionStatus = "rejected"
	ActionExecuted ActionStatus = "executed"
	ActionExpired  ActionStatus = "expired"
)

// Valid reports whether s is a known action status
func (s ActionStatus) Valid() bool {
	switch s {
	case ActionPending, ActionApproved, ActionRejected, ActionExecuted, ActionExpired:
		return true
	}
	return false
}

// SourceType is the modality a piece of evidence arrived in
type SourceType string

const (
	SourceImage     SourceType = "image"
	SourceAudio     SourceType = "audio"
	SourceText      SourceType = "text"
	SourceDocument  SourceType = "document"
	SourceSatellite SourceType = "satellite"
)

// Valid reports whether s is a known source type
func (s SourceType) Valid() bool {
	switch s {
	case SourceImage, SourceAudio, SourceText, SourceDocument, SourceSatellite:
		return true
	}
	return false
}

// EntityType names the node kinds claims and alerts can refer to
type EntityType string

const (
	EntityIncident EntityType = "incident"
	EntityResource EntityType = "resource"
	EntityLocation EntityType = "location"
)

// EventType is the closed set of broadcast event kinds
type EventType string

const (
	EventInitialState         EventType = "initial_state"
	EventGraphUpdate          EventType = "graph_update"
	EventNewIncident          EventType = "new_incident"
	EventContradictionAlert   EventType = "contradiction_alert"
	EventActionRecommendation EventType = "action_recommendation"
	EventResourceUpdate       EventType = "resource_update"
	EventDecisionMade         EventType = "decision_made"
	EventSimStatus            EventType = "sim_status"
	EventAllocationPlan       EventType = "allocation_plan"
	EventCampRecommendation   EventType = "camp_recommendation"
)
