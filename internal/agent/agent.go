// Package agent wraps the model backend behind one contract: every call
// returns a decoded, validated Output, falling back to deterministic
// heuristics when the backend is missing, slow or produces garbage.
package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/ppiankov/crisisgraph/internal/model"
)

// Kind names an agent
type Kind string

const (
	KindVision       Kind = "vision"
	KindAudio        Kind = "audio"
	KindText         Kind = "text"
	KindVerification Kind = "verification"
	KindPlanning     Kind = "planning"
	KindAllocation   Kind = "allocation"
)

// Valid reports whether k is a known agent kind
func (k Kind) Valid() bool {
	switch k {
	case KindVision, KindAudio, KindText, KindVerification, KindPlanning, KindAllocation:
		return true
	}
	return false
}

// Perception reports whether the kind interprets a raw signal
func (k Kind) Perception() bool {
	return k == KindVision || k == KindAudio || k == KindText
}

// AgentName is the name reported in outputs and metrics
func (k Kind) AgentName() string {
	return string(k) + "_agent"
}

// Input is everything an agent may reason over. Perception agents read
// Content and Metadata; verification reads Claims; planning reads Target,
// Incidents and Resources; allocation reads Incidents, Resources and Locations.
type Input struct {
	SignalID  string
	Content   string
	Metadata  map[string]string
	Timestamp time.Time

	Entity    string
	Claims    []model.Claim
	Target    *model.Incident
	Incidents []model.Incident
	Resources []model.Resource
	Locations []model.Location
}

// Meta returns a metadata value, or "" when absent
func (in Input) Meta(key string) string {
	if in.Metadata == nil {
		return ""
	}
	return strings.TrimSpace(in.Metadata[key])
}

// Output is the uniform result of an agent call
type Output struct {
	AgentName   string    `json:"agent_name"`
	Kind        Kind      `json:"kind"`
	OutputType  string    `json:"output_type"`
	Data        Payload   `json:"data"`
	Confidence  float64   `json:"confidence"`
	SourceRefs  []string  `json:"source_refs,omitempty"`
	Reasoning   string    `json:"reasoning,omitempty"`
	Limitations []string  `json:"limitations,omitempty"`
	Fallback    bool      `json:"fallback"`
	Timestamp   time.Time `json:"timestamp"`
}

// Damage returns the vision payload
func (o Output) Damage() (*DamageAssessment, bool) {
	p, ok := o.Data.(*DamageAssessment)
	return p, ok
}

// Audio returns the audio payload
func (o Output) Audio() (*AudioAnalysis, bool) {
	p, ok := o.Data.(*AudioAnalysis)
	return p, ok
}

// Text returns the text payload
func (o Output) Text() (*TextAnalysis, bool) {
	p, ok := o.Data.(*TextAnalysis)
	return p, ok
}

// Verification returns the verification payload
func (o Output) Verification() (*Verification, bool) {
	p, ok := o.Data.(*Verification)
	return p, ok
}

// Plan returns the planning payload
func (o Output) Plan() (*ActionPlan, bool) {
	p, ok := o.Data.(*ActionPlan)
	return p, ok
}

// Allocation returns the allocation payload
func (o Output) Allocation() (*AllocationProposal, bool) {
	p, ok := o.Data.(*AllocationProposal)
	return p, ok
}

// Payload is the kind-specific part of an Output
type Payload interface {
	OutputType() string
	validate() error
}

func newPayload(kind Kind) (Payload, error) {
	switch kind {
	case KindVision:
		return &DamageAssessment{}, nil
	case KindAudio:
		return &AudioAnalysis{}, nil
	case KindText:
		return &TextAnalysis{}, nil
	case KindVerification:
		return &Verification{}, nil
	case KindPlanning:
		return &ActionPlan{}, nil
	case KindAllocation:
		return &AllocationProposal{}, nil
	}
	return nil, fmt.Errorf("unknown agent kind %q", kind)
}

// DamageAssessment is the vision agent's reading of an image
type DamageAssessment struct {
	IncidentKind  string              `json:"incident_kind"`
	DamageLevel   model.DamageLevel   `json:"damage_level"`
	Entity        string              `json:"entity,omitempty"`
	Status        string              `json:"status,omitempty"` // Claim value for the entity, e.g. "collapsed"
	Accessibility model.Accessibility `json:"accessibility,omitempty"`
	Hazards       []string            `json:"hazards,omitempty"`
	Trapped       *model.Range        `json:"trapped_estimate,omitempty"`
	Sector        string              `json:"sector,omitempty"`
	Summary       string              `json:"summary,omitempty"`
}

func (*DamageAssessment) OutputType() string { return "damage_assessment" }

func (d *DamageAssessment) validate() error {
	d.DamageLevel = model.DamageLevel(normalize(string(d.DamageLevel)))
	if !d.DamageLevel.Valid() {
		return fmt.Errorf("damage_level %q", d.DamageLevel)
	}
	d.Accessibility = model.Accessibility(normalize(string(d.Accessibility)))
	if d.Accessibility != "" && !d.Accessibility.Valid() {
		return fmt.Errorf("accessibility %q", d.Accessibility)
	}
	if d.IncidentKind == "" {
		d.IncidentKind = "structural_damage"
	}
	d.Status = normalize(d.Status)
	return validRange("trapped_estimate", d.Trapped)
}

// AudioAnalysis is the audio agent's reading of a call or radio transcript
type AudioAnalysis struct {
	Transcript   string        `json:"transcript,omitempty"`
	IncidentKind string        `json:"incident_kind"`
	Urgency      model.Urgency `json:"urgency"`
	Trapped      *model.Range  `json:"trapped_estimate,omitempty"`
	Injured      *model.Range  `json:"injured_estimate,omitempty"`
	Hazards      []string      `json:"hazards,omitempty"`
	Entity       string        `json:"entity,omitempty"`
	Status       string        `json:"status,omitempty"`
	Sector       string        `json:"sector,omitempty"`
}

func (*AudioAnalysis) OutputType() string { return "audio_analysis" }

func (a *AudioAnalysis) validate() error {
	a.Urgency = model.Urgency(normalize(string(a.Urgency)))
	if !a.Urgency.Valid() {
		return fmt.Errorf("urgency %q", a.Urgency)
	}
	if a.IncidentKind == "" {
		a.IncidentKind = "emergency_call"
	}
	a.Status = normalize(a.Status)
	if err := validRange("trapped_estimate", a.Trapped); err != nil {
		return err
	}
	return validRange("injured_estimate", a.Injured)
}

// ExtractedClaim is a claim as read from free text, before it is tied to a source
type ExtractedClaim struct {
	Dimension model.ClaimDimension `json:"dimension"`
	Value     string               `json:"value"`
	Text      string               `json:"text,omitempty"`
}

// TextAnalysis is the text agent's reading of a report or social post
type TextAnalysis struct {
	Entity      string           `json:"entity"`
	EntityKind  string           `json:"entity_kind,omitempty"` // bridge, hospital, ...
	Claims      []ExtractedClaim `json:"claims"`
	Credibility float64          `json:"credibility"`
	Sector      string           `json:"sector,omitempty"`
}

func (*TextAnalysis) OutputType() string { return "text_analysis" }

func (t *TextAnalysis) validate() error {
	if t.Credibility < 0 || t.Credibility > 1 {
		return fmt.Errorf("credibility %v outside [0,1]", t.Credibility)
	}
	for i := range t.Claims {
		c := &t.Claims[i]
		c.Dimension = model.ClaimDimension(normalize(string(c.Dimension)))
		if !c.Dimension.Valid() {
			return fmt.Errorf("claims[%d].dimension %q", i, c.Dimension)
		}
		c.Value = normalize(c.Value)
		if c.Value == "" {
			return fmt.Errorf("claims[%d].value empty", i)
		}
	}
	if len(t.Claims) > 0 && strings.TrimSpace(t.Entity) == "" {
		return fmt.Errorf("claims without entity")
	}
	return nil
}

// Verification is the verification agent's judgment over a claim set
type Verification struct {
	Verdict                  model.Verdict           `json:"verdict"`
	Severity                 model.Severity          `json:"severity"`
	Urgency                  model.Urgency           `json:"urgency"`
	Description              string                  `json:"description,omitempty"`
	TemporalAnalysis         string                  `json:"temporal_analysis,omitempty"`
	RecommendedAction        model.RecommendedAction `json:"recommended_action"`
	RecommendedActionDetails string                  `json:"recommended_action_details,omitempty"`
}

func (*Verification) OutputType() string { return "verification" }

func (v *Verification) validate() error {
	v.Verdict = model.Verdict(normalize(string(v.Verdict)))
	if !v.Verdict.Valid() {
		return fmt.Errorf("verdict %q", v.Verdict)
	}
	v.Severity = model.Severity(normalize(string(v.Severity)))
	if v.Severity == "" {
		v.Severity = model.SeverityMedium
	}
	if !v.Severity.Valid() {
		return fmt.Errorf("severity %q", v.Severity)
	}
	v.Urgency = model.Urgency(normalize(string(v.Urgency)))
	if v.Urgency == "" {
		v.Urgency = model.UrgencyMedium
	}
	if !v.Urgency.Valid() {
		return fmt.Errorf("urgency %q", v.Urgency)
	}
	v.RecommendedAction = model.RecommendedAction(normalize(string(v.RecommendedAction)))
	if v.RecommendedAction == "" {
		v.RecommendedAction = model.ActionFlagForHuman
	}
	if !v.RecommendedAction.Valid() {
		return fmt.Errorf("recommended_action %q", v.RecommendedAction)
	}
	return nil
}

// ActionPlan is the planning agent's proposal for one incident
type ActionPlan struct {
	ActionType         string           `json:"action_type"`
	Resources          []string         `json:"resources_to_allocate"`
	Rationale          string           `json:"rationale"`
	SupportingFactors  []string         `json:"supporting_factors,omitempty"`
	Tradeoffs          []model.Tradeoff `json:"tradeoffs,omitempty"`
	UncertaintyFactors []string         `json:"uncertainty_factors,omitempty"`
	TimeSensitivity    model.Urgency    `json:"time_sensitivity"`
}

func (*ActionPlan) OutputType() string { return "action_plan" }

func (p *ActionPlan) validate() error {
	if p.ActionType == "" {
		p.ActionType = "dispatch"
	}
	if len(p.Resources) == 0 {
		return fmt.Errorf("resources_to_allocate empty")
	}
	p.TimeSensitivity = model.Urgency(normalize(string(p.TimeSensitivity)))
	if p.TimeSensitivity == "" {
		p.TimeSensitivity = model.UrgencyHigh
	}
	if !p.TimeSensitivity.Valid() {
		return fmt.Errorf("time_sensitivity %q", p.TimeSensitivity)
	}
	for i, t := range p.Tradeoffs {
		if c := t.AffectedConfidence; c != nil && (*c < 0 || *c > 1) {
			return fmt.Errorf("tradeoffs[%d].affected_confidence %v outside [0,1]", i, *c)
		}
	}
	return nil
}

// AllocationProposal is the allocation agent's situation-wide plan
type AllocationProposal struct {
	Assignments    []model.ResourceAssignment `json:"assignments"`
	Camps          []model.CampRecommendation `json:"camps"`
	KeyAssumptions []string                   `json:"key_assumptions,omitempty"`
	Rationale      string                     `json:"rationale,omitempty"`
}

func (*AllocationProposal) OutputType() string { return "allocation_plan" }

func (a *AllocationProposal) validate() error {
	if len(a.Assignments) == 0 && len(a.Camps) == 0 {
		return fmt.Errorf("no assignments and no camps")
	}
	for i, as := range a.Assignments {
		if as.ResourceID == "" || as.TargetIncidentID == "" {
			return fmt.Errorf("assignments[%d] needs resource_id and target_incident_id", i)
		}
		if as.Priority < 0 {
			return fmt.Errorf("assignments[%d].priority %d", i, as.Priority)
		}
	}
	for i := range a.Camps {
		c := &a.Camps[i]
		c.Type = model.CampType(normalize(string(c.Type)))
		if !c.Type.Valid() {
			return fmt.Errorf("camps[%d].camp_type %q", i, c.Type)
		}
		if strings.TrimSpace(c.Name) == "" {
			return fmt.Errorf("camps[%d].name empty", i)
		}
		if c.CapacityPersons < 0 {
			return fmt.Errorf("camps[%d].capacity_persons %d", i, c.CapacityPersons)
		}
		if c.Confidence < 0 || c.Confidence > 1 {
			return fmt.Errorf("camps[%d].confidence %v outside [0,1]", i, c.Confidence)
		}
	}
	return nil
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func validRange(field string, r *model.Range) error {
	if r != nil && (r.Min < 0 || r.Max < r.Min) {
		return fmt.Errorf("%s %d..%d", field, r.Min, r.Max)
	}
	return nil
}
