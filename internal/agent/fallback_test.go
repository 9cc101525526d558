package agent

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ppiankov/crisisgraph/internal/model"
)

func TestFallbackVision_DamageKeywords(t *testing.T) {
	tests := []struct {
		content string
		want    model.DamageLevel
	}{
		{"Bridge appears intact, traffic moving", model.DamageNone},
		{"Entire block flattened", model.DamageCatastrophic},
		{"Parking structure collapsed", model.DamageSevere},
		{"Warehouse fire, roof burning", model.DamageModerate},
		{"Minor debris on the sidewalk", model.DamageMinor},
		{"Aerial photo of downtown", model.DamageModerate},
	}

	for _, tt := range tests {
		t.Run(tt.content, func(t *testing.T) {
			p, _, _ := fallbackVision(Input{Content: tt.content})
			if got := p.(*DamageAssessment).DamageLevel; got != tt.want {
				t.Errorf("damage = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestFallbackVision_NamedEntityGetsStatus(t *testing.T) {
	p, _, _ := fallbackVision(Input{
		Content:  "Satellite pass shows the bridge deck collapsed into the river",
		Metadata: map[string]string{"entity": "Main Street Bridge"},
	})
	d := p.(*DamageAssessment)
	if d.Entity != "Main Street Bridge" || d.Status != "collapsed" || d.Accessibility != model.Blocked {
		t.Errorf("unexpected assessment: %+v", d)
	}
}

func TestFallbackAudio(t *testing.T) {
	p, conf, _ := fallbackAudio(Input{Content: "Please help, 4 people trapped under the stairs and 2 injured, I smell gas leak"})
	a := p.(*AudioAnalysis)

	want := &AudioAnalysis{
		Transcript:   "Please help, 4 people trapped under the stairs and 2 injured, I smell gas leak",
		IncidentKind: "structural_collapse",
		Urgency:      model.UrgencyCritical,
		Trapped:      &model.Range{Min: 4, Max: 4},
		Injured:      &model.Range{Min: 2, Max: 2},
		Hazards:      []string{"gas_leak"},
	}
	if diff := cmp.Diff(want, a); diff != "" {
		t.Errorf("audio fallback mismatch (-want +got):\n%s", diff)
	}
	if conf != 0.5 {
		t.Errorf("confidence = %v", conf)
	}
}

func TestFallbackText_CredibilityBySource(t *testing.T) {
	tests := []struct {
		sourceType string
		want       float64
	}{
		{"official", 0.85},
		{"News", 0.65},
		{"social", 0.4},
		{"", 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.sourceType, func(t *testing.T) {
			p, conf, _ := fallbackText(Input{
				Content:  "St Mary's Hospital is operational and accepting patients",
				Metadata: map[string]string{"source_type": tt.sourceType},
			})
			ta := p.(*TextAnalysis)
			if ta.Credibility != tt.want || conf != tt.want {
				t.Errorf("credibility = %v / %v, want %v", ta.Credibility, conf, tt.want)
			}
			if ta.Entity != "St Mary's Hospital" || ta.EntityKind != "hospital" {
				t.Errorf("entity = %q (%s)", ta.Entity, ta.EntityKind)
			}
			if len(ta.Claims) != 1 || ta.Claims[0].Value != "intact" {
				t.Errorf("claims = %+v", ta.Claims)
			}
		})
	}
}

func TestFallbackVerification(t *testing.T) {
	t0 := time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)
	collapsed := model.Claim{ID: "c1", Source: "tw-1", Dimension: model.DimensionStatus, Value: "collapsed", Confidence: 0.4, Timestamp: t0}
	intact := model.Claim{ID: "c2", Source: "img-1", Dimension: model.DimensionStatus, Value: "intact", Confidence: 0.8, Timestamp: t0.Add(90 * time.Second)}

	p, _, _ := fallbackVerification(Input{Entity: "Main Street Bridge", Claims: []model.Claim{collapsed, intact}})
	v := p.(*Verification)
	if v.Verdict != model.VerdictContradiction || v.Severity != model.SeverityHigh || v.RecommendedAction != model.ActionFlagForHuman {
		t.Errorf("unexpected verification: %+v", v)
	}
	if v.TemporalAnalysis != "claims span 1m30s" {
		t.Errorf("temporal analysis = %q", v.TemporalAnalysis)
	}

	p, _, _ = fallbackVerification(Input{Claims: []model.Claim{intact, {ID: "c3", Dimension: model.DimensionStatus, Value: "Intact"}}})
	if v := p.(*Verification); v.Verdict != model.VerdictConsistent {
		t.Errorf("agreeing claims judged %s", v.Verdict)
	}
}

func TestFallbackPlanning_PrefersKindThenDistance(t *testing.T) {
	site := model.Position{Lat: 37.790, Lng: -122.402, Sector: "1"}
	far := model.Position{Lat: 37.755, Lng: -122.415, Sector: "5"}
	target := model.Incident{
		ID: "inc_1", Kind: "structural_collapse", Position: site,
		Urgency: model.UrgencyCritical, Confidence: 0.5, Status: model.IncidentActive,
	}
	resources := []model.Resource{
		{ID: "AMB-1", Kind: "ambulance", Position: site, Status: model.ResourceAvailable},
		{ID: "SAR-2", Kind: "sar", Position: far, Status: model.ResourceAvailable},
		{ID: "SAR-1", Kind: "sar", Position: site, Status: model.ResourceAvailable},
		{ID: "SAR-3", Kind: "sar", Position: site, Status: model.ResourceDispatched, AssignedIncidentID: "inc_0"},
		{ID: "ENGINE-1", Kind: "engine", Position: site, Status: model.ResourceAvailable},
	}
	other := model.Incident{ID: "inc_2", Urgency: model.UrgencyHigh, Status: model.IncidentActive}

	p, _, _ := fallbackPlanning(Input{Target: &target, Resources: resources, Incidents: []model.Incident{target, other}})
	plan := p.(*ActionPlan)

	if diff := cmp.Diff([]string{"SAR-1", "SAR-2", "AMB-1"}, plan.Resources); diff != "" {
		t.Errorf("resource choice (-want +got):\n%s", diff)
	}
	if plan.TimeSensitivity != model.UrgencyCritical {
		t.Errorf("time sensitivity = %s", plan.TimeSensitivity)
	}
	if len(plan.UncertaintyFactors) == 0 {
		t.Error("low confidence target should be flagged as uncertain")
	}
	if len(plan.Tradeoffs) != 1 || plan.Tradeoffs[0].AffectedIncidents[0] != "inc_2" {
		t.Errorf("tradeoffs = %+v", plan.Tradeoffs)
	}

	target.Urgency = model.UrgencyHigh
	p, _, _ = fallbackPlanning(Input{Target: &target, Resources: resources})
	if n := len(p.(*ActionPlan).Resources); n != 2 {
		t.Errorf("high urgency allocates %d units, want 2", n)
	}
}

func TestFallbackAllocation(t *testing.T) {
	site := model.Position{Lat: 37.790, Lng: -122.402, Sector: "1"}
	far := model.Position{Lat: 37.755, Lng: -122.415, Sector: "5"}
	incidents := []model.Incident{
		{ID: "inc_2", Kind: "fire", Position: far, Urgency: model.UrgencyHigh, Confidence: 0.7, DamageLevel: model.DamageModerate},
		{ID: "inc_1", Kind: "structural_collapse", Position: site, Urgency: model.UrgencyCritical, Confidence: 0.8,
			DamageLevel: model.DamageSevere, Trapped: &model.Range{Min: 4, Max: 7}},
	}
	resources := []model.Resource{
		{ID: "AMB-1", Kind: "ambulance", Position: site, Status: model.ResourceAvailable},
		{ID: "ENG-1", Kind: "engine", Position: far, Status: model.ResourceAvailable},
		{ID: "SAR-1", Kind: "sar", Position: site, Status: model.ResourceAvailable},
		{ID: "AMB-2", Kind: "ambulance", Position: site, Status: model.ResourceOffline},
	}
	capacity := func(n int) *int { return &n }
	locations := []model.Location{
		{ID: "loc_general", Name: "General Hospital", Kind: "hospital", Position: far,
			CapacityTotal: capacity(200), CapacityUsed: capacity(150), Status: model.LocationOperational, Accessibility: model.Accessible},
		{ID: "loc_mercy", Name: "Mercy Hospital", Kind: "hospital", Position: site,
			CapacityTotal: capacity(100), CapacityUsed: capacity(10), Status: model.LocationOperational, Accessibility: model.Blocked},
		{ID: "loc_bridge", Name: "Main Street Bridge", Kind: "bridge", Position: site},
	}

	g := newTestGateway(nil, testConfig())
	out := g.Invoke(context.Background(), KindAllocation, Input{Incidents: incidents, Resources: resources, Locations: locations})
	if !out.Fallback || out.OutputType != "allocation_plan" {
		t.Fatalf("unexpected output: %+v", out)
	}
	p, ok := out.Allocation()
	if !ok {
		t.Fatalf("payload is %T", out.Data)
	}

	type pair struct{ Resource, Incident string }
	var got []pair
	for i, a := range p.Assignments {
		got = append(got, pair{a.ResourceID, a.TargetIncidentID})
		if a.Priority != i+1 || a.ETAMinutes == nil || *a.ETAMinutes < 1 {
			t.Errorf("assignment %d: priority=%d eta=%v", i, a.Priority, a.ETAMinutes)
		}
	}
	want := []pair{{"SAR-1", "inc_1"}, {"ENG-1", "inc_2"}, {"AMB-1", "inc_1"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("assignments (-want +got):\n%s", diff)
	}

	var types []model.CampType
	for _, c := range p.Camps {
		types = append(types, c.Type)
		if c.CapacityPersons <= 0 || c.Confidence <= 0 || c.Confidence > 1 {
			t.Errorf("camp %q: capacity=%d confidence=%v", c.Name, c.CapacityPersons, c.Confidence)
		}
	}
	if diff := cmp.Diff([]model.CampType{model.CampRelief, model.CampRescueStaging, model.CampMedicalTriage}, types); diff != "" {
		t.Fatalf("camp types (-want +got):\n%s", diff)
	}
	if triage := p.Camps[2]; triage.Name != "Triage at General Hospital" || triage.CapacityPersons != 50 {
		t.Errorf("triage should use the reachable hospital with spare beds: %+v", triage)
	}
}
