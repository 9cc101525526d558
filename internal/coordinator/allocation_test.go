package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ppiankov/crisisgraph/internal/graph"
	"github.com/ppiankov/crisisgraph/internal/model"
)

func TestGeneratePlan_ApproveDispatches(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	if _, err := f.c.GeneratePlan(ctx); !errors.Is(err, ErrNothingToPlan) {
		t.Fatalf("empty graph: expected ErrNothingToPlan, got %v", err)
	}

	f.seedUnits(t, "SAR-1", "AMB-1")
	if _, err := f.g.UpsertIncident(model.Incident{
		ID: "inc_1", Kind: "structural_collapse", Position: model.Position{Lat: 37.78, Lng: -122.41, Sector: "2"},
		DamageLevel: model.DamageSevere, Urgency: model.UrgencyCritical, Confidence: 0.8,
		Trapped: &model.Range{Min: 2, Max: 4},
	}); err != nil {
		t.Fatal(err)
	}

	sub := f.c.Subscribe()
	defer f.c.Unsubscribe(sub)
	<-sub.Events() // initial_state

	p, err := f.c.GeneratePlan(ctx)
	if err != nil {
		t.Fatalf("GeneratePlan: %v", err)
	}
	if len(p.Plan.Assignments) != 2 || len(p.Camps) < 2 {
		t.Fatalf("unexpected proposal: %+v", p)
	}
	if want := start.Add(15 * time.Minute); !p.Plan.DecisionDeadline.Equal(want) {
		t.Errorf("deadline = %v, want %v", p.Plan.DecisionDeadline, want)
	}
	if _, err := f.c.GeneratePlan(ctx); !errors.Is(err, graph.ErrPendingExists) {
		t.Errorf("second plan: expected ErrPendingExists, got %v", err)
	}

	if _, err := f.c.DecidePlan(p.Plan.ID, "maybe", "ops-1", ""); !errors.Is(err, ErrInvalidDecision) {
		t.Errorf("expected ErrInvalidDecision, got %v", err)
	}
	decided, err := f.c.DecidePlan(p.Plan.ID, "approve", "ops-1", "go")
	if err != nil {
		t.Fatal(err)
	}
	if decided.Status != model.ActionApproved {
		t.Errorf("status = %s", decided.Status)
	}
	for _, id := range []string{"SAR-1", "AMB-1"} {
		if res, _ := f.g.Resource(id); res.AssignedIncidentID != "inc_1" {
			t.Errorf("%s not dispatched: %+v", id, res)
		}
	}

	seen := map[model.EventType]int{}
	decisions := map[string]int{}
	for done := false; !done; {
		select {
		case ev := <-sub.Events():
			seen[ev.Type]++
			if d, ok := ev.Payload.(DecisionMade); ok {
				decisions[d.Subject]++
			}
		default:
			done = true
		}
	}
	if seen[model.EventAllocationPlan] != 1 || seen[model.EventCampRecommendation] != len(p.Camps) {
		t.Errorf("proposal events: %v", seen)
	}
	if decisions["plan"] != 1 || decisions["camp"] != len(p.Camps) || seen[model.EventResourceUpdate] != 2 {
		t.Errorf("decision events: %v, events: %v", decisions, seen)
	}
}

func TestSweep_ExpiresPlans(t *testing.T) {
	f := newFixture(t, nil)
	f.seedUnits(t, "AMB-1")
	if _, err := f.g.UpsertIncident(model.Incident{
		Kind: "medical", DamageLevel: model.DamageMinor, Urgency: model.UrgencyMedium, Confidence: 0.5,
		Injured: &model.Range{Min: 1, Max: 3},
	}); err != nil {
		t.Fatal(err)
	}
	p, err := f.c.GeneratePlan(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	f.clock.Advance(16 * time.Minute)
	f.c.Sweep(context.Background())

	got, _ := f.g.Plan(p.Plan.ID)
	if got.Status != model.ActionExpired {
		t.Errorf("plan status = %s, want expired", got.Status)
	}
	if st := f.g.Stats(); st.PendingPlans != 0 || st.PendingCamps != 0 {
		t.Errorf("stats after expiry = %+v", st)
	}
	if _, err := f.c.DecideCamp(p.Camps[0].ID, "approve", "ops-1", ""); !errors.Is(err, graph.ErrAlreadyDecided) {
		t.Errorf("expected ErrAlreadyDecided, got %v", err)
	}
}
