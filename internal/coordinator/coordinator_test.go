package coordinator

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/ppiankov/crisisgraph/internal/agent"
	"github.com/ppiankov/crisisgraph/internal/broadcast"
	"github.com/ppiankov/crisisgraph/internal/clock"
	"github.com/ppiankov/crisisgraph/internal/graph"
	"github.com/ppiankov/crisisgraph/internal/llm"
	"github.com/ppiankov/crisisgraph/internal/model"
)

func TestMain(m *testing.M) {
	// started at init by a transitive dependency
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

var start = time.Date(2024, 1, 15, 14, 0, 0, 0, time.UTC)

type fixture struct {
	c     *Coordinator
	g     *graph.Graph
	hub   *broadcast.Hub
	clock *clock.Fake
}

func newFixture(t *testing.T, provider llm.Provider) fixture {
	t.Helper()
	fc := clock.NewFake(start)
	g := graph.New(graph.Options{Clock: fc})
	cfg := model.DefaultConfig().Agent
	cfg.Timeout = 10 * time.Second
	cfg.MaxAttempts = 1
	cfg.RatePerSecond = 0
	gw := agent.NewGateway(agent.Options{Provider: provider, Config: cfg, Clock: fc})
	hub := broadcast.NewHub(256, nil, nil)

	c, err := New(g, gw, hub, Options{Clock: fc})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		c.Close()
		hub.Close()
	})
	return fixture{c: c, g: g, hub: hub, clock: fc}
}

func (f fixture) seedUnits(t *testing.T, ids ...string) {
	t.Helper()
	kinds := map[byte]string{'S': "sar", 'A': "ambulance", 'E': "engine"}
	for _, id := range ids {
		if _, err := f.g.UpsertResource(model.Resource{
			ID:       id,
			Kind:     kinds[id[0]],
			Position: model.Position{Lat: 37.78, Lng: -122.41, Sector: "2"},
		}); err != nil {
			t.Fatal(err)
		}
	}
}

func bridgeSignals() []Signal {
	return []Signal{
		{Kind: "text", Content: "OMG the Main Street Bridge collapsed, cars in the water", Metadata: map[string]string{
			"entity": "Main Street Bridge", "source_type": "social", "signal_id": "tw-1",
		}},
		{Kind: "image", Content: "Satellite pass over the river: bridge deck intact, no visible damage", Metadata: map[string]string{
			"entity": "Main Street Bridge", "source_type": "satellite", "signal_id": "sat-1",
			"timestamp": start.Add(-10 * time.Minute).Format(time.RFC3339),
		}},
	}
}

func TestProcessSignal_RoutingErrors(t *testing.T) {
	f := newFixture(t, nil)

	if _, err := f.c.ProcessSignal(context.Background(), "video", "drone feed", nil); !errors.Is(err, ErrUnsupportedSignal) {
		t.Errorf("video: expected ErrUnsupportedSignal, got %v", err)
	}
	if _, err := f.c.ProcessSignal(context.Background(), "text", "   ", nil); !errors.Is(err, ErrEmptySignal) {
		t.Errorf("blank text: expected ErrEmptySignal, got %v", err)
	}
	if v := f.g.Version(); v != 0 {
		t.Errorf("rejected signals mutated the graph (version %d)", v)
	}
}

func TestProcessSignal_ImageCreatesIncident(t *testing.T) {
	f := newFixture(t, nil)

	out, err := f.c.ProcessSignal(context.Background(), "image", "Apartment building collapse, people trapped under rubble", map[string]string{"sector": "3"})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Fallback || out.Kind != agent.KindVision {
		t.Fatalf("unexpected output: %+v", out)
	}

	snap := f.g.Snapshot()
	if len(snap.Incidents) != 1 {
		t.Fatalf("expected 1 incident, got %d", len(snap.Incidents))
	}
	for _, inc := range snap.Incidents {
		if inc.DamageLevel != model.DamageSevere || inc.Urgency != model.UrgencyCritical {
			t.Errorf("damage/urgency = %s/%s", inc.DamageLevel, inc.Urgency)
		}
		if inc.Position.Sector != "3" || len(inc.Sources) != 1 || inc.Sources[0].SourceType != model.SourceImage {
			t.Errorf("unexpected incident: %+v", inc)
		}
	}
}

func TestProcessBatch_ConcurrentContradictionAlertsOnce(t *testing.T) {
	for round := 0; round < 20; round++ {
		f := newFixture(t, nil)

		results := f.c.ProcessBatch(context.Background(), bridgeSignals())
		for i, r := range results {
			if r.Err != nil {
				t.Fatalf("round %d signal %d: %v", round, i, r.Err)
			}
		}

		snap := f.g.Snapshot()
		if len(snap.Contradictions) != 1 {
			t.Fatalf("round %d: expected exactly one alert, got %d", round, len(snap.Contradictions))
		}
		for _, a := range snap.Contradictions {
			var sources []string
			for _, cl := range a.Claims {
				sources = append(sources, cl.Source)
			}
			if len(sources) != 2 || a.EntityName != "Main Street Bridge" || a.Verdict != model.VerdictContradiction {
				t.Errorf("round %d: unexpected alert %+v", round, a)
			}
		}
		loc, ok := f.g.FindLocation("Main Street Bridge")
		if !ok || len(loc.ContradictionIDs) != 1 || len(loc.Claims) != 2 {
			t.Errorf("round %d: location = %+v", round, loc)
		}
	}
}

func TestResolveContradiction_ExactlyOnce(t *testing.T) {
	f := newFixture(t, nil)
	for _, s := range bridgeSignals() {
		if _, err := f.c.ProcessSignal(context.Background(), s.Kind, s.Content, s.Metadata); err != nil {
			t.Fatal(err)
		}
	}
	var alertID string
	for id := range f.g.Snapshot().Contradictions {
		alertID = id
	}
	if alertID == "" {
		t.Fatal("no alert raised")
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, already := 0, 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.c.ResolveContradiction(alertID, "satellite is older, dispatch a unit to check", "ops-1")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, graph.ErrAlreadyDecided):
				already++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 || already != 7 {
		t.Errorf("wins=%d already=%d", wins, already)
	}
}

func TestRecommendation_ApproveDispatches(t *testing.T) {
	f := newFixture(t, nil)
	f.seedUnits(t, "SAR-1", "AMB-1", "ENG-1")

	if _, err := f.c.ProcessSignal(context.Background(), "image", "Apartment block collapse, 4 people trapped", map[string]string{"sector": "2"}); err != nil {
		t.Fatal(err)
	}

	snap := f.g.Snapshot()
	if len(snap.Actions) != 1 {
		t.Fatalf("expected one recommendation, got %d", len(snap.Actions))
	}
	var action model.ActionRecommendation
	for _, a := range snap.Actions {
		action = a
	}
	if diff := cmp.Diff([]string{"SAR-1", "AMB-1", "ENG-1"}, action.ResourcesToAllocate); diff != "" {
		t.Errorf("resources (-want +got):\n%s", diff)
	}
	if want := start.Add(2 * time.Minute); !action.DecisionDeadline.Equal(want) {
		t.Errorf("deadline = %v, want %v", action.DecisionDeadline, want)
	}

	decided, err := f.c.DecideAction(action.ID, "approve", "ops-1", "go")
	if err != nil {
		t.Fatal(err)
	}
	if decided.Status != model.ActionApproved || decided.DecidedBy != "ops-1" {
		t.Errorf("decided = %+v", decided)
	}
	for _, id := range action.ResourcesToAllocate {
		res, _ := f.g.Resource(id)
		if res.Status != model.ResourceDispatched || res.AssignedIncidentID != action.TargetIncidentID {
			t.Errorf("%s not dispatched: %+v", id, res)
		}
	}
	inc, _ := f.g.Incident(action.TargetIncidentID)
	if inc.Status != model.IncidentResponding {
		t.Errorf("incident status = %s", inc.Status)
	}

	if _, err := f.c.DecideAction(action.ID, "reject", "ops-2", ""); !errors.Is(err, graph.ErrAlreadyDecided) {
		t.Errorf("second decision: expected ErrAlreadyDecided, got %v", err)
	}
}

func TestRecommendation_RejectLeavesResources(t *testing.T) {
	f := newFixture(t, nil)
	f.seedUnits(t, "SAR-1", "AMB-1")

	if _, err := f.c.ProcessSignal(context.Background(), "audio", "Caller says the building collapsed, people trapped", map[string]string{"sector": "1"}); err != nil {
		t.Fatal(err)
	}
	var id string
	for aid := range f.g.Snapshot().Actions {
		id = aid
	}
	if _, err := f.c.DecideAction(id, "maybe", "ops-1", ""); !errors.Is(err, ErrInvalidDecision) {
		t.Errorf("expected ErrInvalidDecision, got %v", err)
	}
	before := f.g.Snapshot().Resources

	a, err := f.c.DecideAction(id, "reject", "ops-1", "units needed elsewhere")
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != model.ActionRejected {
		t.Errorf("status = %s", a.Status)
	}
	if diff := cmp.Diff(before, f.g.Snapshot().Resources); diff != "" {
		t.Errorf("rejection changed resources (-before +after):\n%s", diff)
	}
}

func TestRecommendation_CooldownAndExpiry(t *testing.T) {
	f := newFixture(t, nil)
	f.seedUnits(t, "SAR-1", "SAR-2", "AMB-1", "AMB-2")
	ctx := context.Background()

	if _, err := f.c.ProcessSignal(ctx, "image", "Warehouse collapse in the port", map[string]string{"sector": "4"}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.c.ProcessSignal(ctx, "image", "Parking garage collapse", map[string]string{"sector": "5"}); err != nil {
		t.Fatal(err)
	}
	if n := f.g.Stats().PendingActions; n != 1 {
		t.Fatalf("cooldown should hold the second recommendation back, got %d pending", n)
	}

	f.clock.Advance(21 * time.Second)
	f.c.Sweep(ctx)
	if n := f.g.Stats().PendingActions; n != 2 {
		t.Fatalf("after cooldown expected 2 pending, got %d", n)
	}

	sub := f.c.Subscribe()
	defer f.c.Unsubscribe(sub)
	<-sub.Events() // initial_state

	var first []string
	for id := range f.g.Snapshot().Actions {
		first = append(first, id)
	}

	f.clock.Advance(3 * time.Minute)
	f.c.Sweep(ctx)
	for _, id := range first {
		if a, _ := f.g.Action(id); a.Status != model.ActionExpired {
			t.Errorf("%s: status = %s, want expired", id, a.Status)
		}
	}

	expired := 0
	for done := false; !done; {
		select {
		case ev := <-sub.Events():
			if d, ok := ev.Payload.(DecisionMade); ok && ev.Type == model.EventDecisionMade && d.Outcome == "expired" {
				expired++
			}
		default:
			done = true
		}
	}
	if expired != 2 {
		t.Errorf("expected 2 expiry decisions on the stream, got %d", expired)
	}
}

func TestProcessSignal_IncidentAnnouncedAfterMerge(t *testing.T) {
	f := newFixture(t, nil)
	sub := f.c.Subscribe()
	defer f.c.Unsubscribe(sub)
	<-sub.Events() // initial_state

	_, err := f.c.ProcessSignal(context.Background(), "image",
		"Satellite pass shows the bridge deck collapsed into the river",
		map[string]string{"entity": "Main Street Bridge", "sector": "3"})
	if err != nil {
		t.Fatal(err)
	}

	var kinds []string
	for _, e := range f.c.Timeline() {
		kinds = append(kinds, e.Kind)
	}
	loc, inc := slices.Index(kinds, "location_created"), slices.Index(kinds, "incident_created")
	if loc < 0 || inc < 0 || inc < loc {
		t.Fatalf("incident announced before its location was linked: %v", kinds)
	}

	var announced *model.Incident
	for done := false; !done; {
		select {
		case ev := <-sub.Events():
			if ev.Type != model.EventNewIncident {
				continue
			}
			if announced != nil {
				t.Fatal("new_incident published twice")
			}
			p := ev.Payload.(model.Incident)
			announced = &p
		default:
			done = true
		}
	}
	if announced == nil {
		t.Fatal("no new_incident event")
	}
	var linked bool
	for _, e := range f.g.Snapshot().Edges {
		if e.From == announced.ID && e.Relation == model.RelLocatedAt {
			linked = true
		}
	}
	if !linked {
		t.Errorf("announced incident %s has no located_at edge", announced.ID)
	}
}

func TestSubscribe_InitialStateFirst(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.c.ProcessSignal(context.Background(), "image", "Fire at the market", map[string]string{"sector": "2"}); err != nil {
		t.Fatal(err)
	}

	sub := f.c.Subscribe()
	defer f.c.Unsubscribe(sub)

	if _, err := f.c.ProcessSignal(context.Background(), "image", "Warehouse fire spreading", map[string]string{"sector": "2"}); err != nil {
		t.Fatal(err)
	}

	first := <-sub.Events()
	if first.Type != model.EventInitialState {
		t.Fatalf("first event = %s", first.Type)
	}
	st, ok := first.Payload.(InitialState)
	if !ok || len(st.Graph.Incidents) != 1 {
		t.Fatalf("initial state should hold the first incident: %+v", first.Payload)
	}

	second := <-sub.Events()
	if second.Type != model.EventNewIncident {
		t.Errorf("second event = %s, want new_incident", second.Type)
	}
	if second.Version < first.Version {
		t.Errorf("versions went backwards: %d then %d", first.Version, second.Version)
	}
}

// gatedProvider holds every call until release is closed
type gatedProvider struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (p *gatedProvider) Name() string                         { return "gated" }
func (p *gatedProvider) IsAvailable(ctx context.Context) bool { return true }

func (p *gatedProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.once.Do(func() { close(p.entered) })
	select {
	case <-p.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &llm.CompletionResponse{Text: `{"incident_kind": "structural_collapse", "damage_level": "severe", "confidence": 0.9}`}, nil
}

func TestProcessSignal_DiscardsMergeAfterReset(t *testing.T) {
	p := &gatedProvider{entered: make(chan struct{}), release: make(chan struct{})}
	f := newFixture(t, p)

	type result struct {
		out agent.Output
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := f.c.ProcessSignal(context.Background(), "image", "tower collapse", nil)
		done <- result{out, err}
	}()

	<-p.entered
	f.c.ResetSession()
	close(p.release)

	r := <-done
	if r.err != nil {
		t.Fatalf("stale merge should be dropped quietly, got %v", r.err)
	}
	if r.out.Fallback {
		t.Errorf("expected model output, got fallback: %s", r.out.Reasoning)
	}
	if n := len(f.g.Snapshot().Incidents); n != 0 {
		t.Errorf("merge from the old session landed: %d incidents", n)
	}
}

func TestChangeResource(t *testing.T) {
	f := newFixture(t, nil)
	f.seedUnits(t, "AMB-1")
	inc, err := f.g.UpsertIncident(model.Incident{Kind: "medical", DamageLevel: model.DamageMinor, Urgency: model.UrgencyMedium, Confidence: 0.5})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.c.AssignResource("AMB-1", inc.ID, "ops-1"); err != nil {
		t.Fatal(err)
	}

	if _, err := f.c.ChangeResource("AMB-1", "dispatched", ""); !graph.IsValidation(err) {
		t.Errorf("dispatched via change: expected ValidationError, got %v", err)
	}
	if _, err := f.c.ChangeResource("AMB-9", "offline", ""); !errors.Is(err, graph.ErrNotFound) {
		t.Errorf("unknown unit: expected ErrNotFound, got %v", err)
	}

	res, err := f.c.ChangeResource("AMB-1", "offline", "5")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != model.ResourceOffline || res.AssignedIncidentID != "" || res.Position.Sector != "5" {
		t.Errorf("unexpected resource: %+v", res)
	}
	got, _ := f.g.Incident(inc.ID)
	if len(got.AssignedResourceIDs) != 0 {
		t.Errorf("incident still lists the unit: %v", got.AssignedResourceIDs)
	}
}

func TestTimelineIsBounded(t *testing.T) {
	tl := newTimeline(3)
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		tl.add(TimelineEntry{Kind: k})
	}
	var kinds []string
	for _, e := range tl.entries() {
		kinds = append(kinds, e.Kind)
	}
	if diff := cmp.Diff([]string{"c", "d", "e"}, kinds); diff != "" {
		t.Errorf("timeline (-want +got):\n%s", diff)
	}
}
