package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/net/websocket"

	"github.com/ppiankov/crisisgraph/internal/agent"
	"github.com/ppiankov/crisisgraph/internal/broadcast"
	"github.com/ppiankov/crisisgraph/internal/clock"
	"github.com/ppiankov/crisisgraph/internal/coordinator"
	"github.com/ppiankov/crisisgraph/internal/graph"
	"github.com/ppiankov/crisisgraph/internal/metrics"
	"github.com/ppiankov/crisisgraph/internal/model"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var start = time.Date(2024, 1, 15, 14, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T) (*Server, *coordinator.Coordinator) {
	t.Helper()
	fc := clock.NewFake(start)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	cfg := model.DefaultConfig().Agent
	cfg.MaxAttempts = 1
	cfg.RatePerSecond = 0
	gw := agent.NewGateway(agent.Options{Config: cfg, Clock: fc, Metrics: m})
	hub := broadcast.NewHub(256, nil, m)
	c, err := coordinator.New(graph.New(graph.Options{Clock: fc}), gw, hub, coordinator.Options{Clock: fc, Metrics: m})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		c.Close()
		hub.Close()
	})
	return New(ctx, c, Options{Gatherer: reg}), c
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func TestSignalUpdatesGraph(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	w := do(t, h, http.MethodPost, "/api/signals",
		`{"kind":"image","content":"Apartment block collapse, people trapped under rubble","metadata":{"sector":"3"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var out struct {
		Kind     string `json:"kind"`
		Fallback bool   `json:"fallback"`
	}
	decode(t, w, &out)
	if out.Kind != "vision" || !out.Fallback {
		t.Errorf("unexpected output %+v", out)
	}

	var snap model.Snapshot
	decode(t, do(t, h, http.MethodGet, "/api/graph", ""), &snap)
	if len(snap.Incidents) != 1 {
		t.Fatalf("expected 1 incident, got %d", len(snap.Incidents))
	}

	var stats coordinator.Stats
	decode(t, do(t, h, http.MethodGet, "/api/stats", ""), &stats)
	if stats.TotalIncidents != 1 || stats.Backend == "" {
		t.Errorf("unexpected stats %+v", stats)
	}

	var timeline struct {
		Events []coordinator.TimelineEntry `json:"events"`
	}
	decode(t, do(t, h, http.MethodGet, "/api/timeline", ""), &timeline)
	if len(timeline.Events) == 0 {
		t.Error("timeline is empty after a merged signal")
	}
}

func TestErrorStatus(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"unsupported kind", http.MethodPost, "/api/signals", `{"kind":"video","content":"feed"}`, http.StatusBadRequest},
		{"empty content", http.MethodPost, "/api/signals", `{"kind":"text","content":" "}`, http.StatusBadRequest},
		{"malformed body", http.MethodPost, "/api/signals", `{"kind":`, http.StatusBadRequest},
		{"unknown alert", http.MethodPost, "/api/contradictions/ca-missing/resolve", `{"resolution":"trust satellite"}`, http.StatusNotFound},
		{"resolution required", http.MethodPost, "/api/contradictions/ca-missing/resolve", `{}`, http.StatusBadRequest},
		{"unknown action", http.MethodPost, "/api/actions/act-missing/approve", "", http.StatusNotFound},
		{"unknown resource", http.MethodPost, "/api/resources/NOPE/release", "", http.StatusNotFound},
		{"assigned status", http.MethodPost, "/api/resources/NOPE/status", `{"status":"dispatched"}`, http.StatusBadRequest},
		{"unknown scenario", http.MethodPost, "/api/simulation/start", `{"scenario_id":"flood_999"}`, http.StatusNotFound},
		{"pause idle", http.MethodPost, "/api/simulation/pause", "", http.StatusConflict},
		{"negative speed", http.MethodPost, "/api/simulation/start", `{"speed":-2}`, http.StatusBadRequest},
		{"zero speed", http.MethodPost, "/api/simulation/speed", `{"speed":0}`, http.StatusBadRequest},
		{"nothing to plan", http.MethodPost, "/api/plans", "", http.StatusConflict},
		{"unknown plan", http.MethodPost, "/api/plans/plan-missing/approve", "", http.StatusNotFound},
		{"unknown camp", http.MethodPost, "/api/camps/camp-missing/reject", "", http.StatusNotFound},
		{"camp status filter", http.MethodGet, "/api/camps?status=bogus", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, tt.method, tt.path, tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
			if !strings.Contains(w.Body.String(), `"error"`) {
				t.Errorf("missing error body: %s", w.Body.String())
			}
		})
	}
}

func TestResolveContradictionOnce(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	batch := map[string]any{"signals": []coordinator.Signal{
		{Kind: "text", Content: "OMG the Main Street Bridge collapsed, cars in the water", Metadata: map[string]string{
			"entity": "Main Street Bridge", "source_type": "social", "signal_id": "tw-1",
		}},
		{Kind: "image", Content: "Satellite pass over the river: bridge deck intact, no visible damage", Metadata: map[string]string{
			"entity": "Main Street Bridge", "source_type": "satellite", "signal_id": "sat-1",
			"timestamp": start.Add(-10 * time.Minute).Format(time.RFC3339),
		}},
	}}
	body, _ := json.Marshal(batch)
	w := do(t, h, http.MethodPost, "/api/signals/batch", string(body))
	if w.Code != http.StatusOK {
		t.Fatalf("batch status %d: %s", w.Code, w.Body.String())
	}

	var pending struct {
		Contradictions []model.ContradictionAlert `json:"contradictions"`
	}
	decode(t, do(t, h, http.MethodGet, "/api/decisions/pending", ""), &pending)
	if len(pending.Contradictions) != 1 {
		t.Fatalf("expected 1 pending alert, got %d", len(pending.Contradictions))
	}
	id := pending.Contradictions[0].ID

	path := "/api/contradictions/" + id + "/resolve"
	if w := do(t, h, http.MethodPost, path, `{"resolution":"trust satellite","decided_by":"ops-1"}`); w.Code != http.StatusOK {
		t.Fatalf("first resolve: %d %s", w.Code, w.Body.String())
	}
	if w := do(t, h, http.MethodPost, path, `{"resolution":"trust social"}`); w.Code != http.StatusConflict {
		t.Errorf("second resolve: got %d, want 409", w.Code)
	}

	var audit struct {
		Entries []graph.AuditEntry `json:"entries"`
	}
	decode(t, do(t, h, http.MethodGet, "/api/audit/"+id, ""), &audit)
	if len(audit.Entries) == 0 {
		t.Error("no audit entries for resolved alert")
	}
}

func TestAllocationPlanLifecycle(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	if w := do(t, h, http.MethodPost, "/api/signals",
		`{"kind":"image","content":"Apartment block collapse, people trapped under rubble","metadata":{"sector":"3"}}`); w.Code != http.StatusOK {
		t.Fatalf("signal: %d %s", w.Code, w.Body.String())
	}

	w := do(t, h, http.MethodPost, "/api/plans", "")
	if w.Code != http.StatusCreated {
		t.Fatalf("generate: %d %s", w.Code, w.Body.String())
	}
	var proposal coordinator.PlanProposal
	decode(t, w, &proposal)
	if proposal.Plan.Status != model.ActionPending || len(proposal.Camps) == 0 {
		t.Fatalf("unexpected proposal: %+v", proposal)
	}
	if w := do(t, h, http.MethodPost, "/api/plans", ""); w.Code != http.StatusConflict {
		t.Errorf("second pending plan: got %d, want 409", w.Code)
	}

	var pending struct {
		Plans []model.AllocationPlan     `json:"plans"`
		Camps []model.CampRecommendation `json:"camps"`
	}
	decode(t, do(t, h, http.MethodGet, "/api/decisions/pending", ""), &pending)
	if len(pending.Plans) != 1 || len(pending.Camps) != len(proposal.Camps) {
		t.Fatalf("pending plans=%d camps=%d", len(pending.Plans), len(pending.Camps))
	}

	first := proposal.Camps[0].ID
	if w := do(t, h, http.MethodPost, "/api/camps/"+first+"/approve", `{"decided_by":"ops-2"}`); w.Code != http.StatusOK {
		t.Fatalf("camp approve: %d %s", w.Code, w.Body.String())
	}
	path := "/api/plans/" + proposal.Plan.ID
	if w := do(t, h, http.MethodPost, path+"/approve", `{"decided_by":"ops-1","reason":"go"}`); w.Code != http.StatusOK {
		t.Fatalf("plan approve: %d %s", w.Code, w.Body.String())
	}
	if w := do(t, h, http.MethodPost, path+"/reject", ""); w.Code != http.StatusConflict {
		t.Errorf("second plan decision: got %d, want 409", w.Code)
	}

	var approved struct {
		Camps []model.CampRecommendation `json:"camps"`
	}
	decode(t, do(t, h, http.MethodGet, "/api/camps?status=approved", ""), &approved)
	if len(approved.Camps) != len(proposal.Camps) {
		t.Errorf("approved camps = %d, want %d", len(approved.Camps), len(proposal.Camps))
	}
	var snap model.Snapshot
	decode(t, do(t, h, http.MethodGet, "/api/graph", ""), &snap)
	for _, c := range approved.Camps {
		if _, ok := snap.Locations[c.LocationID]; !ok {
			t.Errorf("camp %s has no location %q", c.ID, c.LocationID)
		}
	}
}

func TestSimulationControl(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	var scenarios struct {
		Scenarios []struct {
			ID string `json:"id"`
		} `json:"scenarios"`
	}
	decode(t, do(t, h, http.MethodGet, "/api/scenarios", ""), &scenarios)
	if len(scenarios.Scenarios) == 0 {
		t.Fatal("no scenarios listed")
	}

	type status struct {
		Running bool    `json:"running"`
		Paused  bool    `json:"paused"`
		Speed   float64 `json:"speed"`
	}
	var st status
	w := do(t, h, http.MethodPost, "/api/simulation/start", `{"speed":2}`)
	if w.Code != http.StatusOK {
		t.Fatalf("start: %d %s", w.Code, w.Body.String())
	}
	decode(t, w, &st)
	if !st.Running || st.Speed != 2 {
		t.Errorf("after start: %+v", st)
	}

	if w := do(t, h, http.MethodPost, "/api/simulation/start", ""); w.Code != http.StatusConflict {
		t.Errorf("second start: got %d, want 409", w.Code)
	}

	decode(t, do(t, h, http.MethodPost, "/api/simulation/pause", ""), &st)
	if !st.Paused {
		t.Errorf("after pause: %+v", st)
	}
	decode(t, do(t, h, http.MethodPost, "/api/simulation/speed", `{"speed":4}`), &st)
	if st.Speed != 4 {
		t.Errorf("after speed: %+v", st)
	}
	decode(t, do(t, h, http.MethodPost, "/api/simulation/resume", ""), &st)
	if st.Paused {
		t.Errorf("after resume: %+v", st)
	}
	decode(t, do(t, h, http.MethodPost, "/api/simulation/reset", ""), &st)
	if st.Running {
		t.Errorf("after reset: %+v", st)
	}
	decode(t, do(t, h, http.MethodGet, "/api/simulation/status", ""), &st)
	if st.Running {
		t.Errorf("status after reset: %+v", st)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	do(t, h, http.MethodPost, "/api/signals", `{"kind":"text","content":"Smoke reported near the harbor"}`)
	w := do(t, h, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("metrics status %d", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("crisisgraph_signals_total")) {
		t.Errorf("signals counter missing from /metrics")
	}
}

type frame struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
	Version uint64          `json:"version"`
}

func receive(t *testing.T, ws *websocket.Conn) frame {
	t.Helper()
	if err := ws.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatal(err)
	}
	var f frame
	if err := websocket.JSON.Receive(ws, &f); err != nil {
		t.Fatalf("receive: %v", err)
	}
	return f
}

// receiveType skips frames until one of type typ arrives
func receiveType(t *testing.T, ws *websocket.Conn, typ string) frame {
	t.Helper()
	for i := 0; i < 20; i++ {
		if f := receive(t, ws); f.Type == typ {
			return f
		}
	}
	t.Fatalf("no %s frame", typ)
	return frame{}
}

func TestStream(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ws, err := websocket.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", "", "http://localhost/")
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()

	if f := receive(t, ws); f.Type != string(model.EventInitialState) {
		t.Fatalf("first frame is %s", f.Type)
	}

	resp, err := http.Post(srv.URL+"/api/signals", "application/json",
		strings.NewReader(`{"kind":"image","content":"Parking garage collapse, severe damage","metadata":{"sector":"1"}}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	inc := receiveType(t, ws, string(model.EventNewIncident))
	if inc.Version == 0 {
		t.Error("new_incident without a graph version")
	}

	if err := websocket.JSON.Send(ws, map[string]string{"type": "request_refresh"}); err != nil {
		t.Fatal(err)
	}
	refresh := receiveType(t, ws, string(model.EventGraphUpdate))
	var snap model.Snapshot
	if err := json.Unmarshal(refresh.Data, &snap); err != nil {
		t.Fatal(err)
	}
	if len(snap.Incidents) != 1 {
		t.Errorf("refresh carries %d incidents", len(snap.Incidents))
	}

	if err := websocket.JSON.Send(ws, map[string]any{
		"type":    "human_decision",
		"payload": map[string]string{"item_type": "action", "item_id": "act-missing", "decision": "approved"},
	}); err != nil {
		t.Fatal(err)
	}
	if f := receiveType(t, ws, string(eventError)); !strings.Contains(string(f.Data), "not found") {
		t.Errorf("error frame %s", f.Data)
	}
}

func TestStreamOriginCheck(t *testing.T) {
	s, c := newTestServer(t)
	s.opts.AllowedOrigins = []string{"http://dashboard.local"}
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	if _, err := websocket.Dial(url, "", "http://elsewhere/"); err == nil {
		t.Fatal("foreign origin accepted")
	}
	ws, err := websocket.Dial(url, "", "http://dashboard.local")
	if err != nil {
		t.Fatal(err)
	}
	receive(t, ws)
	ws.Close()

	deadline := time.Now().Add(5 * time.Second)
	for c.Stats().Subscribers != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber not removed after client closed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
