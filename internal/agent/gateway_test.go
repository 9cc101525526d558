package agent

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ppiankov/crisisgraph/internal/cache"
	"github.com/ppiankov/crisisgraph/internal/clock"
	"github.com/ppiankov/crisisgraph/internal/llm"
	"github.com/ppiankov/crisisgraph/internal/model"
)

// stubProvider replays scripted responses; the last one repeats
type stubProvider struct {
	mu        sync.Mutex
	responses []stubResponse
	calls     int
	block     bool
}

type stubResponse struct {
	text string
	err  error
}

func (s *stubProvider) Name() string                         { return "stub" }
func (s *stubProvider) IsAvailable(ctx context.Context) bool { return true }

func (s *stubProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	s.mu.Lock()
	i := min(s.calls, len(s.responses)-1)
	s.calls++
	block := s.block
	s.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	r := s.responses[i]
	if r.err != nil {
		return nil, r.err
	}
	return &llm.CompletionResponse{Text: r.text, Model: "stub-1"}, nil
}

func (s *stubProvider) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func testConfig() model.AgentConfig {
	return model.AgentConfig{
		Timeout:         time.Second,
		MaxAttempts:     2,
		BackoffBase:     0,
		RatePerSecond:   0,
		CacheTTL:        time.Minute,
		FallbackPenalty: 0.8,
	}
}

func newTestGateway(p llm.Provider, cfg model.AgentConfig) *Gateway {
	return NewGateway(Options{
		Provider: p,
		Config:   cfg,
		Clock:    clock.NewFake(time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)),
		Cache:    cache.NewMemoryCache(time.Minute, time.Minute),
	})
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestInvoke_OfflineUsesFallback(t *testing.T) {
	g := newTestGateway(nil, testConfig())

	out := g.Invoke(context.Background(), KindVision, Input{
		SignalID: "img-1",
		Content:  "Drone photo: apartment block collapsed, rubble across the street",
		Metadata: map[string]string{"sector": "3"},
	})

	if !out.Fallback {
		t.Fatal("expected fallback output")
	}
	d, ok := out.Damage()
	if !ok {
		t.Fatalf("expected damage assessment, got %T", out.Data)
	}
	if d.DamageLevel != model.DamageSevere || d.IncidentKind != "structural_collapse" || d.Sector != "3" {
		t.Errorf("unexpected assessment: %+v", d)
	}
	if !approx(out.Confidence, 0.6*0.8) {
		t.Errorf("confidence = %v, want penalized 0.48", out.Confidence)
	}
	if out.OutputType != "damage_assessment" || out.AgentName != "vision_agent" {
		t.Errorf("unexpected envelope: %s %s", out.AgentName, out.OutputType)
	}
	if len(out.SourceRefs) != 1 || out.SourceRefs[0] != "img-1" {
		t.Errorf("source refs = %v", out.SourceRefs)
	}
}

func TestInvoke_DecodesAndCachesPerception(t *testing.T) {
	p := &stubProvider{responses: []stubResponse{{
		text: "```json\n{\"incident_kind\":\"fire\",\"damage_level\":\"SEVERE\",\"entity\":\"Metro General Hospital\",\"status\":\"Damaged\",\"confidence\":0.9,\"reasoning\":\"visible flames\"}\n```",
	}}}
	g := newTestGateway(p, testConfig())
	in := Input{SignalID: "img-7", Content: "https://cdn.example/img7.jpg", Metadata: map[string]string{"sector": "1"}}

	out := g.Invoke(context.Background(), KindVision, in)
	if out.Fallback {
		t.Fatalf("unexpected fallback: %v", out.Limitations)
	}
	d, _ := out.Damage()
	if d.DamageLevel != model.DamageSevere || d.Status != "damaged" {
		t.Errorf("enums not normalized: %+v", d)
	}
	if out.Confidence != 0.9 || out.Reasoning != "visible flames" {
		t.Errorf("envelope not decoded: %+v", out)
	}

	again := g.Invoke(context.Background(), KindVision, in)
	if p.Calls() != 1 {
		t.Errorf("expected cached result, provider called %d times", p.Calls())
	}
	if d2, _ := again.Damage(); d2 == d {
		t.Error("cached output shares its payload with the first call")
	}

	in.Metadata["sector"] = "2"
	g.Invoke(context.Background(), KindVision, in)
	if p.Calls() != 2 {
		t.Errorf("different metadata must miss the cache, calls = %d", p.Calls())
	}
}

func TestInvoke_ReasoningKindsAreNotCached(t *testing.T) {
	p := &stubProvider{responses: []stubResponse{{text: `{"verdict":"consistent","confidence":0.7}`}}}
	g := newTestGateway(p, testConfig())

	for i := 0; i < 2; i++ {
		out := g.Invoke(context.Background(), KindVerification, Input{Entity: "Main Street Bridge"})
		if out.Fallback {
			t.Fatalf("unexpected fallback: %v", out.Limitations)
		}
	}
	if p.Calls() != 2 {
		t.Errorf("verification must not be cached, calls = %d", p.Calls())
	}
}

func TestInvoke_MalformedFallsBackWithoutRetry(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"not json", "I cannot help with that."},
		{"invalid enum", `{"damage_level":"apocalyptic","confidence":0.9}`},
		{"missing field", `{"incident_kind":"fire","confidence":0.9}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &stubProvider{responses: []stubResponse{{text: tt.text}}}
			g := newTestGateway(p, testConfig())

			out := g.Invoke(context.Background(), KindVision, Input{SignalID: "img-2", Content: "bridge intact"})
			if !out.Fallback {
				t.Fatal("expected fallback")
			}
			if p.Calls() != 1 {
				t.Errorf("malformed output must not be retried, calls = %d", p.Calls())
			}
			if !strings.Contains(out.Limitations[0], "malformed") {
				t.Errorf("limitations = %v", out.Limitations)
			}
			if d, _ := out.Damage(); d.DamageLevel != model.DamageNone {
				t.Errorf("fallback damage = %s, want none", d.DamageLevel)
			}
		})
	}
}

func TestInvoke_PlanTradeoffConfidenceChecked(t *testing.T) {
	tests := []struct {
		name     string
		conf     string
		fallback bool
	}{
		{"in range", "0.4", false},
		{"above one", "1.7", true},
		{"negative", "-0.2", true},
	}

	target := model.Incident{ID: "inc_1", Kind: "fire", Urgency: model.UrgencyHigh, Confidence: 0.8}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text := `{"action_type":"dispatch","resources_to_allocate":["ENG-1"],"time_sensitivity":"high",` +
				`"tradeoffs":[{"impact":"sector 3 uncovered","affected_confidence":` + tt.conf + `}],"confidence":0.8}`
			p := &stubProvider{responses: []stubResponse{{text: text}}}
			g := newTestGateway(p, testConfig())

			out := g.Invoke(context.Background(), KindPlanning, Input{Target: &target})
			if out.Fallback != tt.fallback {
				t.Fatalf("fallback = %v, want %v (%v)", out.Fallback, tt.fallback, out.Limitations)
			}
			if tt.fallback && !strings.Contains(out.Limitations[0], "affected_confidence") {
				t.Errorf("limitations = %v", out.Limitations)
			}
		})
	}
}

func TestInvoke_AllocationDecode(t *testing.T) {
	good := `{"assignments":[{"resource_id":"SAR-1","target_incident_id":"inc_1","priority":1}],` +
		`"camps":[{"name":"Relief camp Mission","camp_type":"Relief_Camp","location":{"lat":37.76,"lng":-122.42},"capacity_persons":200,"confidence":0.6}],` +
		`"confidence":0.7}`
	p := &stubProvider{responses: []stubResponse{{text: good}}}
	out := newTestGateway(p, testConfig()).Invoke(context.Background(), KindAllocation, Input{})
	a, ok := out.Allocation()
	if out.Fallback || !ok {
		t.Fatalf("expected decoded proposal, got fallback=%v %v", out.Fallback, out.Limitations)
	}
	if a.Camps[0].Type != model.CampRelief || a.Assignments[0].ResourceID != "SAR-1" {
		t.Errorf("unexpected proposal: %+v", a)
	}

	bad := `{"assignments":[],"camps":[{"name":"Kitchen","camp_type":"field_kitchen","confidence":0.6}],"confidence":0.7}`
	p = &stubProvider{responses: []stubResponse{{text: bad}}}
	out = newTestGateway(p, testConfig()).Invoke(context.Background(), KindAllocation, Input{})
	if !out.Fallback || !strings.Contains(out.Limitations[0], "camp_type") {
		t.Errorf("unknown camp type should fall back as malformed: %v", out.Limitations)
	}
}

func TestInvoke_RetriesTransientFailures(t *testing.T) {
	p := &stubProvider{responses: []stubResponse{
		{err: errors.New("503 service unavailable")},
		{text: `{"urgency":"critical","incident_kind":"structural_collapse","confidence":0.8}`},
	}}
	g := newTestGateway(p, testConfig())

	out := g.Invoke(context.Background(), KindAudio, Input{SignalID: "call-1", Content: "help"})
	if out.Fallback {
		t.Fatalf("expected recovery on retry, got fallback: %v", out.Limitations)
	}
	if p.Calls() != 2 {
		t.Errorf("calls = %d, want 2", p.Calls())
	}
	if a, _ := out.Audio(); a.Urgency != model.UrgencyCritical {
		t.Errorf("urgency = %s", a.Urgency)
	}
}

func TestInvoke_ExhaustedRetriesFallBack(t *testing.T) {
	p := &stubProvider{responses: []stubResponse{{err: errors.New("connection refused")}}}
	g := newTestGateway(p, testConfig())

	out := g.Invoke(context.Background(), KindText, Input{
		SignalID: "tw-1",
		Content:  "The Main Street Bridge has collapsed!!",
		Metadata: map[string]string{"source_type": "social"},
	})
	if !out.Fallback || p.Calls() != 2 {
		t.Fatalf("fallback=%v calls=%d", out.Fallback, p.Calls())
	}
	if !strings.Contains(out.Limitations[0], string(ErrTransient)) {
		t.Errorf("limitations = %v", out.Limitations)
	}
	ta, _ := out.Text()
	if ta.Entity != "Main Street Bridge" || len(ta.Claims) != 1 || ta.Claims[0].Value != "collapsed" {
		t.Errorf("unexpected text fallback: %+v", ta)
	}
}

func TestInvoke_TimeoutIsBounded(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 20 * time.Millisecond
	cfg.MaxAttempts = 1
	p := &stubProvider{responses: []stubResponse{{}}, block: true}
	g := newTestGateway(p, cfg)

	done := make(chan Output, 1)
	go func() { done <- g.Invoke(context.Background(), KindVision, Input{Content: "flooded street"}) }()

	select {
	case out := <-done:
		if !out.Fallback || !strings.Contains(out.Limitations[0], string(ErrTimeout)) {
			t.Errorf("expected timeout fallback, got %+v", out)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Invoke did not honour its timeout")
	}
}

func TestInvoke_TimeoutCoversRateLimitWait(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 100 * time.Millisecond
	cfg.MaxAttempts = 1
	cfg.RatePerSecond = 1
	cfg.Burst = 1
	p := &stubProvider{responses: []stubResponse{{text: `{"verdict":"consistent","confidence":0.7}`}}}
	g := newTestGateway(p, cfg)

	first := g.Invoke(context.Background(), KindVerification, Input{SignalID: "v-1"})
	if first.Fallback {
		t.Fatalf("first call should reach the backend: %v", first.Limitations)
	}

	for i := 0; i < 2; i++ {
		began := time.Now()
		out := g.Invoke(context.Background(), KindVerification, Input{SignalID: "v-2"})
		if elapsed := time.Since(began); elapsed > 500*time.Millisecond {
			t.Errorf("call %d took %s, want about the 100ms timeout", i+2, elapsed)
		}
		if !out.Fallback || !strings.Contains(out.Limitations[0], string(ErrTimeout)) {
			t.Errorf("call %d: expected timeout fallback, got %+v", i+2, out)
		}
	}
	if p.Calls() != 1 {
		t.Errorf("rate-limited calls reached the backend, calls = %d", p.Calls())
	}
}

func TestInvoke_UnknownKind(t *testing.T) {
	g := newTestGateway(nil, testConfig())
	out := g.Invoke(context.Background(), Kind("temporal"), Input{})
	if !out.Fallback || out.Data != nil {
		t.Errorf("unexpected output: %+v", out)
	}
}

func TestClassify(t *testing.T) {
	if got := classify(KindText, context.DeadlineExceeded); got.Kind != ErrTimeout {
		t.Errorf("deadline classified as %s", got.Kind)
	}
	if got := classify(KindText, errors.New("boom")); got.Kind != ErrTransient || !got.Retryable() {
		t.Errorf("generic error classified as %s", got.Kind)
	}
	m := malformed(KindText, errors.New("bad"))
	if got := classify(KindText, m); got != m || got.Retryable() {
		t.Error("classified errors must pass through unchanged")
	}
	var ae *AgentError
	if !errors.As(error(m), &ae) {
		t.Error("AgentError must satisfy errors.As")
	}
}
