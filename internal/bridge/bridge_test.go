package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/goleak"

	"github.com/ppiankov/crisisgraph/internal/agent"
	"github.com/ppiankov/crisisgraph/internal/broadcast"
	"github.com/ppiankov/crisisgraph/internal/model"
)

func TestMain(m *testing.M) {
	// started at init by a transitive dependency
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

type hubSource struct {
	hub  *broadcast.Hub
	subs atomic.Int32
}

func (s *hubSource) Subscribe() *broadcast.Subscription {
	s.subs.Add(1)
	return s.hub.Subscribe(func() model.Event {
		return model.Event{Type: model.EventInitialState, Payload: map[string]int{"n": int(s.subs.Load())}}
	})
}

func (s *hubSource) Unsubscribe(sub *broadcast.Subscription) {
	s.hub.Unsubscribe(sub)
}

type published struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	mu    sync.Mutex
	msgs  []published
	block chan struct{} // publish waits until closed
	err   error
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{subject, data})
	return p.err
}

func (p *fakePublisher) subjects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.msgs))
	for i, m := range p.msgs {
		out[i] = m.subject
	}
	return out
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBridgeForwardsEvents(t *testing.T) {
	hub := broadcast.NewHub(16, nil, nil)
	defer hub.Close()
	src := &hubSource{hub: hub}
	pub := &fakePublisher{}
	b := New(src, pub, Options{Subject: "test"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	eventually(t, "subscription", func() bool { return hub.Len() == 1 })
	hub.Publish(model.Event{Type: model.EventNewIncident, Payload: map[string]string{"id": "inc-1"}, Version: 3})
	hub.Publish(model.Event{Type: model.EventDecisionMade, Version: 4})

	eventually(t, "three messages", func() bool { return len(pub.subjects()) == 3 })
	want := []string{"test.initial_state", "test.new_incident", "test.decision_made"}
	for i, s := range pub.subjects() {
		if s != want[i] {
			t.Errorf("message %d on %s, want %s", i, s, want[i])
		}
	}

	var ev struct {
		Type    string            `json:"type"`
		Data    map[string]string `json:"data"`
		Version uint64            `json:"version"`
	}
	pub.mu.Lock()
	err := json.Unmarshal(pub.msgs[1].data, &ev)
	pub.mu.Unlock()
	if err != nil {
		t.Fatal(err)
	}
	if ev.Type != "new_incident" || ev.Data["id"] != "inc-1" || ev.Version != 3 {
		t.Errorf("unexpected body %+v", ev)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if hub.Len() != 0 {
		t.Error("bridge left its subscription behind")
	}
}

func TestBridgeResubscribesAfterDrop(t *testing.T) {
	hub := broadcast.NewHub(1, nil, nil)
	defer hub.Close()
	src := &hubSource{hub: hub}
	pub := &fakePublisher{block: make(chan struct{})}
	b := New(src, pub, Options{Subject: "test", RetryDelay: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	eventually(t, "subscription", func() bool { return hub.Len() == 1 })
	for i := 0; i < 3; i++ {
		hub.Publish(model.Event{Type: model.EventGraphUpdate})
	}
	if hub.Len() != 0 {
		t.Fatal("slow bridge was not dropped")
	}
	close(pub.block)

	eventually(t, "resubscribe", func() bool { return src.subs.Load() == 2 && hub.Len() == 1 })
	eventually(t, "fresh initial state", func() bool {
		n := 0
		for _, s := range pub.subjects() {
			if s == "test.initial_state" {
				n++
			}
		}
		return n == 2
	})

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestBridgeStopsWhenHubCloses(t *testing.T) {
	hub := broadcast.NewHub(4, nil, nil)
	pub := &fakePublisher{err: errors.New("nats down")}
	b := New(&hubSource{hub: hub}, pub, Options{})

	done := make(chan error, 1)
	go func() { done <- b.Run(context.Background()) }()
	eventually(t, "subscription", func() bool { return hub.Len() == 1 })
	hub.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after hub close")
	}
	if got := pub.subjects(); len(got) != 1 || got[0] != "crisisgraph.events.initial_state" {
		t.Errorf("published %v", got)
	}
}

type fakeIngester struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeIngester) ProcessSignal(_ context.Context, kind, content string, _ map[string]string) (agent.Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, kind+":"+content)
	if kind == "video" {
		return agent.Output{}, errors.New("unsupported signal kind")
	}
	return agent.Output{Kind: agent.Kind(kind)}, nil
}

func TestSignalHandler(t *testing.T) {
	in := &fakeIngester{}
	h := SignalHandler(context.Background(), in, nil)

	h(&nats.Msg{Subject: "crisisgraph.signals", Data: []byte(`{"kind":"text","content":"bridge down"}`)})
	h(&nats.Msg{Subject: "crisisgraph.signals", Data: []byte(`{"kind":"video","content":"feed"}`)})
	h(&nats.Msg{Subject: "crisisgraph.signals", Data: []byte(`not json`)})

	want := []string{"text:bridge down", "video:feed"}
	if len(in.calls) != len(want) {
		t.Fatalf("calls = %v", in.calls)
	}
	for i := range want {
		if in.calls[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, in.calls[i], want[i])
		}
	}
}
