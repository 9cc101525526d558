package simulation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/ppiankov/crisisgraph/internal/clock"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var t0 = time.Date(2024, 1, 15, 14, 0, 0, 0, time.UTC)

// recorder is a Target that remembers what the engine asked of it
type recorder struct {
	mu       sync.Mutex
	resets   int
	loaded   []string
	applied  []string
	simTimes []time.Time
	statuses []Status
}

func (r *recorder) ResetSession() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets++
}

func (r *recorder) LoadScenario(sc *Scenario, start time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaded = append(r.loaded, sc.ID)
	return nil
}

func (r *recorder) ApplyEvent(ctx context.Context, ev TimelineEvent, simTime time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	label := string(ev.Type)
	if ev.Marker != nil {
		label += ":" + ev.Marker.Label
	}
	r.applied = append(r.applied, label+"@"+simTime.Sub(t0).String())
	return nil
}

func (r *recorder) SetSimTime(t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.simTimes = append(r.simTimes, t)
}

func (r *recorder) PublishStatus(st Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, st)
}

func (r *recorder) snapshot() (applied []string, last Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	applied = append(applied, r.applied...)
	if len(r.statuses) > 0 {
		last = r.statuses[len(r.statuses)-1]
	}
	return applied, last
}

const drill = `
id: drill
name: Drill
events:
  - {offset_seconds: 0, type: time_marker, marker: {label: a}}
  - {offset_seconds: 10, type: time_marker, marker: {label: b}}
  - {offset_seconds: 20, type: time_marker, marker: {label: c}}
`

// newTestEngine returns an engine whose loop never ticks on its own: the
// ticker period is far beyond any Advance in these tests, so tick is driven
// by hand.
func newTestEngine(t *testing.T) (*Engine, *recorder, *clock.Fake) {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "drill.yaml"), []byte(drill), 0o644); err != nil {
		t.Fatal(err)
	}
	cat, err := NewCatalog(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	fc := clock.NewFake(t0)
	rec := &recorder{}
	e := NewEngine(rec, cat, Options{Tick: 24 * time.Hour, Workers: 2, Clock: fc})
	t.Cleanup(e.Close)
	return e, rec, fc
}

func step(e *Engine) bool {
	more := e.tick(context.Background())
	e.Wait()
	return more
}

func TestEngine_PlaysTimelineOnVirtualClock(t *testing.T) {
	e, rec, fc := newTestEngine(t)
	if err := e.Start(context.Background(), "drill", 2); err != nil {
		t.Fatalf("Start: %v", err)
	}

	step(e) // offset 0 is due immediately
	fc.Advance(4 * time.Second)
	step(e) // virtual 8s
	fc.Advance(time.Second)
	step(e) // virtual 10s

	applied, _ := rec.snapshot()
	if diff := cmp.Diff([]string{"time_marker:a@0s", "time_marker:b@10s"}, applied); diff != "" {
		t.Fatalf("applied (-want +got):\n%s", diff)
	}

	// Slowing down keeps the 10s already played at double speed.
	if err := e.SetSpeed(1); err != nil {
		t.Fatal(err)
	}
	fc.Advance(9 * time.Second)
	step(e)
	if st := e.Status(); st.ElapsedSeconds != 19 || st.EventsFired != 2 {
		t.Errorf("after slowdown: elapsed=%v fired=%d", st.ElapsedSeconds, st.EventsFired)
	}

	fc.Advance(time.Second)
	if more := step(e); more {
		t.Error("tick should report the end of the timeline")
	}
	applied, last := rec.snapshot()
	if len(applied) != 3 || applied[2] != "time_marker:c@20s" {
		t.Errorf("applied = %v", applied)
	}
	if !last.Ended || last.Running || last.EventsFired != 3 || last.EventsTotal != 3 {
		t.Errorf("final status = %+v", last)
	}
}

func TestEngine_PauseFreezesVirtualTime(t *testing.T) {
	e, rec, fc := newTestEngine(t)
	if err := e.Start(context.Background(), "drill", 1); err != nil {
		t.Fatal(err)
	}
	step(e)

	if err := e.Pause(); err != nil {
		t.Fatal(err)
	}
	if err := e.Pause(); err != nil {
		t.Errorf("second Pause: %v", err)
	}
	fc.Advance(time.Minute)
	step(e)
	if st := e.Status(); !st.Paused || st.ElapsedSeconds != 0 {
		t.Errorf("paused status = %+v", st)
	}

	if err := e.Resume(); err != nil {
		t.Fatal(err)
	}
	fc.Advance(10 * time.Second)
	step(e)
	applied, _ := rec.snapshot()
	if len(applied) != 2 || applied[1] != "time_marker:b@10s" {
		t.Errorf("applied = %v", applied)
	}
}

func TestEngine_ResetClearsSession(t *testing.T) {
	e, rec, _ := newTestEngine(t)
	if err := e.Start(context.Background(), "drill", 1); err != nil {
		t.Fatal(err)
	}
	if err := e.Start(context.Background(), "drill", 1); !errors.Is(err, ErrRunning) {
		t.Errorf("second Start: %v", err)
	}

	e.Reset()
	st := e.Status()
	if st.Running || st.ScenarioID != "" || st.EventsFired != 0 {
		t.Errorf("status after reset = %+v", st)
	}
	rec.mu.Lock()
	resets := rec.resets
	rec.mu.Unlock()
	if resets != 2 {
		t.Errorf("ResetSession called %d times, want 2 (start and reset)", resets)
	}

	if err := e.Start(context.Background(), "drill", 1); err != nil {
		t.Errorf("restart after reset: %v", err)
	}
}

func TestEngine_Errors(t *testing.T) {
	e, rec, _ := newTestEngine(t)

	if err := e.Start(context.Background(), "atlantis", 1); !errors.Is(err, ErrUnknownScenario) {
		t.Errorf("unknown scenario: %v", err)
	}
	if err := e.Pause(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("pause while stopped: %v", err)
	}
	if err := e.Resume(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("resume while stopped: %v", err)
	}
	if err := e.SetSpeed(0); !errors.Is(err, ErrInvalidSpeed) {
		t.Errorf("zero speed: %v", err)
	}

	if err := e.Start(context.Background(), "", 0); err != nil {
		t.Fatalf("default scenario: %v", err)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if diff := cmp.Diff([]string{DefaultScenarioID}, rec.loaded); diff != "" {
		t.Errorf("loaded (-want +got):\n%s", diff)
	}
}

func TestEngine_CancelStopsLoop(t *testing.T) {
	e, rec, _ := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	if err := e.Start(ctx, "drill", 1); err != nil {
		t.Fatal(err)
	}
	cancel()

	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop on cancellation")
	}

	if st := e.Status(); st.Running || st.Ended {
		t.Errorf("status after cancel = %+v, want stopped", st)
	}
	if _, last := rec.snapshot(); last.Running {
		t.Errorf("last published status still running: %+v", last)
	}

	if err := e.Start(context.Background(), "drill", 1); err != nil {
		t.Fatalf("restart after cancel: %v", err)
	}
	if st := e.Status(); !st.Running || st.EventsFired != 0 {
		t.Errorf("status after restart = %+v", st)
	}
}
