package simulation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/crisisgraph/internal/clock"
	"github.com/ppiankov/crisisgraph/internal/metrics"
	"github.com/ppiankov/crisisgraph/internal/worker"
)

var (
	ErrRunning         = errors.New("simulation already running")
	ErrNotRunning      = errors.New("simulation not running")
	ErrUnknownScenario = errors.New("unknown scenario")
	ErrInvalidSpeed    = errors.New("speed must be positive")
)

// Target receives the scenario. The coordinator implements it.
type Target interface {
	// ResetSession clears the situation graph for a new session
	ResetSession()
	// LoadScenario seeds resources and locations and records scenario metadata
	LoadScenario(sc *Scenario, start time.Time) error
	// ApplyEvent executes one timeline event; simTime is the event's virtual time
	ApplyEvent(ctx context.Context, ev TimelineEvent, simTime time.Time) error
	// SetSimTime advances the graph's notion of scenario time
	SetSimTime(t time.Time)
	// PublishStatus broadcasts engine status
	PublishStatus(st Status)
}

// Status is the engine state reported to observers
type Status struct {
	Running        bool       `json:"running"`
	Paused         bool       `json:"paused"`
	Ended          bool       `json:"ended"`
	ScenarioID     string     `json:"scenario_id,omitempty"`
	ScenarioName   string     `json:"scenario_name,omitempty"`
	CurrentSimTime *time.Time `json:"current_sim_time,omitempty"`
	ElapsedSeconds float64    `json:"elapsed_seconds"`
	Speed          float64    `json:"speed"`
	EventsFired    int        `json:"events_fired"`
	EventsTotal    int        `json:"events_total"`
}

// Options configures an Engine
type Options struct {
	Tick    time.Duration
	Workers int
	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Engine plays a scenario timeline on a virtual clock that runs at a
// configurable multiple of wall time. Due events are handed to a worker pool
// so slow agent calls never hold up the timing loop.
type Engine struct {
	ctl     sync.Mutex // Serializes Start, Reset and Close
	mu      sync.Mutex // Guards playback state; the loop takes it on every tick
	target  Target
	catalog *Catalog
	opts    Options
	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics

	scenario *Scenario
	running  bool
	paused   bool
	ended    bool
	speed    float64
	start    time.Time     // Scenario time zero
	virtual  time.Duration // Scenario time elapsed, folded at lastWall
	lastWall time.Time
	next     int

	pool   *worker.Pool
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine creates a stopped engine
func NewEngine(target Target, catalog *Catalog, opts Options) *Engine {
	if opts.Tick <= 0 {
		opts.Tick = 100 * time.Millisecond
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Engine{
		target:  target,
		catalog: catalog,
		opts:    opts,
		clock:   opts.Clock,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		speed:   1,
	}
}

// Catalog returns the scenarios the engine can play
func (e *Engine) Catalog() *Catalog {
	return e.catalog
}

// Start clears the graph, seeds the scenario and begins playback. An empty
// id plays the default scenario; speed <= 0 keeps the current speed.
func (e *Engine) Start(ctx context.Context, scenarioID string, speed float64) error {
	sc, ok := e.catalog.Get(scenarioID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownScenario, scenarioID)
	}

	e.ctl.Lock()
	defer e.ctl.Unlock()

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrRunning
	}
	stop := e.detachLocked(false)
	e.mu.Unlock()
	stop()

	now := e.clock.Now()
	e.target.ResetSession()
	if err := e.target.LoadScenario(sc, now); err != nil {
		return fmt.Errorf("load scenario %s: %w", sc.ID, err)
	}

	e.mu.Lock()
	if speed > 0 {
		e.speed = speed
	}
	e.scenario = sc
	e.running, e.paused, e.ended = true, false, false
	e.start = now
	e.virtual = 0
	e.lastWall = now
	e.next = 0
	e.pool = worker.NewPool(e.opts.Workers, func(err error) {
		e.logger.Warn("scenario event failed", zap.Error(err))
	})
	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.loop(loopCtx, e.done)
	st := e.statusLocked()
	e.mu.Unlock()

	e.logger.Info("simulation started",
		zap.String("scenario", sc.ID),
		zap.Float64("speed", st.Speed),
		zap.Int("events", len(sc.Events)))
	e.target.PublishStatus(st)
	return nil
}

func (e *Engine) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := e.clock.NewTicker(e.opts.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.cancelled(done)
			return
		case <-ticker.C():
			if !e.tick(ctx) {
				if ctx.Err() != nil {
					e.cancelled(done)
				}
				return
			}
		}
	}
}

// cancelled stops playback after the context given to Start ends. It does
// nothing when the loop was already detached by Start, Reset or Close.
func (e *Engine) cancelled(done chan struct{}) {
	e.mu.Lock()
	if e.done != done || !e.running {
		e.mu.Unlock()
		return
	}
	e.foldLocked()
	e.running, e.paused = false, false
	st := e.statusLocked()
	e.mu.Unlock()

	e.target.PublishStatus(st)
	e.logger.Info("simulation cancelled", zap.String("scenario", st.ScenarioID), zap.Int("events", st.EventsFired))
}

// tick advances virtual time and dispatches every due event. It reports
// whether playback should continue.
func (e *Engine) tick(ctx context.Context) bool {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return false
	}
	if e.paused {
		e.mu.Unlock()
		return true
	}

	e.foldLocked()
	simNow := e.start.Add(e.virtual)
	var due []TimelineEvent
	for e.next < len(e.scenario.Events) && e.scenario.Events[e.next].Offset() <= e.virtual {
		due = append(due, e.scenario.Events[e.next])
		e.next++
	}
	for _, ev := range due {
		at := e.start.Add(ev.Offset())
		e.metrics.SimEvent(string(ev.Type))
		e.pool.Submit(worker.JobFunc(func(jobCtx context.Context) error {
			if err := e.target.ApplyEvent(jobCtx, ev, at); err != nil {
				return fmt.Errorf("%s at %.0fs: %w", ev.Type, ev.OffsetSeconds, err)
			}
			return nil
		}))
	}
	if e.next >= len(e.scenario.Events) {
		e.running = false
		e.ended = true
	}
	st := e.statusLocked()
	ended := e.ended
	e.mu.Unlock()

	e.target.SetSimTime(simNow)
	if len(due) > 0 || ended {
		e.target.PublishStatus(st)
	}
	if ended {
		e.logger.Info("simulation ended", zap.String("scenario", st.ScenarioID), zap.Int("events", st.EventsFired))
	}
	return !ended && ctx.Err() == nil
}

// foldLocked moves wall time elapsed since lastWall into virtual time at the current speed
func (e *Engine) foldLocked() {
	now := e.clock.Now()
	if e.running && !e.paused {
		e.virtual += time.Duration(float64(now.Sub(e.lastWall)) * e.speed)
	}
	e.lastWall = now
}

// Pause freezes virtual time. Pausing a paused simulation is a no-op.
func (e *Engine) Pause() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return ErrNotRunning
	}
	if e.paused {
		e.mu.Unlock()
		return nil
	}
	e.foldLocked()
	e.paused = true
	st := e.statusLocked()
	e.mu.Unlock()

	e.target.PublishStatus(st)
	return nil
}

// Resume continues a paused simulation
func (e *Engine) Resume() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return ErrNotRunning
	}
	if !e.paused {
		e.mu.Unlock()
		return nil
	}
	e.paused = false
	e.lastWall = e.clock.Now()
	st := e.statusLocked()
	e.mu.Unlock()

	e.target.PublishStatus(st)
	return nil
}

// SetSpeed changes the playback multiplier. Time already elapsed is
// accounted at the old speed.
func (e *Engine) SetSpeed(speed float64) error {
	if speed <= 0 {
		return ErrInvalidSpeed
	}
	e.mu.Lock()
	e.foldLocked()
	e.speed = speed
	st := e.statusLocked()
	e.mu.Unlock()

	e.target.PublishStatus(st)
	return nil
}

// Reset stops playback and clears the graph
func (e *Engine) Reset() {
	e.ctl.Lock()
	defer e.ctl.Unlock()

	e.mu.Lock()
	stop := e.detachLocked(false)
	e.scenario = nil
	e.running, e.paused, e.ended = false, false, false
	e.virtual = 0
	e.next = 0
	st := e.statusLocked()
	e.mu.Unlock()
	stop()

	e.target.ResetSession()
	e.target.PublishStatus(st)
	e.logger.Info("simulation reset")
}

// Close stops playback without touching the graph and waits for the loop
// and every fired event to finish.
func (e *Engine) Close() {
	e.ctl.Lock()
	defer e.ctl.Unlock()

	e.mu.Lock()
	stop := e.detachLocked(true)
	e.running, e.paused = false, false
	e.mu.Unlock()
	stop()
}

// detachLocked takes the loop and pool out of the engine and returns a func
// that stops them. Call it after releasing e.mu, since the loop needs e.mu
// to observe cancellation. With drain set, fired events finish normally;
// otherwise their contexts are cancelled.
func (e *Engine) detachLocked(drain bool) func() {
	cancel, done, pool := e.cancel, e.done, e.pool
	e.cancel, e.done, e.pool = nil, nil, nil
	return func() {
		if cancel != nil {
			cancel()
			<-done
		}
		switch {
		case pool == nil:
		case drain:
			pool.Shutdown()
		default:
			pool.Stop()
		}
	}
}

// Status reports the current state
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusLocked()
}

func (e *Engine) statusLocked() Status {
	st := Status{
		Running: e.running,
		Paused:  e.paused,
		Ended:   e.ended,
		Speed:   e.speed,
	}
	if e.scenario == nil {
		return st
	}
	virtual := e.virtual
	if e.running && !e.paused {
		virtual += time.Duration(float64(e.clock.Since(e.lastWall)) * e.speed)
	}
	simNow := e.start.Add(virtual)
	st.ScenarioID = e.scenario.ID
	st.ScenarioName = e.scenario.Name
	st.CurrentSimTime = &simNow
	st.ElapsedSeconds = virtual.Seconds()
	st.EventsFired = e.next
	st.EventsTotal = len(e.scenario.Events)
	return st
}

// Wait blocks until every event fired so far has been applied
func (e *Engine) Wait() {
	e.mu.Lock()
	pool := e.pool
	e.mu.Unlock()
	if pool != nil {
		pool.Wait()
	}
}
