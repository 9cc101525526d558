// Package coordinator is the single writer of the situation graph. It routes
// signals to agents, merges their outputs, raises contradiction alerts and
// action recommendations, applies human decisions and publishes every change
// on the broadcast hub.
package coordinator

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/crisisgraph/internal/agent"
	"github.com/ppiankov/crisisgraph/internal/broadcast"
	"github.com/ppiankov/crisisgraph/internal/clock"
	"github.com/ppiankov/crisisgraph/internal/graph"
	"github.com/ppiankov/crisisgraph/internal/metrics"
	"github.com/ppiankov/crisisgraph/internal/model"
	"github.com/ppiankov/crisisgraph/internal/simulation"
)

var (
	// ErrUnsupportedSignal is returned for signal kinds no perception agent handles
	ErrUnsupportedSignal = errors.New("unsupported signal kind")

	// ErrEmptySignal is returned for a signal without content
	ErrEmptySignal = errors.New("signal has no content")

	// ErrInvalidDecision is returned when a decision is neither approve nor reject
	ErrInvalidDecision = errors.New("decision must be approve or reject")
)

// Options configures a Coordinator
type Options struct {
	Decisions  model.DecisionConfig
	Decay      model.DecayConfig
	Simulation model.SimulationConfig

	// Catalog supplies scenarios; nil uses the built-in ones only
	Catalog *simulation.Catalog

	BatchConcurrency int // Signals of one batch processed at once
	TimelineSize     int

	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Coordinator owns the situation graph
type Coordinator struct {
	graph   *graph.Graph
	gateway *agent.Gateway
	hub     *broadcast.Hub
	engine  *simulation.Engine

	opts    Options
	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics

	// session is held for reading while a merge checks the epoch and writes,
	// and for writing while the graph is reset, so no stale merge lands in a
	// fresh session.
	session sync.RWMutex

	planning    atomic.Bool
	planMu      sync.Mutex
	lastPlanned time.Time

	decayMu   sync.Mutex
	lastDecay time.Time

	timeline *timeline
}

// New creates a coordinator and the simulation engine it drives
func New(g *graph.Graph, gw *agent.Gateway, hub *broadcast.Hub, opts Options) (*Coordinator, error) {
	defaults := model.DefaultConfig()
	if opts.Decisions.CriticalWindow <= 0 {
		opts.Decisions = defaults.Decisions
	}
	if opts.Decay.Interval <= 0 {
		opts.Decay = defaults.Decay
	}
	if opts.Simulation.Tick <= 0 {
		opts.Simulation.Tick = defaults.Simulation.Tick
	}
	if opts.BatchConcurrency <= 0 {
		opts.BatchConcurrency = 4
	}
	if opts.TimelineSize <= 0 {
		opts.TimelineSize = 50
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Catalog == nil {
		cat, err := simulation.NewCatalog("", opts.Logger.Named("catalog"))
		if err != nil {
			return nil, err
		}
		opts.Catalog = cat
	}

	c := &Coordinator{
		graph:     g,
		gateway:   gw,
		hub:       hub,
		opts:      opts,
		clock:     opts.Clock,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		lastDecay: opts.Clock.Now(),
		timeline:  newTimeline(opts.TimelineSize),
	}
	c.engine = simulation.NewEngine(c, opts.Catalog, simulation.Options{
		Tick:    opts.Simulation.Tick,
		Workers: opts.Simulation.Workers,
		Clock:   opts.Clock,
		Logger:  opts.Logger.Named("simulation"),
		Metrics: opts.Metrics,
	})
	return c, nil
}

// Close stops the simulation and waits for in-flight events
func (c *Coordinator) Close() {
	c.engine.Close()
}

func (c *Coordinator) publish(t model.EventType, payload any) {
	c.hub.Publish(model.Event{
		Type:      t,
		Payload:   payload,
		Timestamp: c.clock.Now(),
		Version:   c.graph.Version(),
	})
}

func (c *Coordinator) publishGraph() {
	snap := c.graph.Snapshot()
	c.hub.Publish(model.Event{
		Type:      model.EventGraphUpdate,
		Payload:   snap,
		Timestamp: c.clock.Now(),
		Version:   snap.Version,
	})
}

// InitialState is the first event every subscriber receives
type InitialState struct {
	Graph      model.Snapshot    `json:"graph"`
	Simulation simulation.Status `json:"simulation"`
	Timeline   []TimelineEntry   `json:"timeline"`
}

// Subscribe registers an observer. Its first event is initial_state.
func (c *Coordinator) Subscribe() *broadcast.Subscription {
	return c.hub.Subscribe(func() model.Event {
		snap := c.graph.Snapshot()
		return model.Event{
			Type: model.EventInitialState,
			Payload: InitialState{
				Graph:      snap,
				Simulation: c.engine.Status(),
				Timeline:   c.timeline.entries(),
			},
			Timestamp: c.clock.Now(),
			Version:   snap.Version,
		}
	})
}

// Unsubscribe removes an observer
func (c *Coordinator) Unsubscribe(s *broadcast.Subscription) {
	c.hub.Unsubscribe(s)
}

// Stats is the dashboard summary
type Stats struct {
	model.Stats
	Version     uint64            `json:"version"`
	Subscribers int               `json:"subscribers"`
	Backend     string            `json:"agent_backend"`
	Simulation  simulation.Status `json:"simulation"`
}

// Stats summarizes the graph, the hub and the simulation
func (c *Coordinator) Stats() Stats {
	return Stats{
		Stats:       c.graph.Stats(),
		Version:     c.graph.Version(),
		Subscribers: c.hub.Len(),
		Backend:     c.gateway.Backend(),
		Simulation:  c.engine.Status(),
	}
}

// Snapshot returns an independent copy of the graph
func (c *Coordinator) Snapshot() model.Snapshot {
	return c.graph.Snapshot()
}

// Audit returns the decision trail for one record, or all of it for an empty id
func (c *Coordinator) Audit(id string) []graph.AuditEntry {
	return c.graph.Audit(id)
}

// Timeline returns recent coordination events, oldest first
func (c *Coordinator) Timeline() []TimelineEntry {
	return c.timeline.entries()
}
