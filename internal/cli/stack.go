package cli

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/ppiankov/crisisgraph/internal/agent"
	"github.com/ppiankov/crisisgraph/internal/broadcast"
	"github.com/ppiankov/crisisgraph/internal/cache"
	"github.com/ppiankov/crisisgraph/internal/coordinator"
	"github.com/ppiankov/crisisgraph/internal/graph"
	"github.com/ppiankov/crisisgraph/internal/llm"
	"github.com/ppiankov/crisisgraph/internal/logging"
	"github.com/ppiankov/crisisgraph/internal/metrics"
	"github.com/ppiankov/crisisgraph/internal/model"
	"github.com/ppiankov/crisisgraph/internal/simulation"
	"github.com/ppiankov/crisisgraph/internal/worker"
)

// stack is one fully wired coordinator and everything around it
type stack struct {
	cfg      model.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	catalog  *simulation.Catalog
	hub      *broadcast.Hub
	coord    *coordinator.Coordinator
}

func buildStack(cfg model.Config, logger *zap.Logger) (*stack, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	provider, err := llm.NewProvider(llm.ConfigFromModel(cfg.LLM))
	if err != nil {
		return nil, fmt.Errorf("llm provider: %w", err)
	}
	var agentCache cache.Cache
	if cfg.Agent.CacheTTL > 0 {
		agentCache = cache.NewMemoryCache(cfg.Agent.CacheTTL, 2*cfg.Agent.CacheTTL)
	}
	limiter := worker.NewLimiter(cfg.Agent.RatePerSecond, cfg.Agent.Burst)
	if cfg.Agent.PlanningRate > 0 {
		limiter.SetRate(string(agent.KindPlanning), cfg.Agent.PlanningRate, 1)
		limiter.SetRate(string(agent.KindAllocation), cfg.Agent.PlanningRate, 1)
	}
	gw := agent.NewGateway(agent.Options{
		Provider:    provider,
		Config:      cfg.Agent,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
		Logger:      logging.Named(logger, "agent"),
		Metrics:     m,
		Cache:       agentCache,
		Limiter:     limiter,
	})
	if !gw.Online() {
		logger.Info("no llm provider configured, agents run on heuristics")
	}

	g := graph.New(graph.Options{
		Logger:             logging.Named(logger, "graph"),
		DecayRatePerMinute: cfg.Decay.RatePerMinute,
		DecayFloor:         cfg.Decay.Floor,
	})
	hub := broadcast.NewHub(cfg.Broadcast.Buffer, logging.Named(logger, "broadcast"), m)

	catalog, err := simulation.NewCatalog(cfg.Simulation.ScenarioDir, logging.Named(logger, "catalog"))
	if err != nil {
		return nil, err
	}
	coord, err := coordinator.New(g, gw, hub, coordinator.Options{
		Decisions:  cfg.Decisions,
		Decay:      cfg.Decay,
		Simulation: cfg.Simulation,
		Catalog:    catalog,
		Logger:     logging.Named(logger, "coordinator"),
		Metrics:    m,
	})
	if err != nil {
		return nil, err
	}

	return &stack{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		catalog:  catalog,
		hub:      hub,
		coord:    coord,
	}, nil
}

// Close stops playback, then disconnects every subscriber
func (s *stack) Close() {
	s.coord.Close()
	s.hub.Close()
}

// newLogger builds the process logger; --verbose forces debug
func newLogger(cfg model.Config) (*zap.Logger, error) {
	level := cfg.Log.Level
	if verbose {
		level = "debug"
	}
	return logging.New(level, cfg.Log.Format)
}
