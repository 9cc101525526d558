// Package server exposes the coordinator over HTTP and a websocket event stream.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ppiankov/crisisgraph/internal/coordinator"
)

// Options configures a Server
type Options struct {
	// Gatherer backs /metrics; nil leaves the route out
	Gatherer prometheus.Gatherer

	// AllowedOrigins restricts websocket clients; empty accepts any origin
	AllowedOrigins []string

	ShutdownTimeout time.Duration
	Logger          *zap.Logger
}

// Server is the HTTP front of a coordinator
type Server struct {
	coord  *coordinator.Coordinator
	base   context.Context
	router *gin.Engine
	opts   Options
	logger *zap.Logger
}

// New builds the router. base bounds everything that outlives a request:
// simulation playback and open websocket streams.
func New(base context.Context, coord *coordinator.Coordinator, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	s := &Server{
		coord:  coord,
		base:   base,
		router: gin.New(),
		opts:   opts,
		logger: opts.Logger,
	}
	s.setupRoutes()
	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(s.requestLogger())

	s.router.GET("/health", s.health)
	if s.opts.Gatherer != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})))
	}
	s.router.GET("/ws", gin.WrapH(s.websocketHandler()))

	api := s.router.Group("/api")
	{
		api.POST("/signals", s.processSignal)
		api.POST("/signals/batch", s.processBatch)

		api.GET("/graph", s.getGraph)
		api.GET("/stats", s.getStats)
		api.GET("/timeline", s.getTimeline)
		api.GET("/audit", s.getAudit)
		api.GET("/audit/:id", s.getAudit)
		api.GET("/decisions/pending", s.pendingDecisions)

		api.POST("/contradictions/:id/resolve", s.resolveContradiction)
		api.POST("/actions/:id/approve", s.decideAction("approve"))
		api.POST("/actions/:id/reject", s.decideAction("reject"))

		api.GET("/plans", s.listPlans)
		api.POST("/plans", s.generatePlan)
		api.POST("/plans/:id/approve", s.decidePlan("approve"))
		api.POST("/plans/:id/reject", s.decidePlan("reject"))
		api.GET("/camps", s.listCamps)
		api.POST("/camps/:id/approve", s.decideCamp("approve"))
		api.POST("/camps/:id/reject", s.decideCamp("reject"))

		api.POST("/resources/:id/assign", s.assignResource)
		api.POST("/resources/:id/release", s.releaseResource)
		api.POST("/resources/:id/status", s.changeResource)

		api.GET("/scenarios", s.listScenarios)
		sim := api.Group("/simulation")
		sim.POST("/start", s.startSimulation)
		sim.POST("/pause", s.pauseSimulation)
		sim.POST("/resume", s.resumeSimulation)
		sim.POST("/reset", s.resetSimulation)
		sim.POST("/speed", s.setSpeed)
		sim.GET("/status", s.simulationStatus)
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header("X-Request-ID", requestID)

		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("request_id", requestID),
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("error", c.Errors.String()))
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			s.logger.Warn("request failed", fields...)
			return
		}
		s.logger.Debug("request", fields...)
	}
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
