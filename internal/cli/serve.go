package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/crisisgraph/internal/bridge"
	"github.com/ppiankov/crisisgraph/internal/logging"
	"github.com/ppiankov/crisisgraph/internal/server"
)

var autostart string

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordination service",
	Long: `Serve starts the situation graph behind an HTTP API and a websocket
event stream for dashboards, plus the maintenance loop that expires
overdue recommendations and decays stale confidence.

Example:
  crisisgraph serve
  crisisgraph serve --addr :9090 --llm-provider openai --llm-model gpt-4o-mini
  crisisgraph serve --autostart earthquake_001 --speed 5
  crisisgraph serve --nats-url nats://localhost:4222`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "", "listen address (default :8080)")
	serveCmd.Flags().String("llm-provider", "", "LLM provider (openai, gemini, anthropic, ollama); empty runs offline")
	serveCmd.Flags().String("llm-model", "", "LLM model name")
	serveCmd.Flags().String("scenario-dir", "", "directory of scenario files, watched for changes")
	serveCmd.Flags().String("nats-url", "", "mirror events to this NATS server")
	serveCmd.Flags().Float64("speed", 0, "simulation speed multiplier")
	serveCmd.Flags().StringVar(&autostart, "autostart", "", "scenario to start playing at boot")

	_ = viper.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("llm.provider", serveCmd.Flags().Lookup("llm-provider"))
	_ = viper.BindPFlag("llm.model", serveCmd.Flags().Lookup("llm-model"))
	_ = viper.BindPFlag("simulation.scenario_dir", serveCmd.Flags().Lookup("scenario-dir"))
	_ = viper.BindPFlag("nats.url", serveCmd.Flags().Lookup("nats-url"))
	_ = viper.BindPFlag("simulation.speed", serveCmd.Flags().Lookup("speed"))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := buildStack(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return st.coord.RunMaintenance(gctx) })
	g.Go(func() error { return st.catalog.Watch(gctx) })

	if cfg.NATS.URL != "" {
		conn, err := bridge.Connect(cfg.NATS.URL, "crisisgraph", logging.Named(logger, "nats"))
		if err != nil {
			stop()
			_ = g.Wait()
			return err
		}
		defer conn.Close()

		b := bridge.New(st.coord, conn, bridge.Options{
			Subject:    cfg.NATS.Subject,
			RetryDelay: cfg.NATS.RetryDelay,
			Logger:     logging.Named(logger, "bridge"),
		})
		g.Go(func() error { return b.Run(gctx) })

		if cfg.NATS.SignalSubject != "" {
			sub, err := conn.Subscribe(cfg.NATS.SignalSubject, bridge.SignalHandler(gctx, st.coord, logging.Named(logger, "bridge")))
			if err != nil {
				stop()
				_ = g.Wait()
				return fmt.Errorf("subscribe %s: %w", cfg.NATS.SignalSubject, err)
			}
			defer func() { _ = sub.Unsubscribe() }()
		}
		logger.Info("nats bridge enabled",
			zap.String("url", cfg.NATS.URL),
			zap.String("events", cfg.NATS.Subject+".>"),
			zap.String("signals", cfg.NATS.SignalSubject))
	}

	if !verbose {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := server.New(gctx, st.coord, server.Options{
		Gatherer:        st.registry,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Logger:          logging.Named(logger, "http"),
	})
	g.Go(func() error { return srv.ListenAndServe(gctx, cfg.Server.Addr) })

	if autostart != "" {
		if err := st.coord.StartSimulation(gctx, autostart, cfg.Simulation.Speed); err != nil {
			stop()
			_ = g.Wait()
			return fmt.Errorf("autostart %s: %w", autostart, err)
		}
	}

	if verbose {
		fmt.Fprintf(os.Stderr, "Serving on %s (agents: %s)\n", cfg.Server.Addr, st.coord.Stats().Backend)
	}
	return g.Wait()
}
