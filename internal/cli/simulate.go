package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/crisisgraph/internal/broadcast"
	"github.com/ppiankov/crisisgraph/internal/coordinator"
	"github.com/ppiankov/crisisgraph/internal/model"
	"github.com/ppiankov/crisisgraph/internal/simulation"
)

var (
	simSpeed   float64
	simFile    string
	simJSON    bool
	simApprove bool
)

// simulateCmd represents the simulate command
var simulateCmd = &cobra.Command{
	Use:   "simulate [scenario-id]",
	Short: "Play a scenario headless and print what happens",
	Long: `Simulate plays a scenario against a private situation graph and prints
incidents, contradictions, recommendations and decisions as they occur.
It exits when the scenario timeline ends.

Without --approve every recommendation is left pending and expires at its
deadline, as it would with nobody at the dashboard.

Example:
  crisisgraph simulate
  crisisgraph simulate earthquake_001 --speed 20
  crisisgraph simulate --file drills/flood.yaml --json > events.jsonl
  crisisgraph simulate --approve`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)

	simulateCmd.Flags().Float64Var(&simSpeed, "speed", 10, "playback speed multiplier")
	simulateCmd.Flags().StringVar(&simFile, "file", "", "play this scenario file instead of a catalog entry")
	simulateCmd.Flags().BoolVar(&simJSON, "json", false, "print every event as a JSON line")
	simulateCmd.Flags().BoolVar(&simApprove, "approve", false, "approve each recommendation as it arrives")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// the printer must never fall behind a scenario burst
	cfg.Broadcast.Buffer = 4096
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	st, err := buildStack(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	scenarioID := ""
	if len(args) == 1 {
		scenarioID = args[0]
	}
	if simFile != "" {
		sc, err := simulation.LoadFile(simFile)
		if err != nil {
			return err
		}
		st.catalog.Add(sc)
		scenarioID = sc.ID
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return st.coord.RunMaintenance(gctx) })

	sub := st.coord.Subscribe()
	defer st.coord.Unsubscribe(sub)
	if err := st.coord.StartSimulation(gctx, scenarioID, simSpeed); err != nil {
		stop()
		_ = g.Wait()
		return err
	}

	g.Go(func() error {
		defer stop()
		return followSimulation(gctx, os.Stdout, st.coord, sub, simApprove)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	stats := st.coord.Stats()
	if simJSON {
		return json.NewEncoder(os.Stdout).Encode(stats)
	}
	fmt.Println()
	fmt.Printf("Scenario:        %s\n", stats.Simulation.ScenarioName)
	fmt.Printf("Events fired:    %d/%d\n", stats.Simulation.EventsFired, stats.Simulation.EventsTotal)
	fmt.Printf("Incidents:       %d (%d active, %d responding)\n", stats.TotalIncidents, stats.ActiveIncidents, stats.RespondingIncidents)
	fmt.Printf("Resources:       %d/%d deployed\n", stats.DeployedResources, stats.TotalResources)
	fmt.Printf("Contradictions:  %d open\n", stats.OpenContradictions)
	fmt.Printf("Pending actions: %d\n", stats.PendingActions)
	fmt.Printf("Agents:          %s\n", stats.Backend)
	return nil
}

// followSimulation prints events until the scenario ends, then waits for the
// events still being applied and prints what they published
func followSimulation(ctx context.Context, w io.Writer, coord *coordinator.Coordinator, sub *broadcast.Subscription, approve bool) error {
	handle := func(ev model.Event) error {
		if err := printEvent(w, ev); err != nil {
			return err
		}
		if a, ok := ev.Payload.(model.ActionRecommendation); ok && approve {
			if _, err := coord.DecideAction(a.ID, "approve", "cli", "approved by simulate --approve"); err != nil {
				fmt.Fprintf(os.Stderr, "approve %s: %v\n", a.ID, err)
			}
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return errors.New("event stream dropped")
			}
			if err := handle(ev); err != nil {
				return err
			}
			if s, ok := ev.Payload.(simulation.Status); ok && s.Ended {
				coord.WaitSimulation()
				return drainEvents(sub, handle)
			}
		}
	}
}

// drainEvents handles whatever is already buffered on sub without waiting for more
func drainEvents(sub *broadcast.Subscription, handle func(model.Event) error) error {
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if err := handle(ev); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// printEvent writes one line per meaningful event
func printEvent(w io.Writer, ev model.Event) error {
	if simJSON {
		return json.NewEncoder(w).Encode(ev)
	}
	ts := ev.Timestamp.Format("15:04:05")
	var line string
	switch p := ev.Payload.(type) {
	case model.Incident:
		line = fmt.Sprintf("INCIDENT   %s %s in sector %s (%s, confidence %.2f)", p.ID, p.Kind, orDash(p.Position.Sector), p.Urgency, p.Confidence)
	case model.ContradictionAlert:
		line = fmt.Sprintf("CONFLICT   %s about %s (%s): %s", p.ID, p.EntityName, p.Severity, p.Description)
	case model.ActionRecommendation:
		line = fmt.Sprintf("RECOMMEND  %s %s to %s with %s, decide by %s",
			p.ID, p.ActionType, orDash(p.TargetIncidentID), strings.Join(p.ResourcesToAllocate, ","), p.DecisionDeadline.Format("15:04:05"))
	case coordinator.DecisionMade:
		line = fmt.Sprintf("DECISION   %s %s %s", p.Subject, p.ID, p.Outcome)
		if p.Actor != "" {
			line += " by " + p.Actor
		}
	case model.Resource:
		line = fmt.Sprintf("RESOURCE   %s %s", p.UnitID, p.Status)
		if p.AssignedIncidentID != "" {
			line += " -> " + p.AssignedIncidentID
		}
	case simulation.Status:
		state := "running"
		switch {
		case p.Ended:
			state = "ended"
		case p.Paused:
			state = "paused"
		case !p.Running:
			state = "stopped"
		}
		line = fmt.Sprintf("SIMULATION %s %s %d/%d events at %.0fs (x%.1f)", orDash(p.ScenarioID), state, p.EventsFired, p.EventsTotal, p.ElapsedSeconds, p.Speed)
	default:
		if !verbose {
			return nil
		}
		line = fmt.Sprintf("%-10s version %d", strings.ToUpper(string(ev.Type)), ev.Version)
	}
	_, err := fmt.Fprintf(w, "%s %s\n", ts, line)
	return err
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
