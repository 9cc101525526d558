package cli

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/crisisgraph/internal/simulation"
)

// scenarioCmd represents the scenario command
var scenarioCmd = &cobra.Command{
	Use:   "scenario",
	Short: "Inspect and check scenario files",
}

var scenarioListCmd = &cobra.Command{
	Use:   "list",
	Short: "List playable scenarios",
	Long:  `List the built-in scenarios and those in the configured scenario directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		dir, _ := cmd.Flags().GetString("dir")
		if dir == "" {
			dir = cfg.Simulation.ScenarioDir
		}
		catalog, err := simulation.NewCatalog(dir, nil)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tEVENTS\tDURATION\tSOURCE")
		for _, s := range catalog.List() {
			source := "dir"
			if s.Builtin {
				source = "built-in"
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", s.ID, s.Name, s.Events,
				(time.Duration(s.Seconds) * time.Second).String(), source)
		}
		return tw.Flush()
	},
}

var scenarioValidateCmd = &cobra.Command{
	Use:   "validate <file>...",
	Short: "Check scenario files without playing them",
	Long: `Validate parses each file and checks every timeline event, reporting the
first problem found in each file.

Example:
  crisisgraph scenario validate drills/*.yaml`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		failed := 0
		for _, path := range args {
			sc, err := simulation.LoadFile(path)
			if err != nil {
				failed++
				var se *simulation.SchedulerError
				if errors.As(err, &se) && se.Event >= 0 {
					fmt.Fprintf(os.Stderr, "FAIL %s: event %d: %s\n", path, se.Event, se.Msg)
					continue
				}
				fmt.Fprintf(os.Stderr, "FAIL %s: %v\n", path, err)
				continue
			}
			fmt.Printf("ok   %s: %s (%d events over %s)\n", path, sc.ID, len(sc.Events), sc.Duration())
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d scenario files invalid", failed, len(args))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(scenarioCmd)
	scenarioCmd.AddCommand(scenarioListCmd)
	scenarioCmd.AddCommand(scenarioValidateCmd)

	scenarioListCmd.Flags().String("dir", "", "scenario directory (default simulation.scenario_dir)")
}
