package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// showCmd represents the show command
var showCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show one session in detail",
	Long:  `Show a session's metadata, simulations, and performance counters.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newService()
		if err != nil {
			return err
		}
		defer svc.Close()

		session, err := svc.LoadSession(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("failed to load session: %w", err)
		}

		meta := session.Metadata
		fmt.Println(titleStyle.Render(meta.Name))
		fmt.Println(idStyle.Render(meta.ID))
		fmt.Println()
		fmt.Printf("Status:   %s\n", renderStatus(meta.Status))
		if meta.Priority != "" {
			fmt.Printf("Priority: %s\n", meta.Priority)
		}
		if len(meta.Tags) > 0 {
			fmt.Printf("Tags:     %s\n", strings.Join(meta.Tags, ", "))
		}
		fmt.Printf("Created:  %s\n", dateStyle.Render(meta.CreatedAt.Format(time.RFC3339)))
		fmt.Printf("Updated:  %s\n", dateStyle.Render(meta.UpdatedAt.Format(time.RFC3339)))
		if meta.TotalDuration > 0 {
			fmt.Printf("Duration: %s\n", meta.TotalDuration)
		}
		fmt.Printf("Version:  %s\n", meta.Version)

		perf := session.Performance
		fmt.Println()
		fmt.Println(headerStyle.Render("Performance"))
		fmt.Printf("  simulations: %d total, %d completed, %d failed, %d cancelled\n",
			perf.TotalSimulations, perf.CompletedSimulations, perf.FailedSimulations, perf.CancelledSimulations)
		fmt.Printf("  execution:   %s total, %s average, %d generations\n",
			perf.TotalExecutionTime, perf.AverageExecutionTime, perf.TotalGenerations)

		if len(session.Simulations) > 0 {
			fmt.Println()
			fmt.Println(headerStyle.Render("Simulations"))
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tPROGRESS\tGENERATIONS")
			for _, sim := range session.Simulations {
				fmt.Fprintf(w, "%s\t%s\t%.1f%%\t%d\n",
					idStyle.Render(sim.ID), sim.Status, sim.Progress, sim.Generations)
			}
			if err := w.Flush(); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(showCmd)
}
