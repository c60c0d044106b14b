package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/evolab/evosim-session/internal"
	"github.com/spf13/cobra"
)

var (
	// Styles
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62")).
			Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	idStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240")).
		Italic(true)

	countStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	dateStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusStyles = map[internal.SessionStatus]lipgloss.Style{
		internal.StatusActive:    lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
		internal.StatusPaused:    lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		internal.StatusCompleted: lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		internal.StatusArchived:  lipgloss.NewStyle().Foreground(lipgloss.Color("243")),
		internal.StatusError:     lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		internal.StatusCancelled: lipgloss.NewStyle().Foreground(lipgloss.Color("243")),
	}
)

func renderStatus(status internal.SessionStatus) string {
	if style, ok := statusStyles[status]; ok {
		return style.Render(string(status))
	}
	return string(status)
}

// listCmd represents the list command
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored sessions",
	Long:  `List every session in the store's index, most recently saved first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newService()
		if err != nil {
			return err
		}
		defer svc.Close()

		sessions, err := svc.GetAllSessions(context.Background())
		if err != nil {
			return fmt.Errorf("failed to read session index: %w", err)
		}

		if len(sessions) == 0 {
			fmt.Println(dateStyle.Render("No sessions found."))
			return nil
		}

		fmt.Println(headerStyle.Render(fmt.Sprintf("Sessions (%d)", len(sessions))))
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tID\tSTATUS\tSIMS\tUPDATED")
		for _, s := range sessions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				titleStyle.Render(s.Name),
				idStyle.Render(s.ID),
				renderStatus(s.Status),
				countStyle.Render(fmt.Sprintf("%d", s.SimulationCount)),
				dateStyle.Render(s.UpdatedAt.Format(time.RFC3339)),
			)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}
