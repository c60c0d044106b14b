package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/evolab/evosim-session/internal/storage"
	"github.com/spf13/cobra"
)

var (
	healthcheckVerbose bool
)

var (
	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39"))

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("62")).
			Bold(true).
			Underline(true)
)

// healthcheckCmd represents the healthcheck command
var healthcheckCmd = &cobra.Command{
	Use:   "healthcheck",
	Short: "Check that the session store is reachable and writable",
	Long: `Check the health of the session store by verifying:
  • Configuration resolution
  • Backend open
  • Write/read/remove round-trip
  • Session index accessibility

This command is useful for debugging storage issues, especially in CI/CD environments.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(sectionStyle.Render("🔍 Session Store Health Check"))
		fmt.Println()
		ctx := context.Background()

		// Step 1: resolve configuration
		fmt.Println(infoStyle.Render("Step 1: Resolving configuration..."))
		opts, err := serviceOptions()
		if err != nil {
			fmt.Println(errorStyle.Render("❌ Failed to resolve configuration:"), err)
			os.Exit(1)
		}
		fmt.Println(successStyle.Render("✅ Configuration resolved"))
		if healthcheckVerbose {
			fmt.Printf("   Backend: %s\n", opts.StorageType)
			fmt.Printf("   Data dir: %s\n", opts.Path)
		}
		fmt.Println()

		// Step 2: open the backend
		fmt.Println(infoStyle.Render("Step 2: Opening storage backend..."))
		adapter, err := storage.Open(storage.Config{
			Type:     opts.StorageType,
			Path:     opts.Path,
			MaxBytes: opts.MaxStorageSize,
		})
		if err != nil {
			fmt.Println(errorStyle.Render("❌ Failed to open backend:"), err)
			os.Exit(1)
		}
		fmt.Println(successStyle.Render("✅ Backend opened"))
		fmt.Println()

		// Step 3: probe a write/read/remove round-trip
		fmt.Println(infoStyle.Render("Step 3: Probing write/read/remove..."))
		const probeKey = "healthcheck_probe"
		if err := adapter.Set(ctx, probeKey, []byte("ok")); err != nil {
			fmt.Println(errorStyle.Render("❌ Probe write failed:"), err)
			os.Exit(1)
		}
		if value, err := adapter.Get(ctx, probeKey); err != nil || string(value) != "ok" {
			fmt.Println(errorStyle.Render("❌ Probe read failed"))
			os.Exit(1)
		}
		if err := adapter.Remove(ctx, probeKey); err != nil {
			fmt.Println(warningStyle.Render("⚠️  Probe cleanup failed:"), err)
		}
		fmt.Println(successStyle.Render("✅ Round-trip succeeded"))
		fmt.Println()

		// The probe holds the backend's lock; release it before the
		// service opens its own handle.
		if err := adapter.Close(); err != nil {
			fmt.Println(warningStyle.Render("⚠️  Failed to close probe handle:"), err)
		}

		// Step 4: count sessions through the service
		fmt.Println(infoStyle.Render("Step 4: Reading session index..."))
		svc, err := newService()
		if err != nil {
			fmt.Println(errorStyle.Render("❌ Failed to initialize service:"), err)
			os.Exit(1)
		}
		defer svc.Close()
		sessions, err := svc.GetAllSessions(ctx)
		if err != nil {
			fmt.Println(errorStyle.Render("❌ Failed to read index:"), err)
			os.Exit(1)
		}
		fmt.Println(successStyle.Render(fmt.Sprintf("✅ Index readable (%d session(s))", len(sessions))))
		return nil
	},
}

func init() {
	healthcheckCmd.Flags().BoolVar(&healthcheckVerbose, "details", false, "Show resolved paths and backend details")
	rootCmd.AddCommand(healthcheckCmd)
}
