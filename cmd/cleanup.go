package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var cleanupMaxAgeDays int

// cleanupCmd represents the cleanup command
var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove sessions older than the retention age",
	Long: `Remove every stored session whose creation date is older than the
retention age. Records that cannot be parsed are treated as corrupt and
removed as well.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newService()
		if err != nil {
			return err
		}
		defer svc.Close()

		maxAge := time.Duration(cleanupMaxAgeDays) * 24 * time.Hour
		removed, err := svc.CleanupExpired(context.Background(), maxAge)
		if err != nil {
			return fmt.Errorf("cleanup failed: %w", err)
		}
		fmt.Printf("Removed %d session(s) older than %d day(s)\n", removed, cleanupMaxAgeDays)
		return nil
	},
}

func init() {
	cleanupCmd.Flags().IntVar(&cleanupMaxAgeDays, "max-age", 30, "Retention age in days")
	rootCmd.AddCommand(cleanupCmd)
}
