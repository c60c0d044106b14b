package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// statsCmd represents the stats command
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show storage statistics",
	Long:  `Show session count, bytes used, and the quota estimate for the store.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newService()
		if err != nil {
			return err
		}
		defer svc.Close()

		stats, err := svc.StorageStats(context.Background())
		if err != nil {
			return fmt.Errorf("failed to gather stats: %w", err)
		}

		fmt.Println(headerStyle.Render("Storage"))
		fmt.Printf("  sessions: %d\n", stats.SessionCount)
		fmt.Printf("  used:     %s\n", formatBytes(stats.TotalBytes))
		if stats.Quota.Quota > 0 {
			fmt.Printf("  quota:    %s (%.1f%% used, %s available)\n",
				formatBytes(stats.Quota.Quota), stats.Quota.UsagePercentage, formatBytes(stats.Quota.Available))
		} else {
			fmt.Println("  quota:    unavailable")
		}
		if !stats.OldestCreatedAt.IsZero() {
			fmt.Printf("  oldest:   %s\n", dateStyle.Render(stats.OldestCreatedAt.Format(time.RFC3339)))
			fmt.Printf("  newest:   %s\n", dateStyle.Render(stats.NewestCreatedAt.Format(time.RFC3339)))
		}
		return nil
	},
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
