package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/evolab/evosim-session/internal"
	"github.com/spf13/cobra"
)

var (
	recoverCheck    bool
	recoverAuto     bool
	recoverNoBackup bool
)

// recoverCmd represents the recover command
var recoverCmd = &cobra.Command{
	Use:   "recover [session-id]",
	Short: "Detect and repair interrupted sessions",
	Long: `Detect sessions left behind by an interruption and restore them.

With --check, only report interrupted sessions and their integrity.
With --auto, recover every session solid enough to restore unattended.
With a session id, recover that session, repairing what can be repaired.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newService()
		if err != nil {
			return err
		}
		defer svc.Close()

		mgr := internal.NewSessionManager(svc, internal.DefaultSessionConfig())
		defer mgr.Close()
		rec := internal.NewRecoveryService(svc, mgr, internal.RecoveryOptions{
			Notifier: func(message string) {
				fmt.Println(successStyle.Render("✅ " + message))
			},
		})
		ctx := context.Background()

		switch {
		case recoverCheck:
			interrupted, err := rec.CheckForInterruptedSessions(ctx)
			if err != nil {
				return fmt.Errorf("interruption check failed: %w", err)
			}
			if len(interrupted) == 0 {
				fmt.Println(successStyle.Render("✅ No interrupted sessions"))
				return nil
			}
			for _, s := range interrupted {
				name := s.SessionID
				if s.Metadata != nil && s.Metadata.Name != "" {
					name = s.Metadata.Name
				}
				fmt.Printf("%s %s\n", warningStyle.Render("⚠️ "), titleStyle.Render(name))
				fmt.Printf("   id: %s\n", idStyle.Render(s.SessionID))
				fmt.Printf("   reason: %s, last activity %s\n",
					s.Reason, dateStyle.Render(s.LastActivity.Format(time.RFC3339)))
				fmt.Printf("   integrity: %.2f, recoverable: %v, suggested: %s\n",
					s.DataIntegrity, s.IsRecoverable, s.SuggestedAction)
			}
			return nil

		case recoverAuto:
			results, err := rec.AutoRecover(ctx)
			if err != nil {
				return fmt.Errorf("auto-recovery failed: %w", err)
			}
			recovered := 0
			for _, r := range results {
				if r.Recovered {
					recovered++
				}
			}
			fmt.Printf("Recovered %d of %d candidate session(s)\n", recovered, len(results))
			return nil

		case len(args) == 1:
			result, err := rec.RecoverSession(ctx, args[0], internal.RecoverOptions{
				ValidateIntegrity: true,
				CreateBackup:      !recoverNoBackup,
			})
			if err != nil {
				return fmt.Errorf("recovery failed: %w", err)
			}
			fmt.Println(successStyle.Render(fmt.Sprintf("✅ Recovered session %s", args[0])))
			fmt.Printf("   integrity: %.2f, repaired: %d item(s), took %s\n",
				result.Integrity, result.ItemsRecovered, result.Elapsed)
			for _, warning := range result.Warnings {
				fmt.Println(warningStyle.Render("⚠️  " + warning))
			}
			if result.BackupID != "" {
				fmt.Printf("   backup: %s\n", idStyle.Render(result.BackupID))
			}
			return nil

		default:
			return fmt.Errorf("specify a session id, --check, or --auto")
		}
	},
}

func init() {
	recoverCmd.Flags().BoolVar(&recoverCheck, "check", false, "Only report interrupted sessions")
	recoverCmd.Flags().BoolVar(&recoverAuto, "auto", false, "Automatically recover solid candidates")
	recoverCmd.Flags().BoolVar(&recoverNoBackup, "no-backup", false, "Skip the pre-recovery snapshot")
	rootCmd.AddCommand(recoverCmd)
}
