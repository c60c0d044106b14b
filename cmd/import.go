package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/evolab/evosim-session/internal"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// importCmd represents the import command
var importCmd = &cobra.Command{
	Use:   "import <bundle-file>",
	Short: "Import a session bundle",
	Long: `Import a bundle produced by export. The bundle's checksum is
verified when present, and the session is stored under a new id so it
cannot collide with an existing one.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read bundle: %w", err)
		}

		var bundle internal.SessionExport
		switch filepath.Ext(args[0]) {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(data, &bundle)
		default:
			err = json.Unmarshal(data, &bundle)
		}
		if err != nil {
			return fmt.Errorf("failed to parse bundle: %w", err)
		}

		svc, err := newService()
		if err != nil {
			return err
		}
		defer svc.Close()

		session, err := svc.ImportSession(context.Background(), &bundle)
		if err != nil {
			return fmt.Errorf("failed to import session: %w", err)
		}

		fmt.Printf("Imported session %s as %s\n",
			titleStyle.Render(session.Metadata.Name),
			idStyle.Render(session.Metadata.ID))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(importCmd)
}
