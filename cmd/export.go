package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/evolab/evosim-session/internal"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	exportFormat string
	exportOutput string
)

// exportCmd represents the export command
var exportCmd = &cobra.Command{
	Use:   "export <session-id>",
	Short: "Export a session as a self-contained bundle",
	Long: `Export a session as a bundle carrying a version, timestamp, and
checksum, suitable for import on another device. The checksum detects
accidental corruption in transit.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newService()
		if err != nil {
			return err
		}
		defer svc.Close()

		bundle, err := svc.ExportSession(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("failed to export session: %w", err)
		}

		var data []byte
		switch exportFormat {
		case "json":
			data, err = json.MarshalIndent(bundle, "", "  ")
		case "yaml":
			data, err = yaml.Marshal(bundle)
		default:
			return fmt.Errorf("unsupported format: %s (supported: json, yaml)", exportFormat)
		}
		if err != nil {
			return fmt.Errorf("failed to serialize bundle: %w", err)
		}

		if exportOutput == "" {
			fmt.Println(string(data))
			return nil
		}
		if err := os.WriteFile(exportOutput, data, 0644); err != nil {
			return fmt.Errorf("failed to write bundle: %w", err)
		}
		internal.LogInfo("Exported session %s to %s", args[0], exportOutput)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "json", "Bundle format: json or yaml")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default stdout)")
	rootCmd.AddCommand(exportCmd)
}
