package app

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// NewMergeCommand creates the "merge" subcommand.
func NewMergeCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "merge <coverage.json>...",
		Short: "Merge coverage files offline.",
		Long: `Merge Istanbul coverage files with the same rules the server applies
to posted coverage, and write the result as JSON.

Examples:
  covhub merge -o merged.json unit.json e2e.json
  covhub merge run-*.json > merged.json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := loadSnapshots(args)
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(snap, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to encode merged coverage: %w", err)
			}
			data = append(data, '\n')

			if output == "" || output == "-" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			if err := os.WriteFile(output, data, 0644); err != nil {
				return fmt.Errorf("failed to write %s: %w", output, err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "merged %d file(s) from %d input(s) into %s\n", len(snap), len(args), output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "-", "Output file ('-' for stdout)")
	return cmd
}
