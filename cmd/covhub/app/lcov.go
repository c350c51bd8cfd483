package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zjy-dev/covhub/internal/report"
)

// NewLCOVCommand creates the "lcov" subcommand.
func NewLCOVCommand() *cobra.Command {
	var outputDir string

	cmd := &cobra.Command{
		Use:   "lcov <coverage.json>...",
		Short: "Write an LCOV tracefile for coverage files.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := loadSnapshots(args)
			if err != nil {
				return err
			}
			path, err := report.NewGenerator(outputDir).RenderLCOV(snap)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputDir, "output", "o", "output", "Directory to write lcov.info into")
	return cmd
}
