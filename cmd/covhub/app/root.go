package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zjy-dev/covhub/internal/config"
	"github.com/zjy-dev/covhub/internal/coverage"
	"github.com/zjy-dev/covhub/internal/logger"
	"github.com/zjy-dev/covhub/internal/store"
)

// NewCovhubCommand creates the root command for the covhub tool.
func NewCovhubCommand() *cobra.Command {
	var (
		configFile string
		logLevel   string
		noColor    bool
	)

	cmd := &cobra.Command{
		Use:   "covhub",
		Short: "A coverage collection server for Istanbul coverage.",
		Long: `covhub accumulates Istanbul coverage posted by test runs, renders HTML
and LCOV reports from it, and optionally runs diff-cover against a git ref or
a unified diff file after every merge.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logLevel
			if !cmd.Flags().Changed("log-level") {
				cfg, err := config.Load(configFile)
				if err != nil {
					return err
				}
				level = cfg.LogLevel
			}
			logger.Init(level)
			if noColor {
				logger.SetColorEnable(false)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default: configs/covhub.yaml or ./covhub.yaml when present)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	cmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored log output")

	cmd.AddCommand(NewServeCommand(&configFile))
	cmd.AddCommand(NewSummaryCommand())
	cmd.AddCommand(NewMergeCommand())
	cmd.AddCommand(NewLCOVCommand())

	return cmd
}

// loadSnapshots merges coverage files the same way the server merges posts.
func loadSnapshots(paths []string) (coverage.Snapshot, error) {
	st := store.New()
	for _, p := range paths {
		snap, err := coverage.LoadFile(p)
		if err != nil {
			return nil, err
		}
		st.Merge(snap)
	}
	if st.Empty() {
		return nil, fmt.Errorf("%w in %d file(s)", coverage.ErrNoCoverageData, len(paths))
	}
	return st.Get(), nil
}
