package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/zjy-dev/covhub/internal/config"
	"github.com/zjy-dev/covhub/internal/diffcover"
	"github.com/zjy-dev/covhub/internal/diffinfo"
	"github.com/zjy-dev/covhub/internal/difftarget"
	"github.com/zjy-dev/covhub/internal/exec"
	"github.com/zjy-dev/covhub/internal/gitx"
	"github.com/zjy-dev/covhub/internal/logger"
	"github.com/zjy-dev/covhub/internal/pipeline"
	"github.com/zjy-dev/covhub/internal/report"
	"github.com/zjy-dev/covhub/internal/server"
	"github.com/zjy-dev/covhub/internal/state"
	"github.com/zjy-dev/covhub/internal/store"
)

const shutdownTimeout = 10 * time.Second

// NewServeCommand creates the "serve" subcommand.
func NewServeCommand(configFile *string) *cobra.Command {
	var (
		addr             string
		mountPath        string
		outputDir        string
		sourceRoot       string
		diffTarget       string
		diffCoverCommand string
		repoRoot         string
		diffTimeout      time.Duration
		resetOnGet       bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the coverage collection server.",
		Long: `Start the HTTP server that collects coverage.

Endpoints (relative to the mount path):
  POST /merge       merge an Istanbul coverage object
  POST /reset       discard accumulated coverage
  GET  /object      accumulated coverage as JSON
  GET  /lcov        LCOV tracefile
  GET  /download    zip of coverage.json and the HTML report
  GET  /diff        diff-cover HTML report
  GET  /diff/info   changed files for the diff target
  GET  /            HTML report

Configuration:
  Defaults come from the config file, .env and COVHUB_* variables.
  Command line flags override them.

Examples:
  # Serve on :3000 under /coverage
  covhub serve

  # Compare against origin/main after every merge
  covhub serve --diff-target origin/main

  # Use a unified diff file and a diff-cover installed with pipx
  covhub serve --diff-target changes.diff --diff-cover-command "pipx run diff-cover"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			flags := cmd.Flags()
			if flags.Changed("addr") {
				cfg.Addr = addr
			}
			if flags.Changed("mount-path") {
				cfg.MountPath = mountPath
			}
			if flags.Changed("output-dir") {
				cfg.OutputDir = outputDir
			}
			if flags.Changed("source-root") {
				cfg.SourceRoot = sourceRoot
			}
			if flags.Changed("diff-target") {
				cfg.DiffTarget = diffTarget
			}
			if flags.Changed("diff-cover-command") {
				cfg.DiffCoverCommand = diffCoverCommand
			}
			if flags.Changed("repo-root") {
				cfg.RepoRoot = repoRoot
			}
			if flags.Changed("diff-timeout") {
				cfg.DiffTimeout = diffTimeout
			}
			if flags.Changed("reset-on-get") {
				cfg.ResetOnGet = resetOnGet
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":3000", "Listen address")
	cmd.Flags().StringVar(&mountPath, "mount-path", "/coverage", "URL prefix of the coverage endpoints")
	cmd.Flags().StringVar(&outputDir, "output-dir", "output", "Directory reports are written to (cleared on every merge)")
	cmd.Flags().StringVar(&sourceRoot, "source-root", "", "Directory relative source paths are resolved against")
	cmd.Flags().StringVar(&diffTarget, "diff-target", "", "Git ref or unified diff file to compare coverage against")
	cmd.Flags().StringVar(&diffCoverCommand, "diff-cover-command", diffcover.DefaultCommand, "diff-cover command, split with shell quoting rules")
	cmd.Flags().StringVar(&repoRoot, "repo-root", ".", "Git repository diff-cover runs in")
	cmd.Flags().DurationVar(&diffTimeout, "diff-timeout", diffcover.DefaultTimeout, "Timeout for one diff-cover run")
	cmd.Flags().BoolVar(&resetOnGet, "reset-on-get", false, "Also allow GET /reset")

	return cmd
}

// buildPipeline wires the store, report generator and, when a diff target is
// configured, the differential coverage orchestrator.
func buildPipeline(cfg *config.Config) *pipeline.Pipeline {
	gen := report.NewGenerator(cfg.OutputDir,
		report.WithSourceRoot(cfg.SourceRoot),
		report.WithPreservedFiles(diffcover.ReportFileName, state.DiffInfoFileName),
	)
	p := pipeline.New(store.New(), gen)

	if cfg.DiffTarget == "" {
		return p
	}

	executor := exec.NewCommandExecutor()
	repo := gitx.NewRepo(cfg.RepoRoot, executor)
	fs := afero.NewOsFs()
	orch := diffcover.New(diffcover.Config{
		Target:    cfg.DiffTarget,
		Command:   cfg.DiffCoverCommand,
		RepoRoot:  cfg.RepoRoot,
		OutputDir: cfg.OutputDir,
		Timeout:   cfg.DiffTimeout,
	}, diffcover.Deps{
		Resolver:  difftarget.NewResolver(fs, repo),
		Extractor: diffinfo.NewExtractor(fs, repo),
		LCOV:      p,
		Cache:     state.NewFileManager(cfg.OutputDir),
		Executor:  executor,
		Lock:      p.ReportLocker(),
	})
	orch.Configure()
	p.SetDiffer(orch)
	return p
}

func runServe(ctx context.Context, cfg *config.Config) error {
	log := logger.Named("serve")
	p := buildPipeline(cfg)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", server.Health)
	server.Mount(mux, cfg.MountPath, server.New(p, server.Options{
		MaxBodyBytes: cfg.MaxBodyBytes,
		ResetOnGet:   cfg.ResetOnGet,
	}))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	printEndpoints(cfg)

	errCh := make(chan error, 1)
	go func() {
		log.Infof("listening on %s", cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	log.Infof("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

func printEndpoints(cfg *config.Config) {
	base := cfg.MountPath
	if base == "/" {
		base = ""
	}
	data := pterm.TableData{
		{"Method", "Path", "Description"},
		{"GET", base + "/", "HTML coverage report"},
		{"POST", base + "/merge", "Merge coverage"},
		{"POST", base + "/reset", "Reset coverage"},
		{"GET", base + "/object", "Coverage JSON"},
		{"GET", base + "/lcov", "LCOV tracefile"},
		{"GET", base + "/download", "Coverage zip"},
	}
	if cfg.ResetOnGet {
		data = append(data, []string{"GET", base + "/reset", "Reset coverage"})
	}
	if cfg.DiffTarget != "" {
		data = append(data,
			[]string{"GET", base + "/diff", "Diff coverage report (" + cfg.DiffTarget + ")"},
			[]string{"GET", base + "/diff/info", "Changed files"},
		)
	}
	data = append(data, []string{"GET", "/health", "Health check"})

	pterm.DefaultSection.Println("covhub " + cfg.Addr)
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		logger.Named("serve").Warnf("failed to print endpoints: %v", err)
	}
}
