// Package diffcover drives differential coverage: it validates the configured
// diff target once, and after every merge regenerates the diff-cover report
// and the cached diff info.
package diffcover

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/shlex"
	"golang.org/x/sync/singleflight"

	"github.com/zjy-dev/covhub/internal/coverage"
	"github.com/zjy-dev/covhub/internal/diffinfo"
	"github.com/zjy-dev/covhub/internal/difftarget"
	"github.com/zjy-dev/covhub/internal/exec"
	"github.com/zjy-dev/covhub/internal/logger"
	"github.com/zjy-dev/covhub/internal/state"
)

const (
	// ReportFileName is the diff-cover HTML report inside the output directory.
	ReportFileName = "diff-coverage.html"
	// DefaultCommand is the diff-cover executable used when none is configured.
	DefaultCommand = "diff-cover"
	// DefaultTimeout bounds one diff-cover run.
	DefaultTimeout = 2 * time.Minute
)

var (
	// ErrNotEnabled is returned when no valid diff target is configured.
	ErrNotEnabled = errors.New("differential coverage is not enabled")
	// ErrToolUnavailable is returned when the diff-cover command cannot be run.
	ErrToolUnavailable = errors.New("diff coverage tool unavailable")
	// ErrReportGeneration is returned when diff-cover fails to produce a report.
	ErrReportGeneration = errors.New("diff coverage report generation failed")
)

// State is the lifecycle stage of the orchestrator.
type State string

const (
	StateUnconfigured State = "unconfigured"
	StateValidating   State = "validating"
	StateDisabled     State = "disabled"
	StateReady        State = "ready"
	StateGenerating   State = "generating"
)

// Config holds the orchestrator settings.
type Config struct {
	Target    string
	Command   string
	RepoRoot  string
	OutputDir string
	Timeout   time.Duration
}

// Classifier decides what kind of diff target a string is.
type Classifier interface {
	Classify(target string) difftarget.Classification
}

// InfoExtractor computes changed files and a summary for a classified target.
type InfoExtractor interface {
	Extract(ctx context.Context, target string, kind difftarget.Kind) (*diffinfo.Info, error)
}

// LCOVWriter writes the LCOV tracefile diff-cover consumes.
type LCOVWriter interface {
	RenderLCOV(snap coverage.Snapshot) (string, error)
}

// Deps are the capabilities the orchestrator drives.
type Deps struct {
	Resolver  Classifier
	Extractor InfoExtractor
	LCOV      LCOVWriter
	Cache     state.Manager
	Executor  exec.Executor
	// Lock, when set, is held while files are published into OutputDir.
	Lock sync.Locker
}

// InfoResult is the diff info reported to clients.
type InfoResult struct {
	Target             string          `json:"target"`
	TargetType         difftarget.Kind `json:"targetType"`
	ChangedFiles       []string        `json:"changedFiles"`
	DiffSummary        string          `json:"diffSummary"`
	EnableDiffCoverage bool            `json:"enableDiffCoverage"`
	GeneratedAt        *time.Time      `json:"generatedAt,omitempty"`
	Cached             bool            `json:"cached"`
	Stale              bool            `json:"stale,omitempty"`
}

// Orchestrator owns the differential coverage lifecycle.
type Orchestrator struct {
	cfg  Config
	deps Deps
	log  *logger.Logger

	mu    sync.Mutex
	state State
	class difftarget.Classification

	runMu sync.Mutex
	runs  singleflight.Group
	infos singleflight.Group
}

// New creates an orchestrator. Configure must be called before use.
func New(cfg Config, deps Deps) *Orchestrator {
	if strings.TrimSpace(cfg.Command) == "" {
		cfg.Command = DefaultCommand
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RepoRoot == "" {
		cfg.RepoRoot = "."
	}
	return &Orchestrator{
		cfg:   cfg,
		deps:  deps,
		log:   logger.Named("diffcover"),
		state: StateUnconfigured,
	}
}

// Configure classifies the target once. An invalid target disables
// differential coverage for the lifetime of the orchestrator.
func (o *Orchestrator) Configure() State {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != StateUnconfigured {
		return o.state
	}
	if strings.TrimSpace(o.cfg.Target) == "" {
		return o.state
	}

	o.state = StateValidating
	o.class = o.deps.Resolver.Classify(o.cfg.Target)
	if !o.class.Valid {
		o.state = StateDisabled
		o.log.Warnf("differential coverage disabled: %v", o.class.Err)
		return o.state
	}
	o.state = StateReady
	o.log.Infof("differential coverage enabled for %s %q", o.class.Kind, o.cfg.Target)
	return o.state
}

// State returns the current lifecycle stage.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Target returns the configured diff target.
func (o *Orchestrator) Target() string {
	return o.cfg.Target
}

// Classification returns the result of Configure.
func (o *Orchestrator) Classification() difftarget.Classification {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.class
}

// ReportPath returns where diff-cover writes its HTML report.
func (o *Orchestrator) ReportPath() string {
	return filepath.Join(o.cfg.OutputDir, ReportFileName)
}

// HasReport reports whether a diff-cover report is present.
func (o *Orchestrator) HasReport() bool {
	info, err := os.Stat(o.ReportPath())
	return err == nil && !info.IsDir()
}

// Enabled reports whether a valid diff target is configured.
func (o *Orchestrator) Enabled() bool {
	_, err := o.enabled()
	return err == nil
}

func (o *Orchestrator) enabled() (difftarget.Classification, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch o.state {
	case StateReady, StateGenerating:
		return o.class, nil
	case StateDisabled:
		return o.class, fmt.Errorf("%w: %v", ErrNotEnabled, o.class.Err)
	default:
		return o.class, fmt.Errorf("%w: no diff target configured", ErrNotEnabled)
	}
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// Regenerate rebuilds the diff-cover report and the diff info cache for snap.
// Calls for the same snapshot share one run; runs never overlap.
func (o *Orchestrator) Regenerate(ctx context.Context, snap coverage.Snapshot) error {
	class, err := o.enabled()
	if err != nil {
		return err
	}
	fingerprint := coverage.Fingerprint(snap)
	_, err, shared := o.runs.Do(fingerprint, func() (interface{}, error) {
		o.runMu.Lock()
		defer o.runMu.Unlock()

		o.setState(StateGenerating)
		defer o.setState(StateReady)
		return nil, o.regenerate(ctx, snap, fingerprint, class)
	})
	if shared {
		o.log.Debugf("joined in-flight regeneration for snapshot %s", fingerprint)
	}
	return err
}

func (o *Orchestrator) regenerate(ctx context.Context, snap coverage.Snapshot, fingerprint string, class difftarget.Classification) error {
	argv, err := shlex.Split(o.cfg.Command)
	if err != nil || len(argv) == 0 {
		return fmt.Errorf("%w: cannot parse command %q", ErrToolUnavailable, o.cfg.Command)
	}
	if err := o.checkTool(ctx, argv); err != nil {
		return err
	}

	lcovPath, err := o.deps.LCOV.RenderLCOV(snap)
	if err != nil {
		return fmt.Errorf("failed to write lcov for diff coverage: %w", err)
	}

	o.refreshInfo(ctx, class, fingerprint)

	// diff-cover writes into a sibling staging directory; the finished report
	// replaces the published one only on success.
	outAbs, err := filepath.Abs(o.cfg.OutputDir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrReportGeneration, err)
	}
	stage, err := os.MkdirTemp(filepath.Dir(outAbs), ".diff-cover-")
	if err != nil {
		return fmt.Errorf("%w: failed to create staging directory: %v", ErrReportGeneration, err)
	}
	defer os.RemoveAll(stage)
	staged := filepath.Join(stage, ReportFileName)

	args, err := o.buildArgs(argv[1:], lcovPath, staged, class)
	if err != nil {
		return err
	}
	if err := o.runTool(ctx, argv[0], args, staged); err != nil {
		return err
	}
	return o.publish(staged)
}

func (o *Orchestrator) publish(staged string) error {
	return o.locked(func() error {
		if err := os.MkdirAll(o.cfg.OutputDir, 0755); err != nil {
			return fmt.Errorf("%w: %v", ErrReportGeneration, err)
		}
		if err := os.Rename(staged, o.ReportPath()); err != nil {
			return fmt.Errorf("%w: failed to publish %s: %v", ErrReportGeneration, ReportFileName, err)
		}
		return nil
	})
}

func (o *Orchestrator) locked(fn func() error) error {
	if o.deps.Lock != nil {
		o.deps.Lock.Lock()
		defer o.deps.Lock.Unlock()
	}
	return fn()
}

func (o *Orchestrator) checkTool(ctx context.Context, argv []string) error {
	checkCtx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	args := append(append([]string{}, argv[1:]...), "--version")
	res, err := o.deps.Executor.Run(checkCtx, o.cfg.RepoRoot, argv[0], args...)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrToolUnavailable, o.cfg.Command, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: %s: exit status %d: %s", ErrToolUnavailable, o.cfg.Command, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// refreshInfo recomputes and caches the diff info. Failures are logged; the
// diff-cover run does not depend on them.
func (o *Orchestrator) refreshInfo(ctx context.Context, class difftarget.Classification, fingerprint string) {
	info, err := o.deps.Extractor.Extract(ctx, o.cfg.Target, class.Kind)
	if err != nil {
		o.log.Warnf("failed to extract diff info: %v", err)
		return
	}
	if o.deps.Cache == nil {
		return
	}
	rec := &state.DiffInfoRecord{
		Target:              o.cfg.Target,
		TargetType:          string(info.TargetType),
		ChangedFiles:        info.ChangedFiles,
		DiffSummary:         info.DiffSummary,
		SnapshotFingerprint: fingerprint,
	}
	if err := o.locked(func() error { return o.deps.Cache.Save(rec) }); err != nil {
		o.log.Warnf("failed to cache diff info: %v", err)
	}
}

func (o *Orchestrator) buildArgs(prefix []string, lcovPath, reportPath string, class difftarget.Classification) ([]string, error) {
	lcovAbs, err := filepath.Abs(lcovPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReportGeneration, err)
	}
	reportAbs, err := filepath.Abs(reportPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReportGeneration, err)
	}

	args := append([]string{}, prefix...)
	args = append(args, lcovAbs)
	switch class.Kind {
	case difftarget.KindDiffFile:
		diffAbs, err := filepath.Abs(o.cfg.Target)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrReportGeneration, err)
		}
		args = append(args, "--diff-file="+diffAbs)
	default:
		args = append(args, "--compare-branch="+o.cfg.Target)
	}
	return append(args, "--html-report", reportAbs), nil
}

func (o *Orchestrator) runTool(ctx context.Context, command string, args []string, reportPath string) error {
	runCtx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	o.log.Debugf("running %s %s", command, strings.Join(args, " "))
	start := time.Now()
	res, err := o.deps.Executor.Run(runCtx, o.cfg.RepoRoot, command, args...)
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: timed out after %s", ErrReportGeneration, o.cfg.Timeout)
		}
		return fmt.Errorf("%w: %v", ErrReportGeneration, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: exit status %d: %s", ErrReportGeneration, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	if stderr := strings.TrimSpace(res.Stderr); stderr != "" {
		o.log.Warnf("diff-cover reported: %s", stderr)
	}
	if info, err := os.Stat(reportPath); err != nil || info.IsDir() {
		return fmt.Errorf("%w: %s was not produced", ErrReportGeneration, ReportFileName)
	}
	o.log.Infof("diff coverage report generated in %s", time.Since(start).Round(time.Millisecond))
	return nil
}

// Info returns the diff info for the configured target. A cached record is
// preferred and flagged stale when it was computed for a different snapshot;
// otherwise the info is computed on demand without touching the cache.
func (o *Orchestrator) Info(ctx context.Context, fingerprint string) (*InfoResult, error) {
	class, err := o.enabled()
	if err != nil {
		return nil, err
	}

	if o.deps.Cache != nil && o.deps.Cache.Exists() {
		rec, err := o.deps.Cache.Load()
		switch {
		case err == nil && rec.Target == o.cfg.Target:
			generated := rec.GeneratedAt
			return &InfoResult{
				Target:             o.cfg.Target,
				TargetType:         difftarget.Kind(rec.TargetType),
				ChangedFiles:       rec.ChangedFiles,
				DiffSummary:        rec.DiffSummary,
				EnableDiffCoverage: true,
				GeneratedAt:        &generated,
				Cached:             true,
				Stale:              !rec.FreshFor(fingerprint),
			}, nil
		case err == nil:
			o.log.Debugf("ignoring cached diff info for target %q", rec.Target)
		case !errors.Is(err, state.ErrNoRecord):
			o.log.Warnf("failed to load cached diff info: %v", err)
		}
	}

	v, err, _ := o.infos.Do(o.cfg.Target, func() (interface{}, error) {
		return o.deps.Extractor.Extract(ctx, o.cfg.Target, class.Kind)
	})
	if err != nil {
		return nil, err
	}
	info := v.(*diffinfo.Info)
	return &InfoResult{
		Target:             o.cfg.Target,
		TargetType:         info.TargetType,
		ChangedFiles:       append([]string{}, info.ChangedFiles...),
		DiffSummary:        info.DiffSummary,
		EnableDiffCoverage: true,
	}, nil
}
