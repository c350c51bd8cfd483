// Package pipeline ties the coverage store to the artifacts derived from it.
//
// Operations fall into two categories. Merge is best effort: accumulating the
// snapshot always succeeds and artifact failures come back as warnings.
// Requests for a specific artifact (LCOV, bundle, diff info) return errors.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/zjy-dev/covhub/internal/coverage"
	"github.com/zjy-dev/covhub/internal/diffcover"
	"github.com/zjy-dev/covhub/internal/logger"
	"github.com/zjy-dev/covhub/internal/report"
	"github.com/zjy-dev/covhub/internal/store"
)

// ErrNoDiffReport is returned when differential coverage is enabled but no
// report has been generated yet.
var ErrNoDiffReport = errors.New("diff coverage report not generated yet")

// Differ is the differential coverage capability.
type Differ interface {
	Enabled() bool
	Regenerate(ctx context.Context, snap coverage.Snapshot) error
	Info(ctx context.Context, fingerprint string) (*diffcover.InfoResult, error)
	HasReport() bool
	ReportPath() string
}

// Outcome describes a completed merge.
type Outcome struct {
	Files    int
	Warnings []string
}

// Pipeline coordinates merges and artifact generation.
type Pipeline struct {
	store   *store.Store
	reports *report.Generator
	diff    Differ
	log     *logger.Logger

	// reportMu guards the output directory. Writers hold it exclusively
	// and also apply store updates under it, so a reader holding the read
	// side sees a report tree rendered from the current snapshot.
	reportMu sync.RWMutex
}

// New creates a pipeline over st writing artifacts with reports.
func New(st *store.Store, reports *report.Generator) *Pipeline {
	return &Pipeline{
		store:   st,
		reports: reports,
		log:     logger.Named("pipeline"),
	}
}

// SetDiffer enables differential coverage after every merge.
func (p *Pipeline) SetDiffer(d Differ) {
	p.diff = d
}

// Merge accumulates snap and refreshes the HTML and diff reports.
func (p *Pipeline) Merge(ctx context.Context, snap coverage.Snapshot) Outcome {
	if snap.Empty() {
		return Outcome{Files: p.store.Len()}
	}

	p.reportMu.Lock()
	p.store.Merge(snap)
	frozen := p.store.Get()
	err := p.reports.RenderHTML(frozen)
	p.reportMu.Unlock()

	out := Outcome{Files: len(frozen)}
	if err != nil {
		out.warn(p.log, fmt.Sprintf("html report: %v", err))
	}

	if p.diff != nil && p.diff.Enabled() {
		if err := p.diff.Regenerate(ctx, frozen); err != nil {
			out.warn(p.log, fmt.Sprintf("diff coverage: %v", err))
		}
	}
	return out
}

func (o *Outcome) warn(log *logger.Logger, msg string) {
	o.Warnings = append(o.Warnings, msg)
	log.Warnf("%s", msg)
}

// Reset discards all accumulated coverage.
func (p *Pipeline) Reset() {
	p.reportMu.Lock()
	p.store.Reset()
	p.reportMu.Unlock()
	p.log.Infof("coverage reset")
}

// Snapshot returns a frozen copy of the accumulated coverage.
func (p *Pipeline) Snapshot() coverage.Snapshot {
	return p.store.Get()
}

// RenderLCOV writes the LCOV tracefile for snap under the report lock.
func (p *Pipeline) RenderLCOV(snap coverage.Snapshot) (string, error) {
	p.reportMu.Lock()
	defer p.reportMu.Unlock()
	return p.reports.RenderLCOV(snap)
}

// LCOV renders the tracefile for the current snapshot and returns its
// contents as written.
func (p *Pipeline) LCOV() ([]byte, error) {
	p.reportMu.Lock()
	defer p.reportMu.Unlock()
	target, err := p.reports.RenderLCOV(p.store.Get())
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(target)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", target, err)
	}
	return data, nil
}

// Bundle returns a zip stream of the current snapshot and report tree. The
// read side of the report lock is held until the archive is fully written
// or the stream is closed, so merges wait for the download.
func (p *Pipeline) Bundle() (io.ReadCloser, error) {
	if err := p.ensureHTML(); err != nil {
		return nil, err
	}
	p.reportMu.RLock()
	return p.reports.StreamBundle(p.store.Get(), p.reportMu.RUnlock)
}

func (p *Pipeline) ensureHTML() error {
	p.reportMu.Lock()
	defer p.reportMu.Unlock()
	snap := p.store.Get()
	if snap.Empty() {
		return coverage.ErrNoCoverageData
	}
	if p.reports.HTMLExists() {
		return nil
	}
	if err := p.reports.RenderHTML(snap); err != nil {
		return fmt.Errorf("%w: %v", report.ErrArchiveCreation, err)
	}
	return nil
}

// ReportLocker returns the exclusive side of the report lock for components
// that publish files into the output directory.
func (p *Pipeline) ReportLocker() sync.Locker {
	return &p.reportMu
}

// DiffInfo returns the diff info for the configured target.
func (p *Pipeline) DiffInfo(ctx context.Context) (*diffcover.InfoResult, error) {
	if p.diff == nil {
		return nil, fmt.Errorf("%w: no diff target configured", diffcover.ErrNotEnabled)
	}
	return p.diff.Info(ctx, p.store.Fingerprint())
}

// DiffReport returns the path of the generated diff-cover report.
func (p *Pipeline) DiffReport() (string, error) {
	if p.diff == nil || !p.diff.Enabled() {
		return "", diffcover.ErrNotEnabled
	}
	if !p.diff.HasReport() {
		return "", ErrNoDiffReport
	}
	return p.diff.ReportPath(), nil
}

// OutputDir returns the directory static reports are served from.
func (p *Pipeline) OutputDir() string {
	return p.reports.OutputDir()
}
