// Package report renders coverage snapshots into the artifacts served by the
// collector: a browsable HTML tree, an LCOV tracefile and a zip bundle.
package report

import (
	"errors"
	"os"
	"path/filepath"
	"slices"

	"github.com/zjy-dev/covhub/internal/logger"
)

const (
	// IndexFileName is the entry page of the HTML report.
	IndexFileName = "index.html"
	// LCOVFileName is the tracefile written by RenderLCOV.
	LCOVFileName = "lcov.info"
)

// ErrArchiveCreation is returned when the zip bundle cannot be produced.
var ErrArchiveCreation = errors.New("failed to create coverage archive")

// Watermarks split percentages into low, medium and high bands.
type Watermarks struct {
	Low  float64
	High float64
}

// DefaultWatermarks are the bands used for every metric.
var DefaultWatermarks = Watermarks{Low: 50, High: 80}

// Class returns the css class of a percentage: below Low is "low", at or
// above High is "high".
func (w Watermarks) Class(pct float64) string {
	switch {
	case pct < w.Low:
		return "low"
	case pct >= w.High:
		return "high"
	default:
		return "medium"
	}
}

// Option configures a Generator.
type Option func(*Generator)

// WithWatermarks overrides the default bands.
func WithWatermarks(w Watermarks) Option {
	return func(g *Generator) { g.watermarks = w }
}

// WithSourceRoot sets the directory relative source paths are resolved
// against when embedding source in file pages.
func WithSourceRoot(dir string) Option {
	return func(g *Generator) { g.sourceRoot = dir }
}

// WithPreservedFiles names top-level files of the output directory that
// survive an HTML re-render. The LCOV tracefile is always preserved.
func WithPreservedFiles(names ...string) Option {
	return func(g *Generator) {
		for _, name := range names {
			if !slices.Contains(g.preserve, name) {
				g.preserve = append(g.preserve, name)
			}
		}
	}
}

// Generator writes report artifacts into a single output directory.
// It does no locking of its own; callers serialize writes.
type Generator struct {
	outputDir  string
	sourceRoot string
	watermarks Watermarks
	preserve   []string
	log        *logger.Logger
}

// NewGenerator creates a Generator writing into outputDir.
func NewGenerator(outputDir string, opts ...Option) *Generator {
	g := &Generator{
		outputDir:  outputDir,
		watermarks: DefaultWatermarks,
		preserve:   []string{LCOVFileName},
		log:        logger.Named("report"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// OutputDir returns the directory artifacts are written to.
func (g *Generator) OutputDir() string {
	return g.outputDir
}

// LCOVPath returns where RenderLCOV writes the tracefile.
func (g *Generator) LCOVPath() string {
	return filepath.Join(g.outputDir, LCOVFileName)
}

// HTMLExists reports whether an HTML index has been rendered.
func (g *Generator) HTMLExists() bool {
	info, err := os.Stat(filepath.Join(g.outputDir, IndexFileName))
	return err == nil && !info.IsDir()
}
