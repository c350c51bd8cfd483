package report

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/alecthomas/chroma/v2"
	chromahtml "github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"

	"github.com/zjy-dev/covhub/internal/coverage"
)

const highlightStyle = "github"

type metricCell struct {
	coverage.Totals
	Class string
}

type fileRow struct {
	Path       string
	Link       string
	Statements metricCell
	Branches   metricCell
	Functions  metricCell
	Lines      metricCell
}

type indexPage struct {
	Generated  string
	Statements metricCell
	Branches   metricCell
	Functions  metricCell
	Lines      metricCell
	Files      []fileRow
}

type lineRow struct {
	Line    int
	Hits    int
	Covered bool
}

type filePage struct {
	Path       string
	Home       string
	Statements metricCell
	Branches   metricCell
	Functions  metricCell
	Lines      metricCell
	Uncovered  []int
	Source     template.HTML
	Rows       []lineRow
}

const styleBlock = `<style>
body { font-family: -apple-system, "Segoe UI", Helvetica, Arial, sans-serif; margin: 2em; color: #333; }
table.coverage { border-collapse: collapse; width: 100%; }
table.coverage th, table.coverage td { border: 1px solid #ddd; padding: 4px 8px; text-align: right; }
table.coverage td.file { text-align: left; }
.low { background: #fce1e5; }
.medium { background: #fff4c2; }
.high { background: #e6f5d0; }
.uncovered { background: #fce1e5; }
.summary span { margin-right: 2em; }
pre { font-size: 13px; }
</style>`

var indexTemplate = template.Must(template.New("index").Parse(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>Code coverage report</title>` + styleBlock + `</head>
<body>
<h1>Code coverage report</h1>
<div class="summary">
<span class="{{.Statements.Class}}">Statements {{printf "%.2f" .Statements.Pct}}% ({{.Statements.Covered}}/{{.Statements.Total}})</span>
<span class="{{.Branches.Class}}">Branches {{printf "%.2f" .Branches.Pct}}% ({{.Branches.Covered}}/{{.Branches.Total}})</span>
<span class="{{.Functions.Class}}">Functions {{printf "%.2f" .Functions.Pct}}% ({{.Functions.Covered}}/{{.Functions.Total}})</span>
<span class="{{.Lines.Class}}">Lines {{printf "%.2f" .Lines.Pct}}% ({{.Lines.Covered}}/{{.Lines.Total}})</span>
</div>
<table class="coverage">
<thead><tr><th>File</th><th>Statements</th><th>Branches</th><th>Functions</th><th>Lines</th></tr></thead>
<tbody>
{{range .Files}}<tr>
<td class="file {{.Statements.Class}}"><a href="{{.Link}}">{{.Path}}</a></td>
<td class="{{.Statements.Class}}">{{printf "%.2f" .Statements.Pct}}% ({{.Statements.Covered}}/{{.Statements.Total}})</td>
<td class="{{.Branches.Class}}">{{printf "%.2f" .Branches.Pct}}% ({{.Branches.Covered}}/{{.Branches.Total}})</td>
<td class="{{.Functions.Class}}">{{printf "%.2f" .Functions.Pct}}% ({{.Functions.Covered}}/{{.Functions.Total}})</td>
<td class="{{.Lines.Class}}">{{printf "%.2f" .Lines.Pct}}% ({{.Lines.Covered}}/{{.Lines.Total}})</td>
</tr>
{{end}}</tbody>
</table>
<p>Generated at {{.Generated}}</p>
</body>
</html>
`))

var fileTemplate = template.Must(template.New("file").Parse(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>Coverage for {{.Path}}</title>` + styleBlock + `</head>
<body>
<p><a href="{{.Home}}">All files</a></p>
<h1>{{.Path}}</h1>
<div class="summary">
<span class="{{.Statements.Class}}">Statements {{printf "%.2f" .Statements.Pct}}% ({{.Statements.Covered}}/{{.Statements.Total}})</span>
<span class="{{.Branches.Class}}">Branches {{printf "%.2f" .Branches.Pct}}% ({{.Branches.Covered}}/{{.Branches.Total}})</span>
<span class="{{.Functions.Class}}">Functions {{printf "%.2f" .Functions.Pct}}% ({{.Functions.Covered}}/{{.Functions.Total}})</span>
<span class="{{.Lines.Class}}">Lines {{printf "%.2f" .Lines.Pct}}% ({{.Lines.Covered}}/{{.Lines.Total}})</span>
</div>
{{if .Uncovered}}<p>Uncovered lines: {{range $i, $l := .Uncovered}}{{if $i}}, {{end}}{{$l}}{{end}}</p>{{end}}
{{if .Source}}{{.Source}}{{else}}<table class="coverage">
<thead><tr><th>Line</th><th>Hits</th></tr></thead>
<tbody>
{{range .Rows}}<tr class="{{if .Covered}}high{{else}}uncovered{{end}}"><td>{{.Line}}</td><td>{{.Hits}}</td></tr>
{{end}}</tbody>
</table>{{end}}
</body>
</html>
`))

// RenderHTML replaces the output directory with a fresh HTML report of snap.
// The report is rendered into a staging directory next to the output
// directory and swapped in only when complete. Files named by
// WithPreservedFiles survive the swap. An empty snapshot produces no output.
func (g *Generator) RenderHTML(snap coverage.Snapshot) error {
	if snap.Empty() {
		return nil
	}
	staging, err := g.stagingDir()
	if err != nil {
		return err
	}
	if err := g.renderInto(staging, snap); err != nil {
		os.RemoveAll(staging)
		return err
	}
	return g.swapOutputDir(staging)
}

func (g *Generator) renderInto(dir string, snap coverage.Snapshot) error {
	page := indexPage{Generated: time.Now().UTC().Format(time.RFC3339)}
	total := snap.Summary()
	page.Statements = g.cell(total.Statements)
	page.Branches = g.cell(total.Branches)
	page.Functions = g.cell(total.Functions)
	page.Lines = g.cell(total.Lines)

	for _, p := range snap.Paths() {
		fc := snap[p]
		if fc == nil {
			continue
		}
		name := pageName(p)
		if slices.Contains(g.preserve, name) {
			name = "_" + name
		}
		sum := fc.Summary()
		page.Files = append(page.Files, fileRow{
			Path:       p,
			Link:       name,
			Statements: g.cell(sum.Statements),
			Branches:   g.cell(sum.Branches),
			Functions:  g.cell(sum.Functions),
			Lines:      g.cell(sum.Lines),
		})
		if err := g.writeFilePage(dir, p, name, fc, sum); err != nil {
			return err
		}
	}

	var buf bytes.Buffer
	if err := indexTemplate.Execute(&buf, page); err != nil {
		return fmt.Errorf("failed to render coverage index: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, IndexFileName), buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write coverage index: %w", err)
	}
	g.log.Debugf("rendered HTML report for %d files into %s", len(page.Files), g.outputDir)
	return nil
}

func (g *Generator) writeFilePage(dir, srcPath, name string, fc *coverage.FileCoverage, sum coverage.Summary) error {
	page := filePage{
		Path:       srcPath,
		Home:       strings.Repeat("../", strings.Count(name, "/")) + IndexFileName,
		Statements: g.cell(sum.Statements),
		Branches:   g.cell(sum.Branches),
		Functions:  g.cell(sum.Functions),
		Lines:      g.cell(sum.Lines),
		Uncovered:  fc.UncoveredLines(),
	}

	if src, ok := g.readSource(srcPath); ok {
		highlighted, err := highlightSource(srcPath, src, page.Uncovered)
		if err != nil {
			g.log.Debugf("falling back to line table for %s: %v", srcPath, err)
		} else {
			page.Source = highlighted
		}
	}
	if page.Source == "" {
		page.Rows = lineRows(fc)
	}

	var buf bytes.Buffer
	if err := fileTemplate.Execute(&buf, page); err != nil {
		return fmt.Errorf("failed to render coverage page for %s: %w", srcPath, err)
	}
	target := filepath.Join(dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}
	if err := os.WriteFile(target, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write coverage page for %s: %w", srcPath, err)
	}
	return nil
}

func (g *Generator) cell(t coverage.Totals) metricCell {
	return metricCell{Totals: t, Class: g.watermarks.Class(t.Pct)}
}

// stagingDir creates an empty directory beside the output directory so the
// final swap is a rename on the same filesystem.
func (g *Generator) stagingDir() (string, error) {
	clean := filepath.Clean(g.outputDir)
	if g.outputDir == "" || clean == "." || clean == string(filepath.Separator) || clean == filepath.VolumeName(clean)+string(filepath.Separator) {
		return "", fmt.Errorf("refusing to clear output directory %q", g.outputDir)
	}
	parent := filepath.Dir(clean)
	if err := os.MkdirAll(parent, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory %s: %w", parent, err)
	}
	dir, err := os.MkdirTemp(parent, "."+filepath.Base(clean)+"-")
	if err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	if err := os.Chmod(dir, 0755); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	return dir, nil
}

// swapOutputDir moves the preserved files of the current output directory
// into staging and then replaces the output directory with staging.
func (g *Generator) swapOutputDir(staging string) error {
	clean := filepath.Clean(g.outputDir)
	for _, name := range g.preserve {
		err := os.Rename(filepath.Join(clean, name), filepath.Join(staging, name))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			g.log.Warnf("failed to carry %s over to the new report: %v", name, err)
		}
	}
	if err := os.RemoveAll(clean); err != nil {
		os.RemoveAll(staging)
		return fmt.Errorf("failed to clear output directory %s: %w", clean, err)
	}
	if err := os.Rename(staging, clean); err != nil {
		os.RemoveAll(staging)
		return fmt.Errorf("failed to replace output directory %s: %w", clean, err)
	}
	return nil
}

func (g *Generator) readSource(p string) ([]byte, bool) {
	resolved := p
	if !filepath.IsAbs(p) && g.sourceRoot != "" {
		resolved = filepath.Join(g.sourceRoot, p)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, false
	}
	return data, true
}

// pageName maps a source path onto a slash-separated page path that stays
// inside the output directory.
func pageName(p string) string {
	p = strings.ReplaceAll(filepath.ToSlash(p), ":", "_")
	p = strings.TrimPrefix(path.Clean("/"+p), "/")
	if p == "" || p == "index" {
		p = "_" + p
	}
	return p + ".html"
}

func highlightSource(name string, src []byte, uncovered []int) (template.HTML, error) {
	lexer := lexers.Match(filepath.Base(name))
	if lexer == nil {
		lexer = lexers.Analyse(string(src))
	}
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)

	style := styles.Get(highlightStyle)
	if style == nil {
		style = styles.Fallback
	}

	ranges := make([][2]int, 0, len(uncovered))
	for _, l := range uncovered {
		ranges = append(ranges, [2]int{l, l})
	}
	formatter := chromahtml.New(
		chromahtml.WithLineNumbers(true),
		chromahtml.HighlightLines(ranges),
	)

	iterator, err := lexer.Tokenise(nil, string(src))
	if err != nil {
		return "", fmt.Errorf("failed to tokenise %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := formatter.Format(&buf, style, iterator); err != nil {
		return "", fmt.Errorf("failed to highlight %s: %w", name, err)
	}
	return template.HTML(buf.String()), nil
}

func lineRows(fc *coverage.FileCoverage) []lineRow {
	hits := fc.LineHits()
	lines := make([]int, 0, len(hits))
	for l := range hits {
		lines = append(lines, l)
	}
	sort.Ints(lines)
	rows := make([]lineRow, 0, len(lines))
	for _, l := range lines {
		rows = append(rows, lineRow{Line: l, Hits: hits[l], Covered: hits[l] > 0})
	}
	return rows
}
