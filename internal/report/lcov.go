package report

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"

	"github.com/zjy-dev/covhub/internal/coverage"
)

// RenderLCOV writes the snapshot as an LCOV tracefile and returns its path.
// The file is replaced atomically so readers never see a partial tracefile.
func (g *Generator) RenderLCOV(snap coverage.Snapshot) (string, error) {
	if snap.Empty() {
		return "", coverage.ErrNoCoverageData
	}
	if err := os.MkdirAll(g.outputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory %s: %w", g.outputDir, err)
	}

	target := g.LCOVPath()
	tmp := target + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	if err := WriteLCOV(f, snap); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to replace %s: %w", target, err)
	}
	return target, nil
}

// WriteLCOV encodes the snapshot as LCOV records, one per file in path order.
func WriteLCOV(w io.Writer, snap coverage.Snapshot) error {
	bw := bufio.NewWriter(w)
	for _, p := range snap.Paths() {
		if fc := snap[p]; fc != nil {
			writeRecord(bw, p, fc)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to write lcov data: %w", err)
	}
	return nil
}

func writeRecord(w *bufio.Writer, path string, fc *coverage.FileCoverage) {
	fmt.Fprintln(w, "TN:")
	fmt.Fprintf(w, "SF:%s\n", path)

	fnIDs := coverage.SortedIDs(fc.FnMap)
	for _, id := range fnIDs {
		fn := fc.FnMap[id]
		fmt.Fprintf(w, "FN:%d,%s\n", functionLine(fn), fn.Name)
	}
	hitFns := 0
	for _, id := range fnIDs {
		hits := fc.F[id]
		if hits > 0 {
			hitFns++
		}
		fmt.Fprintf(w, "FNDA:%d,%s\n", hits, fc.FnMap[id].Name)
	}
	fmt.Fprintf(w, "FNF:%d\n", len(fnIDs))
	fmt.Fprintf(w, "FNH:%d\n", hitFns)

	lineHits := fc.LineHits()
	lines := make([]int, 0, len(lineHits))
	for l := range lineHits {
		lines = append(lines, l)
	}
	sort.Ints(lines)
	hitLines := 0
	for _, l := range lines {
		if lineHits[l] > 0 {
			hitLines++
		}
		fmt.Fprintf(w, "DA:%d,%d\n", l, lineHits[l])
	}
	fmt.Fprintf(w, "LF:%d\n", len(lines))
	fmt.Fprintf(w, "LH:%d\n", hitLines)

	found, hit := 0, 0
	for _, id := range coverage.SortedIDs(fc.B) {
		arms := fc.B[id]
		line := branchLine(fc.BranchMap[id])
		sum := 0
		for _, h := range arms {
			sum += h
		}
		for i, h := range arms {
			taken := "-"
			if sum > 0 {
				taken = strconv.Itoa(h)
			}
			if h > 0 {
				hit++
			}
			found++
			fmt.Fprintf(w, "BRDA:%d,%s,%d,%s\n", line, id, i, taken)
		}
	}
	fmt.Fprintf(w, "BRF:%d\n", found)
	fmt.Fprintf(w, "BRH:%d\n", hit)
	fmt.Fprintln(w, "end_of_record")
}

func functionLine(fn coverage.FnMapping) int {
	switch {
	case fn.Decl.Start.Line > 0:
		return fn.Decl.Start.Line
	case fn.Loc.Start.Line > 0:
		return fn.Loc.Start.Line
	default:
		return fn.Line
	}
}

func branchLine(br coverage.BranchMapping) int {
	if br.Loc.Start.Line > 0 {
		return br.Loc.Start.Line
	}
	return br.Line
}
