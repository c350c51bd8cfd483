// Package coverage models Istanbul-format coverage snapshots and the algebra
// used to combine them.
package coverage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
)

// ErrNoCoverageData is returned when an operation needs coverage data but the
// snapshot is empty.
var ErrNoCoverageData = errors.New("no coverage data available")

// Position is a line/column pair. Istanbul emits null columns for some end
// positions; those decode as 0.
type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Range is a source span.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// FnMapping describes one instrumented function.
type FnMapping struct {
	Name string `json:"name"`
	Decl Range  `json:"decl"`
	Loc  Range  `json:"loc"`
	Line int    `json:"line"`
}

// BranchMapping describes one instrumented branch point and its arms.
type BranchMapping struct {
	Loc       Range   `json:"loc"`
	Type      string  `json:"type"`
	Locations []Range `json:"locations"`
	Line      int     `json:"line"`
}

// FileCoverage is the coverage record of one source file: the structural maps
// established at instrumentation time plus the hit tables keyed by the same ids.
type FileCoverage struct {
	Path           string                   `json:"path"`
	StatementMap   map[string]Range         `json:"statementMap"`
	FnMap          map[string]FnMapping     `json:"fnMap"`
	BranchMap      map[string]BranchMapping `json:"branchMap"`
	S              map[string]int           `json:"s"`
	F              map[string]int           `json:"f"`
	B              map[string][]int         `json:"b"`
	BT             map[string][]int         `json:"bT,omitempty"`
	All            bool                     `json:"all,omitempty"`
	Hash           string                   `json:"hash,omitempty"`
	CoverageSchema string                   `json:"_coverageSchema,omitempty"`
	InputSourceMap json.RawMessage          `json:"inputSourceMap,omitempty"`
}

// Snapshot maps a file path to its coverage record.
type Snapshot map[string]*FileCoverage

// Empty reports whether the snapshot holds no files.
func (s Snapshot) Empty() bool {
	return len(s) == 0
}

// Paths returns the file keys in lexical order.
func (s Snapshot) Paths() []string {
	paths := make([]string, 0, len(s))
	for p := range s {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Clone returns a deep copy of the snapshot. A nil snapshot clones to an empty one.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for p, fc := range s {
		if fc == nil {
			continue
		}
		out[p] = fc.Clone()
	}
	return out
}

// Parse decodes a JSON coverage snapshot. Records without a path take their key.
// A JSON null decodes to an empty snapshot.
func Parse(data []byte) (Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode coverage snapshot: %w", err)
	}
	if snap == nil {
		snap = Snapshot{}
	}
	for p, fc := range snap {
		if fc == nil {
			delete(snap, p)
			continue
		}
		if fc.Path == "" {
			fc.Path = p
		}
	}
	return snap, nil
}

// LoadFile reads and decodes a coverage JSON file.
func LoadFile(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read coverage file %s: %w", path, err)
	}
	snap, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return snap, nil
}

// Clone returns a deep copy of the record.
func (fc *FileCoverage) Clone() *FileCoverage {
	if fc == nil {
		return nil
	}
	out := *fc
	out.StatementMap = cloneMap(fc.StatementMap)
	out.S = cloneMap(fc.S)
	out.F = cloneMap(fc.F)
	out.B = cloneVectors(fc.B)
	out.BT = cloneVectors(fc.BT)
	if fc.FnMap != nil {
		out.FnMap = make(map[string]FnMapping, len(fc.FnMap))
		for id, fn := range fc.FnMap {
			out.FnMap[id] = fn
		}
	}
	if fc.BranchMap != nil {
		out.BranchMap = make(map[string]BranchMapping, len(fc.BranchMap))
		for id, br := range fc.BranchMap {
			br.Locations = append([]Range(nil), br.Locations...)
			out.BranchMap[id] = br
		}
	}
	if fc.InputSourceMap != nil {
		out.InputSourceMap = append(json.RawMessage(nil), fc.InputSourceMap...)
	}
	return &out
}

// LineHits derives line coverage from statements: each line takes the highest
// hit count of the statements starting on it.
func (fc *FileCoverage) LineHits() map[int]int {
	lines := make(map[int]int)
	for id, loc := range fc.StatementMap {
		hits := fc.S[id]
		line := loc.Start.Line
		if prev, ok := lines[line]; !ok || prev < hits {
			lines[line] = hits
		}
	}
	return lines
}

// UncoveredLines returns the sorted lines whose derived hit count is zero.
func (fc *FileCoverage) UncoveredLines() []int {
	var out []int
	for line, hits := range fc.LineHits() {
		if hits == 0 {
			out = append(out, line)
		}
	}
	sort.Ints(out)
	return out
}

// SortedIDs returns the keys of m ordered numerically, with non-numeric keys
// after numeric ones in lexical order.
func SortedIDs[V any](m map[string]V) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, errA := strconv.Atoi(ids[i])
		b, errB := strconv.Atoi(ids[j])
		switch {
		case errA == nil && errB == nil:
			return a < b
		case errA == nil:
			return true
		case errB == nil:
			return false
		default:
			return ids[i] < ids[j]
		}
	})
	return ids
}

func cloneMap[V any](m map[string]V) map[string]V {
	if m == nil {
		return nil
	}
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneVectors(m map[string][]int) map[string][]int {
	if m == nil {
		return nil
	}
	out := make(map[string][]int, len(m))
	for k, v := range m {
		out[k] = append([]int(nil), v...)
	}
	return out
}
