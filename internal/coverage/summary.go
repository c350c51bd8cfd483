package coverage

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/zeebo/xxh3"
)

// Totals counts covered items of one kind.
type Totals struct {
	Total   int     `json:"total"`
	Covered int     `json:"covered"`
	Pct     float64 `json:"pct"`
}

// Summary aggregates the four coverage metrics of a file or snapshot.
type Summary struct {
	Lines      Totals `json:"lines"`
	Statements Totals `json:"statements"`
	Functions  Totals `json:"functions"`
	Branches   Totals `json:"branches"`
}

func newTotals(total, covered int) Totals {
	return Totals{Total: total, Covered: covered, Pct: percent(covered, total)}
}

// percent truncates to two decimals; an empty metric counts as fully covered.
func percent(covered, total int) float64 {
	if total == 0 {
		return 100
	}
	return math.Floor(float64(covered)/float64(total)*10000) / 100
}

func (t Totals) plus(o Totals) Totals {
	return newTotals(t.Total+o.Total, t.Covered+o.Covered)
}

// Summary computes the metrics of one file.
func (fc *FileCoverage) Summary() Summary {
	var sum Summary

	lines := fc.LineHits()
	covered := 0
	for _, hits := range lines {
		if hits > 0 {
			covered++
		}
	}
	sum.Lines = newTotals(len(lines), covered)

	covered = 0
	for _, hits := range fc.S {
		if hits > 0 {
			covered++
		}
	}
	sum.Statements = newTotals(len(fc.S), covered)

	covered = 0
	for _, hits := range fc.F {
		if hits > 0 {
			covered++
		}
	}
	sum.Functions = newTotals(len(fc.F), covered)

	total, covered := 0, 0
	for _, arms := range fc.B {
		total += len(arms)
		for _, hits := range arms {
			if hits > 0 {
				covered++
			}
		}
	}
	sum.Branches = newTotals(total, covered)

	return sum
}

// Summary computes the metrics of the whole snapshot.
func (s Snapshot) Summary() Summary {
	total := Summary{
		Lines:      newTotals(0, 0),
		Statements: newTotals(0, 0),
		Functions:  newTotals(0, 0),
		Branches:   newTotals(0, 0),
	}
	for _, fc := range s {
		if fc == nil {
			continue
		}
		fs := fc.Summary()
		total.Lines = total.Lines.plus(fs.Lines)
		total.Statements = total.Statements.plus(fs.Statements)
		total.Functions = total.Functions.plus(fs.Functions)
		total.Branches = total.Branches.plus(fs.Branches)
	}
	return total
}

// Fingerprint returns a stable content hash of the snapshot. encoding/json
// sorts map keys, so equal snapshots always hash equally.
func Fingerprint(s Snapshot) string {
	if s == nil {
		s = Snapshot{}
	}
	data, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%016x", xxh3.Hash(data))
}
