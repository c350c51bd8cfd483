package coverage

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Merge folds src into dst in place and returns the paths whose structural
// maps disagreed and had to be reconciled by source location.
//
// Records with the same layout are summed id by id. Records with different
// layouts are matched by location: items at the same location are summed,
// the rest are kept, and ids are renumbered. Records flagged "all" (listed
// but never executed) never replace real data.
func Merge(dst, src Snapshot) []string {
	var reconciled []string
	for _, path := range src.Paths() {
		in := src[path]
		if in == nil {
			continue
		}
		existing, ok := dst[path]
		if !ok || existing == nil {
			dst[path] = in.Clone()
			continue
		}
		merged, rekeyed := MergeFile(existing, in)
		dst[path] = merged
		if rekeyed {
			reconciled = append(reconciled, path)
		}
	}
	return reconciled
}

// MergeFile combines two records of the same file without modifying either.
// The boolean result reports whether location-based reconciliation was used.
func MergeFile(a, b *FileCoverage) (*FileCoverage, bool) {
	switch {
	case b == nil:
		return a.Clone(), false
	case a == nil:
		return b.Clone(), false
	case b.All:
		return a.Clone(), false
	case a.All:
		return b.Clone(), false
	}

	out := a.Clone()
	if SameLayout(a, b) {
		out.S = sumScalars(out.S, b.S)
		out.F = sumScalars(out.F, b.F)
		out.B = sumVectors(out.B, b.B)
		out.BT = mergeLogical(out.BT, b.BT)
		return out, false
	}

	out.StatementMap, out.S = mergeByLocation(a.StatementMap, a.S, b.StatementMap, b.S, rangeKey, addScalar)
	out.FnMap, out.F = mergeByLocation(a.FnMap, a.F, b.FnMap, b.F, fnKey, addScalar)

	bMap, bHits := mergeByLocation(a.BranchMap, a.B, b.BranchMap, b.B, branchKey, addVector)
	if a.BT != nil || b.BT != nil {
		_, out.BT = mergeByLocation(a.BranchMap, a.BT, b.BranchMap, b.BT, branchKey, addVector)
	}
	out.BranchMap, out.B = bMap, bHits
	return out, true
}

// SameLayout reports whether both records describe the same statements,
// functions and branches under the same ids.
func SameLayout(a, b *FileCoverage) bool {
	return sameEntries(a.StatementMap, b.StatementMap) &&
		sameEntries(a.FnMap, b.FnMap) &&
		sameEntries(a.BranchMap, b.BranchMap)
}

// sameEntries treats nil and empty maps as equal.
func sameEntries[V any](a, b map[string]V) bool {
	if len(a) != len(b) {
		return false
	}
	for k, va := range a {
		vb, ok := b[k]
		if !ok || !reflect.DeepEqual(va, vb) {
			return false
		}
	}
	return true
}

func sumScalars(a, b map[string]int) map[string]int {
	if a == nil && len(b) > 0 {
		a = make(map[string]int, len(b))
	}
	for id, hits := range b {
		a[id] += hits
	}
	return a
}

func sumVectors(a, b map[string][]int) map[string][]int {
	if a == nil && len(b) > 0 {
		a = make(map[string][]int, len(b))
	}
	for id, hits := range b {
		a[id] = addVector(a[id], hits)
	}
	return a
}

func mergeLogical(a, b map[string][]int) map[string][]int {
	if b == nil {
		return a
	}
	return sumVectors(a, b)
}

func addScalar(a, b int) int { return a + b }

// addVector sums element-wise; the longer vector keeps its tail.
func addVector(a, b []int) []int {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	out := make([]int, n)
	copy(out, a)
	for i, v := range b {
		out[i] += v
	}
	return out
}

func positionKey(p Position) string {
	return strconv.Itoa(p.Line) + ":" + strconv.Itoa(p.Column)
}

func rangeKey(r Range) string {
	return positionKey(r.Start) + "-" + positionKey(r.End)
}

func fnKey(fn FnMapping) string {
	return rangeKey(fn.Loc)
}

func branchKey(br BranchMapping) string {
	parts := make([]string, 0, len(br.Locations)+1)
	parts = append(parts, rangeKey(br.Loc))
	for _, loc := range br.Locations {
		parts = append(parts, rangeKey(loc))
	}
	return strings.Join(parts, "|")
}

type locatedItem[T any, H any] struct {
	item    T
	hasItem bool
	hits    H
}

// indexByLocation keys every id of a record by its location. Repeated
// locations get an occurrence suffix so the n-th duplicate on one side pairs
// with the n-th on the other. Ids present only in the hit table are keyed by id.
func indexByLocation[T any, H any](items map[string]T, hits map[string]H, key func(T) string) ([]string, map[string]locatedItem[T, H]) {
	ids := SortedIDs(unionIDs(items, hits))
	order := make([]string, 0, len(ids))
	index := make(map[string]locatedItem[T, H], len(ids))
	seen := make(map[string]int, len(ids))
	for _, id := range ids {
		item, ok := items[id]
		base := "#" + id
		if ok {
			base = key(item)
		}
		k := fmt.Sprintf("%s/%d", base, seen[base])
		seen[base]++
		order = append(order, k)
		index[k] = locatedItem[T, H]{item: item, hasItem: ok, hits: hits[id]}
	}
	return order, index
}

func unionIDs[T any, H any](items map[string]T, hits map[string]H) map[string]struct{} {
	ids := make(map[string]struct{}, len(items))
	for id := range items {
		ids[id] = struct{}{}
	}
	for id := range hits {
		ids[id] = struct{}{}
	}
	return ids
}

func mergeByLocation[T any, H any](
	aItems map[string]T, aHits map[string]H,
	bItems map[string]T, bHits map[string]H,
	key func(T) string, add func(H, H) H,
) (map[string]T, map[string]H) {
	aOrder, aIndex := indexByLocation(aItems, aHits, key)
	bOrder, bIndex := indexByLocation(bItems, bHits, key)

	outItems := make(map[string]T, len(aOrder)+len(bOrder))
	outHits := make(map[string]H, len(aOrder)+len(bOrder))
	next := 0
	emit := func(it locatedItem[T, H]) {
		id := strconv.Itoa(next)
		next++
		if it.hasItem {
			outItems[id] = it.item
		}
		outHits[id] = it.hits
	}

	for _, k := range aOrder {
		it := aIndex[k]
		if other, ok := bIndex[k]; ok {
			it.hits = add(it.hits, other.hits)
		}
		emit(it)
	}
	for _, k := range bOrder {
		if _, ok := aIndex[k]; ok {
			continue
		}
		emit(bIndex[k])
	}
	return outItems, outHits
}
