// Package viewset implements TraceViewSet, the field/expr/view algebra that
// underlies trace condition capture: a mapping from logical view to a
// mapping from index-space expression to field mask, maintained so that at
// most one expression covers any (view, field) pair.
package viewset

import (
	"sort"

	"github.com/legion-project/physical-trace/pkg/trace/fieldmask"
	"github.com/legion-project/physical-trace/pkg/trace/runtime"
)

// entry is one (expression, mask) pair recorded against a view.
type entry struct {
	expr runtime.ExprID
	mask fieldmask.FieldMask
}

// ViewSet is TraceViewSet: conditions: Map<LogicalView*, FieldMaskSet<IndexSpaceExpression*>>.
//
// Invariant: for any view and any single field, at most one expression
// entry covers it. Every invariant-bearing operation (Insert, Invalidate,
// InvalidateAllBut, Dominates, SubsumedBy, IndependentOf) maintains this by
// computing unions/intersections against the region's total expression and
// the candidate expression, per spec §4.3.
//
// ViewSet is not safe for concurrent use; callers (TraceConditionSet) hold
// their own lock around it.
type ViewSet struct {
	forest   runtime.RegionForest
	region   runtime.RegionID
	byView   map[runtime.ViewID][]entry
	viewRefs map[runtime.ViewID]runtime.LogicalView
}

// New returns an empty ViewSet scoped to one region node. forest provides
// the index-space algebra (union/intersect/subtract/volume) this type's
// invariant depends on.
func New(forest runtime.RegionForest, region runtime.RegionID) *ViewSet {
	return &ViewSet{
		forest:   forest,
		region:   region,
		byView:   make(map[runtime.ViewID][]entry),
		viewRefs: make(map[runtime.ViewID]runtime.LogicalView),
	}
}

// Views returns every view currently referenced, in a stable order.
func (vs *ViewSet) Views() []runtime.ViewID {
	out := make([]runtime.ViewID, 0, len(vs.byView))
	for v := range vs.byView {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Entries returns the (expression, mask) pairs recorded for view.
func (vs *ViewSet) Entries(view runtime.ViewID) []Entry {
	es := vs.byView[view]
	out := make([]Entry, len(es))
	for i, e := range es {
		out[i] = Entry{Expr: e.expr, Mask: e.mask}
	}
	return out
}

// Entry is the public shape of one (expression, mask) pair.
type Entry struct {
	Expr runtime.ExprID
	Mask fieldmask.FieldMask
}

// IsEmpty reports whether the set holds no view entries at all.
func (vs *ViewSet) IsEmpty() bool { return len(vs.byView) == 0 }

// canonicalize returns the region's total expression if expr's volume
// equals the region's, otherwise expr unchanged (spec §4.3 insert:
// "if the expression equals the total region expression by volume,
// canonicalize to the region expression").
func (vs *ViewSet) canonicalize(expr runtime.ExprID) runtime.ExprID {
	total := vs.forest.RegionExpression(vs.region)
	if total == expr {
		return expr
	}
	if vs.forest.Volume(expr) == vs.forest.Volume(total) {
		return total
	}
	return expr
}

// larger picks the expression with the greater index-space volume; ties
// favor a, matching the teacher's stable-first tie-break idiom used
// throughout the copied worker-pool scheduling code.
func (vs *ViewSet) larger(a, b runtime.ExprID) runtime.ExprID {
	if vs.forest.Volume(b) > vs.forest.Volume(a) {
		return b
	}
	return a
}

// Insert records that view was touched at expr over mask. For each
// existing expression at the same view that overlaps mask, the entries are
// merged by union, keeping the larger of {existing, new, union} and
// filtering the smaller's fields out of the overlap (spec §4.3 insert).
func (vs *ViewSet) Insert(view runtime.LogicalView, expr runtime.ExprID, mask fieldmask.FieldMask) {
	id := view.ViewID()
	vs.viewRefs[id] = view
	expr = vs.canonicalize(expr)

	existing := vs.byView[id]
	remaining := mask
	var merged []entry

	for _, e := range existing {
		overlap := e.mask.Intersect(remaining)
		if overlap.IsEmpty() {
			merged = append(merged, e)
			continue
		}
		union := vs.canonicalize(vs.forest.Union(e.expr, expr))
		winner := vs.larger(vs.larger(e.expr, expr), union)

		// Fields of e not touched by this insert keep e's original expr.
		untouched := e.mask.Subtract(overlap)
		if !untouched.IsEmpty() {
			merged = append(merged, entry{expr: e.expr, mask: untouched})
		}
		merged = append(merged, entry{expr: winner, mask: overlap})
		remaining = remaining.Subtract(overlap)
	}

	if !remaining.IsEmpty() {
		merged = append(merged, entry{expr: expr, mask: remaining})
	}
	vs.byView[id] = coalesce(merged)
}

// coalesce merges entries that share the same expression, and drops
// entries whose mask is empty.
func coalesce(entries []entry) []entry {
	byExpr := make(map[runtime.ExprID]fieldmask.FieldMask)
	var order []runtime.ExprID
	for _, e := range entries {
		if e.mask.IsEmpty() {
			continue
		}
		if m, ok := byExpr[e.expr]; ok {
			byExpr[e.expr] = m.Union(e.mask)
		} else {
			byExpr[e.expr] = e.mask
			order = append(order, e.expr)
		}
	}
	out := make([]entry, 0, len(order))
	for _, id := range order {
		out = append(out, entry{expr: id, mask: byExpr[id]})
	}
	return out
}

// Invalidate removes mask's coverage of expr from view's entries. If expr
// covers the region, matching fields are simply filtered out; otherwise the
// intersection of expr with each overlapping entry is subtracted and the
// remainder kept (spec §4.3 invalidate).
func (vs *ViewSet) Invalidate(view runtime.ViewID, expr runtime.ExprID, mask fieldmask.FieldMask) {
	existing, ok := vs.byView[view]
	if !ok {
		return
	}
	total := vs.forest.RegionExpression(vs.region)
	coversRegion := expr == total || vs.forest.Volume(expr) == vs.forest.Volume(total)

	var out []entry
	for _, e := range existing {
		overlap := e.mask.Intersect(mask)
		if overlap.IsEmpty() {
			out = append(out, e)
			continue
		}
		if coversRegion {
			kept := e.mask.Subtract(overlap)
			if !kept.IsEmpty() {
				out = append(out, entry{expr: e.expr, mask: kept})
			}
			continue
		}
		inter := vs.forest.Intersect(e.expr, expr)
		if vs.forest.IsEmpty(inter) {
			out = append(out, e)
			continue
		}
		diff := vs.forest.Subtract(e.expr, inter)
		kept := e.mask.Subtract(overlap)
		if !kept.IsEmpty() {
			out = append(out, entry{expr: e.expr, mask: kept})
		}
		if !vs.forest.IsEmpty(diff) {
			out = append(out, entry{expr: diff, mask: overlap})
		}
	}
	if len(out) == 0 {
		delete(vs.byView, view)
		delete(vs.viewRefs, view)
		return
	}
	vs.byView[view] = out
}

// InvalidateAllBut removes from view's entries every field outside keep:
// entries lying entirely inside keep are unchanged, and view is dropped
// when no entry remains.
func (vs *ViewSet) InvalidateAllBut(view runtime.ViewID, keep fieldmask.FieldMask) {
	existing, ok := vs.byView[view]
	if !ok {
		return
	}
	var out []entry
	for _, e := range existing {
		remove := e.mask.Subtract(keep)
		if remove.IsEmpty() {
			out = append(out, e)
			continue
		}
		kept := e.mask.Intersect(keep)
		if !kept.IsEmpty() {
			out = append(out, entry{expr: e.expr, mask: kept})
		}
	}
	if len(out) == 0 {
		delete(vs.byView, view)
		delete(vs.viewRefs, view)
		return
	}
	vs.byView[view] = out
}

// Dominates reports whether view's entries at/containing expr cover all of
// mask. nonDom receives the fields not covered; domOut, if non-nil,
// receives the fields that are covered (spec §4.3 dominates). A view's
// entry at the region-total expression dominates everything.
func (vs *ViewSet) Dominates(view runtime.ViewID, expr runtime.ExprID, mask fieldmask.FieldMask) (nonDom fieldmask.FieldMask, domOut fieldmask.FieldMask) {
	existing := vs.byView[view]
	total := vs.forest.RegionExpression(vs.region)
	remaining := mask
	for _, e := range existing {
		if remaining.IsEmpty() {
			break
		}
		candidate := e.mask.Intersect(remaining)
		if candidate.IsEmpty() {
			continue
		}
		if e.expr == total {
			domOut = domOut.Union(candidate)
			remaining = remaining.Subtract(candidate)
			continue
		}
		inter := vs.forest.Intersect(e.expr, expr)
		if vs.forest.Volume(inter) == vs.forest.Volume(expr) {
			domOut = domOut.Union(candidate)
			remaining = remaining.Subtract(candidate)
		}
	}
	return remaining, domOut
}

// SubsumedBy reports whether every (view, expr, field) in vs is dominated
// in target, or — if allowIndependent — independent of target's
// conditions (spec §4.3 subsumed_by).
func (vs *ViewSet) SubsumedBy(target *ViewSet, allowIndependent bool) bool {
	for view, entries := range vs.byView {
		for _, e := range entries {
			nonDom, _ := target.Dominates(view, e.expr, e.mask)
			if nonDom.IsEmpty() {
				continue
			}
			if allowIndependent && independentEntry(target, view, e.expr, nonDom, vs.forest) {
				continue
			}
			return false
		}
	}
	return true
}

func independentEntry(target *ViewSet, view runtime.ViewID, expr runtime.ExprID, mask fieldmask.FieldMask, forest runtime.RegionForest) bool {
	for _, te := range target.byView[view] {
		overlap := te.mask.Intersect(mask)
		if overlap.IsEmpty() {
			continue
		}
		inter := forest.Intersect(expr, te.expr)
		if !forest.IsEmpty(inter) {
			return false
		}
	}
	return true
}

// IndependentOf reports whether, for every pair of overlapping (view,
// expr, fields) between vs and target, the intersection is empty (spec
// §4.3 independent_of).
func (vs *ViewSet) IndependentOf(target *ViewSet) bool {
	for view, entries := range vs.byView {
		targetEntries, ok := target.byView[view]
		if !ok {
			continue
		}
		for _, e := range entries {
			for _, te := range targetEntries {
				if !e.mask.Overlaps(te.mask) {
					continue
				}
				inter := vs.forest.Intersect(e.expr, te.expr)
				if !vs.forest.IsEmpty(inter) {
					return false
				}
			}
		}
	}
	return true
}

// TransposedEntry is one cell of a transpose_uniquely result: a
// pairwise-disjoint sub-expression, the field set it is valid for, and the
// views touching it.
type TransposedEntry struct {
	Expr  runtime.ExprID
	Mask  fieldmask.FieldMask
	Views []runtime.ViewID
}

// TransposeUniquely inverts conditions into a mapping from expression to
// views, decomposed so that any two resulting cells with the same mask
// have disjoint expressions (spec §4.3 transpose_uniquely); cells whose
// masks differ are not split against each other, so cells with different
// but overlapping masks can share points. This avoids
// duplicated overwrites of identical (expr, field) cells when postcondition
// view sets are applied.
//
// The decomposition works per field-set: group all (expr, field-subset)
// contributions whose field subsets are identical, then pairwise-disjointify
// the expressions contributing to that field-set by repeatedly intersecting
// against the running disjoint list and splitting off remainders.
func (vs *ViewSet) TransposeUniquely() []TransposedEntry {
	type contribution struct {
		view runtime.ViewID
		expr runtime.ExprID
	}
	byFieldSet := make(map[string][]contribution)
	var fieldSetOrder []string
	fieldSetMask := make(map[string]fieldmask.FieldMask)

	for view, entries := range vs.byView {
		for _, e := range entries {
			key := e.mask.String()
			if _, ok := fieldSetMask[key]; !ok {
				fieldSetMask[key] = e.mask
				fieldSetOrder = append(fieldSetOrder, key)
			}
			byFieldSet[key] = append(byFieldSet[key], contribution{view: view, expr: e.expr})
		}
	}
	sort.Strings(fieldSetOrder)

	var out []TransposedEntry
	for _, key := range fieldSetOrder {
		mask := fieldSetMask[key]
		contribs := byFieldSet[key]
		sort.Slice(contribs, func(i, j int) bool { return contribs[i].view < contribs[j].view })

		// disjoint cells: each is (expr, set-of-source-views).
		type cell struct {
			expr  runtime.ExprID
			views map[runtime.ViewID]bool
		}
		var cells []cell
		for _, c := range contribs {
			remainder := []runtime.ExprID{c.expr}
			var nextCells []cell
			for _, existing := range cells {
				var stillRemainder []runtime.ExprID
				for _, r := range remainder {
					inter := vs.forest.Intersect(r, existing.expr)
					if vs.forest.IsEmpty(inter) {
						stillRemainder = append(stillRemainder, r)
						continue
					}
					// existing cell gains this view over the overlap.
					views := cloneViewSetMap(existing.views)
					views[c.view] = true
					nextCells = append(nextCells, cell{expr: inter, views: views})

					leftover := vs.forest.Subtract(existing.expr, inter)
					if !vs.forest.IsEmpty(leftover) {
						nextCells = append(nextCells, cell{expr: leftover, views: existing.views})
					}
					rLeftover := vs.forest.Subtract(r, inter)
					if !vs.forest.IsEmpty(rLeftover) {
						stillRemainder = append(stillRemainder, rLeftover)
					}
				}
				if len(nextCells) == 0 {
					nextCells = append(nextCells, existing)
				}
				cells = nextCells
				nextCells = nil
				remainder = stillRemainder
			}
			for _, r := range remainder {
				cells = append(cells, cell{expr: r, views: map[runtime.ViewID]bool{c.view: true}})
			}
		}

		for _, c := range cells {
			views := make([]runtime.ViewID, 0, len(c.views))
			for v := range c.views {
				views = append(views, v)
			}
			sort.Slice(views, func(i, j int) bool { return views[i] < views[j] })
			out = append(out, TransposedEntry{Expr: c.expr, Mask: mask, Views: views})
		}
	}
	return out
}

func cloneViewSetMap(m map[runtime.ViewID]bool) map[runtime.ViewID]bool {
	out := make(map[runtime.ViewID]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// PackedTriple is the wire shape of one (view, expr, fields) triple, used
// by Pack/Unpack for the round-trip law exercised in spec §8: pack then
// unpack then transpose_uniquely preserves the set of triples modulo
// expression canonicalization.
type PackedTriple struct {
	ViewID   int64
	ExprData []byte
	Fields   []int
}

// Pack serializes every (view, expr, mask) triple using the forest's
// expression codec.
func (vs *ViewSet) Pack() []PackedTriple {
	var out []PackedTriple
	for _, view := range vs.Views() {
		for _, e := range vs.byView[view] {
			out = append(out, PackedTriple{
				ViewID:   int64(view),
				ExprData: vs.forest.PackExpression(e.expr),
				Fields:   e.mask.Bits(),
			})
		}
	}
	return out
}

// Unpack reconstructs a ViewSet from packed triples, re-inserting each one
// through Insert so the one-expression-per-field invariant is re-derived
// rather than trusted from the wire. viewByID resolves a packed view id
// back to its runtime.LogicalView.
func Unpack(forest runtime.RegionForest, region runtime.RegionID, triples []PackedTriple, viewByID func(int64) runtime.LogicalView) (*ViewSet, error) {
	vs := New(forest, region)
	for _, t := range triples {
		expr, err := forest.UnpackExpression(t.ExprData)
		if err != nil {
			return nil, err
		}
		view := viewByID(t.ViewID)
		mask := fieldmask.FromBits(t.Fields...)
		vs.Insert(view, expr, mask)
	}
	return vs, nil
}
