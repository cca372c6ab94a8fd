// Package runtimefake provides in-memory stand-ins for the external
// collaborators declared in pkg/trace/runtime, so the recorder, optimizer,
// and replay engine can be exercised without a real region-tree forest or
// equivalence-set engine. It is a test helper, not a reference
// implementation of those subsystems.
package runtimefake

import (
	"fmt"
	"sync"

	"github.com/legion-project/physical-trace/pkg/trace/runtime"
)

// Expr is a leaf or derived index-space expression. Derived expressions
// keep their operands so Volume/IsEmpty can be computed from a trivial
// interval model: every base expression is a half-open integer interval
// [Lo, Hi); union/intersect/subtract operate on non-overlapping unions of
// intervals so this stays exact rather than approximate.
type Expr struct {
	id        runtime.ExprID
	intervals [][2]int64
}

func (e *Expr) ExprID() runtime.ExprID { return e.id }

func (e *Expr) volume() uint64 {
	var v uint64
	for _, iv := range e.intervals {
		if iv[1] > iv[0] {
			v += uint64(iv[1] - iv[0])
		}
	}
	return v
}

// Forest is an in-memory runtime.RegionForest over integer intervals.
type Forest struct {
	mu      sync.Mutex
	nextID  int64
	exprs   map[runtime.ExprID]*Expr
	regions map[runtime.RegionID]runtime.ExprID
}

// NewForest returns an empty forest.
func NewForest() *Forest {
	return &Forest{
		exprs:   make(map[runtime.ExprID]*Expr),
		regions: make(map[runtime.RegionID]runtime.ExprID),
	}
}

// NewInterval allocates a leaf expression covering [lo, hi).
func (f *Forest) NewInterval(lo, hi int64) runtime.ExprID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := runtime.ExprID(f.nextID)
	f.exprs[id] = &Expr{id: id, intervals: [][2]int64{{lo, hi}}}
	return id
}

// SetRegion associates a region node with its total covering expression.
func (f *Forest) SetRegion(r runtime.RegionID, total runtime.ExprID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regions[r] = total
}

func (f *Forest) get(id runtime.ExprID) *Expr {
	e, ok := f.exprs[id]
	if !ok {
		panic(fmt.Sprintf("runtimefake: unknown expr %d", id))
	}
	return e
}

func normalize(intervals [][2]int64) [][2]int64 {
	if len(intervals) == 0 {
		return nil
	}
	// selection sort is fine: interval counts in tests are tiny.
	sorted := append([][2]int64(nil), intervals...)
	for i := range sorted {
		for j := i + 1; j < len(sorted); j++ {
			if sorted[j][0] < sorted[i][0] {
				sorted[i], sorted[j] = sorted[j], sorted[i]
			}
		}
	}
	var out [][2]int64
	for _, iv := range sorted {
		if iv[0] >= iv[1] {
			continue
		}
		if len(out) > 0 && iv[0] <= out[len(out)-1][1] {
			if iv[1] > out[len(out)-1][1] {
				out[len(out)-1][1] = iv[1]
			}
			continue
		}
		out = append(out, iv)
	}
	return out
}

func intersectIntervals(a, b [][2]int64) [][2]int64 {
	var out [][2]int64
	for _, x := range a {
		for _, y := range b {
			lo, hi := x[0], x[1]
			if y[0] > lo {
				lo = y[0]
			}
			if y[1] < hi {
				hi = y[1]
			}
			if lo < hi {
				out = append(out, [2]int64{lo, hi})
			}
		}
	}
	return normalize(out)
}

func subtractIntervals(a, b [][2]int64) [][2]int64 {
	out := append([][2]int64(nil), a...)
	for _, y := range b {
		var next [][2]int64
		for _, x := range out {
			if y[1] <= x[0] || y[0] >= x[1] {
				next = append(next, x)
				continue
			}
			if y[0] > x[0] {
				next = append(next, [2]int64{x[0], y[0]})
			}
			if y[1] < x[1] {
				next = append(next, [2]int64{y[1], x[1]})
			}
		}
		out = next
	}
	return normalize(out)
}

func (f *Forest) derive(intervals [][2]int64) runtime.ExprID {
	f.nextID++
	id := runtime.ExprID(f.nextID)
	f.exprs[id] = &Expr{id: id, intervals: intervals}
	return id
}

// Intersect implements runtime.RegionForest.
func (f *Forest) Intersect(a, b runtime.ExprID) runtime.ExprID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.derive(intersectIntervals(f.get(a).intervals, f.get(b).intervals))
}

// Union implements runtime.RegionForest.
func (f *Forest) Union(a, b runtime.ExprID) runtime.ExprID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.derive(normalize(append(append([][2]int64(nil), f.get(a).intervals...), f.get(b).intervals...)))
}

// Subtract implements runtime.RegionForest.
func (f *Forest) Subtract(a, b runtime.ExprID) runtime.ExprID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.derive(subtractIntervals(f.get(a).intervals, f.get(b).intervals))
}

// Volume implements runtime.RegionForest.
func (f *Forest) Volume(e runtime.ExprID) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.get(e).volume()
}

// IsEmpty implements runtime.RegionForest.
func (f *Forest) IsEmpty(e runtime.ExprID) bool {
	return f.Volume(e) == 0
}

// RegionExpression implements runtime.RegionForest.
func (f *Forest) RegionExpression(r runtime.RegionID) runtime.ExprID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.regions[r]
}

// PackExpression implements runtime.RegionForest with a trivial
// fixed-width encoding (interval count + lo/hi pairs), sufficient for
// round-trip tests; real wire packing is an external concern.
func (f *Forest) PackExpression(e runtime.ExprID) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	ex := f.get(e)
	buf := make([]byte, 0, 8+16*len(ex.intervals))
	buf = appendUint64(buf, uint64(len(ex.intervals)))
	for _, iv := range ex.intervals {
		buf = appendUint64(buf, uint64(iv[0]))
		buf = appendUint64(buf, uint64(iv[1]))
	}
	return buf
}

// UnpackExpression implements runtime.RegionForest, installing a fresh
// expression id for the decoded intervals.
func (f *Forest) UnpackExpression(data []byte) (runtime.ExprID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, data, err := readUint64(data)
	if err != nil {
		return 0, err
	}
	intervals := make([][2]int64, 0, n)
	for i := uint64(0); i < n; i++ {
		var lo, hi uint64
		lo, data, err = readUint64(data)
		if err != nil {
			return 0, err
		}
		hi, data, err = readUint64(data)
		if err != nil {
			return 0, err
		}
		intervals = append(intervals, [2]int64{int64(lo), int64(hi)})
	}
	return f.derive(intervals), nil
}

func appendUint64(buf []byte, v uint64) []byte {
	for i := 0; i < 8; i++ {
		buf = append(buf, byte(v>>(8*uint(i))))
	}
	return buf
}

func readUint64(data []byte) (uint64, []byte, error) {
	if len(data) < 8 {
		return 0, nil, fmt.Errorf("runtimefake: truncated uint64")
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(data[i]) << (8 * uint(i))
	}
	return v, data[8:], nil
}

// View is a minimal runtime.LogicalView.
type View struct {
	id         runtime.ViewID
	ownerDID   int64
	ownerSpace int64
	treeID     int64
}

func NewView(id runtime.ViewID, ownerDID, ownerSpace, treeID int64) *View {
	return &View{id: id, ownerDID: ownerDID, ownerSpace: ownerSpace, treeID: treeID}
}

func (v *View) ViewID() runtime.ViewID    { return v.id }
func (v *View) OwnerDID() int64           { return v.ownerDID }
func (v *View) OwnerSpace() int64         { return v.ownerSpace }
func (v *View) RegionTreeID() int64       { return v.treeID }
