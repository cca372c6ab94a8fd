package runtimefake

import (
	"sync"

	"github.com/legion-project/physical-trace/pkg/trace/runtime"
)

// viewState tracks, per equivalence set, which fields are currently
// considered valid (written and not since invalidated) on this fake engine.
type viewState struct {
	valid map[int]bool
}

// EquivalenceEngine is a trivial in-memory runtime.EquivalenceSetEngine.
// It tracks, per (set, field), whether the field is currently "valid"
// (has been overwritten and not since invalidated); views are not
// distinguished. It uses that to answer
// InvalidInstAnalysis/AntivalidInstAnalysis/OverwriteAnalysis the way a
// real equivalence set would, without any region-tree reasoning.
type EquivalenceEngine struct {
	mu       sync.Mutex
	nextSet  int64
	sets     map[runtime.EquivalenceSetID]*viewState
	byRegion map[runtime.RegionID][]runtime.EquivalenceSetID
	// capture is consulted by CaptureTraceConditions to build the
	// pre/anti/post view sets a test wants returned for a region.
	capture map[runtime.RegionID]runtime.CaptureResult
}

// NewEquivalenceEngine returns an engine with no covering sets; call
// SetCapture to script CaptureTraceConditions results per region and
// Invalidate/Validate to drive InvalidInstAnalysis/AntivalidInstAnalysis.
func NewEquivalenceEngine() *EquivalenceEngine {
	return &EquivalenceEngine{
		sets:     make(map[runtime.EquivalenceSetID]*viewState),
		byRegion: make(map[runtime.RegionID][]runtime.EquivalenceSetID),
		capture:  make(map[runtime.RegionID]runtime.CaptureResult),
	}
}

// SetCapture scripts the CaptureTraceConditions/ComputeEquivalenceSets
// response for a region.
func (e *EquivalenceEngine) SetCapture(region runtime.RegionID, result runtime.CaptureResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(result.CoveringSets) == 0 {
		e.nextSet++
		id := runtime.EquivalenceSetID(e.nextSet)
		result.CoveringSets = []runtime.EquivalenceSetID{id}
	}
	for _, id := range result.CoveringSets {
		if _, ok := e.sets[id]; !ok {
			e.sets[id] = &viewState{valid: make(map[int]bool)}
		}
	}
	e.byRegion[region] = result.CoveringSets
	e.capture[region] = result
}

// Validate marks field as currently valid on every given set; view is not
// consulted.
func (e *EquivalenceEngine) Validate(sets []runtime.EquivalenceSetID, view runtime.ViewID, field int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range sets {
		st := e.sets[id]
		if st == nil {
			st = &viewState{valid: make(map[int]bool)}
			e.sets[id] = st
		}
		st.valid[field] = true
	}
}

// Invalidate marks field as currently invalid on every given set; view is
// not consulted.
func (e *EquivalenceEngine) Invalidate(sets []runtime.EquivalenceSetID, view runtime.ViewID, field int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range sets {
		if st := e.sets[id]; st != nil {
			st.valid[field] = false
		}
	}
}

func (e *EquivalenceEngine) CaptureTraceConditions(region runtime.RegionID, mask []int) (runtime.CaptureResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.capture[region], nil
}

func (e *EquivalenceEngine) ComputeEquivalenceSets(region runtime.RegionID, mask []int) ([]runtime.EquivalenceSetID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]runtime.EquivalenceSetID(nil), e.byRegion[region]...), nil
}

// InvalidInstAnalysis reports a hit (precondition not satisfied) if views
// is non-empty and any of the given sets has at least one field currently
// marked invalid. The fake doesn't model view/expr/field granularity
// exactly — it's a deliberately coarse stand-in for a real equivalence-set
// scan.
func (e *EquivalenceEngine) InvalidInstAnalysis(sets []runtime.EquivalenceSetID, expr runtime.ExprID, views []runtime.ViewID) (bool, *runtime.FailedPrecondition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range sets {
		st := e.sets[id]
		if st == nil {
			continue
		}
		for _, v := range views {
			for field, ok := range st.valid {
				if !ok {
					return true, &runtime.FailedPrecondition{View: v, Expr: expr, Mask: []int{field}}, nil
				}
			}
		}
	}
	return false, nil, nil
}

// AntivalidInstAnalysis reports a hit if any forbidden view still has a
// field marked valid.
func (e *EquivalenceEngine) AntivalidInstAnalysis(sets []runtime.EquivalenceSetID, expr runtime.ExprID, views []runtime.ViewID) (bool, *runtime.FailedPrecondition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range sets {
		st := e.sets[id]
		if st == nil {
			continue
		}
		for _, v := range views {
			for field, ok := range st.valid {
				if ok {
					return true, &runtime.FailedPrecondition{View: v, Expr: expr, Mask: []int{field}}, nil
				}
			}
		}
	}
	return false, nil, nil
}

// OverwriteAnalysis stamps every field referenced by the capture for this
// call as valid on the given sets. In this fake, the caller communicates
// which fields via a prior SetCapture/Validate call; OverwriteAnalysis
// simply marks all known fields valid (read-write exclusive semantics).
func (e *EquivalenceEngine) OverwriteAnalysis(sets []runtime.EquivalenceSetID, expr runtime.ExprID, views []runtime.ViewID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range sets {
		st := e.sets[id]
		if st == nil {
			st = &viewState{valid: make(map[int]bool)}
			e.sets[id] = st
		}
		for f := range st.valid {
			st.valid[f] = true
		}
	}
	return nil
}
