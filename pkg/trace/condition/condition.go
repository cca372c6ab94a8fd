// Package condition implements TraceConditionSet: the per-region capture
// of precondition/anticondition/postcondition view sets that decides
// whether a captured template is replayable, and enforces its
// postconditions on commit (spec §4.4).
package condition

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/legion-project/physical-trace/pkg/trace/fieldmask"
	"github.com/legion-project/physical-trace/pkg/trace/runtime"
	"github.com/legion-project/physical-trace/pkg/trace/viewset"
)

// ViewResolver resolves a runtime.ViewID back to the runtime.LogicalView it
// names, so ViewSet.Insert can hold the reference the one-expression-per-
// field invariant needs.
type ViewResolver func(runtime.ViewID) runtime.LogicalView

// ConditionSet is TraceConditionSet: one region node, one field mask, and
// the three view sets captured from the equivalence-set engine.
//
// ConditionSet is safe for concurrent use; Capture, TestRequire, Ensure and
// the equivalence-set invalidation callback all take the internal lock, as
// spec §4.4's "under the condition-set lock" requires.
type ConditionSet struct {
	mu sync.Mutex

	log    *slog.Logger
	region runtime.RegionID
	mask   fieldmask.FieldMask
	forest runtime.RegionForest
	engine runtime.EquivalenceSetEngine
	resolveView ViewResolver

	captured bool

	preView  *viewset.ViewSet
	antiView *viewset.ViewSet
	postView *viewset.ViewSet

	preconditions  []viewset.TransposedEntry
	anticonditions []viewset.TransposedEntry
	postconditions []viewset.TransposedEntry

	currentSets []runtime.EquivalenceSetID
	invalidMask fieldmask.FieldMask

	blockingCallObserved bool
	virtualMappingSeen   bool

	// subscriberRefs counts subscriptions per equivalence set, so
	// RemoveEquivalenceSets and Close can cancel them exactly once each
	// (spec §4.4 "subscriptions are reference-counted and canceled on
	// destruction").
	subscriberRefs map[runtime.EquivalenceSetID]int
}

// New returns a ConditionSet scoped to one region node and field mask.
func New(log *slog.Logger, forest runtime.RegionForest, engine runtime.EquivalenceSetEngine, region runtime.RegionID, mask fieldmask.FieldMask, resolveView ViewResolver) *ConditionSet {
	if log == nil {
		log = slog.Default()
	}
	return &ConditionSet{
		log:            log.With("region", region),
		region:         region,
		mask:           mask,
		forest:         forest,
		engine:         engine,
		resolveView:    resolveView,
		subscriberRefs: make(map[runtime.EquivalenceSetID]int),
	}
}

// NoteBlockingCall records that a blocking call was observed during
// recording for this region, unconditionally disqualifying replay.
func (cs *ConditionSet) NoteBlockingCall() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.blockingCallObserved = true
}

// NoteVirtualMapping records that a task touching this region was
// virtually mapped.
func (cs *ConditionSet) NoteVirtualMapping() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.virtualMappingSeen = true
}

// Capture makes one CaptureTraceConditions call for (region, mask), whose
// result lists the covering equivalence sets, and transposes the returned
// view sets into preconditions, anticonditions, and postconditions (spec
// §4.4 "Capture").
func (cs *ConditionSet) Capture() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	result, err := cs.engine.CaptureTraceConditions(cs.region, cs.mask.Bits())
	if err != nil {
		return fmt.Errorf("condition: capture region %d: %w", cs.region, err)
	}
	cs.receiveCaptureLocked(result)
	return nil
}

func (cs *ConditionSet) receiveCaptureLocked(result runtime.CaptureResult) {
	cs.preView = viewset.New(cs.forest, cs.region)
	cs.antiView = viewset.New(cs.forest, cs.region)
	cs.postView = viewset.New(cs.forest, cs.region)

	insertAll := func(vs *viewset.ViewSet, entries runtime.ViewUserSet) {
		for _, e := range entries {
			view := cs.resolveView(e.View)
			if view == nil {
				cs.log.Warn("condition: capture referenced unknown view", "view_id", e.View)
				continue
			}
			vs.Insert(view, e.Expr, fieldmask.FromBits(e.Mask...))
		}
	}
	insertAll(cs.preView, result.Preconditions)
	insertAll(cs.antiView, result.Anticonditions)
	insertAll(cs.postView, result.Postconditions)

	cs.preconditions = cs.preView.TransposeUniquely()
	cs.anticonditions = cs.antiView.TransposeUniquely()
	cs.postconditions = cs.postView.TransposeUniquely()

	cs.currentSets = append(cs.currentSets[:0], result.CoveringSets...)
	for _, id := range result.CoveringSets {
		cs.subscriberRefs[id]++
	}
	cs.invalidMask = fieldmask.FieldMask{}
	cs.captured = true
}

// IsReplayable implements the replayability decision of spec §4.4.
func (cs *ConditionSet) IsReplayable() (bool, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.captured {
		return false, ErrNotCaptured
	}
	if cs.blockingCallObserved {
		return false, ErrBlockingCallObserved
	}
	if cs.virtualMappingSeen {
		return false, ErrVirtualMapping
	}
	if !cs.preView.IsEmpty() && !cs.postView.IsEmpty() {
		if !cs.preView.SubsumedBy(cs.postView, true) {
			return false, ErrPreconditionNotSubsumed
		}
	}
	if !cs.postView.IsEmpty() && !cs.antiView.IsEmpty() {
		if !cs.postView.IndependentOf(cs.antiView) {
			return false, ErrPostconditionAntiDependent
		}
	}
	return true, nil
}

// RequireFailure describes why TestRequire found the template not to
// match current runtime state (spec §7 class 3 diagnostics).
type RequireFailure struct {
	Precondition bool // true if a precondition failed, false for an anticondition
	Detail       *runtime.FailedPrecondition
}

// TestRequire checks every precondition expression for invalidation and
// every anticondition expression for continued liveness, re-deriving
// equivalence sets first if invalidMask is non-empty (spec §4.4
// "Precondition check at replay entry").
func (cs *ConditionSet) TestRequire() (matches bool, failure *RequireFailure, err error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.captured {
		return false, nil, ErrNotCaptured
	}
	if err := cs.recomputeIfInvalidLocked(); err != nil {
		return false, nil, err
	}

	for _, entry := range cs.preconditions {
		hit, fp, err := cs.engine.InvalidInstAnalysis(cs.currentSets, entry.Expr, entry.Views)
		if err != nil {
			return false, nil, fmt.Errorf("condition: precondition check region %d: %w", cs.region, err)
		}
		if hit {
			return false, &RequireFailure{Precondition: true, Detail: fp}, nil
		}
	}
	for _, entry := range cs.anticonditions {
		hit, fp, err := cs.engine.AntivalidInstAnalysis(cs.currentSets, entry.Expr, entry.Views)
		if err != nil {
			return false, nil, fmt.Errorf("condition: anticondition check region %d: %w", cs.region, err)
		}
		if hit {
			return false, &RequireFailure{Precondition: false, Detail: fp}, nil
		}
	}
	return true, nil, nil
}

// CheckRequire is TestRequire without the diagnostic, for callers that only
// need a yes/no answer (used by the fast-path template scan in
// PhysicalTrace.check_template_preconditions). Like TestRequire, it
// re-derives the covering equivalence sets when invalidMask is non-empty.
func (cs *ConditionSet) CheckRequire() (bool, error) {
	matches, _, err := cs.TestRequire()
	return matches, err
}

// Ensure applies postconditions at replay exit: each postcondition
// expression's views are stamped valid (READ_WRITE/EXCLUSIVE) on the
// current equivalence sets (spec §4.4 "Postcondition application").
func (cs *ConditionSet) Ensure() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.captured {
		return ErrNotCaptured
	}
	if err := cs.recomputeIfInvalidLocked(); err != nil {
		return err
	}
	for _, entry := range cs.postconditions {
		if err := cs.engine.OverwriteAnalysis(cs.currentSets, entry.Expr, entry.Views); err != nil {
			return fmt.Errorf("condition: ensure region %d: %w", cs.region, err)
		}
	}
	return nil
}

func (cs *ConditionSet) recomputeIfInvalidLocked() error {
	if cs.invalidMask.IsEmpty() {
		return nil
	}
	sets, err := cs.engine.ComputeEquivalenceSets(cs.region, cs.mask.Bits())
	if err != nil {
		return fmt.Errorf("condition: recompute equivalence sets region %d: %w", cs.region, err)
	}
	cs.currentSets = sets
	for _, id := range sets {
		cs.subscriberRefs[id]++
	}
	cs.invalidMask = fieldmask.FieldMask{}
	cs.log.Debug("condition: recomputed equivalence sets", "count", len(sets))
	return nil
}

// RemoveEquivalenceSets is the upstream invalidation callback: when an
// operation invalidates equivalence sets this condition set subscribes to,
// the version manager calls this under the condition-set lock. It marks
// the affected mask invalid and drops matching entries from currentSets;
// the next TestRequire/Ensure re-derives them (spec §4.4 "Equivalence-set
// invalidation").
func (cs *ConditionSet) RemoveEquivalenceSets(mask fieldmask.FieldMask, filterSet runtime.EquivalenceSetID) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.invalidMask = cs.invalidMask.Union(mask)

	kept := cs.currentSets[:0:0]
	for _, id := range cs.currentSets {
		if id == filterSet {
			if cs.subscriberRefs[id] > 0 {
				cs.subscriberRefs[id]--
				if cs.subscriberRefs[id] == 0 {
					delete(cs.subscriberRefs, id)
				}
			}
			continue
		}
		kept = append(kept, id)
	}
	cs.currentSets = kept
}

// Close cancels every outstanding equivalence-set subscription. Callers
// must call Close exactly once when the owning template is destroyed
// (spec §4.4 "canceled on destruction").
func (cs *ConditionSet) Close() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.subscriberRefs = make(map[runtime.EquivalenceSetID]int)
	cs.currentSets = nil
}

// Preconditions, Anticonditions, Postconditions expose the transposed
// ExprViews for diagnostics and template packing.
func (cs *ConditionSet) Preconditions() []viewset.TransposedEntry {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return append([]viewset.TransposedEntry(nil), cs.preconditions...)
}

func (cs *ConditionSet) Anticonditions() []viewset.TransposedEntry {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return append([]viewset.TransposedEntry(nil), cs.anticonditions...)
}

func (cs *ConditionSet) Postconditions() []viewset.TransposedEntry {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return append([]viewset.TransposedEntry(nil), cs.postconditions...)
}
