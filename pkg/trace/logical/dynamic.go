package logical

import (
	"fmt"
	"log/slog"

	"github.com/legion-project/physical-trace/pkg/trace/fieldmask"
	"github.com/legion-project/physical-trace/pkg/trace/runtime"
)

// internalKey identifies one internal operation's dependence bucket before
// it is folded into its creator's own bucket (spec §4.1
// "internal_dependences").
type internalKey struct {
	opID  uint64
	index int
}

// DynamicTrace builds its dependence/op-info tables from live
// record_dependence/record_region_dependence/record_no_dependence calls
// made as operations are registered (spec §4.1).
type DynamicTrace struct {
	*Trace

	internalDependences map[internalKey][]DependenceRecord
}

// NewDynamicTrace returns a DynamicTrace recording against (or replaying
// from) physical, which may be nil for pure logical-only tracing.
func NewDynamicTrace(log *slog.Logger, physical *PhysicalTrace) *DynamicTrace {
	return &DynamicTrace{
		Trace:               newTrace(log, physical),
		internalDependences: make(map[internalKey][]DependenceRecord),
	}
}

// RegisterOperation registers op in issue order, per spec §4.1.
func (dt *DynamicTrace) RegisterOperation(op runtime.Operation) (int, error) {
	return dt.Trace.registerOperation(op)
}

// RecordDependence records a whole-operation dependence of source on
// target (spec §4.1 "record_dependence"). Pairs where target was never
// registered in this trace window are silently ignored.
func (dt *DynamicTrace) RecordDependence(target, source runtime.Operation) error {
	targetIdx, ok := dt.Trace.OperationIndex(target)
	if !ok {
		return nil
	}
	return dt.appendRecord(source, DependenceRecord{
		OperationIdx: targetIdx,
		PrevIdx:      -1,
		NextIdx:      -1,
		Type:         runtime.TrueDependence,
	})
}

// RecordRegionDependence records a dependence between one region
// requirement of target and one of source (spec §4.1
// "record_region_dependence"). Pairs where target is outside the trace
// window are ignored, matching RecordDependence.
func (dt *DynamicTrace) RecordRegionDependence(target, source runtime.Operation, targetReqIdx, sourceReqIdx int, validates bool, dtype runtime.DependenceType, mask fieldmask.FieldMask) error {
	targetIdx, ok := dt.Trace.OperationIndex(target)
	if !ok {
		return nil
	}
	return dt.appendRecord(source, DependenceRecord{
		OperationIdx:  targetIdx,
		PrevIdx:       targetReqIdx,
		NextIdx:       sourceReqIdx,
		Validates:     validates,
		Type:          dtype,
		DependentMask: mask,
	})
}

// RecordNoDependence inserts a record with Type=NoDependence and a
// non-empty mask: skipped during replay promotion for non-internal
// sources, but kept for logging (spec §4.1 "record_no_dependence").
func (dt *DynamicTrace) RecordNoDependence(target, source runtime.Operation, mask fieldmask.FieldMask) error {
	targetIdx, ok := dt.Trace.OperationIndex(target)
	if !ok {
		return nil
	}
	return dt.appendRecord(source, DependenceRecord{
		OperationIdx:  targetIdx,
		PrevIdx:       -1,
		NextIdx:       -1,
		Type:          runtime.NoDependence,
		DependentMask: mask,
	})
}

func (dt *DynamicTrace) appendRecord(source runtime.Operation, rec DependenceRecord) error {
	dt.Trace.mu.Lock()
	defer dt.Trace.mu.Unlock()

	idx, ok := dt.Trace.opIndex[source.GetUniqueOpID()]
	if source.IsInternalOp() && !ok {
		key := internalKey{opID: source.GetUniqueOpID(), index: source.GetInternalIndex()}
		dt.internalDependences[key] = mergeAppend(dt.internalDependences[key], rec)
		return nil
	}
	if !ok {
		return fmt.Errorf("%w: source operation not registered in this trace window", ErrTraceViolation)
	}
	dt.Trace.dependences[idx] = mergeAppend(dt.Trace.dependences[idx], rec)
	return nil
}

// MergeInternalDependence folds an internal operation's recorded
// dependence bucket into its creator's own bucket at the given
// region-requirement index, once the internal operation (a synthesized
// close or refinement) is known to belong to creator (spec §4.1 "merged
// into their creator's bucket at the right requirement index").
func (dt *DynamicTrace) MergeInternalDependence(creator runtime.Operation, internalOpID uint64, internalIndex, requirementIdx int) error {
	dt.Trace.mu.Lock()
	defer dt.Trace.mu.Unlock()

	key := internalKey{opID: internalOpID, index: internalIndex}
	records, ok := dt.internalDependences[key]
	if !ok {
		return nil
	}
	delete(dt.internalDependences, key)

	creatorIdx, ok := dt.Trace.opIndex[creator.GetUniqueOpID()]
	if !ok {
		return fmt.Errorf("%w: creator operation not registered in this trace window", ErrTraceViolation)
	}
	for _, rec := range records {
		rec.NextIdx = requirementIdx
		dt.Trace.dependences[creatorIdx] = mergeAppend(dt.Trace.dependences[creatorIdx], rec)
	}
	return nil
}
