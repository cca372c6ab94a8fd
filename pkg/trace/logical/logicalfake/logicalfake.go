// Package logicalfake provides an in-memory runtime.Operation stand-in for
// exercising pkg/trace/logical without a real Legion runtime operation.
package logicalfake

import (
	"sync"

	"github.com/legion-project/physical-trace/pkg/trace/runtime"
)

// Operation is a scriptable in-memory runtime.Operation. Every
// RegisterDependence/RegisterRegionDependence/RecordTraceDependence call is
// recorded for test assertions rather than acted on.
type Operation struct {
	mu sync.Mutex

	ID              uint64
	Kind            runtime.OperationKind
	RegionCount     int
	Internal        bool
	InternalIndex   int
	Memoizing       bool
	Memo            runtime.Memoizable
	Invalidates     bool
	traceLocalID    runtime.TraceLocalID
	mappingRefCount int

	Dependences       []runtime.Operation
	RegionDependences []RegionDependenceCall
	TraceDependences  []TraceDependenceCall
}

// RegionDependenceCall records one RegisterRegionDependence invocation.
type RegionDependenceCall struct {
	Target               runtime.Operation
	TargetIdx, SourceIdx int
	Validates            bool
	Type                 runtime.DependenceType
	Mask                 []int
}

// TraceDependenceCall records one RecordTraceDependence invocation.
type TraceDependenceCall struct {
	PrevIdx, NextIdx int32
	Validates        bool
	Type             runtime.DependenceType
	Mask             []int
}

// New returns an Operation with the given unique id, structural kind, and
// region-requirement count.
func New(id uint64, kind runtime.OperationKind, regionCount int) *Operation {
	return &Operation{ID: id, Kind: kind, RegionCount: regionCount}
}

func (o *Operation) IsMemoizing() bool { return o.Memoizing }
func (o *Operation) IsInternalOp() bool { return o.Internal }
func (o *Operation) GetMemoizable() (runtime.Memoizable, bool) {
	return o.Memo, o.Memo != nil
}
func (o *Operation) GetOperationKind() runtime.OperationKind { return o.Kind }
func (o *Operation) GetUniqueOpID() uint64                   { return o.ID }
func (o *Operation) GetRegionCount() int                     { return o.RegionCount }

func (o *Operation) SetTraceLocalID(id runtime.TraceLocalID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.traceLocalID = id
}

func (o *Operation) GetTraceLocalID() runtime.TraceLocalID {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.traceLocalID
}

func (o *Operation) AddMappingReference() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.mappingRefCount++
}

func (o *Operation) RemoveMappingReference() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.mappingRefCount--
}

// MappingReferenceCount reports the current reference balance, for
// asserting CompleteTrace released every reference it was given.
func (o *Operation) MappingReferenceCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mappingRefCount
}

func (o *Operation) RegisterDependence(target runtime.Operation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Dependences = append(o.Dependences, target)
}

func (o *Operation) RegisterRegionDependence(target runtime.Operation, targetIdx, sourceIdx int, validates bool, dtype runtime.DependenceType, mask []int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.RegionDependences = append(o.RegionDependences, RegionDependenceCall{
		Target: target, TargetIdx: targetIdx, SourceIdx: sourceIdx, Validates: validates, Type: dtype, Mask: mask,
	})
}

func (o *Operation) RecordTraceDependence(prevIdx, nextIdx int32, validates bool, dtype runtime.DependenceType, mask []int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.TraceDependences = append(o.TraceDependences, TraceDependenceCall{
		PrevIdx: prevIdx, NextIdx: nextIdx, Validates: validates, Type: dtype, Mask: mask,
	})
}

func (o *Operation) GetInternalIndex() int { return o.InternalIndex }

func (o *Operation) InvalidatesPhysicalTraceTemplate() bool { return o.Invalidates }

// Memoizable is a scriptable in-memory runtime.Memoizable.
type Memoizable struct {
	mu sync.Mutex

	MemoCompletion      runtime.ApEvent
	SyncPrecondition    runtime.ApEvent
	TraceLocalID        runtime.TraceLocalID
	ReplayErr           error
	EffectsPostcond     runtime.ApEvent
	CompletedWithEffect runtime.ApEvent
	ReplayCount         int
}

func (m *Memoizable) ReplayMappingOutput() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReplayCount++
	return m.ReplayErr
}

func (m *Memoizable) GetMemoCompletion() runtime.ApEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.MemoCompletion
}

func (m *Memoizable) ComputeSyncPrecondition() runtime.ApEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.SyncPrecondition
}

func (m *Memoizable) SetEffectsPostcondition(e runtime.ApEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EffectsPostcond = e
}

func (m *Memoizable) CompleteReplay(effects runtime.ApEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CompletedWithEffect = effects
}

func (m *Memoizable) GetTraceLocalID() runtime.TraceLocalID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.TraceLocalID
}
