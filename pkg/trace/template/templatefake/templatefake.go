// Package templatefake provides in-memory stand-ins for the replay-time
// collaborators template.Template consumes (EventSource, Issuer,
// BarrierSource), for exercising PerformReplay without a real Realm.
package templatefake

import (
	"sync"

	"github.com/legion-project/physical-trace/pkg/trace/runtime"
	"github.com/legion-project/physical-trace/pkg/trace/template"
)

// Events is an in-memory template.EventSource. Trigger calls are recorded
// for test assertions. Merge of no events returns NoEvent, merge of one
// event returns that event, and merge of several returns a fresh id from
// the same counter that CreateUserEvent draws from.
type Events struct {
	mu       sync.Mutex
	nextID   uint64
	Triggers []TriggerCall
}

type TriggerCall struct {
	With runtime.ApEvent
}

func NewEvents() *Events { return &Events{nextID: 1000} }

func (e *Events) CreateUserEvent() runtime.ApUserEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	return runtime.ApUserEvent{ApEvent: runtime.NewApEvent(e.nextID)}
}

func (e *Events) Trigger(u runtime.ApUserEvent, with runtime.ApEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Triggers = append(e.Triggers, TriggerCall{With: with})
	return nil
}

func (e *Events) Merge(events []runtime.ApEvent) runtime.ApEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(events) == 0 {
		return runtime.NoEvent
	}
	if len(events) == 1 {
		return events[0]
	}
	e.nextID++
	return runtime.NewApEvent(e.nextID)
}

// Issuer is an in-memory template.Issuer: every Issue* call returns a
// fresh event and is recorded for test assertions.
type Issuer struct {
	mu     sync.Mutex
	nextID uint64
	Copies []*template.CopyPayload
	Fills  []*template.CopyPayload
	Across []*template.CopyPayload
}

func NewIssuer() *Issuer { return &Issuer{nextID: 5000} }

func (i *Issuer) fresh() runtime.ApEvent {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.nextID++
	return runtime.NewApEvent(i.nextID)
}

func (i *Issuer) IssueCopy(op runtime.Operation, pre runtime.ApEvent, payload *template.CopyPayload) (runtime.ApEvent, error) {
	i.mu.Lock()
	i.Copies = append(i.Copies, payload)
	i.mu.Unlock()
	return i.fresh(), nil
}

func (i *Issuer) IssueFill(op runtime.Operation, pre runtime.ApEvent, payload *template.CopyPayload) (runtime.ApEvent, error) {
	i.mu.Lock()
	i.Fills = append(i.Fills, payload)
	i.mu.Unlock()
	return i.fresh(), nil
}

func (i *Issuer) IssueAcross(op runtime.Operation, pre runtime.ApEvent, payload *template.CopyPayload) (runtime.ApEvent, error) {
	i.mu.Lock()
	i.Across = append(i.Across, payload)
	i.mu.Unlock()
	return i.fresh(), nil
}

// Barriers is an in-memory template.BarrierSource tracking a generation
// counter per barrier id.
type Barriers struct {
	mu  sync.Mutex
	gen map[uint64]uint64
}

func NewBarriers() *Barriers { return &Barriers{gen: make(map[uint64]uint64)} }

func (b *Barriers) Arrive(bar runtime.ApBarrier, pre runtime.ApEvent, count int) runtime.ApEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return runtime.NewApEvent(1_000_000 + b.gen[bar.ID])
}

func (b *Barriers) Advance(bar runtime.ApBarrier) runtime.ApBarrier {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gen[bar.ID]++
	return runtime.ApBarrier{ID: bar.ID, Generation: b.gen[bar.ID]}
}

func (b *Barriers) CurrentGeneration(bar runtime.ApBarrier) runtime.ApEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return runtime.NewApEvent(1_000_000 + b.gen[bar.ID])
}

// Memo is a minimal in-memory runtime.Memoizable.
type Memo struct {
	mu         sync.Mutex
	Completion runtime.ApEvent
	Effects    runtime.ApEvent
	Completed  bool
	ReplayErr  error
	SyncEvent  runtime.ApEvent
}

func NewMemo(completion runtime.ApEvent) *Memo {
	return &Memo{Completion: completion}
}

func (m *Memo) ReplayMappingOutput() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ReplayErr
}

func (m *Memo) GetMemoCompletion() runtime.ApEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Completion
}

func (m *Memo) ComputeSyncPrecondition() runtime.ApEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.SyncEvent
}

func (m *Memo) SetEffectsPostcondition(e runtime.ApEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Effects = e
}

func (m *Memo) CompleteReplay(effects runtime.ApEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Completed = true
	m.Effects = effects
}

func (m *Memo) GetTraceLocalID() runtime.TraceLocalID { return runtime.TraceLocalID{} }

// Operation is a minimal in-memory runtime.Operation, just enough to carry
// a unique id for prepare_parallel_replay's slice assignment.
type Operation struct {
	ID uint64
}

func (o *Operation) IsMemoizing() bool                 { return true }
func (o *Operation) IsInternalOp() bool                 { return false }
func (o *Operation) GetMemoizable() (runtime.Memoizable, bool) { return nil, false }
func (o *Operation) GetOperationKind() runtime.OperationKind   { return runtime.TaskOpKind }
func (o *Operation) GetUniqueOpID() uint64              { return o.ID }
func (o *Operation) GetRegionCount() int                { return 0 }
func (o *Operation) SetTraceLocalID(runtime.TraceLocalID) {}
func (o *Operation) GetTraceLocalID() runtime.TraceLocalID { return runtime.TraceLocalID{} }
func (o *Operation) AddMappingReference()               {}
func (o *Operation) RemoveMappingReference()             {}
func (o *Operation) RegisterDependence(runtime.Operation) {}
func (o *Operation) RegisterRegionDependence(runtime.Operation, int, int, bool, runtime.DependenceType, []int) {
}
func (o *Operation) RecordTraceDependence(int32, int32, bool, runtime.DependenceType, []int) {}
func (o *Operation) GetInternalIndex() int                          { return 0 }
func (o *Operation) InvalidatesPhysicalTraceTemplate() bool         { return false }

// Collaborators is a convenience bundle wiring Events/Issuer/Barriers into
// a template.Collaborators for PerformReplay.
func Collaborators(ev *Events, is *Issuer, ba *Barriers) template.Collaborators {
	return template.Collaborators{Events: ev, Issue: is, Barriers: ba}
}
