package template

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/legion-project/physical-trace/pkg/trace/fieldmask"
	"github.com/legion-project/physical-trace/pkg/trace/runtime"
)

// UsageKind classifies how an instruction touches a view, for the
// last-user tracking add_view_user maintains (spec §4.5.1).
type UsageKind int

const (
	UsageReadOnly UsageKind = iota
	UsageReadWrite
	UsageReduce
)

type viewUserEntry struct {
	expr  runtime.ExprID
	mask  fieldmask.FieldMask
	slot  slot
	usage UsageKind
}

// pendingReplay is one queued (completion, recurrent) pair awaiting
// perform_replay (spec §4.5.3 initialize_replay).
type pendingReplay struct {
	completion runtime.ApEvent
	recurrent  bool
}

// Template is PhysicalTemplate: the instruction stream recorded for one
// trace capture, its optimization state, and its replay queue.
//
// Template is safe for concurrent use; every exported method takes the
// internal lock, matching the teacher's WorkerPool mutex discipline
// (pkg/queue/pool.go).
type Template struct {
	mu sync.Mutex

	log    *slog.Logger
	forest runtime.RegionForest

	replayParallelism int

	events       []runtime.ApEvent
	instructions []Instruction
	userEvents   map[slot]runtime.ApUserEvent
	viewUsers    map[runtime.ViewID][]viewUserEntry

	// crossingEvents reference-counts TriggerEvent crossing instructions
	// inserted by prepare_parallel_replay (spec §4.5.2 pass 6);
	// PerformReplay materializes a fresh user event for each such slot.
	// No pass removes crossings once inserted.
	crossingEvents map[slot]int

	lastFence slot

	finalized  bool
	replayable bool
	rejectReason error

	pendingReplays []pendingReplay
	operations     []map[runtime.TraceLocalID]runtime.Operation

	// frontiers are (src, dst) event-slot pairs: on recurrent replay,
	// events[dst] is reseeded from events[src] instead of the fresh
	// completion (spec §4.5.3 perform_replay).
	frontiers [][2]slot

	// pendingInvTopoOrder/pendingTransitiveReduction hold a deferred
	// transitive-reduction result, applied at the next initialize_replay
	// (spec §4.5.2 pass 3, §4.5.3 initialize_replay).
	pendingInvTopoOrder        []int
	pendingTransitiveReduction map[int][]slot
}

// New returns an empty Template. replayParallelism sizes the slicing pass.
// Region algebra lives in the condition/viewset layer — the template only
// moves events and instructions.
func New(log *slog.Logger, replayParallelism int) *Template {
	if log == nil {
		log = slog.Default()
	}
	if replayParallelism < 1 {
		replayParallelism = 1
	}
	t := &Template{
		log:               log,
		replayParallelism: replayParallelism,
		userEvents:        make(map[slot]runtime.ApUserEvent),
		viewUsers:         make(map[runtime.ViewID][]viewUserEntry),
		crossingEvents:    make(map[slot]int),
	}
	// slot 0 is reserved for the fence/trace-begin completion.
	t.events = append(t.events, runtime.NoEvent)
	t.instructions = append(t.instructions, Instruction{Op: OpAssignFenceCompletion, Lhs: 0})
	return t
}

func (t *Template) newSlot(ev runtime.ApEvent) slot {
	t.events = append(t.events, ev)
	return len(t.events) - 1
}

// RecordGetTermEvent appends a GetTermEvent instruction for memo's
// termination event, returning the slot it will occupy at replay.
func (t *Template) RecordGetTermEvent(memo runtime.Memoizable) slot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.newSlot(runtime.NoEvent)
	t.instructions = append(t.instructions, Instruction{Op: OpGetTermEvent, Lhs: s, Memo: memo})
	return s
}

// RecordCreateUserEvent appends a CreateApUserEvent instruction.
func (t *Template) RecordCreateUserEvent() slot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.newSlot(runtime.NoEvent)
	t.instructions = append(t.instructions, Instruction{Op: OpCreateApUserEvent, Lhs: s})
	return s
}

// RecordTriggerEvent appends a TriggerEvent instruction triggering
// user_events[lhs] with events[rhs].
func (t *Template) RecordTriggerEvent(lhs, rhs slot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.instructions = append(t.instructions, Instruction{Op: OpTriggerEvent, Lhs: lhs, Rhs: []slot{rhs}})
}

// RecordMergeEvent appends a MergeEvent instruction merging the events at
// rhs, returning the destination slot. If rhs is empty the merge is of the
// empty set (NoEvent).
func (t *Template) RecordMergeEvent(rhs []slot) slot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.newSlot(runtime.NoEvent)
	t.instructions = append(t.instructions, Instruction{Op: OpMergeEvent, Lhs: s, Rhs: append([]slot(nil), rhs...)})
	return s
}

// RecordAssignFenceCompletion overwrites slot 0's instruction is already
// present from New; this records the per-iteration fence event into
// events[0] directly (used by recording, not replay, which recomputes it).
func (t *Template) RecordAssignFenceCompletion(completion runtime.ApEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events[0] = completion
}

// RecordIssueCopy appends an IssueCopy instruction whose precondition is
// events[pre]; srcViews/dstViews feed elide_fences and add_view_user.
func (t *Template) RecordIssueCopy(op runtime.Operation, pre slot, srcViews, dstViews []runtime.ViewID, fields fieldmask.FieldMask) slot {
	return t.recordIssue(OpIssueCopy, op, pre, &CopyPayload{Op: op, SrcViews: srcViews, DstViews: dstViews, Fields: fields})
}

// RecordIssueFill appends an IssueFill instruction.
func (t *Template) RecordIssueFill(op runtime.Operation, pre slot, dstViews []runtime.ViewID, fields fieldmask.FieldMask) slot {
	return t.recordIssue(OpIssueFill, op, pre, &CopyPayload{Op: op, DstViews: dstViews, Fields: fields})
}

// RecordIssueAcross appends an IssueAcross instruction, additionally
// capturing collective/indirection preconditions per spec §4.5.1.
func (t *Template) RecordIssueAcross(op runtime.Operation, pre slot, srcViews, dstViews, srcIndirect, dstIndirect []runtime.ViewID, fields fieldmask.FieldMask, collective bool) slot {
	return t.recordIssue(OpIssueAcross, op, pre, &CopyPayload{
		Op: op, SrcViews: srcViews, DstViews: dstViews,
		SrcIndirect: srcIndirect, DstIndirect: dstIndirect,
		Fields: fields, Collective: collective,
	})
}

func (t *Template) recordIssue(op Opcode, operation runtime.Operation, pre slot, payload *CopyPayload) slot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.newSlot(runtime.NoEvent)
	t.instructions = append(t.instructions, Instruction{Op: op, Lhs: s, Rhs: []slot{pre}, Op_: operation, Copy: payload})

	for _, v := range payload.SrcViews {
		t.addViewUserLocked(v, UsageReadOnly, s, payload.Fields)
	}
	for _, v := range payload.DstViews {
		t.addViewUserLocked(v, UsageReadWrite, s, payload.Fields)
	}
	return s
}

// RecordSetOpSyncEvent appends a SetOpSyncEvent instruction for memo.
func (t *Template) RecordSetOpSyncEvent(memo runtime.Memoizable) slot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.newSlot(runtime.NoEvent)
	t.instructions = append(t.instructions, Instruction{Op: OpSetOpSyncEvent, Lhs: s, Memo: memo})
	return s
}

// RecordSetEffects appends a SetEffects instruction pushing events[rhs] as
// memo's effect postcondition.
func (t *Template) RecordSetEffects(memo runtime.Memoizable, rhs slot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.instructions = append(t.instructions, Instruction{Op: OpSetEffects, Rhs: []slot{rhs}, Memo: memo})
}

// RecordCompleteReplay appends a CompleteReplay instruction signaling memo
// that replay completed with events[rhs].
func (t *Template) RecordCompleteReplay(memo runtime.Memoizable, op runtime.Operation, rhs slot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.instructions = append(t.instructions, Instruction{Op: OpCompleteReplay, Rhs: []slot{rhs}, Memo: memo, Op_: op})
}

// RecordBarrierArrival appends a BarrierArrival instruction; slot receives
// the current barrier generation. If not collective, the barrier advances.
func (t *Template) RecordBarrierArrival(barrier runtime.ApBarrier, rhs slot, arrivalCount int, collective bool) slot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.newSlot(runtime.NoEvent)
	t.instructions = append(t.instructions, Instruction{
		Op: OpBarrierArrival, Lhs: s, Rhs: []slot{rhs},
		Barrier: barrier, ArrivalCount: arrivalCount, Collective: collective,
	})
	return s
}

// RecordBarrierAdvance appends a BarrierAdvance instruction.
func (t *Template) RecordBarrierAdvance(barrier runtime.ApBarrier) slot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.newSlot(runtime.NoEvent)
	t.instructions = append(t.instructions, Instruction{Op: OpBarrierAdvance, Lhs: s, Barrier: barrier})
	return s
}

// RecordFrontier registers a (src, dst) event-slot pair used by recurrent
// replay to reseed events[dst] from events[src] (spec §4.5.3).
func (t *Template) RecordFrontier(src, dst slot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frontiers = append(t.frontiers, [2]slot{src, dst})
}

// RecordViewUser installs a usage entry directly into view_users without
// appending a recording instruction of its own. The sharded extension calls
// this on a view's owner shard when applying an incoming UPDATE_VIEW_USER
// (spec §4.6): the instruction that actually touched the view was already
// recorded on the touching shard, so only the owner's view_users
// bookkeeping needs updating here.
func (t *Template) RecordViewUser(view runtime.ViewID, usage UsageKind, s slot, mask fieldmask.FieldMask) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addViewUserLocked(view, usage, s, mask)
}

// addViewUserLocked filters overlapping prior users out of view_users so
// only the most recent user remains for any overlapping field, per spec
// §4.5.1 "add_view_user ... filters conflicting users out via
// check_dependence_type". This implementation always lets the newest
// touch win the overlap — a simplification of the full read/read
// no-conflict case, acceptable because the only consumer (elide_fences)
// wants the single most-recent writer/reader per field, not a multiset.
func (t *Template) addViewUserLocked(view runtime.ViewID, usage UsageKind, s slot, mask fieldmask.FieldMask) {
	existing := t.viewUsers[view]
	var kept []viewUserEntry
	for _, e := range existing {
		untouched := e.mask.Subtract(mask)
		if !untouched.IsEmpty() {
			kept = append(kept, viewUserEntry{expr: e.expr, mask: untouched, slot: e.slot, usage: e.usage})
		}
	}
	kept = append(kept, viewUserEntry{mask: mask, slot: s, usage: usage})
	t.viewUsers[view] = kept
}

// lastUsers returns the deduplicated set of slots recorded as the most
// recent user of any of views over mask.
func (t *Template) lastUsers(views []runtime.ViewID, mask fieldmask.FieldMask) []slot {
	seen := make(map[slot]bool)
	var out []slot
	for _, v := range views {
		for _, e := range t.viewUsers[v] {
			if !e.mask.Overlaps(mask) {
				continue
			}
			if !seen[e.slot] {
				seen[e.slot] = true
				out = append(out, e.slot)
			}
		}
	}
	return out
}

// LastUsers returns the deduplicated slots most recently recorded as a user
// of any of views over mask. Exported for the sharded extension's owner-side
// FIND_LAST_USERS_REQUEST handling (spec §4.6).
func (t *Template) LastUsers(views []runtime.ViewID, mask fieldmask.FieldMask) []slot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastUsers(views, mask)
}

// SlotForEvent finds the slot whose recorded event equals ev, for the
// sharded extension's owner-side SHARD_EVENT_REQUEST handling: the request
// carries the event a remote shard wants resolved, and the owner must map it
// back to its own local slot before arriving a barrier on it (spec §4.6
// "Cross-shard events"). Linear in the instruction count, which is
// acceptable at template sizes this engine targets.
func (t *Template) SlotForEvent(ev runtime.ApEvent) (slot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for s, e := range t.events {
		if e == ev {
			return s, true
		}
	}
	return 0, false
}

// NumInstructions returns the current instruction count, for diagnostics
// and cache-size accounting.
func (t *Template) NumInstructions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.instructions)
}

// Instructions returns a copy of the current instruction stream, for
// inspection (pkg/traceapi) and tests.
func (t *Template) Instructions() []Instruction {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Instruction(nil), t.instructions...)
}

func (t *Template) slotEvent(s slot) (runtime.ApEvent, error) {
	if s < 0 || s >= len(t.events) {
		return runtime.NoEvent, fmt.Errorf("%w: %d", ErrUnknownSlot, s)
	}
	return t.events[s], nil
}
