package template

import (
	"fmt"

	"github.com/legion-project/physical-trace/pkg/trace/runtime"
)

// EventSource is the Realm-facing collaborator replay uses to allocate and
// trigger user events and to merge event sets (spec §4.5.3). It is
// implemented outside this package; pkg/trace/template/templatefake
// provides an in-memory stand-in for tests.
type EventSource interface {
	CreateUserEvent() runtime.ApUserEvent
	Trigger(u runtime.ApUserEvent, with runtime.ApEvent) error
	Merge(events []runtime.ApEvent) runtime.ApEvent
}

// Issuer dispatches the three copy-family instructions to the real copy
// engine at replay.
type Issuer interface {
	IssueCopy(op runtime.Operation, pre runtime.ApEvent, payload *CopyPayload) (runtime.ApEvent, error)
	IssueFill(op runtime.Operation, pre runtime.ApEvent, payload *CopyPayload) (runtime.ApEvent, error)
	IssueAcross(op runtime.Operation, pre runtime.ApEvent, payload *CopyPayload) (runtime.ApEvent, error)
}

// BarrierSource performs Realm phase-barrier arrival/advance.
type BarrierSource interface {
	Arrive(b runtime.ApBarrier, pre runtime.ApEvent, count int) runtime.ApEvent
	Advance(b runtime.ApBarrier) runtime.ApBarrier
	CurrentGeneration(b runtime.ApBarrier) runtime.ApEvent
}

// Collaborators bundles the external systems PerformReplay dispatches
// instructions to.
type Collaborators struct {
	Events   EventSource
	Issue    Issuer
	Barriers BarrierSource
}

// InitializeReplay queues a (completion, recurrent) replay request and
// folds in any pending deferred transitive-reduction result (spec §4.5.3
// initialize_replay).
func (t *Template) InitializeReplay(completion runtime.ApEvent, recurrent bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.finalized {
		return ErrNotFinalized
	}
	t.pendingReplays = append(t.pendingReplays, pendingReplay{completion: completion, recurrent: recurrent})
	t.operations = append(t.operations, make(map[runtime.TraceLocalID]runtime.Operation))
	if t.pendingTransitiveReduction != nil {
		t.applyPendingTransitiveReductionLocked()
		t.propagateCopies()
	}
	return nil
}

// topologicalOrder returns instruction indices ordered so that every
// instruction appears after every instruction producing a slot it reads,
// via depth-first postorder over the Rhs producer graph. This is how
// PerformReplay guarantees correct execution order without modeling real
// per-slice concurrency (see PerformReplay's doc comment).
func (t *Template) topologicalOrder() []int {
	byLhs := t.instructionBySlot()
	visited := make([]bool, len(t.instructions))
	var order []int
	var visit func(idx int)
	visit = func(idx int) {
		if visited[idx] {
			return
		}
		visited[idx] = true
		for _, r := range t.instructions[idx].Rhs {
			if pidx, ok := byLhs[r]; ok {
				visit(pidx)
			}
		}
		order = append(order, idx)
	}
	for idx := range t.instructions {
		visit(idx)
	}
	return order
}

// PerformReplay pops the head of pendingReplays and executes every
// instruction, dispatching Issue/barrier/event operations to collab (spec
// §4.5.3 perform_replay).
//
// The real engine schedules one task per slice and lets Realm's async
// events provide cross-slice synchronization. This module has no
// processor scheduler of its own, so it instead executes every
// instruction once, in a dependency-respecting topological order derived
// from the Rhs producer graph (topologicalOrder) — the slice assignment
// computed by prepare_parallel_replay is retained on each Instruction
// purely as replay-parallelism metadata for diagnostics.
func (t *Template) PerformReplay(collab Collaborators) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.finalized {
		return ErrNotFinalized
	}
	if len(t.pendingReplays) == 0 {
		return ErrNoPendingReplay
	}
	replay := t.pendingReplays[0]
	t.pendingReplays = t.pendingReplays[1:]

	if replay.recurrent {
		for _, fr := range t.frontiers {
			ev, err := t.slotEvent(fr[0])
			if err != nil {
				return err
			}
			t.events[fr[1]] = ev
		}
	} else {
		t.events[0] = replay.completion
		for _, fr := range t.frontiers {
			t.events[fr[1]] = replay.completion
		}
	}

	// A frontier destination's own producing instruction must not run this
	// iteration: its value has already been seeded above, either from the
	// frontier source (recurrent) or the fresh completion (initial).
	// Running it anyway would clobber that seed with a brand new value.
	frontierDst := make(map[slot]bool, len(t.frontiers))
	for _, fr := range t.frontiers {
		frontierDst[fr[1]] = true
	}

	for s := range t.crossingEvents {
		t.events[s] = collab.Events.CreateUserEvent().ApEvent
	}

	for _, idx := range t.topologicalOrder() {
		ins := t.instructions[idx]
		if frontierDst[ins.Lhs] && ins.Op.producesValue() {
			continue
		}
		if err := t.execute(ins, collab); err != nil {
			return fmt.Errorf("template: replay instruction %d (%s): %w", idx, ins.Op, err)
		}
	}
	return nil
}

func (t *Template) execute(ins Instruction, collab Collaborators) error {
	switch ins.Op {
	case OpAssignFenceCompletion:
		t.events[ins.Lhs] = t.events[0]

	case OpGetTermEvent:
		if err := ins.Memo.ReplayMappingOutput(); err != nil {
			return err
		}
		t.events[ins.Lhs] = ins.Memo.GetMemoCompletion()

	case OpCreateApUserEvent:
		u := collab.Events.CreateUserEvent()
		t.userEvents[ins.Lhs] = u
		t.events[ins.Lhs] = u.ApEvent

	case OpTriggerEvent:
		rhs, err := t.slotEvent(ins.Rhs[0])
		if err != nil {
			return err
		}
		if u, ok := t.userEvents[ins.Lhs]; ok {
			return collab.Events.Trigger(u, rhs)
		}
		// crossing-event instructions target a slot that already holds a
		// fresh user event materialized at the top of PerformReplay but
		// was never registered in userEvents (it has no CreateApUserEvent
		// instruction of its own); trigger it directly via events[lhs].
		t.events[ins.Lhs] = rhs

	case OpMergeEvent:
		evs := make([]runtime.ApEvent, 0, len(ins.Rhs))
		for _, r := range ins.Rhs {
			ev, err := t.slotEvent(r)
			if err != nil {
				return err
			}
			evs = append(evs, ev)
		}
		t.events[ins.Lhs] = collab.Events.Merge(evs)

	case OpIssueCopy, OpIssueFill, OpIssueAcross:
		pre, err := t.slotEvent(ins.Rhs[0])
		if err != nil {
			return err
		}
		var result runtime.ApEvent
		switch ins.Op {
		case OpIssueCopy:
			result, err = collab.Issue.IssueCopy(ins.Op_, pre, ins.Copy)
		case OpIssueFill:
			result, err = collab.Issue.IssueFill(ins.Op_, pre, ins.Copy)
		default:
			result, err = collab.Issue.IssueAcross(ins.Op_, pre, ins.Copy)
		}
		if err != nil {
			return err
		}
		t.events[ins.Lhs] = result

	case OpSetOpSyncEvent:
		t.events[ins.Lhs] = ins.Memo.ComputeSyncPrecondition()

	case OpSetEffects:
		rhs, err := t.slotEvent(ins.Rhs[0])
		if err != nil {
			return err
		}
		ins.Memo.SetEffectsPostcondition(rhs)

	case OpCompleteReplay:
		rhs, err := t.slotEvent(ins.Rhs[0])
		if err != nil {
			return err
		}
		ins.Memo.CompleteReplay(rhs)

	case OpBarrierArrival:
		rhs, err := t.slotEvent(ins.Rhs[0])
		if err != nil {
			return err
		}
		t.events[ins.Lhs] = collab.Barriers.Arrive(ins.Barrier, rhs, ins.ArrivalCount)
		if !ins.Collective {
			collab.Barriers.Advance(ins.Barrier)
		}

	case OpBarrierAdvance:
		t.events[ins.Lhs] = collab.Barriers.CurrentGeneration(ins.Barrier)
		collab.Barriers.Advance(ins.Barrier)

	default:
		return fmt.Errorf("unhandled opcode %s", ins.Op)
	}
	return nil
}

// Postcondition is one (view-user, event) pair finish_replay gathers.
type Postcondition struct {
	LastSlotEvent runtime.ApEvent
}

// FinishReplay gathers postconditions — the event at every view-user's
// last slot, plus the last fence's event if any — and pops the head of
// operations (spec §4.5.3 finish_replay).
func (t *Template) FinishReplay() ([]runtime.ApEvent, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.finalized {
		return nil, ErrNotFinalized
	}
	seen := make(map[slot]bool)
	var out []runtime.ApEvent
	for _, entries := range t.viewUsers {
		for _, e := range entries {
			if seen[e.slot] {
				continue
			}
			seen[e.slot] = true
			ev, err := t.slotEvent(e.slot)
			if err != nil {
				return nil, err
			}
			out = append(out, ev)
		}
	}
	if t.lastFence > 0 {
		ev, err := t.slotEvent(t.lastFence)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if len(t.operations) > 0 {
		t.operations = t.operations[1:]
	}
	return out, nil
}

// PendingReplayCount reports the queue depth, for tests and PhysicalTrace
// chain_replays bookkeeping.
func (t *Template) PendingReplayCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pendingReplays)
}
