package template

import (
	"sort"

	"github.com/legion-project/physical-trace/pkg/trace/runtime"
)

// Finalize runs the optimization pipeline on capture completion (spec
// §4.5.2). If the template is not replayable, the pipeline is skipped and
// the raw recording is kept only for diagnostic dumping.
func (t *Template) Finalize(replayable bool, rejectReason error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.finalized {
		return ErrAlreadyFinalized
	}
	t.replayable = replayable
	t.rejectReason = rejectReason
	t.finalized = true
	if !replayable {
		t.log.Debug("template: skipping optimization pipeline for non-replayable template", "reason", rejectReason)
		return nil
	}

	t.elideFences()
	t.propagateMerges()
	t.transitiveReductionPass()
	t.propagateCopies()
	t.eliminateDeadCode()
	t.prepareParallelReplay()
	t.pushCompleteReplays()

	for i := range t.instructions {
		if t.instructions[i].Copy != nil {
			t.instructions[i].Copy.SrcViews = nil
			t.instructions[i].Copy.DstViews = nil
			t.instructions[i].Copy.SrcIndirect = nil
			t.instructions[i].Copy.DstIndirect = nil
		}
	}
	return nil
}

// IsReplayable reports the replayability decision Finalize was given.
func (t *Template) IsReplayable() (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.replayable, t.rejectReason
}

func unionSlots(a, b []slot) []slot {
	return dedupSlots(append(append([]slot(nil), a...), b...))
}

func dedupSlots(s []slot) []slot {
	sort.Ints(s)
	out := s[:0]
	var last slot = -1
	first := true
	for _, v := range s {
		if first || v != last {
			out = append(out, v)
			last = v
			first = false
		}
	}
	return out
}

// instructionBySlot indexes instructions by the slot they produce (Lhs),
// for the passes that need to walk the producer graph.
func (t *Template) instructionBySlot() map[slot]int {
	m := make(map[slot]int, len(t.instructions))
	for i, ins := range t.instructions {
		switch ins.Op {
		case OpGetTermEvent, OpCreateApUserEvent, OpMergeEvent, OpAssignFenceCompletion,
			OpIssueCopy, OpIssueFill, OpIssueAcross, OpBarrierArrival, OpBarrierAdvance,
			OpSetOpSyncEvent:
			m[ins.Lhs] = i
		}
	}
	return m
}

// elideFences substitutes each IssueCopy/IssueFill/IssueAcross's recorded
// fence precondition with the merge of the last users of its operand views
// (spec §4.5.2 pass 1).
func (t *Template) elideFences() {
	byLhs := t.instructionBySlot()
	for i := range t.instructions {
		ins := &t.instructions[i]
		if ins.Op != OpIssueCopy && ins.Op != OpIssueFill && ins.Op != OpIssueAcross {
			continue
		}
		if ins.Copy == nil || len(ins.Rhs) == 0 {
			continue
		}
		views := append(append(append([]runtime.ViewID(nil), ins.Copy.SrcViews...), ins.Copy.DstViews...), ins.Copy.SrcIndirect...)
		views = append(views, ins.Copy.DstIndirect...)
		last := t.lastUsers(views, ins.Copy.Fields)
		if len(last) == 0 {
			continue
		}
		pre := ins.Rhs[0]
		if pidx, ok := byLhs[pre]; ok && t.instructions[pidx].Op == OpMergeEvent {
			t.instructions[pidx].Rhs = unionSlots(t.instructions[pidx].Rhs, last)
			continue
		}
		newSlot := t.newSlot(runtime.NoEvent)
		t.instructions = append(t.instructions, Instruction{Op: OpMergeEvent, Lhs: newSlot, Rhs: unionSlots([]slot{pre}, last)})
		ins.Rhs[0] = newSlot
	}
}

// propagateMerges coalesces nested merges: if any rhs member of a
// MergeEvent is itself produced by a MergeEvent, that member is replaced
// by its operands, iterated to a fixed point (spec §4.5.2 pass 2).
func (t *Template) propagateMerges() {
	byLhs := t.instructionBySlot()
	for i := range t.instructions {
		if t.instructions[i].Op != OpMergeEvent {
			continue
		}
		for {
			changed := false
			var next []slot
			for _, r := range t.instructions[i].Rhs {
				if idx, ok := byLhs[r]; ok && idx != i && t.instructions[idx].Op == OpMergeEvent {
					next = append(next, t.instructions[idx].Rhs...)
					changed = true
					continue
				}
				next = append(next, r)
			}
			t.instructions[i].Rhs = dedupSlots(next)
			if !changed {
				break
			}
		}
	}
}

// reachableFrom computes, for a single producer-graph node, the set of
// slots transitively reachable via Rhs edges (memoized across calls via
// cache).
func reachableFrom(s slot, byLhs map[slot]int, instructions []Instruction, cache map[slot]map[slot]bool) map[slot]bool {
	if hit, ok := cache[s]; ok {
		return hit
	}
	out := make(map[slot]bool)
	cache[s] = out // break cycles defensively; the graph is a DAG in practice
	idx, ok := byLhs[s]
	if !ok {
		return out
	}
	for _, r := range instructions[idx].Rhs {
		if out[r] {
			continue
		}
		out[r] = true
		for k := range reachableFrom(r, byLhs, instructions, cache) {
			out[k] = true
		}
	}
	return out
}

// transitiveReductionPass computes, for each merge, the minimum rhs subset
// that still transitively dominates the original set (a greedy
// approximation of Simon's algorithm, sized for template instruction
// counts rather than whole-program DAGs). Per spec §4.5.2 pass 3 this may
// be deferred; here the result is stored as a pending result and applied
// by the pass itself before it returns. Template.InitializeReplay applies
// any pendingTransitiveReduction still present at that point.
func (t *Template) transitiveReductionPass() {
	byLhs := t.instructionBySlot()
	cache := make(map[slot]map[slot]bool)

	pending := make(map[int][]slot)
	for i := range t.instructions {
		if t.instructions[i].Op != OpMergeEvent || len(t.instructions[i].Rhs) < 2 {
			continue
		}
		rhs := append([]slot(nil), t.instructions[i].Rhs...)
		sort.Slice(rhs, func(a, b int) bool {
			return len(reachableFrom(rhs[a], byLhs, t.instructions, cache)) > len(reachableFrom(rhs[b], byLhs, t.instructions, cache))
		})
		var kept []slot
		covered := make(map[slot]bool)
		for _, r := range rhs {
			if covered[r] {
				continue
			}
			kept = append(kept, r)
			covered[r] = true
			for k := range reachableFrom(r, byLhs, t.instructions, cache) {
				covered[k] = true
			}
		}
		sort.Ints(kept)
		pending[i] = kept
	}
	t.pendingTransitiveReduction = pending
	t.applyPendingTransitiveReductionLocked()
}

// applyPendingTransitiveReductionLocked installs a computed transitive
// reduction result, if any, and clears it.
func (t *Template) applyPendingTransitiveReductionLocked() {
	for idx, kept := range t.pendingTransitiveReduction {
		if idx < len(t.instructions) && t.instructions[idx].Op == OpMergeEvent {
			t.instructions[idx].Rhs = kept
		}
	}
	t.pendingTransitiveReduction = nil
}

// propagateCopies collapses single-input merges (MergeEvent(rhs=[x])) by
// substituting downstream references to its output with x and deleting
// the merge (spec §4.5.2 pass 4).
func (t *Template) propagateCopies() {
	for {
		remap := make(map[slot]slot)
		removed := make(map[int]bool)
		for i, ins := range t.instructions {
			if ins.Op == OpMergeEvent && len(ins.Rhs) == 1 {
				remap[ins.Lhs] = ins.Rhs[0]
				removed[i] = true
			}
		}
		if len(remap) == 0 {
			return
		}
		resolve := func(s slot) slot {
			seen := make(map[slot]bool)
			for {
				next, ok := remap[s]
				if !ok || seen[s] {
					return s
				}
				seen[s] = true
				s = next
			}
		}
		var kept []Instruction
		for i, ins := range t.instructions {
			if removed[i] {
				continue
			}
			for j := range ins.Rhs {
				ins.Rhs[j] = resolve(ins.Rhs[j])
			}
			kept = append(kept, ins)
		}
		t.instructions = kept
	}
}

// eliminateDeadCode retains only instructions whose outputs are used
// transitively by an effectful instruction or a frontier (spec §4.5.2
// pass 5). The surviving instruction order is preserved; slots are left
// as-is since events is addressed by slot, not instruction index.
func (t *Template) eliminateDeadCode() {
	byLhs := t.instructionBySlot()
	keepIdx := make(map[int]bool)

	var mark func(s slot)
	visitedSlot := make(map[slot]bool)
	mark = func(s slot) {
		if visitedSlot[s] {
			return
		}
		visitedSlot[s] = true
		idx, ok := byLhs[s]
		if !ok {
			return
		}
		keepIdx[idx] = true
		for _, r := range t.instructions[idx].Rhs {
			mark(r)
		}
	}

	for i, ins := range t.instructions {
		if ins.Op.isEffectful() {
			keepIdx[i] = true
			for _, r := range ins.Rhs {
				mark(r)
			}
		}
	}
	for _, fr := range t.frontiers {
		mark(fr[0])
		mark(fr[1])
	}
	// slot 0's AssignFenceCompletion always survives.
	keepIdx[0] = true

	var kept []Instruction
	for i, ins := range t.instructions {
		if keepIdx[i] {
			kept = append(kept, ins)
		}
	}
	t.instructions = kept
}

// prepareParallelReplay partitions instructions into replayParallelism
// slices and inserts TriggerEvent crossing instructions where a merge's
// rhs references a slot produced in a different slice (spec §4.5.2 pass
// 6). Instructions that carry an operation are assigned by its unique id
// modulo replayParallelism (standing in for target-processor id, which
// this module's runtime.Operation does not expose); all other
// instructions are assigned round-robin.
func (t *Template) prepareParallelReplay() {
	n := t.replayParallelism
	if n <= 1 {
		for i := range t.instructions {
			t.instructions[i].slice = 0
		}
		return
	}
	rr := 0
	for i := range t.instructions {
		ins := &t.instructions[i]
		switch {
		case ins.Op_ != nil:
			ins.slice = int(ins.Op_.GetUniqueOpID() % uint64(n))
		case ins.Memo != nil:
			ins.slice = rr % n
			rr++
		default:
			ins.slice = rr % n
			rr++
		}
	}

	byLhs := t.instructionBySlot()
	for i := range t.instructions {
		ins := &t.instructions[i]
		if ins.Op != OpMergeEvent {
			continue
		}
		var newRhs []slot
		for _, r := range ins.Rhs {
			pidx, ok := byLhs[r]
			if !ok || t.instructions[pidx].slice == ins.slice {
				newRhs = append(newRhs, r)
				continue
			}
			crossSlot := t.newSlot(runtime.NoEvent)
			crossing := Instruction{Op: OpTriggerEvent, Lhs: crossSlot, Rhs: []slot{r}, slice: t.instructions[pidx].slice}
			t.instructions = append(t.instructions, crossing)
			t.crossingEvents[crossSlot]++
			newRhs = append(newRhs, crossSlot)
		}
		ins.Rhs = newRhs
	}
}

// pushCompleteReplays stable-reorders each slice so CompleteReplay
// instructions fire last (spec §4.5.2 pass 7).
func (t *Template) pushCompleteReplays() {
	bySlice := make(map[int][]Instruction)
	var order []int
	seen := make(map[int]bool)
	for _, ins := range t.instructions {
		if !seen[ins.slice] {
			seen[ins.slice] = true
			order = append(order, ins.slice)
		}
		bySlice[ins.slice] = append(bySlice[ins.slice], ins)
	}
	sort.Ints(order)

	var out []Instruction
	for _, sl := range order {
		instrs := bySlice[sl]
		var rest, completes []Instruction
		for _, ins := range instrs {
			if ins.Op == OpCompleteReplay {
				completes = append(completes, ins)
			} else {
				rest = append(rest, ins)
			}
		}
		out = append(out, rest...)
		out = append(out, completes...)
	}
	t.instructions = out
}

