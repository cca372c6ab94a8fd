package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legion-project/physical-trace/pkg/trace/fieldmask"
	"github.com/legion-project/physical-trace/pkg/trace/runtime"
	"github.com/legion-project/physical-trace/pkg/trace/template/templatefake"
)

func TestNewReservesSlotZeroForFenceCompletion(t *testing.T) {
	tpl := New(nil, 1)
	require.Len(t, tpl.Instructions(), 1)
	assert.Equal(t, OpAssignFenceCompletion, tpl.Instructions()[0].Op)
}

func TestRecordMergeEventAllocatesDestinationSlot(t *testing.T) {
	tpl := New(nil, 1)
	a := tpl.RecordCreateUserEvent()
	b := tpl.RecordCreateUserEvent()
	m := tpl.RecordMergeEvent([]int{a, b})

	assert.NotEqual(t, a, m)
	assert.NotEqual(t, b, m)
	instrs := tpl.Instructions()
	last := instrs[len(instrs)-1]
	assert.Equal(t, OpMergeEvent, last.Op)
	assert.ElementsMatch(t, []int{a, b}, last.Rhs)
}

func TestElideFencesReplacesPlainPreconditionWithLastUserMerge(t *testing.T) {
	tpl := New(nil, 1)
	view := runtime.ViewID(1)
	fence := tpl.RecordCreateUserEvent()

	writer := tpl.RecordIssueFill(&templatefake.Operation{ID: 1}, fence, []runtime.ViewID{view}, fieldmask.FromBits(0))
	reader := tpl.RecordIssueCopy(&templatefake.Operation{ID: 2}, fence, []runtime.ViewID{view}, nil, fieldmask.FromBits(0))
	_ = writer

	require.NoError(t, tpl.Finalize(true, nil))

	var copyIns *Instruction
	for i, ins := range tpl.instructions {
		if ins.Op == OpIssueCopy {
			copyIns = &tpl.instructions[i]
		}
	}
	require.NotNil(t, copyIns)
	// the copy's precondition must no longer be the bare fence slot: elide_fences
	// substitutes it with a merge that includes the fill's output slot.
	assert.NotEqual(t, []int{fence}, copyIns.Rhs)
	_ = reader
}

func TestFinalizeNonReplayableSkipsPipeline(t *testing.T) {
	tpl := New(nil, 1)
	before := len(tpl.Instructions())
	require.NoError(t, tpl.Finalize(false, assertErrPlaceholder))

	replayable, reason := tpl.IsReplayable()
	assert.False(t, replayable)
	assert.Equal(t, assertErrPlaceholder, reason)
	assert.Len(t, tpl.Instructions(), before)
}

var assertErrPlaceholder = errDummy{}

type errDummy struct{}

func (errDummy) Error() string { return "dummy rejection reason" }

func TestFinalizeTwiceReturnsError(t *testing.T) {
	tpl := New(nil, 1)
	require.NoError(t, tpl.Finalize(true, nil))
	assert.ErrorIs(t, tpl.Finalize(true, nil), ErrAlreadyFinalized)
}

func TestEliminateDeadCodeDropsUnreferencedUserEvent(t *testing.T) {
	tpl := New(nil, 1)
	tpl.RecordCreateUserEvent() // never referenced by anything effectful
	memo := templatefake.NewMemo(runtime.NewApEvent(42))
	get := tpl.RecordGetTermEvent(memo)
	tpl.RecordSetEffects(memo, get)

	require.NoError(t, tpl.Finalize(true, nil))

	for _, ins := range tpl.Instructions() {
		assert.NotEqual(t, OpCreateApUserEvent, ins.Op, "dead CreateApUserEvent should have been eliminated")
	}
}

func TestPropagateCopiesCollapsesSingleInputMerge(t *testing.T) {
	tpl := New(nil, 1)
	memo := templatefake.NewMemo(runtime.NewApEvent(7))
	get := tpl.RecordGetTermEvent(memo)
	merged := tpl.RecordMergeEvent([]int{get})
	tpl.RecordSetEffects(memo, merged)

	require.NoError(t, tpl.Finalize(true, nil))

	for _, ins := range tpl.Instructions() {
		if ins.Op == OpSetEffects {
			assert.Equal(t, []int{get}, ins.Rhs, "SetEffects should reference GetTermEvent's slot directly after merge collapse")
		}
	}
}

func TestEndToEndRecordFinalizeReplay(t *testing.T) {
	tpl := New(nil, 1)
	memo := templatefake.NewMemo(runtime.NewApEvent(99))
	get := tpl.RecordGetTermEvent(memo)
	op := &templatefake.Operation{ID: 1}
	view := runtime.ViewID(1)
	copySlot := tpl.RecordIssueFill(op, get, []runtime.ViewID{view}, fieldmask.FromBits(0))
	tpl.RecordSetEffects(memo, copySlot)
	tpl.RecordCompleteReplay(memo, op, copySlot)

	require.NoError(t, tpl.Finalize(true, nil))
	require.NoError(t, tpl.InitializeReplay(runtime.NewApEvent(1), false))

	events := templatefake.NewEvents()
	issuer := templatefake.NewIssuer()
	barriers := templatefake.NewBarriers()
	collab := templatefake.Collaborators(events, issuer, barriers)

	require.NoError(t, tpl.PerformReplay(collab))
	assert.True(t, memo.Completed)
	assert.Len(t, issuer.Fills, 1)

	_, err := tpl.FinishReplay()
	require.NoError(t, err)
}

func TestPerformReplayWithoutPendingReturnsError(t *testing.T) {
	tpl := New(nil, 1)
	require.NoError(t, tpl.Finalize(true, nil))

	events := templatefake.NewEvents()
	issuer := templatefake.NewIssuer()
	barriers := templatefake.NewBarriers()
	err := tpl.PerformReplay(templatefake.Collaborators(events, issuer, barriers))
	assert.ErrorIs(t, err, ErrNoPendingReplay)
}

func TestPerformReplayBeforeFinalizeReturnsError(t *testing.T) {
	tpl := New(nil, 1)
	events := templatefake.NewEvents()
	issuer := templatefake.NewIssuer()
	barriers := templatefake.NewBarriers()
	err := tpl.PerformReplay(templatefake.Collaborators(events, issuer, barriers))
	assert.ErrorIs(t, err, ErrNotFinalized)
}

func TestRecurrentReplayReusesFrontierEvents(t *testing.T) {
	tpl := New(nil, 1)
	src := tpl.RecordCreateUserEvent()
	dst := tpl.RecordCreateUserEvent()
	tpl.RecordFrontier(src, dst)
	memo := templatefake.NewMemo(runtime.NewApEvent(5))
	tpl.RecordSetEffects(memo, dst)

	require.NoError(t, tpl.Finalize(true, nil))

	events := templatefake.NewEvents()
	issuer := templatefake.NewIssuer()
	barriers := templatefake.NewBarriers()
	collab := templatefake.Collaborators(events, issuer, barriers)

	require.NoError(t, tpl.InitializeReplay(runtime.NewApEvent(1), false))
	require.NoError(t, tpl.PerformReplay(collab))
	srcAfterFirst := tpl.events[src]

	require.NoError(t, tpl.InitializeReplay(runtime.NewApEvent(2), true))
	require.NoError(t, tpl.PerformReplay(collab))
	// the second (recurrent) replay must have reseeded dst from src's value
	// as of the end of the first replay, not from a fresh completion event.
	assert.Equal(t, srcAfterFirst, tpl.events[dst])
	assert.NotEqual(t, tpl.events[src], tpl.events[dst], "src is recreated each iteration and must diverge from the frozen frontier value")
}
