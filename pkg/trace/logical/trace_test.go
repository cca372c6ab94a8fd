package logical_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legion-project/physical-trace/pkg/trace/logical"
	"github.com/legion-project/physical-trace/pkg/trace/logical/logicalfake"
	"github.com/legion-project/physical-trace/pkg/trace/runtime"
)

func TestCompleteTraceComputesFrontiersFromUnreferencedOperations(t *testing.T) {
	dt := logical.NewDynamicTrace(nil, nil)
	dt.BeginPass(logical.StateRecording)

	op0 := logicalfake.New(1, runtime.TaskOpKind, 1)
	op1 := logicalfake.New(2, runtime.TaskOpKind, 1)
	_, err := dt.RegisterOperation(op0)
	require.NoError(t, err)
	_, err = dt.RegisterOperation(op1)
	require.NoError(t, err)

	// op1 depends on op0, so op0 is referenced and excluded from the
	// frontier; op1 itself is at the tail of the DAG.
	require.NoError(t, dt.RecordDependence(op0, op1))

	fence1 := logicalfake.New(3, runtime.FenceOpKind, 0)
	require.NoError(t, dt.CompleteTrace(fence1))
	require.Len(t, fence1.Dependences, 0, "first trace has no prior frontier to fence against")

	assert.True(t, dt.Fixed(), "first recording pass must fix the dependence tables")

	dt.BeginPass(logical.StateLogicalOnly)
	replay0 := logicalfake.New(4, runtime.TaskOpKind, 1)
	replay1 := logicalfake.New(5, runtime.TaskOpKind, 1)
	_, err = dt.RegisterOperation(replay0)
	require.NoError(t, err)
	_, err = dt.RegisterOperation(replay1)
	require.NoError(t, err)

	fence2 := logicalfake.New(6, runtime.FenceOpKind, 0)
	require.NoError(t, dt.CompleteTrace(fence2))
	require.Len(t, fence2.Dependences, 1, "second trace's fence must register a mapping dependence on the first pass's frontier")
	assert.Same(t, op1, fence2.Dependences[0], "the frontier carried over is the completing pass's tail, not the pass that just finished")
}

func TestBeginPassResetsHasIntermediateOps(t *testing.T) {
	dt := logical.NewDynamicTrace(nil, nil)
	dt.BeginPass(logical.StateRecording)

	op := logicalfake.New(1, runtime.TaskOpKind, 1)
	op.Invalidates = true
	_, err := dt.RegisterOperation(op)
	require.NoError(t, err)
	assert.True(t, dt.HasIntermediateOps())

	dt.BeginPass(logical.StateRecording)
	assert.False(t, dt.HasIntermediateOps())
}

func TestNoteBlockingCallObserved(t *testing.T) {
	dt := logical.NewDynamicTrace(nil, nil)
	assert.False(t, dt.BlockingCallObserved())
	dt.NoteBlockingCall()
	assert.True(t, dt.BlockingCallObserved())
}
