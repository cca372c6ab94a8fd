package logical_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legion-project/physical-trace/pkg/trace/fieldmask"
	"github.com/legion-project/physical-trace/pkg/trace/logical"
	"github.com/legion-project/physical-trace/pkg/trace/logical/logicalfake"
	"github.com/legion-project/physical-trace/pkg/trace/runtime"
)

func TestDynamicTraceRecordsWholeOperationDependence(t *testing.T) {
	dt := logical.NewDynamicTrace(nil, nil)
	dt.BeginPass(logical.StateRecording)

	op0 := logicalfake.New(1, runtime.TaskOpKind, 1)
	op1 := logicalfake.New(2, runtime.TaskOpKind, 1)

	idx0, err := dt.RegisterOperation(op0)
	require.NoError(t, err)
	_, err = dt.RegisterOperation(op1)
	require.NoError(t, err)

	require.NoError(t, dt.RecordDependence(op0, op1))

	bucket := dt.DependencesAt(1)
	require.Len(t, bucket, 1)
	assert.Equal(t, idx0, bucket[0].OperationIdx)
	assert.Equal(t, -1, bucket[0].PrevIdx)
	assert.Equal(t, runtime.TrueDependence, bucket[0].Type)
}

func TestDynamicTraceIgnoresDependenceOnUnregisteredTarget(t *testing.T) {
	dt := logical.NewDynamicTrace(nil, nil)
	dt.BeginPass(logical.StateRecording)

	op0 := logicalfake.New(1, runtime.TaskOpKind, 1)
	_, err := dt.RegisterOperation(op0)
	require.NoError(t, err)

	outside := logicalfake.New(99, runtime.TaskOpKind, 1)
	require.NoError(t, dt.RecordDependence(outside, op0))
	assert.Empty(t, dt.DependencesAt(0))
}

func TestDynamicTraceMergesRegionDependenceMasks(t *testing.T) {
	dt := logical.NewDynamicTrace(nil, nil)
	dt.BeginPass(logical.StateRecording)

	op0 := logicalfake.New(1, runtime.TaskOpKind, 1)
	op1 := logicalfake.New(2, runtime.TaskOpKind, 1)
	_, err := dt.RegisterOperation(op0)
	require.NoError(t, err)
	_, err = dt.RegisterOperation(op1)
	require.NoError(t, err)

	require.NoError(t, dt.RecordRegionDependence(op0, op1, 0, 0, true, runtime.TrueDependence, fieldmask.FromBits(1)))
	require.NoError(t, dt.RecordRegionDependence(op0, op1, 0, 0, true, runtime.TrueDependence, fieldmask.FromBits(2)))

	bucket := dt.DependencesAt(1)
	require.Len(t, bucket, 1, "mergeable records must union into one")
	assert.ElementsMatch(t, []int{1, 2}, bucket[0].DependentMask.Bits())
}

func TestDynamicTraceReplayPromotesDependencesOnInternalOp(t *testing.T) {
	dt := logical.NewDynamicTrace(nil, nil)
	dt.BeginPass(logical.StateRecording)

	op0 := logicalfake.New(1, runtime.TaskOpKind, 1)
	op1 := logicalfake.New(2, runtime.CloseOpKind, 1)
	op1.Internal = true

	_, err := dt.RegisterOperation(op0)
	require.NoError(t, err)
	_, err = dt.RegisterOperation(op1)
	require.NoError(t, err)

	require.NoError(t, dt.RecordNoDependence(op0, op1, fieldmask.FromBits(0)))
	require.NoError(t, dt.CompleteTrace(logicalfake.New(3, runtime.FenceOpKind, 0)))

	dt.BeginPass(logical.StateLogicalOnly)
	replay0 := logicalfake.New(1, runtime.TaskOpKind, 1)
	replay1 := logicalfake.New(2, runtime.CloseOpKind, 1)
	replay1.Internal = true

	_, err = dt.RegisterOperation(replay0)
	require.NoError(t, err)
	_, err = dt.RegisterOperation(replay1)
	require.NoError(t, err)

	require.Len(t, replay1.Dependences, 1, "whole-operation record should have replayed")
	assert.Same(t, replay0, replay1.Dependences[0])
	require.Len(t, replay1.TraceDependences, 1)
	assert.Equal(t, runtime.TrueDependence, replay1.TraceDependences[0].Type, "internal op promotes NO_DEPENDENCE to TRUE_DEPENDENCE")
}

func TestDynamicTraceReplayDetectsStructuralViolation(t *testing.T) {
	dt := logical.NewDynamicTrace(nil, nil)
	dt.BeginPass(logical.StateRecording)

	op0 := logicalfake.New(1, runtime.TaskOpKind, 2)
	_, err := dt.RegisterOperation(op0)
	require.NoError(t, err)
	require.NoError(t, dt.CompleteTrace(logicalfake.New(2, runtime.FenceOpKind, 0)))

	dt.BeginPass(logical.StateLogicalOnly)
	mismatched := logicalfake.New(9, runtime.TaskOpKind, 1)
	_, err = dt.RegisterOperation(mismatched)
	assert.ErrorIs(t, err, logical.ErrTraceViolation)
}

func TestDynamicTraceReplayDetectsTooManyOperations(t *testing.T) {
	dt := logical.NewDynamicTrace(nil, nil)
	dt.BeginPass(logical.StateRecording)

	op0 := logicalfake.New(1, runtime.TaskOpKind, 1)
	_, err := dt.RegisterOperation(op0)
	require.NoError(t, err)
	require.NoError(t, dt.CompleteTrace(logicalfake.New(2, runtime.FenceOpKind, 0)))

	dt.BeginPass(logical.StateLogicalOnly)
	replay0 := logicalfake.New(3, runtime.TaskOpKind, 1)
	_, err = dt.RegisterOperation(replay0)
	require.NoError(t, err)

	extra := logicalfake.New(4, runtime.TaskOpKind, 1)
	_, err = dt.RegisterOperation(extra)
	assert.ErrorIs(t, err, logical.ErrTraceViolation)
}

func TestDynamicTraceCompleteTraceReleasesMappingReferences(t *testing.T) {
	dt := logical.NewDynamicTrace(nil, nil)
	dt.BeginPass(logical.StateRecording)

	op0 := logicalfake.New(1, runtime.TaskOpKind, 1)
	_, err := dt.RegisterOperation(op0)
	require.NoError(t, err)
	assert.Equal(t, 1, op0.MappingReferenceCount())

	require.NoError(t, dt.CompleteTrace(logicalfake.New(2, runtime.FenceOpKind, 0)))
	assert.Equal(t, 0, op0.MappingReferenceCount())
}

func TestDynamicTraceMergeInternalDependence(t *testing.T) {
	dt := logical.NewDynamicTrace(nil, nil)
	dt.BeginPass(logical.StateRecording)

	target := logicalfake.New(1, runtime.TaskOpKind, 1)
	creator := logicalfake.New(2, runtime.TaskOpKind, 1)
	internal := logicalfake.New(3, runtime.CloseOpKind, 1)
	internal.Internal = true
	internal.InternalIndex = 7

	_, err := dt.RegisterOperation(target)
	require.NoError(t, err)
	_, err = dt.RegisterOperation(creator)
	require.NoError(t, err)

	require.NoError(t, dt.RecordDependence(target, internal))
	require.Empty(t, dt.DependencesAt(1), "internal source's records must not land directly in creator's bucket")

	require.NoError(t, dt.MergeInternalDependence(creator, internal.ID, internal.InternalIndex, 3))

	bucket := dt.DependencesAt(1)
	require.Len(t, bucket, 1)
	assert.Equal(t, 3, bucket[0].NextIdx)
}
