package logical_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legion-project/physical-trace/pkg/trace/logical"
	"github.com/legion-project/physical-trace/pkg/trace/logical/logicalfake"
	"github.com/legion-project/physical-trace/pkg/trace/runtime"
)

func TestStaticTracePerformLoggingReturnsSentinel(t *testing.T) {
	st := logical.NewStaticTrace(nil, nil)
	assert.ErrorIs(t, st.PerformLogging(), logical.ErrStaticLoggingUnspecified)
}

func TestStaticTraceUsesCallerSuppliedDependences(t *testing.T) {
	st := logical.NewStaticTrace(nil, nil)
	st.BeginPass(logical.StateRecording)

	supplied := []logical.StaticDependence{
		{
			OpInfo: logical.OpInfo{Kind: runtime.TaskOpKind, RegionCount: 2},
			Records: []logical.DependenceRecord{
				{OperationIdx: -1, PrevIdx: -1, NextIdx: -1, Type: runtime.TrueDependence},
			},
		},
	}
	st.SetStaticDependences(supplied)

	op := logicalfake.New(1, runtime.TaskOpKind, 2)
	idx, err := st.RegisterOperation(op)
	require.NoError(t, err)

	info, ok := st.OpInfoAt(idx)
	require.True(t, ok)
	assert.Equal(t, supplied[0].OpInfo, info)
	assert.Equal(t, supplied[0].Records, st.DependencesAt(idx))
}

func TestStaticTraceRegistersLikeDynamicWhenNoBucketQueued(t *testing.T) {
	st := logical.NewStaticTrace(nil, nil)
	st.BeginPass(logical.StateRecording)

	op := logicalfake.New(1, runtime.TaskOpKind, 1)
	idx, err := st.RegisterOperation(op)
	require.NoError(t, err)

	info, ok := st.OpInfoAt(idx)
	require.True(t, ok)
	assert.Equal(t, runtime.TaskOpKind, info.Kind)
	assert.Equal(t, 1, info.RegionCount)
	assert.Empty(t, st.DependencesAt(idx))
}
