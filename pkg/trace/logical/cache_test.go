package logical_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legion-project/physical-trace/pkg/trace/condition"
	"github.com/legion-project/physical-trace/pkg/trace/fieldmask"
	"github.com/legion-project/physical-trace/pkg/trace/logical"
	"github.com/legion-project/physical-trace/pkg/trace/runtime"
	"github.com/legion-project/physical-trace/pkg/trace/runtime/runtimefake"
	"github.com/legion-project/physical-trace/pkg/trace/template"
)

func newReplayableTemplate(t *testing.T) *template.Template {
	t.Helper()
	tpl := template.New(nil, 1)
	require.NoError(t, tpl.Finalize(true, nil))
	return tpl
}

func newNonReplayableTemplate(t *testing.T, reason error) *template.Template {
	t.Helper()
	tpl := template.New(nil, 1)
	require.NoError(t, tpl.Finalize(false, reason))
	return tpl
}

func newConditionFixture(t *testing.T) (*runtimefake.Forest, *runtimefake.EquivalenceEngine, runtime.RegionID, condition.ViewResolver) {
	t.Helper()
	forest := runtimefake.NewForest()
	total := forest.NewInterval(0, 100)
	region := runtime.RegionID(1)
	forest.SetRegion(region, total)

	engine := runtimefake.NewEquivalenceEngine()
	view := runtimefake.NewView(runtime.ViewID(1), 0, 0, 1)
	resolver := condition.ViewResolver(func(id runtime.ViewID) runtime.LogicalView {
		if id == view.ViewID() {
			return view
		}
		return nil
	})
	return forest, engine, region, resolver
}

func TestCaptureCompletePushesReplayableTemplateAndResetsCounters(t *testing.T) {
	pt := logical.NewPhysicalTrace(nil, logical.Config{MaxTemplates: 4, NonReplayableWarnThreshold: 2, NewTemplateWarnThreshold: 10})

	ct := logical.NewCachedTemplate(newReplayableTemplate(t), nil)
	require.NoError(t, pt.CaptureComplete(ct))

	assert.Equal(t, 1, pt.Len())
	assert.Equal(t, 0, pt.NonReplayableCount())
}

func TestCaptureCompleteDiscardsNonReplayableAndCountsIt(t *testing.T) {
	pt := logical.NewPhysicalTrace(nil, logical.Config{MaxTemplates: 4, NonReplayableWarnThreshold: 1, NewTemplateWarnThreshold: 10})

	reason := assertErr{"blocking call"}
	ct := logical.NewCachedTemplate(newNonReplayableTemplate(t, reason), nil)
	err := pt.CaptureComplete(ct)
	require.Error(t, err)
	assert.ErrorIs(t, err, logical.ErrTemplateRejected)

	assert.Equal(t, 0, pt.Len())
	assert.Equal(t, 1, pt.NonReplayableCount())
}

func TestCaptureCompleteEvictsLeastRecentlyUsedOverCapacity(t *testing.T) {
	pt := logical.NewPhysicalTrace(nil, logical.Config{MaxTemplates: 1, NonReplayableWarnThreshold: 10, NewTemplateWarnThreshold: 10})

	first := logical.NewCachedTemplate(newReplayableTemplate(t), nil)
	second := logical.NewCachedTemplate(newReplayableTemplate(t), nil)
	require.NoError(t, pt.CaptureComplete(first))
	require.NoError(t, pt.CaptureComplete(second))

	require.Equal(t, 1, pt.Len())
}

func TestCheckTemplatePreconditionsScansMostRecentlyUsedFirst(t *testing.T) {
	pt := logical.NewPhysicalTrace(nil, logical.Config{MaxTemplates: 4, NonReplayableWarnThreshold: 10, NewTemplateWarnThreshold: 10})
	forest, engine, region, resolver := newConditionFixture(t)
	mask := fieldmask.FromBits(0)
	whole := forest.RegionExpression(region)

	engine.SetCapture(region, runtime.CaptureResult{
		Preconditions: runtime.ViewUserSet{{View: 1, Expr: whole, Mask: []int{0}}},
	})

	stale := condition.New(nil, forest, engine, region, mask, resolver)
	require.NoError(t, stale.Capture())

	fresh := condition.New(nil, forest, engine, region, mask, resolver)
	require.NoError(t, fresh.Capture())

	staleCT := logical.NewCachedTemplate(newReplayableTemplate(t), []*condition.ConditionSet{stale})
	freshCT := logical.NewCachedTemplate(newReplayableTemplate(t), []*condition.ConditionSet{fresh})
	require.NoError(t, pt.CaptureComplete(staleCT))
	require.NoError(t, pt.CaptureComplete(freshCT))

	// freshCT is MRU; it should be found first since both currently match.
	matched, ok, err := pt.CheckTemplatePreconditions()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, freshCT.ID, matched.ID)
	assert.Equal(t, freshCT.ID, pt.Current().ID)
}

func TestCheckTemplatePreconditionsSkipsNonMatchingTemplate(t *testing.T) {
	pt := logical.NewPhysicalTrace(nil, logical.Config{MaxTemplates: 4, NonReplayableWarnThreshold: 10, NewTemplateWarnThreshold: 10})
	forest, engine, region, resolver := newConditionFixture(t)
	mask := fieldmask.FromBits(0)
	whole := forest.RegionExpression(region)

	broken := condition.New(nil, forest, engine, region, mask, resolver)
	engine.SetCapture(region, runtime.CaptureResult{
		Preconditions: runtime.ViewUserSet{{View: 1, Expr: whole, Mask: []int{0}}},
	})
	require.NoError(t, broken.Capture())
	sets := engineCurrentSets(t, engine, region, mask)
	engine.Invalidate(sets, 1, 0)

	brokenCT := logical.NewCachedTemplate(newReplayableTemplate(t), []*condition.ConditionSet{broken})
	require.NoError(t, pt.CaptureComplete(brokenCT))

	matched, ok, err := pt.CheckTemplatePreconditions()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, matched)
	assert.Nil(t, pt.Current())
}

func engineCurrentSets(t *testing.T, engine *runtimefake.EquivalenceEngine, region runtime.RegionID, mask fieldmask.FieldMask) []runtime.EquivalenceSetID {
	t.Helper()
	sets, err := engine.ComputeEquivalenceSets(region, mask.Bits())
	require.NoError(t, err)
	return sets
}

func TestRecurrentReplayReusesPreviousCompletionEvent(t *testing.T) {
	pt := logical.NewPhysicalTrace(nil, logical.Config{MaxTemplates: 4, NonReplayableWarnThreshold: 10, NewTemplateWarnThreshold: 10})
	ct := logical.NewCachedTemplate(newReplayableTemplate(t), nil)
	require.NoError(t, pt.CaptureComplete(ct))

	fresh1 := runtime.NewApEvent(10)
	got1, recurrent1 := pt.BeginReplay(ct, fresh1)
	assert.False(t, recurrent1)
	assert.Equal(t, fresh1, got1)

	completion := runtime.NewApEvent(20)
	pt.CompleteReplay(ct, completion)

	fresh2 := runtime.NewApEvent(30)
	got2, recurrent2 := pt.BeginReplay(ct, fresh2)
	assert.True(t, recurrent2)
	assert.Equal(t, completion, got2, "recurrent replay must reuse the previous completion event")
}

func TestInvalidateCurrentSuppressesRecurrence(t *testing.T) {
	pt := logical.NewPhysicalTrace(nil, logical.Config{MaxTemplates: 4, NonReplayableWarnThreshold: 10, NewTemplateWarnThreshold: 10})
	ct := logical.NewCachedTemplate(newReplayableTemplate(t), nil)
	require.NoError(t, pt.CaptureComplete(ct))

	_, _ = pt.BeginReplay(ct, runtime.NewApEvent(1))
	pt.CompleteReplay(ct, runtime.NewApEvent(2))

	pt.InvalidateCurrent()
	assert.Nil(t, pt.Current())

	_, recurrent := pt.BeginReplay(ct, runtime.NewApEvent(3))
	assert.False(t, recurrent, "an intermediate execution fence must suppress the next recurrence")
}

func TestReplayChainSerializesAcquireRelease(t *testing.T) {
	c := logical.NewReplayChain()
	c.Acquire()

	var order []int
	done := make(chan struct{})
	go func() {
		c.Acquire()
		order = append(order, 2)
		c.Release()
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	order = append(order, 1)
	c.Release()
	<-done

	assert.Equal(t, []int{1, 2}, order)
}

// assertErr is a trivial error value for tests that only need a stable,
// comparable rejection reason.
type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }
