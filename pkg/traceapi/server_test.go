package traceapi_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legion-project/physical-trace/pkg/trace/condition"
	"github.com/legion-project/physical-trace/pkg/trace/fieldmask"
	"github.com/legion-project/physical-trace/pkg/trace/logical"
	"github.com/legion-project/physical-trace/pkg/trace/runtime"
	"github.com/legion-project/physical-trace/pkg/trace/runtime/runtimefake"
	"github.com/legion-project/physical-trace/pkg/trace/sharded"
	"github.com/legion-project/physical-trace/pkg/trace/template"
	"github.com/legion-project/physical-trace/pkg/traceapi"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newPopulatedPhysicalTrace(t *testing.T) *logical.PhysicalTrace {
	t.Helper()
	pt := logical.NewPhysicalTrace(nil, logical.Config{MaxTemplates: 4})

	tpl := template.New(nil, 1)
	require.NoError(t, tpl.Finalize(true, nil))

	forest := runtimefake.NewForest()
	region := runtime.RegionID(1)
	forest.SetRegion(region, forest.NewInterval(0, 10))
	engine := runtimefake.NewEquivalenceEngine()
	resolver := condition.ViewResolver(func(runtime.ViewID) runtime.LogicalView { return nil })
	cs := condition.New(nil, forest, engine, region, fieldmask.FromBits(0), resolver)
	require.NoError(t, cs.Capture())

	ct := logical.NewCachedTemplate(tpl, []*condition.ConditionSet{cs})
	require.NoError(t, pt.CaptureComplete(ct))
	return pt
}

func TestHandleListTemplatesRequiresTraceID(t *testing.T) {
	s := traceapi.New(nil, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/templates", nil)
	s.Engine().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleListTemplatesReturnsRegisteredCache(t *testing.T) {
	s := traceapi.New(nil, nil)
	pt := newPopulatedPhysicalTrace(t)
	s.RegisterTrace("trace-1", pt)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/templates?trace_id=trace-1", nil)
	s.Engine().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Templates []struct {
			ID         string `json:"id"`
			Replayable bool   `json:"replayable"`
		} `json:"templates"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Templates, 1)
	assert.True(t, body.Templates[0].Replayable)
}

func TestHandleListTemplatesUnknownTraceID(t *testing.T) {
	s := traceapi.New(nil, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/templates?trace_id=missing", nil)
	s.Engine().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleTemplateConditionsReturnsConditionSets(t *testing.T) {
	s := traceapi.New(nil, nil)
	pt := newPopulatedPhysicalTrace(t)
	s.RegisterTrace("trace-1", pt)
	templateID := pt.Templates()[0].ID

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/templates/"+templateID+"/conditions?trace_id=trace-1", nil)
	s.Engine().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		ConditionSets []map[string]any `json:"condition_sets"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.ConditionSets, 1)
}

func TestHandleShardBarriersReturnsCounts(t *testing.T) {
	s := traceapi.New(nil, nil)
	st := sharded.New(nil, template.New(nil, 1), sharded.Config{ShardID: 7, MaxGenerations: 8})
	s.RegisterShard(st)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/shards/7/barriers", nil)
	s.Engine().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, 7, body["shard_id"])
}

func TestHandleShardBarriersUnknownShard(t *testing.T) {
	s := traceapi.New(nil, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/shards/99/barriers", nil)
	s.Engine().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleRecentDecisionsWithoutAuditClientReturnsEmpty(t *testing.T) {
	s := traceapi.New(nil, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/decisions?trace_id=trace-1", nil)
	s.Engine().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"trace_id":"trace-1","decisions":[]}`, rec.Body.String())
}

func TestHandleHealthWithoutAuditClient(t *testing.T) {
	s := traceapi.New(nil, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	s.Engine().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
