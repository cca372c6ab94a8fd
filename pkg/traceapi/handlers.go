package traceapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/legion-project/physical-trace/pkg/trace/sharded"
)

func (s *Server) routes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/templates", s.handleListTemplates)
	s.engine.GET("/templates/:id/conditions", s.handleTemplateConditions)
	s.engine.GET("/shards/:id/barriers", s.handleShardBarriers)
	s.engine.GET("/decisions", s.handleRecentDecisions)
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.audit == nil {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "audit": "disabled"})
		return
	}
	health, err := s.audit.Health(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "audit": health, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "audit": health})
}

// templateSummary is one entry of GET /templates.
type templateSummary struct {
	ID             string `json:"id"`
	Replayable     bool   `json:"replayable"`
	RejectReason   string `json:"reject_reason,omitempty"`
	ConditionCount int    `json:"condition_count"`
}

func (s *Server) handleListTemplates(c *gin.Context) {
	traceID := c.Query("trace_id")
	if traceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "trace_id query parameter is required"})
		return
	}
	pt, ok := s.traceByID(traceID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown trace_id"})
		return
	}

	cached := pt.Templates()
	out := make([]templateSummary, 0, len(cached))
	for _, ct := range cached {
		replayable, reason := ct.Template.IsReplayable()
		summary := templateSummary{ID: ct.ID, Replayable: replayable, ConditionCount: len(ct.Conditions)}
		if reason != nil {
			summary.RejectReason = reason.Error()
		}
		out = append(out, summary)
	}
	currentID := ""
	if current := pt.Current(); current != nil {
		currentID = current.ID
	}
	c.JSON(http.StatusOK, gin.H{
		"trace_id":            traceID,
		"templates":           out,
		"nonreplayable_count": pt.NonReplayableCount(),
		"new_template_count":  pt.NewTemplateCount(),
		"current_template_id": currentID,
	})
}

func (s *Server) handleTemplateConditions(c *gin.Context) {
	traceID := c.Query("trace_id")
	if traceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "trace_id query parameter is required"})
		return
	}
	pt, ok := s.traceByID(traceID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown trace_id"})
		return
	}

	ct, ok := pt.TemplateByID(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown template id"})
		return
	}

	sets := make([]gin.H, 0, len(ct.Conditions))
	for i, cs := range ct.Conditions {
		sets = append(sets, gin.H{
			"index":          i,
			"preconditions":  len(cs.Preconditions()),
			"anticonditions": len(cs.Anticonditions()),
			"postconditions": len(cs.Postconditions()),
		})
	}
	c.JSON(http.StatusOK, gin.H{"template_id": ct.ID, "condition_sets": sets})
}

func (s *Server) handleShardBarriers(c *gin.Context) {
	raw, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "shard id must be a non-negative integer"})
		return
	}
	st, ok := s.shardByID(sharded.ShardID(raw))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown shard id"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"shard_id":              st.ShardID(),
		"local_frontier_slots":  st.LocalFrontierSlotCount(),
		"remote_frontier_count": st.RemoteFrontierCount(),
		"refresh_synchronized":  st.RefreshSynchronized(),
	})
}

func (s *Server) handleRecentDecisions(c *gin.Context) {
	traceID := c.Query("trace_id")
	if traceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "trace_id query parameter is required"})
		return
	}
	if s.audit == nil {
		c.JSON(http.StatusOK, gin.H{"trace_id": traceID, "decisions": []any{}})
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}

	decisions, err := s.audit.RecentDecisions(c.Request.Context(), traceID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trace_id": traceID, "decisions": decisions})
}
