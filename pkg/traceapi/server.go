// Package traceapi is a read-only operator HTTP introspection surface over
// the trace engine's in-memory state: which templates a PhysicalTrace is
// caching, why one was rejected, and how far a sharded template's barriers
// have drifted. It is explicitly not the application-facing tracing API
// spec.md's Non-goals exclude — this surface cannot start, extend, or
// configure a trace, it can only report on what the engine already holds.
//
// Routing follows cmd/tarsy/main.go's gin.Default()/router.GET pattern
// rather than the teacher's inconsistent echo-based pkg/api (see DESIGN.md).
package traceapi

import (
	"log/slog"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/legion-project/physical-trace/pkg/audit"
	"github.com/legion-project/physical-trace/pkg/trace/logical"
	"github.com/legion-project/physical-trace/pkg/trace/sharded"
)

// Server is the gin-backed introspection HTTP server. It holds no trace
// state of its own — only references registered by the process embedding
// it, the way the engine itself builds PhysicalTrace/ShardedTemplate.
type Server struct {
	mu sync.RWMutex

	log    *slog.Logger
	engine *gin.Engine
	audit  *audit.Client

	traces map[string]*logical.PhysicalTrace
	shards map[sharded.ShardID]*sharded.ShardedTemplate
}

// New builds a Server with its routes installed. auditClient may be nil,
// in which case the audit-backed endpoints report an empty history instead
// of failing.
func New(log *slog.Logger, auditClient *audit.Client) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		log:    log,
		engine: gin.Default(),
		audit:  auditClient,
		traces: make(map[string]*logical.PhysicalTrace),
		shards: make(map[sharded.ShardID]*sharded.ShardedTemplate),
	}
	s.routes()
	return s
}

// RegisterTrace makes pt's cached templates visible under traceID at
// GET /templates and GET /templates/:id/conditions.
func (s *Server) RegisterTrace(traceID string, pt *logical.PhysicalTrace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traces[traceID] = pt
}

// RegisterShard makes st's barrier counts visible at GET /shards/:id/barriers.
func (s *Server) RegisterShard(st *sharded.ShardedTemplate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shards[st.ShardID()] = st
}

// Engine exposes the underlying gin.Engine for callers that want to mount
// additional middleware before Run.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Run starts the HTTP server on addr, blocking until it exits.
func (s *Server) Run(addr string) error {
	s.log.Info("trace introspection API listening", "addr", addr)
	return s.engine.Run(addr)
}

func (s *Server) traceByID(traceID string) (*logical.PhysicalTrace, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pt, ok := s.traces[traceID]
	return pt, ok
}

func (s *Server) shardByID(id sharded.ShardID) (*sharded.ShardedTemplate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.shards[id]
	return st, ok
}
