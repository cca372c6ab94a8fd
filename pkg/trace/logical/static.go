package logical

import (
	"log/slog"

	"github.com/legion-project/physical-trace/pkg/trace/runtime"
)

// StaticDependence is one operation's caller-supplied op-info and
// dependence bucket, installed ahead of the matching RegisterOperation
// call rather than built incrementally from record_dependence calls the
// way DynamicTrace does (spec §4.1 "StaticTrace").
type StaticDependence struct {
	OpInfo  OpInfo
	Records []DependenceRecord
}

// StaticTrace takes its dependence graph wholesale from the caller — a
// static control-replicated context where the full dependence structure is
// known ahead of execution — instead of recording it op by op.
type StaticTrace struct {
	*Trace
}

// NewStaticTrace returns a StaticTrace recording against (or replaying
// from) physical, which may be nil for pure logical-only tracing.
func NewStaticTrace(log *slog.Logger, physical *PhysicalTrace) *StaticTrace {
	return &StaticTrace{Trace: newTrace(log, physical)}
}

// SetStaticDependences queues the caller-supplied op-info/dependence
// buckets the next len(deps) RegisterOperation calls will consume, one per
// call, in order.
func (st *StaticTrace) SetStaticDependences(deps []StaticDependence) {
	st.Trace.mu.Lock()
	defer st.Trace.mu.Unlock()
	st.Trace.staticQueue = append(st.Trace.staticQueue, deps...)
}

// RegisterOperation registers op in issue order, consuming the next queued
// StaticDependence if one is pending (spec §4.1).
func (st *StaticTrace) RegisterOperation(op runtime.Operation) (int, error) {
	return st.Trace.registerOperation(op)
}

// PerformLogging is StaticTrace's memoization-logging hook. The original
// engine leaves static-trace memoization logging semantics unspecified
// (spec §9 open question); this returns ErrStaticLoggingUnspecified rather
// than silently doing nothing, so callers can detect and handle the gap
// instead of mistaking a no-op for a completed log write.
func (st *StaticTrace) PerformLogging() error {
	return ErrStaticLoggingUnspecified
}
