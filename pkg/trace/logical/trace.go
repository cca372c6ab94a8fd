// Package logical implements LegionTrace: the per-instance dependence
// recorder and replay-pass verifier of spec §4.1, and PhysicalTrace, the
// bounded template cache of spec §4.2. DynamicTrace and StaticTrace share
// the Trace machinery in this file; dynamic.go and static.go add their own
// recording entry points on top of it.
package logical

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/legion-project/physical-trace/pkg/trace/runtime"
)

// State is LegionTrace's recording/replay mode (spec §4.1 Data Model).
type State int

const (
	// StateLogicalOnly traces dependences with no physical template behind
	// them; every operation receives normal promoted dependences on every
	// pass, since there is no cached template to carry them instead.
	StateLogicalOnly State = iota
	// StateRecording is the first pass: dependences are being built.
	StateRecording
	// StateReplaying is any subsequent pass once dependences are fixed. If
	// a physical template is active, only the trailing fence is registered
	// through this path — the template replay carries the rest.
	StateReplaying
)

func (s State) String() string {
	switch s {
	case StateLogicalOnly:
		return "logical_only"
	case StateRecording:
		return "recording"
	case StateReplaying:
		return "replaying"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// opEntry pairs an operation with the generation (its unique id) it was
// registered under, for frontier bookkeeping (spec §4.1 "frontiers: set of
// (Operation*, generation) still at the tail of the DAG").
type opEntry struct {
	op         runtime.Operation
	generation uint64
}

// Trace is the shared LegionTrace base DynamicTrace and StaticTrace embed:
// ordered operations for the current pass, the fixed dependence/op-info
// tables once recording completes, frontier tracking, and the owning
// PhysicalTrace (nil under pure logical-only tracing).
type Trace struct {
	mu  sync.Mutex
	log *slog.Logger

	state State
	fixed bool

	operations []opEntry
	opIndex    map[uint64]int

	dependences [][]DependenceRecord
	opInfo      []OpInfo

	frontiers []opEntry

	physicalTrace *PhysicalTrace

	blockingCallObserved bool
	hasIntermediateOps   bool

	// staticQueue, when non-empty, supplies the next RegisterOperation
	// call's recording-pass OpInfo/dependence bucket verbatim instead of
	// building one from the operation and starting it empty — installed
	// only by StaticTrace.SetStaticDependences (spec §4.1 "StaticTrace:
	// dependences are copied from caller-supplied StaticDependence rather
	// than built via record_dependence").
	staticQueue []StaticDependence
}

func newTrace(log *slog.Logger, physical *PhysicalTrace) *Trace {
	if log == nil {
		log = slog.Default()
	}
	return &Trace{
		log:           log,
		opIndex:       make(map[uint64]int),
		physicalTrace: physical,
	}
}

// BeginPass resets per-pass bookkeeping and sets the mode the next
// RegisterOperation/CompleteTrace round runs under.
func (t *Trace) BeginPass(state State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = state
	t.hasIntermediateOps = false
}

// State reports the trace's current mode.
func (t *Trace) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Fixed reports whether the dependence/op-info tables are closed to
// further appends (true once the first recording pass has completed).
func (t *Trace) Fixed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fixed
}

// HasIntermediateOps reports whether an invalidating operation was
// observed during the current pass (spec §4.1 "Trace invalidation").
func (t *Trace) HasIntermediateOps() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasIntermediateOps
}

// NoteBlockingCall records that a blocking call was observed while
// recording, disqualifying the in-flight capture from replay (spec §7
// error class 4).
func (t *Trace) NoteBlockingCall() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.blockingCallObserved = true
}

// BlockingCallObserved reports whether NoteBlockingCall has fired this
// recording.
func (t *Trace) BlockingCallObserved() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.blockingCallObserved
}

// OperationIndex returns op's position in the current pass's issue order,
// if it has already been registered.
func (t *Trace) OperationIndex(op runtime.Operation) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, ok := t.opIndex[op.GetUniqueOpID()]
	return idx, ok
}

// DependencesAt returns a copy of operation idx's recorded dependence
// bucket, for diagnostics and tests.
func (t *Trace) DependencesAt(idx int) []DependenceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx < 0 || idx >= len(t.dependences) {
		return nil
	}
	return append([]DependenceRecord(nil), t.dependences[idx]...)
}

// OpInfoAt returns operation idx's recorded structural fingerprint.
func (t *Trace) OpInfoAt(idx int) (OpInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx < 0 || idx >= len(t.opInfo) {
		return OpInfo{}, false
	}
	return t.opInfo[idx], true
}

// registerOperation is RegisterOperation's shared implementation (spec
// §4.1 "Operations are registered in issue order"). During an unfixed
// recording pass it appends a fresh op-info/dependence slot; otherwise it
// verifies the operation's structural fingerprint against what was
// recorded at the same index and, outside template-backed replay,
// re-registers its dependences by promoting the recorded bucket.
func (t *Trace) registerOperation(op runtime.Operation) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := len(t.operations)

	if t.state == StateRecording && !t.fixed {
		info := OpInfo{Kind: op.GetOperationKind(), RegionCount: op.GetRegionCount()}
		var bucket []DependenceRecord
		if len(t.staticQueue) > 0 {
			sd := t.staticQueue[0]
			t.staticQueue = t.staticQueue[1:]
			info = sd.OpInfo
			bucket = append([]DependenceRecord(nil), sd.Records...)
		}
		t.opInfo = append(t.opInfo, info)
		t.dependences = append(t.dependences, bucket)
	} else {
		if idx >= len(t.opInfo) {
			t.log.Error("logical trace: more operations issued than recorded", "index", idx, "recorded", len(t.opInfo))
			return idx, fmt.Errorf("%w: operation %d issued beyond recorded window (recorded %d operations)",
				ErrTraceViolation, idx, len(t.opInfo))
		}
		info := t.opInfo[idx]
		if op.GetOperationKind() != info.Kind || op.GetRegionCount() != info.RegionCount {
			t.log.Error("logical trace: operation structure mismatch", "index", idx,
				"recorded_kind", info.Kind, "recorded_regions", info.RegionCount,
				"got_kind", op.GetOperationKind(), "got_regions", op.GetRegionCount())
			return idx, fmt.Errorf("%w: operation %d structure mismatch (recorded kind=%v regions=%d, got kind=%v regions=%d)",
				ErrTraceViolation, idx, info.Kind, info.RegionCount, op.GetOperationKind(), op.GetRegionCount())
		}
		if t.state == StateLogicalOnly || t.physicalTrace == nil {
			t.promoteDependencesLocked(op, idx)
		}
		// Under StateReplaying with an active physical template, the
		// template's own replay carries these effects; only the trailing
		// fence (CompleteTrace) registers a real dependence through this
		// path.
	}

	t.opIndex[op.GetUniqueOpID()] = idx
	op.SetTraceLocalID(runtime.TraceLocalID{ContextIndex: uint64(idx)})
	op.AddMappingReference()

	if op.InvalidatesPhysicalTraceTemplate() {
		t.hasIntermediateOps = true
		if t.physicalTrace != nil {
			t.physicalTrace.InvalidateCurrent()
		}
	}

	t.operations = append(t.operations, opEntry{op: op, generation: op.GetUniqueOpID()})
	return idx, nil
}

// promoteDependencesLocked replays op's recorded dependence bucket against
// op itself, promoting internal operations' NO_DEPENDENCE records to
// TRUE_DEPENDENCE as it goes and skipping NO_DEPENDENCE records of
// non-internal operations (spec §4.1 "Replay pass").
func (t *Trace) promoteDependencesLocked(op runtime.Operation, idx int) {
	for _, rec := range t.dependences[idx] {
		target := t.operations[rec.OperationIdx].op
		dtype := rec.Type
		if dtype == runtime.NoDependence {
			if !op.IsInternalOp() {
				continue
			}
			dtype = runtime.TrueDependence
		}
		if rec.PrevIdx < 0 && rec.NextIdx < 0 {
			op.RegisterDependence(target)
		} else {
			op.RegisterRegionDependence(target, rec.PrevIdx, rec.NextIdx, rec.Validates, dtype, rec.DependentMask.Bits())
		}
		op.RecordTraceDependence(int32(rec.PrevIdx), int32(rec.NextIdx), rec.Validates, dtype, rec.DependentMask.Bits())
	}
}

// CompleteTrace is the trailing fence's registration point (spec §4.1 "End
// of trace"): it reads frontiers and registers a mapping dependence on
// each, removes the mapping references this pass's operations were given
// on entry, recomputes frontiers for the next pass, and — on a trace's
// first pass — fixes the dependence/op-info tables against further
// appends. On a pass over fixed tables that issued fewer operations than
// were recorded, it still completes the pass and then returns
// ErrTraceViolation.
func (t *Trace) CompleteTrace(fence runtime.Operation) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var violation error
	if t.fixed && len(t.operations) < len(t.opInfo) {
		violation = fmt.Errorf("%w: issued %d of %d recorded operations", ErrTraceViolation, len(t.operations), len(t.opInfo))
		t.log.Error("logical trace: fewer operations issued than recorded", "recorded", len(t.opInfo), "issued", len(t.operations))
	}

	for _, e := range t.frontiers {
		fence.RegisterDependence(e.op)
	}

	referenced := make(map[int]bool, len(t.operations))
	for _, bucket := range t.dependences {
		for _, r := range bucket {
			if r.OperationIdx >= 0 {
				referenced[r.OperationIdx] = true
			}
		}
	}
	next := make([]opEntry, 0, len(t.operations))
	for idx, e := range t.operations {
		if !referenced[idx] {
			next = append(next, e)
		}
		e.op.RemoveMappingReference()
	}
	t.frontiers = next

	if t.state == StateRecording {
		t.fixed = true
		t.log.Debug("logical trace: dependence tables fixed", "operations", len(t.opInfo))
	}
	t.operations = nil
	t.opIndex = make(map[uint64]int)
	return violation
}
