// Package template implements PhysicalTemplate: the 13-opcode instruction
// VM that records a trace's Realm-event dataflow during capture, optimizes
// it into a replayable instruction stream, and replays it on subsequent
// trace iterations (spec §4.5).
package template

// Opcode identifies one of the template's 13 instruction kinds (spec §4.5).
type Opcode int

const (
	OpAssignFenceCompletion Opcode = iota
	OpGetTermEvent
	OpCreateApUserEvent
	OpTriggerEvent
	OpMergeEvent
	OpIssueCopy
	OpIssueFill
	OpIssueAcross
	OpSetOpSyncEvent
	OpSetEffects
	OpCompleteReplay
	OpBarrierArrival
	OpBarrierAdvance
)

func (op Opcode) String() string {
	switch op {
	case OpAssignFenceCompletion:
		return "AssignFenceCompletion"
	case OpGetTermEvent:
		return "GetTermEvent"
	case OpCreateApUserEvent:
		return "CreateApUserEvent"
	case OpTriggerEvent:
		return "TriggerEvent"
	case OpMergeEvent:
		return "MergeEvent"
	case OpIssueCopy:
		return "IssueCopy"
	case OpIssueFill:
		return "IssueFill"
	case OpIssueAcross:
		return "IssueAcross"
	case OpSetOpSyncEvent:
		return "SetOpSyncEvent"
	case OpSetEffects:
		return "SetEffects"
	case OpCompleteReplay:
		return "CompleteReplay"
	case OpBarrierArrival:
		return "BarrierArrival"
	case OpBarrierAdvance:
		return "BarrierAdvance"
	default:
		return "Unknown"
	}
}

// isEffectful reports whether an instruction of this kind is a root of the
// dead-code elimination pass (spec §4.5.2 pass 5): its output must survive
// regardless of whether anything downstream references its slot.
func (op Opcode) isEffectful() bool {
	switch op {
	case OpIssueCopy, OpIssueFill, OpIssueAcross, OpSetEffects, OpCompleteReplay, OpTriggerEvent, OpBarrierArrival:
		return true
	default:
		return false
	}
}

// producesValue reports whether an instruction of this kind defines its Lhs
// slot's event value as its primary output (as opposed to TriggerEvent,
// SetEffects/CompleteReplay, which either have no Lhs or use it only to
// name an existing user event). PerformReplay consults this to
// avoid re-executing the producer of a frontier destination slot, whose
// value was already seeded from the frontier source (spec §4.5.3).
func (op Opcode) producesValue() bool {
	switch op {
	case OpAssignFenceCompletion, OpGetTermEvent, OpCreateApUserEvent, OpMergeEvent,
		OpIssueCopy, OpIssueFill, OpIssueAcross, OpBarrierArrival, OpBarrierAdvance,
		OpSetOpSyncEvent:
		return true
	default:
		return false
	}
}
