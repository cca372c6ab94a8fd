package condition

import "errors"

var (
	// ErrBlockingCallObserved indicates a blocking call was observed during
	// recording, which unconditionally disqualifies a template from replay.
	ErrBlockingCallObserved = errors.New("trace condition: blocking call observed during recording")

	// ErrVirtualMapping indicates some task in the trace was virtually
	// mapped, which disqualifies the template from replay.
	ErrVirtualMapping = errors.New("trace condition: virtual task mapping observed")

	// ErrPreconditionNotSubsumed indicates preconditions are not subsumed by
	// postconditions (spec §4.4 replayability rule 3).
	ErrPreconditionNotSubsumed = errors.New("trace condition: precondition not subsumed by postcondition")

	// ErrPostconditionAntiDependent indicates postconditions are not
	// independent of anticonditions (spec §4.4 replayability rule 4).
	ErrPostconditionAntiDependent = errors.New("trace condition: postcondition anti-dependent")

	// ErrNotCaptured indicates IsReplayable or TestRequire was called before
	// Capture populated the condition set.
	ErrNotCaptured = errors.New("trace condition: condition set has not been captured")
)
