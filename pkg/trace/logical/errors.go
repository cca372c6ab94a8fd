package logical

import "errors"

var (
	// ErrTraceViolation indicates replay found that issued operations
	// diverge structurally from what was recorded — wrong kind, wrong
	// region-requirement count, or fewer operations issued than recorded
	// (spec §7 error class 1: fatal, no recovery).
	ErrTraceViolation = errors.New("logical trace: trace violation")

	// ErrInvalidMemoization indicates an operation requested memoization
	// it cannot support — partial memoization or an unmemoizable operation
	// kind (spec §7 error class 2: fatal).
	ErrInvalidMemoization = errors.New("logical trace: invalid memoization request")

	// ErrStaticLoggingUnspecified is StaticTrace.PerformLogging's return
	// value. The original engine leaves static-trace memoization logging
	// unimplemented (spec §9 open question); returning a sentinel error
	// here keeps that gap visible to callers instead of silently no-oping.
	ErrStaticLoggingUnspecified = errors.New("logical trace: static trace memoization logging is unspecified")

	// ErrNoTemplateSelected indicates a replay was requested before
	// check_template_preconditions selected a current template.
	ErrNoTemplateSelected = errors.New("physical trace: no template currently selected for replay")

	// ErrTemplateRejected indicates a just-captured template was not
	// replayable and was discarded (spec §4.2 "On capture completion").
	ErrTemplateRejected = errors.New("physical trace: captured template rejected")
)
