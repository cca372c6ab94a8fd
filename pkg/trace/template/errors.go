package template

import "errors"

var (
	// ErrUnknownSlot indicates an instruction referenced a slot that was
	// never assigned an event.
	ErrUnknownSlot = errors.New("template: unknown event slot")

	// ErrNoPendingReplay indicates perform_replay was called with an empty
	// pending_replays queue.
	ErrNoPendingReplay = errors.New("template: no pending replay")

	// ErrAlreadyFinalized indicates Finalize was called twice on the same
	// template.
	ErrAlreadyFinalized = errors.New("template: already finalized")

	// ErrNotFinalized indicates a replay method was called before Finalize.
	ErrNotFinalized = errors.New("template: not finalized")
)
