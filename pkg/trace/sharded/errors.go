package sharded

import "errors"

var (
	// ErrNoShardsOnSpace is returned by OwnerShard when the topology reports
	// no shards resident on the requested address space.
	ErrNoShardsOnSpace = errors.New("sharded: no shards resident on address space")

	// ErrReplayabilityDisagreement is returned by ExchangeReplayable when at
	// least one peer shard rejected the template locally.
	ErrReplayabilityDisagreement = errors.New("sharded: peer shard rejected template")

	// ErrBarrierExhausted marks a barrier that has reached Realm's maximum
	// generation count and must go through the refresh protocol before
	// further use.
	ErrBarrierExhausted = errors.New("sharded: barrier generation exhausted")

	// ErrRefreshInProgress is returned when a caller tries to use a barrier
	// still awaiting refresh acknowledgement from its peers.
	ErrRefreshInProgress = errors.New("sharded: barrier refresh round not yet synchronized")

	// ErrUnknownShard is returned when a message names a shard absent from
	// the local topology.
	ErrUnknownShard = errors.New("sharded: unknown shard id")
)
