package wire

import (
	"sync"

	"github.com/legion-project/physical-trace/pkg/trace/sharded"
)

// StaticTopology is a deployment-config-driven sharded.ShardTopology: which
// shards are resident on a given Realm address space is known up front from
// the cluster's launch configuration, unlike barrier allocation or event
// production, which require a live Realm binding this module doesn't
// implement (see pkg/trace/template's EventSource/BarrierSource boundary).
type StaticTopology struct {
	bySpace map[uint64][]sharded.ShardID
}

// NewStaticTopology builds a StaticTopology from a fixed address-space to
// shard-list mapping, typically parsed from pkg/config at startup.
func NewStaticTopology(bySpace map[uint64][]sharded.ShardID) *StaticTopology {
	return &StaticTopology{bySpace: bySpace}
}

func (t *StaticTopology) ShardsOnSpace(addressSpace uint64) []sharded.ShardID {
	return t.bySpace[addressSpace]
}

// StaticUserShardResolver is a deployment-config-driven UserShardResolver
// for tests and small fixed clusters: which shard a user slot belongs to in
// production is tracked by the owning ShardedTemplate itself as it records
// UPDATE_VIEW_USER origins, but that bookkeeping isn't threaded through this
// package yet (see DESIGN.md). Slots with no explicit entry resolve to
// fallback, since a shard's own locally-created user slots outnumber
// cross-shard ones in most traces and need no per-slot registration.
type StaticUserShardResolver struct {
	mu       sync.Mutex
	bySlot   map[int]sharded.ShardID
	fallback sharded.ShardID
}

func NewStaticUserShardResolver(fallback sharded.ShardID, bySlot map[int]sharded.ShardID) *StaticUserShardResolver {
	if bySlot == nil {
		bySlot = make(map[int]sharded.ShardID)
	}
	return &StaticUserShardResolver{bySlot: bySlot, fallback: fallback}
}

// Set registers slot as belonging to shard, for slots discovered after
// construction (e.g. as UPDATE_VIEW_USER messages arrive carrying an Origin
// shard).
func (r *StaticUserShardResolver) Set(slot int, shard sharded.ShardID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bySlot[slot] = shard
}

func (r *StaticUserShardResolver) ShardForUser(slot int) sharded.ShardID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if shard, ok := r.bySlot[slot]; ok {
		return shard
	}
	return r.fallback
}
