// Package shardedfake provides in-memory stand-ins for sharded.Transport,
// sharded.ShardTopology, and sharded.BarrierAllocator, letting tests run a
// multi-shard scenario synchronously within one process instead of over a
// real gRPC mesh.
package shardedfake

import (
	"context"
	"fmt"
	"sync"

	"github.com/legion-project/physical-trace/pkg/trace/runtime"
	"github.com/legion-project/physical-trace/pkg/trace/sharded"
)

// Topology is a static, test-authored sharded.ShardTopology.
type Topology struct {
	bySpace map[uint64][]sharded.ShardID
}

func NewTopology(bySpace map[uint64][]sharded.ShardID) *Topology {
	return &Topology{bySpace: bySpace}
}

func (t *Topology) ShardsOnSpace(space uint64) []sharded.ShardID { return t.bySpace[space] }

// Barriers is a monotonically-increasing in-memory sharded.BarrierAllocator.
type Barriers struct {
	mu     sync.Mutex
	nextID uint64
}

func NewBarriers() *Barriers { return &Barriers{nextID: 1} }

func (b *Barriers) NewBarrier(expectedArrivals int) runtime.ApBarrier {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	return runtime.ApBarrier{ID: b.nextID, Generation: 1}
}

// Registry wires a fixed set of ShardedTemplates together so their
// Transport fakes can dispatch messages directly to one another, simulating
// the shard manager's message routing without any real network.
type Registry struct {
	mu     sync.Mutex
	shards map[sharded.ShardID]*sharded.ShardedTemplate
	// userShards resolves which shard owns a given local user slot, for the
	// owner-side FIND_LAST_USERS_REQUEST handler's cross-shard fan-out.
	userShards func(slot int) sharded.ShardID
	// replayableVotes accumulates each shard's local check_replayable
	// result for the cooperative AND decision (spec §4.6 "Replayability
	// exchange"), keyed by shard so a shard re-voting overwrites rather
	// than double-counts.
	replayableVotes map[sharded.ShardID]bool
}

func NewRegistry(userShards func(slot int) sharded.ShardID) *Registry {
	return &Registry{shards: make(map[sharded.ShardID]*sharded.ShardedTemplate), userShards: userShards}
}

func (r *Registry) Register(id sharded.ShardID, st *sharded.ShardedTemplate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shards[id] = st
}

func (r *Registry) get(id sharded.ShardID) (*sharded.ShardedTemplate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.shards[id]
	if !ok {
		return nil, fmt.Errorf("shardedfake: unknown shard %d", id)
	}
	return st, nil
}

// Transport is a sharded.Transport bound to one registered shard, dispatching
// every call synchronously to its peer's ShardedTemplate.
type Transport struct {
	reg  *Registry
	self sharded.ShardID
}

func (r *Registry) TransportFor(self sharded.ShardID) *Transport {
	return &Transport{reg: r, self: self}
}

func (tp *Transport) SendUpdateViewUser(ctx context.Context, owner sharded.ShardID, msg sharded.UpdateViewUser) error {
	peer, err := tp.reg.get(owner)
	if err != nil {
		return err
	}
	return peer.ApplyUpdateViewUser(msg)
}

func (tp *Transport) SendUpdateLastUser(ctx context.Context, peer sharded.ShardID, msg sharded.UpdateLastUser) error {
	_, err := tp.reg.get(peer)
	return err
}

func (tp *Transport) RequestFindLastUsers(ctx context.Context, owner sharded.ShardID, req sharded.FindLastUsersRequest) (sharded.FindLastUsersResponse, error) {
	peer, err := tp.reg.get(owner)
	if err != nil {
		return sharded.FindLastUsersResponse{}, err
	}
	return peer.HandleFindLastUsersRequest(ctx, req, tp.reg.userShards)
}

func (tp *Transport) RequestFindFrontier(ctx context.Context, consumer sharded.ShardID, req sharded.FindFrontierRequest) (sharded.FindFrontierResponse, error) {
	peer, err := tp.reg.get(consumer)
	if err != nil {
		return sharded.FindFrontierResponse{}, err
	}
	return peer.HandleFindFrontierRequest(req), nil
}

func (tp *Transport) RequestShardEvent(ctx context.Context, owner sharded.ShardID, event runtime.ApEvent) (runtime.ApBarrier, error) {
	peer, err := tp.reg.get(owner)
	if err != nil {
		return runtime.ApBarrier{}, err
	}
	localSlot := int(event.ID())
	return peer.HandleShardEventRequest(localSlot, 1), nil
}

// RequestReadOnlyUsers is a simplified fake: a real exchange would poll
// every peer's own locally observed users, but since this fake's shards
// never independently discover indirection users, it just echoes the
// caller's proposal back as the cooperative verdict.
func (tp *Transport) RequestReadOnlyUsers(ctx context.Context, peers []sharded.ShardID, req sharded.ReadOnlyUsersRequest) (sharded.ReadOnlyUsersResponse, error) {
	return sharded.ReadOnlyUsersResponse{ReadOnly: req.ReadOnly}, nil
}

// ExchangeReplayable ANDs together every shard's latest submitted vote,
// keyed by shard id so a shard can update its own vote across rounds
// without double-counting (spec §4.6 "Replayability exchange").
func (tp *Transport) ExchangeReplayable(ctx context.Context, local bool) (bool, error) {
	tp.reg.mu.Lock()
	defer tp.reg.mu.Unlock()
	if tp.reg.replayableVotes == nil {
		tp.reg.replayableVotes = make(map[sharded.ShardID]bool)
	}
	tp.reg.replayableVotes[tp.self] = local
	agreed := true
	for _, v := range tp.reg.replayableVotes {
		if !v {
			agreed = false
			break
		}
	}
	return agreed, nil
}

func (tp *Transport) BroadcastTemplateBarrierRefresh(ctx context.Context, peers []sharded.ShardID, msg sharded.TemplateBarrierRefresh) error {
	for _, id := range peers {
		peer, err := tp.reg.get(id)
		if err != nil {
			return err
		}
		peer.ApplyTemplateBarrierRefresh(tp.self, msg)
	}
	return nil
}

func (tp *Transport) BroadcastFrontierBarrierRefresh(ctx context.Context, peers []sharded.ShardID, msg sharded.FrontierBarrierRefresh) error {
	for _, id := range peers {
		peer, err := tp.reg.get(id)
		if err != nil {
			return err
		}
		peer.ApplyFrontierBarrierRefresh(tp.self, msg)
	}
	return nil
}
