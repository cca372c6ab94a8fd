// Package sharded implements ShardedPhysicalTemplate: the control-replicated
// extension that partitions a single trace's view-user state across shards
// and ties each shard's local event graph to its peers' with Realm phase
// barriers (spec §4.6). It wraps a pkg/trace/template.Template — all
// single-shard recording and replay mechanics stay there; this package adds
// only the cross-shard bookkeeping layered on top.
package sharded

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/legion-project/physical-trace/pkg/trace/fieldmask"
	"github.com/legion-project/physical-trace/pkg/trace/runtime"
	"github.com/legion-project/physical-trace/pkg/trace/template"
)

// OwnerShard computes the deterministic owner of a view from its instance's
// owner address space and its region-tree id, modulo the shards resident on
// that address space (spec §4.6 "View ownership", §8 "Shard determinism").
// It is a pure function of its three inputs, matching the testable property
// the spec calls out by name.
func OwnerShard(topology ShardTopology, addressSpace, treeID uint64) (ShardID, error) {
	shards := topology.ShardsOnSpace(addressSpace)
	if len(shards) == 0 {
		return 0, fmt.Errorf("%w: space %d", ErrNoShardsOnSpace, addressSpace)
	}
	return shards[treeID%uint64(len(shards))], nil
}

// collectiveKey identifies one (collective index, round) slot for
// collective_barriers (spec §3 ShardedPhysicalTemplate additions).
type collectiveKey struct {
	Index int
	Round int
}

// refreshRound tracks how many of the shard's peers have acknowledged a
// barrier refresh broadcast, so replays can pause until the round
// synchronizes (spec §4.6 "Barrier exhaustion").
type refreshRound struct {
	acked map[ShardID]bool
	want  int
}

func (r *refreshRound) synchronized() bool { return len(r.acked) >= r.want }

// ShardedTemplate is one shard's participation in a control-replicated
// physical template. All shards capture and replay the same logical trace;
// each tracks disjoint view-user state and exchanges the rest over
// Transport.
type ShardedTemplate struct {
	mu sync.Mutex

	log *slog.Logger

	local *template.Template

	shardID    ShardID
	ownerSpace uint64
	topology   ShardTopology
	transport  Transport
	barriers   BarrierAllocator

	// localFrontiers holds, per local slot, the barrier this shard produces
	// for peers that consume that slot's event across shards.
	localFrontiers map[int]runtime.ApBarrier
	// remoteFrontiers holds barriers this shard consumes, paired with the
	// local slot that receives their triggered event.
	remoteFrontiers []RemoteFrontier
	// remoteArrivals tracks, per remote event this shard has requested,
	// every BarrierArrival barrier the owning shard handed back — refreshed
	// together when that event's barrier is exhausted.
	remoteArrivals map[runtime.ApEvent][]runtime.ApBarrier
	// localAdvances tracks, per remote event, the local slot holding the
	// BarrierAdvance instruction installed to observe it.
	localAdvances map[runtime.ApEvent][]int
	// collectiveBarriers holds barriers allocated for record_collective_barrier.
	collectiveBarriers map[collectiveKey][]runtime.ApBarrier

	pendingRefreshBarriers  map[runtime.ApEvent]runtime.ApBarrier
	pendingRefreshFrontiers map[runtime.ApBarrier]runtime.ApBarrier
	refresh                 *refreshRound

	replayCount    int
	maxGenerations int
}

// RemoteFrontier is an incoming barrier from a peer shard bound to a local
// slot (spec §3 "remote_frontiers: [(ApBarrier, slot)]").
type RemoteFrontier struct {
	Barrier runtime.ApBarrier
	Slot    int
}

// Config bundles the fixed parameters a ShardedTemplate is built from.
type Config struct {
	ShardID        ShardID
	OwnerSpace     uint64
	Topology       ShardTopology
	Transport      Transport
	Barriers       BarrierAllocator
	MaxGenerations int // Realm::Barrier::MAX_PHASES equivalent
}

// New wraps local (an already-constructed single-shard Template) with the
// sharding layer described in spec §4.6.
func New(log *slog.Logger, local *template.Template, cfg Config) *ShardedTemplate {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("shard_id", cfg.ShardID)
	if cfg.MaxGenerations <= 0 {
		cfg.MaxGenerations = 1 << 16 // Realm's default phase-barrier generation width
	}
	return &ShardedTemplate{
		log:                log,
		local:              local,
		shardID:            cfg.ShardID,
		ownerSpace:         cfg.OwnerSpace,
		topology:           cfg.Topology,
		transport:          cfg.Transport,
		barriers:           cfg.Barriers,
		localFrontiers:     make(map[int]runtime.ApBarrier),
		remoteArrivals:     make(map[runtime.ApEvent][]runtime.ApBarrier),
		localAdvances:      make(map[runtime.ApEvent][]int),
		collectiveBarriers: make(map[collectiveKey][]runtime.ApBarrier),
		maxGenerations:     cfg.MaxGenerations,
	}
}

// ShardID reports this template's own shard.
func (st *ShardedTemplate) ShardID() ShardID { return st.shardID }

// Local exposes the wrapped single-shard Template for recording/replay calls
// that carry no cross-shard concern (GetTermEvent, TriggerEvent, most
// MergeEvent operands, ...).
func (st *ShardedTemplate) Local() *template.Template { return st.local }

// LocalFrontierSlotCount reports how many local slots carry a barrier
// produced for cross-shard consumers, for read-only introspection.
func (st *ShardedTemplate) LocalFrontierSlotCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.localFrontiers)
}

// RemoteFrontierCount reports how many incoming barriers this shard
// currently consumes from peers, for read-only introspection.
func (st *ShardedTemplate) RemoteFrontierCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.remoteFrontiers)
}

// RecordViewTouch routes a recording touch on view to its owner shard (spec
// §4.6 "View ownership"): local touches update the wrapped Template's
// view_users table directly; remote touches are forwarded over Transport as
// UPDATE_VIEW_USER and are not recorded locally.
func (st *ShardedTemplate) RecordViewTouch(ctx context.Context, view runtime.ViewID, expr runtime.ExprID, treeID uint64, usage template.UsageKind, slot int, mask fieldmask.FieldMask) error {
	owner, err := OwnerShard(st.topology, st.ownerSpace, treeID)
	if err != nil {
		return err
	}
	if owner == st.shardID {
		st.local.RecordViewUser(view, usage, slot, mask)
		return nil
	}
	return st.transport.SendUpdateViewUser(ctx, owner, UpdateViewUser{
		View: view, Expr: expr, Usage: usage, Slot: slot, Mask: mask,
		Owner: owner, Origin: st.shardID,
	})
}

// ApplyUpdateViewUser handles an incoming UPDATE_VIEW_USER: this shard is
// msg.Owner, so it installs the user directly into its local view_users.
func (st *ShardedTemplate) ApplyUpdateViewUser(msg UpdateViewUser) error {
	if msg.Owner != st.shardID {
		return fmt.Errorf("%w: update_view_user addressed to shard %d, this shard is %d", ErrUnknownShard, msg.Owner, st.shardID)
	}
	st.local.RecordViewUser(msg.View, msg.Usage, msg.Slot, msg.Mask)
	return nil
}

// ResolveRemoteEvent implements find_trace_shard_event (spec §4.6
// "Cross-shard events"): when record_merge_events discovers an operand
// event owned by another shard, it calls this to obtain a local slot whose
// event will, at replay, equal the remote event. The owning shard answers
// by arriving a barrier on the event; this shard installs the matching
// BarrierAdvance and returns the new local slot.
func (st *ShardedTemplate) ResolveRemoteEvent(ctx context.Context, owner ShardID, remote runtime.ApEvent) (int, error) {
	barrier, err := st.transport.RequestShardEvent(ctx, owner, remote)
	if err != nil {
		return 0, fmt.Errorf("sharded: resolve remote event from shard %d: %w", owner, err)
	}
	localSlot := st.local.RecordBarrierAdvance(barrier)

	st.mu.Lock()
	st.remoteArrivals[remote] = append(st.remoteArrivals[remote], barrier)
	st.localAdvances[remote] = append(st.localAdvances[remote], localSlot)
	st.mu.Unlock()
	return localSlot, nil
}

// HandleShardEventRequest is the owner-side half of find_trace_shard_event:
// it arrives a barrier on localEventSlot (the owner's local representation
// of the requested event) and returns the barrier for the requester to
// advance.
func (st *ShardedTemplate) HandleShardEventRequest(localEventSlot int, arrivalCount int) runtime.ApBarrier {
	st.mu.Lock()
	defer st.mu.Unlock()
	barrier := st.barriers.NewBarrier(arrivalCount)
	st.local.RecordBarrierArrival(barrier, localEventSlot, arrivalCount, false)
	st.localFrontiers[localEventSlot] = barrier
	return barrier
}

// RequestLastUsers implements find_last_users for a view not owned by this
// shard (spec §4.6 "Last users across shards"): it asks the owner, which
// replies with local slots directly usable here, or — if some of the
// owner's last users live on other shards — with frontier barriers this
// shard should install as remote_frontiers.
func (st *ShardedTemplate) RequestLastUsers(ctx context.Context, owner ShardID, view runtime.ViewID, expr runtime.ExprID, mask fieldmask.FieldMask) ([]int, error) {
	resp, err := st.transport.RequestFindLastUsers(ctx, owner, FindLastUsersRequest{View: view, Expr: expr, Mask: mask})
	if err != nil {
		return nil, fmt.Errorf("sharded: find_last_users from shard %d: %w", owner, err)
	}
	slots := append([]int(nil), resp.LocalSlots...)
	st.mu.Lock()
	for _, fr := range resp.RemoteFrontiers {
		st.remoteFrontiers = append(st.remoteFrontiers, RemoteFrontier{Barrier: fr.Barrier, Slot: fr.Slot})
		slots = append(slots, fr.Slot)
	}
	st.mu.Unlock()
	return slots, nil
}

// AnnounceLastUsers sends UPDATE_LAST_USER to peer, recording that the
// given local slots now correspond to consumers it granted frontiers for
// (spec §6 UPDATE_LAST_USER).
func (st *ShardedTemplate) AnnounceLastUsers(ctx context.Context, peer ShardID, slots []int) error {
	return st.transport.SendUpdateLastUser(ctx, peer, UpdateLastUser{UserSlots: slots})
}

// HandleFindLastUsersRequest is the owner-side handler: it looks up its own
// local last users for view, and for any that live on another shard (per
// userShards) asks that shard to allocate a frontier via FIND_FRONTIER_REQUEST.
func (st *ShardedTemplate) HandleFindLastUsersRequest(ctx context.Context, req FindLastUsersRequest, userShards func(slot int) ShardID) (FindLastUsersResponse, error) {
	last := st.local.LastUsers([]runtime.ViewID{req.View}, req.Mask)

	var local []int
	byPeer := make(map[ShardID][]int)
	for _, s := range last {
		if peer := userShards(s); peer != st.shardID {
			byPeer[peer] = append(byPeer[peer], s)
			continue
		}
		local = append(local, s)
	}

	var resp FindLastUsersResponse
	resp.LocalSlots = local
	for peer, slots := range byPeer {
		frResp, err := st.transport.RequestFindFrontier(ctx, peer, FindFrontierRequest{Source: st.shardID, UserSlots: slots})
		if err != nil {
			return FindLastUsersResponse{}, fmt.Errorf("sharded: find_frontier on shard %d: %w", peer, err)
		}
		resp.RemoteFrontiers = append(resp.RemoteFrontiers, frResp.Frontiers...)
	}
	return resp, nil
}

// HandleFindFrontierRequest is the consumer-side handler for
// FIND_FRONTIER_REQUEST: it allocates a local frontier barrier (one this
// shard will arrive on) per requested user slot and hands the barriers back
// to the owner.
func (st *ShardedTemplate) HandleFindFrontierRequest(req FindFrontierRequest) FindFrontierResponse {
	st.mu.Lock()
	defer st.mu.Unlock()

	resp := FindFrontierResponse{Frontiers: make([]FrontierGrant, 0, len(req.UserSlots))}
	for _, s := range req.UserSlots {
		barrier := st.barriers.NewBarrier(1)
		st.local.RecordBarrierArrival(barrier, s, 1, false)
		st.localFrontiers[s] = barrier
		resp.Frontiers = append(resp.Frontiers, FrontierGrant{Slot: s, Barrier: barrier})
	}
	return resp
}

// RequestReadOnlyUsers cooperatively decides whether an indirection field's
// users are all read-only (spec §9 "Sharded exchange"): every shard
// contributes its local boolean; any shard reporting a write-capable user
// makes the whole decision false. Modeled here as a short-circuiting
// logical AND across peers rather than the original's shared atomic<bool>,
// since this module has no shared-memory primitive across shard processes.
func (st *ShardedTemplate) RequestReadOnlyUsers(ctx context.Context, peers []ShardID, localReadOnly bool) (bool, error) {
	if !localReadOnly {
		return false, nil
	}
	resp, err := st.transport.RequestReadOnlyUsers(ctx, peers, ReadOnlyUsersRequest{ReadOnly: localReadOnly})
	if err != nil {
		return false, fmt.Errorf("sharded: read_only_users exchange: %w", err)
	}
	return resp.ReadOnly, nil
}

// ExchangeReplayable implements op->exchange_replayable (spec §4.6
// "Replayability exchange"): the template is replayable only if every shard
// agrees.
func (st *ShardedTemplate) ExchangeReplayable(ctx context.Context, localReplayable bool) (bool, error) {
	agreed, err := st.transport.ExchangeReplayable(ctx, localReplayable)
	if err != nil {
		return false, fmt.Errorf("sharded: replayability exchange: %w", err)
	}
	if !agreed {
		return false, ErrReplayabilityDisagreement
	}
	return true, nil
}

// NoteReplay increments the replay counter the refresh protocol watches,
// returning true once it nears Realm's maximum barrier generation (spec §7
// "Barrier generation exhaustion").
func (st *ShardedTemplate) NoteReplay() (exhausted bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.replayCount++
	return st.replayCount >= st.maxGenerations
}

// RefreshBarriers implements refresh_barrier (spec §4.6 "Barrier
// exhaustion"): it allocates replacement barriers for every locally tracked
// frontier and remote advance, and broadcasts the old->new mapping to the
// shards that depend on them.
func (st *ShardedTemplate) RefreshBarriers(ctx context.Context, consumerShards, producerShards []ShardID) error {
	st.mu.Lock()
	templateEntries := make([]BarrierRefreshEntry, 0, len(st.remoteArrivals))
	for event, barriers := range st.remoteArrivals {
		for _, b := range barriers {
			templateEntries = append(templateEntries, BarrierRefreshEntry{Event: event, NewBarrier: st.barriers.NewBarrier(int(b.Generation) + 1)})
		}
	}
	frontierEntries := make([]FrontierRefreshEntry, 0, len(st.localFrontiers))
	for _, old := range st.localFrontiers {
		frontierEntries = append(frontierEntries, FrontierRefreshEntry{OldBarrier: old, NewBarrier: st.barriers.NewBarrier(1)})
	}
	st.refresh = &refreshRound{acked: make(map[ShardID]bool), want: len(consumerShards) + len(producerShards)}
	st.mu.Unlock()

	if err := st.transport.BroadcastTemplateBarrierRefresh(ctx, consumerShards, TemplateBarrierRefresh{Entries: templateEntries}); err != nil {
		return fmt.Errorf("sharded: broadcast template_barrier_refresh: %w", err)
	}
	if err := st.transport.BroadcastFrontierBarrierRefresh(ctx, producerShards, FrontierBarrierRefresh{Entries: frontierEntries}); err != nil {
		return fmt.Errorf("sharded: broadcast frontier_barrier_refresh: %w", err)
	}
	return nil
}

// ApplyTemplateBarrierRefresh installs replacement barriers for consumed
// advances named in msg, buffering the update under the lock until the
// refresh round synchronizes (spec §4.6 "Barrier exhaustion").
func (st *ShardedTemplate) ApplyTemplateBarrierRefresh(from ShardID, msg TemplateBarrierRefresh) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.pendingRefreshBarriers == nil {
		st.pendingRefreshBarriers = make(map[runtime.ApEvent]runtime.ApBarrier)
	}
	for _, e := range msg.Entries {
		st.pendingRefreshBarriers[e.Event] = e.NewBarrier
	}
	st.ackRefreshLocked(from)
}

// ApplyFrontierBarrierRefresh installs replacement barriers for produced
// frontiers named in msg, symmetric to ApplyTemplateBarrierRefresh.
func (st *ShardedTemplate) ApplyFrontierBarrierRefresh(from ShardID, msg FrontierBarrierRefresh) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.pendingRefreshFrontiers == nil {
		st.pendingRefreshFrontiers = make(map[runtime.ApBarrier]runtime.ApBarrier)
	}
	for _, e := range msg.Entries {
		st.pendingRefreshFrontiers[e.OldBarrier] = e.NewBarrier
	}
	st.ackRefreshLocked(from)
}

func (st *ShardedTemplate) ackRefreshLocked(from ShardID) {
	if st.refresh == nil {
		st.refresh = &refreshRound{acked: make(map[ShardID]bool)}
	}
	st.refresh.acked[from] = true
}

// RefreshSynchronized reports whether every peer this round expected an
// acknowledgement from has sent one; replays must pause until this is true
// (spec §7 "Replays pause until all shards acknowledge").
func (st *ShardedTemplate) RefreshSynchronized() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.refresh != nil && st.refresh.synchronized()
}

// CommitRefresh applies every buffered refresh mapping to local bookkeeping
// and clears the round state, once RefreshSynchronized reports true.
func (st *ShardedTemplate) CommitRefresh() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.refresh != nil && !st.refresh.synchronized() {
		return ErrRefreshInProgress
	}
	for event, newBarrier := range st.pendingRefreshBarriers {
		arrivals := st.remoteArrivals[event]
		if len(arrivals) > 0 {
			arrivals[len(arrivals)-1] = newBarrier
		}
	}
	for old, newBarrier := range st.pendingRefreshFrontiers {
		for slot, b := range st.localFrontiers {
			if b == old {
				st.localFrontiers[slot] = newBarrier
			}
		}
	}
	st.pendingRefreshBarriers = nil
	st.pendingRefreshFrontiers = nil
	st.refresh = nil
	st.replayCount = 0
	return nil
}

// RecordCollectiveBarrier implements record_collective_barrier: all shards
// participating in index round share the same barrier, arrived on by every
// participant (spec §6 record_collective_barrier).
func (st *ShardedTemplate) RecordCollectiveBarrier(index, round int, pre int, arrivalCount int) (int, runtime.ApBarrier) {
	st.mu.Lock()
	key := collectiveKey{Index: index, Round: round}
	barriers := st.collectiveBarriers[key]
	var barrier runtime.ApBarrier
	if len(barriers) > 0 {
		barrier = barriers[len(barriers)-1]
	} else {
		barrier = st.barriers.NewBarrier(arrivalCount)
	}
	st.collectiveBarriers[key] = append(barriers, barrier)
	st.mu.Unlock()

	slot := st.local.RecordBarrierArrival(barrier, pre, arrivalCount, true)
	return slot, barrier
}
