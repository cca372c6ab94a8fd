package sharded

import (
	"context"

	"github.com/legion-project/physical-trace/pkg/trace/fieldmask"
	"github.com/legion-project/physical-trace/pkg/trace/runtime"
	"github.com/legion-project/physical-trace/pkg/trace/template"
)

// ShardID identifies one participant in a control-replicated replay group.
type ShardID uint32

// ShardTopology reports which shards are resident on a given Realm address
// space, letting OwnerShard stay a pure function of (topology, address
// space, tree id) (spec §8 "shard determinism"). pkg/trace/wire supplies the
// concrete implementation backed by the shard manager's membership table.
type ShardTopology interface {
	ShardsOnSpace(addressSpace uint64) []ShardID
}

// UpdateViewUser is the UPDATE_VIEW_USER wire message: install a user in a
// view's table on its owner shard (spec §6).
type UpdateViewUser struct {
	View   runtime.ViewID
	Expr   runtime.ExprID
	Usage  template.UsageKind
	Slot   int
	Mask   fieldmask.FieldMask
	Owner  ShardID
	Origin ShardID
}

// UpdateLastUser is the UPDATE_LAST_USER wire message: record that local
// user slots correspond to remote consumers.
type UpdateLastUser struct {
	UserSlots []int
}

// FindLastUsersRequest is the FIND_LAST_USERS_REQUEST wire message.
type FindLastUsersRequest struct {
	View runtime.ViewID
	Expr runtime.ExprID
	Mask fieldmask.FieldMask
}

// FindLastUsersResponse is the FIND_LAST_USERS_RESPONSE wire message: either
// local slots (if every last user lives on the owner shard) or remote
// frontier barriers allocated by the consuming shards.
type FindLastUsersResponse struct {
	LocalSlots      []int
	RemoteFrontiers []FrontierGrant
}

// FindFrontierRequest is the FIND_FRONTIER_REQUEST wire message: the owner
// asks a consumer shard to allocate local frontiers for the given user
// slots and return barriers it will arrive on.
type FindFrontierRequest struct {
	Source    ShardID
	UserSlots []int
}

// FrontierGrant pairs a user slot with the barrier the owning shard should
// install as a remote frontier for it.
type FrontierGrant struct {
	Slot    int
	Barrier runtime.ApBarrier
}

// FindFrontierResponse is the FIND_FRONTIER_REQUEST's paired response.
type FindFrontierResponse struct {
	Frontiers []FrontierGrant
}

// ReadOnlyUsersRequest is the READ_ONLY_USERS_REQUEST wire message: a
// proposed verdict (this shard's local view of whether an indirection's
// users are all read-only) to be cooperatively ANDed across shards.
type ReadOnlyUsersRequest struct {
	ReadOnly bool
}

// ReadOnlyUsersResponse carries the cooperative verdict back.
type ReadOnlyUsersResponse struct {
	ReadOnly bool
}

// BarrierRefreshEntry pairs an event with the new barrier replacing the one
// a consumed BarrierAdvance referenced.
type BarrierRefreshEntry struct {
	Event      runtime.ApEvent
	NewBarrier runtime.ApBarrier
}

// TemplateBarrierRefresh is the TEMPLATE_BARRIER_REFRESH wire message.
type TemplateBarrierRefresh struct {
	Entries []BarrierRefreshEntry
}

// FrontierRefreshEntry pairs an old produced-frontier barrier with its
// replacement.
type FrontierRefreshEntry struct {
	OldBarrier runtime.ApBarrier
	NewBarrier runtime.ApBarrier
}

// FrontierBarrierRefresh is the FRONTIER_BARRIER_REFRESH wire message.
type FrontierBarrierRefresh struct {
	Entries []FrontierRefreshEntry
}

// Transport is the shard-to-shard messaging collaborator ShardedTemplate
// consumes (spec §6 "Wire protocol (sharded only)"). pkg/trace/wire
// realizes it over a bidirectional gRPC stream; tests use an in-memory fake.
type Transport interface {
	SendUpdateViewUser(ctx context.Context, owner ShardID, msg UpdateViewUser) error
	SendUpdateLastUser(ctx context.Context, peer ShardID, msg UpdateLastUser) error
	RequestFindLastUsers(ctx context.Context, owner ShardID, req FindLastUsersRequest) (FindLastUsersResponse, error)
	RequestFindFrontier(ctx context.Context, consumer ShardID, req FindFrontierRequest) (FindFrontierResponse, error)
	RequestShardEvent(ctx context.Context, owner ShardID, event runtime.ApEvent) (runtime.ApBarrier, error)
	RequestReadOnlyUsers(ctx context.Context, peers []ShardID, req ReadOnlyUsersRequest) (ReadOnlyUsersResponse, error)
	ExchangeReplayable(ctx context.Context, local bool) (bool, error)
	BroadcastTemplateBarrierRefresh(ctx context.Context, peers []ShardID, msg TemplateBarrierRefresh) error
	BroadcastFrontierBarrierRefresh(ctx context.Context, peers []ShardID, msg FrontierBarrierRefresh) error
}

// BarrierAllocator allocates fresh Realm phase barriers, used by the
// refresh protocol once a barrier nears Realm::Barrier::MAX_PHASES.
type BarrierAllocator interface {
	NewBarrier(expectedArrivals int) runtime.ApBarrier
}
