package wire_test

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/legion-project/physical-trace/pkg/trace/fieldmask"
	"github.com/legion-project/physical-trace/pkg/trace/runtime"
	"github.com/legion-project/physical-trace/pkg/trace/sharded"
	"github.com/legion-project/physical-trace/pkg/trace/sharded/shardedfake"
	"github.com/legion-project/physical-trace/pkg/trace/template"
	"github.com/legion-project/physical-trace/pkg/trace/wire"
)

// shardRig is one shard's gRPC server plus the ShardedTemplate it backs,
// grounded on dd-trace-go's grpc_test.go "rig" idiom: a real loopback TCP
// listener plus grpc.NewServer/grpc.NewClient rather than an in-process fake.
type shardRig struct {
	id     sharded.ShardID
	tpl    *template.Template
	st     *sharded.ShardedTemplate
	srv    *grpc.Server
	addr   string
	server *wire.Server
}

func startShard(t *testing.T, id sharded.ShardID, topo sharded.ShardTopology, resolver wire.UserShardResolver) *shardRig {
	t.Helper()
	tpl := template.New(nil, 1)
	st := sharded.New(nil, tpl, sharded.Config{
		ShardID: id, OwnerSpace: 100, Topology: topo,
		Transport: noopTransport{}, Barriers: shardedfake.NewBarriers(),
	})
	ws := wire.NewServer(st, resolver)

	li, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := grpc.NewServer()
	srv.RegisterService(&wire.ServiceDesc, ws)
	go srv.Serve(li)
	t.Cleanup(srv.Stop)

	return &shardRig{id: id, tpl: tpl, st: st, srv: srv, addr: li.Addr().String(), server: ws}
}

// noopTransport satisfies sharded.Transport for the Config each ShardedTemplate
// under test needs but never exercises directly (all cross-shard calls in
// these tests go through wire.Client instead).
type noopTransport struct{}

func (noopTransport) SendUpdateViewUser(context.Context, sharded.ShardID, sharded.UpdateViewUser) error {
	return nil
}
func (noopTransport) SendUpdateLastUser(context.Context, sharded.ShardID, sharded.UpdateLastUser) error {
	return nil
}
func (noopTransport) RequestFindLastUsers(context.Context, sharded.ShardID, sharded.FindLastUsersRequest) (sharded.FindLastUsersResponse, error) {
	return sharded.FindLastUsersResponse{}, nil
}
func (noopTransport) RequestFindFrontier(context.Context, sharded.ShardID, sharded.FindFrontierRequest) (sharded.FindFrontierResponse, error) {
	return sharded.FindFrontierResponse{}, nil
}
func (noopTransport) RequestShardEvent(context.Context, sharded.ShardID, runtime.ApEvent) (runtime.ApBarrier, error) {
	return runtime.ApBarrier{}, nil
}
func (noopTransport) RequestReadOnlyUsers(context.Context, []sharded.ShardID, sharded.ReadOnlyUsersRequest) (sharded.ReadOnlyUsersResponse, error) {
	return sharded.ReadOnlyUsersResponse{}, nil
}
func (noopTransport) ExchangeReplayable(context.Context, bool) (bool, error) { return true, nil }
func (noopTransport) BroadcastTemplateBarrierRefresh(context.Context, []sharded.ShardID, sharded.TemplateBarrierRefresh) error {
	return nil
}
func (noopTransport) BroadcastFrontierBarrierRefresh(context.Context, []sharded.ShardID, sharded.FrontierBarrierRefresh) error {
	return nil
}

func newTwoShardMesh(t *testing.T) (shard0, shard1 *shardRig, client0, client1 *wire.Client) {
	t.Helper()
	topo := wire.NewStaticTopology(map[uint64][]sharded.ShardID{100: {0, 1}})

	// Each shard's resolver defaults unregistered slots to that shard itself,
	// since in these tests every user slot a shard creates is its own unless
	// a test explicitly registers it as belonging elsewhere.
	shard0 = startShard(t, 0, topo, wire.NewStaticUserShardResolver(0, nil))
	shard1 = startShard(t, 1, topo, wire.NewStaticUserShardResolver(1, nil))

	addrs := map[sharded.ShardID]string{0: shard0.addr, 1: shard1.addr}
	client0 = wire.NewClient(0, addrs)
	client1 = wire.NewClient(1, addrs)
	t.Cleanup(func() { client0.Close() })
	t.Cleanup(func() { client1.Close() })
	return
}

func TestClientSendUpdateViewUserInstallsOnOwner(t *testing.T) {
	_, shard1, client0, _ := newTwoShardMesh(t)
	ctx := context.Background()

	slot := 7
	err := client0.SendUpdateViewUser(ctx, 1, sharded.UpdateViewUser{
		View: 5, Usage: template.UsageReadWrite, Slot: slot, Mask: fieldmask.FromBits(0), Owner: 1, Origin: 0,
	})
	require.NoError(t, err)

	last := shard1.tpl.LastUsers([]runtime.ViewID{5}, fieldmask.FromBits(0))
	assert.Equal(t, []int{slot}, last)
}

func TestClientRequestFindLastUsersReturnsOwnerLocalSlots(t *testing.T) {
	_, shard1, client0, _ := newTwoShardMesh(t)
	ctx := context.Background()

	slot := shard1.tpl.RecordCreateUserEvent()
	shard1.tpl.RecordViewUser(9, template.UsageReadOnly, slot, fieldmask.FromBits(0))

	resp, err := client0.RequestFindLastUsers(ctx, 1, sharded.FindLastUsersRequest{View: 9, Mask: fieldmask.FromBits(0)})
	require.NoError(t, err)
	assert.Equal(t, []int{slot}, resp.LocalSlots)
	assert.Empty(t, resp.RemoteFrontiers)
}

func TestClientRequestShardEventInstallsBarrierArrival(t *testing.T) {
	_, shard1, client0, _ := newTwoShardMesh(t)
	ctx := context.Background()

	// RecordAssignFenceCompletion is the one recording-time call that sets a
	// real event value into events[0] directly, rather than leaving a
	// placeholder resolved only at replay (template.go) — the closest stand-in
	// available here for the genuinely-known-at-capture-time event
	// find_trace_shard_event resolves in the real engine.
	fenceEvent := runtime.NewApEvent(42)
	shard1.tpl.RecordAssignFenceCompletion(fenceEvent)

	barrier, err := client0.RequestShardEvent(ctx, 1, fenceEvent)
	require.NoError(t, err)
	assert.NotZero(t, barrier.ID)

	instrs := shard1.tpl.Instructions()
	last := instrs[len(instrs)-1]
	assert.Equal(t, template.OpBarrierArrival, last.Op)
	require.Len(t, last.Rhs, 1)
	assert.Equal(t, 0, last.Rhs[0], "barrier arrival observes the fence completion at slot 0")
}

func TestClientExchangeReplayableRequiresUnanimity(t *testing.T) {
	_, shard1, client0, _ := newTwoShardMesh(t)
	ctx := context.Background()

	shard1.server.SetLocalReplayable(true)
	agreed, err := client0.ExchangeReplayable(ctx, true)
	require.NoError(t, err)
	assert.True(t, agreed)

	shard1.server.SetLocalReplayable(false)
	agreed, err = client0.ExchangeReplayable(ctx, true)
	require.NoError(t, err)
	assert.False(t, agreed)
}

func TestClientBroadcastTemplateBarrierRefreshAcksPeer(t *testing.T) {
	shard0, shard1, client0, _ := newTwoShardMesh(t)
	ctx := context.Background()

	remoteSlot := shard1.tpl.RecordCreateUserEvent()
	remoteEvent := runtime.NewApEvent(uint64(remoteSlot))
	_, err := shard0.st.ResolveRemoteEvent(ctx, 1, remoteEvent)
	require.NoError(t, err)

	require.NoError(t, shard0.st.RefreshBarriers(ctx, nil, nil))
	err = client0.BroadcastTemplateBarrierRefresh(ctx, []sharded.ShardID{1}, sharded.TemplateBarrierRefresh{})
	require.NoError(t, err)
	assert.True(t, shard1.st.RefreshSynchronized(), "shard1 must have applied the broadcast refresh on receipt")
}

func TestDialingUnknownShardFails(t *testing.T) {
	_, _, client0, _ := newTwoShardMesh(t)
	_, err := client0.RequestFindLastUsers(context.Background(), 9, sharded.FindLastUsersRequest{})
	assert.Error(t, err)
}

