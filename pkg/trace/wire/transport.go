package wire

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/legion-project/physical-trace/pkg/trace/runtime"
	"github.com/legion-project/physical-trace/pkg/trace/sharded"
)

// Client implements sharded.Transport over gRPC, dialing one connection per
// peer shard lazily (grounded on pkg/agent/llm_grpc.go's GRPCLLMClient:
// grpc.NewClient + insecure.NewCredentials, a Close releasing every
// connection). Every call opens a fresh bidi stream, sends one Envelope,
// waits for the matching reply, then closes the stream — the mesh here is
// pure request/response, so there is no benefit to keeping a stream open
// across calls the way a long-lived token stream would.
type Client struct {
	mu    sync.Mutex
	self  sharded.ShardID
	addrs map[sharded.ShardID]string
	conns map[sharded.ShardID]*grpc.ClientConn
	corr  atomic.Uint64
}

var _ sharded.Transport = (*Client)(nil)

// NewClient builds a Client for shard self, dialing peers lazily by the
// addresses in addrs as they're first needed.
func NewClient(self sharded.ShardID, addrs map[sharded.ShardID]string) *Client {
	return &Client{self: self, addrs: addrs, conns: make(map[sharded.ShardID]*grpc.ClientConn)}
}

// Close releases every connection this client has opened.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for id, conn := range c.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("wire: closing connection to shard %d: %w", id, err)
		}
	}
	return firstErr
}

func (c *Client) connFor(peer sharded.ShardID) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[peer]; ok {
		return conn, nil
	}
	addr, ok := c.addrs[peer]
	if !ok {
		return nil, fmt.Errorf("wire: no address configured for shard %d", peer)
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("wire: dialing shard %d at %s: %w", peer, addr, err)
	}
	c.conns[peer] = conn
	return conn, nil
}

func (c *Client) nextCorrelationID() string {
	return fmt.Sprintf("%d.%d", c.self, c.corr.Add(1))
}

func (c *Client) call(ctx context.Context, peer sharded.ShardID, k kind, payload []byte) (*dynamicpb.Message, error) {
	conn, err := c.connFor(peer)
	if err != nil {
		return nil, err
	}
	desc := &grpc.StreamDesc{StreamName: "Exchange", ServerStreams: true, ClientStreams: true}
	stream, err := conn.NewStream(ctx, desc, exchangeMethod, grpc.CallContentSubtype(codecName))
	if err != nil {
		return nil, fmt.Errorf("wire: opening stream to shard %d: %w", peer, err)
	}
	out := buildEnvelope(k, uint32(c.self), uint32(peer), c.nextCorrelationID(), payload)
	if err := stream.SendMsg(out); err != nil {
		return nil, fmt.Errorf("wire: sending %s to shard %d: %w", k, peer, err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("wire: closing send to shard %d: %w", peer, err)
	}
	in := newEnvelope()
	if err := stream.RecvMsg(in); err != nil {
		return nil, fmt.Errorf("wire: receiving %s reply from shard %d: %w", k, peer, err)
	}
	if msg := envelopeError(in); msg != "" {
		return nil, fmt.Errorf("wire: shard %d rejected %s: %s", peer, k, msg)
	}
	return in, nil
}

func (c *Client) SendUpdateViewUser(ctx context.Context, owner sharded.ShardID, msg sharded.UpdateViewUser) error {
	_, err := c.call(ctx, owner, kindUpdateViewUser, encodePayload(toWireUpdateViewUser(msg)))
	return err
}

func (c *Client) SendUpdateLastUser(ctx context.Context, peer sharded.ShardID, msg sharded.UpdateLastUser) error {
	_, err := c.call(ctx, peer, kindUpdateLastUser, encodePayload(toWireUpdateLastUser(msg)))
	return err
}

func (c *Client) RequestFindLastUsers(ctx context.Context, owner sharded.ShardID, req sharded.FindLastUsersRequest) (sharded.FindLastUsersResponse, error) {
	in, err := c.call(ctx, owner, kindFindLastUsersRequest, encodePayload(toWireFindLastUsersRequest(req)))
	if err != nil {
		return sharded.FindLastUsersResponse{}, err
	}
	var g gobFindLastUsersResponse
	if err := decodePayload(envelopePayload(in), &g); err != nil {
		return sharded.FindLastUsersResponse{}, err
	}
	return g.toSharded(), nil
}

func (c *Client) RequestFindFrontier(ctx context.Context, consumer sharded.ShardID, req sharded.FindFrontierRequest) (sharded.FindFrontierResponse, error) {
	in, err := c.call(ctx, consumer, kindFindFrontierRequest, encodePayload(toWireFindFrontierRequest(req)))
	if err != nil {
		return sharded.FindFrontierResponse{}, err
	}
	var g gobFindFrontierResponse
	if err := decodePayload(envelopePayload(in), &g); err != nil {
		return sharded.FindFrontierResponse{}, err
	}
	return g.toSharded(), nil
}

func (c *Client) RequestShardEvent(ctx context.Context, owner sharded.ShardID, event runtime.ApEvent) (runtime.ApBarrier, error) {
	in, err := c.call(ctx, owner, kindShardEventRequest, encodePayload(gobShardEventRequest{Event: toGobEvent(event)}))
	if err != nil {
		return runtime.ApBarrier{}, err
	}
	var g gobShardEventResponse
	if err := decodePayload(envelopePayload(in), &g); err != nil {
		return runtime.ApBarrier{}, err
	}
	return g.toBarrier(), nil
}

// RequestReadOnlyUsers polls every peer and ANDs their answers with the
// local proposal (spec §9 "Sharded exchange" cooperative decision).
func (c *Client) RequestReadOnlyUsers(ctx context.Context, peers []sharded.ShardID, req sharded.ReadOnlyUsersRequest) (sharded.ReadOnlyUsersResponse, error) {
	agreed := req.ReadOnly
	for _, peer := range peers {
		in, err := c.call(ctx, peer, kindReadOnlyUsersRequest, encodePayload(gobReadOnlyUsers{ReadOnly: req.ReadOnly}))
		if err != nil {
			return sharded.ReadOnlyUsersResponse{}, err
		}
		var g gobReadOnlyUsers
		if err := decodePayload(envelopePayload(in), &g); err != nil {
			return sharded.ReadOnlyUsersResponse{}, err
		}
		agreed = agreed && g.ReadOnly
	}
	return sharded.ReadOnlyUsersResponse{ReadOnly: agreed}, nil
}

// ExchangeReplayable polls every configured peer's Server.localReplayable and
// ANDs it with local, implementing op->exchange_replayable (spec §4.6) as a
// gather rather than the original's shared atomic<bool> — there is no shared
// memory across shard processes here.
func (c *Client) ExchangeReplayable(ctx context.Context, local bool) (bool, error) {
	c.mu.Lock()
	peers := make([]sharded.ShardID, 0, len(c.addrs))
	for id := range c.addrs {
		if id != c.self {
			peers = append(peers, id)
		}
	}
	c.mu.Unlock()

	agreed := local
	for _, peer := range peers {
		in, err := c.call(ctx, peer, kindReplayableRequest, encodePayload(gobReplayable{Replayable: local}))
		if err != nil {
			return false, err
		}
		var g gobReplayable
		if err := decodePayload(envelopePayload(in), &g); err != nil {
			return false, err
		}
		agreed = agreed && g.Replayable
	}
	return agreed, nil
}

func (c *Client) BroadcastTemplateBarrierRefresh(ctx context.Context, peers []sharded.ShardID, msg sharded.TemplateBarrierRefresh) error {
	payload := encodePayload(toWireTemplateBarrierRefresh(msg))
	for _, peer := range peers {
		if _, err := c.call(ctx, peer, kindTemplateBarrierRefresh, payload); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) BroadcastFrontierBarrierRefresh(ctx context.Context, peers []sharded.ShardID, msg sharded.FrontierBarrierRefresh) error {
	payload := encodePayload(toWireFrontierBarrierRefresh(msg))
	for _, peer := range peers {
		if _, err := c.call(ctx, peer, kindFrontierBarrierRefresh, payload); err != nil {
			return err
		}
	}
	return nil
}
