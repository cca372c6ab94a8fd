package wire

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/legion-project/physical-trace/pkg/trace/sharded"
)

// UserShardResolver tells the owner-side FIND_LAST_USERS_REQUEST handler
// which shard a given local user slot belongs to (spec §4.6 "Last users
// across shards"). A real deployment backs this with the shard manager's
// membership table; tests use a static map (see wire_test.go).
type UserShardResolver interface {
	ShardForUser(slot int) sharded.ShardID
}

// Server answers incoming Envelope rpcs for one shard's ShardedTemplate. One
// Server instance is registered per shard process.
type Server struct {
	mu sync.Mutex

	st       *sharded.ShardedTemplate
	resolver UserShardResolver

	// localReplayable is this shard's own most recent check_replayable
	// result, reported back verbatim to any peer polling
	// REPLAYABLE_EXCHANGE_REQUEST. Set by SetLocalReplayable before this
	// shard's own Client.ExchangeReplayable call goes out, so peers racing
	// to poll it see this shard's current vote rather than a stale one.
	localReplayable bool
}

// NewServer builds a Server bound to st, answering FIND_LAST_USERS_REQUEST
// fan-out with resolver.
func NewServer(st *sharded.ShardedTemplate, resolver UserShardResolver) *Server {
	return &Server{st: st, resolver: resolver, localReplayable: true}
}

// SetLocalReplayable records this shard's own check_replayable verdict for
// peers to poll via REPLAYABLE_EXCHANGE_REQUEST.
func (s *Server) SetLocalReplayable(replayable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localReplayable = replayable
}

func (s *Server) handle(ctx context.Context, env *dynamicpb.Message) *dynamicpb.Message {
	k := envelopeKind(env)
	from := envelopeFrom(env)
	corr := envelopeCorrelationID(env)
	payload := envelopePayload(env)
	self := uint32(s.st.ShardID())

	reply := func(respKind kind, body []byte) *dynamicpb.Message {
		return buildEnvelope(respKind, self, from, corr, body)
	}
	fail := func(respKind kind, err error) *dynamicpb.Message {
		out := buildEnvelope(respKind, self, from, corr, nil)
		setEnvelopeError(out, err.Error())
		return out
	}

	switch k {
	case kindUpdateViewUser:
		var g gobUpdateViewUser
		if err := decodePayload(payload, &g); err != nil {
			return fail(k, err)
		}
		if err := s.st.ApplyUpdateViewUser(g.toSharded()); err != nil {
			return fail(k, err)
		}
		return reply(k, nil)

	case kindUpdateLastUser:
		// UPDATE_LAST_USER is acknowledged but otherwise a no-op here: this
		// shard's own remote_frontiers bookkeeping is already populated by
		// its own RequestLastUsers call, and ShardedTemplate has no
		// peer-observable state this message would update beyond that.
		return reply(k, nil)

	case kindFindLastUsersRequest:
		var g gobFindLastUsersRequest
		if err := decodePayload(payload, &g); err != nil {
			return fail(kindFindLastUsersResponse, err)
		}
		resp, err := s.st.HandleFindLastUsersRequest(ctx, g.toSharded(), s.resolver.ShardForUser)
		if err != nil {
			return fail(kindFindLastUsersResponse, err)
		}
		return reply(kindFindLastUsersResponse, encodePayload(toWireFindLastUsersResponse(resp)))

	case kindFindFrontierRequest:
		var g gobFindFrontierRequest
		if err := decodePayload(payload, &g); err != nil {
			return fail(kindFindFrontierResponse, err)
		}
		resp := s.st.HandleFindFrontierRequest(g.toSharded())
		return reply(kindFindFrontierResponse, encodePayload(toWireFindFrontierResponse(resp)))

	case kindShardEventRequest:
		var g gobShardEventRequest
		if err := decodePayload(payload, &g); err != nil {
			return fail(kindShardEventResponse, err)
		}
		localSlot, ok := s.st.Local().SlotForEvent(g.Event.toEvent())
		if !ok {
			return fail(kindShardEventResponse, fmt.Errorf("wire: shard %d has no local slot for requested event", s.st.ShardID()))
		}
		barrier := s.st.HandleShardEventRequest(localSlot, 1)
		return reply(kindShardEventResponse, encodePayload(toWireBarrier(barrier)))

	case kindReadOnlyUsersRequest:
		var g gobReadOnlyUsers
		if err := decodePayload(payload, &g); err != nil {
			return fail(kindReadOnlyUsersResponse, err)
		}
		// Simplified, matching shardedfake.Transport.RequestReadOnlyUsers:
		// this shard relays the caller's proposal back rather than
		// consulting its own indirection analysis, since that analysis
		// lives outside this engine's declared boundary (runtime.Operation
		// territory, not pkg/trace's).
		return reply(kindReadOnlyUsersResponse, encodePayload(gobReadOnlyUsers{ReadOnly: g.ReadOnly}))

	case kindReplayableRequest:
		s.mu.Lock()
		local := s.localReplayable
		s.mu.Unlock()
		return reply(kindReplayableResponse, encodePayload(gobReplayable{Replayable: local}))

	case kindTemplateBarrierRefresh:
		var g gobTemplateBarrierRefresh
		if err := decodePayload(payload, &g); err != nil {
			return fail(k, err)
		}
		s.st.ApplyTemplateBarrierRefresh(sharded.ShardID(from), g.toSharded())
		return reply(k, nil)

	case kindFrontierBarrierRefresh:
		var g gobFrontierBarrierRefresh
		if err := decodePayload(payload, &g); err != nil {
			return fail(k, err)
		}
		s.st.ApplyFrontierBarrierRefresh(sharded.ShardID(from), g.toSharded())
		return reply(k, nil)

	default:
		return fail(k, fmt.Errorf("wire: unknown envelope kind %q", k))
	}
}
