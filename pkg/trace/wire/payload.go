package wire

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/legion-project/physical-trace/pkg/trace/fieldmask"
	"github.com/legion-project/physical-trace/pkg/trace/runtime"
	"github.com/legion-project/physical-trace/pkg/trace/sharded"
	"github.com/legion-project/physical-trace/pkg/trace/template"
)

// gobMask/gobEvent are wire-safe mirrors of fieldmask.FieldMask and
// runtime.ApEvent, whose actual representations (an unexported []uint64 and
// an unexported id) aren't gob-encodable directly.
type gobMask struct{ Bits []int }

func toGobMask(m fieldmask.FieldMask) gobMask { return gobMask{Bits: m.Bits()} }
func (g gobMask) toMask() fieldmask.FieldMask { return fieldmask.FromBits(g.Bits...) }

type gobEvent struct{ Raw uint64 }

func toGobEvent(e runtime.ApEvent) gobEvent      { return gobEvent{Raw: e.ID()} }
func (g gobEvent) toEvent() runtime.ApEvent      { return runtime.NewApEvent(g.Raw) }

func encodePayload(v any) []byte {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		panic(fmt.Sprintf("wire: encoding payload %T: %v", v, err))
	}
	return buf.Bytes()
}

func decodePayload(data []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("wire: decoding payload %T: %w", v, err)
	}
	return nil
}

// The gobUpdateViewUser family below mirror pkg/trace/sharded's message
// structs field-for-field, substituting gobMask/gobEvent for the
// non-gob-encodable value types they embed.

type gobUpdateViewUser struct {
	View   int64
	Expr   int64
	Usage  int
	Slot   int
	Mask   gobMask
	Owner  uint32
	Origin uint32
}

func toWireUpdateViewUser(msg sharded.UpdateViewUser) gobUpdateViewUser {
	return gobUpdateViewUser{
		View: int64(msg.View), Expr: int64(msg.Expr), Usage: int(msg.Usage),
		Slot: msg.Slot, Mask: toGobMask(msg.Mask), Owner: uint32(msg.Owner), Origin: uint32(msg.Origin),
	}
}

func (g gobUpdateViewUser) toSharded() sharded.UpdateViewUser {
	return sharded.UpdateViewUser{
		View: runtime.ViewID(g.View), Expr: runtime.ExprID(g.Expr), Usage: template.UsageKind(g.Usage),
		Slot: g.Slot, Mask: g.Mask.toMask(), Owner: sharded.ShardID(g.Owner), Origin: sharded.ShardID(g.Origin),
	}
}

type gobUpdateLastUser struct{ UserSlots []int }

func toWireUpdateLastUser(msg sharded.UpdateLastUser) gobUpdateLastUser {
	return gobUpdateLastUser{UserSlots: msg.UserSlots}
}

func (g gobUpdateLastUser) toSharded() sharded.UpdateLastUser {
	return sharded.UpdateLastUser{UserSlots: g.UserSlots}
}

type gobFindLastUsersRequest struct {
	View int64
	Expr int64
	Mask gobMask
}

func toWireFindLastUsersRequest(req sharded.FindLastUsersRequest) gobFindLastUsersRequest {
	return gobFindLastUsersRequest{View: int64(req.View), Expr: int64(req.Expr), Mask: toGobMask(req.Mask)}
}

func (g gobFindLastUsersRequest) toSharded() sharded.FindLastUsersRequest {
	return sharded.FindLastUsersRequest{View: runtime.ViewID(g.View), Expr: runtime.ExprID(g.Expr), Mask: g.Mask.toMask()}
}

type gobFrontierGrant struct {
	Slot       int
	BarrierID  uint64
	Generation uint64
}

func toWireFrontierGrant(g sharded.FrontierGrant) gobFrontierGrant {
	return gobFrontierGrant{Slot: g.Slot, BarrierID: g.Barrier.ID, Generation: g.Barrier.Generation}
}

func (g gobFrontierGrant) toSharded() sharded.FrontierGrant {
	return sharded.FrontierGrant{Slot: g.Slot, Barrier: runtime.ApBarrier{ID: g.BarrierID, Generation: g.Generation}}
}

type gobFindLastUsersResponse struct {
	LocalSlots      []int
	RemoteFrontiers []gobFrontierGrant
}

func toWireFindLastUsersResponse(resp sharded.FindLastUsersResponse) gobFindLastUsersResponse {
	out := gobFindLastUsersResponse{LocalSlots: resp.LocalSlots}
	for _, g := range resp.RemoteFrontiers {
		out.RemoteFrontiers = append(out.RemoteFrontiers, toWireFrontierGrant(g))
	}
	return out
}

func (g gobFindLastUsersResponse) toSharded() sharded.FindLastUsersResponse {
	out := sharded.FindLastUsersResponse{LocalSlots: g.LocalSlots}
	for _, f := range g.RemoteFrontiers {
		out.RemoteFrontiers = append(out.RemoteFrontiers, f.toSharded())
	}
	return out
}

type gobFindFrontierRequest struct {
	Source    uint32
	UserSlots []int
}

func toWireFindFrontierRequest(req sharded.FindFrontierRequest) gobFindFrontierRequest {
	return gobFindFrontierRequest{Source: uint32(req.Source), UserSlots: req.UserSlots}
}

func (g gobFindFrontierRequest) toSharded() sharded.FindFrontierRequest {
	return sharded.FindFrontierRequest{Source: sharded.ShardID(g.Source), UserSlots: g.UserSlots}
}

type gobFindFrontierResponse struct{ Frontiers []gobFrontierGrant }

func toWireFindFrontierResponse(resp sharded.FindFrontierResponse) gobFindFrontierResponse {
	out := gobFindFrontierResponse{}
	for _, g := range resp.Frontiers {
		out.Frontiers = append(out.Frontiers, toWireFrontierGrant(g))
	}
	return out
}

func (g gobFindFrontierResponse) toSharded() sharded.FindFrontierResponse {
	out := sharded.FindFrontierResponse{}
	for _, f := range g.Frontiers {
		out.Frontiers = append(out.Frontiers, f.toSharded())
	}
	return out
}

type gobReadOnlyUsers struct{ ReadOnly bool }

type gobReplayable struct{ Replayable bool }

type gobShardEventRequest struct{ Event gobEvent }

type gobShardEventResponse struct {
	BarrierID  uint64
	Generation uint64
}

func toWireBarrier(b runtime.ApBarrier) gobShardEventResponse {
	return gobShardEventResponse{BarrierID: b.ID, Generation: b.Generation}
}

func (g gobShardEventResponse) toBarrier() runtime.ApBarrier {
	return runtime.ApBarrier{ID: g.BarrierID, Generation: g.Generation}
}

type gobBarrierRefreshEntry struct {
	Event      gobEvent
	BarrierID  uint64
	Generation uint64
}

type gobTemplateBarrierRefresh struct{ Entries []gobBarrierRefreshEntry }

func toWireTemplateBarrierRefresh(msg sharded.TemplateBarrierRefresh) gobTemplateBarrierRefresh {
	out := gobTemplateBarrierRefresh{}
	for _, e := range msg.Entries {
		out.Entries = append(out.Entries, gobBarrierRefreshEntry{
			Event: toGobEvent(e.Event), BarrierID: e.NewBarrier.ID, Generation: e.NewBarrier.Generation,
		})
	}
	return out
}

func (g gobTemplateBarrierRefresh) toSharded() sharded.TemplateBarrierRefresh {
	out := sharded.TemplateBarrierRefresh{}
	for _, e := range g.Entries {
		out.Entries = append(out.Entries, sharded.BarrierRefreshEntry{
			Event: e.Event.toEvent(), NewBarrier: runtime.ApBarrier{ID: e.BarrierID, Generation: e.Generation},
		})
	}
	return out
}

type gobFrontierRefreshEntry struct {
	OldBarrierID  uint64
	OldGeneration uint64
	NewBarrierID  uint64
	NewGeneration uint64
}

type gobFrontierBarrierRefresh struct{ Entries []gobFrontierRefreshEntry }

func toWireFrontierBarrierRefresh(msg sharded.FrontierBarrierRefresh) gobFrontierBarrierRefresh {
	out := gobFrontierBarrierRefresh{}
	for _, e := range msg.Entries {
		out.Entries = append(out.Entries, gobFrontierRefreshEntry{
			OldBarrierID: e.OldBarrier.ID, OldGeneration: e.OldBarrier.Generation,
			NewBarrierID: e.NewBarrier.ID, NewGeneration: e.NewBarrier.Generation,
		})
	}
	return out
}

func (g gobFrontierBarrierRefresh) toSharded() sharded.FrontierBarrierRefresh {
	out := sharded.FrontierBarrierRefresh{}
	for _, e := range g.Entries {
		out.Entries = append(out.Entries, sharded.FrontierRefreshEntry{
			OldBarrier: runtime.ApBarrier{ID: e.OldBarrierID, Generation: e.OldGeneration},
			NewBarrier: runtime.ApBarrier{ID: e.NewBarrierID, Generation: e.NewGeneration},
		})
	}
	return out
}
