package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// ShardRefreshEvent holds the schema definition for the ShardRefreshEvent
// entity: a durable record of a ShardedTemplate barrier refresh round (spec
// §4.6 RefreshBarriers/CommitRefresh), for operator audit of how often
// sharded templates exhaust their barrier generations.
type ShardRefreshEvent struct {
	ent.Schema
}

// Fields of the ShardRefreshEvent.
func (ShardRefreshEvent) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("refresh_id").
			Unique().
			Immutable(),
		field.Int("shard_id").
			Immutable(),
		field.String("template_id").
			Immutable().
			Comment("CachedTemplate.ID the refreshed ShardedTemplate wraps"),
		field.Int("replay_count").
			Comment("ShardedTemplate.NoteReplay's counter at refresh time"),
		field.Time("recorded_at").
			Default(time.Now).
			Immutable(),
	}
}

// Indexes of the ShardRefreshEvent.
func (ShardRefreshEvent) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("shard_id", "recorded_at"),
	}
}
