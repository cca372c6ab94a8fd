package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// TemplateDecision holds the schema definition for the TemplateDecision
// entity: a durable record of one PhysicalTrace.CheckTemplatePreconditions
// (spec §4.2) or CaptureComplete decision, for operator audit — never the
// authoritative trace state itself, which stays in-memory per spec's
// no-persisted-state clause.
type TemplateDecision struct {
	ent.Schema
}

// Fields of the TemplateDecision.
func (TemplateDecision) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("decision_id").
			Unique().
			Immutable(),
		field.String("trace_id").
			Immutable().
			Comment("Owning LegionTrace/DynamicTrace instance"),
		field.String("template_id").
			Optional().
			Nillable().
			Comment("CachedTemplate.ID this decision concerns, if any"),
		field.Enum("kind").
			Values("replay_selected", "capture_accepted", "capture_rejected", "invalidated").
			Comment("Which PhysicalTrace transition this records"),
		field.Bool("recurrent").
			Default(false).
			Comment("True when this replay reused the previous completion event"),
		field.String("rejection_reason").
			Optional().
			Nillable().
			Comment("Finalize's non-replayable reason, when kind=capture_rejected"),
		field.Time("recorded_at").
			Default(time.Now).
			Immutable(),
	}
}

// Indexes of the TemplateDecision.
func (TemplateDecision) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("trace_id", "recorded_at"),
		index.Fields("template_id"),
	}
}
