package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DecisionKind mirrors ent/schema/templatedecision.go's "kind" enum.
type DecisionKind string

const (
	DecisionReplaySelected  DecisionKind = "replay_selected"
	DecisionCaptureAccepted DecisionKind = "capture_accepted"
	DecisionCaptureRejected DecisionKind = "capture_rejected"
	DecisionInvalidated     DecisionKind = "invalidated"
)

// TemplateDecision is one row of the template_decisions table (ent/schema's
// TemplateDecision entity).
type TemplateDecision struct {
	ID              string
	TraceID         string
	TemplateID      *string
	Kind            DecisionKind
	Recurrent       bool
	RejectionReason *string
	RecordedAt      time.Time
}

// RecordTemplateDecision appends one PhysicalTrace transition to the audit
// log. Callers pass nil TemplateID/RejectionReason when not applicable.
func (c *Client) RecordTemplateDecision(ctx context.Context, traceID string, kind DecisionKind, templateID, rejectionReason *string, recurrent bool) (string, error) {
	id := uuid.NewString()
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO template_decisions (decision_id, trace_id, template_id, kind, recurrent, rejection_reason)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, traceID, templateID, string(kind), recurrent, rejectionReason,
	)
	if err != nil {
		return "", fmt.Errorf("audit: failed to record template decision: %w", err)
	}
	return id, nil
}

// RecentDecisions returns the most recent decisions for traceID, newest
// first, for operator review via pkg/traceapi.
func (c *Client) RecentDecisions(ctx context.Context, traceID string, limit int) ([]TemplateDecision, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT decision_id, trace_id, template_id, kind, recurrent, rejection_reason, recorded_at
		 FROM template_decisions WHERE trace_id = $1 ORDER BY recorded_at DESC LIMIT $2`,
		traceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to query template decisions: %w", err)
	}
	defer rows.Close()

	var out []TemplateDecision
	for rows.Next() {
		var d TemplateDecision
		var templateID, reason sql.NullString
		if err := rows.Scan(&d.ID, &d.TraceID, &templateID, &d.Kind, &d.Recurrent, &reason, &d.RecordedAt); err != nil {
			return nil, fmt.Errorf("audit: failed to scan template decision: %w", err)
		}
		if templateID.Valid {
			d.TemplateID = &templateID.String
		}
		if reason.Valid {
			d.RejectionReason = &reason.String
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ShardRefreshEvent is one row of the shard_refresh_events table (ent/schema's
// ShardRefreshEvent entity).
type ShardRefreshEvent struct {
	ID          string
	ShardID     int
	TemplateID  string
	ReplayCount int
	RecordedAt  time.Time
}

// RecordShardRefresh appends one ShardedTemplate.CommitRefresh round to the
// audit log.
func (c *Client) RecordShardRefresh(ctx context.Context, shardID int, templateID string, replayCount int) (string, error) {
	id := uuid.NewString()
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO shard_refresh_events (refresh_id, shard_id, template_id, replay_count)
		 VALUES ($1, $2, $3, $4)`,
		id, shardID, templateID, replayCount,
	)
	if err != nil {
		return "", fmt.Errorf("audit: failed to record shard refresh: %w", err)
	}
	return id, nil
}

// RecentRefreshes returns the most recent refresh rounds for shardID,
// newest first.
func (c *Client) RecentRefreshes(ctx context.Context, shardID int, limit int) ([]ShardRefreshEvent, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT refresh_id, shard_id, template_id, replay_count, recorded_at
		 FROM shard_refresh_events WHERE shard_id = $1 ORDER BY recorded_at DESC LIMIT $2`,
		shardID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to query shard refresh events: %w", err)
	}
	defer rows.Close()

	var out []ShardRefreshEvent
	for rows.Next() {
		var e ShardRefreshEvent
		if err := rows.Scan(&e.ID, &e.ShardID, &e.TemplateID, &e.ReplayCount, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("audit: failed to scan shard refresh event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
