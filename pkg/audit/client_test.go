package audit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/legion-project/physical-trace/pkg/audit"
)

// newTestClient spins up a disposable Postgres container, points a
// audit.Client at it, and lets NewClient apply the embedded migrations —
// the way test/database/shared.go sets up a schema for each replica, but
// against this package's own migrations instead of ent's auto-schema.
func newTestClient(t *testing.T) *audit.Client {
	if testing.Short() {
		t.Skip("skipping audit integration test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("trace_inspector"),
		postgres.WithUsername("trace_inspector"),
		postgres.WithPassword("trace_inspector"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)

	client, err := audit.NewClient(ctx, audit.Config{
		Host:         host,
		Port:         port.Int(),
		User:         "trace_inspector",
		Password:     "trace_inspector",
		Database:     "trace_inspector",
		SSLMode:      "disable",
		MaxOpenConns: 5,
		MaxIdleConns: 2,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return client
}

func TestClientAppliesMigrationsAndReportsHealthy(t *testing.T) {
	client := newTestClient(t)
	health, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
	assert.Greater(t, health.MaxOpenConns, 0)
}

func TestRecordAndQueryTemplateDecisions(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	templateID := "tpl-1"
	reason := "blocking call observed"

	_, err := client.RecordTemplateDecision(ctx, "trace-1", audit.DecisionCaptureAccepted, &templateID, nil, false)
	require.NoError(t, err)
	_, err = client.RecordTemplateDecision(ctx, "trace-1", audit.DecisionCaptureRejected, nil, &reason, false)
	require.NoError(t, err)
	_, err = client.RecordTemplateDecision(ctx, "trace-2", audit.DecisionReplaySelected, &templateID, nil, true)
	require.NoError(t, err)

	decisions, err := client.RecentDecisions(ctx, "trace-1", 10)
	require.NoError(t, err)
	require.Len(t, decisions, 2)
	assert.Equal(t, audit.DecisionCaptureRejected, decisions[0].Kind, "newest decision first")
	require.NotNil(t, decisions[0].RejectionReason)
	assert.Equal(t, reason, *decisions[0].RejectionReason)
}

func TestRecordAndQueryShardRefreshEvents(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	_, err := client.RecordShardRefresh(ctx, 3, "tpl-shard-1", 128)
	require.NoError(t, err)
	_, err = client.RecordShardRefresh(ctx, 3, "tpl-shard-1", 256)
	require.NoError(t, err)

	events, err := client.RecentRefreshes(ctx, 3, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 256, events[0].ReplayCount)
}
