package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legion-project/physical-trace/pkg/config"
)

func TestInitializeUsesBuiltinDefaultsWithoutYAML(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AUDIT_DB_PASSWORD", "secret")

	cfg, err := config.Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Trace.MaxTemplates)
	assert.Equal(t, 4, cfg.Trace.ReplayParallelism)
	assert.Equal(t, "secret", cfg.Audit.Password)
	assert.Equal(t, dir, cfg.ConfigDir())
}

func TestInitializeMergesYAMLOverDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AUDIT_DB_PASSWORD", "secret")

	yamlDoc := "trace:\n  max_trace_templates: 64\n  replay_parallelism: 8\napi:\n  api_listen_addr: \":9000\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "trace-engine.yaml"), []byte(yamlDoc), 0o644))

	cfg, err := config.Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Trace.MaxTemplates)
	assert.Equal(t, 8, cfg.Trace.ReplayParallelism)
	assert.Equal(t, ":9000", cfg.API.ListenAddr)
	// Unset-in-YAML fields keep their built-in default.
	assert.Equal(t, 8, cfg.Trace.NonReplayableWarnThreshold)
}

func TestInitializeAppliesEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AUDIT_DB_PASSWORD", "secret")
	t.Setenv("AUDIT_DB_HOST", "audit.internal")
	t.Setenv("TRACE_API_LISTEN_ADDR", ":7777")

	cfg, err := config.Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "audit.internal", cfg.Audit.Host)
	assert.Equal(t, ":7777", cfg.API.ListenAddr)
}

func TestInitializeRejectsMissingAuditPassword(t *testing.T) {
	dir := t.TempDir()
	_, err := config.Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrValidationFailed)
}

func TestInitializeRejectsInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AUDIT_DB_PASSWORD", "secret")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "trace-engine.yaml"), []byte("trace: [this is not a map"), 0o644))

	_, err := config.Initialize(context.Background(), dir)
	require.Error(t, err)
}
