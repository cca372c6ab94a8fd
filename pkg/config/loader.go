package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"dario.cat/mergo"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Initialize loads, merges, and validates trace-inspector's configuration.
// This is the primary entry point, in the shape of pkg/config's own
// Initialize(ctx, configDir):
//
//  1. Load a .env file from configDir, if present (best-effort).
//  2. Load trace-engine.yaml from configDir, if present.
//  3. Merge it over the built-in defaults (user values override).
//  4. Overlay deployment-specific environment variables (audit DSN pieces,
//     API listen address).
//  5. Validate the result.
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("initializing trace-inspector configuration")

	envPath := filepath.Join(configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Warn("could not load .env file, continuing with existing environment", "path", envPath, "error", err)
	} else {
		log.Info("loaded environment overrides", "path", envPath)
	}

	cfg, err := load(configDir)
	if err != nil {
		return nil, fmt.Errorf("config: failed to load: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w: %w", ErrValidationFailed, err)
	}

	stats := cfg.Stats()
	log.Info("configuration initialized",
		"max_templates", stats.MaxTemplates,
		"replay_parallelism", stats.ReplayParallelism,
		"audit_database", stats.AuditDatabase,
		"api_listen_addr", stats.APIListenAddr)

	return cfg, nil
}

// load reads trace-engine.yaml (if present) and merges it over the built-in
// defaults, the way loader.load merges tarsyConfig over GetBuiltinConfig.
func load(configDir string) (*Config, error) {
	cfg := defaultConfig()
	cfg.configDir = configDir

	path := filepath.Join(configDir, "trace-engine.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No YAML document: run on built-in defaults alone.
			return cfg, nil
		}
		return nil, err
	}

	var loaded Config
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	if err := mergo.Merge(cfg, &loaded, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge trace-engine.yaml over defaults: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides overlays deployment-specific environment variables,
// the way pkg/database/config.go's LoadConfigFromEnv reads DB_HOST et al.
// over getEnvOrDefault.
func applyEnvOverrides(cfg *Config) {
	cfg.Audit.Host = getEnvOrDefault("AUDIT_DB_HOST", cfg.Audit.Host)
	cfg.Audit.User = getEnvOrDefault("AUDIT_DB_USER", cfg.Audit.User)
	cfg.Audit.Database = getEnvOrDefault("AUDIT_DB_NAME", cfg.Audit.Database)
	cfg.Audit.SSLMode = getEnvOrDefault("AUDIT_DB_SSLMODE", cfg.Audit.SSLMode)
	cfg.Audit.Password = os.Getenv("AUDIT_DB_PASSWORD")

	if port := os.Getenv("AUDIT_DB_PORT"); port != "" {
		if v, err := strconv.Atoi(port); err == nil {
			cfg.Audit.Port = v
		}
	}
	cfg.API.ListenAddr = getEnvOrDefault("TRACE_API_LISTEN_ADDR", cfg.API.ListenAddr)
}

// validate checks the trace-engine tuning invariants Initialize must
// enforce before handing the configuration to the rest of the binary.
func validate(cfg *Config) error {
	if cfg.Trace.MaxTemplates < 0 {
		return fmt.Errorf("trace.max_trace_templates must be >= 0, got %d", cfg.Trace.MaxTemplates)
	}
	if cfg.Trace.ReplayParallelism < 1 {
		return fmt.Errorf("trace.replay_parallelism must be >= 1, got %d", cfg.Trace.ReplayParallelism)
	}
	if cfg.Audit.Password == "" {
		return fmt.Errorf("AUDIT_DB_PASSWORD is required")
	}
	if cfg.Audit.MaxIdleConns > cfg.Audit.MaxOpenConns {
		return fmt.Errorf("audit.audit_max_idle_conns (%d) cannot exceed audit.audit_max_open_conns (%d)",
			cfg.Audit.MaxIdleConns, cfg.Audit.MaxOpenConns)
	}
	return nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
