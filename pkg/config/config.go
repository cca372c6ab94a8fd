// Package config loads trace-inspector's deployment configuration: the
// trace engine's tuning knobs (LRU capacity, replay parallelism, warning
// thresholds), the audit sink's connection parameters, and the read-only
// introspection API's listen address.
//
// Static knobs come from a YAML document merged over built-in defaults
// (dario.cat/mergo), the way pkg/config/loader.go's Initialize merges
// tarsy.yaml over GetBuiltinConfig(). Deployment-specific values (passwords,
// DSNs, listen addresses) come from the environment, optionally seeded from
// a .env file via github.com/joho/godotenv, the way cmd/tarsy/main.go loads
// one before calling config.Initialize.
package config

import "time"

// TraceConfig tunes pkg/trace/logical's PhysicalTrace (spec §4.2).
type TraceConfig struct {
	// MaxTemplates bounds the template LRU cache. Zero means unbounded.
	MaxTemplates int `yaml:"max_trace_templates"`
	// ReplayParallelism is handed to template.New's replay slice count.
	ReplayParallelism int `yaml:"replay_parallelism"`
	// NonReplayableWarnThreshold is the consecutive non-replayable capture
	// count above which PhysicalTrace logs a warning.
	NonReplayableWarnThreshold int `yaml:"nonreplayable_warn_threshold"`
	// NewTemplateWarnThreshold is the new-template count above which
	// PhysicalTrace logs a warning (mapper choices aren't template-stable).
	NewTemplateWarnThreshold int `yaml:"new_template_warn_threshold"`
}

// AuditConfig holds the audit database's connection parameters (spec
// [EXPANDED] pkg/audit). Host/Port/User/Password/Database/SSLMode are
// deployment-specific and are always taken from the environment, never
// from YAML, mirroring pkg/database/config.go's LoadConfigFromEnv split.
type AuditConfig struct {
	Host     string `yaml:"-"`
	Port     int    `yaml:"-"`
	User     string `yaml:"-"`
	Password string `yaml:"-"`
	Database string `yaml:"-"`
	SSLMode  string `yaml:"-"`

	MaxOpenConns    int `yaml:"audit_max_open_conns"`
	MaxIdleConns    int `yaml:"audit_max_idle_conns"`
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// APIConfig tunes pkg/traceapi's HTTP introspection server.
type APIConfig struct {
	ListenAddr string `yaml:"api_listen_addr"`
}

// Config is the umbrella object Initialize returns: every static knob
// trace-inspector needs, already merged and validated.
type Config struct {
	configDir string

	Trace TraceConfig `yaml:"trace"`
	Audit AuditConfig `yaml:"audit"`
	API   APIConfig   `yaml:"api"`
}

// ConfigDir returns the directory Initialize loaded trace-engine.yaml and
// .env from.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// Stats summarizes the loaded configuration for startup logging.
type Stats struct {
	MaxTemplates      int
	ReplayParallelism int
	AuditDatabase     string
	APIListenAddr     string
}

// Stats returns a snapshot suitable for a single structured log line.
func (c *Config) Stats() Stats {
	return Stats{
		MaxTemplates:      c.Trace.MaxTemplates,
		ReplayParallelism: c.Trace.ReplayParallelism,
		AuditDatabase:     c.Audit.Database,
		APIListenAddr:     c.API.ListenAddr,
	}
}

// defaultConfig returns the built-in configuration Initialize merges user
// YAML on top of, the way pkg/config/builtin.go's GetBuiltinConfig seeds
// loader.load.
func defaultConfig() *Config {
	return &Config{
		Trace: TraceConfig{
			MaxTemplates:               16,
			ReplayParallelism:          4,
			NonReplayableWarnThreshold: 8,
			NewTemplateWarnThreshold:   32,
		},
		Audit: AuditConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "trace_inspector",
			Database:        "trace_inspector",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    10,
			ConnMaxLifetime: time.Hour,
			ConnMaxIdleTime: 15 * time.Minute,
		},
		API: APIConfig{
			ListenAddr: ":8090",
		},
	}
}
