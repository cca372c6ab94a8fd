package config

import "errors"

var (
	// ErrConfigNotFound indicates the requested YAML configuration file does
	// not exist on disk.
	ErrConfigNotFound = errors.New("config: configuration file not found")

	// ErrInvalidYAML indicates the configuration file could not be parsed.
	ErrInvalidYAML = errors.New("config: invalid YAML syntax")

	// ErrValidationFailed indicates a loaded configuration violates one of
	// the invariants validate checks: a nonnegative template cache size
	// (spec §4.2's bounded LRU cache), a replay parallelism of at least 1,
	// a non-empty audit password, and audit idle connections not exceeding
	// open connections.
	ErrValidationFailed = errors.New("config: validation failed")
)
