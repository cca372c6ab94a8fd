package audit

import "errors"

var (
	// ErrNoRowsAffected signals a write that affected zero rows.
	// RecordTemplateDecision and RecordShardRefresh do not inspect the
	// affected-row count and never return it; they report only errors from
	// the database driver.
	ErrNoRowsAffected = errors.New("audit: no rows affected")

	// ErrMigrationsMissing is returned when the embedded migrations
	// directory carries no .sql files, signaling a broken build.
	ErrMigrationsMissing = errors.New("audit: no embedded migration files found")
)
