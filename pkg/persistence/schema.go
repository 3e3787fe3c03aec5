package persistence

import (
	"database/sql"
	"errors"
	"fmt"
)

// CurrentSchemaVersion defines the current schema version for migration support.
const CurrentSchemaVersion = 1

// initializeSchemaWithMigrations ensures the database schema is at the
// current version.
func initializeSchemaWithMigrations(db *sql.DB) error {
	currentVersion, err := getSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	if currentVersion == 0 {
		return createSchema(db)
	}
	if currentVersion == CurrentSchemaVersion {
		return nil
	}
	return fmt.Errorf("unknown schema version %d (current is %d)", currentVersion, CurrentSchemaVersion)
}

// createSchema creates all required tables and indices.
func createSchema(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}

	tables := []string{
		// Schema version tracking
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Background jobs
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'queued' CHECK (status IN ('queued','running','completed','failed','canceled')),
			priority INTEGER NOT NULL DEFAULT 0,
			payload TEXT NOT NULL DEFAULT '{}',
			result TEXT,
			error TEXT,
			progress_percent REAL NOT NULL DEFAULT 0,
			current_stage TEXT,
			message TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 3,
			scheduled_for DATETIME NOT NULL,
			user_id TEXT NOT NULL,
			workspace_id TEXT,
			idempotency_key TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			started_at DATETIME,
			completed_at DATETIME
		)`,

		// One row per execution of a job
		`CREATE TABLE IF NOT EXISTS job_attempts (
			job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
			attempt_number INTEGER NOT NULL,
			status TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			completed_at DATETIME,
			error TEXT,
			PRIMARY KEY (job_id, attempt_number)
		)`,

		// Append-only progress event log
		`CREATE TABLE IF NOT EXISTS progress_events (
			job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
			sequence_number INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			data TEXT NOT NULL DEFAULT '{}',
			timestamp DATETIME NOT NULL,
			PRIMARY KEY (job_id, sequence_number)
		)`,

		// Pending and resolved mutating-tool approval requests
		`CREATE TABLE IF NOT EXISTS approval_requests (
			request_id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			arguments TEXT NOT NULL DEFAULT '{}',
			safety_class TEXT NOT NULL,
			synthetic_reason TEXT,
			preview TEXT,
			created_at DATETIME NOT NULL,
			resolved_at DATETIME,
			resolution TEXT CHECK (resolution IN ('approved','rejected','expired'))
		)`,

		// Registered MCP servers
		`CREATE TABLE IF NOT EXISTS mcp_servers (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			base_url TEXT NOT NULL,
			tools_url TEXT NOT NULL,
			tool_call_url_template TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'unknown',
			last_sync_at DATETIME,
			last_error TEXT
		)`,

		// Tools discovered from MCP servers. Tools deleted upstream go
		// stale+disabled but stay in the table for the audit trail.
		`CREATE TABLE IF NOT EXISTS tools (
			server_id TEXT NOT NULL REFERENCES mcp_servers(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			parameters TEXT NOT NULL DEFAULT '{}',
			safety_class TEXT NOT NULL CHECK (safety_class IN ('read_only','mutating')),
			enabled INTEGER NOT NULL DEFAULT 1,
			stale INTEGER NOT NULL DEFAULT 0,
			source_hash TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (server_id, name)
		)`,

		// Conversation metadata (the core only keys off it)
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			type TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		)`,

		// Duplicate-guard history for scheduled per-conversation actions
		`CREATE TABLE IF NOT EXISTS conversation_events (
			conversation_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			event_id TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (conversation_id, kind, event_id)
		)`,

		// Compressed opaque state blobs
		`CREATE TABLE IF NOT EXISTS state_blobs (
			key TEXT PRIMARY KEY,
			compression_type TEXT NOT NULL DEFAULT 'none',
			state_size INTEGER NOT NULL,
			data TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
	}

	indices := []string{
		"CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, priority DESC, scheduled_for ASC)",
		"CREATE INDEX IF NOT EXISTS idx_jobs_user ON jobs(user_id)",
		"CREATE INDEX IF NOT EXISTS idx_jobs_idempotency ON jobs(user_id, type, idempotency_key)",
		// At most one unresolved approval per conversation
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_approvals_pending ON approval_requests(conversation_id) WHERE resolved_at IS NULL",
		"CREATE INDEX IF NOT EXISTS idx_approvals_conversation ON approval_requests(conversation_id)",
		"CREATE INDEX IF NOT EXISTS idx_mcp_servers_user ON mcp_servers(user_id)",
		"CREATE INDEX IF NOT EXISTS idx_tools_server ON tools(server_id)",
	}

	for _, ddl := range tables {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	for _, ddl := range indices {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	if err := setSchemaVersion(db, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}

func setSchemaVersion(db *sql.DB, version int) error {
	_, err := db.Exec(`INSERT OR REPLACE INTO schema_version (version) VALUES (?)`, version)
	if err != nil {
		return fmt.Errorf("database exec error: %w", err)
	}
	return nil
}

func getSchemaVersion(db *sql.DB) (int, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`)
	if err != nil {
		return 0, fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("schema version scan error: %w", err)
	}
	return version, nil
}
