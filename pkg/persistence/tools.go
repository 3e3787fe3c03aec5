package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// UpsertMCPServer creates or updates a server registration.
func (s *Store) UpsertMCPServer(ctx context.Context, server *MCPServer) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mcp_servers (id, user_id, base_url, tools_url, tool_call_url_template, status)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			base_url = excluded.base_url,
			tools_url = excluded.tools_url,
			tool_call_url_template = excluded.tool_call_url_template`,
		server.ID, server.UserID, server.BaseURL, server.ToolsURL,
		server.ToolCallURLTemplate, server.Status,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert MCP server %s: %w", server.ID, err)
	}
	return nil
}

// GetMCPServer returns a server registration, or nil.
func (s *Store) GetMCPServer(ctx context.Context, id string) (*MCPServer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, base_url, tools_url, tool_call_url_template,
			status, last_sync_at, COALESCE(last_error,'')
		FROM mcp_servers WHERE id = ?`, id)

	var server MCPServer
	var lastSync sql.NullTime
	err := row.Scan(&server.ID, &server.UserID, &server.BaseURL, &server.ToolsURL,
		&server.ToolCallURLTemplate, &server.Status, &lastSync, &server.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get MCP server %s: %w", id, err)
	}
	if lastSync.Valid {
		t := lastSync.Time
		server.LastSyncAt = &t
	}
	return &server, nil
}

// ListMCPServers returns all registered servers for a user.
func (s *Store) ListMCPServers(ctx context.Context, userID string) ([]*MCPServer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, base_url, tools_url, tool_call_url_template,
			status, last_sync_at, COALESCE(last_error,'')
		FROM mcp_servers WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list MCP servers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var servers []*MCPServer
	for rows.Next() {
		var server MCPServer
		var lastSync sql.NullTime
		if err := rows.Scan(&server.ID, &server.UserID, &server.BaseURL, &server.ToolsURL,
			&server.ToolCallURLTemplate, &server.Status, &lastSync, &server.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan MCP server: %w", err)
		}
		if lastSync.Valid {
			t := lastSync.Time
			server.LastSyncAt = &t
		}
		servers = append(servers, &server)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("MCP server iteration error: %w", err)
	}
	return servers, nil
}

// RecordServerSync updates the server's sync bookkeeping after a sync pass.
func (s *Store) RecordServerSync(ctx context.Context, serverID, status, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE mcp_servers SET status = ?, last_sync_at = ?, last_error = NULLIF(?,'')
		WHERE id = ?`,
		status, s.clk.Now(), lastError, serverID)
	if err != nil {
		return fmt.Errorf("failed to record sync for server %s: %w", serverID, err)
	}
	return nil
}

// UpsertTool inserts or updates a tool definition. On change (detected via
// source hash by the caller) the version is bumped.
func (s *Store) UpsertTool(ctx context.Context, tool *Tool) error {
	tool.UpdatedAt = s.clk.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tools (server_id, name, description, parameters, safety_class,
			enabled, stale, source_hash, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(server_id, name) DO UPDATE SET
			description = excluded.description,
			parameters = excluded.parameters,
			safety_class = excluded.safety_class,
			enabled = excluded.enabled,
			stale = excluded.stale,
			source_hash = excluded.source_hash,
			version = excluded.version,
			updated_at = excluded.updated_at`,
		tool.ServerID, tool.Name, tool.Description, tool.Parameters, tool.SafetyClass,
		tool.Enabled, tool.Stale, tool.SourceHash, tool.Version, tool.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert tool %s/%s: %w", tool.ServerID, tool.Name, err)
	}
	return nil
}

// GetTool returns one tool, or nil.
func (s *Store) GetTool(ctx context.Context, serverID, name string) (*Tool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT server_id, name, description, parameters, safety_class,
			enabled, stale, source_hash, version, updated_at
		FROM tools WHERE server_id = ? AND name = ?`, serverID, name)

	var t Tool
	err := row.Scan(&t.ServerID, &t.Name, &t.Description, &t.Parameters, &t.SafetyClass,
		&t.Enabled, &t.Stale, &t.SourceHash, &t.Version, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tool %s/%s: %w", serverID, name, err)
	}
	return &t, nil
}

// ListTools returns all tools for a server, stale ones included.
func (s *Store) ListTools(ctx context.Context, serverID string) ([]*Tool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT server_id, name, description, parameters, safety_class,
			enabled, stale, source_hash, version, updated_at
		FROM tools WHERE server_id = ? ORDER BY name`, serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tools []*Tool
	for rows.Next() {
		var t Tool
		if err := rows.Scan(&t.ServerID, &t.Name, &t.Description, &t.Parameters, &t.SafetyClass,
			&t.Enabled, &t.Stale, &t.SourceHash, &t.Version, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tool: %w", err)
		}
		tools = append(tools, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tool iteration error: %w", err)
	}
	return tools, nil
}

// ListActiveToolsForUser returns enabled, non-stale tools across all of the
// user's servers.
func (s *Store) ListActiveToolsForUser(ctx context.Context, userID string) ([]*Tool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.server_id, t.name, t.description, t.parameters, t.safety_class,
			t.enabled, t.stale, t.source_hash, t.version, t.updated_at
		FROM tools t
		JOIN mcp_servers m ON m.id = t.server_id
		WHERE m.user_id = ? AND t.enabled = 1 AND t.stale = 0
		ORDER BY t.server_id, t.name`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active tools: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tools []*Tool
	for rows.Next() {
		var t Tool
		if err := rows.Scan(&t.ServerID, &t.Name, &t.Description, &t.Parameters, &t.SafetyClass,
			&t.Enabled, &t.Stale, &t.SourceHash, &t.Version, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tool: %w", err)
		}
		tools = append(tools, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tool iteration error: %w", err)
	}
	return tools, nil
}

// MarkToolsStale flags tools missing from the latest sync as stale and
// disabled. names holds the tools that ARE present upstream.
func (s *Store) MarkToolsStale(ctx context.Context, serverID string, present []string) error {
	now := s.clk.Now()
	if len(present) == 0 {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tools SET stale = 1, enabled = 0, updated_at = ?
			WHERE server_id = ? AND stale = 0`, now, serverID)
		if err != nil {
			return fmt.Errorf("failed to mark tools stale: %w", err)
		}
		return nil
	}

	query := `UPDATE tools SET stale = 1, enabled = 0, updated_at = ?
		WHERE server_id = ? AND stale = 0 AND name NOT IN (?` +
		repeatPlaceholder(len(present)-1) + ")"
	args := make([]any, 0, len(present)+2)
	args = append(args, now, serverID)
	for _, name := range present {
		args = append(args, name)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to mark tools stale: %w", err)
	}
	return nil
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}
