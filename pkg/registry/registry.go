// Package registry maintains the per-user tool catalog synced from MCP
// servers and executes tool calls against them over HTTP.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"braindrive/pkg/clock"
	"braindrive/pkg/config"
	"braindrive/pkg/logx"
	"braindrive/pkg/persistence"
)

// Tool invocation error codes.
const (
	CodeToolNotAllowed       = "TOOL_NOT_ALLOWED"
	CodeToolArgumentsInvalid = "TOOL_ARGUMENTS_INVALID"
	CodeToolHTTPError        = "TOOL_HTTP_ERROR"
	CodeToolExecutionError   = "TOOL_EXECUTION_ERROR"
)

// ToolError is the structured error carried inside a failed ToolResult.
type ToolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Error implements error.
func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ToolResult is the outcome of one tool invocation.
type ToolResult struct {
	OK         bool       `json:"ok"`
	LatencyMS  int64      `json:"latency_ms"`
	HTTPStatus int        `json:"http_status,omitempty"`
	Data       any        `json:"data,omitempty"`
	Error      *ToolError `json:"error,omitempty"`
}

// SyncSummary reports what one sync pass did.
type SyncSummary struct {
	Servers       int
	ToolsUpserted int
	ToolsStale    int
	Errors        []string
}

// Registry syncs tool catalogs and invokes tools. Safe for concurrent use;
// all mutable state lives in the store.
type Registry struct {
	store        *persistence.Store
	httpClient   *http.Client
	clk          clock.Clock
	logger       *logx.Logger
	cfg          config.ToolLoopConfig
	serviceToken string
}

// New creates a Registry. serviceToken may be empty; when set it is forwarded
// to tool servers on every call.
func New(store *persistence.Store, clk clock.Clock, cfg config.ToolLoopConfig, serviceToken string) *Registry {
	return &Registry{
		store:        store,
		httpClient:   &http.Client{Timeout: cfg.ToolCallTimeout()},
		clk:          clk,
		logger:       logx.NewLogger("registry"),
		cfg:          cfg,
		serviceToken: serviceToken,
	}
}

// upstreamTool matches both MCP descriptor shapes the sync endpoint may
// return: {tools:[{type:"function",function:{...}}]} or a bare array.
type upstreamTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
	// Flat shape fallback.
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

func (u *upstreamTool) normalize() (name, description string, parameters map[string]any) {
	if u.Function.Name != "" {
		return u.Function.Name, u.Function.Description, u.Function.Parameters
	}
	return u.Name, u.Description, u.Parameters
}

// Sync refreshes the tool catalog from every server registered to the user.
// Tools that disappeared upstream go stale+disabled but stay on record.
func (r *Registry) Sync(ctx context.Context, userID string) (*SyncSummary, error) {
	servers, err := r.store.ListMCPServers(ctx, userID)
	if err != nil {
		return nil, err
	}

	summary := &SyncSummary{Servers: len(servers)}
	for _, server := range servers {
		if err := r.syncServer(ctx, server, summary); err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", server.ID, err))
			if recErr := r.store.RecordServerSync(ctx, server.ID, "error", err.Error()); recErr != nil {
				return nil, recErr
			}
			continue
		}
		if err := r.store.RecordServerSync(ctx, server.ID, "ok", ""); err != nil {
			return nil, err
		}
	}
	r.logger.Info("🔄 Tool sync for user %s: %d servers, %d upserted, %d stale, %d errors",
		userID, summary.Servers, summary.ToolsUpserted, summary.ToolsStale, len(summary.Errors))
	return summary, nil
}

func (r *Registry) syncServer(ctx context.Context, server *persistence.MCPServer, summary *SyncSummary) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.ToolsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build sync request: %w", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sync request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read sync response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("tools endpoint returned HTTP %d", resp.StatusCode)
	}

	var upstream []upstreamTool
	var wrapper struct {
		Tools []upstreamTool `json:"tools"`
	}
	if err := json.Unmarshal(body, &wrapper); err == nil && wrapper.Tools != nil {
		upstream = wrapper.Tools
	} else if err := json.Unmarshal(body, &upstream); err != nil {
		return fmt.Errorf("failed to parse tools payload: %w", err)
	}

	present := make([]string, 0, len(upstream))
	for i := range upstream {
		name, description, parameters := upstream[i].normalize()
		if name == "" {
			continue
		}
		present = append(present, name)

		hash, err := ComputeSourceHash(parameters)
		if err != nil {
			return fmt.Errorf("failed to hash schema of %s: %w", name, err)
		}

		paramsJSON, err := json.Marshal(parameters)
		if err != nil {
			return fmt.Errorf("failed to encode schema of %s: %w", name, err)
		}
		if parameters == nil {
			paramsJSON = []byte("{}")
		}

		version := 1
		if existing, err := r.store.GetTool(ctx, server.ID, name); err != nil {
			return err
		} else if existing != nil {
			version = existing.Version
			if existing.SourceHash != hash {
				version++
			}
		}

		tool := &persistence.Tool{
			ServerID:    server.ID,
			Name:        name,
			Description: description,
			Parameters:  string(paramsJSON),
			SafetyClass: ClassifySafety(name),
			Enabled:     true,
			Stale:       false,
			SourceHash:  hash,
			Version:     version,
		}
		if err := r.store.UpsertTool(ctx, tool); err != nil {
			return err
		}
		summary.ToolsUpserted++
	}

	before, err := r.store.ListTools(ctx, server.ID)
	if err != nil {
		return err
	}
	presentSet := make(map[string]bool, len(present))
	for _, name := range present {
		presentSet[name] = true
	}
	for _, t := range before {
		if !t.Stale && !presentSet[t.Name] {
			summary.ToolsStale++
		}
	}
	return r.store.MarkToolsStale(ctx, server.ID, present)
}

// Resolve returns the named tool if it is callable for the user (enabled and
// not stale), or nil.
func (r *Registry) Resolve(ctx context.Context, userID, toolName string) (*persistence.Tool, error) {
	tools, err := r.store.ListActiveToolsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, t := range tools {
		if t.Name == toolName {
			return t, nil
		}
	}
	return nil, nil
}

// SelectForPrompt returns the user's callable tools ordered by name, cut off
// when either the tool count or the cumulative serialized schema size budget
// would be exceeded.
func (r *Registry) SelectForPrompt(ctx context.Context, userID string) ([]*persistence.Tool, error) {
	tools, err := r.store.ListActiveToolsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })

	var selected []*persistence.Tool
	budget := r.cfg.MaxSchemaBytes
	for _, t := range tools {
		if len(selected) >= r.cfg.MaxTools {
			break
		}
		size := len(t.Parameters)
		if size > budget {
			break
		}
		budget -= size
		selected = append(selected, t)
	}
	return selected, nil
}

// Invoke validates the arguments against the tool's schema and POSTs them to
// the tool server. Errors never surface as Go errors; they are reified into
// the result so the caller can feed them back to the model.
func (r *Registry) Invoke(ctx context.Context, tool *persistence.Tool, arguments map[string]any, userID, requestID string) *ToolResult {
	if validationErr := ValidateArguments(tool.Parameters, arguments); validationErr != nil {
		return &ToolResult{
			OK: false,
			Error: &ToolError{
				Code:    CodeToolArgumentsInvalid,
				Message: validationErr.Error(),
			},
		}
	}

	server, err := r.store.GetMCPServer(ctx, tool.ServerID)
	if err != nil || server == nil {
		return &ToolResult{
			OK:    false,
			Error: &ToolError{Code: CodeToolExecutionError, Message: fmt.Sprintf("server %s not found", tool.ServerID)},
		}
	}

	payload, err := json.Marshal(arguments)
	if err != nil {
		return &ToolResult{
			OK:    false,
			Error: &ToolError{Code: CodeToolArgumentsInvalid, Message: fmt.Sprintf("arguments not encodable: %v", err)},
		}
	}

	callURL := buildToolCallURL(server, tool.Name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callURL, bytes.NewReader(payload))
	if err != nil {
		return &ToolResult{
			OK:    false,
			Error: &ToolError{Code: CodeToolExecutionError, Message: fmt.Sprintf("failed to build request: %v", err)},
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-BrainDrive-User-Id", userID)
	req.Header.Set("X-BrainDrive-Request-Id", requestID)
	if r.serviceToken != "" {
		req.Header.Set("X-BrainDrive-Service-Token", r.serviceToken)
	}

	start := r.clk.Now()
	resp, err := r.httpClient.Do(req)
	latency := r.clk.Since(start).Milliseconds()
	if err != nil {
		return &ToolResult{
			OK:        false,
			LatencyMS: latency,
			Error:     &ToolError{Code: CodeToolHTTPError, Message: fmt.Sprintf("tool call failed: %v", err)},
		}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &ToolResult{
			OK:         false,
			LatencyMS:  latency,
			HTTPStatus: resp.StatusCode,
			Error:      &ToolError{Code: CodeToolHTTPError, Message: fmt.Sprintf("failed to read response: %v", err)},
		}
	}

	if resp.StatusCode >= 400 {
		return &ToolResult{
			OK:         false,
			LatencyMS:  latency,
			HTTPStatus: resp.StatusCode,
			Error: &ToolError{
				Code:    CodeToolHTTPError,
				Message: fmt.Sprintf("tool returned HTTP %d", resp.StatusCode),
				Details: strings.TrimSpace(string(body)),
			},
		}
	}

	var data any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &data); err != nil {
			// Non-JSON bodies pass through as text.
			data = string(body)
		}
	}

	return &ToolResult{
		OK:         true,
		LatencyMS:  latency,
		HTTPStatus: resp.StatusCode,
		Data:       data,
	}
}

// buildToolCallURL expands the server's call template. Templates contain a
// {name} placeholder; servers without one get the tool:<name> convention
// appended to the base URL.
func buildToolCallURL(server *persistence.MCPServer, toolName string) string {
	if strings.Contains(server.ToolCallURLTemplate, "{name}") {
		return strings.ReplaceAll(server.ToolCallURLTemplate, "{name}", toolName)
	}
	if server.ToolCallURLTemplate != "" {
		return strings.TrimRight(server.ToolCallURLTemplate, "/") + "/tool:" + toolName
	}
	return strings.TrimRight(server.BaseURL, "/") + "/tool:" + toolName
}

// readOnlyPrefixes and mutatingPrefixes drive safety classification by name.
var (
	readOnlyPrefixes = []string{"get_", "get", "list_", "list", "read_", "read", "search_", "search", "preview_", "preview", "fetch_", "query_"}
	mutatingPrefixes = []string{"create_", "create", "write_", "write", "edit_", "edit", "delete_", "delete", "append_", "append", "update_", "update", "move_", "rename_", "set_", "add_", "remove_", "send_", "install_", "archive_"}
)

// ClassifySafety derives a tool's safety class from its name. Unknown names
// default to read_only; mutating prefixes win over read-only ones when both
// match.
func ClassifySafety(name string) string {
	lower := strings.ToLower(name)
	for _, p := range mutatingPrefixes {
		if strings.HasPrefix(lower, p) {
			return persistence.SafetyMutating
		}
	}
	for _, p := range readOnlyPrefixes {
		if strings.HasPrefix(lower, p) {
			return persistence.SafetyReadOnly
		}
	}
	return persistence.SafetyReadOnly
}
