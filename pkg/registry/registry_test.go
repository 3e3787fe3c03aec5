package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"braindrive/pkg/clock"
	"braindrive/pkg/config"
	"braindrive/pkg/persistence"
)

func newTestRegistry(t *testing.T) (*Registry, *persistence.Store) {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "registry_test")
	require.NoError(t, err)

	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store, err := persistence.Open(filepath.Join(tempDir, "test.db"), clk)
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
		os.RemoveAll(tempDir)
	})

	return New(store, clk, config.DefaultConfig().ToolLoop, "svc-token"), store
}

func registerServer(t *testing.T, store *persistence.Store, id, userID, baseURL string) {
	t.Helper()
	err := store.UpsertMCPServer(context.Background(), &persistence.MCPServer{
		ID:       id,
		UserID:   userID,
		BaseURL:  baseURL,
		ToolsURL: baseURL + "/tools",
		Status:   "ok",
	})
	require.NoError(t, err)
}

func TestSyncParsesBothDescriptorShapes(t *testing.T) {
	wrapped := `{"tools":[{"type":"function","function":{"name":"get_page","description":"Read a page","parameters":{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}}}]}`
	bare := `[{"name":"create_page","description":"Create a page","parameters":{"type":"object"}}]`

	for name, body := range map[string]string{"Wrapped": wrapped, "BareArray": bare} {
		t.Run(name, func(t *testing.T) {
			reg, store := newTestRegistry(t)
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(body))
			}))
			defer upstream.Close()
			registerServer(t, store, "s-1", "u1", upstream.URL)

			summary, err := reg.Sync(context.Background(), "u1")
			require.NoError(t, err)
			assert.Equal(t, 1, summary.Servers)
			assert.Equal(t, 1, summary.ToolsUpserted)
			assert.Empty(t, summary.Errors)

			tools, err := store.ListTools(context.Background(), "s-1")
			require.NoError(t, err)
			require.Len(t, tools, 1)
			assert.Equal(t, 1, tools[0].Version)
			assert.True(t, tools[0].Enabled)
		})
	}
}

func TestSyncBumpsVersionOnSchemaChange(t *testing.T) {
	reg, store := newTestRegistry(t)

	schema := `{"type":"object","properties":{"path":{"type":"string"}}}`
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"name":"get_page","parameters":` + schema + `}]`))
	}))
	defer upstream.Close()
	registerServer(t, store, "s-1", "u1", upstream.URL)

	ctx := context.Background()
	_, err := reg.Sync(ctx, "u1")
	require.NoError(t, err)

	// Same schema again: version stays.
	_, err = reg.Sync(ctx, "u1")
	require.NoError(t, err)
	tool, err := store.GetTool(ctx, "s-1", "get_page")
	require.NoError(t, err)
	assert.Equal(t, 1, tool.Version)

	// Changed schema: version bumps.
	schema = `{"type":"object","properties":{"path":{"type":"string"},"depth":{"type":"integer"}}}`
	_, err = reg.Sync(ctx, "u1")
	require.NoError(t, err)
	tool, err = store.GetTool(ctx, "s-1", "get_page")
	require.NoError(t, err)
	assert.Equal(t, 2, tool.Version)
}

func TestSyncMarksMissingToolsStale(t *testing.T) {
	reg, store := newTestRegistry(t)

	body := `[{"name":"get_page","parameters":{}},{"name":"list_pages","parameters":{}}]`
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer upstream.Close()
	registerServer(t, store, "s-1", "u1", upstream.URL)

	ctx := context.Background()
	_, err := reg.Sync(ctx, "u1")
	require.NoError(t, err)

	body = `[{"name":"get_page","parameters":{}}]`
	summary, err := reg.Sync(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.ToolsStale)

	gone, err := store.GetTool(ctx, "s-1", "list_pages")
	require.NoError(t, err)
	assert.True(t, gone.Stale)
	assert.False(t, gone.Enabled)

	// Stale tools stop resolving.
	resolved, err := reg.Resolve(ctx, "u1", "list_pages")
	require.NoError(t, err)
	assert.Nil(t, resolved)
	resolved, err = reg.Resolve(ctx, "u1", "get_page")
	require.NoError(t, err)
	require.NotNil(t, resolved)
}

func TestSyncRecordsServerErrors(t *testing.T) {
	reg, store := newTestRegistry(t)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer upstream.Close()
	registerServer(t, store, "s-bad", "u1", upstream.URL)

	summary, err := reg.Sync(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, summary.Errors, 1)

	server, err := store.GetMCPServer(context.Background(), "s-bad")
	require.NoError(t, err)
	assert.Equal(t, "error", server.Status)
	assert.NotEmpty(t, server.LastError)
}

func TestInvoke(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()

	var gotPath, gotUser, gotToken string
	var gotBody map[string]any
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUser = r.Header.Get("X-BrainDrive-User-Id")
		gotToken = r.Header.Get("X-BrainDrive-Service-Token")
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{"path": "notes/today.md", "content": "hello"})
	}))
	defer upstream.Close()
	registerServer(t, store, "s-1", "u1", upstream.URL)

	tool := &persistence.Tool{
		ServerID:    "s-1",
		Name:        "get_page",
		Parameters:  `{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`,
		SafetyClass: persistence.SafetyReadOnly,
	}
	require.NoError(t, store.UpsertTool(ctx, tool))

	t.Run("Success", func(t *testing.T) {
		result := reg.Invoke(ctx, tool, map[string]any{"path": "notes/today.md"}, "u1", "req-1")
		require.True(t, result.OK)
		assert.Equal(t, "/tool:get_page", gotPath)
		assert.Equal(t, "u1", gotUser)
		assert.Equal(t, "svc-token", gotToken)
		assert.Equal(t, "notes/today.md", gotBody["path"])
		data, ok := result.Data.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "hello", data["content"])
	})

	t.Run("SchemaViolation", func(t *testing.T) {
		result := reg.Invoke(ctx, tool, map[string]any{"wrong": true}, "u1", "req-2")
		require.False(t, result.OK)
		assert.Equal(t, CodeToolArgumentsInvalid, result.Error.Code)
	})

	t.Run("HTTPError", func(t *testing.T) {
		failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusForbidden)
		}))
		defer failing.Close()
		registerServer(t, store, "s-fail", "u1", failing.URL)
		failTool := &persistence.Tool{ServerID: "s-fail", Name: "get_x", Parameters: "{}"}

		result := reg.Invoke(ctx, failTool, map[string]any{}, "u1", "req-3")
		require.False(t, result.OK)
		assert.Equal(t, CodeToolHTTPError, result.Error.Code)
		assert.Equal(t, http.StatusForbidden, result.HTTPStatus)
	})

	t.Run("NonJSONBodyPassesAsText", func(t *testing.T) {
		texty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("plain text result"))
		}))
		defer texty.Close()
		registerServer(t, store, "s-text", "u1", texty.URL)
		textTool := &persistence.Tool{ServerID: "s-text", Name: "get_y", Parameters: "{}"}

		result := reg.Invoke(ctx, textTool, map[string]any{}, "u1", "req-4")
		require.True(t, result.OK)
		assert.Equal(t, "plain text result", result.Data)
	})
}

func TestBuildToolCallURL(t *testing.T) {
	templated := &persistence.MCPServer{ToolCallURLTemplate: "http://h/call/{name}"}
	assert.Equal(t, "http://h/call/get_page", buildToolCallURL(templated, "get_page"))

	prefixed := &persistence.MCPServer{ToolCallURLTemplate: "http://h/api/"}
	assert.Equal(t, "http://h/api/tool:get_page", buildToolCallURL(prefixed, "get_page"))

	bare := &persistence.MCPServer{BaseURL: "http://h/"}
	assert.Equal(t, "http://h/tool:get_page", buildToolCallURL(bare, "get_page"))
}

func TestClassifySafety(t *testing.T) {
	cases := map[string]string{
		"get_page":          persistence.SafetyReadOnly,
		"list_pages":        persistence.SafetyReadOnly,
		"search_notes":      persistence.SafetyReadOnly,
		"preview_markdown":  persistence.SafetyReadOnly,
		"fetch_url":         persistence.SafetyReadOnly,
		"create_project":    persistence.SafetyMutating,
		"append_markdown":   persistence.SafetyMutating,
		"delete_page":       persistence.SafetyMutating,
		"move_page":         persistence.SafetyMutating,
		"send_notification": persistence.SafetyMutating,
		"install_plugin":    persistence.SafetyMutating,
		"unknown_thing":     persistence.SafetyReadOnly,
	}
	for name, want := range cases {
		assert.Equal(t, want, ClassifySafety(name), "tool %s", name)
	}
}

func TestComputeSourceHashIsKeyOrderStable(t *testing.T) {
	a := map[string]any{"type": "object", "properties": map[string]any{"a": 1, "b": 2}}
	b := map[string]any{"properties": map[string]any{"b": 2, "a": 1}, "type": "object"}

	hashA, err := ComputeSourceHash(a)
	require.NoError(t, err)
	hashB, err := ComputeSourceHash(b)
	require.NoError(t, err)
	assert.Equal(t, hashA, hashB)

	c := map[string]any{"type": "object", "properties": map[string]any{"a": 1}}
	hashC, err := ComputeSourceHash(c)
	require.NoError(t, err)
	assert.NotEqual(t, hashA, hashC)
}

func TestValidateArguments(t *testing.T) {
	schema := `{"type":"object","properties":{"path":{"type":"string"},"depth":{"type":"integer"}},"required":["path"]}`

	assert.NoError(t, ValidateArguments(schema, map[string]any{"path": "x.md"}))
	assert.NoError(t, ValidateArguments(schema, map[string]any{"path": "x.md", "depth": 2}))
	assert.Error(t, ValidateArguments(schema, map[string]any{}))
	assert.Error(t, ValidateArguments(schema, map[string]any{"path": 7}))
	assert.NoError(t, ValidateArguments("", map[string]any{"anything": true}))
	assert.NoError(t, ValidateArguments("{}", nil))
}

func TestSelectForPromptBudgets(t *testing.T) {
	cfg := config.DefaultConfig().ToolLoop
	cfg.MaxTools = 2

	tempDir, err := os.MkdirTemp("", "registry_test")
	require.NoError(t, err)
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store, err := persistence.Open(filepath.Join(tempDir, "test.db"), clk)
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
		os.RemoveAll(tempDir)
	})
	reg := New(store, clk, cfg, "")

	ctx := context.Background()
	registerServer(t, store, "s-1", "u1", "http://unused")
	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, store.UpsertTool(ctx, &persistence.Tool{
			ServerID: "s-1", Name: name, Parameters: "{}", SafetyClass: persistence.SafetyReadOnly,
			Enabled: true, Version: 1,
		}))
	}

	selected, err := reg.SelectForPrompt(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, selected, 2)
	// Deterministic name order, cut at the count budget.
	assert.Equal(t, "alpha", selected[0].Name)
	assert.Equal(t, "mid", selected[1].Name)
}
