package transcript

import (
	"strings"
	"testing"

	"braindrive/pkg/llm"
)

func TestBuilderOrdering(t *testing.T) {
	original := []llm.Message{
		{Role: llm.RoleSystem, Content: "You are helpful."},
		{Role: llm.RoleUser, Content: "What is in my inbox?"},
	}
	b := NewBuilder(original)
	b.AddSystemPrompt("Project scope: health.")

	call := llm.ToolCall{ID: "c1", Name: "get_page", Arguments: map[string]any{"path": "inbox/captures.md"}}
	b.AppendAssistantToolCalls("", []llm.ToolCall{call})
	b.AppendToolResult(call, map[string]any{"path": "inbox/captures.md", "content": "two items"}, false)
	b.AppendAssistant("You have two items.")

	messages := b.Messages()
	if len(messages) != 6 {
		t.Fatalf("Expected 6 messages, got %d", len(messages))
	}

	// Injected prompts precede the caller's transcript.
	if messages[0].Role != llm.RoleSystem || messages[0].Content != "Project scope: health." {
		t.Errorf("Unexpected first message %+v", messages[0])
	}
	if messages[1].Content != "You are helpful." {
		t.Errorf("Original system prompt displaced: %+v", messages[1])
	}

	toolMsg := messages[4]
	if toolMsg.Role != llm.RoleTool || toolMsg.ToolCallID != "c1" || toolMsg.ToolName != "get_page" {
		t.Errorf("Unexpected tool message %+v", toolMsg)
	}
	if !strings.Contains(toolMsg.Content, "two items") {
		t.Errorf("Tool payload not serialized: %q", toolMsg.Content)
	}
	if toolMsg.IsError {
		t.Error("Success result flagged as error")
	}

	if messages[5].Content != "You have two items." {
		t.Errorf("Unexpected final message %+v", messages[5])
	}
}

func TestBuilderErrorResults(t *testing.T) {
	b := NewBuilder([]llm.Message{{Role: llm.RoleUser, Content: "hi"}})
	call := llm.ToolCall{ID: "c1", Name: "get_page"}
	b.AppendToolResult(call, map[string]any{"ok": false, "error": map[string]any{"code": "TOOL_HTTP_ERROR"}}, true)

	messages := b.Messages()
	last := messages[len(messages)-1]
	if !last.IsError {
		t.Error("Expected error flag on tool message")
	}
	if !strings.Contains(last.Content, "TOOL_HTTP_ERROR") {
		t.Errorf("Error payload not serialized: %q", last.Content)
	}
}

func TestUserMessageLookup(t *testing.T) {
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: "sys"},
		{Role: llm.RoleUser, Content: "first"},
		{Role: llm.RoleAssistant, Content: "reply"},
		{Role: llm.RoleUser, Content: "second"},
	}
	if got := FirstUserMessage(messages); got != "first" {
		t.Errorf("FirstUserMessage = %q", got)
	}
	if got := LastUserMessage(messages); got != "second" {
		t.Errorf("LastUserMessage = %q", got)
	}
	if got := LastUserMessage(nil); got != "" {
		t.Errorf("LastUserMessage(nil) = %q", got)
	}
}

func TestTokenCounting(t *testing.T) {
	tc, err := NewTokenCounter("gpt-4")
	if err != nil {
		t.Fatalf("NewTokenCounter failed: %v", err)
	}

	count := tc.CountTokens("The quick brown fox jumps over the lazy dog.")
	if count <= 0 || count > 20 {
		t.Errorf("Implausible token count %d", count)
	}

	messages := []llm.Message{
		{Role: llm.RoleUser, Content: "Summarize my notes."},
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{
			Name: "get_page", Arguments: map[string]any{"path": "notes/today.md"},
		}}},
	}
	total := tc.CountMessages(messages)
	if total <= count/2 {
		t.Errorf("Message count %d does not include tool calls", total)
	}

	// A nil counter degrades to the 4-chars-per-token estimate.
	var missing *TokenCounter
	if got := missing.CountTokens("12345678"); got != 2 {
		t.Errorf("Fallback estimate = %d, want 2", got)
	}
}
