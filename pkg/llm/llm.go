// Package llm defines the canonical chat types and the provider client
// interface. Provider adapters under pkg/llm/* translate these types to and
// from each provider's wire format and normalize the results.
package llm

import (
	"context"
	"strings"
)

// Role is the role of a message in a conversation.
type Role string

const (
	// RoleSystem is an instruction message.
	RoleSystem Role = "system"
	// RoleUser is a message from the human user.
	RoleUser Role = "user"
	// RoleAssistant is a message from the model.
	RoleAssistant Role = "assistant"
	// RoleTool carries the result of an executed tool call.
	RoleTool Role = "tool"
)

// ToolCall is a tool invocation requested by the model (or injected
// synthetically by the orchestrator).
type ToolCall struct {
	Arguments map[string]any `json:"arguments"`
	ID        string         `json:"id"`
	Name      string         `json:"name"`
}

// Message is one turn of a conversation transcript.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// ToolCalls is set on assistant messages that request tool execution.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a tool-role message to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
	// ToolName is the tool that produced a tool-role message.
	ToolName string `json:"tool_name,omitempty"`
	// IsError marks a tool-role message carrying an error payload.
	IsError bool `json:"is_error,omitempty"`
}

// ToolDefinition describes a callable tool offered to the provider.
// Parameters is an arbitrary JSON Schema; the core never interprets it
// structurally beyond argument validation.
type ToolDefinition struct {
	Parameters  map[string]any `json:"parameters"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
}

// ChatRequest is the canonical request accepted by every provider adapter.
//
//nolint:govet // fieldalignment: fields ordered for clarity
type ChatRequest struct {
	Messages    []Message
	Tools       []ToolDefinition
	Model       string
	MaxTokens   int
	Temperature float32
	TopP        float32
}

// Usage reports token consumption for a completed request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// ChatResponse is the canonical batch response.
type ChatResponse struct {
	ToolCalls    []ToolCall
	Content      string
	FinishReason string // normalized; see NormalizeFinishReason
	ID           string
	Usage        Usage
}

// StreamChunk is one element of a streamed response. Terminal chunks carry
// FinishReason even when Content is empty.
type StreamChunk struct {
	Err          error
	Usage        *Usage
	Content      string
	FinishReason string
	ToolCalls    []ToolCall
	Done         bool
}

// ModelInfo describes a model available from a provider.
type ModelInfo struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Digest     string `json:"digest,omitempty"`
	SizeBytes  int64  `json:"size_bytes,omitempty"`
	ModifiedAt string `json:"modified_at,omitempty"`
}

// Client is the capability set every provider adapter implements.
// Stream is cooperative: canceling ctx must abort the underlying transport.
type Client interface {
	Complete(ctx context.Context, in ChatRequest) (ChatResponse, error)
	Stream(ctx context.Context, in ChatRequest) (<-chan StreamChunk, error)
	ListModels(ctx context.Context) ([]ModelInfo, error)
	ValidateCredentials(ctx context.Context) error
	ModelName() string
}

// NormalizeFinishReason collapses provider-specific finish reasons into the
// canonical set. Unknown reasons pass through lowercased.
func NormalizeFinishReason(raw string) string {
	switch strings.ToLower(raw) {
	case "length", "max_tokens", "token_limit":
		return "length"
	case "stop", "eos", "end_turn":
		return "stop"
	default:
		return strings.ToLower(raw)
	}
}

// FallbackStream adapts a batch Complete call into the streaming contract.
// Used by adapters whose transport has no incremental mode worth exposing:
// the full response arrives as one content chunk followed by a terminal
// chunk carrying the finish reason.
func FallbackStream(ctx context.Context, c Client, in ChatRequest) (<-chan StreamChunk, error) {
	ch := make(chan StreamChunk, 2)
	go func() {
		defer close(ch)
		resp, err := c.Complete(ctx, in)
		if err != nil {
			ch <- StreamChunk{Err: err, Done: true}
			return
		}
		if resp.Content != "" {
			select {
			case ch <- StreamChunk{Content: resp.Content}:
			case <-ctx.Done():
				ch <- StreamChunk{Err: ctx.Err(), Done: true}
				return
			}
		}
		usage := resp.Usage
		ch <- StreamChunk{
			ToolCalls:    resp.ToolCalls,
			FinishReason: resp.FinishReason,
			Usage:        &usage,
			Done:         true,
		}
	}()
	return ch, nil
}
