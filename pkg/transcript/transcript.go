// Package transcript builds provider message lists for the tool loop and
// provides tiktoken-based token accounting so transcripts can be budgeted
// before they hit a provider.
package transcript

import (
	"encoding/json"
	"fmt"

	"github.com/tiktoken-go/tokenizer"

	"braindrive/pkg/llm"
)

// TokenCounter counts tokens with a tiktoken codec. All providers are
// approximated with GPT-4 encoding, which is close enough for budgeting.
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter creates a counter. The model argument is accepted for
// symmetry with provider construction; every model maps to GPT-4 encoding.
func NewTokenCounter(model string) (*TokenCounter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec for model %s: %w", model, err)
	}
	return &TokenCounter{codec: codec}, nil
}

// CountTokens returns the token count for text, falling back to a 4-chars-
// per-token estimate when the codec is unavailable.
func (tc *TokenCounter) CountTokens(text string) int {
	if tc == nil || tc.codec == nil {
		return len(text) / 4
	}
	count, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

// CountMessages returns the total token count across a transcript, including
// serialized tool calls.
func (tc *TokenCounter) CountMessages(messages []llm.Message) int {
	total := 0
	for i := range messages {
		msg := &messages[i]
		total += tc.CountTokens(msg.Content)
		for j := range msg.ToolCalls {
			args, _ := json.Marshal(msg.ToolCalls[j].Arguments)
			total += tc.CountTokens(msg.ToolCalls[j].Name) + tc.CountTokens(string(args))
		}
	}
	return total
}

// Builder accumulates the working transcript for one tool-loop turn: the
// caller's original messages, injected system prompts, and tool results
// appended across iterations.
type Builder struct {
	system   []string
	original []llm.Message
	appended []llm.Message
}

// NewBuilder starts a transcript from the caller's messages.
func NewBuilder(original []llm.Message) *Builder {
	return &Builder{original: original}
}

// AddSystemPrompt injects an additional system prompt ahead of the original
// messages. Prompts keep insertion order.
func (b *Builder) AddSystemPrompt(prompt string) {
	if prompt != "" {
		b.system = append(b.system, prompt)
	}
}

// AppendAssistantToolCalls records an assistant turn that requested tools.
func (b *Builder) AppendAssistantToolCalls(content string, calls []llm.ToolCall) {
	b.appended = append(b.appended, llm.Message{
		Role:      llm.RoleAssistant,
		Content:   content,
		ToolCalls: calls,
	})
}

// AppendToolResult records one tool execution result as a tool-role message.
// Result payloads are serialized to JSON; errors are flagged so providers
// that distinguish error results can surface them.
func (b *Builder) AppendToolResult(call llm.ToolCall, payload any, isError bool) {
	content, err := json.Marshal(payload)
	if err != nil {
		content = []byte(fmt.Sprintf("%v", payload))
	}
	b.appended = append(b.appended, llm.Message{
		Role:       llm.RoleTool,
		Content:    string(content),
		ToolCallID: call.ID,
		ToolName:   call.Name,
		IsError:    isError,
	})
}

// AppendAssistant records a plain assistant turn.
func (b *Builder) AppendAssistant(content string) {
	b.appended = append(b.appended, llm.Message{Role: llm.RoleAssistant, Content: content})
}

// Messages renders the transcript for a provider call.
func (b *Builder) Messages() []llm.Message {
	out := make([]llm.Message, 0, len(b.system)+len(b.original)+len(b.appended))
	for _, prompt := range b.system {
		out = append(out, llm.Message{Role: llm.RoleSystem, Content: prompt})
	}
	out = append(out, b.original...)
	out = append(out, b.appended...)
	return out
}

// FirstUserMessage returns the first user-role message content, or "".
func FirstUserMessage(messages []llm.Message) string {
	for i := range messages {
		if messages[i].Role == llm.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

// LastUserMessage returns the last user-role message content, or "".
func LastUserMessage(messages []llm.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == llm.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}
