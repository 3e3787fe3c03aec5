// Package openai provides the OpenAI adapter for the canonical llm.Client
// interface, built on the official openai-go package's Responses API.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"braindrive/pkg/llm"
	"braindrive/pkg/llmerrors"
)

// Client wraps the official OpenAI Go client.
type Client struct {
	client openai.Client
	model  string
}

// New creates a new OpenAI adapter for the given model.
func New(apiKey, model string) *Client {
	return &Client{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// renderInput folds the transcript into a single input string for the
// Responses API. Tool results are rendered inline so the model sees the
// full call/result history.
func renderInput(messages []llm.Message) string {
	var b strings.Builder
	for i := range messages {
		msg := &messages[i]
		switch msg.Role {
		case llm.RoleSystem:
			fmt.Fprintf(&b, "System: %s\n\n", msg.Content)
		case llm.RoleUser:
			b.WriteString(msg.Content)
			b.WriteString("\n\n")
		case llm.RoleAssistant:
			fmt.Fprintf(&b, "Assistant: %s\n", msg.Content)
			for j := range msg.ToolCalls {
				tc := &msg.ToolCalls[j]
				args, _ := json.Marshal(tc.Arguments)
				fmt.Fprintf(&b, "[tool call %s: %s(%s)]\n", tc.ID, tc.Name, args)
			}
			b.WriteString("\n")
		case llm.RoleTool:
			fmt.Fprintf(&b, "[tool result %s (%s)]\n%s\n\n", msg.ToolCallID, msg.ToolName, msg.Content)
		}
	}
	return b.String()
}

// Complete implements llm.Client.
func (c *Client) Complete(ctx context.Context, in llm.ChatRequest) (llm.ChatResponse, error) {
	model := c.model
	if in.Model != "" {
		model = in.Model
	}

	params := responses.ResponseNewParams{
		Model:           model,
		MaxOutputTokens: openai.Int(int64(in.MaxTokens)),
		Input:           responses.ResponseNewParamsInputUnion{OfString: openai.String(renderInput(in.Messages))},
	}

	if len(in.Tools) > 0 {
		tools := make([]responses.ToolUnionParam, len(in.Tools))
		for i := range in.Tools {
			tool := &in.Tools[i]
			properties, required := llm.SchemaParts(tool.Parameters)
			tools[i] = responses.ToolUnionParam{
				OfFunction: &responses.FunctionToolParam{
					Name:        tool.Name,
					Description: openai.String(tool.Description),
					Parameters: openai.FunctionParameters(map[string]any{
						"type":       "object",
						"properties": properties,
						"required":   required,
					}),
				},
			}
		}
		params.Tools = tools
	}

	resp, err := c.client.Responses.New(ctx, params)
	if err != nil {
		return llm.ChatResponse{}, classifyError(err)
	}
	if resp == nil {
		return llm.ChatResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "empty response from OpenAI Responses API")
	}

	var toolCalls []llm.ToolCall
	for i := range resp.Output {
		item := &resp.Output[i]
		if item.Type != "function_call" {
			continue
		}
		funcItem := item.AsFunctionCall()
		var args map[string]any
		if funcItem.Arguments != "" {
			if err := json.Unmarshal([]byte(funcItem.Arguments), &args); err != nil {
				continue
			}
		}
		toolCalls = append(toolCalls, llm.ToolCall{
			ID:        funcItem.ID,
			Name:      funcItem.Name,
			Arguments: args,
		})
	}

	finishReason := "stop"
	if resp.IncompleteDetails.Reason == "max_output_tokens" {
		finishReason = "max_tokens"
	}

	return llm.ChatResponse{
		ID:           resp.ID,
		Content:      resp.OutputText(),
		ToolCalls:    toolCalls,
		FinishReason: llm.NormalizeFinishReason(finishReason),
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
		},
	}, nil
}

// Stream implements llm.Client by adapting Complete; ctx cancellation aborts
// the underlying transport.
func (c *Client) Stream(ctx context.Context, in llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	return llm.FallbackStream(ctx, c, in)
}

// ListModels implements llm.Client.
func (c *Client) ListModels(ctx context.Context) ([]llm.ModelInfo, error) {
	page, err := c.client.Models.List(ctx)
	if err != nil {
		return nil, classifyError(err)
	}
	models := make([]llm.ModelInfo, 0, len(page.Data))
	for i := range page.Data {
		models = append(models, llm.ModelInfo{ID: page.Data[i].ID, Name: page.Data[i].ID})
	}
	return models, nil
}

// ValidateCredentials implements llm.Client.
func (c *Client) ValidateCredentials(ctx context.Context) error {
	if _, err := c.ListModels(ctx); err != nil {
		return fmt.Errorf("openai credential check failed: %w", err)
	}
	return nil
}

// ModelName implements llm.Client.
func (c *Client) ModelName() string {
	return c.model
}

// classifyError maps OpenAI SDK errors to structured error types.
func classifyError(err error) *llmerrors.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTimeout, err, "request timeout")
	}
	if errors.Is(err, context.Canceled) {
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "request canceled")
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 401, 403:
			return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeAuth, apiErr.StatusCode, "authentication failed - check API key")
		case 429:
			return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeRateLimit, apiErr.StatusCode, "rate limit exceeded")
		case 400:
			return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeBadPrompt, apiErr.StatusCode, "bad request")
		}
		if apiErr.StatusCode >= 500 {
			return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeTransient, apiErr.StatusCode, "server error")
		}
	}

	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "connection"), strings.Contains(lower, "reset"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "network or connection error")
	case strings.Contains(lower, "rate"), strings.Contains(lower, "quota"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeRateLimit, err, "rate limiting detected")
	}
	return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeUnknown, err, "unclassified error")
}
