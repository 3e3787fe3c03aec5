// Package ollama provides the Ollama adapter for the canonical llm.Client
// interface. Ollama is the only adapter with true incremental streaming; the
// server emits chat chunks over a single HTTP response.
package ollama

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"braindrive/pkg/llm"
	"braindrive/pkg/llmerrors"
)

// Client wraps the Ollama API client.
type Client struct {
	client  *api.Client
	model   string
	hostURL string
}

// New creates a new Ollama adapter. hostURL is the Ollama server URL
// (e.g. "http://localhost:11434").
func New(hostURL, model string) *Client {
	parsedURL, err := url.Parse(hostURL)
	if err != nil {
		parsedURL, _ = url.Parse("http://localhost:11434")
	}
	return &Client{
		client:  api.NewClient(parsedURL, http.DefaultClient),
		model:   model,
		hostURL: hostURL,
	}
}

// API exposes the underlying Ollama client for callers that need the raw
// surface (the model install handler uses Pull/Show/List directly).
func (o *Client) API() *api.Client {
	return o.client
}

// Complete implements llm.Client.
func (o *Client) Complete(ctx context.Context, in llm.ChatRequest) (llm.ChatResponse, error) {
	req, err := o.buildRequest(in, false)
	if err != nil {
		return llm.ChatResponse{}, err
	}

	var response api.ChatResponse
	err = o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		response = resp
		return nil
	})
	if err != nil {
		return llm.ChatResponse{}, classifyError(err)
	}

	return llm.ChatResponse{
		Content:      response.Message.Content,
		ToolCalls:    convertToolCallsFromOllama(response.Message.ToolCalls),
		FinishReason: llm.NormalizeFinishReason(doneReason(&response)),
		Usage: llm.Usage{
			PromptTokens:     response.Metrics.PromptEvalCount,
			CompletionTokens: response.Metrics.EvalCount,
		},
	}, nil
}

// Stream implements llm.Client. Chunks are pumped from the server callback
// into the returned channel; canceling ctx aborts the underlying HTTP
// request promptly.
func (o *Client) Stream(ctx context.Context, in llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	req, err := o.buildRequest(in, true)
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.StreamChunk)
	go func() {
		defer close(ch)
		err := o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
			chunk := llm.StreamChunk{
				Content:   resp.Message.Content,
				ToolCalls: convertToolCallsFromOllama(resp.Message.ToolCalls),
			}
			if resp.Done {
				usage := llm.Usage{
					PromptTokens:     resp.Metrics.PromptEvalCount,
					CompletionTokens: resp.Metrics.EvalCount,
				}
				chunk.Done = true
				chunk.Usage = &usage
				chunk.FinishReason = llm.NormalizeFinishReason(doneReason(&resp))
			}
			select {
			case ch <- chunk:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil && ctx.Err() == nil {
			ch <- llm.StreamChunk{Err: classifyError(err), Done: true}
		}
	}()
	return ch, nil
}

// ListModels implements llm.Client.
func (o *Client) ListModels(ctx context.Context) ([]llm.ModelInfo, error) {
	resp, err := o.client.List(ctx)
	if err != nil {
		return nil, classifyError(err)
	}
	models := make([]llm.ModelInfo, 0, len(resp.Models))
	for i := range resp.Models {
		m := &resp.Models[i]
		models = append(models, llm.ModelInfo{
			ID:         m.Name,
			Name:       m.Name,
			Digest:     m.Digest,
			SizeBytes:  m.Size,
			ModifiedAt: m.ModifiedAt.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	return models, nil
}

// ValidateCredentials implements llm.Client. Ollama has no credentials; this
// verifies the server is reachable.
func (o *Client) ValidateCredentials(ctx context.Context) error {
	if err := o.client.Heartbeat(ctx); err != nil {
		return classifyError(err)
	}
	return nil
}

// ModelName implements llm.Client.
func (o *Client) ModelName() string {
	return o.model
}

func (o *Client) buildRequest(in llm.ChatRequest, stream bool) (*api.ChatRequest, error) {
	messages, err := convertMessagesToOllama(in.Messages)
	if err != nil {
		return nil, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, fmt.Sprintf("message conversion error: %v", err))
	}

	model := o.model
	if in.Model != "" {
		model = in.Model
	}
	req := &api.ChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": in.Temperature,
			"num_predict": in.MaxTokens,
		},
	}
	if len(in.Tools) > 0 {
		req.Tools = convertToolsToOllama(in.Tools)
	}
	return req, nil
}

// convertMessagesToOllama converts canonical messages to Ollama's format.
// Tool-role messages map directly; Ollama supports them natively.
func convertMessagesToOllama(messages []llm.Message) ([]api.Message, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("message list cannot be empty")
	}

	result := make([]api.Message, 0, len(messages))
	for i := range messages {
		msg := &messages[i]
		ollamaMsg := api.Message{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
		if msg.Role == llm.RoleTool {
			ollamaMsg.ToolCallID = msg.ToolCallID
		}
		if len(msg.ToolCalls) > 0 {
			ollamaMsg.ToolCalls = make([]api.ToolCall, len(msg.ToolCalls))
			for j := range msg.ToolCalls {
				tc := &msg.ToolCalls[j]
				args := api.NewToolCallFunctionArguments()
				for k, v := range tc.Arguments {
					args.Set(k, v)
				}
				ollamaMsg.ToolCalls[j] = api.ToolCall{
					ID: tc.ID,
					Function: api.ToolCallFunction{
						Name:      tc.Name,
						Arguments: args,
					},
				}
			}
		}
		result = append(result, ollamaMsg)
	}
	return result, nil
}

// convertToolsToOllama converts canonical tool definitions to Ollama's typed
// tool format. The JSON-Schema parameters map is projected onto the fields
// Ollama models understand.
func convertToolsToOllama(toolDefs []llm.ToolDefinition) api.Tools {
	ollamaTools := make(api.Tools, len(toolDefs))
	for i := range toolDefs {
		td := &toolDefs[i]
		properties, required := llm.SchemaParts(td.Parameters)

		props := api.NewToolPropertiesMap()
		for name, raw := range properties {
			propMap, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			props.Set(name, convertPropertyToOllama(propMap))
		}

		ollamaTools[i] = api.Tool{
			Type: "function",
			Function: api.ToolFunction{
				Name:        td.Name,
				Description: td.Description,
				Parameters: api.ToolFunctionParameters{
					Type:       "object",
					Properties: props,
					Required:   required,
				},
			},
		}
	}
	return ollamaTools
}

func convertPropertyToOllama(propMap map[string]any) api.ToolProperty {
	prop := api.ToolProperty{}
	if t, ok := propMap["type"].(string); ok {
		prop.Type = api.PropertyType{t}
	}
	if d, ok := propMap["description"].(string); ok {
		prop.Description = d
	}
	if enum, ok := propMap["enum"].([]any); ok {
		prop.Enum = enum
	}
	if items, ok := propMap["items"]; ok {
		prop.Items = items
	}
	return prop
}

// convertToolCallsFromOllama extracts tool calls from an Ollama response.
func convertToolCallsFromOllama(calls []api.ToolCall) []llm.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	result := make([]llm.ToolCall, len(calls))
	for i := range calls {
		call := &calls[i]
		id := call.ID
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		result[i] = llm.ToolCall{
			ID:        id,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments.ToMap(),
		}
	}
	return result
}

// doneReason converts Ollama's done_reason to a raw finish reason.
func doneReason(resp *api.ChatResponse) string {
	if !resp.Done {
		return "incomplete"
	}
	switch resp.DoneReason {
	case "stop", "":
		return "end_turn"
	case "length":
		return "max_tokens"
	default:
		return resp.DoneReason
	}
}

// classifyError converts Ollama errors to structured error types.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "connection refused"):
		return llmerrors.NewError(llmerrors.ErrorTypeTransient, fmt.Sprintf("Ollama server not reachable: %v", err))
	case strings.Contains(errStr, "model") && strings.Contains(errStr, "not found"):
		return llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, fmt.Sprintf("Ollama model not found: %v", err))
	case strings.Contains(errStr, "context deadline exceeded"):
		return llmerrors.NewError(llmerrors.ErrorTypeTimeout, fmt.Sprintf("request timeout: %v", err))
	case strings.Contains(errStr, "context canceled"):
		return llmerrors.NewError(llmerrors.ErrorTypeTransient, fmt.Sprintf("request canceled: %v", err))
	default:
		return llmerrors.NewError(llmerrors.ErrorTypeUnknown, fmt.Sprintf("Ollama API error: %v", err))
	}
}
