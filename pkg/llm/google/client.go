// Package google provides the Google Gemini adapter for the canonical
// llm.Client interface.
package google

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"braindrive/pkg/llm"
	"braindrive/pkg/llmerrors"
)

// Client wraps the Google GenAI client.
type Client struct {
	client *genai.Client
	apiKey string
	model  string
}

// New creates a new Gemini adapter. The underlying client is created lazily
// because genai.NewClient requires a context.
func New(apiKey, model string) *Client {
	return &Client{apiKey: apiKey, model: model}
}

func (g *Client) ensureClient(ctx context.Context) error {
	if g.client != nil {
		return nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  g.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeAuth, err, "failed to create Gemini client")
	}
	g.client = client
	return nil
}

// Complete implements llm.Client.
func (g *Client) Complete(ctx context.Context, in llm.ChatRequest) (llm.ChatResponse, error) {
	if err := g.ensureClient(ctx); err != nil {
		return llm.ChatResponse{}, err
	}

	contents, systemInstruction, err := convertMessagesToGemini(in.Messages)
	if err != nil {
		return llm.ChatResponse{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, fmt.Sprintf("message conversion error: %v", err))
	}

	//nolint:gosec // MaxTokens validated at higher layer, overflow acceptable
	maxTokens := int32(in.MaxTokens)
	temperature := in.Temperature
	config := &genai.GenerateContentConfig{
		Temperature:     &temperature,
		MaxOutputTokens: maxTokens,
	}
	if systemInstruction != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemInstruction}},
		}
	}
	if len(in.Tools) > 0 {
		config.Tools = []*genai.Tool{
			{FunctionDeclarations: convertToolsToGemini(in.Tools)},
		}
	}

	model := g.model
	if in.Model != "" {
		model = in.Model
	}
	result, err := g.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return llm.ChatResponse{}, classifyError(err)
	}
	if result == nil {
		return llm.ChatResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "empty response from Gemini API")
	}

	resp := llm.ChatResponse{
		Content:      result.Text(),
		FinishReason: llm.NormalizeFinishReason(finishReason(result)),
	}
	if result.UsageMetadata != nil {
		resp.Usage = llm.Usage{
			PromptTokens:     int(result.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(result.UsageMetadata.CandidatesTokenCount),
		}
	}
	if functionCalls := result.FunctionCalls(); len(functionCalls) > 0 {
		resp.ToolCalls = convertFunctionCallsFromGemini(functionCalls)
	}
	return resp, nil
}

// Stream implements llm.Client by adapting Complete; ctx cancellation aborts
// the underlying transport.
func (g *Client) Stream(ctx context.Context, in llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	return llm.FallbackStream(ctx, g, in)
}

// ListModels implements llm.Client.
func (g *Client) ListModels(ctx context.Context) ([]llm.ModelInfo, error) {
	if err := g.ensureClient(ctx); err != nil {
		return nil, err
	}
	page, err := g.client.Models.List(ctx, &genai.ListModelsConfig{})
	if err != nil {
		return nil, classifyError(err)
	}
	models := make([]llm.ModelInfo, 0, len(page.Items))
	for _, m := range page.Items {
		models = append(models, llm.ModelInfo{ID: m.Name, Name: m.DisplayName})
	}
	return models, nil
}

// ValidateCredentials implements llm.Client.
func (g *Client) ValidateCredentials(ctx context.Context) error {
	if _, err := g.ListModels(ctx); err != nil {
		return fmt.Errorf("gemini credential check failed: %w", err)
	}
	return nil
}

// ModelName implements llm.Client.
func (g *Client) ModelName() string {
	return g.model
}

// convertMessagesToGemini converts canonical messages to Gemini's Content
// format. Returns the contents array and an optional system instruction.
func convertMessagesToGemini(messages []llm.Message) ([]*genai.Content, string, error) {
	if len(messages) == 0 {
		return nil, "", fmt.Errorf("message list cannot be empty")
	}

	var systemInstruction string
	var contents []*genai.Content
	for i := range messages {
		msg := &messages[i]

		if msg.Role == llm.RoleSystem {
			if systemInstruction != "" {
				systemInstruction += "\n\n" + msg.Content
			} else {
				systemInstruction = msg.Content
			}
			continue
		}

		var role string
		var parts []*genai.Part
		switch msg.Role {
		case llm.RoleUser:
			role = "user"
			parts = append(parts, &genai.Part{Text: msg.Content})
		case llm.RoleAssistant:
			role = "model" // Gemini uses "model" instead of "assistant"
			if msg.Content != "" {
				parts = append(parts, &genai.Part{Text: msg.Content})
			}
			for j := range msg.ToolCalls {
				tc := &msg.ToolCalls[j]
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{
						ID:   tc.ID,
						Name: tc.Name,
						Args: tc.Arguments,
					},
				})
			}
		case llm.RoleTool:
			// Gemini matches function responses by name, not by call id.
			role = "user"
			name := msg.ToolName
			if name == "" {
				name = msg.ToolCallID
			}
			parts = append(parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name: name,
					Response: map[string]any{
						"content":  msg.Content,
						"is_error": msg.IsError,
					},
				},
			})
		default:
			return nil, "", fmt.Errorf("unsupported message role: %s", msg.Role)
		}

		if len(parts) > 0 {
			contents = append(contents, &genai.Content{Role: role, Parts: parts})
		}
	}

	return contents, systemInstruction, nil
}

// convertToolsToGemini converts canonical tool definitions to Gemini
// function declarations.
func convertToolsToGemini(toolDefs []llm.ToolDefinition) []*genai.FunctionDeclaration {
	declarations := make([]*genai.FunctionDeclaration, len(toolDefs))
	for i := range toolDefs {
		tool := &toolDefs[i]
		properties, required := llm.SchemaParts(tool.Parameters)

		schemas := make(map[string]*genai.Schema, len(properties))
		for name, raw := range properties {
			propMap, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			schemas[name] = convertPropertyToGeminiSchema(propMap)
		}

		declarations[i] = &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters: &genai.Schema{
				Type:       genai.TypeObject,
				Properties: schemas,
				Required:   required,
			},
		}
	}
	return declarations
}

// convertPropertyToGeminiSchema recursively converts a JSON-Schema property
// map to Gemini's typed schema.
func convertPropertyToGeminiSchema(propMap map[string]any) *genai.Schema {
	schema := &genai.Schema{}
	if d, ok := propMap["description"].(string); ok {
		schema.Description = d
	}

	propType, _ := propMap["type"].(string)
	switch propType {
	case "string":
		schema.Type = genai.TypeString
	case "number":
		schema.Type = genai.TypeNumber
	case "integer":
		schema.Type = genai.TypeInteger
	case "boolean":
		schema.Type = genai.TypeBoolean
	case "array":
		schema.Type = genai.TypeArray
		if items, ok := propMap["items"].(map[string]any); ok {
			schema.Items = convertPropertyToGeminiSchema(items)
		}
	case "object":
		schema.Type = genai.TypeObject
		if props, ok := propMap["properties"].(map[string]any); ok {
			properties := make(map[string]*genai.Schema, len(props))
			for name, raw := range props {
				if childMap, ok := raw.(map[string]any); ok {
					properties[name] = convertPropertyToGeminiSchema(childMap)
				}
			}
			schema.Properties = properties
		}
	default:
		schema.Type = genai.TypeString
	}

	if enum, ok := propMap["enum"].([]any); ok && len(enum) > 0 {
		values := make([]string, 0, len(enum))
		for _, v := range enum {
			if s, ok := v.(string); ok {
				values = append(values, s)
			}
		}
		schema.Enum = values
	}

	return schema
}

// convertFunctionCallsFromGemini converts Gemini function calls to the
// canonical format. Gemini does not always provide call ids; the function
// name stands in so responses can be matched back.
func convertFunctionCallsFromGemini(calls []*genai.FunctionCall) []llm.ToolCall {
	toolCalls := make([]llm.ToolCall, len(calls))
	for i := range calls {
		call := calls[i]
		id := call.ID
		if id == "" {
			id = call.Name
		}
		toolCalls[i] = llm.ToolCall{
			ID:        id,
			Name:      call.Name,
			Arguments: call.Args,
		}
	}
	return toolCalls
}

func finishReason(result *genai.GenerateContentResponse) string {
	if len(result.Candidates) == 0 {
		return "stop"
	}
	return string(result.Candidates[0].FinishReason)
}

// classifyError maps GenAI SDK errors to structured error types.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "429"), strings.Contains(lower, "quota"), strings.Contains(lower, "rate"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeRateLimit, err, "rate limiting detected")
	case strings.Contains(lower, "401"), strings.Contains(lower, "403"), strings.Contains(lower, "api key"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeAuth, err, "authentication error")
	case strings.Contains(lower, "context deadline exceeded"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTimeout, err, "request timeout")
	case strings.Contains(lower, "500"), strings.Contains(lower, "503"), strings.Contains(lower, "unavailable"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "server error")
	default:
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeUnknown, err, "Gemini API call failed")
	}
}
