package llm

import (
	"context"
	"fmt"
	"reflect"
	"testing"
)

func TestNormalizeFinishReason(t *testing.T) {
	cases := map[string]string{
		"stop":       "stop",
		"STOP":       "stop",
		"end_turn":   "stop",
		"eos":        "stop",
		"length":     "length",
		"max_tokens": "length",
		"MAX_TOKENS": "length",
		"tool_use":   "tool_use",
		"":           "",
	}
	for in, want := range cases {
		if got := NormalizeFinishReason(in); got != want {
			t.Errorf("NormalizeFinishReason(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSchemaParts(t *testing.T) {
	t.Run("Nil", func(t *testing.T) {
		props, required := SchemaParts(nil)
		if len(props) != 0 || required != nil {
			t.Errorf("Expected empty parts, got %v %v", props, required)
		}
	})

	t.Run("DecodedJSON", func(t *testing.T) {
		// required decoded from JSON arrives as []any.
		props, required := SchemaParts(map[string]any{
			"type":       "object",
			"properties": map[string]any{"path": map[string]any{"type": "string"}},
			"required":   []any{"path", 7, "name"},
		})
		if _, ok := props["path"]; !ok {
			t.Errorf("Expected path property, got %v", props)
		}
		if !reflect.DeepEqual(required, []string{"path", "name"}) {
			t.Errorf("Expected non-strings dropped, got %v", required)
		}
	})

	t.Run("TypedRequired", func(t *testing.T) {
		_, required := SchemaParts(map[string]any{"required": []string{"a"}})
		if !reflect.DeepEqual(required, []string{"a"}) {
			t.Errorf("Expected [a], got %v", required)
		}
	})
}

// stubClient drives FallbackStream with a canned batch response.
type stubClient struct {
	resp ChatResponse
	err  error
}

func (s *stubClient) Complete(context.Context, ChatRequest) (ChatResponse, error) {
	return s.resp, s.err
}

func (s *stubClient) Stream(ctx context.Context, in ChatRequest) (<-chan StreamChunk, error) {
	return FallbackStream(ctx, s, in)
}

func (s *stubClient) ListModels(context.Context) ([]ModelInfo, error) { return nil, nil }
func (s *stubClient) ValidateCredentials(context.Context) error       { return nil }
func (s *stubClient) ModelName() string                               { return "stub" }

func TestFallbackStream(t *testing.T) {
	t.Run("ContentThenTerminal", func(t *testing.T) {
		client := &stubClient{resp: ChatResponse{
			Content:      "hello",
			FinishReason: "stop",
			Usage:        Usage{PromptTokens: 10, CompletionTokens: 2},
		}}

		ch, err := client.Stream(context.Background(), ChatRequest{})
		if err != nil {
			t.Fatalf("Stream failed: %v", err)
		}

		var chunks []StreamChunk
		for chunk := range ch {
			chunks = append(chunks, chunk)
		}
		if len(chunks) != 2 {
			t.Fatalf("Expected 2 chunks, got %d", len(chunks))
		}
		if chunks[0].Content != "hello" || chunks[0].Done {
			t.Errorf("Unexpected content chunk %+v", chunks[0])
		}
		terminal := chunks[1]
		if !terminal.Done || terminal.FinishReason != "stop" {
			t.Errorf("Unexpected terminal chunk %+v", terminal)
		}
		if terminal.Usage == nil || terminal.Usage.PromptTokens != 10 {
			t.Errorf("Usage missing from terminal chunk %+v", terminal)
		}
	})

	t.Run("EmptyContentSkipsContentChunk", func(t *testing.T) {
		client := &stubClient{resp: ChatResponse{
			ToolCalls:    []ToolCall{{ID: "c1", Name: "get_page"}},
			FinishReason: "tool_use",
		}}

		ch, _ := client.Stream(context.Background(), ChatRequest{})
		var chunks []StreamChunk
		for chunk := range ch {
			chunks = append(chunks, chunk)
		}
		if len(chunks) != 1 {
			t.Fatalf("Expected single terminal chunk, got %d", len(chunks))
		}
		if len(chunks[0].ToolCalls) != 1 || !chunks[0].Done {
			t.Errorf("Unexpected chunk %+v", chunks[0])
		}
	})

	t.Run("ErrorChunk", func(t *testing.T) {
		client := &stubClient{err: fmt.Errorf("boom")}

		ch, _ := client.Stream(context.Background(), ChatRequest{})
		chunk := <-ch
		if chunk.Err == nil || !chunk.Done {
			t.Errorf("Expected terminal error chunk, got %+v", chunk)
		}
		if _, open := <-ch; open {
			t.Error("Channel should be closed after the error chunk")
		}
	})
}
