package metrics

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// fakePrometheus answers /api/v1/query with a one-sample vector whose value
// depends on the query text.
func fakePrometheus(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		query := r.FormValue("query")
		value := "0"
		switch {
		case strings.Contains(query, `type="prompt"`):
			value = "1200"
		case strings.Contains(query, `type="completion"`):
			value = "300"
		case strings.Contains(query, "braindrive_provider_requests_total"):
			value = "42"
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"success","data":{"resultType":"vector","result":[{"metric":{},"value":[1740000000,%q]}]}}`, value)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestGetModelUsage(t *testing.T) {
	server := fakePrometheus(t)

	svc, err := NewQueryService(server.URL)
	if err != nil {
		t.Fatalf("NewQueryService failed: %v", err)
	}

	summary, err := svc.GetModelUsage(context.Background(), "gpt-4")
	if err != nil {
		t.Fatalf("GetModelUsage failed: %v", err)
	}
	if summary.Model != "gpt-4" {
		t.Errorf("Model = %q", summary.Model)
	}
	if summary.Requests != 42 {
		t.Errorf("Requests = %d, want 42", summary.Requests)
	}
	if summary.PromptTokens != 1200 || summary.CompletionTokens != 300 {
		t.Errorf("Tokens = %d/%d, want 1200/300", summary.PromptTokens, summary.CompletionTokens)
	}
	if summary.TotalTokens != 1500 {
		t.Errorf("TotalTokens = %d, want 1500", summary.TotalTokens)
	}
}

func TestGetModelUsageEmptyVector(t *testing.T) {
	// A model with no samples reports zeros, not an error.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"success","data":{"resultType":"vector","result":[]}}`)
	}))
	t.Cleanup(server.Close)

	svc, err := NewQueryService(server.URL)
	if err != nil {
		t.Fatalf("NewQueryService failed: %v", err)
	}
	summary, err := svc.GetModelUsage(context.Background(), "unknown-model")
	if err != nil {
		t.Fatalf("GetModelUsage failed: %v", err)
	}
	if summary.Requests != 0 || summary.TotalTokens != 0 {
		t.Errorf("Expected zeroed summary, got %+v", summary)
	}
}
