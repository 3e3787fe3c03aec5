package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// UsageSummary is aggregated provider usage for one model over the server's
// retention window.
type UsageSummary struct {
	Model            string `json:"model"`
	Requests         int64  `json:"requests"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	TotalTokens      int64  `json:"total_tokens"`
}

// QueryService aggregates usage data from a Prometheus server that scrapes
// this process.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a query service against prometheusURL.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{Address: prometheusURL})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}
	return &QueryService{client: client, queryAPI: v1.NewAPI(client)}, nil
}

// GetModelUsage returns aggregated usage for one model.
func (q *QueryService) GetModelUsage(ctx context.Context, modelName string) (*UsageSummary, error) {
	summary := &UsageSummary{Model: modelName}

	requests, err := q.scalarQuery(ctx, fmt.Sprintf(`sum(braindrive_provider_requests_total{model=%q})`, modelName))
	if err != nil {
		return nil, fmt.Errorf("failed to query request count: %w", err)
	}
	summary.Requests = requests

	prompt, err := q.scalarQuery(ctx, fmt.Sprintf(`sum(braindrive_provider_tokens_total{model=%q, type="prompt"})`, modelName))
	if err != nil {
		return nil, fmt.Errorf("failed to query prompt tokens: %w", err)
	}
	summary.PromptTokens = prompt

	completion, err := q.scalarQuery(ctx, fmt.Sprintf(`sum(braindrive_provider_tokens_total{model=%q, type="completion"})`, modelName))
	if err != nil {
		return nil, fmt.Errorf("failed to query completion tokens: %w", err)
	}
	summary.CompletionTokens = completion

	summary.TotalTokens = summary.PromptTokens + summary.CompletionTokens
	return summary, nil
}

func (q *QueryService) scalarQuery(ctx context.Context, query string) (int64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, err
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return int64(vector[0].Value), nil
	}
	return 0, nil
}
