// Package metrics provides Prometheus-based metrics recording for the tool
// loop and job manager, plus a query service for aggregating usage from a
// Prometheus server.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder records orchestrator and job-queue metrics.
type Recorder struct {
	providerRequestsTotal *prometheus.CounterVec
	providerTokensTotal   *prometheus.CounterVec
	providerDuration      *prometheus.HistogramVec
	toolCallsTotal        *prometheus.CounterVec
	toolCallDuration      *prometheus.HistogramVec
	approvalsTotal        *prometheus.CounterVec
	jobsTotal             *prometheus.CounterVec
	jobDuration           *prometheus.HistogramVec
}

// NewRecorder creates and registers the collectors on the default registry.
// Construct at most once per process.
func NewRecorder() *Recorder {
	return &Recorder{
		providerRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "braindrive_provider_requests_total",
				Help: "Total number of provider chat requests by provider, model, and status",
			},
			[]string{"provider", "model", "status", "error_type"},
		),
		providerTokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "braindrive_provider_tokens_total",
				Help: "Total number of tokens used in provider requests",
			},
			[]string{"provider", "model", "type"},
		),
		providerDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "braindrive_provider_request_duration_seconds",
				Help:    "Duration of provider chat requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider", "model"},
		),
		toolCallsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "braindrive_tool_calls_total",
				Help: "Total number of tool invocations by tool, safety class, and status",
			},
			[]string{"tool", "safety_class", "status"},
		),
		toolCallDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "braindrive_tool_call_duration_seconds",
				Help:    "Duration of tool HTTP invocations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tool"},
		),
		approvalsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "braindrive_approvals_total",
				Help: "Total number of approval requests by resolution",
			},
			[]string{"resolution"},
		),
		jobsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "braindrive_jobs_total",
				Help: "Total number of jobs reaching a terminal status by type",
			},
			[]string{"type", "status"},
		),
		jobDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "braindrive_job_duration_seconds",
				Help:    "Wall time of job attempts in seconds",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
			},
			[]string{"type"},
		),
	}
}

// ObserveProviderRequest records one provider call.
func (r *Recorder) ObserveProviderRequest(provider, model string, promptTokens, completionTokens int, success bool, errorType string, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	r.providerRequestsTotal.WithLabelValues(provider, model, status, errorType).Inc()
	if success {
		r.providerTokensTotal.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
		r.providerTokensTotal.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
	r.providerDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
}

// ObserveToolCall records one tool invocation.
func (r *Recorder) ObserveToolCall(tool, safetyClass string, ok bool, duration time.Duration) {
	status := "success"
	if !ok {
		status = "error"
	}
	r.toolCallsTotal.WithLabelValues(tool, safetyClass, status).Inc()
	r.toolCallDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// ObserveApproval records an approval resolution (approved, rejected,
// expired, or staged).
func (r *Recorder) ObserveApproval(resolution string) {
	r.approvalsTotal.WithLabelValues(resolution).Inc()
}

// ObserveJob records a job reaching a terminal status.
func (r *Recorder) ObserveJob(jobType, status string, duration time.Duration) {
	r.jobsTotal.WithLabelValues(jobType, status).Inc()
	r.jobDuration.WithLabelValues(jobType).Observe(duration.Seconds())
}
