// Package install implements the Ollama model-install job handler: it
// streams pull progress through a PullTracker and verifies the model is
// registered with the server before declaring success.
package install

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"braindrive/pkg/config"
	"braindrive/pkg/jobs"
	"braindrive/pkg/logx"
	"braindrive/pkg/persistence"
)

// JobType is the registered job type for model installs.
const JobType = "ollama.install"

// registrationWaits is the post-pull verification schedule. Some registries
// take tens of seconds to surface a freshly pulled model; the extended tail
// covers them. Changing this changes observable terminal behavior under slow
// registries.
var registrationWaits = []time.Duration{
	0, 1 * time.Second, 1 * time.Second, 2 * time.Second, 3 * time.Second,
	5 * time.Second, 5 * time.Second, 5 * time.Second, 5 * time.Second, 5 * time.Second, 5 * time.Second,
	10 * time.Second, 10 * time.Second, 10 * time.Second, 10 * time.Second, 10 * time.Second, 10 * time.Second,
	20 * time.Second, 20 * time.Second, 20 * time.Second,
}

// Payload is the install job payload.
type Payload struct {
	ModelName      string `json:"model_name"`
	ServerURL      string `json:"server_url"`
	APIKey         string `json:"api_key,omitempty"`
	ForceReinstall bool   `json:"force_reinstall,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// Result is the install job result recorded on completion.
type Result struct {
	ModelName  string `json:"model_name"`
	Digest     string `json:"digest,omitempty"`
	SizeBytes  int64  `json:"size,omitempty"`
	ModifiedAt string `json:"modified_at,omitempty"`
}

// Handler installs models on an Ollama server.
type Handler struct {
	logger *logx.Logger
	// newClient is swappable for tests.
	newClient func(serverURL string, timeout time.Duration) (*api.Client, error)
}

// NewHandler creates the install handler.
func NewHandler() *Handler {
	return &Handler{
		logger:    logx.NewLogger("install"),
		newClient: defaultClient,
	}
}

func defaultClient(serverURL string, timeout time.Duration) (*api.Client, error) {
	parsed, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", serverURL, err)
	}
	httpClient := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			ResponseHeaderTimeout: config.InstallConnectTimeout,
		},
	}
	return api.NewClient(parsed, httpClient), nil
}

// Type implements jobs.Handler.
func (h *Handler) Type() string {
	return JobType
}

// ValidatePayload implements jobs.Handler.
func (h *Handler) ValidatePayload(payload []byte) error {
	var p Payload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if p.ModelName == "" {
		return fmt.Errorf("model_name is required")
	}
	if p.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}
	return nil
}

// Execute implements jobs.Handler.
func (h *Handler) Execute(ctx context.Context, jc *jobs.JobContext) (any, error) {
	var p Payload
	if err := jc.Payload(&p); err != nil {
		return nil, err
	}

	streamTimeout := config.InstallStreamTimeout
	if p.TimeoutSeconds > 0 {
		streamTimeout = time.Duration(p.TimeoutSeconds) * time.Second
	}
	client, err := h.newClient(p.ServerURL, streamTimeout)
	if err != nil {
		return nil, err
	}

	if err := jc.ReportProgress(ctx, 0, "queued", fmt.Sprintf("Installing %s", p.ModelName), "queued", nil); err != nil {
		return nil, err
	}

	if err := h.pull(ctx, jc, client, &p); err != nil {
		return nil, err
	}

	if err := jc.ReportProgress(ctx, 99, "finalizing", "Waiting for model registration", "progress", nil); err != nil {
		return nil, err
	}

	result, err := h.waitForRegistration(ctx, jc, client, p.ModelName)
	if err != nil {
		return nil, err
	}

	if err := jc.ReportProgress(ctx, 100, "completed", fmt.Sprintf("Model %s installed", p.ModelName), "progress",
		map[string]any{"digest": result.Digest, "size": result.SizeBytes, "modified_at": result.ModifiedAt}); err != nil {
		return nil, err
	}
	h.logger.Info("✅ Model %s installed (digest %s)", p.ModelName, result.Digest)
	return result, nil
}

// pull streams the model download, translating frames through a PullTracker.
// Cancellation is observed between frames.
func (h *Handler) pull(ctx context.Context, jc *jobs.JobContext, client *api.Client, p *Payload) error {
	tracker := NewPullTracker()
	stream := true
	req := &api.PullRequest{Model: p.ModelName, Stream: &stream}

	err := client.Pull(ctx, req, func(frame api.ProgressResponse) error {
		if err := jc.CheckForCancel(); err != nil {
			return err
		}
		percent, message, emit := tracker.Observe(frame.Status, frame.Digest, frame.Total, frame.Completed)
		if emit {
			if err := jc.ReportProgress(ctx, percent, stageFor(frame.Status), message, "progress", nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if jc.IsCancelled() {
			return jobs.ErrJobCanceled
		}
		return fmt.Errorf("model pull failed: %w", err)
	}
	return nil
}

// stageFor maps a pull frame status to the job stage recorded with its
// progress events.
func stageFor(status string) string {
	switch {
	case strings.HasPrefix(status, "verifying"):
		return "verifying"
	case strings.HasPrefix(status, "writing"):
		return "extracting"
	default:
		return "downloading"
	}
}

// waitForRegistration polls the server until the model shows up by name,
// canonical name, or digest, following the fixed wait schedule. Exhausting
// the schedule is a hard failure.
func (h *Handler) waitForRegistration(ctx context.Context, jc *jobs.JobContext, client *api.Client, modelName string) (*Result, error) {
	for _, wait := range registrationWaits {
		if wait > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}
		if err := jc.CheckForCancel(); err != nil {
			return nil, err
		}

		if resp, err := client.Show(ctx, &api.ShowRequest{Model: modelName}); err == nil && resp != nil {
			if result := h.findInTags(ctx, client, modelName); result != nil {
				return result, nil
			}
			// Show succeeded but tags lag; accept the show response.
			return &Result{ModelName: modelName}, nil
		}

		if result := h.findInTags(ctx, client, modelName); result != nil {
			return result, nil
		}
	}
	return nil, fmt.Errorf("model %s never appeared in the registry after pull", modelName)
}

// findInTags matches the model in /api/tags by exact name, canonical
// name:latest, or digest prefix.
func (h *Handler) findInTags(ctx context.Context, client *api.Client, modelName string) *Result {
	listing, err := client.List(ctx)
	if err != nil {
		return nil
	}
	canonical := modelName
	if !strings.Contains(canonical, ":") {
		canonical += ":latest"
	}
	for i := range listing.Models {
		m := &listing.Models[i]
		if m.Name == modelName || m.Name == canonical || strings.HasPrefix(m.Digest, modelName) {
			return &Result{
				ModelName:  m.Name,
				Digest:     m.Digest,
				SizeBytes:  m.Size,
				ModifiedAt: m.ModifiedAt.UTC().Format("2006-01-02T15:04:05Z"),
			}
		}
	}
	return nil
}

// LegacyStatus maps a job's internal status and stage to the external status
// set used by older clients.
func LegacyStatus(job *persistence.Job) string {
	switch job.Status {
	case persistence.JobStatusQueued:
		return "queued"
	case persistence.JobStatusRunning:
		switch job.CurrentStage {
		case "downloading":
			return "downloading"
		case "verifying":
			return "verifying"
		case "extracting":
			return "extracting"
		case "finalizing", "completed":
			return "finalizing"
		default:
			return "running"
		}
	case persistence.JobStatusCompleted:
		return "completed"
	case persistence.JobStatusFailed:
		return "error"
	case persistence.JobStatusCanceled:
		return "canceled"
	default:
		return job.Status
	}
}
