package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"braindrive/pkg/persistence"
)

// ErrJobCanceled is the sentinel a handler returns from Execute after
// observing a cancel request. The manager records the job as canceled rather
// than failed.
var ErrJobCanceled = errors.New("job canceled")

// Handler executes one job type. Implementations must yield to
// JobContext.CheckForCancel periodically during long work.
type Handler interface {
	// Type is the job type this handler serves.
	Type() string
	// ValidatePayload rejects malformed payloads before a job is enqueued.
	ValidatePayload(payload []byte) error
	// Execute runs the job to completion and returns the result payload.
	Execute(ctx context.Context, jc *JobContext) (any, error)
}

// Cleaner is implemented by handlers that need teardown after Execute,
// regardless of outcome.
type Cleaner interface {
	Cleanup(ctx context.Context, jc *JobContext)
}

// JobContext is the runtime surface handed to a handler: cancellation
// observation and progress reporting for the one job it is executing.
type JobContext struct {
	Job     *persistence.Job
	Attempt int

	mgr         *Manager
	lastPercent float64
}

// IsCancelled reports whether a cancel has been requested for this job.
func (jc *JobContext) IsCancelled() bool {
	return jc.mgr.isCancelRequested(jc.Job.ID)
}

// CheckForCancel returns ErrJobCanceled when a cancel has been requested.
// Handlers call it between units of work and propagate the error up.
func (jc *JobContext) CheckForCancel() error {
	if jc.IsCancelled() {
		return ErrJobCanceled
	}
	return nil
}

// Payload unmarshals the job payload into v.
func (jc *JobContext) Payload(v any) error {
	if err := json.Unmarshal([]byte(jc.Job.Payload), v); err != nil {
		return fmt.Errorf("failed to decode job payload: %w", err)
	}
	return nil
}

// ReportProgress updates the job row and appends a progress event with the
// next sequence number. Percent is clamped monotonically non-decreasing
// within the attempt; pass a negative percent to keep the previous value.
func (jc *JobContext) ReportProgress(ctx context.Context, percent float64, stage, message, eventType string, data map[string]any) error {
	if percent < 0 || percent < jc.lastPercent {
		percent = jc.lastPercent
	}
	if percent > 100 {
		percent = 100
	}
	jc.lastPercent = percent

	if err := jc.mgr.store.UpdateJobProgress(ctx, jc.Job.ID, percent, stage, message); err != nil {
		return err
	}

	if data == nil {
		data = map[string]any{}
	}
	data["percent"] = percent
	if stage != "" {
		data["stage"] = stage
	}
	if message != "" {
		data["message"] = message
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode progress data: %w", err)
	}

	if eventType == "" {
		eventType = "progress"
	}
	_, err = jc.mgr.store.AppendProgressEvent(ctx, jc.Job.ID, eventType, string(encoded))
	return err
}
