// Package jobs implements the durable background job queue: transactional
// claims, attempt tracking, idempotent enqueue, cooperative cancellation,
// retries, and an append-only progress event log.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"braindrive/pkg/clock"
	"braindrive/pkg/config"
	"braindrive/pkg/logx"
	"braindrive/pkg/metrics"
	"braindrive/pkg/persistence"
)

// ErrHandlerNotRegistered is returned by Enqueue for unknown job types.
var ErrHandlerNotRegistered = errors.New("HANDLER_NOT_REGISTERED")

// EnqueueOptions are the optional knobs for Enqueue.
type EnqueueOptions struct {
	Priority       int
	MaxRetries     int
	IdempotencyKey string
	WorkspaceID    string
	ScheduledFor   time.Time
}

// EventsPage is one page of a job's progress log.
type EventsPage struct {
	Events               []*persistence.ProgressEvent `json:"events"`
	LatestSequenceNumber int                          `json:"latest_sequence_number"`
}

// Manager owns the queue. Construct with New, register handlers, then Start.
// One Manager per process; multiple worker loops share the transactional
// claim.
type Manager struct {
	store    *persistence.Store
	clk      clock.Clock
	logger   *logx.Logger
	recorder *metrics.Recorder
	cfg      config.JobsConfig

	handlers map[string]Handler

	cancelMu  sync.Mutex
	cancelled map[string]bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Manager. recorder may be nil.
func New(store *persistence.Store, clk clock.Clock, recorder *metrics.Recorder, cfg config.JobsConfig) *Manager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = config.JobPollInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Manager{
		store:     store,
		clk:       clk,
		logger:    logx.NewLogger("jobs"),
		recorder:  recorder,
		cfg:       cfg,
		handlers:  make(map[string]Handler),
		cancelled: make(map[string]bool),
		stopCh:    make(chan struct{}),
	}
}

// RegisterHandler registers the handler for its job type. Call before Start.
func (m *Manager) RegisterHandler(h Handler) {
	m.handlers[h.Type()] = h
}

// Start recovers interrupted jobs and launches the worker loops.
func (m *Manager) Start(ctx context.Context) error {
	interrupted, err := m.store.MarkInterruptedJobs(ctx)
	if err != nil {
		return fmt.Errorf("startup recovery failed: %w", err)
	}
	for _, id := range interrupted {
		m.logger.Warn("Recovered interrupted job %s", id)
		if _, err := m.store.AppendProgressEvent(ctx, id, "failed",
			`{"message":"Job interrupted during restart"}`); err != nil {
			return err
		}
	}

	for i := 0; i < m.cfg.Workers; i++ {
		m.wg.Add(1)
		go m.workerLoop(ctx, i)
	}
	m.logger.Info("⚙️ Job manager started with %d worker(s)", m.cfg.Workers)
	return nil
}

// Stop halts the worker loops and waits for in-flight jobs to settle.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
	m.logger.Info("Job manager stopped")
}

// Enqueue validates and enqueues a job. With an idempotency key, a matching
// active job is returned as-is (created=false); a matching failed/canceled
// job is reset in place and requeued (created=true); a matching completed job
// is returned unchanged.
func (m *Manager) Enqueue(ctx context.Context, jobType string, payload any, userID string, opts EnqueueOptions) (*persistence.Job, bool, error) {
	handler, ok := m.handlers[jobType]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrHandlerNotRegistered, jobType)
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode payload: %w", err)
	}
	if err := handler.ValidatePayload(encoded); err != nil {
		return nil, false, fmt.Errorf("PAYLOAD_INVALID: %w", err)
	}

	if opts.IdempotencyKey != "" {
		existing, err := m.store.FindJobByIdempotency(ctx, userID, jobType, opts.IdempotencyKey)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			switch existing.Status {
			case persistence.JobStatusCompleted:
				return existing, false, nil
			case persistence.JobStatusFailed, persistence.JobStatusCanceled:
				if err := m.store.ResetJobForRetry(ctx, existing.ID, string(encoded)); err != nil {
					return nil, false, err
				}
				requeued, err := m.store.GetJob(ctx, existing.ID)
				if err != nil {
					return nil, false, err
				}
				return requeued, true, nil
			default:
				return existing, false, nil
			}
		}
	}

	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = m.cfg.MaxRetries
	}
	job := &persistence.Job{
		ID:             clock.NewRequestID(),
		Type:           jobType,
		Priority:       opts.Priority,
		Payload:        string(encoded),
		MaxRetries:     maxRetries,
		ScheduledFor:   opts.ScheduledFor,
		UserID:         userID,
		WorkspaceID:    opts.WorkspaceID,
		IdempotencyKey: opts.IdempotencyKey,
	}
	if err := m.store.CreateJob(ctx, job); err != nil {
		return nil, false, err
	}
	if _, err := m.store.AppendProgressEvent(ctx, job.ID, "queued", `{"percent":0}`); err != nil {
		return nil, false, err
	}
	m.logger.Info("📥 Enqueued %s job %s for user %s", jobType, job.ID, userID)
	return job, true, nil
}

// Get returns a job by id.
func (m *Manager) Get(ctx context.Context, id string) (*persistence.Job, error) {
	return m.store.GetJob(ctx, id)
}

// List returns a user's jobs, optionally filtered by status.
func (m *Manager) List(ctx context.Context, userID, status string, limit int) ([]*persistence.Job, error) {
	return m.store.ListJobs(ctx, userID, status, limit)
}

// Events returns progress events after the given sequence number.
func (m *Manager) Events(ctx context.Context, jobID string, since int) (*EventsPage, error) {
	events, err := m.store.ListProgressEvents(ctx, jobID, since)
	if err != nil {
		return nil, err
	}
	latest := since
	if n := len(events); n > 0 {
		latest = events[n-1].SequenceNumber
	}
	return &EventsPage{Events: events, LatestSequenceNumber: latest}, nil
}

// Cancel requests cancellation. Queued jobs transition immediately; running
// jobs are flagged and settle at the handler's next cancel check; terminal
// jobs are a no-op.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job %s not found", id)
	}

	switch job.Status {
	case persistence.JobStatusQueued:
		if err := m.store.CancelJob(ctx, id, "Canceled before execution"); err != nil {
			return err
		}
		_, err := m.store.AppendProgressEvent(ctx, id, "canceled", `{"message":"Canceled before execution"}`)
		return err
	case persistence.JobStatusRunning:
		m.requestCancel(id)
		return nil
	default:
		return nil
	}
}

// Retry requeues a failed or canceled job in place. Completed jobs are
// returned unchanged.
func (m *Manager) Retry(ctx context.Context, id string) (*persistence.Job, error) {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("job %s not found", id)
	}
	if job.Status != persistence.JobStatusFailed && job.Status != persistence.JobStatusCanceled {
		return job, nil
	}
	if err := m.store.ResetJobForRetry(ctx, id, job.Payload); err != nil {
		return nil, err
	}
	return m.store.GetJob(ctx, id)
}

// Delete removes a terminal job owned by the user.
func (m *Manager) Delete(ctx context.Context, id, userID string) error {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job == nil || job.UserID != userID {
		return fmt.Errorf("job %s not found", id)
	}
	return m.store.DeleteJob(ctx, id)
}

func (m *Manager) requestCancel(id string) {
	m.cancelMu.Lock()
	defer m.cancelMu.Unlock()
	m.cancelled[id] = true
}

func (m *Manager) isCancelRequested(id string) bool {
	m.cancelMu.Lock()
	defer m.cancelMu.Unlock()
	return m.cancelled[id]
}

func (m *Manager) clearCancel(id string) {
	m.cancelMu.Lock()
	defer m.cancelMu.Unlock()
	delete(m.cancelled, id)
}

func (m *Manager) workerLoop(ctx context.Context, worker int) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, err := m.store.ClaimNextQueued(ctx)
			if err != nil {
				m.logger.Error("Worker %d claim failed: %v", worker, err)
				continue
			}
			if job == nil {
				continue
			}
			m.execute(ctx, job)
		}
	}
}

// execute runs one claimed job through its handler and records the outcome.
func (m *Manager) execute(ctx context.Context, job *persistence.Job) {
	start := m.clk.Now()
	defer m.clearCancel(job.ID)

	handler, ok := m.handlers[job.Type]
	if !ok {
		m.logger.Error("No handler registered for job type %s", job.Type)
		_ = m.store.FailJob(ctx, job.ID, fmt.Sprintf("HANDLER_NOT_REGISTERED: %s", job.Type))
		return
	}

	attempt, err := m.store.CreateAttempt(ctx, job.ID)
	if err != nil {
		m.logger.Error("Failed to open attempt for job %s: %v", job.ID, err)
		_ = m.store.FailJob(ctx, job.ID, err.Error())
		return
	}

	jc := &JobContext{Job: job, Attempt: attempt.AttemptNumber, mgr: m}
	m.logger.Info("▶️ Executing %s job %s (attempt %d)", job.Type, job.ID, attempt.AttemptNumber)

	result, execErr := handler.Execute(ctx, jc)
	if cleaner, ok := handler.(Cleaner); ok {
		cleaner.Cleanup(ctx, jc)
	}

	switch {
	case errors.Is(execErr, ErrJobCanceled):
		m.settle(ctx, job, attempt.AttemptNumber, persistence.JobStatusCanceled, "", "Canceled by request")
	case execErr != nil:
		if job.RetryCount < job.MaxRetries {
			delay := retryDelay(job.RetryCount)
			m.logger.Warn("Job %s failed (attempt %d), retrying in %s: %v", job.ID, attempt.AttemptNumber, delay, execErr)
			_ = m.store.CloseAttempt(ctx, job.ID, attempt.AttemptNumber, persistence.JobStatusFailed, execErr.Error())
			if err := m.store.RequeueJobForRetry(ctx, job.ID, delay); err != nil {
				m.logger.Error("Failed to requeue job %s: %v", job.ID, err)
			}
			return
		}
		m.settle(ctx, job, attempt.AttemptNumber, persistence.JobStatusFailed, "", execErr.Error())
	default:
		encoded, err := json.Marshal(result)
		if err != nil {
			m.settle(ctx, job, attempt.AttemptNumber, persistence.JobStatusFailed, "", fmt.Sprintf("failed to encode result: %v", err))
			return
		}
		m.settle(ctx, job, attempt.AttemptNumber, persistence.JobStatusCompleted, string(encoded), "")
	}

	if m.recorder != nil {
		final, err := m.store.GetJob(ctx, job.ID)
		if err == nil && final != nil {
			m.recorder.ObserveJob(job.Type, final.Status, m.clk.Since(start))
		}
	}
}

// settle records a terminal outcome on the job, its attempt, and the event
// log.
func (m *Manager) settle(ctx context.Context, job *persistence.Job, attemptNumber int, status, result, message string) {
	switch status {
	case persistence.JobStatusCompleted:
		if err := m.store.UpdateJobProgress(ctx, job.ID, 100, "completed", ""); err != nil {
			m.logger.Error("Failed to record final progress for job %s: %v", job.ID, err)
		}
		if err := m.store.CompleteJob(ctx, job.ID, result); err != nil {
			m.logger.Error("Failed to complete job %s: %v", job.ID, err)
		}
	case persistence.JobStatusCanceled:
		if err := m.store.CancelJob(ctx, job.ID, message); err != nil {
			m.logger.Error("Failed to cancel job %s: %v", job.ID, err)
		}
	default:
		if err := m.store.FailJob(ctx, job.ID, message); err != nil {
			m.logger.Error("Failed to fail job %s: %v", job.ID, err)
		}
	}

	if err := m.store.CloseAttempt(ctx, job.ID, attemptNumber, status, message); err != nil {
		m.logger.Error("Failed to close attempt for job %s: %v", job.ID, err)
	}

	event := map[string]any{"status": status}
	if message != "" {
		event["message"] = message
	}
	if status == persistence.JobStatusCompleted {
		event["percent"] = 100
	}
	encoded, _ := json.Marshal(event)
	if _, err := m.store.AppendProgressEvent(ctx, job.ID, status, string(encoded)); err != nil {
		m.logger.Error("Failed to append terminal event for job %s: %v", job.ID, err)
	}

	m.logger.Info("⏹️ Job %s settled as %s", job.ID, status)
}

// retryDelay backs off exponentially per prior retry: 1s, 2s, 4s, capped at
// 60s.
func retryDelay(retryCount int) time.Duration {
	delay := time.Second << uint(retryCount)
	if delay > time.Minute {
		delay = time.Minute
	}
	return delay
}
