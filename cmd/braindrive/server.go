package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"braindrive/pkg/jobs"
	"braindrive/pkg/jobs/install"
	"braindrive/pkg/llm"
	"braindrive/pkg/logx"
	"braindrive/pkg/metrics"
	"braindrive/pkg/persistence"
	"braindrive/pkg/registry"
	"braindrive/pkg/toolloop"
)

const listenAddr = ":8100"

// server is the thin JSON surface over the core. Transport concerns stay
// here; the core packages never see HTTP.
type server struct {
	loop    *toolloop.Loop
	manager *jobs.Manager
	store   *persistence.Store
	reg     *registry.Registry
	usage   *metrics.QueryService
	logger  *logx.Logger
}

func newServer(loop *toolloop.Loop, manager *jobs.Manager, store *persistence.Store, reg *registry.Registry, usage *metrics.QueryService, logger *logx.Logger) *server {
	return &server{loop: loop, manager: manager, store: store, reg: reg, usage: usage, logger: logger}
}

func (s *server) run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("POST /api/tools/sync", s.handleToolSync)
	mux.HandleFunc("POST /api/jobs", s.handleEnqueue)
	mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("GET /api/jobs/{id}/events", s.handleJobEvents)
	mux.HandleFunc("POST /api/jobs/{id}/cancel", s.handleCancelJob)
	mux.HandleFunc("POST /api/jobs/{id}/retry", s.handleRetryJob)
	mux.HandleFunc("DELETE /api/jobs/{id}", s.handleDeleteJob)
	mux.HandleFunc("GET /api/usage/{model}", s.handleModelUsage)

	httpServer := &http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("🌐 Listening on %s", listenAddr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// chatPayload is the wire shape of a chat turn.
type chatPayload struct {
	Provider         string          `json:"provider"`
	Model            string          `json:"model"`
	Messages         []llm.Message   `json:"messages"`
	UserID           string          `json:"user_id"`
	ConversationID   string          `json:"conversation_id"`
	ConversationType string          `json:"conversation_type"`
	Params           toolloop.Params `json:"params"`
}

func (s *server) handleChat(w http.ResponseWriter, r *http.Request) {
	var payload chatPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if payload.ConversationType == "" {
		payload.ConversationType = "chat"
	}

	resp, err := s.loop.Run(r.Context(), &toolloop.Request{
		Provider:         payload.Provider,
		Model:            payload.Model,
		Messages:         payload.Messages,
		UserID:           payload.UserID,
		ConversationID:   payload.ConversationID,
		ConversationType: payload.ConversationType,
		Params:           payload.Params,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleToolSync(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	summary, err := s.reg.Sync(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type enqueuePayload struct {
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	UserID         string          `json:"user_id"`
	Priority       int             `json:"priority,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	WorkspaceID    string          `json:"workspace_id,omitempty"`
}

func (s *server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var payload enqueuePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var body any
	if len(payload.Payload) > 0 {
		if err := json.Unmarshal(payload.Payload, &body); err != nil {
			writeError(w, http.StatusBadRequest, "payload must be JSON")
			return
		}
	}

	job, created, err := s.manager.Enqueue(r.Context(), payload.Type, body, payload.UserID, jobs.EnqueueOptions{
		Priority:       payload.Priority,
		IdempotencyKey: payload.IdempotencyKey,
		WorkspaceID:    payload.WorkspaceID,
	})
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, jobs.ErrHandlerNotRegistered) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": jobView(job), "created": created})
}

func (s *server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	status := r.URL.Query().Get("status")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	list, err := s.manager.List(r.Context(), userID, status, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]map[string]any, 0, len(list))
	for _, job := range list {
		views = append(views, jobView(job))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

func (s *server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, jobView(job))
}

func (s *server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	since, _ := strconv.Atoi(r.URL.Query().Get("since"))
	page, err := s.manager.Events(r.Context(), r.PathValue("id"), since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Cancel(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.manager.Retry(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, jobView(job))
}

func (s *server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if err := s.manager.Delete(r.Context(), r.PathValue("id"), userID); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleModelUsage serves aggregated token usage for one model. Requires a
// configured prometheus_url.
func (s *server) handleModelUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		writeError(w, http.StatusServiceUnavailable, "usage queries are not configured")
		return
	}
	summary, err := s.usage.GetModelUsage(r.Context(), r.PathValue("model"))
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *server) lookupJob(w http.ResponseWriter, r *http.Request) (*persistence.Job, bool) {
	job, err := s.manager.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return nil, false
	}
	return job, true
}

// jobView serializes a job, adding the legacy install status for install
// jobs.
func jobView(job *persistence.Job) map[string]any {
	view := map[string]any{
		"id":               job.ID,
		"type":             job.Type,
		"status":           job.Status,
		"progress_percent": job.ProgressPercent,
		"current_stage":    job.CurrentStage,
		"message":          job.Message,
		"retry_count":      job.RetryCount,
		"user_id":          job.UserID,
		"created_at":       job.CreatedAt,
		"updated_at":       job.UpdatedAt,
	}
	if job.Result != "" {
		view["result"] = json.RawMessage(job.Result)
	}
	if job.Error != "" {
		view["error"] = job.Error
	}
	if strings.HasPrefix(job.Type, "ollama.") {
		view["legacy_status"] = install.LegacyStatus(job)
	}
	return view
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}

func newMetricsMux(handler http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	return mux
}

func listenAndServe(addr string, mux *http.ServeMux) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}
