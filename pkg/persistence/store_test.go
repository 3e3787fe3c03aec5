package persistence

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"braindrive/pkg/clock"
)

// Helper to create a fresh store per test.
func createTestStore(t *testing.T) (*Store, *clock.Fake) {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "persistence_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store, err := Open(filepath.Join(tempDir, "test.db"), clk)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}

	t.Cleanup(func() {
		store.Close()
		os.RemoveAll(tempDir)
	})
	return store, clk
}

func TestJobLifecycle(t *testing.T) {
	store, _ := createTestStore(t)
	ctx := context.Background()

	t.Run("ClaimMovesQueuedToRunning", func(t *testing.T) {
		job := &Job{ID: "j-1", Type: "test", Payload: "{}", UserID: "u1", MaxRetries: 3}
		if err := store.CreateJob(ctx, job); err != nil {
			t.Fatalf("Failed to create job: %v", err)
		}

		claimed, err := store.ClaimNextQueued(ctx)
		if err != nil {
			t.Fatalf("Claim failed: %v", err)
		}
		if claimed == nil || claimed.ID != "j-1" {
			t.Fatalf("Expected to claim j-1, got %+v", claimed)
		}
		if claimed.Status != JobStatusRunning {
			t.Errorf("Expected running, got %s", claimed.Status)
		}
		if claimed.StartedAt == nil {
			t.Error("Expected started_at to be set")
		}

		// Nothing else is claimable.
		again, err := store.ClaimNextQueued(ctx)
		if err != nil {
			t.Fatalf("Second claim failed: %v", err)
		}
		if again != nil {
			t.Errorf("Expected no claimable job, got %s", again.ID)
		}
	})

	t.Run("ClaimHonorsPriorityAndSchedule", func(t *testing.T) {
		low := &Job{ID: "j-low", Type: "test", Payload: "{}", UserID: "u1", Priority: 0}
		high := &Job{ID: "j-high", Type: "test", Payload: "{}", UserID: "u1", Priority: 5}
		future := &Job{ID: "j-future", Type: "test", Payload: "{}", UserID: "u1", Priority: 9,
			ScheduledFor: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)}
		for _, j := range []*Job{low, high, future} {
			if err := store.CreateJob(ctx, j); err != nil {
				t.Fatalf("Failed to create job: %v", err)
			}
		}

		claimed, err := store.ClaimNextQueued(ctx)
		if err != nil {
			t.Fatalf("Claim failed: %v", err)
		}
		if claimed == nil || claimed.ID != "j-high" {
			t.Fatalf("Expected j-high (highest due priority), got %+v", claimed)
		}
	})

	t.Run("ResetIncrementsRetryCount", func(t *testing.T) {
		job := &Job{ID: "j-reset", Type: "test", Payload: "{}", UserID: "u1"}
		if err := store.CreateJob(ctx, job); err != nil {
			t.Fatalf("Failed to create job: %v", err)
		}
		if err := store.FailJob(ctx, "j-reset", "boom"); err != nil {
			t.Fatalf("Failed to fail job: %v", err)
		}

		if err := store.ResetJobForRetry(ctx, "j-reset", `{"v":2}`); err != nil {
			t.Fatalf("Reset failed: %v", err)
		}

		got, err := store.GetJob(ctx, "j-reset")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Status != JobStatusQueued {
			t.Errorf("Expected queued, got %s", got.Status)
		}
		if got.RetryCount != 1 {
			t.Errorf("Expected retry_count=1, got %d", got.RetryCount)
		}
		if got.Error != "" || got.Result != "" {
			t.Errorf("Expected cleared error/result, got %q / %q", got.Error, got.Result)
		}
		if got.Payload != `{"v":2}` {
			t.Errorf("Expected replaced payload, got %q", got.Payload)
		}

		// A queued job is not resettable.
		if err := store.ResetJobForRetry(ctx, "j-reset", "{}"); err == nil {
			t.Error("Expected reset of a queued job to fail")
		}
	})

	t.Run("MarkInterruptedJobs", func(t *testing.T) {
		job := &Job{ID: "j-int", Type: "test", Payload: "{}", UserID: "u1", Priority: 100}
		if err := store.CreateJob(ctx, job); err != nil {
			t.Fatalf("Failed to create job: %v", err)
		}
		if _, err := store.ClaimNextQueued(ctx); err != nil {
			t.Fatalf("Claim failed: %v", err)
		}
		if _, err := store.CreateAttempt(ctx, "j-int"); err != nil {
			t.Fatalf("Attempt failed: %v", err)
		}

		ids, err := store.MarkInterruptedJobs(ctx)
		if err != nil {
			t.Fatalf("Recovery failed: %v", err)
		}
		found := false
		for _, id := range ids {
			if id == "j-int" {
				found = true
			}
		}
		if !found {
			t.Fatalf("Expected j-int among recovered jobs, got %v", ids)
		}

		got, _ := store.GetJob(ctx, "j-int")
		if got.Status != JobStatusFailed {
			t.Errorf("Expected failed, got %s", got.Status)
		}
		if got.Error != "Job interrupted during restart" {
			t.Errorf("Unexpected recovery message: %q", got.Error)
		}

		attempts, _ := store.ListAttempts(ctx, "j-int")
		if len(attempts) != 1 || attempts[0].CompletedAt == nil {
			t.Errorf("Expected the open attempt to be closed, got %+v", attempts)
		}
	})
}

func TestAttemptNumbersAreMonotonic(t *testing.T) {
	store, _ := createTestStore(t)
	ctx := context.Background()

	job := &Job{ID: "j-a", Type: "test", Payload: "{}", UserID: "u1"}
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("Failed to create job: %v", err)
	}

	for want := 1; want <= 3; want++ {
		attempt, err := store.CreateAttempt(ctx, "j-a")
		if err != nil {
			t.Fatalf("Attempt %d failed: %v", want, err)
		}
		if attempt.AttemptNumber != want {
			t.Errorf("Expected attempt %d, got %d", want, attempt.AttemptNumber)
		}
		if err := store.CloseAttempt(ctx, "j-a", attempt.AttemptNumber, JobStatusFailed, "x"); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	}
}

func TestProgressEventSequence(t *testing.T) {
	store, _ := createTestStore(t)
	ctx := context.Background()

	job := &Job{ID: "j-p", Type: "test", Payload: "{}", UserID: "u1"}
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("Failed to create job: %v", err)
	}

	for i := 1; i <= 5; i++ {
		event, err := store.AppendProgressEvent(ctx, "j-p", "progress", `{"percent":10}`)
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if event.SequenceNumber != i {
			t.Errorf("Expected sequence %d, got %d", i, event.SequenceNumber)
		}
	}

	events, err := store.ListProgressEvents(ctx, "j-p", 2)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("Expected 3 events after sequence 2, got %d", len(events))
	}
	for i, event := range events {
		if event.SequenceNumber != i+3 {
			t.Errorf("Expected strictly increasing sequence with no gaps, got %d at index %d", event.SequenceNumber, i)
		}
	}
}

func TestPendingApprovalUniqueness(t *testing.T) {
	store, _ := createTestStore(t)
	ctx := context.Background()

	first := &ApprovalRequest{
		RequestID:      "r-1",
		ConversationID: "c-1",
		ToolName:       "create_project",
		Arguments:      `{"path":"projects/active/x"}`,
		SafetyClass:    SafetyMutating,
	}
	if err := store.CreateApproval(ctx, first); err != nil {
		t.Fatalf("First stage failed: %v", err)
	}

	second := &ApprovalRequest{
		RequestID:      "r-2",
		ConversationID: "c-1",
		ToolName:       "delete_page",
		Arguments:      "{}",
		SafetyClass:    SafetyMutating,
	}
	if err := store.CreateApproval(ctx, second); err != ErrApprovalPending {
		t.Fatalf("Expected ErrApprovalPending, got %v", err)
	}

	// After resolution, staging becomes possible again.
	updated, err := store.ResolveApproval(ctx, "r-1", ResolutionApproved)
	if err != nil || !updated {
		t.Fatalf("Resolve failed: updated=%v err=%v", updated, err)
	}
	if err := store.CreateApproval(ctx, second); err != nil {
		t.Fatalf("Stage after resolution failed: %v", err)
	}

	// Resolving an already-resolved request reports no update.
	updated, err = store.ResolveApproval(ctx, "r-1", ResolutionRejected)
	if err != nil {
		t.Fatalf("Re-resolve errored: %v", err)
	}
	if updated {
		t.Error("Expected re-resolve to report no update")
	}
}

func TestConversationEventDuplicateGuard(t *testing.T) {
	store, _ := createTestStore(t)
	ctx := context.Background()

	seen, err := store.SeenConversationEvent(ctx, "c-1", "digest_schedule", "E-1")
	if err != nil {
		t.Fatalf("First observation failed: %v", err)
	}
	if seen {
		t.Error("First observation should not be a duplicate")
	}

	seen, err = store.SeenConversationEvent(ctx, "c-1", "digest_schedule", "E-1")
	if err != nil {
		t.Fatalf("Second observation failed: %v", err)
	}
	if !seen {
		t.Error("Second observation should be a duplicate")
	}

	// Different kind or conversation is independent.
	seen, _ = store.SeenConversationEvent(ctx, "c-1", "pre_compaction", "E-1")
	if seen {
		t.Error("Different kind should not be a duplicate")
	}
	seen, _ = store.SeenConversationEvent(ctx, "c-2", "digest_schedule", "E-1")
	if seen {
		t.Error("Different conversation should not be a duplicate")
	}
}

func TestStateBlobRoundTrip(t *testing.T) {
	store, _ := createTestStore(t)
	ctx := context.Background()

	t.Run("SmallStaysUncompressed", func(t *testing.T) {
		payload := []byte(`{"hello":"world"}`)
		if err := store.SaveState(ctx, "small", payload); err != nil {
			t.Fatalf("Save failed: %v", err)
		}

		var compressionType string
		err := store.DB().QueryRow("SELECT compression_type FROM state_blobs WHERE key='small'").Scan(&compressionType)
		if err != nil {
			t.Fatalf("Inspect failed: %v", err)
		}
		if compressionType != "none" {
			t.Errorf("Expected none, got %s", compressionType)
		}

		got, err := store.LoadState(ctx, "small")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if string(got) != string(payload) {
			t.Errorf("Round trip mismatch: %q", got)
		}
	})

	t.Run("LargeCompresses", func(t *testing.T) {
		payload := make([]byte, 16*1024)
		for i := range payload {
			payload[i] = byte('a' + i%20)
		}
		if err := store.SaveState(ctx, "large", payload); err != nil {
			t.Fatalf("Save failed: %v", err)
		}

		var compressionType string
		var stateSize int
		err := store.DB().QueryRow("SELECT compression_type, state_size FROM state_blobs WHERE key='large'").Scan(&compressionType, &stateSize)
		if err != nil {
			t.Fatalf("Inspect failed: %v", err)
		}
		if compressionType != "gzip" {
			t.Errorf("Expected gzip, got %s", compressionType)
		}
		if stateSize != len(payload) {
			t.Errorf("Expected state_size %d, got %d", len(payload), stateSize)
		}

		got, err := store.LoadState(ctx, "large")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if string(got) != string(payload) {
			t.Error("Round trip mismatch for compressed blob")
		}
	})

	t.Run("MissingKeyIsNil", func(t *testing.T) {
		got, err := store.LoadState(ctx, "absent")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if got != nil {
			t.Errorf("Expected nil, got %q", got)
		}
	})
}

func TestIdempotencyLookup(t *testing.T) {
	store, _ := createTestStore(t)
	ctx := context.Background()

	job := &Job{ID: "j-k", Type: "ollama.install", Payload: "{}", UserID: "u1", IdempotencyKey: "http://o|m1"}
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	found, err := store.FindJobByIdempotency(ctx, "u1", "ollama.install", "http://o|m1")
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if found == nil || found.ID != "j-k" {
		t.Fatalf("Expected j-k, got %+v", found)
	}

	missing, err := store.FindJobByIdempotency(ctx, "u2", "ollama.install", "http://o|m1")
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if missing != nil {
		t.Error("Expected no match for a different user")
	}
}

func TestConversationTitleIsSetOnce(t *testing.T) {
	store, _ := createTestStore(t)
	ctx := context.Background()

	if err := store.UpsertConversation(ctx, &Conversation{
		ID: "c-1", UserID: "u1", Type: "chat", Title: "Plan the garden",
	}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	// A later upsert keeps the existing title but may retype.
	if err := store.UpsertConversation(ctx, &Conversation{
		ID: "c-1", UserID: "u1", Type: "project-garden", Title: "Thanks",
	}); err != nil {
		t.Fatalf("Second upsert failed: %v", err)
	}

	conv, err := store.GetConversation(ctx, "c-1")
	if err != nil || conv == nil {
		t.Fatalf("Get failed: %v", err)
	}
	if conv.Title != "Plan the garden" {
		t.Errorf("Title overwritten: %q", conv.Title)
	}
	if conv.Type != "project-garden" {
		t.Errorf("Type not updated: %q", conv.Type)
	}

	// An empty title backfills on the next turn that has one.
	if err := store.UpsertConversation(ctx, &Conversation{ID: "c-2", UserID: "u1", Type: "chat"}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := store.UpsertConversation(ctx, &Conversation{
		ID: "c-2", UserID: "u1", Type: "chat", Title: "Backfilled",
	}); err != nil {
		t.Fatalf("Backfill upsert failed: %v", err)
	}
	conv, _ = store.GetConversation(ctx, "c-2")
	if conv.Title != "Backfilled" {
		t.Errorf("Empty title not backfilled: %q", conv.Title)
	}
}
