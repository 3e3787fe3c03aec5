package approval

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"braindrive/pkg/clock"
	"braindrive/pkg/persistence"
)

func newTestLedger(t *testing.T, ttl time.Duration) (*Ledger, *clock.Fake) {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "approval_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store, err := persistence.Open(filepath.Join(tempDir, "test.db"), clk)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
		os.RemoveAll(tempDir)
	})
	return New(store, clk, ttl), clk
}

func stageOne(t *testing.T, ledger *Ledger, conversationID string) string {
	t.Helper()
	requestID, err := ledger.Stage(context.Background(), StageInput{
		ConversationID:  conversationID,
		ToolName:        "create_project",
		Arguments:       map[string]any{"path": "projects/active/demo"},
		SafetyClass:     persistence.SafetyMutating,
		SyntheticReason: "new_page_engine_scaffold",
	})
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	return requestID
}

func TestStageAndApprove(t *testing.T) {
	ledger, _ := newTestLedger(t, 30*time.Minute)
	ctx := context.Background()

	requestID := stageOne(t, ledger, "c-1")

	pending, err := ledger.Pending(ctx, "c-1")
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if pending == nil || pending.RequestID != requestID {
		t.Fatalf("Expected pending request %s, got %+v", requestID, pending)
	}
	if pending.SyntheticReason != "new_page_engine_scaffold" {
		t.Errorf("Synthetic reason not preserved: %q", pending.SyntheticReason)
	}

	resolved, err := ledger.Resolve(ctx, "c-1", requestID, ActionApprove)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolved.Resolution != persistence.ResolutionApproved {
		t.Errorf("Expected approved, got %s", resolved.Resolution)
	}

	pending, err = ledger.Pending(ctx, "c-1")
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if pending != nil {
		t.Error("Expected no pending request after resolution")
	}
}

func TestStageRejectsSecondPending(t *testing.T) {
	ledger, _ := newTestLedger(t, 30*time.Minute)

	stageOne(t, ledger, "c-1")
	_, err := ledger.Stage(context.Background(), StageInput{
		ConversationID: "c-1",
		ToolName:       "delete_page",
		Arguments:      map[string]any{},
		SafetyClass:    persistence.SafetyMutating,
	})
	if !errors.Is(err, ErrAlreadyPending) {
		t.Fatalf("Expected ErrAlreadyPending, got %v", err)
	}

	// A different conversation is unaffected.
	stageOne(t, ledger, "c-2")
}

func TestResolveWrongRequestID(t *testing.T) {
	ledger, _ := newTestLedger(t, 30*time.Minute)
	ctx := context.Background()

	requestID := stageOne(t, ledger, "c-1")

	_, err := ledger.Resolve(ctx, "c-1", "stale-id", ActionApprove)
	if !errors.Is(err, ErrWrongRequestID) {
		t.Fatalf("Expected ErrWrongRequestID, got %v", err)
	}

	// The pending request survives the failed attempt.
	pending, _ := ledger.Pending(ctx, "c-1")
	if pending == nil || pending.RequestID != requestID {
		t.Error("Expected pending request to survive a wrong-id resolve")
	}
}

func TestResolveWithoutPending(t *testing.T) {
	ledger, _ := newTestLedger(t, 30*time.Minute)

	_, err := ledger.Resolve(context.Background(), "c-none", "r-1", ActionReject)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func TestExpiryUnblocksStaging(t *testing.T) {
	ledger, clk := newTestLedger(t, 30*time.Minute)
	ctx := context.Background()

	first := stageOne(t, ledger, "c-1")

	clk.Advance(31 * time.Minute)

	// The expired request no longer resolves.
	_, err := ledger.Resolve(ctx, "c-1", first, ActionApprove)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound for expired request, got %v", err)
	}

	// And a new request can be staged in its place.
	second := stageOne(t, ledger, "c-1")
	if second == first {
		t.Error("Expected a fresh request id after expiry")
	}
}

func TestResolveRetryIsIdempotent(t *testing.T) {
	ledger, clk := newTestLedger(t, 30*time.Minute)
	ctx := context.Background()

	requestID := stageOne(t, ledger, "c-1")

	if _, err := ledger.Resolve(ctx, "c-1", requestID, ActionReject); err != nil {
		t.Fatalf("First resolve failed: %v", err)
	}

	// Same action again inside the retry window returns the prior resolution.
	clk.Advance(2 * time.Second)
	resolved, err := ledger.Resolve(ctx, "c-1", requestID, ActionReject)
	if err != nil {
		t.Fatalf("Retry resolve failed: %v", err)
	}
	if resolved.Resolution != persistence.ResolutionRejected {
		t.Errorf("Expected rejected, got %s", resolved.Resolution)
	}

	// The opposite action does not.
	_, err = ledger.Resolve(ctx, "c-1", requestID, ActionApprove)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound for conflicting retry, got %v", err)
	}

	// Neither does the same action outside the window.
	clk.Advance(time.Minute)
	_, err = ledger.Resolve(ctx, "c-1", requestID, ActionReject)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound for a late retry, got %v", err)
	}
}

func TestUnknownAction(t *testing.T) {
	ledger, _ := newTestLedger(t, 30*time.Minute)
	stageOne(t, ledger, "c-1")

	_, err := ledger.Resolve(context.Background(), "c-1", "whatever", "maybe")
	if err == nil {
		t.Fatal("Expected an error for an unknown action")
	}
}
