// Package approval implements the per-conversation ledger of mutating tool
// calls awaiting user resolution. At most one request may be unresolved per
// conversation; expired requests are lazily swept on access.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"braindrive/pkg/clock"
	"braindrive/pkg/config"
	"braindrive/pkg/logx"
	"braindrive/pkg/persistence"
)

// Ledger operation errors.
var (
	// ErrAlreadyPending is returned by Stage when the conversation already
	// has an unresolved request.
	ErrAlreadyPending = errors.New("ALREADY_PENDING")
	// ErrNotFound is returned by Resolve when no pending request exists
	// (including requests that just expired).
	ErrNotFound = errors.New("NOT_FOUND")
	// ErrWrongRequestID is returned by Resolve when the pending request has
	// a different id than the caller supplied.
	ErrWrongRequestID = errors.New("WRONG_REQUEST_ID")
)

// Action values accepted by Resolve.
const (
	ActionApprove = "approve"
	ActionReject  = "reject"
)

// StageInput describes a mutating tool call to stage.
type StageInput struct {
	ConversationID  string
	ToolName        string
	Arguments       map[string]any
	SafetyClass     string
	SyntheticReason string
	Preview         string // JSON, optional
}

// Ledger stages and resolves approval requests on top of the Store.
type Ledger struct {
	store  *persistence.Store
	clk    clock.Clock
	logger *logx.Logger
	ttl    time.Duration
}

// New creates a Ledger. ttl bounds how long a staged request stays
// resolvable; zero uses the default.
func New(store *persistence.Store, clk clock.Clock, ttl time.Duration) *Ledger {
	if ttl <= 0 {
		ttl = config.ApprovalTTL
	}
	return &Ledger{
		store:  store,
		clk:    clk,
		logger: logx.NewLogger("approval"),
		ttl:    ttl,
	}
}

// Stage records a new pending request and returns its id. Fails with
// ErrAlreadyPending when the conversation has an unresolved request that has
// not expired.
func (l *Ledger) Stage(ctx context.Context, in StageInput) (string, error) {
	// Sweep an expired pending request first so it does not block staging.
	if _, err := l.Pending(ctx, in.ConversationID); err != nil {
		return "", err
	}

	argsJSON, err := json.Marshal(in.Arguments)
	if err != nil {
		return "", fmt.Errorf("failed to encode staged arguments: %w", err)
	}

	req := &persistence.ApprovalRequest{
		RequestID:       clock.NewRequestID(),
		ConversationID:  in.ConversationID,
		ToolName:        in.ToolName,
		Arguments:       string(argsJSON),
		SafetyClass:     in.SafetyClass,
		SyntheticReason: in.SyntheticReason,
		Preview:         in.Preview,
	}
	if err := l.store.CreateApproval(ctx, req); err != nil {
		if errors.Is(err, persistence.ErrApprovalPending) {
			return "", ErrAlreadyPending
		}
		return "", err
	}
	l.logger.Info("⏸️ Staged approval %s for %s in conversation %s", req.RequestID, in.ToolName, in.ConversationID)
	return req.RequestID, nil
}

// Pending returns the conversation's unresolved request, or nil. Requests
// older than the TTL are marked expired here and reported as absent.
func (l *Ledger) Pending(ctx context.Context, conversationID string) (*persistence.ApprovalRequest, error) {
	req, err := l.store.GetPendingApproval(ctx, conversationID)
	if err != nil || req == nil {
		return nil, err
	}
	if l.clk.Now().Sub(req.CreatedAt) > l.ttl {
		if _, err := l.store.ResolveApproval(ctx, req.RequestID, persistence.ResolutionExpired); err != nil {
			return nil, err
		}
		l.logger.Info("⌛ Approval %s expired in conversation %s", req.RequestID, conversationID)
		return nil, nil
	}
	return req, nil
}

// Resolve applies an approve/reject action to the conversation's pending
// request. Re-resolving the same (request_id, action) pair within a short
// window returns the resolved request again instead of failing, so client
// retries are harmless.
func (l *Ledger) Resolve(ctx context.Context, conversationID, requestID, action string) (*persistence.ApprovalRequest, error) {
	resolution, err := resolutionFor(action)
	if err != nil {
		return nil, err
	}

	pending, err := l.Pending(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if pending == nil {
		// Idempotent retry path: the request may have just been resolved
		// with the same action.
		prior, err := l.store.GetApproval(ctx, requestID)
		if err != nil {
			return nil, err
		}
		if prior != nil && prior.ConversationID == conversationID &&
			prior.Resolution == resolution && prior.ResolvedAt != nil &&
			l.clk.Now().Sub(*prior.ResolvedAt) <= config.ApprovalResolveIdempotency {
			return prior, nil
		}
		return nil, ErrNotFound
	}
	if pending.RequestID != requestID {
		return nil, ErrWrongRequestID
	}

	updated, err := l.store.ResolveApproval(ctx, requestID, resolution)
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, ErrNotFound
	}

	resolved, err := l.store.GetApproval(ctx, requestID)
	if err != nil {
		return nil, err
	}
	l.logger.Info("✅ Approval %s resolved %s in conversation %s", requestID, resolution, conversationID)
	return resolved, nil
}

func resolutionFor(action string) (string, error) {
	switch action {
	case ActionApprove:
		return persistence.ResolutionApproved, nil
	case ActionReject:
		return persistence.ResolutionRejected, nil
	default:
		return "", fmt.Errorf("unknown approval action %q", action)
	}
}
