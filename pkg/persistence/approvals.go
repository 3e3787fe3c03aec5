package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ErrApprovalPending is returned when staging a second approval for a
// conversation that already has one unresolved.
var ErrApprovalPending = errors.New("conversation already has a pending approval request")

func scanApproval(row interface{ Scan(...any) error }) (*ApprovalRequest, error) {
	var a ApprovalRequest
	var resolvedAt sql.NullTime
	var resolution sql.NullString
	err := row.Scan(
		&a.RequestID, &a.ConversationID, &a.ToolName, &a.Arguments,
		&a.SafetyClass, &a.SyntheticReason, &a.Preview,
		&a.CreatedAt, &resolvedAt, &resolution,
	)
	if err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		a.ResolvedAt = &t
	}
	if resolution.Valid {
		a.Resolution = resolution.String
	}
	return &a, nil
}

const approvalColumns = `request_id, conversation_id, tool_name, arguments,
	safety_class, COALESCE(synthetic_reason,''), COALESCE(preview,''),
	created_at, resolved_at, resolution`

// CreateApproval stages a new approval request. The partial unique index on
// unresolved rows enforces at most one pending request per conversation;
// violating it surfaces as ErrApprovalPending.
func (s *Store) CreateApproval(ctx context.Context, req *ApprovalRequest) error {
	req.CreatedAt = s.clk.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approval_requests (request_id, conversation_id, tool_name,
			arguments, safety_class, synthetic_reason, preview, created_at)
		VALUES (?, ?, ?, ?, ?, NULLIF(?,''), NULLIF(?,''), ?)`,
		req.RequestID, req.ConversationID, req.ToolName,
		req.Arguments, req.SafetyClass, req.SyntheticReason, req.Preview,
		req.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") ||
			strings.Contains(err.Error(), "constraint failed") {
			return ErrApprovalPending
		}
		return fmt.Errorf("failed to create approval request: %w", err)
	}
	return nil
}

// GetApproval returns the approval request with the given id, or nil.
func (s *Store) GetApproval(ctx context.Context, requestID string) (*ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+approvalColumns+" FROM approval_requests WHERE request_id = ?",
		requestID)
	req, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get approval request %s: %w", requestID, err)
	}
	return req, nil
}

// GetPendingApproval returns the unresolved approval for a conversation, or
// nil when none is pending.
func (s *Store) GetPendingApproval(ctx context.Context, conversationID string) (*ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+approvalColumns+` FROM approval_requests
		WHERE conversation_id = ? AND resolved_at IS NULL`,
		conversationID)
	req, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending approval: %w", err)
	}
	return req, nil
}

// ResolveApproval records a resolution on a still-pending request. Returns
// false when the request was already resolved (or does not exist); the caller
// decides how to treat that.
func (s *Store) ResolveApproval(ctx context.Context, requestID, resolution string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE approval_requests SET resolved_at = ?, resolution = ?
		WHERE request_id = ? AND resolved_at IS NULL`,
		s.clk.Now(), resolution, requestID)
	if err != nil {
		return false, fmt.Errorf("failed to resolve approval %s: %w", requestID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read resolve rowcount: %w", err)
	}
	return n > 0, nil
}
