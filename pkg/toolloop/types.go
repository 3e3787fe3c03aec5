package toolloop

import (
	"context"

	"braindrive/pkg/llm"
)

// ApprovalCopy is the exact assistant content emitted whenever the loop
// suspends for approval. Tests assert it byte-for-byte; treat any change as
// an API break.
const ApprovalCopy = "Approval required before executing mutating tool call. Reply `approve` to continue or `reject` to cancel."

// Stop reasons published in ToolingState.
const (
	StopProviderFinal    = "provider_final_response"
	StopApprovalRequired = "approval_required"
	StopInterviewTurn    = "deterministic_new_page_interview_turn"
	StopProviderTimeout  = "provider_timeout"
	StopIterationCap     = "iteration_cap_reached"
	StopError            = "error"
)

// Tool execution modes.
const (
	ExecutionNative   = "native"
	ExecutionDualPath = "dual_path"
	ExecutionDisabled = "disabled"
)

// Duplicate-guard status values.
const (
	GuardStatusTriggered      = "triggered"
	GuardStatusDuplicateGuard = "duplicate_guard"
	GuardReasonHistorySeen    = "history_seen"
)

// ApprovalAction is the caller's resolution of a previously staged request.
type ApprovalAction struct {
	Action    string `json:"action"`
	RequestID string `json:"request_id"`
}

// Params carries the per-turn tunables from the chat payload. Zero values
// fall back to configuration defaults.
type Params struct {
	ToolsEnabled           bool              `json:"mcp_tools_enabled"`
	ScopeMode              string            `json:"mcp_scope_mode,omitempty"`
	ProjectSlug            string            `json:"mcp_project_slug,omitempty"`
	ProjectName            string            `json:"mcp_project_name,omitempty"`
	SyncOnRequest          bool              `json:"mcp_sync_on_request,omitempty"`
	AutoApproveMutating    bool              `json:"mcp_auto_approve_mutating,omitempty"`
	MaxToolIterations      int               `json:"mcp_max_tool_iterations,omitempty"`
	ProviderTimeoutSeconds int               `json:"mcp_provider_timeout_seconds,omitempty"`
	ToolProfile            string            `json:"mcp_tool_profile,omitempty"`
	NativeToolCalling      bool              `json:"mcp_native_tool_calling,omitempty"`
	Approval               *ApprovalAction   `json:"mcp_approval,omitempty"`
	DigestForceRun         bool              `json:"mcp_digest_force_run,omitempty"`
	DigestScheduleEventID  string            `json:"mcp_digest_schedule_event_id,omitempty"`
	PreCompactionEventID   string            `json:"mcp_pre_compaction_event_id,omitempty"`
	FanoutTargets          []string          `json:"mcp_capture_fanout_targets,omitempty"`
	CrossPollinate         map[string]string `json:"mcp_cross_pollinate,omitempty"`
	Temperature            float32           `json:"temperature,omitempty"`
	MaxTokens              int               `json:"max_tokens,omitempty"`
	TopP                   float32           `json:"top_p,omitempty"`
}

// Request is one chat turn handed to the loop.
type Request struct {
	Provider         string
	Model            string
	Messages         []llm.Message
	UserID           string
	ConversationID   string
	ConversationType string
	Params           Params
}

// Choice mirrors the provider-style response shape.
type Choice struct {
	Message      llm.Message `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// ToolingState is the per-turn observability record published with every
// response.
type ToolingState struct {
	ToolRoutingMode              string   `json:"tool_routing_mode"`
	ToolExecutionMode            string   `json:"tool_execution_mode"`
	ToolProfile                  string   `json:"tool_profile"`
	ToolProfileSource            string   `json:"tool_profile_source"`
	ToolCallsExecutedCount       int      `json:"tool_calls_executed_count"`
	ToolLoopStopReason           string   `json:"tool_loop_stop_reason"`
	PromptTokensEstimate         int      `json:"prompt_tokens_estimate,omitempty"`
	ProviderTimeoutCount         int      `json:"provider_timeout_count,omitempty"`
	ResponseCitations            []string `json:"response_citations,omitempty"`
	ResponseCitationsAppended    bool     `json:"response_citations_appended,omitempty"`
	DigestScheduleStatus         string   `json:"digest_schedule_status,omitempty"`
	DigestScheduleDuplicateGuard string   `json:"digest_schedule_duplicate_guard,omitempty"`
	PreCompactionFlushStatus     string   `json:"pre_compaction_flush_status,omitempty"`
	PreCompactionDuplicateGuard  string   `json:"pre_compaction_duplicate_guard,omitempty"`
	DeliveryRecordError          string   `json:"delivery_record_error,omitempty"`
	Errors                       []string `json:"errors,omitempty"`
}

// ApprovalRequestView is the approval_request object returned to the caller
// when the loop suspends.
type ApprovalRequestView struct {
	RequestID       string         `json:"request_id"`
	Tool            string         `json:"tool"`
	Arguments       map[string]any `json:"arguments"`
	SafetyClass     string         `json:"safety_class"`
	SyntheticReason string         `json:"synthetic_reason,omitempty"`
	Preview         map[string]any `json:"preview,omitempty"`
}

// ApprovalResolutionView reports how a staged request was resolved.
type ApprovalResolutionView struct {
	Status    string `json:"status"`
	RequestID string `json:"request_id"`
}

// DeliveryHandoff describes how a terminal digest turn should be delivered.
type DeliveryHandoff struct {
	Channel              string `json:"channel"`
	ConversationType     string `json:"conversation_type"`
	Format               string `json:"format"`
	Body                 string `json:"body"`
	DeliveryRecordStatus string `json:"delivery_record_status"`
	DeliveryRecordPath   string `json:"delivery_record_path,omitempty"`
}

// Response is the finalized (or suspended) outcome of one turn.
type Response struct {
	Choices            []Choice                `json:"choices"`
	ConversationID     string                  `json:"conversation_id"`
	ToolingState       ToolingState            `json:"tooling_state"`
	ApprovalRequired   bool                    `json:"approval_required,omitempty"`
	ApprovalRequest    *ApprovalRequestView    `json:"approval_request,omitempty"`
	ApprovalResolution *ApprovalResolutionView `json:"approval_resolution,omitempty"`
	DeliveryHandoff    *DeliveryHandoff        `json:"delivery_handoff,omitempty"`
}

// ProviderFactory builds provider clients on demand. The loop never caches
// clients; the factory owns reuse policy.
type ProviderFactory interface {
	Client(ctx context.Context, provider, model string) (llm.Client, error)
}
