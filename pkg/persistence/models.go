package persistence

import "time"

// Job status values.
const (
	JobStatusQueued    = "queued"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCanceled  = "canceled"
)

// IsTerminalJobStatus reports whether a job in this status will never run
// again without an explicit re-enqueue.
func IsTerminalJobStatus(status string) bool {
	return status == JobStatusCompleted || status == JobStatusFailed || status == JobStatusCanceled
}

// Job is a durable unit of background work.
type Job struct {
	ID              string
	Type            string
	Status          string
	Priority        int
	Payload         string // JSON
	Result          string // JSON, set on completion
	Error           string
	ProgressPercent float64
	CurrentStage    string
	Message         string
	RetryCount      int
	MaxRetries      int
	ScheduledFor    time.Time
	UserID          string
	WorkspaceID     string
	IdempotencyKey  string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// JobAttempt records one execution of a job. Attempt numbers are monotonic
// per job starting at 1.
type JobAttempt struct {
	JobID         string
	AttemptNumber int
	Status        string
	StartedAt     time.Time
	CompletedAt   *time.Time
	Error         string
}

// ProgressEvent is one entry in a job's append-only progress log. Sequence
// numbers are strictly increasing per job starting at 1.
type ProgressEvent struct {
	JobID          string
	SequenceNumber int
	EventType      string
	Data           string // JSON
	Timestamp      time.Time
}

// Approval resolution values.
const (
	ResolutionApproved = "approved"
	ResolutionRejected = "rejected"
	ResolutionExpired  = "expired"
)

// ApprovalRequest is a staged mutating tool call awaiting a user decision.
type ApprovalRequest struct {
	RequestID       string
	ConversationID  string
	ToolName        string
	Arguments       string // JSON
	SafetyClass     string
	SyntheticReason string
	Preview         string
	CreatedAt       time.Time
	ResolvedAt      *time.Time
	Resolution      string
}

// Safety class values for tools.
const (
	SafetyReadOnly = "read_only"
	SafetyMutating = "mutating"
)

// MCPServer is a registered tool server.
type MCPServer struct {
	ID                  string
	UserID              string
	BaseURL             string
	ToolsURL            string
	ToolCallURLTemplate string
	Status              string
	LastSyncAt          *time.Time
	LastError           string
}

// Tool is one tool advertised by an MCP server. SourceHash is the SHA-256 of
// the canonical JSON of the upstream definition; it drives change detection
// during sync.
type Tool struct {
	ServerID    string
	Name        string
	Description string
	Parameters  string // JSON Schema
	SafetyClass string
	Enabled     bool
	Stale       bool
	SourceHash  string
	Version     int
	UpdatedAt   time.Time
}

// Conversation holds the metadata the orchestrator keys behavior off of.
// Title is derived from the opening user message and set once.
type Conversation struct {
	ID        string
	UserID    string
	Type      string
	Title     string
	CreatedAt time.Time
}
