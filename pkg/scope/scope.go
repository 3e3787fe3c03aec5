// Package scope resolves conversation type and caller parameters into the
// effective tool policy: scope, profile, routing mode, and the deterministic
// synthetic tool-call plan.
package scope

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Scope modes.
const (
	ScopeModeNone    = "none"
	ScopeModeProject = "project"
)

// Tool profiles.
const (
	ProfileReadOnly = "read_only"
	ProfileDigest   = "digest"
	ProfileFull     = "full"
	ProfileNone     = "none"
)

// Routing modes.
const (
	RoutingSingleNative      = "single_path_native"
	RoutingDualFallback      = "dual_path_fallback"
	RoutingDualProjectCompat = "dual_path_project_scope_compat"
)

// Synthetic reasons carried on injected tool calls.
const (
	ReasonNewPageScaffold      = "new_page_engine_scaffold"
	ReasonCaptureInboxPersist  = "capture_inbox_persist"
	ReasonCaptureNewTaskCreate = "capture_new_task_create"
	ReasonNewPageInterviewTurn = "new_page_interview_question"
)

// SyntheticStep is one entry in the injection plan. Steps with a non-empty
// InterviewPrompt are deterministic assistant turns rather than tool calls.
type SyntheticStep struct {
	ToolName        string
	Arguments       map[string]any
	SyntheticReason string
	InterviewPrompt string
}

// Inputs carries everything the policy reads. All fields come from the chat
// payload; the policy itself is a pure function.
type Inputs struct {
	ConversationType  string
	ScopeMode         string            // caller's mcp_scope_mode
	ProjectSlug       string            // caller's mcp_project_slug
	ProjectName       string            // caller's mcp_project_name
	ToolProfile       string            // caller's mcp_tool_profile
	NativeToolCalling bool              // caller's mcp_native_tool_calling
	FirstUserMessage  string
	FanoutTargets     []string          // capture fan-out targets
	CrossPollinate    map[string]string // source topic -> target topic
}

// Policy is the resolved effective policy for one chat turn.
type Policy struct {
	ScopeMode                 string
	ScopeSource               string
	ProjectSlug               string
	ToolProfile               string
	ToolProfileSource         string
	RoutingMode               string
	ConversationOrchestration string
	DigestChannel             string
	SyntheticPlan             []SyntheticStep
}

var newPageRe = regexp.MustCompile(`(?i)\bcreate\s+a\s+(?:new\s+)?project\s+page\s+(?:for|about)\s+(.+)`)

// Resolve computes the effective policy. It never errors; unknown
// conversation types fall through to plain chat behavior.
func Resolve(in Inputs) Policy {
	p := Policy{
		ScopeMode:         ScopeModeNone,
		ToolProfile:       ProfileFull,
		ToolProfileSource: "default",
		RoutingMode:       RoutingSingleNative,
	}

	switch {
	case strings.HasPrefix(in.ConversationType, "digest-"):
		p.ConversationOrchestration = "digest_heartbeat"
		p.DigestChannel = strings.TrimPrefix(in.ConversationType, "digest-")
		p.ScopeMode = ScopeModeProject
		p.ScopeSource = "conversation_type"
		p.ProjectSlug = "digest"
		p.ToolProfile = ProfileDigest
		p.ToolProfileSource = "conversation_type"

	case strings.HasPrefix(in.ConversationType, "life-"):
		p.ScopeMode = ScopeModeProject
		p.ScopeSource = "conversation_type"
		p.ProjectSlug = strings.TrimPrefix(in.ConversationType, "life-")

	case strings.HasPrefix(in.ConversationType, "project-"):
		p.ScopeMode = ScopeModeProject
		p.ScopeSource = "caller"
		p.ProjectSlug = in.ProjectSlug
		if p.ProjectSlug == "" {
			p.ProjectSlug = Slugify(strings.TrimPrefix(in.ConversationType, "project-"))
		}
	}

	// Caller overrides.
	if in.ScopeMode == ScopeModeProject {
		p.ScopeMode = ScopeModeProject
		if p.ScopeSource == "" {
			p.ScopeSource = "caller"
		}
		if in.ProjectSlug != "" {
			p.ProjectSlug = in.ProjectSlug
		}
	}
	if in.ToolProfile != "" {
		p.ToolProfile = in.ToolProfile
		p.ToolProfileSource = "caller"
	}

	// Routing: project-scoped plain chat uses the compat dual path; a
	// payload hint forces native; digest conversations stay on the
	// fallback dual path so orchestration owns the tool calls.
	switch {
	case p.ConversationOrchestration == "digest_heartbeat":
		p.RoutingMode = RoutingDualFallback
	case in.NativeToolCalling:
		p.RoutingMode = RoutingSingleNative
	case in.ConversationType == "chat" && p.ScopeMode == ScopeModeProject:
		p.RoutingMode = RoutingDualProjectCompat
		if in.ToolProfile == "" {
			p.ToolProfile = ProfileFull
		}
	}

	p.SyntheticPlan = buildSyntheticPlan(in, &p)
	return p
}

// buildSyntheticPlan derives the ordered list of virtual tool calls for this
// turn. The plan is deterministic: the same inputs always produce the same
// steps, regardless of what the model would do.
func buildSyntheticPlan(in Inputs, p *Policy) []SyntheticStep {
	var plan []SyntheticStep

	if m := newPageRe.FindStringSubmatch(in.FirstUserMessage); m != nil {
		subject := strings.TrimSpace(strings.TrimRight(m[1], ".!?"))
		if subject == "" {
			plan = append(plan, SyntheticStep{
				SyntheticReason: ReasonNewPageInterviewTurn,
				InterviewPrompt: "What should the new project page be about?",
			})
		} else {
			plan = append(plan, SyntheticStep{
				ToolName:        "create_project",
				SyntheticReason: ReasonNewPageScaffold,
				Arguments: map[string]any{
					"path": "projects/active/" + Slugify(subject),
					"name": subject,
				},
			})
		}
	}

	if in.ConversationType == "capture" {
		plan = append(plan,
			SyntheticStep{
				ToolName:        "append_markdown",
				SyntheticReason: ReasonCaptureInboxPersist,
				Arguments: map[string]any{
					"path":    "inbox/captures.md",
					"content": in.FirstUserMessage,
				},
			},
			SyntheticStep{
				ToolName:        "create_task",
				SyntheticReason: ReasonCaptureNewTaskCreate,
				Arguments: map[string]any{
					"source": "capture",
					"text":   in.FirstUserMessage,
				},
			},
		)
		for _, target := range in.FanoutTargets {
			plan = append(plan, SyntheticStep{
				ToolName:        "append_markdown",
				SyntheticReason: fmt.Sprintf("capture_scope_fanout_%s", Slugify(target)),
				Arguments: map[string]any{
					"path":    fmt.Sprintf("projects/active/%s/inbox.md", Slugify(target)),
					"content": in.FirstUserMessage,
				},
			})
		}
	}

	sources := make([]string, 0, len(in.CrossPollinate))
	for source := range in.CrossPollinate {
		sources = append(sources, source)
	}
	sort.Strings(sources)
	for _, source := range sources {
		target := in.CrossPollinate[source]
		plan = append(plan, SyntheticStep{
			ToolName:        "append_markdown",
			SyntheticReason: fmt.Sprintf("cross_pollination_%s_to_%s", Slugify(source), Slugify(target)),
			Arguments: map[string]any{
				"path":    fmt.Sprintf("projects/active/%s/related.md", Slugify(target)),
				"content": fmt.Sprintf("Related activity in %s.", source),
			},
		})
	}

	return plan
}

var slugCleanRe = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases and collapses non-alphanumeric runs to single hyphens.
func Slugify(s string) string {
	slug := slugCleanRe.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), "-")
	return strings.Trim(slug, "-")
}
