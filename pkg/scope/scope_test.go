package scope

import (
	"reflect"
	"testing"
)

func TestResolveConversationTypes(t *testing.T) {
	t.Run("DigestHeartbeat", func(t *testing.T) {
		p := Resolve(Inputs{ConversationType: "digest-morning"})
		if p.ConversationOrchestration != "digest_heartbeat" {
			t.Errorf("Expected digest_heartbeat, got %q", p.ConversationOrchestration)
		}
		if p.DigestChannel != "morning" {
			t.Errorf("Expected channel morning, got %q", p.DigestChannel)
		}
		if p.ScopeMode != ScopeModeProject || p.ProjectSlug != "digest" {
			t.Errorf("Expected digest project scope, got %s/%s", p.ScopeMode, p.ProjectSlug)
		}
		if p.ToolProfile != ProfileDigest {
			t.Errorf("Expected digest profile, got %s", p.ToolProfile)
		}
		if p.RoutingMode != RoutingDualFallback {
			t.Errorf("Expected dual fallback routing, got %s", p.RoutingMode)
		}
	})

	t.Run("LifeTopic", func(t *testing.T) {
		p := Resolve(Inputs{ConversationType: "life-health"})
		if p.ScopeMode != ScopeModeProject || p.ProjectSlug != "health" {
			t.Errorf("Expected health project scope, got %s/%s", p.ScopeMode, p.ProjectSlug)
		}
		if p.ScopeSource != "conversation_type" {
			t.Errorf("Expected conversation_type source, got %q", p.ScopeSource)
		}
	})

	t.Run("ProjectCallerSlug", func(t *testing.T) {
		p := Resolve(Inputs{ConversationType: "project-side-business", ProjectSlug: "side-biz"})
		if p.ProjectSlug != "side-biz" {
			t.Errorf("Expected caller slug to win, got %q", p.ProjectSlug)
		}
		if p.ScopeSource != "caller" {
			t.Errorf("Expected caller source, got %q", p.ScopeSource)
		}
	})

	t.Run("ProjectSlugFromTypeWhenCallerSilent", func(t *testing.T) {
		p := Resolve(Inputs{ConversationType: "project-Side Business"})
		if p.ProjectSlug != "side-business" {
			t.Errorf("Expected slugified type suffix, got %q", p.ProjectSlug)
		}
	})

	t.Run("PlainChatDefaults", func(t *testing.T) {
		p := Resolve(Inputs{ConversationType: "chat"})
		if p.ScopeMode != ScopeModeNone {
			t.Errorf("Expected no scope, got %s", p.ScopeMode)
		}
		if p.RoutingMode != RoutingSingleNative {
			t.Errorf("Expected single native routing, got %s", p.RoutingMode)
		}
		if len(p.SyntheticPlan) != 0 {
			t.Errorf("Expected empty plan, got %d steps", len(p.SyntheticPlan))
		}
	})
}

func TestResolveRouting(t *testing.T) {
	t.Run("ProjectScopedChatUsesCompatPath", func(t *testing.T) {
		p := Resolve(Inputs{ConversationType: "chat", ScopeMode: ScopeModeProject, ProjectSlug: "health"})
		if p.RoutingMode != RoutingDualProjectCompat {
			t.Errorf("Expected project compat routing, got %s", p.RoutingMode)
		}
		if p.ToolProfile != ProfileFull {
			t.Errorf("Expected full profile, got %s", p.ToolProfile)
		}
	})

	t.Run("NativeHintForcesSinglePath", func(t *testing.T) {
		p := Resolve(Inputs{ConversationType: "chat", ScopeMode: ScopeModeProject, NativeToolCalling: true})
		if p.RoutingMode != RoutingSingleNative {
			t.Errorf("Expected native routing, got %s", p.RoutingMode)
		}
	})

	t.Run("CallerProfileOverride", func(t *testing.T) {
		p := Resolve(Inputs{ConversationType: "life-health", ToolProfile: ProfileReadOnly})
		if p.ToolProfile != ProfileReadOnly || p.ToolProfileSource != "caller" {
			t.Errorf("Expected caller read_only profile, got %s/%s", p.ToolProfile, p.ToolProfileSource)
		}
	})
}

func TestNewPagePlan(t *testing.T) {
	t.Run("ScaffoldStep", func(t *testing.T) {
		p := Resolve(Inputs{
			ConversationType: "chat",
			FirstUserMessage: "Please create a project page for Side Business.",
		})
		if len(p.SyntheticPlan) != 1 {
			t.Fatalf("Expected 1 step, got %d", len(p.SyntheticPlan))
		}
		step := p.SyntheticPlan[0]
		if step.ToolName != "create_project" {
			t.Errorf("Expected create_project, got %s", step.ToolName)
		}
		if step.SyntheticReason != ReasonNewPageScaffold {
			t.Errorf("Expected scaffold reason, got %s", step.SyntheticReason)
		}
		if step.Arguments["path"] != "projects/active/side-business" {
			t.Errorf("Unexpected path %v", step.Arguments["path"])
		}
		if step.Arguments["name"] != "Side Business" {
			t.Errorf("Unexpected name %v", step.Arguments["name"])
		}
	})

	t.Run("NewVariant", func(t *testing.T) {
		p := Resolve(Inputs{FirstUserMessage: "create a new project page about woodworking"})
		if len(p.SyntheticPlan) != 1 || p.SyntheticPlan[0].Arguments["path"] != "projects/active/woodworking" {
			t.Errorf("Unexpected plan %+v", p.SyntheticPlan)
		}
	})

	t.Run("EmptySubjectBecomesInterviewTurn", func(t *testing.T) {
		p := Resolve(Inputs{FirstUserMessage: "Create a project page for ..."})
		if len(p.SyntheticPlan) != 1 {
			t.Fatalf("Expected 1 step, got %d", len(p.SyntheticPlan))
		}
		step := p.SyntheticPlan[0]
		if step.SyntheticReason != ReasonNewPageInterviewTurn {
			t.Errorf("Expected interview turn, got %s", step.SyntheticReason)
		}
		if step.InterviewPrompt == "" || step.ToolName != "" {
			t.Errorf("Interview step should carry a prompt and no tool: %+v", step)
		}
	})

	t.Run("UnrelatedMessageHasNoPlan", func(t *testing.T) {
		p := Resolve(Inputs{FirstUserMessage: "What projects do I have?"})
		if len(p.SyntheticPlan) != 0 {
			t.Errorf("Expected empty plan, got %+v", p.SyntheticPlan)
		}
	})
}

func TestCapturePlan(t *testing.T) {
	p := Resolve(Inputs{
		ConversationType: "capture",
		FirstUserMessage: "Call the dentist tomorrow",
		FanoutTargets:    []string{"Health"},
	})
	if len(p.SyntheticPlan) != 3 {
		t.Fatalf("Expected 3 steps, got %d", len(p.SyntheticPlan))
	}

	inbox := p.SyntheticPlan[0]
	if inbox.ToolName != "append_markdown" || inbox.SyntheticReason != ReasonCaptureInboxPersist {
		t.Errorf("Unexpected first step %+v", inbox)
	}
	if inbox.Arguments["path"] != "inbox/captures.md" {
		t.Errorf("Unexpected inbox path %v", inbox.Arguments["path"])
	}

	task := p.SyntheticPlan[1]
	if task.ToolName != "create_task" || task.SyntheticReason != ReasonCaptureNewTaskCreate {
		t.Errorf("Unexpected second step %+v", task)
	}

	fanout := p.SyntheticPlan[2]
	if fanout.SyntheticReason != "capture_scope_fanout_health" {
		t.Errorf("Unexpected fanout reason %s", fanout.SyntheticReason)
	}
	if fanout.Arguments["path"] != "projects/active/health/inbox.md" {
		t.Errorf("Unexpected fanout path %v", fanout.Arguments["path"])
	}
}

func TestCrossPollinationOrderIsDeterministic(t *testing.T) {
	in := Inputs{
		ConversationType: "chat",
		CrossPollinate: map[string]string{
			"woodworking": "side-business",
			"health":      "fitness",
			"cooking":     "health",
		},
	}

	first := Resolve(in)
	for i := 0; i < 20; i++ {
		if !reflect.DeepEqual(Resolve(in).SyntheticPlan, first.SyntheticPlan) {
			t.Fatal("Plan order varies across resolutions")
		}
	}

	reasons := make([]string, 0, len(first.SyntheticPlan))
	for _, step := range first.SyntheticPlan {
		reasons = append(reasons, step.SyntheticReason)
	}
	want := []string{
		"cross_pollination_cooking_to_health",
		"cross_pollination_health_to_fitness",
		"cross_pollination_woodworking_to_side-business",
	}
	if !reflect.DeepEqual(reasons, want) {
		t.Errorf("Expected sorted source order %v, got %v", want, reasons)
	}
}

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"Side Business":       "side-business",
		"  Trimmed  ":         "trimmed",
		"Already-Slugged":     "already-slugged",
		"Mixed CASE & Chars!": "mixed-case-chars",
		"":                    "",
	}
	for in, want := range cases {
		if got := Slugify(in); got != want {
			t.Errorf("Slugify(%q) = %q, want %q", in, got, want)
		}
	}
}
