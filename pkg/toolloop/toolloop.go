// Package toolloop implements the tool-calling orchestrator: the multi-turn
// loop that drives a conversation through an AI provider, executes read-only
// tools, gates mutating tools behind approval, injects deterministic
// synthetic tool calls, and assembles the final response with citations and
// delivery handoff.
package toolloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"braindrive/pkg/approval"
	"braindrive/pkg/clock"
	"braindrive/pkg/config"
	"braindrive/pkg/llm"
	"braindrive/pkg/llmerrors"
	"braindrive/pkg/logx"
	"braindrive/pkg/metrics"
	"braindrive/pkg/outbox"
	"braindrive/pkg/persistence"
	"braindrive/pkg/registry"
	"braindrive/pkg/scope"
	"braindrive/pkg/transcript"
)

// previewToolName is the registry tool consulted to build approval previews
// for markdown-mutating calls.
const previewToolName = "preview_markdown_change"

// Loop is the orchestrator. It is stateless across turns except through the
// store and ledger, so one instance serves all conversations.
type Loop struct {
	registry *registry.Registry
	ledger   *approval.Ledger
	store    *persistence.Store
	outbox   *outbox.Outbox
	recorder *metrics.Recorder
	factory  ProviderFactory
	clk      clock.Clock
	cfg      config.ToolLoopConfig
	tokens   *transcript.TokenCounter
	logger   *logx.Logger
}

// New wires a Loop. recorder may be nil to disable metrics.
func New(reg *registry.Registry, ledger *approval.Ledger, store *persistence.Store, box *outbox.Outbox, recorder *metrics.Recorder, factory ProviderFactory, clk clock.Clock, cfg config.ToolLoopConfig) *Loop {
	// A nil counter degrades to the length-based estimate.
	tokens, _ := transcript.NewTokenCounter("gpt-4")
	return &Loop{
		registry: reg,
		ledger:   ledger,
		store:    store,
		outbox:   box,
		recorder: recorder,
		factory:  factory,
		clk:      clk,
		cfg:      cfg,
		tokens:   tokens,
		logger:   logx.NewLogger("toolloop"),
	}
}

// executedCall pairs a tool call with its result for citation scanning.
type executedCall struct {
	call   llm.ToolCall
	result *registry.ToolResult
}

// turnState is the working state of one Run invocation.
type turnState struct {
	req        *Request
	policy     scope.Policy
	builder    *transcript.Builder
	state      ToolingState
	executed   []executedCall
	resolution *ApprovalResolutionView
}

// Run drives one chat turn to a final response or an approval suspension.
// Tool and provider failures are reified into the response; Run only errors
// on store failures and invalid approval resolutions.
func (l *Loop) Run(ctx context.Context, req *Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("messages cannot be empty")
	}

	if err := l.store.UpsertConversation(ctx, &persistence.Conversation{
		ID:     req.ConversationID,
		UserID: req.UserID,
		Type:   req.ConversationType,
		Title:  conversationTitle(transcript.FirstUserMessage(req.Messages)),
	}); err != nil {
		return nil, err
	}

	policy := scope.Resolve(scope.Inputs{
		ConversationType:  req.ConversationType,
		ScopeMode:         req.Params.ScopeMode,
		ProjectSlug:       req.Params.ProjectSlug,
		ProjectName:       req.Params.ProjectName,
		ToolProfile:       req.Params.ToolProfile,
		NativeToolCalling: req.Params.NativeToolCalling,
		FirstUserMessage:  transcript.LastUserMessage(req.Messages),
		FanoutTargets:     req.Params.FanoutTargets,
		CrossPollinate:    req.Params.CrossPollinate,
	})

	ts := &turnState{
		req:     req,
		policy:  policy,
		builder: transcript.NewBuilder(req.Messages),
		state: ToolingState{
			ToolRoutingMode:   policy.RoutingMode,
			ToolProfile:       policy.ToolProfile,
			ToolProfileSource: policy.ToolProfileSource,
			ToolExecutionMode: executionMode(req, policy),
		},
	}

	if policy.ScopeMode == scope.ScopeModeProject && policy.ProjectSlug != "" {
		ts.builder.AddSystemPrompt(fmt.Sprintf(
			"You are working within the %q project scope. When you draw on project files, mention their paths so they can be cited in a Sources section.",
			policy.ProjectSlug))
	}

	if err := l.applyDuplicateGuards(ctx, ts); err != nil {
		return nil, err
	}

	if req.Params.SyncOnRequest && ts.state.ToolExecutionMode != ExecutionDisabled {
		if _, err := l.registry.Sync(ctx, req.UserID); err != nil {
			ts.state.Errors = append(ts.state.Errors, fmt.Sprintf("tool sync failed: %v", err))
		}
	}

	// A pending resolution is applied before anything else this turn.
	if req.Params.Approval != nil {
		done, resp, err := l.applyResolution(ctx, ts)
		if err != nil {
			return nil, err
		}
		if done {
			return resp, nil
		}
	}

	// Deterministic synthetic steps run ahead of the first provider call.
	if resp, err := l.runSyntheticPlan(ctx, ts); err != nil {
		return nil, err
	} else if resp != nil {
		return resp, nil
	}

	return l.runProviderIterations(ctx, ts)
}

// conversationTitle derives a display title from the opening user message.
func conversationTitle(first string) string {
	const maxTitleRunes = 80
	runes := []rune(strings.TrimSpace(first))
	if len(runes) > maxTitleRunes {
		return string(runes[:maxTitleRunes]) + "..."
	}
	return string(runes)
}

func executionMode(req *Request, policy scope.Policy) string {
	if !req.Params.ToolsEnabled || policy.ToolProfile == scope.ProfileNone {
		return ExecutionDisabled
	}
	if policy.RoutingMode == scope.RoutingSingleNative {
		return ExecutionNative
	}
	return ExecutionDualPath
}

// applyDuplicateGuards consults per-conversation history for scheduled digest
// runs and pre-compaction flushes. Repeated event ids suppress the work.
func (l *Loop) applyDuplicateGuards(ctx context.Context, ts *turnState) error {
	if id := ts.req.Params.DigestScheduleEventID; id != "" {
		seen, err := l.store.SeenConversationEvent(ctx, ts.req.ConversationID, "digest_schedule", id)
		if err != nil {
			return err
		}
		// A forced run bypasses the guard even for an already-seen event id.
		if seen && !ts.req.Params.DigestForceRun {
			ts.state.DigestScheduleStatus = GuardStatusDuplicateGuard
			ts.state.DigestScheduleDuplicateGuard = GuardReasonHistorySeen
		} else {
			ts.state.DigestScheduleStatus = GuardStatusTriggered
		}
	}

	if id := ts.req.Params.PreCompactionEventID; id != "" {
		seen, err := l.store.SeenConversationEvent(ctx, ts.req.ConversationID, "pre_compaction", id)
		if err != nil {
			return err
		}
		if seen {
			ts.state.PreCompactionFlushStatus = GuardStatusDuplicateGuard
			ts.state.PreCompactionDuplicateGuard = GuardReasonHistorySeen
		} else {
			ts.state.PreCompactionFlushStatus = GuardStatusTriggered
			if err := l.flushPreCompactionState(ctx, ts); err != nil {
				ts.state.Errors = append(ts.state.Errors, fmt.Sprintf("pre-compaction flush failed: %v", err))
			}
		}
	}
	return nil
}

// flushPreCompactionState snapshots the incoming transcript so it survives
// the caller's history compaction.
func (l *Loop) flushPreCompactionState(ctx context.Context, ts *turnState) error {
	snapshot, err := json.Marshal(ts.req.Messages)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("precompaction/%s/%s", ts.req.ConversationID, ts.req.Params.PreCompactionEventID)
	return l.store.SaveState(ctx, key, snapshot)
}

// applyResolution handles params.mcp_approval. Reject finishes the turn;
// approve executes the staged call and lets the loop continue. Resolution
// errors are fatal to the turn.
func (l *Loop) applyResolution(ctx context.Context, ts *turnState) (bool, *Response, error) {
	action := ts.req.Params.Approval
	resolved, err := l.ledger.Resolve(ctx, ts.req.ConversationID, action.RequestID, action.Action)
	if err != nil {
		if errors.Is(err, approval.ErrNotFound) || errors.Is(err, approval.ErrWrongRequestID) {
			return false, nil, fmt.Errorf("approval resolution failed: %w", err)
		}
		return false, nil, err
	}
	if l.recorder != nil {
		l.recorder.ObserveApproval(resolved.Resolution)
	}

	ts.resolution = &ApprovalResolutionView{
		Status:    resolved.Resolution,
		RequestID: resolved.RequestID,
	}

	if resolved.Resolution == persistence.ResolutionRejected {
		content := fmt.Sprintf("Understood. The %s call was rejected and has not been executed.", resolved.ToolName)
		ts.builder.AppendAssistant(content)
		ts.state.ToolLoopStopReason = StopProviderFinal
		return true, l.finalize(ctx, ts, content, "stop"), nil
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(resolved.Arguments), &args); err != nil {
		return false, nil, fmt.Errorf("staged arguments are corrupt: %w", err)
	}

	call := llm.ToolCall{ID: resolved.RequestID, Name: resolved.ToolName, Arguments: args}
	ts.builder.AppendAssistantToolCalls("", []llm.ToolCall{call})
	l.executeCall(ctx, ts, call)
	return false, nil, nil
}

// runSyntheticPlan walks the policy's plan in order. Each step behaves as if
// the provider had emitted it: read-only steps execute, mutating steps pass
// through the approval gate. Steps already applied in this conversation are
// skipped so resumed turns do not replay them.
func (l *Loop) runSyntheticPlan(ctx context.Context, ts *turnState) (*Response, error) {
	for _, step := range ts.policy.SyntheticPlan {
		if step.InterviewPrompt != "" {
			ts.state.ToolLoopStopReason = StopInterviewTurn
			ts.builder.AppendAssistant(step.InterviewPrompt)
			return l.finalize(ctx, ts, step.InterviewPrompt, "stop"), nil
		}

		eventID, err := syntheticEventID(step)
		if err != nil {
			return nil, err
		}
		seen, err := l.store.SeenConversationEvent(ctx, ts.req.ConversationID, "synthetic", eventID)
		if err != nil {
			return nil, err
		}
		if seen {
			continue
		}

		call := llm.ToolCall{
			ID:        "synthetic_" + clock.NewRequestID(),
			Name:      step.ToolName,
			Arguments: step.Arguments,
		}

		safetyClass := registry.ClassifySafety(step.ToolName)
		if safetyClass == persistence.SafetyMutating && !ts.req.Params.AutoApproveMutating {
			return l.suspendForApproval(ctx, ts, call, step.SyntheticReason)
		}

		ts.builder.AppendAssistantToolCalls("", []llm.ToolCall{call})
		l.executeCall(ctx, ts, call)
	}
	return nil, nil
}

// syntheticEventID derives a replay-stable id for a synthetic step from its
// reason and arguments.
func syntheticEventID(step scope.SyntheticStep) (string, error) {
	hash, err := registry.ComputeSourceHash(step.Arguments)
	if err != nil {
		return "", fmt.Errorf("failed to hash synthetic step: %w", err)
	}
	return step.SyntheticReason + ":" + hash, nil
}

// runProviderIterations is the main provider loop.
func (l *Loop) runProviderIterations(ctx context.Context, ts *turnState) (*Response, error) {
	client, err := l.factory.Client(ctx, ts.req.Provider, ts.req.Model)
	if err != nil {
		ts.state.Errors = append(ts.state.Errors, fmt.Sprintf("provider unavailable: %v", err))
		ts.state.ToolLoopStopReason = StopError
		content := fmt.Sprintf("The %s provider is not available: %v", ts.req.Provider, err)
		return l.finalize(ctx, ts, content, "stop"), nil
	}

	toolDefs, err := l.promptTools(ctx, ts)
	if err != nil {
		return nil, err
	}

	maxIterations := l.cfg.MaxIterations
	if ts.req.Params.MaxToolIterations > 0 {
		maxIterations = ts.req.Params.MaxToolIterations
	}

	lastContent := ""
	for iteration := 0; iteration < maxIterations; iteration++ {
		resp, fatal := l.callProvider(ctx, ts, client, toolDefs)
		if fatal != nil {
			return fatal, nil
		}
		lastContent = resp.Content

		if len(resp.ToolCalls) == 0 {
			ts.state.ToolLoopStopReason = StopProviderFinal
			return l.finalize(ctx, ts, resp.Content, resp.FinishReason), nil
		}

		ts.builder.AppendAssistantToolCalls(resp.Content, resp.ToolCalls)
		suspension, err := l.executeProviderCalls(ctx, ts, resp.ToolCalls)
		if err != nil {
			return nil, err
		}
		if suspension != nil {
			return suspension, nil
		}
	}

	ts.state.ToolLoopStopReason = StopIterationCap
	l.logger.Warn("Iteration cap reached in conversation %s", ts.req.ConversationID)
	return l.finalize(ctx, ts, lastContent, "stop"), nil
}

// callProvider issues one provider call with the configured timeout, allowing
// a single retry on timeout. A non-nil second return is a terminal response
// the caller must hand back.
func (l *Loop) callProvider(ctx context.Context, ts *turnState, client llm.Client, toolDefs []llm.ToolDefinition) (*llm.ChatResponse, *Response) {
	timeout := l.cfg.ProviderTimeout()
	if ts.req.Params.ProviderTimeoutSeconds > 0 {
		timeout = time.Duration(ts.req.Params.ProviderTimeoutSeconds) * time.Second
	}

	chatReq := llm.ChatRequest{
		Messages:    ts.builder.Messages(),
		Tools:       toolDefs,
		Model:       ts.req.Model,
		MaxTokens:   ts.req.Params.MaxTokens,
		Temperature: ts.req.Params.Temperature,
		TopP:        ts.req.Params.TopP,
	}
	ts.state.PromptTokensEstimate = l.tokens.CountMessages(chatReq.Messages)

	for attempt := 0; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		start := l.clk.Now()
		resp, err := client.Complete(callCtx, chatReq)
		cancel()

		if l.recorder != nil {
			errorType := ""
			if err != nil {
				errorType = llmerrors.TypeOf(err).String()
			}
			l.recorder.ObserveProviderRequest(ts.req.Provider, ts.req.Model,
				resp.Usage.PromptTokens, resp.Usage.CompletionTokens,
				err == nil, errorType, l.clk.Since(start))
		}

		if err == nil {
			return &resp, nil
		}

		if llmerrors.Is(err, llmerrors.ErrorTypeTimeout) || errors.Is(err, context.DeadlineExceeded) {
			ts.state.ProviderTimeoutCount++
			if attempt == 0 {
				l.logger.Warn("Provider timeout in conversation %s, retrying once", ts.req.ConversationID)
				continue
			}
			ts.state.ToolLoopStopReason = StopProviderTimeout
			ts.state.Errors = append(ts.state.Errors, "provider timed out")
			return nil, l.finalize(ctx, ts, "The AI provider timed out before completing a response.", "stop")
		}

		ts.state.ToolLoopStopReason = StopError
		ts.state.Errors = append(ts.state.Errors, fmt.Sprintf("provider error: %v", err))
		return nil, l.finalize(ctx, ts, fmt.Sprintf("The AI provider returned an error: %v", err), "stop")
	}
}

// executeProviderCalls runs the calls of one provider turn in emission order.
// Read-only calls execute in process; the first mutating call suspends the
// turn (unless auto-approve is on) and the rest are discarded.
func (l *Loop) executeProviderCalls(ctx context.Context, ts *turnState, calls []llm.ToolCall) (*Response, error) {
	for i := range calls {
		call := calls[i]
		tool, err := l.registry.Resolve(ctx, ts.req.UserID, call.Name)
		if err != nil {
			return nil, err
		}
		if tool == nil {
			ts.builder.AppendToolResult(call, map[string]any{
				"ok":    false,
				"error": map[string]any{"code": registry.CodeToolNotAllowed, "message": fmt.Sprintf("tool %q is not callable", call.Name)},
			}, true)
			continue
		}

		if tool.SafetyClass == persistence.SafetyMutating && !ts.req.Params.AutoApproveMutating {
			return l.suspendForApproval(ctx, ts, call, "")
		}

		l.executeResolved(ctx, ts, call, tool)
	}
	return nil, nil
}

// executeCall resolves one tool by name and executes it. Unknown or disabled
// tools become error tool messages so the model can recover.
func (l *Loop) executeCall(ctx context.Context, ts *turnState, call llm.ToolCall) {
	tool, err := l.registry.Resolve(ctx, ts.req.UserID, call.Name)
	if err != nil || tool == nil {
		ts.builder.AppendToolResult(call, map[string]any{
			"ok":    false,
			"error": map[string]any{"code": registry.CodeToolNotAllowed, "message": fmt.Sprintf("tool %q is not callable", call.Name)},
		}, true)
		return
	}
	l.executeResolved(ctx, ts, call, tool)
}

// executeResolved invokes an already-resolved tool and appends the result.
// Invocation errors never abort the loop.
func (l *Loop) executeResolved(ctx context.Context, ts *turnState, call llm.ToolCall, tool *persistence.Tool) {
	callCtx, cancel := context.WithTimeout(ctx, l.cfg.ToolCallTimeout())
	start := l.clk.Now()
	result := l.registry.Invoke(callCtx, tool, call.Arguments, ts.req.UserID, call.ID)
	cancel()

	if l.recorder != nil {
		l.recorder.ObserveToolCall(call.Name, tool.SafetyClass, result.OK, l.clk.Since(start))
	}

	ts.builder.AppendToolResult(call, result, !result.OK)
	ts.state.ToolCallsExecutedCount++
	if tool.SafetyClass == persistence.SafetyReadOnly {
		ts.executed = append(ts.executed, executedCall{call: call, result: result})
	}
}

// suspendForApproval stages the call and returns the approval_required
// response with the byte-stable assistant copy.
func (l *Loop) suspendForApproval(ctx context.Context, ts *turnState, call llm.ToolCall, syntheticReason string) (*Response, error) {
	if syntheticReason != "" {
		// Record the synthetic step now so a resumed turn does not re-stage it.
		eventID, err := syntheticEventID(scope.SyntheticStep{
			ToolName:        call.Name,
			Arguments:       call.Arguments,
			SyntheticReason: syntheticReason,
		})
		if err != nil {
			return nil, err
		}
		if _, err := l.store.SeenConversationEvent(ctx, ts.req.ConversationID, "synthetic", eventID); err != nil {
			return nil, err
		}
	}

	preview := l.buildPreview(ctx, ts, call)
	previewJSON := ""
	if preview != nil {
		raw, err := json.Marshal(preview)
		if err == nil {
			previewJSON = string(raw)
		}
	}

	requestID, err := l.ledger.Stage(ctx, approval.StageInput{
		ConversationID:  ts.req.ConversationID,
		ToolName:        call.Name,
		Arguments:       call.Arguments,
		SafetyClass:     persistence.SafetyMutating,
		SyntheticReason: syntheticReason,
		Preview:         previewJSON,
	})
	if err != nil {
		if errors.Is(err, approval.ErrAlreadyPending) {
			return nil, fmt.Errorf("cannot stage tool call: %w", err)
		}
		return nil, err
	}
	if l.recorder != nil {
		l.recorder.ObserveApproval("staged")
	}

	ts.state.ToolLoopStopReason = StopApprovalRequired
	resp := l.finalize(ctx, ts, ApprovalCopy, "stop")
	resp.ApprovalRequired = true
	resp.ApprovalRequest = &ApprovalRequestView{
		RequestID:       requestID,
		Tool:            call.Name,
		Arguments:       call.Arguments,
		SafetyClass:     persistence.SafetyMutating,
		SyntheticReason: syntheticReason,
		Preview:         preview,
	}
	return resp, nil
}

// buildPreview asks the preview tool for a diff of the staged change when the
// user has one registered and the staged call targets a path. Preview
// failures silently omit the preview.
func (l *Loop) buildPreview(ctx context.Context, ts *turnState, call llm.ToolCall) map[string]any {
	if call.Name == previewToolName {
		return nil
	}
	if _, hasPath := call.Arguments["path"]; !hasPath {
		return nil
	}
	previewTool, err := l.registry.Resolve(ctx, ts.req.UserID, previewToolName)
	if err != nil || previewTool == nil {
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, l.cfg.ToolCallTimeout())
	defer cancel()
	result := l.registry.Invoke(callCtx, previewTool, call.Arguments, ts.req.UserID, call.ID)
	if !result.OK {
		return nil
	}

	preview := map[string]any{"previewTool": previewToolName}
	if data, ok := result.Data.(map[string]any); ok {
		for _, key := range []string{"diff", "summary", "diffTruncated", "previewNotice"} {
			if v, exists := data[key]; exists {
				preview[key] = v
			}
		}
	}
	return preview
}

// promptTools selects the catalog slice offered to the provider, filtered by
// the effective tool profile.
func (l *Loop) promptTools(ctx context.Context, ts *turnState) ([]llm.ToolDefinition, error) {
	if ts.state.ToolExecutionMode == ExecutionDisabled {
		return nil, nil
	}

	selected, err := l.registry.SelectForPrompt(ctx, ts.req.UserID)
	if err != nil {
		return nil, err
	}

	var defs []llm.ToolDefinition
	for _, t := range selected {
		if ts.policy.ToolProfile == scope.ProfileReadOnly && t.SafetyClass != persistence.SafetyReadOnly {
			continue
		}
		var params map[string]any
		if err := json.Unmarshal([]byte(t.Parameters), &params); err != nil {
			ts.state.Errors = append(ts.state.Errors, fmt.Sprintf("tool %s has an unreadable schema", t.Name))
			continue
		}
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		})
	}
	return defs, nil
}

// finalize assembles the terminal response: citations, digest completion
// status, and delivery handoff.
func (l *Loop) finalize(ctx context.Context, ts *turnState, content, finishReason string) *Response {
	content = l.applyCitations(ts, content)

	resp := &Response{
		Choices: []Choice{{
			Message:      llm.Message{Role: llm.RoleAssistant, Content: content},
			FinishReason: finishReason,
		}},
		ConversationID:     ts.req.ConversationID,
		ApprovalResolution: ts.resolution,
	}

	l.applyDigestCompletion(ts, content, resp)
	resp.ToolingState = ts.state
	return resp
}

// applyDigestCompletion upgrades the digest schedule status on successful
// terminal turns and emits the delivery handoff. Duplicate-guarded turns skip
// the side-effectful record write.
func (l *Loop) applyDigestCompletion(ts *turnState, body string, resp *Response) {
	if ts.policy.ConversationOrchestration != "digest_heartbeat" {
		return
	}
	if ts.state.DigestScheduleStatus == GuardStatusDuplicateGuard {
		return
	}
	if ts.state.ToolLoopStopReason != StopProviderFinal {
		return
	}

	if ts.state.DigestScheduleStatus == GuardStatusTriggered {
		if ts.state.ToolCallsExecutedCount > 0 {
			ts.state.DigestScheduleStatus = "completed_tool_calls"
		} else {
			ts.state.DigestScheduleStatus = "completed_noop"
		}
	}

	record := l.outbox.Persist(ts.req.ConversationType, ts.req.ConversationID, ts.policy.DigestChannel, body)
	if record.Err != nil {
		ts.state.DeliveryRecordError = record.Err.Error()
	}
	resp.DeliveryHandoff = &DeliveryHandoff{
		Channel:              ts.policy.DigestChannel,
		ConversationType:     ts.req.ConversationType,
		Format:               "markdown",
		Body:                 body,
		DeliveryRecordStatus: record.Status,
		DeliveryRecordPath:   record.Path,
	}
}
