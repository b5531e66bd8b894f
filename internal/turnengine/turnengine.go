// Package turnengine implements the Turn Engine (C5): one agentic turn over
// the append-only session log's Entry/ContentBlock model. Unlike the
// teacher's original internal/session.Processor, it never touches
// types.Message/types.Part or the per-entity KV store — its only durable
// side effect is appending Entry values to a sessionlog.Log.
package turnengine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cloudwego/eino/schema"
	"github.com/oklog/ulid/v2"

	"github.com/agentcore/agentsession/internal/event"
	"github.com/agentcore/agentsession/internal/permission"
	"github.com/agentcore/agentsession/internal/provider"
	"github.com/agentcore/agentsession/internal/sessionerr"
	"github.com/agentcore/agentsession/internal/sessionlog"
	"github.com/agentcore/agentsession/internal/tool"
	"github.com/agentcore/agentsession/pkg/types"
)

// Agent is the turn engine's view of an agent profile: system prompt,
// sampling parameters, and the tool/permission policy for a turn. It
// deliberately doesn't import internal/session.Agent — the two engines are
// independent, and this is the spec's C5, not a wrapper around the
// teacher's original loop.
type Agent struct {
	Name        string
	Prompt      string
	Temperature float64
	TopP        float64
	MaxSteps    int
	// Tools restricts which registry tool IDs this agent may call; empty
	// means every registered tool is available.
	Tools []string
}

const (
	MaxSteps              = 50
	MaxRetries            = 3
	RetryInitialInterval  = time.Second
	RetryMaxInterval      = 30 * time.Second
	RetryMaxElapsedTime   = 2 * time.Minute
)

// Engine runs turns for any number of sessions; it holds no per-session
// state itself (that lives in the sessionlog.Log passed to Run).
type Engine struct {
	providerRegistry  *provider.Registry
	toolRegistry      *tool.Registry
	permChecker       *permission.Checker
	bus               *event.Bus
	defaultProviderID string
	defaultModelID    string
}

func New(
	providerReg *provider.Registry,
	toolReg *tool.Registry,
	permChecker *permission.Checker,
	bus *event.Bus,
	defaultProviderID, defaultModelID string,
) *Engine {
	return &Engine{
		providerRegistry:  providerReg,
		toolRegistry:      toolReg,
		permChecker:       permChecker,
		bus:               bus,
		defaultProviderID: defaultProviderID,
		defaultModelID:    defaultModelID,
	}
}

func newID() string { return ulid.Make().String() }

func newRetryBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = RetryInitialInterval
	b.MaxInterval = RetryMaxInterval
	b.MaxElapsedTime = RetryMaxElapsedTime
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, MaxRetries), ctx)
}

// Run executes one turn: it loads the log's effective (post-revert,
// post-compaction) history, calls the model, executes any requested tools,
// and loops until the model stops or the agent's step budget is spent.
// Every assistant message and tool result is appended to log as it
// completes — Run's only durable output is those appends.
func (e *Engine) Run(ctx context.Context, log *sessionlog.Log, sessionID string, agent *Agent, providerID, modelID string) (*types.MessageEntry, error) {
	if agent == nil {
		agent = &Agent{Name: "default"}
	}
	if providerID == "" {
		providerID = e.defaultProviderID
	}
	if modelID == "" {
		modelID = e.defaultModelID
	}

	prov, err := e.providerRegistry.Get(providerID)
	if err != nil {
		return nil, sessionerr.UnauthorizedError{Provider: providerID, Err: err}
	}
	model, err := e.providerRegistry.GetModel(providerID, modelID)
	if err != nil {
		return nil, fmt.Errorf("model not found: %w", err)
	}

	maxSteps := agent.MaxSteps
	if maxSteps <= 0 {
		maxSteps = MaxSteps
	}

	e.bus.Publish(event.Event{Type: event.AgentStart, Data: event.AgentStartData{SessionID: sessionID}})

	retryBackoff := newRetryBackoff(ctx)

	for step := 0; ; step++ {
		select {
		case <-ctx.Done():
			return nil, sessionerr.AbortedError{Reason: "turn aborted"}
		default:
		}
		if step >= maxSteps {
			return nil, fmt.Errorf("max steps exceeded")
		}

		entries, err := log.LoadAll(ctx)
		if err != nil {
			return nil, err
		}
		history, compaction := buildHistory(effectiveEntries(entries))

		einoMessages := make([]*schema.Message, 0, len(history)+2)
		einoMessages = append(einoMessages, &schema.Message{Role: schema.System, Content: agent.Prompt})
		if compaction != nil {
			einoMessages = append(einoMessages, &schema.Message{
				Role:    schema.System,
				Content: "Summary of earlier conversation (compacted):\n" + compaction.SummaryText,
			})
		}
		einoMessages = append(einoMessages, history...)

		tools, err := e.resolveTools(agent, model)
		if err != nil {
			return nil, err
		}

		maxTokens := model.MaxOutputTokens
		if maxTokens <= 0 {
			maxTokens = 8192
		}

		req := &provider.CompletionRequest{
			Model:       model.ID,
			Messages:    einoMessages,
			Tools:       tools,
			MaxTokens:   maxTokens,
			Temperature: agent.Temperature,
			TopP:        agent.TopP,
		}

		stream, err := prov.CreateCompletion(ctx, req)
		if err != nil {
			if sessionerr.IsContextOverflow(err) {
				return nil, err
			}
			if next := retryBackoff.NextBackOff(); next != backoff.Stop {
				e.bus.Publish(event.Event{Type: event.RetryStart, Data: event.RetryStartData{SessionID: sessionID, Reason: err.Error(), Attempt: step}})
				time.Sleep(next)
				continue
			}
			return nil, sessionerr.NetworkError{Err: err}
		}

		text, thinking, toolCalls, stopReason, usage, streamErr := collectStream(stream)
		stream.Close()
		if streamErr != nil {
			if next := retryBackoff.NextBackOff(); next != backoff.Stop {
				time.Sleep(next)
				continue
			}
			return nil, sessionerr.NetworkError{Err: streamErr}
		}
		retryBackoff.Reset()

		blocks := make([]types.ContentBlock, 0, 2+len(toolCalls))
		if thinking != "" {
			blocks = append(blocks, &types.ThinkingBlock{Type: "thinking", Text: thinking})
		}
		if text != "" {
			blocks = append(blocks, &types.TextBlock{Type: "text", Text: text})
		}
		for _, tc := range toolCalls {
			blocks = append(blocks, &types.ToolCallBlock{
				Type:      "tool-call",
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: json.RawMessage(tc.Function.Arguments),
			})
		}

		assistantEntry := &types.MessageEntry{
			ID:            newID(),
			Type:          types.EntryMessage.String(),
			Role:          "assistant",
			ContentBlocks: blocks,
			Usage:         usage,
			StopReason:    stopReason,
			Model:         model.ID,
			CreatedAt:     time.Now().UnixMilli(),
		}
		if err := log.Append(ctx, assistantEntry); err != nil {
			return nil, err
		}
		e.publishAppended(sessionID, assistantEntry)
		e.bus.Publish(event.Event{Type: event.MessageEnd, Data: event.AgentEndData{SessionID: sessionID, MessageID: assistantEntry.ID, StopReason: string(stopReason)}})

		if stopReason != types.StopToolUse || len(toolCalls) == 0 {
			e.bus.Publish(event.Event{Type: event.AgentEnd, Data: event.AgentEndData{SessionID: sessionID, MessageID: assistantEntry.ID, StopReason: string(stopReason)}})
			return assistantEntry, nil
		}

		for _, tc := range toolCalls {
			result := e.executeTool(ctx, sessionID, assistantEntry.ID, agent, tc)
			if err := log.Append(ctx, result); err != nil {
				return nil, err
			}
			e.publishAppended(sessionID, result)
		}
	}
}

func (e *Engine) publishAppended(sessionID string, entry types.Entry) {
	e.bus.Publish(event.Event{Type: event.EntryAppended, Data: event.EntryAppendedData{SessionID: sessionID, Entry: entry}})
}

// executeTool runs one tool call end-to-end: permission check, doom-loop is
// left to the permission checker's own pattern-approval cache, execution,
// and result capture as a ToolResultEntry. Tool failures never abort the
// turn — they're recorded as an is-error result so the model can recover.
func (e *Engine) executeTool(ctx context.Context, sessionID, messageID string, agent *Agent, tc schema.ToolCall) *types.ToolResultEntry {
	now := time.Now().UnixMilli()
	fail := func(msg string) *types.ToolResultEntry {
		return &types.ToolResultEntry{
			ID:         newID(),
			Type:       types.EntryToolResult.String(),
			ToolCallID: tc.ID,
			ToolName:   tc.Function.Name,
			Content:    []types.ContentBlock{&types.TextBlock{Type: "text", Text: msg}},
			IsError:    true,
			CreatedAt:  now,
		}
	}

	if !agentAllowsTool(agent, tc.Function.Name) {
		return fail(fmt.Sprintf("tool %q is not enabled for this agent", tc.Function.Name))
	}

	t, ok := e.toolRegistry.Get(tc.Function.Name)
	if !ok {
		return fail(fmt.Sprintf("tool not found: %s", tc.Function.Name))
	}

	permType := permissionTypeForTool(tc.Function.Name)
	if permType != "" {
		if err := e.permChecker.Ask(ctx, permission.Request{
			ID:        newID(),
			Type:      permType,
			SessionID: sessionID,
			MessageID: messageID,
			CallID:    tc.ID,
			Title:     tc.Function.Name,
		}); err != nil {
			return fail(err.Error())
		}
	}

	e.bus.Publish(event.Event{Type: event.ToolExecutionStart, Data: event.ToolExecutionStartData{SessionID: sessionID, CallID: tc.ID, Tool: tc.Function.Name}})

	abortCh := make(chan struct{})
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			close(abortCh)
		case <-done:
		}
	}()

	toolCtx := &tool.Context{
		SessionID: sessionID,
		MessageID: messageID,
		CallID:    tc.ID,
		Agent:     agent.Name,
		AbortCh:   abortCh,
		Bus:       e.bus,
	}

	result, err := t.Execute(ctx, json.RawMessage(tc.Function.Arguments), toolCtx)
	isError := err != nil
	var out string
	if err != nil {
		out = err.Error()
	} else if result != nil {
		out = result.Output
	}

	e.bus.Publish(event.Event{Type: event.ToolExecutionEnd, Data: event.ToolExecutionEndData{SessionID: sessionID, CallID: tc.ID, Tool: tc.Function.Name, IsError: isError}})

	var details json.RawMessage
	if result != nil && result.Metadata != nil {
		details, _ = json.Marshal(result.Metadata)
	}

	return &types.ToolResultEntry{
		ID:         newID(),
		Type:       types.EntryToolResult.String(),
		ToolCallID: tc.ID,
		ToolName:   tc.Function.Name,
		Content:    []types.ContentBlock{&types.TextBlock{Type: "text", Text: out}},
		IsError:    isError,
		Details:    details,
		CreatedAt:  time.Now().UnixMilli(),
	}
}

func agentAllowsTool(agent *Agent, name string) bool {
	if len(agent.Tools) == 0 {
		return true
	}
	for _, id := range agent.Tools {
		if id == name {
			return true
		}
	}
	return false
}

func permissionTypeForTool(name string) permission.PermissionType {
	switch name {
	case "bash":
		return permission.PermBash
	case "edit", "write", "patch":
		return permission.PermEdit
	case "webfetch":
		return permission.PermWebFetch
	default:
		return ""
	}
}

func (e *Engine) resolveTools(agent *Agent, model *types.Model) ([]*schema.ToolInfo, error) {
	infos, err := e.toolRegistry.ToolInfos()
	if err != nil {
		return nil, err
	}
	if len(agent.Tools) == 0 {
		return infos, nil
	}
	allowed := make(map[string]bool, len(agent.Tools))
	for _, id := range agent.Tools {
		allowed[id] = true
	}
	filtered := make([]*schema.ToolInfo, 0, len(infos))
	for _, info := range infos {
		if allowed[info.Name] {
			filtered = append(filtered, info)
		}
	}
	return filtered, nil
}

// collectStream drains a provider stream into its constituent parts. Unlike
// the teacher's stream.go, thinking content is captured into its own
// return value rather than being discarded, so it can round-trip through a
// ThinkingBlock (§8).
func collectStream(stream *provider.CompletionStream) (text, thinking string, toolCalls []schema.ToolCall, stopReason types.StopReason, usage *types.EntryUsage, err error) {
	var textBuf, thinkBuf strings.Builder
	calls := map[string]*schema.ToolCall{}
	var order []string
	finish := ""

	for {
		msg, rerr := stream.Recv()
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return "", "", nil, "", nil, rerr
		}
		if msg.Content != "" {
			textBuf.WriteString(msg.Content)
		}
		if msg.ReasoningContent != "" {
			thinkBuf.WriteString(msg.ReasoningContent)
		}
		for i := range msg.ToolCalls {
			tc := msg.ToolCalls[i]
			id := tc.ID
			if id == "" {
				id = fmt.Sprintf("call_%d", len(order))
			}
			existing, ok := calls[id]
			if !ok {
				c := tc
				c.ID = id
				calls[id] = &c
				order = append(order, id)
				continue
			}
			existing.Function.Name += tc.Function.Name
			existing.Function.Arguments += tc.Function.Arguments
		}
		if msg.ResponseMeta != nil && msg.ResponseMeta.FinishReason != "" {
			finish = msg.ResponseMeta.FinishReason
		}
		if msg.ResponseMeta != nil && msg.ResponseMeta.Usage != nil {
			usage = &types.EntryUsage{
				InputTokens:  msg.ResponseMeta.Usage.PromptTokens,
				OutputTokens: msg.ResponseMeta.Usage.CompletionTokens,
				TotalTokens:  msg.ResponseMeta.Usage.TotalTokens,
			}
		}
	}

	for _, id := range order {
		toolCalls = append(toolCalls, *calls[id])
	}

	switch finish {
	case "tool_use", "tool_calls":
		stopReason = types.StopToolUse
	case "max_tokens", "length":
		stopReason = types.StopLength
	case "error":
		stopReason = types.StopError
	default:
		if len(toolCalls) > 0 {
			stopReason = types.StopToolUse
		} else {
			stopReason = types.StopStop
		}
	}

	return textBuf.String(), thinkBuf.String(), toolCalls, stopReason, usage, nil
}
