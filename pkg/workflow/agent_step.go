// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package workflow

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	ilog "github.com/itempass/workflowengine/internal/log"
	"github.com/itempass/workflowengine/internal/mcp"
	"github.com/itempass/workflowengine/pkg/errors"
	"github.com/itempass/workflowengine/pkg/llm"
	"github.com/itempass/workflowengine/pkg/llm/pricing"
	"github.com/itempass/workflowengine/pkg/observability"
)

// perServerToolRate caps how often one MCP server's tools can be invoked
// within a single agent turn's parallel fan-out, independent of the
// overall maxParallel cap, so one slow or chatty server can't starve calls
// to the others dispatched in the same turn.
const perServerToolRate = rate.Limit(5)

// humanFeatureRequestTool is the fully-qualified tool name that triggers the
// human-in-the-loop short-circuit. No tool calls execute in a turn that
// includes it; the step suspends instead.
const humanFeatureRequestTool = "human-request_input"

// AgentStepRunner executes the multi-turn reason/act loop described in the
// agent step contract: LLM turns interleaved with parallel tool calls,
// bounded by a cycle cap and a per-turn parallel-call cap, with support for
// suspending on a human-input request.
type AgentStepRunner struct {
	store       Store
	provider    llm.Provider
	pricing     *pricing.PricingManager
	balance     *BalanceGate
	tools       mcp.MCPManagerProvider
	maxCycles   int
	maxParallel int
	context     *contextWindow
	logger      *slog.Logger
	tracer      observability.Tracer

	serverLimitersMu sync.Mutex
	serverLimiters   map[string]*rate.Limiter
}

// WithTracer attaches a tracer the runner uses to emit a "tool.call" span
// around every MCP tool invocation. A runner with no tracer attached
// dispatches tools exactly as before.
func (r *AgentStepRunner) WithTracer(tracer observability.Tracer) *AgentStepRunner {
	r.tracer = tracer
	return r
}

// AgentStepRunnerConfig bundles the tunables the runtime config layer
// resolves from the environment (WORKFLOW_AGENT_MAX_PARALLEL_TOOL_CALLS,
// MAX_AGENT_CYCLES, WORKFLOW_AGENT_MAX_CONTEXT_TOKENS).
type AgentStepRunnerConfig struct {
	MaxCycles        int
	MaxParallel      int
	MaxContextTokens int
}

// NewAgentStepRunner wires the collaborators an agent step needs.
func NewAgentStepRunner(store Store, provider llm.Provider, pm *pricing.PricingManager, gate *BalanceGate, tools mcp.MCPManagerProvider, cfg AgentStepRunnerConfig, logger *slog.Logger) *AgentStepRunner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxCycles <= 0 {
		cfg.MaxCycles = 10
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 5
	}
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = 100000
	}
	return &AgentStepRunner{
		store:          store,
		provider:       provider,
		pricing:        pm,
		balance:        gate,
		tools:          tools,
		maxCycles:      cfg.MaxCycles,
		maxParallel:    cfg.MaxParallel,
		context:        newContextWindow(cfg.MaxContextTokens),
		logger:         logger,
		serverLimiters: make(map[string]*rate.Limiter),
	}
}

// limiterFor returns the shared per-server rate limiter for serverName,
// creating it on first use.
func (r *AgentStepRunner) limiterFor(serverName string) *rate.Limiter {
	r.serverLimitersMu.Lock()
	defer r.serverLimitersMu.Unlock()
	l, ok := r.serverLimiters[serverName]
	if !ok {
		l = rate.NewLimiter(perServerToolRate, 1)
		r.serverLimiters[serverName] = l
	}
	return l
}

// Run executes one agent step to completion, suspension, or exhaustion. A
// resumption (human_input supplied) is handled by passing an existing
// StepInstance already carrying the suspended message history plus the
// synthesized tool response appended by the caller; pass nil to start fresh.
func (r *AgentStepRunner) Run(ctx context.Context, workflowInstanceUUID string, step *Step, resolvedSystemPrompt string, userID string, resume *StepInstance) (*StepInstance, error) {
	si := resume
	if si == nil {
		si = &StepInstance{
			UUID:                 uuid.NewString(),
			WorkflowInstanceUUID: workflowInstanceUUID,
			StepDefinitionUUID:   step.UUID,
			Status:               StepRunning,
			StartedAt:            timePtr(time.Now()),
			Messages: []Message{
				{Role: RoleSystem, Content: resolvedSystemPrompt},
			},
		}
		if err := r.store.CreateStepInstance(ctx, si); err != nil {
			return nil, err
		}
	}

	var (
		cumulativeUsage llm.TokenUsage
		cumulativeCost  float64
		terminalStatus  = StepFailed
		terminalErr     string
	)

	defer func() {
		r.logger.Info("agent step finished",
			ilog.StepIDKey, si.UUID,
			ilog.InstanceIDKey, workflowInstanceUUID,
			ilog.UserIDKey, userID,
			ilog.StatusKey, string(terminalStatus),
			ilog.CostKey, cumulativeCost,
			"prompt_tokens", cumulativeUsage.InputTokens,
			"completion_tokens", cumulativeUsage.OutputTokens,
			"message_count", len(si.Messages),
		)
		if cumulativeCost > 0 {
			if err := r.balance.DeductFromBalance(ctx, userID, cumulativeCost); err != nil {
				r.logger.Warn("balance deduction failed", ilog.UserIDKey, userID, "error", err)
			}
		}
		if terminalStatus == StepAwaitingInput {
			si.Status = terminalStatus
			si.ErrorMessage = terminalErr
		} else {
			si.Finish(terminalStatus, terminalErr)
		}
		_ = r.store.UpdateStepInstance(ctx, si)
	}()

	availableTools, availableClients, err := r.discoverTools(ctx)
	if err != nil {
		r.logger.Warn("tool discovery encountered errors", "error", err)
	}

	enabled := make(map[string]bool)
	for _, t := range step.Agent.Tools {
		if t.Enabled {
			enabled[t.ID] = true
		}
	}
	var missing []string
	for id := range enabled {
		if _, ok := availableTools[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		terminalErr = "required tools unavailable: " + strings.Join(missing, ", ")
		return si, nil
	}

	var offeredTools []llm.Tool
	for id := range enabled {
		if def, ok := availableTools[id]; ok {
			offeredTools = append(offeredTools, llm.Tool{
				Name:        id,
				Description: def.Description,
				InputSchema: schemaToMap(def.InputSchema),
			})
		}
	}

	for turn := 1; turn <= r.maxCycles; turn++ {
		if err := r.balance.CheckUserBalance(ctx, userID); err != nil {
			terminalErr = err.Error()
			return si, nil
		}

		if r.context.shouldPrune(si.Messages) {
			before := len(si.Messages)
			si.Messages = r.context.prune(si.Messages)
			r.logger.Info("pruned agent step context",
				ilog.StepIDKey, si.UUID,
				"messages_before", before,
				"messages_after", len(si.Messages))
		}

		req := llm.CompletionRequest{
			Model:    step.Agent.Model,
			Messages: toLLMMessages(si.Messages),
			Tools:    offeredTools,
		}
		resp, err := r.provider.Complete(ctx, req)
		if err != nil {
			terminalErr = err.Error()
			return si, nil
		}

		cumulativeUsage.InputTokens += resp.Usage.InputTokens
		cumulativeUsage.OutputTokens += resp.Usage.OutputTokens
		cumulativeUsage.TotalTokens += resp.Usage.TotalTokens
		cumulativeCost += r.estimateCost(step.Agent.Model, resp.Usage)

		assistantMsg := Message{Role: RoleAssistant, Content: resp.Content}
		for _, tc := range resp.ToolCalls {
			assistantMsg.ToolCalls = append(assistantMsg.ToolCalls, ToolCall{
				ID:       tc.ID,
				Function: FunctionCall{Name: tc.Name, Arguments: tc.Arguments},
			})
		}
		si.Messages = append(si.Messages, assistantMsg)

		if len(resp.ToolCalls) == 0 {
			content := resp.Content
			if content == "" {
				content = step.Name + " provided no final answer."
			}
			output := &StepOutputData{UUID: uuid.NewString(), MarkdownRepresentation: content}
			if err := r.store.CreateStepOutput(ctx, output); err != nil {
				terminalErr = err.Error()
				return si, nil
			}
			si.Output = output
			terminalStatus = StepCompleted
			terminalErr = ""
			return si, nil
		}

		if human, ok := findHumanRequest(resp.ToolCalls); ok {
			terminalStatus = StepAwaitingInput
			terminalErr = (&errors.HumanInputRequiredError{ToolCallID: human.ID}).Error()
			return si, nil
		}

		toolMessages := r.dispatchToolCalls(ctx, resp.ToolCalls, availableClients)
		si.Messages = append(si.Messages, toolMessages...)

		if turn == r.maxCycles {
			output := &StepOutputData{UUID: uuid.NewString(), MarkdownRepresentation: "## Agent Timed Out\n\nThe agent reached its maximum number of reasoning cycles without producing a final answer."}
			if err := r.store.CreateStepOutput(ctx, output); err != nil {
				terminalErr = err.Error()
				return si, nil
			}
			si.Output = output
			terminalStatus = StepCompleted
			terminalErr = ""
			return si, nil
		}
	}

	return si, nil
}

// toolDef is the discovery-time shape the runner keeps per fully-qualified
// tool name; serverName lets dispatch route a call back to its client.
type toolDef struct {
	serverName  string
	name        string
	Description string
	InputSchema map[string]interface{}
}

// discoverTools opens one connection per configured server, lists its tools
// in parallel, and builds the flat fully-qualified name set. A server that
// fails to list is logged and skipped rather than failing the whole step;
// callers only fail later if the missing server left a required tool absent.
func (r *AgentStepRunner) discoverTools(ctx context.Context) (map[string]toolDef, map[string]mcp.ClientProvider, error) {
	available := make(map[string]toolDef)
	clients := make(map[string]mcp.ClientProvider)
	if r.tools == nil {
		return available, clients, nil
	}

	servers := r.tools.ListServers()
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		firstErr error
	)
	for _, name := range servers {
		name := name
		client, err := r.tools.GetClient(name)
		if err != nil {
			mu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
			continue
		}
		mu.Lock()
		clients[name] = client
		mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			defs, err := client.ListTools(ctx)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			mu.Lock()
			for _, d := range defs {
				qualified := name + "-" + d.Name
				var schema map[string]interface{}
				_ = json.Unmarshal(d.InputSchema, &schema)
				available[qualified] = toolDef{serverName: name, name: d.Name, Description: d.Description, InputSchema: schema}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	return available, clients, firstErr
}

// dispatchToolCalls executes the first min(N,K) calls concurrently and
// synthesizes a rejection payload for the rest, returning one tool Message
// per call id, in the order the calls were dispatched.
func (r *AgentStepRunner) dispatchToolCalls(ctx context.Context, calls []llm.ToolCall, clients map[string]mcp.ClientProvider) []Message {
	n := len(calls)
	k := r.maxParallel
	results := make([]Message, n)

	var wg sync.WaitGroup
	for i := 0; i < n && i < k; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = r.invokeTool(ctx, calls[i], clients)
		}()
	}
	wg.Wait()

	for i := k; i < n; i++ {
		payload, _ := json.Marshal(map[string]interface{}{
			"error":          "too_many_parallel_tool_calls",
			"called":         n,
			"max_allowed":    k,
			"rejected_index": i,
		})
		results[i] = Message{Role: RoleTool, ToolCallID: calls[i].ID, Name: calls[i].Name, Content: string(payload)}
	}

	return results
}

// invokeTool parses "{server}-{tool}" out of the call's fully-qualified
// name, locates the client, pre-processes double-encoded JSON arguments,
// and unwraps a single "result" wrapper key from the response if present.
func (r *AgentStepRunner) invokeTool(ctx context.Context, call llm.ToolCall, clients map[string]mcp.ClientProvider) Message {
	serverName, toolName, ok := splitQualifiedName(call.Name)
	if !ok {
		return Message{Role: RoleTool, ToolCallID: call.ID, Name: call.Name, Content: "Error executing tool: malformed tool name"}
	}

	var span observability.SpanHandle
	if r.tracer != nil {
		ctx, span = r.tracer.Start(ctx, "tool.call",
			observability.WithSpanKind(observability.SpanKindClient),
			observability.WithAttributes(map[string]any{
				"tool.server": serverName,
				"tool.name":   toolName,
			}),
		)
		defer span.End()
	}

	client, ok := clients[serverName]
	if !ok {
		err := errors.New("tool server not found: " + serverName)
		if span != nil {
			span.RecordError(err)
		}
		return Message{Role: RoleTool, ToolCallID: call.ID, Name: call.Name, Content: "Error executing tool: unknown server " + serverName}
	}

	if err := r.limiterFor(serverName).Wait(ctx); err != nil {
		if span != nil {
			span.RecordError(err)
		}
		return Message{Role: RoleTool, ToolCallID: call.ID, Name: call.Name, Content: "Error executing tool: " + err.Error()}
	}

	args := parseToolArguments(call.Arguments)

	resp, err := client.CallTool(ctx, mcp.ToolCallRequest{Name: toolName, Arguments: args})
	if err != nil {
		if span != nil {
			span.RecordError(err)
		}
		return Message{Role: RoleTool, ToolCallID: call.ID, Name: call.Name, Content: "Error executing tool: " + err.Error()}
	}

	var text strings.Builder
	for _, item := range resp.Content {
		if item.Type == "text" {
			text.WriteString(item.Text)
		}
	}
	content := text.String()
	content = unwrapResultKey(content)

	return Message{Role: RoleTool, ToolCallID: call.ID, Name: call.Name, Content: content}
}

// unwrapResultKey strips a single top-level {"result": X} wrapper, returning
// the caller's original string unchanged if it isn't JSON shaped that way.
func unwrapResultKey(content string) string {
	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal([]byte(content), &wrapper); err != nil {
		return content
	}
	raw, ok := wrapper["result"]
	if !ok || len(wrapper) != 1 {
		return content
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// parseToolArguments attempts a single JSON decode of a double-encoded
// argument string; on failure the raw string is forwarded as a single
// "value" argument so a malformed payload never panics the dispatcher.
func parseToolArguments(raw string) map[string]interface{} {
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &args); err == nil {
		return args
	}
	return map[string]interface{}{"value": raw}
}

func splitQualifiedName(qualified string) (server, tool string, ok bool) {
	idx := strings.Index(qualified, "-")
	if idx < 0 {
		return "", "", false
	}
	return qualified[:idx], qualified[idx+1:], true
}

func findHumanRequest(calls []llm.ToolCall) (llm.ToolCall, bool) {
	for _, c := range calls {
		if c.Name == humanFeatureRequestTool {
			return c, true
		}
	}
	return llm.ToolCall{}, false
}

// ResolveHumanInput builds the synthesized tool message a resumed agent step
// appends before re-entering the main loop, per the resumption contract.
func ResolveHumanInput(toolCallID, toolName string, userInput map[string]interface{}) Message {
	payload, err := json.Marshal(userInput)
	if err != nil {
		payload, _ = json.Marshal(map[string]string{"error": "failed to encode human input: " + err.Error()})
	}
	return Message{Role: RoleTool, ToolCallID: toolCallID, Name: toolName, Content: string(payload)}
}

func toLLMMessages(msgs []Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		lm := llm.Message{
			Role:       llm.MessageRole(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		for _, tc := range m.ToolCalls {
			lm.ToolCalls = append(lm.ToolCalls, llm.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
		}
		out = append(out, lm)
	}
	return out
}

func schemaToMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

func (r *AgentStepRunner) estimateCost(model string, usage llm.TokenUsage) float64 {
	if r.pricing == nil {
		return 0
	}
	provider, modelID := pricing.ParseModel(model)
	p := r.pricing.GetPricing(provider, modelID)
	if p == nil {
		return 0
	}
	info := pricing.CalculateCost(p, pricing.TokenUsage{
		PromptTokens:        usage.InputTokens,
		CompletionTokens:    usage.OutputTokens,
		TotalTokens:         usage.TotalTokens,
		CacheCreationTokens: usage.CacheCreationTokens,
		CacheReadTokens:     usage.CacheReadTokens,
	})
	if info == nil {
		return 0
	}
	return info.Amount
}
