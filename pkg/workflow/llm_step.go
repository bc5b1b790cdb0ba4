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
	"log/slog"
	"time"

	"github.com/google/uuid"

	ilog "github.com/itempass/workflowengine/internal/log"
	"github.com/itempass/workflowengine/pkg/llm"
	"github.com/itempass/workflowengine/pkg/llm/pricing"
)

// LLMStepRunner executes a single non-tool LLM call: one system prompt, one
// fixed user turn, one assistant reply. It never loops and never calls tools.
type LLMStepRunner struct {
	store    Store
	provider llm.Provider
	pricing  *pricing.PricingManager
	balance  *BalanceGate
	logger   *slog.Logger
}

// NewLLMStepRunner wires the collaborators an LLM step needs: persistence,
// the provider to call, a pricing manager to cost the response, and the
// shared balance gate. A nil logger falls back to slog.Default().
func NewLLMStepRunner(store Store, provider llm.Provider, pm *pricing.PricingManager, gate *BalanceGate, logger *slog.Logger) *LLMStepRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMStepRunner{store: store, provider: provider, pricing: pm, balance: gate, logger: logger}
}

// Run executes one llm step and returns the completed StepInstance. The
// returned error is only non-nil when persistence itself fails; a failed LLM
// call is reported via the returned StepInstance's terminal status, per the
// runner's "never raise to caller" contract.
func (r *LLMStepRunner) Run(ctx context.Context, workflowInstanceUUID string, step *Step, resolvedSystemPrompt string, userID string) (*StepInstance, error) {
	si := &StepInstance{
		UUID:                 uuid.NewString(),
		WorkflowInstanceUUID: workflowInstanceUUID,
		StepDefinitionUUID:   step.UUID,
		Status:               StepRunning,
		StartedAt:            timePtr(time.Now()),
	}
	if err := r.store.CreateStepInstance(ctx, si); err != nil {
		return nil, err
	}

	logDone := func(status StepInstanceStatus, errMsg string, cost float64) {
		si.Finish(status, errMsg)
		_ = r.store.UpdateStepInstance(ctx, si)
		r.logger.Info("llm step finished",
			ilog.StepIDKey, si.UUID,
			ilog.InstanceIDKey, workflowInstanceUUID,
			ilog.UserIDKey, userID,
			ilog.StatusKey, string(status),
			ilog.CostKey, cost,
		)
	}

	if err := r.balance.CheckUserBalance(ctx, userID); err != nil {
		logDone(StepFailed, err.Error(), 0)
		return si, nil
	}

	si.Messages = []Message{
		{Role: RoleSystem, Content: resolvedSystemPrompt},
		{Role: RoleUser, Content: "Proceed as instructed."},
	}

	req := llm.CompletionRequest{
		Model: step.LLM.Model,
		Messages: []llm.Message{
			{Role: llm.MessageRoleSystem, Content: resolvedSystemPrompt},
			{Role: llm.MessageRoleUser, Content: "Proceed as instructed."},
		},
	}

	resp, err := r.provider.Complete(ctx, req)
	if err != nil {
		logDone(StepFailed, err.Error(), 0)
		return si, nil
	}

	si.Messages = append(si.Messages, Message{Role: RoleAssistant, Content: resp.Content})

	content := resp.Content
	if content == "" {
		content = step.Name + " provided no final answer."
	}
	output := &StepOutputData{UUID: uuid.NewString(), MarkdownRepresentation: content}
	if err := r.store.CreateStepOutput(ctx, output); err != nil {
		logDone(StepFailed, err.Error(), 0)
		return si, nil
	}
	si.Output = output

	// Cost accounting happens once per call, but only when the provider
	// actually returned a generation identifier: a response with no
	// RequestID didn't complete a billable generation, so there's nothing
	// to charge for even if Usage happens to be non-zero.
	var cost float64
	if resp.RequestID != "" {
		cost = r.estimateCost(step.LLM.Model, resp.Usage)
		if err := r.balance.DeductFromBalance(ctx, userID, cost); err != nil {
			r.logger.Warn("balance deduction failed", ilog.UserIDKey, userID, "error", err)
		}
	}

	logDone(StepCompleted, "", cost)
	return si, nil
}

// estimateCost converts the provider's reported usage into a USD figure via
// the pricing table, returning 0 (never failing the step) when no pricing
// entry exists for the model.
func (r *LLMStepRunner) estimateCost(model string, usage llm.TokenUsage) float64 {
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

func timePtr(t time.Time) *time.Time {
	return &t
}
