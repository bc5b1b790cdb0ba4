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
	"go.opentelemetry.io/otel/trace"

	ilog "github.com/itempass/workflowengine/internal/log"
	"github.com/itempass/workflowengine/internal/tracing"
	"github.com/itempass/workflowengine/pkg/errors"
)

// RAGRetriever resolves a RAG step's retrieval against an external vector
// store. It is supplied by the host application; the runner never talks to
// a vector database directly.
type RAGRetriever interface {
	Retrieve(ctx context.Context, userID string, cfg *RAGStepConfig) (string, error)
}

// Runner executes one WorkflowInstance to completion, dispatching each step
// to the runner named by its type. It is single-threaded with respect to any
// one instance; multiple instances may run concurrently against the same
// Runner since all mutable state lives in the Store.
type Runner struct {
	store   Store
	llm     *LLMStepRunner
	agent   *AgentStepRunner
	checker *StopCheckerRunner
	rag     RAGRetriever
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewRunner wires the per-step-type runners into one Workflow Runner. rag
// may be nil if the deployment offers no rag step type.
func NewRunner(store Store, llmRunner *LLMStepRunner, agentRunner *AgentStepRunner, checker *StopCheckerRunner, rag RAGRetriever, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{store: store, llm: llmRunner, agent: agentRunner, checker: checker, rag: rag, logger: logger}
}

// WithTracer attaches an OpenTelemetry tracer the runner uses to emit a root
// span per workflow run and a child span per step, via the tracing
// package's StartWorkflowRun/StartStep helpers. A Runner with no tracer
// attached runs exactly as before; span emission is entirely opt-in.
func (r *Runner) WithTracer(tracer trace.Tracer) *Runner {
	r.tracer = tracer
	return r
}

// Run executes instanceUUID to completion. It never returns an error to the
// caller for anything that happens inside the workflow itself: every
// failure is captured into the instance's terminal status and error
// message. A non-nil error return here means the instance or its definition
// could not be loaded or persisted at all.
func (r *Runner) Run(ctx context.Context, instanceUUID string, userID string) error {
	instance, err := r.store.GetWorkflowInstance(ctx, instanceUUID)
	if err != nil {
		return err
	}

	def, err := r.store.GetWorkflow(ctx, instance.WorkflowDefinitionUUID)
	if err != nil {
		_ = instance.Transition(InstanceFailed, "workflow definition not found: "+err.Error())
		return r.store.UpdateWorkflowInstance(ctx, instance)
	}

	availableOutputs := make(map[string]*StepOutputData)
	if instance.TriggerOutput != nil {
		availableOutputs[refTriggerOutput] = instance.TriggerOutput
	}

	var span *tracing.WorkflowSpan
	if r.tracer != nil {
		ctx, span = tracing.StartWorkflowRun(ctx, r.tracer, instanceUUID, def.Name)
		defer span.End()
	}

	err = r.runFrom(ctx, instance, def, 0, availableOutputs, userID)
	if span != nil {
		span.SetAttributes(map[string]any{"workflow.status": string(instance.Status)})
		if err != nil {
			span.RecordError(err)
		}
	}
	return err
}

// Resume continues a workflow instance whose current step is an agent step
// suspended on a human-input request (StepAwaitingInput). It appends the
// synthesized tool response to the suspended step's message history, lets
// the Agent Step Runner re-enter its loop from that point, and then, if the
// step completes, continues the workflow at the following step exactly as
// Run would have.
func (r *Runner) Resume(ctx context.Context, instanceUUID, toolCallID, toolName string, userInput map[string]interface{}, userID string) error {
	instance, err := r.store.GetWorkflowInstance(ctx, instanceUUID)
	if err != nil {
		return err
	}
	if len(instance.StepInstances) == 0 {
		return &errors.ValidationError{Field: "instance", Message: "instance has no step instances to resume"}
	}

	def, err := r.store.GetWorkflow(ctx, instance.WorkflowDefinitionUUID)
	if err != nil {
		return err
	}

	suspendedSI, err := r.store.GetStepInstance(ctx, instance.StepInstances[len(instance.StepInstances)-1])
	if err != nil {
		return err
	}
	if suspendedSI.Status != StepAwaitingInput {
		return &errors.ValidationError{Field: "step_instance", Message: "step instance is not awaiting human input: " + suspendedSI.UUID}
	}

	index := -1
	for i, stepUUID := range def.Steps {
		if stepUUID == suspendedSI.StepDefinitionUUID {
			index = i
			break
		}
	}
	if index == -1 {
		return &errors.ValidationError{Field: "step", Message: "suspended step no longer part of workflow definition"}
	}
	step, err := r.store.GetStep(ctx, suspendedSI.StepDefinitionUUID)
	if err != nil {
		return err
	}

	availableOutputs := make(map[string]*StepOutputData)
	if instance.TriggerOutput != nil {
		availableOutputs[refTriggerOutput] = instance.TriggerOutput
	}
	for _, priorUUID := range def.Steps[:index] {
		if stepResult, ok := outputForStep(instance, priorUUID, r.store, ctx); ok {
			availableOutputs[priorUUID] = stepResult
		}
	}

	suspendedSI.Messages = append(suspendedSI.Messages, ResolveHumanInput(toolCallID, toolName, userInput))
	si, err := r.agent.Run(ctx, instanceUUID, step, "", userID, suspendedSI)
	if err != nil {
		_ = instance.Transition(InstanceFailed, err.Error())
		return r.store.UpdateWorkflowInstance(ctx, instance)
	}

	switch si.Status {
	case StepFailed:
		_ = instance.Transition(InstanceFailed, si.ErrorMessage)
		return r.store.UpdateWorkflowInstance(ctx, instance)
	case StepAwaitingInput:
		// Suspended again on a further human-input request; nothing more to
		// do until the caller resumes again.
		return r.store.UpdateWorkflowInstance(ctx, instance)
	}

	if si.Output != nil {
		availableOutputs[step.UUID] = si.Output
	}
	return r.runFrom(ctx, instance, def, index+1, availableOutputs, userID)
}

// outputForStep looks up the persisted output of the step instance recorded
// for stepUUID, if any completed run of it is already in the instance's
// step-instance history.
func outputForStep(instance *WorkflowInstance, stepUUID string, store Store, ctx context.Context) (*StepOutputData, bool) {
	for _, siUUID := range instance.StepInstances {
		si, err := store.GetStepInstance(ctx, siUUID)
		if err != nil {
			continue
		}
		if si.StepDefinitionUUID == stepUUID && si.Output != nil {
			return si.Output, true
		}
	}
	return nil, false
}

// runFrom executes def.Steps[startIndex:] against instance, seeded with
// availableOutputs, and persists the instance's terminal status. Both Run
// and Resume funnel into this so the suspension/continuation logic only
// exists once.
func (r *Runner) runFrom(ctx context.Context, instance *WorkflowInstance, def *Workflow, startIndex int, availableOutputs map[string]*StepOutputData, userID string) error {
	instanceUUID := instance.UUID
	var terminal InstanceStatus = InstanceCompleted

stepLoop:
	for i, stepUUID := range def.Steps[startIndex:] {
		i += startIndex
		fresh, err := r.store.GetWorkflowInstance(ctx, instanceUUID)
		if err == nil && fresh.Status == InstanceCancelled {
			terminal = InstanceCancelled
			break
		}

		step, err := r.store.GetStep(ctx, stepUUID)
		if err != nil {
			terminal = InstanceFailed
			instance.ErrorMessage = "step definition not found: " + stepUUID
			break
		}

		resolvedPrompt := r.resolvePrompt(step, availableOutputs)

		stepCtx := ctx
		var stepSpan *tracing.WorkflowSpan
		if r.tracer != nil {
			stepCtx, stepSpan = tracing.StartStep(ctx, r.tracer, stepUUID, string(step.Type))
		}
		stepResult, outcome, errMsg := r.dispatch(stepCtx, instance, step, resolvedPrompt, userID, def.Steps, i, availableOutputs)
		if stepSpan != nil {
			if errMsg != "" {
				stepSpan.SetAttributes(map[string]any{"step.outcome": errMsg})
			}
			stepSpan.End()
		}
		if stepResult != nil {
			instance.StepInstances = append(instance.StepInstances, stepResult.UUID)
			if stepResult.Output != nil {
				availableOutputs[step.UUID] = stepResult.Output
			}
		}
		if err := r.store.UpdateWorkflowInstance(ctx, instance); err != nil {
			terminal = InstanceFailed
			instance.ErrorMessage = "failed to persist instance progress: " + err.Error()
			break
		}

		switch outcome {
		case dispatchFailed:
			terminal = InstanceFailed
			instance.ErrorMessage = errMsg
			break stepLoop
		case dispatchStop:
			terminal = InstanceStopped
			break stepLoop
		case dispatchSuspended:
			// The step suspended itself pending human input; the instance
			// stays running and is not transitioned. A later call to Run
			// with the same instanceUUID, after the caller resumes the
			// agent step, re-enters this same loop position since
			// availableOutputs is rebuilt from persisted step outputs.
			r.logger.Info("workflow instance suspended for human input",
				ilog.InstanceIDKey, instanceUUID,
				ilog.UserIDKey, userID,
			)
			return nil
		}
	}

	if err := instance.Transition(terminal, instance.ErrorMessage); err != nil {
		r.logger.Warn("instance already terminal", ilog.InstanceIDKey, instanceUUID, "error", err)
	}
	if err := r.store.UpdateWorkflowInstance(ctx, instance); err != nil {
		return err
	}

	r.logger.Info("workflow instance finished",
		ilog.InstanceIDKey, instanceUUID,
		ilog.UserIDKey, userID,
		ilog.WorkflowKey, def.Name,
		ilog.StatusKey, string(instance.Status),
		"step_count", len(instance.StepInstances),
	)
	return nil
}

// resolvePrompt applies the Reference Resolver to the step's prompt-bearing
// field, selecting it by step type.
func (r *Runner) resolvePrompt(step *Step, availableOutputs map[string]*StepOutputData) string {
	now := time.Now()
	switch step.Type {
	case StepTypeLLM:
		if step.LLM == nil {
			return ""
		}
		return ResolveReferences(step.LLM.SystemPrompt, availableOutputs, now)
	case StepTypeAgent:
		if step.Agent == nil {
			return ""
		}
		return ResolveReferences(step.Agent.SystemPrompt, availableOutputs, now)
	case StepTypeRAG:
		if step.RAG == nil {
			return ""
		}
		return ResolveReferences(step.RAG.Query, availableOutputs, now)
	default:
		return ""
	}
}

// dispatchOutcome tells the main loop what to do after one step finishes.
type dispatchOutcome int

const (
	dispatchContinue dispatchOutcome = iota
	dispatchStop
	dispatchFailed
	dispatchSuspended
)

// dispatch routes one step to its runner and normalizes the result into the
// (stepInstance, outcome, errorMessage) shape the main loop needs.
func (r *Runner) dispatch(ctx context.Context, instance *WorkflowInstance, step *Step, resolvedPrompt string, userID string, allSteps []string, index int, availableOutputs map[string]*StepOutputData) (*StepInstance, dispatchOutcome, string) {
	switch step.Type {
	case StepTypeLLM:
		si, err := r.llm.Run(ctx, instance.UUID, step, resolvedPrompt, userID)
		if err != nil {
			return nil, dispatchFailed, err.Error()
		}
		if si.Status == StepFailed {
			return si, dispatchFailed, si.ErrorMessage
		}
		return si, dispatchContinue, ""

	case StepTypeAgent:
		si, err := r.agent.Run(ctx, instance.UUID, step, resolvedPrompt, userID, nil)
		if err != nil {
			return nil, dispatchFailed, err.Error()
		}
		switch si.Status {
		case StepFailed:
			return si, dispatchFailed, si.ErrorMessage
		case StepAwaitingInput:
			return si, dispatchSuspended, ""
		default:
			return si, dispatchContinue, ""
		}

	case StepTypeStopChecker:
		if step.StopChecker == nil {
			return nil, dispatchFailed, "stop_checker step missing configuration"
		}
		result := r.checker.Evaluate(step.StopChecker, availableOutputs)
		if result.ShouldStop {
			return nil, dispatchStop, ""
		}
		return nil, dispatchContinue, ""

	case StepTypeRAG:
		if r.rag == nil {
			return nil, dispatchFailed, "no rag retriever configured"
		}
		markdown, err := r.rag.Retrieve(ctx, userID, step.RAG)
		if err != nil {
			return nil, dispatchFailed, err.Error()
		}
		output := &StepOutputData{UUID: uuid.NewString(), MarkdownRepresentation: markdown}
		if err := r.store.CreateStepOutput(ctx, output); err != nil {
			return nil, dispatchFailed, err.Error()
		}
		si := &StepInstance{
			UUID:                 uuid.NewString(),
			WorkflowInstanceUUID: instance.UUID,
			StepDefinitionUUID:   step.UUID,
			Output:               output,
		}
		si.Finish(StepCompleted, "")
		if err := r.store.CreateStepInstance(ctx, si); err != nil {
			return nil, dispatchFailed, err.Error()
		}
		return si, dispatchContinue, ""

	default:
		return nil, dispatchFailed, "unknown step type: " + string(step.Type)
	}
}
