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

// Package workflow defines the data model and runtime primitives for the
// workflow execution engine: linear pipelines of steps, one execution
// record per run, and the append-only message history each step produces.
package workflow

import (
	"time"
)

// StepType identifies which step runner a Step definition dispatches to.
type StepType string

const (
	StepTypeLLM         StepType = "llm"
	StepTypeAgent       StepType = "agent"
	StepTypeStopChecker StepType = "stop_checker"
	StepTypeRAG         StepType = "rag"
)

// IsValid reports whether t is one of the known step types.
func (t StepType) IsValid() bool {
	switch t {
	case StepTypeLLM, StepTypeAgent, StepTypeStopChecker, StepTypeRAG:
		return true
	}
	return false
}

// InstanceStatus is the lifecycle status of a WorkflowInstance.
type InstanceStatus string

const (
	InstanceRunning   InstanceStatus = "running"
	InstanceCompleted InstanceStatus = "completed"
	InstanceStopped   InstanceStatus = "stopped"
	InstanceFailed    InstanceStatus = "failed"
	InstanceCancelled InstanceStatus = "cancelled"
)

// IsTerminal reports whether s is a state from which no further transition is allowed.
func (s InstanceStatus) IsTerminal() bool {
	switch s {
	case InstanceCompleted, InstanceStopped, InstanceFailed, InstanceCancelled:
		return true
	}
	return false
}

// StepInstanceStatus is the lifecycle status of a single StepInstance.
type StepInstanceStatus string

const (
	StepPending       StepInstanceStatus = "pending"
	StepRunning       StepInstanceStatus = "running"
	StepCompleted     StepInstanceStatus = "completed"
	StepFailed        StepInstanceStatus = "failed"
	StepSkipped       StepInstanceStatus = "skipped"
	StepCancelled     StepInstanceStatus = "cancelled"
	StepAwaitingInput StepInstanceStatus = "awaiting_human_input"
)

// IsTerminal reports whether s is a state from which no further transition is allowed.
func (s StepInstanceStatus) IsTerminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped, StepCancelled:
		return true
	}
	return false
}

// MessageRole identifies the speaker of a Message within a step's conversation.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

// FunctionCall is the name/arguments pair an LLM emits when requesting a tool invocation.
// Arguments is a JSON-encoded object, forwarded verbatim to the tool dispatcher.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall is one tool invocation request embedded in an assistant Message.
// Tool responses are correlated back to it by ID.
type ToolCall struct {
	ID       string       `json:"id"`
	Function FunctionCall `json:"function"`
}

// Message is one turn of a step's conversation with the LLM. Messages are
// append-only within a StepInstance; nothing ever mutates or removes one.
type Message struct {
	Role       MessageRole `json:"role"`
	Content    string      `json:"content,omitempty"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
	Name       string      `json:"name,omitempty"`
}

// StepOutputData is the single data carrier passed between steps. It is
// immutable once created: a step that needs to change its output creates a
// new StepOutputData rather than mutating an existing one.
type StepOutputData struct {
	UUID                  string `json:"uuid"`
	MarkdownRepresentation string `json:"markdown_representation"`
}

// LLMStepConfig holds the type-specific fields of a Step with Type == StepTypeLLM.
type LLMStepConfig struct {
	Model        string `json:"model"`
	SystemPrompt string `json:"system_prompt"`
}

// AgentToolConfig names one tool made available to an agent step, and whether it's enabled.
type AgentToolConfig struct {
	ID      string `json:"id"`
	Enabled bool   `json:"enabled"`
}

// AgentStepConfig holds the type-specific fields of a Step with Type == StepTypeAgent.
type AgentStepConfig struct {
	Model        string            `json:"model"`
	SystemPrompt string            `json:"system_prompt"`
	Tools        []AgentToolConfig `json:"tools"`
}

// CheckMode selects the matching polarity used by a stop_checker step.
type CheckMode string

const (
	CheckStopIfContains     CheckMode = "stop_if_output_contains"
	CheckContinueIfContains CheckMode = "continue_if_output_contains"
)

// StopCheckerConfig holds the type-specific fields of a Step with Type == StepTypeStopChecker.
type StopCheckerConfig struct {
	StepToCheckUUID string    `json:"step_to_check_uuid,omitempty"`
	CheckMode       CheckMode `json:"check_mode"`
	MatchValues     []string  `json:"match_values"`
}

// RAGStepConfig holds the type-specific fields of a Step with Type == StepTypeRAG.
type RAGStepConfig struct {
	CollectionID string `json:"collection_id"`
	Query        string `json:"query"`
	TopK         int    `json:"top_k"`
	Rerank       bool   `json:"rerank"`
}

// Step is the polymorphic definition of one unit of work. Exactly the field
// group matching Type is populated; the others are nil. Steps are shared,
// stable definitions: they may be referenced by more than one Workflow and
// outlive any single WorkflowInstance.
type Step struct {
	UUID      string    `json:"uuid"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Type      StepType  `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	LLM         *LLMStepConfig     `json:"llm,omitempty"`
	Agent       *AgentStepConfig   `json:"agent,omitempty"`
	StopChecker *StopCheckerConfig `json:"stop_checker,omitempty"`
	RAG         *RAGStepConfig     `json:"rag,omitempty"`
}

// Trigger is the initiation contract for a workflow: what incoming data shape
// is expected, and how it's filtered. It is 1:1 with a Workflow and is
// replaced as a whole on change rather than patched field-by-field.
type Trigger struct {
	UUID                   string                 `json:"uuid"`
	WorkflowUUID           string                 `json:"workflow_uuid"`
	UserID                 string                 `json:"user_id"`
	FilterRules            map[string]interface{} `json:"filter_rules,omitempty"`
	InitialDataDescription string                 `json:"initial_data_description"`
	TriggerPrompt          *string                `json:"trigger_prompt,omitempty"`
	TriggerModel           *string                `json:"trigger_model,omitempty"`
	CreatedAt              time.Time              `json:"created_at"`
	UpdatedAt              time.Time              `json:"updated_at"`
}

// Workflow is the definition of a linear pipeline: an ordered list of Step
// UUIDs executed in sequence by the Runner, plus the Trigger that starts it.
type Workflow struct {
	UUID        string    `json:"uuid"`
	UserID      string    `json:"user_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	IsActive    bool      `json:"is_active"`
	TriggerUUID *string   `json:"trigger_uuid,omitempty"`
	Steps       []string  `json:"steps"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// HasStep reports whether stepUUID appears in the workflow's step list.
func (w *Workflow) HasStep(stepUUID string) bool {
	for _, id := range w.Steps {
		if id == stepUUID {
			return true
		}
	}
	return false
}

// WorkflowInstance is one execution run of a Workflow definition.
type WorkflowInstance struct {
	UUID                   string          `json:"uuid"`
	WorkflowDefinitionUUID string          `json:"workflow_definition_uuid"`
	UserID                 string          `json:"user_id"`
	Status                 InstanceStatus  `json:"status"`
	TriggerOutput          *StepOutputData `json:"trigger_output,omitempty"`
	ErrorMessage           string          `json:"error_message,omitempty"`
	StepInstances          []string        `json:"step_instances"`
	CreatedAt              time.Time       `json:"created_at"`
	UpdatedAt              time.Time       `json:"updated_at"`
	StartedAt              *time.Time      `json:"started_at,omitempty"`
	FinishedAt             *time.Time      `json:"finished_at,omitempty"`
}

// Transition moves the instance to a terminal (or running-preserving) status.
// It enforces the monotonic invariant: once in a terminal status, no further
// transition is accepted.
func (w *WorkflowInstance) Transition(to InstanceStatus, errorMessage string) error {
	if w.Status.IsTerminal() {
		return &TransitionError{From: string(w.Status), To: string(to)}
	}
	w.Status = to
	w.ErrorMessage = errorMessage
	now := time.Now()
	w.UpdatedAt = now
	if to.IsTerminal() {
		w.FinishedAt = &now
	}
	return nil
}

// TransitionError is returned when a caller attempts to move a WorkflowInstance
// out of an already-terminal status.
type TransitionError struct {
	From, To string
}

func (e *TransitionError) Error() string {
	return "cannot transition from terminal status " + e.From + " to " + e.To
}

// StepInstance is one execution of one Step within a WorkflowInstance.
type StepInstance struct {
	UUID                 string                 `json:"uuid"`
	WorkflowInstanceUUID  string                 `json:"workflow_instance_uuid"`
	StepDefinitionUUID    string                 `json:"step_definition_uuid"`
	Status                StepInstanceStatus     `json:"status"`
	StartedAt             *time.Time             `json:"started_at,omitempty"`
	FinishedAt            *time.Time             `json:"finished_at,omitempty"`
	Messages              []Message              `json:"messages,omitempty"`
	Output                *StepOutputData        `json:"output,omitempty"`
	ErrorMessage          string                 `json:"error_message,omitempty"`
	InputData             map[string]interface{} `json:"input_data,omitempty"`
}

// Finish sets a terminal status and FinishedAt. Safe to call at most once
// per instance; callers own the terminal transition since, unlike
// WorkflowInstance, a StepInstance has no externally observable running phase.
func (s *StepInstance) Finish(status StepInstanceStatus, errorMessage string) {
	s.Status = status
	s.ErrorMessage = errorMessage
	now := time.Now()
	s.FinishedAt = &now
}
