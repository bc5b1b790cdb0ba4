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
	"sync"
	"time"

	"github.com/itempass/workflowengine/pkg/errors"
)

// Store defines persistence for every entity in the data model. Workflow
// deletion cascades to its Trigger and Step definitions it exclusively owns;
// WorkflowInstance deletion cascades to its StepInstances and their
// StepOutputData, per the ownership rules in the data model.
type Store interface {
	CreateWorkflow(ctx context.Context, w *Workflow) error
	GetWorkflow(ctx context.Context, uuid string) (*Workflow, error)
	UpdateWorkflow(ctx context.Context, w *Workflow) error
	DeleteWorkflow(ctx context.Context, uuid string) error
	ListWorkflows(ctx context.Context, userID string) ([]*Workflow, error)

	// AppendWorkflowStep atomically appends stepUUID to a workflow's ordered
	// step list. Returns a ValidationError if stepUUID is already present.
	AppendWorkflowStep(ctx context.Context, workflowUUID, stepUUID string) error

	// RemoveWorkflowStep atomically removes stepUUID from a workflow's step list.
	RemoveWorkflowStep(ctx context.Context, workflowUUID, stepUUID string) error

	CreateStep(ctx context.Context, s *Step) error
	GetStep(ctx context.Context, uuid string) (*Step, error)
	UpdateStep(ctx context.Context, s *Step) error
	DeleteStep(ctx context.Context, uuid string) error

	CreateTrigger(ctx context.Context, t *Trigger) error
	GetTrigger(ctx context.Context, uuid string) (*Trigger, error)
	GetTriggerByWorkflow(ctx context.Context, workflowUUID string) (*Trigger, error)
	UpdateTrigger(ctx context.Context, t *Trigger) error
	DeleteTrigger(ctx context.Context, uuid string) error

	CreateWorkflowInstance(ctx context.Context, wi *WorkflowInstance) error
	GetWorkflowInstance(ctx context.Context, uuid string) (*WorkflowInstance, error)
	UpdateWorkflowInstance(ctx context.Context, wi *WorkflowInstance) error
	ListWorkflowInstances(ctx context.Context, status InstanceStatus) ([]*WorkflowInstance, error)

	CreateStepInstance(ctx context.Context, si *StepInstance) error
	GetStepInstance(ctx context.Context, uuid string) (*StepInstance, error)
	UpdateStepInstance(ctx context.Context, si *StepInstance) error

	CreateStepOutput(ctx context.Context, o *StepOutputData) error
	GetStepOutput(ctx context.Context, uuid string) (*StepOutputData, error)
}

// MemoryStore is an in-memory, thread-safe Store suitable for tests and
// single-process deployments. Every read and write copies values so callers
// can never observe or cause mutation through a shared pointer.
type MemoryStore struct {
	mu sync.RWMutex

	workflows     map[string]*Workflow
	steps         map[string]*Step
	triggers      map[string]*Trigger
	triggerByWf   map[string]string // workflowUUID -> triggerUUID
	instances     map[string]*WorkflowInstance
	stepInstances map[string]*StepInstance
	stepOutputs   map[string]*StepOutputData
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:     make(map[string]*Workflow),
		steps:         make(map[string]*Step),
		triggers:      make(map[string]*Trigger),
		triggerByWf:   make(map[string]string),
		instances:     make(map[string]*WorkflowInstance),
		stepInstances: make(map[string]*StepInstance),
		stepOutputs:   make(map[string]*StepOutputData),
	}
}

func (s *MemoryStore) CreateWorkflow(ctx context.Context, w *Workflow) error {
	if w == nil || w.UUID == "" {
		return &errors.ValidationError{Field: "uuid", Message: "workflow UUID cannot be empty"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.workflows[w.UUID]; exists {
		return &errors.ValidationError{Field: "uuid", Message: "workflow already exists: " + w.UUID}
	}
	now := time.Now()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	cp := *w
	cp.Steps = append([]string(nil), w.Steps...)
	s.workflows[w.UUID] = &cp
	return nil
}

func (s *MemoryStore) GetWorkflow(ctx context.Context, uuid string) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workflows[uuid]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: uuid}
	}
	cp := *w
	cp.Steps = append([]string(nil), w.Steps...)
	return &cp, nil
}

func (s *MemoryStore) UpdateWorkflow(ctx context.Context, w *Workflow) error {
	if w == nil || w.UUID == "" {
		return &errors.ValidationError{Field: "uuid", Message: "workflow UUID cannot be empty"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[w.UUID]; !ok {
		return &errors.NotFoundError{Resource: "workflow", ID: w.UUID}
	}
	w.UpdatedAt = time.Now()
	cp := *w
	cp.Steps = append([]string(nil), w.Steps...)
	s.workflows[w.UUID] = &cp
	return nil
}

func (s *MemoryStore) DeleteWorkflow(ctx context.Context, uuid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[uuid]
	if !ok {
		return &errors.NotFoundError{Resource: "workflow", ID: uuid}
	}
	if triggerUUID, ok := s.triggerByWf[uuid]; ok {
		delete(s.triggers, triggerUUID)
		delete(s.triggerByWf, uuid)
	}
	for _, stepUUID := range w.Steps {
		delete(s.steps, stepUUID)
	}
	delete(s.workflows, uuid)
	return nil
}

func (s *MemoryStore) ListWorkflows(ctx context.Context, userID string) ([]*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Workflow
	for _, w := range s.workflows {
		if userID != "" && w.UserID != userID {
			continue
		}
		cp := *w
		cp.Steps = append([]string(nil), w.Steps...)
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) AppendWorkflowStep(ctx context.Context, workflowUUID, stepUUID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[workflowUUID]
	if !ok {
		return &errors.NotFoundError{Resource: "workflow", ID: workflowUUID}
	}
	for _, id := range w.Steps {
		if id == stepUUID {
			return &errors.ValidationError{Field: "steps", Message: "step already present in workflow: " + stepUUID}
		}
	}
	w.Steps = append(w.Steps, stepUUID)
	w.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) RemoveWorkflowStep(ctx context.Context, workflowUUID, stepUUID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[workflowUUID]
	if !ok {
		return &errors.NotFoundError{Resource: "workflow", ID: workflowUUID}
	}
	idx := -1
	for i, id := range w.Steps {
		if id == stepUUID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return &errors.NotFoundError{Resource: "workflow step", ID: stepUUID}
	}
	w.Steps = append(w.Steps[:idx], w.Steps[idx+1:]...)
	w.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) CreateStep(ctx context.Context, step *Step) error {
	if step == nil || step.UUID == "" {
		return &errors.ValidationError{Field: "uuid", Message: "step UUID cannot be empty"}
	}
	if !step.Type.IsValid() {
		return &errors.ValidationError{Field: "type", Message: "unknown step type: " + string(step.Type)}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.steps[step.UUID]; exists {
		return &errors.ValidationError{Field: "uuid", Message: "step already exists: " + step.UUID}
	}
	now := time.Now()
	if step.CreatedAt.IsZero() {
		step.CreatedAt = now
	}
	step.UpdatedAt = now
	cp := *step
	s.steps[step.UUID] = &cp
	return nil
}

func (s *MemoryStore) GetStep(ctx context.Context, uuid string) (*Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	step, ok := s.steps[uuid]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "step", ID: uuid}
	}
	cp := *step
	return &cp, nil
}

func (s *MemoryStore) UpdateStep(ctx context.Context, step *Step) error {
	if step == nil || step.UUID == "" {
		return &errors.ValidationError{Field: "uuid", Message: "step UUID cannot be empty"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.steps[step.UUID]; !ok {
		return &errors.NotFoundError{Resource: "step", ID: step.UUID}
	}
	step.UpdatedAt = time.Now()
	cp := *step
	s.steps[step.UUID] = &cp
	return nil
}

func (s *MemoryStore) DeleteStep(ctx context.Context, uuid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.workflows {
		if w.HasStep(uuid) {
			return &errors.ValidationError{Field: "uuid", Message: "step is referenced by a workflow: " + uuid}
		}
	}
	if _, ok := s.steps[uuid]; !ok {
		return &errors.NotFoundError{Resource: "step", ID: uuid}
	}
	delete(s.steps, uuid)
	return nil
}

func (s *MemoryStore) CreateTrigger(ctx context.Context, t *Trigger) error {
	if t == nil || t.UUID == "" {
		return &errors.ValidationError{Field: "uuid", Message: "trigger UUID cannot be empty"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.triggers[t.UUID]; exists {
		return &errors.ValidationError{Field: "uuid", Message: "trigger already exists: " + t.UUID}
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	cp := *t
	s.triggers[t.UUID] = &cp
	s.triggerByWf[t.WorkflowUUID] = t.UUID
	return nil
}

func (s *MemoryStore) GetTrigger(ctx context.Context, uuid string) (*Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.triggers[uuid]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "trigger", ID: uuid}
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) GetTriggerByWorkflow(ctx context.Context, workflowUUID string) (*Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	triggerUUID, ok := s.triggerByWf[workflowUUID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "trigger", ID: "workflow=" + workflowUUID}
	}
	t := s.triggers[triggerUUID]
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) UpdateTrigger(ctx context.Context, t *Trigger) error {
	if t == nil || t.UUID == "" {
		return &errors.ValidationError{Field: "uuid", Message: "trigger UUID cannot be empty"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.triggers[t.UUID]; !ok {
		return &errors.NotFoundError{Resource: "trigger", ID: t.UUID}
	}
	t.UpdatedAt = time.Now()
	cp := *t
	s.triggers[t.UUID] = &cp
	s.triggerByWf[t.WorkflowUUID] = t.UUID
	return nil
}

func (s *MemoryStore) DeleteTrigger(ctx context.Context, uuid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.triggers[uuid]
	if !ok {
		return &errors.NotFoundError{Resource: "trigger", ID: uuid}
	}
	delete(s.triggers, uuid)
	delete(s.triggerByWf, t.WorkflowUUID)
	return nil
}

func (s *MemoryStore) CreateWorkflowInstance(ctx context.Context, wi *WorkflowInstance) error {
	if wi == nil || wi.UUID == "" {
		return &errors.ValidationError{Field: "uuid", Message: "workflow instance UUID cannot be empty"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.instances[wi.UUID]; exists {
		return &errors.ValidationError{Field: "uuid", Message: "workflow instance already exists: " + wi.UUID}
	}
	now := time.Now()
	if wi.CreatedAt.IsZero() {
		wi.CreatedAt = now
	}
	wi.UpdatedAt = now
	cp := *wi
	cp.StepInstances = append([]string(nil), wi.StepInstances...)
	s.instances[wi.UUID] = &cp
	return nil
}

func (s *MemoryStore) GetWorkflowInstance(ctx context.Context, uuid string) (*WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wi, ok := s.instances[uuid]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "workflow_instance", ID: uuid}
	}
	cp := *wi
	cp.StepInstances = append([]string(nil), wi.StepInstances...)
	return &cp, nil
}

func (s *MemoryStore) UpdateWorkflowInstance(ctx context.Context, wi *WorkflowInstance) error {
	if wi == nil || wi.UUID == "" {
		return &errors.ValidationError{Field: "uuid", Message: "workflow instance UUID cannot be empty"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[wi.UUID]; !ok {
		return &errors.NotFoundError{Resource: "workflow_instance", ID: wi.UUID}
	}
	wi.UpdatedAt = time.Now()
	cp := *wi
	cp.StepInstances = append([]string(nil), wi.StepInstances...)
	s.instances[wi.UUID] = &cp
	return nil
}

func (s *MemoryStore) ListWorkflowInstances(ctx context.Context, status InstanceStatus) ([]*WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*WorkflowInstance
	for _, wi := range s.instances {
		if status != "" && wi.Status != status {
			continue
		}
		cp := *wi
		cp.StepInstances = append([]string(nil), wi.StepInstances...)
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) CreateStepInstance(ctx context.Context, si *StepInstance) error {
	if si == nil || si.UUID == "" {
		return &errors.ValidationError{Field: "uuid", Message: "step instance UUID cannot be empty"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.stepInstances[si.UUID]; exists {
		return &errors.ValidationError{Field: "uuid", Message: "step instance already exists: " + si.UUID}
	}
	cp := copyStepInstance(si)
	s.stepInstances[si.UUID] = cp
	return nil
}

func (s *MemoryStore) GetStepInstance(ctx context.Context, uuid string) (*StepInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	si, ok := s.stepInstances[uuid]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "step_instance", ID: uuid}
	}
	return copyStepInstance(si), nil
}

func (s *MemoryStore) UpdateStepInstance(ctx context.Context, si *StepInstance) error {
	if si == nil || si.UUID == "" {
		return &errors.ValidationError{Field: "uuid", Message: "step instance UUID cannot be empty"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stepInstances[si.UUID]; !ok {
		return &errors.NotFoundError{Resource: "step_instance", ID: si.UUID}
	}
	s.stepInstances[si.UUID] = copyStepInstance(si)
	return nil
}

func (s *MemoryStore) CreateStepOutput(ctx context.Context, o *StepOutputData) error {
	if o == nil || o.UUID == "" {
		return &errors.ValidationError{Field: "uuid", Message: "step output UUID cannot be empty"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.stepOutputs[o.UUID]; exists {
		// StepOutputData is immutable; re-creating the same UUID is a no-op failure.
		return &errors.ValidationError{Field: "uuid", Message: "step output already exists: " + o.UUID}
	}
	cp := *o
	s.stepOutputs[o.UUID] = &cp
	return nil
}

func (s *MemoryStore) GetStepOutput(ctx context.Context, uuid string) (*StepOutputData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.stepOutputs[uuid]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "step_output", ID: uuid}
	}
	cp := *o
	return &cp, nil
}

func copyStepInstance(si *StepInstance) *StepInstance {
	cp := *si
	cp.Messages = append([]Message(nil), si.Messages...)
	if si.Output != nil {
		out := *si.Output
		cp.Output = &out
	}
	if si.InputData != nil {
		cp.InputData = make(map[string]interface{}, len(si.InputData))
		for k, v := range si.InputData {
			cp.InputData[k] = v
		}
	}
	if si.StartedAt != nil {
		t := *si.StartedAt
		cp.StartedAt = &t
	}
	if si.FinishedAt != nil {
		t := *si.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}
