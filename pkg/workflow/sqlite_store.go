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
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/itempass/workflowengine/pkg/errors"
	"github.com/itempass/workflowengine/pkg/observability"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on top of SQLite. Every table promotes the
// columns needed for indexing/filtering (uuid, user_id, status, ...) and
// serializes the rest of the entity into a single "details" JSON column, so
// the schema doesn't need a migration every time a step-type config field
// changes.
type SQLiteStore struct {
	db     *sql.DB
	tracer observability.Tracer
}

// WithTracer attaches a tracer the store uses to emit a "store.write" span
// around every persisted mutation (instance and step-instance creation and
// updates, step output writes). A store with no tracer attached persists
// exactly as before.
func (s *SQLiteStore) WithTracer(tracer observability.Tracer) *SQLiteStore {
	s.tracer = tracer
	return s
}

// startWriteSpan begins a span for a persistence write named by table, when
// a tracer is attached, returning a no-op end func otherwise.
func (s *SQLiteStore) startWriteSpan(ctx context.Context, table string) (context.Context, func(err error)) {
	if s.tracer == nil {
		return ctx, func(error) {}
	}
	ctx, span := s.tracer.Start(ctx, "store.write",
		observability.WithAttributes(map[string]any{"store.table": table}),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}

// SQLiteStoreConfig configures the SQLite-backed store.
type SQLiteStoreConfig struct {
	// Path is the filesystem path to the database file.
	Path string
}

// NewSQLiteStore opens (creating if necessary) a SQLite-backed Store.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, &errors.ConfigError{Key: "path", Reason: "database path is required"}
	}

	connStr := cfg.Path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_foreign_keys=ON"
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, &errors.ConfigError{Key: "path", Reason: "failed to open database", Cause: err}
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &errors.ConfigError{Key: "path", Reason: "failed to connect to database", Cause: err}
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			uuid TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			details TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_user ON workflows(user_id)`,

		`CREATE TABLE IF NOT EXISTS steps (
			uuid TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			type TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			details TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS triggers (
			uuid TEXT PRIMARY KEY,
			workflow_uuid TEXT NOT NULL UNIQUE,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			details TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS workflow_instances (
			uuid TEXT PRIMARY KEY,
			workflow_definition_uuid TEXT NOT NULL,
			user_id TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			details TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_status ON workflow_instances(status)`,

		`CREATE TABLE IF NOT EXISTS step_instances (
			uuid TEXT PRIMARY KEY,
			workflow_instance_uuid TEXT NOT NULL,
			step_definition_uuid TEXT NOT NULL,
			status TEXT NOT NULL,
			details TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_step_instances_wi ON step_instances(workflow_instance_uuid)`,

		`CREATE TABLE IF NOT EXISTS step_outputs (
			uuid TEXT PRIMARY KEY,
			markdown_representation TEXT NOT NULL
		)`,
	}
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func isUniqueConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return containsAny(msg, "UNIQUE constraint failed", "constraint failed: UNIQUE")
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if len(s) >= len(sub) {
			for i := 0; i+len(sub) <= len(s); i++ {
				if s[i:i+len(sub)] == sub {
					return true
				}
			}
		}
	}
	return false
}

// --- Workflow ---

func (s *SQLiteStore) CreateWorkflow(ctx context.Context, w *Workflow) error {
	if w == nil || w.UUID == "" {
		return &errors.ValidationError{Field: "uuid", Message: "workflow UUID cannot be empty"}
	}
	now := time.Now()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	details, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (uuid, user_id, name, is_active, created_at, updated_at, details) VALUES (?,?,?,?,?,?,?)`,
		w.UUID, w.UserID, w.Name, boolToInt(w.IsActive), w.CreatedAt.Format(time.RFC3339), w.UpdatedAt.Format(time.RFC3339), string(details))
	if err != nil {
		if isUniqueConstraintErr(err) {
			return &errors.ValidationError{Field: "uuid", Message: "workflow already exists: " + w.UUID}
		}
		return fmt.Errorf("insert workflow: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetWorkflow(ctx context.Context, uuid string) (*Workflow, error) {
	var details string
	err := s.db.QueryRowContext(ctx, `SELECT details FROM workflows WHERE uuid = ?`, uuid).Scan(&details)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: uuid}
	}
	if err != nil {
		return nil, fmt.Errorf("select workflow: %w", err)
	}
	var w Workflow
	if err := json.Unmarshal([]byte(details), &w); err != nil {
		return nil, fmt.Errorf("unmarshal workflow: %w", err)
	}
	return &w, nil
}

func (s *SQLiteStore) UpdateWorkflow(ctx context.Context, w *Workflow) error {
	if w == nil || w.UUID == "" {
		return &errors.ValidationError{Field: "uuid", Message: "workflow UUID cannot be empty"}
	}
	w.UpdatedAt = time.Now()
	details, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET user_id=?, name=?, is_active=?, updated_at=?, details=? WHERE uuid=?`,
		w.UserID, w.Name, boolToInt(w.IsActive), w.UpdatedAt.Format(time.RFC3339), string(details), w.UUID)
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "workflow", ID: w.UUID}
	}
	return nil
}

func (s *SQLiteStore) DeleteWorkflow(ctx context.Context, uuid string) error {
	w, err := s.GetWorkflow(ctx, uuid)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM triggers WHERE workflow_uuid = ?`, uuid); err != nil {
		return fmt.Errorf("delete trigger: %w", err)
	}
	for _, stepUUID := range w.Steps {
		if _, err := tx.ExecContext(ctx, `DELETE FROM steps WHERE uuid = ?`, stepUUID); err != nil {
			return fmt.Errorf("delete step: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM workflows WHERE uuid = ?`, uuid); err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListWorkflows(ctx context.Context, userID string) ([]*Workflow, error) {
	query := `SELECT details FROM workflows`
	args := []interface{}{}
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()
	var out []*Workflow
	for rows.Next() {
		var details string
		if err := rows.Scan(&details); err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		var w Workflow
		if err := json.Unmarshal([]byte(details), &w); err != nil {
			return nil, fmt.Errorf("unmarshal workflow: %w", err)
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendWorkflowStep(ctx context.Context, workflowUUID, stepUUID string) error {
	w, err := s.GetWorkflow(ctx, workflowUUID)
	if err != nil {
		return err
	}
	if w.HasStep(stepUUID) {
		return &errors.ValidationError{Field: "steps", Message: "step already present in workflow: " + stepUUID}
	}
	w.Steps = append(w.Steps, stepUUID)
	return s.UpdateWorkflow(ctx, w)
}

func (s *SQLiteStore) RemoveWorkflowStep(ctx context.Context, workflowUUID, stepUUID string) error {
	w, err := s.GetWorkflow(ctx, workflowUUID)
	if err != nil {
		return err
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
	return s.UpdateWorkflow(ctx, w)
}

// --- Step ---

func (s *SQLiteStore) CreateStep(ctx context.Context, step *Step) error {
	if step == nil || step.UUID == "" {
		return &errors.ValidationError{Field: "uuid", Message: "step UUID cannot be empty"}
	}
	if !step.Type.IsValid() {
		return &errors.ValidationError{Field: "type", Message: "unknown step type: " + string(step.Type)}
	}
	now := time.Now()
	if step.CreatedAt.IsZero() {
		step.CreatedAt = now
	}
	step.UpdatedAt = now
	details, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("marshal step: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO steps (uuid, user_id, type, created_at, updated_at, details) VALUES (?,?,?,?,?,?)`,
		step.UUID, step.UserID, string(step.Type), step.CreatedAt.Format(time.RFC3339), step.UpdatedAt.Format(time.RFC3339), string(details))
	if err != nil {
		if isUniqueConstraintErr(err) {
			return &errors.ValidationError{Field: "uuid", Message: "step already exists: " + step.UUID}
		}
		return fmt.Errorf("insert step: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetStep(ctx context.Context, uuid string) (*Step, error) {
	var details string
	err := s.db.QueryRowContext(ctx, `SELECT details FROM steps WHERE uuid = ?`, uuid).Scan(&details)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "step", ID: uuid}
	}
	if err != nil {
		return nil, fmt.Errorf("select step: %w", err)
	}
	var step Step
	if err := json.Unmarshal([]byte(details), &step); err != nil {
		return nil, fmt.Errorf("unmarshal step: %w", err)
	}
	return &step, nil
}

func (s *SQLiteStore) UpdateStep(ctx context.Context, step *Step) error {
	if step == nil || step.UUID == "" {
		return &errors.ValidationError{Field: "uuid", Message: "step UUID cannot be empty"}
	}
	step.UpdatedAt = time.Now()
	details, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("marshal step: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE steps SET user_id=?, type=?, updated_at=?, details=? WHERE uuid=?`,
		step.UserID, string(step.Type), step.UpdatedAt.Format(time.RFC3339), string(details), step.UUID)
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "step", ID: step.UUID}
	}
	return nil
}

func (s *SQLiteStore) DeleteStep(ctx context.Context, uuid string) error {
	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workflows WHERE details LIKE '%' || ? || '%'`, uuid).Scan(&count); err != nil {
		return fmt.Errorf("check step references: %w", err)
	}
	if count > 0 {
		return &errors.ValidationError{Field: "uuid", Message: "step is referenced by a workflow: " + uuid}
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM steps WHERE uuid = ?`, uuid)
	if err != nil {
		return fmt.Errorf("delete step: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "step", ID: uuid}
	}
	return nil
}

// --- Trigger ---

func (s *SQLiteStore) CreateTrigger(ctx context.Context, t *Trigger) error {
	if t == nil || t.UUID == "" {
		return &errors.ValidationError{Field: "uuid", Message: "trigger UUID cannot be empty"}
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	details, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal trigger: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO triggers (uuid, workflow_uuid, created_at, updated_at, details) VALUES (?,?,?,?,?)`,
		t.UUID, t.WorkflowUUID, t.CreatedAt.Format(time.RFC3339), t.UpdatedAt.Format(time.RFC3339), string(details))
	if err != nil {
		if isUniqueConstraintErr(err) {
			return &errors.ValidationError{Field: "uuid", Message: "trigger already exists: " + t.UUID}
		}
		return fmt.Errorf("insert trigger: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTrigger(ctx context.Context, uuid string) (*Trigger, error) {
	var details string
	err := s.db.QueryRowContext(ctx, `SELECT details FROM triggers WHERE uuid = ?`, uuid).Scan(&details)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "trigger", ID: uuid}
	}
	if err != nil {
		return nil, fmt.Errorf("select trigger: %w", err)
	}
	var t Trigger
	if err := json.Unmarshal([]byte(details), &t); err != nil {
		return nil, fmt.Errorf("unmarshal trigger: %w", err)
	}
	return &t, nil
}

func (s *SQLiteStore) GetTriggerByWorkflow(ctx context.Context, workflowUUID string) (*Trigger, error) {
	var details string
	err := s.db.QueryRowContext(ctx, `SELECT details FROM triggers WHERE workflow_uuid = ?`, workflowUUID).Scan(&details)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "trigger", ID: "workflow=" + workflowUUID}
	}
	if err != nil {
		return nil, fmt.Errorf("select trigger: %w", err)
	}
	var t Trigger
	if err := json.Unmarshal([]byte(details), &t); err != nil {
		return nil, fmt.Errorf("unmarshal trigger: %w", err)
	}
	return &t, nil
}

func (s *SQLiteStore) UpdateTrigger(ctx context.Context, t *Trigger) error {
	if t == nil || t.UUID == "" {
		return &errors.ValidationError{Field: "uuid", Message: "trigger UUID cannot be empty"}
	}
	t.UpdatedAt = time.Now()
	details, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal trigger: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE triggers SET workflow_uuid=?, updated_at=?, details=? WHERE uuid=?`,
		t.WorkflowUUID, t.UpdatedAt.Format(time.RFC3339), string(details), t.UUID)
	if err != nil {
		return fmt.Errorf("update trigger: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "trigger", ID: t.UUID}
	}
	return nil
}

func (s *SQLiteStore) DeleteTrigger(ctx context.Context, uuid string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM triggers WHERE uuid = ?`, uuid)
	if err != nil {
		return fmt.Errorf("delete trigger: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "trigger", ID: uuid}
	}
	return nil
}

// --- WorkflowInstance ---

func (s *SQLiteStore) CreateWorkflowInstance(ctx context.Context, wi *WorkflowInstance) (err error) {
	ctx, end := s.startWriteSpan(ctx, "workflow_instances")
	defer func() { end(err) }()
	if wi == nil || wi.UUID == "" {
		return &errors.ValidationError{Field: "uuid", Message: "workflow instance UUID cannot be empty"}
	}
	now := time.Now()
	if wi.CreatedAt.IsZero() {
		wi.CreatedAt = now
	}
	wi.UpdatedAt = now
	details, err := json.Marshal(wi)
	if err != nil {
		return fmt.Errorf("marshal workflow instance: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_instances (uuid, workflow_definition_uuid, user_id, status, created_at, updated_at, details) VALUES (?,?,?,?,?,?,?)`,
		wi.UUID, wi.WorkflowDefinitionUUID, wi.UserID, string(wi.Status), wi.CreatedAt.Format(time.RFC3339), wi.UpdatedAt.Format(time.RFC3339), string(details))
	if err != nil {
		if isUniqueConstraintErr(err) {
			return &errors.ValidationError{Field: "uuid", Message: "workflow instance already exists: " + wi.UUID}
		}
		return fmt.Errorf("insert workflow instance: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetWorkflowInstance(ctx context.Context, uuid string) (*WorkflowInstance, error) {
	var details string
	err := s.db.QueryRowContext(ctx, `SELECT details FROM workflow_instances WHERE uuid = ?`, uuid).Scan(&details)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "workflow_instance", ID: uuid}
	}
	if err != nil {
		return nil, fmt.Errorf("select workflow instance: %w", err)
	}
	var wi WorkflowInstance
	if err := json.Unmarshal([]byte(details), &wi); err != nil {
		return nil, fmt.Errorf("unmarshal workflow instance: %w", err)
	}
	return &wi, nil
}

func (s *SQLiteStore) UpdateWorkflowInstance(ctx context.Context, wi *WorkflowInstance) (err error) {
	ctx, end := s.startWriteSpan(ctx, "workflow_instances")
	defer func() { end(err) }()
	if wi == nil || wi.UUID == "" {
		return &errors.ValidationError{Field: "uuid", Message: "workflow instance UUID cannot be empty"}
	}
	wi.UpdatedAt = time.Now()
	details, err := json.Marshal(wi)
	if err != nil {
		return fmt.Errorf("marshal workflow instance: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_instances SET status=?, updated_at=?, details=? WHERE uuid=?`,
		string(wi.Status), wi.UpdatedAt.Format(time.RFC3339), string(details), wi.UUID)
	if err != nil {
		return fmt.Errorf("update workflow instance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "workflow_instance", ID: wi.UUID}
	}
	return nil
}

func (s *SQLiteStore) ListWorkflowInstances(ctx context.Context, status InstanceStatus) ([]*WorkflowInstance, error) {
	query := `SELECT details FROM workflow_instances`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workflow instances: %w", err)
	}
	defer rows.Close()
	var out []*WorkflowInstance
	for rows.Next() {
		var details string
		if err := rows.Scan(&details); err != nil {
			return nil, fmt.Errorf("scan workflow instance: %w", err)
		}
		var wi WorkflowInstance
		if err := json.Unmarshal([]byte(details), &wi); err != nil {
			return nil, fmt.Errorf("unmarshal workflow instance: %w", err)
		}
		out = append(out, &wi)
	}
	return out, rows.Err()
}

// --- StepInstance ---

func (s *SQLiteStore) CreateStepInstance(ctx context.Context, si *StepInstance) (err error) {
	ctx, end := s.startWriteSpan(ctx, "step_instances")
	defer func() { end(err) }()
	if si == nil || si.UUID == "" {
		return &errors.ValidationError{Field: "uuid", Message: "step instance UUID cannot be empty"}
	}
	details, err := json.Marshal(si)
	if err != nil {
		return fmt.Errorf("marshal step instance: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO step_instances (uuid, workflow_instance_uuid, step_definition_uuid, status, details) VALUES (?,?,?,?,?)`,
		si.UUID, si.WorkflowInstanceUUID, si.StepDefinitionUUID, string(si.Status), string(details))
	if err != nil {
		if isUniqueConstraintErr(err) {
			return &errors.ValidationError{Field: "uuid", Message: "step instance already exists: " + si.UUID}
		}
		return fmt.Errorf("insert step instance: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetStepInstance(ctx context.Context, uuid string) (*StepInstance, error) {
	var details string
	err := s.db.QueryRowContext(ctx, `SELECT details FROM step_instances WHERE uuid = ?`, uuid).Scan(&details)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "step_instance", ID: uuid}
	}
	if err != nil {
		return nil, fmt.Errorf("select step instance: %w", err)
	}
	var si StepInstance
	if err := json.Unmarshal([]byte(details), &si); err != nil {
		return nil, fmt.Errorf("unmarshal step instance: %w", err)
	}
	return &si, nil
}

func (s *SQLiteStore) UpdateStepInstance(ctx context.Context, si *StepInstance) (err error) {
	ctx, end := s.startWriteSpan(ctx, "step_instances")
	defer func() { end(err) }()
	if si == nil || si.UUID == "" {
		return &errors.ValidationError{Field: "uuid", Message: "step instance UUID cannot be empty"}
	}
	details, err := json.Marshal(si)
	if err != nil {
		return fmt.Errorf("marshal step instance: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE step_instances SET status=?, details=? WHERE uuid=?`,
		string(si.Status), string(details), si.UUID)
	if err != nil {
		return fmt.Errorf("update step instance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "step_instance", ID: si.UUID}
	}
	return nil
}

// --- StepOutputData ---

func (s *SQLiteStore) CreateStepOutput(ctx context.Context, o *StepOutputData) (err error) {
	ctx, end := s.startWriteSpan(ctx, "step_outputs")
	defer func() { end(err) }()
	if o == nil || o.UUID == "" {
		return &errors.ValidationError{Field: "uuid", Message: "step output UUID cannot be empty"}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO step_outputs (uuid, markdown_representation) VALUES (?,?)`,
		o.UUID, o.MarkdownRepresentation)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return &errors.ValidationError{Field: "uuid", Message: "step output already exists: " + o.UUID}
		}
		return fmt.Errorf("insert step output: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetStepOutput(ctx context.Context, uuid string) (*StepOutputData, error) {
	var o StepOutputData
	o.UUID = uuid
	err := s.db.QueryRowContext(ctx, `SELECT markdown_representation FROM step_outputs WHERE uuid = ?`, uuid).Scan(&o.MarkdownRepresentation)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "step_output", ID: uuid}
	}
	if err != nil {
		return nil, fmt.Errorf("select step output: %w", err)
	}
	return &o, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Store = (*SQLiteStore)(nil)
