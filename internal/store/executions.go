package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/trinitylabs/controlplane/internal/common/apierr"
	"github.com/trinitylabs/controlplane/internal/common/sanitize"
	"github.com/trinitylabs/controlplane/internal/db"
)

// Execution status values.
const (
	ExecutionStatusQueued     = "queued"
	ExecutionStatusRunning    = "running"
	ExecutionStatusSuccess    = "success"
	ExecutionStatusFailed     = "failed"
	ExecutionStatusTerminated = "terminated"
)

// TriggeredBy values.
const (
	TriggeredByUser     = "user"
	TriggeredBySchedule = "schedule"
	TriggeredByAgent    = "agent"
)

// ScheduleExecution is one run of a schedule (or, with ScheduleID unset, one
// ad-hoc queue dispatch). Response/Error/ExecutionLog are sanitized before
// ever being written, matching the activity stream's redaction.
type ScheduleExecution struct {
	ID               string         `db:"id"`
	ScheduleID       sql.NullString `db:"schedule_id"`
	AgentName        string         `db:"agent_name"`
	Status           string         `db:"status"`
	Message          string         `db:"message"`
	Response         sql.NullString `db:"response"`
	Error            sql.NullString `db:"error"`
	StartedAt        time.Time      `db:"started_at"`
	CompletedAt      sql.NullTime   `db:"completed_at"`
	DurationMS       sql.NullInt64  `db:"duration_ms"`
	TriggeredBy      string         `db:"triggered_by"`
	ContextUsed      sql.NullInt64  `db:"context_used"`
	ContextMax       sql.NullInt64  `db:"context_max"`
	CostUSD          sql.NullFloat64 `db:"cost_usd"`
	ToolCallsJSON    sql.NullString `db:"tool_calls_json"`
	ExecutionLogJSON sql.NullString `db:"execution_log_json"`
}

// ExecutionStore persists ScheduleExecution rows.
type ExecutionStore struct {
	pool *db.Pool
}

func (s *ExecutionStore) initSchema(ctx context.Context) error {
	w := s.pool.Writer()
	if _, err := w.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schedule_executions (
		id TEXT PRIMARY KEY,
		schedule_id TEXT,
		agent_name TEXT NOT NULL,
		status TEXT NOT NULL,
		message TEXT NOT NULL,
		response TEXT,
		error TEXT,
		started_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		completed_at TIMESTAMP,
		duration_ms INTEGER,
		triggered_by TEXT NOT NULL,
		context_used INTEGER,
		context_max INTEGER,
		cost_usd REAL,
		tool_calls_json TEXT,
		execution_log_json TEXT
	)`); err != nil {
		return err
	}
	_, err := w.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_executions_agent ON schedule_executions(agent_name, started_at DESC)`)
	if err != nil {
		return err
	}
	_, err = w.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_executions_schedule ON schedule_executions(schedule_id)`)
	return err
}

// Create inserts a new execution row with the status the caller set.
func (s *ExecutionStore) Create(ctx context.Context, e *ScheduleExecution) error {
	_, err := s.pool.Writer().NamedExecContext(ctx, `INSERT INTO schedule_executions
		(id, schedule_id, agent_name, status, message, triggered_by, started_at)
		VALUES (:id, :schedule_id, :agent_name, :status, :message, :triggered_by, :started_at)`, e)
	if err != nil {
		return apierr.Internal("create execution", err)
	}
	return nil
}

// Complete finalizes an execution with its outcome. response, execErr, and
// executionLogJSON are sanitized before being written.
func (s *ExecutionStore) Complete(ctx context.Context, id, status, response, execErr string, completedAt time.Time, durationMS int64, contextUsed, contextMax int, costUSD float64, toolCallsJSON, executionLogJSON string) error {
	res, err := s.pool.Writer().ExecContext(ctx, `UPDATE schedule_executions SET
		status = ?, response = ?, error = ?, completed_at = ?, duration_ms = ?,
		context_used = ?, context_max = ?, cost_usd = ?, tool_calls_json = ?, execution_log_json = ?
		WHERE id = ?`,
		status, sanitize.Response(response), sanitize.Text(execErr), completedAt, durationMS,
		contextUsed, contextMax, costUSD, toolCallsJSON, sanitize.ExecutionLog(executionLogJSON), id)
	if err != nil {
		return err
	}
	return mustAffect(res, "execution", id)
}

// Get fetches an execution by ID.
func (s *ExecutionStore) Get(ctx context.Context, id string) (*ScheduleExecution, error) {
	var e ScheduleExecution
	err := s.pool.Reader().GetContext(ctx, &e, `SELECT * FROM schedule_executions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("execution", id)
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ListForAgent returns the most recent executions for agentName, newest
// first, capped at limit.
func (s *ExecutionStore) ListForAgent(ctx context.Context, agentName string, limit int) ([]*ScheduleExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	executions := []*ScheduleExecution{}
	err := s.pool.Reader().SelectContext(ctx,
		&executions, `SELECT * FROM schedule_executions WHERE agent_name = ? ORDER BY started_at DESC LIMIT ?`,
		agentName, limit)
	return executions, err
}

// ListRunning returns every execution currently in the running state for
// agentName, used by the termination endpoint to resolve an in-flight run.
func (s *ExecutionStore) ListRunning(ctx context.Context, agentName string) ([]*ScheduleExecution, error) {
	executions := []*ScheduleExecution{}
	err := s.pool.Reader().SelectContext(ctx,
		&executions, `SELECT * FROM schedule_executions WHERE agent_name = ? AND status = ? ORDER BY started_at DESC`,
		agentName, ExecutionStatusRunning)
	return executions, err
}

// CountRunning reports how many executions are currently in the running
// state for agentName. The C3 lock backend, not this count, is the source
// of truth for "is this agent busy"; no caller compares the two.
func (s *ExecutionStore) CountRunning(ctx context.Context, agentName string) (int, error) {
	var count int
	err := s.pool.Reader().GetContext(ctx,
		&count, `SELECT COUNT(1) FROM schedule_executions WHERE agent_name = ? AND status = ?`,
		agentName, ExecutionStatusRunning)
	return count, err
}
