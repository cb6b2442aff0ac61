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

// Activity type values.
const (
	ActivityTypeChatStart           = "chat_start"
	ActivityTypeChatEnd             = "chat_end"
	ActivityTypeToolCall            = "tool_call"
	ActivityTypeScheduleStart       = "schedule_start"
	ActivityTypeScheduleEnd         = "schedule_end"
	ActivityTypeExecutionCancelled  = "execution_cancelled"
	ActivityTypeAgentCollaboration  = "agent_collaboration"
	ActivityTypeLifecycleTransition = "lifecycle_transition"
)

// Activity state values.
const (
	ActivityStateStarted   = "started"
	ActivityStateCompleted = "completed"
	ActivityStateFailed    = "failed"
)

// Activity is one entry in an agent's activity timeline: a tool call, a
// chat turn, a schedule fire, a lifecycle transition. Details is opaque,
// sanitized JSON whose shape depends on ActivityType; the Control API and
// the WebSocket stream both forward it without interpreting its contents.
type Activity struct {
	ID                string         `db:"id"`
	AgentName         string         `db:"agent_name"`
	ActivityType      string         `db:"activity_type"`
	ActivityState     string         `db:"activity_state"`
	ParentActivityID  sql.NullString `db:"parent_activity_id"`
	TriggeredBy        string        `db:"triggered_by"`
	RelatedExecutionID sql.NullString `db:"related_execution_id"`
	Details           string         `db:"details"`
	CreatedAt         time.Time      `db:"created_at"`
	CompletedAt       sql.NullTime   `db:"completed_at"`
	Error             sql.NullString `db:"error"`
}

// ActivityStore persists Activity rows.
type ActivityStore struct {
	pool *db.Pool
}

func (s *ActivityStore) initSchema(ctx context.Context) error {
	w := s.pool.Writer()
	if _, err := w.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS activities (
		id TEXT PRIMARY KEY,
		agent_name TEXT NOT NULL,
		activity_type TEXT NOT NULL,
		activity_state TEXT NOT NULL,
		parent_activity_id TEXT,
		triggered_by TEXT NOT NULL,
		related_execution_id TEXT,
		details TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		completed_at TIMESTAMP,
		error TEXT
	)`); err != nil {
		return err
	}
	_, err := w.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_activities_agent ON activities(agent_name, created_at DESC)`)
	return err
}

// Record inserts a new activity row. detailsJSON is sanitized before
// persistence.
func (s *ActivityStore) Record(ctx context.Context, a *Activity) error {
	a.Details = sanitize.JSON(a.Details)
	if a.Error.Valid {
		a.Error.String = sanitize.Text(a.Error.String)
	}
	_, err := s.pool.Writer().NamedExecContext(ctx, `INSERT INTO activities
		(id, agent_name, activity_type, activity_state, parent_activity_id, triggered_by, related_execution_id, details, error, completed_at)
		VALUES (:id, :agent_name, :activity_type, :activity_state, :parent_activity_id, :triggered_by, :related_execution_id, :details, :error, :completed_at)`, a)
	if err != nil {
		return apierr.Internal("record activity", err)
	}
	return nil
}

// Complete marks an activity finished, with an optional error.
func (s *ActivityStore) Complete(ctx context.Context, id, state, execErr string, completedAt time.Time) error {
	var errVal sql.NullString
	if execErr != "" {
		errVal = sql.NullString{String: sanitize.Text(execErr), Valid: true}
	}
	res, err := s.pool.Writer().ExecContext(ctx,
		`UPDATE activities SET activity_state = ?, error = ?, completed_at = ? WHERE id = ?`,
		state, errVal, completedAt, id)
	if err != nil {
		return err
	}
	return mustAffect(res, "activity", id)
}

// Get fetches an activity by ID.
func (s *ActivityStore) Get(ctx context.Context, id string) (*Activity, error) {
	var a Activity
	err := s.pool.Reader().GetContext(ctx, &a, `SELECT * FROM activities WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("activity", id)
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListForAgent returns the most recent activities for agentName, newest
// first, capped at limit.
func (s *ActivityStore) ListForAgent(ctx context.Context, agentName string, limit int) ([]*Activity, error) {
	if limit <= 0 {
		limit = 100
	}
	activities := []*Activity{}
	err := s.pool.Reader().SelectContext(ctx,
		&activities, `SELECT * FROM activities WHERE agent_name = ? ORDER BY created_at DESC LIMIT ?`,
		agentName, limit)
	return activities, err
}

// ListChildren returns every activity whose parent is parentID (e.g. the
// individual tool calls within one chat turn).
func (s *ActivityStore) ListChildren(ctx context.Context, parentID string) ([]*Activity, error) {
	activities := []*Activity{}
	err := s.pool.Reader().SelectContext(ctx,
		&activities, `SELECT * FROM activities WHERE parent_activity_id = ? ORDER BY created_at`, parentID)
	return activities, err
}
