package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/trinitylabs/controlplane/internal/common/apierr"
	"github.com/trinitylabs/controlplane/internal/db"
)

// Schedule is a recurring cron trigger that dispatches a message to an
// agent. DisabledByAutonomy is set by the Control API's autonomy endpoint
// when an agent's autonomy is turned off, and cleared when it is turned
// back on; it is
// distinct from Enabled, which is the user's own on/off switch.
type Schedule struct {
	ID                 string         `db:"id"`
	AgentName          string         `db:"agent_name"`
	Name               string         `db:"name"`
	CronExpression     string         `db:"cron_expression"`
	Message            string         `db:"message"`
	Timezone           string         `db:"timezone"`
	Enabled            bool           `db:"enabled"`
	DisabledByAutonomy bool           `db:"disabled_by_autonomy"`
	NextRunAt          sql.NullTime   `db:"next_run_at"`
	LastRunAt          sql.NullTime   `db:"last_run_at"`
	CreatedAt          time.Time      `db:"created_at"`
}

// ScheduleStore persists Schedule rows.
type ScheduleStore struct {
	pool *db.Pool
}

func (s *ScheduleStore) initSchema(ctx context.Context) error {
	w := s.pool.Writer()
	if _, err := w.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schedules (
		id TEXT PRIMARY KEY,
		agent_name TEXT NOT NULL,
		name TEXT NOT NULL,
		cron_expression TEXT NOT NULL,
		message TEXT NOT NULL,
		timezone TEXT NOT NULL DEFAULT 'UTC',
		enabled INTEGER NOT NULL DEFAULT 1,
		disabled_by_autonomy INTEGER NOT NULL DEFAULT 0,
		next_run_at TIMESTAMP,
		last_run_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return err
	}
	_, err := w.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_schedules_agent ON schedules(agent_name)`)
	return err
}

// Create inserts a new schedule.
func (s *ScheduleStore) Create(ctx context.Context, sch *Schedule) error {
	_, err := s.pool.Writer().NamedExecContext(ctx, `INSERT INTO schedules
		(id, agent_name, name, cron_expression, message, timezone, enabled, disabled_by_autonomy, next_run_at)
		VALUES (:id, :agent_name, :name, :cron_expression, :message, :timezone, :enabled, :disabled_by_autonomy, :next_run_at)`, sch)
	if err != nil {
		return apierr.Internal("create schedule", err)
	}
	return nil
}

// Get fetches a schedule by ID.
func (s *ScheduleStore) Get(ctx context.Context, id string) (*Schedule, error) {
	var sch Schedule
	err := s.pool.Reader().GetContext(ctx, &sch, `SELECT * FROM schedules WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("schedule", id)
	}
	if err != nil {
		return nil, err
	}
	return &sch, nil
}

// ListForAgent returns every schedule belonging to agentName.
func (s *ScheduleStore) ListForAgent(ctx context.Context, agentName string) ([]*Schedule, error) {
	schedules := []*Schedule{}
	err := s.pool.Reader().SelectContext(ctx,
		&schedules, `SELECT * FROM schedules WHERE agent_name = ? ORDER BY created_at`, agentName)
	return schedules, err
}

// DueBefore returns every enabled, non-autonomy-disabled schedule whose
// next_run_at is at or before cutoff. Used by the scheduler's tick loop.
func (s *ScheduleStore) DueBefore(ctx context.Context, cutoff time.Time) ([]*Schedule, error) {
	schedules := []*Schedule{}
	err := s.pool.Reader().SelectContext(ctx, &schedules, `SELECT * FROM schedules
		WHERE enabled = 1 AND disabled_by_autonomy = 0 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at`, cutoff)
	return schedules, err
}

// RecordFire updates next_run_at/last_run_at after every fire attempt,
// whether the fire ran, was queued behind a busy agent, or was rejected.
func (s *ScheduleStore) RecordFire(ctx context.Context, id string, firedAt, nextRunAt time.Time) error {
	res, err := s.pool.Writer().ExecContext(ctx,
		`UPDATE schedules SET last_run_at = ?, next_run_at = ? WHERE id = ?`, firedAt, nextRunAt, id)
	if err != nil {
		return err
	}
	return mustAffect(res, "schedule", id)
}

// SetEnabled toggles a schedule's user-facing on/off switch.
func (s *ScheduleStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.pool.Writer().ExecContext(ctx, `UPDATE schedules SET enabled = ? WHERE id = ?`, boolToInt(enabled), id)
	if err != nil {
		return err
	}
	return mustAffect(res, "schedule", id)
}

// SetDisabledByAutonomy cascades an agent's autonomy flag onto every one of
// its schedules.
func (s *ScheduleStore) SetDisabledByAutonomy(ctx context.Context, agentName string, disabled bool) error {
	_, err := s.pool.Writer().ExecContext(ctx,
		`UPDATE schedules SET disabled_by_autonomy = ? WHERE agent_name = ?`, boolToInt(disabled), agentName)
	return err
}

// Delete removes a schedule.
func (s *ScheduleStore) Delete(ctx context.Context, id string) error {
	res, err := s.pool.Writer().ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return mustAffect(res, "schedule", id)
}

// DeleteForAgent removes every schedule belonging to agentName, used when
// the agent itself is deleted.
func (s *ScheduleStore) DeleteForAgent(ctx context.Context, agentName string) error {
	_, err := s.pool.Writer().ExecContext(ctx, `DELETE FROM schedules WHERE agent_name = ?`, agentName)
	return err
}
