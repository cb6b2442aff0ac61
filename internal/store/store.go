// Package store implements the State Store (C2): the embedded relational
// store for agents, permissions, MCP keys, schedules, schedule executions,
// activities, and users. One file per entity group, each owning its own
// CREATE TABLE IF NOT EXISTS and index statements; none of them adds
// columns to an existing table.
package store

import (
	"context"
	"fmt"

	"github.com/trinitylabs/controlplane/internal/common/sqlite"
	"github.com/trinitylabs/controlplane/internal/db"
)

// Store bundles the State Store's entity repositories over a shared pool.
type Store struct {
	pool *db.Pool

	Agents      *AgentStore
	Permissions *PermissionStore
	MCPKeys     *MCPKeyStore
	Schedules   *ScheduleStore
	Executions  *ExecutionStore
	Activities  *ActivityStore
	Users       *UserStore
}

// schemaVersion is a monotonic counter bumped whenever a new entity file is
// added. It exists purely for operator visibility; every migration below is
// independently idempotent and does not depend on this counter to run.
const schemaVersion = 2

// New builds a Store over pool and runs all schema migrations.
func New(ctx context.Context, pool *db.Pool) (*Store, error) {
	s := &Store{
		pool:        pool,
		Agents:      &AgentStore{pool: pool},
		Permissions: &PermissionStore{pool: pool},
		MCPKeys:     &MCPKeyStore{pool: pool},
		Schedules:   &ScheduleStore{pool: pool},
		Executions:  &ExecutionStore{pool: pool},
		Activities:  &ActivityStore{pool: pool},
		Users:       &UserStore{pool: pool},
	}

	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("state store migration: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	w := s.pool.Writer()

	if _, err := w.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_meta (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		version INTEGER NOT NULL
	)`); err != nil {
		return err
	}

	if err := s.Agents.initSchema(ctx); err != nil {
		return fmt.Errorf("agents schema: %w", err)
	}
	if err := s.Permissions.initSchema(ctx); err != nil {
		return fmt.Errorf("permissions schema: %w", err)
	}
	if err := s.MCPKeys.initSchema(ctx); err != nil {
		return fmt.Errorf("mcp_keys schema: %w", err)
	}
	if err := s.Schedules.initSchema(ctx); err != nil {
		return fmt.Errorf("schedules schema: %w", err)
	}
	if err := s.Executions.initSchema(ctx); err != nil {
		return fmt.Errorf("schedule_executions schema: %w", err)
	}
	if err := s.Activities.initSchema(ctx); err != nil {
		return fmt.Errorf("activities schema: %w", err)
	}
	if err := s.Users.initSchema(ctx); err != nil {
		return fmt.Errorf("users schema: %w", err)
	}

	_, err := w.ExecContext(ctx, `INSERT INTO schema_meta (id, version) VALUES (1, ?)
		ON CONFLICT (id) DO UPDATE SET version = excluded.version`, schemaVersion)
	return err
}

// boolToInt is a convenience re-export for entity files in this package.
func boolToInt(b bool) int { return sqlite.BoolToInt(b) }
