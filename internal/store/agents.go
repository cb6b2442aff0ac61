package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/trinitylabs/controlplane/internal/common/apierr"
	"github.com/trinitylabs/controlplane/internal/common/sqlite"
	"github.com/trinitylabs/controlplane/internal/db"
)

// SystemAgentName is the singleton, privileged agent owned by the platform.
const SystemAgentName = "trinity-system"

// Agent container run states, surfaced through Status so a diagnosis tool
// can tell a healthy agent from one that failed to boot without inspecting
// Docker directly.
const (
	AgentStatusRunning = "running"
	AgentStatusStopped = "stopped"
	AgentStatusError   = "error"
)

// Agent is a supervised container running an LLM-driven assistant.
type Agent struct {
	Name              string    `db:"name"`
	OwnerUsername     string    `db:"owner_username"`
	TemplateID        string    `db:"template_id"`
	IsSystem          bool      `db:"is_system"`
	Status            string    `db:"status"`
	AutonomyEnabled   bool      `db:"autonomy_enabled"`
	ReadOnlyMode      bool      `db:"read_only_mode"`
	ReadOnlyBlocked   string    `db:"read_only_blocked"` // JSON array of glob patterns
	ReadOnlyAllowed   string    `db:"read_only_allowed"` // JSON array of glob patterns
	UsePlatformAPIKey bool      `db:"use_platform_api_key"`
	CPULimit          float64   `db:"cpu_limit"`
	MemoryLimitMB     int       `db:"memory_limit_mb"`
	SSHPort           int       `db:"ssh_port"`
	CreatedAt         time.Time `db:"created_at"`
}

// AgentStore persists Agent rows.
type AgentStore struct {
	pool *db.Pool
}

func (s *AgentStore) initSchema(ctx context.Context) error {
	w := s.pool.Writer()
	if _, err := w.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS agents (
		name TEXT PRIMARY KEY,
		owner_username TEXT NOT NULL,
		template_id TEXT NOT NULL,
		is_system INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'running',
		autonomy_enabled INTEGER NOT NULL DEFAULT 1,
		read_only_mode INTEGER NOT NULL DEFAULT 0,
		read_only_blocked TEXT NOT NULL DEFAULT '[]',
		read_only_allowed TEXT NOT NULL DEFAULT '[]',
		use_platform_api_key INTEGER NOT NULL DEFAULT 0,
		cpu_limit REAL NOT NULL DEFAULT 1.0,
		memory_limit_mb INTEGER NOT NULL DEFAULT 1024,
		ssh_port INTEGER NOT NULL UNIQUE,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return err
	}
	_, err := w.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_agents_owner ON agents(owner_username)`)
	return err
}

// Create inserts a new agent row. Returns Conflict if the name or SSH port
// is already taken.
func (s *AgentStore) Create(ctx context.Context, a *Agent) error {
	if a.Status == "" {
		a.Status = AgentStatusRunning
	}
	_, err := s.pool.Writer().NamedExecContext(ctx, `INSERT INTO agents
		(name, owner_username, template_id, is_system, status, autonomy_enabled, read_only_mode,
		 read_only_blocked, read_only_allowed, use_platform_api_key, cpu_limit, memory_limit_mb, ssh_port)
		VALUES (:name, :owner_username, :template_id, :is_system, :status, :autonomy_enabled, :read_only_mode,
		 :read_only_blocked, :read_only_allowed, :use_platform_api_key, :cpu_limit, :memory_limit_mb, :ssh_port)`, a)
	if err != nil {
		return apierr.Conflict("agent '" + a.Name + "' already exists")
	}
	return nil
}

// Get fetches an agent by name.
func (s *AgentStore) Get(ctx context.Context, name string) (*Agent, error) {
	var a Agent
	err := s.pool.Reader().GetContext(ctx, &a, `SELECT * FROM agents WHERE name = ?`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("agent", name)
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// List returns every agent row, optionally filtered by owner.
func (s *AgentStore) List(ctx context.Context, ownerUsername string) ([]*Agent, error) {
	agents := []*Agent{}
	var err error
	if ownerUsername == "" {
		err = s.pool.Reader().SelectContext(ctx, &agents, `SELECT * FROM agents ORDER BY created_at`)
	} else {
		err = s.pool.Reader().SelectContext(ctx, &agents, `SELECT * FROM agents WHERE owner_username = ? ORDER BY created_at`, ownerUsername)
	}
	return agents, err
}

// MaxSSHPort returns the highest allocated SSH port, or 0 if none exist.
func (s *AgentStore) MaxSSHPort(ctx context.Context) (int, error) {
	var max sql.NullInt64
	if err := s.pool.Reader().GetContext(ctx, &max, `SELECT MAX(ssh_port) FROM agents`); err != nil {
		return 0, err
	}
	return int(max.Int64), nil
}

// SetAutonomy updates an agent's autonomy flag.
func (s *AgentStore) SetAutonomy(ctx context.Context, name string, enabled bool) error {
	res, err := s.pool.Writer().ExecContext(ctx, `UPDATE agents SET autonomy_enabled = ? WHERE name = ?`, sqlite.BoolToInt(enabled), name)
	if err != nil {
		return err
	}
	return mustAffect(res, "agent", name)
}

// SetStatus updates an agent's reported container run state.
func (s *AgentStore) SetStatus(ctx context.Context, name, status string) error {
	res, err := s.pool.Writer().ExecContext(ctx, `UPDATE agents SET status = ? WHERE name = ?`, status, name)
	if err != nil {
		return err
	}
	return mustAffect(res, "agent", name)
}

// SetReadOnly updates an agent's read-only mode and glob pattern config.
func (s *AgentStore) SetReadOnly(ctx context.Context, name string, enabled bool, blockedJSON, allowedJSON string) error {
	res, err := s.pool.Writer().ExecContext(ctx,
		`UPDATE agents SET read_only_mode = ?, read_only_blocked = ?, read_only_allowed = ? WHERE name = ?`,
		sqlite.BoolToInt(enabled), blockedJSON, allowedJSON, name)
	if err != nil {
		return err
	}
	return mustAffect(res, "agent", name)
}

// Delete removes an agent row. Callers must cascade-delete permissions, MCP
// keys, schedules separately (SQLite foreign keys are per-table here, not a
// single cascading schema, to keep each entity file independent).
func (s *AgentStore) Delete(ctx context.Context, name string) error {
	if name == SystemAgentName {
		return apierr.Permission("the system agent cannot be deleted")
	}
	res, err := s.pool.Writer().ExecContext(ctx, `DELETE FROM agents WHERE name = ?`, name)
	if err != nil {
		return err
	}
	return mustAffect(res, "agent", name)
}

func mustAffect(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apierr.NotFound(resource, id)
	}
	return nil
}
