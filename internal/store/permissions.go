package store

import (
	"context"

	"github.com/trinitylabs/controlplane/internal/common/apierr"
	"github.com/trinitylabs/controlplane/internal/db"
)

// AgentPermission grants source_agent the right to dispatch work to
// target_agent. Grants are directional; reachability in the other direction
// requires a second row.
type AgentPermission struct {
	ID           int64  `db:"id"`
	SourceAgent  string `db:"source_agent"`
	TargetAgent  string `db:"target_agent"`
	GrantedBy    string `db:"granted_by"`
	CreatedAtRaw string `db:"created_at"`
}

// PermissionStore persists AgentPermission rows.
type PermissionStore struct {
	pool *db.Pool
}

func (s *PermissionStore) initSchema(ctx context.Context) error {
	w := s.pool.Writer()
	if _, err := w.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS agent_permissions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source_agent TEXT NOT NULL,
		target_agent TEXT NOT NULL,
		granted_by TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(source_agent, target_agent)
	)`); err != nil {
		return err
	}
	_, err := w.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_permissions_source ON agent_permissions(source_agent)`)
	return err
}

// Grant records that sourceAgent may dispatch to targetAgent. Self-edges are
// rejected: an agent always implicitly reaches itself.
func (s *PermissionStore) Grant(ctx context.Context, sourceAgent, targetAgent, grantedBy string) error {
	if sourceAgent == targetAgent {
		return apierr.Validation("an agent cannot be granted permission to itself")
	}
	_, err := s.pool.Writer().ExecContext(ctx,
		`INSERT INTO agent_permissions (source_agent, target_agent, granted_by) VALUES (?, ?, ?)`,
		sourceAgent, targetAgent, grantedBy)
	if err != nil {
		return apierr.Conflict("permission already granted")
	}
	return nil
}

// Revoke removes a dispatch grant.
func (s *PermissionStore) Revoke(ctx context.Context, sourceAgent, targetAgent string) error {
	res, err := s.pool.Writer().ExecContext(ctx,
		`DELETE FROM agent_permissions WHERE source_agent = ? AND target_agent = ?`, sourceAgent, targetAgent)
	if err != nil {
		return err
	}
	return mustAffect(res, "permission", sourceAgent+"->"+targetAgent)
}

// CanDispatch reports whether sourceAgent may dispatch work to targetAgent,
// either because they are the same agent or a grant exists. Unknown edges
// are rejected, not defaulted open.
func (s *PermissionStore) CanDispatch(ctx context.Context, sourceAgent, targetAgent string) (bool, error) {
	if sourceAgent == targetAgent {
		return true, nil
	}
	var exists int
	err := s.pool.Reader().GetContext(ctx,
		&exists, `SELECT COUNT(1) FROM agent_permissions WHERE source_agent = ? AND target_agent = ?`,
		sourceAgent, targetAgent)
	if err != nil {
		return false, err
	}
	return exists > 0, nil
}

// ListReachable returns every agent sourceAgent may dispatch to (excluding
// itself).
func (s *PermissionStore) ListReachable(ctx context.Context, sourceAgent string) ([]string, error) {
	targets := []string{}
	rows, err := s.pool.Reader().QueryxContext(ctx,
		`SELECT target_agent FROM agent_permissions WHERE source_agent = ? ORDER BY target_agent`, sourceAgent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// ListInbound returns every agent permitted to dispatch to targetAgent.
func (s *PermissionStore) ListInbound(ctx context.Context, targetAgent string) ([]string, error) {
	sources := []string{}
	rows, err := s.pool.Reader().QueryxContext(ctx,
		`SELECT source_agent FROM agent_permissions WHERE target_agent = ? ORDER BY source_agent`, targetAgent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var src string
		if err := rows.Scan(&src); err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// GrantBidirectional inserts both directions of an owner-default edge
// (created when an agent is first provisioned: the owner's agents and the
// new agent can always reach each other). Each direction is best-effort
// idempotent -- a pre-existing grant is not an error.
func (s *PermissionStore) GrantBidirectional(ctx context.Context, agentA, agentB, grantedBy string) error {
	if agentA == agentB {
		return nil
	}
	w := s.pool.Writer()
	_, _ = w.ExecContext(ctx, `INSERT OR IGNORE INTO agent_permissions (source_agent, target_agent, granted_by) VALUES (?, ?, ?)`,
		agentA, agentB, grantedBy)
	_, err := w.ExecContext(ctx, `INSERT OR IGNORE INTO agent_permissions (source_agent, target_agent, granted_by) VALUES (?, ?, ?)`,
		agentB, agentA, grantedBy)
	return err
}

// DeleteForAgent removes every permission row referencing name, as either
// source or target. Called when an agent is deleted.
func (s *PermissionStore) DeleteForAgent(ctx context.Context, name string) error {
	_, err := s.pool.Writer().ExecContext(ctx,
		`DELETE FROM agent_permissions WHERE source_agent = ? OR target_agent = ?`, name, name)
	return err
}
