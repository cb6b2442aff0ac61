package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/trinitylabs/controlplane/internal/common/apierr"
	"github.com/trinitylabs/controlplane/internal/db"
)

const mcpKeyPrefixLen = 8

// MCPKey authenticates an MCP client (an external tool, or another agent's
// MCP bridge) against the control plane. Only the SHA-256 hash of the token
// is persisted; TokenPrefix is kept alongside for operator-facing key
// listings ("trinity_mcp_ab12cd34...").
type MCPKey struct {
	ID          string     `db:"id"`
	TokenHash   string     `db:"token_hash"`
	TokenPrefix string     `db:"token_prefix"`
	OwnerUsername string   `db:"owner_username"`
	AgentName   sql.NullString `db:"agent_name"`
	Scope       string     `db:"scope"`
	CreatedAt   time.Time  `db:"created_at"`
	Revoked     bool       `db:"revoked"`
}

// MCPKeyStore persists MCPKey rows.
type MCPKeyStore struct {
	pool *db.Pool
}

func (s *MCPKeyStore) initSchema(ctx context.Context) error {
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS mcp_keys (
		id TEXT PRIMARY KEY,
		token_hash TEXT NOT NULL UNIQUE,
		token_prefix TEXT NOT NULL,
		owner_username TEXT NOT NULL,
		agent_name TEXT,
		scope TEXT NOT NULL DEFAULT 'full',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		revoked INTEGER NOT NULL DEFAULT 0
	)`)
	return err
}

// GenerateToken returns a new opaque bearer token with the
// "trinity_mcp_" prefix used by the sanitize package's key-shape patterns.
func GenerateToken() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate mcp token: %w", err)
	}
	return "trinity_mcp_" + hex.EncodeToString(raw), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Create mints and persists a new MCP key, returning the plaintext token.
// The plaintext is never stored or returned again after this call.
func (s *MCPKeyStore) Create(ctx context.Context, id, ownerUsername, agentName, scope string) (string, *MCPKey, error) {
	token, err := GenerateToken()
	if err != nil {
		return "", nil, err
	}

	key := &MCPKey{
		ID:            id,
		TokenHash:     hashToken(token),
		TokenPrefix:   token[:mcpKeyPrefixLen+len("trinity_mcp_")],
		OwnerUsername: ownerUsername,
		Scope:         scope,
	}
	if agentName != "" {
		key.AgentName = sql.NullString{String: agentName, Valid: true}
	}

	_, err = s.pool.Writer().ExecContext(ctx,
		`INSERT INTO mcp_keys (id, token_hash, token_prefix, owner_username, agent_name, scope) VALUES (?, ?, ?, ?, ?, ?)`,
		key.ID, key.TokenHash, key.TokenPrefix, key.OwnerUsername, key.AgentName, key.Scope)
	if err != nil {
		return "", nil, apierr.Internal("create mcp key", err)
	}
	return token, key, nil
}

// Validate looks up an unrevoked key by plaintext token.
func (s *MCPKeyStore) Validate(ctx context.Context, token string) (*MCPKey, error) {
	var key MCPKey
	err := s.pool.Reader().GetContext(ctx,
		&key, `SELECT * FROM mcp_keys WHERE token_hash = ? AND revoked = 0`, hashToken(token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.Auth("invalid or revoked mcp key")
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// List returns every key owned by ownerUsername (token hashes only).
func (s *MCPKeyStore) List(ctx context.Context, ownerUsername string) ([]*MCPKey, error) {
	keys := []*MCPKey{}
	err := s.pool.Reader().SelectContext(ctx,
		&keys, `SELECT * FROM mcp_keys WHERE owner_username = ? ORDER BY created_at DESC`, ownerUsername)
	return keys, err
}

// Revoke marks a key unusable. Revocation is permanent; there is no undo.
func (s *MCPKeyStore) Revoke(ctx context.Context, id string) error {
	res, err := s.pool.Writer().ExecContext(ctx, `UPDATE mcp_keys SET revoked = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return mustAffect(res, "mcp key", id)
}
