// Package auth issues and validates the JWTs the Control API accepts as
// bearer credentials, and hashes/verifies the passwords backing them.
// Grounded on r3e-network-service_layer/applications/auth/manager.go's
// JWTManager: a secret-backed Manager with Issue/Validate over an HMAC
// JWT. The wallet-challenge and plaintext-password paths that manager
// also exposes are dropped -- bcrypt hashing, checked against the State
// Store's users table, is the only credential this package accepts.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/trinitylabs/controlplane/internal/common/apierr"
	"github.com/trinitylabs/controlplane/internal/store"
)

// bcryptCost matches golang.org/x/crypto/bcrypt.DefaultCost; named here so
// a future tuning change has one call site.
const bcryptCost = bcrypt.DefaultCost

// Claims is the JWT payload issued for an authenticated user.
type Claims struct {
	Username string `json:"sub"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Manager issues and validates JWTs and checks passwords against the State
// Store's users table.
type Manager struct {
	secret []byte
	users  *store.UserStore
	ttl    time.Duration
}

// NewManager builds a Manager. secret must be non-empty for Issue/Validate
// to succeed; ttl governs how long an issued token remains valid.
func NewManager(secret string, users *store.UserStore, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Manager{secret: []byte(strings.TrimSpace(secret)), users: users, ttl: ttl}
}

// HashPassword bcrypt-hashes a plaintext password for storage.
func HashPassword(password string) (string, error) {
	if strings.TrimSpace(password) == "" {
		return "", apierr.Validation("password must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", apierr.Internal("hash password", err)
	}
	return string(hash), nil
}

// Authenticate checks username/password against the State Store and
// returns the matching user row. The comparison is constant-time via
// bcrypt.CompareHashAndPassword regardless of whether the username exists,
// to avoid leaking account existence through timing.
func (m *Manager) Authenticate(ctx context.Context, username, password string) (*store.User, error) {
	u, err := m.users.Get(ctx, username)
	if err != nil {
		// Run a comparison against a fixed hash anyway so a nonexistent
		// username doesn't return faster than a wrong password would.
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$"+strings.Repeat("x", 53)), []byte(password))
		return nil, apierr.Auth("invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, apierr.Auth("invalid credentials")
	}
	return u, nil
}

// Issue returns a signed JWT for user, valid for the Manager's configured
// TTL.
func (m *Manager) Issue(user *store.User) (token string, expiresAt time.Time, err error) {
	if len(m.secret) == 0 {
		return "", time.Time{}, apierr.Internal("jwt secret not configured", nil)
	}
	exp := time.Now().Add(m.ttl)
	claims := Claims{
		Username: user.Username,
		Role:     user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Subject:   user.Username,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, apierr.Internal("sign token", err)
	}
	return signed, exp, nil
}

// Validate parses and verifies a bearer token, returning its claims.
func (m *Manager) Validate(tokenString string) (*Claims, error) {
	if len(m.secret) == 0 {
		return nil, apierr.Internal("jwt secret not configured", nil)
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, apierr.Auth("invalid or expired token")
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, apierr.Auth("invalid or expired token")
	}
	return claims, nil
}

// EnsureBootstrapAdmin creates the platform's first user -- role "admin" --
// when the users table is empty, so a fresh deployment has a way to log in
// at all. It is a no-op once any user exists.
func (m *Manager) EnsureBootstrapAdmin(ctx context.Context, username, password string) error {
	n, err := m.users.Count(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if strings.TrimSpace(username) == "" || strings.TrimSpace(password) == "" {
		return errors.New("bootstrap admin username/password must be set for first boot")
	}
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	return m.users.Create(ctx, &store.User{Username: username, PasswordHash: hash, Role: "admin"})
}
