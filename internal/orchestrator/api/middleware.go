package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/trinitylabs/controlplane/internal/auth"
	"github.com/trinitylabs/controlplane/internal/common/apierr"
	"github.com/trinitylabs/controlplane/internal/store"
)

// context keys set by the auth middleware and read by handlers.
const (
	ctxKeyUsername = "trinity.username"
	ctxKeyRole     = "trinity.role"
	ctxKeyMCPKey   = "trinity.mcp_key"
)

// CORS allows cross-origin requests from any dashboard origin. The control
// plane has no cookie-based session to protect against CSRF -- every
// mutating request already carries a bearer credential.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// Recovery converts a panicking handler into a 500 instead of tearing down
// the server, logging the panic value before responding.
func Recovery(onPanic func(any)) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				onPanic(r)
				writeError(c, apierr.Internal("internal error", nil))
				c.Abort()
			}
		}()
		c.Next()
	}
}

// RequireAuth accepts either a JWT bearer token (dashboard/CLI users) or an
// MCP key bearer token (agents and external MCP clients), and stores the
// resolved identity on the gin context. Exactly one scheme must validate;
// a request bearing neither is rejected before it reaches a handler.
func RequireAuth(authMgr *auth.Manager, mcpKeys *store.MCPKeyStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			writeError(c, apierr.Auth("missing bearer token"))
			c.Abort()
			return
		}

		if claims, err := authMgr.Validate(token); err == nil {
			c.Set(ctxKeyUsername, claims.Username)
			c.Set(ctxKeyRole, claims.Role)
			c.Next()
			return
		}

		key, err := mcpKeys.Validate(c.Request.Context(), token)
		if err != nil {
			writeError(c, apierr.Auth("invalid credentials"))
			c.Abort()
			return
		}
		c.Set(ctxKeyUsername, key.OwnerUsername)
		c.Set(ctxKeyRole, "agent")
		c.Set(ctxKeyMCPKey, key)
		c.Next()
	}
}

// RequireAdmin rejects any caller whose resolved role is not "admin".
// SetupRoutes does not mount it on any route.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if role, _ := c.Get(ctxKeyRole); role != "admin" {
			writeError(c, apierr.Permission("admin role required"))
			c.Abort()
			return
		}
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	h := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	token := strings.TrimPrefix(h, prefix)
	if token == "" {
		return "", false
	}
	return token, true
}

func callerUsername(c *gin.Context) string {
	v, _ := c.Get(ctxKeyUsername)
	s, _ := v.(string)
	return s
}

// writeError maps err through apierr.HTTPStatus and writes a uniform error
// body. This is the only place in the package that builds an error
// response, so every handler's failure path looks the same on the wire.
func writeError(c *gin.Context, err error) {
	apiErr, ok := apierr.As(err)
	if !ok {
		apiErr = apierr.Internal("internal error", err)
	}
	body := gin.H{
		"error": gin.H{
			"code":    apiErr.Kind,
			"message": apiErr.Message,
		},
	}
	if apiErr.Details != nil {
		body["error"].(gin.H)["details"] = apiErr.Details
	}
	if apiErr.RetryAfterSeconds > 0 {
		c.Header("Retry-After", strconv.Itoa(apiErr.RetryAfterSeconds))
	}
	c.JSON(apierr.HTTPStatus(apiErr), body)
}
