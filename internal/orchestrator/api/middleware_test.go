package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trinitylabs/controlplane/internal/auth"
	"github.com/trinitylabs/controlplane/internal/db"
	"github.com/trinitylabs/controlplane/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	conn, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	st, err := store.New(context.Background(), db.NewPool(conn, conn))
	require.NoError(t, err)
	return st
}

func newTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	return gin.New()
}

func TestCORS_RespondsToPreflight(t *testing.T) {
	r := newTestRouter()
	r.Use(CORS())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodOptions, "/x", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRecovery_ConvertsPanicToInternalError(t *testing.T) {
	var captured any
	r := newTestRouter()
	r.Use(Recovery(func(v any) { captured = v }))
	r.GET("/boom", func(c *gin.Context) { panic("kaboom") })

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "kaboom", captured)
}

func TestRequireAuth_RejectsMissingToken(t *testing.T) {
	st := newTestStore(t)
	authMgr := auth.NewManager("test-secret", st.Users, time.Hour)

	r := newTestRouter()
	r.Use(RequireAuth(authMgr, st.MCPKeys))
	r.GET("/secure", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/secure", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireAuth_AcceptsValidJWT(t *testing.T) {
	st := newTestStore(t)
	authMgr := auth.NewManager("test-secret", st.Users, time.Hour)

	user := &store.User{Username: "alice", PasswordHash: "x", Role: "user"}
	require.NoError(t, st.Users.Create(context.Background(), user))
	token, _, err := authMgr.Issue(user)
	require.NoError(t, err)

	var seenUsername, seenRole string
	r := newTestRouter()
	r.Use(RequireAuth(authMgr, st.MCPKeys))
	r.GET("/secure", func(c *gin.Context) {
		seenUsername = callerUsername(c)
		role, _ := c.Get(ctxKeyRole)
		seenRole, _ = role.(string)
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/secure", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", seenUsername)
	assert.Equal(t, "user", seenRole)
}

func TestRequireAuth_AcceptsValidMCPKey(t *testing.T) {
	st := newTestStore(t)
	authMgr := auth.NewManager("test-secret", st.Users, time.Hour)

	token, _, err := st.MCPKeys.Create(context.Background(), "key-1", "bob", "agent-1", "dispatch")
	require.NoError(t, err)

	var seenRole string
	r := newTestRouter()
	r.Use(RequireAuth(authMgr, st.MCPKeys))
	r.GET("/secure", func(c *gin.Context) {
		role, _ := c.Get(ctxKeyRole)
		seenRole, _ = role.(string)
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/secure", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "agent", seenRole)
}

func TestRequireAdmin_RejectsNonAdmin(t *testing.T) {
	r := newTestRouter()
	r.Use(func(c *gin.Context) { c.Set(ctxKeyRole, "user"); c.Next() })
	r.Use(RequireAdmin())
	r.GET("/admin", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRequireAdmin_AllowsAdmin(t *testing.T) {
	r := newTestRouter()
	r.Use(func(c *gin.Context) { c.Set(ctxKeyRole, "admin"); c.Next() })
	r.Use(RequireAdmin())
	r.GET("/admin", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}
