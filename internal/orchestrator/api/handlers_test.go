package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trinitylabs/controlplane/internal/agent/permissions"
	"github.com/trinitylabs/controlplane/internal/auth"
	"github.com/trinitylabs/controlplane/internal/common/logger"
	"github.com/trinitylabs/controlplane/internal/events/bus"
	"github.com/trinitylabs/controlplane/internal/orchestrator/lockqueue"
	"github.com/trinitylabs/controlplane/internal/orchestrator/queue"
	"github.com/trinitylabs/controlplane/internal/store"
)

type fakeDispatcher struct {
	response string
	err      error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, _, _ string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func newTestHandler(t *testing.T) (*Handler, *store.Store, *fakeDispatcher) {
	t.Helper()
	st := newTestStore(t)
	perms := permissions.New(st)
	q := queue.New(lockqueue.NewMemoryBackend())
	dispatcher := &fakeDispatcher{response: "ack"}
	authMgr := auth.NewManager("test-secret", st.Users, time.Hour)
	memBus := bus.NewMemoryEventBus(testLogger(t))

	h := NewHandler(st, nil, perms, q, dispatcher, authMgr, memBus, testLogger(t))
	return h, st, dispatcher
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func withCaller(username, role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ctxKeyUsername, username)
		c.Set(ctxKeyRole, role)
		c.Next()
	}
}

func doJSON(r http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reqBody *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reqBody = bytes.NewReader(raw)
	} else {
		reqBody = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestIssueToken_RejectsBadCredentials(t *testing.T) {
	h, st, _ := newTestHandler(t)
	hash, err := auth.HashPassword("correct-horse")
	require.NoError(t, err)
	require.NoError(t, st.Users.Create(context.Background(), &store.User{Username: "alice", PasswordHash: hash, Role: "user"}))

	r := newTestRouter()
	r.POST("/token", h.IssueToken)

	w := doJSON(r, http.MethodPost, "/token", TokenRequest{Username: "alice", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestIssueToken_Succeeds(t *testing.T) {
	h, st, _ := newTestHandler(t)
	hash, err := auth.HashPassword("correct-horse")
	require.NoError(t, err)
	require.NoError(t, st.Users.Create(context.Background(), &store.User{Username: "alice", PasswordHash: hash, Role: "user"}))

	r := newTestRouter()
	r.POST("/token", h.IssueToken)

	w := doJSON(r, http.MethodPost, "/token", TokenRequest{Username: "alice", Password: "correct-horse"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["access_token"])
	assert.Equal(t, "user", resp["role"])
}

func TestGrantAndListPermissions(t *testing.T) {
	h, st, _ := newTestHandler(t)
	ctx := context.Background()
	require.NoError(t, st.Agents.Create(ctx, &store.Agent{Name: "a", OwnerUsername: "alice"}))
	require.NoError(t, st.Agents.Create(ctx, &store.Agent{Name: "b", OwnerUsername: "alice"}))

	r := newTestRouter()
	r.Use(withCaller("alice", "user"))
	r.POST("/agents/:name/permissions", h.GrantPermission)
	r.GET("/agents/:name/permissions/reachable", h.ListReachablePermissions)
	r.GET("/agents/:name/permissions/inbound", h.ListInboundPermissions)

	w := doJSON(r, http.MethodPost, "/agents/a/permissions", GrantPermissionRequest{TargetAgent: "b"})
	require.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(r, http.MethodGet, "/agents/a/permissions/reachable", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var reachable map[string][]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &reachable))
	assert.Equal(t, []string{"b"}, reachable["reachable"])

	w = doJSON(r, http.MethodGet, "/agents/b/permissions/inbound", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var inbound map[string][]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &inbound))
	assert.Equal(t, []string{"a"}, inbound["inbound"])
}

func TestGrantPermission_UnknownTargetRejected(t *testing.T) {
	h, st, _ := newTestHandler(t)
	require.NoError(t, st.Agents.Create(context.Background(), &store.Agent{Name: "a", OwnerUsername: "alice"}))

	r := newTestRouter()
	r.Use(withCaller("alice", "user"))
	r.POST("/agents/:name/permissions", h.GrantPermission)

	w := doJSON(r, http.MethodPost, "/agents/a/permissions", GrantPermissionRequest{TargetAgent: "ghost"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateAndListSchedules(t *testing.T) {
	h, st, _ := newTestHandler(t)
	require.NoError(t, st.Agents.Create(context.Background(), &store.Agent{Name: "a", OwnerUsername: "alice"}))

	r := newTestRouter()
	r.Use(withCaller("alice", "user"))
	r.POST("/agents/:name/schedules", h.CreateSchedule)
	r.GET("/agents/:name/schedules", h.ListSchedules)
	r.PUT("/schedules/:id/enabled", h.SetScheduleEnabled)
	r.DELETE("/schedules/:id", h.DeleteSchedule)

	w := doJSON(r, http.MethodPost, "/agents/a/schedules", CreateScheduleRequest{
		Name: "nightly", CronExpression: "0 2 * * *", Message: "run nightly checks",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var sch store.Schedule
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sch))
	assert.True(t, sch.Enabled)
	assert.True(t, sch.NextRunAt.Valid)

	w = doJSON(r, http.MethodGet, "/agents/a/schedules", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listResp struct {
		Schedules []store.Schedule `json:"schedules"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listResp))
	require.Len(t, listResp.Schedules, 1)

	w = doJSON(r, http.MethodPut, "/schedules/"+sch.ID+"/enabled", SetScheduleEnabledRequest{Enabled: false})
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(r, http.MethodDelete, "/schedules/"+sch.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestCreateSchedule_RejectsBadCron(t *testing.T) {
	h, st, _ := newTestHandler(t)
	require.NoError(t, st.Agents.Create(context.Background(), &store.Agent{Name: "a", OwnerUsername: "alice"}))

	r := newTestRouter()
	r.Use(withCaller("alice", "user"))
	r.POST("/agents/:name/schedules", h.CreateSchedule)

	w := doJSON(r, http.MethodPost, "/agents/a/schedules", CreateScheduleRequest{
		Name: "bad", CronExpression: "not-a-cron", Message: "hi",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDispatch_UserCallerRunsImmediately(t *testing.T) {
	h, st, dispatcher := newTestHandler(t)
	require.NoError(t, st.Agents.Create(context.Background(), &store.Agent{Name: "a", OwnerUsername: "alice"}))
	dispatcher.response = "done"

	r := newTestRouter()
	r.Use(withCaller("alice", "user"))
	r.POST("/agents/:name/dispatch", h.Dispatch)

	w := doJSON(r, http.MethodPost, "/agents/a/dispatch", DispatchRequest{Message: "hello"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "done", resp["response"])
	assert.Equal(t, string(store.ExecutionStatusSuccess), resp["status"])
}

func TestDispatch_UnauthorizedAgentCallerRejected(t *testing.T) {
	h, st, _ := newTestHandler(t)
	ctx := context.Background()
	require.NoError(t, st.Agents.Create(ctx, &store.Agent{Name: "a", OwnerUsername: "alice"}))
	require.NoError(t, st.Agents.Create(ctx, &store.Agent{Name: "b", OwnerUsername: "alice"}))

	r := newTestRouter()
	r.Use(withCaller("a", "agent"))
	r.POST("/agents/:name/dispatch", h.Dispatch)

	w := doJSON(r, http.MethodPost, "/agents/b/dispatch", DispatchRequest{Message: "hello"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestDispatch_PropagatesDispatcherFailure(t *testing.T) {
	h, st, dispatcher := newTestHandler(t)
	require.NoError(t, st.Agents.Create(context.Background(), &store.Agent{Name: "a", OwnerUsername: "alice"}))
	dispatcher.err = assert.AnError

	r := newTestRouter()
	r.Use(withCaller("alice", "user"))
	r.POST("/agents/:name/dispatch", h.Dispatch)

	w := doJSON(r, http.MethodPost, "/agents/a/dispatch", DispatchRequest{Message: "hello"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestQueueStatusAndForceRelease(t *testing.T) {
	h, st, _ := newTestHandler(t)
	require.NoError(t, st.Agents.Create(context.Background(), &store.Agent{Name: "a", OwnerUsername: "alice"}))

	r := newTestRouter()
	r.Use(withCaller("alice", "user"))
	r.GET("/agents/:name/queue", h.QueueStatus)
	r.POST("/agents/:name/queue/release", h.ForceReleaseQueue)
	r.POST("/agents/:name/queue/clear", h.ClearQueue)

	w := doJSON(r, http.MethodGet, "/agents/a/queue", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status queue.QueueStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.False(t, status.IsBusy)

	w = doJSON(r, http.MethodPost, "/agents/a/queue/release", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, http.MethodPost, "/agents/a/queue/clear", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCreateListRevokeMCPKey(t *testing.T) {
	h, _, _ := newTestHandler(t)

	r := newTestRouter()
	r.Use(withCaller("alice", "user"))
	r.POST("/mcp-keys", h.CreateMCPKey)
	r.GET("/mcp-keys", h.ListMCPKeys)
	r.DELETE("/mcp-keys/:id", h.RevokeMCPKey)

	w := doJSON(r, http.MethodPost, "/mcp-keys", CreateMCPKeyRequest{Scope: "dispatch"})
	require.Equal(t, http.StatusCreated, w.Code)
	var created struct {
		Key struct {
			ID string `json:"ID"`
		} `json:"key"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created.Key.ID)

	w = doJSON(r, http.MethodGet, "/mcp-keys", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listResp struct {
		Keys []map[string]interface{} `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listResp))
	require.Len(t, listResp.Keys, 1)

	w = doJSON(r, http.MethodDelete, "/mcp-keys/"+created.Key.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestListActivitiesAndChildren(t *testing.T) {
	h, st, _ := newTestHandler(t)
	ctx := context.Background()
	require.NoError(t, st.Agents.Create(ctx, &store.Agent{Name: "a", OwnerUsername: "alice"}))
	require.NoError(t, st.Activities.Record(ctx, &store.Activity{
		ID: "act-1", AgentName: "a", ActivityType: "chat", ActivityState: "completed", TriggeredBy: store.TriggeredByUser,
	}))
	require.NoError(t, st.Activities.Record(ctx, &store.Activity{
		ID: "act-2", AgentName: "a", ActivityType: "tool_call", ActivityState: "completed", TriggeredBy: store.TriggeredByUser,
		ParentActivityID: sql.NullString{String: "act-1", Valid: true},
	}))

	r := newTestRouter()
	r.Use(withCaller("alice", "user"))
	r.GET("/agents/:name/activities", h.ListActivities)
	r.GET("/activities/:id/children", h.ListActivityChildren)

	w := doJSON(r, http.MethodGet, "/agents/a/activities", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Activities []map[string]interface{} `json:"activities"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Activities, 2)

	w = doJSON(r, http.MethodGet, "/activities/act-1/children", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var children struct {
		Activities []map[string]interface{} `json:"activities"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &children))
	require.Len(t, children.Activities, 1)
}

func TestGetAgent_DeniesNonOwner(t *testing.T) {
	h, st, _ := newTestHandler(t)
	require.NoError(t, st.Agents.Create(context.Background(), &store.Agent{Name: "a", OwnerUsername: "alice"}))

	r := newTestRouter()
	r.Use(withCaller("mallory", "user"))
	r.GET("/agents/:name", h.GetAgent)

	w := doJSON(r, http.MethodGet, "/agents/a", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestGetAgent_AdminBypassesOwnership(t *testing.T) {
	h, st, _ := newTestHandler(t)
	require.NoError(t, st.Agents.Create(context.Background(), &store.Agent{Name: "a", OwnerUsername: "alice"}))

	r := newTestRouter()
	r.Use(withCaller("root", "admin"))
	r.GET("/agents/:name", h.GetAgent)

	w := doJSON(r, http.MethodGet, "/agents/a", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStartStopAgent_DenyNonOwner(t *testing.T) {
	h, st, _ := newTestHandler(t)
	require.NoError(t, st.Agents.Create(context.Background(), &store.Agent{Name: "a", OwnerUsername: "alice"}))

	r := newTestRouter()
	r.Use(withCaller("mallory", "user"))
	r.POST("/agents/:name/start", h.StartAgent)
	r.POST("/agents/:name/stop", h.StopAgent)

	w := doJSON(r, http.MethodPost, "/agents/a/start", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(r, http.MethodPost, "/agents/a/stop", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestTerminateExecution_DeniesNonOwner(t *testing.T) {
	h, st, _ := newTestHandler(t)
	require.NoError(t, st.Agents.Create(context.Background(), &store.Agent{Name: "a", OwnerUsername: "alice"}))

	r := newTestRouter()
	r.Use(withCaller("mallory", "user"))
	r.POST("/agents/:name/executions/:id/terminate", h.TerminateExecution)

	w := doJSON(r, http.MethodPost, "/agents/a/executions/exec-1/terminate", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestTerminateExecution_AlreadyFinishedShortCircuits(t *testing.T) {
	h, st, _ := newTestHandler(t)
	ctx := context.Background()
	require.NoError(t, st.Agents.Create(ctx, &store.Agent{Name: "a", OwnerUsername: "alice"}))
	require.NoError(t, st.Executions.Create(ctx, &store.ScheduleExecution{
		ID: "exec-1", AgentName: "a", Status: store.ExecutionStatusRunning, Message: "hi", TriggeredBy: store.TriggeredByUser,
	}))
	require.NoError(t, st.Executions.Complete(ctx, "exec-1", store.ExecutionStatusSuccess, "done", "", time.Now(), 0, 0, 0, 0, "[]", "{}"))

	r := newTestRouter()
	r.Use(withCaller("alice", "user"))
	r.POST("/agents/:name/executions/:id/terminate", h.TerminateExecution)

	w := doJSON(r, http.MethodPost, "/agents/a/executions/exec-1/terminate", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "already_finished", resp["status"])
}

func TestTerminateExecution_RejectsExecutionFromAnotherAgent(t *testing.T) {
	h, st, _ := newTestHandler(t)
	ctx := context.Background()
	require.NoError(t, st.Agents.Create(ctx, &store.Agent{Name: "a", OwnerUsername: "alice"}))
	require.NoError(t, st.Agents.Create(ctx, &store.Agent{Name: "b", OwnerUsername: "alice"}))
	require.NoError(t, st.Executions.Create(ctx, &store.ScheduleExecution{
		ID: "exec-1", AgentName: "b", Status: store.ExecutionStatusRunning, Message: "hi", TriggeredBy: store.TriggeredByUser,
	}))

	r := newTestRouter()
	r.Use(withCaller("alice", "user"))
	r.POST("/agents/:name/executions/:id/terminate", h.TerminateExecution)

	w := doJSON(r, http.MethodPost, "/agents/a/executions/exec-1/terminate", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListRunningExecutions_ReturnsOnlyRunning(t *testing.T) {
	h, st, _ := newTestHandler(t)
	ctx := context.Background()
	require.NoError(t, st.Agents.Create(ctx, &store.Agent{Name: "a", OwnerUsername: "alice"}))
	require.NoError(t, st.Executions.Create(ctx, &store.ScheduleExecution{
		ID: "exec-running", AgentName: "a", Status: store.ExecutionStatusRunning, Message: "hi", TriggeredBy: store.TriggeredByUser,
	}))
	require.NoError(t, st.Executions.Create(ctx, &store.ScheduleExecution{
		ID: "exec-done", AgentName: "a", Status: store.ExecutionStatusRunning, Message: "hi", TriggeredBy: store.TriggeredByUser,
	}))
	require.NoError(t, st.Executions.Complete(ctx, "exec-done", store.ExecutionStatusSuccess, "ok", "", time.Now(), 0, 0, 0, 0, "[]", "{}"))

	r := newTestRouter()
	r.Use(withCaller("alice", "user"))
	r.GET("/agents/:name/executions/running", h.ListRunningExecutions)

	w := doJSON(r, http.MethodGet, "/agents/a/executions/running", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Executions []store.ScheduleExecution `json:"executions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Executions, 1)
	assert.Equal(t, "exec-running", resp.Executions[0].ID)
}

func TestDispatch_RecordsChatActivities(t *testing.T) {
	h, st, dispatcher := newTestHandler(t)
	require.NoError(t, st.Agents.Create(context.Background(), &store.Agent{Name: "a", OwnerUsername: "alice"}))
	dispatcher.response = "done"

	r := newTestRouter()
	r.Use(withCaller("alice", "user"))
	r.POST("/agents/:name/dispatch", h.Dispatch)

	w := doJSON(r, http.MethodPost, "/agents/a/dispatch", DispatchRequest{Message: "hello"})
	require.Equal(t, http.StatusOK, w.Code)

	activities, err := st.Activities.ListForAgent(context.Background(), "a", 10)
	require.NoError(t, err)
	require.Len(t, activities, 2)

	var types []string
	for _, a := range activities {
		types = append(types, a.ActivityType)
	}
	assert.ElementsMatch(t, []string{store.ActivityTypeChatStart, store.ActivityTypeChatEnd}, types)
}
