package store

import (
	"context"
	"testing"

	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trinitylabs/controlplane/internal/db"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	conn, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	pool := db.NewPool(conn, conn)
	st, err := New(context.Background(), pool)
	require.NoError(t, err)
	return st
}

func TestNew_CreatesAllSchemas(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	agents, err := st.Agents.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, agents)
}

func TestAgentStore_CreateGetDelete(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	a := &Agent{Name: "agent-1", OwnerUsername: "alice", TemplateID: "python-basic", SSHPort: 2201, CPULimit: 1, MemoryLimitMB: 512, AutonomyEnabled: true}
	require.NoError(t, st.Agents.Create(ctx, a))

	got, err := st.Agents.Get(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.OwnerUsername)

	err = st.Agents.Create(ctx, a)
	assert.Error(t, err, "duplicate name must conflict")

	require.NoError(t, st.Agents.Delete(ctx, "agent-1"))
	_, err = st.Agents.Get(ctx, "agent-1")
	assert.Error(t, err)
}

func TestAgentStore_SystemAgentCannotBeDeleted(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sysAgent := &Agent{Name: SystemAgentName, OwnerUsername: "platform", TemplateID: "system", SSHPort: 2200, IsSystem: true}
	require.NoError(t, st.Agents.Create(ctx, sysAgent))

	err := st.Agents.Delete(ctx, SystemAgentName)
	assert.Error(t, err)
}

func TestPermissionStore_CanDispatch(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	can, err := st.Permissions.CanDispatch(ctx, "a", "a")
	require.NoError(t, err)
	assert.True(t, can, "an agent can always dispatch to itself")

	can, err = st.Permissions.CanDispatch(ctx, "a", "b")
	require.NoError(t, err)
	assert.False(t, can, "unknown edges are rejected, not defaulted open")

	require.NoError(t, st.Permissions.Grant(ctx, "a", "b", "alice"))
	can, err = st.Permissions.CanDispatch(ctx, "a", "b")
	require.NoError(t, err)
	assert.True(t, can)

	can, err = st.Permissions.CanDispatch(ctx, "b", "a")
	require.NoError(t, err)
	assert.False(t, can, "grants are directional")
}

func TestPermissionStore_SelfGrantRejected(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	err := st.Permissions.Grant(ctx, "a", "a", "alice")
	assert.Error(t, err)
}

func TestPermissionStore_GrantBidirectional(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Permissions.GrantBidirectional(ctx, "a", "b", "alice"))

	can, err := st.Permissions.CanDispatch(ctx, "a", "b")
	require.NoError(t, err)
	assert.True(t, can)

	can, err = st.Permissions.CanDispatch(ctx, "b", "a")
	require.NoError(t, err)
	assert.True(t, can)
}

func TestMCPKeyStore_CreateAndValidate(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	token, key, err := st.MCPKeys.Create(ctx, "key-1", "alice", "", "full")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.NotEqual(t, token, key.TokenHash, "plaintext token must never equal the stored hash")

	validated, err := st.MCPKeys.Validate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "key-1", validated.ID)

	require.NoError(t, st.MCPKeys.Revoke(ctx, "key-1"))
	_, err = st.MCPKeys.Validate(ctx, token)
	assert.Error(t, err, "revoked keys must fail validation")
}

func TestScheduleStore_DueBeforeRespectsAutonomyAndEnabled(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)

	due := &Schedule{ID: "s1", AgentName: "agent-1", Name: "daily", CronExpression: "0 9 * * *", Message: "go", Timezone: "UTC", Enabled: true}
	due.NextRunAt.Time, due.NextRunAt.Valid = past, true
	require.NoError(t, st.Schedules.Create(ctx, due))

	disabled := &Schedule{ID: "s2", AgentName: "agent-1", Name: "paused", CronExpression: "0 9 * * *", Message: "go", Timezone: "UTC", Enabled: false}
	disabled.NextRunAt.Time, disabled.NextRunAt.Valid = past, true
	require.NoError(t, st.Schedules.Create(ctx, disabled))

	autonomyOff := &Schedule{ID: "s3", AgentName: "agent-1", Name: "autonomy-off", CronExpression: "0 9 * * *", Message: "go", Timezone: "UTC", Enabled: true, DisabledByAutonomy: true}
	autonomyOff.NextRunAt.Time, autonomyOff.NextRunAt.Valid = past, true
	require.NoError(t, st.Schedules.Create(ctx, autonomyOff))

	results, err := st.Schedules.DueBefore(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "s1", results[0].ID)
}

func TestScheduleStore_SetDisabledByAutonomyCascades(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Schedules.Create(ctx, &Schedule{ID: "s1", AgentName: "agent-1", Name: "a", CronExpression: "* * * * *", Message: "m", Timezone: "UTC", Enabled: true}))
	require.NoError(t, st.Schedules.Create(ctx, &Schedule{ID: "s2", AgentName: "agent-1", Name: "b", CronExpression: "* * * * *", Message: "m", Timezone: "UTC", Enabled: true}))

	require.NoError(t, st.Schedules.SetDisabledByAutonomy(ctx, "agent-1", true))

	s1, err := st.Schedules.Get(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, s1.DisabledByAutonomy)

	s2, err := st.Schedules.Get(ctx, "s2")
	require.NoError(t, err)
	assert.True(t, s2.DisabledByAutonomy)
}

func TestExecutionStore_CreateAndComplete(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	exec := &ScheduleExecution{ID: "e1", AgentName: "agent-1", Status: ExecutionStatusRunning, Message: "hi", StartedAt: time.Now().Add(-time.Hour), TriggeredBy: TriggeredByUser}
	require.NoError(t, st.Executions.Create(ctx, exec))

	require.NoError(t, st.Executions.Complete(ctx, "e1", ExecutionStatusSuccess, "sk-should-be-redacted-aaaaaaaaaaaaaaaaaaaaaaaa", "", time.Now().Add(time.Hour), 1200, 100, 200000, 0.01, "[]", "{}"))

	got, err := st.Executions.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, ExecutionStatusSuccess, got.Status)
	assert.NotContains(t, got.Response.String, "sk-should-be-redacted", "responses are sanitized before persistence")
}

func TestUserStore_CreateGetIsCaseInsensitive(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Users.Create(ctx, &User{Username: "Alice", PasswordHash: "hash", Role: "admin"}))

	got, err := st.Users.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, "admin", got.Role)

	err = st.Users.Create(ctx, &User{Username: "alice", PasswordHash: "other", Role: "user"})
	assert.Error(t, err, "duplicate username must conflict")

	n, err := st.Users.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestActivityStore_RecordAndListForAgent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Activities.Record(ctx, &Activity{ID: "act-1", AgentName: "agent-1", ActivityType: "tool_call", ActivityState: "running", TriggeredBy: "user", Details: `{"tool":"bash"}`}))

	activities, err := st.Activities.ListForAgent(ctx, "agent-1", 10)
	require.NoError(t, err)
	require.Len(t, activities, 1)
	assert.Equal(t, "tool_call", activities[0].ActivityType)
}
