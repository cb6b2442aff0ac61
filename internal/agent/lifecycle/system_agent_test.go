package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trinitylabs/controlplane/internal/store"
)

func writeSystemAgentTemplate(t *testing.T, templatesDir string) {
	t.Helper()
	dir := filepath.Join(templatesDir, systemAgentTemplate)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "template.yaml"), []byte(`
name: system-orchestrator
type: system-orchestrator
resources:
  cpu: "4"
  memory: "8g"
`), 0o644))
}

func TestEnsureSystemAgent_CreatesWhenAbsent(t *testing.T) {
	m, driver, st := newTestManager(t)
	writeSystemAgentTemplate(t, m.config.TemplatesDir)

	result, err := m.EnsureSystemAgent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "created", result.Action)
	assert.Equal(t, "running", result.Status)

	_, ok := driver.containers["agent-"+store.SystemAgentName]
	assert.True(t, ok)

	agent, err := st.Agents.Get(context.Background(), store.SystemAgentName)
	require.NoError(t, err)
	assert.True(t, agent.IsSystem)
}

func TestEnsureSystemAgent_StartsWhenStopped(t *testing.T) {
	m, driver, _ := newTestManager(t)
	writeSystemAgentTemplate(t, m.config.TemplatesDir)

	_, err := m.EnsureSystemAgent(context.Background())
	require.NoError(t, err)

	driver.containers["agent-"+store.SystemAgentName].State = "exited"

	result, err := m.EnsureSystemAgent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "started", result.Action)
	assert.Equal(t, "running", driver.containers["agent-"+store.SystemAgentName].State)
}

func TestEnsureSystemAgent_NoopWhenAlreadyRunning(t *testing.T) {
	m, _, _ := newTestManager(t)
	writeSystemAgentTemplate(t, m.config.TemplatesDir)

	_, err := m.EnsureSystemAgent(context.Background())
	require.NoError(t, err)

	result, err := m.EnsureSystemAgent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "none", result.Action)
}

func TestEnsureSystemAgent_GrantsPermissionsAgainstExistingAgents(t *testing.T) {
	m, _, _ := newTestManager(t)
	writeSystemAgentTemplate(t, m.config.TemplatesDir)
	ctx := context.Background()

	_, err := m.Create(ctx, CreateRequest{Name: "alice-research", OwnerUsername: "alice", TemplateID: "local:research-assistant"})
	require.NoError(t, err)

	_, err = m.EnsureSystemAgent(ctx)
	require.NoError(t, err)

	can, err := m.permissions.CanDispatch(ctx, store.SystemAgentName, "alice-research")
	require.NoError(t, err)
	assert.True(t, can)
}
