package lifecycle

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemplateFixture(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "template.yaml"), []byte(`
name: research-assistant
type: research
resources:
  cpu: "2"
  memory: "4g"
mcp_servers:
  - search
`), 0o644))

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".mcp.json"), []byte(`{
  "mcpServers": {
    "search": {
      "env": {"SEARCH_API_KEY": "${SEARCH_API_KEY}"},
      "args": ["--token", "${GITHUB_TOKEN}"]
    }
  }
}`), 0o644))

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env.example"), []byte(`
# comment line
GITHUB_TOKEN=
EXTRA_VAR=default
`), 0o644))
}

func TestResolveLocal_ParsesTemplateYAML(t *testing.T) {
	dir := t.TempDir()
	writeTemplateFixture(t, dir)

	tpl, err := ResolveLocal(filepath.Dir(dir), filepath.Base(dir))
	require.NoError(t, err)
	assert.Equal(t, "research-assistant", tpl.Spec.Name)
	assert.Equal(t, "research", tpl.Spec.Type)
	assert.Equal(t, "2", tpl.Spec.Resources["cpu"])
}

func TestResolveLocal_MissingTemplateYAML(t *testing.T) {
	dir := t.TempDir()
	_, err := ResolveLocal(filepath.Dir(dir), filepath.Base(dir))
	assert.Error(t, err)
}

func TestRequiredCredentials_CollectsFromMCPJSONAndEnvExample(t *testing.T) {
	dir := t.TempDir()
	writeTemplateFixture(t, dir)

	tpl, err := ResolveLocal(filepath.Dir(dir), filepath.Base(dir))
	require.NoError(t, err)

	vars, err := tpl.RequiredCredentials()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"SEARCH_API_KEY", "GITHUB_TOKEN", "EXTRA_VAR"}, vars)
}

func TestRenderCredentialFiles_SubstitutesPlaceholders(t *testing.T) {
	dir := t.TempDir()
	writeTemplateFixture(t, dir)

	tpl, err := ResolveLocal(filepath.Dir(dir), filepath.Base(dir))
	require.NoError(t, err)

	files, err := tpl.RenderCredentialFiles(map[string]string{
		"SEARCH_API_KEY": "sk-123",
		"GITHUB_TOKEN":   "ghp-456",
		"EXTRA_VAR":      "value",
	})
	require.NoError(t, err)

	require.Contains(t, files, ".mcp.json")
	assert.Contains(t, files[".mcp.json"], "sk-123")
	assert.Contains(t, files[".mcp.json"], "ghp-456")
	assert.NotContains(t, files[".mcp.json"], "${")

	require.Contains(t, files, ".env")
	assert.Contains(t, files[".env"], "GITHUB_TOKEN=ghp-456")
	assert.Contains(t, files[".env"], "EXTRA_VAR=value")
}

func TestRenderCredentialFiles_MissingValueRendersEmpty(t *testing.T) {
	dir := t.TempDir()
	writeTemplateFixture(t, dir)

	tpl, err := ResolveLocal(filepath.Dir(dir), filepath.Base(dir))
	require.NoError(t, err)

	files, err := tpl.RenderCredentialFiles(map[string]string{})
	require.NoError(t, err)
	assert.Contains(t, files[".env"], "GITHUB_TOKEN=")
}
