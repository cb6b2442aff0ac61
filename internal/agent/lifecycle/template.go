package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/trinitylabs/controlplane/internal/common/constants"
)

// envVarPattern matches ${VAR_NAME} references inside MCP server env/args,
// grounded on template_service.py's extract_env_vars_from_mcp_json.
var envVarPattern = regexp.MustCompile(`\$\{([A-Z][A-Z0-9_]*)\}`)

// TemplateSpec is the parsed contents of a resolved template's
// template.yaml.
type TemplateSpec struct {
	Name      string                 `yaml:"name"`
	Type      string                 `yaml:"type"`
	Resources map[string]string      `yaml:"resources"`
	MCPServers []string              `yaml:"mcp_servers"`
	Credentials map[string]any       `yaml:"credentials"`
}

// ResolvedTemplate is a template materialized onto the local filesystem,
// ready to be staged into a container.
type ResolvedTemplate struct {
	Spec     TemplateSpec
	Dir      string
	ClaudeMD string // contents of CLAUDE.md, if present
}

// ResolveLocal loads a local template directory containing template.yaml.
func ResolveLocal(templatesDir, name string) (*ResolvedTemplate, error) {
	dir := filepath.Join(templatesDir, name)
	return loadTemplateDir(dir)
}

// ResolveGitHub shallow-clones owner/repo into a temp staging directory
// using a GitHub PAT, strips .git, and loads the resulting template.yaml.
// Grounded on template_service.py's clone_github_repo: oauth2 token in the
// clone URL, `git clone --depth 1`, then `shutil.rmtree(.git)`.
func ResolveGitHub(ctx context.Context, repo, pat string) (*ResolvedTemplate, error) {
	dir, err := os.MkdirTemp("", "controlplane-template-*")
	if err != nil {
		return nil, fmt.Errorf("create staging directory: %w", err)
	}

	cloneURL := fmt.Sprintf("https://oauth2:%s@github.com/%s.git", pat, repo)

	cloneCtx, cancel := context.WithTimeout(ctx, constants.GitCloneTimeout)
	defer cancel()

	cmd := exec.CommandContext(cloneCtx, "git", "clone", "--depth", "1", cloneURL, dir)
	if out, err := cmd.CombinedOutput(); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("git clone %s failed: %w: %s", repo, err, redactToken(string(out), pat))
	}

	if err := os.RemoveAll(filepath.Join(dir, ".git")); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("strip .git from cloned template: %w", err)
	}

	tpl, err := loadTemplateDir(dir)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	return tpl, nil
}

func redactToken(s, token string) string {
	if token == "" {
		return s
	}
	return strings.ReplaceAll(s, token, "***")
}

func loadTemplateDir(dir string) (*ResolvedTemplate, error) {
	yamlPath := filepath.Join(dir, "template.yaml")
	raw, err := os.ReadFile(yamlPath)
	if err != nil {
		return nil, fmt.Errorf("template.yaml not found in %s: %w", dir, err)
	}

	var spec TemplateSpec
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("parse template.yaml: %w", err)
	}

	tpl := &ResolvedTemplate{Spec: spec, Dir: dir}
	if claudeMD, err := os.ReadFile(filepath.Join(dir, "CLAUDE.md")); err == nil {
		tpl.ClaudeMD = string(claudeMD)
	}
	return tpl, nil
}

// RequiredCredentials collects every ${VAR} referenced across the
// template's .mcp.json (or .mcp.json.template) env/args and its
// .env.example, per template_service.py's extract_agent_credentials.
func (t *ResolvedTemplate) RequiredCredentials() ([]string, error) {
	seen := map[string]struct{}{}

	mcpPath := filepath.Join(t.Dir, ".mcp.json")
	if _, err := os.Stat(mcpPath); os.IsNotExist(err) {
		mcpPath = filepath.Join(t.Dir, ".mcp.json.template")
	}
	if raw, err := os.ReadFile(mcpPath); err == nil {
		vars, err := extractMCPEnvVars(raw)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", mcpPath, err)
		}
		for _, v := range vars {
			seen[v] = struct{}{}
		}
	}

	if raw, err := os.ReadFile(filepath.Join(t.Dir, ".env.example")); err == nil {
		for _, v := range extractEnvExampleVars(raw) {
			seen[v] = struct{}{}
		}
	}

	result := make([]string, 0, len(seen))
	for v := range seen {
		result = append(result, v)
	}
	sort.Strings(result)
	return result, nil
}

func extractMCPEnvVars(raw []byte) ([]string, error) {
	var doc struct {
		MCPServers map[string]struct {
			Env  map[string]string `json:"env"`
			Args []string          `json:"args"`
		} `json:"mcpServers"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}

	seen := map[string]struct{}{}
	for _, server := range doc.MCPServers {
		for _, v := range server.Env {
			for _, m := range envVarPattern.FindAllStringSubmatch(v, -1) {
				seen[m[1]] = struct{}{}
			}
		}
		for _, arg := range server.Args {
			for _, m := range envVarPattern.FindAllStringSubmatch(arg, -1) {
				seen[m[1]] = struct{}{}
			}
		}
	}

	vars := make([]string, 0, len(seen))
	for v := range seen {
		vars = append(vars, v)
	}
	return vars, nil
}

var envLinePattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

func extractEnvExampleVars(raw []byte) []string {
	var vars []string
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx < 0 {
			continue
		}
		name := strings.TrimSpace(line[:idx])
		if envLinePattern.MatchString(name) {
			vars = append(vars, name)
		}
	}
	return vars
}

// RenderCredentialFiles substitutes ${VAR} references in the template's
// .mcp.json with values from credentialValues, and writes a .env file from
// every value whose key was sourced from .env.example. Returns a map of
// workspace-relative path to rendered contents, ready to be sealed into a
// Credential Envelope.
func (t *ResolvedTemplate) RenderCredentialFiles(credentialValues map[string]string) (map[string]string, error) {
	files := map[string]string{}

	mcpPath := filepath.Join(t.Dir, ".mcp.json")
	if _, err := os.Stat(mcpPath); os.IsNotExist(err) {
		mcpPath = filepath.Join(t.Dir, ".mcp.json.template")
	}
	if raw, err := os.ReadFile(mcpPath); err == nil {
		rendered, err := renderMCPJSON(raw, credentialValues)
		if err != nil {
			return nil, fmt.Errorf("render %s: %w", mcpPath, err)
		}
		files[".mcp.json"] = rendered
	}

	if raw, err := os.ReadFile(filepath.Join(t.Dir, ".env.example")); err == nil {
		var b strings.Builder
		b.WriteString("# Generated by the control plane -- agent credentials\n\n")
		for _, name := range extractEnvExampleVars(raw) {
			b.WriteString(fmt.Sprintf("%s=%s\n", name, credentialValues[name]))
		}
		files[".env"] = b.String()
	}

	return files, nil
}

func renderMCPJSON(raw []byte, values map[string]string) (string, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", err
	}

	servers, _ := doc["mcpServers"].(map[string]any)
	for _, s := range servers {
		server, ok := s.(map[string]any)
		if !ok {
			continue
		}
		if env, ok := server["env"].(map[string]any); ok {
			for k, v := range env {
				if str, ok := v.(string); ok {
					env[k] = substituteVar(str, values)
				}
			}
		}
		if args, ok := server["args"].([]any); ok {
			for i, a := range args {
				if str, ok := a.(string); ok {
					args[i] = substituteVar(str, values)
				}
			}
		}
	}

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func substituteVar(s string, values map[string]string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(ref string) string {
		return values[ref[2:len(ref)-1]]
	})
}
