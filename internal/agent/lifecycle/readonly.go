package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/trinitylabs/controlplane/internal/common/apierr"
	"github.com/trinitylabs/controlplane/internal/store"
)

// DefaultBlockedPatterns are the glob patterns read-only mode refuses
// writes to unless explicitly whitelisted, ported from read_only.py's
// DEFAULT_BLOCKED_PATTERNS.
var DefaultBlockedPatterns = []string{
	"*.py", "*.js", "*.ts", "*.jsx", "*.tsx", "*.vue", "*.svelte",
	"*.go", "*.rs", "*.rb", "*.java", "*.c", "*.cpp", "*.h",
	"*.sh", "*.bash", "Makefile", "Dockerfile",
	"CLAUDE.md", "README.md", ".claude/*", ".env", ".env.*",
	"template.yaml", "*.yaml", "*.yml", "*.json", "*.toml",
}

// DefaultAllowedPatterns are writable even while read-only mode blocks
// everything else, ported from read_only.py's DEFAULT_ALLOWED_PATTERNS.
var DefaultAllowedPatterns = []string{
	"content/*", "output/*", "reports/*", "exports/*",
	"*.log", "*.txt",
}

// ReadOnlyConfig is the serialized shape written into an agent's workspace
// as .trinity/read-only-config.json.
type ReadOnlyConfig struct {
	BlockedPatterns []string `json:"blocked_patterns"`
	AllowedPatterns []string `json:"allowed_patterns"`
}

// DefaultReadOnlyConfig returns the platform's default pattern set.
func DefaultReadOnlyConfig() ReadOnlyConfig {
	return ReadOnlyConfig{
		BlockedPatterns: append([]string(nil), DefaultBlockedPatterns...),
		AllowedPatterns: append([]string(nil), DefaultAllowedPatterns...),
	}
}

// SetReadOnly enables or disables read-only mode for name. The system agent
// can never be put into read-only mode. Hooks are injected into the
// agent's live workspace only when the container is currently running and
// the mode is being enabled -- otherwise the config is simply persisted and
// picked up the next time the agent is (re)created.
func (m *Manager) SetReadOnly(ctx context.Context, name string, enabled bool, cfg *ReadOnlyConfig) error {
	if name == store.SystemAgentName {
		return apierr.Permission("the system agent cannot be put into read-only mode")
	}

	agent, err := m.store.Agents.Get(ctx, name)
	if err != nil {
		return err
	}

	if cfg == nil {
		d := DefaultReadOnlyConfig()
		cfg = &d
	}

	blockedJSON, err := json.Marshal(cfg.BlockedPatterns)
	if err != nil {
		return fmt.Errorf("encode blocked patterns: %w", err)
	}
	allowedJSON, err := json.Marshal(cfg.AllowedPatterns)
	if err != nil {
		return fmt.Errorf("encode allowed patterns: %w", err)
	}

	if err := m.store.Agents.SetReadOnly(ctx, name, enabled, string(blockedJSON), string(allowedJSON)); err != nil {
		return err
	}

	if !enabled {
		return nil
	}

	running, err := m.isRunning(ctx, agent.Name)
	if err != nil || !running {
		return nil
	}

	return m.injectReadOnlyHooks(ctx, agent.Name, *cfg)
}

// injectReadOnlyHooks writes the guard config and guard script into a
// running agent's workspace, matching read_only.py's
// inject_read_only_hooks. Both writes use the platform bypass -- read-only
// mode protects the agent's workspace from the agent itself, not from the
// control plane.
func (m *Manager) injectReadOnlyHooks(ctx context.Context, agentName string, cfg ReadOnlyConfig) error {
	configJSON, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode read-only config: %w", err)
	}

	client := m.transportFor(agentName)

	if err := client.WriteFile(ctx, ".trinity/read-only-config.json", string(configJSON)); err != nil {
		return fmt.Errorf("write read-only config: %w", err)
	}

	guardScript, err := readGuardScript(m.config.MetaPromptDir)
	if err != nil {
		return fmt.Errorf("load read-only guard script: %w", err)
	}

	if err := client.WriteFile(ctx, ".trinity/hooks/read-only-guard.py", guardScript); err != nil {
		return fmt.Errorf("write read-only guard script: %w", err)
	}

	return nil
}

// readGuardScript loads the guard script bundled alongside the platform's
// hook configuration. dirHint is MetaPromptDir; in development the script is
// read from the sibling hooks directory (dirHint/../hooks), while a container
// deployment mounts it at a fixed path instead.
func readGuardScript(dirHint string) (string, error) {
	const containerPath = "/config/hooks/read-only-guard.py"
	if raw, err := os.ReadFile(containerPath); err == nil {
		return string(raw), nil
	}

	devPath := dirHint + "/../hooks/read-only-guard.py"
	raw, err := os.ReadFile(devPath)
	if err != nil {
		return "", fmt.Errorf("guard script not found at %s or %s", containerPath, devPath)
	}
	return string(raw), nil
}
