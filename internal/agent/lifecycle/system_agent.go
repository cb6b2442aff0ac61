package lifecycle

import (
	"context"
	"fmt"

	"github.com/trinitylabs/controlplane/internal/agent/docker"
	"github.com/trinitylabs/controlplane/internal/store"
)

// systemAgentOwner is the username the platform's singleton agent is
// registered under, grounded on system_agent_service.py's SYSTEM_AGENT_OWNER.
const systemAgentOwner = "admin"

// systemAgentTemplate names the local template the system agent always
// boots from.
const systemAgentTemplate = "system-orchestrator"

// systemAgentCapabilities is the capability whitelist added back for the
// system agent on top of the blanket CapDrop every agent gets -- it needs
// package installation and process supervision tooling the ordinary sandbox
// denies. Grounded on system_agent_service.py's FULL_CAPABILITIES.
var systemAgentCapabilities = []string{
	"CHOWN", "DAC_OVERRIDE", "FOWNER", "SETGID", "SETUID",
	"NET_BIND_SERVICE", "SYS_PTRACE", "KILL",
}

// DeployResult reports what EnsureSystemAgent did.
type DeployResult struct {
	Action  string // "none", "started", "created", "start_failed", "create_failed"
	Status  string // "running", "error"
	Message string
}

// EnsureSystemAgent implements the boot-time state machine from
// system_agent_service.py's ensure_deployed: whenever the container exists,
// a missing store row is re-created (an existing row is left unchanged);
// then, if the container is already running, nothing else happens; if it
// exists but is stopped, start it; if it doesn't exist, create it.
func (m *Manager) EnsureSystemAgent(ctx context.Context) (*DeployResult, error) {
	info, containerID, err := m.systemAgentContainer(ctx)
	if err != nil {
		return nil, fmt.Errorf("inspect system agent container: %w", err)
	}

	if info != nil {
		if err := m.reassertSystemOwnership(ctx); err != nil {
			return nil, err
		}

		if info.State == "running" {
			return &DeployResult{Action: "none", Status: "running", Message: "system agent already running"}, nil
		}

		if err := m.docker.StartContainer(ctx, containerID); err != nil {
			return &DeployResult{Action: "start_failed", Status: "error", Message: err.Error()}, nil
		}
		return &DeployResult{Action: "started", Status: "running", Message: "system agent started"}, nil
	}

	if err := m.createSystemAgent(ctx); err != nil {
		return &DeployResult{Action: "create_failed", Status: "error", Message: err.Error()}, nil
	}
	return &DeployResult{Action: "created", Status: "running", Message: "system agent created and started"}, nil
}

func (m *Manager) systemAgentContainer(ctx context.Context) (*docker.ContainerInfo, string, error) {
	containerID := containerNameFor(store.SystemAgentName)
	info, err := m.docker.GetContainerInfo(ctx, containerID)
	if err != nil {
		return nil, "", nil // container does not exist; not an error for this purpose
	}
	return info, containerID, nil
}

// reassertSystemOwnership is the regression guard: a container can exist
// without a matching store row if a prior run's registration step failed
// partway. Best-effort re-creation with a freshly allocated SSH port is the
// closest equivalent this schema's unique-port constraint allows to the
// original's plain upsert.
func (m *Manager) reassertSystemOwnership(ctx context.Context) error {
	if _, err := m.store.Agents.Get(ctx, store.SystemAgentName); err == nil {
		return nil
	}
	sshPort, err := m.nextSSHPort(ctx)
	if err != nil {
		return err
	}
	return m.registerSystemAgentRow(ctx, sshPort)
}

func (m *Manager) registerSystemAgentRow(ctx context.Context, sshPort int) error {
	return m.store.Agents.Create(ctx, &store.Agent{
		Name:            store.SystemAgentName,
		OwnerUsername:   systemAgentOwner,
		TemplateID:      "local:" + systemAgentTemplate,
		IsSystem:        true,
		AutonomyEnabled: true,
		SSHPort:         sshPort,
	})
}

// createSystemAgent builds and starts the system agent's container from its
// local template, mints its system-scoped MCP key, and registers ownership
// plus default permissions against every agent already in the store.
func (m *Manager) createSystemAgent(ctx context.Context) error {
	tpl, err := ResolveLocal(m.config.TemplatesDir, systemAgentTemplate)
	if err != nil {
		return fmt.Errorf("resolve system agent template: %w", err)
	}

	sshPort, err := m.nextSSHPort(ctx)
	if err != nil {
		return err
	}

	keyID, err := newID()
	if err != nil {
		return err
	}
	_, _, err = m.store.MCPKeys.Create(ctx, keyID, systemAgentOwner, store.SystemAgentName, "system")
	if err != nil {
		return fmt.Errorf("mint system agent mcp key: %w", err)
	}

	cfg := m.containerConfigFor(store.SystemAgentName, tpl, sshPort, nil)
	cfg.CapAdd = systemAgentCapabilities
	cfg.CapDrop = []string{"ALL"}

	containerID, err := m.docker.CreateContainer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("create system agent container: %w", err)
	}
	if err := m.docker.StartContainer(ctx, containerID); err != nil {
		return fmt.Errorf("start system agent container: %w", err)
	}

	if err := m.registerSystemAgentRow(ctx, sshPort); err != nil {
		return fmt.Errorf("register system agent: %w", err)
	}

	return m.grantSystemAgentDefaultPermissions(ctx)
}

// grantSystemAgentDefaultPermissions wires the system agent into every
// existing agent's permission graph bidirectionally, matching
// system_agent_service.py's grant_default_permissions call.
func (m *Manager) grantSystemAgentDefaultPermissions(ctx context.Context) error {
	agents, err := m.store.Agents.List(ctx, "")
	if err != nil {
		return err
	}
	for _, a := range agents {
		if a.Name == store.SystemAgentName {
			continue
		}
		if err := m.store.Permissions.GrantBidirectional(ctx, store.SystemAgentName, a.Name, systemAgentOwner); err != nil {
			return err
		}
	}
	return nil
}
