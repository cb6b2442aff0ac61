// Package lifecycle implements the Lifecycle Manager (C8): agent
// provisioning and teardown, the system agent's boot-time state machine,
// and read-only mode hook injection. Grounded on
// original_source/src/backend/services/template_service.py and
// system_agent_service.py; internal/agent/docker.Client supplies the
// container driver this package drives.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trinitylabs/controlplane/internal/agent/credentials"
	"github.com/trinitylabs/controlplane/internal/agent/docker"
	"github.com/trinitylabs/controlplane/internal/agent/permissions"
	"github.com/trinitylabs/controlplane/internal/agent/transport"
	"github.com/trinitylabs/controlplane/internal/common/apierr"
	"github.com/trinitylabs/controlplane/internal/common/config"
	"github.com/trinitylabs/controlplane/internal/common/constants"
	"github.com/trinitylabs/controlplane/internal/common/logger"
	"github.com/trinitylabs/controlplane/internal/secrets"
	"github.com/trinitylabs/controlplane/internal/store"
)

// containerDriver is the slice of docker.Client this package drives,
// narrowed to an interface so the creation/deletion pipeline can be tested
// without a live Docker daemon.
type containerDriver interface {
	CreateContainer(ctx context.Context, cfg docker.ContainerConfig) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, containerID string, force bool) error
	GetContainerInfo(ctx context.Context, containerID string) (*docker.ContainerInfo, error)
	KillContainer(ctx context.Context, containerID string, signal string) error
}

// Manager ties the container driver, state store, permission resolver, and
// credential machinery together into the agent creation/deletion pipeline.
type Manager struct {
	docker      containerDriver
	store       *store.Store
	permissions *permissions.Resolver
	credentials *credentials.Manager
	envelope    *secrets.EnvelopeCipher
	config      config.LifecycleConfig
	logger      *logger.Logger

	// newTransport builds the transport used to health-check and inject
	// hooks into a just-created agent. Overridable in tests; defaults to
	// the real HTTP client addressed at the container DNS name.
	newTransport func(agentName string) healthWriter
}

// healthWriter is the slice of transport.Client the creation pipeline and
// read-only hook injection need.
type healthWriter interface {
	Health(ctx context.Context) error
	WriteFile(ctx context.Context, path, contents string) error
}

// NewManager builds a Manager.
func NewManager(
	dockerClient *docker.Client,
	st *store.Store,
	perms *permissions.Resolver,
	credMgr *credentials.Manager,
	envelope *secrets.EnvelopeCipher,
	cfg config.LifecycleConfig,
	log *logger.Logger,
) *Manager {
	m := &Manager{
		docker:      dockerClient,
		store:       st,
		permissions: perms,
		credentials: credMgr,
		envelope:    envelope,
		config:      cfg,
		logger:      log,
	}
	m.newTransport = func(agentName string) healthWriter { return transport.New(agentName, "") }
	return m
}

// CreateRequest is the input to provisioning a new agent.
type CreateRequest struct {
	Name          string
	OwnerUsername string
	TemplateID    string // "local:<name>" or "github:<owner>/<repo>"
	GitHubPAT     string // required when TemplateID is a github: reference
	Credentials   map[string]string
	CPULimit      float64
	MemoryLimitMB int
}

// CreateResult reports the outcome of a successful creation.
type CreateResult struct {
	Agent          *store.Agent
	MCPKey         string
	SSHPort        int
	MissingSecrets []string
}

// Create runs the full agent creation pipeline: validate the name,
// resolve the template, allocate an SSH port, resolve required credentials
// (the caller-supplied map first, then the registered credential
// providers), render and seal credential files, mint an MCP key, create
// and start the container, poll for health, then register ownership and
// default permissions.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if req.Name == "" || req.Name == store.SystemAgentName {
		return nil, apierr.Validation("invalid agent name")
	}
	if _, err := m.store.Agents.Get(ctx, req.Name); err == nil {
		return nil, apierr.Conflict("agent '" + req.Name + "' already exists")
	}

	tpl, err := m.resolveTemplate(ctx, req.TemplateID, req.GitHubPAT)
	if err != nil {
		return nil, fmt.Errorf("resolve template: %w", err)
	}

	sshPort, err := m.nextSSHPort(ctx)
	if err != nil {
		return nil, err
	}

	required, err := tpl.RequiredCredentials()
	if err != nil {
		return nil, fmt.Errorf("extract required credentials: %w", err)
	}

	resolvedValues, missing := m.resolveCredentialValues(ctx, required, req.Credentials)

	credFiles, err := tpl.RenderCredentialFiles(resolvedValues)
	if err != nil {
		return nil, fmt.Errorf("render credential files: %w", err)
	}

	var sealedEnvelope string
	if len(credFiles) > 0 {
		sealedEnvelope, err = m.envelope.Seal(credFiles)
		if err != nil {
			return nil, fmt.Errorf("seal credential envelope: %w", err)
		}
	}

	keyID := uuid.NewString()
	mcpToken, _, err := m.store.MCPKeys.Create(ctx, keyID, req.OwnerUsername, req.Name, "full")
	if err != nil {
		return nil, fmt.Errorf("mint agent mcp key: %w", err)
	}

	cpu := req.CPULimit
	if cpu == 0 {
		cpu = 1.0
	}
	mem := req.MemoryLimitMB
	if mem == 0 {
		mem = 1024
	}

	cfg := m.containerConfigFor(req.Name, tpl, sshPort, envFromEnvelope(sealedEnvelope, mcpToken))
	cfg.CPUQuota = int64(cpu * 100000)
	cfg.Memory = int64(mem) * 1024 * 1024

	containerID, err := m.docker.CreateContainer(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	if err := m.docker.StartContainer(ctx, containerID); err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}

	// A failed health check is recorded, not swallowed: the container is
	// kept running for diagnosis and the agent row still lands so GetAgent
	// and a later Start/restart have something to act on.
	healthErr := m.waitHealthy(ctx, req.Name)
	status := store.AgentStatusRunning
	if healthErr != nil {
		status = store.AgentStatusError
		m.logger.Error("agent failed health check after create", zap.String("agent", req.Name), zap.Error(healthErr))
	}

	agent := &store.Agent{
		Name:            req.Name,
		OwnerUsername:   req.OwnerUsername,
		TemplateID:      req.TemplateID,
		Status:          status,
		AutonomyEnabled: true,
		CPULimit:        cpu,
		MemoryLimitMB:   mem,
		SSHPort:         sshPort,
	}
	if err := m.store.Agents.Create(ctx, agent); err != nil {
		return nil, err
	}

	if healthErr != nil {
		return nil, fmt.Errorf("agent failed to become healthy: %w", healthErr)
	}

	if err := m.permissions.GrantOwnerDefault(ctx, req.Name, req.OwnerUsername); err != nil {
		return nil, fmt.Errorf("grant default permissions: %w", err)
	}

	return &CreateResult{Agent: agent, MCPKey: mcpToken, SSHPort: sshPort, MissingSecrets: missing}, nil
}

// Delete tears an agent down: stops its container with a grace period,
// force-removes the container together with its anonymous volumes (the
// named workspace volume is not removed), deletes the agent's permissions
// and schedules, revokes the MCP keys its owner holds for it (the revoked
// rows stay in the store), and finally removes the agent row itself.
func (m *Manager) Delete(ctx context.Context, name string) error {
	if name == store.SystemAgentName {
		return apierr.Permission("the system agent cannot be deleted")
	}

	containerID := containerNameFor(name)
	if err := m.docker.StopContainer(ctx, containerID, constants.TerminateGracePeriod); err != nil {
		m.logger.Warn("stop container before delete failed, forcing removal", zap.Error(err))
	}
	if err := m.docker.RemoveContainer(ctx, containerID, true); err != nil {
		m.logger.Warn("remove container failed", zap.Error(err))
	}

	if err := m.permissions.DeleteForAgent(ctx, name); err != nil {
		return fmt.Errorf("delete permissions: %w", err)
	}
	if err := m.store.Schedules.DeleteForAgent(ctx, name); err != nil {
		return fmt.Errorf("delete schedules: %w", err)
	}
	if a, err := m.store.Agents.Get(ctx, name); err == nil {
		keys, err := m.store.MCPKeys.List(ctx, a.OwnerUsername)
		if err != nil {
			return fmt.Errorf("list mcp keys: %w", err)
		}
		for _, k := range keys {
			if k.AgentName.Valid && k.AgentName.String == name && !k.Revoked {
				if err := m.store.MCPKeys.Revoke(ctx, k.ID); err != nil {
					return fmt.Errorf("revoke mcp keys: %w", err)
				}
			}
		}
	}

	return m.store.Agents.Delete(ctx, name)
}

// Start brings up a previously stopped agent's container. Starting an
// already-running agent is a no-op, satisfying start(start(A)) == start(A).
func (m *Manager) Start(ctx context.Context, name string) error {
	if err := m.requireAgent(ctx, name); err != nil {
		return err
	}
	running, err := m.isRunning(ctx, name)
	if err != nil {
		return err
	}
	if running {
		return nil
	}
	if err := m.docker.StartContainer(ctx, containerNameFor(name)); err != nil {
		return fmt.Errorf("start container: %w", err)
	}
	if err := m.waitHealthy(ctx, name); err != nil {
		_ = m.store.Agents.SetStatus(ctx, name, store.AgentStatusError)
		return fmt.Errorf("agent failed to become healthy: %w", err)
	}
	return m.store.Agents.SetStatus(ctx, name, store.AgentStatusRunning)
}

// Stop halts an agent's container with a grace period, retaining the
// container and its workspace volume for a later Start. Stopping an
// already-stopped agent is a no-op, satisfying stop(stop(A)) == stop(A).
func (m *Manager) Stop(ctx context.Context, name string) error {
	if err := m.requireAgent(ctx, name); err != nil {
		return err
	}
	running, err := m.isRunning(ctx, name)
	if err != nil {
		return err
	}
	if !running {
		return nil
	}
	if err := m.docker.StopContainer(ctx, containerNameFor(name), constants.TerminateGracePeriod); err != nil {
		return fmt.Errorf("stop container: %w", err)
	}
	return m.store.Agents.SetStatus(ctx, name, store.AgentStatusStopped)
}

// Terminate signals an agent's container to stop immediately: SIGINT
// first, escalating to SIGKILL if the container is still up after
// constants.TerminateGracePeriod. Used to cancel an in-flight execution;
// the container is left stopped rather than removed, so it and its
// workspace volume remain for a later Start.
func (m *Manager) Terminate(ctx context.Context, name string) error {
	if err := m.requireAgent(ctx, name); err != nil {
		return err
	}
	running, err := m.isRunning(ctx, name)
	if err != nil {
		return err
	}
	if !running {
		return apierr.AgentNotReachable(name, nil)
	}

	containerID := containerNameFor(name)
	if err := m.docker.KillContainer(ctx, containerID, "SIGINT"); err != nil {
		return fmt.Errorf("signal container: %w", err)
	}

	deadline := time.Now().Add(constants.TerminateGracePeriod)
	for {
		stillRunning, err := m.isRunning(ctx, name)
		if err != nil {
			return err
		}
		if !stillRunning {
			return nil
		}
		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}

	if err := m.docker.KillContainer(ctx, containerID, "SIGKILL"); err != nil {
		return fmt.Errorf("force-kill container: %w", err)
	}
	return nil
}

// IsRunning reports whether name's container is currently running.
func (m *Manager) IsRunning(ctx context.Context, name string) (bool, error) {
	return m.isRunning(ctx, name)
}

func (m *Manager) requireAgent(ctx context.Context, name string) error {
	_, err := m.store.Agents.Get(ctx, name)
	return err
}

func (m *Manager) resolveTemplate(ctx context.Context, templateID, pat string) (*ResolvedTemplate, error) {
	switch {
	case hasPrefix(templateID, "local:"):
		return ResolveLocal(m.config.TemplatesDir, templateID[len("local:"):])
	case hasPrefix(templateID, "github:"):
		if pat == "" {
			return nil, apierr.Validation("a GitHub personal access token is required to resolve a github: template")
		}
		return ResolveGitHub(ctx, templateID[len("github:"):], pat)
	default:
		return nil, apierr.Validation("unrecognized template reference: " + templateID)
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// resolveCredentialValues resolves every required credential key against
// the request's inline map first, then the platform's vaulted providers.
// Keys resolved by neither are reported back as missing rather than
// failing provisioning outright -- the agent still starts, just without
// those MCP servers configured.
func (m *Manager) resolveCredentialValues(ctx context.Context, required []string, inline map[string]string) (map[string]string, []string) {
	values := make(map[string]string, len(required))
	var missing []string

	mapProvider := credentials.NewMapProvider(inline)
	for _, key := range required {
		if cred, err := mapProvider.GetCredential(ctx, key); err == nil {
			values[key] = cred.Value
			continue
		}
		if v, err := m.credentials.GetCredentialValue(ctx, key); err == nil {
			values[key] = v
			continue
		}
		missing = append(missing, key)
	}
	return values, missing
}

func (m *Manager) nextSSHPort(ctx context.Context) (int, error) {
	max, err := m.store.Agents.MaxSSHPort(ctx)
	if err != nil {
		return 0, fmt.Errorf("read max ssh port: %w", err)
	}
	if max < constants.SSHPortBase-1 {
		return constants.SSHPortBase, nil
	}
	return max + 1, nil
}

// agentBaseImage is the single runtime image every agent container boots
// from; templates configure behavior, not the base image, per
// system_agent_service.py's hardcoded 'trinity-agent-base:latest'.
const agentBaseImage = "trinity-agent-base:latest"

func containerNameFor(agentName string) string {
	return "agent-" + agentName
}

func workspaceVolumeFor(agentName string) string {
	return "agent-" + agentName + "-workspace"
}

func (m *Manager) containerConfigFor(agentName string, tpl *ResolvedTemplate, sshPort int, env []string) docker.ContainerConfig {
	mounts := []docker.MountConfig{
		{Source: workspaceVolumeFor(agentName), Target: "/home/developer/workspace"},
		{Source: tpl.Dir, Target: "/template", ReadOnly: true},
	}
	if m.config.MetaPromptDir != "" {
		mounts = append(mounts, docker.MountConfig{Source: m.config.MetaPromptDir, Target: "/trinity-meta-prompt", ReadOnly: true})
	}

	return docker.ContainerConfig{
		Name:        containerNameFor(agentName),
		Image:       agentBaseImage,
		Env:         env,
		WorkingDir:  "/home/developer/workspace",
		NetworkMode: "trinity-agent-network",
		Mounts:      mounts,
		Labels: map[string]string{
			"trinity.agent":    agentName,
			"trinity.template": tpl.Spec.Name,
		},
		Ports: map[string]int{"22/tcp": sshPort},

		// Every non-system agent runs with all capabilities dropped, the
		// default AppArmor profile, and a noexec/nosuid tmpfs mount for /tmp.
		CapDrop:       []string{"ALL"},
		SecurityOpt:   []string{"apparmor:docker-default"},
		TmpfsMounts:   map[string]string{"/tmp": "noexec,nosuid,size=100m"},
		RestartPolicy: "unless-stopped",
	}
}

func envFromEnvelope(sealedEnvelope, mcpToken string) []string {
	env := []string{"TRINITY_MCP_KEY=" + mcpToken}
	if sealedEnvelope != "" {
		env = append(env, "TRINITY_CREDENTIAL_ENVELOPE="+sealedEnvelope)
	}
	return env
}

func (m *Manager) transportFor(agentName string) healthWriter {
	return m.newTransport(agentName)
}

func (m *Manager) isRunning(ctx context.Context, agentName string) (bool, error) {
	info, err := m.docker.GetContainerInfo(ctx, containerNameFor(agentName))
	if err != nil {
		return false, nil
	}
	return info.State == "running", nil
}

// waitHealthy polls the agent's /health endpoint until it responds or
// AgentBootTimeout elapses.
func (m *Manager) waitHealthy(ctx context.Context, agentName string) error {
	deadline := time.Now().Add(constants.AgentBootTimeout)
	client := m.transportFor(agentName)

	for {
		if err := client.Health(ctx); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("agent %s did not become healthy within %s", agentName, constants.AgentBootTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func newID() (string, error) {
	return uuid.NewString(), nil
}
