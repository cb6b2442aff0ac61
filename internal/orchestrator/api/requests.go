// Package api exposes the control plane's REST and WebSocket surface: agent
// lifecycle, dispatch permissions, schedules, the execution queue, MCP
// keys, the activity timeline, and token issuance.
package api

// TokenRequest authenticates a user and issues a JWT.
type TokenRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// CreateAgentRequest provisions a new agent.
type CreateAgentRequest struct {
	Name          string            `json:"name" binding:"required"`
	TemplateID    string            `json:"template_id" binding:"required"`
	GitHubPAT     string            `json:"github_pat,omitempty"`
	Credentials   map[string]string `json:"credentials,omitempty"`
	CPULimit      float64           `json:"cpu_limit,omitempty"`
	MemoryLimitMB int               `json:"memory_limit_mb,omitempty"`
}

// SetAutonomyRequest toggles whether an agent's schedules fire unattended.
type SetAutonomyRequest struct {
	Enabled bool `json:"enabled"`
}

// SetReadOnlyRequest toggles an agent's read-only workspace guard.
type SetReadOnlyRequest struct {
	Enabled         bool     `json:"enabled"`
	BlockedPatterns []string `json:"blocked_patterns,omitempty"`
	AllowedPatterns []string `json:"allowed_patterns,omitempty"`
}

// GrantPermissionRequest authorizes one agent to dispatch to another.
type GrantPermissionRequest struct {
	TargetAgent string `json:"target_agent" binding:"required"`
}

// CreateScheduleRequest defines a new cron-driven dispatch.
type CreateScheduleRequest struct {
	Name           string `json:"name" binding:"required"`
	CronExpression string `json:"cron_expression" binding:"required"`
	Message        string `json:"message" binding:"required"`
	Timezone       string `json:"timezone,omitempty"`
	Enabled        *bool  `json:"enabled,omitempty"`
}

// SetScheduleEnabledRequest pauses or resumes a schedule.
type SetScheduleEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

// DispatchRequest submits a message for an agent to run through its
// Execution Queue; WaitIfBusy is passed on to the queue's Submit.
type DispatchRequest struct {
	Message    string `json:"message" binding:"required"`
	WaitIfBusy bool   `json:"wait_if_busy"`
}

// CreateMCPKeyRequest mints a new MCP key scoped to an agent or the caller.
type CreateMCPKeyRequest struct {
	AgentName string `json:"agent_name,omitempty"`
	Scope     string `json:"scope" binding:"required"`
}
