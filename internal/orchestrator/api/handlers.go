package api

import (
	"context"
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trinitylabs/controlplane/internal/agent/lifecycle"
	"github.com/trinitylabs/controlplane/internal/agent/permissions"
	"github.com/trinitylabs/controlplane/internal/auth"
	"github.com/trinitylabs/controlplane/internal/common/apierr"
	"github.com/trinitylabs/controlplane/internal/common/appctx"
	"github.com/trinitylabs/controlplane/internal/common/logger"
	"github.com/trinitylabs/controlplane/internal/events"
	"github.com/trinitylabs/controlplane/internal/events/bus"
	"github.com/trinitylabs/controlplane/internal/orchestrator/queue"
	"github.com/trinitylabs/controlplane/internal/orchestrator/scheduler"
	"github.com/trinitylabs/controlplane/internal/store"
)

// Handler holds every service the Control API fronts.
type Handler struct {
	store       *store.Store
	lifecycle   *lifecycle.Manager
	permissions *permissions.Resolver
	queue       *queue.ExecutionQueue
	dispatcher  scheduler.Dispatcher
	authMgr     *auth.Manager
	events      bus.EventBus
	logger      *logger.Logger
}

// NewHandler wires a Handler over the control plane's running services.
func NewHandler(
	st *store.Store,
	lifecycleMgr *lifecycle.Manager,
	perms *permissions.Resolver,
	q *queue.ExecutionQueue,
	dispatcher scheduler.Dispatcher,
	authMgr *auth.Manager,
	eventBus bus.EventBus,
	log *logger.Logger,
) *Handler {
	return &Handler{
		store:       st,
		lifecycle:   lifecycleMgr,
		permissions: perms,
		queue:       q,
		dispatcher:  dispatcher,
		authMgr:     authMgr,
		events:      eventBus,
		logger:      log.WithFields(zap.String("component", "control_api")),
	}
}

// publish emits eventType onto the bus with data, logging rather than
// failing the request if the bus is unreachable -- dispatch already
// succeeded or failed on its own merits by the time this runs.
func (h *Handler) publish(eventType string, data map[string]interface{}) {
	if err := h.events.Publish(context.Background(), eventType, bus.NewEvent(eventType, "control_api", data)); err != nil {
		h.logger.Warn("publish event", zap.String("event_type", eventType), zap.Error(err))
	}
}

// authorizeAgentOwner loads agentName and, unless the caller is an admin,
// rejects the request with apierr.Permission if the caller does not own it.
// Invariant: a request authenticated by a user-scoped credential may act
// only on agents it owns -- this is the single place that enforces it.
func (h *Handler) authorizeAgentOwner(c *gin.Context, agentName string) (*store.Agent, bool) {
	agent, err := h.store.Agents.Get(c.Request.Context(), agentName)
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	if role, _ := c.Get(ctxKeyRole); role == "admin" {
		return agent, true
	}
	if agent.OwnerUsername != callerUsername(c) {
		writeError(c, apierr.Permission("caller does not own agent '"+agentName+"'"))
		return nil, false
	}
	return agent, true
}

// authorizeScheduleOwner loads scheduleID and applies the same ownership
// check to the schedule's agent.
func (h *Handler) authorizeScheduleOwner(c *gin.Context, scheduleID string) (*store.Schedule, bool) {
	sch, err := h.store.Schedules.Get(c.Request.Context(), scheduleID)
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	if _, ok := h.authorizeAgentOwner(c, sch.AgentName); !ok {
		return nil, false
	}
	return sch, true
}

// --- Auth ---------------------------------------------------------------

// IssueToken authenticates a username/password pair and returns a JWT.
// POST /api/v1/token
func (h *Handler) IssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierr.Validation(err.Error()))
		return
	}

	user, err := h.authMgr.Authenticate(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		writeError(c, err)
		return
	}

	token, expiresAt, err := h.authMgr.Issue(user)
	if err != nil {
		writeError(c, apierr.Internal("issue token", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_at":   expiresAt,
		"role":         user.Role,
	})
}

// --- Agents ---------------------------------------------------------------

// CreateAgent provisions a new agent owned by the caller.
// POST /api/v1/agents
func (h *Handler) CreateAgent(c *gin.Context) {
	var req CreateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierr.Validation(err.Error()))
		return
	}

	result, err := h.lifecycle.Create(c.Request.Context(), lifecycle.CreateRequest{
		Name:          req.Name,
		OwnerUsername: callerUsername(c),
		TemplateID:    req.TemplateID,
		GitHubPAT:     req.GitHubPAT,
		Credentials:   req.Credentials,
		CPULimit:      req.CPULimit,
		MemoryLimitMB: req.MemoryLimitMB,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	h.publish(events.AgentCreated, map[string]interface{}{"agent_name": result.Agent.Name, "owner": result.Agent.OwnerUsername})

	c.JSON(http.StatusCreated, gin.H{
		"agent":           result.Agent,
		"mcp_key":         result.MCPKey,
		"ssh_port":        result.SSHPort,
		"missing_secrets": result.MissingSecrets,
	})
}

// ListAgents lists every agent owned by the caller, or every agent when
// the caller is an admin and passes ?all=true.
// GET /api/v1/agents
func (h *Handler) ListAgents(c *gin.Context) {
	owner := callerUsername(c)
	if c.Query("all") == "true" {
		if role, _ := c.Get(ctxKeyRole); role == "admin" {
			owner = ""
		}
	}
	agents, err := h.store.Agents.List(c.Request.Context(), owner)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

// GetAgent returns one agent's record.
// GET /api/v1/agents/:name
func (h *Handler) GetAgent(c *gin.Context) {
	agent, ok := h.authorizeAgentOwner(c, c.Param("name"))
	if !ok {
		return
	}
	c.JSON(http.StatusOK, agent)
}

// DeleteAgent tears down an agent's container and removes its record.
// DELETE /api/v1/agents/:name
func (h *Handler) DeleteAgent(c *gin.Context) {
	name := c.Param("name")
	if _, ok := h.authorizeAgentOwner(c, name); !ok {
		return
	}
	if err := h.lifecycle.Delete(c.Request.Context(), name); err != nil {
		writeError(c, err)
		return
	}
	h.publish(events.AgentDeleted, map[string]interface{}{"agent_name": name})
	c.Status(http.StatusNoContent)
}

// StartAgent brings up a stopped agent's container. Idempotent.
// POST /api/v1/agents/:name/start
func (h *Handler) StartAgent(c *gin.Context) {
	name := c.Param("name")
	if _, ok := h.authorizeAgentOwner(c, name); !ok {
		return
	}
	if err := h.lifecycle.Start(c.Request.Context(), name); err != nil {
		writeError(c, err)
		return
	}
	h.publish(events.AgentStarted, map[string]interface{}{"agent_name": name})
	c.Status(http.StatusNoContent)
}

// StopAgent halts an agent's container, retaining it for a later start.
// Idempotent.
// POST /api/v1/agents/:name/stop
func (h *Handler) StopAgent(c *gin.Context) {
	name := c.Param("name")
	if _, ok := h.authorizeAgentOwner(c, name); !ok {
		return
	}
	if err := h.lifecycle.Stop(c.Request.Context(), name); err != nil {
		writeError(c, err)
		return
	}
	h.publish(events.AgentStopped, map[string]interface{}{"agent_name": name})
	c.Status(http.StatusNoContent)
}

// SetAgentAutonomy toggles whether an agent's schedules fire unattended,
// cascading the flag onto every schedule the agent owns so DueBefore stops
// surfacing them the moment autonomy is turned off.
// PUT /api/v1/agents/:name/autonomy
func (h *Handler) SetAgentAutonomy(c *gin.Context) {
	name := c.Param("name")
	if _, ok := h.authorizeAgentOwner(c, name); !ok {
		return
	}
	var req SetAutonomyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierr.Validation(err.Error()))
		return
	}

	if err := h.store.Agents.SetAutonomy(c.Request.Context(), name, req.Enabled); err != nil {
		writeError(c, err)
		return
	}
	if err := h.store.Schedules.SetDisabledByAutonomy(c.Request.Context(), name, !req.Enabled); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SetAgentReadOnly toggles an agent's workspace write guard.
// PUT /api/v1/agents/:name/read-only
func (h *Handler) SetAgentReadOnly(c *gin.Context) {
	name := c.Param("name")
	if _, ok := h.authorizeAgentOwner(c, name); !ok {
		return
	}
	var req SetReadOnlyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierr.Validation(err.Error()))
		return
	}

	var cfg *lifecycle.ReadOnlyConfig
	if req.Enabled {
		resolved := lifecycle.DefaultReadOnlyConfig()
		if len(req.BlockedPatterns) > 0 {
			resolved.BlockedPatterns = req.BlockedPatterns
		}
		if len(req.AllowedPatterns) > 0 {
			resolved.AllowedPatterns = req.AllowedPatterns
		}
		cfg = &resolved
	}

	if err := h.lifecycle.SetReadOnly(c.Request.Context(), name, req.Enabled, cfg); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- Permissions ------------------------------------------------------

// GrantPermission authorizes the named agent to dispatch to another.
// POST /api/v1/agents/:name/permissions
func (h *Handler) GrantPermission(c *gin.Context) {
	source := c.Param("name")
	if _, ok := h.authorizeAgentOwner(c, source); !ok {
		return
	}
	var req GrantPermissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierr.Validation(err.Error()))
		return
	}
	if err := h.permissions.Grant(c.Request.Context(), source, req.TargetAgent, callerUsername(c)); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RevokePermission withdraws a dispatch edge.
// DELETE /api/v1/agents/:name/permissions/:target
func (h *Handler) RevokePermission(c *gin.Context) {
	name := c.Param("name")
	if _, ok := h.authorizeAgentOwner(c, name); !ok {
		return
	}
	if err := h.permissions.Revoke(c.Request.Context(), name, c.Param("target")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListReachablePermissions lists every agent the named agent may dispatch to.
// GET /api/v1/agents/:name/permissions/reachable
func (h *Handler) ListReachablePermissions(c *gin.Context) {
	name := c.Param("name")
	if _, ok := h.authorizeAgentOwner(c, name); !ok {
		return
	}
	reachable, err := h.permissions.ListReachable(c.Request.Context(), name)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reachable": reachable})
}

// ListInboundPermissions lists every agent permitted to dispatch to the named agent.
// GET /api/v1/agents/:name/permissions/inbound
func (h *Handler) ListInboundPermissions(c *gin.Context) {
	name := c.Param("name")
	if _, ok := h.authorizeAgentOwner(c, name); !ok {
		return
	}
	inbound, err := h.permissions.ListInbound(c.Request.Context(), name)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"inbound": inbound})
}

// --- Schedules ----------------------------------------------------------

// CreateSchedule registers a new cron-driven dispatch for an agent.
// POST /api/v1/agents/:name/schedules
func (h *Handler) CreateSchedule(c *gin.Context) {
	agentName := c.Param("name")
	if _, ok := h.authorizeAgentOwner(c, agentName); !ok {
		return
	}
	var req CreateScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierr.Validation(err.Error()))
		return
	}

	tz := req.Timezone
	if tz == "" {
		tz = "UTC"
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	sch := &store.Schedule{
		ID:             uuid.NewString(),
		AgentName:      agentName,
		Name:           req.Name,
		CronExpression: req.CronExpression,
		Message:        req.Message,
		Timezone:       tz,
		Enabled:        enabled,
	}
	if next, err := nextCronRun(req.CronExpression, tz); err == nil {
		sch.NextRunAt.Time, sch.NextRunAt.Valid = next, true
	} else {
		writeError(c, apierr.Validation("invalid cron expression: "+err.Error()))
		return
	}

	if err := h.store.Schedules.Create(c.Request.Context(), sch); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sch)
}

// ListSchedules lists every schedule for an agent.
// GET /api/v1/agents/:name/schedules
func (h *Handler) ListSchedules(c *gin.Context) {
	name := c.Param("name")
	if _, ok := h.authorizeAgentOwner(c, name); !ok {
		return
	}
	schedules, err := h.store.Schedules.ListForAgent(c.Request.Context(), name)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedules": schedules})
}

// SetScheduleEnabled pauses or resumes a schedule.
// PUT /api/v1/schedules/:id/enabled
func (h *Handler) SetScheduleEnabled(c *gin.Context) {
	id := c.Param("id")
	if _, ok := h.authorizeScheduleOwner(c, id); !ok {
		return
	}
	var req SetScheduleEnabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierr.Validation(err.Error()))
		return
	}
	if err := h.store.Schedules.SetEnabled(c.Request.Context(), id, req.Enabled); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// DeleteSchedule removes a schedule.
// DELETE /api/v1/schedules/:id
func (h *Handler) DeleteSchedule(c *gin.Context) {
	id := c.Param("id")
	if _, ok := h.authorizeScheduleOwner(c, id); !ok {
		return
	}
	if err := h.store.Schedules.Delete(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- Queue / dispatch ---------------------------------------------------

// QueueStatus reports what's running and waiting for an agent.
// GET /api/v1/agents/:name/queue
func (h *Handler) QueueStatus(c *gin.Context) {
	name := c.Param("name")
	if _, ok := h.authorizeAgentOwner(c, name); !ok {
		return
	}
	status, err := h.queue.Status(c.Request.Context(), name)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// ClearQueue drops every waiting execution for an agent without touching
// whatever is currently running.
// POST /api/v1/agents/:name/queue/clear
func (h *Handler) ClearQueue(c *gin.Context) {
	name := c.Param("name")
	if _, ok := h.authorizeAgentOwner(c, name); !ok {
		return
	}
	n, err := h.queue.ClearQueue(c.Request.Context(), name)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": n})
}

// ForceReleaseQueue clears an agent's running slot without a matching
// Complete call, for operator recovery from a stuck agent.
// POST /api/v1/agents/:name/queue/release
func (h *Handler) ForceReleaseQueue(c *gin.Context) {
	name := c.Param("name")
	if _, ok := h.authorizeAgentOwner(c, name); !ok {
		return
	}
	released, err := h.queue.ForceRelease(c.Request.Context(), name)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": released})
}

// Dispatch submits a message to an agent: if the caller is another agent,
// the Permission Resolver must authorize the edge first. The execution
// runs synchronously against the agent's transport once the queue grants
// it a slot.
// POST /api/v1/agents/:name/dispatch
func (h *Handler) Dispatch(c *gin.Context) {
	target := c.Param("name")
	var req DispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierr.Validation(err.Error()))
		return
	}

	source := callerUsername(c)
	triggeredBy := store.TriggeredByUser
	execSource := queue.SourceUser
	if role, _ := c.Get(ctxKeyRole); role == "agent" {
		if err := h.permissions.Authorize(c.Request.Context(), source, target); err != nil {
			writeError(c, err)
			return
		}
		triggeredBy = store.TriggeredByAgent
		execSource = queue.SourceAgent
	} else if _, ok := h.authorizeAgentOwner(c, target); !ok {
		return
	}

	exec := queue.NewExecution(target, req.Message, execSource)
	exec.SourceAgent = source
	status, exec, err := h.queue.Submit(c.Request.Context(), exec, req.WaitIfBusy)
	if err != nil {
		writeError(c, err)
		return
	}
	if status != queue.StatusRunning {
		c.JSON(http.StatusAccepted, gin.H{"execution_id": exec.ID, "status": status})
		return
	}

	rec := &store.ScheduleExecution{
		ID:          exec.ID,
		AgentName:   target,
		Status:      store.ExecutionStatusRunning,
		Message:     req.Message,
		StartedAt:   time.Now(),
		TriggeredBy: triggeredBy,
	}
	if err := h.store.Executions.Create(c.Request.Context(), rec); err != nil {
		h.logger.Error("create execution record", zap.Error(err))
	}
	h.publish(events.ExecutionStarted, map[string]interface{}{"agent_name": target, "execution_id": exec.ID})

	chatStartID := uuid.NewString()
	startedAt := time.Now()
	if err := h.store.Activities.Record(c.Request.Context(), &store.Activity{
		ID:                 chatStartID,
		AgentName:          target,
		ActivityType:       store.ActivityTypeChatStart,
		ActivityState:      store.ActivityStateCompleted,
		TriggeredBy:        triggeredBy,
		RelatedExecutionID:  sql.NullString{String: exec.ID, Valid: true},
		Details:             `{"message":` + strconv.Quote(req.Message) + `}`,
		CompletedAt:         sql.NullTime{Time: startedAt, Valid: true},
	}); err != nil {
		h.logger.Warn("record chat_start activity", zap.Error(err))
	}

	// The execution has already claimed a queue slot; a caller disconnecting
	// here must not abort a dispatch that's already underway, so the rest of
	// this runs on a context detached from the request.
	runCtx, cancel := appctx.Detached(c.Request.Context(), nil, dispatchTimeout)
	defer cancel()

	response, dispatchErr := h.dispatcher.Dispatch(runCtx, target, req.Message)
	if _, err := h.queue.Complete(runCtx, target); err != nil {
		h.logger.Error("complete execution", zap.String("agent_name", target), zap.Error(err))
	}

	now := time.Now()
	chatEnd := &store.Activity{
		ID:                 uuid.NewString(),
		AgentName:          target,
		ActivityType:       store.ActivityTypeChatEnd,
		TriggeredBy:        triggeredBy,
		ParentActivityID:   sql.NullString{String: chatStartID, Valid: true},
		RelatedExecutionID: sql.NullString{String: exec.ID, Valid: true},
		CompletedAt:        sql.NullTime{Time: now, Valid: true},
	}
	if dispatchErr != nil {
		_ = h.store.Executions.Complete(runCtx, exec.ID, store.ExecutionStatusFailed, "", dispatchErr.Error(), now, 0, 0, 0, 0, "[]", "{}")
		chatEnd.ActivityState = store.ActivityStateFailed
		chatEnd.Error = sql.NullString{String: dispatchErr.Error(), Valid: true}
		if err := h.store.Activities.Record(runCtx, chatEnd); err != nil {
			h.logger.Warn("record chat_end activity", zap.Error(err))
		}
		h.publish(events.ExecutionFailed, map[string]interface{}{"agent_name": target, "execution_id": exec.ID, "error": dispatchErr.Error()})
		writeError(c, dispatchErr)
		return
	}
	_ = h.store.Executions.Complete(runCtx, exec.ID, store.ExecutionStatusSuccess, response, "", now, 0, 0, 0, 0, "[]", "{}")
	chatEnd.ActivityState = store.ActivityStateCompleted
	if err := h.store.Activities.Record(runCtx, chatEnd); err != nil {
		h.logger.Warn("record chat_end activity", zap.Error(err))
	}
	h.publish(events.ExecutionCompleted, map[string]interface{}{"agent_name": target, "execution_id": exec.ID})

	c.JSON(http.StatusOK, gin.H{"execution_id": exec.ID, "status": store.ExecutionStatusSuccess, "response": response})
}

// dispatchTimeout bounds how long a detached dispatch may run once it has
// claimed a queue slot, independent of the originating request's lifetime.
const dispatchTimeout = 5 * time.Minute

// ListRunningExecutions returns every execution currently in progress for
// an agent -- at most one under the single-flight queue, but the set can be
// empty once a termination races the agent's own completion.
// GET /api/v1/agents/:name/executions/running
func (h *Handler) ListRunningExecutions(c *gin.Context) {
	name := c.Param("name")
	if _, ok := h.authorizeAgentOwner(c, name); !ok {
		return
	}
	executions, err := h.store.Executions.ListRunning(c.Request.Context(), name)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": executions})
}

// TerminateExecution signals an in-flight execution to stop: SIGINT to the
// agent's container, escalating to SIGKILL if it's still alive after the
// grace period. An execution that has already finished is reported rather
// than treated as an error, since the caller may simply have lost the race
// against the agent's own completion.
// POST /api/v1/agents/:name/executions/:id/terminate
func (h *Handler) TerminateExecution(c *gin.Context) {
	name := c.Param("name")
	id := c.Param("id")
	if _, ok := h.authorizeAgentOwner(c, name); !ok {
		return
	}

	exec, err := h.store.Executions.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	if exec.AgentName != name {
		writeError(c, apierr.NotFound("execution", id))
		return
	}
	if exec.Status != store.ExecutionStatusRunning && exec.Status != store.ExecutionStatusQueued {
		c.JSON(http.StatusOK, gin.H{"status": "already_finished"})
		return
	}

	if err := h.lifecycle.Terminate(c.Request.Context(), name); err != nil {
		writeError(c, err)
		return
	}

	now := time.Now()
	if err := h.store.Executions.Complete(c.Request.Context(), id, store.ExecutionStatusTerminated, "", "terminated by caller", now, 0, 0, 0, 0, "[]", "{}"); err != nil {
		h.logger.Error("complete terminated execution", zap.Error(err))
	}
	if err := h.store.Activities.Record(c.Request.Context(), &store.Activity{
		ID:                 uuid.NewString(),
		AgentName:          name,
		ActivityType:       store.ActivityTypeExecutionCancelled,
		ActivityState:      store.ActivityStateCompleted,
		TriggeredBy:        callerUsername(c),
		RelatedExecutionID: sql.NullString{String: id, Valid: true},
		CompletedAt:        sql.NullTime{Time: now, Valid: true},
	}); err != nil {
		h.logger.Warn("record execution_cancelled activity", zap.Error(err))
	}
	if _, err := h.queue.ForceRelease(c.Request.Context(), name); err != nil {
		h.logger.Warn("release queue slot after termination", zap.String("agent_name", name), zap.Error(err))
	}
	h.publish(events.ExecutionTerminated, map[string]interface{}{"agent_name": name, "execution_id": id})

	c.JSON(http.StatusOK, gin.H{"status": "terminated"})
}

// --- MCP keys -------------------------------------------------------------

// CreateMCPKey mints a new MCP key owned by the caller.
// POST /api/v1/mcp-keys
func (h *Handler) CreateMCPKey(c *gin.Context) {
	var req CreateMCPKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierr.Validation(err.Error()))
		return
	}

	token, key, err := h.store.MCPKeys.Create(c.Request.Context(), uuid.NewString(), callerUsername(c), req.AgentName, req.Scope)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"token": token, "key": key})
}

// ListMCPKeys lists the caller's MCP keys.
// GET /api/v1/mcp-keys
func (h *Handler) ListMCPKeys(c *gin.Context) {
	keys, err := h.store.MCPKeys.List(c.Request.Context(), callerUsername(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

// RevokeMCPKey revokes an MCP key by ID.
// DELETE /api/v1/mcp-keys/:id
func (h *Handler) RevokeMCPKey(c *gin.Context) {
	if err := h.store.MCPKeys.Revoke(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- Activities -----------------------------------------------------------

// ListActivities returns an agent's recent activity timeline.
// GET /api/v1/agents/:name/activities
func (h *Handler) ListActivities(c *gin.Context) {
	name := c.Param("name")
	if _, ok := h.authorizeAgentOwner(c, name); !ok {
		return
	}
	limit := 50
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	activities, err := h.store.Activities.ListForAgent(c.Request.Context(), name, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"activities": activities})
}

// ListActivityChildren returns the child activities of a parent activity
// (e.g. individual tool calls within one chat turn).
// GET /api/v1/activities/:id/children
func (h *Handler) ListActivityChildren(c *gin.Context) {
	children, err := h.store.Activities.ListChildren(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"activities": children})
}
