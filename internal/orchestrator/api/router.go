package api

import (
	"github.com/gin-gonic/gin"

	"github.com/trinitylabs/controlplane/internal/orchestrator/streaming"
)

// SetupRoutes mounts every Control API route onto router, which callers
// pass as an "/api/v1" group already carrying CORS/Recovery/auth
// middleware.
func SetupRoutes(router *gin.RouterGroup, h *Handler, ws *streaming.WSHandler) {
	router.POST("/token", h.IssueToken)

	agents := router.Group("/agents")
	{
		agents.POST("", h.CreateAgent)
		agents.GET("", h.ListAgents)
		agents.GET("/:name", h.GetAgent)
		agents.DELETE("/:name", h.DeleteAgent)
		agents.PUT("/:name/autonomy", h.SetAgentAutonomy)
		agents.PUT("/:name/read-only", h.SetAgentReadOnly)
		agents.POST("/:name/start", h.StartAgent)
		agents.POST("/:name/stop", h.StopAgent)

		agents.POST("/:name/permissions", h.GrantPermission)
		agents.DELETE("/:name/permissions/:target", h.RevokePermission)
		agents.GET("/:name/permissions/reachable", h.ListReachablePermissions)
		agents.GET("/:name/permissions/inbound", h.ListInboundPermissions)

		agents.POST("/:name/schedules", h.CreateSchedule)
		agents.GET("/:name/schedules", h.ListSchedules)

		agents.GET("/:name/queue", h.QueueStatus)
		agents.POST("/:name/queue/clear", h.ClearQueue)
		agents.POST("/:name/queue/release", h.ForceReleaseQueue)
		agents.POST("/:name/dispatch", h.Dispatch)

		agents.GET("/:name/executions/running", h.ListRunningExecutions)
		agents.POST("/:name/executions/:id/terminate", h.TerminateExecution)

		agents.GET("/:name/activities", h.ListActivities)

		agents.GET("/:name/stream", ws.StreamAgent)
	}

	schedules := router.Group("/schedules")
	{
		schedules.PUT("/:id/enabled", h.SetScheduleEnabled)
		schedules.DELETE("/:id", h.DeleteSchedule)
	}

	mcpKeys := router.Group("/mcp-keys")
	{
		mcpKeys.POST("", h.CreateMCPKey)
		mcpKeys.GET("", h.ListMCPKeys)
		mcpKeys.DELETE("/:id", h.RevokeMCPKey)
	}

	activities := router.Group("/activities")
	{
		activities.GET("/:id/children", h.ListActivityChildren)
		activities.GET("/stream", ws.StreamAll)
	}
}
