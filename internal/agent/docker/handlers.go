// Package docker provides Docker management HTTP handlers.
package docker

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/trinitylabs/controlplane/internal/common/logger"
	"go.uber.org/zap"
)

// containerResponse is the JSON representation of a container in list responses.
type containerResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Image     string    `json:"image"`
	State     string    `json:"state"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
}

// stopContainerRequest is the optional JSON body for POST /admin/docker/containers/:id/stop.
type stopContainerRequest struct {
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// RegisterDockerRoutes registers the Docker debug/admin routes on the given
// router. These sit alongside the control API as an operator escape hatch
// for inspecting and reaping agent containers directly; agent creation and
// teardown during normal operation goes through the lifecycle manager.
func RegisterDockerRoutes(router *gin.Engine, dockerClient *Client, log *logger.Logger) {
	if dockerClient == nil {
		log.Warn("Docker client is nil, skipping Docker route registration")
		return
	}

	api := router.Group("/admin/docker")
	api.GET("/containers", handleListContainers(dockerClient, log))
	api.POST("/containers/:id/stop", handleStopContainer(dockerClient, log))
	api.DELETE("/containers/:id", handleRemoveContainer(dockerClient, log))
}

// handleListContainers handles GET /admin/docker/containers.
// Supports optional query params: image, labels (comma-separated key=value pairs).
func handleListContainers(dockerClient *Client, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		labels := parseLabelsQuery(c)
		addImageFilter(c, labels)

		containers, err := dockerClient.ListContainers(c.Request.Context(), labels)
		if err != nil {
			log.Error("Failed to list containers", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		resp := make([]containerResponse, len(containers))
		for i, ctr := range containers {
			resp[i] = containerResponse{
				ID:        ctr.ID,
				Name:      ctr.Name,
				Image:     ctr.Image,
				State:     ctr.State,
				Status:    ctr.Status,
				StartedAt: ctr.StartedAt,
			}
		}

		c.JSON(http.StatusOK, gin.H{"containers": resp})
	}
}

// parseLabelsQuery extracts label filters from the "labels" query parameter.
// Expected format: "key1=value1,key2=value2".
func parseLabelsQuery(c *gin.Context) map[string]string {
	labels := make(map[string]string)
	labelsParam := c.Query("labels")
	if labelsParam == "" {
		return labels
	}

	for _, pair := range splitNonEmpty(labelsParam, ',') {
		parts := splitNonEmpty(pair, '=')
		if len(parts) == 2 { //nolint:mnd
			labels[parts[0]] = parts[1]
		}
	}

	return labels
}

// splitNonEmpty splits a string by sep and returns only non-empty parts.
func splitNonEmpty(s string, sep byte) []string {
	var parts []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == sep {
			part := s[start:i]
			if part != "" {
				parts = append(parts, part)
			}
			start = i + 1
		}
	}
	return parts
}

// addImageFilter adds the "image" query parameter as a filter on the
// com.trinitylabs.image label. The lifecycle manager labels its containers
// with trinity.agent and trinity.template only, so this filter matches only
// containers that carry that label from elsewhere.
func addImageFilter(c *gin.Context, labels map[string]string) {
	imageFilter := c.Query("image")
	if imageFilter != "" {
		labels["com.trinitylabs.image"] = imageFilter
	}
}

// handleStopContainer handles POST /admin/docker/containers/:id/stop.
func handleStopContainer(dockerClient *Client, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		containerID := c.Param("id")
		if containerID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "container id is required"})
			return
		}

		var req stopContainerRequest
		_ = c.ShouldBindJSON(&req)

		timeout := 30 * time.Second
		if req.TimeoutSeconds > 0 {
			timeout = time.Duration(req.TimeoutSeconds) * time.Second
		}

		if err := dockerClient.StopContainer(c.Request.Context(), containerID, timeout); err != nil {
			log.Error("Failed to stop container", zap.String("id", containerID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"status": "stopped"})
	}
}

// handleRemoveContainer handles DELETE /admin/docker/containers/:id.
func handleRemoveContainer(dockerClient *Client, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		containerID := c.Param("id")
		if containerID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "container id is required"})
			return
		}

		if err := dockerClient.RemoveContainer(c.Request.Context(), containerID, true); err != nil {
			log.Error("Failed to remove container", zap.String("id", containerID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"status": "removed"})
	}
}
