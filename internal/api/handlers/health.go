package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type HealthHandler struct {
	CameraID string
	Version  string
	started  time.Time
}

func NewHealthHandler(cameraID, version string) *HealthHandler {
	return &HealthHandler{CameraID: cameraID, Version: version, started: time.Now()}
}

type HealthResponse struct {
	Status   string `json:"status" example:"healthy"`
	CameraID string `json:"camera_id" example:"camera_1"`
}

type AgentInfoResponse struct {
	CameraID     string   `json:"camera_id" example:"camera_1"`
	Status       string   `json:"status" example:"running"`
	Version      string   `json:"version" example:"1.0.0"`
	Uptime       string   `json:"uptime" example:"3h12m5s"`
	Capabilities []string `json:"capabilities"`
}

// @Summary Health check
// @Description Check if the agent is healthy and responsive
// @Tags health
// @Produce json
// @Success 200 {object} HealthResponse
// @Router /health [get]
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:   "healthy",
		CameraID: h.CameraID,
	})
}

// @Summary Agent information
// @Description Get basic agent information and capabilities
// @Tags health
// @Produce json
// @Success 200 {object} AgentInfoResponse
// @Router / [get]
func (h *HealthHandler) AgentInfo(c *gin.Context) {
	c.JSON(http.StatusOK, AgentInfoResponse{
		CameraID: h.CameraID,
		Status:   "running",
		Version:  h.Version,
		Uptime:   time.Since(h.started).Round(time.Second).String(),
		Capabilities: []string{
			"motion_detection",
			"event_staging",
			"artifact_transfer",
		},
	})
}
