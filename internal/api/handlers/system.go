package handlers

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
)

// SystemHandler handles system-related endpoints
type SystemHandler struct {
	CameraID string
	started  time.Time
}

// NewSystemHandler creates a new system handler
func NewSystemHandler(cameraID string) *SystemHandler {
	return &SystemHandler{
		CameraID: cameraID,
		started:  time.Now(),
	}
}

// @Summary Get system stats
// @Description Get process statistics: memory, goroutines, uptime
// @Tags system
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /system/stats [get]
func (h *SystemHandler) GetStats(c *gin.Context) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"stats": gin.H{
			"camera_id":      h.CameraID,
			"uptime_seconds": int64(time.Since(h.started).Seconds()),
			"memory_mb":      m.Alloc / 1024 / 1024,
			"sys_memory_mb":  m.Sys / 1024 / 1024,
			"num_gc":         m.NumGC,
			"cpu_cores":      runtime.NumCPU(),
			"goroutines":     runtime.NumGoroutine(),
			"go_version":     runtime.Version(),
		},
		"timestamp": time.Now().Unix(),
	})
}
