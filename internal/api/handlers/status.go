package handlers

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"kepler-edge-go/internal/logging"
	"kepler-edge-go/internal/models"
	"kepler-edge-go/internal/services/capture"
	"kepler-edge-go/internal/services/messaging"
	"kepler-edge-go/internal/services/motion"
	"kepler-edge-go/internal/services/processor"
	"kepler-edge-go/internal/services/ringbuffer"
	"kepler-edge-go/internal/services/transfer"
	"kepler-edge-go/internal/storage"
)

type TransferSource interface {
	Status() transfer.Status
	Record(id string) (models.TransferRecord, bool)
}

type QueueSource interface {
	Stats() processor.Stats
}

type FrameSource interface {
	ReadLatest() (*models.Frame, bool)
	Stats() ringbuffer.Stats
}

type DiskSource interface {
	Status() transfer.DiskStatus
}

type AlertSource interface {
	Stats() messaging.BusStats
}

type HistorySource interface {
	Recent(limit int) ([]storage.Delivery, error)
}

type CentralSource interface {
	Health(ctx context.Context) error
	Registered() bool
}

type MotionSource interface {
	Stats() motion.Stats
}

type CaptureSource interface {
	Stats() capture.Stats
}

// Sources are the components the status API reads from. Nil fields are
// reported as absent.
type Sources struct {
	Transfers TransferSource
	Queue     QueueSource
	Frames    FrameSource
	Disk      DiskSource
	Alerts    AlertSource
	History   HistorySource
	Central   CentralSource
	Motion    MotionSource
	Capture   CaptureSource
}

// StatusHandler serves the agent's observable state.
type StatusHandler struct {
	CameraID string
	src      Sources
	started  time.Time

	centralEvery time.Duration
	mu           sync.Mutex
	central      CentralStatus
}

type CentralStatus struct {
	Reachable  bool      `json:"reachable"`
	Registered bool      `json:"registered"`
	Error      string    `json:"error,omitempty"`
	CheckedAt  time.Time `json:"checked_at,omitempty"`
}

// StatusSnapshot is the body of /status and of every /ws/status message.
type StatusSnapshot struct {
	CameraID  string                     `json:"camera_id"`
	Timestamp time.Time                  `json:"timestamp"`
	Uptime    string                     `json:"uptime"`
	Capture   *capture.Stats             `json:"capture,omitempty"`
	Ring      *ringbuffer.Stats          `json:"ring_buffer,omitempty"`
	Motion    *motion.Stats              `json:"motion,omitempty"`
	Queue     *processor.Stats           `json:"event_queue,omitempty"`
	Transfer  *transfer.Status           `json:"transfer,omitempty"`
	Disk      *transfer.DiskStatus       `json:"disk,omitempty"`
	Alerts    map[string]messaging.Alert `json:"alerts"`
	Central   *CentralStatus             `json:"central,omitempty"`
}

func NewStatusHandler(cameraID string, src Sources) *StatusHandler {
	return &StatusHandler{
		CameraID:     cameraID,
		src:          src,
		started:      time.Now(),
		centralEvery: 10 * time.Second,
	}
}

// Snapshot collects the current state of every component.
func (h *StatusHandler) Snapshot(ctx context.Context) StatusSnapshot {
	s := StatusSnapshot{
		CameraID:  h.CameraID,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.started).Round(time.Second).String(),
		Alerts:    map[string]messaging.Alert{},
	}
	if h.src.Capture != nil {
		v := h.src.Capture.Stats()
		s.Capture = &v
	}
	if h.src.Frames != nil {
		v := h.src.Frames.Stats()
		s.Ring = &v
	}
	if h.src.Motion != nil {
		v := h.src.Motion.Stats()
		s.Motion = &v
	}
	if h.src.Queue != nil {
		v := h.src.Queue.Stats()
		s.Queue = &v
	}
	if h.src.Transfers != nil {
		v := h.src.Transfers.Status()
		s.Transfer = &v
	}
	if h.src.Disk != nil {
		v := h.src.Disk.Status()
		s.Disk = &v
	}
	if h.src.Alerts != nil {
		s.Alerts = h.src.Alerts.Stats().Active
	}
	if h.src.Central != nil {
		v := h.centralStatus(ctx)
		s.Central = &v
	}
	return s
}

// centralStatus probes the central service at most once per centralEvery.
func (h *StatusHandler) centralStatus(ctx context.Context) CentralStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.central.CheckedAt.IsZero() && time.Since(h.central.CheckedAt) < h.centralEvery {
		h.central.Registered = h.src.Central.Registered()
		return h.central
	}

	cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	err := h.src.Central.Health(cctx)
	h.central = CentralStatus{
		Reachable:  err == nil,
		Registered: h.src.Central.Registered(),
		CheckedAt:  time.Now().UTC(),
	}
	if err != nil {
		h.central.Error = err.Error()
	}
	return h.central
}

// @Summary Agent status
// @Description Snapshot of capture, ring buffer, motion, event queue, transfers, disk, alerts and central service
// @Tags status
// @Produce json
// @Success 200 {object} StatusSnapshot
// @Router /status [get]
func (h *StatusHandler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.Snapshot(c.Request.Context()))
}

// @Summary Transfer status
// @Description Transfer statistics, in-flight artifacts and recent deliveries
// @Tags transfers
// @Produce json
// @Success 200 {object} transfer.Status
// @Failure 503 {object} map[string]string
// @Router /transfers [get]
func (h *StatusHandler) ListTransfers(c *gin.Context) {
	if h.src.Transfers == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "transfer manager not running"})
		return
	}
	c.JSON(http.StatusOK, h.src.Transfers.Status())
}

// @Summary Transfer record
// @Description Transfer record of one artifact, in flight or recently delivered
// @Tags transfers
// @Produce json
// @Param id path string true "Artifact ID"
// @Success 200 {object} models.TransferRecord
// @Failure 404 {object} map[string]string
// @Router /transfers/{id} [get]
func (h *StatusHandler) GetTransfer(c *gin.Context) {
	id := c.Param("id")
	if h.src.Transfers == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "transfer manager not running"})
		return
	}
	rec, ok := h.src.Transfers.Record(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "artifact not found", "artifact_id": id})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// @Summary Event queue
// @Description Event processor queue depth, backpressure counter and staging results
// @Tags events
// @Produce json
// @Success 200 {object} processor.Stats
// @Router /events/queue [get]
func (h *StatusHandler) GetEventQueue(c *gin.Context) {
	if h.src.Queue == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event processor not running"})
		return
	}
	c.JSON(http.StatusOK, h.src.Queue.Stats())
}

// @Summary Latest frame
// @Description Most recent JPEG frame from the ring buffer
// @Tags frames
// @Produce image/jpeg
// @Success 200 {file} binary
// @Failure 404 {object} map[string]string
// @Router /frames/latest [get]
func (h *StatusHandler) GetLatestFrame(c *gin.Context) {
	if h.src.Frames == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no frames captured"})
		return
	}
	f, ok := h.src.Frames.ReadLatest()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no frames captured"})
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Header("X-Frame-Seq", strconv.FormatUint(f.Seq, 10))
	c.Header("X-Frame-Timestamp", f.Timestamp.UTC().Format(time.RFC3339Nano))
	c.Data(http.StatusOK, "image/jpeg", f.Payload)
}

// @Summary Delivery history
// @Description Completed deliveries recorded in the local ledger, newest first
// @Tags transfers
// @Produce json
// @Param limit query int false "Maximum rows" default(50)
// @Success 200 {array} storage.Delivery
// @Failure 500 {object} map[string]string
// @Router /history [get]
func (h *StatusHandler) GetHistory(c *gin.Context) {
	if h.src.History == nil {
		c.JSON(http.StatusOK, []storage.Delivery{})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 1000 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
		return
	}
	rows, err := h.src.History.Recent(limit)
	if err != nil {
		logging.Error(c).Err(err).Msg("Failed to read delivery history")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read history"})
		return
	}
	if rows == nil {
		rows = []storage.Delivery{}
	}
	c.JSON(http.StatusOK, rows)
}
