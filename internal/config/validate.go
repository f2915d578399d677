package config

import (
	"fmt"

	"kepler-edge-go/internal/models"
)

// Validate rejects settings the agent cannot run with. Every error it returns
// is a *models.ConfigurationError.
func (c *Config) Validate() error {
	if c.CameraID == "" {
		return &models.ConfigurationError{Field: "CAMERA_ID", Reason: "must not be empty"}
	}
	if c.StagingDir == "" {
		return &models.ConfigurationError{Field: "STAGING_DIR", Reason: "must not be empty"}
	}
	if c.RemoteRoot == "" {
		return &models.ConfigurationError{Field: "REMOTE_ROOT", Reason: "must not be empty"}
	}
	if c.CentralURL == "" {
		return &models.ConfigurationError{Field: "CENTRAL_URL", Reason: "must not be empty"}
	}
	if c.TransferPollInterval <= 0 {
		return &models.ConfigurationError{Field: "TRANSFER_POLL_INTERVAL", Reason: "must be positive"}
	}
	if c.NetworkTimeout <= 0 {
		return &models.ConfigurationError{Field: "NETWORK_TIMEOUT", Reason: "must be positive"}
	}
	if c.TransferBackoffMin <= 0 || c.TransferBackoffMax < c.TransferBackoffMin {
		return &models.ConfigurationError{Field: "TRANSFER_BACKOFF_MIN/MAX", Reason: "need 0 < min <= max"}
	}
	if c.CaptureFPS <= 0 {
		return &models.ConfigurationError{Field: "CAPTURE_FPS", Reason: "must be positive"}
	}
	if c.PreRoll < 0 || c.PostRoll < 0 || c.MaxEpisode <= 0 {
		return &models.ConfigurationError{Field: "PRE_ROLL/POST_ROLL/MAX_EPISODE", Reason: "must not be negative"}
	}
	if c.StagingWriteRetries < 1 {
		return &models.ConfigurationError{Field: "STAGING_WRITE_RETRIES", Reason: "must be at least 1"}
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return &models.ConfigurationError{Field: "JPEG_QUALITY", Reason: "must be within 1-100"}
	}
	if c.DiskAlertPercent <= 0 || c.DiskAlertPercent > 100 {
		return &models.ConfigurationError{Field: "DISK_ALERT_PERCENT", Reason: "must be within (0, 100]"}
	}
	if need := c.RequiredCapacity(); c.RingCapacity > 0 && c.RingCapacity < need {
		return &models.ConfigurationError{
			Field:  "RING_CAPACITY",
			Reason: fmt.Sprintf("%d frames cannot hold pre-roll %s + episode %s + post-roll %s at %d fps (need %d)", c.RingCapacity, c.PreRoll, c.MaxEpisode, c.PostRoll, c.CaptureFPS, need),
		}
	}
	return nil
}
