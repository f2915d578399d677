package central

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"kepler-edge-go/internal/config"
	"kepler-edge-go/internal/models"
)

// Client talks to the central coordination service.
type Client struct {
	baseURL   string
	camera    models.Camera
	userAgent string
	delays    []time.Duration
	http      *http.Client
	logger    zerolog.Logger

	registered atomic.Bool

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) bool
}

type registerRequest struct {
	CameraID string              `json:"camera_id"`
	Name     string              `json:"name"`
	Location string              `json:"location"`
	Status   models.CameraStatus `json:"status"`
}

type healthResponse struct {
	Status string `json:"status"`
}

// StatusError is a non-success response from the central service.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.Code, e.Body)
}

func New(cfg *config.Config, logger zerolog.Logger) *Client {
	delays := cfg.RegisterRetryDelays
	if len(delays) == 0 {
		delays = []time.Duration{0, 5 * time.Second, 10 * time.Second, 30 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.CentralURL, "/"),
		camera: models.Camera{
			ID:       cfg.CameraID,
			Name:     cfg.CameraName,
			Location: cfg.CameraLocation,
			Status:   models.CameraStatusOnline,
		},
		userAgent: "KeplerEdge/" + cfg.CameraID,
		delays:    delays,
		http:      &http.Client{Timeout: cfg.NetworkTimeout},
		logger:    logger,
		sleep:     sleepCtx,
	}
}

// Register announces the camera once.
func (c *Client) Register(ctx context.Context) error {
	body := registerRequest{
		CameraID: c.camera.ID,
		Name:     c.camera.Name,
		Location: c.camera.Location,
		Status:   c.camera.Status,
	}
	if err := c.do(ctx, http.MethodPost, "/cameras/register", body, nil); err != nil {
		return err
	}
	c.registered.Store(true)
	return nil
}

// RegisterForever retries Register until it succeeds or ctx is cancelled.
// The delay before attempt n is delays[n-1]; the last delay repeats.
func (c *Client) RegisterForever(ctx context.Context) bool {
	for attempt := 1; ; attempt++ {
		delay := c.delays[len(c.delays)-1]
		if attempt <= len(c.delays) {
			delay = c.delays[attempt-1]
		}
		if delay > 0 {
			c.logger.Info().Dur("delay", delay).Int("attempt", attempt).Msg("Retrying camera registration")
			if !c.sleep(ctx, delay) {
				return false
			}
		}
		if ctx.Err() != nil {
			return false
		}

		err := c.Register(ctx)
		if err == nil {
			c.logger.Info().Int("attempt", attempt).Msg("Camera registered")
			return true
		}
		c.logger.Warn().Err(err).Int("attempt", attempt).Msg("Camera registration failed")
	}
}

func (c *Client) Registered() bool {
	return c.registered.Load()
}

// NotifyArtifact records a delivered artifact. The call is keyed by artifact
// id, so repeating it is safe; 409 means the event is already recorded.
func (c *Client) NotifyArtifact(ctx context.Context, n models.Notification) error {
	path := "/events/" + url.PathEscape(n.ArtifactID)
	err := c.do(ctx, http.MethodPut, path, n, nil)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusConflict {
		c.logger.Debug().Str("artifact_id", n.ArtifactID).Msg("Event already recorded")
		return nil
	}
	return err
}

// Health reports an error unless the service answers {"status":"healthy"}.
func (c *Client) Health(ctx context.Context) error {
	var resp healthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return err
	}
	if resp.Status != "healthy" {
		return fmt.Errorf("central service status %q", resp.Status)
	}
	return nil
}

// ShipLogs posts a batch of log entries.
func (c *Client) ShipLogs(ctx context.Context, entries []models.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return c.do(ctx, http.MethodPost, "/logs", entries, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
