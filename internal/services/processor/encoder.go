package processor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"kepler-edge-go/internal/models"
)

// FFmpegEncoder pipes JPEG frames into ffmpeg and writes an H.264 mp4.
type FFmpegEncoder struct {
	Binary string
	Preset string
	CRF    int

	logger zerolog.Logger
}

func NewFFmpegEncoder(binary string, logger zerolog.Logger) *FFmpegEncoder {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &FFmpegEncoder{Binary: binary, Preset: "veryfast", CRF: 23, logger: logger}
}

func (e *FFmpegEncoder) args(fps int, dst string) []string {
	return []string{
		"-y",
		"-f", "image2pipe",
		"-c:v", "mjpeg",
		"-framerate", strconv.Itoa(fps),
		"-i", "-", // Read from stdin
		"-c:v", "libx264",
		"-preset", e.Preset,
		"-crf", strconv.Itoa(e.CRF),
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		"-f", "mp4",
		"-loglevel", "warning",
		dst,
	}
}

// Encode blocks until ffmpeg has written dst. On cancellation ffmpeg gets an
// interrupt first and is killed if it has not exited after five seconds.
func (e *FFmpegEncoder) Encode(ctx context.Context, frames []*models.Frame, fps int, dst string) error {
	if len(frames) == 0 {
		return fmt.Errorf("no frames to encode")
	}

	cmd := exec.CommandContext(ctx, e.Binary, e.args(fps, dst)...)
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = 5 * time.Second

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start FFmpeg: %w", err)
	}

	start := time.Now()
	var writeErr error
	for _, f := range frames {
		if _, writeErr = stdin.Write(f.Payload); writeErr != nil {
			break
		}
	}
	stdin.Close()

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	if writeErr != nil {
		return fmt.Errorf("failed to write frame data to FFmpeg: %w", writeErr)
	}

	e.logger.Debug().
		Str("path", dst).
		Int("frames", len(frames)).
		Dur("took", time.Since(start)).
		Msg("Clip encoded")
	return nil
}
