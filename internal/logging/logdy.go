package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/logdyhq/logdy-core/logdy"
	"github.com/rs/zerolog/log"

	"kepler-edge-go/internal/config"
)

// logdyMessages bounds the lines the UI keeps in memory on the device.
const logdyMessages = 20000

// logdySink is the part of logdy.Logdy the writer uses.
type logdySink interface {
	Log(fields logdy.Fields) error
	LogString(message string) error
}

// logdyWriter forwards zerolog JSON lines to the Logdy UI as structured
// fields, so the UI can filter by service, artifact or camera. Lines from a
// logger built without the camera id get it added.
type logdyWriter struct {
	sink     logdySink
	cameraID string
}

func newLogdyWriter(sink logdySink, cameraID string) *logdyWriter {
	return &logdyWriter{sink: sink, cameraID: cameraID}
}

func (w *logdyWriter) Write(p []byte) (int, error) {
	var fields logdy.Fields
	if err := json.Unmarshal(p, &fields); err != nil || fields == nil {
		w.sink.LogString(string(p))
		return len(p), nil
	}
	if _, ok := fields["camera_id"]; !ok && w.cameraID != "" {
		fields["camera_id"] = w.cameraID
	}
	w.sink.Log(fields)
	return len(p), nil
}

// StartLogdy starts the embedded Logdy web UI and returns a writer to tee logs into, plus the UI URL.
func StartLogdy(cfg *config.Config) (io.Writer, string) {
	portStr := strconv.Itoa(cfg.LogdyPort)
	ld := logdy.InitializeLogdy(logdy.Config{
		ServerIp:        cfg.LogdyHost,
		ServerPort:      portStr,
		MaxMessageCount: logdyMessages,
		LogLevel:        logdy.LOG_LEVEL_SILENT,
	}, nil)

	url := fmt.Sprintf("http://%s:%s", cfg.LogdyHost, portStr)
	log.Info().Str("url", url).Str("camera_id", cfg.CameraID).Msg("Logdy UI available")
	return newLogdyWriter(ld, cfg.CameraID), url
}
