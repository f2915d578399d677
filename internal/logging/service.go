package logging

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"kepler-edge-go/internal/config"
)

func NewServiceLogger(cfg *config.Config, service string) zerolog.Logger {
	return log.With().Str("camera_id", cfg.CameraID).Str("service", service).Logger()
}

func WithArtifact(base zerolog.Logger, artifactID string) zerolog.Logger {
	return base.With().Str("artifact_id", artifactID).Logger()
}

func WithEvent(base zerolog.Logger, eventID string) zerolog.Logger {
	return base.With().Str("event_id", eventID).Logger()
}
