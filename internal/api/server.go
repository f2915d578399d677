package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"kepler-edge-go/internal/api/handlers"
	"kepler-edge-go/internal/config"
)

type Server struct {
	config *config.Config
	router *gin.Engine
	server *http.Server
	health *HealthServer

	healthHandler *handlers.HealthHandler
	statusHandler *handlers.StatusHandler
	systemHandler *handlers.SystemHandler
}

func NewServer(cfg *config.Config, src handlers.Sources) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		config:        cfg,
		router:        gin.New(),
		healthHandler: handlers.NewHealthHandler(cfg.CameraID, cfg.Version),
		statusHandler: handlers.NewStatusHandler(cfg.CameraID, src),
		systemHandler: handlers.NewSystemHandler(cfg.CameraID),
	}
	if cfg.GRPCHealthPort > 0 {
		s.health = NewHealthServer(cfg.GRPCHealthPort)
	}

	s.setupMiddleware()
	s.setupRoutes()
	s.setupSwagger()

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves HTTP (and gRPC health when configured) until Shutdown.
func (s *Server) Start() error {
	if s.health != nil {
		go func() {
			if err := s.health.Serve(); err != nil {
				log.Error().Err(err).Int("port", s.config.GRPCHealthPort).Msg("gRPC health server stopped")
			}
		}()
	}

	log.Info().Int("port", s.config.Port).Msg("Starting status API")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Stopping status API")
	if s.health != nil {
		s.health.Stop()
	}
	return s.server.Shutdown(ctx)
}

// SetServing flips the gRPC health status; used by the disk monitor.
func (s *Server) SetServing(serving bool) {
	if s.health != nil {
		s.health.SetServing(serving)
	}
}

func (s *Server) Handler() http.Handler {
	return s.router
}
