package api

import (
	"fmt"
	"net"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported for the agent.
const ServiceName = "kepler.edge.Agent"

// HealthServer exposes grpc.health.v1 so supervisors can probe the agent.
// It reports NOT_SERVING while the staging disk alert is raised.
type HealthServer struct {
	port   int
	server *grpc.Server
	health *health.Server
}

func NewHealthServer(port int) *HealthServer {
	hs := health.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return &HealthServer{port: port, server: srv, health: hs}
}

func (h *HealthServer) Serve() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", h.port))
	if err != nil {
		return fmt.Errorf("listen on %d: %w", h.port, err)
	}
	log.Info().Int("port", h.port).Msg("gRPC health server listening")
	return h.server.Serve(lis)
}

func (h *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_SERVING
	if !serving {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(ServiceName, status)
}

func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.server.GracefulStop()
}
