// ABOUTME: Optional gRPC listener exposing the standard health checking service
// ABOUTME: Reports SERVING while the lifecycle sweeper runs, NOT_SERVING during shutdown

package gateway

import (
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// HealthServiceName is the service name registered with the health server
// in addition to the empty overall name.
const HealthServiceName = "clinic.gateway"

// newGRPCServer creates a gRPC server with the health service registered.
// Both names start NOT_SERVING until Run starts the sweeper.
func newGRPCServer(logger *slog.Logger) (*grpc.Server, *health.Server) {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(HealthServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(server, hs)

	logger.Info("gRPC health service enabled", "service", HealthServiceName)
	return server, hs
}
