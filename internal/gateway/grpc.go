// ABOUTME: gRPC server exposing grpc.health.v1 with the device liveness as a named service
// ABOUTME: Keepalive settings and a request-logging interceptor chain

package gateway

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/2389/stillsafe-gateway/internal/monitor"
)

// newGRPCServer creates the gRPC server. The device service reports
// NOT_SERVING until the monitor's first tick says otherwise.
func newGRPCServer(healthServer *health.Server, logger *slog.Logger) *grpc.Server {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(loggingUnaryInterceptor(logger.With("component", "grpc"))),
	)

	healthServer.SetServingStatus(monitor.HealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(server, healthServer)
	return server
}

// loggingUnaryInterceptor logs each unary call with its status code.
func loggingUnaryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug("grpc call",
			"method", info.FullMethod,
			"code", status.Code(err).String(),
			"duration", time.Since(start),
		)
		return resp, err
	}
}
