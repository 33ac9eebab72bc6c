package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCHealth serves the standard gRPC health protocol, mirroring the HTTP
// health checks.
type GRPCHealth struct {
	server   *grpc.Server
	health   *health.Server
	checker  *HealthHandler
	interval time.Duration
}

// NewGRPCHealth creates a gRPC health server refreshed every interval.
func NewGRPCHealth(checker *HealthHandler, interval time.Duration) *GRPCHealth {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	g := &GRPCHealth{
		server:   grpc.NewServer(),
		health:   health.NewServer(),
		checker:  checker,
		interval: interval,
	}
	healthpb.RegisterHealthServer(g.server, g.health)
	return g
}

// Refresh runs the checks once and publishes the result.
func (g *GRPCHealth) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if _, ok := g.checker.Check(ctx); !ok {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	g.health.SetServingStatus("", status)
	return status
}

// Serve refreshes health on a ticker and serves lis until ctx is done.
func (g *GRPCHealth) Serve(ctx context.Context, lis net.Listener) error {
	g.Refresh(ctx)

	go func() {
		ticker := time.NewTicker(g.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				g.health.Shutdown()
				g.server.GracefulStop()
				return
			case <-ticker.C:
				g.Refresh(ctx)
			}
		}
	}()

	slog.Info("gRPC health server started", "addr", lis.Addr().String())
	if err := g.server.Serve(lis); err != nil {
		return fmt.Errorf("grpc health server: %w", err)
	}
	return nil
}
