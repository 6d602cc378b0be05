package healthserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	// ServiceName is the health service name reported next to the overall "" entry.
	ServiceName = "flashsale.Inventory"

	defaultCheckInterval = 5 * time.Second
	defaultCheckTimeout  = 2 * time.Second
)

// ErrInvalidServerConfig is returned when a dependency is missing.
var ErrInvalidServerConfig = errors.New("invalid health server config")

// Pinger reports whether the backing store answers.
type Pinger func(ctx context.Context) error

// Server exposes grpc.health.v1 reflecting the store's reachability.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	ping       Pinger
	interval   time.Duration
	logger     *zap.Logger
}

// New constructs a health server. interval <= 0 selects the default.
func New(ping Pinger, interval time.Duration, logger *zap.Logger) (*Server, error) {
	if ping == nil {
		return nil, fmt.Errorf("%w: pinger is nil", ErrInvalidServerConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	healthServer := health.NewServer()
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	server := &Server{
		grpcServer: grpcServer,
		health:     healthServer,
		ping:       ping,
		interval:   interval,
		logger:     logger,
	}
	server.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	return server, nil
}

// Check pings the store once and publishes the result.
func (server *Server) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	checkCtx, cancel := context.WithTimeout(ctx, defaultCheckTimeout)
	defer cancel()
	status := healthpb.HealthCheckResponse_SERVING
	if err := server.ping(checkCtx); err != nil {
		server.logger.Warn("store ping failed", zap.Error(err))
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	server.setStatus(status)
	return status
}

// Serve accepts health RPCs on listener until ctx is cancelled.
func (server *Server) Serve(ctx context.Context, listener net.Listener) error {
	server.Check(ctx)
	go server.watch(ctx)

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("gRPC health server starting", zap.String("listen_addr", listener.Addr().String()))
		errCh <- server.grpcServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		server.logger.Info("gRPC health server stopping")
		server.health.Shutdown()
		server.grpcServer.GracefulStop()
		if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			return serveErr
		}
		return nil
	case serveErr := <-errCh:
		if errors.Is(serveErr, grpc.ErrServerStopped) {
			return nil
		}
		return serveErr
	}
}

func (server *Server) watch(ctx context.Context) {
	ticker := time.NewTicker(server.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			server.Check(ctx)
		}
	}
}

func (server *Server) setStatus(status healthpb.HealthCheckResponse_ServingStatus) {
	server.health.SetServingStatus("", status)
	server.health.SetServingStatus(ServiceName, status)
}
