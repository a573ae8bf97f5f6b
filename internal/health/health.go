// Package health exposes the relay's store health over the standard gRPC
// health protocol and provides a probe client for it.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported for the relay.
const ServiceName = "connexi.relay"

// ErrNotServing is returned by Probe when the service reports anything but
// SERVING.
var ErrNotServing = errors.New("service not serving")

// Pinger checks a dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures a Server.
type Options struct {
	Interval time.Duration
	Timeout  time.Duration
	Clock    clockwork.Clock
	Logger   *slog.Logger
}

// Server is a gRPC server whose health status follows the store.
type Server struct {
	db     Pinger
	grpc   *grpc.Server
	health *health.Server
	opts   Options

	mu      sync.Mutex
	serving bool
}

// NewServer creates a health server checking db every Interval.
func NewServer(db Pinger, opts Options) *Server {
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	hs := health.NewServer()
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	s := &Server{db: db, grpc: gs, health: hs, opts: opts}
	s.setServing(false)
	return s
}

// Check pings the store once and updates the reported status.
func (s *Server) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	err := s.db.Ping(ctx)
	if err != nil {
		s.opts.Logger.Warn("Health check failed", "error", err)
	}
	s.setServing(err == nil)
	return err == nil
}

// Monitor checks the store immediately and then every Interval until ctx is
// cancelled.
func (s *Server) Monitor(ctx context.Context) error {
	s.Check(ctx)

	ticker := s.opts.Clock.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			s.Check(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// Serve accepts gRPC connections on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.opts.Logger.Info("gRPC health server listening", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve grpc health: %w", err)
	}
	return nil
}

// Stop marks the service as shutting down and stops the server gracefully.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

func (s *Server) setServing(ok bool) {
	s.mu.Lock()
	changed := s.serving != ok
	s.serving = ok
	s.mu.Unlock()

	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
	if changed {
		s.opts.Logger.Info("Health status changed", "status", status.String())
	}
}

// Probe queries the health service at addr.
func Probe(ctx context.Context, addr, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("create health client for %s: %w", addr, err)
	}
	defer func() { _ = conn.Close() }()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("health check %s: %w", addr, err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return resp.GetStatus(), fmt.Errorf("%w: %s", ErrNotServing, resp.GetStatus())
	}
	return resp.GetStatus(), nil
}
