// ABOUTME: Health endpoints for a worker pool: grpc.health.v1 plus HTTP /health and /health/ready
// ABOUTME: The pool is SERVING while the primary is active and has at least one registered worker

// Package health reports worker pool readiness to load balancers and supervisors.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/2389/coven-cluster/internal/cluster"
)

// ServiceName is the grpc.health.v1 service reporting pool readiness.
const ServiceName = "coven.cluster.Pool"

// shutdownTimeout bounds graceful shutdown once Serve's context is cancelled.
const shutdownTimeout = 5 * time.Second

// Pool is the view of a primary the health endpoints need.
type Pool interface {
	Active() bool
	WorkerCount() int
}

// Server exposes pool health over gRPC and HTTP.
type Server struct {
	pool   Pool
	logger *slog.Logger

	health     *grpchealth.Server
	grpcServer *grpc.Server
	httpServer *http.Server
}

// New creates a Server for pool. Status starts NOT_SERVING until Update or Attach runs.
func New(pool Pool, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		pool:   pool,
		logger: logger.With("component", "health"),
		health: grpchealth.NewServer(),
	}

	s.grpcServer = grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Attach keeps the status current as workers join and leave. It returns a
// function that removes the observers.
func (s *Server) Attach(o cluster.Observable) (detach func()) {
	var removes []func()
	for _, name := range []string{
		cluster.EventAddWorker,
		cluster.EventRemoveWorker,
		cluster.EventShutDown,
		cluster.EventShutDownComplete,
	} {
		removes = append(removes, o.After(name, func(*cluster.Event) { s.Update() }))
	}
	s.Update()

	return func() {
		for _, remove := range removes {
			remove()
		}
	}
}

// Serving reports whether the pool can take work.
func (s *Server) Serving() bool {
	return s.pool.Active() && s.pool.WorkerCount() > 0
}

// Update recomputes the serving status from the pool.
func (s *Server) Update() {
	if s.Serving() {
		s.setStatus(healthpb.HealthCheckResponse_SERVING)
		return
	}
	s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
}

func (s *Server) setStatus(status healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// GRPCServer returns the gRPC server so callers can register more services.
func (s *Server) GRPCServer() *grpc.Server {
	return s.grpcServer
}

// Handler returns the HTTP handler serving /health and /health/ready.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/ready", s.handleReady)
	return mux
}

// handleHealth returns 200 OK if the process is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the pool has at least one registered worker.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.pool.Active() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("shutting down"))
		return
	}
	count := s.pool.WorkerCount()
	if count == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no workers ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d workers)", count)
}

// Serve runs the gRPC and HTTP servers on the given listeners until ctx is
// cancelled or a server fails. Either listener may be nil to disable it.
// Returns nil on graceful shutdown.
func (s *Server) Serve(ctx context.Context, grpcLn, httpLn net.Listener) error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			s.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := s.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	if httpLn != nil {
		go func() {
			s.logger.Info("HTTP health server listening", "addr", httpLn.Addr().String())
			if err := s.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("HTTP server: %w", err)
			}
		}()
	}

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Debug("context canceled, stopping health servers")
	case serverErr = <-errCh:
		s.logger.Error("health server error", "error", serverErr)
	}

	// The original context is already cancelled here.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	shutdownErr := s.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// Shutdown marks every service NOT_SERVING and stops both servers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.health.Shutdown()

	err := s.httpServer.Shutdown(ctx)

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpcServer.Stop()
	}

	if err != nil {
		return fmt.Errorf("HTTP shutdown: %w", err)
	}
	return nil
}

// Check asks a health service for the status of service.
func Check(ctx context.Context, cc grpc.ClientConnInterface, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := healthpb.NewHealthClient(cc).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("checking %q: %w", service, err)
	}
	return resp.GetStatus(), nil
}
