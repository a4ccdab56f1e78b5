// ABOUTME: Tests for the pool health endpoints
// ABOUTME: Uses bufconn for gRPC and httptest for the HTTP handlers

package health

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/2389/coven-cluster/internal/cluster"
	"github.com/2389/coven-cluster/internal/substrate/substratetest"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// staticPool is a Pool with fixed answers.
type staticPool struct {
	mu      sync.Mutex
	active  bool
	workers int
}

func (p *staticPool) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *staticPool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers
}

func (p *staticPool) set(active bool, workers int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active, p.workers = active, workers
}

// serveBufconn starts s on an in-memory listener and returns a client connection.
func serveBufconn(t *testing.T, s *Server) *grpc.ClientConn {
	t.Helper()

	lis := bufconn.Listen(1024 * 1024)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- s.Serve(ctx, lis, nil) }()

	conn, err := grpc.NewClient(
		"passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
		cancel()
		select {
		case err := <-served:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return after cancel")
		}
	})
	return conn
}

func check(t *testing.T, conn *grpc.ClientConn, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := Check(ctx, conn, service)
	require.NoError(t, err)
	return st
}

func TestServer_GRPCStatusFollowsPool(t *testing.T) {
	pool := &staticPool{active: true}
	s := New(pool, discardLogger())
	conn := serveBufconn(t, s)

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, conn, ServiceName))

	pool.set(true, 2)
	s.Update()
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, conn, ServiceName))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, conn, ""))

	pool.set(false, 2)
	s.Update()
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, conn, ServiceName))
}

func TestServer_UnknownService(t *testing.T) {
	s := New(&staticPool{}, discardLogger())
	conn := serveBufconn(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := Check(ctx, conn, "no.such.Service")
	require.Error(t, err)
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestServer_AttachToPrimary(t *testing.T) {
	sub := substratetest.New()
	p := cluster.NewPrimary(cluster.PrimaryOptions{Substrate: sub, Logger: discardLogger()})

	s := New(p, discardLogger())
	detach := s.Attach(p)
	defer detach()
	conn := serveBufconn(t, s)

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, conn, ServiceName))

	require.NoError(t, p.Fork(1))
	require.Eventually(t, func() bool {
		st, err := Check(context.Background(), conn, ServiceName)
		return err == nil && st == healthpb.HealthCheckResponse_SERVING
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	select {
	case <-p.ShutDown():
	case <-ctx.Done():
		t.Fatal("timeout waiting for shutdown")
	}
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, conn, ServiceName))
	require.NoError(t, p.Close(ctx))
}

func TestHandler(t *testing.T) {
	pool := &staticPool{}
	s := New(pool, discardLogger())
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	get := func(path string) (int, string) {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	code, body := get("/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "OK", body)

	code, body = get("/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "shutting down", body)

	pool.set(true, 0)
	code, body = get("/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "no workers ready", body)

	pool.set(true, 3)
	code, body = get("/health/ready")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready (3 workers)", body)
}

func TestServe_HTTPListener(t *testing.T) {
	pool := &staticPool{active: true, workers: 1}
	s := New(pool, discardLogger())

	httpLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- s.Serve(ctx, nil, httpLn) }()

	url := "http://" + httpLn.Addr().String() + "/health/ready"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
