package grpc

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/WuJingLearn/rocketmq/internal/commitlog"
	"github.com/WuJingLearn/rocketmq/internal/delay"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type testServer struct {
	service *delay.Service
	server  *Server
	conn    *grpc.ClientConn
	served  chan error
}

// setupTestServer serves over an in-memory bufconn listener.
func setupTestServer(t *testing.T) *testServer {
	t.Helper()

	store := commitlog.NewMemory()
	cfg := delay.DefaultConfig(t.TempDir())
	cfg.SegmentScale = time.Minute
	svc, err := delay.NewService(cfg, store, store)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	serverConfig := DefaultServerConfig()
	serverConfig.HealthInterval = 10 * time.Millisecond
	server := NewServer(svc, serverConfig)

	lis := bufconn.Listen(1 << 20)
	served := make(chan error, 1)
	go func() { served <- server.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		server.Stop()
		t.Fatalf("Failed to connect to server: %v", err)
	}

	ts := &testServer{service: svc, server: server, conn: conn, served: served}
	t.Cleanup(ts.teardown)
	return ts
}

func (ts *testServer) teardown() {
	ts.conn.Close()
	ts.server.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ts.service.Shutdown(ctx)
}

func check(t *testing.T, client healthpb.HealthClient, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.Status, nil
}

func waitForStatus(t *testing.T, client healthpb.HealthClient, want healthpb.HealthCheckResponse_ServingStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := check(t, client, ServiceName)
		if err == nil && got == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("health status = %v (err %v), want %v", got, err, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// =============================================================================
// HEALTH SERVICE TESTS
// =============================================================================

func TestHealthService_FollowsServiceLifecycle(t *testing.T) {
	// WHAT: NOT_SERVING before Start, SERVING while started, NOT_SERVING
	// after Shutdown.
	// WHY: Probes gate traffic on the delay service, not on the listener.
	ts := setupTestServer(t)
	client := healthpb.NewHealthClient(ts.conn)

	if got, err := check(t, client, ""); err != nil || got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("before start: %v, %v", got, err)
	}

	if err := ts.service.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForStatus(t, client, healthpb.HealthCheckResponse_SERVING)

	if got, _ := check(t, client, ""); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("overall status = %v, want SERVING", got)
	}

	if err := ts.service.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	waitForStatus(t, client, healthpb.HealthCheckResponse_NOT_SERVING)
}

func TestHealthService_UnknownService(t *testing.T) {
	ts := setupTestServer(t)
	client := healthpb.NewHealthClient(ts.conn)

	_, err := check(t, client, "delaystore.AdminService")
	if status.Code(err) != codes.NotFound {
		t.Errorf("Check(unknown) error = %v, want NotFound", err)
	}
}

func TestServer_StopReportsNotServing(t *testing.T) {
	ts := setupTestServer(t)
	if err := ts.service.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if st := ts.server.Health().Sync(); st != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("Sync = %v", st)
	}

	ts.server.Stop()
	select {
	case err := <-ts.served:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Stop")
	}

	resp, err := ts.server.Health().Server().Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil || resp.Status != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("after Stop: %v, %v", resp, err)
	}
}
