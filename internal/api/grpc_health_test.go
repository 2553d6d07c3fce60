package api

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

type switchPinger struct {
	mu  sync.Mutex
	err error
}

func (p *switchPinger) Ping(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *switchPinger) set(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func TestHealthServerReportsDatabaseStatus(t *testing.T) {
	pinger := &switchPinger{}
	hs := NewHealthServer(pinger, time.Hour, nil)

	lis := bufconn.Listen(1024 * 1024)
	go func() { _ = hs.Serve(lis) }()
	t.Cleanup(hs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	client := healthpb.NewHealthClient(conn)

	status := func() healthpb.HealthCheckResponse_ServingStatus {
		t.Helper()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
		if err != nil {
			t.Fatalf("Check() error = %v", err)
		}
		return resp.GetStatus()
	}

	if got := status(); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("before first check: %v, want NOT_SERVING", got)
	}

	hs.check(context.Background())
	if got := status(); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("healthy database: %v, want SERVING", got)
	}

	pinger.set(errors.New("database is locked"))
	hs.check(context.Background())
	if got := status(); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("failing database: %v, want NOT_SERVING", got)
	}
}
