package adminsrv

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cuemby/docsrs-core/pkg/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealthzAlwaysOK(t *testing.T) {
	s := New("127.0.0.1:0", "127.0.0.1:0", nil, 0)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	s.healthzHandler(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
}

func TestReadyzReflectsAggregate(t *testing.T) {
	agg := health.NewAggregate(map[string]health.Checker{
		"storage": &health.StorageChecker{Storage: pingerFunc(func(context.Context) error { return nil })},
	})
	s := New("127.0.0.1:0", "127.0.0.1:0", agg, 0)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	s.readyzHandler(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if body["status"] != "ready" {
		t.Errorf("status = %v, want ready", body["status"])
	}
}

func TestReadyzReports503WhenUnhealthy(t *testing.T) {
	agg := health.NewAggregate(map[string]health.Checker{
		"sandbox": &health.SandboxChecker{Sandbox: pingerFunc(func(context.Context) error { return errors.New("unreachable") })},
	})
	s := New("127.0.0.1:0", "127.0.0.1:0", agg, 0)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	s.readyzHandler(rr, req)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
}

func TestRefreshOnceSetsServingStatus(t *testing.T) {
	agg := health.NewAggregate(map[string]health.Checker{
		"sandbox": &health.SandboxChecker{Sandbox: pingerFunc(func(context.Context) error { return errors.New("unreachable") })},
	})
	s := New("127.0.0.1:0", "127.0.0.1:0", agg, 0)
	s.refreshOnce()

	resp, err := s.healthServer.Check(context.Background(), &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("status = %v, want NOT_SERVING", resp.Status)
	}
}
