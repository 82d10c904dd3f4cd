// Package adminsrv exposes the operational surface spec.md doesn't give the
// core a user-facing API for, but that any deployed process still needs:
// a gRPC health service for orchestrator liveness/readiness probes, and an
// HTTP mux serving Prometheus metrics plus a JSON readiness endpoint.
//
// Grounded on pkg/api/server.go's gRPC-server-plus-listener shape and
// pkg/api/health.go's HTTPServer (mux, ready/health handlers, JSON
// responses, ListenAndServe with explicit timeouts), trimmed from ~1500
// lines of cluster RPCs (service/task/node CRUD, mTLS, Raft membership) down
// to the two concerns this control plane actually needs: "is the process
// alive" and "are its dependencies reachable".
package adminsrv

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/cuemby/docsrs-core/pkg/health"
	"github.com/cuemby/docsrs-core/pkg/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// DefaultReadinessInterval is how often the aggregate dependency check
// refreshes the gRPC health server's serving status.
const DefaultReadinessInterval = 15 * time.Second

// Server bundles the gRPC health service and the HTTP metrics/readiness mux
// a single operations process exposes.
type Server struct {
	grpcAddr string
	httpAddr string

	aggregate *health.Aggregate

	grpcServer   *grpc.Server
	healthServer *grpchealth.Server
	httpServer   *http.Server

	interval time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
}

// New builds a Server. aggregate is re-run on interval (DefaultReadinessInterval
// if zero) to drive both the gRPC health status and the HTTP /readyz
// endpoint.
func New(grpcAddr, httpAddr string, aggregate *health.Aggregate, interval time.Duration) *Server {
	if interval <= 0 {
		interval = DefaultReadinessInterval
	}
	healthServer := grpchealth.NewServer()
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	s := &Server{
		grpcAddr:     grpcAddr,
		httpAddr:     httpAddr,
		aggregate:    aggregate,
		grpcServer:   grpcServer,
		healthServer: healthServer,
		interval:     interval,
		logger:       log.WithComponent("adminsrv"),
		stopCh:       make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.healthzHandler)
	mux.HandleFunc("/readyz", s.readyzHandler)
	s.httpServer = &http.Server{
		Addr:         httpAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start begins serving gRPC health checks and the HTTP mux, and the
// periodic readiness refresh loop. It returns once both listeners are bound;
// serving happens on background goroutines.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("binding grpc admin listener on %s: %w", s.grpcAddr, err)
	}

	go func() {
		if err := s.grpcServer.Serve(lis); err != nil {
			s.logger.Error().Err(err).Msg("grpc admin server stopped")
		}
	}()
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("http admin server stopped")
		}
	}()
	go s.refreshLoop()

	s.logger.Info().Str("grpc_addr", s.grpcAddr).Str("http_addr", s.httpAddr).Msg("admin server started")
	return nil
}

// Stop gracefully shuts both servers down.
func (s *Server) Stop(ctx context.Context) error {
	close(s.stopCh)
	s.grpcServer.GracefulStop()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) refreshLoop() {
	s.refreshOnce()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.refreshOnce()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Server) refreshOnce() {
	if s.aggregate == nil {
		s.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result := s.aggregate.Run(ctx)
	status := healthpb.HealthCheckResponse_SERVING
	if !result.Ready {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.healthServer.SetServingStatus("", status)
}

// healthzHandler is a bare liveness probe: it always returns 200 if the
// process can handle HTTP requests at all.
func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
}

// readyzHandler runs the dependency aggregate synchronously and reports
// per-dependency detail, the JSON shape pkg/api/health.go's readyHandler
// established.
func (s *Server) readyzHandler(w http.ResponseWriter, r *http.Request) {
	if s.aggregate == nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
		return
	}
	result := s.aggregate.Run(r.Context())

	statusCode := http.StatusOK
	status := "ready"
	if !result.Ready {
		statusCode = http.StatusServiceUnavailable
		status = "not ready"
	}

	checks := make(map[string]string, len(result.Checks))
	for name, r := range result.Checks {
		checks[name] = r.Message
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"checks": checks,
	})
}
