// Package health exposes liveness, readiness and Prometheus metrics over
// HTTP.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amirphl/signal-coordinator/internal/coordinator"
	"github.com/amirphl/signal-coordinator/internal/db"
	"github.com/amirphl/signal-coordinator/internal/lease"
	"github.com/amirphl/signal-coordinator/internal/recovery"
	"github.com/amirphl/signal-coordinator/internal/utils"
)

var (
	leadershipGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "coordinator_is_leader",
		Help: "1 while this instance holds the leader lease",
	})
	fallbackGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "coordinator_in_fallback",
		Help: "1 while the lease store is unreachable and locks are granted unconditionally",
	})
)

func init() {
	prometheus.MustRegister(leadershipGauge, fallbackGauge)
}

// Status is the readiness payload.
type Status struct {
	InstanceID string `json:"instance_id"`
	Lifecycle  string `json:"lifecycle"`
	Leader     bool   `json:"leader"`
	Fallback   bool   `json:"fallback"`
	Store      string `json:"store"`
	LeaseStore string `json:"lease_store"`
}

// Server answers /healthz, /readyz and /metrics.
type Server struct {
	addr     string
	storage  db.Storage
	store    lease.Store
	coord    *coordinator.Coordinator
	recovery *recovery.Manager

	srv *http.Server
}

func NewServer(addr string, storage db.Storage, store lease.Store, coord *coordinator.Coordinator, rec *recovery.Manager) *Server {
	return &Server{
		addr:     addr,
		storage:  storage,
		store:    store,
		coord:    coord,
		recovery: rec,
	}
}

// Start listens in a goroutine and returns immediately.
func (s *Server) Start() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleLiveness)
	mux.HandleFunc("/readyz", s.handleReadiness)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		utils.GetLogger().Printf("Health | listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			utils.GetLogger().Printf("Health | server stopped: %v", err)
		}
	}()
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// handleLiveness only confirms the process is serving; dependency health
// belongs to readiness.
func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := Status{
		InstanceID: s.coord.InstanceID(),
		Lifecycle:  s.recovery.Status(),
		Leader:     s.coord.IsLeader(),
		Fallback:   s.coord.InFallback(),
		Store:      s.probeStore(ctx),
		LeaseStore: s.probeLease(ctx),
	}

	if status.Leader {
		leadershipGauge.Set(1)
	} else {
		leadershipGauge.Set(0)
	}
	if status.Fallback {
		fallbackGauge.Set(1)
	} else {
		fallbackGauge.Set(0)
	}

	// Fallback mode keeps processing signals; the instance stays ready as
	// long as the durable store and recovery are good.
	code := http.StatusOK
	if status.Lifecycle != db.InstanceActive || status.Store != "ok" {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}

func (s *Server) probeStore(ctx context.Context) string {
	sqlDB := s.storage.GetDB()
	if sqlDB == nil {
		return "ok"
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return err.Error()
	}
	return "ok"
}

func (s *Server) probeLease(ctx context.Context) string {
	if _, _, err := s.store.Get(ctx, "coord:leader"); err != nil {
		return err.Error()
	}
	return "ok"
}
