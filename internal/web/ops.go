package web

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pierky/rich-traceroute/internal/db"
)

// ConnChecker reports whether a broker-backed component is connected.
type ConnChecker interface {
	IsConnected() bool
}

// OpsServer is the worker-mode operational endpoint: health, readiness
// and Prometheus exposition, without any of the public surface.
type OpsServer struct {
	srv      *http.Server
	database *db.DB
	brokers  map[string]ConnChecker
	logger   *zap.Logger
}

func NewOpsServer(addr string, database *db.DB, brokers map[string]ConnChecker, logger *zap.Logger) *OpsServer {
	s := &OpsServer{
		database: database,
		brokers:  brokers,
		logger:   logger.Named("ops-server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return s
}

func (s *OpsServer) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("ops server listening", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("ops server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *OpsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *OpsServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *OpsServer) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	allOK := true

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.database.PingContext(ctx); err != nil {
		checks["db"] = "error"
		allOK = false
	} else {
		checks["db"] = "ok"
	}

	for name, broker := range s.brokers {
		if broker != nil && broker.IsConnected() {
			checks[name] = "ok"
		} else {
			checks[name] = "not_connected"
			allOK = false
		}
	}

	status := "ready"
	httpStatus := http.StatusOK
	if !allOK {
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"checks": checks,
	})
}
