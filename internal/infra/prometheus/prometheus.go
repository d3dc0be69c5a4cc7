package prometheus

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sifan077/RoomGate/config"
	"go.uber.org/zap"
)

const defaultPort = 9090

// Server exposes a gatherer on /metrics, separate from the public listener.
type Server struct {
	srv *http.Server
	log *zap.Logger
}

// NewServer builds the metrics listener for cfg.
func NewServer(cfg config.PrometheusConfig, gatherer prometheus.Gatherer, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	port := cfg.Port
	if port == 0 {
		port = defaultPort
	}

	return &Server{
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           Handler(gatherer, log),
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      10 * time.Second,
		},
		log: log,
	}
}

// Handler serves gatherer in the Prometheus or OpenMetrics format.
func Handler(gatherer prometheus.Gatherer, log *zap.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorLog:          zap.NewStdLog(log.Named("promhttp")),
		ErrorHandling:     promhttp.ContinueOnError,
		EnableOpenMetrics: true,
	}))
	return mux
}

// Addr is the listen address.
func (s *Server) Addr() string {
	return s.srv.Addr
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		s.log.Info("Starting Prometheus metrics server", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Prometheus metrics server stopped unexpectedly", zap.Error(err))
		}
	}()
}

// Shutdown stops the listener, waiting for in-flight scrapes.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
