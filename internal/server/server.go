// Package server provides the admin HTTP server of a node.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/devrev/pairdb/statetransfer/internal/config"
	"github.com/devrev/pairdb/statetransfer/internal/handler"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server serves the admin API and the metrics endpoint
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	handlers   *handler.Handlers
	gatherer   prometheus.Gatherer
	logger     *zap.Logger
	cfg        config.AdminConfig
}

// NewServer creates the admin server. Metrics are served from gatherer.
func NewServer(cfg config.AdminConfig, handlers *handler.Handlers, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	router := mux.NewRouter()
	s := &Server{
		router:   router,
		handlers: handlers,
		gatherer: gatherer,
		logger:   logger,
		cfg:      cfg,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      router,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(Recovery(s.logger), RequestID, Logging(s.logger))

	s.router.HandleFunc("/health", s.handlers.Health).Methods(http.MethodGet)
	s.router.Handle(s.metricsPath(), promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/topology", s.handlers.GetTopology).Methods(http.MethodGet)
	v1.HandleFunc("/rebalance", s.handlers.GetRebalance).Methods(http.MethodGet)
	v1.HandleFunc("/rebalance", s.handlers.TriggerRebalance).Methods(http.MethodPost)
	v1.HandleFunc("/rebalance/enable", s.handlers.EnableRebalancing).Methods(http.MethodPost)
	v1.HandleFunc("/rebalance/disable", s.handlers.DisableRebalancing).Methods(http.MethodPost)
	v1.HandleFunc("/state-transfer", s.handlers.GetStateTransfer).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"status":"error","message":"endpoint not found"}`))
	})
}

func (s *Server) metricsPath() string {
	if s.cfg.Path == "" {
		return "/metrics"
	}
	return s.cfg.Path
}

// Handler returns the router, for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves in the background; listen failures are logged
func (s *Server) Start() {
	s.logger.Info("Starting admin server",
		zap.String("addr", s.httpServer.Addr),
		zap.String("metrics_path", s.metricsPath()))
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Admin server failed", zap.Error(err))
		}
	}()
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Stopping admin server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("admin server shutdown failed: %w", err)
	}
	return nil
}
