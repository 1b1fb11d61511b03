package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dontrlycare/m-essenger-server/internal/auth"
	"github.com/dontrlycare/m-essenger-server/internal/config"
	"github.com/dontrlycare/m-essenger-server/internal/registry"
	"github.com/dontrlycare/m-essenger-server/internal/relay"
	"github.com/dontrlycare/m-essenger-server/internal/store"
)

const (
	apiReadHeaderTimeout   = 10 * time.Second
	adminReadHeaderTimeout = 5 * time.Second
)

// Server wires dependencies and hosts the HTTP API plus the websocket relay.
type Server struct {
	cfg        config.Config
	log        *zap.Logger
	store      *store.Store
	tokens     *auth.TokenManager
	registry   registry.ConnRegistry
	relay      *relay.Relay
	httpServer *http.Server
	adminHTTP  *http.Server
	metrics    *relay.Metrics
	ready      atomic.Bool
}

// NewServer constructs a server with its dependencies.
func NewServer(cfg config.Config, logger *zap.Logger, st *store.Store, tokens *auth.TokenManager) *Server {
	return &Server{
		cfg:      cfg,
		log:      logger,
		store:    st,
		tokens:   tokens,
		registry: registry.NewInMemory(),
	}
}

// Start boots the API server and blocks until shutdown.
func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddress, err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	s.metrics = relay.NewMetrics(reg)
	s.startAdminServer(reg)

	s.relay = relay.New(s.log, s.registry, s.store, relay.Options{Metrics: s.metrics})

	s.httpServer = &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.routes(ctx),
		ReadHeaderTimeout: apiReadHeaderTimeout,
	}

	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGracePeriod)
		defer cancel()
		s.Shutdown(stopCtx)
	}()

	s.log.Info("server listening", zap.String("address", s.cfg.ListenAddress))
	s.ready.Store(true)
	err = s.httpServer.Serve(lis)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve http: %w", err)
	}
	return nil
}

func (s *Server) startAdminServer(reg *prometheus.Registry) {
	if s.cfg.AdminAddress == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if s.ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not_ready"))
	})

	s.adminHTTP = &http.Server{
		Addr:              s.cfg.AdminAddress,
		Handler:           mux,
		ReadHeaderTimeout: adminReadHeaderTimeout,
	}

	go func() {
		if err := s.adminHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server stopped", zap.Error(err))
		}
	}()
	s.log.Info("admin server listening", zap.String("address", s.cfg.AdminAddress))
}

// Shutdown attempts a graceful stop before forcing termination. Websocket
// connections are not waited on; their contexts are canceled with the server
// context and each one tears itself down.
func (s *Server) Shutdown(ctx context.Context) {
	s.ready.Store(false)

	if s.adminHTTP != nil {
		if err := s.adminHTTP.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server shutdown", zap.Error(err))
		}
	}
	if s.httpServer == nil {
		return
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.log.Warn("graceful shutdown timed out; forcing close", zap.Error(err))
		_ = s.httpServer.Close()
		return
	}
	s.log.Info("server stopped")
}
