// Package http exposes the kiosk REST API, the OAuth login flow, the
// websocket endpoint and operational endpoints.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"jukebox/internal/core"
)

type Server struct {
	config  *core.ServerConfig
	logger  *zap.Logger
	server  *http.Server
	metrics *Metrics
}

type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	TracksQueuedTotal prometheus.Counter
	DuplicatesTotal   prometheus.Counter
	RateLimitedTotal  prometheus.Counter
	SyncRunsTotal     *prometheus.CounterVec
	RemoteWriteErrors *prometheus.CounterVec
	QueueLength       prometheus.Gauge
	ConnectedClients  prometheus.Gauge
	KnownRequesters   prometheus.Gauge
}

func newMetrics() *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jukebox_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"route", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "jukebox_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		TracksQueuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "jukebox_tracks_queued_total",
				Help: "Total number of patron requests accepted",
			},
		),
		DuplicatesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "jukebox_duplicates_total",
				Help: "Total number of duplicate requests rejected",
			},
		),
		RateLimitedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "jukebox_rate_limited_total",
				Help: "Total number of requests rejected by the rate limiter",
			},
		),
		SyncRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jukebox_sync_runs_total",
				Help: "Total number of reconciliation passes",
			},
			[]string{"result"},
		),
		RemoteWriteErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jukebox_remote_write_failures_total",
				Help: "Total number of failed best-effort playlist writes",
			},
			[]string{"op"},
		),
		QueueLength: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "jukebox_queue_length",
				Help: "Current number of pending queue entries",
			},
		),
		ConnectedClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "jukebox_connected_clients",
				Help: "Number of connected websocket clients",
			},
		),
		KnownRequesters: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "jukebox_known_requesters",
				Help: "Number of distinct requester names seen by the rate limiter",
			},
		),
	}

	prometheus.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.TracksQueuedTotal,
		m.DuplicatesTotal,
		m.RateLimitedTotal,
		m.SyncRunsTotal,
		m.RemoteWriteErrors,
		m.QueueLength,
		m.ConnectedClients,
		m.KnownRequesters,
	)

	return m
}

func NewServer(config *core.ServerConfig, handlers *Handlers, logger *zap.Logger) *Server {
	metrics := newMetrics()
	handlers.metrics = metrics

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   config.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"jukebox"}`))
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready","service":"jukebox"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	handlers.Register(r)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      r,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	return &Server{
		config:  config,
		logger:  logger,
		server:  server,
		metrics: metrics,
	}
}

func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server",
		zap.String("addr", s.server.Addr))

	go func() {
		<-ctx.Done()
		s.logger.Info("Shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Failed to shutdown HTTP server gracefully", zap.Error(err))
		}
	}()

	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server failed: %w", err)
	}

	return nil
}

func (s *Server) GetMetrics() *Metrics {
	return s.metrics
}

func (s *Server) RecordSyncRun(result string) {
	s.metrics.SyncRunsTotal.WithLabelValues(result).Inc()
}

func (s *Server) RecordRemoteWriteFailure(op string) {
	s.metrics.RemoteWriteErrors.WithLabelValues(op).Inc()
}

func (s *Server) SetQueueLength(length int) {
	s.metrics.QueueLength.Set(float64(length))
}

func (s *Server) SetConnectedClients(count int) {
	s.metrics.ConnectedClients.Set(float64(count))
}

func (s *Server) SetKnownRequesters(count int) {
	s.metrics.KnownRequesters.Set(float64(count))
}
