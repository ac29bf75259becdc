// Package server exposes the predictor and the dataset over HTTP: JSON
// prediction and status endpoints, dashboard data, a websocket live feed and
// the Prometheus scrape endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"cnc-twin/internal/analytics"
	"cnc-twin/internal/features"
	"cnc-twin/internal/ml"
	"cnc-twin/internal/storage"
	"cnc-twin/internal/synth"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Predictor is the subset of ml.Predictor the server needs.
type Predictor interface {
	PredictFromTelemetry(data map[string]any) ml.Prediction
	PredictVector(v features.Vector) ml.Prediction
	Status() ml.ModelStatus
	FeatureImportances() map[string]map[string]float64
}

var _ Predictor = (*ml.Predictor)(nil)

// RunArchive provides the latest training run.
type RunArchive interface {
	LatestRun() (storage.TrainingRun, bool, error)
}

// MetricsInterface defines the metrics the server reports.
type MetricsInterface interface {
	RequestObserve(route string, seconds float64)
	FeedClientsAdd(delta float64)
	AlertInc(alert string)
	ErrorsInc()
}

// Config holds server settings.
type Config struct {
	Addr            string
	DatasetCSV      string
	TelemetryCSV    string
	RefreshInterval time.Duration
	Thresholds      analytics.Thresholds
	// Feed parameterizes the synthesized records of the live feed.
	Feed synth.Params
	// MetricsHandler serves /metrics; nil means the default Prometheus registry.
	MetricsHandler http.Handler
}

const (
	shutdownTimeout = 10 * time.Second
	maxBodyBytes    = 1 << 20
	dataWindow      = 200
	rawDataRows     = 50
)

// Server is the HTTP API.
type Server struct {
	cfg       Config
	predictor Predictor
	runs      RunArchive
	metrics   MetricsInterface
	router    *mux.Router
	http      *http.Server
	upgrader  websocket.Upgrader

	closing   chan struct{}
	closeOnce sync.Once
}

// New creates a server. runs and metrics may be nil.
func New(cfg Config, predictor Predictor, runs RunArchive, metrics MetricsInterface) *Server {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 2 * time.Second
	}
	if cfg.MetricsHandler == nil {
		cfg.MetricsHandler = promhttp.Handler()
	}

	s := &Server{
		cfg:       cfg,
		predictor: predictor,
		runs:      runs,
		metrics:   metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		closing: make(chan struct{}),
	}

	r := mux.NewRouter()
	r.HandleFunc("/predict", s.handlePredict).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/model/info", s.handleModelInfo).Methods(http.MethodGet)
	r.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/data", s.handleData).Methods(http.MethodGet)
	r.HandleFunc("/ws/telemetry", s.handleFeed).Methods(http.MethodGet)
	r.Handle("/metrics", cfg.MetricsHandler).Methods(http.MethodGet)
	r.Use(s.observe)
	s.router = r

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.cfg.Addr).Msg("Starting prediction server")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down prediction server")
	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

// Close ends every live feed. Hijacked websocket connections are not tracked
// by http.Server.Shutdown.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.closing) })
}

// observe records request latency per route template.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		if s.metrics != nil {
			s.metrics.RequestObserve(route, time.Since(start).Seconds())
		}
		log.Debug().Str("method", r.Method).Str("route", route).Dur("elapsed", time.Since(start)).Msg("Request served")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
