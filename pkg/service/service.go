package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sdiaco/eventbridge-router/pkg/events"
	"github.com/sdiaco/eventbridge-router/pkg/plugin"
	"github.com/sdiaco/eventbridge-router/pkg/queueworker"
)

// Config holds common configuration for the router service shell.
type Config struct {
	// HTTPPort is the listen address, e.g. ":8080".
	HTTPPort string
	// MaxBatchSize caps the batch accepted on the HTTP ingestion endpoint.
	// Keep it aligned with the router's batch size. Defaults to 50.
	MaxBatchSize int
}

// RouterService composes the plugin manager, the router (behind the
// queueworker.BatchProcessor contract) and an optional queue worker into one
// runnable unit with an HTTP surface: /healthz for probes and POST /v1/events
// for direct ingestion.
type RouterService struct {
	logger    zerolog.Logger
	cfg       Config
	manager   *plugin.Manager
	processor queueworker.BatchProcessor
	handler   *queueworker.BatchHandler

	mux        *http.ServeMux
	httpServer *http.Server
	actualAddr string
	mu         sync.RWMutex
}

// NewRouterService creates the service shell. handler may be nil for
// deployments that ingest over HTTP only.
func NewRouterService(
	cfg Config,
	manager *plugin.Manager,
	processor queueworker.BatchProcessor,
	handler *queueworker.BatchHandler,
	logger zerolog.Logger,
) (*RouterService, error) {
	if manager == nil {
		return nil, fmt.Errorf("plugin manager cannot be nil")
	}
	if processor == nil {
		return nil, fmt.Errorf("batch processor cannot be nil")
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 50
	}

	s := &RouterService{
		logger:    logger.With().Str("service", "RouterService").Logger(),
		cfg:       cfg,
		manager:   manager,
		processor: processor,
		handler:   handler,
		mux:       http.NewServeMux(),
	}
	s.mux.HandleFunc("/healthz", HealthzHandler)
	s.mux.HandleFunc("POST /v1/events", s.ingestHandler)
	s.httpServer = &http.Server{Addr: cfg.HTTPPort, Handler: s.mux}
	return s, nil
}

// Start initializes the plugins, starts the queue worker when configured, and
// begins serving HTTP in a background goroutine.
func (s *RouterService) Start(ctx context.Context) error {
	s.logger.Info().Msg("Starting router service...")

	if err := s.manager.Init(ctx); err != nil {
		return fmt.Errorf("plugin initialization failed: %w", err)
	}

	if s.handler != nil {
		if err := s.handler.Start(ctx); err != nil {
			s.manager.Destroy(ctx)
			return fmt.Errorf("queue worker start failed: %w", err)
		}
	}

	listener, err := net.Listen("tcp", s.cfg.HTTPPort)
	if err != nil {
		return fmt.Errorf("failed to listen on port %s: %w", s.cfg.HTTPPort, err)
	}
	s.mu.Lock()
	s.actualAddr = listener.Addr().String()
	s.mu.Unlock()
	s.logger.Info().Str("address", s.actualAddr).Msg("HTTP server starting to listen")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	s.logger.Info().Msg("Router service started.")
	return nil
}

// Shutdown stops the service in reverse order: HTTP first so no new batches
// arrive, then the queue worker, then plugin teardown.
func (s *RouterService) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down router service...")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Error during HTTP server shutdown.")
	}
	if s.handler != nil {
		if err := s.handler.Stop(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Error during queue worker stop, continuing shutdown.")
		}
	}
	s.manager.Destroy(ctx)

	s.logger.Info().Msg("Router service stopped.")
	return nil
}

// Mux returns the underlying ServeMux so callers can add endpoints.
func (s *RouterService) Mux() *http.ServeMux {
	return s.mux
}

// GetHTTPPort returns the port the server is actually listening on.
func (s *RouterService) GetHTTPPort() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, port, err := net.SplitHostPort(s.actualAddr)
	if err != nil {
		return s.cfg.HTTPPort
	}
	return ":" + port
}

// ingestHandler accepts a JSON array of events and runs it through the batch
// processor. Per-event failures are not surfaced here; only a critical batch
// failure produces a non-2xx response.
func (s *RouterService) ingestHandler(w http.ResponseWriter, r *http.Request) {
	var batch []events.Event
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if len(batch) > s.cfg.MaxBatchSize {
		http.Error(w, fmt.Sprintf("batch exceeds maximum size of %d", s.cfg.MaxBatchSize), http.StatusBadRequest)
		return
	}
	for _, e := range batch {
		if err := e.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	if err := s.processor.ProcessBatch(r.Context(), batch); err != nil {
		s.logger.Error().Err(err).Msg("Critical batch failure on HTTP ingestion.")
		http.Error(w, "batch processing failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// HealthzHandler responds to health check probes.
func HealthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
