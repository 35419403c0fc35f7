// Package worker provides the HTTP worker service for the decoder.
package worker

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/argakon/mmt/internal/config"
	"github.com/argakon/mmt/internal/db/sqlite"
	"github.com/argakon/mmt/internal/decoder"
	"github.com/argakon/mmt/internal/watcher"
)

// Service configuration constants
const (
	// DefaultHTTPTimeout is the default timeout for HTTP requests.
	DefaultHTTPTimeout = 30 * time.Second

	// MaxRequestBody bounds incoming request bodies. Update batches are the
	// largest payloads the worker accepts.
	MaxRequestBody = 16 << 20

	// SessionPurgeInterval is how often idle sessions are swept.
	SessionPurgeInterval = 5 * time.Minute

	// ReadyPollInterval is how often WaitReady checks initialization status.
	ReadyPollInterval = 50 * time.Millisecond
)

// Service is the decoder worker orchestrator. It owns the HTTP surface, the
// engine lifecycle, and the background supervisors (session purge, weights
// hot reload).
type Service struct {
	// Version of the worker binary
	version string

	// Configuration
	config *config.Config

	// Database
	store *sqlite.Store

	// Decoder engine
	engine *decoder.Engine

	// HTTP server
	router    *chi.Mux
	server    *http.Server
	startTime time.Time

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Initialization state (for deferred init)
	ready     atomic.Bool
	initError error
	initMu    sync.RWMutex

	// Weights file watcher for hot reload
	weightsWatcher *watcher.Watcher
}

// NewService creates a new worker service with deferred initialization.
// The service starts immediately with the health endpoint available, while
// model loading and database initialization happen in the background.
func NewService(version string) (*Service, error) {
	cfg := config.Get()

	ctx, cancel := context.WithCancel(context.Background())

	svc := &Service{
		version:   version,
		config:    cfg,
		router:    chi.NewRouter(),
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}

	// Setup middleware and routes (health endpoint works immediately)
	svc.setupMiddleware()
	svc.setupRoutes()

	// Start async initialization
	go svc.initializeAsync()

	return svc, nil
}

// initializeAsync performs heavy initialization in the background.
func (s *Service) initializeAsync() {
	log.Info().Msg("Starting async initialization...")

	if err := config.EnsureDataDir(); err != nil {
		s.setInitError(fmt.Errorf("ensure data dir: %w", err))
		return
	}

	// Initialize database (this includes migrations)
	store, err := sqlite.NewStore(sqlite.StoreConfig{
		Path:     s.config.DBPath,
		MaxConns: s.config.MaxConns,
	})
	if err != nil {
		s.setInitError(fmt.Errorf("init database: %w", err))
		return
	}

	// Load the model configuration and vocabulary
	model, err := decoder.LoadModel(s.config.EnginePath, s.config.VocabularyPath)
	if err != nil {
		_ = store.Close()
		s.setInitError(fmt.Errorf("load model: %w", err))
		return
	}

	// Build the engine; this restores the channel cursor from the database
	engine, err := decoder.NewEngine(s.ctx, model, store)
	if err != nil {
		_ = store.Close()
		s.setInitError(fmt.Errorf("init engine: %w", err))
		return
	}

	s.initMu.Lock()
	s.store = store
	s.engine = engine
	s.initMu.Unlock()

	// Apply the weights file, if present, before serving requests
	s.reloadWeights()

	// Mark as ready
	s.ready.Store(true)
	log.Info().
		Int("features", len(engine.Features())).
		Int("vocabulary", model.Vocabulary.Size()).
		Msg("Async initialization complete - service ready")

	s.wg.Add(1)
	go s.purgeSessions()

	s.startWeightsWatcher()
}

// startWeightsWatcher starts the file watcher that hot-reloads the default
// weights file on change.
func (s *Service) startWeightsWatcher() {
	if s.config.WeightsPath == "" {
		return
	}

	w, err := watcher.New(s.config.WeightsPath, func() {
		log.Info().Str("path", s.config.WeightsPath).Msg("Weights file changed, reloading...")
		s.reloadWeights()
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create weights watcher")
		return
	}
	s.weightsWatcher = w
	if err := w.Start(); err != nil {
		log.Warn().Err(err).Msg("Failed to start weights watcher")
		return
	}
	log.Info().Str("path", s.config.WeightsPath).Msg("Weights file watcher started")
}

// reloadWeights reads the weights file and publishes it as the new default
// weight set. A missing file is not an error; a malformed one is logged and
// the live weights stay untouched.
func (s *Service) reloadWeights() {
	data, err := os.ReadFile(s.config.WeightsPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", s.config.WeightsPath).Msg("Failed to read weights file")
		}
		return
	}

	var weights map[string][]float32
	if err := json.Unmarshal(data, &weights); err != nil {
		log.Warn().Err(err).Str("path", s.config.WeightsPath).Msg("Malformed weights file ignored")
		return
	}
	if len(weights) == 0 {
		return
	}

	if err := s.engine.SetDefaultFeatureWeights(weights); err != nil {
		log.Warn().Err(err).Msg("Weights file rejected")
		return
	}
	log.Info().Int("features", len(weights)).Msg("Default feature weights published")
}

// purgeSessions sweeps idle translation sessions on a fixed interval.
func (s *Service) purgeSessions() {
	defer s.wg.Done()

	ticker := time.NewTicker(SessionPurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if purged := s.engine.Sessions().PurgeIdle(s.config.SessionIdleTimeout); purged > 0 {
				log.Info().Int("purged", purged).Msg("Idle sessions purged")
			}
		}
	}
}

// setInitError records an initialization error.
func (s *Service) setInitError(err error) {
	s.initMu.Lock()
	s.initError = err
	s.initMu.Unlock()
	log.Error().Err(err).Msg("Async initialization failed")
}

// GetInitError returns any initialization error.
func (s *Service) GetInitError() error {
	s.initMu.RLock()
	defer s.initMu.RUnlock()
	return s.initError
}

// WaitReady blocks until initialization finishes or the context expires.
func (s *Service) WaitReady(ctx context.Context) error {
	ticker := time.NewTicker(ReadyPollInterval)
	defer ticker.Stop()

	for {
		if s.ready.Load() {
			return nil
		}
		if err := s.GetInitError(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// setupMiddleware configures HTTP middleware.
func (s *Service) setupMiddleware() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(DefaultHTTPTimeout))
	s.router.Use(middleware.RealIP)
	s.router.Use(RequestID)
	s.router.Use(SecurityHeaders)
	s.router.Use(MaxBodySize(MaxRequestBody))
	s.router.Use(RequireJSONContentType)
}

// setupRoutes configures HTTP routes.
func (s *Service) setupRoutes() {
	// Health check returns 200 immediately so supervisors can connect
	// during init. Use /api/ready for the full readiness check.
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/health", s.handleHealth)
	s.router.Get("/api/version", s.handleVersion)
	s.router.Get("/api/ready", s.handleReady)

	// Routes that require the engine to be ready
	s.router.Group(func(r chi.Router) {
		r.Use(s.requireReady)

		// Feature weights
		r.Get("/api/features", s.handleGetFeatures)
		r.Get("/api/features/{name}/weights", s.handleGetFeatureWeights)
		r.Put("/api/weights", s.handleSetWeights)

		// Translation
		r.Post("/api/translate", s.handleTranslate)

		// Data stream updates
		r.Post("/api/updates", s.handleDeliverUpdates)
		r.Get("/api/updates/positions", s.handleGetPositions)

		// Sessions
		r.Delete("/api/sessions/{id}", s.handleDeleteSession)

		// Introspection
		r.Get("/api/stats", s.handleGetStats)
	})
}

// Start starts the worker service. The HTTP server starts immediately;
// engine initialization happens async.
func (s *Service) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.WorkerPort),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	log.Info().
		Int("port", s.config.WorkerPort).
		Int("pid", os.Getpid()).
		Msg("Decoder HTTP server started (initialization in progress)")

	return nil
}

// Shutdown gracefully shuts down the service.
func (s *Service) Shutdown(ctx context.Context) error {
	s.cancel()

	if s.weightsWatcher != nil {
		s.weightsWatcher.Stop()
	}

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
	}

	s.initMu.RLock()
	engine, store := s.engine, s.store
	s.initMu.RUnlock()

	if engine != nil {
		_ = engine.Close()
	}
	if store != nil {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("Database close error")
		}
	}

	s.wg.Wait()

	log.Info().Msg("Worker service shutdown complete")
	return nil
}
