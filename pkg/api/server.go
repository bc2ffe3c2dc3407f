package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/netonboard/pkg/credentials"
	"github.com/openfroyo/netonboard/pkg/engine"
	"github.com/openfroyo/netonboard/pkg/telemetry"
)

// DefaultMaxWait caps the ?wait long-poll when Options.MaxWait is zero.
const DefaultMaxWait = 60 * time.Second

// maxBodyBytes bounds a POST body.
const maxBodyBytes = 1 << 20

// Orchestrator is the task surface the API drives. *engine.Orchestrator
// satisfies it.
type Orchestrator interface {
	Submit(ctx context.Context, req engine.Request) (string, error)
	Status(ctx context.Context, id string) (*engine.Task, error)
	List(ctx context.Context) ([]*engine.Task, error)
	Wait(ctx context.Context, id string) (*engine.Task, error)
	Cancel(ctx context.Context, id string) error
	CancelOrDelete(ctx context.Context, id string) error
}

// HealthChecker reports backing store health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Options wire the optional collaborators.
type Options struct {
	// Drivers backs GET /drivers/.
	Drivers engine.DriverRegistry

	// Vault holds inline credentials; nil disables them.
	Vault *credentials.Vault

	// Health backs GET /healthz; nil always reports ok.
	Health HealthChecker

	// Metrics is mounted at MetricsPath when set.
	Metrics     http.Handler
	MetricsPath string

	// Tracer wraps every request in a span when set.
	Tracer *telemetry.Tracer

	Logger  *zerolog.Logger
	MaxWait time.Duration
}

// Server serves the onboarding REST API.
type Server struct {
	orch    Orchestrator
	opts    Options
	logger  zerolog.Logger
	handler http.Handler
}

// NewServer builds the router and middleware chain.
func NewServer(orch Orchestrator, opts Options) *Server {
	if opts.MaxWait <= 0 {
		opts.MaxWait = DefaultMaxWait
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}

	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	s := &Server{
		orch:   orch,
		opts:   opts,
		logger: logger.With().Str("component", "api").Logger(),
	}

	router := mux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(s.notFound)
	router.MethodNotAllowedHandler = http.HandlerFunc(s.methodNotAllowed)
	router.Use(s.trace)

	router.HandleFunc("/onboarding/", s.listTasks).Methods(http.MethodGet)
	router.HandleFunc("/onboarding/", s.submitTask).Methods(http.MethodPost)
	router.HandleFunc("/onboarding/{id}/", s.getTask).Methods(http.MethodGet)
	router.HandleFunc("/onboarding/{id}/", s.deleteTask).Methods(http.MethodDelete)
	router.HandleFunc("/onboarding/{id}/cancel/", s.cancelTask).Methods(http.MethodPost)
	router.HandleFunc("/drivers/", s.listDrivers).Methods(http.MethodGet)
	router.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	if opts.Metrics != nil {
		router.Handle(opts.MetricsPath, opts.Metrics).Methods(http.MethodGet)
	}

	s.handler = s.recoverer(s.logRequests(router))
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is done, then shuts down within
// shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, readHeaderTimeout, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("listen", addr).Msg("API server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.logger.Info().Msg("Shutting down API server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
