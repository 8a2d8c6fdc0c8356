package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pavel-fokin/file-vault/internal/files"
)

type Config struct {
	Addr string
	// MaxRequestSize caps a whole request body, multipart batches included.
	MaxRequestSize int64
	// PublicURL prefixes the fileUrl handed to clients. Empty yields relative URLs.
	PublicURL       string
	ShutdownTimeout time.Duration
}

// Authenticator resolves a bearer token into the calling user.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (files.Identity, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	cfg        Config
	files      *files.Service
	auth       Authenticator
	db         Pinger
	logger     *slog.Logger
	httpServer *http.Server
}

func New(cfg Config, fileService *files.Service, auth Authenticator, db Pinger, logger *slog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		files:  fileService,
		auth:   auth,
		db:     db,
		logger: logger.With(slog.String("component", "http")),
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.loggingMiddleware)
	r.Use(metricsMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/files", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.limitBody)

		r.Post("/", s.uploadFiles)
		r.Get("/", s.listFiles)
		r.Get("/trash", s.listTrash)
		r.Post("/create/{type}", s.createFile)
		r.Get("/download/{id}", s.download)
		r.Get("/preview/{id}", s.preview)
		r.Patch("/content/{id}", s.replaceContent)
		r.Delete("/permanent/{id}", s.permanentDelete)

		r.Get("/{id}", s.getFile)
		r.Put("/{id}", s.replaceContent)
		r.Patch("/{id}", s.updateFile)
		r.Delete("/{id}", s.softDelete)
		r.Get("/{id}/versions", s.listVersions)
		r.Post("/{id}/restore", s.restoreFile)
	})

	return r
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server started", slog.String("addr", s.httpServer.Addr))
		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Shutting down HTTP server")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.db.Ping(ctx); err != nil {
		s.logger.Warn("Readiness check failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusServiceUnavailable, "metadata store unavailable", nil)
		return
	}
	writeJSON(w, http.StatusOK, "ready", nil)
}
