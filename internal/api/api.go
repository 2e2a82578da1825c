package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/roman-kulish/fleet-monitor/internal/command"
	"github.com/roman-kulish/fleet-monitor/internal/fleet"
)

const shutdownTimeout = 5 * time.Second

// Fleet is the read side of the fleet state
type Fleet interface {
	Snapshot() *fleet.Snapshot
	Subscribe(buffer int) (<-chan *fleet.Snapshot, func())
}

// Commander dispatches drone commands
type Commander interface {
	Dispatch(ctx context.Context, droneID string, cmd command.Command) (uuid.UUID, <-chan command.Outcome)
	LastOutcome(droneID string) (command.Outcome, bool)
}

// WithLogger sets the logger for the API
func WithLogger(logger *slog.Logger) func(s *Server) {
	return func(s *Server) {
		s.logger = logger.With(slog.String("component", "api"))
	}
}

// WithMetricsHandler exposes h on /metrics
func WithMetricsHandler(h http.Handler) func(s *Server) {
	return func(s *Server) {
		s.metrics = h
	}
}

// Server is the operator facing HTTP API
type Server struct {
	fleet     Fleet
	commander Commander
	metrics   http.Handler
	router    chi.Router
	logger    *slog.Logger
}

// NewServer creates the API and its routes
func NewServer(f Fleet, c Commander, options ...func(s *Server)) *Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // nil logger

	s := Server{
		fleet:     f,
		commander: c,
		logger:    logger,
	}

	for _, option := range options {
		option(&s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleFeed)

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/drones", s.handleDrones)
		r.Get("/drones/{droneID}", s.handleDrone)
		r.Post("/drones/{droneID}/command", s.handleSendCommand)
		r.Get("/drones/{droneID}/command", s.handleLastCommand)
		r.Get("/alerts", s.handleAlerts)
	})

	s.router = r
	return &s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves the API on addr until ctx is cancelled, then shuts the
// server down gracefully
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	serveErr := make(chan error, 1)
	go func() {
		s.logger.Info("API listening", slog.String("addr", addr))
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("error serving API: %w", err)

	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("error shutting down API: %w", err)
		}
		if err := <-serveErr; !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("error serving API: %w", err)
		}
		return nil
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		defer func() {
			s.logger.Debug("request",
				slog.String("requestID", middleware.GetReqID(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("error writing response", slog.Any("error", err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
