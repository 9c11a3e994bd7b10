package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"market-resolver/internal/service"
)

// CycleRunner runs one full resolution cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context) (service.CycleReport, error)
}

// Options configure the listener.
type Options struct {
	Addr          string
	TriggerSecret string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
}

// Server exposes /trigger, /healthz and /metrics.
type Server struct {
	httpServer *http.Server
	runner     CycleRunner
	secret     string
	logger     zerolog.Logger
}

// TriggerResponse is the JSON body of POST /trigger.
type TriggerResponse struct {
	Success        bool     `json:"success"`
	Timestamp      string   `json:"timestamp"`
	CycleID        string   `json:"cycleId,omitempty"`
	Skipped        bool     `json:"skipped,omitempty"`
	Results        []string `json:"results"`
	ResolvedCount  int      `json:"resolvedCount"`
	FinalizedCount int      `json:"finalizedCount"`
	Errors         []string `json:"errors,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// New registers the routes. metricsHandler may be nil. The trigger route is
// only registered when a secret is configured.
func New(opts Options, runner CycleRunner, metricsHandler http.Handler, logger zerolog.Logger) *Server {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Minute
	}

	s := &Server{
		runner: runner,
		secret: opts.TriggerSecret,
		logger: logger.With().Str("component", "server").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}
	if s.secret != "" && runner != nil {
		mux.Handle("POST /trigger", s.requireSecret(http.HandlerFunc(s.handleTrigger)))
	} else {
		s.logger.Warn().Msg("trigger secret not configured, POST /trigger disabled")
	}

	s.httpServer = &http.Server{
		Addr:         opts.Addr,
		Handler:      s.logRequests(mux),
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("listen: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	resp := TriggerResponse{Timestamp: time.Now().UTC().Format(time.RFC3339), Results: []string{}}

	report, err := s.runner.RunCycle(r.Context())
	switch {
	case errors.Is(err, service.ErrCycleInProgress):
		resp.Error = err.Error()
		writeJSON(w, http.StatusConflict, resp)
		return
	case err != nil:
		s.logger.Error().Err(err).Str("cycle_id", report.CycleID).Msg("triggered cycle failed")
		resp.CycleID = report.CycleID
		resp.Error = err.Error()
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}

	resp.Success = true
	resp.CycleID = report.CycleID
	resp.Skipped = report.Skipped
	resp.Results = append(resp.Results, report.Lines()...)
	resp.ResolvedCount = report.ResolvedCount()
	resp.FinalizedCount = report.FinalizedCount()
	resp.Errors = report.Errors
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) requireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractSecret(r)
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.secret)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractSecret(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return strings.TrimSpace(r.Header.Get("X-Trigger-Secret"))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		ev := s.logger.Debug()
		if r.URL.Path == "/trigger" {
			ev = s.logger.Info()
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
