// Package api exposes the HTTP interface for the extraction service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rmarchant/webextract/internal/extract"
	"github.com/rmarchant/webextract/internal/metrics"
	"github.com/rmarchant/webextract/internal/pipeline"
	"github.com/rmarchant/webextract/internal/render"
	"github.com/rmarchant/webextract/internal/resilience"
	"github.com/rmarchant/webextract/internal/session"
)

// Runner executes one extraction end to end; the orchestrator satisfies
// this interface.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (pipeline.Outcome, error)
}

// ProviderLister reports the resolvable strategy identifiers.
type ProviderLister interface {
	Known() []string
}

// Server wires HTTP handlers to the pipeline.
type Server struct {
	router    chi.Router
	runner    Runner
	providers ProviderLister
	logger    *zap.Logger
	timeout   time.Duration
}

// NewServer constructs a Server with middleware and routes.
func NewServer(runner Runner, providers ProviderLister, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		runner:    runner,
		providers: providers,
		logger:    logger,
		timeout:   5 * time.Minute,
	}
	metrics.Init()
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/extractions", s.submitExtraction)
		r.Get("/providers", s.listProviders)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type extractionRequest struct {
	URL                  string         `json:"url"`
	Wait                 string         `json:"wait,omitempty"`
	WaitDelayMs          int            `json:"wait_delay_ms,omitempty"`
	RenderTimeoutSeconds int            `json:"render_timeout_seconds,omitempty"`
	Instructions         string         `json:"instructions"`
	Schema               extract.Schema `json:"schema"`
	Provider             string         `json:"provider,omitempty"`
}

type extractionResponse struct {
	RunID           string         `json:"run_id"`
	Value           map[string]any `json:"value"`
	SnapshotURI     string         `json:"snapshot_uri,omitempty"`
	Truncated       bool           `json:"truncated"`
	Degraded        bool           `json:"degraded"`
	OriginalUnits   int            `json:"original_units"`
	FinalUnits      int            `json:"final_units"`
	RenderAttempts  int            `json:"render_attempts"`
	ExtractAttempts int            `json:"extract_attempts"`
	RenderCacheHit  bool           `json:"render_cache_hit"`
	ExtractCacheHit bool           `json:"extract_cache_hit"`
	ElapsedMs       int64          `json:"elapsed_ms"`
}

func (s *Server) submitExtraction(w http.ResponseWriter, r *http.Request) {
	var req extractionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url required")
		return
	}
	if req.Instructions == "" {
		writeError(w, http.StatusBadRequest, "instructions required")
		return
	}
	if len(req.Schema.Fields) == 0 {
		writeError(w, http.StatusBadRequest, "schema with at least one field required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	out, err := s.runner.Run(ctx, pipeline.Request{
		URL:           req.URL,
		Wait:          render.WaitStrategy(req.Wait),
		WaitDelay:     time.Duration(req.WaitDelayMs) * time.Millisecond,
		RenderTimeout: time.Duration(req.RenderTimeoutSeconds) * time.Second,
		Instructions:  req.Instructions,
		Schema:        req.Schema,
		Provider:      req.Provider,
	})
	if err != nil {
		status, msg := statusForError(err)
		writeError(w, status, msg)
		return
	}

	writeJSON(w, http.StatusOK, extractionResponse{
		RunID:           out.RunID,
		Value:           out.Value,
		SnapshotURI:     out.SnapshotURI,
		Truncated:       out.Truncation.Truncated,
		Degraded:        out.Truncation.Degraded,
		OriginalUnits:   out.Truncation.OriginalUnits,
		FinalUnits:      out.Truncation.FinalUnits,
		RenderAttempts:  out.RenderAttempts,
		ExtractAttempts: out.ExtractAttempts,
		RenderCacheHit:  out.RenderCacheHit,
		ExtractCacheHit: out.ExtractCacheHit,
		ElapsedMs:       out.Elapsed.Milliseconds(),
	})
}

func (s *Server) listProviders(w http.ResponseWriter, _ *http.Request) {
	known := []string{}
	if s.providers != nil {
		known = s.providers.Known()
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": known})
}

// statusForError maps pipeline failures to HTTP statuses. Capacity and
// open-circuit conditions are retryable 503s; caller mistakes are 4xx;
// upstream failures surface as 502.
func statusForError(err error) (int, string) {
	var cerr *extract.ConfigError
	if errors.As(err, &cerr) {
		return http.StatusBadRequest, cerr.Error()
	}
	if errors.Is(err, session.ErrPoolExhausted) || errors.Is(err, resilience.ErrCircuitOpen) {
		return http.StatusServiceUnavailable, err.Error()
	}

	var eerr *extract.Error
	if errors.As(err, &eerr) && eerr.Kind == extract.KindSchemaMismatch {
		return http.StatusUnprocessableEntity, "extraction did not conform to the schema"
	}

	var perr *pipeline.Error
	if errors.As(err, &perr) {
		switch perr.Kind {
		case pipeline.KindSession:
			return http.StatusServiceUnavailable, perr.Msg
		case pipeline.KindRender, pipeline.KindExtraction:
			return http.StatusBadGateway, perr.Msg
		}
		return http.StatusInternalServerError, perr.Msg
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, "extraction timed out"
	}
	return http.StatusInternalServerError, "internal error"
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write response failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type requestIDKey struct{}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}
