package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/egress-fetcher/internal/connection"
	"github.com/JakeFAU/egress-fetcher/internal/egress"
	"github.com/JakeFAU/egress-fetcher/internal/index"
	"github.com/JakeFAU/egress-fetcher/internal/metrics"
	"github.com/JakeFAU/egress-fetcher/internal/policy/blocklist"
	"github.com/JakeFAU/egress-fetcher/internal/pool"
)

// Fetcher performs one outbound request.
type Fetcher interface {
	Fetch(
		ctx context.Context,
		method egress.Method,
		rawURL string,
		payload any,
		opts ...connection.CallOption,
	) (egress.Response, error)
}

// PoolViewer exposes the selector state.
type PoolViewer interface {
	Snapshot() pool.Snapshot
}

// RobotsChecker decides whether a URL may be fetched.
type RobotsChecker interface {
	Allowed(ctx context.Context, rawURL string) bool
}

// Indexer stores fetched documents and answers keyword lookups.
type Indexer interface {
	IndexResponse(ctx context.Context, rawURL string, resp egress.Response) (int64, error)
	Search(ctx context.Context, word string) ([]index.Hit, error)
}

// Server wires HTTP handlers to the connection manager.
type Server struct {
	router         chi.Router
	fetcher        Fetcher
	pool           PoolViewer
	robots         RobotsChecker
	blocked        *blocklist.List
	respectRobots  bool
	indexer        Indexer
	requestTimeout time.Duration
	logger         *zap.Logger
}

// Option customizes a Server.
type Option func(*Server)

// WithRobots enables robots.txt checks; respect sets the default for
// requests that do not specify respect_robots.
func WithRobots(checker RobotsChecker, respect bool) Option {
	return func(s *Server) {
		s.robots = checker
		s.respectRobots = respect
	}
}

// WithBlocklist refuses requests whose host matches list.
func WithBlocklist(list *blocklist.List) Option {
	return func(s *Server) {
		s.blocked = list
	}
}

// WithIndexer enables document indexing and the search route.
func WithIndexer(indexer Indexer) Option {
	return func(s *Server) {
		s.indexer = indexer
	}
}

// WithRequestTimeout bounds each API request. Zero disables the bound.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.requestTimeout = d
	}
}

// NewServer constructs a Server with middleware and routes.
func NewServer(fetcher Fetcher, viewer PoolViewer, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		fetcher:        fetcher,
		pool:           viewer,
		requestTimeout: 2 * time.Minute,
		logger:         logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	if s.requestTimeout > 0 {
		r.Use(timeoutMiddleware(s.requestTimeout))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/fetch", s.fetch)
		r.Get("/pool", s.poolSnapshot)
		if s.indexer != nil {
			r.Get("/search", s.search)
		}
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	paths := 0
	if s.pool != nil {
		paths = len(s.pool.Snapshot().Entries)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "paths": paths})
}

type fetchRequest struct {
	URL           string `json:"url"`
	Method        string `json:"method"`
	Payload       any    `json:"payload"`
	RespectRobots *bool  `json:"respect_robots"`
	Index         bool   `json:"index"`
}

type fetchResponse struct {
	egress.Response
	DocumentID *int64 `json:"document_id,omitempty"`
}

func (s *Server) fetch(w http.ResponseWriter, r *http.Request) {
	var req fetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	method, ok := egress.ParseMethod(req.Method)
	if !ok {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported method %q", req.Method))
		return
	}
	if err := connection.ValidateURL(req.URL); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.blocked.BlockedURL(req.URL) {
		s.writeError(w, http.StatusForbidden, "host is blocked")
		return
	}

	respect := s.respectRobots
	if req.RespectRobots != nil {
		respect = *req.RespectRobots
	}
	if respect && s.robots != nil && !s.robots.Allowed(r.Context(), req.URL) {
		s.writeError(w, http.StatusForbidden, "disallowed by robots.txt")
		return
	}

	resp, err := s.fetcher.Fetch(r.Context(), method, req.URL, req.Payload)
	if err != nil {
		status := statusForError(err)
		s.logger.Warn("fetch failed",
			zap.String("url", req.URL),
			zap.String("method", string(method)),
			zap.Int("status", status),
			zap.Error(err),
		)
		s.writeError(w, status, err.Error())
		return
	}

	out := fetchResponse{Response: resp}
	if req.Index {
		if s.indexer == nil {
			s.writeError(w, http.StatusBadRequest, "indexing is not configured")
			return
		}
		docID, err := s.indexer.IndexResponse(r.Context(), req.URL, resp)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out.DocumentID = &docID
	}
	s.writeJSON(w, http.StatusOK, out)
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, egress.ErrInvalidURL):
		return http.StatusBadRequest
	case errors.Is(err, egress.ErrNoHealthyPath):
		return http.StatusServiceUnavailable
	case errors.Is(err, egress.ErrBridgeFailure):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	default:
		return http.StatusBadGateway
	}
}

type poolEntry struct {
	Index    int      `json:"index"`
	Kind     string   `json:"kind"`
	Address  string   `json:"address"`
	UseCases []string `json:"use_cases"`
	Rotation struct {
		Enabled  bool `json:"enabled"`
		Interval int  `json:"interval"`
	} `json:"rotation"`
	Uses int `json:"uses"`
}

func (s *Server) poolSnapshot(w http.ResponseWriter, _ *http.Request) {
	if s.pool == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"cursor": 0, "entries": []poolEntry{}})
		return
	}
	snap := s.pool.Snapshot()
	entries := make([]poolEntry, 0, len(snap.Entries))
	for i, d := range snap.Entries {
		entry := poolEntry{
			Index:   i,
			Kind:    d.Kind().String(),
			Address: d.Redacted(),
			Uses:    snap.Uses[i],
		}
		for _, uc := range d.UseCases() {
			entry.UseCases = append(entry.UseCases, string(uc))
		}
		entry.Rotation.Enabled = d.Rotation().Enabled
		entry.Rotation.Interval = d.Rotation().Interval
		entries = append(entries, entry)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"cursor": snap.Cursor, "entries": entries})
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		s.writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	hits, err := s.indexer.Search(r.Context(), q)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		if n < len(hits) {
			hits = hits[:n]
		}
	}
	if hits == nil {
		hits = []index.Hit{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"query": q, "hits": hits})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("request_id", reqID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeJSON(logger, w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

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

type requestIDKey struct{}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	writeJSON(s.logger, w, status, payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}
