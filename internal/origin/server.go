package origin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

// ServerOptions controls fault injection.
type ServerOptions struct {
	// FailFirst makes the first FailFirst requests for every segment
	// answer 503 Service Unavailable
	FailFirst int

	// Latency delays every segment response
	Latency time.Duration
}

// Server serves a packaged asset over HTTP.
type Server struct {
	asset      *Asset
	port       int
	opts       ServerOptions
	logger     *slog.Logger
	httpServer *http.Server

	mu       sync.Mutex
	failures map[uint64]int
	requests map[string]int
}

// NewServer creates a new HTTP server for asset.
func NewServer(asset *Asset, port int, opts ServerOptions, logger *slog.Logger) *Server {
	return &Server{
		asset:    asset,
		port:     port,
		opts:     opts,
		logger:   logger,
		failures: make(map[uint64]int),
		requests: make(map[string]int),
	}
}

// Handler returns the HTTP handler serving the asset.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.loggingMiddleware)

	r.Get("/"+masterPath, s.handleMaster)
	r.Get("/"+mediaPath, s.handleMedia)
	r.Get("/keys/{id}.key", s.handleKey)
	r.Get("/segments/{seq}.ts", s.handleSegment)
	r.Get("/health", s.handleHealth)

	return r
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "port", s.port)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.httpServer.Shutdown(shutdownCtx)
}

// Requests returns how many requests hit the given path.
func (s *Server) Requests(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[path]
}

func (s *Server) handleMaster(w http.ResponseWriter, r *http.Request) {
	s.writePlaylist(w, s.asset.MasterPlaylist)
}

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	s.writePlaylist(w, s.asset.MediaPlaylist)
}

func (s *Server) writePlaylist(w http.ResponseWriter, generate func() (string, error)) {
	content, err := generate()
	if err != nil {
		s.logger.Error("failed to generate playlist", "error", err)
		http.Error(w, "failed to generate playlist", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(content))
}

func (s *Server) handleKey(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	key, ok := s.asset.Key(id)
	if !ok {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	w.Write(key[:])
}

func (s *Server) handleSegment(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.ParseUint(chi.URLParam(r, "seq"), 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	seg, ok := s.asset.Segment(seq)
	if !ok {
		http.NotFound(w, r)
		return
	}

	if s.shouldFail(seq) {
		http.Error(w, "injected failure", http.StatusServiceUnavailable)
		return
	}

	if s.opts.Latency > 0 {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(s.opts.Latency):
		}
	}

	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	w.Write(seg.Ciphertext)
}

// shouldFail reports whether this request for seq gets an injected failure.
func (s *Server) shouldFail(seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failures[seq] >= s.opts.FailFirst {
		return false
	}
	s.failures[seq]++
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":   "ok",
		"segments": len(s.asset.Segments),
		"keys":     len(s.asset.Keys),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(health)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		s.mu.Lock()
		s.requests[r.URL.Path]++
		s.mu.Unlock()

		// Wrap the response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"status", wrapped.statusCode,
			"duration", time.Since(start),
		)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
