// Package server exposes the cache over a small HTTP admin API: key
// operations, per-namespace stats, health, and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/tiercache"
	"github.com/wudi/tiercache/internal/config"
	"github.com/wudi/tiercache/internal/logging"
	"github.com/wudi/tiercache/internal/metrics"
)

// maxValueBytes caps a single PUT body.
const maxValueBytes = 16 << 20

// Server serves the admin API for one Cache.
type Server struct {
	cfg        config.ServerConfig
	cache      *tiercache.Cache
	httpServer *http.Server
	startTime  time.Time
}

// New creates a Server around an opened cache.
func New(cfg config.ServerConfig, cache *tiercache.Cache) *Server {
	s := &Server{
		cfg:       cfg,
		cache:     cache,
		startTime: time.Now(),
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/cache/", s.handleCache)

	if s.cfg.MetricsEnabled {
		mux.Handle("/metrics", metrics.Handler())
	}

	return mux
}

// Run starts the server and blocks until SIGINT or SIGTERM.
func (s *Server) Run() error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info("admin server listening", zap.String("address", s.cfg.Address))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logging.Info("shutting down", zap.String("signal", sig.String()))
		return s.Shutdown(s.cfg.ShutdownTimeout)
	}
}

// Shutdown stops the HTTP server and closes the cache.
func (s *Server) Shutdown(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		logging.Error("http shutdown error", zap.Error(err))
	}
	if err := s.cache.Close(); err != nil {
		logging.Error("cache close error", zap.Error(err))
		return err
	}
	logging.Info("shutdown complete")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":     "ok",
		"timestamp":  time.Now().Format(time.RFC3339),
		"uptime":     time.Since(s.startTime).String(),
		"namespaces": len(s.cache.Namespaces()),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"namespaces": s.cache.Stats(),
		"strategies": s.cache.StrategyStats(),
	})
}

// handleCache serves key operations:
//
//	GET    /cache/{namespace}/{key}            read
//	PUT    /cache/{namespace}/{key}?ttl=&tags= write
//	DELETE /cache/{namespace}/{key}            invalidate one key
//	DELETE /cache/{namespace}?tag=             invalidate by tag
//	DELETE /cache/{namespace}                  clear the namespace
func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/cache/")
	namespace, key, _ := strings.Cut(rest, "/")
	if namespace == "" {
		http.Error(w, "namespace required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleGet(w, r, namespace, key)
	case http.MethodPut, http.MethodPost:
		s.handlePut(w, r, namespace, key)
	case http.MethodDelete:
		s.handleDelete(w, r, namespace, key)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, namespace, key string) {
	if key == "" {
		http.Error(w, "key required", http.StatusBadRequest)
		return
	}

	value, ok, err := s.cache.Get(r.Context(), namespace, key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(value)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request, namespace, key string) {
	if key == "" {
		http.Error(w, "key required", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxValueBytes+1))
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(body) > maxValueBytes {
		http.Error(w, "value too large", http.StatusRequestEntityTooLarge)
		return
	}

	var opts []tiercache.SetOption
	if raw := r.URL.Query().Get("ttl"); raw != "" {
		ttl, err := time.ParseDuration(raw)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid ttl %q", raw), http.StatusBadRequest)
			return
		}
		opts = append(opts, tiercache.WithTTL(ttl))
	}
	if raw := r.URL.Query().Get("tags"); raw != "" {
		opts = append(opts, tiercache.WithTags(strings.Split(raw, ",")...))
	}

	if err := s.cache.Set(r.Context(), namespace, key, body, opts...); err != nil {
		http.Error(w, err.Error(), http.StatusInsufficientStorage)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, namespace, key string) {
	var err error
	switch {
	case key != "":
		err = s.cache.Invalidate(r.Context(), namespace, key)
	case r.URL.Query().Get("tag") != "":
		err = s.cache.InvalidateTag(r.Context(), namespace, r.URL.Query().Get("tag"))
	default:
		err = s.cache.Clear(r.Context(), namespace)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
