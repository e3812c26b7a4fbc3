package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/syncbox/syncbox/internal/logger"
	"github.com/syncbox/syncbox/pkg/metrics"
)

// AdminConfig holds the admin HTTP server settings.
type AdminConfig struct {
	// BindAddress is the address the admin server binds to. Defaults to
	// loopback: the surface is operational, not public.
	BindAddress string

	// Port is the HTTP port for the admin endpoints.
	Port int
}

func (c *AdminConfig) applyDefaults() {
	if c.BindAddress == "" {
		c.BindAddress = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
}

// AdminServer exposes the server's operational surface over HTTP:
//
//   - GET /healthz            liveness probe
//   - GET /api/v1/sessions    active user sessions and their devices
//   - GET /metrics            Prometheus scrape endpoint (when enabled)
type AdminServer struct {
	server       *http.Server
	cfg          AdminConfig
	shutdownOnce sync.Once
}

// NewAdminServer creates the admin HTTP server over the sync server's
// session registry. Call Start to begin serving.
func NewAdminServer(cfg AdminConfig, registry *Registry) *AdminServer {
	cfg.applyDefaults()

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/api/v1/sessions", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"sessions": registry.Snapshot()})
	})

	if reg := metrics.GetRegistry(); reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	return &AdminServer{
		server: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port),
			Handler:      r,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		cfg: cfg,
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (a *AdminServer) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Info("admin server listening", logger.KeyAddr, a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			select {
			case errChan <- err:
			default:
			}
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("admin server failed: %w", err)
	}
}

// Stop shuts the admin server down. Safe to call multiple times.
func (a *AdminServer) Stop(ctx context.Context) error {
	var err error
	a.shutdownOnce.Do(func() {
		if serr := a.server.Shutdown(ctx); serr != nil {
			err = fmt.Errorf("admin server shutdown: %w", serr)
		} else {
			logger.Info("admin server stopped")
		}
	})
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
