package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/lampsync/internal/config"
)

const readyCheckTimeout = 2 * time.Second

// ReadyCheck reports whether one part of the simulator can serve requests.
type ReadyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthService serves /health (process up) and /ready (store, lamp server
// and script worker answering).
type HealthService struct {
	cfg    *config.Config
	checks []ReadyCheck
}

func NewHealthService(cfg *config.Config, checks ...ReadyCheck) *HealthService {
	return &HealthService{cfg: cfg, checks: checks}
}

// Start serves the health endpoints in the background if enabled.
func (s *HealthService) Start(ctx context.Context) {
	if !s.cfg.Healthcheck.Enabled {
		return
	}
	go s.run(ctx)
}

// Handler returns the health routes.
func (s *HealthService) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, http.StatusOK, map[string]any{"status": "healthy"})
	})
	mux.HandleFunc("GET /ready", s.handleReady)
	return mux
}

func (s *HealthService) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyCheckTimeout)
	defer cancel()

	results := make(map[string]string, len(s.checks))
	status, code := "ready", http.StatusOK
	for _, c := range s.checks {
		if err := c.Check(ctx); err != nil {
			results[c.Name] = err.Error()
			status, code = "not_ready", http.StatusServiceUnavailable
			continue
		}
		results[c.Name] = "ok"
	}
	writeHealth(w, code, map[string]any{"status": status, "checks": results})
}

func (s *HealthService) run(ctx context.Context) {
	addr := fmt.Sprintf("%s:%d", s.cfg.Healthcheck.Host, s.cfg.Healthcheck.Port)
	server := &http.Server{Addr: addr, Handler: s.Handler()}

	log.Info().Str("addr", addr).Msg("Starting health check server")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.GetShutdownTimeout())
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Health check server shutdown error")
		}
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("Health check server error")
	}
}

func writeHealth(w http.ResponseWriter, code int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Debug().Err(err).Msg("Failed to write health response")
	}
}
