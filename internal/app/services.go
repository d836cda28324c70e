package app

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/lampsync/internal/config"
	"github.com/dokzlo13/lampsync/internal/db"
	"github.com/dokzlo13/lampsync/internal/eventbus"
	"github.com/dokzlo13/lampsync/internal/lampserver"
	"github.com/dokzlo13/lampsync/internal/ledger"
	"github.com/dokzlo13/lampsync/internal/state"
)

// Services is a container for all simulator services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// Core infrastructure
	DB     *db.DB
	Ledger *ledger.Ledger
	Store  *state.Store
	Bus    *eventbus.Bus

	// High-level services
	Lamp    *lampserver.Server
	Script  *ScriptService
	Cleanup *LedgerCleanupService
	Health  *HealthService
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{cfg: cfg}

	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	s.DB = database

	s.Ledger = ledger.New(database.DB)
	s.Store = state.NewStore(database.DB)
	s.Bus = eventbus.NewWithConfig(cfg.EventBus.GetWorkers(), cfg.EventBus.GetQueueSize())

	s.Lamp = lampserver.NewServer(cfg.Server.Host, cfg.Server.Port, s.Store, s.Ledger, s.Bus, nil)

	// The script reads the live preview, so it is created after the server.
	s.Script = NewScriptService(cfg, func() map[string]any {
		return s.Lamp.Preview().Map()
	})
	if s.Script.Enabled() {
		s.Lamp.SetHooks(s.Script.Runtime)
	}

	s.Cleanup = NewLedgerCleanupService(cfg, s.Ledger)
	s.Health = NewHealthService(cfg, s.readyChecks()...)

	return s, nil
}

func (s *Services) readyChecks() []ReadyCheck {
	checks := []ReadyCheck{
		{Name: "store", Check: s.DB.PingContext},
		{Name: "lamp", Check: func(context.Context) error {
			if !s.Lamp.Listening() {
				return errors.New("not listening")
			}
			return nil
		}},
	}
	if s.Script.Enabled() {
		checks = append(checks, ReadyCheck{Name: "script", Check: s.Script.Ping})
	}
	return checks
}

// Start starts the background services. The lamp server itself is served
// by App.
func (s *Services) Start(ctx context.Context) error {
	// Load Lua script before starting worker
	if err := s.Script.LoadScript(); err != nil {
		return err
	}

	s.Bus.Subscribe(eventbus.Any, func(e eventbus.Event) {
		log.Debug().Str("event_type", string(e.Type)).Interface("data", e.Data).Msg("Simulator event")
	})

	s.Script.Start(ctx)
	s.Cleanup.Start(ctx)
	s.Health.Start(ctx)
	return nil
}

// Stop gracefully stops all services.
func (s *Services) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.GetShutdownTimeout())
	defer cancel()
	s.Bus.Close(ctx)
	s.Close()
	return nil
}

// Close releases all resources.
func (s *Services) Close() {
	if s.Script != nil {
		s.Script.Close()
	}
	if s.DB != nil {
		s.DB.Close()
	}
}
