package app

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/lampsync/internal/config"
)

// App runs one simulated lamp: the settings and live endpoints plus the
// supporting services.
type App struct {
	cfg      *config.Config
	services *Services

	ctx    context.Context
	cancel context.CancelFunc
	addr   net.Addr

	served   chan struct{}
	serveErr error
}

// New opens the store and wires every service. Nothing is started yet.
func New(cfg *config.Config) (*App, error) {
	services, err := NewServices(cfg)
	if err != nil {
		return nil, err
	}
	return &App{cfg: cfg, services: services}, nil
}

// ClearState forgets the stored settings and the last preview.
func (a *App) ClearState() error {
	if err := a.services.Store.Clear(""); err != nil {
		return fmt.Errorf("clear lamp state: %w", err)
	}
	log.Info().Msg("Stored lamp state cleared")
	return nil
}

// Start binds the lamp address, then starts the background services and the
// lamp server. A bind failure is returned before anything runs.
func (a *App) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.services.Lamp.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.services.Lamp.Addr(), err)
	}

	a.ctx, a.cancel = context.WithCancel(ctx)
	if err := a.services.Start(a.ctx); err != nil {
		ln.Close()
		a.cancel()
		return err
	}

	a.addr = ln.Addr()
	a.served = make(chan struct{})
	go func() {
		defer close(a.served)
		a.serveErr = a.services.Lamp.Serve(a.ctx, ln, a.cfg.GetShutdownTimeout())
	}()

	log.Info().
		Str("addr", a.addr.String()).
		Bool("script", a.services.Script.Enabled()).
		Msg("Lamp simulator started")
	return nil
}

// Addr returns the bound lamp address. Valid after Start.
func (a *App) Addr() net.Addr {
	return a.addr
}

// Wait blocks until ctx passed to Start is cancelled or the lamp server
// stops on its own, in which case its error is returned.
func (a *App) Wait() error {
	select {
	case <-a.ctx.Done():
		return nil
	case <-a.served:
		if a.serveErr == nil {
			if a.ctx.Err() != nil {
				return nil
			}
			return errors.New("lamp server stopped")
		}
		return a.serveErr
	}
}

// Stop shuts the lamp server down, drains the event bus and closes the store.
func (a *App) Stop() error {
	log.Info().Msg("Shutting down...")

	if a.cancel != nil {
		a.cancel()
	}
	if a.served != nil {
		<-a.served
	}
	return a.services.Stop()
}
