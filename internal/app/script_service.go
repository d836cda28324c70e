package app

import (
	"context"

	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"

	"github.com/dokzlo13/lampsync/internal/config"
	"github.com/dokzlo13/lampsync/internal/script"
)

// ScriptService wraps the optional Lua hook script.
type ScriptService struct {
	cfg     *config.Config
	Runtime *script.Runtime
}

// NewScriptService creates a ScriptService. Without a configured script the
// runtime is not created.
func NewScriptService(cfg *config.Config, preview script.PreviewFunc) *ScriptService {
	s := &ScriptService{cfg: cfg}
	if cfg.Server.Script != "" {
		s.Runtime = script.NewRuntime(preview)
	}
	return s
}

// Enabled reports whether a script is configured.
func (s *ScriptService) Enabled() bool {
	return s.Runtime != nil
}

// LoadScript loads and executes the Lua script.
// Must be called before Start().
func (s *ScriptService) LoadScript() error {
	if !s.Enabled() {
		log.Info().Msg("No Lua script configured, hooks disabled")
		return nil
	}
	return s.Runtime.LoadScript(s.cfg.Server.Script)
}

// Start begins the Lua worker goroutine.
func (s *ScriptService) Start(ctx context.Context) {
	if !s.Enabled() {
		return
	}
	// The worker is the only goroutine that touches Lua.
	go s.Runtime.Run(ctx)
}

// Ping round-trips a no-op through the Lua worker.
func (s *ScriptService) Ping(ctx context.Context) error {
	if !s.Enabled() {
		return nil
	}
	return s.Runtime.DoSyncWithResult(ctx, func(context.Context, *lua.LState) error { return nil })
}

// Close closes the Lua runtime.
func (s *ScriptService) Close() {
	if s.Runtime != nil {
		s.Runtime.Close()
	}
}
