// Package script runs the simulator's optional Lua hook script.
//
// A script registers callbacks through the "lamp" module:
//
//	local lamp = require("lamp")
//	local log = require("log")
//
//	lamp.on_command(function(session, cmd)
//	  log.info("command", { session = session, action = cmd.a })
//	end)
//
//	lamp.on_settings(function(doc)
//	  if doc.lamp and doc.lamp.name == "" then
//	    return false, "name must not be empty"
//	  end
//	  return true
//	end)
package script

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"
)

// ErrRuntimeClosed is returned when the Lua runtime is closed
var ErrRuntimeClosed = errors.New("lua runtime closed")

// ErrRejected is returned when on_settings rejects a document.
var ErrRejected = errors.New("settings rejected by script")

// Work is executed on the Lua worker goroutine. All access to the LState
// goes through it.
type Work func(ctx context.Context, L *lua.LState)

// PreviewFunc returns the simulator's current preview for lamp.preview().
type PreviewFunc func() map[string]any

// Runtime owns a Lua VM and the single goroutine allowed to touch it.
type Runtime struct {
	L    *lua.LState
	lamp *lampModule

	workQueue chan Work

	// closing is closed to stop senders before the worker exits.
	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// NewRuntime creates a runtime with the log and lamp modules preloaded.
func NewRuntime(preview PreviewFunc) *Runtime {
	L := lua.NewState()

	r := &Runtime{
		L:         L,
		lamp:      &lampModule{preview: preview},
		workQueue: make(chan Work, 100),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
	}

	L.PreloadModule("log", logLoader)
	L.PreloadModule("lamp", r.lamp.Loader)
	return r
}

// LoadScript executes the script at path. Must be called before Run.
func (r *Runtime) LoadScript(path string) error {
	log.Info().Str("path", path).Msg("Loading Lua script")
	if err := r.L.DoFile(path); err != nil {
		return fmt.Errorf("failed to execute Lua script: %w", err)
	}
	log.Info().
		Bool("on_command", r.lamp.onCommand != nil).
		Bool("on_settings", r.lamp.onSettings != nil).
		Msg("Lua script loaded")
	return nil
}

// LoadString executes source. Must be called before Run.
func (r *Runtime) LoadString(source string) error {
	if err := r.L.DoString(source); err != nil {
		return fmt.Errorf("failed to execute Lua script: %w", err)
	}
	return nil
}

// Run processes queued work until ctx is cancelled or Close is called. The
// Lua state is closed when Run returns.
func (r *Runtime) Run(ctx context.Context) {
	defer func() {
		r.L.Close()
		close(r.done)
	}()
	for {
		select {
		case <-ctx.Done():
			r.drainQueue(ctx)
			return
		case <-r.closing:
			r.drainQueue(ctx)
			return
		case work := <-r.workQueue:
			r.executeWork(ctx, work)
		}
	}
}

func (r *Runtime) drainQueue(ctx context.Context) {
	for {
		select {
		case work := <-r.workQueue:
			r.executeWork(ctx, work)
		default:
			return
		}
	}
}

func (r *Runtime) executeWork(ctx context.Context, work Work) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Msg("Lua work panicked - worker continuing")
		}
	}()
	r.L.SetContext(ctx)
	work(ctx, r.L)
}

// Do queues work without blocking. It returns false when the work was
// dropped.
func (r *Runtime) Do(ctx context.Context, work Work) bool {
	select {
	case <-r.closing:
		return false
	default:
	}

	select {
	case <-ctx.Done():
		return false
	case r.workQueue <- work:
		return true
	default:
		log.Warn().Msg("Lua work queue full, dropping work")
		return false
	}
}

// DoSyncWithResult queues work and waits for its result.
func (r *Runtime) DoSyncWithResult(ctx context.Context, work func(ctx context.Context, L *lua.LState) error) error {
	result := make(chan error, 1)
	wrapped := Work(func(c context.Context, L *lua.LState) {
		result <- work(c, L)
	})

	select {
	case <-r.closing:
		return ErrRuntimeClosed
	default:
	}

	select {
	case <-r.closing:
		return ErrRuntimeClosed
	case <-ctx.Done():
		return ctx.Err()
	case r.workQueue <- wrapped:
	}

	select {
	case <-r.done:
		// The worker may have drained our work on its way out.
		select {
		case err := <-result:
			return err
		default:
			return ErrRuntimeClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	case err := <-result:
		return err
	}
}

// NotifyCommand passes a decoded live command to on_command, if registered.
func (r *Runtime) NotifyCommand(ctx context.Context, sessionID string, cmd map[string]any) {
	r.Do(ctx, func(_ context.Context, L *lua.LState) {
		fn := r.lamp.onCommand
		if fn == nil {
			return
		}
		if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true},
			lua.LString(sessionID), goToLua(L, cmd)); err != nil {
			log.Error().Err(err).Msg("Lua on_command failed")
		}
	})
}

// CheckSettings asks on_settings whether doc may be stored. Without a
// registered hook every document is accepted.
func (r *Runtime) CheckSettings(ctx context.Context, doc map[string]any) error {
	return r.DoSyncWithResult(ctx, func(_ context.Context, L *lua.LState) error {
		fn := r.lamp.onSettings
		if fn == nil {
			return nil
		}
		if err := L.CallByParam(lua.P{Fn: fn, NRet: 2, Protect: true}, goToLua(L, doc)); err != nil {
			return fmt.Errorf("on_settings: %w", err)
		}
		ok, reason := L.Get(-2), L.Get(-1)
		L.Pop(2)

		if ok == lua.LNil || ok == lua.LFalse {
			if reason == lua.LNil {
				return ErrRejected
			}
			return fmt.Errorf("%w: %s", ErrRejected, lua.LVAsString(reason))
		}
		return nil
	})
}

// Close stops the worker. Queued work is drained first.
func (r *Runtime) Close() {
	r.closeOnce.Do(func() { close(r.closing) })
}
