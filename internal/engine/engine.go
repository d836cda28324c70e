// Package engine keeps the settings document, the live lamp preview and the
// persisted copy in sync. One Engine is constructed per process and passed to
// every consumer.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/lampsync/internal/command"
	"github.com/dokzlo13/lampsync/internal/dirty"
	"github.com/dokzlo13/lampsync/internal/eventbus"
	"github.com/dokzlo13/lampsync/internal/knockout"
	"github.com/dokzlo13/lampsync/internal/live"
	"github.com/dokzlo13/lampsync/internal/settings"
)

// ErrNotLoaded is returned by mutations issued before Initialize loaded the
// document.
var ErrNotLoaded = errors.New("settings not loaded")

// ErrInvalidTarget is returned for an unknown expression preview target.
var ErrInvalidTarget = errors.New("invalid expression target")

// Store is the persisted copy of the document.
type Store interface {
	Load(ctx context.Context) (*settings.Settings, error)
	Save(ctx context.Context, body []byte) error
}

// Channel is the live connection to the lamp. *live.Manager implements it.
type Channel interface {
	Connect()
	Close()
	Send(msgs ...any)
	SendImmediate(msgs ...any)
	Flush()
	Connected() bool
	State() live.State
}

// ChannelFactory builds a channel wired to the engine's hooks.
type ChannelFactory func(hooks live.Hooks) Channel

// ManagerFactory returns a factory producing live managers.
func ManagerFactory(cfg live.Config, dialer live.Dialer, opts ...live.Option) ChannelFactory {
	return func(hooks live.Hooks) Channel {
		return live.NewManager(cfg, dialer, hooks, opts...)
	}
}

// Tabs known to the lamp firmware.
const (
	TabHome        = "home"
	TabExpressions = "expressions"
	TabLampSetup   = "lamp-setup"
	TabInfo        = "info"
)

// Tabs lists the tab ids in display order.
var Tabs = []string{TabHome, TabExpressions, TabLampSetup, TabInfo}

// Status is a snapshot of the engine flags.
type Status struct {
	Loaded     bool
	Saving     bool
	Connected  bool
	Disabled   bool // no live channel; previews have no effect
	HasChanges bool
	LiveState  live.State
	ActiveTab  string

	// ResetGeneration increases after every SaveAndRestart so collaborators
	// holding local form state know to discard it.
	ResetGeneration int

	LoadError error
	SaveError error
}

// Engine is the single mutation entry point for the settings document.
type Engine struct {
	store      Store
	newChannel ChannelFactory
	bus        *eventbus.Bus

	mu              sync.Mutex
	doc             *settings.Settings
	tracker         dirty.Tracker
	channel         Channel
	initialized     bool
	loaded          bool
	saving          bool
	session         uint64
	activeTab       string
	resetGeneration int
	loadErr         error
	saveErr         error
}

// New creates an engine. bus may be nil.
func New(store Store, newChannel ChannelFactory, bus *eventbus.Bus) *Engine {
	return &Engine{
		store:      store,
		newChannel: newChannel,
		bus:        bus,
		doc:        &settings.Settings{},
		activeTab:  TabHome,
	}
}

// Initialize loads the document and then opens the live channel. A second
// call is a no-op until Cleanup runs. A load failure still marks the engine
// loaded, with an empty document, and skips the live channel.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	if e.initialized {
		e.mu.Unlock()
		return nil
	}
	e.initialized = true
	e.session++
	session := e.session
	e.mu.Unlock()

	doc, loadErr := e.store.Load(ctx)

	e.mu.Lock()
	if session != e.session {
		e.mu.Unlock()
		log.Debug().Msg("Engine cleaned up during load, discarding result")
		return nil
	}

	if loadErr != nil {
		log.Error().Err(loadErr).Msg("Failed to load settings")
		doc = &settings.Settings{}
	}
	e.doc = doc
	e.loadErr = loadErr
	if err := e.tracker.Reset(e.doc); err != nil {
		log.Warn().Err(err).Msg("Failed to take settings baseline")
	}
	e.loaded = true

	var ch Channel
	if loadErr == nil {
		ch = e.newChannel(e.hooks(session))
		e.channel = ch
	}
	e.mu.Unlock()

	data := map[string]any{}
	if loadErr != nil {
		data["error"] = loadErr.Error()
	}
	e.bus.Emit(eventbus.EventLoaded, data)
	log.Info().Bool("ok", loadErr == nil).Msg("Settings loaded")

	if ch != nil {
		ch.Connect()
	}
	return loadErr
}

// Cleanup tears down the live channel and allows Initialize to run again.
// Callbacks from the old channel are ignored afterwards.
func (e *Engine) Cleanup() {
	e.mu.Lock()
	ch := e.channel
	e.channel = nil
	e.initialized = false
	e.session++
	e.mu.Unlock()

	// The channel reports its final state change synchronously, so it must
	// be closed outside the engine lock.
	if ch != nil {
		ch.Close()
	}
	log.Debug().Msg("Engine cleaned up")
}

func (e *Engine) hooks(session uint64) live.Hooks {
	return live.Hooks{
		OnOpen: func() { e.handleOpen(session) },
		OnStateChange: func(s live.State) {
			if !e.current(session) {
				return
			}
			e.bus.Emit(eventbus.EventStatusChanged, map[string]any{
				"state":     s.String(),
				"connected": s == live.StateConnected,
			})
		},
		OnGiveUp: func(err error) {
			if !e.current(session) {
				return
			}
			e.bus.Emit(eventbus.EventConnectionExhausted, map[string]any{"error": err.Error()})
		},
	}
}

func (e *Engine) current(session uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return session == e.session
}

// handleOpen brings a freshly connected lamp to the current intent.
func (e *Engine) handleOpen(session uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if session != e.session || e.channel == nil {
		return
	}
	msgs := e.establishmentLocked()
	log.Debug().Int("messages", len(msgs)).Msg("Replaying preview state to lamp")
	e.channel.SendImmediate(msgs...)
}

func (e *Engine) establishmentLocked() []any {
	var msgs []any
	if e.doc.Lamp != nil {
		msgs = append(msgs, command.Bright(e.doc.Lamp.EffectiveBrightness()))
	}
	msgs = append(msgs, command.Tab(e.activeTab))
	return append(msgs, e.colorsLocked()...)
}

func (e *Engine) colorsLocked() []any {
	var msgs []any
	if colors := e.doc.ShadeColors(); colors != nil {
		msgs = append(msgs, command.Shade(colors))
	}
	if colors := e.doc.BaseColors(); colors != nil {
		msgs = append(msgs, command.Base(colors))
	}
	return msgs
}

func (e *Engine) senderLocked() Channel {
	if e.channel == nil {
		return offline{}
	}
	return e.channel
}

// UpdateSetting sets the value at a dotted path, creating intermediate
// sections, and pushes the live command the path implies.
func (e *Engine) UpdateSetting(path string, value any) error {
	e.mu.Lock()
	if !e.loaded {
		e.mu.Unlock()
		return ErrNotLoaded
	}
	if err := e.doc.Set(path, value); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("update %s: %w", path, err)
	}
	command.NewTranslator(e.senderLocked()).Setting(path, e.doc)
	changed := e.tracker.HasChanges(e.doc)
	e.mu.Unlock()

	e.bus.Emit(eventbus.EventSettingsChanged, map[string]any{"path": path, "has_changes": changed})
	return nil
}

// SetKnockoutBrightness sets the override for pixel and always sends the
// knockout command, including when the pixel returns to full brightness.
func (e *Engine) SetKnockoutBrightness(pixel, brightness int) error {
	e.mu.Lock()
	if !e.loaded {
		e.mu.Unlock()
		return ErrNotLoaded
	}
	if err := knockout.Set(e.doc, pixel, brightness); err != nil {
		e.mu.Unlock()
		return err
	}
	command.NewTranslator(e.senderLocked()).Knockout(pixel, brightness)
	changed := e.tracker.HasChanges(e.doc)
	e.mu.Unlock()

	e.bus.Emit(eventbus.EventSettingsChanged, map[string]any{
		"path":        "base.knockout",
		"pixel":       pixel,
		"has_changes": changed,
	})
	return nil
}

// KnockoutBrightness returns the override for pixel, or knockout.Full.
func (e *Engine) KnockoutBrightness(pixel int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return knockout.Get(e.doc, pixel)
}

// Save persists the document when it differs from the baseline. It is a
// no-op while another save is in flight. On failure the baseline is left
// untouched and the error returned; saves are never retried automatically.
func (e *Engine) Save(ctx context.Context) error {
	e.mu.Lock()
	if !e.loaded {
		e.mu.Unlock()
		return ErrNotLoaded
	}
	if e.saving || !e.tracker.HasChanges(e.doc) {
		e.mu.Unlock()
		return nil
	}
	knockout.Compact(e.doc)
	body, err := e.doc.Marshal()
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("serialize settings: %w", err)
	}
	e.saving = true
	session := e.session
	e.mu.Unlock()

	log.Debug().Int("bytes", len(body)).Msg("Saving settings")
	err = e.store.Save(ctx, body)

	e.mu.Lock()
	e.saving = false
	if session == e.session {
		if err == nil {
			e.tracker.Advance(body)
		}
		e.saveErr = err
	}
	e.mu.Unlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to save settings")
		e.bus.Emit(eventbus.EventSaveFailed, map[string]any{"error": err.Error()})
		return err
	}
	log.Info().Int("bytes", len(body)).Msg("Settings saved")
	e.bus.Emit(eventbus.EventSaved, map[string]any{"bytes": len(body)})
	return nil
}

// SaveAndRestart saves and, on success, bumps the reset generation.
func (e *Engine) SaveAndRestart(ctx context.Context) error {
	if err := e.Save(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	e.resetGeneration++
	gen := e.resetGeneration
	e.mu.Unlock()

	e.bus.Emit(eventbus.EventStatusChanged, map[string]any{"reset_generation": gen})
	return nil
}

// Reset discards unsaved edits and pushes the restored preview to the lamp.
func (e *Engine) Reset() error {
	e.mu.Lock()
	if !e.loaded {
		e.mu.Unlock()
		return ErrNotLoaded
	}
	doc, err := e.tracker.Restore()
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("restore baseline: %w", err)
	}
	e.doc = doc
	e.senderLocked().SendImmediate(e.establishmentLocked()...)
	e.mu.Unlock()

	e.bus.Emit(eventbus.EventSettingsChanged, map[string]any{"path": "", "has_changes": false})
	return nil
}

// SetActiveTab records the tab and tells the lamp when connected. It
// reports whether the command was sent.
func (e *Engine) SetActiveTab(tab string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.activeTab = tab
	return command.NewTranslator(e.senderLocked()).Tab(tab)
}

// ActiveTab returns the current tab id.
func (e *Engine) ActiveTab() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeTab
}

// TestExpression asks the lamp to run an expression once.
func (e *Engine) TestExpression(expressionType string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.senderLocked().Send(command.TestExpression(expressionType))
}

// TestExpressionComplete ends an expression test and returns the lamp to
// the committed colors.
func (e *Engine) TestExpressionComplete() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.senderLocked().Send(command.TestExpressionComplete(e.doc.ShadeColors(), e.doc.BaseColors()))
}

// PreviewExpressionColor shows a single color on the zones selected by
// target without touching the document.
func (e *Engine) PreviewExpressionColor(color string, target settings.Target) error {
	if !target.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidTarget, int(target))
	}

	var msgs []any
	if target.Shade() {
		msgs = append(msgs, command.Shade([]string{color}))
	}
	if target.Base() {
		msgs = append(msgs, command.Base([]string{color}))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.senderLocked().Send(msgs...)
	return nil
}

// RestoreColorsAfterPreview re-sends the committed colors.
func (e *Engine) RestoreColorsAfterPreview() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if msgs := e.colorsLocked(); len(msgs) > 0 {
		e.senderLocked().Send(msgs...)
	}
}

// Flush writes any debounced live command now.
func (e *Engine) Flush() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.senderLocked().Flush()
}

// Settings returns a deep copy of the current document.
func (e *Engine) Settings() *settings.Settings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.doc.Clone()
}

// HasChanges reports whether the document differs from the baseline.
func (e *Engine) HasChanges() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loaded && e.tracker.HasChanges(e.doc)
}

// Status returns a snapshot of the engine flags.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch := e.senderLocked()
	connected := ch.Connected()
	return Status{
		Loaded:          e.loaded,
		Saving:          e.saving,
		Connected:       connected,
		Disabled:        !connected,
		HasChanges:      e.loaded && e.tracker.HasChanges(e.doc),
		LiveState:       ch.State(),
		ActiveTab:       e.activeTab,
		ResetGeneration: e.resetGeneration,
		LoadError:       e.loadErr,
		SaveError:       e.saveErr,
	}
}

// offline stands in for the channel when none is open.
type offline struct{}

func (offline) Connect()             {}
func (offline) Close()               {}
func (offline) Send(...any)          {}
func (offline) SendImmediate(...any) {}
func (offline) Flush()               {}
func (offline) Connected() bool      { return false }
func (offline) State() live.State    { return live.StateDisconnected }
