// Package live owns the push connection to the lamp: connect, reconnect with
// a fixed interval until the attempt budget runs out, and a debounced send.
//
// The channel carries transient preview state only. Commands issued while
// disconnected are dropped, never queued.
package live

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ErrConnectionExhausted is reported when the reconnect budget is spent.
var ErrConnectionExhausted = errors.New("live channel: max reconnects exceeded")

// Defaults matching the lamp firmware's expectations.
const (
	DefaultMaxReconnects     = 60
	DefaultReconnectInterval = 2500 * time.Millisecond
	DefaultDebounce          = 10 * time.Millisecond
	DefaultHandshakeTimeout  = 5 * time.Second
	DefaultWriteTimeout      = 2 * time.Second
)

// State is the connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateGaveUp
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateGaveUp:
		return "gave_up"
	default:
		return "unknown"
	}
}

// Config contains live channel settings.
type Config struct {
	URL               string
	MaxReconnects     int           // consecutive reconnect attempts before giving up
	ReconnectInterval time.Duration // fixed delay between attempts
	Debounce          time.Duration // send coalescing window
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = DefaultMaxReconnects
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = DefaultReconnectInterval
	}
	if c.Debounce <= 0 {
		c.Debounce = DefaultDebounce
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	return c
}

// Hooks are invoked without any manager lock held, so they may call back
// into the manager.
type Hooks struct {
	OnOpen        func()
	OnStateChange func(State)
	OnGiveUp      func(error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the timer source.
func WithClock(c Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// Manager maintains at most one live connection.
//
// Every asynchronous callback (dial result, read loop exit, reconnect timer,
// debounce timer) carries the generation it was started under and is a no-op
// once that generation has been superseded.
type Manager struct {
	cfg    Config
	dialer Dialer
	clock  Clock
	hooks  Hooks
	spawn  func(func())

	mu         sync.Mutex
	state      State
	conn       Conn
	connGen    uint64
	dialCancel context.CancelFunc
	attempts   int

	reconnectTimer Timer
	reconnectGen   uint64

	pending   [][]byte
	sendTimer Timer
	sendGen   uint64
}

// NewManager creates a disconnected manager. Call Connect to start.
func NewManager(cfg Config, dialer Dialer, hooks Hooks, opts ...Option) *Manager {
	m := &Manager{
		cfg:    cfg.withDefaults(),
		dialer: dialer,
		clock:  realClock{},
		hooks:  hooks,
		spawn:  func(f func()) { go f() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected reports whether the channel is open.
func (m *Manager) Connected() bool {
	return m.State() == StateConnected
}

// Attempts returns the number of reconnect attempts since the last open.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Connect cancels any pending reconnect, drops the current connection and
// dials a new one. Calling it after the manager gave up restores the full
// reconnect budget.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.state == StateGaveUp {
		m.attempts = 0
	}
	ctx, gen, change := m.prepareConnectLocked()
	m.mu.Unlock()

	m.notify(change)
	m.spawn(func() { m.dial(ctx, gen) })
}

// Send replaces any pending debounced send with msgs. Only the last call
// within the debounce window reaches the lamp; its messages are written in
// order. Nothing is sent while disconnected.
func (m *Manager) Send(msgs ...any) {
	frames, err := encode(msgs)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to encode live command, dropping")
		return
	}
	if len(frames) == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateConnected {
		log.Debug().Str("state", m.state.String()).Int("messages", len(frames)).Msg("Live channel not connected, dropping command")
		return
	}

	m.stopSendLocked()
	m.pending = frames
	gen := m.sendGen
	m.sendTimer = m.clock.AfterFunc(m.cfg.Debounce, func() { m.fireSend(gen) })
}

// SendImmediate writes msgs now, bypassing the debounce window. A pending
// debounced send is discarded so it cannot land after msgs.
func (m *Manager) SendImmediate(msgs ...any) {
	frames, err := encode(msgs)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to encode live command, dropping")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopSendLocked()
	m.writeLocked(frames)
}

// Flush writes the pending debounced send immediately, if any.
func (m *Manager) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()

	frames := m.pending
	m.stopSendLocked()
	if len(frames) > 0 {
		m.writeLocked(frames)
	}
}

// Close cancels all timers, closes the connection and resets counters.
// It is safe to call from any state and more than once.
func (m *Manager) Close() {
	m.mu.Lock()
	m.cancelReconnectLocked()
	m.stopSendLocked()
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.connGen++
	m.attempts = 0
	change := m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	m.notify(change)
}

type stateChange struct {
	state   State
	changed bool
}

func (m *Manager) setStateLocked(s State) stateChange {
	if m.state == s {
		return stateChange{state: s}
	}
	m.state = s
	return stateChange{state: s, changed: true}
}

func (m *Manager) notify(c stateChange) {
	if c.changed && m.hooks.OnStateChange != nil {
		m.hooks.OnStateChange(c.state)
	}
}

func (m *Manager) prepareConnectLocked() (context.Context, uint64, stateChange) {
	m.cancelReconnectLocked()
	m.stopSendLocked()
	if m.dialCancel != nil {
		m.dialCancel()
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.connGen++

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HandshakeTimeout)
	m.dialCancel = cancel
	return ctx, m.connGen, m.setStateLocked(StateConnecting)
}

func (m *Manager) dial(ctx context.Context, gen uint64) {
	log.Debug().Str("url", m.cfg.URL).Uint64("gen", gen).Msg("Dialing live channel")

	conn, err := m.dialer.Dial(ctx, m.cfg.URL)
	if err != nil {
		// A failed dial behaves like an error followed by a close.
		m.handleError(gen, err)
		m.handleClose(gen)
		return
	}
	m.handleOpen(gen, conn)
}

func (m *Manager) handleOpen(gen uint64, conn Conn) {
	m.mu.Lock()
	if gen != m.connGen {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	m.conn = conn
	m.attempts = 0
	change := m.setStateLocked(StateConnected)
	m.mu.Unlock()

	log.Info().Str("url", m.cfg.URL).Msg("Live channel connected")

	go m.readLoop(gen, conn)
	m.notify(change)
	if m.hooks.OnOpen != nil {
		m.hooks.OnOpen()
	}
}

func (m *Manager) readLoop(gen uint64, conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				m.handleError(gen, err)
			}
			m.handleClose(gen)
			return
		}
		log.Trace().Int("bytes", len(data)).Msg("Live channel message ignored")
	}
}

// handleError marks the channel disconnected. Retry is driven by the close
// that follows.
func (m *Manager) handleError(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.connGen {
		m.mu.Unlock()
		return
	}
	change := m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	log.Warn().Err(err).Str("url", m.cfg.URL).Msg("Live channel error")
	m.notify(change)
}

func (m *Manager) handleClose(gen uint64) {
	m.mu.Lock()
	if gen != m.connGen {
		m.mu.Unlock()
		return
	}
	m.connGen++
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.stopSendLocked()

	if m.attempts < m.cfg.MaxReconnects {
		m.attempts++
		attempt := m.attempts
		change := m.setStateLocked(StateDisconnected)
		m.scheduleReconnectLocked()
		m.mu.Unlock()

		log.Warn().
			Int("attempt", attempt).
			Int("max_reconnects", m.cfg.MaxReconnects).
			Dur("interval", m.cfg.ReconnectInterval).
			Msg("Live channel closed, reconnecting")
		m.notify(change)
		return
	}

	change := m.setStateLocked(StateGaveUp)
	m.mu.Unlock()

	log.Error().
		Int("max_reconnects", m.cfg.MaxReconnects).
		Msg("Live channel: max reconnects exceeded, giving up")
	m.notify(change)
	if m.hooks.OnGiveUp != nil {
		m.hooks.OnGiveUp(ErrConnectionExhausted)
	}
}

func (m *Manager) scheduleReconnectLocked() {
	m.cancelReconnectLocked()
	gen := m.reconnectGen
	m.reconnectTimer = m.clock.AfterFunc(m.cfg.ReconnectInterval, func() { m.fireReconnect(gen) })
}

func (m *Manager) cancelReconnectLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.reconnectGen++
}

func (m *Manager) fireReconnect(gen uint64) {
	m.mu.Lock()
	if gen != m.reconnectGen {
		m.mu.Unlock()
		return
	}
	m.reconnectTimer = nil
	ctx, connGen, change := m.prepareConnectLocked()
	m.mu.Unlock()

	m.notify(change)
	m.spawn(func() { m.dial(ctx, connGen) })
}

func (m *Manager) stopSendLocked() {
	if m.sendTimer != nil {
		m.sendTimer.Stop()
		m.sendTimer = nil
	}
	m.pending = nil
	m.sendGen++
}

func (m *Manager) fireSend(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.sendGen {
		return
	}
	frames := m.pending
	m.pending = nil
	m.sendTimer = nil
	m.writeLocked(frames)
}

func (m *Manager) writeLocked(frames [][]byte) {
	if m.state != StateConnected || m.conn == nil {
		log.Debug().Int("messages", len(frames)).Msg("Live channel not connected, dropping command")
		return
	}

	for _, frame := range frames {
		_ = m.conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
		if err := m.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			// A failed write leaves the websocket unusable; closing it lets
			// the read loop drive the reconnect.
			log.Warn().Err(err).Msg("Live channel write failed")
			_ = m.conn.Close()
			return
		}
		log.Debug().RawJSON("command", frame).Msg("Live command sent")
	}
}

func encode(msgs []any) ([][]byte, error) {
	frames := make([][]byte, 0, len(msgs))
	for _, msg := range msgs {
		data, err := json.Marshal(msg)
		if err != nil {
			return nil, err
		}
		frames = append(frames, data)
	}
	return frames, nil
}
