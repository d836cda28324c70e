// Package lampserver simulates the lamp's device side: the settings REST
// endpoint and the live WebSocket channel.
package lampserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/lampsync/internal/command"
	"github.com/dokzlo13/lampsync/internal/eventbus"
	"github.com/dokzlo13/lampsync/internal/ledger"
	"github.com/dokzlo13/lampsync/internal/script"
	"github.com/dokzlo13/lampsync/internal/settings"
	"github.com/dokzlo13/lampsync/internal/state"
)

const (
	settingsKind = "settings"
	previewKind  = "preview"
	lampID       = "lamp"

	maxBodyBytes = 1 << 20
)

// Hooks lets a script observe commands and veto settings writes.
type Hooks interface {
	CheckSettings(ctx context.Context, doc map[string]any) error
	NotifyCommand(ctx context.Context, sessionID string, cmd map[string]any)
}

// Server is the simulated lamp.
type Server struct {
	addr     string
	store    *state.Store
	previews *state.TypedStore[Preview]
	ledger   *ledger.Ledger
	bus      *eventbus.Bus
	hooks    Hooks

	upgrader   websocket.Upgrader
	httpServer *http.Server
	listening  atomic.Bool

	mu       sync.Mutex
	preview  Preview
	sessions map[string]*websocket.Conn
}

// NewServer creates a simulator. The last known preview is restored from
// store. bus and hooks may be nil.
func NewServer(host string, port int, store *state.Store, l *ledger.Ledger, bus *eventbus.Bus, hooks Hooks) *Server {
	s := &Server{
		addr:     fmt.Sprintf("%s:%d", host, port),
		store:    store,
		previews: state.NewTypedStore[Preview](store, previewKind),
		ledger:   l,
		bus:      bus,
		hooks:    hooks,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		preview:  newPreview(),
		sessions: make(map[string]*websocket.Conn),
	}

	stored, version, err := s.previews.Get(lampID)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to restore preview, starting fresh")
	} else if version > 0 {
		s.preview = stored
	}
	return s
}

// SetHooks installs the script hooks. Must be called before serving.
func (s *Server) SetHooks(hooks Hooks) {
	s.hooks = hooks
}

// Handler returns the HTTP routes of the simulator.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /settings", s.handleGetSettings)
	mux.HandleFunc("PUT /settings", s.handlePutSettings)
	mux.HandleFunc("GET /preview", s.handlePreview)
	mux.HandleFunc("GET /ledger", s.handleLedger)
	mux.HandleFunc("GET /ws", s.handleLive)
	return mux
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.addr
}

// Serve accepts connections on ln until ctx is cancelled. Live sessions are
// dropped before the HTTP server shuts down.
func (s *Server) Serve(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration) error {
	s.httpServer = &http.Server{
		Handler: s.Handler(),
	}

	log.Info().Str("addr", ln.Addr().String()).Msg("Lamp simulator listening")

	go func() {
		<-ctx.Done()
		s.listening.Store(false)
		s.CloseSessions()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Lamp simulator shutdown error")
		}
	}()

	s.listening.Store(true)
	defer s.listening.Store(false)
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Listening reports whether Serve is accepting connections.
func (s *Server) Listening() bool {
	return s.listening.Load()
}

// Preview returns a copy of the current preview.
func (s *Server) Preview() Preview {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.preview.Clone()
}

// Sessions returns the number of open live sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// CloseSessions drops every live connection, as a lamp reboot would.
func (s *Server) CloseSessions() {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.sessions))
	for _, conn := range s.sessions {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "lamp restarting"),
			time.Now().Add(time.Second))
		conn.Close()
	}
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	payload, version, err := s.store.Get(settingsKind, lampID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read stored settings")
		writeError(w, http.StatusInternalServerError, "failed to read settings")
		return
	}
	if payload == nil {
		payload = []byte(`{}`)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("ETag", etag(version))
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	if _, err := settings.Parse(body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var compacted bytes.Buffer
	if err := json.Compact(&compacted, body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !bytes.HasPrefix(compacted.Bytes(), []byte("{")) {
		writeError(w, http.StatusBadRequest, "settings must be a JSON object")
		return
	}

	if s.hooks != nil {
		var doc map[string]any
		if err := json.Unmarshal(compacted.Bytes(), &doc); err != nil {
			writeError(w, http.StatusBadRequest, "settings must be a JSON object")
			return
		}
		if err := s.hooks.CheckSettings(r.Context(), doc); err != nil {
			if errors.Is(err, script.ErrRejected) {
				writeError(w, http.StatusUnprocessableEntity, err.Error())
				return
			}
			log.Error().Err(err).Msg("Settings hook failed")
			writeError(w, http.StatusInternalServerError, "settings hook failed")
			return
		}
	}

	var version int64
	if match := r.Header.Get("If-Match"); match != "" {
		expected, perr := parseETag(match)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "invalid If-Match header")
			return
		}
		version, err = s.store.SetIfVersion(settingsKind, lampID, compacted.Bytes(), expected)
		if errors.Is(err, state.ErrVersionConflict) {
			w.Header().Set("ETag", etag(version))
			writeError(w, http.StatusPreconditionFailed, err.Error())
			return
		}
	} else {
		version, err = s.store.Set(settingsKind, lampID, compacted.Bytes())
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to store settings")
		writeError(w, http.StatusInternalServerError, "failed to store settings")
		return
	}

	if err := s.ledger.Append(ledger.KindSettingsStored, "", "put", compacted.Bytes()); err != nil {
		log.Warn().Err(err).Msg("Failed to append settings to ledger")
	}
	s.bus.Emit(eventbus.EventSettingsStored, map[string]any{
		"version": version,
		"bytes":   compacted.Len(),
	})
	log.Info().Int64("version", version).Int("bytes", compacted.Len()).Msg("Settings stored")

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("ETag", etag(version))
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{"status": "ok", "version": version})
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.Preview())
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	var (
		entries []*ledger.Entry
		err     error
	)
	if session := r.URL.Query().Get("session"); session != "" {
		entries, err = s.ledger.BySession(session)
	} else {
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, perr := strconv.Atoi(v); perr == nil && n > 0 {
				limit = n
			}
		}
		entries, err = s.ledger.Recent(limit)
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to read ledger")
		writeError(w, http.StatusInternalServerError, "failed to read ledger")
		return
	}
	if entries == nil {
		entries = []*ledger.Entry{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Live channel upgrade failed")
		return
	}

	sessionID := uuid.NewString()
	s.openSession(sessionID, conn)
	defer s.closeSession(sessionID, conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("session", sessionID).Msg("Live session read ended")
			}
			return
		}
		s.receive(r.Context(), sessionID, data)
	}
}

func (s *Server) openSession(sessionID string, conn *websocket.Conn) {
	s.mu.Lock()
	s.sessions[sessionID] = conn
	s.mu.Unlock()

	if err := s.ledger.Append(ledger.KindSessionOpened, sessionID, "", nil); err != nil {
		log.Warn().Err(err).Msg("Failed to append session to ledger")
	}
	s.bus.Emit(eventbus.EventSessionOpened, map[string]any{
		"session": sessionID,
		"remote":  conn.RemoteAddr().String(),
	})
	log.Info().Str("session", sessionID).Str("remote", conn.RemoteAddr().String()).Msg("Live session opened")
}

func (s *Server) closeSession(sessionID string, conn *websocket.Conn) {
	conn.Close()

	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	if err := s.ledger.Append(ledger.KindSessionClosed, sessionID, "", nil); err != nil {
		log.Warn().Err(err).Msg("Failed to append session to ledger")
	}
	s.bus.Emit(eventbus.EventSessionClosed, map[string]any{"session": sessionID})
	log.Info().Str("session", sessionID).Msg("Live session closed")
}

// receive applies one frame from a live session. Undecodable frames are
// logged and skipped; the session stays open.
func (s *Server) receive(ctx context.Context, sessionID string, data []byte) {
	var cmd command.Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		log.Warn().Err(err).Str("session", sessionID).Str("frame", string(data)).Msg("Ignoring invalid live command")
		return
	}

	s.mu.Lock()
	s.preview.Apply(cmd)
	snapshot := s.preview.Clone()
	s.mu.Unlock()

	if _, err := s.previews.Set(lampID, snapshot); err != nil {
		log.Warn().Err(err).Msg("Failed to persist preview")
	}
	if err := s.ledger.Append(ledger.KindCommand, sessionID, string(cmd.Action), data); err != nil {
		log.Warn().Err(err).Msg("Failed to append command to ledger")
	}
	s.bus.Emit(eventbus.EventLiveCommand, map[string]any{
		"session": sessionID,
		"action":  string(cmd.Action),
		"payload": string(data),
	})
	log.Debug().Str("session", sessionID).RawJSON("command", data).Msg("Live command applied")

	if s.hooks != nil {
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err == nil {
			s.hooks.NotifyCommand(ctx, sessionID, raw)
		}
	}
}

func etag(version int64) string {
	return strconv.Quote(strconv.FormatInt(version, 10))
}

func parseETag(value string) (int64, error) {
	value = strings.TrimPrefix(strings.TrimSpace(value), "W/")
	return strconv.ParseInt(strings.Trim(value, `"`), 10, 64)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
