package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/lampsync/internal/engine"
	"github.com/dokzlo13/lampsync/internal/eventbus"
	"github.com/dokzlo13/lampsync/internal/live"
	"github.com/dokzlo13/lampsync/internal/persist"
)

var errNotConnected = errors.New("lamp live channel not connected")

// session is one engine lifetime for a single command.
type session struct {
	eng    *engine.Engine
	bus    *eventbus.Bus
	client *persist.Client
}

func (a *App) client() *persist.Client {
	p := a.cfg.Persistence
	return persist.NewClient(p.BaseURL, p.Timeout.Duration(), p.RateLimitRPS)
}

func (a *App) liveConfig() live.Config {
	l := a.cfg.Live
	return live.Config{
		URL:               l.URL,
		MaxReconnects:     l.MaxReconnects,
		ReconnectInterval: l.ReconnectInterval.Duration(),
		Debounce:          l.Debounce.Duration(),
		HandshakeTimeout:  l.HandshakeTimeout.Duration(),
		WriteTimeout:      l.WriteTimeout.Duration(),
	}
}

// openSession loads the settings and opens the live channel. It waits up to
// a.Wait for the channel; needLive turns a missing channel into an error.
func (a *App) openSession(ctx context.Context, needLive bool) (*session, error) {
	cfg := a.liveConfig()
	s := &session{
		bus:    eventbus.NewWithConfig(a.cfg.EventBus.GetWorkers(), a.cfg.EventBus.GetQueueSize()),
		client: a.client(),
	}
	s.eng = engine.New(s.client, engine.ManagerFactory(cfg, live.NewWebsocketDialer(cfg.HandshakeTimeout)), s.bus)

	if err := s.eng.Initialize(ctx); err != nil {
		s.close()
		return nil, err
	}

	if err := waitConnected(ctx, s.eng, a.Wait); err != nil {
		if needLive {
			s.close()
			return nil, err
		}
		log.Warn().Err(err).Msg("Continuing without live preview")
	}
	return s, nil
}

// close pushes any debounced command before tearing the channel down.
func (s *session) close() {
	s.eng.Flush()
	s.eng.Cleanup()
	s.client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.bus.Close(ctx)
}

func waitConnected(ctx context.Context, eng *engine.Engine, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		st := eng.Status()
		if st.Connected {
			return nil
		}
		if st.LiveState == live.StateGaveUp {
			return fmt.Errorf("%w: %w", errNotConnected, live.ErrConnectionExhausted)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w after %s", errNotConnected, timeout)
		case <-ticker.C:
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// parseValue decodes a command line value as JSON, falling back to a plain
// string so `set lamp.name desk` works without quoting.
func parseValue(arg string) any {
	var v any
	if err := json.Unmarshal([]byte(arg), &v); err != nil {
		return arg
	}
	return v
}

// lookup walks a decoded document along a dotted path.
func lookup(doc any, path string) (any, bool) {
	if path == "" {
		return doc, true
	}
	node := doc
	for _, key := range strings.Split(path, ".") {
		switch n := node.(type) {
		case map[string]any:
			v, ok := n[key]
			if !ok {
				return nil, false
			}
			node = v
		case []any:
			i, err := strconv.Atoi(key)
			if err != nil || i < 0 || i >= len(n) {
				return nil, false
			}
			node = n[i]
		default:
			return nil, false
		}
	}
	return node, true
}
