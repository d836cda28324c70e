package lampserver_test

import (
	"context"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/dokzlo13/lampsync/internal/db"
	"github.com/dokzlo13/lampsync/internal/engine"
	"github.com/dokzlo13/lampsync/internal/eventbus"
	"github.com/dokzlo13/lampsync/internal/lampserver"
	"github.com/dokzlo13/lampsync/internal/ledger"
	"github.com/dokzlo13/lampsync/internal/live"
	"github.com/dokzlo13/lampsync/internal/persist"
	"github.com/dokzlo13/lampsync/internal/state"
)

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEngineAgainstSimulator(t *testing.T) {
	database, err := db.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	defer database.Close()

	sim := lampserver.NewServer("127.0.0.1", 0, state.NewStore(database.DB), ledger.New(database.DB), nil, nil)
	ts := httptest.NewServer(sim.Handler())
	defer ts.Close()
	defer sim.CloseSessions()

	ctx := context.Background()
	client := persist.NewClient(ts.URL, 2*time.Second, 100)
	defer client.Close()

	seed := `{"lamp":{"name":"desk","brightness":60},"shade":{"colors":["#ff0000"]},"base":{"colors":["#00ff00"]}}`
	if err := client.Save(ctx, []byte(seed)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	bus := eventbus.New()
	defer bus.Close(ctx)

	liveCfg := live.Config{
		URL:               "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
		MaxReconnects:     5,
		ReconnectInterval: 200 * time.Millisecond,
		Debounce:          5 * time.Millisecond,
	}
	eng := engine.New(client, engine.ManagerFactory(liveCfg, live.NewWebsocketDialer(time.Second)), bus)
	defer eng.Cleanup()

	if err := eng.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	// Opening the channel replays brightness, tab and colors.
	eventually(t, "establishment replay", func() bool {
		p := sim.Preview()
		return p.Brightness == 60 && slices.Equal(p.Shade, []string{"#ff0000"}) && slices.Equal(p.Base, []string{"#00ff00"})
	})

	if err := eng.SetBrightness(30); err != nil {
		t.Fatal(err)
	}
	if err := eng.SetKnockoutBrightness(2, 10); err != nil {
		t.Fatal(err)
	}
	eventually(t, "live updates", func() bool {
		p := sim.Preview()
		return p.Brightness == 30 && p.Knockout[2] == 10
	})
	assert.Equal(t, true, eng.HasChanges())

	if err := eng.Save(ctx); err != nil {
		t.Fatalf("Save: %v", err)
	}
	assert.Equal(t, false, eng.HasChanges())

	stored, err := client.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, 30, *stored.Lamp.Brightness)
	assert.Equal(t, "desk", *stored.Lamp.Name)
	assert.Equal(t, 1, len(stored.Base.Knockout))
	assert.Equal(t, 10, stored.Base.Knockout[0].B)

	// A lamp restart drops the session; the engine reconnects on its own.
	sim.CloseSessions()
	eventually(t, "disconnect noticed", func() bool { return !eng.Status().Connected })
	eventually(t, "reconnected", func() bool { return eng.Status().Connected && sim.Sessions() == 1 })

	if err := eng.SetBrightness(45); err != nil {
		t.Fatal(err)
	}
	eventually(t, "update after reconnect", func() bool { return sim.Preview().Brightness == 45 })
}
