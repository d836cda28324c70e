package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/dokzlo13/lampsync/internal/db"
	"github.com/dokzlo13/lampsync/internal/lampserver"
	"github.com/dokzlo13/lampsync/internal/ledger"
	"github.com/dokzlo13/lampsync/internal/persist"
	"github.com/dokzlo13/lampsync/internal/state"
)

const seedDoc = `{"lamp":{"name":"desk","brightness":60},"shade":{"colors":["#ff0000"]},"base":{"colors":["#00ff00"]}}`

type testLamp struct {
	sim    *lampserver.Server
	http   *httptest.Server
	client *persist.Client
	host   string
}

func newTestLamp(t *testing.T) *testLamp {
	t.Helper()
	database, err := db.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	sim := lampserver.NewServer("127.0.0.1", 0, state.NewStore(database.DB), ledger.New(database.DB), nil, nil)
	ts := httptest.NewServer(sim.Handler())
	client := persist.NewClient(ts.URL, 2*time.Second, 100)
	t.Cleanup(func() {
		sim.CloseSessions()
		ts.Close()
		client.Close()
		database.Close()
	})

	if err := client.Save(context.Background(), []byte(seedDoc)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return &testLamp{sim: sim, http: ts, client: client, host: strings.TrimPrefix(ts.URL, "http://")}
}

func (l *testLamp) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(append([]string{
		"--lamp", l.host,
		"--config", filepath.Join(t.TempDir(), "missing.yaml"),
		"--no-color",
		"--wait", "2s",
	}, args...))
	err := cmd.Execute()
	return buf.String(), err
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGet(t *testing.T) {
	lamp := newTestLamp(t)

	out, err := lamp.run(t, "get", "lamp.brightness")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	assert.Equal(t, "60\n", out)

	out, err = lamp.run(t, "get", "shade.colors.0")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	assert.Equal(t, "\"#ff0000\"\n", out)

	if _, err := lamp.run(t, "get", "lamp.homeModeSSID"); err == nil {
		t.Fatal("expected error for unset path")
	}
}

func TestSet_PreviewsAndSaves(t *testing.T) {
	lamp := newTestLamp(t)

	if _, err := lamp.run(t, "set", "lamp.brightness", "35"); err != nil {
		t.Fatalf("set: %v", err)
	}
	waitFor(t, "preview", func() bool { return lamp.sim.Preview().Brightness == 35 })

	doc, err := lamp.client.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, 35, *doc.Lamp.Brightness)
	assert.Equal(t, "desk", *doc.Lamp.Name)
}

func TestSet_NoSave(t *testing.T) {
	lamp := newTestLamp(t)

	if _, err := lamp.run(t, "set", "--no-save", "lamp.brightness", "10"); err != nil {
		t.Fatalf("set: %v", err)
	}
	waitFor(t, "preview", func() bool { return lamp.sim.Preview().Brightness == 10 })

	doc, err := lamp.client.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, 60, *doc.Lamp.Brightness)
}

func TestSet_StringValue(t *testing.T) {
	lamp := newTestLamp(t)

	if _, err := lamp.run(t, "set", "lamp.name", "bedroom"); err != nil {
		t.Fatalf("set: %v", err)
	}
	doc, err := lamp.client.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, "bedroom", *doc.Lamp.Name)
}

func TestSet_InvalidPath(t *testing.T) {
	lamp := newTestLamp(t)

	if _, err := lamp.run(t, "set", "lamp.colour", "1"); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestKnockout(t *testing.T) {
	lamp := newTestLamp(t)

	if _, err := lamp.run(t, "knockout", "3", "20"); err != nil {
		t.Fatalf("knockout: %v", err)
	}
	waitFor(t, "preview", func() bool { return lamp.sim.Preview().Knockout[3] == 20 })

	doc, err := lamp.client.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, 1, len(doc.Base.Knockout))
	assert.Equal(t, 3, *doc.Base.Knockout[0].P)

	if _, err := lamp.run(t, "knockout", "x", "20"); err == nil {
		t.Fatal("expected error for non-numeric pixel")
	}
}

func TestTab(t *testing.T) {
	lamp := newTestLamp(t)

	if _, err := lamp.run(t, "tab", "info"); err != nil {
		t.Fatalf("tab: %v", err)
	}
	waitFor(t, "tab", func() bool { return lamp.sim.Preview().Tab == "info" })

	if _, err := lamp.run(t, "tab", "settings"); err == nil {
		t.Fatal("expected error for unknown tab")
	}
}

func TestPreview_RestoresColors(t *testing.T) {
	lamp := newTestLamp(t)

	if _, err := lamp.run(t, "preview", "#123456", "--target", "shade", "--hold", "10ms"); err != nil {
		t.Fatalf("preview: %v", err)
	}
	// Four establishment commands, the preview, then the restore.
	waitFor(t, "restore", func() bool {
		p := lamp.sim.Preview()
		return p.Commands >= 5 && slices.Equal(p.Shade, []string{"#ff0000"})
	})

	if _, err := lamp.run(t, "preview", "#123456", "--target", "roof"); err == nil {
		t.Fatal("expected error for unknown target")
	}
}

func TestStatus_JSON(t *testing.T) {
	lamp := newTestLamp(t)

	out, err := lamp.run(t, "--json", "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var st map[string]any
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	assert.Equal(t, "desk", st["name"])
	assert.Equal(t, true, st["loaded"])
	assert.Equal(t, true, st["connected"])
	assert.Equal(t, "connected", st["live_state"])
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"40", 40.0},
		{"true", true},
		{"null", nil},
		{`["#fff"]`, []any{"#fff"}},
		{"desk", "desk"},
		{`"quoted"`, "quoted"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseValue(tt.in))
	}
}

func TestLookup(t *testing.T) {
	doc := map[string]any{
		"lamp": map[string]any{"brightness": 40.0},
		"list": []any{"a", "b"},
	}

	tests := []struct {
		path string
		want any
		ok   bool
	}{
		{"lamp.brightness", 40.0, true},
		{"list.1", "b", true},
		{"list.2", nil, false},
		{"list.x", nil, false},
		{"lamp.missing", nil, false},
		{"lamp.brightness.deeper", nil, false},
	}
	for _, tt := range tests {
		got, ok := lookup(doc, tt.path)
		assert.Equal(t, tt.ok, ok)
		assert.Equal(t, tt.want, got)
	}
}
