package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/dokzlo13/lampsync/internal/command"
	"github.com/dokzlo13/lampsync/internal/eventbus"
	"github.com/dokzlo13/lampsync/internal/live"
	"github.com/dokzlo13/lampsync/internal/settings"
)

type fakeStore struct {
	mu      sync.Mutex
	doc     string
	loadErr error
	saveErr error
	loads   int
	saves   []string
	block   chan struct{} // when set, Save waits on it
	started chan struct{}
}

func (s *fakeStore) Load(context.Context) (*settings.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	return settings.Parse([]byte(s.doc))
}

func (s *fakeStore) Save(_ context.Context, body []byte) error {
	s.mu.Lock()
	block, started := s.block, s.started
	s.mu.Unlock()

	if started != nil {
		close(started)
	}
	if block != nil {
		<-block
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves = append(s.saves, string(body))
	return s.saveErr
}

func (s *fakeStore) Saves() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.saves...)
}

// channelCall is one Send or SendImmediate, in call order.
type channelCall struct {
	immediate bool
	msgs      []any
}

// fakeChannel records sends and opens synchronously on Connect.
type fakeChannel struct {
	hooks     live.Hooks
	connected bool
	noOpen    bool
	connects  int
	closes    int
	sent      [][]any
	immediate [][]any
	calls     []channelCall
	flushes   int
}

func (c *fakeChannel) Connect() {
	c.connects++
	if c.noOpen {
		return
	}
	c.connected = true
	if c.hooks.OnStateChange != nil {
		c.hooks.OnStateChange(live.StateConnected)
	}
	if c.hooks.OnOpen != nil {
		c.hooks.OnOpen()
	}
}

func (c *fakeChannel) Close() {
	c.closes++
	c.connected = false
	if c.hooks.OnStateChange != nil {
		c.hooks.OnStateChange(live.StateDisconnected)
	}
}

func (c *fakeChannel) Send(msgs ...any) {
	if !c.connected {
		return
	}
	c.sent = append(c.sent, msgs)
	c.calls = append(c.calls, channelCall{msgs: msgs})
}

func (c *fakeChannel) SendImmediate(msgs ...any) {
	if !c.connected {
		return
	}
	c.immediate = append(c.immediate, msgs)
	c.calls = append(c.calls, channelCall{immediate: true, msgs: msgs})
}

func (c *fakeChannel) Flush()          { c.flushes++ }
func (c *fakeChannel) Connected() bool { return c.connected }

func (c *fakeChannel) State() live.State {
	if c.connected {
		return live.StateConnected
	}
	return live.StateDisconnected
}

func (c *fakeChannel) last() []any {
	if len(c.sent) == 0 {
		return nil
	}
	return c.sent[len(c.sent)-1]
}

func newTestEngine(t *testing.T, doc string) (*Engine, *fakeStore, *fakeChannel) {
	t.Helper()
	store := &fakeStore{doc: doc}
	ch := &fakeChannel{}
	e := New(store, func(h live.Hooks) Channel {
		ch.hooks = h
		return ch
	}, nil)
	if err := e.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return e, store, ch
}

func TestHasChanges_CleanAfterInitializeAndSave(t *testing.T) {
	e, store, _ := newTestEngine(t, `{"lamp":{"name":"desk","brightness":50}}`)

	assert.Equal(t, false, e.HasChanges())

	if err := e.SetBrightness(60); err != nil {
		t.Fatalf("SetBrightness: %v", err)
	}
	assert.Equal(t, true, e.HasChanges())

	if err := e.Save(context.Background()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	assert.Equal(t, false, e.HasChanges())
	assert.Equal(t, []string{`{"lamp":{"name":"desk","brightness":60},"base":{"knockout":[]}}`}, store.Saves())

	// Setting the value back to what was saved leaves the document clean.
	if err := e.SetBrightness(60); err != nil {
		t.Fatalf("SetBrightness: %v", err)
	}
	assert.Equal(t, false, e.HasChanges())
}

func TestHomeModeToggle(t *testing.T) {
	e, _, ch := newTestEngine(t, `{"lamp":{"brightness":100}}`)

	if err := e.UpdateSetting("lamp.homeMode", true); err != nil {
		t.Fatalf("UpdateSetting: %v", err)
	}
	assert.Equal(t, []any{command.Bright(80)}, ch.last())

	if err := e.UpdateSetting("lamp.homeMode", false); err != nil {
		t.Fatalf("UpdateSetting: %v", err)
	}
	assert.Equal(t, []any{command.Bright(100)}, ch.last())
}

func TestBrightnessFollowsHomeMode(t *testing.T) {
	e, _, ch := newTestEngine(t, `{"lamp":{"homeMode":true}}`)

	_ = e.SetBrightness(40)
	assert.Equal(t, 0, len(ch.sent))

	_ = e.SetHomeModeBrightness(25)
	assert.Equal(t, []any{command.Bright(25)}, ch.last())

	_ = e.SetLampName("bedroom")
	assert.Equal(t, 1, len(ch.sent))
}

func TestKnockoutRoundTrip(t *testing.T) {
	e, _, ch := newTestEngine(t, `{}`)

	if err := e.SetKnockoutBrightness(5, 40); err != nil {
		t.Fatalf("SetKnockoutBrightness: %v", err)
	}
	assert.Equal(t, 40, e.KnockoutBrightness(5))

	if err := e.SetKnockoutBrightness(5, 100); err != nil {
		t.Fatalf("SetKnockoutBrightness: %v", err)
	}
	assert.Equal(t, 100, e.KnockoutBrightness(5))
	assert.Equal(t, 0, len(e.Settings().Base.Knockout))

	assert.Equal(t, [][]any{
		{command.Knockout(5, 40)},
		{command.Knockout(5, 100)},
	}, ch.sent)
}

func TestKnockout_RejectsOutOfRange(t *testing.T) {
	e, _, ch := newTestEngine(t, `{}`)

	if err := e.SetKnockoutBrightness(3, 101); err == nil {
		t.Error("expected brightness range error")
	}
	if err := e.SetKnockoutBrightness(settings.MaxBaseLEDs, 10); err == nil {
		t.Error("expected pixel range error")
	}
	assert.Equal(t, 0, len(ch.sent))
}

func TestSave_FailureLeavesStateDirty(t *testing.T) {
	e, store, _ := newTestEngine(t, `{"shade":{"colors":["#000000"]}}`)
	store.saveErr = errors.New("503 service unavailable")

	_ = e.SetShadeColors([]string{"#ffffff"})
	before := e.tracker.Baseline()

	if err := e.Save(context.Background()); err == nil {
		t.Fatal("expected save error")
	}

	assert.Equal(t, true, e.HasChanges())
	assert.Equal(t, string(before), string(e.tracker.Baseline()))
	assert.Equal(t, false, e.Status().Saving)
	if e.Status().SaveError == nil {
		t.Error("expected SaveError in status")
	}

	store.saveErr = nil
	if err := e.Save(context.Background()); err != nil {
		t.Fatalf("retry Save: %v", err)
	}
	assert.Equal(t, false, e.HasChanges())
	assert.Equal(t, nil, e.Status().SaveError)
}

func TestSave_NoopWhenClean(t *testing.T) {
	e, store, _ := newTestEngine(t, `{"lamp":{"name":"desk"}}`)

	if err := e.Save(context.Background()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	assert.Equal(t, 0, len(store.Saves()))
}

func TestSave_CompactsKnockout(t *testing.T) {
	e, store, _ := newTestEngine(t, `{}`)

	err := e.UpdateSetting("base.knockout", []any{
		map[string]any{"b": 40},
		map[string]any{"p": 2, "b": 100},
		map[string]any{"p": 4, "b": 10},
	})
	if err != nil {
		t.Fatalf("UpdateSetting: %v", err)
	}

	if err := e.Save(context.Background()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	assert.Equal(t, []string{`{"base":{"knockout":[{"p":4,"b":10}]}}`}, store.Saves())
	assert.Equal(t, false, e.HasChanges())
}

func TestSave_IgnoredWhileInFlight(t *testing.T) {
	e, store, _ := newTestEngine(t, `{}`)
	store.block = make(chan struct{})
	store.started = make(chan struct{})

	_ = e.SetBrightness(10)

	errc := make(chan error, 1)
	go func() { errc <- e.Save(context.Background()) }()

	select {
	case <-store.started:
	case <-time.After(2 * time.Second):
		t.Fatal("save did not start")
	}
	assert.Equal(t, true, e.Status().Saving)

	// A second save while the first is in flight returns immediately.
	store.mu.Lock()
	store.started = nil
	store.mu.Unlock()
	if err := e.Save(context.Background()); err != nil {
		t.Fatalf("second Save: %v", err)
	}

	// Edits made during the save stay dirty after it completes.
	_ = e.SetBrightness(20)

	close(store.block)
	if err := <-errc; err != nil {
		t.Fatalf("first Save: %v", err)
	}

	assert.Equal(t, 1, len(store.Saves()))
	assert.Equal(t, true, e.HasChanges())
}

func TestMutationsBeforeLoad(t *testing.T) {
	e := New(&fakeStore{doc: `{}`}, func(live.Hooks) Channel { return &fakeChannel{} }, nil)

	assert.Equal(t, true, errors.Is(e.UpdateSetting("lamp.name", "x"), ErrNotLoaded))
	assert.Equal(t, true, errors.Is(e.SetKnockoutBrightness(1, 10), ErrNotLoaded))
	assert.Equal(t, true, errors.Is(e.Save(context.Background()), ErrNotLoaded))
	assert.Equal(t, true, errors.Is(e.Reset(), ErrNotLoaded))
	assert.Equal(t, false, e.HasChanges())
}

func TestUpdateSetting_InvalidPath(t *testing.T) {
	e, _, ch := newTestEngine(t, `{}`)

	err := e.UpdateSetting("lamp.colour", "red")
	assert.Equal(t, true, errors.Is(err, settings.ErrInvalidPath))
	assert.Equal(t, false, e.HasChanges())
	assert.Equal(t, 0, len(ch.sent))
}

func TestInitialize_Idempotent(t *testing.T) {
	e, store, ch := newTestEngine(t, `{}`)

	if err := e.Initialize(context.Background()); err != nil {
		t.Fatalf("second Initialize: %v", err)
	}
	assert.Equal(t, 1, store.loads)
	assert.Equal(t, 1, ch.connects)
}

func TestInitialize_LoadFailure(t *testing.T) {
	loadErr := errors.New("connection refused")
	store := &fakeStore{loadErr: loadErr}
	factoryCalls := 0
	e := New(store, func(live.Hooks) Channel {
		factoryCalls++
		return &fakeChannel{}
	}, nil)

	err := e.Initialize(context.Background())
	assert.Equal(t, true, errors.Is(err, loadErr))

	status := e.Status()
	assert.Equal(t, true, status.Loaded)
	assert.Equal(t, false, status.HasChanges)
	assert.Equal(t, false, status.Connected)
	assert.Equal(t, true, status.Disabled)
	assert.Equal(t, true, errors.Is(status.LoadError, loadErr))
	assert.Equal(t, 0, factoryCalls)

	// The empty document is still editable; edits make it dirty.
	if err := e.SetLampName("new lamp"); err != nil {
		t.Fatalf("SetLampName: %v", err)
	}
	assert.Equal(t, true, e.HasChanges())
}

func TestCleanup_AllowsReinitialize(t *testing.T) {
	e, store, ch := newTestEngine(t, `{}`)
	oldHooks := ch.hooks

	e.Cleanup()
	e.Cleanup()
	assert.Equal(t, 1, ch.closes)
	assert.Equal(t, false, e.Status().Connected)

	// Callbacks from the torn down channel are ignored.
	ch.connected = true
	oldHooks.OnOpen()
	assert.Equal(t, 1, len(ch.immediate))
	ch.connected = false

	if err := e.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	assert.Equal(t, 2, store.loads)
	assert.Equal(t, 2, ch.connects)
}

func TestOpen_ReplaysPreviewState(t *testing.T) {
	doc := `{"lamp":{"brightness":90,"homeMode":true,"homeModeBrightness":30},` +
		`"shade":{"colors":["#ff0000"]},"base":{"colors":["#00ff00","#0000ff"]}}`
	_, _, ch := newTestEngine(t, doc)

	assert.Equal(t, [][]any{{
		command.Bright(30),
		command.Tab(TabHome),
		command.Shade([]string{"#ff0000"}),
		command.Base([]string{"#00ff00", "#0000ff"}),
	}}, ch.immediate)
}

func TestOpen_SkipsAbsentSections(t *testing.T) {
	_, _, ch := newTestEngine(t, `{}`)
	assert.Equal(t, [][]any{{command.Tab(TabHome)}}, ch.immediate)
}

func TestSetActiveTab(t *testing.T) {
	store := &fakeStore{doc: `{}`}
	ch := &fakeChannel{noOpen: true}
	e := New(store, func(h live.Hooks) Channel { ch.hooks = h; return ch }, nil)
	_ = e.Initialize(context.Background())

	assert.Equal(t, false, e.SetActiveTab(TabInfo))
	assert.Equal(t, TabInfo, e.ActiveTab())
	assert.Equal(t, 0, len(ch.sent))

	ch.connected = true
	assert.Equal(t, true, e.SetActiveTab(TabExpressions))
	assert.Equal(t, []any{command.Tab(TabExpressions)}, ch.last())
}

func TestPreviewExpressionColor(t *testing.T) {
	e, _, ch := newTestEngine(t, `{"shade":{"colors":["#111111"]},"base":{"colors":["#222222"]}}`)

	tests := []struct {
		target settings.Target
		want   []any
	}{
		{settings.TargetShade, []any{command.Shade([]string{"#abcdef"})}},
		{settings.TargetBase, []any{command.Base([]string{"#abcdef"})}},
		{settings.TargetBoth, []any{command.Shade([]string{"#abcdef"}), command.Base([]string{"#abcdef"})}},
	}
	for _, tt := range tests {
		if err := e.PreviewExpressionColor("#abcdef", tt.target); err != nil {
			t.Fatalf("preview %s: %v", tt.target, err)
		}
		assert.Equal(t, tt.want, ch.last())
	}

	if err := e.PreviewExpressionColor("#abcdef", settings.Target(7)); !errors.Is(err, ErrInvalidTarget) {
		t.Errorf("expected ErrInvalidTarget, got %v", err)
	}

	// Previews never touch the document.
	assert.Equal(t, false, e.HasChanges())

	e.RestoreColorsAfterPreview()
	assert.Equal(t, []any{
		command.Shade([]string{"#111111"}),
		command.Base([]string{"#222222"}),
	}, ch.last())
}

func TestTestExpression(t *testing.T) {
	e, _, ch := newTestEngine(t, `{"base":{"colors":["#222222"]}}`)

	e.TestExpression("pulse")
	assert.Equal(t, []any{command.TestExpression("pulse")}, ch.last())

	e.TestExpressionComplete()
	assert.Equal(t, []any{command.TestExpressionComplete(nil, []string{"#222222"})}, ch.last())
}

func TestReset_RestoresBaselineAndReplays(t *testing.T) {
	e, _, ch := newTestEngine(t, `{"lamp":{"brightness":70},"shade":{"colors":["#101010"]}}`)

	_ = e.SetBrightness(10)
	_ = e.SetShadeColors([]string{"#ffffff"})
	_ = e.SetKnockoutBrightness(1, 0)
	assert.Equal(t, true, e.HasChanges())

	if err := e.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	assert.Equal(t, false, e.HasChanges())
	assert.Equal(t, 70, *e.Settings().Lamp.Brightness)
	assert.Equal(t, 100, e.KnockoutBrightness(1))
	assert.Equal(t, []any{
		command.Bright(70),
		command.Tab(TabHome),
		command.Shade([]string{"#101010"}),
	}, ch.immediate[len(ch.immediate)-1])

	lastCall := ch.calls[len(ch.calls)-1]
	assert.Equal(t, true, lastCall.immediate)
	assert.Equal(t, command.Bright(70), lastCall.msgs[0])
}

// manualClock fires its timers only when Fire is called.
type manualClock struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	mu      sync.Mutex
	f       func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	wasActive := !t.stopped
	t.stopped = true
	return wasActive
}

func (c *manualClock) AfterFunc(_ time.Duration, f func()) live.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *manualClock) Fire() {
	c.mu.Lock()
	timers := c.timers
	c.timers = nil
	c.mu.Unlock()

	for _, t := range timers {
		t.mu.Lock()
		run := !t.stopped
		t.stopped = true
		t.mu.Unlock()
		if run {
			t.f()
		}
	}
}

type recordingConn struct {
	mu     sync.Mutex
	writes []string
	closed chan struct{}
	once   sync.Once
}

func (c *recordingConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, string(data))
	return nil
}

func (c *recordingConn) ReadMessage() (int, []byte, error) {
	<-c.closed
	return 0, nil, errors.New("closed")
}

func (c *recordingConn) SetWriteDeadline(time.Time) error { return nil }

func (c *recordingConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *recordingConn) Writes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.writes...)
}

type singleDialer struct{ conn *recordingConn }

func (d singleDialer) Dial(context.Context, string) (live.Conn, error) { return d.conn, nil }

func TestReset_DuringDebounceWindowEndsOnBaseline(t *testing.T) {
	conn := &recordingConn{closed: make(chan struct{})}
	clock := &manualClock{}
	store := &fakeStore{doc: `{"lamp":{"brightness":40}}`}
	cfg := live.Config{URL: "ws://lamp.test/ws", Debounce: time.Second}
	e := New(store, ManagerFactory(cfg, singleDialer{conn: conn}, live.WithClock(clock)), nil)
	if err := e.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer e.Cleanup()

	deadline := time.Now().Add(2 * time.Second)
	for len(conn.Writes()) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for establishment replay")
		}
		time.Sleep(time.Millisecond)
	}

	_ = e.SetBrightness(90)
	if err := e.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	clock.Fire()

	assert.Equal(t, 40, *e.Settings().Lamp.Brightness)
	assert.Equal(t, []string{
		`{"a":"bright","v":40}`,
		`{"a":"tab","v":"home"}`,
		`{"a":"bright","v":40}`,
		`{"a":"tab","v":"home"}`,
	}, conn.Writes())
}

func TestSaveAndRestart_BumpsGeneration(t *testing.T) {
	e, store, _ := newTestEngine(t, `{}`)

	_ = e.SetBasePixelCount(30)
	if err := e.SaveAndRestart(context.Background()); err != nil {
		t.Fatalf("SaveAndRestart: %v", err)
	}
	assert.Equal(t, 1, e.Status().ResetGeneration)

	store.saveErr = errors.New("boom")
	_ = e.SetBasePixelCount(31)
	if err := e.SaveAndRestart(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	assert.Equal(t, 1, e.Status().ResetGeneration)
}

func TestSettings_ReturnsCopy(t *testing.T) {
	e, _, _ := newTestEngine(t, `{"shade":{"colors":["#010101"]}}`)

	s := e.Settings()
	s.Shade.Colors[0] = "#ffffff"
	assert.Equal(t, []string{"#010101"}, e.Settings().Shade.Colors)
}

func TestEvents(t *testing.T) {
	bus := eventbus.NewWithConfig(1, 16)
	defer bus.Close(context.Background())

	got := make(chan eventbus.Event, 16)
	bus.Subscribe(eventbus.Any, func(ev eventbus.Event) { got <- ev })

	store := &fakeStore{doc: `{}`}
	ch := &fakeChannel{noOpen: true}
	e := New(store, func(h live.Hooks) Channel { ch.hooks = h; return ch }, bus)
	_ = e.Initialize(context.Background())
	_ = e.SetBrightness(5)
	ch.hooks.OnGiveUp(live.ErrConnectionExhausted)

	want := []eventbus.EventType{
		eventbus.EventLoaded,
		eventbus.EventSettingsChanged,
		eventbus.EventConnectionExhausted,
	}
	for _, w := range want {
		select {
		case ev := <-got:
			assert.Equal(t, w, ev.Type)
		case <-time.After(2 * time.Second):
			t.Fatalf("missing %s event", w)
		}
	}
}
