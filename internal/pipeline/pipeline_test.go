package pipeline

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTransport stands in for a real connection. Tests drive the
// pipeline by firing transport events by hand.
type fakeTransport struct {
	p   *Pipeline
	gen int
	url string

	opened bool
	closed bool
	sent   []string
}

func (f *fakeTransport) open()  { f.opened = true }
func (f *fakeTransport) close() { f.closed = true }

func (f *fakeTransport) send(payload string) error {
	f.sent = append(f.sent, payload)
	return nil
}

func (f *fakeTransport) fireOpen()             { f.p.transportOpened(f.gen) }
func (f *fakeTransport) fireMessage(s string)  { f.p.transportMessage(f.gen, s) }
func (f *fakeTransport) fireFailure(err error) { f.p.transportFailed(f.gen, err) }

type fakeTimer struct {
	delay     time.Duration
	fn        func()
	cancelled bool
}

// fakeEnv owns the injected seams: transport factory, retry scheduler,
// jitter source, and clock. All driving happens on the test goroutine.
type fakeEnv struct {
	transports []*fakeTransport
	timers     []*fakeTimer
	now        time.Time
	rand       float64
}

func newFakePipeline(cfg Config) (*Pipeline, *fakeEnv) {
	env := &fakeEnv{
		now:  time.Unix(1700000000, 0),
		rand: 0.5, // zero jitter
	}

	p := newPipeline(cfg, testLogger())
	p.factory = func(gen int) transport {
		f := &fakeTransport{p: p, gen: gen, url: p.cfg.URL}
		env.transports = append(env.transports, f)
		return f
	}
	p.schedule = func(d time.Duration, fn func()) func() {
		timer := &fakeTimer{delay: d, fn: fn}
		env.timers = append(env.timers, timer)
		return func() { timer.cancelled = true }
	}
	p.randFn = func() float64 { return env.rand }
	p.now = func() time.Time { return env.now }

	return p, env
}

func (e *fakeEnv) transport(t *testing.T, i int) *fakeTransport {
	t.Helper()
	if i >= len(e.transports) {
		t.Fatalf("transport %d not created, have %d", i, len(e.transports))
	}
	return e.transports[i]
}

func (e *fakeEnv) fireTimer(t *testing.T, i int) {
	t.Helper()
	if i >= len(e.timers) {
		t.Fatalf("timer %d not scheduled, have %d", i, len(e.timers))
	}
	e.timers[i].fn()
}

// recordHandlers registers all five handlers, appending a tag per
// invocation so tests can assert exact ordering.
func recordHandlers(p *Pipeline, events *[]string) {
	p.OnConnect(func() {
		*events = append(*events, "connect")
	}).OnDisconnect(func() {
		*events = append(*events, "disconnect")
	}).OnMessage(func(payload string) {
		*events = append(*events, "message:"+payload)
	}).OnStateChange(func(s State) {
		*events = append(*events, "state:"+s.String())
	}).OnError(func(err *ConnError) {
		*events = append(*events, fmt.Sprintf("error:%s:%d", err.Kind, err.Attempt))
	})
}

func assertEvents(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("events = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d = %q, want %q (full: %q)", i, got[i], want[i], got)
		}
	}
}

func TestPipeline_ConnectLifecycle(t *testing.T) {
	p, env := newFakePipeline(Config{URL: "ws://example/feed"})

	var events []string
	recordHandlers(p, &events)

	if p.State() != StateDisconnected {
		t.Fatalf("initial state = %v, want disconnected", p.State())
	}

	p.Connect()

	if p.State() != StateConnecting {
		t.Errorf("state after Connect = %v, want connecting", p.State())
	}
	tr := env.transport(t, 0)
	if !tr.opened {
		t.Error("transport not opened")
	}

	tr.fireOpen()

	if !p.Connected() {
		t.Error("Connected() = false after open")
	}
	assertEvents(t, events, []string{
		"state:connecting",
		"connect",
		"state:connected",
	})

	tr.fireMessage("payload-1")
	if got := events[len(events)-1]; got != "message:payload-1" {
		t.Errorf("last event = %q, want message:payload-1", got)
	}
}

func TestPipeline_ConnectWhileConnectedIsNoop(t *testing.T) {
	p, env := newFakePipeline(Config{URL: "ws://example/feed"})

	p.Connect()
	env.transport(t, 0).fireOpen()

	var events []string
	recordHandlers(p, &events)

	p.Connect()

	if len(env.transports) != 1 {
		t.Errorf("transports created = %d, want 1", len(env.transports))
	}
	if len(events) != 0 {
		t.Errorf("events = %q, want none", events)
	}
	if !p.Connected() {
		t.Error("Connected() = false")
	}
}

func TestPipeline_FailureSchedulesRetry(t *testing.T) {
	p, env := newFakePipeline(Config{URL: "ws://example/feed"})

	var events []string
	recordHandlers(p, &events)

	p.Connect()
	t0 := env.transport(t, 0)
	t0.fireOpen()
	events = events[:0]

	t0.fireFailure(errors.New("read: connection reset"))

	assertEvents(t, events, []string{
		"disconnect",
		"error:connection_lost:1",
		"state:reconnecting",
	})
	if !t0.closed {
		t.Error("failed transport not closed")
	}
	if len(env.timers) != 1 {
		t.Fatalf("timers scheduled = %d, want 1", len(env.timers))
	}
	if got, want := env.timers[0].delay, 1*time.Second; got != want {
		t.Errorf("first retry delay = %v, want %v", got, want)
	}

	events = events[:0]
	env.fireTimer(t, 0)

	// The scheduled dial keeps state Reconnecting; no events fire
	// until the new transport reports.
	if len(events) != 0 {
		t.Errorf("events during retry dial = %q, want none", events)
	}
	if p.State() != StateReconnecting {
		t.Errorf("state = %v, want reconnecting", p.State())
	}
	if len(env.transports) != 2 {
		t.Fatalf("transports created = %d, want 2", len(env.transports))
	}

	env.transport(t, 1).fireOpen()
	assertEvents(t, events, []string{
		"connect",
		"state:connected",
	})
}

func TestPipeline_FailureBeforeOpenIsConnectFailed(t *testing.T) {
	p, env := newFakePipeline(Config{URL: "ws://example/feed"})

	var events []string
	recordHandlers(p, &events)

	p.Connect()
	events = events[:0]

	env.transport(t, 0).fireFailure(errors.New("dial tcp: connection refused"))

	assertEvents(t, events, []string{
		"disconnect",
		"error:connect_failed:1",
		"state:reconnecting",
	})
}

func TestPipeline_RetriesExhausted(t *testing.T) {
	p, env := newFakePipeline(Config{
		URL:                  "ws://example/feed",
		MaxReconnectAttempts: 2,
	})

	var events []string
	recordHandlers(p, &events)

	p.Connect()
	events = events[:0]

	env.transport(t, 0).fireFailure(errors.New("refused"))
	env.fireTimer(t, 0)
	env.transport(t, 1).fireFailure(errors.New("refused"))

	assertEvents(t, events, []string{
		"disconnect",
		"error:connect_failed:1",
		"state:reconnecting",
		"disconnect",
		"error:connection_lost:2",
		"error:max_retries_exhausted:2",
		"state:disconnected",
	})
	if len(env.timers) != 1 {
		t.Errorf("timers scheduled = %d, want 1 (none after exhaustion)", len(env.timers))
	}
	if p.State() != StateDisconnected {
		t.Errorf("state = %v, want disconnected", p.State())
	}
}

func TestPipeline_ConnectAfterExhaustionStartsFresh(t *testing.T) {
	p, env := newFakePipeline(Config{
		URL:                  "ws://example/feed",
		MaxReconnectAttempts: 1,
	})

	p.Connect()
	env.transport(t, 0).fireFailure(errors.New("refused"))

	if p.State() != StateDisconnected {
		t.Fatalf("state = %v, want disconnected after exhaustion", p.State())
	}

	p.Connect()

	if p.State() != StateConnecting {
		t.Errorf("state = %v, want connecting", p.State())
	}
	if len(env.transports) != 2 {
		t.Fatalf("transports created = %d, want 2", len(env.transports))
	}

	env.transport(t, 1).fireOpen()
	if !p.Connected() {
		t.Error("Connected() = false after fresh Connect")
	}
}

func TestPipeline_SuccessfulOpenResetsAttempts(t *testing.T) {
	p, env := newFakePipeline(Config{
		URL:                  "ws://example/feed",
		MaxReconnectAttempts: 3,
	})

	var events []string
	recordHandlers(p, &events)

	p.Connect()
	env.transport(t, 0).fireFailure(errors.New("refused"))
	env.fireTimer(t, 0)
	env.transport(t, 1).fireFailure(errors.New("refused"))
	env.fireTimer(t, 1)
	env.transport(t, 2).fireOpen()

	// Two failures then success: the next failure counts from one again.
	events = events[:0]
	env.transport(t, 2).fireFailure(errors.New("reset"))

	assertEvents(t, events, []string{
		"disconnect",
		"error:connection_lost:1",
		"state:reconnecting",
	})
}

func TestPipeline_DisconnectIdempotent(t *testing.T) {
	p, env := newFakePipeline(Config{URL: "ws://example/feed"})

	var events []string
	recordHandlers(p, &events)

	p.Connect()
	t0 := env.transport(t, 0)
	t0.fireOpen()
	events = events[:0]

	p.Disconnect()

	assertEvents(t, events, []string{
		"disconnect",
		"state:disconnected",
	})
	if !t0.closed {
		t.Error("transport not closed")
	}
	if p.State() != StateDisconnected {
		t.Errorf("state = %v, want disconnected", p.State())
	}

	events = events[:0]
	p.Disconnect()

	if len(events) != 0 {
		t.Errorf("second Disconnect fired %q, want nothing", events)
	}
	if p.State() != StateDisconnected {
		t.Errorf("state = %v, want disconnected", p.State())
	}
}

func TestPipeline_DisconnectBeforeConnectIsQuiet(t *testing.T) {
	p, _ := newFakePipeline(Config{URL: "ws://example/feed"})

	var events []string
	recordHandlers(p, &events)

	p.Disconnect()

	if len(events) != 0 {
		t.Errorf("events = %q, want none", events)
	}
}

func TestPipeline_DisconnectCancelsPendingRetry(t *testing.T) {
	p, env := newFakePipeline(Config{URL: "ws://example/feed"})

	p.Connect()
	env.transport(t, 0).fireFailure(errors.New("refused"))

	if len(env.timers) != 1 {
		t.Fatalf("timers scheduled = %d, want 1", len(env.timers))
	}

	p.Disconnect()

	if !env.timers[0].cancelled {
		t.Error("retry timer not cancelled")
	}

	// Even if the timer wins the race and fires anyway, it must not
	// start a new attempt.
	env.fireTimer(t, 0)
	if len(env.transports) != 1 {
		t.Errorf("transports created = %d, want 1", len(env.transports))
	}
	if p.State() != StateDisconnected {
		t.Errorf("state = %v, want disconnected", p.State())
	}
}

func TestPipeline_DisconnectDuringRetryWaitFiresNoDisconnect(t *testing.T) {
	p, env := newFakePipeline(Config{URL: "ws://example/feed"})

	p.Connect()
	env.transport(t, 0).fireFailure(errors.New("refused"))

	// Waiting out the backoff: no live transport, so only the state
	// change is observable.
	var events []string
	recordHandlers(p, &events)

	p.Disconnect()

	assertEvents(t, events, []string{
		"state:disconnected",
	})
}

func TestPipeline_ConnectDuringRetryWaitSupersedes(t *testing.T) {
	p, env := newFakePipeline(Config{URL: "ws://example/feed"})

	var events []string
	recordHandlers(p, &events)

	p.Connect()
	env.transport(t, 0).fireFailure(errors.New("refused"))
	events = events[:0]

	p.Connect()

	assertEvents(t, events, []string{
		"state:connecting",
	})
	if !env.timers[0].cancelled {
		t.Error("pending retry not cancelled by Connect")
	}
	if len(env.transports) != 2 {
		t.Fatalf("transports created = %d, want 2", len(env.transports))
	}

	// The cancelled timer firing late must not add a third attempt.
	env.fireTimer(t, 0)
	if len(env.transports) != 2 {
		t.Errorf("transports created = %d, want 2 after stale timer", len(env.transports))
	}
}

func TestPipeline_StaleTransportEventsIgnored(t *testing.T) {
	p, env := newFakePipeline(Config{URL: "ws://example/feed"})

	var events []string
	recordHandlers(p, &events)

	p.Connect()
	t0 := env.transport(t, 0)
	t0.fireOpen()
	t0.fireFailure(errors.New("reset"))
	env.fireTimer(t, 0)

	t1 := env.transport(t, 1)
	t1.fireOpen()
	events = events[:0]

	// The superseded transport keeps talking: open, message, failure.
	// None of it may touch pipeline state.
	t0.fireOpen()
	t0.fireMessage("stale payload")
	t0.fireFailure(errors.New("stale failure"))

	if len(events) != 0 {
		t.Errorf("stale transport produced events %q, want none", events)
	}
	if !p.Connected() {
		t.Error("Connected() = false, stale event corrupted state")
	}
	if got := p.LastMessageTime(); !got.IsZero() {
		t.Errorf("LastMessageTime = %v, want zero (stale message counted)", got)
	}

	// The live transport still works.
	t1.fireMessage("live payload")
	assertEvents(t, events, []string{"message:live payload"})
}

func TestPipeline_ErrorThenCloseCountsOnce(t *testing.T) {
	p, env := newFakePipeline(Config{URL: "ws://example/feed"})

	var events []string
	recordHandlers(p, &events)

	p.Connect()
	t0 := env.transport(t, 0)
	t0.fireOpen()
	events = events[:0]

	// Native sockets often report a failure twice, an error event then
	// a close event. Only the first may count.
	t0.fireFailure(errors.New("reset"))
	t0.fireFailure(errors.New("closed"))

	assertEvents(t, events, []string{
		"disconnect",
		"error:connection_lost:1",
		"state:reconnecting",
	})
	if len(env.timers) != 1 {
		t.Errorf("timers scheduled = %d, want 1", len(env.timers))
	}
}

func TestPipeline_Staleness(t *testing.T) {
	p, env := newFakePipeline(Config{
		URL:            "ws://example/feed",
		StaleThreshold: 5 * time.Second,
	})

	if p.Stale() {
		t.Error("Stale() = true before any message")
	}

	p.Connect()
	t0 := env.transport(t, 0)
	t0.fireOpen()

	// Connected but silent: still not stale, there is nothing to be
	// stale relative to.
	env.now = env.now.Add(time.Minute)
	if p.Stale() {
		t.Error("Stale() = true with no message ever received")
	}

	t0.fireMessage("first")
	if p.Stale() {
		t.Error("Stale() = true immediately after a message")
	}
	if got := p.LastMessageTime(); !got.Equal(env.now) {
		t.Errorf("LastMessageTime = %v, want %v", got, env.now)
	}

	env.now = env.now.Add(5*time.Second + time.Millisecond)
	if !p.Stale() {
		t.Error("Stale() = false after threshold elapsed")
	}

	t0.fireMessage("second")
	if p.Stale() {
		t.Error("Stale() = true right after a fresh message")
	}
}

func TestPipeline_SendWebSocketSemantics(t *testing.T) {
	p, env := newFakePipeline(Config{URL: "ws://example/feed"})

	if err := p.Send("early"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send before connect = %v, want ErrNotConnected", err)
	}

	p.Connect()
	if err := p.Send("still dialing"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send while connecting = %v, want ErrNotConnected", err)
	}

	t0 := env.transport(t, 0)
	t0.fireOpen()

	if err := p.Send("hello"); err != nil {
		t.Errorf("Send while connected = %v, want nil", err)
	}
	if len(t0.sent) != 1 || t0.sent[0] != "hello" {
		t.Errorf("transport sent = %q, want [hello]", t0.sent)
	}

	p.Disconnect()
	if err := p.Send("late"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send after disconnect = %v, want ErrNotConnected", err)
	}
}

func TestPipeline_SendReadOnlyIsNoop(t *testing.T) {
	p, env := newFakePipeline(Config{URL: "http://example/events"})
	p.readonly = true

	if err := p.Send("x"); err != nil {
		t.Errorf("Send while disconnected = %v, want nil", err)
	}

	p.Connect()
	t0 := env.transport(t, 0)
	t0.fireOpen()

	if err := p.Send("x"); err != nil {
		t.Errorf("Send while connected = %v, want nil", err)
	}
	if len(t0.sent) != 0 {
		t.Errorf("transport sent = %q, want nothing", t0.sent)
	}
}

func TestPipeline_SetURLAppliesToNextAttempt(t *testing.T) {
	p, env := newFakePipeline(Config{URL: "ws://primary/feed"})

	p.Connect()
	t0 := env.transport(t, 0)
	t0.fireOpen()

	p.SetURL("ws://fallback/feed")

	if got := env.transport(t, 0).url; got != "ws://primary/feed" {
		t.Errorf("live transport url = %q, want primary", got)
	}

	t0.fireFailure(errors.New("reset"))
	env.fireTimer(t, 0)

	if got := env.transport(t, 1).url; got != "ws://fallback/feed" {
		t.Errorf("retry transport url = %q, want fallback", got)
	}
}

func TestPipeline_HandlerReplacementLastWins(t *testing.T) {
	p, env := newFakePipeline(Config{URL: "ws://example/feed"})

	var first, second []string
	p.OnMessage(func(payload string) { first = append(first, payload) })
	p.OnMessage(func(payload string) { second = append(second, payload) })

	p.Connect()
	t0 := env.transport(t, 0)
	t0.fireOpen()
	t0.fireMessage("only once")

	if len(first) != 0 {
		t.Errorf("replaced handler received %q", first)
	}
	if len(second) != 1 || second[0] != "only once" {
		t.Errorf("active handler received %q, want [only once]", second)
	}
}

func TestPipeline_FluentRegistrationReturnsSame(t *testing.T) {
	p, _ := newFakePipeline(Config{URL: "ws://example/feed"})

	got := p.OnMessage(func(string) {}).
		OnConnect(func() {}).
		OnDisconnect(func() {}).
		OnStateChange(func(State) {}).
		OnError(func(*ConnError) {})

	if got != p {
		t.Error("chained registration returned a different pipeline")
	}
}

func TestPipeline_NoHandlersNoPanic(t *testing.T) {
	p, env := newFakePipeline(Config{URL: "ws://example/feed", MaxReconnectAttempts: 1})

	p.Connect()
	t0 := env.transport(t, 0)
	t0.fireOpen()
	t0.fireMessage("data")
	t0.fireFailure(errors.New("reset"))
	p.Connect()
	env.transport(t, 1).fireOpen()
	p.Disconnect()
}

func TestPipeline_ConnErrorFields(t *testing.T) {
	p, env := newFakePipeline(Config{URL: "ws://example/feed"})

	var got *ConnError
	p.OnError(func(err *ConnError) { got = err })

	p.Connect()
	env.transport(t, 0).fireFailure(errors.New("dial tcp: connection refused"))

	if got == nil {
		t.Fatal("error handler not called")
	}
	if got.Kind != KindConnectFailed {
		t.Errorf("Kind = %q, want connect_failed", got.Kind)
	}
	if got.Message != "dial tcp: connection refused" {
		t.Errorf("Message = %q", got.Message)
	}
	if got.Attempt != 1 {
		t.Errorf("Attempt = %d, want 1", got.Attempt)
	}
	if !got.Timestamp.Equal(env.now) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, env.now)
	}

	want := "connect_failed: dial tcp: connection refused (attempt 1)"
	if got.Error() != want {
		t.Errorf("Error() = %q, want %q", got.Error(), want)
	}
}

func TestPipeline_HandlerMayReenter(t *testing.T) {
	p, env := newFakePipeline(Config{URL: "ws://example/feed"})

	// Tearing the pipeline down from inside its own error handler must
	// not deadlock and must cancel the scheduled retry.
	p.OnError(func(err *ConnError) { p.Disconnect() })

	p.Connect()
	env.transport(t, 0).fireFailure(errors.New("refused"))

	if p.State() != StateDisconnected {
		t.Errorf("state = %v, want disconnected", p.State())
	}
	if !env.timers[0].cancelled {
		t.Error("retry timer not cancelled by reentrant Disconnect")
	}
}

func TestPipeline_ConcurrentAccessors(t *testing.T) {
	p, env := newFakePipeline(Config{URL: "ws://example/feed"})

	p.Connect()
	t0 := env.transport(t, 0)
	t0.fireOpen()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				p.Connected()
				p.State()
				p.Stale()
				p.LastMessageTime()
			}
		}()
	}
	wg.Wait()
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateReconnecting, "reconnecting"},
		{State(42), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{URL: "ws://example"}.withDefaults()

	if len(cfg.EventTypes) != 1 || cfg.EventTypes[0] != "message" {
		t.Errorf("EventTypes = %v, want [message]", cfg.EventTypes)
	}
	if cfg.ReconnectBaseDelay != 1*time.Second {
		t.Errorf("ReconnectBaseDelay = %v, want 1s", cfg.ReconnectBaseDelay)
	}
	if cfg.ReconnectMaxDelay != 30*time.Second {
		t.Errorf("ReconnectMaxDelay = %v, want 30s", cfg.ReconnectMaxDelay)
	}
	if cfg.MaxReconnectAttempts != 0 {
		t.Errorf("MaxReconnectAttempts = %d, want 0 (unbounded)", cfg.MaxReconnectAttempts)
	}
	if cfg.StaleThreshold != 5*time.Second {
		t.Errorf("StaleThreshold = %v, want 5s", cfg.StaleThreshold)
	}

	// Explicit settings survive.
	cfg = Config{
		URL:                "ws://example",
		EventTypes:         []string{"tick", "trade"},
		ReconnectBaseDelay: 250 * time.Millisecond,
	}.withDefaults()
	if len(cfg.EventTypes) != 2 {
		t.Errorf("EventTypes = %v, want [tick trade]", cfg.EventTypes)
	}
	if cfg.ReconnectBaseDelay != 250*time.Millisecond {
		t.Errorf("ReconnectBaseDelay = %v, want 250ms", cfg.ReconnectBaseDelay)
	}
}
