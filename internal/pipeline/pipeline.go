package pipeline

import (
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"time"
)

// transport is one underlying connection attempt. Exactly one instance is
// live at a time; a superseded instance must never mutate pipeline state.
type transport interface {
	// open starts the connection attempt in its own goroutine and
	// returns immediately. Results arrive via the pipeline's
	// transportOpened/transportMessage/transportFailed intake.
	open()

	// send writes a text payload to the live connection.
	send(payload string) error

	// close releases the underlying connection. Idempotent. It never
	// calls back into the pipeline.
	close()
}

// scheduleFunc runs fn once after d and returns a cancel function.
type scheduleFunc func(d time.Duration, fn func()) (cancel func())

func stdSchedule(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}

// Pipeline maintains a long-lived streaming connection that survives
// network interruptions without caller intervention. Callers register
// handlers, call Connect, and receive payloads until Disconnect; failed
// connections are retried with exponential backoff and jitter until the
// attempt budget (if any) is exhausted.
type Pipeline struct {
	logger *slog.Logger

	readonly bool
	factory  func(gen int) transport

	jar   http.CookieJar // shared across attempts when WithCredentials is set
	httpc *http.Client   // event-stream variant only

	mu          sync.Mutex
	cfg         Config
	state       State
	attempts    int
	closed      bool      // intentional-close flag, set by Disconnect
	lastMsg     time.Time // zero until the first message ever arrives
	gen         int       // current transport generation
	epoch       int       // bumped by Connect/Disconnect, voids queued callbacks
	tr          transport // live transport, nil when none
	cancelRetry func()    // pending retry timer, nil when none

	handlers handlerSet

	// Injectable for tests.
	schedule scheduleFunc
	randFn   func() float64
	now      func() time.Time
}

// NewWebSocket creates a pipeline over a full-duplex WebSocket transport.
func NewWebSocket(cfg Config, logger *slog.Logger) *Pipeline {
	p := newPipeline(cfg, logger)
	p.factory = p.newWSTransport
	return p
}

// NewEventStream creates a pipeline over a read-only server-sent-events
// transport. Send is a documented no-op on this variant.
func NewEventStream(cfg Config, logger *slog.Logger) *Pipeline {
	p := newPipeline(cfg, logger)
	p.readonly = true
	p.factory = p.newSSETransport
	p.httpc = &http.Client{Jar: p.jar}
	return p
}

func newPipeline(cfg Config, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pipeline{
		cfg:      cfg.withDefaults(),
		logger:   logger,
		state:    StateDisconnected,
		schedule: stdSchedule,
		randFn:   rand.Float64,
		now:      time.Now,
	}

	if p.cfg.WithCredentials {
		// Cookies set during one attempt (session affinity and the
		// like) are replayed on the next.
		p.jar, _ = cookiejar.New(nil)
	}

	return p
}

// Connect opens the pipeline. It is a no-op while already connected;
// otherwise it clears the effect of any earlier Disconnect, resets the
// retry budget, and starts a fresh connection attempt. Progress is
// reported through the registered handlers.
func (p *Pipeline) Connect() {
	p.mu.Lock()
	if p.state == StateConnected {
		p.mu.Unlock()
		return
	}

	p.closed = false
	p.attempts = 0
	p.epoch++
	p.stopRetryTimerLocked()

	var fires []func()
	p.setStateLocked(&fires, StateConnecting)
	old := p.replaceTransportLocked()
	token := p.epoch
	p.logger.Debug("pipeline connecting", "url", p.cfg.URL, "gen", p.gen)
	p.mu.Unlock()

	if old != nil {
		old.close()
	}
	p.runFires(token, fires)
}

// Disconnect shuts the pipeline down: it cancels any pending reconnect
// timer, closes the live transport, and settles in StateDisconnected.
// No error is reported. Idempotent from any state.
func (p *Pipeline) Disconnect() {
	p.mu.Lock()
	p.closed = true
	p.epoch++
	p.stopRetryTimerLocked()

	old := p.tr
	p.tr = nil
	p.gen++ // events still in flight from the old transport become stale

	var fires []func()
	if old != nil {
		if h := p.handlers.disconnect; h != nil {
			fires = append(fires, h)
		}
	}
	p.setStateLocked(&fires, StateDisconnected)
	token := p.epoch
	p.mu.Unlock()

	if old != nil {
		old.close()
	}
	p.runFires(token, fires)
}

// Send writes a text payload to the live connection. The full-duplex
// variant returns ErrNotConnected unless the pipeline is connected; the
// read-only variant always returns nil without writing anything.
func (p *Pipeline) Send(payload string) error {
	p.mu.Lock()
	if p.readonly {
		p.mu.Unlock()
		return nil
	}
	if p.state != StateConnected || p.tr == nil {
		p.mu.Unlock()
		return ErrNotConnected
	}
	tr := p.tr
	p.mu.Unlock()

	return tr.send(payload)
}

// Connected reports whether the pipeline is currently connected.
func (p *Pipeline) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == StateConnected
}

// State returns the current lifecycle state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Stale reports whether data has stopped arriving: at least one message
// has been received and none within the staleness threshold. It is a
// passive signal with no effect on the state machine.
func (p *Pipeline) Stale() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastMsg.IsZero() {
		return false
	}
	return p.now().Sub(p.lastMsg) > p.cfg.StaleThreshold
}

// LastMessageTime returns when the most recent message arrived, or the
// zero time if none has.
func (p *Pipeline) LastMessageTime() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastMsg
}

// SetURL changes the endpoint used by the next connection attempt. The
// currently open transport, if any, is unaffected.
func (p *Pipeline) SetURL(url string) {
	p.mu.Lock()
	p.cfg.URL = url
	p.mu.Unlock()
}

// replaceTransportLocked supersedes the current transport (if any) with a
// freshly created one and starts it. It returns the superseded transport
// for the caller to close outside the lock.
func (p *Pipeline) replaceTransportLocked() transport {
	old := p.tr
	p.gen++
	p.tr = p.factory(p.gen)
	p.tr.open()
	return old
}

// stopRetryTimerLocked cancels the pending reconnect timer, if any.
func (p *Pipeline) stopRetryTimerLocked() {
	if p.cancelRetry != nil {
		p.cancelRetry()
		p.cancelRetry = nil
	}
}

// setStateLocked transitions to s, queueing the state-change callback if
// the state actually changed.
func (p *Pipeline) setStateLocked(fires *[]func(), s State) {
	if p.state == s {
		return
	}
	p.state = s
	if h := p.handlers.stateChange; h != nil {
		*fires = append(*fires, func() { h(s) })
	}
}

// queueErrorLocked queues the error callback with a ConnError built from
// the current clock and attempt counter.
func (p *Pipeline) queueErrorLocked(fires *[]func(), kind ErrorKind, msg string, attempt int) {
	h := p.handlers.failure
	if h == nil {
		return
	}
	e := &ConnError{
		Kind:      kind,
		Message:   msg,
		Attempt:   attempt,
		Timestamp: p.now(),
	}
	*fires = append(*fires, func() { h(e) })
}

// transportOpened is called by a transport whose connection attempt
// succeeded.
func (p *Pipeline) transportOpened(gen int) {
	p.mu.Lock()
	if gen != p.gen {
		p.mu.Unlock()
		return
	}

	p.attempts = 0

	var fires []func()
	if h := p.handlers.connect; h != nil {
		fires = append(fires, h)
	}
	p.setStateLocked(&fires, StateConnected)
	token := p.epoch
	p.logger.Debug("pipeline connected", "url", p.cfg.URL, "gen", gen)
	p.mu.Unlock()

	p.runFires(token, fires)
}

// transportMessage is called by a transport for each inbound payload.
func (p *Pipeline) transportMessage(gen int, payload string) {
	p.mu.Lock()
	if gen != p.gen {
		p.mu.Unlock()
		return
	}
	p.lastMsg = p.now()
	h := p.handlers.message
	p.mu.Unlock()

	if h != nil {
		h(payload)
	}
}

// transportFailed is called by a transport whose connection attempt
// failed or whose established connection dropped. It drives the shared
// failure path: report, then either schedule a retry or give up.
func (p *Pipeline) transportFailed(gen int, cause error) {
	p.mu.Lock()
	if gen != p.gen {
		p.mu.Unlock()
		return
	}

	// A transport gets one terminal event. Error and close arriving
	// back to back from the same instance must not double-count.
	p.gen++
	old := p.tr
	p.tr = nil

	kind := KindConnectionLost
	if p.state == StateConnecting {
		kind = KindConnectFailed
	}

	prior := p.attempts
	p.attempts++
	attempt := p.attempts

	msg := "connection closed"
	if cause != nil {
		msg = cause.Error()
	}

	var fires []func()
	if h := p.handlers.disconnect; h != nil {
		fires = append(fires, h)
	}
	p.queueErrorLocked(&fires, kind, msg, attempt)

	max := p.cfg.MaxReconnectAttempts
	if max > 0 && attempt >= max {
		p.queueErrorLocked(&fires, KindRetriesExhausted,
			fmt.Sprintf("gave up after %d reconnect attempts", attempt), attempt)
		p.setStateLocked(&fires, StateDisconnected)
		p.logger.Warn("pipeline gave up reconnecting",
			"url", p.cfg.URL,
			"attempts", attempt,
			"error", msg,
		)
	} else {
		delay := retryDelay(p.cfg.ReconnectBaseDelay, p.cfg.ReconnectMaxDelay, prior, p.randFn())
		p.setStateLocked(&fires, StateReconnecting)
		p.stopRetryTimerLocked()
		retryGen := p.gen
		p.cancelRetry = p.schedule(delay, func() { p.retry(retryGen) })
		p.logger.Warn("pipeline connection failed, retrying",
			"url", p.cfg.URL,
			"kind", kind,
			"attempt", attempt,
			"delay", delay,
			"error", msg,
		)
	}
	token := p.epoch
	p.mu.Unlock()

	if old != nil {
		old.close()
	}
	p.runFires(token, fires)
}

// retry is the reconnect timer body. The generation tag makes a timer
// that lost a race with Connect or Disconnect a no-op.
func (p *Pipeline) retry(gen int) {
	p.mu.Lock()
	if gen != p.gen || p.closed {
		p.mu.Unlock()
		return
	}
	p.cancelRetry = nil

	// State stays Reconnecting while the scheduled dial runs; only a
	// caller-initiated Connect shows Connecting.
	old := p.replaceTransportLocked()
	p.logger.Info("pipeline reconnecting", "url", p.cfg.URL, "gen", p.gen)
	p.mu.Unlock()

	if old != nil {
		old.close()
	}
}

// runFires invokes queued handler callbacks in order. A handler that
// reenters the pipeline (Connect or Disconnect) advances the epoch,
// which voids the rest of the superseded transition's queue so no
// notification contradicts the state the reentrant call settled on.
func (p *Pipeline) runFires(token int, fns []func()) {
	for _, fn := range fns {
		p.mu.Lock()
		live := p.epoch == token
		p.mu.Unlock()
		if !live {
			return
		}
		fn()
	}
}
