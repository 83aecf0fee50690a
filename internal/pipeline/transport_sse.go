package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// sseMaxLineSize bounds a single stream line. Events larger than this
// kill the connection and trigger a reconnect.
const sseMaxLineSize = 1 << 20

var errStreamEnded = errors.New("event stream ended")

// sseTransport is the read-only variant: one text/event-stream GET whose
// named events all funnel into the pipeline's message intake. Server
// "retry:" hints are ignored so reconnect pacing stays with the pipeline.
type sseTransport struct {
	p   *Pipeline
	gen int

	url       string
	authToken string
	events    map[string]struct{}
	client    *http.Client

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

func (p *Pipeline) newSSETransport(gen int) transport {
	ctx, cancel := context.WithCancel(context.Background())

	events := make(map[string]struct{}, len(p.cfg.EventTypes))
	for _, e := range p.cfg.EventTypes {
		events[e] = struct{}{}
	}

	return &sseTransport{
		p:         p,
		gen:       gen,
		url:       p.cfg.URL,
		authToken: p.cfg.AuthToken,
		events:    events,
		client:    p.httpc,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (t *sseTransport) open() {
	go t.run()
}

func (t *sseTransport) run() {
	req, err := http.NewRequestWithContext(t.ctx, http.MethodGet, t.url, nil)
	if err != nil {
		t.fail(err)
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if t.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.authToken)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		t.fail(err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.fail(fmt.Errorf("unexpected status %s", resp.Status))
		return
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.fail(fmt.Errorf("unexpected content type %q", ct))
		return
	}

	t.p.transportOpened(t.gen)
	t.readStream(resp.Body)
}

// readStream parses the event-stream wire format: "field: value" lines
// accumulate into an event, a blank line dispatches it, and ":" lines
// are keep-alive comments. Multi-line data is joined with newlines.
func (t *sseTransport) readStream(body io.Reader) {
	var (
		event string
		data  []string
	)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), sseMaxLineSize)

	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if len(data) > 0 {
				t.dispatch(event, strings.Join(data, "\n"))
			}
			event = ""
			data = data[:0]
			continue
		}

		name, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch name {
		case "":
			// Comment line, typically a keep-alive ping.
		case "event":
			event = value
		case "data":
			data = append(data, value)
		case "retry":
			// Server-suggested delay; reconnects are paced by backoff.
		}
	}

	err := scanner.Err()
	if err == nil {
		err = errStreamEnded
	}
	t.fail(err)
}

// dispatch forwards one complete event if its type passes the filter.
// An event with no "event:" field has type "message".
func (t *sseTransport) dispatch(event, payload string) {
	if event == "" {
		event = "message"
	}
	if _, ok := t.events[event]; !ok {
		return
	}
	t.p.transportMessage(t.gen, payload)
}

func (t *sseTransport) fail(err error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return
	}
	t.p.transportFailed(t.gen, err)
}

// send is an intentional no-op: the event-stream variant is read-only,
// and callers coded against the shared contract must not crash using it.
func (t *sseTransport) send(string) error {
	return nil
}

func (t *sseTransport) close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()

	// Cancelling the request context unblocks the body read and tears
	// down the stream.
	t.cancel()
}
