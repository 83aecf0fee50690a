package pipeline

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsWriteTimeout     = 5 * time.Second
)

// wsTransport is the full-duplex variant: one gorilla/websocket connection
// whose open, message, and failure events feed the owning pipeline. Every
// event carries the transport's generation so a superseded instance can
// never touch pipeline state.
type wsTransport struct {
	p   *Pipeline
	gen int

	url       string
	authToken string
	jar       http.CookieJar

	ctx        context.Context
	cancelDial context.CancelFunc

	writeMu sync.Mutex

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func (p *Pipeline) newWSTransport(gen int) transport {
	ctx, cancel := context.WithCancel(context.Background())
	return &wsTransport{
		p:          p,
		gen:        gen,
		url:        p.cfg.URL,
		authToken:  p.cfg.AuthToken,
		jar:        p.jar,
		ctx:        ctx,
		cancelDial: cancel,
	}
}

func (t *wsTransport) open() {
	go t.dial()
}

func (t *wsTransport) dial() {
	header := http.Header{}
	if t.authToken != "" {
		header.Set("Authorization", "Bearer "+t.authToken)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: wsHandshakeTimeout,
		Jar:              t.jar,
	}

	conn, _, err := dialer.DialContext(t.ctx, t.url, header)
	if err != nil {
		t.mu.Lock()
		closed := t.closed
		t.mu.Unlock()
		if !closed {
			t.p.transportFailed(t.gen, err)
		}
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return
	}
	t.conn = conn
	t.mu.Unlock()

	t.p.transportOpened(t.gen)
	t.readLoop(conn)
}

// readLoop reads until the connection dies, forwarding each text or
// binary frame to the pipeline as an opaque payload.
func (t *wsTransport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			// Errors after close() are the close itself.
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if !closed {
				t.p.transportFailed(t.gen, err)
			}
			return
		}
		t.p.transportMessage(t.gen, string(data))
	}
}

func (t *wsTransport) send(payload string) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, []byte(payload))
}

func (t *wsTransport) close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	t.cancelDial()

	if conn != nil {
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		conn.Close()
	}
}
