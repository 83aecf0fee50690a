package pipeline

import (
	"errors"
	"fmt"
	"time"
)

// Errors
var (
	ErrNotConnected = errors.New("not connected")
)

// State is the lifecycle state of a Pipeline.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// ErrorKind classifies a connection failure.
type ErrorKind string

const (
	// KindConnectFailed means a caller-initiated connection attempt failed.
	KindConnectFailed ErrorKind = "connect_failed"
	// KindConnectionLost means an established or reconnecting session dropped.
	KindConnectionLost ErrorKind = "connection_lost"
	// KindRetriesExhausted means the configured attempt budget is spent.
	KindRetriesExhausted ErrorKind = "max_retries_exhausted"
)

// ConnError describes a single connection failure. It is handed to the
// error handler and not retained by the pipeline.
type ConnError struct {
	Kind      ErrorKind
	Message   string
	Attempt   int       // attempt counter at the time of failure
	Timestamp time.Time // local time the failure was observed
}

// Error implements the error interface.
func (e *ConnError) Error() string {
	return fmt.Sprintf("%s: %s (attempt %d)", e.Kind, e.Message, e.Attempt)
}

// Config configures a Pipeline. The zero value of every field except URL
// is replaced with a default at construction.
type Config struct {
	URL                  string        // Endpoint to connect to (ws://, wss://, http://, https://)
	EventTypes           []string      // Named event types to deliver (event-stream variant only)
	WithCredentials      bool          // Retain cookies across reconnect attempts
	AuthToken            string        // Bearer token for the Authorization header (empty = no auth)
	ReconnectBaseDelay   time.Duration // Backoff seed
	ReconnectMaxDelay    time.Duration // Backoff cap
	MaxReconnectAttempts int           // Consecutive failures before giving up (0 = retry forever)
	StaleThreshold       time.Duration // Quiet period after which Stale() reports true
}

// DefaultConfig returns sensible defaults. URL must still be set.
func DefaultConfig() Config {
	return Config{
		EventTypes:         []string{"message"},
		ReconnectBaseDelay: 1 * time.Second,
		ReconnectMaxDelay:  30 * time.Second,
		StaleThreshold:     5 * time.Second,
	}
}

// withDefaults fills in defaults for unset fields.
func (c Config) withDefaults() Config {
	if len(c.EventTypes) == 0 {
		c.EventTypes = []string{"message"}
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = 5 * time.Second
	}
	return c
}
