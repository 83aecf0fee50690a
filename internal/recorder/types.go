package recorder

import (
	"time"
)

// Config contains configuration for a capture recorder.
type Config struct {
	// Instance identifies the capturing process on the session row.
	Instance string

	// URL is the feed endpoint recorded on the session row.
	URL string

	// Transport is the transport kind recorded on the session row.
	Transport string

	// BatchSize is the number of rows to accumulate before flushing.
	BatchSize int

	// FlushInterval is the maximum time between flushes.
	FlushInterval time.Duration

	// BufferSize bounds the handler-to-writer queue. Entries arriving
	// while it is full are dropped and counted.
	BufferSize int

	// LogPayloads debug-logs every captured payload.
	LogPayloads bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     500,
		FlushInterval: 1 * time.Second,
		BufferSize:    10000,
	}
}

// frameRow represents a row to be inserted into the frames table.
type frameRow struct {
	ReceivedAt int64 // Microseconds
	Payload    string
}

// eventRow represents a row to be inserted into the conn_events table.
type eventRow struct {
	At        int64  // Microseconds
	Event     string // "connect", "disconnect", "state", "error"
	State     string // state events only
	ErrorKind string // error events only
	Message   string // error events only
	Attempt   int    // error events only
}

// entry carries one captured row through the input queue. Exactly one
// field is set.
type entry struct {
	frame *frameRow
	event *eventRow
}

// Metrics holds counters for a recorder.
type Metrics struct {
	Frames  int64 // payloads accepted from the feed
	Events  int64 // lifecycle events accepted from the feed
	Inserts int64 // rows written to the database
	Errors  int64 // failed flushes
	Flushes int64
	Dropped int64 // entries discarded because the queue was full
}
