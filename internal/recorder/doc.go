// Package recorder persists captured feed traffic to Postgres.
//
// A Recorder represents one capture session. It receives payloads and
// lifecycle events through handler methods, buffers them on a bounded
// queue, and batch-inserts into the capture_sessions, frames, and
// conn_events tables. All writes are append-only.
package recorder
