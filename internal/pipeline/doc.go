// Package pipeline maintains self-healing streaming connections.
//
// A Pipeline wraps one transport (full-duplex WebSocket or read-only
// server-sent events) behind a single contract: register handlers, call
// Connect, receive payloads until Disconnect. Transport failures are
// retried with exponential backoff and jitter; payloads are opaque text
// and framing is the caller's concern.
package pipeline
