// Package database provides PostgreSQL connection pool management.
//
// The capture daemon keeps a single pool for session metadata, captured
// frames, and connection events.
package database
