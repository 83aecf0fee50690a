package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mgild/feedline/internal/pipeline"
)

// querier is the subset of pgxpool.Pool the recorder needs.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Recorder persists one capture session: every payload the pipeline
// delivers plus every lifecycle transition, batched into Postgres.
type Recorder struct {
	cfg    Config
	logger *slog.Logger

	sessionID uuid.UUID

	// Database
	db querier

	// Input from pipeline handlers
	input chan entry

	// Batching
	frames      []frameRow
	events      []eventRow
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Metrics
	metrics Metrics
}

// New creates a Recorder with a fresh session ID.
func New(cfg Config, db *pgxpool.Pool, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		cfg:       cfg,
		logger:    logger,
		sessionID: uuid.New(),
		db:        db,
		input:     make(chan entry, cfg.BufferSize),
		frames:    make([]frameRow, 0, cfg.BatchSize),
		events:    make([]eventRow, 0, 64),
	}
}

// SessionID returns the session identifier minted at construction.
func (r *Recorder) SessionID() uuid.UUID {
	return r.sessionID
}

// Start inserts the session row and begins consuming captured entries.
func (r *Recorder) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.flushTicker = time.NewTicker(r.cfg.FlushInterval)

	if err := r.insertSession(ctx); err != nil {
		return fmt.Errorf("insert capture session: %w", err)
	}

	// Consumer goroutine
	r.wg.Add(1)
	go r.consumeLoop()

	// Flush ticker goroutine
	r.wg.Add(1)
	go r.flushLoop()

	r.logger.Info("recorder started",
		"session_id", r.sessionID,
		"batch_size", r.cfg.BatchSize,
		"flush_interval", r.cfg.FlushInterval,
	)
	return nil
}

// Stop gracefully shuts down the recorder, flushing whatever is buffered
// and closing out the session row.
func (r *Recorder) Stop(ctx context.Context) error {
	r.logger.Info("stopping recorder", "session_id", r.sessionID)

	if r.cancel != nil {
		r.cancel()
	}

	if r.flushTicker != nil {
		r.flushTicker.Stop()
	}

	// Wait for goroutines
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("recorder stop timed out")
	}

	// Drain entries the consumer did not get to, then flush.
drain:
	for {
		select {
		case e := <-r.input:
			r.add(e)
		default:
			break drain
		}
	}
	r.flush(ctx)

	if err := r.endSession(ctx); err != nil {
		r.logger.Error("close capture session failed", "error", err)
	}

	r.logger.Info("recorder stopped", "session_id", r.sessionID)
	return nil
}

// Stats returns current metrics.
func (r *Recorder) Stats() Metrics {
	r.batchMu.Lock()
	defer r.batchMu.Unlock()
	return r.metrics
}

// HandleMessage records one feed payload. Wire it to the pipeline's
// message handler.
func (r *Recorder) HandleMessage(payload string) {
	if r.cfg.LogPayloads {
		r.logger.Debug("frame", "payload", payload)
	}
	r.enqueue(entry{frame: &frameRow{
		ReceivedAt: time.Now().UnixMicro(),
		Payload:    payload,
	}})
}

// HandleConnect records a connection-established event.
func (r *Recorder) HandleConnect() {
	r.enqueue(entry{event: &eventRow{
		At:    time.Now().UnixMicro(),
		Event: "connect",
	}})
}

// HandleDisconnect records a connection-lost event.
func (r *Recorder) HandleDisconnect() {
	r.enqueue(entry{event: &eventRow{
		At:    time.Now().UnixMicro(),
		Event: "disconnect",
	}})
}

// HandleState records a lifecycle state transition.
func (r *Recorder) HandleState(s pipeline.State) {
	r.enqueue(entry{event: &eventRow{
		At:    time.Now().UnixMicro(),
		Event: "state",
		State: s.String(),
	}})
}

// HandleError records a connection failure with its classification.
func (r *Recorder) HandleError(e *pipeline.ConnError) {
	r.enqueue(entry{event: &eventRow{
		At:        e.Timestamp.UnixMicro(),
		Event:     "error",
		ErrorKind: string(e.Kind),
		Message:   e.Message,
		Attempt:   e.Attempt,
	}})
}

// enqueue hands an entry to the consumer without blocking the caller.
// The pipeline invokes handlers on its transport goroutine, so a slow
// database must never stall the read loop.
func (r *Recorder) enqueue(e entry) {
	select {
	case r.input <- e:
		r.batchMu.Lock()
		if e.frame != nil {
			r.metrics.Frames++
		} else {
			r.metrics.Events++
		}
		r.batchMu.Unlock()
	default:
		r.batchMu.Lock()
		r.metrics.Dropped++
		r.batchMu.Unlock()
	}
}

// consumeLoop reads from the input queue and accumulates batches.
func (r *Recorder) consumeLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case e := <-r.input:
			if r.add(e) {
				r.flush(r.ctx)
			}
		}
	}
}

// flushLoop periodically flushes the batch.
func (r *Recorder) flushLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.flushTicker.C:
			r.flush(r.ctx)
		}
	}
}

// add appends an entry to the pending batch and reports whether the
// batch has reached the flush threshold.
func (r *Recorder) add(e entry) bool {
	r.batchMu.Lock()
	defer r.batchMu.Unlock()
	if e.frame != nil {
		r.frames = append(r.frames, *e.frame)
	} else if e.event != nil {
		r.events = append(r.events, *e.event)
	}
	return len(r.frames)+len(r.events) >= r.cfg.BatchSize
}

// flush writes the current batch to the database.
func (r *Recorder) flush(ctx context.Context) {
	r.batchMu.Lock()
	if len(r.frames) == 0 && len(r.events) == 0 {
		r.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	frames := r.frames
	events := r.events
	r.frames = make([]frameRow, 0, r.cfg.BatchSize)
	r.events = make([]eventRow, 0, 64)
	r.batchMu.Unlock()

	start := time.Now()

	inserted, err := r.batchInsert(ctx, frames, events)
	if err != nil {
		r.logger.Error("batch insert failed", "error", err, "frames", len(frames), "events", len(events))
		r.batchMu.Lock()
		r.metrics.Errors++
		r.batchMu.Unlock()
		return
	}

	r.batchMu.Lock()
	r.metrics.Inserts += int64(inserted)
	r.metrics.Flushes++
	r.batchMu.Unlock()

	r.logger.Debug("flushed capture batch",
		"frames", len(frames),
		"events", len(events),
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch.
func (r *Recorder) batchInsert(ctx context.Context, frames []frameRow, events []eventRow) (inserted int, err error) {
	batch := &pgx.Batch{}
	for _, f := range frames {
		batch.Queue(`
			INSERT INTO frames (session_id, received_at, payload)
			VALUES ($1, $2, $3)
		`, r.sessionID, f.ReceivedAt, f.Payload)
	}
	for _, e := range events {
		batch.Queue(`
			INSERT INTO conn_events (session_id, at, event, state, error_kind, message, attempt)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, r.sessionID, e.At, e.Event, e.State, e.ErrorKind, e.Message, e.Attempt)
	}

	results := r.db.SendBatch(ctx, batch)
	defer results.Close()

	for i := 0; i < batch.Len(); i++ {
		ct, err := results.Exec()
		if err != nil {
			return inserted, err
		}
		inserted += int(ct.RowsAffected())
	}

	return inserted, nil
}

// insertSession writes the capture_sessions row for this run.
func (r *Recorder) insertSession(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO capture_sessions (id, instance_id, url, transport, started_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, r.sessionID, r.cfg.Instance, r.cfg.URL, r.cfg.Transport, time.Now().UnixMicro())
	return err
}

// endSession stamps the session row with its end time.
func (r *Recorder) endSession(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `
		UPDATE capture_sessions SET ended_at = $2 WHERE id = $1
	`, r.sessionID, time.Now().UnixMicro())
	return err
}
