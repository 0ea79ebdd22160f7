package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lib/pq"
)

// copyThreshold is the batch size above which COPY beats a multi-row
// INSERT.
const copyThreshold = 100

// maxDrainChunks bounds how much spool backlog one flush cycle moves,
// so fresh telemetry is never starved after a long outage.
const maxDrainChunks = 10

// BatchWriterConfig sizes the writer.
type BatchWriterConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	MaxBuffer     int
}

// BatchWriter coalesces telemetry records into batched inserts. The
// buffer is FIFO and bounded: overflow evicts the oldest record and
// counts a drop, so a dead database degrades ingest instead of growing
// the heap. After every committed chunk it notifies the evaluator with
// the tenant set touched.
//
// Durability is at-most-once for buffered records. A chunk that fails
// before commit stays queued (or moves to the spool on connection
// errors); a chunk whose commit outcome is unknown is dropped rather
// than risk double-insert on retry.
type BatchWriter struct {
	telemetry *TelemetryStore
	notifier  *Notifier
	spool     *Spool
	cfg       BatchWriterConfig
	log       *slog.Logger

	mu  sync.Mutex
	buf []TelemetryRecord

	dropped atomic.Int64
	flushed atomic.Int64

	wake chan struct{}
}

// NewBatchWriter wires a writer. spool may be nil to disable
// store-and-forward.
func NewBatchWriter(telemetry *TelemetryStore, notifier *Notifier, spool *Spool, cfg BatchWriterConfig, log *slog.Logger) *BatchWriter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.MaxBuffer <= 0 {
		cfg.MaxBuffer = 10000
	}
	return &BatchWriter{
		telemetry: telemetry,
		notifier:  notifier,
		spool:     spool,
		cfg:       cfg,
		log:       log,
		wake:      make(chan struct{}, 1),
	}
}

// Enqueue adds one record. Never blocks: at MaxBuffer the oldest record
// is evicted and counted.
func (w *BatchWriter) Enqueue(rec TelemetryRecord) {
	w.mu.Lock()
	if len(w.buf) >= w.cfg.MaxBuffer {
		w.buf = w.buf[1:]
		w.dropped.Add(1)
	}
	w.buf = append(w.buf, rec)
	full := len(w.buf) >= w.cfg.BatchSize
	w.mu.Unlock()

	if full {
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}
}

// Dropped returns the count of records evicted or abandoned.
func (w *BatchWriter) Dropped() int64 { return w.dropped.Load() }

// Flushed returns the count of records committed.
func (w *BatchWriter) Flushed() int64 { return w.flushed.Load() }

// Run flushes on the interval tick or when the buffer fills, until ctx
// is done. A final flush runs on shutdown with a short grace timeout.
func (w *BatchWriter) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			w.flush(final)
			cancel()
			return
		case <-w.wake:
			w.flush(ctx)
		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

// Flush synchronously drains whatever is buffered now.
func (w *BatchWriter) Flush(ctx context.Context) {
	w.flush(ctx)
}

// flush drains the buffer in chunks of BatchSize, then works off spool
// backlog while the database is healthy.
func (w *BatchWriter) flush(ctx context.Context) {
	flushedAny := false
	for {
		w.mu.Lock()
		if len(w.buf) == 0 {
			w.mu.Unlock()
			break
		}
		n := len(w.buf)
		if n > w.cfg.BatchSize {
			n = w.cfg.BatchSize
		}
		chunk := make([]TelemetryRecord, n)
		copy(chunk, w.buf)
		w.buf = w.buf[n:]
		w.mu.Unlock()

		committed, retryable := w.writeChunk(ctx, chunk)
		if committed {
			flushedAny = true
			continue
		}
		if retryable {
			w.requeue(chunk)
		}
		return
	}

	if flushedAny && w.spool != nil {
		w.drainSpool(ctx)
	}
}

// writeChunk commits one chunk. Returns (committed, retryable):
// retryable means the records may be written again without duplication.
func (w *BatchWriter) writeChunk(ctx context.Context, chunk []TelemetryRecord) (bool, bool) {
	var err error
	if len(chunk) > copyThreshold {
		err = w.telemetry.CopyBatch(ctx, chunk)
	} else {
		err = w.telemetry.InsertBatch(ctx, chunk)
	}
	if err == nil {
		w.flushed.Add(int64(len(chunk)))
		w.notifyTenants(ctx, chunk)
		return true, false
	}

	if isConnError(err) {
		if w.spool != nil {
			if spoolErr := w.spoolAll(ctx, chunk); spoolErr != nil {
				w.log.Error("spool append failed, retaining in memory", "error", spoolErr)
				return false, true
			}
			w.log.Warn("database unreachable, batch spooled", "records", len(chunk), "error", err)
			return false, false
		}
		w.log.Warn("flush failed, will retry", "records", len(chunk), "error", err)
		return false, true
	}

	// Not a connection fault: the records themselves are suspect, or
	// the commit outcome is unknown. Drop to keep the queue moving.
	w.dropped.Add(int64(len(chunk)))
	w.log.Error("batch dropped after non-retryable flush failure", "records", len(chunk), "error", err)
	return false, false
}

// spoolAll moves the failed chunk and everything still buffered to the
// spool, keeping arrival order.
func (w *BatchWriter) spoolAll(ctx context.Context, chunk []TelemetryRecord) error {
	w.mu.Lock()
	rest := w.buf
	w.buf = nil
	w.mu.Unlock()

	if err := w.spool.Append(ctx, chunk); err != nil {
		w.requeue(append(chunk, rest...))
		return err
	}
	if len(rest) > 0 {
		if err := w.spool.Append(ctx, rest); err != nil {
			w.requeue(rest)
			return err
		}
	}
	return nil
}

// requeue puts records back at the head of the buffer, preserving
// order, re-applying the bound.
func (w *BatchWriter) requeue(records []TelemetryRecord) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(records, w.buf...)
	if over := len(w.buf) - w.cfg.MaxBuffer; over > 0 {
		w.buf = w.buf[over:]
		w.dropped.Add(int64(over))
	}
}

// drainSpool forwards spooled records oldest-first, deleting rows only
// after the store accepted them. Stops at the first error; the next
// healthy cycle resumes.
func (w *BatchWriter) drainSpool(ctx context.Context) {
	for i := 0; i < maxDrainChunks; i++ {
		ids, records, err := w.spool.Next(ctx, w.cfg.BatchSize)
		if err != nil {
			w.log.Error("spool read failed", "error", err)
			return
		}
		if len(records) == 0 {
			return
		}
		var werr error
		if len(records) > copyThreshold {
			werr = w.telemetry.CopyBatch(ctx, records)
		} else {
			werr = w.telemetry.InsertBatch(ctx, records)
		}
		if werr != nil {
			w.log.Warn("spool drain paused", "error", werr)
			return
		}
		w.flushed.Add(int64(len(records)))
		w.notifyTenants(ctx, records)
		if err := w.spool.Delete(ctx, ids); err != nil {
			w.log.Error("spool delete failed", "error", err)
			return
		}
	}
}

// notifyTenants emits the telemetry_inserted hint for a committed
// chunk. Failures are logged only; the evaluator's fallback poll
// covers lost hints.
func (w *BatchWriter) notifyTenants(ctx context.Context, chunk []TelemetryRecord) {
	seen := make(map[string]bool, 4)
	tenants := make([]string, 0, 4)
	for i := range chunk {
		if !seen[chunk[i].TenantID] {
			seen[chunk[i].TenantID] = true
			tenants = append(tenants, chunk[i].TenantID)
		}
	}
	if err := w.notifier.NotifyTelemetry(ctx, tenants); err != nil {
		w.log.Warn("telemetry notify failed", "error", err)
	}
}

// isConnError reports whether err points at the connection rather than
// the data, meaning a retry against a recovered database is safe.
func isConnError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// Class 08 is connection exceptions; 57P01 is admin shutdown.
		return pqErr.Code.Class() == "08" || pqErr.Code == "57P01"
	}
	return false
}
