// Package audit is the append-only mutation trail. Entries are buffered in
// memory and flushed to the database in batches; recording never fails the
// audited operation. Loss is possible on hard crash and is accepted: the
// version log, not the audit trail, is the source of truth.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/loreweave/chronicle/internal/codec"
	"github.com/loreweave/chronicle/internal/ctxutil"
	"github.com/loreweave/chronicle/internal/model"
	"github.com/loreweave/chronicle/internal/storage"
	"github.com/loreweave/chronicle/internal/telemetry"
)

// maxBufferCapacity is the hard ceiling on buffered entries. Past it,
// Record drops instead of blocking the mutation path.
const maxBufferCapacity = 50_000

// Entry is one mutation to record. Previous and Next are full entity
// snapshots when available; the recorder derives the field diff from them.
type Entry struct {
	EntityType model.EntityType
	EntityID   uuid.UUID
	Operation  model.Operation
	UserID     uuid.UUID
	Previous   map[string]any
	Next       map[string]any
	Changes    map[string]any
	Metadata   map[string]any
	Reason     *string
}

// Recorder buffers audit entries and flushes them with COPY when the batch
// size or the flush interval is reached.
type Recorder struct {
	db           *storage.DB
	logger       *slog.Logger
	maxBatch     int
	flushTimeout time.Duration

	mu      sync.Mutex
	entries []model.AuditEntry

	dropped atomic.Int64

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCtx   context.Context
}

func NewRecorder(db *storage.DB, logger *slog.Logger, maxBatch int, flushTimeout time.Duration) *Recorder {
	return &Recorder{
		db:           db,
		logger:       logger.With("component", "audit"),
		maxBatch:     maxBatch,
		flushTimeout: flushTimeout,
		flushCh:      make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// Start launches the background flush loop and registers meters. Call
// Drain to stop.
func (r *Recorder) Start(ctx context.Context) {
	r.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancelLoop = cancel
	go r.flushLoop(loopCtx)
}

// Record buffers one entry. It never returns an error: a full buffer drops
// the entry with a counter bump, and nothing here can otherwise fail. A
// reason attached to ctx via ctxutil fills in for an unset Entry.Reason.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	if e.Reason == nil {
		e.Reason = ctxutil.Reason(ctx)
	}
	entry := model.AuditEntry{
		ID:            uuid.New(),
		EntityType:    e.EntityType,
		EntityID:      e.EntityID,
		Operation:     e.Operation,
		UserID:        e.UserID,
		Changes:       e.Changes,
		Metadata:      e.Metadata,
		PreviousState: e.Previous,
		NewState:      e.Next,
		Reason:        e.Reason,
		CreatedAt:     time.Now().UTC(),
	}
	if e.Previous != nil && e.Next != nil {
		if diff := codec.Compare(e.Previous, e.Next); !diff.Empty() {
			entry.Diff = diff.AsMap()
		}
	}
	if entry.Changes == nil {
		entry.Changes = entry.Diff
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.entries) >= maxBufferCapacity {
		r.dropped.Add(1)
		r.logger.Error("audit buffer at capacity, entry dropped",
			"entity_type", e.EntityType, "operation", e.Operation)
		return
	}
	r.entries = append(r.entries, entry)

	if len(r.entries) >= r.maxBatch {
		select {
		case r.flushCh <- struct{}{}:
		default:
		}
	}
}

// List queries the persisted log, newest first. Entries still in the
// buffer are not visible; callers needing exactness call Drain first in
// tests.
func (r *Recorder) List(ctx context.Context, filter model.AuditFilter) ([]*model.AuditEntry, error) {
	return r.db.ListAuditEntries(ctx, filter)
}

func (r *Recorder) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(r.flushTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush. ctx is already done; use the drain context set
			// by Drain, or a bounded fallback when cancelled directly.
			if r.drainCtx != nil {
				r.flush(r.drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				r.flush(fallbackCtx)
				cancel()
			}
			close(r.done)
			return
		case <-ticker.C:
			r.flush(ctx)
		case <-r.flushCh:
			r.flush(ctx)
		}
	}
}

func (r *Recorder) flush(ctx context.Context) {
	r.mu.Lock()
	if len(r.entries) == 0 {
		r.mu.Unlock()
		return
	}
	batch := r.entries
	r.entries = nil
	r.mu.Unlock()

	start := time.Now()
	count, err := r.db.InsertAuditEntries(ctx, batch)
	if err != nil {
		r.logger.Error("audit flush failed", "error", err, "batch_size", len(batch))
		// Requeue for the next attempt unless that would exceed capacity.
		r.mu.Lock()
		if len(r.entries)+len(batch) <= maxBufferCapacity {
			r.entries = append(batch, r.entries...)
		} else {
			r.dropped.Add(int64(len(batch)))
			r.logger.Error("audit entries dropped, buffer at capacity after flush failure", "dropped", len(batch))
		}
		r.mu.Unlock()
		return
	}

	r.logger.Debug("audit batch flushed",
		"batch_size", count,
		"flush_duration_ms", time.Since(start).Milliseconds(),
	)
}

// Drain stops the flush loop, waits for its final flush, and returns. The
// context bounds both the wait and the final database write. A recorder
// that was never started flushes inline.
func (r *Recorder) Drain(ctx context.Context) {
	if r.cancelLoop == nil {
		r.flush(ctx)
		return
	}
	r.drainCtx = ctx
	r.cancelLoop()
	select {
	case <-r.done:
	case <-ctx.Done():
		r.logger.Warn("audit drain timed out waiting for flush loop")
	}
}

// Len returns the number of buffered entries.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Dropped returns the total entries lost to capacity exhaustion. Non-zero
// means the audit trail has gaps.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

func (r *Recorder) registerMetrics() {
	meter := telemetry.Meter("chronicle/audit")

	_, _ = meter.Int64ObservableGauge("chronicle.audit.buffer_depth",
		metric.WithDescription("Audit entries waiting for flush"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(r.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("chronicle.audit.dropped_total",
		metric.WithDescription("Audit entries dropped due to buffer capacity exhaustion"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(r.Dropped())
			return nil
		}),
	)
}
