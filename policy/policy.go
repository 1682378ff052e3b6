// Package policy defines the event consumer's publish policy: how
// decoded history rows are buffered, batched, and flushed to a
// Sink before reaching a transport.Publisher.
package policy

import (
	"context"
	"sync"

	"github.com/trackrun/trackcore/events"
)

// Policy controls buffering and flush behavior for history rows handed
// to IngestRow. events.Consumer does not use a Policy: it publishes rows
// to its Publisher directly, and no other package of this module calls
// a Policy either.
//
//   - Must not drop rows: every row ingested must eventually reach the
//     sink, or IngestRow must return an error.
//   - Must not reorder rows within a namespace.
//   - Flush is left to the caller and may also be called periodically
//     by buffered implementations.
type Policy interface {
	// IngestRow hands one history row to the policy.
	IngestRow(ctx context.Context, row events.HistoryRow, namespace string) error

	// Flush flushes any buffered rows.
	Flush(ctx context.Context) error

	// Close releases policy resources.
	Close() error

	// Stats returns an atomic snapshot of policy metrics.
	Stats() Stats
}

// Stats reports policy observability metrics.
type Stats struct {
	// TotalRows is the total number of rows received.
	TotalRows int64
	// RowsPersisted is the number of rows persisted.
	RowsPersisted int64
	// BufferSize is the current buffer size in rows (if buffered).
	BufferSize int64
	// FlushCount is the number of flush operations.
	FlushCount int64
	// Errors is the count of non-fatal errors encountered.
	Errors int64
}

// statsRecorder is an internal helper for thread-safe stats management.
// Policies call explicit methods to record mutations; the recorder does
// not infer or automate any policy decisions.
//
// Lock discipline: StrictPolicy uses the locking methods directly.
// BufferedPolicy uses the Locked variants only while holding its own
// mutex, so buffer state and stats counters stay atomic together.
type statsRecorder struct {
	mu    sync.Mutex
	stats Stats
}

func (r *statsRecorder) incTotalRows() {
	r.mu.Lock()
	r.stats.TotalRows++
	r.mu.Unlock()
}

func (r *statsRecorder) incRowsPersisted(n int64) {
	r.mu.Lock()
	r.stats.RowsPersisted += n
	r.mu.Unlock()
}

func (r *statsRecorder) incErrors() {
	r.mu.Lock()
	r.stats.Errors++
	r.mu.Unlock()
}

func (r *statsRecorder) incFlush() {
	r.mu.Lock()
	r.stats.FlushCount++
	r.mu.Unlock()
}

func (r *statsRecorder) snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// --- Locked methods for BufferedPolicy ---
// Caller must hold BufferedPolicy.mu.

func (r *statsRecorder) incTotalRowsLocked() {
	r.stats.TotalRows++
}

func (r *statsRecorder) incRowsPersistedLocked(n int64) {
	r.stats.RowsPersisted += n
}

func (r *statsRecorder) incErrorsLocked() {
	r.stats.Errors++
}

func (r *statsRecorder) incFlushLocked() {
	r.stats.FlushCount++
}

func (r *statsRecorder) setBufferSizeLocked(rows int64) {
	r.stats.BufferSize = rows
}

func (r *statsRecorder) snapshotLocked(bufferSize int64) Stats {
	s := r.stats
	s.BufferSize = bufferSize
	return s
}
