package policy

import (
	"context"
	"errors"
	"sync"

	"github.com/trackrun/trackcore/events"
	"github.com/trackrun/trackcore/log"
)

// BufferedConfig configures a BufferedPolicy.
type BufferedConfig struct {
	// MaxBufferRows is the maximum number of rows to buffer.
	// Zero means no limit (use MaxBufferBytes instead).
	MaxBufferRows int

	// MaxBufferBytes is the maximum buffer size in bytes (estimated).
	// Zero means no limit (use MaxBufferRows instead).
	// At least one limit must be set.
	MaxBufferBytes int64

	// Logger is an optional logger for policy observability. If nil, no
	// logging is emitted.
	Logger *log.Logger
}

// DefaultBufferedConfig returns sensible defaults for buffered policy.
func DefaultBufferedConfig() BufferedConfig {
	return BufferedConfig{
		MaxBufferRows:  1000,
		MaxBufferBytes: 10 * 1024 * 1024,
	}
}

// ErrInvalidConfig is returned when BufferedConfig is invalid.
var ErrInvalidConfig = errors.New("invalid config: at least one of MaxBufferRows or MaxBufferBytes must be set")

// BufferedPolicy implements buffered persistence: rows accumulate until
// a limit is reached or Flush is called, then are written as one batch.
//
// Rows must never be dropped (there is no droppable-row concept in this
// domain, unlike the event stream it's grounded on): when ingesting a
// row would exceed a configured limit, IngestRow flushes the current
// buffer synchronously first, applying backpressure to the caller
// instead of losing data.
type BufferedPolicy struct {
	sink   Sink
	config BufferedConfig
	logger *log.Logger

	mu          sync.Mutex // guards buffer state only
	buffer      []Record
	bufferBytes int64
	stats       statsRecorder
}

// NewBufferedPolicy creates a new buffered policy. Returns an error if
// config is invalid.
func NewBufferedPolicy(sink Sink, config BufferedConfig) (*BufferedPolicy, error) {
	if config.MaxBufferRows <= 0 && config.MaxBufferBytes <= 0 {
		return nil, ErrInvalidConfig
	}

	return &BufferedPolicy{
		sink:   sink,
		config: config,
		logger: config.Logger,
		buffer: make([]Record, 0, max(config.MaxBufferRows, 100)),
	}, nil
}

// IngestRow buffers the row, flushing first if it would exceed a
// configured limit.
func (p *BufferedPolicy) IngestRow(ctx context.Context, row events.HistoryRow, namespace string) error {
	p.mu.Lock()
	p.stats.incTotalRowsLocked()
	rowSize := estimateRowSize(row)

	if !p.hasRoomLocked(rowSize) {
		p.mu.Unlock()
		if err := p.Flush(ctx); err != nil {
			return err
		}
		p.mu.Lock()
	}

	p.buffer = append(p.buffer, Record{Namespace: namespace, Row: row})
	p.bufferBytes += rowSize
	p.stats.setBufferSizeLocked(int64(len(p.buffer)))
	p.mu.Unlock()
	return nil
}

// hasRoomLocked reports whether the buffer can accept rowSize more
// bytes without exceeding either configured limit. Caller must hold mu.
func (p *BufferedPolicy) hasRoomLocked(rowSize int64) bool {
	if p.config.MaxBufferRows > 0 && len(p.buffer) >= p.config.MaxBufferRows {
		return false
	}
	if p.config.MaxBufferBytes > 0 && p.bufferBytes+rowSize > p.config.MaxBufferBytes {
		return false
	}
	return true
}

// Flush writes all buffered rows to the sink in one batch. On failure
// the buffer is left intact so the caller can retry.
func (p *BufferedPolicy) Flush(ctx context.Context) error {
	p.mu.Lock()
	p.stats.incFlushLocked()
	batch := p.buffer
	p.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	if err := p.sink.WriteRows(ctx, batch); err != nil {
		p.mu.Lock()
		p.stats.incErrorsLocked()
		p.mu.Unlock()
		p.logFlushFailure(err)
		return err
	}

	p.mu.Lock()
	p.stats.incRowsPersistedLocked(int64(len(batch)))
	p.buffer = make([]Record, 0, max(p.config.MaxBufferRows, 100))
	p.bufferBytes = 0
	p.stats.setBufferSizeLocked(0)
	p.mu.Unlock()

	return nil
}

// Close flushes remaining rows and closes the sink.
func (p *BufferedPolicy) Close() error {
	_ = p.Flush(context.Background())
	return p.sink.Close()
}

// Stats returns policy statistics. The buffer mutex is held while
// taking the snapshot, so all counters and the buffer size are
// captured at the same point in time.
func (p *BufferedPolicy) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats.snapshotLocked(int64(len(p.buffer)))
}

// estimateRowSize returns a rough size estimate in bytes for a history
// row, used for byte-bounded buffering.
func estimateRowSize(row events.HistoryRow) int64 {
	size := int64(32)
	size += int64(len(row.Values) * 24)
	return size
}

func (p *BufferedPolicy) logFlushFailure(err error) {
	if p.logger == nil {
		return
	}
	p.logger.Error("flush failed", map[string]any{
		"error":  err.Error(),
		"policy": "buffered",
	})
}
