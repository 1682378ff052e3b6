package policy

import (
	"context"
	"sync"

	"github.com/trackrun/trackcore/events"
)

// Record pairs a history row with the namespace it was decoded under,
// the unit Sink.WriteRows batches over.
type Record struct {
	Namespace string
	Row       events.HistoryRow
}

// Sink abstracts persistence for policies. Implementations may forward
// to a transport.Publisher, write to local storage, or stub for
// testing.
//
// WriteRows is batch-oriented to support both strict (batch of 1) and
// buffered policies.
type Sink interface {
	// WriteRows persists a batch of records. Must preserve ordering
	// within the batch. Returns error on failure; the caller decides
	// whether to retry or fail.
	WriteRows(ctx context.Context, records []Record) error

	// Close releases any resources held by the sink.
	Close() error
}

// StubSink is a test sink that accepts writes without persisting.
// Tracks write statistics for test assertions.
type StubSink struct {
	mu sync.Mutex

	// RowsWritten is the total count of rows written.
	RowsWritten int64
	// Batches is the number of WriteRows calls.
	Batches int64
	// Closed indicates whether Close was called.
	Closed bool

	// WrittenRecords stores all written records for inspection.
	WrittenRecords []Record

	// ErrorOnWrite, if non-nil, is returned by WriteRows.
	ErrorOnWrite error
}

// NewStubSink creates a new stub sink for testing.
func NewStubSink() *StubSink {
	return &StubSink{
		WrittenRecords: make([]Record, 0),
	}
}

// WriteRows records the batch without persisting.
func (s *StubSink) WriteRows(_ context.Context, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ErrorOnWrite != nil {
		return s.ErrorOnWrite
	}

	s.Batches++
	s.RowsWritten += int64(len(records))
	s.WrittenRecords = append(s.WrittenRecords, records...)

	return nil
}

// Close marks the sink as closed.
func (s *StubSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Closed = true
	return nil
}

// Stats returns a snapshot of sink statistics.
func (s *StubSink) Stats() StubSinkStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return StubSinkStats{
		RowsWritten: s.RowsWritten,
		Batches:     s.Batches,
		Closed:      s.Closed,
	}
}

// StubSinkStats is a snapshot of StubSink statistics.
type StubSinkStats struct {
	RowsWritten int64
	Batches     int64
	Closed      bool
}
