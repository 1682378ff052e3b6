package policy

import (
	"context"

	"github.com/trackrun/trackcore/events"
)

// StrictPolicy implements synchronous, unbuffered persistence.
//
//   - No buffering: each row is written immediately.
//   - No drops: all rows are persisted.
//   - Backpressure: caller blocks on sink latency.
//   - Sink errors fail the run.
type StrictPolicy struct {
	sink Sink
	rec  statsRecorder
}

// NewStrictPolicy creates a new strict policy writing to the given sink.
func NewStrictPolicy(sink Sink) *StrictPolicy {
	return &StrictPolicy{sink: sink}
}

// IngestRow writes the row immediately to the sink.
func (p *StrictPolicy) IngestRow(ctx context.Context, row events.HistoryRow, namespace string) error {
	p.rec.incTotalRows()

	if err := p.sink.WriteRows(ctx, []Record{{Namespace: namespace, Row: row}}); err != nil {
		p.rec.incErrors()
		return err
	}

	p.rec.incRowsPersisted(1)
	return nil
}

// Flush is a no-op for strict policy: nothing is buffered.
func (p *StrictPolicy) Flush(_ context.Context) error {
	p.rec.incFlush()
	return nil
}

// Close closes the underlying sink.
func (p *StrictPolicy) Close() error {
	return p.sink.Close()
}

// Stats returns policy statistics.
func (p *StrictPolicy) Stats() Stats {
	return p.rec.snapshot()
}
