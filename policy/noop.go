package policy

import (
	"context"

	"github.com/trackrun/trackcore/events"
)

// NoopPolicy accepts all rows but does not persist them. Used for
// dry-run consumers and tests that only care about queue/decoder
// behavior.
type NoopPolicy struct {
	rec statsRecorder
}

// NewNoopPolicy creates a new no-op policy.
func NewNoopPolicy() *NoopPolicy {
	return &NoopPolicy{}
}

// IngestRow accepts the row but does not persist it.
func (p *NoopPolicy) IngestRow(_ context.Context, _ events.HistoryRow, _ string) error {
	p.rec.incTotalRows()
	p.rec.incRowsPersisted(1)
	return nil
}

// Flush is a no-op.
func (p *NoopPolicy) Flush(_ context.Context) error {
	p.rec.incFlush()
	return nil
}

// Close is a no-op.
func (p *NoopPolicy) Close() error {
	return nil
}

// Stats returns the policy statistics.
func (p *NoopPolicy) Stats() Stats {
	return p.rec.snapshot()
}
