package policy

import (
	"context"
	"testing"

	"github.com/trackrun/trackcore/events"
)

func TestBufferedPolicy_RequiresALimit(t *testing.T) {
	if _, err := NewBufferedPolicy(NewStubSink(), BufferedConfig{}); err == nil {
		t.Fatal("expected error for unbounded config")
	}
}

func TestBufferedPolicy_FlushesOnCountLimit(t *testing.T) {
	sink := NewStubSink()
	p, err := NewBufferedPolicy(sink, BufferedConfig{MaxBufferRows: 2})
	if err != nil {
		t.Fatalf("NewBufferedPolicy: %v", err)
	}

	ctx := context.Background()
	for i := range 3 {
		row := events.HistoryRow{Step: int64(i), Values: map[string]float64{"loss": float64(i)}}
		if err := p.IngestRow(ctx, row, "train"); err != nil {
			t.Fatalf("IngestRow %d: %v", i, err)
		}
	}

	if sink.Stats().Batches != 1 {
		t.Fatalf("expected 1 batch from the count-triggered flush, got %d", sink.Stats().Batches)
	}
	if p.Stats().BufferSize != 1 {
		t.Fatalf("expected 1 row still buffered, got %d", p.Stats().BufferSize)
	}
}

func TestBufferedPolicy_FlushWritesRemainder(t *testing.T) {
	sink := NewStubSink()
	p, err := NewBufferedPolicy(sink, BufferedConfig{MaxBufferRows: 100})
	if err != nil {
		t.Fatalf("NewBufferedPolicy: %v", err)
	}

	ctx := context.Background()
	_ = p.IngestRow(ctx, events.HistoryRow{Step: 1}, "train")
	if err := p.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if sink.Stats().RowsWritten != 1 {
		t.Fatalf("expected 1 row written, got %d", sink.Stats().RowsWritten)
	}
	if p.Stats().BufferSize != 0 {
		t.Fatal("expected buffer drained after flush")
	}
}
