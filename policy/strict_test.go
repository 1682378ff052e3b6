package policy

import (
	"context"
	"errors"
	"testing"

	"github.com/trackrun/trackcore/events"
)

func TestStrictPolicy_IngestRow_WritesImmediately(t *testing.T) {
	sink := NewStubSink()
	p := NewStrictPolicy(sink)

	row := events.HistoryRow{Step: 1, Values: map[string]float64{"loss": 0.5}}
	if err := p.IngestRow(context.Background(), row, "train"); err != nil {
		t.Fatalf("IngestRow: %v", err)
	}

	if sink.Stats().Batches != 1 {
		t.Fatalf("expected 1 batch, got %d", sink.Stats().Batches)
	}
	stats := p.Stats()
	if stats.TotalRows != 1 || stats.RowsPersisted != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestStrictPolicy_IngestRow_SinkError(t *testing.T) {
	sink := NewStubSink()
	sink.ErrorOnWrite = errors.New("boom")
	p := NewStrictPolicy(sink)

	err := p.IngestRow(context.Background(), events.HistoryRow{Step: 1}, "train")
	if err == nil {
		t.Fatal("expected error")
	}
	if p.Stats().Errors != 1 {
		t.Fatalf("expected 1 error, got %d", p.Stats().Errors)
	}
}

func TestStrictPolicy_Close_ClosesSink(t *testing.T) {
	sink := NewStubSink()
	p := NewStrictPolicy(sink)
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !sink.Stats().Closed {
		t.Fatal("expected sink closed")
	}
}
