package events

import (
	"context"
	"time"

	"github.com/justapithecus/lode/lode"
)

// LodeMirror is an optional local persistence sink for history rows,
// grounded on lode/client.go's Hive-partitioned dataset writer. It lets a
// Consumer additionally mirror every published row to a local
// Hive-partitioned JSONL store, independent of and in parallel with
// Transport.PublishHistory.
type LodeMirror struct {
	dataset lode.Dataset
	runID   string
}

// NewLodeMirror opens a Hive-partitioned dataset under root, partitioned by
// namespace/day, for mirroring history rows locally.
func NewLodeMirror(root, runID string) (*LodeMirror, error) {
	ds, err := lode.NewDataset(
		lode.DatasetID("history-"+runID),
		lode.NewFSFactory(root),
		lode.WithHiveLayout("namespace", "day"),
		lode.WithCodec(lode.NewJSONLCodec()),
	)
	if err != nil {
		return nil, err
	}
	return &LodeMirror{dataset: ds, runID: runID}, nil
}

// PublishHistory implements Publisher, writing row as a single Hive record
// so LodeMirror can be composed alongside (or in front of) the real
// Transport in a Consumer's publish chain.
func (m *LodeMirror) PublishHistory(ctx context.Context, row HistoryRow, namespace string) error {
	record := map[string]any{
		"run_id":    m.runID,
		"namespace": namespace,
		"day":       time.Now().UTC().Format("2006-01-02"),
		"step":      row.Step,
		"values":    row.Values,
	}
	_, err := m.dataset.Write(ctx, []any{record}, lode.Metadata{})
	return err
}

// Close does nothing and returns nil; the dataset is not closed.
func (m *LodeMirror) Close() error { return nil }
