package events

import "context"

// MultiPublisher fans a history row out to every wrapped Publisher in
// order, stopping at the first error. Used to compose the real Transport
// with an optional LodeMirror.
type MultiPublisher []Publisher

func (m MultiPublisher) PublishHistory(ctx context.Context, row HistoryRow, namespace string) error {
	for _, p := range m {
		if err := p.PublishHistory(ctx, row, namespace); err != nil {
			return err
		}
	}
	return nil
}
