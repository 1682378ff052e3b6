package events

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/trackrun/trackcore/types"
)

// WarmUp is the consumer's startup grace window: until WarmUp has passed
// since NewConsumer, popped events are pushed back and the loop
// briefly sleeps, letting later-arriving files with earlier wall_times
// overtake before any row is emitted.
const WarmUp = 10 * time.Second

// popTimeout bounds each PriorityQueue.Pop call.
const popTimeout = 1 * time.Second

// warmUpSleep is how long the consumer sleeps after pushing an event back
// during warm-up.
const warmUpSleep = 100 * time.Millisecond

// HistoryRow is one step's worth of accumulated scalar summaries, ready to
// publish.
type HistoryRow struct {
	Step   int64
	Values map[string]float64
}

// Publisher is the Transport collaborator the Consumer drains rows into
//.
type Publisher interface {
	PublishHistory(ctx context.Context, row HistoryRow, namespace string) error
}

// history groups incoming scalar summaries by step, flushing the
// in-flight row whenever a later add() begins a new step.
type history struct {
	mu      sync.Mutex
	current map[string]float64
	step    int64
	hasRow  bool
	ready   []HistoryRow
}

func newHistory() *history { return &history{} }

func (h *history) add(step int64, values map[string]float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.hasRow && step != h.step {
		h.flushLocked()
	}
	if h.current == nil {
		h.current = make(map[string]float64)
	}
	for k, v := range values {
		h.current[k] = v
	}
	h.step = step
	h.hasRow = true
}

func (h *history) flushLocked() {
	if !h.hasRow {
		return
	}
	h.ready = append(h.ready, HistoryRow{Step: h.step, Values: h.current})
	h.current = nil
	h.hasRow = false
}

// flush force-closes any in-flight row.
func (h *history) flush() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.flushLocked()
}

// getAndReset returns accumulated ready rows in step order and clears them.
func (h *history) getAndReset() []HistoryRow {
	h.mu.Lock()
	defer h.mu.Unlock()
	rows := h.ready
	h.ready = nil
	sort.Slice(rows, func(i, j int) bool { return rows[i].Step < rows[j].Step })
	return rows
}

// Consumer is the single per-run drain of a PriorityQueue into a Publisher
//. Exactly one Consumer must exist per run.
type Consumer struct {
	queue     *PriorityQueue
	publisher Publisher
	startedAt time.Time

	mu       sync.Mutex
	history  map[string]*history // keyed by namespace
	shutdown bool
}

// NewConsumer returns a Consumer draining queue into publisher.
func NewConsumer(queue *PriorityQueue, publisher Publisher) *Consumer {
	return &Consumer{
		queue:     queue,
		publisher: publisher,
		startedAt: time.Now(),
		history:   make(map[string]*history),
	}
}

// Shutdown zeroes the warm-up window and causes Run's next iteration to
// flush and drain before returning.
func (c *Consumer) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shutdown = true
}

func (c *Consumer) isShutdown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shutdown
}

// Run drains the queue until ctx is cancelled or Shutdown has been called
// and the queue is empty.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			c.flushAll(ctx)
			return ctx.Err()
		default:
		}

		ev, ok := c.queue.Pop(popTimeout)
		if !ok {
			if c.isShutdown() {
				c.flushAll(ctx)
				return nil
			}
			continue
		}

		if !c.isShutdown() && time.Since(c.startedAt) < WarmUp {
			c.queue.PushBack(ev)
			time.Sleep(warmUpSleep)
			continue
		}

		c.ingest(ev)
		if err := c.drain(ctx, ev.Namespace); err != nil {
			return err
		}
	}
}

func (c *Consumer) ingest(ev *types.TBEvent) {
	c.mu.Lock()
	h, ok := c.history[ev.Namespace]
	if !ok {
		h = newHistory()
		c.history[ev.Namespace] = h
	}
	c.mu.Unlock()

	h.add(ev.Event.Step, ev.Event.Summary)
}

func (c *Consumer) drain(ctx context.Context, namespace string) error {
	c.mu.Lock()
	h, ok := c.history[namespace]
	c.mu.Unlock()
	if !ok {
		return nil
	}

	for _, row := range h.getAndReset() {
		if err := c.publisher.PublishHistory(ctx, row, namespace); err != nil {
			return err
		}
	}
	return nil
}

func (c *Consumer) flushAll(ctx context.Context) {
	c.mu.Lock()
	namespaces := make([]string, 0, len(c.history))
	for ns, h := range c.history {
		h.flush()
		namespaces = append(namespaces, ns)
	}
	c.mu.Unlock()

	for _, ns := range namespaces {
		_ = c.drain(ctx, ns)
	}
}
