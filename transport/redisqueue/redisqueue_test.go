package redisqueue

import (
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/trackrun/trackcore/types"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	q, err := New(Config{URL: "redis://" + mr.Addr(), Key: "trackcore:agent:commands"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestNew_RequiresURL(t *testing.T) {
	if _, err := New(Config{Key: "k"}); err == nil {
		t.Error("expected error for empty URL")
	}
}

func TestNew_RequiresKey(t *testing.T) {
	if _, err := New(Config{URL: "redis://localhost:6379"}); err == nil {
		t.Error("expected error for empty Key")
	}
}

func TestNew_RejectsInvalidURL(t *testing.T) {
	if _, err := New(Config{URL: "not-a-valid-redis-url", Key: "k"}); err == nil {
		t.Error("expected error for an unparseable URL")
	}
}

func TestQueue_PushThenDrain(t *testing.T) {
	q := newTestQueue(t)

	if err := q.Push(t.Context(), &types.AgentCommand{Type: types.CommandRun, RunID: "run-1"}); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if err := q.Push(t.Context(), &types.AgentCommand{Type: types.CommandStop, RunID: "run-2"}); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	cmds := q.Drain(10)
	if len(cmds) != 2 {
		t.Fatalf("Drain() = %d commands, want 2", len(cmds))
	}
	if cmds[0].RunID != "run-1" || cmds[1].RunID != "run-2" {
		t.Errorf("Drain() order = %+v, want FIFO run-1 then run-2", cmds)
	}
}

func TestQueue_DrainRespectsMax(t *testing.T) {
	q := newTestQueue(t)

	for i := 0; i < 5; i++ {
		if err := q.Push(t.Context(), &types.AgentCommand{Type: types.CommandRun, RunID: "run"}); err != nil {
			t.Fatalf("Push failed: %v", err)
		}
	}

	cmds := q.Drain(2)
	if len(cmds) != 2 {
		t.Fatalf("Drain(2) = %d commands, want 2", len(cmds))
	}
	if remaining := q.Drain(10); len(remaining) != 3 {
		t.Errorf("remaining after Drain(2) = %d, want 3", len(remaining))
	}
}

func TestQueue_DrainOnEmptyQueueReturnsEmpty(t *testing.T) {
	q := newTestQueue(t)

	if cmds := q.Drain(10); len(cmds) != 0 {
		t.Errorf("Drain() on empty queue = %+v, want empty", cmds)
	}
}
