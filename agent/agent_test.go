package agent

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/trackrun/trackcore/types"
)

type fakeSupervisor struct {
	mu        sync.Mutex
	started   bool
	exitCode  int
	finished  bool
	terminate int
	kill      int
}

func (f *fakeSupervisor) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeSupervisor) Poll() (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exitCode, f.finished
}

func (f *fakeSupervisor) Terminate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminate++
	return nil
}

func (f *fakeSupervisor) Kill() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kill++
	return nil
}

func (f *fakeSupervisor) finish(code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exitCode = code
	f.finished = true
}

type fakeRemoteAPI struct {
	mu        sync.Mutex
	commands  []*types.AgentCommand
	heartbeats int
}

func (f *fakeRemoteAPI) SweepConfig(context.Context, string) (*types.SweepConfig, error) {
	return &types.SweepConfig{}, nil
}

func (f *fakeRemoteAPI) Heartbeat(context.Context, types.HeartbeatStatus) ([]*types.AgentCommand, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	cmds := f.commands
	f.commands = nil
	return cmds, nil
}

type fakeQueue struct {
	mu    sync.Mutex
	items []*types.AgentCommand
}

func (q *fakeQueue) Drain(max int) []*types.AgentCommand {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) > max {
		items := q.items[:max]
		q.items = q.items[max:]
		return items
	}
	items := q.items
	q.items = nil
	return items
}

func (q *fakeQueue) push(cmd *types.AgentCommand) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, cmd)
}

func TestAgent_HandleRunAndStop(t *testing.T) {
	sup := &fakeSupervisor{}
	newTrial := func(context.Context, string, map[string]any, []string) (Supervisor, error) {
		return sup, nil
	}

	a := New("sweep-1", &fakeRemoteAPI{}, &fakeQueue{}, newTrial, &types.SweepConfig{})

	reply := a.handleRun(context.Background(), &types.AgentCommand{Type: types.CommandRun, RunID: "run-1"})
	if !reply.OK {
		t.Fatalf("handleRun failed: %s", reply.Exception)
	}
	if !sup.started {
		t.Error("expected supervisor to be started")
	}

	reply = a.handleStop("run-1")
	if !reply.OK {
		t.Fatalf("handleStop failed: %s", reply.Exception)
	}
	if sup.terminate != 1 {
		t.Errorf("Terminate called %d times, want 1", sup.terminate)
	}

	if reply := a.handleStop("unknown"); reply.OK {
		t.Error("expected handleStop on unknown run to fail")
	}
}

func TestAgent_FlappingStopsEarlyFailures(t *testing.T) {
	var mu sync.Mutex
	var sups []*fakeSupervisor
	newTrial := func(context.Context, string, map[string]any, []string) (Supervisor, error) {
		sup := &fakeSupervisor{}
		mu.Lock()
		sups = append(sups, sup)
		mu.Unlock()
		return sup, nil
	}

	queue := &fakeQueue{}
	a := New("sweep-1", &fakeRemoteAPI{}, queue, newTrial, &types.SweepConfig{})

	for i := 0; i < FlappingMaxFailures; i++ {
		reply := a.handleRun(context.Background(), &types.AgentCommand{Type: types.CommandRun, RunID: fmt.Sprintf("run-%d", i)})
		if !reply.OK {
			t.Fatalf("handleRun failed: %s", reply.Exception)
		}
	}
	for _, sup := range sups {
		sup.finish(1)
	}

	if stop := a.pollChildren(); !stop {
		t.Error("expected pollChildren to signal stop after repeated early failures")
	}
}

func TestAgent_DisableFlappingIgnoresFailures(t *testing.T) {
	var sups []*fakeSupervisor
	newTrial := func(context.Context, string, map[string]any, []string) (Supervisor, error) {
		sup := &fakeSupervisor{}
		sups = append(sups, sup)
		return sup, nil
	}
	a := New("sweep-1", &fakeRemoteAPI{}, &fakeQueue{}, newTrial, &types.SweepConfig{})
	a.disableFlapping = true

	for i := 0; i < FlappingMaxFailures+2; i++ {
		a.handleRun(context.Background(), &types.AgentCommand{Type: types.CommandRun, RunID: fmt.Sprintf("run-%d", i)})
	}
	for _, sup := range sups {
		sup.finish(1)
	}

	if stop := a.pollChildren(); stop {
		t.Error("expected pollChildren to not stop when flapping is disabled")
	}
}

func TestAgent_RunStopsOnCountReached(t *testing.T) {
	sup := &fakeSupervisor{finished: true, exitCode: 0}
	newTrial := func(context.Context, string, map[string]any, []string) (Supervisor, error) {
		return sup, nil
	}

	queue := &fakeQueue{}
	queue.push(&types.AgentCommand{Type: types.CommandRun, RunID: "run-1"})

	count := 1
	a := New("sweep-1", &fakeRemoteAPI{}, queue, newTrial, &types.SweepConfig{Count: &count})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := a.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
}

func TestAgent_RunExitsOnContextCancellation(t *testing.T) {
	a := New("sweep-1", &fakeRemoteAPI{}, &fakeQueue{}, func(context.Context, string, map[string]any, []string) (Supervisor, error) {
		return &fakeSupervisor{}, nil
	}, &types.SweepConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := a.Run(ctx); err == nil {
		t.Error("expected Run to return an error for a pre-cancelled context")
	}
}

func TestExpandTemplate(t *testing.T) {
	template := []string{"${env}", "${interpreter}", "${program}", "${args}"}
	got := ExpandTemplate(template, "env", "python3", "train.py", []string{"--lr", "0.1"}, "", "")

	want := []string{"env", "python3", "train.py", "--lr", "0.1"}
	if len(got) != len(want) {
		t.Fatalf("ExpandTemplate() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestExpandTemplate_ArgsNoHyphens(t *testing.T) {
	got := ExpandTemplate([]string{"${args_no_hyphens}"}, "", "", "", []string{"--lr", "0.1"}, "", "")
	want := []string{"lr", "0.1"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestExpandTemplate_ArgsJSONTokens(t *testing.T) {
	got := ExpandTemplate([]string{"${args_json}", "${args_json_file}"}, "", "", "", nil, `{"lr":0.1}`, "/tmp/args.json")
	want := []string{`{"lr":0.1}`, "/tmp/args.json"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
