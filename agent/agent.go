package agent

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/trackrun/trackcore/types"
)

// PollInterval is the main loop cadence.
const PollInterval = 5 * time.Second

// FlappingMaxSeconds and FlappingMaxFailures bound the early-failure flap
// guard: if the agent is still younger than FlappingMaxSeconds and has
// already seen FlappingMaxFailures failed trials, it stops.
const (
	FlappingMaxSeconds  = 60 * time.Second
	FlappingMaxFailures = 3
)

// RemoteAPI is the metadata-plane collaborator: sweep config fetch,
// heartbeat, and server-pushed commands.
type RemoteAPI interface {
	SweepConfig(ctx context.Context, sweepID string) (*types.SweepConfig, error)
	Heartbeat(ctx context.Context, status types.HeartbeatStatus) ([]*types.AgentCommand, error)
}

// CommandQueue is the local input queue commands (from e.g. a CLI or a
// redis-backed queue) arrive on, drained up to 100 per loop.
type CommandQueue interface {
	Drain(max int) []*types.AgentCommand
}

// TrialFactory builds a Supervisor for a run command, expanding the
// configured command template.
type TrialFactory func(ctx context.Context, runID string, args map[string]any, template []string) (Supervisor, error)

// Agent runs the sweep main loop.
type Agent struct {
	sweepID  string
	api      RemoteAPI
	queue    CommandQueue
	newTrial TrialFactory
	template []string
	count    *int

	disableFlapping bool
	processStart    time.Time

	mu       sync.Mutex
	state    *types.AgentState
	children map[string]Supervisor
}

// New builds an Agent for sweepID. template defaults to
// types.DefaultCommandTemplate when cfg.Command is empty.
func New(sweepID string, api RemoteAPI, queue CommandQueue, newTrial TrialFactory, cfg *types.SweepConfig) *Agent {
	template := cfg.Command
	if len(template) == 0 {
		template = types.DefaultCommandTemplate
	}
	return &Agent{
		sweepID:         sweepID,
		api:             api,
		queue:           queue,
		newTrial:        newTrial,
		template:        template,
		count:           cfg.Count,
		disableFlapping: os.Getenv("WANDB_AGENT_DISABLE_FLAPPING") == "true",
		processStart:    time.Now(),
		state:           types.NewAgentState(),
		children:        make(map[string]Supervisor),
	}
}

// Run executes the main loop until ctx is cancelled or the agent decides
// to stop (flap protection, count reached, or an exit command).
func (a *Agent) Run(ctx context.Context) error {
	a.mu.Lock()
	a.state.Running = true
	a.mu.Unlock()

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.stopAll()
			return ctx.Err()
		default:
		}

		for _, cmd := range a.queue.Drain(100) {
			a.dispatch(ctx, cmd)
		}

		stop := a.pollChildren()
		if stop {
			a.stopAll()
			return nil
		}

		if a.count != nil && a.finishedCount() >= *a.count {
			a.stopAll()
			return nil
		}

		commands, err := a.api.Heartbeat(ctx, a.aliveStatus())
		if err == nil {
			for _, cmd := range commands {
				a.dispatch(ctx, cmd)
			}
		}

		select {
		case <-ctx.Done():
			a.stopAll()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (a *Agent) dispatch(ctx context.Context, cmd *types.AgentCommand) {
	var reply types.CommandReply
	switch cmd.Type {
	case types.CommandRun:
		reply = a.handleRun(ctx, cmd)
	case types.CommandStop:
		reply = a.handleStop(cmd.RunID)
	case types.CommandExit:
		a.stopAll()
		reply = types.CommandReply{OK: true}
	default:
		reply = types.CommandReply{OK: false, Exception: fmt.Sprintf("unknown command type %q", cmd.Type)}
	}
	if cmd.ReplyTo != nil {
		cmd.ReplyTo <- reply
	}
}

func (a *Agent) handleRun(ctx context.Context, cmd *types.AgentCommand) types.CommandReply {
	sup, err := a.newTrial(ctx, cmd.RunID, cmd.Args, a.template)
	if err != nil {
		return types.CommandReply{OK: false, Exception: err.Error()}
	}
	if err := sup.Start(ctx); err != nil {
		return types.CommandReply{OK: false, Exception: err.Error()}
	}

	a.mu.Lock()
	a.children[cmd.RunID] = sup
	a.state.RunningChildren[cmd.RunID] = &types.RunProcess{RunID: cmd.RunID}
	a.mu.Unlock()

	return types.CommandReply{OK: true}
}

func (a *Agent) handleStop(runID string) types.CommandReply {
	a.mu.Lock()
	sup, ok := a.children[runID]
	proc := a.state.RunningChildren[runID]
	a.mu.Unlock()
	if !ok {
		return types.CommandReply{OK: false, Exception: fmt.Sprintf("unknown run %q", runID)}
	}

	now := time.Now()
	if proc.LastSigtermTime == nil {
		if err := sup.Terminate(); err != nil {
			return types.CommandReply{OK: false, Exception: err.Error()}
		}
		a.mu.Lock()
		proc.LastSigtermTime = &now
		a.mu.Unlock()
		return types.CommandReply{OK: true}
	}

	if now.After(proc.LastSigtermTime.Add(KillDelay)) {
		if err := sup.Kill(); err != nil {
			return types.CommandReply{OK: false, Exception: err.Error()}
		}
	}
	return types.CommandReply{OK: true}
}

// pollChildren checks every live child for completion, updates
// failed/finished counters, and reports whether flap protection says to
// stop the whole agent.
func (a *Agent) pollChildren() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	for runID, sup := range a.children {
		code, finished := sup.Poll()
		if !finished {
			continue
		}

		delete(a.children, runID)
		delete(a.state.RunningChildren, runID)
		a.state.FinishedCount++
		if code != 0 {
			a.state.FailedCount++
		}
	}

	if a.disableFlapping {
		return false
	}
	stillEarly := time.Now().Before(a.processStart.Add(FlappingMaxSeconds))
	return stillEarly && a.state.FailedCount >= FlappingMaxFailures
}

func (a *Agent) finishedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.FinishedCount
}

func (a *Agent) aliveStatus() types.HeartbeatStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	status := make(types.HeartbeatStatus, len(a.children))
	for runID := range a.children {
		status[runID] = true
	}
	return status
}

// stopAll terminates then kills every remaining child, used for exit
// commands and ctx cancellation.
func (a *Agent) stopAll() {
	a.mu.Lock()
	children := make([]Supervisor, 0, len(a.children))
	for _, sup := range a.children {
		children = append(children, sup)
	}
	a.children = make(map[string]Supervisor)
	a.state.Running = false
	a.mu.Unlock()

	for _, sup := range children {
		_ = sup.Terminate()
	}
	time.Sleep(100 * time.Millisecond)
	for _, sup := range children {
		if _, finished := sup.Poll(); !finished {
			_ = sup.Kill()
		}
	}
}

// ExpandTemplate substitutes sweep command tokens: ${env},
// ${interpreter}, ${program}, ${args}, ${args_no_hyphens}, ${args_json},
// ${args_json_file}. ${env} is dropped on Windows.
func ExpandTemplate(template []string, env, interpreter, program string, args []string, argsJSON, argsJSONFile string) []string {
	argsNoHyphens := make([]string, len(args))
	for i, a := range args {
		argsNoHyphens[i] = strings.TrimPrefix(a, "--")
	}

	out := make([]string, 0, len(template))
	for _, tok := range template {
		switch tok {
		case "${env}":
			if isWindows() {
				continue
			}
			out = append(out, env)
		case "${interpreter}":
			out = append(out, interpreter)
		case "${program}":
			out = append(out, program)
		case "${args}":
			out = append(out, args...)
		case "${args_no_hyphens}":
			out = append(out, argsNoHyphens...)
		case "${args_json}":
			out = append(out, argsJSON)
		case "${args_json_file}":
			out = append(out, argsJSONFile)
		default:
			out = append(out, tok)
		}
	}
	return out
}

func isWindows() bool { return os.PathSeparator == '\\' }
