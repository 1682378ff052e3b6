//nolint:revive // types is a common Go package naming convention
package types

// CommandType discriminates sweep agent commands.
type CommandType string

const (
	// CommandRun launches a new supervised trial.
	CommandRun CommandType = "run"
	// CommandStop requests graceful termination of a running trial.
	CommandStop CommandType = "stop"
	// CommandExit kills all children and stops the agent main loop.
	CommandExit CommandType = "exit"
)

// AgentCommand is a command delivered either locally (via the agent's input
// queue) or by RemoteAPI.Heartbeat's response.
type AgentCommand struct {
	Type CommandType `msgpack:"type" json:"type"`
	// RunID names the target trial for `run`/`stop`; unused for `exit`.
	RunID string `msgpack:"run_id,omitempty" json:"run_id,omitempty"`
	// Args are the sweep_vars used to expand the run command template.
	Args map[string]any `msgpack:"args,omitempty" json:"args,omitempty"`
	// ReplyTo, for local commands, names the reply channel the dispatcher
	// must respond on. Not serialized; local-only.
	ReplyTo chan CommandReply `msgpack:"-" json:"-"`
}

// CommandReply is the dispatcher's response to a processed command.
// AgentInvalidCommand failures are captured here instead of crashing the
// agent.
type CommandReply struct {
	OK        bool   `msgpack:"ok" json:"ok"`
	Exception string `msgpack:"exception,omitempty" json:"exception,omitempty"`
	Traceback string `msgpack:"traceback,omitempty" json:"traceback,omitempty"`
}

// SweepConfig is the configuration fetched once from RemoteAPI.SweepConfig.
type SweepConfig struct {
	SweepID string `json:"sweep_id" yaml:"sweep_id"`
	// Command is the trial launch template. Defaults to
	// ["${env}", "${interpreter}", "${program}", "${args}"] when empty.
	Command []string `json:"command,omitempty" yaml:"command,omitempty"`
	Program string `json:"program" yaml:"program"`
	// Count caps the number of finished trials before the agent stops.
	Count *int `json:"count,omitempty" yaml:"count,omitempty"`
}

// DefaultCommandTemplate is the sweep command template used when
// SweepConfig.Command is empty.
var DefaultCommandTemplate = []string{"${env}", "${interpreter}", "${program}", "${args}"}

// HeartbeatStatus reports per-run liveness in the agent's heartbeat.
type HeartbeatStatus map[string]bool
