//nolint:revive // types is a common Go package naming convention
package types

import "time"

// SweepMeta identifies the sweep agent process and the sweep campaign it
// is running, used as logging/metrics context (CONTRACT_RUN.md equivalent
// for the agent: run identity and lineage metadata).
type SweepMeta struct {
	// SweepID is the sweep campaign identifier.
	SweepID string
	// AgentID is assigned by RemoteAPI.RegisterAgent.
	AgentID string
}

// RunProcess is a supervised child trial: either an OS subprocess or an
// in-process function, launched by a `run` command.
type RunProcess struct {
	// RunID is the trial's run identifier.
	RunID string
	// PID is the OS process id for subprocess-mode trials. Zero for
	// in-process function trials.
	PID int
	// Env is the environment the trial was launched with.
	Env []string
	// LastSigtermTime is nil until the first `stop` command is processed.
	LastSigtermTime *time.Time
	// FinishedSignal, when non-nil, carries the completion token posted by
	// an in-process function trial on its one-shot channel.
	FinishedSignal *FinishedSignal
}

// FinishedSignal is the one-shot completion token an in-process function
// trial posts when it returns.
type FinishedSignal struct {
	ExitCode int
	Err      error
}

// AgentState is the sweep agent's process-lifetime state.
type AgentState struct {
	// RunningChildren maps run_id to its supervised process.
	RunningChildren map[string]*RunProcess
	// FailedCount is the number of trials that exited non-zero.
	FailedCount int
	// FinishedCount is the number of trials that have completed (any exit).
	FinishedCount int
	// LastReportTime is the last time a heartbeat was sent.
	LastReportTime time.Time
	// Running is false once the agent has decided to stop its main loop
	// (flap protection, `exit` command, or `count` reached).
	Running bool
}

// NewAgentState returns an AgentState ready for the main loop.
func NewAgentState() *AgentState {
	return &AgentState{
		RunningChildren: make(map[string]*RunProcess),
		Running:         true,
	}
}
