package types

import (
	"time"

	"github.com/google/uuid"
)

// CommandID is the handle returned to callers that submit a command.
type CommandID string

// NewCommandID generates a fresh command handle.
func NewCommandID() CommandID {
	return CommandID(uuid.New().String())
}

// CommandPayload is what the slave executes.
type CommandPayload struct {
	// Script is handed to the slave's executor verbatim.
	Script string `json:"script" yaml:"script"`

	// Env holds extra environment variables for the script.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// WorkDir is the working directory on the slave. Empty means the
	// executor's default.
	WorkDir string `json:"workdir,omitempty" yaml:"workdir,omitempty"`

	// Timeout bounds execution on the slave. Zero means no limit.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// CommandState represents the lifecycle state of a submitted command.
type CommandState string

const (
	// CommandStatePending indicates no capable slave was idle yet.
	CommandStatePending CommandState = "pending"
	// CommandStateDispatched indicates the COMMAND was sent to a slave.
	CommandStateDispatched CommandState = "dispatched"
	// CommandStateRunning indicates the slave reported that it started.
	CommandStateRunning CommandState = "running"
	// CommandStateCompleted indicates the slave became idle again without a
	// final status update (yet).
	CommandStateCompleted CommandState = "completed"
	// CommandStateSucceeded indicates the slave reported exit code zero.
	CommandStateSucceeded CommandState = "succeeded"
	// CommandStateFailed indicates the slave reported a failure.
	CommandStateFailed CommandState = "failed"
	// CommandStateLost indicates the slave disconnected mid-command.
	CommandStateLost CommandState = "lost"
	// CommandStateExpired indicates the command waited longer than the
	// queue TTL.
	CommandStateExpired CommandState = "expired"
	// CommandStateRejected indicates the command was refused at submission.
	CommandStateRejected CommandState = "rejected"
	// CommandStateUnreported indicates the command completed but its final
	// status never arrived.
	CommandStateUnreported CommandState = "unreported"
)

// IsTerminal reports whether no further transitions are expected.
func (s CommandState) IsTerminal() bool {
	switch s {
	case CommandStateSucceeded, CommandStateFailed, CommandStateLost,
		CommandStateExpired, CommandStateRejected, CommandStateUnreported:
		return true
	}
	return false
}

// CommandInfo is a point-in-time snapshot of a command record.
type CommandInfo struct {
	ID           CommandID      `json:"id"`
	Required     []string       `json:"required"`
	Payload      CommandPayload `json:"payload"`
	State        CommandState   `json:"state"`
	SlaveID      SlaveID        `json:"slave_id,omitempty"`
	Attempts     int            `json:"attempts"`
	SubmittedAt  time.Time      `json:"submitted_at"`
	DispatchedAt *time.Time     `json:"dispatched_at,omitempty"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
	ExitCode     *int           `json:"exit_code,omitempty"`
	Error        string         `json:"error,omitempty"`
	Output       string         `json:"output,omitempty"`
}
