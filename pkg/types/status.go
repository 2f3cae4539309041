package types

import "time"

// StatusKind classifies a status update.
type StatusKind string

const (
	// StatusStarted is sent once when the slave begins executing.
	StatusStarted StatusKind = "started"
	// StatusOutput carries a chunk of captured output.
	StatusOutput StatusKind = "output"
	// StatusFinished is sent once with the exit code.
	StatusFinished StatusKind = "finished"
	// StatusHeartbeat proves the slave is still working on the command.
	StatusHeartbeat StatusKind = "heartbeat"
)

// StatusUpdate is a decoded status message as seen by the master.
type StatusUpdate struct {
	CommandID CommandID  `json:"command_id"`
	Kind      StatusKind `json:"kind"`
	Seq       uint64     `json:"seq"`
	Output    string     `json:"output,omitempty"`
	ExitCode  int        `json:"exit_code"`
	Error     string     `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}
