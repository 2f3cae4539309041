package master

import "errors"

var (
	// ErrProtocolViolation marks an authenticated message that is not valid
	// in the sender's current protocol state.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrSlaveNotFound is returned for identities without a registry record.
	ErrSlaveNotFound = errors.New("slave not found")

	// ErrNotIdle is returned when dispatching to a slave that is not idle.
	ErrNotIdle = errors.New("slave not idle")

	// ErrNoCapableSlave is returned by Submit under the reject policy when no
	// idle slave satisfies the requirements.
	ErrNoCapableSlave = errors.New("no capable idle slave")

	// ErrQueueFull is returned by Submit when the pending queue is at capacity.
	ErrQueueFull = errors.New("pending queue full")

	// ErrCommandNotFound is returned for unknown command ids.
	ErrCommandNotFound = errors.New("command not found")

	// ErrInvalidCommand is returned for submissions that cannot be executed.
	ErrInvalidCommand = errors.New("invalid command")

	// ErrNotRunning is returned by operations that need a started master.
	ErrNotRunning = errors.New("master not running")
)
