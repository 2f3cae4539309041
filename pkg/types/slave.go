package types

import (
	"encoding/hex"
	"fmt"
	"time"
)

// SlaveID is the routing identity the command transport assigns to a slave
// connection. It is opaque, compared bytewise, and only meaningful for the
// lifetime of that connection.
type SlaveID string

// SlaveIDFromBytes copies a raw transport identity into a SlaveID.
func SlaveIDFromBytes(b []byte) SlaveID {
	return SlaveID(b)
}

// ParseSlaveID parses the hex form produced by String.
func ParseSlaveID(s string) (SlaveID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("invalid slave id %q: %w", s, err)
	}
	if len(b) == 0 {
		return "", fmt.Errorf("slave id cannot be empty")
	}
	return SlaveID(b), nil
}

// Bytes returns the raw routing identity.
func (id SlaveID) Bytes() []byte {
	return []byte(id)
}

// String renders the identity as lowercase hex.
func (id SlaveID) String() string {
	return hex.EncodeToString([]byte(id))
}

// MarshalText implements encoding.TextMarshaler.
func (id SlaveID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *SlaveID) UnmarshalText(text []byte) error {
	parsed, err := ParseSlaveID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// SlaveState represents the lifecycle state of a slave.
type SlaveState string

const (
	// SlaveStateIdle indicates the slave is waiting for a command.
	SlaveStateIdle SlaveState = "idle"
	// SlaveStateDispatched indicates a command is in flight to the slave.
	SlaveStateDispatched SlaveState = "dispatched"
	// SlaveStateDisconnected indicates the slave left the registry.
	SlaveStateDisconnected SlaveState = "disconnected"
)

// SlaveInfo is a point-in-time snapshot of a registry record.
type SlaveInfo struct {
	ID           SlaveID    `json:"id"`
	Identity     string     `json:"identity"`
	Capabilities []string   `json:"capabilities"`
	State        SlaveState `json:"state"`
	CommandID    CommandID  `json:"command_id,omitempty"`
	ConnectedAt  time.Time  `json:"connected_at"`
	LastSeen     time.Time  `json:"last_seen"`
}

// SlaveEvent represents a slave lifecycle event.
type SlaveEvent struct {
	Type    SlaveEventType
	SlaveID SlaveID
	Slave   *SlaveInfo
}

// SlaveEventType defines the type of slave event.
type SlaveEventType string

const (
	// SlaveEventIdle indicates a slave reported itself idle.
	SlaveEventIdle SlaveEventType = "idle"
	// SlaveEventDispatched indicates a command was dispatched to a slave.
	SlaveEventDispatched SlaveEventType = "dispatched"
	// SlaveEventRemoved indicates a slave was removed from the registry.
	SlaveEventRemoved SlaveEventType = "removed"
)
