package wire

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"yqhp/buildfleet/internal/capability"
	"yqhp/buildfleet/pkg/types"
)

var (
	// ErrMalformed is returned for messages that decode but violate the
	// schema.
	ErrMalformed = errors.New("malformed message")
	// ErrUnknownKind is returned for a message kind this build does not
	// understand.
	ErrUnknownKind = errors.New("unknown message kind")
)

// RequestKind tags the Request variant.
type RequestKind string

const (
	// RequestIdle is sent by a slave when it is ready to receive a command.
	RequestIdle RequestKind = "IDLE"
	// RequestBye is sent by a slave that is shutting down. It gets no reply.
	RequestBye RequestKind = "BYE"
)

// Request is a slave to master message on the command channel.
type Request struct {
	Kind         RequestKind `cbor:"1,keyasint"`
	Capabilities []string    `cbor:"2,keyasint,omitempty"`
	// Unanswered is set when the slave's previous IDLE got no reply. The
	// request then travels on a fresh connection.
	Unanswered bool `cbor:"3,keyasint,omitempty"`
}

// NewIdle builds an IDLE request announcing caps.
func NewIdle(caps capability.Set) Request {
	return Request{Kind: RequestIdle, Capabilities: caps.Tokens()}
}

// NewBye builds a BYE request.
func NewBye() Request {
	return Request{Kind: RequestBye}
}

// CapabilitySet converts the announced tokens into a set. Tokens must be in
// canonical (sorted, duplicate-free) order.
func (r Request) CapabilitySet() (capability.Set, error) {
	for i := 1; i < len(r.Capabilities); i++ {
		if r.Capabilities[i-1] >= r.Capabilities[i] {
			return capability.Set{}, fmt.Errorf("%w: capabilities not in canonical order", ErrMalformed)
		}
	}
	set, err := capability.New(r.Capabilities...)
	if err != nil {
		return capability.Set{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return set, nil
}

// EncodeRequest validates and encodes r.
func EncodeRequest(r Request) ([]byte, error) {
	switch r.Kind {
	case RequestIdle:
		r.Capabilities = slices.Compact(slices.Sorted(slices.Values(r.Capabilities)))
	case RequestBye:
		if len(r.Capabilities) != 0 {
			return nil, fmt.Errorf("%w: BYE carries no capabilities", ErrMalformed)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, r.Kind)
	}
	return Marshal(r)
}

// DecodeRequest decodes and validates a request.
func DecodeRequest(data []byte) (Request, error) {
	var r Request
	if err := Unmarshal(data, &r); err != nil {
		return Request{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	switch r.Kind {
	case RequestIdle:
		if _, err := r.CapabilitySet(); err != nil {
			return Request{}, err
		}
	case RequestBye:
	default:
		return Request{}, fmt.Errorf("%w: %q", ErrUnknownKind, r.Kind)
	}
	return r, nil
}

// ResponseKind tags the Response variant.
type ResponseKind string

// ResponseCommand is sent by the master when a slave must execute a command.
const ResponseCommand ResponseKind = "COMMAND"

// Command is the payload of a COMMAND response.
type Command struct {
	ID        string            `cbor:"1,keyasint"`
	Script    string            `cbor:"2,keyasint"`
	Env       map[string]string `cbor:"3,keyasint,omitempty"`
	WorkDir   string            `cbor:"4,keyasint,omitempty"`
	TimeoutMS int64             `cbor:"5,keyasint,omitempty"`
}

// Response is a master to slave message on the command channel.
type Response struct {
	Kind    ResponseKind `cbor:"1,keyasint"`
	Command *Command     `cbor:"2,keyasint,omitempty"`
}

// NewCommand builds a COMMAND response.
func NewCommand(id types.CommandID, payload types.CommandPayload) Response {
	return Response{
		Kind: ResponseCommand,
		Command: &Command{
			ID:        string(id),
			Script:    payload.Script,
			Env:       payload.Env,
			WorkDir:   payload.WorkDir,
			TimeoutMS: payload.Timeout.Milliseconds(),
		},
	}
}

// Payload converts the wire command back to its domain form.
func (c *Command) Payload() types.CommandPayload {
	return types.CommandPayload{
		Script:  c.Script,
		Env:     c.Env,
		WorkDir: c.WorkDir,
		Timeout: time.Duration(c.TimeoutMS) * time.Millisecond,
	}
}

// EncodeResponse validates and encodes r.
func EncodeResponse(r Response) ([]byte, error) {
	if err := validateResponse(r); err != nil {
		return nil, err
	}
	return Marshal(r)
}

// DecodeResponse decodes and validates a response.
func DecodeResponse(data []byte) (Response, error) {
	var r Response
	if err := Unmarshal(data, &r); err != nil {
		return Response{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if err := validateResponse(r); err != nil {
		return Response{}, err
	}
	return r, nil
}

func validateResponse(r Response) error {
	if r.Kind != ResponseCommand {
		return fmt.Errorf("%w: %q", ErrUnknownKind, r.Kind)
	}
	if r.Command == nil || r.Command.ID == "" {
		return fmt.Errorf("%w: COMMAND without id", ErrMalformed)
	}
	if r.Command.TimeoutMS < 0 {
		return fmt.Errorf("%w: negative timeout", ErrMalformed)
	}
	return nil
}

// Status is a slave to master message on the status channel.
type Status struct {
	CommandID string           `cbor:"1,keyasint"`
	Kind      types.StatusKind `cbor:"2,keyasint"`
	Seq       uint64           `cbor:"3,keyasint"`
	// Output is zstd compressed, see CompressOutput.
	Output    []byte `cbor:"4,keyasint,omitempty"`
	ExitCode  int    `cbor:"5,keyasint,omitempty"`
	Error     string `cbor:"6,keyasint,omitempty"`
	Timestamp int64  `cbor:"7,keyasint"`
}

// EncodeStatus validates and encodes s.
func EncodeStatus(s Status) ([]byte, error) {
	if err := validateStatus(s); err != nil {
		return nil, err
	}
	return Marshal(s)
}

// DecodeStatus decodes and validates a status message.
func DecodeStatus(data []byte) (Status, error) {
	var s Status
	if err := Unmarshal(data, &s); err != nil {
		return Status{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if err := validateStatus(s); err != nil {
		return Status{}, err
	}
	return s, nil
}

func validateStatus(s Status) error {
	if s.CommandID == "" {
		return fmt.Errorf("%w: status without command id", ErrMalformed)
	}
	switch s.Kind {
	case types.StatusStarted, types.StatusOutput, types.StatusFinished, types.StatusHeartbeat:
		return nil
	default:
		return fmt.Errorf("%w: status %q", ErrUnknownKind, s.Kind)
	}
}

// Update converts s into its domain form, decompressing the output.
func (s Status) Update() (types.StatusUpdate, error) {
	out, err := DecompressOutput(s.Output)
	if err != nil {
		return types.StatusUpdate{}, err
	}
	return types.StatusUpdate{
		CommandID: types.CommandID(s.CommandID),
		Kind:      s.Kind,
		Seq:       s.Seq,
		Output:    string(out),
		ExitCode:  s.ExitCode,
		Error:     s.Error,
		Timestamp: time.Unix(0, s.Timestamp),
	}, nil
}
