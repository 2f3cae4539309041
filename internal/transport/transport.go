// Package transport carries opaque payloads between the master and its
// slaves. The master owns a Router (replies addressed by routing identity)
// and a Puller (one-way status stream); each slave owns a Requester and a
// Pusher.
package transport

import (
	"context"
	"errors"
	"fmt"

	"yqhp/buildfleet/pkg/types"
)

var (
	// ErrClosed is returned by operations on a closed endpoint.
	ErrClosed = errors.New("endpoint closed")

	// ErrUnknownPeer is returned when a reply is addressed to an identity
	// the router has no connection for.
	ErrUnknownPeer = errors.New("unknown peer")
)

// Error is a transport failure. It is fatal to the endpoint that produced it.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Message is a payload tagged with the routing identity of its peer.
type Message struct {
	Peer    types.SlaveID
	Payload []byte
}

// Router is the master's command endpoint.
type Router interface {
	// Recv blocks until a request arrives from any peer.
	Recv(ctx context.Context) (Message, error)
	// Send delivers a reply to msg.Peer.
	Send(ctx context.Context, msg Message) error
	Close() error
}

// Requester is a slave's command endpoint. Callers must alternate Send and
// Recv. A Recv that returns because ctx ended leaves the endpoint without a
// usable reply slot; close it and dial a new one.
type Requester interface {
	Send(ctx context.Context, payload []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// Pusher is a slave's status endpoint.
type Pusher interface {
	Push(ctx context.Context, payload []byte) error
	Close() error
}

// Puller is the master's status endpoint.
type Puller interface {
	Pull(ctx context.Context) ([]byte, error)
	Close() error
}
