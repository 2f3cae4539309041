package transport

import (
	"context"
	"sync"

	"yqhp/buildfleet/pkg/types"
)

// MemoryHub is an in-process transport. It hands out one Router and one
// Puller for the master and any number of Requesters and Pushers.
type MemoryHub struct {
	mu       sync.Mutex
	requests chan Message
	status   chan []byte
	peers    map[types.SlaveID]chan []byte
	done     chan struct{}
	closed   bool
}

// NewMemoryHub creates a hub whose queues hold up to buffer messages.
func NewMemoryHub(buffer int) *MemoryHub {
	if buffer <= 0 {
		buffer = 64
	}
	return &MemoryHub{
		requests: make(chan Message, buffer),
		status:   make(chan []byte, buffer),
		peers:    make(map[types.SlaveID]chan []byte),
		done:     make(chan struct{}),
	}
}

// Router returns the master's command endpoint.
func (h *MemoryHub) Router() Router {
	return memoryRouter{h}
}

// Puller returns the master's status endpoint.
func (h *MemoryHub) Puller() Puller {
	return memoryPuller{h}
}

// Requester connects a slave with routing identity id. An identity that is
// already connected is replaced.
func (h *MemoryHub) Requester(id types.SlaveID) (Requester, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, &Error{Op: "dial", Err: ErrClosed}
	}
	inbox := make(chan []byte, 1)
	h.peers[id] = inbox
	return &memoryRequester{hub: h, id: id, inbox: inbox, done: make(chan struct{})}, nil
}

// Pusher returns a slave status endpoint.
func (h *MemoryHub) Pusher() Pusher {
	return memoryPusher{h}
}

// Disconnect drops the connection of id, so later replies to it fail.
func (h *MemoryHub) Disconnect(id types.SlaveID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.peers, id)
}

// Close shuts the hub down. Blocked calls return ErrClosed.
func (h *MemoryHub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		close(h.done)
	}
	return nil
}

type memoryRouter struct{ h *MemoryHub }

func (r memoryRouter) Recv(ctx context.Context) (Message, error) {
	select {
	case msg := <-r.h.requests:
		return msg, nil
	case <-r.h.done:
		return Message{}, &Error{Op: "recv", Err: ErrClosed}
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (r memoryRouter) Send(ctx context.Context, msg Message) error {
	r.h.mu.Lock()
	inbox, ok := r.h.peers[msg.Peer]
	closed := r.h.closed
	r.h.mu.Unlock()
	if closed {
		return &Error{Op: "send", Err: ErrClosed}
	}
	if !ok {
		return &Error{Op: "send", Err: ErrUnknownPeer}
	}
	select {
	case inbox <- append([]byte(nil), msg.Payload...):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r memoryRouter) Close() error {
	return r.h.Close()
}

type memoryPuller struct{ h *MemoryHub }

func (p memoryPuller) Pull(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-p.h.status:
		return payload, nil
	case <-p.h.done:
		return nil, &Error{Op: "pull", Err: ErrClosed}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p memoryPuller) Close() error {
	return p.h.Close()
}

type memoryPusher struct{ h *MemoryHub }

func (p memoryPusher) Push(ctx context.Context, payload []byte) error {
	select {
	case p.h.status <- append([]byte(nil), payload...):
		return nil
	case <-p.h.done:
		return &Error{Op: "push", Err: ErrClosed}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p memoryPusher) Close() error {
	return nil
}

type memoryRequester struct {
	hub   *MemoryHub
	id    types.SlaveID
	inbox chan []byte
	once  sync.Once
	done  chan struct{}
}

func (r *memoryRequester) Send(ctx context.Context, payload []byte) error {
	select {
	case <-r.done:
		return &Error{Op: "send", Err: ErrClosed}
	default:
	}
	select {
	case r.hub.requests <- Message{Peer: r.id, Payload: append([]byte(nil), payload...)}:
		return nil
	case <-r.hub.done:
		return &Error{Op: "send", Err: ErrClosed}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *memoryRequester) Recv(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-r.inbox:
		return payload, nil
	case <-r.done:
		return nil, &Error{Op: "recv", Err: ErrClosed}
	case <-r.hub.done:
		return nil, &Error{Op: "recv", Err: ErrClosed}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *memoryRequester) Close() error {
	r.once.Do(func() {
		close(r.done)
		r.hub.mu.Lock()
		if r.hub.peers[r.id] == r.inbox {
			delete(r.hub.peers, r.id)
		}
		r.hub.mu.Unlock()
	})
	return nil
}
