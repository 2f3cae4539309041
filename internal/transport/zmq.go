package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-zeromq/zmq4"

	"yqhp/buildfleet/pkg/types"
)

// ZMQRouter is a Router over a ZeroMQ ROUTER socket.
type ZMQRouter struct {
	sock zmq4.Socket
}

// ListenRouter binds a ROUTER socket to endpoint, e.g. "tcp://*:5555".
func ListenRouter(ctx context.Context, endpoint string) (*ZMQRouter, error) {
	sock := zmq4.NewRouter(ctx)
	if err := sock.Listen(endpoint); err != nil {
		_ = sock.Close()
		return nil, &Error{Op: "listen", Err: fmt.Errorf("%s: %w", endpoint, err)}
	}
	return &ZMQRouter{sock: sock}, nil
}

// Recv implements Router. Frames arrive as [identity, delimiter, payload].
func (r *ZMQRouter) Recv(ctx context.Context) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	msg, err := r.sock.Recv()
	if err != nil {
		if ctx.Err() != nil {
			return Message{}, ctx.Err()
		}
		return Message{}, &Error{Op: "recv", Err: err}
	}
	if len(msg.Frames) < 2 || len(msg.Frames[0]) == 0 {
		return Message{}, &Error{Op: "recv", Err: fmt.Errorf("malformed envelope with %d frames", len(msg.Frames))}
	}
	return Message{
		Peer:    types.SlaveIDFromBytes(msg.Frames[0]),
		Payload: msg.Frames[len(msg.Frames)-1],
	}, nil
}

// Send implements Router.
func (r *ZMQRouter) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	frames := zmq4.NewMsgFrom(msg.Peer.Bytes(), []byte{}, msg.Payload)
	if err := r.sock.SendMulti(frames); err != nil {
		return &Error{Op: "send", Err: err}
	}
	return nil
}

// Close implements Router.
func (r *ZMQRouter) Close() error {
	return r.sock.Close()
}

// ZMQRequester is a Requester over a ZeroMQ REQ socket.
type ZMQRequester struct {
	sock zmq4.Socket
	stop context.CancelFunc
}

// DialRequester connects a REQ socket with routing identity id to endpoint.
// ctx bounds only the dial: the socket keeps working until Close, so a slave
// can still report after its run context ends.
func DialRequester(ctx context.Context, endpoint string, id types.SlaveID) (*ZMQRequester, error) {
	if id == "" {
		return nil, &Error{Op: "dial", Err: errors.New("empty routing identity")}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sockCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	sock := zmq4.NewReq(sockCtx, zmq4.WithID(zmq4.SocketIdentity(id.Bytes())))
	if err := sock.Dial(endpoint); err != nil {
		_ = sock.Close()
		stop()
		return nil, &Error{Op: "dial", Err: fmt.Errorf("%s: %w", endpoint, err)}
	}
	return &ZMQRequester{sock: sock, stop: stop}, nil
}

// Send implements Requester.
func (r *ZMQRequester) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.sock.Send(zmq4.NewMsg(payload)); err != nil {
		return &Error{Op: "send", Err: err}
	}
	return nil
}

// Recv implements Requester. It returns ctx.Err() as soon as ctx ends; the
// abandoned receive finishes when the socket is closed.
func (r *ZMQRequester) Recv(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	type result struct {
		msg zmq4.Msg
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := r.sock.Recv()
		done <- result{msg, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.err != nil {
		return nil, &Error{Op: "recv", Err: res.err}
	}
	if len(res.msg.Frames) == 0 {
		return nil, &Error{Op: "recv", Err: errors.New("empty reply")}
	}
	return res.msg.Frames[len(res.msg.Frames)-1], nil
}

// Close implements Requester.
func (r *ZMQRequester) Close() error {
	defer r.stop()
	return r.sock.Close()
}

// ZMQPusher is a Pusher over a ZeroMQ PUSH socket.
type ZMQPusher struct {
	sock zmq4.Socket
	stop context.CancelFunc
}

// DialPusher connects a PUSH socket to endpoint. As with DialRequester, ctx
// bounds only the dial.
func DialPusher(ctx context.Context, endpoint string) (*ZMQPusher, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sockCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	sock := zmq4.NewPush(sockCtx)
	if err := sock.Dial(endpoint); err != nil {
		_ = sock.Close()
		stop()
		return nil, &Error{Op: "dial", Err: fmt.Errorf("%s: %w", endpoint, err)}
	}
	return &ZMQPusher{sock: sock, stop: stop}, nil
}

// Push implements Pusher.
func (p *ZMQPusher) Push(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.sock.Send(zmq4.NewMsg(payload)); err != nil {
		return &Error{Op: "push", Err: err}
	}
	return nil
}

// Close implements Pusher.
func (p *ZMQPusher) Close() error {
	defer p.stop()
	return p.sock.Close()
}

// ZMQPuller is a Puller over a ZeroMQ PULL socket.
type ZMQPuller struct {
	sock zmq4.Socket
}

// ListenPuller binds a PULL socket to endpoint.
func ListenPuller(ctx context.Context, endpoint string) (*ZMQPuller, error) {
	sock := zmq4.NewPull(ctx)
	if err := sock.Listen(endpoint); err != nil {
		_ = sock.Close()
		return nil, &Error{Op: "listen", Err: fmt.Errorf("%s: %w", endpoint, err)}
	}
	return &ZMQPuller{sock: sock}, nil
}

// Pull implements Puller.
func (p *ZMQPuller) Pull(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	msg, err := p.sock.Recv()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Error{Op: "pull", Err: err}
	}
	if len(msg.Frames) == 0 {
		return nil, &Error{Op: "pull", Err: errors.New("empty message")}
	}
	return msg.Frames[len(msg.Frames)-1], nil
}

// Close implements Puller.
func (p *ZMQPuller) Close() error {
	return p.sock.Close()
}
