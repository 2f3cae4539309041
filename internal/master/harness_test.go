package master

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"yqhp/buildfleet/internal/capability"
	"yqhp/buildfleet/internal/secure"
	"yqhp/buildfleet/internal/transport"
	"yqhp/buildfleet/internal/wire"
	"yqhp/buildfleet/pkg/types"
)

// fakeClock is a settable clock for engine tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// harness wires an engine to a memory transport with real keys.
type harness struct {
	t        *testing.T
	hub      *transport.MemoryHub
	identity *secure.Identity
	keyring  *secure.Keyring
	clock    *fakeClock
	config   *Config
	engine   *Engine
}

func newHarness(t *testing.T, configure ...func(*Config)) *harness {
	t.Helper()
	identity, err := secure.GenerateIdentity("master")
	require.NoError(t, err)

	clock := newFakeClock()
	config := DefaultConfig()
	config.Now = clock.Now
	for _, fn := range configure {
		fn(config)
	}

	hub := transport.NewMemoryHub(16)
	t.Cleanup(func() { _ = hub.Close() })

	keyring := secure.NewKeyring()
	channel := secure.NewChannel(identity, keyring, nil)
	return &harness{
		t:        t,
		hub:      hub,
		identity: identity,
		keyring:  keyring,
		clock:    clock,
		config:   config,
		engine:   NewEngine(config, channel, hub.Router(), zap.NewNop()),
	}
}

// testSlave plays the slave side of the protocol by hand.
type testSlave struct {
	h        *harness
	id       types.SlaveID
	identity *secure.Identity
	channel  *secure.Channel
	req      transport.Requester
}

// slave creates a trusted slave connected under routing identity id.
func (h *harness) slave(id types.SlaveID) *testSlave {
	h.t.Helper()
	identity, err := secure.GenerateIdentity("slave-" + string(id))
	require.NoError(h.t, err)
	require.NoError(h.t, h.keyring.Add(identity.Public()))
	return h.connect(id, identity)
}

// connect attaches identity under routing identity id without trusting it.
func (h *harness) connect(id types.SlaveID, identity *secure.Identity) *testSlave {
	h.t.Helper()
	req, err := h.hub.Requester(id)
	require.NoError(h.t, err)
	return &testSlave{
		h:        h,
		id:       id,
		identity: identity,
		channel:  secure.NewChannel(identity, secure.NewKeyring(h.identity.Public()), nil),
		req:      req,
	}
}

func (s *testSlave) seal(payload []byte) []byte {
	s.h.t.Helper()
	sealed, err := s.channel.Seal(payload, s.h.identity.Public())
	require.NoError(s.h.t, err)
	return sealed
}

func (s *testSlave) idleMessage(caps ...string) transport.Message {
	s.h.t.Helper()
	payload, err := wire.EncodeRequest(wire.NewIdle(capability.MustNew(caps...)))
	require.NoError(s.h.t, err)
	return transport.Message{Peer: s.id, Payload: s.seal(payload)}
}

// idle sends IDLE(caps) and requires that the engine accepts it.
func (s *testSlave) idle(caps ...string) {
	s.h.t.Helper()
	require.NoError(s.h.t, s.h.engine.HandleRequest(context.Background(), s.idleMessage(caps...)))
}

// send delivers req and returns the engine's verdict.
func (s *testSlave) send(req wire.Request) error {
	s.h.t.Helper()
	payload, err := wire.EncodeRequest(req)
	require.NoError(s.h.t, err)
	return s.h.engine.HandleRequest(context.Background(), transport.Message{Peer: s.id, Payload: s.seal(payload)})
}

// unansweredIdle reconnects s, as a slave does when its IDLE got no reply,
// and announces caps again.
func (s *testSlave) unansweredIdle(caps ...string) error {
	s.h.t.Helper()
	require.NoError(s.h.t, s.req.Close())
	req, err := s.h.hub.Requester(s.id)
	require.NoError(s.h.t, err)
	s.req = req

	idle := wire.NewIdle(capability.MustNew(caps...))
	idle.Unanswered = true
	return s.send(idle)
}

func (s *testSlave) bye() {
	s.h.t.Helper()
	payload, err := wire.EncodeRequest(wire.NewBye())
	require.NoError(s.h.t, err)
	msg := transport.Message{Peer: s.id, Payload: s.seal(payload)}
	require.NoError(s.h.t, s.h.engine.HandleRequest(context.Background(), msg))
}

func (s *testSlave) status(update wire.Status) error {
	s.h.t.Helper()
	if update.Timestamp == 0 {
		update.Timestamp = time.Now().UnixNano()
	}
	payload, err := wire.EncodeStatus(update)
	require.NoError(s.h.t, err)
	return s.h.engine.HandleStatus(context.Background(), s.seal(payload))
}

// expectCommand waits for a COMMAND addressed to s.
func (s *testSlave) expectCommand() *wire.Command {
	s.h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sealed, err := s.req.Recv(ctx)
	require.NoError(s.h.t, err)
	opened, err := s.channel.Open(sealed)
	require.NoError(s.h.t, err)
	resp, err := wire.DecodeResponse(opened.Payload)
	require.NoError(s.h.t, err)
	require.NotNil(s.h.t, resp.Command)
	return resp.Command
}

// expectNothing requires that no reply is waiting for s.
func (s *testSlave) expectNothing() {
	s.h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.req.Recv(ctx)
	require.ErrorIs(s.h.t, err, context.DeadlineExceeded, "unexpected reply for %s", s.id)
}

func (h *harness) submit(script string, caps ...string) types.CommandID {
	h.t.Helper()
	id, err := h.engine.Submit(context.Background(), capability.MustNew(caps...), types.CommandPayload{Script: script})
	require.NoError(h.t, err)
	return id
}

func (h *harness) state(id types.SlaveID) types.SlaveState {
	rec, ok := h.engine.Registry().Get(id)
	if !ok {
		return types.SlaveStateDisconnected
	}
	return rec.State
}

func (h *harness) commandState(id types.CommandID) types.CommandState {
	h.t.Helper()
	info, ok := h.engine.Commands().Get(id)
	require.True(h.t, ok, "command %s not found", id)
	return info.State
}
