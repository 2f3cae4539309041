package master

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/buildfleet/internal/capability"
	"yqhp/buildfleet/internal/notify"
	"yqhp/buildfleet/internal/secure"
	"yqhp/buildfleet/pkg/types"
)

func newTestBook(clock *fakeClock, retention time.Duration, outputLimit int) *CommandBook {
	return NewCommandBook(retention, outputLimit, clock.Now)
}

func addCommand(b *CommandBook, clock *fakeClock, id types.CommandID) {
	b.Add(&CommandRecord{
		ID:          id,
		Required:    capability.MustNew("linux"),
		Payload:     types.CommandPayload{Script: "make"},
		State:       types.CommandStatePending,
		SubmittedAt: clock.Now(),
	})
}

func TestCommandBookLifecycle(t *testing.T) {
	clock := newFakeClock()
	book := newTestBook(clock, time.Hour, 0)
	key := secure.KeyID{1}
	addCommand(book, clock, "c1")

	book.MarkDispatched("c1", "s1", key)
	info, ok := book.Get("c1")
	require.True(t, ok)
	assert.Equal(t, types.CommandStateDispatched, info.State)
	assert.Equal(t, types.SlaveID("s1"), info.SlaveID)
	require.NotNil(t, info.DispatchedAt)
	assert.Nil(t, info.FinishedAt)

	book.MarkRequeued("c1")
	info, _ = book.Get("c1")
	assert.Equal(t, types.CommandStatePending, info.State)
	assert.Empty(t, info.SlaveID)
	assert.Equal(t, 1, book.Attempts("c1"))

	book.MarkDispatched("c1", "s2", key)
	book.MarkCompleted("c1")
	info, _ = book.Get("c1")
	assert.Equal(t, types.CommandStateCompleted, info.State)
	assert.Equal(t, 2, info.Attempts)
}

func TestCommandBookStatusChecks(t *testing.T) {
	clock := newFakeClock()
	book := newTestBook(clock, time.Hour, 0)
	assigned, other := secure.KeyID{1}, secure.KeyID{2}
	addCommand(book, clock, "c1")

	_, err := book.ApplyStatus(types.StatusUpdate{CommandID: "c1", Kind: types.StatusStarted, Seq: 1}, assigned)
	assert.ErrorIs(t, err, ErrProtocolViolation, "not dispatched yet")

	book.MarkDispatched("c1", "s1", assigned)
	_, err = book.ApplyStatus(types.StatusUpdate{CommandID: "c1", Kind: types.StatusStarted, Seq: 1}, other)
	assert.ErrorIs(t, err, ErrProtocolViolation)

	_, err = book.ApplyStatus(types.StatusUpdate{CommandID: "nope", Kind: types.StatusStarted, Seq: 1}, assigned)
	assert.ErrorIs(t, err, ErrCommandNotFound)

	slave, err := book.ApplyStatus(types.StatusUpdate{CommandID: "c1", Kind: types.StatusStarted, Seq: 1}, assigned)
	require.NoError(t, err)
	assert.Equal(t, types.SlaveID("s1"), slave)
}

func TestCommandBookIgnoresDuplicateSeq(t *testing.T) {
	clock := newFakeClock()
	book := newTestBook(clock, time.Hour, 0)
	key := secure.KeyID{1}
	addCommand(book, clock, "c1")
	book.MarkDispatched("c1", "s1", key)

	for _, seq := range []uint64{1, 1, 2} {
		_, err := book.ApplyStatus(types.StatusUpdate{CommandID: "c1", Kind: types.StatusOutput, Seq: seq, Output: "x"}, key)
		require.NoError(t, err)
	}
	info, _ := book.Get("c1")
	assert.Equal(t, "xx", info.Output)
}

func TestCommandBookOutputTail(t *testing.T) {
	clock := newFakeClock()
	book := newTestBook(clock, time.Hour, 8)
	key := secure.KeyID{1}
	addCommand(book, clock, "c1")
	book.MarkDispatched("c1", "s1", key)

	for i, chunk := range []string{"hello ", "world", "!!"} {
		_, err := book.ApplyStatus(types.StatusUpdate{CommandID: "c1", Kind: types.StatusOutput, Seq: uint64(i + 1), Output: chunk}, key)
		require.NoError(t, err)
	}
	info, _ := book.Get("c1")
	assert.Equal(t, "world!!", strings.TrimLeft(info.Output, " "))
	assert.Len(t, info.Output, 8)
}

func TestCommandBookRetention(t *testing.T) {
	clock := newFakeClock()
	book := newTestBook(clock, 50*time.Millisecond, 0)
	addCommand(book, clock, "done")
	addCommand(book, clock, "waiting")

	book.Finish("done", types.CommandStateRejected, "no capable idle slave")
	info, ok := book.Get("done")
	require.True(t, ok)
	assert.Equal(t, "no capable idle slave", info.Error)
	require.NotNil(t, info.FinishedAt)

	assert.Eventually(t, func() bool {
		_, ok := book.Get("done")
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
	_, ok = book.Get("waiting")
	assert.True(t, ok)
}

func TestCommandBookListAndCounts(t *testing.T) {
	clock := newFakeClock()
	book := newTestBook(clock, time.Hour, 0)
	addCommand(book, clock, "b")
	clock.Advance(time.Second)
	addCommand(book, clock, "a")
	book.Finish("b", types.CommandStateExpired, "")

	all := book.List("")
	require.Len(t, all, 2)
	assert.Equal(t, types.CommandID("b"), all[0].ID)
	assert.Equal(t, types.CommandID("a"), all[1].ID)

	expired := book.List(types.CommandStateExpired)
	require.Len(t, expired, 1)
	assert.Equal(t, types.CommandID("b"), expired[0].ID)

	counts := book.Counts()
	assert.Equal(t, 1, counts[types.CommandStateExpired])
	assert.Equal(t, 1, counts[types.CommandStatePending])
}

func TestCommandBookSubscribe(t *testing.T) {
	clock := newFakeClock()
	book := newTestBook(clock, time.Hour, 0)
	key := secure.KeyID{1}
	addCommand(book, clock, "c1")
	book.MarkDispatched("c1", "s1", key)

	_, _, err := book.Subscribe("nope")
	assert.ErrorIs(t, err, ErrCommandNotFound)

	updates, cancel, err := book.Subscribe("c1")
	require.NoError(t, err)
	_, err = book.ApplyStatus(types.StatusUpdate{CommandID: "c1", Kind: types.StatusStarted, Seq: 1}, key)
	require.NoError(t, err)

	u := <-updates
	assert.Equal(t, types.StatusStarted, u.Kind)

	cancel()
	cancel()
	_, open := <-updates
	assert.False(t, open)

	// Subscribing to a finished command yields a closed channel.
	book.Finish("c1", types.CommandStateLost, "gone")
	updates, cancel, err = book.Subscribe("c1")
	require.NoError(t, err)
	defer cancel()
	_, open = <-updates
	assert.False(t, open)
}

func TestCommandBookNotifiesOnce(t *testing.T) {
	clock := newFakeClock()
	book := newTestBook(clock, time.Hour, 0)
	key := secure.KeyID{1}

	var finished []*types.CommandInfo
	book.SetNotifier(notify.NotifierFunc(func(info *types.CommandInfo) {
		finished = append(finished, info)
	}))

	addCommand(book, clock, "c1")
	addCommand(book, clock, "c2")
	book.MarkDispatched("c1", "s1", key)
	_, err := book.ApplyStatus(types.StatusUpdate{CommandID: "c1", Kind: types.StatusFinished, Seq: 1}, key)
	require.NoError(t, err)

	// Later transitions on a settled command stay silent.
	book.MarkCompleted("c1")
	assert.False(t, book.Finish("c1", types.CommandStateLost, "gone"))

	assert.True(t, book.Finish("c2", types.CommandStateExpired, "ttl"))
	book.MarkCompleted("c2")

	require.Len(t, finished, 2)
	assert.Equal(t, types.CommandID("c1"), finished[0].ID)
	assert.Equal(t, types.CommandStateSucceeded, finished[0].State)
	require.NotNil(t, finished[0].FinishedAt)
	assert.Equal(t, types.CommandID("c2"), finished[1].ID)
	assert.Equal(t, types.CommandStateExpired, finished[1].State)
	assert.Equal(t, "ttl", finished[1].Error)
}

func TestCommandBookSettleCompleted(t *testing.T) {
	clock := newFakeClock()
	book := newTestBook(clock, time.Hour, 0)
	key := secure.KeyID{1}

	var finished []types.CommandState
	book.SetNotifier(notify.NotifierFunc(func(info *types.CommandInfo) {
		finished = append(finished, info.State)
	}))

	for _, id := range []types.CommandID{"c1", "c2", "c3"} {
		addCommand(book, clock, id)
		book.MarkDispatched(id, "s1", key)
	}
	book.MarkCompleted("c2")
	book.MarkCompleted("c1")
	clock.Advance(time.Minute)
	book.MarkCompleted("c3")

	assert.Empty(t, book.SettleCompleted(clock.Now(), 2*time.Minute))

	settled := book.SettleCompleted(clock.Now(), time.Minute)
	assert.Equal(t, []types.CommandID{"c1", "c2"}, settled)
	info, _ := book.Get("c1")
	assert.Equal(t, types.CommandStateUnreported, info.State)
	assert.Equal(t, "no final status from slave", info.Error)
	info, _ = book.Get("c3")
	assert.Equal(t, types.CommandStateCompleted, info.State)

	// A requeue restarts the wait.
	book.MarkRequeued("c3")
	clock.Advance(time.Hour)
	assert.Empty(t, book.SettleCompleted(clock.Now(), time.Minute))
	assert.Equal(t, []types.CommandState{types.CommandStateUnreported, types.CommandStateUnreported}, finished)
}
