package slave

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"yqhp/buildfleet/internal/transport"
	"yqhp/buildfleet/internal/wire"
	"yqhp/buildfleet/pkg/types"
)

// plainSeal encodes statuses without encryption, so tests can read them back.
func plainSeal(status wire.Status) ([]byte, error) {
	return wire.EncodeStatus(status)
}

func pullStatuses(t *testing.T, hub *transport.MemoryHub, n int) []types.StatusUpdate {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	puller := hub.Puller()
	var updates []types.StatusUpdate
	for range n {
		payload, err := puller.Pull(ctx)
		require.NoError(t, err)
		status, err := wire.DecodeStatus(payload)
		require.NoError(t, err)
		update, err := status.Update()
		require.NoError(t, err)
		updates = append(updates, update)
	}
	return updates
}

func newTestReporter(hub *transport.MemoryHub, chunk int) *reporter {
	config := DefaultConfig()
	config.OutputChunkSize = chunk
	return newReporter(context.Background(), "cmd-1", hub.Pusher(), plainSeal, config, zap.NewNop())
}

func TestReporter_Sequence(t *testing.T) {
	hub := transport.NewMemoryHub(16)
	defer hub.Close()

	r := newTestReporter(hub, 4)
	r.started()
	_, err := r.Write([]byte("abcdefghij"))
	require.NoError(t, err)
	r.finished(1, nil)

	updates := pullStatuses(t, hub, 5)
	kinds := make([]types.StatusKind, len(updates))
	var output strings.Builder
	for i, u := range updates {
		assert.Equal(t, types.CommandID("cmd-1"), u.CommandID)
		assert.Equal(t, uint64(i+1), u.Seq)
		kinds[i] = u.Kind
		output.WriteString(u.Output)
	}
	assert.Equal(t, []types.StatusKind{
		types.StatusStarted,
		types.StatusOutput,
		types.StatusOutput,
		types.StatusOutput,
		types.StatusFinished,
	}, kinds)
	assert.Equal(t, "abcdefghij", output.String())
	assert.Equal(t, "ij", updates[3].Output)
	assert.Equal(t, 1, updates[4].ExitCode)
}

func TestReporter_FinishedWithError(t *testing.T) {
	hub := transport.NewMemoryHub(4)
	defer hub.Close()

	r := newTestReporter(hub, 1024)
	r.finished(-1, errors.New("command timed out"))

	updates := pullStatuses(t, hub, 1)
	assert.Equal(t, types.StatusFinished, updates[0].Kind)
	assert.Equal(t, -1, updates[0].ExitCode)
	assert.Equal(t, "command timed out", updates[0].Error)
}

func TestReporter_TickFlushesAndBeats(t *testing.T) {
	hub := transport.NewMemoryHub(64)
	defer hub.Close()

	r := newTestReporter(hub, 1024)
	_, err := r.Write([]byte("partial"))
	require.NoError(t, err)

	stop := r.tick(20*time.Millisecond, 10*time.Millisecond)
	updates := pullStatuses(t, hub, 2)
	stop()

	var sawOutput, sawHeartbeat bool
	for _, u := range updates {
		switch u.Kind {
		case types.StatusOutput:
			sawOutput = true
			assert.Equal(t, "partial", u.Output)
		case types.StatusHeartbeat:
			sawHeartbeat = true
		}
	}
	assert.True(t, sawOutput, "buffered output is flushed by the ticker")
	assert.True(t, sawHeartbeat)
}

func TestReporter_PushFailureIsLogged(t *testing.T) {
	hub := transport.NewMemoryHub(1)
	require.NoError(t, hub.Close())

	r := newTestReporter(hub, 1024)
	r.started()
	r.finished(0, nil)
	assert.Equal(t, uint64(2), r.seq)
}
