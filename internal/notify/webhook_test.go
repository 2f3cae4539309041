package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"yqhp/buildfleet/pkg/types"
)

// collector records webhook requests.
type collector struct {
	mu       sync.Mutex
	batches  []BatchPayload
	headers  []http.Header
	failures atomic.Int32
}

func (c *collector) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if c.failures.Load() > 0 {
			c.failures.Add(-1)
			http.Error(w, "try later", http.StatusServiceUnavailable)
			return
		}
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var batch BatchPayload
		require.NoError(t, json.Unmarshal(body, &batch))

		c.mu.Lock()
		c.batches = append(c.batches, batch)
		c.headers = append(c.headers, r.Header.Clone())
		c.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}
}

func (c *collector) events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var all []Event
	for _, b := range c.batches {
		all = append(all, b.Events...)
	}
	return all
}

func (c *collector) batchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

func finished(id types.CommandID, state types.CommandState) *types.CommandInfo {
	return &types.CommandInfo{ID: id, State: state, Required: []string{"linux"}}
}

func startWebhook(t *testing.T, config *WebhookConfig) (*Webhook, func()) {
	t.Helper()
	w, err := NewWebhook(config, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	stop := func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("webhook did not stop")
		}
	}
	return w, stop
}

func TestNewWebhook_Validation(t *testing.T) {
	_, err := NewWebhook(&WebhookConfig{}, nil)
	assert.ErrorIs(t, err, ErrNoURL)

	_, err = NewWebhook(&WebhookConfig{URL: "not a url"}, nil)
	assert.Error(t, err)

	_, err = NewWebhook(&WebhookConfig{URL: "http://ci.local/hook", States: []types.CommandState{types.CommandStateRunning}}, nil)
	assert.Error(t, err)

	w, err := NewWebhook(&WebhookConfig{URL: "http://ci.local/hook"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "POST", w.config.Method)
	assert.Equal(t, DefaultWebhookConfig().BatchSize, w.config.BatchSize)
}

func TestWebhook_BatchesEvents(t *testing.T) {
	c := &collector{}
	server := httptest.NewServer(c.handler(t))
	defer server.Close()

	w, stop := startWebhook(t, &WebhookConfig{
		URL:           server.URL,
		Headers:       map[string]string{"Authorization": "Bearer t0ken"},
		BatchSize:     2,
		FlushInterval: time.Hour,
	})

	w.Notify(finished("c1", types.CommandStateSucceeded))
	w.Notify(finished("c2", types.CommandStateFailed))
	require.Eventually(t, func() bool { return c.batchCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	// A partial batch goes out on shutdown.
	w.Notify(finished("c3", types.CommandStateLost))
	stop()

	events := c.events()
	require.Len(t, events, 3)
	for i, id := range []types.CommandID{"c1", "c2", "c3"} {
		assert.Equal(t, EventCommandFinished, events[i].Type)
		assert.Equal(t, id, events[i].Command.ID)
	}
	assert.Equal(t, "Bearer t0ken", c.headers[0].Get("Authorization"))
	assert.Equal(t, "application/json", c.headers[0].Get("Content-Type"))

	sent, failed, dropped := w.Stats()
	assert.Equal(t, int64(3), sent)
	assert.Zero(t, failed)
	assert.Zero(t, dropped)
}

func TestWebhook_FlushInterval(t *testing.T) {
	c := &collector{}
	server := httptest.NewServer(c.handler(t))
	defer server.Close()

	w, stop := startWebhook(t, &WebhookConfig{
		URL:           server.URL,
		BatchSize:     100,
		FlushInterval: 20 * time.Millisecond,
	})
	defer stop()

	w.Notify(finished("c1", types.CommandStateSucceeded))
	require.Eventually(t, func() bool { return len(c.events()) == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestWebhook_FiltersStates(t *testing.T) {
	c := &collector{}
	server := httptest.NewServer(c.handler(t))
	defer server.Close()

	w, stop := startWebhook(t, &WebhookConfig{
		URL:    server.URL,
		States: []types.CommandState{types.CommandStateFailed, types.CommandStateLost},
	})

	w.Notify(finished("ok", types.CommandStateSucceeded))
	w.Notify(finished("bad", types.CommandStateFailed))
	w.Notify(finished("running", types.CommandStateRunning))
	w.Notify(nil)
	stop()

	events := c.events()
	require.Len(t, events, 1)
	assert.Equal(t, types.CommandID("bad"), events[0].Command.ID)
}

func TestWebhook_Retries(t *testing.T) {
	c := &collector{}
	c.failures.Store(2)
	server := httptest.NewServer(c.handler(t))
	defer server.Close()

	w, stop := startWebhook(t, &WebhookConfig{
		URL:           server.URL,
		BatchSize:     1,
		RetryAttempts: 3,
		RetryDelay:    time.Millisecond,
	})
	defer stop()

	w.Notify(finished("c1", types.CommandStateSucceeded))
	require.Eventually(t, func() bool { return len(c.events()) == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestWebhook_GivesUp(t *testing.T) {
	c := &collector{}
	c.failures.Store(100)
	server := httptest.NewServer(c.handler(t))
	defer server.Close()

	w, stop := startWebhook(t, &WebhookConfig{
		URL:           server.URL,
		BatchSize:     1,
		RetryAttempts: 1,
		RetryDelay:    time.Millisecond,
	})
	defer stop()

	w.Notify(finished("c1", types.CommandStateSucceeded))
	require.Eventually(t, func() bool {
		_, failed, _ := w.Stats()
		return failed == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(98), c.failures.Load())
}

func TestWebhook_DropsWhenQueueFull(t *testing.T) {
	w, err := NewWebhook(&WebhookConfig{URL: "http://ci.local/hook", QueueSize: 1}, zap.NewNop())
	require.NoError(t, err)

	// Not running, so the queue never drains.
	w.Notify(finished("c1", types.CommandStateSucceeded))
	w.Notify(finished("c2", types.CommandStateSucceeded))

	_, _, dropped := w.Stats()
	assert.Equal(t, int64(1), dropped)
}

func TestWebhook_RunOnce(t *testing.T) {
	w, err := NewWebhook(&WebhookConfig{URL: "http://ci.local/hook"}, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, w.Run(ctx))
	assert.Error(t, w.Run(ctx))
}
