package client

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"yqhp/buildfleet/api/rest"
	"yqhp/buildfleet/internal/master"
	"yqhp/buildfleet/internal/secure"
	"yqhp/buildfleet/internal/transport"
	"yqhp/buildfleet/pkg/types"
)

// startMaster serves a slave-less engine over a local listener.
func startMaster(t *testing.T, policy master.QueuePolicy, apiKey string) (*master.Engine, string) {
	t.Helper()
	identity, err := secure.GenerateIdentity("master")
	require.NoError(t, err)

	hub := transport.NewMemoryHub(8)
	t.Cleanup(func() { _ = hub.Close() })

	config := master.DefaultConfig()
	config.QueuePolicy = policy
	engine := master.NewEngine(config, secure.NewChannel(identity, secure.NewKeyring(), nil), hub.Router(), zap.NewNop())

	apiConfig := rest.DefaultConfig()
	apiConfig.EnableAccessLog = false
	apiConfig.APIKey = apiKey
	apiConfig.Gatherer = prometheus.NewRegistry()
	server := rest.NewServer(engine, apiConfig, zap.NewNop())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = server.App().Listener(ln) }()
	t.Cleanup(func() { _ = server.Shutdown() })

	return engine, "http://" + ln.Addr().String()
}

func newClient(baseURL, apiKey string) *Client {
	return New(&Config{BaseURL: baseURL, APIKey: apiKey, RequestTimeout: 5 * time.Second})
}

func TestClient_SubmitAndQuery(t *testing.T) {
	_, baseURL := startMaster(t, master.QueuePolicyQueue, "")
	c := newClient(baseURL, "")
	ctx := context.Background()

	health, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)

	resp, err := c.Submit(ctx, &rest.SubmitCommandRequest{
		Required: []string{"linux"},
		Script:   "make",
		Timeout:  "1m",
	})
	require.NoError(t, err)
	assert.Equal(t, types.CommandStatePending, resp.State)

	info, err := c.Command(ctx, resp.ID)
	require.NoError(t, err)
	assert.Equal(t, resp.ID, info.ID)
	assert.Equal(t, []string{"linux"}, info.Required)
	assert.Equal(t, time.Minute, info.Payload.Timeout)

	pending, err := c.Commands(ctx, types.CommandStatePending)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	done, err := c.Commands(ctx, types.CommandStateSucceeded)
	require.NoError(t, err)
	assert.Empty(t, done)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 0, stats.Slaves)

	slaves, err := c.Slaves(ctx)
	require.NoError(t, err)
	assert.Empty(t, slaves)
}

func TestClient_CommandsRawFilter(t *testing.T) {
	_, baseURL := startMaster(t, master.QueuePolicyQueue, "")
	c := newClient(baseURL, "")
	ctx := context.Background()

	first, err := c.Submit(ctx, &rest.SubmitCommandRequest{Required: []string{"linux"}, Script: "make"})
	require.NoError(t, err)
	_, err = c.Submit(ctx, &rest.SubmitCommandRequest{Required: []string{"windows"}, Script: "build.bat"})
	require.NoError(t, err)

	raw, err := c.CommandsRaw(ctx, "")
	require.NoError(t, err)
	doc, err := oj.Parse(raw)
	require.NoError(t, err)

	x := jp.MustParseString(`$.commands[?(@.payload.script == 'make')].id`)
	assert.Equal(t, []any{string(first.ID)}, x.Get(doc))
}

func TestClient_NotFound(t *testing.T) {
	_, baseURL := startMaster(t, master.QueuePolicyQueue, "")
	c := newClient(baseURL, "")
	ctx := context.Background()

	_, err := c.Command(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	err = c.Evict(ctx, types.SlaveID("ghost"))
	require.ErrorIs(t, err, ErrNotFound)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "not_found", apiErr.Code)
}

func TestClient_RejectedSubmission(t *testing.T) {
	engine, baseURL := startMaster(t, master.QueuePolicyReject, "")
	c := newClient(baseURL, "")

	_, err := c.Submit(context.Background(), &rest.SubmitCommandRequest{Required: []string{"gpu"}, Script: "train"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 503, apiErr.StatusCode)
	assert.Equal(t, "rejected", apiErr.Code)
	require.NotEmpty(t, apiErr.CommandID)
	assert.False(t, errors.Is(err, ErrNotFound))

	info, ok := engine.Command(apiErr.CommandID)
	require.True(t, ok)
	assert.Equal(t, types.CommandStateRejected, info.State)
}

func TestClient_APIKey(t *testing.T) {
	_, baseURL := startMaster(t, master.QueuePolicyQueue, "s3cret")
	ctx := context.Background()

	_, err := newClient(baseURL, "").Stats(ctx)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 401, apiErr.StatusCode)

	_, err = newClient(baseURL, "s3cret").Stats(ctx)
	require.NoError(t, err)
}

func TestClient_Stream(t *testing.T) {
	_, baseURL := startMaster(t, master.QueuePolicyQueue, "s3cret")
	c := newClient(baseURL, "s3cret")
	ctx := context.Background()

	resp, err := c.Submit(ctx, &rest.SubmitCommandRequest{Required: []string{"linux"}, Script: "make"})
	require.NoError(t, err)

	stop := errors.New("stop")
	var got []*rest.StreamMessage
	err = c.Stream(ctx, resp.ID, func(msg *rest.StreamMessage) error {
		got = append(got, msg)
		return stop
	})
	require.ErrorIs(t, err, stop)
	require.Len(t, got, 1)
	assert.Equal(t, rest.StreamSnapshot, got[0].Type)
	require.NotNil(t, got[0].Command)
	assert.Equal(t, types.CommandStatePending, got[0].Command.State)
}

func TestClient_StreamUnknownCommand(t *testing.T) {
	_, baseURL := startMaster(t, master.QueuePolicyQueue, "")
	c := newClient(baseURL, "")

	err := c.Stream(context.Background(), "missing", func(*rest.StreamMessage) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestClient_StreamCancel(t *testing.T) {
	_, baseURL := startMaster(t, master.QueuePolicyQueue, "")
	c := newClient(baseURL, "")

	resp, err := c.Submit(context.Background(), &rest.SubmitCommandRequest{Required: []string{"linux"}, Script: "make"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	err = c.Stream(ctx, resp.ID, func(msg *rest.StreamMessage) error {
		cancel()
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestStreamURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"http://localhost:8080", "ws://localhost:8080/api/v1/commands/abc/stream"},
		{"https://master.example.com/", "wss://master.example.com/api/v1/commands/abc/stream"},
		{"http://10.0.0.1:8080/fleet", "ws://10.0.0.1:8080/fleet/api/v1/commands/abc/stream"},
	}
	for _, tt := range tests {
		c := newClient(tt.base, "")
		got, err := c.streamURL("abc")
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}
