package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/net/websocket"

	"yqhp/buildfleet/internal/capability"
	"yqhp/buildfleet/internal/master"
	"yqhp/buildfleet/pkg/types"
)

// mockFleet implements Fleet for testing.
type mockFleet struct {
	mu        sync.Mutex
	commands  map[types.CommandID]*types.CommandInfo
	slaves    map[types.SlaveID]*types.SlaveInfo
	submitErr error
	watchers  map[types.CommandID]chan types.StatusUpdate
	submitted []types.CommandPayload
}

func newMockFleet() *mockFleet {
	return &mockFleet{
		commands: make(map[types.CommandID]*types.CommandInfo),
		slaves:   make(map[types.SlaveID]*types.SlaveInfo),
		watchers: make(map[types.CommandID]chan types.StatusUpdate),
	}
}

func (m *mockFleet) Submit(_ context.Context, required capability.Set, payload types.CommandPayload) (types.CommandID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if payload.Script == "" {
		return "", fmt.Errorf("%w: empty script", master.ErrInvalidCommand)
	}
	id := types.CommandID(fmt.Sprintf("cmd-%d", len(m.commands)+1))
	state := types.CommandStatePending
	if m.submitErr != nil {
		state = types.CommandStateRejected
	}
	m.commands[id] = &types.CommandInfo{ID: id, Required: required.Tokens(), Payload: payload, State: state}
	m.submitted = append(m.submitted, payload)
	return id, m.submitErr
}

func (m *mockFleet) Evict(_ context.Context, id types.SlaveID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.slaves[id]; !ok {
		return fmt.Errorf("%w: %s", master.ErrSlaveNotFound, id)
	}
	delete(m.slaves, id)
	return nil
}

func (m *mockFleet) Stats() master.Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return master.Stats{Slaves: len(m.slaves), Pending: len(m.commands)}
}

func (m *mockFleet) Slaves() []*types.SlaveInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.SlaveInfo
	for _, s := range m.slaves {
		out = append(out, s)
	}
	return out
}

func (m *mockFleet) Slave(id types.SlaveID) (*types.SlaveInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slaves[id]
	return s, ok
}

func (m *mockFleet) Command(id types.CommandID) (*types.CommandInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.commands[id]
	return c, ok
}

func (m *mockFleet) CommandList(state types.CommandState) []*types.CommandInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.CommandInfo
	for _, c := range m.commands {
		if state == "" || c.State == state {
			out = append(out, c)
		}
	}
	return out
}

func (m *mockFleet) Watch(id types.CommandID) (<-chan types.StatusUpdate, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.commands[id]; !ok {
		return nil, nil, fmt.Errorf("%w: %s", master.ErrCommandNotFound, id)
	}
	ch := make(chan types.StatusUpdate, 8)
	m.watchers[id] = ch
	return ch, func() {}, nil
}

func (m *mockFleet) watcher(id types.CommandID) chan types.StatusUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watchers[id]
}

func (m *mockFleet) setState(id types.CommandID, state types.CommandState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands[id].State = state
}

func newTestServer(fleet Fleet, configure ...func(*Config)) *Server {
	config := DefaultConfig()
	config.EnableAccessLog = false
	config.Gatherer = prometheus.NewRegistry()
	for _, fn := range configure {
		fn(config)
	}
	return NewServer(fleet, config, zap.NewNop())
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body any, headers ...string) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = strings.NewReader(string(data))
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func TestHealthCheck(t *testing.T) {
	fleet := newMockFleet()
	fleet.slaves["s1"] = &types.SlaveInfo{ID: "s1", State: types.SlaveStateIdle}
	server := newTestServer(fleet)

	for _, path := range []string{"/health", "/api/v1/health"} {
		code, body := doJSON(t, server.App(), "GET", path, nil)
		assert.Equal(t, fiber.StatusOK, code)

		var resp HealthResponse
		require.NoError(t, json.Unmarshal(body, &resp))
		assert.Equal(t, "healthy", resp.Status)
		assert.Equal(t, 1, resp.Slaves)
	}
}

func TestSubmitCommand(t *testing.T) {
	fleet := newMockFleet()
	server := newTestServer(fleet)

	code, body := doJSON(t, server.App(), "POST", "/api/v1/commands", SubmitCommandRequest{
		Required: []string{"linux", "amd64"},
		Script:   "make test",
		Env:      map[string]string{"CI": "1"},
		Timeout:  "15m",
	})
	require.Equal(t, fiber.StatusCreated, code, string(body))

	var resp SubmitCommandResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, types.CommandID("cmd-1"), resp.ID)
	assert.Equal(t, types.CommandStatePending, resp.State)

	require.Len(t, fleet.submitted, 1)
	assert.Equal(t, 15*time.Minute, fleet.submitted[0].Timeout)
	assert.Equal(t, "1", fleet.submitted[0].Env["CI"])
	assert.Equal(t, []string{"amd64", "linux"}, fleet.commands["cmd-1"].Required)
}

func TestSubmitCommand_BadRequests(t *testing.T) {
	server := newTestServer(newMockFleet())

	tests := []struct {
		name string
		body any
		code string
	}{
		{"malformed body", "not an object", "invalid_request"},
		{"bad capability", SubmitCommandRequest{Required: []string{""}, Script: "make"}, "invalid_capabilities"},
		{"bad timeout", SubmitCommandRequest{Script: "make", Timeout: "soon"}, "invalid_request"},
		{"empty script", SubmitCommandRequest{Required: []string{"amd64"}}, "invalid_command"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := doJSON(t, server.App(), "POST", "/api/v1/commands", tt.body)
			assert.Equal(t, fiber.StatusBadRequest, code)
			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(body, &resp))
			assert.Equal(t, tt.code, resp.Error)
		})
	}
}

func TestSubmitCommand_Rejected(t *testing.T) {
	fleet := newMockFleet()
	fleet.submitErr = master.ErrNoCapableSlave
	server := newTestServer(fleet)

	code, body := doJSON(t, server.App(), "POST", "/api/v1/commands", SubmitCommandRequest{
		Required: []string{"gpu"},
		Script:   "train",
	})
	assert.Equal(t, fiber.StatusServiceUnavailable, code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, "rejected", resp.Error)
	assert.Equal(t, types.CommandID("cmd-1"), resp.CommandID)
}

func TestGetAndListCommands(t *testing.T) {
	fleet := newMockFleet()
	fleet.commands["a"] = &types.CommandInfo{ID: "a", State: types.CommandStatePending}
	fleet.commands["b"] = &types.CommandInfo{ID: "b", State: types.CommandStateSucceeded}
	server := newTestServer(fleet)

	code, body := doJSON(t, server.App(), "GET", "/api/v1/commands/a", nil)
	assert.Equal(t, fiber.StatusOK, code)
	var info types.CommandInfo
	require.NoError(t, json.Unmarshal(body, &info))
	assert.Equal(t, types.CommandStatePending, info.State)

	code, _ = doJSON(t, server.App(), "GET", "/api/v1/commands/zzz", nil)
	assert.Equal(t, fiber.StatusNotFound, code)

	code, body = doJSON(t, server.App(), "GET", "/api/v1/commands?state=succeeded", nil)
	assert.Equal(t, fiber.StatusOK, code)
	var list CommandListResponse
	require.NoError(t, json.Unmarshal(body, &list))
	require.Equal(t, 1, list.Total)
	assert.Equal(t, types.CommandID("b"), list.Commands[0].ID)

	code, body = doJSON(t, server.App(), "GET", "/api/v1/commands?state=lost", nil)
	assert.Equal(t, fiber.StatusOK, code)
	assert.Contains(t, string(body), `"commands":[]`)
}

func TestSlaveRoutes(t *testing.T) {
	fleet := newMockFleet()
	fleet.slaves["s1"] = &types.SlaveInfo{ID: "s1", Identity: "builder-1", State: types.SlaveStateIdle}
	fleet.slaves["s2"] = &types.SlaveInfo{ID: "s2", Identity: "builder-2", State: types.SlaveStateDispatched}
	server := newTestServer(fleet)
	s1 := types.SlaveID("s1").String()

	code, body := doJSON(t, server.App(), "GET", "/api/v1/slaves", nil)
	assert.Equal(t, fiber.StatusOK, code)
	var list SlaveListResponse
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Equal(t, 2, list.Total)

	code, body = doJSON(t, server.App(), "GET", "/api/v1/slaves?state=idle", nil)
	assert.Equal(t, fiber.StatusOK, code)
	require.NoError(t, json.Unmarshal(body, &list))
	require.Equal(t, 1, list.Total)
	assert.Equal(t, types.SlaveID("s1"), list.Slaves[0].ID)

	code, body = doJSON(t, server.App(), "GET", "/api/v1/slaves/"+s1, nil)
	assert.Equal(t, fiber.StatusOK, code)
	var info types.SlaveInfo
	require.NoError(t, json.Unmarshal(body, &info))
	assert.Equal(t, "builder-1", info.Identity)

	code, _ = doJSON(t, server.App(), "GET", "/api/v1/slaves/not-hex", nil)
	assert.Equal(t, fiber.StatusBadRequest, code)

	code, _ = doJSON(t, server.App(), "DELETE", "/api/v1/slaves/"+s1, nil)
	assert.Equal(t, fiber.StatusOK, code)
	code, _ = doJSON(t, server.App(), "DELETE", "/api/v1/slaves/"+s1, nil)
	assert.Equal(t, fiber.StatusNotFound, code)
	code, _ = doJSON(t, server.App(), "GET", "/api/v1/slaves/"+s1, nil)
	assert.Equal(t, fiber.StatusNotFound, code)
}

func TestStats(t *testing.T) {
	fleet := newMockFleet()
	fleet.slaves["s1"] = &types.SlaveInfo{ID: "s1"}
	server := newTestServer(fleet)

	code, body := doJSON(t, server.App(), "GET", "/api/v1/stats", nil)
	assert.Equal(t, fiber.StatusOK, code)
	var stats StatsResponse
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Equal(t, 1, stats.Slaves)
	assert.NotEmpty(t, stats.Timestamp)
}

func TestMetricsEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "buildfleet_test_total", Help: "test"})
	registry.MustRegister(counter)
	counter.Inc()

	server := newTestServer(newMockFleet(), func(c *Config) { c.Gatherer = registry })
	code, body := doJSON(t, server.App(), "GET", "/metrics", nil)
	assert.Equal(t, fiber.StatusOK, code)
	assert.Contains(t, string(body), "buildfleet_test_total 1")
}

func TestAPIKeyAuth(t *testing.T) {
	server := newTestServer(newMockFleet(), func(c *Config) { c.APIKey = "s3cret" })
	app := server.App()

	code, _ := doJSON(t, app, "GET", "/health", nil)
	assert.Equal(t, fiber.StatusOK, code, "health is open")

	code, body := doJSON(t, app, "GET", "/api/v1/stats", nil)
	assert.Equal(t, fiber.StatusUnauthorized, code)
	assert.Contains(t, string(body), "API key is required")

	code, body = doJSON(t, app, "GET", "/api/v1/stats", nil, "X-API-Key", "wrong")
	assert.Equal(t, fiber.StatusUnauthorized, code)
	assert.Contains(t, string(body), "Invalid API key")

	code, _ = doJSON(t, app, "GET", "/api/v1/stats", nil, "X-API-Key", "s3cret")
	assert.Equal(t, fiber.StatusOK, code)

	code, _ = doJSON(t, app, "GET", "/api/v1/stats?api_key=s3cret", nil)
	assert.Equal(t, fiber.StatusOK, code)
}

func TestUnknownRoute(t *testing.T) {
	server := newTestServer(newMockFleet())
	code, body := doJSON(t, server.App(), "GET", "/api/v1/nope", nil)
	assert.Equal(t, fiber.StatusNotFound, code)
	assert.Contains(t, string(body), "error_404")
}

func TestCommandStream_RequiresUpgrade(t *testing.T) {
	server := newTestServer(newMockFleet())
	code, _ := doJSON(t, server.App(), "GET", "/api/v1/commands/c1/stream", nil)
	assert.Equal(t, fiber.StatusUpgradeRequired, code)
}

// listen serves app on a random local port.
func listen(t *testing.T, app *fiber.App) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = app.Listener(ln) }()
	t.Cleanup(func() { _ = app.Shutdown() })
	return ln.Addr().String()
}

func TestCommandStream(t *testing.T) {
	fleet := newMockFleet()
	fleet.commands["c1"] = &types.CommandInfo{ID: "c1", State: types.CommandStateRunning}
	server := newTestServer(fleet)
	addr := listen(t, server.App())

	ws, err := websocket.Dial("ws://"+addr+"/api/v1/commands/c1/stream", "", "http://"+addr+"/")
	require.NoError(t, err)
	defer ws.Close()

	read := func() StreamMessage {
		t.Helper()
		require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
		var data string
		require.NoError(t, websocket.Message.Receive(ws, &data))
		var msg StreamMessage
		require.NoError(t, json.Unmarshal([]byte(data), &msg))
		return msg
	}

	msg := read()
	assert.Equal(t, StreamSnapshot, msg.Type)
	require.NotNil(t, msg.Command)
	assert.Equal(t, types.CommandStateRunning, msg.Command.State)

	updates := fleet.watcher("c1")
	require.NotNil(t, updates)
	updates <- types.StatusUpdate{CommandID: "c1", Kind: types.StatusOutput, Seq: 2, Output: "ok\n"}
	msg = read()
	assert.Equal(t, StreamStatus, msg.Type)
	require.NotNil(t, msg.Status)
	assert.Equal(t, "ok\n", msg.Status.Output)

	fleet.setState("c1", types.CommandStateSucceeded)
	close(updates)
	msg = read()
	assert.Equal(t, StreamComplete, msg.Type)
	assert.Equal(t, types.CommandStateSucceeded, msg.Command.State)
}

func TestCommandStream_UnknownCommand(t *testing.T) {
	server := newTestServer(newMockFleet())
	addr := listen(t, server.App())

	ws, err := websocket.Dial("ws://"+addr+"/api/v1/commands/nope/stream", "", "http://"+addr+"/")
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var data string
	require.NoError(t, websocket.Message.Receive(ws, &data))
	var msg StreamMessage
	require.NoError(t, json.Unmarshal([]byte(data), &msg))
	assert.Equal(t, StreamError, msg.Type)
	assert.Contains(t, msg.Error, "not found")
}
