// Package client is the HTTP client of the build master's REST API.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"yqhp/buildfleet/api/rest"
	"yqhp/buildfleet/pkg/types"
)

// ErrNotFound is returned when the master has no such command or slave.
var ErrNotFound = errors.New("not found")

// APIError is a non-2xx response from the master.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	CommandID  types.CommandID
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Is lets errors.Is match ErrNotFound on 404 responses.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == fasthttp.StatusNotFound
}

// Config holds the configuration for the API client.
type Config struct {
	// BaseURL is the master's API address, e.g. "http://localhost:8080".
	BaseURL string

	// APIKey is sent in the X-API-Key header when set.
	APIKey string

	// RequestTimeout is the timeout for one HTTP request.
	RequestTimeout time.Duration
}

// DefaultConfig returns a default client configuration.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:        "http://localhost:8080",
		RequestTimeout: 30 * time.Second,
	}
}

// Client talks to the master's REST API.
type Client struct {
	config *Config
	http   *fasthttp.Client
}

// New creates an API client.
func New(config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultConfig().RequestTimeout
	}
	return &Client{
		config: config,
		http: &fasthttp.Client{
			Name:                "buildfleet-cli",
			MaxIdleConnDuration: time.Minute,
		},
	}
}

// Health returns the master's health summary.
func (c *Client) Health(ctx context.Context) (*rest.HealthResponse, error) {
	var out rest.HealthResponse
	if err := c.do(ctx, fasthttp.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Submit submits a command. A refused submission returns an *APIError whose
// CommandID names the recorded command.
func (c *Client) Submit(ctx context.Context, req *rest.SubmitCommandRequest) (*rest.SubmitCommandResponse, error) {
	var out rest.SubmitCommandResponse
	if err := c.do(ctx, fasthttp.MethodPost, "/api/v1/commands", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Command returns one command.
func (c *Client) Command(ctx context.Context, id types.CommandID) (*types.CommandInfo, error) {
	var out types.CommandInfo
	if err := c.do(ctx, fasthttp.MethodGet, "/api/v1/commands/"+url.PathEscape(string(id)), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Commands lists commands, optionally filtered by state.
func (c *Client) Commands(ctx context.Context, state types.CommandState) ([]*types.CommandInfo, error) {
	path := "/api/v1/commands"
	if state != "" {
		path += "?state=" + url.QueryEscape(string(state))
	}
	var out rest.CommandListResponse
	if err := c.do(ctx, fasthttp.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Commands, nil
}

// CommandsRaw returns the raw JSON of the command list, for ad-hoc queries.
func (c *Client) CommandsRaw(ctx context.Context, state types.CommandState) ([]byte, error) {
	path := "/api/v1/commands"
	if state != "" {
		path += "?state=" + url.QueryEscape(string(state))
	}
	return c.raw(ctx, fasthttp.MethodGet, path, nil)
}

// Slaves lists the registered slaves.
func (c *Client) Slaves(ctx context.Context) ([]*types.SlaveInfo, error) {
	var out rest.SlaveListResponse
	if err := c.do(ctx, fasthttp.MethodGet, "/api/v1/slaves", nil, &out); err != nil {
		return nil, err
	}
	return out.Slaves, nil
}

// Evict disconnects a slave.
func (c *Client) Evict(ctx context.Context, id types.SlaveID) error {
	return c.do(ctx, fasthttp.MethodDelete, "/api/v1/slaves/"+id.String(), nil, nil)
}

// Stats returns fleet statistics.
func (c *Client) Stats(ctx context.Context) (*rest.StatsResponse, error) {
	var out rest.StatsResponse
	if err := c.do(ctx, fasthttp.MethodGet, "/api/v1/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	body, err := c.raw(ctx, method, path, in)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) raw(ctx context.Context, method, path string, in any) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(strings.TrimSuffix(c.config.BaseURL, "/") + path)
	req.Header.SetMethod(method)
	req.Header.Set(fasthttp.HeaderAccept, "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("X-API-Key", c.config.APIKey)
	}
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		req.Header.SetContentType("application/json")
		req.SetBody(data)
	}

	timeout := c.config.RequestTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}
	if err := c.http.DoTimeout(req, resp, timeout); err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}

	body := append([]byte(nil), resp.Body()...)
	if code := resp.StatusCode(); code < 200 || code > 299 {
		apiErr := &APIError{StatusCode: code}
		var e rest.ErrorResponse
		if json.Unmarshal(body, &e) == nil {
			apiErr.Code, apiErr.Message, apiErr.CommandID = e.Error, e.Message, e.CommandID
		} else {
			apiErr.Message = string(body)
		}
		return nil, apiErr
	}
	return body, nil
}
