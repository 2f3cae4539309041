package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/websocket"

	"yqhp/buildfleet/api/rest"
	"yqhp/buildfleet/pkg/types"
)

// Stream follows the status stream of a command, calling fn for every
// message until the command finishes, fn returns an error or ctx is done.
func (c *Client) Stream(ctx context.Context, id types.CommandID, fn func(*rest.StreamMessage) error) error {
	wsURL, err := c.streamURL(id)
	if err != nil {
		return err
	}
	config, err := websocket.NewConfig(wsURL, c.config.BaseURL)
	if err != nil {
		return err
	}
	if c.config.APIKey != "" {
		config.Header.Set("X-API-Key", c.config.APIKey)
	}
	ws, err := config.DialContext(ctx)
	if err != nil {
		return fmt.Errorf("dial stream: %w", err)
	}
	defer ws.Close()

	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()

	for {
		var data string
		if err := websocket.Message.Receive(ws, &data); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read stream: %w", err)
		}
		var msg rest.StreamMessage
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			return fmt.Errorf("decode stream message: %w", err)
		}
		if err := fn(&msg); err != nil {
			return err
		}
		switch msg.Type {
		case rest.StreamComplete:
			return nil
		case rest.StreamError:
			return fmt.Errorf("stream: %s", msg.Error)
		}
	}
}

func (c *Client) streamURL(id types.CommandID) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(c.config.BaseURL, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/api/v1/commands/" + url.PathEscape(string(id)) + "/stream"
	return u.String(), nil
}
