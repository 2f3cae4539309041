package rest

import (
	"time"

	"github.com/gofiber/fiber/v2"
	fiberws "github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"yqhp/buildfleet/pkg/types"
)

// setupWebSocketRoutes registers the Fiber-native stream endpoint.
func (s *Server) setupWebSocketRoutes() {
	s.app.Use("/api/v1/commands/:id/stream", func(c *fiber.Ctx) error {
		if fiberws.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	s.app.Get("/api/v1/commands/:id/stream", fiberws.New(s.handleCommandStream))
}

// handleCommandStream streams the status updates of one command: a snapshot
// first, then every update, then the final record.
func (s *Server) handleCommandStream(ws *fiberws.Conn) {
	defer ws.Close()

	id := types.CommandID(ws.Params("id"))
	if id == "" {
		s.send(ws, StreamMessage{Type: StreamError, Error: "command ID is required"})
		return
	}

	updates, cancel, err := s.fleet.Watch(id)
	if err != nil {
		s.send(ws, StreamMessage{Type: StreamError, CommandID: id, Error: err.Error()})
		return
	}
	defer cancel()

	info, _ := s.fleet.Command(id)
	if !s.send(ws, StreamMessage{Type: StreamSnapshot, CommandID: id, Command: info}) {
		return
	}

	// 读取客户端消息以感知关闭
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case update, ok := <-updates:
			if !ok {
				final, _ := s.fleet.Command(id)
				s.send(ws, StreamMessage{Type: StreamComplete, CommandID: id, Command: final})
				return
			}
			if !s.send(ws, StreamMessage{Type: StreamStatus, CommandID: id, Status: &update}) {
				return
			}
		}
	}
}

func (s *Server) send(ws *fiberws.Conn, msg StreamMessage) bool {
	msg.Timestamp = time.Now().Format(time.RFC3339)
	if err := ws.WriteJSON(msg); err != nil {
		s.logger.Debug("stream client gone", zap.Error(err))
		return false
	}
	return true
}
