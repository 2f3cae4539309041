package rest

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"yqhp/buildfleet/internal/capability"
	"yqhp/buildfleet/internal/master"
	"yqhp/buildfleet/pkg/types"
)

// healthCheck handles GET /health
func (s *Server) healthCheck(c *fiber.Ctx) error {
	stats := s.fleet.Stats()
	return c.JSON(HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().Format(time.RFC3339),
		Slaves:    stats.Slaves,
		Pending:   stats.Pending,
	})
}

// submitCommand handles POST /api/v1/commands
func (s *Server) submitCommand(c *fiber.Ctx) error {
	var req SubmitCommandRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "invalid_request",
			Message: "Failed to parse request body: " + err.Error(),
		})
	}

	required, err := capability.New(req.Required...)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "invalid_capabilities",
			Message: err.Error(),
		})
	}

	payload := types.CommandPayload{
		Script:  req.Script,
		Env:     req.Env,
		WorkDir: req.WorkDir,
	}
	if req.Timeout != "" {
		payload.Timeout, err = time.ParseDuration(req.Timeout)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
				Error:   "invalid_request",
				Message: "Invalid timeout: " + err.Error(),
			})
		}
	}

	id, err := s.fleet.Submit(c.UserContext(), required, payload)
	switch {
	case err == nil:
	case errors.Is(err, master.ErrInvalidCommand):
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "invalid_command",
			Message: err.Error(),
		})
	case errors.Is(err, master.ErrNoCapableSlave), errors.Is(err, master.ErrQueueFull):
		return c.Status(fiber.StatusServiceUnavailable).JSON(ErrorResponse{
			Error:     "rejected",
			Message:   err.Error(),
			CommandID: id,
		})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error:   "submission_failed",
			Message: "Failed to submit command: " + err.Error(),
		})
	}

	state := types.CommandStatePending
	if info, ok := s.fleet.Command(id); ok {
		state = info.State
	}
	return c.Status(fiber.StatusCreated).JSON(SubmitCommandResponse{
		ID:    id,
		State: state,
	})
}

// listCommands handles GET /api/v1/commands
func (s *Server) listCommands(c *fiber.Ctx) error {
	state := types.CommandState(c.Query("state"))
	commands := s.fleet.CommandList(state)
	if commands == nil {
		commands = []*types.CommandInfo{}
	}
	return c.JSON(CommandListResponse{
		Commands: commands,
		Total:    len(commands),
	})
}

// getCommand handles GET /api/v1/commands/:id
func (s *Server) getCommand(c *fiber.Ctx) error {
	id := types.CommandID(c.Params("id"))
	info, ok := s.fleet.Command(id)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
			Error:   "not_found",
			Message: "Command not found: " + string(id),
		})
	}
	return c.JSON(info)
}

// listSlaves handles GET /api/v1/slaves
func (s *Server) listSlaves(c *fiber.Ctx) error {
	slaves := s.fleet.Slaves()
	if state := c.Query("state"); state != "" {
		filtered := make([]*types.SlaveInfo, 0, len(slaves))
		for _, slave := range slaves {
			if string(slave.State) == state {
				filtered = append(filtered, slave)
			}
		}
		slaves = filtered
	}
	return c.JSON(SlaveListResponse{
		Slaves: slaves,
		Total:  len(slaves),
	})
}

// getSlave handles GET /api/v1/slaves/:id
func (s *Server) getSlave(c *fiber.Ctx) error {
	id, err := types.ParseSlaveID(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "invalid_request",
			Message: err.Error(),
		})
	}
	info, ok := s.fleet.Slave(id)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
			Error:   "not_found",
			Message: "Slave not found: " + id.String(),
		})
	}
	return c.JSON(info)
}

// evictSlave handles DELETE /api/v1/slaves/:id
func (s *Server) evictSlave(c *fiber.Ctx) error {
	id, err := types.ParseSlaveID(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "invalid_request",
			Message: err.Error(),
		})
	}
	if err := s.fleet.Evict(c.UserContext(), id); err != nil {
		if errors.Is(err, master.ErrSlaveNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
				Error:   "not_found",
				Message: err.Error(),
			})
		}
		return err
	}
	return c.JSON(SuccessResponse{
		Success: true,
		Message: "Slave evicted",
	})
}

// getStats handles GET /api/v1/stats
func (s *Server) getStats(c *fiber.Ctx) error {
	return c.JSON(StatsResponse{
		Stats:     s.fleet.Stats(),
		Timestamp: time.Now().Format(time.RFC3339),
	})
}
