package rest

import (
	"yqhp/buildfleet/internal/master"
	"yqhp/buildfleet/pkg/types"
)

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	// CommandID is set when a submitted command was recorded but refused.
	CommandID types.CommandID `json:"command_id,omitempty"`
}

// SuccessResponse represents a generic success response.
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Slaves    int    `json:"slaves"`
	Pending   int    `json:"pending"`
}

// SubmitCommandRequest represents a command submission.
type SubmitCommandRequest struct {
	// Required lists the capabilities a slave must have.
	Required []string          `json:"required"`
	Script   string            `json:"script"`
	Env      map[string]string `json:"env,omitempty"`
	WorkDir  string            `json:"workdir,omitempty"`
	// Timeout is a Go duration string such as "15m".
	Timeout string `json:"timeout,omitempty"`
}

// SubmitCommandResponse represents the result of a submission.
type SubmitCommandResponse struct {
	ID    types.CommandID    `json:"id"`
	State types.CommandState `json:"state"`
}

// CommandListResponse represents a list of commands.
type CommandListResponse struct {
	Commands []*types.CommandInfo `json:"commands"`
	Total    int                  `json:"total"`
}

// SlaveListResponse represents a list of slaves.
type SlaveListResponse struct {
	Slaves []*types.SlaveInfo `json:"slaves"`
	Total  int                `json:"total"`
}

// StatsResponse wraps the fleet statistics.
type StatsResponse struct {
	master.Stats
	Timestamp string `json:"timestamp"`
}

// StreamMessage is a message on the command status stream.
type StreamMessage struct {
	// Type is one of snapshot, status, complete or error.
	Type      string              `json:"type"`
	CommandID types.CommandID     `json:"command_id"`
	Timestamp string              `json:"timestamp"`
	Command   *types.CommandInfo  `json:"command,omitempty"`
	Status    *types.StatusUpdate `json:"status,omitempty"`
	Error     string              `json:"error,omitempty"`
}

// Stream message types.
const (
	StreamSnapshot = "snapshot"
	StreamStatus   = "status"
	StreamComplete = "complete"
	StreamError    = "error"
)
