// Package rest provides the REST API of the build master.
package rest

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"yqhp/buildfleet/internal/capability"
	"yqhp/buildfleet/internal/master"
	"yqhp/buildfleet/pkg/logger"
	"yqhp/buildfleet/pkg/types"
)

// Fleet is the part of the master the API serves.
type Fleet interface {
	Submit(ctx context.Context, required capability.Set, payload types.CommandPayload) (types.CommandID, error)
	Evict(ctx context.Context, id types.SlaveID) error
	Stats() master.Stats
	Slaves() []*types.SlaveInfo
	Slave(id types.SlaveID) (*types.SlaveInfo, bool)
	Command(id types.CommandID) (*types.CommandInfo, bool)
	CommandList(state types.CommandState) []*types.CommandInfo
	Watch(id types.CommandID) (<-chan types.StatusUpdate, func(), error)
}

var _ Fleet = (*master.Engine)(nil)

// Server represents the REST API server.
type Server struct {
	app    *fiber.App
	fleet  Fleet
	config *Config
	logger *zap.Logger
}

// Config holds the configuration for the REST API server.
type Config struct {
	// Address is the address to listen on (e.g., ":8080").
	Address string `yaml:"address"`

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// EnableCORS enables Cross-Origin Resource Sharing.
	EnableCORS bool `yaml:"enable_cors"`

	// EnableAccessLog logs every request.
	EnableAccessLog bool `yaml:"enable_access_log"`

	// APIKey, when set, is required in the X-API-Key header.
	APIKey string `yaml:"api_key,omitempty"`

	// Gatherer serves /metrics. Nil means the default registry.
	Gatherer prometheus.Gatherer `yaml:"-"`
}

// DefaultConfig returns a default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Address:         ":8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		EnableCORS:      false,
		EnableAccessLog: true,
	}
}

// NewServer creates a new REST API server.
func NewServer(fleet Fleet, config *Config, log *zap.Logger) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Gatherer == nil {
		config.Gatherer = prometheus.DefaultGatherer
	}
	if log == nil {
		log = logger.Named("api")
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:           config.ReadTimeout,
		WriteTimeout:          config.WriteTimeout,
		ErrorHandler:          customErrorHandler,
		AppName:               "buildfleet",
		DisableStartupMessage: true,
	})

	server := &Server{
		app:    app,
		fleet:  fleet,
		config: config,
		logger: log,
	}

	server.setupMiddleware()
	server.setupRoutes()

	return server
}

// setupMiddleware configures middleware for the server.
func (s *Server) setupMiddleware() {
	s.app.Use(fiberrecover.New(fiberrecover.Config{
		EnableStackTrace: true,
	}))

	if s.config.EnableAccessLog {
		s.app.Use(fiberlogger.New(fiberlogger.Config{
			Format:     "${time} | ${status} | ${latency} | ${method} ${path}\n",
			TimeFormat: "2006-01-02 15:04:05",
		}))
	}

	if s.config.EnableCORS {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins:     "*",
			AllowMethods:     "GET,POST,DELETE,OPTIONS",
			AllowHeaders:     "Origin,Content-Type,Accept,X-API-Key",
			AllowCredentials: false,
			MaxAge:           86400,
		}))
	}

	if s.config.APIKey != "" {
		s.app.Use(s.apiKeyAuth)
	}
}

// apiKeyAuth validates API key authentication. Health checks are open.
func (s *Server) apiKeyAuth(c *fiber.Ctx) error {
	path := c.Path()
	if path == "/health" || path == "/api/v1/health" {
		return c.Next()
	}

	apiKey := c.Get("X-API-Key")
	if apiKey == "" {
		// 浏览器的 WebSocket 无法设置请求头
		apiKey = c.Query("api_key")
	}

	if apiKey == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(ErrorResponse{
			Error:   "unauthorized",
			Message: "API key is required",
		})
	}

	if subtle.ConstantTimeCompare([]byte(apiKey), []byte(s.config.APIKey)) != 1 {
		return c.Status(fiber.StatusUnauthorized).JSON(ErrorResponse{
			Error:   "unauthorized",
			Message: "Invalid API key",
		})
	}

	return c.Next()
}

// setupRoutes configures the API routes.
func (s *Server) setupRoutes() {
	s.app.Get("/health", s.healthCheck)
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{})))

	api := s.app.Group("/api/v1")
	api.Get("/health", s.healthCheck)

	// Command routes
	api.Post("/commands", s.submitCommand)
	api.Get("/commands", s.listCommands)
	api.Get("/commands/:id", s.getCommand)

	// Slave routes
	api.Get("/slaves", s.listSlaves)
	api.Get("/slaves/:id", s.getSlave)
	api.Delete("/slaves/:id", s.evictSlave)

	api.Get("/stats", s.getStats)

	s.setupWebSocketRoutes()
}

// Start starts the REST API server.
func (s *Server) Start() error {
	return s.app.Listen(s.config.Address)
}

// StartWithContext serves until ctx is done, then shuts down.
func (s *Server) StartWithContext(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		errCh <- s.app.Listen(s.config.Address)
	}()
	s.logger.Info("api listening", zap.String("address", s.config.Address))

	select {
	case <-ctx.Done():
		return s.ShutdownWithTimeout(10 * time.Second)
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// ShutdownWithTimeout gracefully shuts down the server with a timeout.
func (s *Server) ShutdownWithTimeout(timeout time.Duration) error {
	return s.app.ShutdownWithTimeout(timeout)
}

// App returns the underlying Fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// customErrorHandler handles errors returned by handlers.
func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(ErrorResponse{
		Error:   fmt.Sprintf("error_%d", code),
		Message: message,
	})
}
