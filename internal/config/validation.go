package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"yqhp/buildfleet/internal/capability"
	"yqhp/buildfleet/internal/master"
	"yqhp/buildfleet/internal/wire"
	"yqhp/buildfleet/pkg/types"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates configuration values.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// addError adds a validation error.
func (v *Validator) addError(field, message string) {
	v.errors = append(v.errors, ValidationError{Field: field, Message: message})
}

// Validate validates the entire configuration and returns any errors.
func (v *Validator) Validate(cfg *Config) error {
	v.errors = make(ValidationErrors, 0)

	v.validateMasterConfig(&cfg.Master)
	v.validateSlaveConfig(&cfg.Slave)
	v.validateKeysConfig(&cfg.Keys)
	v.validateAPIConfig(&cfg.API)
	v.validateNotifyConfig(&cfg.Notify)
	v.validateLoggingConfig(&cfg.Logging)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

// validateMasterConfig validates the master configuration.
func (v *Validator) validateMasterConfig(cfg *MasterConfig) {
	v.validateEndpoint("master.command_endpoint", cfg.CommandEndpoint)
	v.validateEndpoint("master.status_endpoint", cfg.StatusEndpoint)

	if _, err := master.ParseQueuePolicy(cfg.QueuePolicy); err != nil {
		v.addError("master.queue_policy", "must be one of: queue, expire, reject")
	}
	if cfg.QueuePolicy == string(master.QueuePolicyExpire) && cfg.PendingTTL <= 0 {
		v.addError("master.pending_ttl", "pending TTL must be positive with the expire policy")
	}
	if cfg.MaxPending < 0 {
		v.addError("master.max_pending", "max pending must be non-negative")
	}
	if cfg.DispatchTimeout < 0 {
		v.addError("master.dispatch_timeout", "dispatch timeout must be non-negative")
	}
	if cfg.SweepInterval <= 0 {
		v.addError("master.sweep_interval", "sweep interval must be positive")
	}
	if cfg.MaxAttempts < 0 {
		v.addError("master.max_attempts", "max attempts must be non-negative")
	}
	if cfg.ReportGrace < 0 {
		v.addError("master.report_grace", "report grace must be non-negative")
	}
	if cfg.HistoryRetention < 0 {
		v.addError("master.history_retention", "history retention must be non-negative")
	}
	if cfg.OutputLimit < 0 {
		v.addError("master.output_limit", "output limit must be non-negative")
	}
}

// validateSlaveConfig validates the slave configuration.
func (v *Validator) validateSlaveConfig(cfg *SlaveConfig) {
	v.validateEndpoint("slave.command_endpoint", cfg.CommandEndpoint)
	v.validateEndpoint("slave.status_endpoint", cfg.StatusEndpoint)

	for _, c := range cfg.Capabilities {
		if err := capability.Validate(c); err != nil {
			v.addError("slave.capabilities", err.Error())
		}
	}
	if cfg.HeartbeatInterval < 0 {
		v.addError("slave.heartbeat_interval", "heartbeat interval must be non-negative")
	}
	if cfg.OutputFlushInterval < 0 {
		v.addError("slave.output_flush_interval", "output flush interval must be non-negative")
	}
	if cfg.IdleTimeout < 0 {
		v.addError("slave.idle_timeout", "idle timeout must be non-negative")
	}
	if cfg.OutputChunkSize < 0 || cfg.OutputChunkSize > wire.MaxOutputChunk {
		v.addError("slave.output_chunk_size", fmt.Sprintf("output chunk size must be between 0 and %d", wire.MaxOutputChunk))
	}
}

// validateKeysConfig validates the key configuration.
func (v *Validator) validateKeysConfig(cfg *KeysConfig) {
	if cfg.Identity == "" {
		v.addError("keys.identity", "identity file is required")
	}
	if cfg.MaxSkew < 0 {
		v.addError("keys.max_skew", "max skew must be non-negative")
	}
	if cfg.MaxMessageSize < 0 {
		v.addError("keys.max_message_size", "max message size must be non-negative")
	}
}

// validateAPIConfig validates the REST API configuration.
func (v *Validator) validateAPIConfig(cfg *APIConfig) {
	if cfg.Enabled {
		if cfg.Address == "" {
			v.addError("api.address", "address is required")
		} else if !isValidAddress(cfg.Address) {
			v.addError("api.address", "invalid address format, expected host:port or :port")
		}
	}
	if cfg.ReadTimeout < 0 {
		v.addError("api.read_timeout", "read timeout must be non-negative")
	}
	if cfg.WriteTimeout < 0 {
		v.addError("api.write_timeout", "write timeout must be non-negative")
	}
	if cfg.URL != "" {
		if u, err := url.Parse(cfg.URL); err != nil || u.Scheme == "" || u.Host == "" {
			v.addError("api.url", "invalid URL, expected scheme://host[:port]")
		}
	}
}

// validateNotifyConfig validates the webhook configuration.
func (v *Validator) validateNotifyConfig(cfg *NotifyConfig) {
	if cfg.WebhookURL != "" {
		if u, err := url.Parse(cfg.WebhookURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			v.addError("notify.webhook_url", "invalid URL, expected http(s)://host[:port]/path")
		}
	}
	for _, s := range cfg.States {
		if !types.CommandState(s).IsTerminal() {
			v.addError("notify.states", fmt.Sprintf("%q is not a terminal command state", s))
		}
	}
	if cfg.BatchSize < 0 {
		v.addError("notify.batch_size", "batch size must be non-negative")
	}
	if cfg.RetryAttempts < 0 {
		v.addError("notify.retry_attempts", "retry attempts must be non-negative")
	}
	if cfg.FlushInterval < 0 || cfg.RetryDelay < 0 || cfg.Timeout < 0 {
		v.addError("notify", "durations must be non-negative")
	}
}

// validateEndpoint checks a ZeroMQ style endpoint, e.g. tcp://host:port.
func (v *Validator) validateEndpoint(field, endpoint string) {
	if endpoint == "" {
		v.addError(field, "endpoint is required")
		return
	}
	scheme, addr, ok := strings.Cut(endpoint, "://")
	if !ok || addr == "" {
		v.addError(field, "invalid endpoint, expected transport://address")
		return
	}
	switch scheme {
	case "tcp":
		if strings.HasPrefix(addr, "*:") {
			addr = addr[1:]
		}
		if !isValidAddress(addr) {
			v.addError(field, "invalid tcp address, expected host:port or *:port")
		}
	case "ipc", "inproc":
	default:
		v.addError(field, fmt.Sprintf("unsupported transport %q", scheme))
	}
}

// validateLoggingConfig validates the logging configuration.
func (v *Validator) validateLoggingConfig(cfg *LoggingConfig) {
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if cfg.Level == "" {
		v.addError("logging.level", "log level is required")
	} else if !validLevels[strings.ToLower(cfg.Level)] {
		v.addError("logging.level", fmt.Sprintf("invalid log level '%s', must be one of: debug, info, warn, error", cfg.Level))
	}

	validFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if cfg.Format == "" {
		v.addError("logging.format", "log format is required")
	} else if !validFormats[strings.ToLower(cfg.Format)] {
		v.addError("logging.format", fmt.Sprintf("invalid log format '%s', must be one of: json, console", cfg.Format))
	}

	validOutputs := map[string]bool{
		"stdout": true,
		"stderr": true,
		"file":   true,
		"both":   true,
	}
	if cfg.Output != "" && !validOutputs[strings.ToLower(cfg.Output)] {
		v.addError("logging.output", fmt.Sprintf("invalid log output '%s', must be one of: stdout, stderr, file, both", cfg.Output))
	}
}

// isValidAddress checks if the address is a valid host:port format.
func isValidAddress(addr string) bool {
	if addr == "" {
		return false
	}

	// Handle :port format
	if strings.HasPrefix(addr, ":") {
		port := strings.TrimPrefix(addr, ":")
		if port == "" {
			return false
		}
		_, err := net.LookupPort("tcp", port)
		return err == nil
	}

	// Handle host:port format
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}

	// Port must be non-empty and valid
	if port == "" {
		return false
	}
	if _, err := net.LookupPort("tcp", port); err != nil {
		return false
	}

	// Host can be empty (meaning all interfaces), an IP, or a hostname
	if host != "" {
		// Try to parse as IP
		if ip := net.ParseIP(host); ip == nil {
			// Not an IP, check if it's a valid hostname (basic check)
			if !isValidHostname(host) {
				return false
			}
		}
	}

	return true
}

// isValidHostname performs basic hostname validation.
func isValidHostname(hostname string) bool {
	if len(hostname) == 0 || len(hostname) > 253 {
		return false
	}

	// Check each label
	labels := strings.Split(hostname, ".")
	for _, label := range labels {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
		// Labels must start and end with alphanumeric
		if !isAlphanumeric(label[0]) || !isAlphanumeric(label[len(label)-1]) {
			return false
		}
		// Labels can contain alphanumeric and hyphens
		for _, c := range label {
			if !isAlphanumeric(byte(c)) && c != '-' {
				return false
			}
		}
	}

	return true
}

// isAlphanumeric checks if a byte is alphanumeric.
func isAlphanumeric(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// Validate validates the configuration and returns any errors.
// This is a convenience method on Config.
func (c *Config) Validate() error {
	return NewValidator().Validate(c)
}

// LoadAndValidate loads configuration from a file and validates it.
func LoadAndValidate(path string) (*Config, error) {
	cfg, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}
