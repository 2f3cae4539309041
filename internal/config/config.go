package config

import (
	"fmt"
	"maps"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"yqhp/buildfleet/internal/master"
	"yqhp/buildfleet/internal/notify"
	"yqhp/buildfleet/internal/secure"
	"yqhp/buildfleet/internal/slave"
	"yqhp/buildfleet/pkg/logger"
	"yqhp/buildfleet/pkg/types"
)

// DefaultEnvPrefix is prepended to every env tag.
const DefaultEnvPrefix = "BF_"

// Config represents the complete configuration of a buildfleet node.
type Config struct {
	Master  MasterConfig  `yaml:"master"`
	Slave   SlaveConfig   `yaml:"slave"`
	Keys    KeysConfig    `yaml:"keys"`
	API     APIConfig     `yaml:"api"`
	Notify  NotifyConfig  `yaml:"notify"`
	Logging LoggingConfig `yaml:"logging"`
}

// MasterConfig holds master node configuration.
type MasterConfig struct {
	CommandEndpoint  string        `yaml:"command_endpoint" env:"MASTER_COMMAND_ENDPOINT"`
	StatusEndpoint   string        `yaml:"status_endpoint" env:"MASTER_STATUS_ENDPOINT"`
	QueuePolicy      string        `yaml:"queue_policy" env:"MASTER_QUEUE_POLICY"`
	MaxPending       int           `yaml:"max_pending" env:"MASTER_MAX_PENDING"`
	PendingTTL       time.Duration `yaml:"pending_ttl" env:"MASTER_PENDING_TTL"`
	DispatchTimeout  time.Duration `yaml:"dispatch_timeout" env:"MASTER_DISPATCH_TIMEOUT"`
	SweepInterval    time.Duration `yaml:"sweep_interval" env:"MASTER_SWEEP_INTERVAL"`
	RequeueLost      bool          `yaml:"requeue_lost" env:"MASTER_REQUEUE_LOST"`
	MaxAttempts      int           `yaml:"max_attempts" env:"MASTER_MAX_ATTEMPTS"`
	ReportGrace      time.Duration `yaml:"report_grace" env:"MASTER_REPORT_GRACE"`
	HistoryRetention time.Duration `yaml:"history_retention" env:"MASTER_HISTORY_RETENTION"`
	OutputLimit      int           `yaml:"output_limit" env:"MASTER_OUTPUT_LIMIT"`
}

// SlaveConfig holds slave node configuration.
type SlaveConfig struct {
	ID                  string        `yaml:"id" env:"SLAVE_ID"`
	CommandEndpoint     string        `yaml:"command_endpoint" env:"SLAVE_COMMAND_ENDPOINT"`
	StatusEndpoint      string        `yaml:"status_endpoint" env:"SLAVE_STATUS_ENDPOINT"`
	Capabilities        []string      `yaml:"capabilities" env:"SLAVE_CAPABILITIES"`
	Shell               string        `yaml:"shell" env:"SLAVE_SHELL"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval" env:"SLAVE_HEARTBEAT_INTERVAL"`
	OutputFlushInterval time.Duration `yaml:"output_flush_interval" env:"SLAVE_OUTPUT_FLUSH_INTERVAL"`
	OutputChunkSize     int           `yaml:"output_chunk_size" env:"SLAVE_OUTPUT_CHUNK_SIZE"`
	IdleTimeout         time.Duration `yaml:"idle_timeout" env:"SLAVE_IDLE_TIMEOUT"`
}

// KeysConfig locates key material and tunes the secure channel.
type KeysConfig struct {
	// Identity is this node's private identity file.
	Identity string `yaml:"identity" env:"KEYS_IDENTITY"`
	// Master is the master's public identity file, used by slaves.
	Master string `yaml:"master" env:"KEYS_MASTER"`
	// AuthorizedDir holds the public identities of authorized slaves.
	AuthorizedDir  string        `yaml:"authorized_dir" env:"KEYS_AUTHORIZED_DIR"`
	MaxSkew        time.Duration `yaml:"max_skew" env:"KEYS_MAX_SKEW"`
	MaxMessageSize int64         `yaml:"max_message_size" env:"KEYS_MAX_MESSAGE_SIZE"`
}

// APIConfig holds REST API configuration.
type APIConfig struct {
	Enabled      bool          `yaml:"enabled" env:"API_ENABLED"`
	Address      string        `yaml:"address" env:"API_ADDRESS"`
	Key          string        `yaml:"key" env:"API_KEY"`
	EnableCORS   bool          `yaml:"enable_cors" env:"API_ENABLE_CORS"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"API_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"API_WRITE_TIMEOUT"`
	// URL is the base URL the CLI talks to.
	URL string `yaml:"url" env:"API_URL"`
}

// NotifyConfig holds the command completion webhook configuration.
type NotifyConfig struct {
	// WebhookURL enables the webhook when set.
	WebhookURL    string            `yaml:"webhook_url" env:"NOTIFY_WEBHOOK_URL"`
	Headers       map[string]string `yaml:"headers,omitempty"`
	States        []string          `yaml:"states,omitempty" env:"NOTIFY_STATES"`
	BatchSize     int               `yaml:"batch_size" env:"NOTIFY_BATCH_SIZE"`
	FlushInterval time.Duration     `yaml:"flush_interval" env:"NOTIFY_FLUSH_INTERVAL"`
	RetryAttempts int               `yaml:"retry_attempts" env:"NOTIFY_RETRY_ATTEMPTS"`
	RetryDelay    time.Duration     `yaml:"retry_delay" env:"NOTIFY_RETRY_DELAY"`
	Timeout       time.Duration     `yaml:"timeout" env:"NOTIFY_TIMEOUT"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level    string `yaml:"level" env:"LOG_LEVEL"`
	Format   string `yaml:"format" env:"LOG_FORMAT"`
	Output   string `yaml:"output" env:"LOG_OUTPUT"`
	FilePath string `yaml:"file_path" env:"LOG_FILE_PATH"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	m := master.DefaultConfig()
	s := slave.DefaultConfig()
	ch := secure.DefaultConfig()
	n := notify.DefaultWebhookConfig()
	return &Config{
		Master: MasterConfig{
			CommandEndpoint:  m.CommandEndpoint,
			StatusEndpoint:   m.StatusEndpoint,
			QueuePolicy:      string(m.QueuePolicy),
			MaxPending:       m.MaxPending,
			PendingTTL:       m.PendingTTL,
			DispatchTimeout:  m.DispatchTimeout,
			SweepInterval:    m.SweepInterval,
			RequeueLost:      m.RequeueLost,
			MaxAttempts:      m.MaxAttempts,
			ReportGrace:      m.ReportGrace,
			HistoryRetention: m.HistoryRetention,
			OutputLimit:      m.OutputLimit,
		},
		Slave: SlaveConfig{
			CommandEndpoint:     s.CommandEndpoint,
			StatusEndpoint:      s.StatusEndpoint,
			Capabilities:        []string{},
			HeartbeatInterval:   s.HeartbeatInterval,
			OutputFlushInterval: s.OutputFlushInterval,
			OutputChunkSize:     s.OutputChunkSize,
			IdleTimeout:         s.IdleTimeout,
		},
		Keys: KeysConfig{
			Identity:       "keys/identity.yaml",
			Master:         "keys/master.pub",
			AuthorizedDir:  "keys/authorized",
			MaxSkew:        ch.MaxSkew,
			MaxMessageSize: ch.MaxMessageSize,
		},
		API: APIConfig{
			Enabled:      true,
			Address:      ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			URL:          "http://localhost:8080",
		},
		Notify: NotifyConfig{
			BatchSize:     n.BatchSize,
			FlushInterval: n.FlushInterval,
			RetryAttempts: n.RetryAttempts,
			RetryDelay:    n.RetryDelay,
			Timeout:       n.Timeout,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
	}
}

// MasterOptions converts the master section into master.Config.
func (c *Config) MasterOptions() (*master.Config, error) {
	policy, err := master.ParseQueuePolicy(c.Master.QueuePolicy)
	if err != nil {
		return nil, err
	}
	return &master.Config{
		CommandEndpoint:  c.Master.CommandEndpoint,
		StatusEndpoint:   c.Master.StatusEndpoint,
		QueuePolicy:      policy,
		MaxPending:       c.Master.MaxPending,
		PendingTTL:       c.Master.PendingTTL,
		DispatchTimeout:  c.Master.DispatchTimeout,
		SweepInterval:    c.Master.SweepInterval,
		RequeueLost:      c.Master.RequeueLost,
		MaxAttempts:      c.Master.MaxAttempts,
		ReportGrace:      c.Master.ReportGrace,
		HistoryRetention: c.Master.HistoryRetention,
		OutputLimit:      c.Master.OutputLimit,
	}, nil
}

// SlaveOptions converts the slave section into slave.Config.
func (c *Config) SlaveOptions() *slave.Config {
	s := slave.DefaultConfig()
	s.ID = c.Slave.ID
	s.CommandEndpoint = c.Slave.CommandEndpoint
	s.StatusEndpoint = c.Slave.StatusEndpoint
	s.Capabilities = append([]string(nil), c.Slave.Capabilities...)
	s.Shell = c.Slave.Shell
	s.HeartbeatInterval = c.Slave.HeartbeatInterval
	s.OutputFlushInterval = c.Slave.OutputFlushInterval
	s.OutputChunkSize = c.Slave.OutputChunkSize
	s.IdleTimeout = c.Slave.IdleTimeout
	return s
}

// ChannelOptions converts the keys section into secure.Config.
func (c *Config) ChannelOptions() *secure.Config {
	ch := secure.DefaultConfig()
	if c.Keys.MaxSkew > 0 {
		ch.MaxSkew = c.Keys.MaxSkew
	}
	if c.Keys.MaxMessageSize > 0 {
		ch.MaxMessageSize = c.Keys.MaxMessageSize
	}
	return ch
}

// WebhookOptions converts the notify section into notify.WebhookConfig. It
// returns nil when no webhook URL is configured.
func (c *Config) WebhookOptions() *notify.WebhookConfig {
	if c.Notify.WebhookURL == "" {
		return nil
	}
	w := notify.DefaultWebhookConfig()
	w.URL = c.Notify.WebhookURL
	w.Headers = maps.Clone(c.Notify.Headers)
	for _, s := range c.Notify.States {
		w.States = append(w.States, types.CommandState(s))
	}
	w.BatchSize = c.Notify.BatchSize
	w.FlushInterval = c.Notify.FlushInterval
	w.RetryAttempts = c.Notify.RetryAttempts
	w.RetryDelay = c.Notify.RetryDelay
	w.Timeout = c.Notify.Timeout
	return w
}

// LoggerOptions converts the logging section into logger.Config.
func (c *Config) LoggerOptions() *logger.Config {
	return &logger.Config{
		Level:    c.Logging.Level,
		Format:   c.Logging.Format,
		Output:   c.Logging.Output,
		FilePath: c.Logging.FilePath,
	}
}

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	dotEnvPath string
	envPrefix  string
	cmdArgs    map[string]string
	dotEnv     map[string]string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPrefix: DefaultEnvPrefix,
		cmdArgs:   make(map[string]string),
	}
}

// WithConfigPath sets the path to the YAML configuration file.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithDotEnv sets the path to a .env file.
func (l *Loader) WithDotEnv(path string) *Loader {
	l.dotEnvPath = path
	return l
}

// WithEnvPrefix sets the prefix for environment variables.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithCmdArgs sets command-line arguments for configuration override.
func (l *Loader) WithCmdArgs(args map[string]string) *Loader {
	l.cmdArgs = args
	return l
}

// Load loads configuration from all sources with proper precedence:
// defaults < YAML file < .env file < environment variables < command-line flags
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("从文件加载配置失败: %w", err)
		}
	}

	if l.dotEnvPath != "" {
		env, err := godotenv.Read(l.dotEnvPath)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("读取 .env 文件失败: %w", err)
		}
		l.dotEnv = env
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("应用环境变量覆盖失败: %w", err)
	}

	if err := l.applyCmdOverrides(cfg); err != nil {
		return nil, fmt.Errorf("应用命令行参数覆盖失败: %w", err)
	}

	return cfg, nil
}

// loadFromFile loads configuration from a YAML file.
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // File doesn't exist, use defaults
		}
		return fmt.Errorf("读取配置文件失败: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("解析配置文件失败: %w", err)
	}

	return nil
}

// lookupEnv prefers the process environment over the .env file.
func (l *Loader) lookupEnv(key string) (string, bool) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v, true
	}
	v, ok := l.dotEnv[key]
	return v, ok && v != ""
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	return l.applyEnvToStruct(reflect.ValueOf(cfg).Elem())
}

// applyEnvToStruct recursively applies environment variables to struct fields.
func (l *Loader) applyEnvToStruct(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if field.Kind() == reflect.Struct {
			if err := l.applyEnvToStruct(field); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}
		key := l.envPrefix + envTag
		envValue, ok := l.lookupEnv(key)
		if !ok {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("从环境变量 %s 设置字段 %s 失败: %w", key, fieldType.Name, err)
		}
	}

	return nil
}

// applyCmdOverrides applies command-line argument overrides to the configuration.
func (l *Loader) applyCmdOverrides(cfg *Config) error {
	for key, value := range l.cmdArgs {
		if err := setConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("设置配置值 %s 失败: %w", key, err)
		}
	}
	return nil
}

// setConfigValue sets a configuration value by its dotted yaml path, e.g.
// "master.queue_policy".
func setConfigValue(cfg *Config, path, value string) error {
	parts := strings.Split(path, ".")
	v := reflect.ValueOf(cfg).Elem()

	for i, part := range parts {
		field, ok := fieldByYAMLName(v, part)
		if !ok {
			return fmt.Errorf("未知的配置路径: %s", path)
		}

		if i == len(parts)-1 {
			return setFieldValue(field, value)
		}

		if field.Kind() != reflect.Struct {
			return fmt.Errorf("期望 %s 是结构体，实际是 %s", part, field.Kind())
		}
		v = field
	}

	return nil
}

func fieldByYAMLName(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag, _, _ := strings.Cut(t.Field(i).Tag.Get("yaml"), ",")
		if tag == name {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// setFieldValue sets a reflect.Value from a string value.
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return fmt.Errorf("无法设置字段")
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("无效的时间格式: %w", err)
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("无效的整数: %w", err)
			}
			field.SetInt(i)
		}

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("无效的布尔值: %w", err)
		}
		field.SetBool(b)

	case reflect.Slice:
		// 逗号分隔的字符串列表
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("不支持的切片类型: %s", field.Type().Elem().Kind())
		}
		var parts []string
		for _, p := range strings.Split(value, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		field.Set(reflect.ValueOf(parts))

	default:
		return fmt.Errorf("不支持的字段类型: %s", field.Kind())
	}

	return nil
}

// Serialize serializes the configuration to YAML bytes.
func (c *Config) Serialize() ([]byte, error) {
	return yaml.Marshal(c)
}

// ParseConfig parses a YAML configuration from bytes.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file path.
func LoadFromFile(path string) (*Config, error) {
	return NewLoader().WithConfigPath(path).Load()
}
