// Package config handles configuration management with validation
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults
const (
	DefaultAPIURL        = "https://tradetracer.ai"
	DefaultPollInterval  = 60
	DefaultAdapter       = "sandbox"
	DefaultDataPath      = "/data"
	DefaultConfigPath    = "/data/config.json"
	DefaultTickTimeout   = 5
	DefaultQuoteWorkers  = 4
	DefaultServerPort    = 5000
	DefaultTickRateLimit = 1.0

	// MaskedValue is what the control surface shows instead of a set api_key
	MaskedValue = "***"

	tickPath        = "/api/llmapi/models/tick"
	pendingFileName = "pending_tx.json"
)

// Config represents the complete configuration structure
type Config struct {
	APIKey        Secret                 `yaml:"api_key"`
	Adapter       string                 `yaml:"adapter"`
	AdapterConfig map[string]interface{} `yaml:"adapter_config"`
	APIURL        string                 `yaml:"api_url"`
	PollInterval  int                    `yaml:"poll_interval"`
	DataPath      string                 `yaml:"data_path"`
	TickTimeout   int                    `yaml:"tick_timeout"`
	QuoteWorkers  int                    `yaml:"quote_workers"`
	LogLevel      string                 `yaml:"log_level"`
	Server        ServerConfig           `yaml:"server"`
	Telemetry     TelemetryConfig        `yaml:"telemetry"`
	Alerts        AlertsConfig           `yaml:"alerts"`
}

// ServerConfig contains control surface settings
type ServerConfig struct {
	Host           string   `yaml:"host" json:"host"`
	Port           int      `yaml:"port" json:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
	TickRateLimit  float64  `yaml:"tick_rate_limit" json:"tick_rate_limit"` // manual ticks per second
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	EnableMetrics bool   `yaml:"enable_metrics" json:"enable_metrics"`
	ServiceName   string `yaml:"service_name" json:"service_name"`
	StdoutTraces  bool   `yaml:"stdout_traces" json:"stdout_traces"`
}

// AlertsConfig contains operator alert channels
type AlertsConfig struct {
	SlackWebhookURL  string `yaml:"slack_webhook_url" json:"slack_webhook_url"`
	TelegramBotToken string `yaml:"telegram_bot_token" json:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id" json:"telegram_chat_id"`
	FailureThreshold int    `yaml:"failure_threshold" json:"failure_threshold"`
}

// fileConfig is the on-disk form. The api_key is stored in clear.
type fileConfig struct {
	APIKey        string                 `yaml:"api_key" json:"api_key"`
	Adapter       string                 `yaml:"adapter" json:"adapter"`
	AdapterConfig map[string]interface{} `yaml:"adapter_config" json:"adapter_config"`
	APIURL        string                 `yaml:"api_url" json:"api_url"`
	PollInterval  int                    `yaml:"poll_interval" json:"poll_interval"`
	DataPath      string                 `yaml:"data_path" json:"data_path"`
	TickTimeout   int                    `yaml:"tick_timeout" json:"tick_timeout"`
	QuoteWorkers  int                    `yaml:"quote_workers" json:"quote_workers"`
	LogLevel      string                 `yaml:"log_level" json:"log_level"`
	Server        ServerConfig           `yaml:"server" json:"server"`
	Telemetry     TelemetryConfig        `yaml:"telemetry" json:"telemetry"`
	Alerts        AlertsConfig           `yaml:"alerts" json:"alerts"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// DefaultConfig returns the configuration used when no file exists
func DefaultConfig() *Config {
	return &Config{
		Adapter:       DefaultAdapter,
		AdapterConfig: map[string]interface{}{},
		APIURL:        DefaultAPIURL,
		PollInterval:  DefaultPollInterval,
		DataPath:      DefaultDataPath,
		TickTimeout:   DefaultTickTimeout,
		QuoteWorkers:  DefaultQuoteWorkers,
		LogLevel:      "INFO",
		Server: ServerConfig{
			Host:          "0.0.0.0",
			Port:          DefaultServerPort,
			TickRateLimit: DefaultTickRateLimit,
		},
		Telemetry: TelemetryConfig{
			EnableMetrics: true,
			ServiceName:   "trade_executor",
		},
		Alerts: AlertsConfig{
			FailureThreshold: 3,
		},
	}
}

// LoadConfig loads configuration from a YAML or JSON file with environment
// variable expansion. A missing file yields the defaults.
func LoadConfig(filename string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	if err := yaml.Unmarshal([]byte(expandedData), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if config.AdapterConfig == nil {
		config.AdapterConfig = map[string]interface{}{}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Save writes the configuration atomically. Paths ending in .json are written
// as JSON, everything else as YAML.
func (c *Config) Save(filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	fc := c.toFile()
	var (
		data []byte
		err  error
	)
	if strings.EqualFold(filepath.Ext(filename), ".json") {
		data, err = json.MarshalIndent(fc, "", "  ")
	} else {
		data, err = yaml.Marshal(fc)
	}
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(filename), ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp config: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close config: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("failed to chmod config: %w", err)
	}
	return os.Rename(tmpName, filename)
}

func (c *Config) toFile() fileConfig {
	return fileConfig{
		APIKey:        c.APIKey.Reveal(),
		Adapter:       c.Adapter,
		AdapterConfig: c.AdapterConfig,
		APIURL:        c.APIURL,
		PollInterval:  c.PollInterval,
		DataPath:      c.DataPath,
		TickTimeout:   c.TickTimeout,
		QuoteWorkers:  c.QuoteWorkers,
		LogLevel:      c.LogLevel,
		Server:        c.Server,
		Telemetry:     c.Telemetry,
		Alerts:        c.Alerts,
	}
}

// Validate performs validation of the configuration. A missing api_key is not
// a validation error; see IsValid.
func (c *Config) Validate() error {
	var errors []string

	if c.Adapter == "" {
		errors = append(errors, ValidationError{Field: "adapter", Message: "must not be empty"}.Error())
	}

	if u, err := url.Parse(c.APIURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errors = append(errors, ValidationError{
			Field:   "api_url",
			Value:   c.APIURL,
			Message: "must be an absolute http(s) URL",
		}.Error())
	}

	if c.PollInterval < 1 {
		errors = append(errors, ValidationError{Field: "poll_interval", Value: c.PollInterval, Message: "must be at least 1 second"}.Error())
	}

	if c.TickTimeout < 1 || c.TickTimeout > 300 {
		errors = append(errors, ValidationError{Field: "tick_timeout", Value: c.TickTimeout, Message: "must be between 1 and 300 seconds"}.Error())
	}

	if c.QuoteWorkers < 1 || c.QuoteWorkers > 64 {
		errors = append(errors, ValidationError{Field: "quote_workers", Value: c.QuoteWorkers, Message: "must be between 1 and 64"}.Error())
	}

	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if c.LogLevel != "" && !contains(validLevels, strings.ToUpper(c.LogLevel)) {
		errors = append(errors, ValidationError{
			Field:   "log_level",
			Value:   c.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}.Error())
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errors = append(errors, ValidationError{Field: "server.port", Value: c.Server.Port, Message: "must be a valid port"}.Error())
	}

	if c.Alerts.FailureThreshold < 0 {
		errors = append(errors, ValidationError{Field: "alerts.failure_threshold", Value: c.Alerts.FailureThreshold, Message: "must not be negative"}.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

// IsValid reports whether the required credential is present
func (c *Config) IsValid() bool {
	return c.APIKey != ""
}

// TickURL returns the remote tick endpoint
func (c *Config) TickURL() string {
	return strings.TrimRight(c.APIURL, "/") + tickPath
}

// PendingPath returns the pending fill file location
func (c *Config) PendingPath() string {
	return filepath.Join(c.DataPath, pendingFileName)
}

// Update is a partial configuration change from the control surface
type Update struct {
	APIKey        *string
	Adapter       *string
	AdapterConfig map[string]interface{}
	APIURL        *string
	PollInterval  *int
}

// Apply merges u into the configuration. A masked api_key or adapter setting
// leaves the stored value untouched.
func (c *Config) Apply(u Update) {
	if u.APIKey != nil && *u.APIKey != MaskedValue {
		c.APIKey = Secret(*u.APIKey)
	}
	if u.Adapter != nil {
		c.Adapter = *u.Adapter
	}
	if u.AdapterConfig != nil {
		// Masked values come back from the form unchanged
		merged := make(map[string]interface{}, len(u.AdapterConfig))
		for k, v := range u.AdapterConfig {
			if v == MaskedValue {
				prev, ok := c.AdapterConfig[k]
				if !ok {
					continue
				}
				v = prev
			}
			merged[k] = v
		}
		c.AdapterConfig = merged
	}
	if u.APIURL != nil {
		c.APIURL = *u.APIURL
	}
	if u.PollInterval != nil {
		c.PollInterval = *u.PollInterval
	}
}

// String returns a string representation of the configuration (with sensitive data masked)
func (c *Config) String() string {
	masked := c.toFile()
	masked.APIKey = maskString(masked.APIKey)
	if masked.Alerts.TelegramBotToken != "" {
		masked.Alerts.TelegramBotToken = maskString(masked.Alerts.TelegramBotToken)
	}
	data, _ := yaml.Marshal(masked)
	return string(data)
}

// expandEnvVars expands ${VAR} references in the raw file content
func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func maskString(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}
