package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all control-plane configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Providers     ProvidersConfig     `toml:"providers"`
	Scheduler     SchedulerConfig     `toml:"scheduler"`
	Retry         RetryConfig         `toml:"retry"`
	Telemetry     TelemetryConfig     `toml:"telemetry"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	DatabasePath string `toml:"database_path"`
	LogLevel     string `toml:"log_level"`
}

// ProvidersConfig holds AI provider credentials and pacing
type ProvidersConfig struct {
	AnthropicAPIKey    string  `toml:"anthropic_api_key"`
	AnthropicBaseURL   string  `toml:"anthropic_base_url"`
	MinRequestInterval float64 `toml:"min_request_interval_seconds"`
}

// SchedulerConfig holds scheduler settings
type SchedulerConfig struct {
	TickSeconds       int  `toml:"tick_seconds"`
	ManualResetsClock bool `toml:"manual_resets_clock"`
}

// RetryConfig holds execution retry settings
type RetryConfig struct {
	MaxAttempts      int `toml:"max_attempts"`
	BaseDelaySeconds int `toml:"base_delay_seconds"`
	TimeoutMinutes   int `toml:"timeout_minutes"`
}

// TelemetryConfig holds live-stream settings
type TelemetryConfig struct {
	SubscriberCap int `toml:"subscriber_cap"`
	TickSeconds   int `toml:"tick_seconds"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds HTTP API settings
type WebConfig struct {
	Port          int    `toml:"port"`
	Host          string `toml:"host"`
	OperatorToken string `toml:"operator_token"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			DatabasePath: filepath.Join(home, ".startinsight", "control-plane.db"),
			LogLevel:     "info",
		},
		Providers: ProvidersConfig{
			MinRequestInterval: 2.0,
		},
		Scheduler: SchedulerConfig{
			TickSeconds: 15,
		},
		Retry: RetryConfig{
			MaxAttempts:      4,
			BaseDelaySeconds: 5,
			TimeoutMinutes:   5,
		},
		Telemetry: TelemetryConfig{
			SubscriberCap: 10,
			TickSeconds:   5,
		},
		Notifications: NotificationsConfig{
			Desktop: true,
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
// when the file does not exist. The ANTHROPIC_API_KEY environment
// variable overrides the file so the key can stay out of it.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c.Providers.AnthropicAPIKey = key
	}
	if token := os.Getenv("STARTINSIGHT_OPERATOR_TOKEN"); token != "" {
		c.Web.OperatorToken = token
	}
}

// Validate rejects settings the runtime cannot start with
func (c *Config) Validate() error {
	if c.Scheduler.TickSeconds < 1 {
		return fmt.Errorf("scheduler.tick_seconds must be >= 1, got %d", c.Scheduler.TickSeconds)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Telemetry.SubscriberCap < 1 {
		return fmt.Errorf("telemetry.subscriber_cap must be >= 1, got %d", c.Telemetry.SubscriberCap)
	}
	if c.Web.Port < 1 || c.Web.Port > 65535 {
		return fmt.Errorf("web.port %d out of range", c.Web.Port)
	}
	return nil
}

// SchedulerTick returns the scheduler tick as a duration
func (c *Config) SchedulerTick() time.Duration {
	return time.Duration(c.Scheduler.TickSeconds) * time.Second
}

// TelemetryTick returns the snapshot interval as a duration
func (c *Config) TelemetryTick() time.Duration {
	return time.Duration(c.Telemetry.TickSeconds) * time.Second
}

// ListenAddr returns the host:port the API binds to
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Web.Host, c.Web.Port)
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "startinsight", "control-plane.toml")
}
