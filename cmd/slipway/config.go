package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Docker   DockerConfig   `mapstructure:"docker"`
	Registry RegistryConfig `mapstructure:"registry"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Smoke    SmokeConfig    `mapstructure:"smoke"`
	Runner   RunnerConfig   `mapstructure:"runner"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Log      LogConfig      `mapstructure:"log"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host string `mapstructure:"host"`
}

// RegistryConfig holds registry credentials for push stages.
// Username and password are injected from the environment
// (SLIPWAY_REGISTRY_USERNAME / SLIPWAY_REGISTRY_PASSWORD) and are
// never written to logs.
type RegistryConfig struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Server   string `mapstructure:"server"` // "" for Docker Hub
}

// PipelineConfig holds the pipeline definition source.
type PipelineConfig struct {
	// Path is the pipeline YAML file. When the file does not exist the
	// built-in default pipeline for Image is used.
	Path string `mapstructure:"path"`

	// Image is the artifact image ref the default pipeline builds,
	// pushes, and smoke-tests.
	Image string `mapstructure:"image"`

	// WorkDir is the working directory for run stages and the default
	// build context.
	WorkDir string `mapstructure:"workdir"`
}

// SmokeConfig holds smoke-test deployment configuration.
type SmokeConfig struct {
	BasePort            int           `mapstructure:"base_port"`
	NamePrefix          string        `mapstructure:"name_prefix"`
	InternalPort        int           `mapstructure:"internal_port"`
	ProbeInterval       time.Duration `mapstructure:"probe_interval"`
	ProbeDeadline       time.Duration `mapstructure:"probe_deadline"`
	ProbeRequestTimeout time.Duration `mapstructure:"probe_request_timeout"`
	StopTimeout         time.Duration `mapstructure:"stop_timeout"`
}

// RunnerConfig holds run execution configuration.
type RunnerConfig struct {
	QueueSize  int           `mapstructure:"queue_size"`
	RunTimeout time.Duration `mapstructure:"run_timeout"`
}

// WebhookConfig holds webhook verification configuration.
type WebhookConfig struct {
	// Secret signs incoming push payloads (HMAC-SHA256). Empty disables
	// verification; set via SLIPWAY_WEBHOOK_SECRET in production.
	Secret string `mapstructure:"secret"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 9090)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("database.dsn", "./data/slipway.db")
	v.SetDefault("docker.host", "")
	v.SetDefault("registry.username", "")
	v.SetDefault("registry.password", "")
	v.SetDefault("registry.server", "")
	v.SetDefault("pipeline.path", "slipway.yaml")
	v.SetDefault("pipeline.image", "slipway/helloworld:latest")
	v.SetDefault("pipeline.workdir", ".")
	v.SetDefault("smoke.base_port", 18000)
	v.SetDefault("smoke.name_prefix", "slipway-smoke")
	v.SetDefault("smoke.internal_port", 8080)
	v.SetDefault("smoke.probe_interval", "500ms")
	v.SetDefault("smoke.probe_deadline", "30s")
	v.SetDefault("smoke.probe_request_timeout", "5s")
	v.SetDefault("smoke.stop_timeout", "10s")
	v.SetDefault("runner.queue_size", 16)
	v.SetDefault("runner.run_timeout", "30m")
	v.SetDefault("webhook.secret", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Only return error if file was explicitly specified and is invalid
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// File not found is OK, we'll use defaults
		}
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("SLIPWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
func SetupLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
