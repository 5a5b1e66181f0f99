// Package config provides configuration management for Trinity.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Trinity.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Events    EventsConfig    `mapstructure:"events"`
	Docker    DockerConfig    `mapstructure:"docker"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Internal  InternalConfig  `mapstructure:"internal"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// RedisConfig holds the connection settings for the coordination store.
// Redis backs the execution queue, the per-agent locks, and (optionally)
// the scheduler event channel.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventsConfig selects the event bus backend.
type EventsConfig struct {
	// Backend is one of "redis", "nats", "memory". Empty selects redis when a
	// redis client is available, otherwise nats when a NATS URL is set,
	// otherwise memory.
	Backend string `mapstructure:"backend"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
	StopTimeout    int    `mapstructure:"stopTimeout"` // grace period in seconds
}

// AgentConfig holds settings for reaching agent runtime containers.
type AgentConfig struct {
	// URLFormat expands an agent name into the base URL of its runtime HTTP
	// server, e.g. "http://agent-%s:8000".
	URLFormat string `mapstructure:"urlFormat"`

	// SessionTimeout bounds GET /api/session calls, in seconds.
	SessionTimeout int `mapstructure:"sessionTimeout"`
}

// QueueConfig holds execution queue tuning.
type QueueConfig struct {
	MaxSize      int `mapstructure:"maxSize"`      // bounded wait list length
	ExecutionTTL int `mapstructure:"executionTTL"` // running slot TTL in seconds
	WaitTimeout  int `mapstructure:"waitTimeout"`  // reserved, in seconds
}

// SchedulerConfig holds scheduler service tuning.
type SchedulerConfig struct {
	Port                  int  `mapstructure:"port"`
	ReloadInterval        int  `mapstructure:"reloadInterval"`        // reconciliation cadence in seconds
	DefaultTimeout        int  `mapstructure:"defaultTimeout"`        // schedule timeout default in seconds
	MinTimeout            int  `mapstructure:"minTimeout"`            // in seconds
	MaxTimeout            int  `mapstructure:"maxTimeout"`            // in seconds
	LockAcquireTimeout    int  `mapstructure:"lockAcquireTimeout"`    // in seconds
	LockLeaseMargin       int  `mapstructure:"lockLeaseMargin"`       // safety margin over task timeout, in seconds
	PublishEvents         bool `mapstructure:"publishEvents"`
	ResponseTruncateBytes int  `mapstructure:"responseTruncateBytes"`
	RouteThroughQueue     bool `mapstructure:"routeThroughQueue"`
}

// InternalConfig holds the location of the control-plane internal API.
type InternalConfig struct {
	// BaseURL is where the scheduler reaches /internal/activities endpoints.
	BaseURL string `mapstructure:"baseUrl"`
	Timeout int    `mapstructure:"timeout"` // in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ExecutionTTLDuration returns the running slot TTL as a time.Duration.
func (q *QueueConfig) ExecutionTTLDuration() time.Duration {
	return time.Duration(q.ExecutionTTL) * time.Second
}

// ReloadIntervalDuration returns the reconciliation cadence as a time.Duration.
func (s *SchedulerConfig) ReloadIntervalDuration() time.Duration {
	return time.Duration(s.ReloadInterval) * time.Second
}

// LockAcquireTimeoutDuration returns the lock acquire timeout as a time.Duration.
func (s *SchedulerConfig) LockAcquireTimeoutDuration() time.Duration {
	return time.Duration(s.LockAcquireTimeout) * time.Second
}

// StopTimeoutDuration returns the container stop grace period as a time.Duration.
func (d *DockerConfig) StopTimeoutDuration() time.Duration {
	return time.Duration(d.StopTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("TRINITY_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./trinity.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "trinity")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "trinity")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// Redis defaults
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// NATS defaults - empty URL means NATS is not used
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "trinity")
	v.SetDefault("nats.maxReconnects", 10)

	// Events defaults
	v.SetDefault("events.backend", "")

	// Docker defaults
	v.SetDefault("docker.host", DefaultDockerHost())
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.defaultNetwork", "trinity-network")
	v.SetDefault("docker.stopTimeout", 10)

	// Agent defaults
	v.SetDefault("agent.urlFormat", "http://agent-%s:8000")
	v.SetDefault("agent.sessionTimeout", 5)

	// Queue defaults
	v.SetDefault("queue.maxSize", 3)
	v.SetDefault("queue.executionTTL", 600)
	v.SetDefault("queue.waitTimeout", 120)

	// Scheduler defaults
	v.SetDefault("scheduler.port", 8090)
	v.SetDefault("scheduler.reloadInterval", 60)
	v.SetDefault("scheduler.defaultTimeout", 900)
	v.SetDefault("scheduler.minTimeout", 300)
	v.SetDefault("scheduler.maxTimeout", 7200)
	v.SetDefault("scheduler.lockAcquireTimeout", 5)
	v.SetDefault("scheduler.lockLeaseMargin", 60)
	v.SetDefault("scheduler.publishEvents", true)
	v.SetDefault("scheduler.responseTruncateBytes", 10240)
	v.SetDefault("scheduler.routeThroughQueue", false)

	// Internal API defaults
	v.SetDefault("internal.baseUrl", "http://localhost:8080")
	v.SetDefault("internal.timeout", 5)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// DefaultDockerHost returns the platform-appropriate Docker socket path.
// Respects DOCKER_HOST env var as override (standard Docker convention).
func DefaultDockerHost() string {
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		return host
	}
	if runtime.GOOS == "windows" {
		return "npipe:////./pipe/docker_engine"
	}
	return "unix:///var/run/docker.sock"
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix TRINITY_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/trinity/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("TRINITY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("queue.maxSize", "TRINITY_MAX_QUEUE_SIZE")
	_ = v.BindEnv("queue.executionTTL", "TRINITY_EXECUTION_TTL_SECONDS")
	_ = v.BindEnv("queue.waitTimeout", "TRINITY_QUEUE_WAIT_TIMEOUT_SECONDS")
	_ = v.BindEnv("scheduler.reloadInterval", "TRINITY_RELOAD_INTERVAL_SECONDS")
	_ = v.BindEnv("scheduler.defaultTimeout", "TRINITY_DEFAULT_TIMEOUT_SECONDS")
	_ = v.BindEnv("scheduler.minTimeout", "TRINITY_MIN_TIMEOUT_SECONDS")
	_ = v.BindEnv("scheduler.maxTimeout", "TRINITY_MAX_TIMEOUT_SECONDS")
	_ = v.BindEnv("scheduler.lockAcquireTimeout", "TRINITY_LOCK_ACQUIRE_TIMEOUT_SECONDS")
	_ = v.BindEnv("scheduler.publishEvents", "TRINITY_PUBLISH_EVENTS")
	_ = v.BindEnv("scheduler.responseTruncateBytes", "TRINITY_RESPONSE_TRUNCATE_BYTES")
	_ = v.BindEnv("redis.addr", "TRINITY_REDIS_ADDR", "REDIS_ADDR")
	_ = v.BindEnv("internal.baseUrl", "TRINITY_INTERNAL_BASE_URL")
	_ = v.BindEnv("agent.urlFormat", "TRINITY_AGENT_URL_FORMAT")
	_ = v.BindEnv("logging.level", "TRINITY_LOG_LEVEL")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/trinity/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Driver == "postgres" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for postgres driver")
		}
	}

	if cfg.Queue.MaxSize < 0 {
		errs = append(errs, "queue.maxSize must not be negative")
	}
	if cfg.Queue.ExecutionTTL <= 0 {
		errs = append(errs, "queue.executionTTL must be positive")
	}

	if cfg.Scheduler.ReloadInterval <= 0 {
		errs = append(errs, "scheduler.reloadInterval must be positive")
	}
	if cfg.Scheduler.MinTimeout <= 0 || cfg.Scheduler.MaxTimeout < cfg.Scheduler.MinTimeout {
		errs = append(errs, "scheduler timeout bounds are invalid")
	}
	if cfg.Scheduler.DefaultTimeout < cfg.Scheduler.MinTimeout || cfg.Scheduler.DefaultTimeout > cfg.Scheduler.MaxTimeout {
		errs = append(errs, "scheduler.defaultTimeout must be within [minTimeout, maxTimeout]")
	}
	if cfg.Scheduler.ResponseTruncateBytes <= 0 {
		errs = append(errs, "scheduler.responseTruncateBytes must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
