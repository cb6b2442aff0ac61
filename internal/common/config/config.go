// Package config provides configuration management for the control plane.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the control plane.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Events    EventsConfig    `mapstructure:"events"`
	Docker    DockerConfig    `mapstructure:"docker"`
	Secrets   SecretsConfig   `mapstructure:"secrets"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
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

// RedisConfig holds connection settings for the shared lock & queue backend (C3).
// An empty Addr falls back to the in-process lock/queue implementation, which
// is sufficient for a single-instance deployment but does not coordinate
// across replicas.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// EventsConfig holds event bus namespace configuration.
type EventsConfig struct {
	// Namespace isolates queue-group subscribers across deployments/instances.
	// Empty value means derive from runtime data identity.
	Namespace string `mapstructure:"namespace"`
	// NATSURL, when set, backs the event bus with NATS instead of the
	// in-memory implementation.
	NATSURL string `mapstructure:"natsUrl"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	TLSVerify      bool   `mapstructure:"tlsVerify"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
	VolumeBasePath string `mapstructure:"volumeBasePath"`
	// AgentImage is the default image used to boot an agent container when
	// its template does not override it.
	AgentImage string `mapstructure:"agentImage"`
}

// SecretsConfig holds the platform secret vault / credential envelope directory.
type SecretsConfig struct {
	// DataDir holds the master key file and the vault's SQLite database
	// when Database.Driver is sqlite.
	DataDir string `mapstructure:"dataDir"`
}

// SchedulerConfig holds the distributed cron scheduler's tuning knobs.
type SchedulerConfig struct {
	// PollInterval is loaded and validated but not read by the scheduler,
	// which ticks on constants.SchedulerTickInterval.
	PollInterval int `mapstructure:"pollInterval"` // in seconds
	// LockTTL is loaded but not read by the scheduler, which holds its
	// per-schedule distributed lock for constants.ScheduleLockTTL.
	LockTTL int `mapstructure:"lockTTL"` // in seconds
}

// QueueConfig holds the per-agent execution queue's bounds.
type QueueConfig struct {
	// MaxQueued is loaded and validated but not read by the queue, which
	// bounds each agent's FIFO at constants.MaxQueueSize.
	MaxQueued int `mapstructure:"maxQueued"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	JWTSecret     string `mapstructure:"jwtSecret"`
	TokenDuration int    `mapstructure:"tokenDuration"` // in seconds
	// BootstrapUsername/BootstrapPassword seed the first admin user on a
	// fresh deployment (empty users table). Ignored once any user exists.
	BootstrapUsername string `mapstructure:"bootstrapUsername"`
	BootstrapPassword string `mapstructure:"bootstrapPassword"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// LifecycleConfig holds the Lifecycle Manager's template resolution settings.
type LifecycleConfig struct {
	// TemplatesDir holds local template directories, each containing at
	// least a template.yaml.
	TemplatesDir string `mapstructure:"templatesDir"`
	// MetaPromptDir holds the Trinity meta-prompt and skill files injected
	// into the system agent's workspace on every boot.
	MetaPromptDir string `mapstructure:"metaPromptDir"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// TokenDurationTime returns the token duration as a time.Duration.
func (a *AuthConfig) TokenDurationTime() time.Duration {
	return time.Duration(a.TokenDuration) * time.Second
}

// PollIntervalDuration returns the scheduler poll interval as a time.Duration.
func (s *SchedulerConfig) PollIntervalDuration() time.Duration {
	return time.Duration(s.PollInterval) * time.Second
}

// LockTTLDuration returns the scheduler's per-schedule lock TTL.
func (s *SchedulerConfig) LockTTLDuration() time.Duration {
	return time.Duration(s.LockTTL) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
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
	v.SetDefault("database.path", "./controlplane.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "controlplane")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "controlplane")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// Redis defaults - empty Addr means use the in-process lock/queue backend
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Events defaults - empty NATS URL means use in-memory event bus
	v.SetDefault("events.namespace", "")
	v.SetDefault("events.natsUrl", "")

	// Docker defaults — platform-aware host and volume path
	v.SetDefault("docker.host", DefaultDockerHost())
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.tlsVerify", false)
	v.SetDefault("docker.defaultNetwork", "controlplane-network")
	v.SetDefault("docker.volumeBasePath", defaultDockerVolumePath())
	v.SetDefault("docker.agentImage", "controlplane/agent-runtime:latest")

	// Secrets defaults
	v.SetDefault("secrets.dataDir", defaultSecretsDataDir())

	// Scheduler defaults
	v.SetDefault("scheduler.pollInterval", 5)
	v.SetDefault("scheduler.lockTTL", 30)

	// Queue defaults
	v.SetDefault("queue.maxQueued", 50)

	// Auth defaults
	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.tokenDuration", 3600) // 1 hour
	v.SetDefault("auth.bootstrapUsername", "")
	v.SetDefault("auth.bootstrapPassword", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Lifecycle defaults
	v.SetDefault("lifecycle.templatesDir", "./config/agent-templates")
	v.SetDefault("lifecycle.metaPromptDir", "./config/trinity-meta-prompt")
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

// defaultDockerVolumePath returns the platform-appropriate volume base path.
func defaultDockerVolumePath() string {
	if runtime.GOOS == "windows" {
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData == "" {
			localAppData = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Local")
		}
		return filepath.Join(localAppData, "trinity-controlplane", "volumes")
	}
	return "/var/lib/trinity-controlplane/volumes"
}

// defaultSecretsDataDir returns the platform-appropriate directory for the
// master key file and vault database.
func defaultSecretsDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".trinity-controlplane")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix TRINITY_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/trinity-controlplane/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("TRINITY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys);
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("logging.level", "TRINITY_LOG_LEVEL")
	_ = v.BindEnv("events.namespace", "TRINITY_EVENTS_NAMESPACE")
	_ = v.BindEnv("redis.addr", "TRINITY_REDIS_ADDR")
	_ = v.BindEnv("docker.agentImage", "TRINITY_AGENT_IMAGE")
	_ = v.BindEnv("auth.jwtSecret", "TRINITY_JWT_SECRET")
	_ = v.BindEnv("auth.bootstrapUsername", "TRINITY_BOOTSTRAP_USERNAME")
	_ = v.BindEnv("auth.bootstrapPassword", "TRINITY_BOOTSTRAP_PASSWORD")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/trinity-controlplane/")

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
// In development mode (default), most fields are optional.
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

	// Redis validation - optional (uses in-process lock/queue backend if unset)

	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = generateDevSecret()
	}
	if cfg.Auth.TokenDuration <= 0 {
		errs = append(errs, "auth.tokenDuration must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Scheduler.PollInterval <= 0 {
		errs = append(errs, "scheduler.pollInterval must be positive")
	}
	if cfg.Queue.MaxQueued <= 0 {
		errs = append(errs, "queue.maxQueued must be positive")
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

// generateDevSecret builds a development-mode secret from a fixed prefix and
// the current time; it is not cryptographically random.
func generateDevSecret() string {
	// Use a fixed dev secret with a warning prefix
	// In production, users should set TRINITY_AUTH_JWTSECRET
	return "dev-secret-change-in-production-" + fmt.Sprintf("%d", time.Now().UnixNano())
}
