package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"
)

// Cache backends selectable by CacheConfig.Backend.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendValkey = "valkey"
)

// Config holds all chatgate configuration.
type Config struct {
	Listen    string          `yaml:"listen"`
	DBPath    string          `yaml:"db_path"`
	Inference InferenceConfig `yaml:"inference"`
	Cache     CacheConfig     `yaml:"cache"`
	Identity  IdentityConfig  `yaml:"identity"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// InferenceConfig locates the inference service and bounds every call to it.
type InferenceConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	ListTimeout       time.Duration `yaml:"list_timeout"`
	ChatTimeout       time.Duration `yaml:"chat_timeout"`
	StreamIdleTimeout time.Duration `yaml:"stream_idle_timeout"`
}

// BaseURL returns the inference service root, e.g. http://localhost:11434.
func (c InferenceConfig) BaseURL() string {
	return "http://" + net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// CacheConfig controls the cache store and its policies.
type CacheConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Backend       string        `yaml:"backend"`
	TTL           time.Duration `yaml:"ttl"`
	ModelsTTL     time.Duration `yaml:"models_ttl"`
	Capacity      int           `yaml:"capacity"`
	PurgeSchedule string        `yaml:"purge_schedule"`
	Valkey        ValkeyConfig  `yaml:"valkey"`
}

// ValkeyConfig points the shared cache backend at a Valkey or Redis server.
type ValkeyConfig struct {
	Address        string        `yaml:"address"`
	Password       string        `yaml:"password"`
	DB             int           `yaml:"db"`
	KeyPrefix      string        `yaml:"key_prefix"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// IdentityConfig controls the user store.
type IdentityConfig struct {
	AdminUsername string        `yaml:"admin_username"`
	AdminPassword string        `yaml:"admin_password"`
	ListingTTL    time.Duration `yaml:"listing_ttl"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: "127.0.0.1:5000",
		DBPath: "chatgate.db",
		Inference: InferenceConfig{
			Host:              "localhost",
			Port:              11434,
			ListTimeout:       5 * time.Second,
			ChatTimeout:       60 * time.Second,
			StreamIdleTimeout: 30 * time.Second,
		},
		Cache: CacheConfig{
			Enabled:       true,
			Backend:       BackendMemory,
			TTL:           time.Hour,
			ModelsTTL:     time.Hour,
			Capacity:      1000,
			PurgeSchedule: "@every 5m",
			Valkey: ValkeyConfig{
				Address:        "localhost:6379",
				KeyPrefix:      "chatgate",
				ConnectTimeout: 5 * time.Second,
			},
		},
		Identity: IdentityConfig{
			AdminUsername: "admin",
			ListingTTL:    time.Hour,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 5,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks field ranges and cross-field requirements.
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Listen, validation.Required),
		validation.Field(&c.DBPath, validation.Required),
		validation.Field(&c.Inference),
		validation.Field(&c.Cache),
		validation.Field(&c.Log),
	)
}

// Validate implements validation.Validatable.
func (c InferenceConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Host, validation.Required),
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&c.ListTimeout, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.ChatTimeout, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.StreamIdleTimeout, validation.Required, validation.Min(time.Millisecond)),
	)
}

// Validate implements validation.Validatable.
func (c CacheConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Backend, validation.Required, validation.In(BackendMemory, BackendSQLite, BackendValkey)),
		validation.Field(&c.TTL, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.ModelsTTL, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.Capacity, validation.When(c.Backend == BackendMemory, validation.Required, validation.Min(1))),
		validation.Field(&c.Valkey, validation.Skip.When(c.Backend != BackendValkey)),
	)
}

// Validate implements validation.Validatable.
func (c ValkeyConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Address, validation.Required),
	)
}

// Validate implements validation.Validatable.
func (c LogConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Level, validation.In("trace", "debug", "info", "warn", "warning", "error")),
		validation.Field(&c.Format, validation.In("text", "json")),
	)
}
