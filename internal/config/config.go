package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Remote     RemoteConfig     `yaml:"remote"`
	Sync       SyncConfig       `yaml:"sync"`
	Network    NetworkConfig    `yaml:"network"`
	Backup     BackupConfig     `yaml:"backup"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	API        APIConfig        `yaml:"api"`
	Google     GoogleConfig     `yaml:"google"`
	Telegram   TelegramConfig   `yaml:"telegram"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	HTTP      APIHTTPConfig      `yaml:"http"`
	GRPC      APIGRPCConfig      `yaml:"grpc"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type APIGRPCConfig struct {
	Enabled    bool         `yaml:"enabled"`
	Port       int          `yaml:"port"`
	Reflection bool         `yaml:"reflection"`
	TLS        APITLSConfig `yaml:"tls"`
}

type APITLSConfig struct {
	Enabled           bool   `yaml:"enabled"`
	CertFile          string `yaml:"cert_file"`
	KeyFile           string `yaml:"key_file"`
	ClientCAFile      string `yaml:"client_ca_file"`
	RequireClientCert bool   `yaml:"require_client_cert"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	HeaderExtra  string         `yaml:"header_extra"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Extra       string   `yaml:"extra"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

// DatabaseConfig describes the local operation store. Zero limits mean unlimited.
type DatabaseConfig struct {
	Path          string `yaml:"path"`
	MaxOperations int    `yaml:"max_operations"`
	MaxBytes      int64  `yaml:"max_bytes"`
}

type RedisConfig struct {
	Address       string `yaml:"address"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	PoolSize      int    `yaml:"pool_size"`
	DeadLetterKey string `yaml:"dead_letter_key"`
	DeadLetterMax int64  `yaml:"dead_letter_max"`
}

// RemoteConfig points at the backend the queue is drained against.
type RemoteConfig struct {
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	APIExtra   string        `yaml:"api_extra"`
	Timeout    time.Duration `yaml:"timeout"`
	HealthPath string        `yaml:"health_path"`
}

type SyncConfig struct {
	BatchSize   int           `yaml:"batch_size"`
	Interval    time.Duration `yaml:"interval"`
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
	Coalesce    bool          `yaml:"coalesce"`
	FieldMerge  bool          `yaml:"field_merge"`
	RemoteRPS   float64       `yaml:"remote_rps"`
	RemoteBurst int           `yaml:"remote_burst"`
}

type NetworkConfig struct {
	PollInterval           time.Duration `yaml:"poll_interval"`
	StabilityWindow        time.Duration `yaml:"stability_window"`
	OfflineStabilityWindow time.Duration `yaml:"offline_stability_window"`
	ProbeTimeout           time.Duration `yaml:"probe_timeout"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	RetentionDays int    `yaml:"retention_days"`
	StoragePath   string `yaml:"storage_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	FilePath   string `yaml:"file_path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// GoogleConfig enables the dead-letter spreadsheet when both fields are set.
type GoogleConfig struct {
	CredentialsFile         string `yaml:"credentials_file"`
	DeadLetterSpreadsheetID string `yaml:"dead_letter_spreadsheet_id"`
	DeadLetterRange         string `yaml:"dead_letter_range"`
}

// TelegramConfig enables dead-operation alerts when both BotToken and ChatID are set.
// Commands are accepted from ChatID and from AdminIDs.
type TelegramConfig struct {
	BotToken        string  `yaml:"bot_token"`
	ChatID          int64   `yaml:"chat_id"`
	AdminIDs        []int64 `yaml:"admin_ids"`
	CommandsEnabled bool    `yaml:"commands_enabled"`
}

func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if c.Remote.BaseURL == "" {
		return errors.New("remote base_url is required")
	}
	if c.Sync.BackoffMax < c.Sync.BackoffBase {
		return fmt.Errorf("sync backoff_max %s is below backoff_base %s", c.Sync.BackoffMax, c.Sync.BackoffBase)
	}
	if c.Sync.MaxAttempts < 1 {
		return errors.New("sync max_attempts must be positive")
	}
	if c.Database.MaxOperations < 0 || c.Database.MaxBytes < 0 {
		return errors.New("database limits must not be negative")
	}
	if c.API.Auth.Enabled {
		seen := make(map[string]bool)
		for _, k := range c.API.Auth.APIKeys {
			if k.Key == "" {
				return fmt.Errorf("api key %q has empty key", k.Name)
			}
			if seen[k.Key] {
				return fmt.Errorf("duplicate api key for client %q", k.Name)
			}
			seen[k.Key] = true
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "migranthub-sync"
	}
	if c.API.GRPC.Port == 0 {
		c.API.GRPC.Port = 8081
	}
	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if !c.API.HTTP.Enabled && c.API.Enabled {
		c.API.HTTP.Enabled = true
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.API.Auth.HeaderExtra == "" {
		c.API.Auth.HeaderExtra = "x-api-extra"
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}

	if c.Redis.DeadLetterKey == "" {
		c.Redis.DeadLetterKey = "sync:deadletter"
	}
	if c.Redis.DeadLetterMax == 0 {
		c.Redis.DeadLetterMax = 1000
	}

	if c.Remote.Timeout == 0 {
		c.Remote.Timeout = 10 * time.Second
	}
	if c.Remote.HealthPath == "" {
		c.Remote.HealthPath = "/healthz"
	}

	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = 20
	}
	if c.Sync.Interval == 0 {
		c.Sync.Interval = 60 * time.Second
	}
	if c.Sync.MaxAttempts == 0 {
		c.Sync.MaxAttempts = 8
	}
	if c.Sync.BackoffBase == 0 {
		c.Sync.BackoffBase = 2 * time.Second
	}
	if c.Sync.BackoffMax == 0 {
		c.Sync.BackoffMax = 60 * time.Second
	}
	if c.Sync.RemoteRPS == 0 {
		c.Sync.RemoteRPS = 10
	}
	if c.Sync.RemoteBurst == 0 {
		c.Sync.RemoteBurst = 5
	}

	if c.Network.PollInterval == 0 {
		c.Network.PollInterval = 500 * time.Millisecond
	}
	if c.Network.StabilityWindow == 0 {
		c.Network.StabilityWindow = 1500 * time.Millisecond
	}
	if c.Network.ProbeTimeout == 0 {
		c.Network.ProbeTimeout = 3 * time.Second
	}

	if c.Google.DeadLetterRange == "" {
		c.Google.DeadLetterRange = "DeadLetters!A:A"
	}
}
