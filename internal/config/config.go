package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Logging  LoggingConfig  `yaml:"logging"`
	App      AppConfig      `yaml:"app"`
	Engine   EngineConfig   `yaml:"engine"`
	Queue    QueuePolicy    `yaml:"queue"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	Durable bool   `yaml:"durable"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// EngineConfig holds job engine tuning
type EngineConfig struct {
	NodeID                 string        `yaml:"node_id"`
	PoolSize               int           `yaml:"pool_size"`
	DrainInterval          time.Duration `yaml:"drain_interval"`
	DrainBatch             int           `yaml:"drain_batch"`
	WakeupScanInterval     time.Duration `yaml:"wakeup_scan_interval"`
	WakeupScanBatch        int           `yaml:"wakeup_scan_batch"`
	HeartbeatScanInterval  time.Duration `yaml:"heartbeat_scan_interval"`
	HeartbeatWarnAfter     time.Duration `yaml:"heartbeat_warn_after"`
	ReaperInterval         time.Duration `yaml:"reaper_interval"`
	ReaperBatch            int           `yaml:"reaper_batch"`
	JobRetention           time.Duration `yaml:"job_retention"`
	BlockedCancelThreshold time.Duration `yaml:"blocked_cancel_threshold"`
	EnqueueRetries         uint          `yaml:"enqueue_retries"`
	EnqueueRetryDelay      time.Duration `yaml:"enqueue_retry_delay"`
}

// QueuePolicy holds sync queue admission settings. SameKindCommands lists
// the job kinds allowed to use the extra concurrent slot beside an active
// job of the same kind.
type QueuePolicy struct {
	DefaultLimit     int      `yaml:"default_limit"`
	SecondaryLimit   int      `yaml:"secondary_limit"`
	SameKindCommands []string `yaml:"same_kind_commands"`
}

// SameKindSet returns the allow-list as a lookup set
func (q QueuePolicy) SameKindSet() map[string]bool {
	set := make(map[string]bool, len(q.SameKindCommands))
	for _, cmd := range q.SameKindCommands {
		set[cmd] = true
	}
	return set
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.Engine.PoolSize <= 0 {
		return fmt.Errorf("engine pool_size must be greater than 0")
	}

	if c.Engine.JobRetention <= 0 {
		return fmt.Errorf("engine job_retention must be greater than 0")
	}

	if c.Queue.DefaultLimit < 0 {
		return fmt.Errorf("queue default_limit must not be negative")
	}

	if c.Queue.SecondaryLimit < 0 {
		return fmt.Errorf("queue secondary_limit must not be negative")
	}

	return nil
}
