package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)

				// Verify some key fields are populated
				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "localhost", cfg.Database.Host)
				assert.Equal(t, 5432, cfg.Database.Port)
				assert.Equal(t, "jobcore", cfg.Database.Database)
				assert.Equal(t, "job_state_events", cfg.RabbitMQ.Exchange.Name)
				assert.Equal(t, "fanout", cfg.RabbitMQ.Exchange.Type)
				assert.Equal(t, "engine-service", cfg.App.Name)
				assert.Equal(t, 10, cfg.Engine.PoolSize)
				assert.Equal(t, 24*time.Hour, cfg.Engine.JobRetention)
				assert.Equal(t, 1, cfg.Queue.DefaultLimit)
				assert.Equal(t, []string{"snapshot.create"}, cfg.Queue.SameKindCommands)
			}
		})
	}
}

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "jobcore",
		},
		RabbitMQ: RabbitMQConfig{
			Host: "localhost",
			Port: 5672,
			Exchange: ExchangeConfig{
				Name: "job_state_events",
				Type: "fanout",
			},
		},
		Engine: EngineConfig{
			PoolSize:     10,
			JobRetention: 24 * time.Hour,
		},
		Queue: QueuePolicy{
			DefaultLimit:   1,
			SecondaryLimit: 2,
		},
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(cfg *Config)
		wantErr   bool
		errString string
	}{
		{
			name:   "valid config",
			mutate: func(cfg *Config) {},
		},
		{
			name:      "invalid server port - too low",
			mutate:    func(cfg *Config) { cfg.Server.Port = 0 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "invalid server port - too high",
			mutate:    func(cfg *Config) { cfg.Server.Port = 70000 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "missing database host",
			mutate:    func(cfg *Config) { cfg.Database.Host = "" },
			wantErr:   true,
			errString: "database host is required",
		},
		{
			name:      "invalid database port",
			mutate:    func(cfg *Config) { cfg.Database.Port = -1 },
			wantErr:   true,
			errString: "invalid database port",
		},
		{
			name:      "missing database name",
			mutate:    func(cfg *Config) { cfg.Database.Database = "" },
			wantErr:   true,
			errString: "database name is required",
		},
		{
			name:      "missing rabbitmq host",
			mutate:    func(cfg *Config) { cfg.RabbitMQ.Host = "" },
			wantErr:   true,
			errString: "rabbitmq host is required",
		},
		{
			name:      "missing exchange name",
			mutate:    func(cfg *Config) { cfg.RabbitMQ.Exchange.Name = "" },
			wantErr:   true,
			errString: "rabbitmq exchange name is required",
		},
		{
			name:      "zero pool size",
			mutate:    func(cfg *Config) { cfg.Engine.PoolSize = 0 },
			wantErr:   true,
			errString: "pool_size must be greater than 0",
		},
		{
			name:      "zero job retention",
			mutate:    func(cfg *Config) { cfg.Engine.JobRetention = 0 },
			wantErr:   true,
			errString: "job_retention must be greater than 0",
		},
		{
			name:      "negative default limit",
			mutate:    func(cfg *Config) { cfg.Queue.DefaultLimit = -2 },
			wantErr:   true,
			errString: "default_limit must not be negative",
		},
		{
			name:      "negative secondary limit",
			mutate:    func(cfg *Config) { cfg.Queue.SecondaryLimit = -1 },
			wantErr:   true,
			errString: "secondary_limit must not be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestQueuePolicy_SameKindSet(t *testing.T) {
	policy := QueuePolicy{SameKindCommands: []string{"snapshot.create", "volume.backup"}}

	set := policy.SameKindSet()
	assert.True(t, set["snapshot.create"])
	assert.True(t, set["volume.backup"])
	assert.False(t, set["vm.start"])

	assert.Empty(t, QueuePolicy{}.SameKindSet())
}
