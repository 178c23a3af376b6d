package config

import (
	"errors"
	"time"
)

// Config represents the control-plane membership service configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Observer  ObserverConfig  `mapstructure:"observer"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig represents the datanode endpoint configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	HealthPort      int           `mapstructure:"health_port"`
	ClusterID       string        `mapstructure:"cluster_id"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig represents the PostgreSQL node table configuration
type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MinConnections int    `mapstructure:"min_connections"`
}

// RedisConfig represents the command event bus configuration. An empty host
// selects the in-process bus.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// HeartbeatConfig represents the liveness state-machine thresholds.
// Interval is the cadence nodes are expected to report at; StaleInterval and
// DeadInterval drive the HEALTHY -> STALE -> DEAD transitions.
type HeartbeatConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	StaleInterval time.Duration `mapstructure:"stale_interval"`
	DeadInterval  time.Duration `mapstructure:"dead_interval"`
}

// ObserverConfig represents the read-replica deployment mode. The observer
// derives its outdated-heartbeat threshold as StaleMultiplier times the
// heartbeat interval.
type ObserverConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	StaleMultiplier int  `mapstructure:"stale_multiplier"`

	// PreserveCommandsOnReregister keeps a node's queued commands when an
	// outdated heartbeat triggers a reregistration cycle, so they ship on
	// the next fresh heartbeat. When false the queue is cleared for that
	// node, on the grounds that commands addressed to an unreliable
	// identity should not outlive it.
	PreserveCommandsOnReregister bool `mapstructure:"preserve_commands_on_reregister"`
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if c.Server.ClusterID == "" {
		return errors.New("server.cluster_id is required")
	}
	if c.Database.Host != "" {
		if c.Database.Database == "" {
			return errors.New("database.database is required")
		}
		if c.Database.User == "" {
			return errors.New("database.user is required")
		}
	}
	if c.Heartbeat.Interval <= 0 {
		return errors.New("heartbeat.interval must be positive")
	}
	if c.Heartbeat.StaleInterval <= 0 {
		return errors.New("heartbeat.stale_interval must be positive")
	}
	if c.Heartbeat.DeadInterval <= c.Heartbeat.StaleInterval {
		return errors.New("heartbeat.dead_interval must be greater than heartbeat.stale_interval")
	}
	if c.Observer.StaleMultiplier <= 0 {
		return errors.New("observer.stale_multiplier must be positive")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            9861,
			HealthPort:      9862,
			ClusterID:       "karst-cluster-1",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Port:           5432,
			MaxConnections: 10,
			MinConnections: 2,
		},
		Redis: RedisConfig{
			Port:    6379,
			Channel: "karst:datanode:commands",
		},
		Heartbeat: HeartbeatConfig{
			Interval:      30 * time.Second,
			StaleInterval: 90 * time.Second,
			DeadInterval:  10 * time.Minute,
		},
		Observer: ObserverConfig{
			Enabled:                      false,
			StaleMultiplier:              3,
			PreserveCommandsOnReregister: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9863,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
