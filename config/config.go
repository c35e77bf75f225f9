// Package config loads the tcpclientd YAML configuration.
package config

import (
	"time"

	"github.com/cyberinferno/go-tcpclient/tcpconn"
)

// Config is the root of the configuration file.
type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	Log        LogConfig        `yaml:"log"`
	Connection ConnectionConfig `yaml:"connection"`
	Resolver   ResolverConfig   `yaml:"resolver"`
	Redis      RedisConfig      `yaml:"redis"`
	Listen     ListenConfig     `yaml:"listen"`
	Targets    []TargetConfig   `yaml:"targets"`
}

// ServiceConfig identifies the process in logs.
type ServiceConfig struct {
	Name string `yaml:"name"`
}

// LogConfig selects the log level and output format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
}

// ConnectionConfig holds the timings shared by every connection.
type ConnectionConfig struct {
	ConnectTimeout      time.Duration  `yaml:"connect_timeout"`
	RetryInterval       time.Duration  `yaml:"retry_interval"`
	SettleDelay         *time.Duration `yaml:"settle_delay"` // nil for the default, 0 to emit Connected at once
	ShutdownReadTimeout time.Duration  `yaml:"shutdown_read_timeout"`
	ShutdownGrace       time.Duration  `yaml:"shutdown_grace"`
	WriteTimeout        time.Duration  `yaml:"write_timeout"`
	ReadBufferSize      int            `yaml:"read_buffer_size"`
	KeepAlivePeriod     time.Duration  `yaml:"keep_alive_period"`
	DisableHeartbeat    bool           `yaml:"disable_heartbeat"`
}

// ResolverConfig controls host name caching.
type ResolverConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// RedisConfig enables publishing events to a Redis channel.
type RedisConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Addr           string        `yaml:"addr"`
	Password       string        `yaml:"password"`
	DB             int           `yaml:"db"`
	Channel        string        `yaml:"channel"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

// ListenConfig runs a local peer next to the client, handy for trying
// targets out without a device.
type ListenConfig struct {
	Addr string `yaml:"addr"`
	Echo bool   `yaml:"echo"`
}

// TargetConfig is a connection opened at startup.
type TargetConfig struct {
	Host     string          `yaml:"host"`
	Port     int             `yaml:"port"`
	KeepSend *KeepSendConfig `yaml:"keep_send"`
}

// KeepSendConfig schedules a periodic send on a target.
type KeepSendConfig struct {
	Payload  string        `yaml:"payload"`
	Interval time.Duration `yaml:"interval"`
}

// Template converts the connection section into a tcpconn.Config without
// host and port.
func (c ConnectionConfig) Template() tcpconn.Config {
	cfg := tcpconn.DefaultConfig("", 0)
	cfg.ConnectTimeout = c.ConnectTimeout
	cfg.RetryInterval = c.RetryInterval
	if c.SettleDelay != nil {
		cfg.SettleDelay = *c.SettleDelay
	}
	cfg.ShutdownReadTimeout = c.ShutdownReadTimeout
	cfg.ShutdownGrace = c.ShutdownGrace
	cfg.WriteTimeout = c.WriteTimeout
	cfg.ReadBufferSize = c.ReadBufferSize
	cfg.KeepAlivePeriod = c.KeepAlivePeriod
	if c.DisableHeartbeat {
		cfg.Heartbeat = nil
	}

	return cfg
}
