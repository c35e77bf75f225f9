package config

import (
	"errors"
	"fmt"

	"github.com/cyberinferno/go-tcpclient/logger"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Service.Name == "" {
		return errors.New("service.name is required")
	}

	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}

	if err := c.Connection.validate(); err != nil {
		return err
	}

	if c.Resolver.TTL < 0 {
		return errors.New("resolver.ttl must be >= 0")
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return errors.New("redis.addr is required when redis is enabled")
	}

	for i, t := range c.Targets {
		if err := t.validate(fmt.Sprintf("targets[%d]", i)); err != nil {
			return err
		}
	}

	return nil
}

func (c *ConnectionConfig) validate() error {
	if c.ConnectTimeout <= 0 {
		return errors.New("connection.connect_timeout must be > 0")
	}
	if c.RetryInterval <= 0 {
		return errors.New("connection.retry_interval must be > 0")
	}
	if c.SettleDelay != nil && *c.SettleDelay < 0 {
		return errors.New("connection.settle_delay must be >= 0")
	}
	if c.ShutdownReadTimeout <= 0 {
		return errors.New("connection.shutdown_read_timeout must be > 0")
	}
	if c.ShutdownGrace < 0 {
		return errors.New("connection.shutdown_grace must be >= 0")
	}
	if c.ReadBufferSize < 1 {
		return errors.New("connection.read_buffer_size must be >= 1")
	}

	return nil
}

func (t *TargetConfig) validate(prefix string) error {
	if t.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if t.Port < 1 || t.Port > 65535 {
		return fmt.Errorf("%s.port must be between 1 and 65535, got %d", prefix, t.Port)
	}
	if t.KeepSend != nil && t.KeepSend.Interval <= 0 {
		return fmt.Errorf("%s.keep_send.interval must be > 0", prefix)
	}

	return nil
}
