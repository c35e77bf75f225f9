package config

import (
	"os"
	"time"

	"github.com/cyberinferno/go-tcpclient/event"
	"github.com/cyberinferno/go-tcpclient/tcpconn"
)

// Default values for optional configuration fields.
const (
	DefaultServiceName    = "tcpclientd"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "console"
	DefaultResolverTTL    = 30 * time.Second
	DefaultPublishTimeout = time.Second
)

// Environment variables that override the file.
const (
	EnvLogLevel  = "TCPCLIENT_LOG_LEVEL"
	EnvRedisAddr = "TCPCLIENT_REDIS_ADDR"
)

func (c *Config) applyDefaults() {
	if c.Service.Name == "" {
		c.Service.Name = DefaultServiceName
	}

	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}

	conn := &c.Connection
	if conn.ConnectTimeout == 0 {
		conn.ConnectTimeout = tcpconn.DefaultConnectTimeout
	}
	if conn.RetryInterval == 0 {
		conn.RetryInterval = tcpconn.DefaultRetryInterval
	}
	if conn.SettleDelay == nil {
		d := tcpconn.DefaultSettleDelay
		conn.SettleDelay = &d
	}
	if conn.ShutdownReadTimeout == 0 {
		conn.ShutdownReadTimeout = tcpconn.DefaultShutdownReadTimeout
	}
	if conn.ShutdownGrace == 0 {
		conn.ShutdownGrace = tcpconn.DefaultShutdownGrace
	}
	if conn.WriteTimeout == 0 {
		conn.WriteTimeout = tcpconn.DefaultWriteTimeout
	}
	if conn.ReadBufferSize == 0 {
		conn.ReadBufferSize = tcpconn.DefaultReadBufferSize
	}

	if c.Resolver.TTL == 0 {
		c.Resolver.TTL = DefaultResolverTTL
	}

	if c.Redis.Channel == "" {
		c.Redis.Channel = event.DefaultRedisChannel
	}
	if c.Redis.PublishTimeout == 0 {
		c.Redis.PublishTimeout = DefaultPublishTimeout
	}

	for i := range c.Targets {
		if c.Targets[i].Port == 0 {
			c.Targets[i].Port = tcpconn.DefaultPort
		}
	}
}

// applyEnv lets the environment win over the file for settings that differ
// per deployment.
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv(EnvRedisAddr); v != "" {
		c.Redis.Addr = v
		c.Redis.Enabled = true
	}
}
