package tcpconn

import (
	"net"
	"strconv"
	"time"
)

// Defaults for a connection's timings and buffers.
const (
	DefaultPort                = 2001
	DefaultConnectTimeout      = 1000 * time.Millisecond
	DefaultRetryInterval       = 2340 * time.Millisecond
	DefaultSettleDelay         = 150 * time.Millisecond
	DefaultShutdownReadTimeout = 100 * time.Millisecond
	DefaultShutdownGrace       = 200 * time.Millisecond
	DefaultWriteTimeout        = 10 * time.Second
	DefaultReadBufferSize      = 8192
	HeartbeatByte              = 0xFF
)

// Config holds the endpoint and timings of one connection.
type Config struct {
	// Host is a host name or IP literal.
	Host string
	// Port is the remote TCP port.
	Port int
	// ConnectTimeout bounds a single connect attempt, including resolution.
	ConnectTimeout time.Duration
	// RetryInterval is both the wait after a failed attempt and the spacing
	// between heartbeat probes while connected.
	RetryInterval time.Duration
	// SettleDelay is waited after the reader starts and before the Connected
	// event is emitted. Zero emits immediately.
	SettleDelay time.Duration
	// ShutdownReadTimeout is the read deadline applied to a socket being torn
	// down so a blocked read returns.
	ShutdownReadTimeout time.Duration
	// ShutdownGrace is the longest teardown waits for the reader to exit
	// before closing the socket under it.
	ShutdownGrace time.Duration
	// WriteTimeout bounds each write; zero means no deadline.
	WriteTimeout time.Duration
	// ReadBufferSize is the size of each read.
	ReadBufferSize int
	// KeepAlivePeriod sets the TCP keep-alive period; zero keeps the OS default.
	KeepAlivePeriod time.Duration
	// Heartbeat is written as the liveness probe. Empty disables the probe;
	// the loop then relies on the reader to notice a dead peer.
	Heartbeat []byte
}

// DefaultConfig returns a Config for host:port with the default timings and
// the single-byte 0xFF heartbeat. A zero port is replaced by DefaultPort.
//
// Parameters:
//   - host: Host name or IP literal
//   - port: TCP port, 0 for DefaultPort
//
// Returns:
//   - A Config ready to pass to New; override fields as needed
func DefaultConfig(host string, port int) Config {
	if port == 0 {
		port = DefaultPort
	}

	return Config{
		Host:                host,
		Port:                port,
		ConnectTimeout:      DefaultConnectTimeout,
		RetryInterval:       DefaultRetryInterval,
		SettleDelay:         DefaultSettleDelay,
		ShutdownReadTimeout: DefaultShutdownReadTimeout,
		ShutdownGrace:       DefaultShutdownGrace,
		WriteTimeout:        DefaultWriteTimeout,
		ReadBufferSize:      DefaultReadBufferSize,
		Heartbeat:           []byte{HeartbeatByte},
	}
}

// Address returns the "host:port" form of the endpoint.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// normalize replaces values that would stall the loops.
func (c Config) normalize() Config {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.ShutdownReadTimeout <= 0 {
		c.ShutdownReadTimeout = DefaultShutdownReadTimeout
	}
	if c.ShutdownGrace < 0 {
		c.ShutdownGrace = 0
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = DefaultReadBufferSize
	}

	return c
}
