package ipc

import (
	"io"
	"net"
	"time"

	"go.uber.org/zap"
)

const (
	// defaultMaxIdleTime is ipc.client.connection.maxidletime.
	defaultMaxIdleTime = 10 * time.Second
	// defaultMaxRetries is ipc.client.connect.max.retries.
	defaultMaxRetries = 10
	// defaultPingInterval is ipc.ping.interval.
	defaultPingInterval = 60 * time.Second
	// defaultTCPNoDelay is ipc.client.tcpnodelay.
	defaultTCPNoDelay = false

	// connectTimeout is fixed, not configurable: spec'd as a constant 20s
	// per connect attempt.
	connectTimeout = 20 * time.Second
	// connectBackoff is fixed: 1s pause between connect attempts.
	connectBackoff = 1 * time.Second
	// maxConnectTimeouts is the independent cap on connect-timeout
	// failures, distinct from the configured maxRetries cap on other I/O
	// failures.
	maxConnectTimeouts = 45
)

// Payload is the contract a request or response value supplies: it knows
// how to serialize itself to, and populate itself from, a byte stream. Its
// internal format is opaque to the client core.
type Payload interface {
	Write(w io.Writer) error
	Read(r io.Reader) error
}

// ValueFactory builds a fresh, zero-valued Payload to deserialize a
// response into.
type ValueFactory func() Payload

// SocketFactory opens a connection to addr. The default dials "tcp" with
// net.DialTimeout and the fixed connectTimeout.
type SocketFactory func(addr string) (net.Conn, error)

// Config holds the client-wide tunables.
type Config struct {
	MaxIdleTime   time.Duration
	MaxRetries    int
	TCPNoDelay    bool
	PingInterval  time.Duration
	ValueFactory  ValueFactory
	SocketFactory SocketFactory
	Logger        *zap.Logger
}

// DefaultConfig returns the Section 6 defaults. ValueFactory must still be
// supplied by the caller (via WithValueFactory) before the config is
// usable; SocketFactory defaults to a TCP dial and may be overridden with
// WithSocketFactory.
func DefaultConfig() *Config {
	return &Config{
		MaxIdleTime:  defaultMaxIdleTime,
		MaxRetries:   defaultMaxRetries,
		TCPNoDelay:   defaultTCPNoDelay,
		PingInterval: defaultPingInterval,
		SocketFactory: func(addr string) (net.Conn, error) {
			return net.DialTimeout("tcp", addr, connectTimeout)
		},
		Logger: zap.NewNop(),
	}
}

// Option configures a Client at construction.
type Option func(*Config)

// WithMaxIdleTime overrides ipc.client.connection.maxidletime.
func WithMaxIdleTime(d time.Duration) Option {
	return func(c *Config) { c.MaxIdleTime = d }
}

// WithMaxRetries overrides ipc.client.connect.max.retries.
func WithMaxRetries(n int) Option {
	return func(c *Config) { c.MaxRetries = n }
}

// WithTCPNoDelay overrides ipc.client.tcpnodelay.
func WithTCPNoDelay(v bool) Option {
	return func(c *Config) { c.TCPNoDelay = v }
}

// WithPingInterval overrides ipc.ping.interval.
func WithPingInterval(d time.Duration) Option {
	return func(c *Config) { c.PingInterval = d }
}

// WithValueFactory sets the factory used to materialize response values.
func WithValueFactory(f ValueFactory) Option {
	return func(c *Config) { c.ValueFactory = f }
}

// WithSocketFactory overrides how a Connection dials its peer.
func WithSocketFactory(f SocketFactory) Option {
	return func(c *Config) { c.SocketFactory = f }
}

// WithLogger attaches a structured logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	}
}
