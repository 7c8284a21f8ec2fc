package bridge

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidFramingMode = errors.New("bridge: invalid framing mode")
	ErrInvalidListenPort  = errors.New("bridge: invalid listen port")
	ErrNilDialer          = errors.New("bridge: dialer required")
)

// FramingMode selects whether traffic is re-framed or passed through.
type FramingMode string

const (
	ModeTransparent FramingMode = "transparent"
	ModeFramed      FramingMode = "framed"
)

func ParseFramingMode(raw string) (FramingMode, error) {
	switch FramingMode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeTransparent:
		return ModeTransparent, nil
	case ModeFramed:
		return ModeFramed, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidFramingMode, raw)
	}
}

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// ReconnectConfig bounds how the link is re-established after loss.
// MaxAttempts <= 0 means no limit. Attempts accumulate across losses until a
// connection stays up for StableAfter or delivers device data.
type ReconnectConfig struct {
	Enabled     bool
	MaxAttempts int
	StableAfter time.Duration
	Backoff     BackoffConfig
}

// RegistryConfig controls per-client delivery.
type RegistryConfig struct {
	// WriteTimeout marks a client failed when one write stalls this long.
	WriteTimeout time.Duration
	// ParallelThreshold is the client count above which a broadcast is
	// split into concurrently written batches of this size.
	ParallelThreshold int
}

// Config is the bridge runtime configuration.
type Config struct {
	Mode           FramingMode
	ListenAddress  string
	ListenPort     int
	ReadBufferSize int
	Client         RegistryConfig
	Reconnect      ReconnectConfig
}

func DefaultConfig() Config {
	return Config{
		Mode:           ModeFramed,
		ListenAddress:  "0.0.0.0",
		ListenPort:     5000,
		ReadBufferSize: 4096,
		Client: RegistryConfig{
			WriteTimeout:      5 * time.Second,
			ParallelThreshold: 8,
		},
		Reconnect: ReconnectConfig{
			Enabled:     true,
			MaxAttempts: 10,
			StableAfter: 2 * time.Second,
			Backoff: BackoffConfig{
				InitialDelay: 500 * time.Millisecond,
				Multiplier:   2.0,
				MaxDelay:     10 * time.Second,
				Jitter:       true,
			},
		},
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(string(c.Mode)) == "" {
		c.Mode = def.Mode
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = def.ReadBufferSize
	}
	if c.Client.WriteTimeout <= 0 {
		c.Client.WriteTimeout = def.Client.WriteTimeout
	}
	if c.Client.ParallelThreshold <= 0 {
		c.Client.ParallelThreshold = def.Client.ParallelThreshold
	}
	if c.Reconnect.StableAfter <= 0 {
		c.Reconnect.StableAfter = def.Reconnect.StableAfter
	}
	if c.Reconnect.Backoff.InitialDelay <= 0 {
		c.Reconnect.Backoff.InitialDelay = def.Reconnect.Backoff.InitialDelay
	}
	if c.Reconnect.Backoff.Multiplier <= 0 {
		c.Reconnect.Backoff.Multiplier = def.Reconnect.Backoff.Multiplier
	}
	if c.Reconnect.Backoff.MaxDelay <= 0 {
		c.Reconnect.Backoff.MaxDelay = def.Reconnect.Backoff.MaxDelay
	}
	return c
}

func (c Config) Validate() error {
	if _, err := ParseFramingMode(string(c.Mode)); err != nil {
		return err
	}
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidListenPort, c.ListenPort)
	}
	return nil
}

// Addr is the host:port the client listener binds.
func (c Config) Addr() string {
	return net.JoinHostPort(strings.TrimSpace(c.ListenAddress), strconv.Itoa(c.ListenPort))
}
