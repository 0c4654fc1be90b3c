// Package config holds the runtime tunables for the chat relay and client.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultStreamAddr is the TCP relay listen address.
	DefaultStreamAddr = ":65432"
	// DefaultDatagramAddr is the UDP relay listen address. The two transports
	// are distinct processes and never share a port.
	DefaultDatagramAddr = ":65433"

	// DefaultRetryTimeout is how long a reliable send waits for an ack before
	// the sweep retransmits it. The interval is constant — no backoff.
	DefaultRetryTimeout = 1 * time.Second
	// DefaultMaxRetries bounds retransmissions of a single pending send.
	// After the original transmission plus this many retries, the send is
	// abandoned and reported to the caller.
	DefaultMaxRetries = 3
	// DefaultSweepInterval is the retransmission sweep cadence.
	DefaultSweepInterval = DefaultRetryTimeout / 2
)

// Config captures all runtime tunables. Empty address fields disable the
// corresponding optional listener.
type Config struct {
	StreamAddr   string // TCP relay listen address
	DatagramAddr string // UDP relay listen address
	WSAddr       string // WebSocket gateway listen address ("" = disabled)
	MetricsAddr  string // Prometheus /metrics listen address ("" = disabled)

	RetryTimeout  time.Duration
	MaxRetries    int
	SweepInterval time.Duration
}

// Load reads the configuration from environment variables, applying defaults
// and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		StreamAddr:   getString("CHAT_STREAM_ADDR", DefaultStreamAddr),
		DatagramAddr: getString("CHAT_DATAGRAM_ADDR", DefaultDatagramAddr),
		WSAddr:       strings.TrimSpace(os.Getenv("CHAT_WS_ADDR")),
		MetricsAddr:  strings.TrimSpace(os.Getenv("CHAT_METRICS_ADDR")),
	}

	var err error
	if cfg.RetryTimeout, err = getDuration("CHAT_RETRY_TIMEOUT", DefaultRetryTimeout); err != nil {
		return nil, err
	}
	if cfg.MaxRetries, err = getInt("CHAT_MAX_RETRIES", DefaultMaxRetries); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = getDuration("CHAT_SWEEP_INTERVAL", DefaultSweepInterval); err != nil {
		return nil, err
	}

	if cfg.RetryTimeout <= 0 {
		return nil, fmt.Errorf("CHAT_RETRY_TIMEOUT must be positive, got %s", cfg.RetryTimeout)
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("CHAT_MAX_RETRIES must not be negative, got %d", cfg.MaxRetries)
	}
	if cfg.SweepInterval <= 0 {
		return nil, fmt.Errorf("CHAT_SWEEP_INTERVAL must be positive, got %s", cfg.SweepInterval)
	}
	return cfg, nil
}

func getString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}

func getInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}
