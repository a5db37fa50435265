package worker

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment variable names for worker connection tuning.
const (
	envDialRetries   = "TILEFLOW_WORKER_DIAL_RETRIES"
	envDialBackoffMS = "TILEFLOW_WORKER_DIAL_BACKOFF_MS"
	envShipModel     = "TILEFLOW_WORKER_SHIP_MODEL"
	envCloseTimeout  = "TILEFLOW_WORKER_CLOSE_TIMEOUT_MS"
)

// Retry defaults for worker connection establishment.
const (
	DefaultDialRetries  = 5
	DefaultDialBackoff  = 100 * time.Millisecond
	DefaultCloseTimeout = 5 * time.Second
)

// Config holds configuration for one remote worker backend.
type Config struct {
	// Name is the registry name the backend reports.
	Name string

	// Addr is the worker address (tcp://, unix:// or vsock://).
	Addr string

	// Frameworks lists the model frameworks the worker serves.
	Frameworks []string

	// DialRetries is the number of connection attempts per Load.
	DialRetries int

	// DialBackoff is the delay before the second attempt; it doubles after each failure.
	DialBackoff time.Duration

	// ShipModel sends the model directory with the load request for
	// workers that cannot see the engine's filesystem.
	ShipModel bool

	// CloseTimeout bounds the close handshake when a session is released.
	CloseTimeout time.Duration
}

// LoadConfig builds a worker config for the named backend at addr, applying
// environment overrides and defaults for values not set.
func LoadConfig(name, addr string, frameworks ...string) Config {
	cfg := Config{
		Name:         name,
		Addr:         addr,
		Frameworks:   frameworks,
		DialRetries:  DefaultDialRetries,
		DialBackoff:  DefaultDialBackoff,
		CloseTimeout: DefaultCloseTimeout,
	}

	if v := os.Getenv(envDialRetries); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.DialRetries = n
		}
	}
	if v := os.Getenv(envDialBackoffMS); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.DialBackoff = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv(envShipModel); v != "" {
		cfg.ShipModel = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv(envCloseTimeout); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CloseTimeout = time.Duration(n) * time.Millisecond
		}
	}

	return cfg
}
