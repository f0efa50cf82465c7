package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
// It expects defaults to have been applied.
func (c *BridgeConfig) Validate() error {
	switch c.Peer.Transport {
	case TransportTCP, TransportWebSocket:
	default:
		return fmt.Errorf("peer.transport must be %q or %q, got %q", TransportTCP, TransportWebSocket, c.Peer.Transport)
	}
	if c.Peer.Port < 1 || c.Peer.Port > 65535 {
		return fmt.Errorf("peer.port must be between 1 and 65535, got %d", c.Peer.Port)
	}
	if c.Peer.CommandKey == "" {
		return errors.New("peer.command_key is required")
	}
	if c.Peer.ReadChunkSize < 1 {
		return errors.New("peer.read_chunk_size must be >= 1")
	}
	if c.Peer.ReceiveTimeout <= 0 {
		return errors.New("peer.receive_timeout must be positive")
	}
	if c.Peer.PongTimeout <= c.Peer.PingInterval {
		return fmt.Errorf("peer.pong_timeout (%s) must exceed ping_interval (%s)", c.Peer.PongTimeout, c.Peer.PingInterval)
	}

	if c.Requests.Timeout <= 0 {
		return errors.New("requests.timeout must be positive")
	}
	if c.Requests.HealthCheckTimeout <= 0 {
		return errors.New("requests.health_check_timeout must be positive")
	}
	if c.Requests.Retention <= 0 {
		return errors.New("requests.retention must be positive")
	}
	if c.Requests.SweepInterval <= 0 {
		return errors.New("requests.sweep_interval must be positive")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
			return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return fmt.Errorf("metrics.path must start with /, got %q", c.Metrics.Path)
		}
	}

	if c.Database.Enabled {
		if err := c.Database.validate("database"); err != nil {
			return err
		}
	}

	if c.ImageGen.MaxRetries < 0 {
		return errors.New("imagegen.max_retries must be >= 0")
	}

	return nil
}

func (db *DatabaseConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	if db.BatchSize < 1 {
		return fmt.Errorf("%s.batch_size must be >= 1", prefix)
	}
	return nil
}
