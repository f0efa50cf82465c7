package config

import "time"

// BridgeConfig is the root configuration for a bridge instance.
type BridgeConfig struct {
	Server   ServerConfig   `yaml:"server"`
	Peer     PeerConfig     `yaml:"peer"`
	Requests RequestsConfig `yaml:"requests"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Database DatabaseConfig `yaml:"database"`
	Events   EventsConfig   `yaml:"events"`
	ImageGen ImageGenConfig `yaml:"imagegen"`
}

// ServerConfig describes the MCP server advertised to agents.
type ServerConfig struct {
	Name         string `yaml:"name"`
	Instructions string `yaml:"instructions"`
}

// Transport kinds.
const (
	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"
)

// PeerConfig describes how the editor peer is reached.
type PeerConfig struct {
	Transport      string        `yaml:"transport"` // "tcp" (we dial) or "websocket" (peer dials us)
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	PrimaryClient  string        `yaml:"primary_client"` // announcement value that designates the primary peer
	CommandKey     string        `yaml:"command_key"`    // JSON key carrying the command name ("type" or "command")
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	ReceiveTimeout time.Duration `yaml:"receive_timeout"` // bounds accumulation of a partial frame
	ReadChunkSize  int           `yaml:"read_chunk_size"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	PongTimeout    time.Duration `yaml:"pong_timeout"`
}

// RequestsConfig holds correlation and timeout settings.
type RequestsConfig struct {
	Timeout             time.Duration `yaml:"timeout"`
	HealthCheckTimeout  time.Duration `yaml:"health_check_timeout"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"` // negative = check before every use
	Retention           time.Duration `yaml:"retention"`             // how long unmatched responses are held
	SweepInterval       time.Duration `yaml:"sweep_interval"`
	LegacyEventIDs      bool          `yaml:"legacy_event_ids"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"` // empty disables file logging
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// MetricsConfig holds Prometheus and health endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// DatabaseConfig holds the optional command audit log database.
type DatabaseConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	Name          string        `yaml:"name"`
	User          string        `yaml:"user"`
	Password      string        `yaml:"password"`
	SSLMode       string        `yaml:"ssl_mode"`
	MaxConns      int           `yaml:"max_conns"`
	MinConns      int           `yaml:"min_conns"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// EventsConfig holds the optional Redis fan-out for peer events.
type EventsConfig struct {
	RedisAddr     string `yaml:"redis_addr"` // empty disables Redis publishing
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	Channel       string `yaml:"channel"`
}

// ImageGenConfig holds the optional image generation API settings.
type ImageGenConfig struct {
	URL        string        `yaml:"url"`
	APIKey     string        `yaml:"api_key"`
	ClientID   string        `yaml:"client_id"`
	Style      string        `yaml:"style"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// Enabled reports whether the image generation tool should be offered.
func (c ImageGenConfig) Enabled() bool {
	return c.URL != "" && c.APIKey != ""
}
