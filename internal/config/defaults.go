package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultServerName          = "Game Genie MCP"
	DefaultTransport           = TransportWebSocket
	DefaultHost                = "localhost"
	DefaultTCPPort             = 9876
	DefaultWebSocketPort       = 6076
	DefaultPrimaryClient       = "Unity"
	DefaultDialTimeout         = 5 * time.Second
	DefaultWriteTimeout        = 5 * time.Second
	DefaultReceiveTimeout      = 15 * time.Second
	DefaultReadChunkSize       = 8192
	DefaultPingInterval        = 20 * time.Second
	DefaultPongTimeout         = 30 * time.Second
	DefaultRequestTimeout      = 30 * time.Second
	DefaultHealthCheckTimeout  = 5 * time.Second
	DefaultHealthCheckInterval = 30 * time.Second
	DefaultRetention           = 2 * time.Minute
	DefaultSweepInterval       = time.Second
	DefaultLogLevel            = "info"
	DefaultLogMaxSizeMB        = 10
	DefaultLogMaxBackups       = 3
	DefaultLogMaxAgeDays       = 7
	DefaultMetricsPort         = 9090
	DefaultMetricsPath         = "/metrics"
	DefaultDBPort              = 5432
	DefaultDBSSLMode           = "prefer"
	DefaultMaxConns            = 4
	DefaultMinConns            = 1
	DefaultBatchSize           = 100
	DefaultFlushInterval       = 2 * time.Second
	DefaultEventsChannel       = "genie:peer-events"
	DefaultImageGenStyle       = "character_portrait"
	DefaultImageGenClientID    = "genie_client"
	DefaultImageGenTimeout     = 60 * time.Second
	DefaultImageGenRetries     = 2
)

func (c *BridgeConfig) applyDefaults() {
	if c.Server.Name == "" {
		c.Server.Name = DefaultServerName
	}

	// Peer defaults
	if c.Peer.Transport == "" {
		c.Peer.Transport = DefaultTransport
	}
	if c.Peer.Host == "" {
		c.Peer.Host = DefaultHost
	}
	if c.Peer.Port == 0 {
		if c.Peer.Transport == TransportTCP {
			c.Peer.Port = DefaultTCPPort
		} else {
			c.Peer.Port = DefaultWebSocketPort
		}
	}
	if c.Peer.PrimaryClient == "" {
		c.Peer.PrimaryClient = DefaultPrimaryClient
	}
	if c.Peer.CommandKey == "" {
		// The stream peer reads "type", the websocket peer reads "command".
		if c.Peer.Transport == TransportTCP {
			c.Peer.CommandKey = "type"
		} else {
			c.Peer.CommandKey = "command"
		}
	}
	if c.Peer.DialTimeout == 0 {
		c.Peer.DialTimeout = DefaultDialTimeout
	}
	if c.Peer.WriteTimeout == 0 {
		c.Peer.WriteTimeout = DefaultWriteTimeout
	}
	if c.Peer.ReceiveTimeout == 0 {
		c.Peer.ReceiveTimeout = DefaultReceiveTimeout
	}
	if c.Peer.ReadChunkSize == 0 {
		c.Peer.ReadChunkSize = DefaultReadChunkSize
	}
	if c.Peer.PingInterval == 0 {
		c.Peer.PingInterval = DefaultPingInterval
	}
	if c.Peer.PongTimeout == 0 {
		c.Peer.PongTimeout = DefaultPongTimeout
	}

	// Request defaults
	if c.Requests.Timeout == 0 {
		c.Requests.Timeout = DefaultRequestTimeout
	}
	if c.Requests.HealthCheckTimeout == 0 {
		c.Requests.HealthCheckTimeout = DefaultHealthCheckTimeout
	}
	if c.Requests.HealthCheckInterval == 0 {
		c.Requests.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if c.Requests.Retention == 0 {
		c.Requests.Retention = DefaultRetention
	}
	if c.Requests.SweepInterval == 0 {
		c.Requests.SweepInterval = DefaultSweepInterval
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = DefaultLogMaxSizeMB
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = DefaultLogMaxBackups
	}
	if c.Logging.MaxAgeDays == 0 {
		c.Logging.MaxAgeDays = DefaultLogMaxAgeDays
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	// Database defaults
	if c.Database.Port == 0 {
		c.Database.Port = DefaultDBPort
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = DefaultDBSSLMode
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = DefaultMaxConns
	}
	if c.Database.MinConns == 0 {
		c.Database.MinConns = DefaultMinConns
	}
	if c.Database.BatchSize == 0 {
		c.Database.BatchSize = DefaultBatchSize
	}
	if c.Database.FlushInterval == 0 {
		c.Database.FlushInterval = DefaultFlushInterval
	}

	if c.Events.Channel == "" {
		c.Events.Channel = DefaultEventsChannel
	}

	// Image generation defaults
	if c.ImageGen.Style == "" {
		c.ImageGen.Style = DefaultImageGenStyle
	}
	if c.ImageGen.ClientID == "" {
		c.ImageGen.ClientID = DefaultImageGenClientID
	}
	if c.ImageGen.Timeout == 0 {
		c.ImageGen.Timeout = DefaultImageGenTimeout
	}
	if c.ImageGen.MaxRetries == 0 {
		c.ImageGen.MaxRetries = DefaultImageGenRetries
	}
}
