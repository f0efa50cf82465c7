package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	yaml := `
server:
  name: Test Bridge
peer:
  transport: tcp
  host: 127.0.0.1
  port: 7777
requests:
  timeout: 10s
  legacy_event_ids: true
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Name != "Test Bridge" {
		t.Errorf("Server.Name = %q, want %q", cfg.Server.Name, "Test Bridge")
	}
	if cfg.Peer.Transport != TransportTCP {
		t.Errorf("Peer.Transport = %q, want %q", cfg.Peer.Transport, TransportTCP)
	}
	if cfg.Peer.Port != 7777 {
		t.Errorf("Peer.Port = %d, want %d", cfg.Peer.Port, 7777)
	}
	if cfg.Requests.Timeout != 10*time.Second {
		t.Errorf("Requests.Timeout = %v, want %v", cfg.Requests.Timeout, 10*time.Second)
	}
	if !cfg.Requests.LegacyEventIDs {
		t.Error("Requests.LegacyEventIDs = false, want true")
	}
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := LoadAndValidate("")
	if err != nil {
		t.Fatalf("LoadAndValidate(\"\") failed: %v", err)
	}
	if cfg.Peer.Transport != DefaultTransport {
		t.Errorf("Peer.Transport = %q, want default %q", cfg.Peer.Transport, DefaultTransport)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("Load expected error for missing file")
	}
	if !strings.Contains(err.Error(), "read config file") {
		t.Errorf("error = %q, want read config file prefix", err)
	}
}

func TestLoadWithEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_DB_PASSWORD", "secret123")
	t.Setenv("TEST_IMAGEGEN_KEY", "key-abc")

	yaml := `
database:
  enabled: true
  host: localhost
  name: genie
  user: genie
  password: ${TEST_DB_PASSWORD}
imagegen:
  url: https://images.example.com/generate
  api_key: ${TEST_IMAGEGEN_KEY}
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Database.Password != "secret123" {
		t.Errorf("Database.Password = %q, want %q", cfg.Database.Password, "secret123")
	}
	if !cfg.ImageGen.Enabled() {
		t.Error("ImageGen.Enabled() = false, want true")
	}
}

func TestLoadWithDefaults(t *testing.T) {
	tests := []struct {
		name           string
		yaml           string
		wantPort       int
		wantCommandKey string
	}{
		{
			name:           "websocket",
			yaml:           "peer:\n  transport: websocket\n",
			wantPort:       DefaultWebSocketPort,
			wantCommandKey: "command",
		},
		{
			name:           "tcp",
			yaml:           "peer:\n  transport: tcp\n",
			wantPort:       DefaultTCPPort,
			wantCommandKey: "type",
		},
		{
			name:           "explicit command key",
			yaml:           "peer:\n  transport: tcp\n  command_key: command\n",
			wantPort:       DefaultTCPPort,
			wantCommandKey: "command",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadWithDefaults(writeTempFile(t, tt.yaml))
			if err != nil {
				t.Fatalf("LoadWithDefaults failed: %v", err)
			}
			if cfg.Peer.Port != tt.wantPort {
				t.Errorf("Peer.Port = %d, want %d", cfg.Peer.Port, tt.wantPort)
			}
			if cfg.Peer.CommandKey != tt.wantCommandKey {
				t.Errorf("Peer.CommandKey = %q, want %q", cfg.Peer.CommandKey, tt.wantCommandKey)
			}
			if cfg.Requests.Timeout != DefaultRequestTimeout {
				t.Errorf("Requests.Timeout = %v, want default %v", cfg.Requests.Timeout, DefaultRequestTimeout)
			}
			if cfg.Requests.Retention != DefaultRetention {
				t.Errorf("Requests.Retention = %v, want default %v", cfg.Requests.Retention, DefaultRetention)
			}
			if cfg.Peer.ReceiveTimeout != DefaultReceiveTimeout {
				t.Errorf("Peer.ReceiveTimeout = %v, want default %v", cfg.Peer.ReceiveTimeout, DefaultReceiveTimeout)
			}
			if cfg.Metrics.Port != DefaultMetricsPort {
				t.Errorf("Metrics.Port = %d, want default %d", cfg.Metrics.Port, DefaultMetricsPort)
			}
		})
	}
}

func TestLoadKeepsNegativeHealthCheckInterval(t *testing.T) {
	cfg, err := LoadWithDefaults(writeTempFile(t, "requests:\n  health_check_interval: -1s\n"))
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}
	if cfg.Requests.HealthCheckInterval != -time.Second {
		t.Errorf("Requests.HealthCheckInterval = %v, want %v", cfg.Requests.HealthCheckInterval, -time.Second)
	}
}

func TestValidate(t *testing.T) {
	valid := func() BridgeConfig {
		var cfg BridgeConfig
		cfg.applyDefaults()
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*BridgeConfig)
		wantErr string
	}{
		{
			name:    "defaults",
			mutate:  func(*BridgeConfig) {},
			wantErr: "",
		},
		{
			name:    "unknown transport",
			mutate:  func(c *BridgeConfig) { c.Peer.Transport = "udp" },
			wantErr: `peer.transport must be "tcp" or "websocket", got "udp"`,
		},
		{
			name:    "port out of range",
			mutate:  func(c *BridgeConfig) { c.Peer.Port = 70000 },
			wantErr: "peer.port must be between 1 and 65535, got 70000",
		},
		{
			name: "pong timeout not above ping interval",
			mutate: func(c *BridgeConfig) {
				c.Peer.PingInterval = 30 * time.Second
				c.Peer.PongTimeout = 30 * time.Second
			},
			wantErr: "peer.pong_timeout (30s) must exceed ping_interval (30s)",
		},
		{
			name:    "negative request timeout",
			mutate:  func(c *BridgeConfig) { c.Requests.Timeout = -time.Second },
			wantErr: "requests.timeout must be positive",
		},
		{
			name:    "bad log level",
			mutate:  func(c *BridgeConfig) { c.Logging.Level = "verbose" },
			wantErr: `logging.level must be debug, info, warn or error, got "verbose"`,
		},
		{
			name:    "disabled database is not checked",
			mutate:  func(c *BridgeConfig) { c.Database.Host = "" },
			wantErr: "",
		},
		{
			name:    "enabled database missing host",
			mutate:  func(c *BridgeConfig) { c.Database.Enabled = true },
			wantErr: "database.host is required",
		},
		{
			name: "min_conns exceeds max_conns",
			mutate: func(c *BridgeConfig) {
				c.Database = DatabaseConfig{
					Enabled: true, Host: "localhost", Name: "db", User: "user", Password: "pass",
					MaxConns: 2, MinConns: 5, BatchSize: 10,
				}
			},
			wantErr: "database.min_conns (5) cannot exceed max_conns (2)",
		},
		{
			name: "metrics path",
			mutate: func(c *BridgeConfig) {
				c.Metrics.Enabled = true
				c.Metrics.Path = "metrics"
			},
			wantErr: `metrics.path must start with /, got "metrics"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
			} else {
				if err == nil {
					t.Errorf("Validate() expected error containing %q, got nil", tt.wantErr)
				} else if err.Error() != tt.wantErr {
					t.Errorf("Validate() error = %q, want %q", err.Error(), tt.wantErr)
				}
			}
		})
	}
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}
