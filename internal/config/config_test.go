// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env expansion and overrides, defaults and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAccess  = "access-secret-0123456789abcdef0123"
	testRefresh = "refresh-secret-0123456789abcdef012"
)

const validYAML = `
server:
  grpc_addr: "0.0.0.0:50051"
  http_addr: "0.0.0.0:8080"

database:
  path: "./test.db"

auth:
  access_secret: "` + testAccess + `"
  refresh_secret: "` + testRefresh + `"
  access_ttl: "2m"

webauthn:
  rp_id: "still-safe.example.com"
  origins:
    - "https://still-safe.example.com"

device:
  secret: "device-secret"

monitor:
  interval: "30s"

notifications:
  apns:
    enabled: true
    key_path: "/etc/stillsafe/AuthKey.p8"
    key_id: "KEY123"
    team_id: "TEAM123"
    topic: "com.still.safe.dev"

logging:
  level: "debug"
  format: "json"
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, "config.yaml", validYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./test.db")
	}
	if cfg.Auth.AccessTTL != 2*time.Minute {
		t.Errorf("Auth.AccessTTL = %v, want 2m", cfg.Auth.AccessTTL)
	}
	if cfg.Monitor.Interval != 30*time.Second {
		t.Errorf("Monitor.Interval = %v, want 30s", cfg.Monitor.Interval)
	}
	if !cfg.Notifications.APNs.Enabled || cfg.Notifications.APNs.Production {
		t.Errorf("APNs = %+v, want enabled sandbox", cfg.Notifications.APNs)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want json", cfg.Logging.Format)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "config.yaml", validYAML))
	require.NoError(t, err)

	assert.Equal(t, DefaultIdentity, cfg.Operator.Identity)
	assert.Equal(t, DefaultRPDisplayName, cfg.WebAuthn.RPDisplayName)
	assert.Equal(t, DefaultDriver, cfg.Database.Driver)
	assert.Equal(t, DefaultRefreshTTL, cfg.Auth.RefreshTTL)
	assert.Equal(t, DefaultMonitorThrottle, cfg.Monitor.Throttle)
	assert.Equal(t, DefaultShutdownTimeout, cfg.Server.ShutdownTimeout)
	assert.Equal(t, DefaultPurgeInterval, cfg.Database.PurgeInterval)
	assert.False(t, cfg.WebAuthn.AllowZeroCounter)
}

func TestLoad_TOML(t *testing.T) {
	content := `
[server]
grpc_addr = "127.0.0.1:50051"
http_addr = "127.0.0.1:8080"

[database]
driver = "sqlite3"
path = "/tmp/stillsafe.db"

[auth]
access_secret = "` + testAccess + `"
refresh_secret = "` + testRefresh + `"

[webauthn]
rp_id = "localhost"
origins = ["http://localhost:8080"]

[device]
secret = "device-secret"

[notifications.matrix]
enabled = true
homeserver = "https://matrix.example.org"
user_id = "@stillsafe:example.org"
access_token = "tok"
room_id = "!alerts:example.org"
`
	cfg, err := Load(writeConfig(t, "gateway.toml", content))
	require.NoError(t, err)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, []string{"http://localhost:8080"}, cfg.WebAuthn.Origins)
	assert.Equal(t, "!alerts:example.org", cfg.Notifications.Matrix.RoomID)
	assert.Equal(t, DefaultMonitorInterval, cfg.Monitor.Interval)
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_STILLSAFE_DB", "/data/expanded.db")
	content := strings.Replace(validYAML, `path: "./test.db"`, `path: "${TEST_STILLSAFE_DB}"`, 1)

	cfg, err := Load(writeConfig(t, "config.yaml", content))
	require.NoError(t, err)
	assert.Equal(t, "/data/expanded.db", cfg.Database.Path)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DEVICE_HASH", "from-env")
	t.Setenv("STORE_PATH", "/env/store.db")
	t.Setenv("APN_PRODUCTION", "true")
	t.Setenv("RP_ORIGINS", "https://a.example.com,https://b.example.com")

	cfg, err := Load(writeConfig(t, "config.yaml", validYAML))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Device.Secret)
	assert.Equal(t, "/env/store.db", cfg.Database.Path)
	assert.True(t, cfg.Notifications.APNs.Production)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.WebAuthn.Origins)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() should return error for nonexistent file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "config.yaml", "server: [unclosed"))
	if err == nil {
		t.Error("Load() should return error for invalid YAML")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	content := strings.Replace(validYAML, `interval: "30s"`, `interval: "soon"`, 1)
	_, err := Load(writeConfig(t, "config.yaml", content))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitor.interval")

	content = strings.Replace(validYAML, `interval: "30s"`, `interval: "-5s"`, 1)
	_, err = Load(writeConfig(t, "config.yaml", content))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Parse(validYAML, false)
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing http addr", func(c *Config) { c.Server.HTTPAddr = "" }, "server.http_addr"},
		{"tailscale without addrs", func(c *Config) {
			c.Server = ServerConfig{}
			c.Tailscale = TailscaleConfig{Enabled: true, Hostname: "stillsafe"}
		}, ""},
		{"tailscale without hostname", func(c *Config) { c.Tailscale.Enabled = true }, "tailscale.hostname"},
		{"missing database path", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "postgres" }, "database.driver"},
		{"short access secret", func(c *Config) { c.Auth.AccessSecret = "short" }, "auth.access_secret"},
		{"short refresh secret", func(c *Config) { c.Auth.RefreshSecret = "short" }, "auth.refresh_secret"},
		{"same secrets", func(c *Config) { c.Auth.RefreshSecret = c.Auth.AccessSecret }, "must differ"},
		{"missing device secret", func(c *Config) { c.Device.Secret = "" }, "device.secret"},
		{"missing rp id", func(c *Config) { c.WebAuthn.RPID = "" }, "webauthn.rp_id"},
		{"missing origins", func(c *Config) { c.WebAuthn.Origins = nil }, "webauthn.origins"},
		{"apns incomplete", func(c *Config) { c.Notifications.APNs.KeyID = "" }, "notifications.apns"},
		{"matrix incomplete", func(c *Config) { c.Notifications.Matrix.Enabled = true }, "notifications.matrix"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestResolvePath(t *testing.T) {
	t.Setenv("STILLSAFE_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	assert.Equal(t, "/xdg/stillsafe/gateway.yaml", ResolvePath(""))

	t.Setenv("STILLSAFE_CONFIG", "/etc/stillsafe.yaml")
	assert.Equal(t, "/etc/stillsafe.yaml", ResolvePath(""))
	assert.Equal(t, "/flag.toml", ResolvePath("/flag.toml"))
}

func TestWriteStarter(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stillsafe", "gateway.yaml")

	require.NoError(t, WriteStarter(path, dir))
	cfg, err := Load(path)
	require.NoError(t, err, "starter config must load cleanly")
	assert.Len(t, cfg.Auth.AccessSecret, 64)
	assert.NotEqual(t, cfg.Auth.AccessSecret, cfg.Auth.RefreshSecret)
	assert.Equal(t, filepath.Join(dir, "stillsafe.db"), cfg.Database.Path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	assert.Error(t, WriteStarter(path, dir), "refuses to overwrite")
}
