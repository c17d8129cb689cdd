// ABOUTME: Configuration loading and parsing for stillsafe-gateway
// ABOUTME: YAML or TOML files with ${VAR} expansion, then environment overrides

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config represents the complete stillsafe-gateway configuration
type Config struct {
	Server        ServerConfig        `yaml:"server" toml:"server"`
	Tailscale     TailscaleConfig     `yaml:"tailscale" toml:"tailscale"`
	Database      DatabaseConfig      `yaml:"database" toml:"database"`
	Auth          AuthConfig          `yaml:"auth" toml:"auth"`
	Operator      OperatorConfig      `yaml:"operator" toml:"operator"`
	WebAuthn      WebAuthnConfig      `yaml:"webauthn" toml:"webauthn"`
	Device        DeviceConfig        `yaml:"device" toml:"device"`
	Monitor       MonitorConfig       `yaml:"monitor" toml:"monitor"`
	Notifications NotificationsConfig `yaml:"notifications" toml:"notifications"`
	Logging       LoggingConfig       `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	GRPCAddr        string        `yaml:"grpc_addr" toml:"grpc_addr" env:"GRPC_ADDR"`
	HTTPAddr        string        `yaml:"http_addr" toml:"http_addr" env:"HTTP_ADDR"`
	ShutdownTimeout time.Duration `yaml:"-" toml:"-"`

	ShutdownTimeoutRaw string `yaml:"shutdown_timeout,omitempty" toml:"shutdown_timeout"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key,omitempty" toml:"auth_key" env:"TS_AUTHKEY"`
	StateDir  string `yaml:"state_dir,omitempty" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // public HTTPS, needed for WebAuthn from the phone
}

// DatabaseConfig locates the keyed store
type DatabaseConfig struct {
	Driver        string        `yaml:"driver" toml:"driver" env:"STORE_DRIVER"` // "sqlite" (pure Go) or "sqlite3" (cgo)
	Path          string        `yaml:"path" toml:"path" env:"STORE_PATH"`
	PurgeInterval time.Duration `yaml:"-" toml:"-"`

	PurgeIntervalRaw string `yaml:"purge_interval,omitempty" toml:"purge_interval"`
}

// AuthConfig holds the session token secrets and lifetimes
type AuthConfig struct {
	AccessSecret  string        `yaml:"access_secret" toml:"access_secret" env:"ACCESS_SECRET"`
	RefreshSecret string        `yaml:"refresh_secret" toml:"refresh_secret" env:"REFRESH_SECRET"`
	AccessTTL     time.Duration `yaml:"-" toml:"-"`
	RefreshTTL    time.Duration `yaml:"-" toml:"-"`

	AccessTTLRaw  string `yaml:"access_ttl,omitempty" toml:"access_ttl"`
	RefreshTTLRaw string `yaml:"refresh_ttl,omitempty" toml:"refresh_ttl"`
}

// OperatorConfig names the single trusted operator
type OperatorConfig struct {
	Identity    string `yaml:"identity" toml:"identity" env:"OPERATOR_IDENTITY"`
	DisplayName string `yaml:"display_name,omitempty" toml:"display_name"`
}

// WebAuthnConfig describes the relying party
type WebAuthnConfig struct {
	RPID             string   `yaml:"rp_id" toml:"rp_id" env:"RP_ID"`
	RPDisplayName    string   `yaml:"rp_display_name" toml:"rp_display_name"`
	Origins          []string `yaml:"origins" toml:"origins" env:"RP_ORIGINS" envSeparator:","`
	AllowZeroCounter bool     `yaml:"allow_zero_counter" toml:"allow_zero_counter"`
	// AppIDs ("TEAMID.bundle.id") listed in apple-app-site-association
	AppIDs           []string `yaml:"app_ids,omitempty" toml:"app_ids"`
}

// DeviceConfig holds the device's shared secret (plain or bcrypt hash)
type DeviceConfig struct {
	Secret string `yaml:"secret" toml:"secret" env:"DEVICE_HASH"`
}

// MonitorConfig tunes the liveness monitor
type MonitorConfig struct {
	Interval time.Duration `yaml:"-" toml:"-"`
	Throttle time.Duration `yaml:"-" toml:"-"`

	IntervalRaw string `yaml:"interval,omitempty" toml:"interval"`
	ThrottleRaw string `yaml:"throttle,omitempty" toml:"throttle"`
}

// NotificationsConfig holds the delivery channels
type NotificationsConfig struct {
	APNs   APNsConfig   `yaml:"apns" toml:"apns"`
	Matrix MatrixConfig `yaml:"matrix" toml:"matrix"`
}

// APNsConfig holds Apple push credentials
type APNsConfig struct {
	Enabled    bool   `yaml:"enabled" toml:"enabled"`
	KeyPath    string `yaml:"key_path" toml:"key_path" env:"APN_KEY_PATH"`
	KeyID      string `yaml:"key_id" toml:"key_id" env:"APN_KEY_ID"`
	TeamID     string `yaml:"team_id" toml:"team_id" env:"APN_TEAM_ID"`
	Topic      string `yaml:"topic" toml:"topic" env:"APN_TOPIC"`
	Production bool   `yaml:"production" toml:"production" env:"APN_PRODUCTION"`
}

// MatrixConfig holds the optional Matrix alert room
type MatrixConfig struct {
	Enabled     bool   `yaml:"enabled" toml:"enabled"`
	Homeserver  string `yaml:"homeserver,omitempty" toml:"homeserver"`
	UserID      string `yaml:"user_id,omitempty" toml:"user_id"`
	AccessToken string `yaml:"access_token,omitempty" toml:"access_token" env:"MATRIX_ACCESS_TOKEN"`
	RoomID      string `yaml:"room_id,omitempty" toml:"room_id"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" toml:"format" env:"LOG_FORMAT"`
}

// Defaults applied when a field is left empty.
const (
	DefaultIdentity        = "admin"
	DefaultRPDisplayName   = "Still Safe"
	DefaultDriver          = "sqlite"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultPurgeInterval   = 10 * time.Minute
	DefaultMonitorInterval = 15 * time.Second
	DefaultMonitorThrottle = time.Hour
	DefaultAccessTTL       = 5 * time.Minute
	DefaultRefreshTTL      = 7 * 24 * time.Hour
	MinSecretLength        = 32
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, anything else as YAML.
// ${VAR_NAME} references are expanded before decoding, and environment
// variables named in env tags override the file afterwards.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(expandEnvVars(string(data)), strings.EqualFold(filepath.Ext(path), ".toml"))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes already-expanded config text and finishes loading it.
func Parse(text string, isTOML bool) (*Config, error) {
	var cfg Config
	if isTOML {
		if _, err := toml.Decode(text, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(text), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	cfg.applyDefaults()

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Operator.Identity == "" {
		c.Operator.Identity = DefaultIdentity
	}
	if c.WebAuthn.RPDisplayName == "" {
		c.WebAuthn.RPDisplayName = DefaultRPDisplayName
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDriver
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname != "" && c.WebAuthn.RPID == "" {
		c.WebAuthn.RPID = c.Tailscale.Hostname
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server addresses are required unless Tailscale is enabled
	if !c.Tailscale.Enabled {
		if c.Server.GRPCAddr == "" {
			return fmt.Errorf("server.grpc_addr is required (or enable tailscale)")
		}
		if c.Server.HTTPAddr == "" {
			return fmt.Errorf("server.http_addr is required (or enable tailscale)")
		}
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Database.Driver != "sqlite" && c.Database.Driver != "sqlite3" {
		return fmt.Errorf("database.driver must be sqlite or sqlite3, got %q", c.Database.Driver)
	}

	if len(c.Auth.AccessSecret) < MinSecretLength {
		return fmt.Errorf("auth.access_secret must be at least %d bytes", MinSecretLength)
	}
	if len(c.Auth.RefreshSecret) < MinSecretLength {
		return fmt.Errorf("auth.refresh_secret must be at least %d bytes", MinSecretLength)
	}
	if c.Auth.AccessSecret == c.Auth.RefreshSecret {
		return fmt.Errorf("auth.access_secret and auth.refresh_secret must differ")
	}

	if c.Device.Secret == "" {
		return fmt.Errorf("device.secret is required")
	}

	if c.WebAuthn.RPID == "" {
		return fmt.Errorf("webauthn.rp_id is required")
	}
	if len(c.WebAuthn.Origins) == 0 {
		return fmt.Errorf("webauthn.origins needs at least one origin")
	}

	if apns := c.Notifications.APNs; apns.Enabled {
		if apns.KeyPath == "" || apns.KeyID == "" || apns.TeamID == "" || apns.Topic == "" {
			return fmt.Errorf("notifications.apns needs key_path, key_id, team_id and topic when enabled")
		}
	}
	if m := c.Notifications.Matrix; m.Enabled {
		if m.Homeserver == "" || m.UserID == "" || m.AccessToken == "" || m.RoomID == "" {
			return fmt.Errorf("notifications.matrix needs homeserver, user_id, access_token and room_id when enabled")
		}
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDuration parses raw into *dst, leaving the default when raw is empty.
func parseDuration(name, raw string, def time.Duration, dst *time.Duration) error {
	if raw == "" {
		*dst = def
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing %s %q: %w", name, raw, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be positive, got %q", name, raw)
	}
	*dst = d
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		def  time.Duration
		dst  *time.Duration
	}{
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, DefaultShutdownTimeout, &cfg.Server.ShutdownTimeout},
		{"database.purge_interval", cfg.Database.PurgeIntervalRaw, DefaultPurgeInterval, &cfg.Database.PurgeInterval},
		{"auth.access_ttl", cfg.Auth.AccessTTLRaw, DefaultAccessTTL, &cfg.Auth.AccessTTL},
		{"auth.refresh_ttl", cfg.Auth.RefreshTTLRaw, DefaultRefreshTTL, &cfg.Auth.RefreshTTL},
		{"monitor.interval", cfg.Monitor.IntervalRaw, DefaultMonitorInterval, &cfg.Monitor.Interval},
		{"monitor.throttle", cfg.Monitor.ThrottleRaw, DefaultMonitorThrottle, &cfg.Monitor.Throttle},
	}
	for _, f := range fields {
		if err := parseDuration(f.name, f.raw, f.def, f.dst); err != nil {
			return err
		}
	}
	return nil
}

// ResolvePath picks the config file: an explicit flag value wins, then
// STILLSAFE_CONFIG, then $XDG_CONFIG_HOME/stillsafe/gateway.yaml.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if p := os.Getenv("STILLSAFE_CONFIG"); p != "" {
		return p
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		if home, err := os.UserHomeDir(); err == nil {
			base = filepath.Join(home, ".config")
		}
	}
	return filepath.Join(base, "stillsafe", "gateway.yaml")
}
