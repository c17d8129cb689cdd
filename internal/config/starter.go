// ABOUTME: Starter configuration written by `stillsafe-gateway init`
// ABOUTME: Fills in freshly generated secrets so the file is usable as-is for local runs

package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Starter returns a development config with random secrets.
func Starter(dataDir string) (*Config, error) {
	access, err := randomSecret()
	if err != nil {
		return nil, err
	}
	refresh, err := randomSecret()
	if err != nil {
		return nil, err
	}
	device, err := randomSecret()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server: ServerConfig{
			GRPCAddr:           "127.0.0.1:50051",
			HTTPAddr:           "127.0.0.1:8080",
			ShutdownTimeoutRaw: "10s",
		},
		Database: DatabaseConfig{
			Driver:           DefaultDriver,
			Path:             filepath.Join(dataDir, "stillsafe.db"),
			PurgeIntervalRaw: "10m",
		},
		Auth: AuthConfig{
			AccessSecret:  access,
			RefreshSecret: refresh,
			AccessTTLRaw:  "5m",
			RefreshTTLRaw: "168h",
		},
		Operator: OperatorConfig{Identity: DefaultIdentity},
		WebAuthn: WebAuthnConfig{
			RPID:          "localhost",
			RPDisplayName: DefaultRPDisplayName,
			Origins:       []string{"http://localhost:8080"},
		},
		Device:  DeviceConfig{Secret: device},
		Monitor: MonitorConfig{IntervalRaw: "15s", ThrottleRaw: "1h"},
		Notifications: NotificationsConfig{
			APNs: APNsConfig{Topic: "com.still.safe.dev"},
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}, nil
}

// WriteStarter writes a starter config to path. It refuses to overwrite an
// existing file.
func WriteStarter(path, dataDir string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("checking %s: %w", path, err)
	}

	cfg, err := Starter(dataDir)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
