package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/chaz8081/pixelble/internal/ble"
	"github.com/chaz8081/pixelble/internal/link"
)

// Config holds all application configuration.
type Config struct {
	Device            DeviceConfig   `yaml:"device"`
	Session           SessionConfig  `yaml:"session"`
	ReconnectDelay    time.Duration  `yaml:"reconnect_delay"`
	DisconnectTimeout time.Duration  `yaml:"disconnect_timeout"`
	Server            ServerConfig   `yaml:"server"`
	Presence          PresenceConfig `yaml:"presence"`
	LogLevel          string         `yaml:"log_level"`
}

// DeviceConfig identifies the peripheral and its GATT layout.
type DeviceConfig struct {
	Name               string `yaml:"name"`              // advertised local name to match
	Address            string `yaml:"address,omitempty"` // connect on startup when set
	ServiceUUID        string `yaml:"service_uuid"`
	CharacteristicUUID string `yaml:"characteristic_uuid"`
}

// SessionConfig holds GATT negotiation settings.
type SessionConfig struct {
	MTU         int           `yaml:"mtu"`
	SettleDelay time.Duration `yaml:"settle_delay"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Listen string `yaml:"listen"` // empty disables the API
}

// PresenceConfig selects where live telemetry is mirrored.
type PresenceConfig struct {
	Backend string `yaml:"backend"` // "dbus", "log" or "none"
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "pixelble")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	session := ble.DefaultSessionOptions()
	return &Config{
		Device: DeviceConfig{
			Name:               ble.DefaultDeviceName,
			ServiceUUID:        session.ServiceUUID,
			CharacteristicUUID: session.CharacteristicUUID,
		},
		Session: SessionConfig{
			MTU:         session.MTU,
			SettleDelay: session.SettleDelay,
		},
		ReconnectDelay:    link.DefaultReconnectDelay,
		DisconnectTimeout: link.DefaultDisconnectTimeout,
		Server: ServerConfig{
			Listen: "127.0.0.1:8787",
		},
		Presence: PresenceConfig{
			Backend: "log",
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandTilde(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Device.Address = strings.ToUpper(strings.TrimSpace(cfg.Device.Address))

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Device.Name == "" {
		return fmt.Errorf("device.name must not be empty")
	}
	if _, err := uuid.Parse(c.Device.ServiceUUID); err != nil {
		return fmt.Errorf("device.service_uuid %q: %w", c.Device.ServiceUUID, err)
	}
	if _, err := uuid.Parse(c.Device.CharacteristicUUID); err != nil {
		return fmt.Errorf("device.characteristic_uuid %q: %w", c.Device.CharacteristicUUID, err)
	}

	// 23 is the ATT default; 517 the largest a peer may grant.
	if c.Session.MTU < 23 || c.Session.MTU > 517 {
		return fmt.Errorf("session.mtu must be between 23 and 517, got %d", c.Session.MTU)
	}
	if c.Session.SettleDelay < 0 {
		return fmt.Errorf("session.settle_delay must not be negative")
	}

	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("reconnect_delay must be > 0")
	}
	if c.DisconnectTimeout <= 0 {
		return fmt.Errorf("disconnect_timeout must be > 0")
	}

	switch c.Presence.Backend {
	case "dbus", "log", "none":
	default:
		return fmt.Errorf("presence.backend must be dbus, log, or none, got %q", c.Presence.Backend)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// ParseLogLevel maps a log_level value to a slog level, defaulting to info.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultHeader = `# pixelble configuration
# Durations use Go syntax (600ms, 3s). Set server.listen to "" to disable
# the HTTP API. presence.backend is one of dbus, log or none.
`

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the path written, or "" if a config file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
