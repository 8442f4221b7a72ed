package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/sousvide-ble/internal/ble"
	"github.com/chaz8081/sousvide-ble/internal/ble/protocol"
	"github.com/chaz8081/sousvide-ble/internal/cooker"
)

// Config holds all application configuration.
type Config struct {
	LogLevel   string           `yaml:"log_level"`
	Device     DeviceConfig     `yaml:"device"`
	Connection ConnectionConfig `yaml:"connection"`
	Sync       SyncConfig       `yaml:"sync"`
	Identity   IdentityConfig   `yaml:"identity"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
}

// DeviceConfig identifies the cooker and its command characteristic.
type DeviceConfig struct {
	NameFilter         string `yaml:"name_filter"`
	ServiceUUID        string `yaml:"service_uuid"`
	CharacteristicUUID string `yaml:"characteristic_uuid"`
	Encoding           string `yaml:"encoding"` // "raw" or "base64"
	// WriteWithResponse is honored on macOS and Windows. Other platforms
	// only support writes without response and fall back to them.
	WriteWithResponse  bool   `yaml:"write_with_response"`
}

// ConnectionConfig holds scan, connect and reconnect settings.
type ConnectionConfig struct {
	ScanTimeout       time.Duration `yaml:"scan_timeout"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	Reconnect         bool          `yaml:"reconnect"`
	ReconnectMax      int           `yaml:"reconnect_max"`      // seconds
	ReconnectAttempts int           `yaml:"reconnect_attempts"` // before giving up
}

// SyncConfig holds polling and command correlation settings.
type SyncConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	AwaitReply     bool          `yaml:"await_reply"`
}

// IdentityConfig locates the encrypted device identity store.
type IdentityConfig struct {
	Path    string `yaml:"path"`
	KeyPath string `yaml:"key_path"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Listen string `yaml:"listen"` // empty disables the endpoint
}

// MQTTConfig holds state publishing settings.
type MQTTConfig struct {
	Broker       string `yaml:"broker"` // empty disables publishing
	Topic        string `yaml:"topic"`
	CommandTopic string `yaml:"command_topic"` // empty disables remote commands
	ClientID     string `yaml:"client_id"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "sousvide-ble")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	dir := DefaultConfigDir()

	return &Config{
		LogLevel: "info",
		Device: DeviceConfig{
			NameFilter:         ble.DefaultNameFilter,
			ServiceUUID:        ble.DefaultServiceUUID,
			CharacteristicUUID: ble.DefaultCharacteristicUUID,
			Encoding:           string(protocol.EncodingRaw),
			WriteWithResponse:  true,
		},
		Connection: ConnectionConfig{
			ScanTimeout:       30 * time.Second,
			ConnectTimeout:    10 * time.Second,
			ReconnectMax:      30,
			ReconnectAttempts: 5,
		},
		Sync: SyncConfig{
			PollInterval:   10 * time.Second,
			CommandTimeout: 5 * time.Second,
			AwaitReply:     true,
		},
		Identity: IdentityConfig{
			Path:    filepath.Join(dir, "identity.yaml"),
			KeyPath: filepath.Join(dir, "identity.key"),
		},
		MQTT: MQTTConfig{
			Topic:        "sousvide/state",
			CommandTopic: "sousvide/command",
			ClientID:     "sousvide-ble",
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in identity paths is expanded to the user's
// home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Identity.Path = expandTilde(cfg.Identity.Path)
	cfg.Identity.KeyPath = expandTilde(cfg.Identity.KeyPath)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	if c.Device.NameFilter == "" {
		return fmt.Errorf("device.name_filter must not be empty")
	}
	if c.Device.ServiceUUID == "" {
		return fmt.Errorf("device.service_uuid must not be empty")
	}
	if c.Device.CharacteristicUUID == "" {
		return fmt.Errorf("device.characteristic_uuid must not be empty")
	}
	if _, err := protocol.ParseEncoding(c.Device.Encoding); err != nil {
		return fmt.Errorf("device.encoding must be \"raw\" or \"base64\", got %q", c.Device.Encoding)
	}

	if c.Connection.ScanTimeout <= 0 {
		return fmt.Errorf("connection.scan_timeout must be > 0")
	}
	if c.Connection.ConnectTimeout <= 0 {
		return fmt.Errorf("connection.connect_timeout must be > 0")
	}
	if c.Connection.Reconnect {
		if c.Connection.ReconnectMax <= 0 {
			return fmt.Errorf("connection.reconnect_max must be > 0")
		}
		if c.Connection.ReconnectAttempts <= 0 {
			return fmt.Errorf("connection.reconnect_attempts must be > 0")
		}
	}

	if c.Sync.PollInterval <= 0 {
		return fmt.Errorf("sync.poll_interval must be > 0")
	}
	if c.Sync.CommandTimeout <= 0 {
		return fmt.Errorf("sync.command_timeout must be > 0")
	}

	if c.Identity.Path == "" || c.Identity.KeyPath == "" {
		return fmt.Errorf("identity.path and identity.key_path must not be empty")
	}

	if c.MQTT.Broker != "" && c.MQTT.Topic == "" {
		return fmt.Errorf("mqtt.topic must not be empty when mqtt.broker is set")
	}

	return nil
}

// Codec returns the wire codec selected by device.encoding.
func (c *Config) Codec() protocol.Codec {
	enc, err := protocol.ParseEncoding(c.Device.Encoding)
	if err != nil {
		enc = protocol.EncodingRaw
	}
	return protocol.NewCodec(enc)
}

// ManagerOptions maps the device and connection sections onto connection
// manager options.
func (c *Config) ManagerOptions() ble.ManagerOptions {
	return ble.ManagerOptions{
		ServiceUUID:        c.Device.ServiceUUID,
		CharacteristicUUID: c.Device.CharacteristicUUID,
		NameFilter:         c.Device.NameFilter,
		ScanTimeout:        c.Connection.ScanTimeout,
		ConnectTimeout:     c.Connection.ConnectTimeout,
		Reconnect:          c.Connection.Reconnect,
		ReconnectMax:       c.Connection.ReconnectMax,
		ReconnectAttempts:  c.Connection.ReconnectAttempts,
	}
}

// SyncOptions maps the sync and device sections onto synchronizer options.
func (c *Config) SyncOptions() cooker.Options {
	return cooker.Options{
		PollInterval:      c.Sync.PollInterval,
		CommandTimeout:    c.Sync.CommandTimeout,
		AwaitReply:        c.Sync.AwaitReply,
		WriteWithResponse: c.Device.WriteWithResponse,
		Codec:             c.Codec(),
	}
}

// ParseLogLevel maps a log_level value to a slog level. Unknown values
// fall back to info.
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

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the written path, or "" if a config file already exists.
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
	header := "# sousvide-ble configuration\n# See README.md for all options.\n\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0o644); err != nil {
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
