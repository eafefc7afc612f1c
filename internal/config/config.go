package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/gghub/internal/gatt"
	"github.com/chaz8081/gghub/internal/timesync"
)

// Config holds all application configuration.
type Config struct {
	Env      string       `yaml:"env"` // "dev" or "prod"
	LogLevel string       `yaml:"log_level"`
	Device   DeviceConfig `yaml:"device"`
	BLE      BLEConfig    `yaml:"ble"`
	Hub      HubConfig    `yaml:"hub"`
	Time     TimeConfig   `yaml:"time"`
	MQTT     MQTTConfig   `yaml:"mqtt"`
	NVS      NVSConfig    `yaml:"nvs"`
}

// DeviceConfig holds the Device Information strings.
type DeviceConfig struct {
	Manufacturer string `yaml:"manufacturer"`
	Model        string `yaml:"model"`
	Hardware     string `yaml:"hardware"`
	Firmware     string `yaml:"firmware"`
	// MAC overrides the adapter address used to derive the serial number.
	MAC string `yaml:"mac"`
}

// BLEConfig holds radio stack and advertising settings.
type BLEConfig struct {
	Backend           string        `yaml:"backend"` // "tinygo" or "sim"
	AppID             uint16        `yaml:"app_id"`
	AdvName           string        `yaml:"adv_name"`
	AdvUUID           string        `yaml:"adv_uuid"`
	AdvIntervalMin    time.Duration `yaml:"adv_interval_min"`
	AdvIntervalMax    time.Duration `yaml:"adv_interval_max"`
	InitRetryDelay    time.Duration `yaml:"init_retry_delay"`
	StartPollInterval time.Duration `yaml:"start_poll_interval"`
	StartPollAttempts int           `yaml:"start_poll_attempts"`
	DrainDelay        time.Duration `yaml:"drain_delay"`
	ChunkDelay        time.Duration `yaml:"chunk_delay"`
}

// HubConfig holds the initial hub status published over BLE.
type HubConfig struct {
	SSID   string `yaml:"ssid"`
	Paired bool   `yaml:"paired"`
	WiFi   bool   `yaml:"wifi"`
	Cell   bool   `yaml:"cell"`
}

// TimeConfig holds Current Time service settings.
type TimeConfig struct {
	UpdateInterval time.Duration `yaml:"update_interval"`
	// Source names how the host clock is disciplined. Anything but
	// "unknown" reports a sync each time SyncMarker is touched.
	Source     string `yaml:"source"`
	SyncMarker string `yaml:"sync_marker"`
}

// MQTTConfig holds broker settings for the data channel bridge.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	Port        int    `yaml:"port"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// NVSConfig holds the persistent settings store location.
type NVSConfig struct {
	Path string `yaml:"path"`
}

// Advertising interval bounds.
const (
	MinAdvInterval = 20 * time.Millisecond
	MaxAdvInterval = 10240 * time.Millisecond
)

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "gghub")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()

	return &Config{
		Env:      "dev",
		LogLevel: "info",
		Device: DeviceConfig{
			Manufacturer: "GreenGiant",
			Model:        "Develop",
			Hardware:     "1",
			Firmware:     "1",
		},
		BLE: BLEConfig{
			Backend:           "tinygo",
			AppID:             0x56,
			AdvName:           "GGXXXXXX",
			AdvIntervalMin:    20 * time.Millisecond,
			AdvIntervalMax:    40 * time.Millisecond,
			InitRetryDelay:    time.Second,
			StartPollInterval: 500 * time.Millisecond,
			StartPollAttempts: 10,
			DrainDelay:        100 * time.Millisecond,
			ChunkDelay:        10 * time.Millisecond,
		},
		Hub: HubConfig{
			SSID: "GreenGiant-2G4",
		},
		Time: TimeConfig{
			UpdateInterval: time.Second,
			Source:         "unknown",
			SyncMarker:     "/run/systemd/timesync/synchronized",
		},
		MQTT: MQTTConfig{
			Broker:      "localhost",
			Port:        1883,
			ClientID:    "gghub",
			TopicPrefix: "gghub",
		},
		NVS: NVSConfig{
			Path: filepath.Join(home, ".local", "share", "gghub", "nvs.db"),
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in nvs.path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.NVS.Path = expandTilde(cfg.NVS.Path)

	return cfg, nil
}

const defaultHeader = `# gghub configuration.
#
# env: dev prints colored logs, prod prints JSON.
# ble.backend: tinygo drives the host adapter (Linux/BlueZ), sim runs an
# in-process stack with no radio.
# device.mac overrides the adapter address used for the serial number.
`

// WriteDefault writes the default config to DefaultConfigPath when no file
// exists there. It returns the path written, or "" if a file was already
// present.
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

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.Env {
	case "dev", "prod":
	default:
		return fmt.Errorf("env must be \"dev\" or \"prod\", got %q", c.Env)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	if c.Device.MAC != "" {
		if _, err := c.Device.HardwareAddr(); err != nil {
			return err
		}
	}

	switch c.BLE.Backend {
	case "tinygo", "sim":
	default:
		return fmt.Errorf("ble.backend must be \"tinygo\" or \"sim\", got %q", c.BLE.Backend)
	}

	if c.BLE.AdvName != "" && len(c.BLE.AdvName) != 8 {
		return fmt.Errorf("ble.adv_name must be exactly 8 characters, got %q", c.BLE.AdvName)
	}

	if c.BLE.AdvUUID != "" {
		u, err := gatt.ParseUUID(c.BLE.AdvUUID)
		if err != nil {
			return fmt.Errorf("ble.adv_uuid: %w", err)
		}
		if !u.Is128() {
			return fmt.Errorf("ble.adv_uuid must be a 128-bit uuid, got %q", c.BLE.AdvUUID)
		}
	}

	for name, d := range map[string]time.Duration{
		"ble.adv_interval_min": c.BLE.AdvIntervalMin,
		"ble.adv_interval_max": c.BLE.AdvIntervalMax,
	} {
		if d < MinAdvInterval || d > MaxAdvInterval {
			return fmt.Errorf("%s must be between %s and %s, got %s", name, MinAdvInterval, MaxAdvInterval, d)
		}
	}
	if c.BLE.AdvIntervalMin > c.BLE.AdvIntervalMax {
		return fmt.Errorf("ble.adv_interval_min (%s) must not exceed ble.adv_interval_max (%s)",
			c.BLE.AdvIntervalMin, c.BLE.AdvIntervalMax)
	}

	if c.BLE.StartPollAttempts < 0 {
		return fmt.Errorf("ble.start_poll_attempts must be >= 0")
	}

	if n := len(c.Hub.SSID); n == 0 || n > 20 {
		return fmt.Errorf("hub.ssid must be 1 to 20 bytes, got %d", n)
	}

	if c.Time.UpdateInterval <= 0 {
		return fmt.Errorf("time.update_interval must be > 0")
	}
	src, err := timesync.ParseSource(c.Time.Source)
	if err != nil {
		return fmt.Errorf("time.source: %w", err)
	}
	if src != timesync.SourceUnknown && c.Time.SyncMarker == "" {
		return fmt.Errorf("time.sync_marker: required when time.source is %q", c.Time.Source)
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker must not be empty when mqtt is enabled")
		}
		if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
			return fmt.Errorf("mqtt.port must be 1-65535, got %d", c.MQTT.Port)
		}
		if c.MQTT.TopicPrefix == "" {
			return fmt.Errorf("mqtt.topic_prefix must not be empty when mqtt is enabled")
		}
	}

	if c.NVS.Path == "" {
		return fmt.Errorf("nvs.path must not be empty")
	}

	return nil
}

// HardwareAddr parses the MAC override.
func (d DeviceConfig) HardwareAddr() (net.HardwareAddr, error) {
	if d.MAC == "" {
		return nil, nil
	}
	hw, err := net.ParseMAC(d.MAC)
	if err != nil {
		return nil, fmt.Errorf("device.mac: %w", err)
	}
	if len(hw) != 6 {
		return nil, fmt.Errorf("device.mac must be a 6-byte address, got %q", d.MAC)
	}
	return hw, nil
}

// ParseLogLevel maps a log_level string to a slog level. Unknown values
// default to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
