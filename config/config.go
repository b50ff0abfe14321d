// Package config loads tool configuration from YAML.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration tree.
type Config struct {
	Device  Device  `yaml:"device"`
	Gateway Gateway `yaml:"gateway"`
	Storage Storage `yaml:"storage"`
	Log     Log     `yaml:"log"`
}

// Device selects and parameterises the transport to the radio.
type Device struct {
	// Transport is one of "serial", "tcp" or "ble".
	Transport string `yaml:"transport"`
	// Serial is the serial device path, e.g. /dev/ttyUSB0.
	Serial string `yaml:"serial"`
	// Addr is the host[:port] of the device network API.
	Addr string `yaml:"addr"`
	// BLEAddr is the Bluetooth MAC address or device name prefix.
	BLEAddr string `yaml:"ble_addr"`
}

// Gateway configures the optional local HTTP surface.
type Gateway struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// Storage configures SQLite persistence. An empty path disables it.
type Storage struct {
	Path string `yaml:"path"`
}

// Log configures logging output.
type Log struct {
	// Level is a zap level name: debug, info, warn, error.
	Level string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Device: Device{
			Transport: "serial",
			Serial:    "/dev/ttyUSB0",
			Addr:      "localhost",
		},
		Gateway: Gateway{
			Enabled:    false,
			ListenAddr: "127.0.0.1:8080",
		},
		Log: Log{Level: "info"},
	}
}

// Load reads path over the defaults. A missing file is not an error;
// the defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Device.Transport {
	case "serial", "tcp", "ble":
	default:
		return fmt.Errorf("config: unknown transport %q", c.Device.Transport)
	}
	return nil
}
