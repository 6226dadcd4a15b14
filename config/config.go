// Package config loads the CLI settings from a YAML file, falling back to
// defaults for anything not set, and lets a few be overridden from the
// environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Transport string        `yaml:"transport"`
	USB       USBConfig     `yaml:"usb"`
	BLE       BLEConfig     `yaml:"ble"`
	Log       LogConfig     `yaml:"log"`
	Store     StoreConfig   `yaml:"store"`
	Metrics   MetricsConfig `yaml:"metrics"`
}

type USBConfig struct {
	Serial    string `yaml:"serial"`
	Interface int    `yaml:"interface"`
	ChunkSize int    `yaml:"chunkSize"`
}

type BLEConfig struct {
	NamePrefix  string        `yaml:"namePrefix"`
	ChunkSize   int           `yaml:"chunkSize"`
	ScanTimeout time.Duration `yaml:"scanTimeout"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	// Ignore lists command type names the frame log skips. Unset means the
	// default set, an empty list logs everything.
	Ignore []string `yaml:"ignore"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type MetricsConfig struct {
	// Listen is the address Prometheus metrics are served on. Empty disables it.
	Listen string `yaml:"listen"`
}

// Transport defaults. They match the constants of the usb and ble packages,
// which are not imported here to keep libusb out of the config.
const (
	DefaultUSBInterface  = 1
	DefaultUSBChunkSize  = 16 << 10
	DefaultBLENamePrefix = "ESTKme-RED"
	DefaultBLEChunkSize  = 128
)

func Default() Config {
	return Config{
		Transport: "usb",
		USB: USBConfig{
			Interface: DefaultUSBInterface,
			ChunkSize: DefaultUSBChunkSize,
		},
		BLE: BLEConfig{
			NamePrefix:  DefaultBLENamePrefix,
			ChunkSize:   DefaultBLEChunkSize,
			ScanTimeout: 10 * time.Second,
		},
		Log:   LogConfig{Level: "info"},
		Store: StoreConfig{Path: "devices.db"},
	}
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return cfg, err
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse %v: %w", path, err)
			}
		}
	}
	ApplyEnvOverrides(&cfg)
	return cfg, cfg.Validate()
}

func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("NOTCCID_TRANSPORT"); v != "" {
		cfg.Transport = v
	}
	if v := os.Getenv("NOTCCID_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("NOTCCID_STORE"); v != "" {
		cfg.Store.Path = v
	}
}

func (c Config) Validate() error {
	if c.Transport != "usb" && c.Transport != "ble" {
		return fmt.Errorf("unknown transport %q, expected usb or ble", c.Transport)
	}
	if c.USB.ChunkSize <= 0 || c.BLE.ChunkSize <= 0 {
		return errors.New("chunk sizes must be positive")
	}
	return nil
}
