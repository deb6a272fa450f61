// Package config loads runtime settings from defaults, an optional YAML file
// and the environment. Command-line flags are applied on top by the binaries.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/thereceipt/btprint/pkg/printjob"
)

// Transport names
const (
	TransportBlueZ  = "bluez"
	TransportBLE    = "ble"
	TransportSerial = "serial"
	TransportUSB    = "usb"
	TransportSim    = "sim"
)

const (
	appName          = "btprint"
	registryFileName = "printer_registry.json"
	DefaultPort      = "12212"
)

// Config holds every runtime setting
type Config struct {
	Transport      string        `yaml:"transport"`
	Adapter        string        `yaml:"adapter"`
	RegistryPath   string        `yaml:"registry"`
	PaperWidth     string        `yaml:"paper_width"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	KeepAlive      bool          `yaml:"keep_alive"`
	Port           string        `yaml:"port"`
	Debug          bool          `yaml:"debug"`
	LogFile        string        `yaml:"log_file"`

	Bluez  BluezConfig  `yaml:"bluez"`
	BLE    BLEConfig    `yaml:"ble"`
	Serial SerialConfig `yaml:"serial"`
	Sim    SimConfig    `yaml:"sim"`
}

// BluezConfig tunes the BlueZ transport
type BluezConfig struct {
	Channel int `yaml:"channel"`
}

// BLEConfig tunes the BLE transport
type BLEConfig struct {
	ChunkSize int `yaml:"chunk_size"`
}

// SerialConfig tunes the serial transport
type SerialConfig struct {
	Baud     int      `yaml:"baud"`
	Patterns []string `yaml:"patterns"`
}

// SimDevice is a scripted device for the sim transport
type SimDevice struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
	Bonded  bool   `yaml:"bonded"`
}

// SimConfig scripts the sim transport
type SimConfig struct {
	Devices []SimDevice `yaml:"devices"`
}

// Default returns the built-in settings
func Default() Config {
	return Config{
		Transport:      defaultTransport(runtime.GOOS),
		Adapter:        "hci0",
		PaperWidth:     printjob.DefaultPaperWidth,
		ConnectTimeout: 5 * time.Second,
		Port:           DefaultPort,
		Bluez:          BluezConfig{Channel: 1},
		BLE:            BLEConfig{ChunkSize: 20},
		Serial:         SerialConfig{Baud: 9600},
		Sim: SimConfig{Devices: []SimDevice{
			{Name: "MTP-II", Address: "66:22:B3:1F:0C:7A"},
			{Name: "PT-210", Address: "86:67:7A:10:32:5E"},
			{Name: "", Address: "4C:2A:91:03:77:E1"},
		}},
	}
}

func defaultTransport(goos string) string {
	if goos == "linux" {
		return TransportBlueZ
	}
	return TransportBLE
}

// DefaultPath is $XDG_CONFIG_HOME/btprint/config.yaml or the platform equivalent
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, appName, "config.yaml")
}

// Load reads defaults, then path (DefaultPath when empty), then the
// environment. A missing default file is not an error; a missing explicit
// file is.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			if explicit || !errors.Is(err, os.ErrNotExist) {
				return Config{}, err
			}
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("BTPRINT_TRANSPORT"); ok && v != "" {
		c.Transport = v
	}
	if v, ok := lookup("BTPRINT_REGISTRY"); ok && v != "" {
		c.RegistryPath = v
	}
	if v, ok := lookup("BTPRINT_ADAPTER"); ok && v != "" {
		c.Adapter = v
	}
	if v, ok := lookup("BTPRINT_PAPER_WIDTH"); ok && v != "" {
		c.PaperWidth = v
	}
	if v, ok := lookup("BTPRINT_CONNECT_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid BTPRINT_CONNECT_TIMEOUT: %w", err)
		}
		c.ConnectTimeout = d
	}
	if v, ok := lookup("BTPRINT_KEEP_ALIVE"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid BTPRINT_KEEP_ALIVE: %w", err)
		}
		c.KeepAlive = b
	}
	if v, ok := lookup("SERVER_PORT"); ok && v != "" {
		c.Port = v
	}
	return nil
}

// Validate checks the settings are usable
func (c Config) Validate() error {
	switch c.Transport {
	case TransportBlueZ, TransportBLE, TransportSerial, TransportUSB, TransportSim:
	default:
		return fmt.Errorf("unknown transport: %q (want bluez, ble, serial, usb or sim)", c.Transport)
	}
	if _, ok := printjob.PaperWidthDots(c.PaperWidth); !ok {
		return fmt.Errorf("invalid paper width: %s (must be 58mm, 80mm, or 112mm)", c.PaperWidth)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout must be positive, got %s", c.ConnectTimeout)
	}
	if port, err := strconv.Atoi(c.Port); err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid port: %q", c.Port)
	}
	return nil
}

// ResolveRegistryPath returns the configured registry path, or a file in the
// user config directory, or one in the working directory when the config
// directory cannot be created.
func (c Config) ResolveRegistryPath() string {
	if c.RegistryPath != "" {
		return c.RegistryPath
	}

	if dir, err := os.UserConfigDir(); err == nil {
		dir = filepath.Join(dir, appName)
		if err := os.MkdirAll(dir, 0o755); err == nil {
			return filepath.Join(dir, registryFileName)
		}
	}

	if wd, err := os.Getwd(); err == nil {
		return filepath.Join(wd, registryFileName)
	}
	return registryFileName
}
