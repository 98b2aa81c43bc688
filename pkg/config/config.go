package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/mitchellh/go-homedir"
	"github.com/sirupsen/logrus"
	"github.com/srg/blegatt/internal/gatt"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where Load looks when no path is given.
const DefaultPath = "~/.config/blegatt/config.yaml"

// Transport names accepted in Config.Transport.
const (
	TransportGoBLE = "goble"
	TransportBlueZ = "bluez"
)

// Config holds application configuration
type Config struct {
	LogLevel  logrus.Level `yaml:"-"`
	Level     string       `yaml:"log_level" default:"info"`
	Transport string       `yaml:"transport" default:"goble"`
	// Adapter is the BlueZ controller name; the go-ble transport uses the default HCI device.
	Adapter        string        `yaml:"adapter" default:"hci0"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"30s"`
	// OperationTimeout bounds one CLI read or write, including discovery.
	OperationTimeout time.Duration `yaml:"operation_timeout" default:"10s"`
	Discovery        string        `yaml:"discovery" default:"full"`
	AdvertisingName  string        `yaml:"advertising_name" default:"blegatt"`
	// Profile is the peripheral profile served by `blegatt serve`.
	Profile string `yaml:"profile"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.LogLevel = logrus.InfoLevel
	return cfg
}

// Load reads a YAML config file over the defaults. A missing file at DefaultPath is not an
// error; a missing explicit path is.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("config path %s: %w", path, err)
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", expanded, err)
	}
	if cfg.Profile != "" {
		if cfg.Profile, err = homedir.Expand(cfg.Profile); err != nil {
			return nil, fmt.Errorf("profile path %s: %w", cfg.Profile, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks enumerated fields and resolves LogLevel from Level.
func (c *Config) Validate() error {
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %s", c.Level)
	}
	c.LogLevel = level

	switch c.Transport {
	case TransportGoBLE, TransportBlueZ:
	default:
		return fmt.Errorf("invalid transport: %s (must be %s or %s)", c.Transport, TransportGoBLE, TransportBlueZ)
	}
	switch strings.ToLower(c.Discovery) {
	case "full", "essential":
	default:
		return fmt.Errorf("invalid discovery mode: %s (must be full or essential)", c.Discovery)
	}
	if c.ConnectTimeout <= 0 || c.OperationTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	return nil
}

// DiscoveryMode maps Discovery onto the controller's detail discovery mode.
func (c *Config) DiscoveryMode() gatt.DiscoveryMode {
	if strings.EqualFold(c.Discovery, "essential") {
		return gatt.EssentialDiscovery
	}
	return gatt.FullDiscovery
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
