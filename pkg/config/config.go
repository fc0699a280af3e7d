// Package config holds the daemon's file configuration and the logger
// construction shared by every command.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/jasperhome/jasperd/internal/command"
)

// Duration wraps time.Duration so YAML files can say "500ms" or "30s".
type Duration time.Duration

// D returns the wrapped time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return d.D().String() }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// Config is the daemon configuration. Zero values take the declared
// defaults; a YAML file overrides them, command-line flags override the
// file.
type Config struct {
	// DeviceName is the advertised radio identity.
	DeviceName string `yaml:"device_name" default:"ESP-LED"`

	// ServiceUUID is the 16-bit hex UUID of the primary attribute
	// service, with or without a 0x prefix.
	ServiceUUID string `yaml:"service_uuid" default:"00FF"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" default:"info"`

	Serial SerialConfig `yaml:"serial"`
	Uplink UplinkConfig `yaml:"uplink"`
	Broker BrokerConfig `yaml:"broker"`
}

// SerialConfig describes the sensor line.
type SerialConfig struct {
	// Port is the serial device path. Empty disables the sensor reader.
	Port string `yaml:"port" default:"/dev/ttyUSB0"`

	// Baud is fixed by the sensor at 9600 but stays configurable for
	// bench setups.
	Baud int `yaml:"baud" default:"9600"`

	// IdleWindow is how long a partial frame may stall before the
	// decoder discards it. Defaults to 500ms.
	IdleWindow Duration `yaml:"idle_window"`
}

// UplinkConfig describes the network attachment and its retry budget.
type UplinkConfig struct {
	// SSID and Password seed the uplink credentials. An empty SSID
	// leaves the uplink down until credentials arrive over the radio.
	SSID     string `yaml:"ssid"`
	Password string `yaml:"password"`

	// ProbeAddress is the TCP endpoint whose reachability stands for
	// the uplink being up.
	ProbeAddress string `yaml:"probe_address" default:"1.1.1.1:53"`

	// MaxAttempts bounds consecutive failed attachment attempts before
	// the uplink parks in its failed state.
	MaxAttempts int `yaml:"max_attempts" default:"5"`

	// ConnectTimeout bounds one attachment attempt. Defaults to 30s.
	ConnectTimeout Duration `yaml:"connect_timeout"`
}

// BrokerConfig optionally seeds the broker destination from the file.
// The usual path is configuration over the radio or the config topic.
type BrokerConfig struct {
	Address  string `yaml:"address"`
	Port     int    `yaml:"port" default:"1883"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	ClientID string `yaml:"client_id"`
	Prefix   string `yaml:"prefix" default:"jasper-c3"`
}

// Command converts the static broker section to the shared command form.
// ok is false when the file configures no broker.
func (b BrokerConfig) Command() (command.BrokerConfig, bool) {
	if b.Address == "" {
		return command.BrokerConfig{}, false
	}
	cfg := command.BrokerConfig{
		Broker:   b.Address,
		Port:     b.Port,
		Username: b.Username,
		Password: b.Password,
		ClientID: b.ClientID,
		Prefix:   b.Prefix,
	}
	cfg.Normalize()
	return cfg, true
}

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.Serial.IdleWindow = Duration(500 * time.Millisecond)
	cfg.Uplink.ConnectTimeout = Duration(30 * time.Second)
	return cfg
}

// Load reads a YAML file over the defaults and validates the result. An
// empty path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// ServiceID returns the parsed 16-bit service UUID. Call after Validate
// accepted the config.
func (c *Config) ServiceID() uint16 {
	id, _ := parseServiceUUID(c.ServiceUUID)
	return id
}

func parseServiceUUID(s string) (uint16, error) {
	raw := strings.TrimPrefix(strings.ToLower(s), "0x")
	id, err := strconv.ParseUint(raw, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("%q is not a 16-bit hex UUID", s)
	}
	return uint16(id), nil
}

// Validate rejects values the daemon cannot run with.
func (c *Config) Validate() error {
	if c.DeviceName == "" {
		return fmt.Errorf("device_name must not be empty")
	}
	if _, err := parseServiceUUID(c.ServiceUUID); err != nil {
		return fmt.Errorf("service_uuid: %w", err)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.Serial.Baud <= 0 {
		return fmt.Errorf("serial.baud must be positive")
	}
	if c.Serial.IdleWindow <= 0 {
		return fmt.Errorf("serial.idle_window must be positive")
	}
	if c.Uplink.ProbeAddress == "" {
		return fmt.Errorf("uplink.probe_address must not be empty")
	}
	if c.Uplink.MaxAttempts <= 0 {
		return fmt.Errorf("uplink.max_attempts must be positive")
	}
	if c.Uplink.ConnectTimeout <= 0 {
		return fmt.Errorf("uplink.connect_timeout must be positive")
	}
	if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
		return fmt.Errorf("broker.port %d out of range", c.Broker.Port)
	}
	return nil
}

// NewLogger creates a configured logger instance.
func (c *Config) NewLogger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("log_level: %w", err)
	}

	logger := logrus.New()
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger, nil
}
