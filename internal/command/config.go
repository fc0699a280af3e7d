package command

import (
	"encoding/json"
	"fmt"
)

const (
	// DefaultBrokerPort is used when a config payload omits the port.
	DefaultBrokerPort = 1883

	// DefaultTopicPrefix is the fixed topic namespace used when a config
	// payload omits the prefix.
	DefaultTopicPrefix = "jasper-c3"
)

// Credentials carries uplink network credentials. Password may be empty
// for open networks.
type Credentials struct {
	SSID     string `json:"ssid"`
	Password string `json:"password,omitempty"`
}

// ParseCredentials parses a network-credentials payload (JSON with keys
// ssid and password; ssid is required).
func ParseCredentials(payload []byte) (Credentials, error) {
	var c Credentials
	if len(payload) == 0 {
		return c, rejectf(BadLength, "empty credentials payload")
	}
	if err := json.Unmarshal(payload, &c); err != nil {
		return Credentials{}, rejectf(BadFormat, "credentials payload: %v", err)
	}
	if c.SSID == "" {
		return Credentials{}, rejectf(BadValue, "credentials payload: ssid is required")
	}
	return c, nil
}

// BrokerConfig describes the broker session destination. Broker is the
// only required field; the rest default per Normalize.
type BrokerConfig struct {
	Broker   string `json:"broker"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// ParseBrokerConfig parses a broker configuration payload (JSON with keys
// broker, port, username, password, client_id, prefix) and normalizes it.
// Only broker is required.
func ParseBrokerConfig(payload []byte) (BrokerConfig, error) {
	var c BrokerConfig
	if len(payload) == 0 {
		return c, rejectf(BadLength, "empty broker config payload")
	}
	if err := json.Unmarshal(payload, &c); err != nil {
		return BrokerConfig{}, rejectf(BadFormat, "broker config payload: %v", err)
	}
	if c.Broker == "" {
		return BrokerConfig{}, rejectf(BadValue, "broker config payload: broker is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return BrokerConfig{}, rejectf(BadValue, "broker config payload: port %d out of range", c.Port)
	}
	c.Normalize()
	return c, nil
}

// Normalize fills defaulted fields in place.
func (c *BrokerConfig) Normalize() {
	if c.Port == 0 {
		c.Port = DefaultBrokerPort
	}
	if c.Prefix == "" {
		c.Prefix = DefaultTopicPrefix
	}
}

// IsZero reports whether no broker destination has been configured yet.
func (c BrokerConfig) IsZero() bool {
	return c.Broker == ""
}

// URL returns the broker destination in the form the session dials.
func (c BrokerConfig) URL() string {
	return fmt.Sprintf("tcp://%s:%d", c.Broker, c.Port)
}

// Topic joins the configured prefix with a relative topic path.
func (c BrokerConfig) Topic(relative string) string {
	return c.Prefix + "/" + relative
}
