// Package mqttc maintains the broker session over the network uplink.
// The session runs only while a broker destination is configured and the
// uplink reports up. It never retries on its own: when the connection is
// lost the uplink manager owns recovery, and the session is rebuilt on
// the next transition to up or on new configuration.
package mqttc

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/jasperhome/jasperd/internal/command"
	"github.com/jasperhome/jasperd/internal/task"
)

// Topic paths relative to the configured prefix.
const (
	TopicControl      = "control/+"
	TopicControlLed   = "control/led"
	TopicControlServo = "control/servo"
	TopicConfig       = "config"
	TopicStatus       = "status"
	TopicTelemetry    = "sensor/data"
)

// Retained status payloads.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

const (
	// DefaultConnectTimeout bounds one broker connection attempt.
	DefaultConnectTimeout = 10 * time.Second

	// keepAlive matches the firmware-era session keepalive.
	keepAlive = 60 * time.Second

	// disconnectQuiesce is how long a teardown waits for the retained
	// offline status to flush before dropping the socket.
	disconnectQuiesce = 250 * time.Millisecond
)

// ErrNotConnected reports a publish attempted without a live session.
// Callers treat the message as dropped; nothing is queued.
var ErrNotConnected = errors.New("broker session not connected")

// ClientFactory creates paho clients. Tests replace this to avoid real
// sockets.
var ClientFactory = func(opts *mqtt.ClientOptions) mqtt.Client {
	return mqtt.NewClient(opts)
}

// CommandFunc receives commands decoded from inbound control and config
// messages.
type CommandFunc func(cmd command.Command, origin command.Origin)

// StatusFunc observes session state transitions.
type StatusFunc func(connected bool)

// Options configures a Session.
type Options struct {
	// DeviceID derives the default client identifier "jasper_<id>" when
	// the broker config carries none. Empty selects DeviceID().
	DeviceID string

	// ConnectTimeout bounds one connection attempt. Zero selects
	// DefaultConnectTimeout.
	ConnectTimeout time.Duration

	// Config optionally seeds the broker destination. The usual path is
	// a ConfigureBroker command after startup.
	Config command.BrokerConfig
}

// Session owns at most one broker client at a time. Reconfiguration and
// uplink transitions tear the old client down and build a fresh one; the
// paho client is treated as disposable.
type Session struct {
	logger    logrus.FieldLogger
	onCommand CommandFunc
	onStatus  StatusFunc

	deviceID       string
	connectTimeout time.Duration

	mu        sync.Mutex
	cfg       command.BrokerConfig
	client    mqtt.Client
	connected bool
	uplinkUp  bool
	started   bool
	baseCtx   context.Context
	group     task.Group
}

// NewSession creates a session. Nil callbacks are replaced with no-ops.
func NewSession(logger logrus.FieldLogger, opts Options, onCommand CommandFunc, onStatus StatusFunc) *Session {
	if onCommand == nil {
		onCommand = func(command.Command, command.Origin) {}
	}
	if onStatus == nil {
		onStatus = func(bool) {}
	}
	if opts.DeviceID == "" {
		opts.DeviceID = DeviceID()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	cfg := opts.Config
	if !cfg.IsZero() {
		cfg.Normalize()
	}
	return &Session{
		logger:         logger.WithField("component", "mqtt"),
		onCommand:      onCommand,
		onStatus:       onStatus,
		deviceID:       opts.DeviceID,
		connectTimeout: opts.ConnectTimeout,
		cfg:            cfg,
	}
}

// DeviceID derives a stable identifier from the host name, standing in
// for the radio MAC the firmware used: twelve hex digits.
func DeviceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "000000000000"
	}
	sum := sha1.Sum([]byte(host))
	return hex.EncodeToString(sum[:6])
}

// Start arms the session. No connection is attempted until the uplink
// reports up and a broker destination is configured.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("session already started")
	}
	s.started = true
	s.baseCtx = ctx
	s.maybeConnectLocked()
	return nil
}

// Connected reports whether a broker session is live.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Config returns the current broker destination (zero when none is
// configured).
func (s *Session) Config() command.BrokerConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// SetUplink informs the session of uplink transitions. Up starts a
// connection attempt if a destination is configured; down tears the
// session down immediately, with no farewell since the transport is gone.
func (s *Session) SetUplink(up bool) {
	s.mu.Lock()
	s.uplinkUp = up
	if up {
		s.maybeConnectLocked()
		s.mu.Unlock()
		return
	}
	client, wasConnected := s.detachLocked()
	s.mu.Unlock()

	if client != nil {
		s.logger.Info("Uplink down, dropping broker session")
		s.teardown(client, wasConnected, false, "")
	}
}

// Configure installs a broker destination. A destination identical to
// the current one is a no-op; otherwise any live session is torn down
// (flushing a retained offline status) and a fresh one is established.
func (s *Session) Configure(cfg command.BrokerConfig) {
	cfg.Normalize()

	s.mu.Lock()
	if s.cfg == cfg {
		s.mu.Unlock()
		s.logger.Debug("Broker configuration unchanged")
		return
	}
	oldPrefix := s.cfg.Prefix
	s.cfg = cfg
	client, wasConnected := s.detachLocked()
	started := s.started
	if client == nil {
		s.maybeConnectLocked()
		s.mu.Unlock()
		s.logger.WithFields(logrus.Fields{
			"broker": cfg.URL(),
			"prefix": cfg.Prefix,
		}).Info("Broker configured")
		return
	}
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"broker": cfg.URL(),
		"prefix": cfg.Prefix,
	}).Info("Broker reconfigured, replacing session")

	if !started {
		s.teardown(client, wasConnected, true, oldPrefix)
		return
	}
	// replace off the caller's goroutine; the teardown waits on the wire
	s.group.Go(s.baseCtx, "mqtt-reconfigure", func(context.Context) {
		s.teardown(client, wasConnected, true, oldPrefix)
		s.mu.Lock()
		s.maybeConnectLocked()
		s.mu.Unlock()
	})
}

// Disconnect tears down any live session after a best-effort retained
// offline status, then waits for the session's goroutines. The session
// stays usable; a later uplink-up transition or configuration brings it
// back.
func (s *Session) Disconnect() {
	s.mu.Lock()
	prefix := s.cfg.Prefix
	client, wasConnected := s.detachLocked()
	s.mu.Unlock()

	if client != nil {
		s.logger.Info("Disconnecting from broker")
		s.teardown(client, wasConnected, true, prefix)
	}
	s.group.Wait()
}

// Publish sends one message under the configured prefix. It fails fast
// when no session is live; delivery errors after handoff are only logged.
func (s *Session) Publish(relative string, payload []byte, qos byte, retained bool) error {
	s.mu.Lock()
	client, connected := s.client, s.connected
	topic := s.cfg.Topic(relative)
	s.mu.Unlock()

	if client == nil || !connected {
		return ErrNotConnected
	}
	token := client.Publish(topic, qos, retained, payload)
	go func() {
		if token.Wait() && token.Error() != nil {
			s.logger.WithError(token.Error()).WithField("topic", topic).Debug("Publish failed")
		}
	}()
	return nil
}

// PublishTelemetry sends one telemetry payload, at most once and not
// retained. A stale reading is worthless, so nothing is queued for later.
func (s *Session) PublishTelemetry(payload []byte) error {
	return s.Publish(TopicTelemetry, payload, 0, false)
}

// detachLocked removes the current client from the session. The caller
// passes the result to teardown after releasing the lock.
func (s *Session) detachLocked() (mqtt.Client, bool) {
	client := s.client
	wasConnected := s.connected
	s.client = nil
	s.connected = false
	return client, wasConnected
}

// maybeConnectLocked starts a connection attempt when the session is
// armed, idle, the uplink is up, and a destination is configured.
func (s *Session) maybeConnectLocked() {
	if !s.started || s.client != nil || !s.uplinkUp || s.cfg.IsZero() {
		return
	}
	cfg := s.cfg
	client := ClientFactory(s.clientOptions(cfg))
	s.client = client
	s.group.Go(s.baseCtx, "mqtt-connect", func(context.Context) {
		s.connect(client, cfg)
	})
}

func (s *Session) clientOptions(cfg command.BrokerConfig) *mqtt.ClientOptions {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "jasper_" + s.deviceID
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.URL()).
		SetClientID(clientID).
		SetKeepAlive(keepAlive).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectTimeout(s.connectTimeout).
		SetWill(cfg.Topic(TopicStatus), StatusOffline, 1, true).
		SetOnConnectHandler(s.handleConnect).
		SetConnectionLostHandler(s.handleConnectionLost)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	return opts
}

func (s *Session) connect(client mqtt.Client, cfg command.BrokerConfig) {
	s.logger.WithFields(logrus.Fields{
		"broker": cfg.URL(),
		"prefix": cfg.Prefix,
	}).Info("Connecting to broker")

	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		s.logger.WithError(token.Error()).Warn("Broker connection failed")
		s.mu.Lock()
		if s.client == client {
			s.client = nil
		}
		s.mu.Unlock()
	}
	// success is reported through the connect handler
}

// handleConnect runs on every successful connect: subscribe the command
// topics, announce the retained online status, then surface the state.
func (s *Session) handleConnect(client mqtt.Client) {
	s.mu.Lock()
	if s.client != client {
		s.mu.Unlock()
		client.Disconnect(0) // attempt was abandoned while in flight
		return
	}
	s.connected = true
	cfg := s.cfg
	s.mu.Unlock()

	s.logger.WithField("broker", cfg.URL()).Info("Broker session established")

	for _, relative := range []string{TopicControl, TopicConfig} {
		topic := cfg.Topic(relative)
		if token := client.Subscribe(topic, 1, s.route); token.Wait() && token.Error() != nil {
			s.logger.WithError(token.Error()).WithField("topic", topic).Error("Subscribe failed")
		}
	}
	if token := client.Publish(cfg.Topic(TopicStatus), 1, true, []byte(StatusOnline)); token.Wait() && token.Error() != nil {
		s.logger.WithError(token.Error()).Warn("Online status publish failed")
	}
	s.onStatus(true)
}

// handleConnectionLost surfaces the drop and leaves recovery to the
// uplink manager.
func (s *Session) handleConnectionLost(client mqtt.Client, err error) {
	s.mu.Lock()
	if s.client != client {
		s.mu.Unlock()
		return
	}
	wasConnected := s.connected
	s.client = nil
	s.connected = false
	s.mu.Unlock()

	s.logger.WithError(err).Warn("Broker session lost")
	if wasConnected {
		s.onStatus(false)
	}
}

// teardown closes a detached client, optionally flushing a retained
// offline status first. sayGoodbye is skipped when the uplink is already
// gone.
func (s *Session) teardown(client mqtt.Client, wasConnected, sayGoodbye bool, prefix string) {
	if wasConnected && sayGoodbye {
		token := client.Publish(prefix+"/"+TopicStatus, 1, true, []byte(StatusOffline))
		if !token.WaitTimeout(disconnectQuiesce) || token.Error() != nil {
			s.logger.Debug("Offline status not confirmed before disconnect")
		}
	}
	client.Disconnect(uint(disconnectQuiesce.Milliseconds()))
	if wasConnected {
		s.onStatus(false)
	}
}
