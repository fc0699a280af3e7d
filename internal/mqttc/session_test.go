package mqttc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jasperhome/jasperd/internal/command"
	"github.com/jasperhome/jasperd/internal/testutils"
)

type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type publishRecord struct {
	topic    string
	qos      byte
	retained bool
	payload  string
}

type subscription struct {
	topic   string
	qos     byte
	handler mqtt.MessageHandler
}

// fakeClient stands in for a paho client. Connect fires the configured
// OnConnect handler synchronously, the way a live client does once the
// broker acknowledges.
type fakeClient struct {
	mu           sync.Mutex
	opts         *mqtt.ClientOptions
	connectErr   error
	connected    bool
	disconnected bool
	publishes    []publishRecord
	subs         []subscription
}

func (c *fakeClient) Connect() mqtt.Token {
	if c.connectErr != nil {
		return &fakeToken{err: c.connectErr}
	}
	c.mu.Lock()
	c.connected = true
	onConnect := c.opts.OnConnect
	c.mu.Unlock()
	if onConnect != nil {
		onConnect(c)
	}
	return &fakeToken{}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnected = true
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	data, _ := payload.([]byte)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishes = append(c.publishes, publishRecord{topic: topic, qos: qos, retained: retained, payload: string(data)})
	return &fakeToken{}
}

func (c *fakeClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, subscription{topic: topic, qos: qos, handler: callback})
	return &fakeToken{}
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) IsConnectionOpen() bool { return c.IsConnected() }

func (c *fakeClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return &fakeToken{}
}

func (c *fakeClient) Unsubscribe(...string) mqtt.Token { return &fakeToken{} }

func (c *fakeClient) AddRoute(string, mqtt.MessageHandler) {}

func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

func (c *fakeClient) wasDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

func (c *fakeClient) publishRecords() []publishRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]publishRecord(nil), c.publishes...)
}

func (c *fakeClient) subscriptions() []subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]subscription(nil), c.subs...)
}

func (c *fakeClient) handlerFor(topic string) mqtt.MessageHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subs {
		if sub.topic == topic {
			return sub.handler
		}
	}
	return nil
}

type receivedCommand struct {
	cmd    command.Command
	origin command.Origin
}

// harness owns a session wired to fake clients and records every
// callback the session makes.
type harness struct {
	t       *testing.T
	session *Session

	mu       sync.Mutex
	clients  []*fakeClient
	commands []receivedCommand
	statuses []bool
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	helper := testutils.NewQuietTestHelper(t)

	h := &harness{t: t}
	orig := ClientFactory
	ClientFactory = func(o *mqtt.ClientOptions) mqtt.Client {
		client := &fakeClient{opts: o}
		h.mu.Lock()
		h.clients = append(h.clients, client)
		h.mu.Unlock()
		return client
	}
	t.Cleanup(func() { ClientFactory = orig })

	h.session = NewSession(helper.Logger, opts,
		func(cmd command.Command, origin command.Origin) {
			h.mu.Lock()
			h.commands = append(h.commands, receivedCommand{cmd: cmd, origin: origin})
			h.mu.Unlock()
		},
		func(connected bool) {
			h.mu.Lock()
			h.statuses = append(h.statuses, connected)
			h.mu.Unlock()
		})
	return h
}

func (h *harness) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *harness) client(i int) *fakeClient {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clients[i]
}

func (h *harness) commandCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.commands)
}

func (h *harness) lastCommand() receivedCommand {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.commands[len(h.commands)-1]
}

func (h *harness) statusLog() []bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]bool(nil), h.statuses...)
}

// connected brings the harness session all the way up against broker
// "mq.local" with the default prefix.
func (h *harness) connected() *fakeClient {
	h.t.Helper()
	h.session.Configure(command.BrokerConfig{Broker: "mq.local"})
	require.NoError(h.t, h.session.Start(context.Background()))
	h.session.SetUplink(true)
	testutils.Eventually(h.t, time.Second, h.session.Connected, "session never connected")
	return h.client(0)
}

func testBrokerConfig() command.BrokerConfig {
	cfg := command.BrokerConfig{Broker: "mq.local"}
	cfg.Normalize()
	return cfg
}

func TestSessionConnectGating(t *testing.T) {
	t.Run("no destination means no attempt", func(t *testing.T) {
		h := newHarness(t, Options{})
		require.NoError(t, h.session.Start(context.Background()))
		h.session.SetUplink(true)

		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, 0, h.clientCount())
		assert.False(t, h.session.Connected())
	})

	t.Run("uplink down means no attempt", func(t *testing.T) {
		h := newHarness(t, Options{Config: testBrokerConfig()})
		require.NoError(t, h.session.Start(context.Background()))

		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, 0, h.clientCount())
	})

	t.Run("connects once configured and up", func(t *testing.T) {
		h := newHarness(t, Options{Config: testBrokerConfig()})
		require.NoError(t, h.session.Start(context.Background()))
		h.session.SetUplink(true)

		testutils.Eventually(t, time.Second, h.session.Connected, "session never connected")
		require.Equal(t, 1, h.clientCount())

		client := h.client(0)
		subs := client.subscriptions()
		require.Len(t, subs, 2)
		assert.Equal(t, "jasper-c3/control/+", subs[0].topic)
		assert.Equal(t, byte(1), subs[0].qos)
		assert.Equal(t, "jasper-c3/config", subs[1].topic)
		assert.Equal(t, byte(1), subs[1].qos)

		pubs := client.publishRecords()
		require.Len(t, pubs, 1)
		assert.Equal(t, publishRecord{topic: "jasper-c3/status", qos: 1, retained: true, payload: StatusOnline}, pubs[0])

		assert.Equal(t, []bool{true}, h.statusLog())
	})

	t.Run("double start fails", func(t *testing.T) {
		h := newHarness(t, Options{})
		require.NoError(t, h.session.Start(context.Background()))
		assert.Error(t, h.session.Start(context.Background()))
	})
}

func TestSessionClientOptions(t *testing.T) {
	t.Run("full destination", func(t *testing.T) {
		h := newHarness(t, Options{})
		h.session.Configure(command.BrokerConfig{
			Broker:   "broker.lan",
			Port:     8883,
			Username: "svc",
			Password: "secret",
			ClientID: "bench-1",
			Prefix:   "lab",
		})
		require.NoError(t, h.session.Start(context.Background()))
		h.session.SetUplink(true)
		testutils.Eventually(t, time.Second, h.session.Connected, "session never connected")

		opts := h.client(0).opts
		require.Len(t, opts.Servers, 1)
		assert.Equal(t, "tcp://broker.lan:8883", opts.Servers[0].String())
		assert.Equal(t, "bench-1", opts.ClientID)
		assert.Equal(t, "svc", opts.Username)
		assert.Equal(t, "secret", opts.Password)
		assert.Equal(t, int64(60), opts.KeepAlive)
		assert.True(t, opts.CleanSession)
		assert.False(t, opts.AutoReconnect)
		assert.True(t, opts.WillEnabled)
		assert.Equal(t, "lab/status", opts.WillTopic)
		assert.Equal(t, StatusOffline, string(opts.WillPayload))
		assert.Equal(t, byte(1), opts.WillQos)
		assert.True(t, opts.WillRetained)
	})

	t.Run("derived client id", func(t *testing.T) {
		h := newHarness(t, Options{DeviceID: "a1b2c3d4e5f6"})
		h.connected()
		assert.Equal(t, "jasper_a1b2c3d4e5f6", h.client(0).opts.ClientID)
	})
}

func TestSessionRouting(t *testing.T) {
	h := newHarness(t, Options{})
	client := h.connected()
	handler := client.handlerFor("jasper-c3/control/+")
	require.NotNil(t, handler)
	configHandler := client.handlerFor("jasper-c3/config")
	require.NotNil(t, configHandler)

	t.Run("led command", func(t *testing.T) {
		handler(client, fakeMessage{topic: "jasper-c3/control/led", payload: []byte("1234567")})

		require.Equal(t, 1, h.commandCount())
		got := h.lastCommand()
		assert.Equal(t, command.OriginBroker, got.origin)
		led, ok := got.cmd.(command.SetLed)
		require.True(t, ok)
		want, err := command.ParseLedPattern([]byte("1234567"))
		require.NoError(t, err)
		assert.Equal(t, want, led.Pattern)
	})

	t.Run("servo command", func(t *testing.T) {
		handler(client, fakeMessage{topic: "jasper-c3/control/servo", payload: []byte("135.5")})

		got := h.lastCommand()
		servo, ok := got.cmd.(command.SetServo)
		require.True(t, ok)
		assert.Equal(t, 135.5, servo.Angle)
	})

	t.Run("broker config command", func(t *testing.T) {
		configHandler(client, fakeMessage{topic: "jasper-c3/config", payload: []byte(`{"broker":"next.lan"}`)})

		got := h.lastCommand()
		cfg, ok := got.cmd.(command.ConfigureBroker)
		require.True(t, ok)
		assert.Equal(t, "next.lan", cfg.Config.Broker)
		assert.Equal(t, command.DefaultBrokerPort, cfg.Config.Port)
	})

	t.Run("rejected payload produces nothing", func(t *testing.T) {
		before := h.commandCount()
		handler(client, fakeMessage{topic: "jasper-c3/control/led", payload: []byte("12x4")})
		assert.Equal(t, before, h.commandCount())
	})

	t.Run("unhandled control topic produces nothing", func(t *testing.T) {
		before := h.commandCount()
		handler(client, fakeMessage{topic: "jasper-c3/control/buzzer", payload: []byte("1")})
		assert.Equal(t, before, h.commandCount())
	})

	t.Run("foreign prefix produces nothing", func(t *testing.T) {
		before := h.commandCount()
		handler(client, fakeMessage{topic: "other/control/led", payload: []byte("1")})
		assert.Equal(t, before, h.commandCount())
	})
}

func TestSessionConnectionLostNoRetry(t *testing.T) {
	h := newHarness(t, Options{})
	client := h.connected()

	client.opts.OnConnectionLost(client, errors.New("broken pipe"))

	testutils.Eventually(t, time.Second, func() bool { return !h.session.Connected() }, "session never dropped")
	assert.Equal(t, []bool{true, false}, h.statusLog())

	// no self-healing: recovery belongs to the uplink manager
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.clientCount())

	h.session.SetUplink(false)
	h.session.SetUplink(true)
	testutils.Eventually(t, time.Second, h.session.Connected, "session never reconnected")
	assert.Equal(t, 2, h.clientCount())
}

func TestSessionUplinkDownDropsQuietly(t *testing.T) {
	h := newHarness(t, Options{})
	client := h.connected()

	h.session.SetUplink(false)

	assert.True(t, client.wasDisconnected())
	for _, pub := range client.publishRecords() {
		assert.NotEqual(t, StatusOffline, pub.payload, "no farewell can be sent on a dead uplink")
	}
	assert.Equal(t, []bool{true, false}, h.statusLog())
	assert.False(t, h.session.Connected())
}

func TestSessionDisconnectSaysGoodbye(t *testing.T) {
	h := newHarness(t, Options{})
	client := h.connected()

	h.session.Disconnect()

	require.True(t, client.wasDisconnected())
	pubs := client.publishRecords()
	require.NotEmpty(t, pubs)
	last := pubs[len(pubs)-1]
	assert.Equal(t, publishRecord{topic: "jasper-c3/status", qos: 1, retained: true, payload: StatusOffline}, last)
	assert.Equal(t, []bool{true, false}, h.statusLog())
}

func TestSessionReconfigure(t *testing.T) {
	t.Run("unchanged destination is a no-op", func(t *testing.T) {
		h := newHarness(t, Options{})
		client := h.connected()

		h.session.Configure(command.BrokerConfig{Broker: "mq.local"})

		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, 1, h.clientCount())
		assert.False(t, client.wasDisconnected())
	})

	t.Run("new destination replaces the session", func(t *testing.T) {
		h := newHarness(t, Options{})
		old := h.connected()

		h.session.Configure(command.BrokerConfig{Broker: "next.lan", Prefix: "attic"})

		testutils.Eventually(t, time.Second, func() bool { return h.clientCount() == 2 }, "replacement client never created")
		testutils.Eventually(t, time.Second, old.wasDisconnected, "old client never disconnected")

		pubs := old.publishRecords()
		last := pubs[len(pubs)-1]
		assert.Equal(t, "jasper-c3/status", last.topic, "farewell goes out under the old prefix")
		assert.Equal(t, StatusOffline, last.payload)

		testutils.Eventually(t, time.Second, h.session.Connected, "session never reconnected")
		assert.Equal(t, "tcp://next.lan:1883", h.client(1).opts.Servers[0].String())
		assert.Equal(t, "attic/status", h.client(1).opts.WillTopic)
	})

	t.Run("configure before uplink stores only", func(t *testing.T) {
		h := newHarness(t, Options{})
		require.NoError(t, h.session.Start(context.Background()))
		h.session.Configure(command.BrokerConfig{Broker: "mq.local"})

		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, 0, h.clientCount())
		assert.Equal(t, "mq.local", h.session.Config().Broker)
	})
}

func TestSessionPublish(t *testing.T) {
	t.Run("fails fast when down", func(t *testing.T) {
		h := newHarness(t, Options{})
		err := h.session.PublishTelemetry([]byte(`{}`))
		assert.ErrorIs(t, err, ErrNotConnected)
	})

	t.Run("telemetry goes out at most once", func(t *testing.T) {
		h := newHarness(t, Options{})
		client := h.connected()

		require.NoError(t, h.session.PublishTelemetry([]byte(`{"co2":600}`)))

		pubs := client.publishRecords()
		last := pubs[len(pubs)-1]
		assert.Equal(t, "jasper-c3/sensor/data", last.topic)
		assert.Equal(t, byte(0), last.qos)
		assert.False(t, last.retained)
		assert.Equal(t, `{"co2":600}`, last.payload)
	})
}

func TestSessionConnectFailure(t *testing.T) {
	h := newHarness(t, Options{})

	orig := ClientFactory
	ClientFactory = func(o *mqtt.ClientOptions) mqtt.Client {
		client := &fakeClient{opts: o, connectErr: errors.New("connection refused")}
		h.mu.Lock()
		h.clients = append(h.clients, client)
		h.mu.Unlock()
		return client
	}
	t.Cleanup(func() { ClientFactory = orig })

	h.session.Configure(testBrokerConfig())
	require.NoError(t, h.session.Start(context.Background()))
	h.session.SetUplink(true)

	testutils.Eventually(t, time.Second, func() bool { return h.clientCount() == 1 }, "attempt never made")
	time.Sleep(20 * time.Millisecond)
	assert.False(t, h.session.Connected())
	assert.Empty(t, h.statusLog())

	// the next uplink-up transition gets a fresh attempt
	h.session.SetUplink(false)
	h.session.SetUplink(true)
	testutils.Eventually(t, time.Second, func() bool { return h.clientCount() == 2 }, "no retry on next transition")
}

func TestDeviceID(t *testing.T) {
	id := DeviceID()
	assert.Len(t, id, 12)
	assert.Equal(t, id, DeviceID(), "device id must be stable")
	for _, r := range id {
		assert.Contains(t, "0123456789abcdef", string(r))
	}
}

func TestDecodeMessage(t *testing.T) {
	tests := []struct {
		name     string
		relative string
		payload  string
		want     interface{}
		wantErr  bool
		wantNil  bool
	}{
		{name: "led", relative: TopicControlLed, payload: "701", want: command.SetLed{}},
		{name: "servo text", relative: TopicControlServo, payload: "90", want: command.SetServo{}},
		{name: "config", relative: TopicConfig, payload: `{"broker":"x"}`, want: command.ConfigureBroker{}},
		{name: "led rejected", relative: TopicControlLed, payload: "8", wantErr: true},
		{name: "servo rejected", relative: TopicControlServo, payload: "270.1", wantErr: true},
		{name: "config rejected", relative: TopicConfig, payload: `{}`, wantErr: true},
		{name: "unknown", relative: "control/buzzer", payload: "1", wantNil: true},
		{name: "status is not inbound", relative: TopicStatus, payload: "online", wantNil: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := decodeMessage(tt.relative, []byte(tt.payload))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, command.IsRejection(err))
				return
			}
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, cmd)
				return
			}
			require.NotNil(t, cmd)
			assert.IsType(t, tt.want, cmd)
		})
	}
}

func TestTopicLayout(t *testing.T) {
	cfg := testBrokerConfig()
	for relative, want := range map[string]string{
		TopicControl:   "jasper-c3/control/+",
		TopicConfig:    "jasper-c3/config",
		TopicStatus:    "jasper-c3/status",
		TopicTelemetry: "jasper-c3/sensor/data",
	} {
		assert.Equal(t, want, cfg.Topic(relative), fmt.Sprintf("relative path %q", relative))
	}
}
