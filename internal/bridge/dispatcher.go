// Package bridge routes everything: commands from both transports mutate
// the actuator state through one dispatch loop, and telemetry fans out
// from the same loop to both transports. Serializing through a single
// loop is what makes "last writer wins" hold without per-field locking
// spread across the codebase.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/jasperhome/jasperd/internal/actuator"
	"github.com/jasperhome/jasperd/internal/command"
	"github.com/jasperhome/jasperd/internal/gatt"
	"github.com/jasperhome/jasperd/internal/sensor"
	"github.com/jasperhome/jasperd/internal/task"
	"github.com/jasperhome/jasperd/internal/uplink"
)

// eventQueueSize bounds the inbound event queue. The loop never blocks on
// I/O (notifies drop, publishes hand off), so the queue drains fast and
// posters block only momentarily under burst.
const eventQueueSize = 64

// ErrStopped reports a post against a dispatcher that is not running.
var ErrStopped = errors.New("dispatcher stopped")

// Notifier is the radio-side sink for state echoes and telemetry.
type Notifier interface {
	Notify(id gatt.AttrID, payload []byte)
}

// Session is the broker-side sink and its control surface.
type Session interface {
	PublishTelemetry(payload []byte) error
	Configure(cfg command.BrokerConfig)
	SetUplink(up bool)
}

// Uplink restarts the network attachment when new credentials arrive.
type Uplink interface {
	Reconfigure(creds command.Credentials)
}

// Deps wires the dispatcher to its collaborators. All fields are
// required.
type Deps struct {
	Strip   actuator.Strip
	Servo   actuator.Servo
	Radio   Notifier
	Session Session
	Uplink  Uplink
}

// Dispatcher owns the LED pattern, the servo angle and the latest
// telemetry record. A single loop applies commands in arrival order and
// fans telemetry out to both transports; either sink failing never
// affects the other.
type Dispatcher struct {
	logger logrus.FieldLogger
	deps   Deps

	events chan event

	mu        sync.Mutex
	pattern   command.LedPattern
	angle     float64
	latest    sensor.Record
	sessionUp bool
	runCtx    context.Context
	cancel    context.CancelFunc
	group     task.Group
}

// NewDispatcher creates a dispatcher holding the power-on state: strip
// dark, servo centered, no telemetry yet.
func NewDispatcher(logger logrus.FieldLogger, deps Deps) *Dispatcher {
	return &Dispatcher{
		logger: logger.WithField("component", "bridge"),
		deps:   deps,
		events: make(chan event, eventQueueSize),
		angle:  command.CenterAngle,
	}
}

// Start applies the power-on actuator state and begins dispatching.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.runCtx != nil {
		d.mu.Unlock()
		return errors.New("dispatcher already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.runCtx, d.cancel = runCtx, cancel
	pattern, angle := d.pattern, d.angle
	d.mu.Unlock()

	if err := d.deps.Strip.Apply(pattern); err != nil {
		d.logger.WithError(err).Error("Initial LED apply failed")
	}
	if err := d.deps.Servo.Move(angle); err != nil {
		d.logger.WithError(err).Error("Initial servo move failed")
	}

	d.group.Go(runCtx, "bridge-dispatch", d.run)
	d.logger.Info("Dispatcher started")
	return nil
}

// Stop halts the loop and waits for it. Events still queued are dropped.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.runCtx, d.cancel = nil, nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	d.group.Wait()
}

func (d *Dispatcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.logger.Debug("Dispatch loop stopped")
			return
		case ev := <-d.events:
			d.handle(ev)
		}
	}
}

// post enqueues one event, blocking until the loop takes it or the
// dispatcher stops.
func (d *Dispatcher) post(ev event) error {
	d.mu.Lock()
	ctx := d.runCtx
	d.mu.Unlock()

	if ctx == nil {
		return ErrStopped
	}
	select {
	case d.events <- ev:
		return nil
	case <-ctx.Done():
		return ErrStopped
	}
}

// Post hands a validated command to the dispatch loop. Both transports
// call this after their payload parsing succeeded.
func (d *Dispatcher) Post(cmd command.Command, origin command.Origin) error {
	return d.post(commandEvent{cmd: cmd, origin: origin})
}

// PostTelemetry hands one decoded record to the loop. Drops during
// shutdown are silent; the next record replaces the lost one anyway.
func (d *Dispatcher) PostTelemetry(rec sensor.Record) {
	if err := d.post(telemetryEvent{rec: rec}); err != nil {
		d.logger.WithError(err).Debug("Telemetry record dropped")
	}
}

// PostUplink matches uplink.StatusFunc.
func (d *Dispatcher) PostUplink(state uplink.State, addr string) {
	if err := d.post(uplinkEvent{state: state, addr: addr}); err != nil {
		d.logger.WithError(err).Debug("Uplink transition dropped")
	}
}

// PostSession matches mqttc's status callback.
func (d *Dispatcher) PostSession(connected bool) {
	if err := d.post(sessionEvent{connected: connected}); err != nil {
		d.logger.WithError(err).Debug("Session transition dropped")
	}
}

// PostPeer matches gatt.StateFunc, so radio transitions land in the same
// log stream as everything else.
func (d *Dispatcher) PostPeer(state gatt.ConnState, peer string) {
	if err := d.post(peerEvent{state: state, peer: peer}); err != nil {
		d.logger.WithError(err).Debug("Peer transition dropped")
	}
}

func (d *Dispatcher) handle(ev event) {
	switch e := ev.(type) {
	case commandEvent:
		d.apply(e.cmd, e.origin)
	case telemetryEvent:
		d.fanOut(e.rec)
	case uplinkEvent:
		up := e.state == uplink.StateUp
		d.logger.WithFields(logrus.Fields{
			"state": e.state.String(),
			"addr":  e.addr,
		}).Info("Uplink transition")
		d.deps.Session.SetUplink(up)
	case sessionEvent:
		d.mu.Lock()
		d.sessionUp = e.connected
		d.mu.Unlock()
		d.logger.WithField("connected", e.connected).Info("Broker session transition")
	case peerEvent:
		d.logger.WithFields(logrus.Fields{
			"state": e.state.String(),
			"peer":  e.peer,
		}).Info("Radio transition")
	}
}

// apply mutates actuator state per one command. Whichever transport
// posted last wins; there is no conflict detection.
func (d *Dispatcher) apply(cmd command.Command, origin command.Origin) {
	log := d.logger.WithField("origin", string(origin))
	switch c := cmd.(type) {
	case command.SetLed:
		d.mu.Lock()
		d.pattern = c.Pattern
		d.mu.Unlock()
		if err := d.deps.Strip.Apply(c.Pattern); err != nil {
			log.WithError(err).Error("LED apply failed")
		}
		d.deps.Radio.Notify(gatt.AttrLed, c.Pattern.Bytes())
		log.Debug("LED pattern updated")
	case command.SetServo:
		d.mu.Lock()
		d.angle = c.Angle
		d.mu.Unlock()
		if err := d.deps.Servo.Move(c.Angle); err != nil {
			log.WithError(err).Error("Servo move failed")
		}
		d.deps.Radio.Notify(gatt.AttrServo, []byte(command.FormatServoAngle(c.Angle)))
		log.WithField("angle", command.FormatServoAngle(c.Angle)).Debug("Servo angle updated")
	case command.JoinNetwork:
		log.WithField("ssid", c.Credentials.SSID).Info("Network credentials received")
		d.deps.Uplink.Reconfigure(c.Credentials)
	case command.ConfigureBroker:
		log.WithField("broker", c.Config.URL()).Info("Broker configuration received")
		d.deps.Session.Configure(c.Config)
	default:
		log.WithField("command", fmt.Sprintf("%T", cmd)).Warn("Unknown command ignored")
	}
}

// fanOut stores one record and duplicates it to both transports, best
// effort each: the radio notify drops without a subscriber, the broker
// publish is skipped while the session is down.
func (d *Dispatcher) fanOut(rec sensor.Record) {
	d.mu.Lock()
	d.latest = rec
	sessionUp := d.sessionUp
	d.mu.Unlock()

	payload := rec.JSON()
	d.deps.Radio.Notify(gatt.AttrTelemetry, payload)
	if sessionUp {
		if err := d.deps.Session.PublishTelemetry(payload); err != nil {
			d.logger.WithError(err).Debug("Telemetry publish dropped")
		}
	}
}

// Pattern returns the current LED pattern.
func (d *Dispatcher) Pattern() command.LedPattern {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pattern
}

// Angle returns the current servo angle in degrees.
func (d *Dispatcher) Angle() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.angle
}

// Latest returns the most recent telemetry record; ok is false until the
// first valid frame decodes.
func (d *Dispatcher) Latest() (sensor.Record, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.latest, d.latest.Valid
}
