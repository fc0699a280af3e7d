package bridge

import (
	"github.com/jasperhome/jasperd/internal/command"
	"github.com/jasperhome/jasperd/internal/gatt"
)

// Bind registers the bridge's attribute table on the radio server. Writes
// parse synchronously so the peer sees validation failures in the ATT
// response; the resulting command then goes through the dispatch loop
// like any other. Reads return dispatcher state.
func (d *Dispatcher) Bind(srv *gatt.Server) error {
	attrs := []gatt.Attr{
		{ID: gatt.AttrLed, Read: d.readLed, Write: d.writeLed, Notify: true},
		{ID: gatt.AttrServo, Read: d.readServo, Write: d.writeServo, Notify: true},
		{ID: gatt.AttrTelemetry, Read: d.readTelemetry, Notify: true},
		{ID: gatt.AttrNetwork, Write: d.writeNetwork},
		{ID: gatt.AttrBroker, Write: d.writeBroker},
	}
	for _, attr := range attrs {
		if err := srv.Register(attr); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) readLed() ([]byte, error) {
	pattern := d.Pattern()
	return pattern.Bytes(), nil
}

func (d *Dispatcher) writeLed(data []byte) error {
	pattern, err := command.ParseLedPattern(data)
	if err != nil {
		return err
	}
	return d.Post(command.SetLed{Pattern: pattern}, command.OriginRadio)
}

func (d *Dispatcher) readServo() ([]byte, error) {
	return []byte(command.FormatServoAngle(d.Angle())), nil
}

func (d *Dispatcher) writeServo(data []byte) error {
	angle, err := command.ParseServoAngle(data)
	if err != nil {
		return err
	}
	return d.Post(command.SetServo{Angle: angle}, command.OriginRadio)
}

// readTelemetry returns the latest record, or an empty object before the
// first valid frame arrives.
func (d *Dispatcher) readTelemetry() ([]byte, error) {
	rec, ok := d.Latest()
	if !ok {
		return []byte("{}"), nil
	}
	return rec.JSON(), nil
}

func (d *Dispatcher) writeNetwork(data []byte) error {
	creds, err := command.ParseCredentials(data)
	if err != nil {
		return err
	}
	return d.Post(command.JoinNetwork{Credentials: creds}, command.OriginRadio)
}

func (d *Dispatcher) writeBroker(data []byte) error {
	cfg, err := command.ParseBrokerConfig(data)
	if err != nil {
		return err
	}
	return d.Post(command.ConfigureBroker{Config: cfg}, command.OriginRadio)
}
