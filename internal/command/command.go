// Package command defines the bridge's command vocabulary: the typed
// actions a transport can request and the payload parsers both transports
// share. The radio attribute server and the broker session parse inbound
// payloads here and hand the resulting Command to the dispatcher, so a
// value rejected on one transport is rejected identically on the other.
package command

// Origin identifies the transport a command arrived on. Used for logging
// and nothing else; the dispatcher treats all origins the same.
type Origin string

const (
	OriginRadio  Origin = "radio"
	OriginBroker Origin = "broker"
)

// Command is the closed set of actions the dispatcher accepts.
type Command interface {
	isCommand()
}

// SetLed replaces the full LED pattern.
type SetLed struct {
	Pattern LedPattern
}

// SetServo moves the servo to an absolute angle in degrees.
type SetServo struct {
	Angle float64
}

// JoinNetwork supplies new uplink credentials and restarts the uplink.
type JoinNetwork struct {
	Credentials Credentials
}

// ConfigureBroker supplies a new broker destination for the session.
type ConfigureBroker struct {
	Config BrokerConfig
}

func (SetLed) isCommand()          {}
func (SetServo) isCommand()        {}
func (JoinNetwork) isCommand()     {}
func (ConfigureBroker) isCommand() {}
