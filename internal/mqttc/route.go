package mqttc

import (
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/jasperhome/jasperd/internal/command"
)

// route handles every subscribed message. Payload validation is shared
// with the radio transport, so both surfaces reject exactly the same
// inputs; a rejected payload is logged and dropped, never acknowledged
// back to the publisher.
func (s *Session) route(_ mqtt.Client, msg mqtt.Message) {
	s.mu.Lock()
	prefix := s.cfg.Prefix
	s.mu.Unlock()

	relative, ok := strings.CutPrefix(msg.Topic(), prefix+"/")
	if !ok {
		s.logger.WithField("topic", msg.Topic()).Debug("Message outside prefix dropped")
		return
	}

	cmd, err := decodeMessage(relative, msg.Payload())
	if err != nil {
		s.logger.WithError(err).WithField("topic", msg.Topic()).Warn("Rejected broker command")
		return
	}
	if cmd == nil {
		s.logger.WithField("topic", msg.Topic()).Debug("Unhandled control topic")
		return
	}
	s.onCommand(cmd, command.OriginBroker)
}

// decodeMessage parses a control or config payload into a command. A nil
// command with a nil error means the topic is not one the session acts on.
func decodeMessage(relative string, payload []byte) (command.Command, error) {
	switch relative {
	case TopicControlLed:
		pattern, err := command.ParseLedPattern(payload)
		if err != nil {
			return nil, err
		}
		return command.SetLed{Pattern: pattern}, nil
	case TopicControlServo:
		angle, err := command.ParseServoAngle(payload)
		if err != nil {
			return nil, err
		}
		return command.SetServo{Angle: angle}, nil
	case TopicConfig:
		cfg, err := command.ParseBrokerConfig(payload)
		if err != nil {
			return nil, err
		}
		return command.ConfigureBroker{Config: cfg}, nil
	default:
		return nil, nil
	}
}
