// Package actuator declares the output seams the dispatcher drives: the
// LED strip and the servo. The signal-level encodings behind them live
// outside this daemon; the implementations here log the applied state or
// record it for tests.
package actuator

import (
	"github.com/sirupsen/logrus"

	"github.com/jasperhome/jasperd/internal/command"
)

// Strip receives full LED pattern updates. Apply replaces the whole
// strip state; there are no partial updates.
type Strip interface {
	Apply(pattern command.LedPattern) error
}

// Servo receives absolute moves in degrees.
type Servo interface {
	Move(angle float64) error
}

// LogStrip logs applied patterns. It is the default strip when no
// hardware backend is wired in.
type LogStrip struct {
	logger logrus.FieldLogger
}

func NewLogStrip(logger logrus.FieldLogger) *LogStrip {
	return &LogStrip{logger: logger.WithField("component", "led-strip")}
}

func (s *LogStrip) Apply(pattern command.LedPattern) error {
	lit := 0
	for _, c := range pattern {
		if c != 0 {
			lit++
		}
	}
	s.logger.WithFields(logrus.Fields{
		"pattern": pattern.String(),
		"lit":     lit,
	}).Info("LED pattern applied")
	return nil
}

// LogServo logs moves. It is the default servo when no hardware backend
// is wired in.
type LogServo struct {
	logger logrus.FieldLogger
}

func NewLogServo(logger logrus.FieldLogger) *LogServo {
	return &LogServo{logger: logger.WithField("component", "servo")}
}

func (s *LogServo) Move(angle float64) error {
	s.logger.WithField("angle", command.FormatServoAngle(angle)).Info("Servo moved")
	return nil
}
