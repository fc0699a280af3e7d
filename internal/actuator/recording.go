package actuator

import (
	"sync"

	"github.com/jasperhome/jasperd/internal/command"
)

// RecordingStrip captures applied patterns for tests.
type RecordingStrip struct {
	mu       sync.Mutex
	patterns []command.LedPattern
	err      error
}

// Fail makes every subsequent Apply return err.
func (s *RecordingStrip) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *RecordingStrip) Apply(pattern command.LedPattern) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.patterns = append(s.patterns, pattern)
	return nil
}

// Last returns the most recent pattern, or false if none was applied.
func (s *RecordingStrip) Last() (command.LedPattern, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.patterns) == 0 {
		return command.LedPattern{}, false
	}
	return s.patterns[len(s.patterns)-1], true
}

func (s *RecordingStrip) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.patterns)
}

// RecordingServo captures moves for tests.
type RecordingServo struct {
	mu     sync.Mutex
	angles []float64
	err    error
}

// Fail makes every subsequent Move return err.
func (s *RecordingServo) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *RecordingServo) Move(angle float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.angles = append(s.angles, angle)
	return nil
}

// Last returns the most recent angle, or false if none was moved.
func (s *RecordingServo) Last() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.angles) == 0 {
		return 0, false
	}
	return s.angles[len(s.angles)-1], true
}

func (s *RecordingServo) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.angles)
}
