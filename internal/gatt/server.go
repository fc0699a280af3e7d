package gatt

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// ConnState is the radio connection lifecycle.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateAdvertising
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateAdvertising:
		return "advertising"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// notifyQueueSize bounds the per-subscription queue; sends drop rather
// than block once it fills.
const notifyQueueSize = 16

// StateFunc observes connection state transitions. peer carries the
// admitted address and is empty outside Connected.
type StateFunc func(state ConnState, peer string)

type attribute struct {
	def Attr
	sub chan []byte
}

// Server is the attribute table and connection state machine. Exactly one
// peer is admitted at a time; when it disconnects the server goes back to
// advertising and all notification subscriptions are dropped.
type Server struct {
	logger logrus.FieldLogger
	name   string

	mu        sync.Mutex
	state     ConnState
	peer      string
	attrs     map[AttrID]*attribute
	order     []AttrID
	dropped   uint64
	hook      StateFunc
	serviceID uint16
}

// NewServer creates a stopped server advertising under the given name.
func NewServer(logger logrus.FieldLogger, name string) *Server {
	return &Server{
		logger:    logger.WithField("component", "gatt"),
		name:      name,
		state:     StateDisconnected,
		attrs:     make(map[AttrID]*attribute),
		serviceID: ServiceID,
	}
}

// Name returns the advertised device name.
func (s *Server) Name() string {
	return s.name
}

// OnStateChange installs a transition observer. Install before Start;
// the hook runs outside the server lock.
func (s *Server) OnStateChange(fn StateFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = fn
}

// SetServiceID overrides the advertised primary service UUID. Set before
// the radio adapter starts.
func (s *Server) SetServiceID(id uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serviceID = id
}

// ServiceID reports the primary service UUID the radio advertises.
func (s *Server) ServiceID() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serviceID
}

// Register adds an attribute definition. All attributes are registered
// before Start; re-registering an ID is an error.
func (s *Server) Register(attr Attr) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.attrs[attr.ID]; ok {
		return fmt.Errorf("attribute 0x%04X already registered", uint16(attr.ID))
	}
	s.attrs[attr.ID] = &attribute{def: attr}
	s.order = append(s.order, attr.ID)
	return nil
}

// Attrs returns the registered attribute definitions in registration
// order, for the radio adapter to build its service from.
func (s *Server) Attrs() []Attr {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Attr, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.attrs[id].def)
	}
	return out
}

// Start moves the server to Advertising.
func (s *Server) Start() {
	s.mu.Lock()
	if s.state != StateDisconnected {
		state := s.state
		s.mu.Unlock()
		s.logger.WithField("state", state).Debug("Start ignored")
		return
	}
	s.state = StateAdvertising
	hook := s.hook
	s.mu.Unlock()

	s.logger.WithField("name", s.name).Info("Attribute server advertising")
	if hook != nil {
		hook(StateAdvertising, "")
	}
}

// Stop moves the server to Disconnected and drops all subscriptions.
// Stopping a stopped server is a no-op.
func (s *Server) Stop() {
	s.mu.Lock()
	changed := s.state != StateDisconnected
	s.dropSubsLocked()
	s.peer = ""
	s.state = StateDisconnected
	hook := s.hook
	s.mu.Unlock()

	if !changed {
		return
	}
	s.logger.Info("Attribute server stopped")
	if hook != nil {
		hook(StateDisconnected, "")
	}
}

// State reports the current connection state.
func (s *Server) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Peer reports the admitted peer address, empty when none.
func (s *Server) Peer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// PeerConnected admits a peer. A second peer is rejected with
// ErrPeerRejected while one is admitted; re-admitting the same peer is a
// no-op.
func (s *Server) PeerConnected(addr string) error {
	s.mu.Lock()
	switch s.state {
	case StateDisconnected:
		s.mu.Unlock()
		return ErrNotStarted
	case StateConnected:
		if s.peer == addr {
			s.mu.Unlock()
			return nil
		}
		current := s.peer
		s.mu.Unlock()
		s.logger.WithFields(logrus.Fields{
			"peer":     current,
			"rejected": addr,
		}).Warn("Second peer rejected")
		return ErrPeerRejected
	}

	s.state = StateConnected
	s.peer = addr
	hook := s.hook
	s.mu.Unlock()

	s.logger.WithField("peer", addr).Info("Peer connected")
	if hook != nil {
		hook(StateConnected, addr)
	}
	return nil
}

// PeerDisconnected resumes advertising when the admitted peer goes away.
// Unknown peers are ignored.
func (s *Server) PeerDisconnected(addr string) {
	s.mu.Lock()
	if s.state != StateConnected || s.peer != addr {
		s.mu.Unlock()
		s.logger.WithField("peer", addr).Debug("Disconnect from unknown peer ignored")
		return
	}
	s.dropSubsLocked()
	s.peer = ""
	s.state = StateAdvertising
	hook := s.hook
	s.mu.Unlock()

	s.logger.WithField("peer", addr).Info("Peer disconnected, advertising resumed")
	if hook != nil {
		hook(StateAdvertising, "")
	}
}

// Subscribe attaches the peer's notification queue to an attribute and
// returns it with a detach function. Only one subscription per attribute
// is kept; a new one replaces the old.
func (s *Server) Subscribe(id AttrID) (<-chan []byte, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	attr, ok := s.attrs[id]
	if !ok {
		return nil, nil, ErrNoSuchAttr
	}
	if !attr.def.Notify {
		return nil, nil, ErrNotNotifiable
	}

	ch := make(chan []byte, notifyQueueSize)
	attr.sub = ch
	s.logger.WithField("attr", fmt.Sprintf("0x%04X", uint16(id))).Debug("Notifications enabled")

	detach := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if attr.sub == ch {
			attr.sub = nil
			s.logger.WithField("attr", fmt.Sprintf("0x%04X", uint16(id))).Debug("Notifications disabled")
		}
	}
	return ch, detach, nil
}

// Notify queues a notification for an attribute. It never blocks: with no
// connected peer, no enabled subscription, or a full queue the payload is
// dropped.
func (s *Server) Notify(id AttrID, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConnected {
		s.dropped++
		return
	}
	attr, ok := s.attrs[id]
	if !ok || attr.sub == nil {
		s.dropped++
		return
	}

	select {
	case attr.sub <- payload:
	default:
		s.dropped++
		s.logger.WithField("attr", fmt.Sprintf("0x%04X", uint16(id))).Debug("Notification queue full, dropping")
	}
}

// Dropped reports how many notifications were discarded for lack of a
// peer, a subscription, or queue room.
func (s *Server) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Read dispatches a read to the attribute's handler.
func (s *Server) Read(id AttrID) ([]byte, error) {
	s.mu.Lock()
	attr, ok := s.attrs[id]
	s.mu.Unlock()

	if !ok {
		return nil, ErrNoSuchAttr
	}
	if attr.def.Read == nil {
		return nil, ErrNotReadable
	}
	return attr.def.Read()
}

// Write dispatches a write to the attribute's handler. The handler's
// error is returned as-is so the adapter can map rejection reasons onto
// protocol status codes.
func (s *Server) Write(id AttrID, data []byte) error {
	s.mu.Lock()
	attr, ok := s.attrs[id]
	s.mu.Unlock()

	if !ok {
		return ErrNoSuchAttr
	}
	if attr.def.Write == nil {
		return ErrNotWritable
	}
	return attr.def.Write(data)
}

func (s *Server) dropSubsLocked() {
	for _, attr := range s.attrs {
		attr.sub = nil
	}
}
