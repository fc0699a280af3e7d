package bridge

import (
	"github.com/jasperhome/jasperd/internal/command"
	"github.com/jasperhome/jasperd/internal/gatt"
	"github.com/jasperhome/jasperd/internal/sensor"
	"github.com/jasperhome/jasperd/internal/uplink"
)

// event is the closed set of inputs the dispatch loop consumes. Every
// transport and monitor funnels through these; nothing else mutates
// bridge state.
type event interface{ isEvent() }

// commandEvent carries a validated command from either transport.
type commandEvent struct {
	cmd    command.Command
	origin command.Origin
}

// telemetryEvent carries one decoded sensor record.
type telemetryEvent struct {
	rec sensor.Record
}

// uplinkEvent carries a network attachment transition.
type uplinkEvent struct {
	state uplink.State
	addr  string
}

// sessionEvent carries a broker session transition.
type sessionEvent struct {
	connected bool
}

// peerEvent carries a radio connection transition.
type peerEvent struct {
	state gatt.ConnState
	peer  string
}

func (commandEvent) isEvent()   {}
func (telemetryEvent) isEvent() {}
func (uplinkEvent) isEvent()    {}
func (sessionEvent) isEvent()   {}
func (peerEvent) isEvent()      {}
