package uplink

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/jasperhome/jasperd/internal/command"
)

// DialerLink detects uplink reachability by holding a TCP session to a
// probe address and treating its loss as loss of the uplink. The radio
// attachment itself (joining the network with the supplied credentials)
// is the host system's job; the credentials are accepted for interface
// parity and logged-but-unused here.
type DialerLink struct {
	// Address is the host:port the link dials, typically the broker
	// or gateway address.
	Address string

	mu   sync.Mutex
	conn net.Conn
}

var errLinkNotConnected = errors.New("link not connected")

// Connect dials the probe address and reports the local address as the
// reachability address.
func (l *DialerLink) Connect(ctx context.Context, _ command.Credentials) (string, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", l.Address)
	if err != nil {
		return "", err
	}

	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	return conn.LocalAddr().String(), nil
}

// Monitor blocks until the probe session dies or ctx ends. The probe
// endpoint sends nothing, so a read only ever returns on close or error.
func (l *DialerLink) Monitor(ctx context.Context) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return errLinkNotConnected
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	buf := make([]byte, 256)
	for {
		if _, err := conn.Read(buf); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

// Close drops the probe session.
func (l *DialerLink) Close() error {
	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}
