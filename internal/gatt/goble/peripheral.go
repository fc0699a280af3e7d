// Package goble binds the attribute server to the host's BLE controller
// through go-ble. It owns the advertising loop, synthesizes peer
// connect/disconnect events from request traffic, and maps rejected
// writes onto ATT status codes.
package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/sirupsen/logrus"

	"github.com/jasperhome/jasperd/internal/command"
	"github.com/jasperhome/jasperd/internal/gatt"
	"github.com/jasperhome/jasperd/internal/task"
)

// advertiseRetryDelay spaces out advertising restarts after an error.
const advertiseRetryDelay = time.Second

// DeviceFactory creates ble.Device instances (can be overridden in tests)
var DeviceFactory = func() (ble.Device, error) {
	return linux.NewDevice()
}

// peer is the slice of a connection the adapter actually needs: the
// remote address and its disconnect signal.
type peer struct {
	addr string
	gone <-chan struct{}
}

func peerOf(req ble.Request) peer {
	conn := req.Conn()
	return peer{addr: conn.RemoteAddr().String(), gone: conn.Disconnected()}
}

// Peripheral drives a gatt.Server over the local radio.
type Peripheral struct {
	logger logrus.FieldLogger
	srv    *gatt.Server

	mu      sync.Mutex
	dev     ble.Device
	ctx     context.Context
	cancel  context.CancelFunc
	watched map[string]struct{}
	group   task.Group
}

// NewPeripheral creates a peripheral serving srv's attribute table.
func NewPeripheral(logger logrus.FieldLogger, srv *gatt.Server) *Peripheral {
	return &Peripheral{
		logger:  logger.WithField("component", "gatt-radio"),
		srv:     srv,
		watched: make(map[string]struct{}),
	}
}

// Start opens the controller, installs the service, and begins
// advertising.
func (p *Peripheral) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.dev != nil {
		return fmt.Errorf("peripheral already started")
	}

	dev, err := DeviceFactory()
	if err != nil {
		return fmt.Errorf("open BLE device: %w", err)
	}
	if err := dev.AddService(p.buildService()); err != nil {
		_ = dev.Stop()
		return fmt.Errorf("install GATT service: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.dev = dev
	p.ctx = runCtx
	p.cancel = cancel

	p.srv.Start()
	p.group.Go(runCtx, "gatt-advertise", p.advertiseLoop)
	p.logger.WithField("name", p.srv.Name()).Info("Radio peripheral started")
	return nil
}

// Stop tears down advertising and the controller and waits for the
// adapter's goroutines to exit.
func (p *Peripheral) Stop() {
	p.mu.Lock()
	dev, cancel := p.dev, p.cancel
	p.dev, p.cancel, p.ctx = nil, nil, nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if dev != nil {
		_ = dev.Stop()
	}
	p.group.Wait()
	p.srv.Stop()
}

func (p *Peripheral) advertiseLoop(ctx context.Context) {
	uuid := ble.UUID16(p.srv.ServiceID())
	for {
		p.mu.Lock()
		dev := p.dev
		p.mu.Unlock()
		if dev == nil {
			return
		}

		err := dev.AdvertiseNameAndServices(ctx, p.srv.Name(), uuid)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			p.logger.WithError(err).Warn("Advertising interrupted, restarting")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(advertiseRetryDelay):
		}
	}
}

// buildService turns the server's attribute table into a ble service.
func (p *Peripheral) buildService() *ble.Service {
	svc := ble.NewService(ble.UUID16(p.srv.ServiceID()))
	for _, attr := range p.srv.Attrs() {
		id := attr.ID
		chr := svc.NewCharacteristic(ble.UUID16(uint16(id)))
		if attr.Read != nil {
			chr.HandleRead(ble.ReadHandlerFunc(func(req ble.Request, rsp ble.ResponseWriter) {
				p.serveRead(id, peerOf(req), rsp)
			}))
		}
		if attr.Write != nil {
			chr.HandleWrite(ble.WriteHandlerFunc(func(req ble.Request, rsp ble.ResponseWriter) {
				p.serveWrite(id, peerOf(req), req.Data(), rsp)
			}))
		}
		if attr.Notify {
			chr.HandleNotify(ble.NotifyHandlerFunc(func(req ble.Request, n ble.Notifier) {
				p.serveNotify(id, peerOf(req), n)
			}))
		}
	}
	return svc
}

func (p *Peripheral) serveRead(id gatt.AttrID, pr peer, rsp ble.ResponseWriter) {
	if !p.admit(pr) {
		rsp.SetStatus(ble.ErrAuthorization)
		return
	}
	data, err := p.srv.Read(id)
	if err != nil {
		rsp.SetStatus(readStatus(err))
		return
	}
	if _, err := rsp.Write(data); err != nil {
		p.logger.WithError(err).Debug("Read response failed")
	}
}

func (p *Peripheral) serveWrite(id gatt.AttrID, pr peer, data []byte, rsp ble.ResponseWriter) {
	if !p.admit(pr) {
		rsp.SetStatus(ble.ErrAuthorization)
		return
	}
	if err := p.srv.Write(id, data); err != nil {
		p.logger.WithFields(logrus.Fields{
			"attr": fmt.Sprintf("0x%04X", uint16(id)),
			"peer": pr.addr,
		}).WithError(err).Debug("Write rejected")
		rsp.SetStatus(writeStatus(err))
	}
}

// serveNotify runs for the lifetime of a subscription: it pumps the
// server's queue into the notifier until the peer unsubscribes or drops.
func (p *Peripheral) serveNotify(id gatt.AttrID, pr peer, n ble.Notifier) {
	if !p.admit(pr) {
		return
	}
	queue, detach, err := p.srv.Subscribe(id)
	if err != nil {
		p.logger.WithField("attr", fmt.Sprintf("0x%04X", uint16(id))).WithError(err).Warn("Subscription refused")
		return
	}
	defer detach()

	for {
		select {
		case <-n.Context().Done():
			return
		case payload := <-queue:
			if _, err := n.Write(payload); err != nil {
				p.logger.WithError(err).Debug("Notify send failed")
				return
			}
		}
	}
}

// admit registers the requesting peer on first contact and starts
// watching its disconnect signal. It reports false when the server
// already serves another peer.
func (p *Peripheral) admit(pr peer) bool {
	p.mu.Lock()
	if _, ok := p.watched[pr.addr]; ok {
		p.mu.Unlock()
		return true
	}
	p.watched[pr.addr] = struct{}{}
	ctx := p.ctx
	p.mu.Unlock()

	if err := p.srv.PeerConnected(pr.addr); err != nil {
		p.mu.Lock()
		delete(p.watched, pr.addr)
		p.mu.Unlock()
		return false
	}

	p.group.Go(ctx, "gatt-peer-watch", func(ctx context.Context) {
		select {
		case <-pr.gone:
		case <-ctx.Done():
		}
		p.mu.Lock()
		delete(p.watched, pr.addr)
		p.mu.Unlock()
		p.srv.PeerDisconnected(pr.addr)
	})
	return true
}

func readStatus(err error) ble.ATTError {
	switch {
	case errors.Is(err, gatt.ErrNotReadable):
		return ble.ErrReadNotPerm
	case errors.Is(err, gatt.ErrNoSuchAttr):
		return ble.ErrAttrNotFound
	default:
		return ble.ErrUnlikely
	}
}

func writeStatus(err error) ble.ATTError {
	switch {
	case errors.Is(err, gatt.ErrNotWritable):
		return ble.ErrWriteNotPerm
	case errors.Is(err, gatt.ErrNoSuchAttr):
		return ble.ErrAttrNotFound
	case command.IsRejection(err):
		return ble.ErrInvalAttrValueLen
	default:
		return ble.ErrUnlikely
	}
}
