package sensor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"

	"github.com/jasperhome/jasperd/internal/task"
)

const (
	// DefaultBaudRate matches the sensor's fixed line settings (9600 8N1).
	DefaultBaudRate = 9600

	// readChunkSize is the per-read buffer; frames are 17 bytes so this
	// comfortably holds several frames per wakeup.
	readChunkSize = 256
)

// PortFactory opens the serial device. Tests replace it with a fake.
var PortFactory = func(name string, mode *serial.Mode) (serial.Port, error) {
	return serial.Open(name, mode)
}

// ReaderOptions configures a Reader.
type ReaderOptions struct {
	// Port is the serial device path, e.g. /dev/ttyUSB0.
	Port string

	// BaudRate defaults to DefaultBaudRate.
	BaudRate int

	// IdleWindow bounds how long a partial frame may stall; zero selects
	// the decoder default.
	IdleWindow time.Duration

	// ReadTimeout bounds each blocking read so the decoder's idle window
	// is observed even on a silent line. Zero selects IdleWindow/2.
	ReadTimeout time.Duration
}

// Reader owns the serial port and pumps its byte stream through a
// Decoder. The receive path is one-way: the sensor is never written to.
type Reader struct {
	logger logrus.FieldLogger
	opts   ReaderOptions
	dec    *Decoder

	mu      sync.Mutex
	port    serial.Port
	started bool
	group   task.Group
}

// NewReader creates a reader that emits a Record for every valid frame on
// the line.
func NewReader(logger logrus.FieldLogger, opts ReaderOptions, emit func(Record)) *Reader {
	if opts.BaudRate <= 0 {
		opts.BaudRate = DefaultBaudRate
	}
	if opts.IdleWindow <= 0 {
		opts.IdleWindow = DefaultIdleWindow
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = opts.IdleWindow / 2
	}
	return &Reader{
		logger: logger.WithField("component", "sensor-reader"),
		opts:   opts,
		dec:    NewDecoder(logger, opts.IdleWindow, emit),
	}
}

// Start opens the port and begins decoding. It returns an error if the
// port cannot be opened or the reader already runs.
func (r *Reader) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return fmt.Errorf("sensor reader already started")
	}

	mode := &serial.Mode{
		BaudRate: r.opts.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := PortFactory(r.opts.Port, mode)
	if err != nil {
		return fmt.Errorf("open serial port %s: %w", r.opts.Port, err)
	}
	if err := port.SetReadTimeout(r.opts.ReadTimeout); err != nil {
		_ = port.Close()
		return fmt.Errorf("set read timeout on %s: %w", r.opts.Port, err)
	}

	r.port = port
	r.started = true
	r.logger.WithFields(logrus.Fields{
		"port": r.opts.Port,
		"baud": r.opts.BaudRate,
	}).Info("Sensor reader started")

	r.group.Go(ctx, "sensor-reader", r.readLoop)
	return nil
}

// Stop closes the port, which unblocks the pending read, and waits for
// the read loop to exit. Safe to call more than once.
func (r *Reader) Stop() {
	r.mu.Lock()
	port := r.port
	r.port = nil
	r.mu.Unlock()

	if port != nil {
		_ = port.Close()
	}
	r.group.Wait()
}

func (r *Reader) readLoop(ctx context.Context) {
	buf := make([]byte, readChunkSize)
	for {
		r.mu.Lock()
		port := r.port
		r.mu.Unlock()
		if port == nil {
			return
		}

		n, err := port.Read(buf)
		now := time.Now()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.mu.Lock()
			closed := r.port == nil
			r.mu.Unlock()
			if closed {
				return
			}
			r.logger.WithError(err).Error("Serial read failed, sensor reader stopping")
			return
		}
		if n == 0 {
			// read timeout; let the decoder age out stalled candidates
			r.dec.Tick(now)
			continue
		}
		r.dec.Feed(now, buf[:n])
	}
}
