// Package ptyio emulates the sensor's serial line on a pseudo-terminal so
// the bridge can run without hardware attached. The master side is
// wrapped in a ring-buffered non-blocking writer: a frame generator keeps
// its cadence even while nothing has opened the slave yet, at the cost of
// shedding bytes that do not fit the queue.
package ptyio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"syscall"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/jasperhome/jasperd/internal/task"
)

const (
	// DefaultQueueCap holds a few seconds of frames at the sensor's
	// data rate.
	DefaultQueueCap = 4096

	// pollTimeoutMs bounds each wait for master writability so the
	// drain loop notices shutdown promptly.
	pollTimeoutMs = 50

	// drainChunk is the unit the drain loop moves from the queue to the
	// master fd.
	drainChunk = 512
)

// Line is a pseudo-terminal standing in for the sensor's serial line.
// Write queues bytes; a drain loop moves them onto the master fd as the
// kernel accepts them. Readers open Name() like any serial device.
type Line struct {
	logger logrus.FieldLogger

	master *os.File
	slave  *os.File
	name   string

	queue  *ringbuffer.RingBuffer
	notify chan struct{}

	cancel  context.CancelFunc
	group   task.Group
	closed  atomic.Bool
	written atomic.Uint64
	shed    atomic.Uint64
}

// Open creates the PTY pair, puts the slave into raw mode so the line
// discipline cannot cook binary frames, and starts the drain loop.
// queueCap <= 0 selects DefaultQueueCap.
func Open(logger logrus.FieldLogger, queueCap int) (*Line, error) {
	if queueCap <= 0 {
		queueCap = DefaultQueueCap
	}

	master, slave, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("open pty: %w", err)
	}
	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		_ = master.Close()
		_ = slave.Close()
		return nil, fmt.Errorf("raw mode on %s: %w", slave.Name(), err)
	}
	if err := syscall.SetNonblock(int(master.Fd()), true); err != nil {
		_ = master.Close()
		_ = slave.Close()
		return nil, fmt.Errorf("nonblocking master: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Line{
		logger: logger.WithField("component", "ptyio"),
		master: master,
		slave:  slave,
		name:   slave.Name(),
		queue:  ringbuffer.New(queueCap),
		notify: make(chan struct{}, 1),
		cancel: cancel,
	}
	l.group.Go(ctx, "ptyio-drain", l.drainLoop)

	l.logger.WithField("pts", l.name).Debug("Serial line emulated")
	return l, nil
}

// Name is the slave device path readers open, e.g. /dev/pts/4.
func (l *Line) Name() string { return l.name }

// Write queues bytes for the line. It never blocks: bytes that do not
// fit the queue are shed and the short count reports it.
func (l *Line) Write(data []byte) (int, error) {
	if l.closed.Load() {
		return 0, os.ErrClosed
	}

	n, err := l.queue.Write(data)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
		return n, err
	}
	if n < len(data) {
		l.shed.Add(uint64(len(data) - n))
		l.logger.WithField("bytes", len(data)-n).Debug("Line queue full, shedding")
	}

	select {
	case l.notify <- struct{}{}:
	default:
	}
	return n, nil
}

// Written reports bytes delivered to the line so far.
func (l *Line) Written() uint64 { return l.written.Load() }

// Shed reports bytes dropped to queue overflow.
func (l *Line) Shed() uint64 { return l.shed.Load() }

// Close stops the drain loop and tears down both ends of the pair.
// Queued bytes not yet on the wire are discarded.
func (l *Line) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	l.cancel()
	l.group.Wait()

	err := l.master.Close()
	if cerr := l.slave.Close(); err == nil {
		err = cerr
	}
	return err
}

// drainLoop moves queued bytes onto the master fd, polling for
// writability whenever the kernel side is full.
func (l *Line) drainLoop(ctx context.Context) {
	pollFds := []unix.PollFd{{Fd: int32(l.master.Fd()), Events: unix.POLLOUT}}
	buf := make([]byte, drainChunk)

	for {
		if l.queue.IsEmpty() {
			select {
			case <-ctx.Done():
				return
			case <-l.notify:
			}
		}

		n, err := l.queue.TryRead(buf)
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			l.logger.WithError(err).Warn("Line queue read failed")
			continue
		}
		if n == 0 {
			continue
		}

		offset := 0
		for offset < n {
			if ctx.Err() != nil {
				return
			}
			w, werr := l.master.Write(buf[offset:n])
			if w > 0 {
				offset += w
				l.written.Add(uint64(w))
			}
			if werr == nil {
				continue
			}
			switch {
			case errors.Is(werr, syscall.EINTR):
				// retry
			case errors.Is(werr, syscall.EAGAIN):
				if _, perr := unix.Poll(pollFds, pollTimeoutMs); perr != nil && !errors.Is(perr, syscall.EINTR) {
					l.logger.WithError(perr).Warn("Line poll failed")
				}
			default:
				if ctx.Err() == nil {
					l.logger.WithError(werr).Error("Line write failed, drain loop stopping")
				}
				return
			}
		}
	}
}
