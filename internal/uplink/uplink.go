// Package uplink manages the internet uplink: one automatic-retry policy
// for the whole bridge. It drives a Link through connect/monitor cycles,
// counts consecutive failures against a bounded maximum, and reports
// state changes through a status callback. Once the maximum is exhausted
// the manager parks in Failed until it is explicitly reconfigured or
// restarted; nothing else in the system retries on its own.
package uplink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jasperhome/jasperd/internal/command"
	"github.com/jasperhome/jasperd/internal/task"
)

// State is the uplink lifecycle.
type State int

const (
	StateDown State = iota
	StateConnecting
	StateUp
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDown:
		return "down"
	case StateConnecting:
		return "connecting"
	case StateUp:
		return "up"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

const (
	// DefaultMaxAttempts bounds consecutive failures before Failed.
	DefaultMaxAttempts = 5

	// DefaultConnectTimeout bounds a single connection attempt.
	DefaultConnectTimeout = 30 * time.Second
)

// Link is the network attachment the manager drives. Connect establishes
// it and returns the reachability address, Monitor blocks until the
// established link is lost, Close releases it between cycles.
type Link interface {
	Connect(ctx context.Context, creds command.Credentials) (string, error)
	Monitor(ctx context.Context) error
	Close() error
}

// StatusFunc observes state transitions. addr is non-empty only for
// StateUp.
type StatusFunc func(state State, addr string)

// Options configures a Manager.
type Options struct {
	// Credentials used for every attempt until reconfigured. An empty
	// SSID leaves the manager idle in Down.
	Credentials command.Credentials

	// MaxAttempts defaults to DefaultMaxAttempts.
	MaxAttempts int

	// ConnectTimeout defaults to DefaultConnectTimeout.
	ConnectTimeout time.Duration
}

// Manager owns the uplink state machine.
type Manager struct {
	logger logrus.FieldLogger
	link   Link
	status StatusFunc

	maxAttempts    int
	connectTimeout time.Duration

	mu       sync.Mutex
	state    State
	addr     string
	creds    command.Credentials
	failures int
	baseCtx  context.Context
	started  bool
	cancel   context.CancelFunc
	loopDone chan struct{}
	group    task.Group
}

// NewManager creates a manager in Down. status may be nil.
func NewManager(logger logrus.FieldLogger, link Link, opts Options, status StatusFunc) *Manager {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if status == nil {
		status = func(State, string) {}
	}
	return &Manager{
		logger:         logger.WithField("component", "uplink"),
		link:           link,
		status:         status,
		maxAttempts:    opts.MaxAttempts,
		connectTimeout: opts.ConnectTimeout,
		creds:          opts.Credentials,
		state:          StateDown,
	}
}

// State reports the current uplink state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Addr reports the reachability address, empty unless Up.
func (m *Manager) Addr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addr
}

// Start begins connecting. Without credentials the manager stays Down
// until a Reconfigure supplies them.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return fmt.Errorf("uplink manager already started")
	}
	m.started = true
	m.baseCtx = ctx

	if m.creds.SSID == "" {
		m.logger.Info("No uplink credentials, staying down")
		return nil
	}
	m.spawnLocked()
	return nil
}

// Stop halts the manager and waits for its loop to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.loopDone
	m.cancel, m.loopDone = nil, nil
	m.started = false
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	m.group.Wait()
	m.setState(StateDown, "")
}

// Reconfigure replaces the credentials, resets the failure budget, and
// restarts the connect loop. It is the way out of Failed.
func (m *Manager) Reconfigure(creds command.Credentials) {
	m.logger.WithField("ssid", creds.SSID).Info("Uplink reconfigured")
	m.restart(func() { m.creds = creds })
}

// Restart resets the failure budget and reruns the connect loop with the
// current credentials.
func (m *Manager) Restart() {
	m.logger.Info("Uplink restarting")
	m.restart(nil)
}

func (m *Manager) restart(mutate func()) {
	m.mu.Lock()
	cancel, done := m.cancel, m.loopDone
	m.cancel, m.loopDone = nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if mutate != nil {
		mutate()
	}
	m.failures = 0
	if !m.started || m.creds.SSID == "" {
		return
	}
	m.spawnLocked()
}

// spawnLocked starts a fresh connect loop. Caller holds m.mu.
func (m *Manager) spawnLocked() {
	runCtx, cancel := context.WithCancel(m.baseCtx)
	done := make(chan struct{})
	m.cancel = cancel
	m.loopDone = done

	m.group.Go(runCtx, "uplink-manager", func(ctx context.Context) {
		defer close(done)
		m.runLoop(ctx)
	})
}

func (m *Manager) runLoop(ctx context.Context) {
	for {
		m.setState(StateConnecting, "")

		m.mu.Lock()
		creds := m.creds
		m.mu.Unlock()

		cctx, cancel := context.WithTimeout(ctx, m.connectTimeout)
		addr, err := m.link.Connect(cctx, creds)
		cancel()

		if ctx.Err() != nil {
			_ = m.link.Close()
			return
		}
		if err != nil {
			m.logger.WithError(err).Warn("Uplink connect failed")
			if m.noteFailure() {
				m.setState(StateFailed, "")
				return
			}
			continue
		}

		m.resetFailures()
		m.setState(StateUp, addr)

		err = m.link.Monitor(ctx)
		_ = m.link.Close()
		if ctx.Err() != nil {
			return
		}

		m.logger.WithError(err).Warn("Uplink lost")
		if m.noteFailure() {
			m.setState(StateFailed, "")
			return
		}
	}
}

// noteFailure bumps the consecutive-failure count and reports whether the
// budget is exhausted.
func (m *Manager) noteFailure() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures++
	m.logger.WithFields(logrus.Fields{
		"failures": m.failures,
		"max":      m.maxAttempts,
	}).Debug("Uplink failure recorded")
	return m.failures >= m.maxAttempts
}

func (m *Manager) resetFailures() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = 0
}

// setState stores the new state and invokes the status callback outside
// the lock.
func (m *Manager) setState(state State, addr string) {
	m.mu.Lock()
	if m.state == state && m.addr == addr {
		m.mu.Unlock()
		return
	}
	m.state = state
	m.addr = addr
	m.mu.Unlock()

	if state == StateUp {
		m.logger.WithField("addr", addr).Info("Uplink up")
	} else {
		m.logger.WithField("state", state.String()).Info("Uplink state changed")
	}
	m.status(state, addr)
}
