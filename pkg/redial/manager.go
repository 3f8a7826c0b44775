package redial

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Manager errors.
var (
	ErrManagerClosed    = errors.New("redial manager closed")
	ErrAlreadyConnected = errors.New("already connected")
)

// DefaultAttemptTimeout bounds one connect attempt inside the redial loop.
const DefaultAttemptTimeout = 30 * time.Second

// State is the manager's view of the pipeline.
type State uint8

const (
	// StateDisconnected means no pipeline is up and no redial is pending.
	StateDisconnected State = iota

	// StateConnecting means the initial Connect is in progress.
	StateConnecting

	// StateConnected means the pipeline is up.
	StateConnected

	// StateRedialing means the pipeline was lost and the manager is
	// retrying with backoff.
	StateRedialing

	// StateClosed means the manager was shut down.
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateRedialing:
		return "REDIALING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// ConnectFunc builds and connects a fresh pipeline. It returns nil once
// the pipeline is fully established; any error counts as a failed attempt.
type ConnectFunc func(ctx context.Context) error

// ManagerConfig carries the optional Manager knobs.
type ManagerConfig struct {
	// Backoff overrides the default backoff.
	Backoff *Backoff

	// AttemptTimeout bounds each connect attempt in the redial loop.
	// Zero means DefaultAttemptTimeout.
	AttemptTimeout time.Duration
}

// Manager drives a ConnectFunc through connection loss: the owner reports
// losses with ConnectionLost and the manager re-runs the connect function
// with backoff until it succeeds or the manager closes.
type Manager struct {
	mu sync.RWMutex

	state      State
	autoRedial bool

	connectFn      ConnectFunc
	backoff        *Backoff
	attemptTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	kick   chan struct{}

	onStateChange func(oldState, newState State)
	onConnected   func()
	onLost        func()
	onRedialing   func(attempt int, delay time.Duration)
}

// NewManager returns a manager for connectFn with automatic redial
// enabled. The redial loop runs until Close.
func NewManager(connectFn ConnectFunc, cfg ManagerConfig) *Manager {
	if cfg.Backoff == nil {
		cfg.Backoff = NewBackoff()
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		state:          StateDisconnected,
		autoRedial:     true,
		connectFn:      connectFn,
		backoff:        cfg.Backoff,
		attemptTimeout: cfg.AttemptTimeout,
		ctx:            ctx,
		cancel:         cancel,
		kick:           make(chan struct{}, 1),
	}
	m.wg.Add(1)
	go m.redialLoop()
	return m
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsConnected reports whether the pipeline is up.
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// SetAutoRedial enables or disables redialing on loss.
func (m *Manager) SetAutoRedial(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoRedial = enabled
}

// Attempts returns the number of redial attempts since the last success.
func (m *Manager) Attempts() int {
	return m.backoff.Attempts()
}

// Connect runs the connect function once, in the caller's goroutine. On
// success the backoff resets and the manager reports connected.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateConnected:
		m.mu.Unlock()
		return ErrAlreadyConnected
	case StateClosed:
		m.mu.Unlock()
		return ErrManagerClosed
	}
	m.mu.Unlock()
	m.transition(StateConnecting)

	if err := m.connectFn(ctx); err != nil {
		m.transition(StateDisconnected)
		return err
	}
	m.connected()
	return nil
}

// ConnectionLost tells the manager the pipeline went down. With auto
// redial on, the redial loop takes over; otherwise the manager parks in
// StateDisconnected. Calls in any state but StateConnected are ignored.
func (m *Manager) ConnectionLost() {
	m.mu.Lock()
	if m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	oldState := m.state
	redial := m.autoRedial
	if redial {
		m.state = StateRedialing
	} else {
		m.state = StateDisconnected
	}
	newState := m.state
	m.mu.Unlock()

	m.notifyStateChange(oldState, newState)
	if m.onLost != nil {
		m.onLost()
	}
	if redial {
		select {
		case m.kick <- struct{}{}:
		default:
		}
	}
}

// Close shuts the manager down and waits for the redial loop to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	oldState := m.state
	m.state = StateClosed
	m.mu.Unlock()

	m.notifyStateChange(oldState, StateClosed)
	m.cancel()
	m.wg.Wait()
}

// OnStateChange registers a state transition callback.
func (m *Manager) OnStateChange(fn func(oldState, newState State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChange = fn
}

// OnConnected registers a callback for each successful connect.
func (m *Manager) OnConnected(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnected = fn
}

// OnConnectionLost registers a callback for connection loss.
func (m *Manager) OnConnectionLost(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLost = fn
}

// OnRedialing registers a callback fired before each backoff wait.
func (m *Manager) OnRedialing(fn func(attempt int, delay time.Duration)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRedialing = fn
}

func (m *Manager) transition(to State) {
	m.mu.Lock()
	oldState := m.state
	m.state = to
	m.mu.Unlock()
	m.notifyStateChange(oldState, to)
}

func (m *Manager) connected() {
	m.mu.Lock()
	oldState := m.state
	m.state = StateConnected
	m.backoff.Reset()
	m.mu.Unlock()

	m.notifyStateChange(oldState, StateConnected)
	if m.onConnected != nil {
		m.onConnected()
	}
}

func (m *Manager) notifyStateChange(oldState, newState State) {
	if m.onStateChange != nil && oldState != newState {
		m.onStateChange(oldState, newState)
	}
}

func (m *Manager) redialLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.kick:
			m.redial()
		}
	}
}

// redial retries the connect function until success, close, or a state
// change that makes retrying moot.
func (m *Manager) redial() {
	for {
		switch m.State() {
		case StateClosed, StateConnected, StateDisconnected:
			return
		}

		delay := m.backoff.Next()
		if m.onRedialing != nil {
			m.onRedialing(m.backoff.Attempts(), delay)
		}

		select {
		case <-m.ctx.Done():
			return
		case <-time.After(delay):
		}

		if m.State() != StateRedialing {
			return
		}

		ctx, cancel := context.WithTimeout(m.ctx, m.attemptTimeout)
		err := m.connectFn(ctx)
		cancel()
		if err == nil {
			m.connected()
			return
		}
	}
}
