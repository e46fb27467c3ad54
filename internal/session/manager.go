// Package session is the client-side chat session layer. A Manager owns at
// most one transport handle to the backend, tracks its connection state, and
// exposes typed emission and subscription operations for chat events.
//
// Emissions are fail-soft: while the session is not Connected they are
// skipped and only a warning is logged. Subscriptions bind to the current
// handle's listener table, so they require a prior Connect. Callbacks run on
// the handle's delivery goroutine, one at a time, in the order the transport
// received the events.
//
// There is no package-level instance. Construct one Manager at start-up and
// pass it to everything that talks to the backend.
package session

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/chatwire/chatwire/internal/protocol"
	"github.com/chatwire/chatwire/internal/transport"
	"go.uber.org/zap"
)

// ErrNoHandle is returned by subscription methods called before Connect.
var ErrNoHandle = errors.New("session: no transport handle, call Connect first")

// Manager is the session to one backend endpoint.
type Manager struct {
	endpoint string
	opts     transport.Options
	dial     transport.Dialer
	log      *zap.Logger

	mu             sync.Mutex
	state          State
	conn           transport.Conn
	pending        transport.Conn // dialled by a Connect that has not opened it yet
	stateListeners []func(StateChange)
}

// lifecycleEvents are the transport events the Manager itself listens to.
var lifecycleEvents = []protocol.Event{
	protocol.EventConnect,
	protocol.EventDisconnect,
	protocol.EventConnectError,
	protocol.EventReconnectFailed,
	protocol.EventEstablished,
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the diagnostic logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithDialer replaces the transport used to create handles.
func WithDialer(d transport.Dialer) Option {
	return func(m *Manager) {
		if d != nil {
			m.dial = d
		}
	}
}

// New creates an Idle session for endpoint. The reconnection policy is fixed
// to transport.DefaultOptions.
func New(endpoint string, opts ...Option) *Manager {
	m := &Manager{
		endpoint: endpoint,
		opts:     transport.DefaultOptions(),
		dial:     transport.Dial,
		log:      zap.NewNop(),
	}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.Named("session").With(zap.String("endpoint", endpoint))
	return m
}

// Endpoint returns the configured backend address.
func (m *Manager) Endpoint() string { return m.endpoint }

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect starts a connection and returns the handle's ID. While Connected,
// or while an outer Connect is still setting up the current handle, it is a
// no-op returning that handle's ID. Otherwise any previous handle is closed
// and replaced, and the session moves to Connecting. It returns before the
// handshake completes. If a state callback drops the new handle before it is
// opened, the handle is never opened and Connect returns the ID of whatever
// handle is current, or "" when there is none.
func (m *Manager) Connect() string {
	m.mu.Lock()
	if m.conn != nil && (m.state == Connected || m.conn == m.pending) {
		id := m.conn.ID()
		m.mu.Unlock()
		m.log.Debug("already connected or connecting", zap.String("handle", id))
		return id
	}

	old := m.conn
	conn := m.dial(m.endpoint, m.opts, m.log)
	m.conn = conn
	m.pending = conn
	change := m.setStateLocked(Connecting, false)
	listeners := m.stateListenersLocked()
	m.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			m.log.Warn("closing replaced handle", zap.String("handle", old.ID()), zap.Error(err))
		}
	}

	m.bindLifecycle(conn)
	notify(listeners, change)

	m.mu.Lock()
	if m.pending == conn {
		m.pending = nil
	}
	current := m.conn
	m.mu.Unlock()

	if current != conn {
		m.log.Debug("handle replaced before open", zap.String("handle", conn.ID()))
		if current == nil {
			return ""
		}
		return current.ID()
	}
	conn.Open()
	return conn.ID()
}

// Disconnect closes and drops the handle and returns the session to Idle.
// Without a handle it does nothing.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	conn := m.conn
	if conn == nil {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	change := m.setStateLocked(Idle, false)
	listeners := m.stateListenersLocked()
	m.mu.Unlock()

	if err := conn.Close(); err != nil {
		m.log.Warn("closing handle", zap.String("handle", conn.ID()), zap.Error(err))
	}
	m.log.Info("session disconnected", zap.String("handle", conn.ID()))
	notify(listeners, change)
}

// IsConnected reports whether the session is Connected and the handle
// itself reports a live link.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == Connected && m.conn != nil && m.conn.Connected()
}

// OnStateChange registers cb for every state transition. Unlike the event
// subscriptions it does not need a handle and survives Connect and
// Disconnect.
func (m *Manager) OnStateChange(cb func(StateChange)) {
	m.mu.Lock()
	m.stateListeners = append(m.stateListeners, cb)
	m.mu.Unlock()
}

// RemoveAllListeners detaches every callback registered on the current
// handle through the On* methods.
func (m *Manager) RemoveAllListeners() {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return
	}
	// The session's own lifecycle tracking lives in the same table.
	conn.RemoveAllListeners(lifecycleEvents...)
}

func (m *Manager) bindLifecycle(conn transport.Conn) {
	conn.On(protocol.EventConnect, func(json.RawMessage) {
		m.log.Info("connected to chat backend", zap.String("handle", conn.ID()))
		m.transition(conn, Connected, false)
	})
	conn.On(protocol.EventDisconnect, func(p json.RawMessage) {
		m.log.Info("disconnected from chat backend",
			zap.String("handle", conn.ID()), zap.String("reason", errorMessage(p)))
		m.transition(conn, Disconnected, false)
	})
	conn.On(protocol.EventConnectError, func(p json.RawMessage) {
		m.log.Error("connection error",
			zap.String("handle", conn.ID()), zap.String("error", errorMessage(p)))
	})
	conn.On(protocol.EventReconnectFailed, func(json.RawMessage) {
		m.log.Error("giving up on chat backend", zap.String("handle", conn.ID()),
			zap.Int("attempts", m.opts.ReconnectionAttempts))
		m.transition(conn, Disconnected, true)
	})
	conn.On(protocol.EventEstablished, func(p json.RawMessage) {
		var est protocol.Established
		_ = json.Unmarshal(p, &est)
		m.log.Info("connection established",
			zap.String("handle", conn.ID()), zap.String("sid", est.SID), zap.String("transport", est.Transport))
	})
}

// transition applies a state change raised by conn. Signals from a handle
// that has since been replaced or dropped are ignored.
func (m *Manager) transition(conn transport.Conn, to State, exhausted bool) {
	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	change := m.setStateLocked(to, exhausted)
	listeners := m.stateListenersLocked()
	m.mu.Unlock()

	notify(listeners, change)
}

func (m *Manager) setStateLocked(to State, exhausted bool) StateChange {
	change := StateChange{From: m.state, To: to, Exhausted: exhausted}
	m.state = to
	return change
}

func (m *Manager) stateListenersLocked() []func(StateChange) {
	out := make([]func(StateChange), len(m.stateListeners))
	copy(out, m.stateListeners)
	return out
}

func notify(listeners []func(StateChange), change StateChange) {
	if change.From == change.To && !change.Exhausted {
		return
	}
	for _, l := range listeners {
		l(change)
	}
}

func errorMessage(p json.RawMessage) string {
	var ce protocol.ConnectError
	if len(p) == 0 || json.Unmarshal(p, &ce) != nil {
		return ""
	}
	return ce.Message
}
