package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/chatwire/chatwire/internal/protocol"
	"github.com/chatwire/chatwire/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const testEndpoint = "http://chat.test:8000"

type write struct {
	event   protocol.Event
	payload json.RawMessage
}

// fakeConn is an in-memory transport handle. signal delivers an event
// synchronously on the calling goroutine, standing in for the delivery
// goroutine of a real socket.
type fakeConn struct {
	id string

	mu        sync.Mutex
	listeners map[protocol.Event][]transport.Listener
	connected bool
	opened    bool
	closed    bool
	writes    []write
	emitErr   error
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Open() {
	f.mu.Lock()
	f.opened = true
	f.mu.Unlock()
}

func (f *fakeConn) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeConn) On(ev protocol.Event, l transport.Listener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listeners == nil {
		f.listeners = make(map[protocol.Event][]transport.Listener)
	}
	f.listeners[ev] = append(f.listeners[ev], l)
}

func (f *fakeConn) RemoveAllListeners(keep ...protocol.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := make(map[protocol.Event][]transport.Listener)
	for _, ev := range keep {
		if ls := f.listeners[ev]; len(ls) > 0 {
			kept[ev] = ls
		}
	}
	f.listeners = kept
}

func (f *fakeConn) listenerCount(ev protocol.Event) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners[ev])
}

func (f *fakeConn) isOpened() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}

func (f *fakeConn) Emit(ev protocol.Event, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emitErr != nil {
		return f.emitErr
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f.writes = append(f.writes, write{event: ev, payload: data})
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.connected = false
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// signal raises ev with payload, which may be nil, a json.RawMessage or any
// value to marshal.
func (f *fakeConn) signal(t *testing.T, ev protocol.Event, payload any) {
	t.Helper()
	var raw json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		raw = p
	default:
		data, err := json.Marshal(p)
		require.NoError(t, err)
		raw = data
	}

	f.mu.Lock()
	switch ev {
	case protocol.EventConnect:
		f.connected = true
	case protocol.EventDisconnect, protocol.EventReconnectFailed:
		f.connected = false
	}
	ls := append([]transport.Listener(nil), f.listeners[ev]...)
	f.mu.Unlock()

	for _, l := range ls {
		l(raw)
	}
}

type fakeDialer struct {
	mu       sync.Mutex
	conns    []*fakeConn
	endpoint string
	opts     transport.Options
}

func (d *fakeDialer) dial(endpoint string, opts transport.Options, _ *zap.Logger) transport.Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.endpoint = endpoint
	d.opts = opts
	c := &fakeConn{id: fmt.Sprintf("fake-%d", len(d.conns)+1)}
	d.conns = append(d.conns, c)
	return c
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

func newTestManager(t *testing.T) (*Manager, *fakeDialer, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	d := &fakeDialer{}
	m := New(testEndpoint, WithDialer(d.dial), WithLogger(zap.New(core)))
	return m, d, logs
}

// connected returns a manager whose handle has signalled connect.
func connected(t *testing.T) (*Manager, *fakeConn, *observer.ObservedLogs) {
	t.Helper()
	m, d, logs := newTestManager(t)
	m.Connect()
	c := d.last()
	c.signal(t, protocol.EventConnect, nil)
	require.True(t, m.IsConnected())
	return m, c, logs
}

var ts = time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)

func TestNew_StartsIdle(t *testing.T) {
	m, d, _ := newTestManager(t)
	assert.Equal(t, Idle, m.State())
	assert.False(t, m.IsConnected())
	assert.Equal(t, testEndpoint, m.Endpoint())
	assert.Equal(t, 0, d.count(), "no handle before Connect")
}

func TestConnect_UsesSessionPolicy(t *testing.T) {
	m, d, _ := newTestManager(t)

	id := m.Connect()

	require.Equal(t, 1, d.count())
	c := d.last()
	assert.Equal(t, c.ID(), id)
	assert.Equal(t, testEndpoint, d.endpoint)
	assert.True(t, d.opts.Reconnection)
	assert.Equal(t, 5, d.opts.ReconnectionAttempts)
	assert.Equal(t, 1000*time.Millisecond, d.opts.ReconnectionDelay)
	assert.Equal(t, []transport.Kind{transport.KindWebsocket, transport.KindPolling}, d.opts.Transports)
	assert.True(t, c.opened)
	assert.Equal(t, Connecting, m.State())
	assert.False(t, m.IsConnected())
}

func TestConnect_IdempotentWhileConnected(t *testing.T) {
	m, d, _ := newTestManager(t)
	first := m.Connect()
	d.last().signal(t, protocol.EventConnect, nil)

	for i := 0; i < 5; i++ {
		assert.Equal(t, first, m.Connect())
		assert.Equal(t, Connected, m.State())
	}
	assert.Equal(t, 1, d.count(), "no second handle while connected")
	assert.False(t, d.last().isClosed())
}

func TestConnect_ReplacesHandleWhenNotConnected(t *testing.T) {
	m, d, _ := newTestManager(t)
	m.Connect()
	stale := d.last()

	m.Connect()
	require.Equal(t, 2, d.count())
	current := d.last()
	assert.True(t, stale.isClosed())
	assert.NotEqual(t, stale.ID(), current.ID())

	// Signals from the replaced handle must not move the session.
	stale.signal(t, protocol.EventConnect, nil)
	assert.Equal(t, Connecting, m.State())

	current.signal(t, protocol.EventConnect, nil)
	assert.True(t, m.IsConnected())
}

func TestConnect_AfterDisconnectSignal(t *testing.T) {
	m, c, _ := connected(t)
	c.signal(t, protocol.EventDisconnect, nil)
	require.Equal(t, Disconnected, m.State())

	id := m.Connect()
	assert.NotEqual(t, c.ID(), id)
	assert.True(t, c.isClosed())
	assert.Equal(t, Connecting, m.State())
}

func TestDisconnect_AlwaysLeavesNotConnected(t *testing.T) {
	setups := map[string]func(t *testing.T, m *Manager, d *fakeDialer){
		"idle": func(*testing.T, *Manager, *fakeDialer) {},
		"connecting": func(t *testing.T, m *Manager, d *fakeDialer) {
			m.Connect()
		},
		"connected": func(t *testing.T, m *Manager, d *fakeDialer) {
			m.Connect()
			d.last().signal(t, protocol.EventConnect, nil)
		},
		"disconnected": func(t *testing.T, m *Manager, d *fakeDialer) {
			m.Connect()
			d.last().signal(t, protocol.EventConnect, nil)
			d.last().signal(t, protocol.EventDisconnect, nil)
		},
	}

	for name, setup := range setups {
		t.Run(name, func(t *testing.T) {
			m, d, _ := newTestManager(t)
			setup(t, m, d)

			m.Disconnect()
			assert.False(t, m.IsConnected())
			assert.Equal(t, Idle, m.State())
			if d.count() > 0 {
				assert.True(t, d.last().isClosed())
			}

			m.Disconnect()
			assert.False(t, m.IsConnected())
			assert.Equal(t, Idle, m.State())
		})
	}
}

func TestDisconnect_IgnoresLateSignals(t *testing.T) {
	m, c, _ := connected(t)
	m.Disconnect()

	c.signal(t, protocol.EventConnect, nil)
	assert.Equal(t, Idle, m.State())
	assert.False(t, m.IsConnected())
}

func TestIsConnected_ChecksHandle(t *testing.T) {
	m, c, _ := connected(t)

	// The handle lost its link but the disconnect signal has not arrived.
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	assert.Equal(t, Connected, m.State())
	assert.False(t, m.IsConnected())
}

type emission struct {
	name    string
	event   protocol.Event
	payload any
	call    func(m *Manager)
}

func emissions() []emission {
	online := protocol.UserPresence{UserID: "u1", Username: "alice"}
	offline := protocol.UserPresence{UserID: "u1"}
	msg := protocol.ChatMessage{SenderID: "a", ReceiverID: "b", Message: "hi", Timestamp: ts}
	typing := protocol.Typing{SenderID: "a", ReceiverID: "b", IsTyping: true}
	read := protocol.ReadReceipt{MessageID: "m1", ReaderID: "b"}

	return []emission{
		{"AnnounceOnline", protocol.EventUserOnline, online, func(m *Manager) { m.AnnounceOnline(online) }},
		{"AnnounceOffline", protocol.EventUserOffline, offline, func(m *Manager) { m.AnnounceOffline(offline) }},
		{"SendMessage", protocol.EventSendMessage, msg, func(m *Manager) { m.SendMessage(msg) }},
		{"SetTyping", protocol.EventTyping, typing, func(m *Manager) { m.SetTyping(typing) }},
		{"AcknowledgeRead", protocol.EventMessageRead, read, func(m *Manager) { m.AcknowledgeRead(read) }},
	}
}

func TestEmit_WritesExactlyOnceWhenConnected(t *testing.T) {
	for _, e := range emissions() {
		t.Run(e.name, func(t *testing.T) {
			m, c, _ := connected(t)

			e.call(m)

			require.Equal(t, 1, c.writeCount())
			w := c.writes[0]
			assert.Equal(t, e.event, w.event)
			want, err := json.Marshal(e.payload)
			require.NoError(t, err)
			assert.JSONEq(t, string(want), string(w.payload))
		})
	}
}

func TestEmit_WireFieldNames(t *testing.T) {
	m, c, _ := connected(t)
	m.SendMessage(protocol.ChatMessage{SenderID: "a", ReceiverID: "b", Message: "hi", Timestamp: ts})
	m.SetTyping(protocol.Typing{SenderID: "a", ReceiverID: "b", IsTyping: false})
	m.AcknowledgeRead(protocol.ReadReceipt{MessageID: "m1", ReaderID: "b"})
	m.AnnounceOnline(protocol.UserPresence{UserID: "a"})

	require.Equal(t, 4, c.writeCount())
	assert.JSONEq(t, `{"sender_id":"a","receiver_id":"b","message":"hi","timestamp":"2024-05-01T12:30:00Z"}`, string(c.writes[0].payload))
	assert.JSONEq(t, `{"sender_id":"a","receiver_id":"b","is_typing":false}`, string(c.writes[1].payload))
	assert.JSONEq(t, `{"message_id":"m1","reader_id":"b"}`, string(c.writes[2].payload))
	assert.JSONEq(t, `{"user_id":"a"}`, string(c.writes[3].payload))
}

func TestEmit_FailSoftWhenNotConnected(t *testing.T) {
	states := map[string]func(t *testing.T, m *Manager, d *fakeDialer){
		"idle": func(*testing.T, *Manager, *fakeDialer) {},
		"connecting": func(t *testing.T, m *Manager, d *fakeDialer) {
			m.Connect()
		},
		"disconnected": func(t *testing.T, m *Manager, d *fakeDialer) {
			m.Connect()
			d.last().signal(t, protocol.EventConnect, nil)
			d.last().signal(t, protocol.EventDisconnect, nil)
		},
		"after disconnect": func(t *testing.T, m *Manager, d *fakeDialer) {
			m.Connect()
			d.last().signal(t, protocol.EventConnect, nil)
			m.Disconnect()
		},
	}

	for name, setup := range states {
		t.Run(name, func(t *testing.T) {
			m, d, logs := newTestManager(t)
			setup(t, m, d)

			for _, e := range emissions() {
				assert.NotPanics(t, func() { e.call(m) }, e.name)
			}

			for _, c := range d.conns {
				assert.Equal(t, 0, c.writeCount())
			}
			warned := logs.FilterMessage("session not connected, cannot emit").FilterLevelExact(zapcore.WarnLevel)
			assert.Equal(t, len(emissions()), warned.Len())
		})
	}
}

func TestEmit_TransportFailureIsSwallowed(t *testing.T) {
	m, c, logs := connected(t)
	c.emitErr = errors.New("broken pipe")

	assert.NotPanics(t, func() { m.SendMessage(protocol.ChatMessage{SenderID: "a", ReceiverID: "b", Message: "hi"}) })
	assert.Equal(t, 0, c.writeCount())
	assert.Equal(t, 1, logs.FilterMessage("emit failed").Len())
}

func TestSubscribe_RequiresHandle(t *testing.T) {
	m, _, _ := newTestManager(t)

	subs := map[string]error{
		"OnReceiveMessage": m.OnReceiveMessage(func(protocol.ChatMessage) {}),
		"OnMessageSent":    m.OnMessageSent(func(protocol.MessageAck) {}),
		"OnMessageError":   m.OnMessageError(func(protocol.MessageError) {}),
		"OnUserOnline":     m.OnUserOnline(func(protocol.UserPresence) {}),
		"OnUserOffline":    m.OnUserOffline(func(protocol.UserPresence) {}),
		"OnTyping":         m.OnTyping(func(protocol.Typing) {}),
		"OnMessageRead":    m.OnMessageRead(func(protocol.ReadReceipt) {}),
	}
	for name, err := range subs {
		assert.ErrorIs(t, err, ErrNoHandle, name)
	}
}

func TestSubscribe_ValidWhileConnecting(t *testing.T) {
	m, d, _ := newTestManager(t)
	m.Connect()

	var got []protocol.UserPresence
	require.NoError(t, m.OnUserOnline(func(p protocol.UserPresence) { got = append(got, p) }))

	c := d.last()
	c.signal(t, protocol.EventConnect, nil)
	c.signal(t, protocol.EventUserOnline, protocol.UserPresence{UserID: "u2", Username: "bob"})

	assert.Equal(t, []protocol.UserPresence{{UserID: "u2", Username: "bob"}}, got)
}

func TestSubscribe_DispatchInRegistrationOrder(t *testing.T) {
	m, c, _ := connected(t)

	const n = 4
	var order []int
	for i := 0; i < n; i++ {
		require.NoError(t, m.OnTyping(func(protocol.Typing) { order = append(order, i) }))
	}
	var reads int
	require.NoError(t, m.OnMessageRead(func(protocol.ReadReceipt) { reads++ }))

	c.signal(t, protocol.EventTyping, protocol.Typing{SenderID: "b", ReceiverID: "a", IsTyping: true})

	assert.Equal(t, []int{0, 1, 2, 3}, order)
	assert.Equal(t, 0, reads, "other event names are untouched")
}

func TestSubscribe_EachEventDecodesItsPayload(t *testing.T) {
	m, c, _ := connected(t)

	var (
		ack     protocol.MessageAck
		msgErr  protocol.MessageError
		offline protocol.UserPresence
		read    protocol.ReadReceipt
	)
	require.NoError(t, m.OnMessageSent(func(p protocol.MessageAck) { ack = p }))
	require.NoError(t, m.OnMessageError(func(p protocol.MessageError) { msgErr = p }))
	require.NoError(t, m.OnUserOffline(func(p protocol.UserPresence) { offline = p }))
	require.NoError(t, m.OnMessageRead(func(p protocol.ReadReceipt) { read = p }))

	c.signal(t, protocol.EventMessageSent, json.RawMessage(`{"message_id":"m9","sender_id":"a","receiver_id":"b","message":"hi","timestamp":"2024-05-01T12:30:00Z","delivered":true}`))
	c.signal(t, protocol.EventMessageError, json.RawMessage(`{"error":"receiver is required","sender_id":"a"}`))
	c.signal(t, protocol.EventUserOffline, json.RawMessage(`{"user_id":"b"}`))
	c.signal(t, protocol.EventMessageRead, json.RawMessage(`{"message_id":"m9","reader_id":"b"}`))

	assert.Equal(t, protocol.MessageAck{MessageID: "m9", SenderID: "a", ReceiverID: "b", Message: "hi", Timestamp: ts, Delivered: true}, ack)
	assert.Equal(t, "receiver is required", msgErr.Error)
	assert.Equal(t, "a", msgErr.SenderID)
	assert.Equal(t, protocol.UserPresence{UserID: "b"}, offline)
	assert.Equal(t, protocol.ReadReceipt{MessageID: "m9", ReaderID: "b"}, read)
}

func TestSubscribe_DropsUndecodablePayload(t *testing.T) {
	m, c, logs := connected(t)

	calls := 0
	require.NoError(t, m.OnReceiveMessage(func(protocol.ChatMessage) { calls++ }))

	c.signal(t, protocol.EventReceiveMessage, json.RawMessage(`"not an object"`))
	c.signal(t, protocol.EventReceiveMessage, nil)

	assert.Equal(t, 0, calls)
	assert.Equal(t, 2, logs.FilterMessage("dropping event").Len())
}

func TestSubscribe_NoDeduplication(t *testing.T) {
	m, c, _ := connected(t)

	var got []protocol.ReadReceipt
	require.NoError(t, m.OnMessageRead(func(r protocol.ReadReceipt) { got = append(got, r) }))

	rr := protocol.ReadReceipt{MessageID: "m1", ReaderID: "b"}
	c.signal(t, protocol.EventMessageRead, rr)
	c.signal(t, protocol.EventMessageRead, rr)

	assert.Equal(t, []protocol.ReadReceipt{rr, rr}, got)
}

func TestRemoveAllListeners(t *testing.T) {
	m, c, _ := connected(t)

	calls := 0
	require.NoError(t, m.OnReceiveMessage(func(protocol.ChatMessage) { calls++ }))
	require.NoError(t, m.OnMessageSent(func(protocol.MessageAck) { calls++ }))
	require.NoError(t, m.OnMessageError(func(protocol.MessageError) { calls++ }))
	require.NoError(t, m.OnUserOnline(func(protocol.UserPresence) { calls++ }))
	require.NoError(t, m.OnUserOffline(func(protocol.UserPresence) { calls++ }))
	require.NoError(t, m.OnTyping(func(protocol.Typing) { calls++ }))
	require.NoError(t, m.OnMessageRead(func(protocol.ReadReceipt) { calls++ }))

	m.RemoveAllListeners()

	c.signal(t, protocol.EventReceiveMessage, protocol.ChatMessage{SenderID: "b", ReceiverID: "a", Message: "hi", Timestamp: ts})
	c.signal(t, protocol.EventMessageSent, protocol.MessageAck{MessageID: "m1"})
	c.signal(t, protocol.EventMessageError, protocol.MessageError{Error: "nope"})
	c.signal(t, protocol.EventUserOnline, protocol.UserPresence{UserID: "b"})
	c.signal(t, protocol.EventUserOffline, protocol.UserPresence{UserID: "b"})
	c.signal(t, protocol.EventTyping, protocol.Typing{SenderID: "b", ReceiverID: "a"})
	c.signal(t, protocol.EventMessageRead, protocol.ReadReceipt{MessageID: "m1", ReaderID: "b"})
	assert.Equal(t, 0, calls)

	// Lifecycle tracking keeps working after the sweep.
	c.signal(t, protocol.EventDisconnect, nil)
	assert.Equal(t, Disconnected, m.State())
}

func TestRemoveAllListeners_KeepsLifecycleInOneStep(t *testing.T) {
	m, c, _ := connected(t)
	require.NoError(t, m.OnUserOnline(func(protocol.UserPresence) {}))

	m.RemoveAllListeners()
	m.RemoveAllListeners()

	// The lifecycle listeners survive the sweep itself rather than being
	// bound again afterwards, so repeated sweeps never stack them.
	for _, ev := range lifecycleEvents {
		assert.Equal(t, 1, c.listenerCount(ev), "listeners for %s", ev)
	}
	assert.Zero(t, c.listenerCount(protocol.EventUserOnline))

	c.signal(t, protocol.EventDisconnect, nil)
	assert.Equal(t, Disconnected, m.State())
	c.signal(t, protocol.EventConnect, nil)
	assert.True(t, m.IsConnected())
}

func TestRemoveAllListeners_WithoutHandle(t *testing.T) {
	m, _, _ := newTestManager(t)
	assert.NotPanics(t, m.RemoveAllListeners)
}

func TestConnectError_NoTransition(t *testing.T) {
	m, d, logs := newTestManager(t)
	m.Connect()
	c := d.last()

	c.signal(t, protocol.EventConnectError, protocol.ConnectError{Message: "dial tcp: connection refused"})

	assert.Equal(t, Connecting, m.State())
	errs := logs.FilterMessage("connection error").FilterLevelExact(zapcore.ErrorLevel).All()
	require.Len(t, errs, 1)
	assert.Equal(t, "dial tcp: connection refused", errs[0].ContextMap()["error"])
}

func TestStateChanges_ReportExhaustion(t *testing.T) {
	m, d, _ := newTestManager(t)

	var changes []StateChange
	m.OnStateChange(func(c StateChange) { changes = append(changes, c) })

	m.Connect()
	c := d.last()
	c.signal(t, protocol.EventConnect, nil)
	c.signal(t, protocol.EventDisconnect, nil)
	c.signal(t, protocol.EventReconnectFailed, nil)
	m.Disconnect()

	assert.Equal(t, []StateChange{
		{From: Idle, To: Connecting},
		{From: Connecting, To: Connected},
		{From: Connected, To: Disconnected},
		{From: Disconnected, To: Disconnected, Exhausted: true},
		{From: Disconnected, To: Idle},
	}, changes)
	assert.False(t, m.IsConnected())
}

func TestStateChanges_FirstConnectNeverSucceeds(t *testing.T) {
	m, d, _ := newTestManager(t)
	var last StateChange
	m.OnStateChange(func(c StateChange) { last = c })

	m.Connect()
	c := d.last()
	for i := 0; i < 6; i++ {
		c.signal(t, protocol.EventConnectError, protocol.ConnectError{Message: "refused"})
	}
	c.signal(t, protocol.EventReconnectFailed, nil)

	assert.Equal(t, Disconnected, m.State())
	assert.Equal(t, StateChange{From: Connecting, To: Disconnected, Exhausted: true}, last)
}

func TestReentrantConnectAndDisconnect(t *testing.T) {
	m, d, _ := newTestManager(t)

	// Connect from inside the transition it caused is a no-op.
	m.OnStateChange(func(c StateChange) {
		if c.To == Connected {
			m.Connect()
		}
	})
	m.Connect()
	c := d.last()
	c.signal(t, protocol.EventConnect, nil)
	assert.Equal(t, 1, d.count())
	assert.True(t, m.IsConnected())

	// Disconnect from inside a delivered callback tears down cleanly, and a
	// second call from the same callback is harmless.
	require.NoError(t, m.OnUserOffline(func(protocol.UserPresence) {
		m.Disconnect()
		m.Disconnect()
	}))
	c.signal(t, protocol.EventUserOffline, protocol.UserPresence{UserID: "a"})

	assert.Equal(t, Idle, m.State())
	assert.True(t, c.isClosed())
	assert.False(t, m.IsConnected())
}

func TestReentrantConnectWhileConnecting(t *testing.T) {
	m, d, _ := newTestManager(t)

	var nested []string
	m.OnStateChange(func(c StateChange) {
		if c.To == Connecting {
			nested = append(nested, m.Connect())
		}
	})

	id := m.Connect()

	require.Equal(t, 1, d.count(), "nested Connect must not dial")
	c := d.last()
	assert.Equal(t, c.ID(), id)
	assert.Equal(t, []string{c.ID()}, nested)
	assert.False(t, c.isClosed())
	assert.True(t, c.isOpened())
	assert.Equal(t, Connecting, m.State())

	c.signal(t, protocol.EventConnect, nil)
	assert.True(t, m.IsConnected())
}

func TestReentrantDisconnectWhileConnecting(t *testing.T) {
	m, d, _ := newTestManager(t)

	m.OnStateChange(func(c StateChange) {
		if c.To == Connecting {
			m.Disconnect()
		}
	})

	id := m.Connect()

	require.Equal(t, 1, d.count())
	c := d.last()
	assert.Empty(t, id)
	assert.True(t, c.isClosed())
	assert.False(t, c.isOpened(), "a dropped handle is never opened")
	assert.Equal(t, Idle, m.State())
}

func TestReentrantReconnectWhileConnecting(t *testing.T) {
	m, d, _ := newTestManager(t)

	first := true
	m.OnStateChange(func(c StateChange) {
		if c.To == Connecting && first {
			first = false
			m.Disconnect()
			m.Connect()
		}
	})

	id := m.Connect()

	require.Equal(t, 2, d.count())
	d.mu.Lock()
	stale, current := d.conns[0], d.conns[1]
	d.mu.Unlock()

	assert.Equal(t, current.ID(), id, "Connect returns the handle that is still current")
	assert.True(t, stale.isClosed())
	assert.False(t, stale.isOpened())
	assert.False(t, current.isClosed())
	assert.True(t, current.isOpened())
	assert.Equal(t, Connecting, m.State())

	stale.signal(t, protocol.EventConnect, nil)
	assert.Equal(t, Connecting, m.State(), "signals from the stale handle are ignored")
	current.signal(t, protocol.EventConnect, nil)
	assert.True(t, m.IsConnected())
}

func TestScenario_DisconnectStopsWrites(t *testing.T) {
	m, d, _ := newTestManager(t)
	m.Connect()
	c := d.last()

	c.signal(t, protocol.EventConnect, nil)
	assert.True(t, m.IsConnected())

	c.signal(t, protocol.EventDisconnect, nil)
	assert.False(t, m.IsConnected())

	m.SendMessage(protocol.ChatMessage{SenderID: "a", ReceiverID: "b", Message: "hi", Timestamp: ts})
	assert.Equal(t, 0, c.writeCount())
}

func TestScenario_ReceiveMessage(t *testing.T) {
	m, d, _ := newTestManager(t)

	var got []protocol.ChatMessage
	cb := func(msg protocol.ChatMessage) { got = append(got, msg) }

	assert.ErrorIs(t, m.OnReceiveMessage(cb), ErrNoHandle)

	m.Connect()
	require.NoError(t, m.OnReceiveMessage(cb))

	want := protocol.ChatMessage{SenderID: "b", ReceiverID: "a", Message: "hi", Timestamp: ts}
	d.last().signal(t, protocol.EventReceiveMessage, want)

	require.Len(t, got, 1)
	assert.Equal(t, want, got[0])
}
