package session

import (
	"encoding/json"
	"fmt"

	"github.com/chatwire/chatwire/internal/protocol"
	"go.uber.org/zap"
)

// OnReceiveMessage registers cb for messages addressed to this client.
func (m *Manager) OnReceiveMessage(cb func(protocol.ChatMessage)) error {
	return subscribe(m, protocol.EventReceiveMessage, cb)
}

// OnMessageSent registers cb for backend confirmations of sent messages.
func (m *Manager) OnMessageSent(cb func(protocol.MessageAck)) error {
	return subscribe(m, protocol.EventMessageSent, cb)
}

// OnMessageError registers cb for messages the backend rejected.
func (m *Manager) OnMessageError(cb func(protocol.MessageError)) error {
	return subscribe(m, protocol.EventMessageError, cb)
}

// OnUserOnline registers cb for users coming online.
func (m *Manager) OnUserOnline(cb func(protocol.UserPresence)) error {
	return subscribe(m, protocol.EventUserOnline, cb)
}

// OnUserOffline registers cb for users going offline.
func (m *Manager) OnUserOffline(cb func(protocol.UserPresence)) error {
	return subscribe(m, protocol.EventUserOffline, cb)
}

// OnTyping registers cb for typing indicators.
func (m *Manager) OnTyping(cb func(protocol.Typing)) error {
	return subscribe(m, protocol.EventTyping, cb)
}

// OnMessageRead registers cb for read receipts.
func (m *Manager) OnMessageRead(cb func(protocol.ReadReceipt)) error {
	return subscribe(m, protocol.EventMessageRead, cb)
}

// subscribe appends a decoding listener for ev to the current handle.
// Payloads that do not decode into T are logged and dropped.
func subscribe[T any](m *Manager, ev protocol.Event, cb func(T)) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("subscribe %s: %w", ev, ErrNoHandle)
	}

	log := m.log
	conn.On(ev, func(raw json.RawMessage) {
		var v T
		if err := (protocol.Envelope{Type: ev, Payload: raw}).Decode(&v); err != nil {
			log.Warn("dropping event", zap.Stringer("event", ev), zap.Error(err))
			return
		}
		log.Debug("event received", zap.Stringer("event", ev))
		cb(v)
	})
	return nil
}
