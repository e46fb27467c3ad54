package session

import (
	"github.com/chatwire/chatwire/internal/protocol"
	"go.uber.org/zap"
)

// AnnounceOnline tells the backend that p.UserID is reachable.
func (m *Manager) AnnounceOnline(p protocol.UserPresence) {
	m.emit(protocol.EventUserOnline, p)
}

// AnnounceOffline tells the backend that p.UserID is leaving.
func (m *Manager) AnnounceOffline(p protocol.UserPresence) {
	m.emit(protocol.EventUserOffline, p)
}

// SendMessage publishes msg. Confirmation arrives later as message_sent or
// message_error.
func (m *Manager) SendMessage(msg protocol.ChatMessage) {
	m.emit(protocol.EventSendMessage, msg)
}

// SetTyping publishes a typing indicator.
func (m *Manager) SetTyping(t protocol.Typing) {
	m.emit(protocol.EventTyping, t)
}

// AcknowledgeRead publishes a read receipt. Duplicates are not filtered.
func (m *Manager) AcknowledgeRead(r protocol.ReadReceipt) {
	m.emit(protocol.EventMessageRead, r)
}

// emit writes exactly one event when Connected and otherwise only logs. A
// failed write is logged and not retried.
func (m *Manager) emit(ev protocol.Event, v any) {
	m.mu.Lock()
	conn, state := m.conn, m.state
	m.mu.Unlock()

	if conn == nil || state != Connected {
		m.log.Warn("session not connected, cannot emit",
			zap.Stringer("event", ev), zap.Stringer("state", state))
		return
	}
	if err := conn.Emit(ev, v); err != nil {
		m.log.Warn("emit failed", zap.Stringer("event", ev), zap.Error(err))
		return
	}
	m.log.Debug("emitted", zap.Stringer("event", ev), zap.Any("payload", v))
}
