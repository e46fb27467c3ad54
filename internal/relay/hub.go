// Package relay is the development chat backend. A Hub routes events
// between attached peers; the Server exposes it over websocket and HTTP
// long-polling.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/chatwire/chatwire/internal/presence"
	"github.com/chatwire/chatwire/internal/protocol"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrTooManyConnections is returned by Attach when the peer limit is reached.
	ErrTooManyConnections = errors.New("relay: too many connections")
	// ErrStopped is returned by Attach after Stop.
	ErrStopped = errors.New("relay: hub stopped")
)

// Peer transports.
const (
	KindWebsocket = "websocket"
	KindPolling   = "polling"
	KindLocal     = "local"
)

// Peer is one attached client. Outbound frames are queued on a bounded
// buffer; the transport serving the peer drains it.
type Peer struct {
	id   string
	kind string
	send chan []byte
	done chan struct{}
	once sync.Once

	user string // guarded by Hub.mu
}

func (p *Peer) ID() string   { return p.id }
func (p *Peer) Kind() string { return p.kind }

// Outbound yields encoded envelopes queued for the peer.
func (p *Peer) Outbound() <-chan []byte { return p.send }

// Done is closed when the hub detaches the peer.
func (p *Peer) Done() <-chan struct{} { return p.done }

func (p *Peer) shut() { p.once.Do(func() { close(p.done) }) }

type Hub struct {
	registry presence.Registry
	log      *zap.Logger
	metrics  *Metrics
	maxPeers int
	bufSize  int
	now      func() time.Time

	mu      sync.RWMutex
	peers   map[string]*Peer
	stopped bool
}

type HubOption func(*Hub)

func WithLogger(l *zap.Logger) HubOption {
	return func(h *Hub) {
		if l != nil {
			h.log = l
		}
	}
}

func WithMetrics(m *Metrics) HubOption {
	return func(h *Hub) {
		if m != nil {
			h.metrics = m
		}
	}
}

// WithMaxPeers caps attached peers. Zero means unlimited.
func WithMaxPeers(n int) HubOption {
	return func(h *Hub) { h.maxPeers = n }
}

// WithSendBuffer sets the per-peer outbound queue length.
func WithSendBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.bufSize = n
		}
	}
}

func WithClock(now func() time.Time) HubOption {
	return func(h *Hub) {
		if now != nil {
			h.now = now
		}
	}
}

func NewHub(registry presence.Registry, opts ...HubOption) *Hub {
	h := &Hub{
		registry: registry,
		log:      zap.NewNop(),
		bufSize:  64,
		now:      time.Now,
		peers:    make(map[string]*Peer),
	}
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = NewMetrics()
	}
	h.log = h.log.Named("hub")
	return h
}

// Attach registers a new peer and queues connection_established for it.
func (h *Hub) Attach(kind string) (*Peer, error) {
	p := &Peer{
		id:   uuid.NewString(),
		kind: kind,
		send: make(chan []byte, h.bufSize),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil, ErrStopped
	}
	if h.maxPeers > 0 && len(h.peers) >= h.maxPeers {
		h.mu.Unlock()
		h.metrics.connectionRejected()
		h.log.Warn("connection limit reached", zap.Int("max", h.maxPeers))
		return nil, ErrTooManyConnections
	}
	h.peers[p.id] = p
	h.mu.Unlock()

	h.metrics.peerAttached(kind)
	h.log.Info("peer attached", zap.String("peer", p.id), zap.String("transport", kind))
	h.sendTo(p, protocol.EventEstablished, protocol.Established{SID: p.id, Transport: kind})
	return p, nil
}

// Detach removes p. If p was the last peer of its user, the user goes
// offline and everyone else is told. Detaching twice is a no-op.
func (h *Hub) Detach(p *Peer) {
	h.mu.Lock()
	if _, ok := h.peers[p.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.peers, p.id)
	user := p.user
	p.user = ""
	h.mu.Unlock()

	p.shut()
	h.metrics.peerDetached(p.kind)
	h.log.Info("peer detached", zap.String("peer", p.id), zap.String("user", user))
	if user != "" {
		h.release(context.Background(), p, user, true)
	}
}

// Stop detaches every peer without announcing anything and refuses new ones.
func (h *Hub) Stop() {
	h.mu.Lock()
	h.stopped = true
	peers := make(map[*Peer]string, len(h.peers))
	for _, p := range h.peers {
		peers[p] = p.user
		p.user = ""
	}
	h.peers = make(map[string]*Peer)
	h.mu.Unlock()

	ctx := context.Background()
	for p, user := range peers {
		p.shut()
		h.metrics.peerDetached(p.kind)
		if user != "" {
			h.release(ctx, p, user, false)
		}
	}
}

func (h *Hub) PeerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// Dispatch handles one inbound envelope from p. Events a client may not
// originate are ignored.
func (h *Hub) Dispatch(ctx context.Context, p *Peer, env protocol.Envelope) {
	h.metrics.eventReceived(env.Type)
	switch env.Type {
	case protocol.EventUserOnline:
		h.userOnline(ctx, p, env)
	case protocol.EventUserOffline:
		h.userOffline(ctx, p, env)
	case protocol.EventSendMessage:
		h.sendMessage(ctx, p, env)
	case protocol.EventTyping:
		h.typing(ctx, p, env)
	case protocol.EventMessageRead:
		h.messageRead(p, env)
	default:
		h.log.Debug("ignoring event", zap.String("peer", p.id), zap.Stringer("event", env.Type))
	}
}

func (h *Hub) userOnline(ctx context.Context, p *Peer, env protocol.Envelope) {
	var u protocol.UserPresence
	if err := env.Decode(&u); err != nil || u.UserID == "" {
		h.log.Warn("invalid user_online", zap.String("peer", p.id), zap.Error(err))
		return
	}

	h.mu.Lock()
	if _, ok := h.peers[p.id]; !ok {
		h.mu.Unlock()
		return
	}
	prev := p.user
	p.user = u.UserID
	h.mu.Unlock()

	if prev != "" && prev != u.UserID {
		h.release(ctx, p, prev, true)
	}

	others, err := h.registry.Online(ctx)
	if err != nil {
		h.log.Warn("listing online users", zap.Error(err))
	}
	if err := h.registry.Bind(ctx, u.UserID, u.Username, p.id); err != nil {
		h.log.Error("binding user", zap.String("user", u.UserID), zap.Error(err))
		return
	}

	// A Detach racing the Bind above released the user before the binding
	// existed; drop the binding it left behind.
	h.mu.RLock()
	_, attached := h.peers[p.id]
	h.mu.RUnlock()
	if !attached {
		if _, err := h.registry.Unbind(ctx, u.UserID, p.id); err != nil {
			h.log.Warn("unbinding detached peer", zap.String("user", u.UserID), zap.Error(err))
		}
		h.log.Debug("peer detached while coming online", zap.String("user", u.UserID), zap.String("peer", p.id))
		return
	}

	for _, o := range others {
		if o.UserID != u.UserID {
			h.sendTo(p, protocol.EventUserOnline, o)
		}
	}
	h.broadcast(p, protocol.EventUserOnline, u)
	h.log.Info("user online", zap.String("user", u.UserID), zap.String("peer", p.id))
}

func (h *Hub) userOffline(ctx context.Context, p *Peer, env protocol.Envelope) {
	var u protocol.UserPresence
	if err := env.Decode(&u); err != nil || u.UserID == "" {
		h.log.Warn("invalid user_offline", zap.String("peer", p.id), zap.Error(err))
		return
	}

	h.mu.Lock()
	if p.user != u.UserID {
		h.mu.Unlock()
		h.log.Warn("user_offline for a user this peer is not bound to",
			zap.String("peer", p.id), zap.String("user", u.UserID))
		return
	}
	p.user = ""
	h.mu.Unlock()

	h.release(ctx, p, u.UserID, true)
}

// release unbinds p from user and, when that was the user's last peer and
// announce is set, broadcasts user_offline.
func (h *Hub) release(ctx context.Context, p *Peer, user string, announce bool) {
	remaining, err := h.registry.Unbind(ctx, user, p.id)
	if err != nil {
		h.log.Warn("unbinding user", zap.String("user", user), zap.Error(err))
		return
	}
	if remaining > 0 || !announce {
		return
	}
	h.broadcast(p, protocol.EventUserOffline, protocol.UserPresence{UserID: user})
	h.log.Info("user offline", zap.String("user", user))
}

func (h *Hub) sendMessage(ctx context.Context, p *Peer, env protocol.Envelope) {
	var msg protocol.ChatMessage
	if err := env.Decode(&msg); err != nil {
		h.reject(p, msg, "invalid message payload")
		return
	}

	h.mu.RLock()
	bound := p.user
	h.mu.RUnlock()

	switch {
	case msg.SenderID == "":
		h.reject(p, msg, "sender_id is required")
		return
	case msg.ReceiverID == "":
		h.reject(p, msg, "receiver_id is required")
		return
	case strings.TrimSpace(msg.Message) == "":
		h.reject(p, msg, "message is required")
		return
	case bound != "" && bound != msg.SenderID:
		h.reject(p, msg, "sender_id does not match the announced user")
		return
	}

	msg.MessageID = uuid.NewString()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = h.now().UTC()
	}

	delivered := h.deliverToUser(ctx, msg.ReceiverID, protocol.EventReceiveMessage, msg)
	if delivered > 0 {
		h.metrics.messageHandled("delivered")
	} else {
		h.metrics.messageHandled("offline")
	}

	h.sendTo(p, protocol.EventMessageSent, protocol.MessageAck{
		MessageID:  msg.MessageID,
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
		Message:    msg.Message,
		Timestamp:  msg.Timestamp,
		Delivered:  delivered > 0,
	})
	h.log.Debug("message relayed", zap.String("message", msg.MessageID),
		zap.String("from", msg.SenderID), zap.String("to", msg.ReceiverID), zap.Int("peers", delivered))
}

func (h *Hub) reject(p *Peer, msg protocol.ChatMessage, reason string) {
	h.metrics.messageHandled("invalid")
	h.log.Info("message rejected", zap.String("peer", p.id), zap.String("reason", reason))
	h.sendTo(p, protocol.EventMessageError, protocol.MessageError{
		Error:      reason,
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
		Timestamp:  h.now().UTC(),
	})
}

func (h *Hub) typing(ctx context.Context, p *Peer, env protocol.Envelope) {
	var t protocol.Typing
	if err := env.Decode(&t); err != nil || t.ReceiverID == "" {
		h.log.Debug("invalid typing", zap.String("peer", p.id), zap.Error(err))
		return
	}
	h.deliverToUser(ctx, t.ReceiverID, protocol.EventTyping, t)
}

func (h *Hub) messageRead(p *Peer, env protocol.Envelope) {
	var r protocol.ReadReceipt
	if err := env.Decode(&r); err != nil || r.MessageID == "" {
		h.log.Debug("invalid message_read", zap.String("peer", p.id), zap.Error(err))
		return
	}
	h.broadcast(p, protocol.EventMessageRead, r)
}

// deliverToUser queues ev to every local peer bound to user and returns how
// many accepted it.
func (h *Hub) deliverToUser(ctx context.Context, user string, ev protocol.Event, v any) int {
	ids, err := h.registry.Peers(ctx, user)
	if err != nil {
		h.log.Warn("looking up peers", zap.String("user", user), zap.Error(err))
		return 0
	}
	if len(ids) == 0 {
		return 0
	}
	data, err := encode(ev, v)
	if err != nil {
		h.log.Error("encode", zap.Stringer("event", ev), zap.Error(err))
		return 0
	}

	h.mu.RLock()
	targets := make([]*Peer, 0, len(ids))
	for _, id := range ids {
		if p, ok := h.peers[id]; ok {
			targets = append(targets, p)
		}
	}
	h.mu.RUnlock()

	n := 0
	for _, p := range targets {
		if h.deliver(p, data) {
			n++
		}
	}
	return n
}

func (h *Hub) sendTo(p *Peer, ev protocol.Event, v any) {
	data, err := encode(ev, v)
	if err != nil {
		h.log.Error("encode", zap.Stringer("event", ev), zap.Error(err))
		return
	}
	h.deliver(p, data)
}

// broadcast queues ev to every peer except the origin.
func (h *Hub) broadcast(except *Peer, ev protocol.Event, v any) {
	data, err := encode(ev, v)
	if err != nil {
		h.log.Error("encode", zap.Stringer("event", ev), zap.Error(err))
		return
	}

	h.mu.RLock()
	targets := make([]*Peer, 0, len(h.peers))
	for _, p := range h.peers {
		if p != except {
			targets = append(targets, p)
		}
	}
	h.mu.RUnlock()

	for _, p := range targets {
		h.deliver(p, data)
	}
}

// deliver queues data without blocking. A peer whose buffer is full is
// detached.
func (h *Hub) deliver(p *Peer, data []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- data:
		return true
	default:
		h.log.Warn("peer too slow, disconnecting", zap.String("peer", p.id))
		h.metrics.slowPeerDropped()
		h.Detach(p)
		return false
	}
}

func encode(ev protocol.Event, v any) ([]byte, error) {
	env, err := protocol.NewEnvelope(ev, v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}
