// Package mock runs simulated chat users inside the relay so a client can be
// exercised without a second human. Each bot comes online at start, marks
// incoming messages read, types for a moment and echoes the text back.
package mock

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/chatwire/chatwire/internal/config"
	"github.com/chatwire/chatwire/internal/protocol"
	"github.com/chatwire/chatwire/internal/relay"
	"go.uber.org/zap"
)

type bot struct {
	user config.MockUser
	peer *relay.Peer
}

type Generator struct {
	hub         *relay.Hub
	users       []config.MockUser
	typingDelay time.Duration
	replyDelay  time.Duration
	log         *zap.Logger

	bots []*bot
	wg   sync.WaitGroup
}

func NewGenerator(hub *relay.Hub, cfg config.MockConfig, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{
		hub:         hub,
		users:       cfg.Users,
		typingDelay: cfg.TypingDelay,
		replyDelay:  cfg.ReplyDelay,
		log:         logger.Named("mock"),
	}
}

// Start attaches and announces every bot before returning, then serves them
// in the background until ctx is done.
func (g *Generator) Start(ctx context.Context) error {
	for _, u := range g.users {
		p, err := g.hub.Attach(relay.KindLocal)
		if err != nil {
			return err
		}
		b := &bot{user: u, peer: p}
		g.bots = append(g.bots, b)
		g.emit(ctx, b, protocol.EventUserOnline, protocol.UserPresence{UserID: u.ID, Username: u.Name})
		g.log.Info("mock user online", zap.String("user", u.ID))
	}

	for _, b := range g.bots {
		g.wg.Add(1)
		go g.run(ctx, b)
	}
	return nil
}

// Wait blocks until every bot has gone offline.
func (g *Generator) Wait() { g.wg.Wait() }

func (g *Generator) run(ctx context.Context, b *bot) {
	defer g.wg.Done()
	for {
		select {
		case <-ctx.Done():
			g.emit(context.Background(), b, protocol.EventUserOffline, protocol.UserPresence{UserID: b.user.ID})
			g.hub.Detach(b.peer)
			return
		case <-b.peer.Done():
			return
		case data := <-b.peer.Outbound():
			var env protocol.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}
			if env.Type != protocol.EventReceiveMessage {
				continue
			}
			var msg protocol.ChatMessage
			if err := env.Decode(&msg); err != nil {
				continue
			}
			if g.isBot(msg.SenderID) {
				continue
			}
			g.emit(ctx, b, protocol.EventMessageRead, protocol.ReadReceipt{MessageID: msg.MessageID, ReaderID: b.user.ID})
			g.wg.Add(1)
			go g.reply(ctx, b, msg)
		}
	}
}

func (g *Generator) reply(ctx context.Context, b *bot, msg protocol.ChatMessage) {
	defer g.wg.Done()

	if !sleep(ctx, g.typingDelay) {
		return
	}
	g.emit(ctx, b, protocol.EventTyping, protocol.Typing{SenderID: b.user.ID, ReceiverID: msg.SenderID, IsTyping: true})
	if !sleep(ctx, g.replyDelay) {
		return
	}
	g.emit(ctx, b, protocol.EventTyping, protocol.Typing{SenderID: b.user.ID, ReceiverID: msg.SenderID, IsTyping: false})
	g.emit(ctx, b, protocol.EventSendMessage, protocol.ChatMessage{
		SenderID:   b.user.ID,
		ReceiverID: msg.SenderID,
		Message:    msg.Message,
		Timestamp:  time.Now().UTC(),
	})
}

func (g *Generator) emit(ctx context.Context, b *bot, ev protocol.Event, v any) {
	env, err := protocol.NewEnvelope(ev, v)
	if err != nil {
		g.log.Error("encode", zap.Stringer("event", ev), zap.Error(err))
		return
	}
	g.hub.Dispatch(ctx, b.peer, env)
}

func (g *Generator) isBot(id string) bool {
	for _, u := range g.users {
		if u.ID == id {
			return true
		}
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
