// Package console is a line-oriented chat front end over a session.Manager.
// It prints every inbound event and turns typed lines into messages.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chatwire/chatwire/internal/protocol"
	"github.com/chatwire/chatwire/internal/session"
)

const help = `commands:
  /to <user>   talk to <user>
  /who         list online users
  /status      show connection state
  /quit        leave`

type Console struct {
	s    *session.Manager
	user protocol.UserPresence
	now  func() time.Time

	outMu sync.Mutex
	out   io.Writer

	mu     sync.Mutex
	peer   string
	online map[string]string
}

func New(s *session.Manager, user protocol.UserPresence, out io.Writer) *Console {
	return &Console{
		s:      s,
		user:   user,
		now:    time.Now,
		out:    out,
		online: make(map[string]string),
	}
}

// Start connects and subscribes to every chat event. The user is announced
// online each time the session (re)connects.
func (c *Console) Start() error {
	c.s.OnStateChange(c.stateChanged)
	c.s.Connect()

	subs := []error{
		c.s.OnReceiveMessage(c.received),
		c.s.OnMessageSent(c.sent),
		c.s.OnMessageError(func(e protocol.MessageError) {
			c.printf("! message rejected: %s", e.Error)
		}),
		c.s.OnUserOnline(func(u protocol.UserPresence) {
			c.mu.Lock()
			c.online[u.UserID] = u.Username
			c.mu.Unlock()
			c.printf("* %s is online", display(u))
		}),
		c.s.OnUserOffline(func(u protocol.UserPresence) {
			c.mu.Lock()
			delete(c.online, u.UserID)
			c.mu.Unlock()
			c.printf("* %s went offline", u.UserID)
		}),
		c.s.OnTyping(func(t protocol.Typing) {
			if t.IsTyping {
				c.printf("* %s is typing...", t.SenderID)
			}
		}),
		c.s.OnMessageRead(func(r protocol.ReadReceipt) {
			if r.ReaderID != c.user.UserID {
				c.printf("* %s read %s", r.ReaderID, shortID(r.MessageID))
			}
		}),
	}
	for _, err := range subs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Stop announces the user offline and tears the session down.
func (c *Console) Stop() {
	c.s.AnnounceOffline(protocol.UserPresence{UserID: c.user.UserID})
	c.s.RemoveAllListeners()
	c.s.Disconnect()
}

// Run reads commands and messages from in until /quit, EOF or ctx ends.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			return err
		case line := <-lines:
			if quit := c.handle(strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

func (c *Console) handle(line string) (quit bool) {
	switch {
	case line == "":
	case line == "/quit":
		return true
	case line == "/help":
		c.printf("%s", help)
	case line == "/status":
		c.printf("state: %s", c.s.State())
	case line == "/who":
		c.printf("online: %s", c.who())
	case strings.HasPrefix(line, "/to"):
		peer := strings.TrimSpace(strings.TrimPrefix(line, "/to"))
		if peer == "" {
			c.printf("usage: /to <user>")
			return false
		}
		c.mu.Lock()
		c.peer = peer
		c.mu.Unlock()
		c.printf("talking to %s", peer)
	case strings.HasPrefix(line, "/"):
		c.printf("unknown command %s\n%s", line, help)
	default:
		c.send(line)
	}
	return false
}

func (c *Console) send(text string) {
	c.mu.Lock()
	peer := c.peer
	c.mu.Unlock()
	if peer == "" {
		c.printf("pick a recipient with /to <user>")
		return
	}
	if !c.s.IsConnected() {
		c.printf("! not connected, message dropped")
		return
	}

	c.s.SetTyping(protocol.Typing{SenderID: c.user.UserID, ReceiverID: peer, IsTyping: true})
	c.s.SendMessage(protocol.ChatMessage{
		SenderID:   c.user.UserID,
		ReceiverID: peer,
		Message:    text,
		Timestamp:  c.now().UTC(),
	})
	c.s.SetTyping(protocol.Typing{SenderID: c.user.UserID, ReceiverID: peer, IsTyping: false})
}

func (c *Console) stateChanged(ch session.StateChange) {
	switch {
	case ch.To == session.Connected:
		c.s.AnnounceOnline(c.user)
		c.printf("connected to %s", c.s.Endpoint())
	case ch.Exhausted:
		c.printf("! gave up reconnecting to %s", c.s.Endpoint())
	case ch.To == session.Disconnected:
		c.printf("disconnected, retrying...")
	}
}

func (c *Console) received(m protocol.ChatMessage) {
	c.printf("[%s] %s: %s", m.Timestamp.Local().Format("15:04"), m.SenderID, m.Message)
	if m.MessageID != "" {
		c.s.AcknowledgeRead(protocol.ReadReceipt{MessageID: m.MessageID, ReaderID: c.user.UserID})
	}
}

func (c *Console) sent(a protocol.MessageAck) {
	if a.Delivered {
		c.printf("  -> delivered to %s (%s)", a.ReceiverID, shortID(a.MessageID))
	} else {
		c.printf("  -> %s is offline, not delivered", a.ReceiverID)
	}
}

func (c *Console) who() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.online) == 0 {
		return "nobody"
	}
	names := make([]string, 0, len(c.online))
	for id, name := range c.online {
		names = append(names, display(protocol.UserPresence{UserID: id, Username: name}))
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

func (c *Console) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}

func display(u protocol.UserPresence) string {
	if u.Username == "" || u.Username == u.UserID {
		return u.UserID
	}
	return fmt.Sprintf("%s (%s)", u.Username, u.UserID)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
