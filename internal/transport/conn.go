// Package transport implements the client side of the chatwire wire
// contract: a persistent, named-event connection to the backend that
// negotiates websocket first and falls back to HTTP long-polling, and that
// reconnects on its own within a bounded budget.
package transport

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/chatwire/chatwire/internal/protocol"
	"go.uber.org/zap"
)

var (
	// ErrNotConnected is returned by Emit while no link is live.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrClosed is returned by Emit after Close.
	ErrClosed = errors.New("transport: closed")
)

// Listener receives the raw payload of one event.
type Listener func(payload json.RawMessage)

// Conn is a transport handle. Listeners are invoked serially on a single
// goroutine owned by the handle, in the order events arrive.
type Conn interface {
	ID() string
	Open()
	Connected() bool
	On(ev protocol.Event, l Listener)
	// RemoveAllListeners drops every listener except those registered for
	// the keep events, in one step.
	RemoveAllListeners(keep ...protocol.Event)
	Emit(ev protocol.Event, v any) error
	Close() error
}

// Dialer creates an unopened handle for endpoint. Open must return
// immediately; the handshake completes in the background and is reported
// via EventConnect.
type Dialer func(endpoint string, opts Options, log *zap.Logger) Conn

// listenerTable is an ordered, additive event → listeners map.
type listenerTable struct {
	mu sync.Mutex
	m  map[protocol.Event][]Listener
}

func (t *listenerTable) add(ev protocol.Event, l Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.m == nil {
		t.m = make(map[protocol.Event][]Listener)
	}
	t.m[ev] = append(t.m[ev], l)
}

func (t *listenerTable) reset(keep ...protocol.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var kept map[protocol.Event][]Listener
	for _, ev := range keep {
		if ls := t.m[ev]; len(ls) > 0 {
			if kept == nil {
				kept = make(map[protocol.Event][]Listener)
			}
			kept[ev] = ls
		}
	}
	t.m = kept
}

// snapshot returns the listeners for ev. The caller may invoke them without
// holding the lock, so a listener can register or reset freely.
func (t *listenerTable) snapshot(ev protocol.Event) []Listener {
	t.mu.Lock()
	defer t.mu.Unlock()
	ls := t.m[ev]
	if len(ls) == 0 {
		return nil
	}
	out := make([]Listener, len(ls))
	copy(out, ls)
	return out
}
