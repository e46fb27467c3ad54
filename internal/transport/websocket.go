package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/chatwire/chatwire/internal/protocol"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
	pongTimeout      = 60 * time.Second
	pingInterval     = 25 * time.Second
)

// link is one established wire connection. A Socket replaces its link on
// every reconnect.
type link interface {
	Kind() Kind
	// Read blocks until the next envelope or a terminal error.
	Read() (protocol.Envelope, error)
	Write(env protocol.Envelope) error
	Close() error
}

type wsLink struct {
	conn    *websocket.Conn
	log     *zap.Logger
	writeMu sync.Mutex // serialises all conn writes (ping, envelopes)
	cancel  context.CancelFunc
	once    sync.Once
}

func dialWebsocket(ctx context.Context, endpoint string, log *zap.Logger) (link, error) {
	target, err := endpointURL(endpoint, KindWebsocket)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, err
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))

	pingCtx, cancel := context.WithCancel(ctx)
	l := &wsLink{conn: conn, log: log, cancel: cancel}
	go l.pingLoop(pingCtx)
	return l, nil
}

func (l *wsLink) Kind() Kind { return KindWebsocket }

func (l *wsLink) Read() (protocol.Envelope, error) {
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			return protocol.Envelope{}, err
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			l.log.Debug("dropping malformed frame", zap.Error(err))
			continue
		}
		return env, nil
	}
}

func (l *wsLink) Write(env protocol.Envelope) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return l.conn.WriteJSON(env)
}

func (l *wsLink) Close() error {
	var err error
	l.once.Do(func() {
		l.cancel()
		// WriteControl may run concurrently with other writers.
		_ = l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = l.conn.Close()
	})
	return err
}

// pingLoop keeps the connection alive until ctx is cancelled or a ping fails.
func (l *wsLink) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.writeMu.Lock()
			_ = l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := l.conn.WriteMessage(websocket.PingMessage, nil)
			l.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
