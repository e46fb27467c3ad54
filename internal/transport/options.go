package transport

import "time"

// Kind names a wire transport.
type Kind string

const (
	KindWebsocket Kind = "websocket"
	KindPolling   Kind = "polling"
)

const (
	defaultReconnectionAttempts = 5
	defaultReconnectionDelay    = 1000 * time.Millisecond
)

// Options is the connection policy applied to a Socket.
type Options struct {
	// Reconnection enables automatic reconnection after the link drops or
	// the first attempt fails.
	Reconnection bool
	// ReconnectionAttempts bounds the retries made after a failure.
	ReconnectionAttempts int
	// ReconnectionDelay is the constant wait between attempts.
	ReconnectionDelay time.Duration
	// Transports are tried in order on every attempt.
	Transports []Kind
}

// DefaultOptions returns the session policy: reconnection on, five attempts
// one second apart, websocket preferred with polling fallback.
func DefaultOptions() Options {
	return Options{
		Reconnection:         true,
		ReconnectionAttempts: defaultReconnectionAttempts,
		ReconnectionDelay:    defaultReconnectionDelay,
		Transports:           []Kind{KindWebsocket, KindPolling},
	}
}
