package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/chatwire/chatwire/internal/protocol"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type linkDialer func(ctx context.Context, endpoint string, log *zap.Logger) (link, error)

var linkDialers = map[Kind]linkDialer{
	KindWebsocket: dialWebsocket,
	KindPolling:   dialPolling,
}

// Socket is the default Conn. It owns one background goroutine that
// connects, reads, reconnects and delivers every event to listeners.
type Socket struct {
	id       string
	endpoint string
	opts     Options
	log      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	listeners listenerTable
	openOnce  sync.Once

	mu        sync.Mutex
	link      link
	connected bool
}

// Dial returns a Socket for endpoint without connecting. Listeners
// registered before Open see every event from the first attempt on.
func Dial(endpoint string, opts Options, log *zap.Logger) Conn {
	return newSocket(endpoint, opts, log)
}

func newSocket(endpoint string, opts Options, log *zap.Logger) *Socket {
	if log == nil {
		log = zap.NewNop()
	}
	if len(opts.Transports) == 0 {
		opts.Transports = DefaultOptions().Transports
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Socket{
		id:       uuid.NewString(),
		endpoint: endpoint,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
	}
	s.log = log.With(zap.String("socket", s.id))
	return s
}

// Open starts connecting in the background. It never blocks and never
// fails; problems surface as EventConnectError and EventReconnectFailed.
// Only the first call has an effect.
func (s *Socket) Open() {
	s.openOnce.Do(func() { go s.run() })
}

func (s *Socket) ID() string { return s.id }

func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Socket) On(ev protocol.Event, l Listener) {
	s.listeners.add(ev, l)
}

func (s *Socket) RemoveAllListeners(keep ...protocol.Event) {
	s.listeners.reset(keep...)
}

// Emit writes one event to the live link.
func (s *Socket) Emit(ev protocol.Event, v any) error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	s.mu.Lock()
	l, ok := s.link, s.connected
	s.mu.Unlock()
	if !ok || l == nil {
		return ErrNotConnected
	}

	env, err := protocol.NewEnvelope(ev, v)
	if err != nil {
		return err
	}
	if err := l.Write(env); err != nil {
		return fmt.Errorf("emit %s over %s: %w", ev, l.Kind(), err)
	}
	return nil
}

// Close stops the socket. It does not wait for the background goroutine and
// no listener fires once it returns. Calling it again is a no-op.
func (s *Socket) Close() error {
	if s.ctx.Err() != nil {
		return nil
	}
	s.cancel()

	s.mu.Lock()
	l := s.link
	s.link = nil
	s.connected = false
	s.mu.Unlock()

	if l != nil {
		return l.Close()
	}
	return nil
}

func (s *Socket) run() {
	first := true
	for {
		l, err := s.establish(first)
		if err != nil {
			if s.ctx.Err() == nil {
				s.log.Warn("reconnection attempts exhausted",
					zap.Int("attempts", s.opts.ReconnectionAttempts), zap.Error(err))
				s.fire(protocol.EventReconnectFailed, nil)
			}
			return
		}
		first = false

		if !s.attach(l) {
			_ = l.Close()
			return
		}
		s.log.Debug("connected", zap.String("transport", string(l.Kind())))
		s.fire(protocol.EventConnect, nil)

		err = s.readLoop(l)
		s.detach(l)
		if s.ctx.Err() != nil {
			return
		}
		s.log.Debug("link lost", zap.Error(err))
		s.fire(protocol.EventDisconnect, reason(err))

		if !s.opts.Reconnection {
			return
		}
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(s.opts.ReconnectionDelay):
		}
	}
}

// establish opens a link, retrying within the reconnection budget. The very
// first connection gets one initial try on top of that budget.
func (s *Socket) establish(first bool) (link, error) {
	tries := uint(0)
	if first {
		tries = 1
	}
	if s.opts.Reconnection {
		tries += uint(max(s.opts.ReconnectionAttempts, 0))
	}
	if tries == 0 {
		return nil, errors.New("reconnection disabled")
	}

	op := func() (link, error) {
		l, err := s.open()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil, backoff.Permanent(s.ctx.Err())
			}
			s.log.Debug("connect attempt failed", zap.Error(err))
			s.fire(protocol.EventConnectError, reason(err))
			return nil, err
		}
		return l, nil
	}

	return backoff.Retry(s.ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(s.opts.ReconnectionDelay)),
		backoff.WithMaxTries(tries),
	)
}

// open tries each configured transport in order and returns the first link
// whose handshake completes.
func (s *Socket) open() (link, error) {
	var errs []error
	for _, kind := range s.opts.Transports {
		d, ok := linkDialers[kind]
		if !ok {
			errs = append(errs, fmt.Errorf("unknown transport %q", kind))
			continue
		}
		l, err := d(s.ctx, s.endpoint, s.log)
		if err == nil {
			return l, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", kind, err))
	}
	return nil, errors.Join(errs...)
}

func (s *Socket) attach(l link) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.link = l
	s.connected = true
	return true
}

func (s *Socket) detach(l link) {
	s.mu.Lock()
	if s.link == l {
		s.link = nil
		s.connected = false
	}
	s.mu.Unlock()
	_ = l.Close()
}

func (s *Socket) readLoop(l link) error {
	for {
		env, err := l.Read()
		if err != nil {
			return err
		}
		if env.Type.Local() {
			s.log.Debug("ignoring reserved event from peer", zap.String("event", env.Type.String()))
			continue
		}
		s.fire(env.Type, env.Payload)
	}
}

// fire delivers payload to every listener for ev, in registration order.
func (s *Socket) fire(ev protocol.Event, payload json.RawMessage) {
	for _, l := range s.listeners.snapshot(ev) {
		if s.ctx.Err() != nil {
			return
		}
		l(payload)
	}
}

func reason(err error) json.RawMessage {
	if err == nil {
		return nil
	}
	data, _ := json.Marshal(protocol.ConnectError{Message: err.Error()})
	return data
}
