package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrUnknownSID is returned for a polling sid the relay does not hold.
	ErrUnknownSID = errors.New("relay: unknown polling sid")
	// ErrPollInProgress is returned when a second long-poll arrives for a
	// sid that already has one outstanding.
	ErrPollInProgress = errors.New("relay: poll already in progress")
)

// maxPollBatch bounds how many queued frames one long-poll response carries.
const maxPollBatch = 64

type pollSession struct {
	peer *Peer

	mu       sync.Mutex
	lastSeen time.Time
	polling  bool
}

// pollSessions maps polling sids to hub peers. A polling client has no
// persistent socket, so a session that stops polling is reaped after the
// idle timeout.
type pollSessions struct {
	hub     *Hub
	log     *zap.Logger
	timeout time.Duration
	idle    time.Duration
	now     func() time.Time

	mu   sync.Mutex
	byID map[string]*pollSession
}

func newPollSessions(hub *Hub, timeout, idle time.Duration, log *zap.Logger) *pollSessions {
	return &pollSessions{
		hub:     hub,
		log:     log,
		timeout: timeout,
		idle:    idle,
		now:     time.Now,
		byID:    make(map[string]*pollSession),
	}
}

func (s *pollSessions) open() (*pollSession, error) {
	p, err := s.hub.Attach(KindPolling)
	if err != nil {
		return nil, err
	}
	ps := &pollSession{peer: p, lastSeen: s.now()}
	s.mu.Lock()
	s.byID[p.ID()] = ps
	s.mu.Unlock()
	return ps, nil
}

func (s *pollSessions) get(sid string) (*pollSession, error) {
	s.mu.Lock()
	ps, ok := s.byID[sid]
	s.mu.Unlock()
	if !ok {
		return nil, ErrUnknownSID
	}
	ps.mu.Lock()
	ps.lastSeen = s.now()
	ps.mu.Unlock()
	return ps, nil
}

func (s *pollSessions) release(sid string) error {
	s.mu.Lock()
	ps, ok := s.byID[sid]
	delete(s.byID, sid)
	s.mu.Unlock()
	if !ok {
		return ErrUnknownSID
	}
	s.hub.Detach(ps.peer)
	return nil
}

// poll waits up to the poll timeout for queued frames and returns them. A
// nil batch with a nil error means the timeout passed with nothing to send.
// ErrUnknownSID means the hub has dropped the peer.
func (s *pollSessions) poll(ctx context.Context, ps *pollSession) ([][]byte, error) {
	ps.mu.Lock()
	if ps.polling {
		ps.mu.Unlock()
		return nil, ErrPollInProgress
	}
	ps.polling = true
	ps.mu.Unlock()

	defer func() {
		ps.mu.Lock()
		ps.polling = false
		ps.lastSeen = s.now()
		ps.mu.Unlock()
	}()

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	var batch [][]byte
	select {
	case data := <-ps.peer.Outbound():
		batch = append(batch, data)
	case <-ps.peer.Done():
		_ = s.release(ps.peer.ID())
		return nil, ErrUnknownSID
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	for len(batch) < maxPollBatch {
		select {
		case data := <-ps.peer.Outbound():
			batch = append(batch, data)
		default:
			return batch, nil
		}
	}
	return batch, nil
}

// reap drops sessions that have neither polled nor posted within the idle
// timeout.
func (s *pollSessions) reap() int {
	cutoff := s.now().Add(-s.idle)

	s.mu.Lock()
	var stale []string
	for sid, ps := range s.byID {
		ps.mu.Lock()
		if !ps.polling && ps.lastSeen.Before(cutoff) {
			stale = append(stale, sid)
		}
		ps.mu.Unlock()
	}
	s.mu.Unlock()

	for _, sid := range stale {
		if s.release(sid) == nil {
			s.log.Info("reaped idle polling session", zap.String("sid", sid))
		}
	}
	return len(stale)
}

func (s *pollSessions) run(ctx context.Context) {
	ticker := time.NewTicker(s.idle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reap()
		}
	}
}

func (s *pollSessions) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}
