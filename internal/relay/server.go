package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/chatwire/chatwire/internal/config"
	"github.com/chatwire/chatwire/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 64 << 10
)

type Server struct {
	hub            *Hub
	metrics        *Metrics
	polls          *pollSessions
	log            *zap.Logger
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	upgrader       websocket.Upgrader
	started        time.Time
}

func NewServer(hub *Hub, cfg *config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		hub:            hub,
		metrics:        hub.metrics,
		log:            logger.Named("server"),
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		started:        time.Now(),
	}
	s.polls = newPollSessions(hub, cfg.Relay.PollTimeout, cfg.Relay.PollIdle, s.log.Named("poll"))
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}

	for _, origin := range cfg.Server.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}
	return s
}

// Run reaps idle polling sessions until ctx is done.
func (s *Server) Run(ctx context.Context) {
	s.polls.run(ctx)
}

// Handler returns the relay's routes wrapped in the common middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/poll", s.handlePoll)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/", s.handleRoot)
	return securityHeaders(s.cors(mux))
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "chatwire relay", "status": "running"})
}

type healthResponse struct {
	Status        string `json:"status"`
	Connections   int    `json:"connections"`
	PollSessions  int    `json:"poll_sessions"`
	RSSBytes      uint64 `json:"rss_bytes,omitempty"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:        "healthy",
		Connections:   s.hub.PeerCount(),
		PollSessions:  s.polls.count(),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := proc.MemoryInfo(); err == nil {
			resp.RSSBytes = mem.RSS
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	p, err := s.hub.Attach(KindWebsocket)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade error", zap.String("remote", r.RemoteAddr), zap.Error(err))
		s.hub.Detach(p)
		return
	}

	s.log.Info("websocket client connected", zap.String("remote", r.RemoteAddr), zap.String("peer", p.ID()))
	go s.writePump(conn, p)
	s.readPump(r.Context(), conn, p)
	s.log.Info("websocket client disconnected", zap.String("remote", r.RemoteAddr), zap.String("peer", p.ID()))
}

func (s *Server) readPump(ctx context.Context, conn *websocket.Conn, p *Peer) {
	defer s.hub.Detach(p)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.log.Debug("dropping malformed frame", zap.String("peer", p.ID()), zap.Error(err))
			continue
		}
		s.hub.Dispatch(ctx, p, env)
	}
}

// writePump is the only writer of data frames on conn.
func (s *Server) writePump(conn *websocket.Conn, p *Peer) {
	defer conn.Close()
	for {
		select {
		case data := <-p.Outbound():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.hub.Detach(p)
				return
			}
		case <-p.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// handlePoll serves the long-polling transport:
//
//	GET    /poll          open a session, returns {"sid": ...}
//	GET    /poll?sid=...  wait for queued envelopes, returns a JSON array
//	POST   /poll?sid=...  deliver one envelope
//	DELETE /poll?sid=...  close the session
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	sid := r.URL.Query().Get("sid")

	switch {
	case r.Method == http.MethodGet && sid == "":
		ps, err := s.polls.open()
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		s.log.Info("polling client connected", zap.String("remote", r.RemoteAddr), zap.String("peer", ps.peer.ID()))
		writeJSON(w, http.StatusOK, map[string]string{"sid": ps.peer.ID()})

	case sid == "":
		http.Error(w, "missing sid", http.StatusBadRequest)

	case r.Method == http.MethodGet:
		ps, err := s.polls.get(sid)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		batch, err := s.polls.poll(r.Context(), ps)
		switch {
		case errors.Is(err, ErrUnknownSID):
			http.Error(w, err.Error(), http.StatusGone)
			return
		case errors.Is(err, ErrPollInProgress):
			http.Error(w, err.Error(), http.StatusConflict)
			return
		case err != nil:
			return
		}
		writeBatch(w, batch)

	case r.Method == http.MethodPost:
		ps, err := s.polls.get(sid)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		var env protocol.Envelope
		body := http.MaxBytesReader(w, r.Body, maxMessageSize)
		if err := json.NewDecoder(body).Decode(&env); err != nil {
			http.Error(w, "invalid envelope", http.StatusBadRequest)
			return
		}
		s.hub.Dispatch(r.Context(), ps.peer, env)
		w.WriteHeader(http.StatusNoContent)

	case r.Method == http.MethodDelete:
		if err := s.polls.release(sid); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		s.log.Info("polling client disconnected", zap.String("peer", sid))
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeBatch(w http.ResponseWriter, batch [][]byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "[")
	for i, frame := range batch {
		if i > 0 {
			_, _ = io.WriteString(w, ",")
		}
		_, _ = w.Write(frame)
	}
	_, _ = io.WriteString(w, "]")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

// cors lets allowed browser origins use the polling transport.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.checkOrigin(r) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type")
			h.Add("Vary", "Origin")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	host := parsed.Host
	if host == r.Host {
		return true
	}

	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// ListenAndServe serves h on addr until ctx is cancelled, then shuts down
// gracefully.
func ListenAndServe(ctx context.Context, addr string, h http.Handler, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
