package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/chatwire/chatwire/internal/protocol"
	"go.uber.org/zap"
)

// The backend holds a poll open for at most 25s; the client allows more.
const pollRequestTimeout = 35 * time.Second

type pollHandshake struct {
	SID string `json:"sid"`
}

type pollLink struct {
	base   string // http(s)://host/poll
	sid    string
	client *http.Client
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	queue  []protocol.Envelope // only touched by the reading goroutine
}

func dialPolling(ctx context.Context, endpoint string, log *zap.Logger) (link, error) {
	base, err := endpointURL(endpoint, KindPolling)
	if err != nil {
		return nil, err
	}

	client := &http.Client{Timeout: pollRequestTimeout}
	hctx, hcancel := context.WithTimeout(ctx, handshakeTimeout)
	defer hcancel()

	req, err := http.NewRequestWithContext(hctx, http.MethodGet, base, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("poll handshake: %d %s", resp.StatusCode, string(body))
	}

	var hs pollHandshake
	if err := json.NewDecoder(resp.Body).Decode(&hs); err != nil {
		return nil, fmt.Errorf("poll handshake: %w", err)
	}
	if hs.SID == "" {
		return nil, fmt.Errorf("poll handshake: empty sid")
	}

	lctx, cancel := context.WithCancel(ctx)
	return &pollLink{
		base:   base,
		sid:    hs.SID,
		client: client,
		log:    log,
		ctx:    lctx,
		cancel: cancel,
	}, nil
}

func (l *pollLink) Kind() Kind { return KindPolling }

func (l *pollLink) url() string {
	return l.base + "?sid=" + url.QueryEscape(l.sid)
}

func (l *pollLink) Read() (protocol.Envelope, error) {
	for len(l.queue) == 0 {
		batch, err := l.poll()
		if err != nil {
			return protocol.Envelope{}, err
		}
		l.queue = batch
	}
	env := l.queue[0]
	l.queue = l.queue[1:]
	return env, nil
}

func (l *pollLink) poll() ([]protocol.Envelope, error) {
	req, err := http.NewRequestWithContext(l.ctx, http.MethodGet, l.url(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("poll: %d %s", resp.StatusCode, string(body))
	}
	var batch []protocol.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return nil, fmt.Errorf("poll decode: %w", err)
	}
	return batch, nil
}

func (l *pollLink) Write(env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(l.ctx, http.MethodPost, l.url(), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := l.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("poll send: %d %s", resp.StatusCode, string(body))
	}
	return nil
}

// Close stops any pending poll and tells the backend to drop the sid. The
// release request runs in the background so Close never blocks.
func (l *pollLink) Close() error {
	l.once.Do(func() {
		l.cancel()
		go l.release()
	})
	return nil
}

func (l *pollLink) release() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, l.url(), nil)
	if err != nil {
		return
	}
	resp, err := l.client.Do(req)
	if err != nil {
		l.log.Debug("poll release", zap.String("sid", l.sid), zap.Error(err))
		return
	}
	resp.Body.Close()
}
