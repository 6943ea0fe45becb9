package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second

	pollRequestSlack = 10 * time.Second
	pollMaxWait      = 25 * time.Second
)

// ErrTransportClosed is returned by Receive and Send after Close.
var ErrTransportClosed = errors.New("transport closed")

// Transport is one live bidirectional channel. Receive is only ever called
// from a single goroutine; Send and Close may be called concurrently.
type Transport interface {
	Name() string
	Send(frame []byte) error
	Receive() ([]byte, error)
	Close() error
}

// Dialer opens a Transport to endpoint (a ws:// or wss:// URL).
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Transport, error)
}

// DefaultDialers prefers WebSocket and falls back to long-polling.
func DefaultDialers() []Dialer {
	return []Dialer{&WebSocketDialer{}, &PollingDialer{}}
}

// --- WebSocket ---

type WebSocketDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
}

func (d *WebSocketDialer) Dial(ctx context.Context, endpoint string) (Transport, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, endpoint, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: %w (status %d)", endpoint, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", endpoint, err)
	}

	t := &wsTransport{conn: conn, done: make(chan struct{})}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
	go t.pingLoop()
	return t, nil
}

type wsTransport struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex // serialises all conn writes (ping, frames, close)
	done      chan struct{}
	closeOnce sync.Once
}

func (t *wsTransport) Name() string { return "websocket" }

func (t *wsTransport) Send(frame []byte) error {
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

func (t *wsTransport) Receive() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		select {
		case <-t.done:
			return nil, ErrTransportClosed
		default:
		}
		return nil, err
	}
	return data, nil
}

func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		// A Send stuck on a dead peer holds writeMu. Skip the close frame
		// then; closing the conn unblocks the writer.
		if t.writeMu.TryLock() {
			_ = t.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			t.writeMu.Unlock()
		}
		err = t.conn.Close()
	})
	return err
}

// pingLoop sends periodic pings until the transport closes.
func (t *wsTransport) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.writeMu.Lock()
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := t.conn.WriteMessage(websocket.PingMessage, nil)
			t.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// --- HTTP long-polling ---

// PollingDialer talks to the hub's /ws/poll endpoint. It is the fallback
// when a WebSocket upgrade is not possible (proxies, restricted networks).
type PollingDialer struct {
	Client *http.Client
}

// PollURL maps ws://host/ws to http://host/ws/poll.
func PollURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "wss", "https":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/poll"
	u.RawQuery = ""
	return u.String(), nil
}

type pollOpenResponse struct {
	SID string `json:"sid"`
}

func (d *PollingDialer) Dial(ctx context.Context, endpoint string) (Transport, error) {
	base, err := PollURL(endpoint)
	if err != nil {
		return nil, err
	}
	client := d.Client
	if client == nil {
		client = &http.Client{}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("polling open %s: %w", base, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("polling open %s: %d %s", base, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var open pollOpenResponse
	if err := json.NewDecoder(resp.Body).Decode(&open); err != nil {
		return nil, fmt.Errorf("polling open: %w", err)
	}
	if open.SID == "" {
		return nil, errors.New("polling open: empty session id")
	}

	tctx, cancel := context.WithCancel(context.Background())
	return &pollTransport{
		client: client,
		base:   base,
		sid:    open.SID,
		ctx:    tctx,
		cancel: cancel,
	}, nil
}

type pollTransport struct {
	client    *http.Client
	base      string
	sid       string
	ctx       context.Context
	cancel    context.CancelFunc
	queue     [][]byte // only touched by the Receive goroutine
	closeOnce sync.Once
}

func (t *pollTransport) Name() string { return "polling" }

func (t *pollTransport) sessionURL() string {
	return t.base + "?sid=" + url.QueryEscape(t.sid)
}

func (t *pollTransport) Receive() ([]byte, error) {
	for len(t.queue) == 0 {
		frames, err := t.poll()
		if err != nil {
			if t.ctx.Err() != nil {
				return nil, ErrTransportClosed
			}
			return nil, err
		}
		t.queue = frames
	}
	f := t.queue[0]
	t.queue = t.queue[1:]
	return f, nil
}

func (t *pollTransport) poll() ([][]byte, error) {
	ctx, cancel := context.WithTimeout(t.ctx, pollMaxWait+pollRequestSlack)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.sessionURL(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusGone:
		return nil, fmt.Errorf("poll: session %s expired", t.sid)
	default:
		return nil, fmt.Errorf("poll: unexpected status %d", resp.StatusCode)
	}

	var raw []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("poll: decode: %w", err)
	}
	frames := make([][]byte, len(raw))
	for i, r := range raw {
		frames[i] = r
	}
	return frames, nil
}

func (t *pollTransport) Send(frame []byte) error {
	if t.ctx.Err() != nil {
		return ErrTransportClosed
	}
	body, err := json.Marshal([]json.RawMessage{frame})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(t.ctx, writeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.sessionURL(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("poll send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("poll send: status %d", resp.StatusCode)
	}
	return nil
}

// Close cancels any in-flight poll and releases the server session in the
// background so callers never block on the network.
func (t *pollTransport) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.sessionURL(), nil)
			if err != nil {
				return
			}
			if resp, err := t.client.Do(req); err == nil {
				resp.Body.Close()
			}
		}()
	})
	return nil
}
