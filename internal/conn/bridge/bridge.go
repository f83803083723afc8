// Package bridge implements conn.Dialer over a websocket to a protocol
// gateway. Each session gets its own socket at <url>/sessions/<id>; the
// gateway speaks the messaging protocol and relays JSON frames.
package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"github.com/zulandar/courier/internal/conn"
)

// CredsFile is the credential blob the gateway hands back after pairing.
const CredsFile = "creds.json"

// Default timeouts.
const (
	DefaultAckTimeout   = 30 * time.Second
	DefaultWriteTimeout = 10 * time.Second
)

// ErrClosed is returned by commands on a closed handle.
var ErrClosed = errors.New("bridge: connection closed")

// Frame types.
const (
	frameHello    = "hello"
	frameSend     = "send"
	frameLogout   = "logout"
	framePresence = "presence"
	frameQR       = "qr"
	frameOpen     = "open"
	frameClose    = "close"
	frameMessage  = "message"
	frameCreds    = "creds"
	frameAck      = "ack"
)

type frame struct {
	Type      string        `json:"type"`
	ID        string        `json:"id,omitempty"`
	Session   string        `json:"session,omitempty"`
	Device    string        `json:"device,omitempty"`
	Creds     string        `json:"creds,omitempty"` // base64
	Code      string        `json:"code,omitempty"`
	Reason    int           `json:"reason,omitempty"`
	Self      string        `json:"self,omitempty"`
	To        string        `json:"to,omitempty"`
	Payload   *payloadFrame `json:"payload,omitempty"`
	Message   *inboundFrame `json:"message,omitempty"`
	MessageID string        `json:"messageId,omitempty"`
	Error     string        `json:"error,omitempty"`
}

type payloadFrame struct {
	Kind     string `json:"kind"`
	Text     string `json:"text,omitempty"`
	MediaURL string `json:"mediaUrl,omitempty"`
	Caption  string `json:"caption,omitempty"`
	MimeType string `json:"mimetype,omitempty"`
}

type inboundFrame struct {
	ID          string `json:"id"`
	RemoteJID   string `json:"remoteJid"`
	FromMe      bool   `json:"fromMe"`
	Text        string `json:"text,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	MediaURL    string `json:"mediaUrl,omitempty"`
	Caption     string `json:"caption,omitempty"`
}

// Opts configures a Dialer.
type Opts struct {
	URL          string // ws:// or wss:// base of the gateway
	Header       http.Header
	AckTimeout   time.Duration
	WriteTimeout time.Duration
	WS           *websocket.Dialer
}

// Dialer opens one websocket per session.
type Dialer struct {
	base         string
	header       http.Header
	ackTimeout   time.Duration
	writeTimeout time.Duration
	ws           *websocket.Dialer
}

// NewDialer validates opts and creates a Dialer.
func NewDialer(opts Opts) (*Dialer, error) {
	u, err := url.Parse(opts.URL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("bridge: invalid url %q", opts.URL)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("bridge: unsupported scheme %q", u.Scheme)
	}
	d := &Dialer{
		base:         strings.TrimRight(u.String(), "/"),
		header:       opts.Header,
		ackTimeout:   opts.AckTimeout,
		writeTimeout: opts.WriteTimeout,
		ws:           opts.WS,
	}
	if d.ackTimeout <= 0 {
		d.ackTimeout = DefaultAckTimeout
	}
	if d.writeTimeout <= 0 {
		d.writeTimeout = DefaultWriteTimeout
	}
	if d.ws == nil {
		d.ws = websocket.DefaultDialer
	}
	return d, nil
}

// Dial connects the session's socket and announces it with any stored
// credentials. Pairing and status arrive later as events.
func (d *Dialer) Dial(ctx context.Context, creds conn.Credentials) (conn.Handle, error) {
	if creds.SessionID == "" {
		return nil, fmt.Errorf("bridge: session id is required")
	}
	hello := frame{Type: frameHello, Session: creds.SessionID, Device: creds.DeviceName}
	if creds.Dir != "" {
		data, err := os.ReadFile(filepath.Join(creds.Dir, CredsFile))
		switch {
		case err == nil:
			hello.Creds = base64.StdEncoding.EncodeToString(data)
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("bridge: read credentials for %s: %w", creds.SessionID, err)
		}
	}

	target := d.base + "/sessions/" + url.PathEscape(creds.SessionID)
	ws, resp, err := d.ws.DialContext(ctx, target, d.header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("bridge: dial %s: %w: %w", creds.SessionID, conn.ErrUnavailable, err)
	}

	h := &Handle{
		sessionID:    creds.SessionID,
		dir:          creds.Dir,
		ws:           ws,
		ackTimeout:   d.ackTimeout,
		writeTimeout: d.writeTimeout,
		events:       make(chan conn.Event, 64),
		pending:      make(map[string]chan frame),
		done:         make(chan struct{}),
	}
	if err := h.write(hello); err != nil {
		ws.Close()
		return nil, fmt.Errorf("bridge: hello %s: %w: %w", creds.SessionID, conn.ErrUnavailable, err)
	}
	go h.readLoop()
	return h, nil
}

// Handle is one session's gateway socket.
type Handle struct {
	sessionID    string
	dir          string
	ws           *websocket.Conn
	ackTimeout   time.Duration
	writeTimeout time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan frame

	events    chan conn.Event
	done      chan struct{}
	closeOnce sync.Once
}

// Events implements conn.Handle.
func (h *Handle) Events() <-chan conn.Event { return h.events }

// Send implements conn.Handle.
func (h *Handle) Send(ctx context.Context, to string, p conn.Payload) (string, error) {
	ack, err := h.command(ctx, frame{
		Type: frameSend,
		To:   to,
		Payload: &payloadFrame{
			Kind:     p.Kind,
			Text:     p.Text,
			MediaURL: p.MediaURL,
			Caption:  p.Caption,
			MimeType: p.MimeType,
		},
	})
	if err != nil {
		return "", err
	}
	return ack.MessageID, nil
}

// Logout implements conn.Handle.
func (h *Handle) Logout(ctx context.Context) error {
	_, err := h.command(ctx, frame{Type: frameLogout})
	return err
}

// PresencePing implements conn.Handle.
func (h *Handle) PresencePing(ctx context.Context) error {
	_, err := h.command(ctx, frame{Type: framePresence})
	return err
}

// Close implements conn.Handle. The events channel closes once the read
// loop exits; no close event is emitted for a local close.
func (h *Handle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.done)
		h.writeMu.Lock()
		_ = h.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		h.writeMu.Unlock()
		err = h.ws.Close()
	})
	return err
}

func (h *Handle) closed() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *Handle) write(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if err := h.ws.SetWriteDeadline(time.Now().Add(h.writeTimeout)); err != nil {
		return err
	}
	return h.ws.WriteMessage(websocket.TextMessage, data)
}

// command writes f with a fresh id and waits for the matching ack.
func (h *Handle) command(ctx context.Context, f frame) (frame, error) {
	if h.closed() {
		return frame{}, ErrClosed
	}
	f.ID = uuid.NewString()
	ch := make(chan frame, 1)
	h.mu.Lock()
	h.pending[f.ID] = ch
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.pending, f.ID)
		h.mu.Unlock()
	}()

	if err := h.write(f); err != nil {
		return frame{}, fmt.Errorf("bridge: %s %s: %w", f.Type, h.sessionID, err)
	}

	timer := time.NewTimer(h.ackTimeout)
	defer timer.Stop()
	select {
	case ack, ok := <-ch:
		if !ok {
			return frame{}, ErrClosed
		}
		if ack.Error != "" {
			return ack, fmt.Errorf("bridge: %s %s: %s", f.Type, h.sessionID, ack.Error)
		}
		return ack, nil
	case <-ctx.Done():
		return frame{}, ctx.Err()
	case <-h.done:
		return frame{}, ErrClosed
	case <-timer.C:
		return frame{}, fmt.Errorf("bridge: %s %s: no ack after %s", f.Type, h.sessionID, h.ackTimeout)
	}
}

func (h *Handle) readLoop() {
	sawClose := false
	defer func() {
		h.mu.Lock()
		for id, ch := range h.pending {
			close(ch)
			delete(h.pending, id)
		}
		h.mu.Unlock()
		close(h.events)
	}()

	for {
		_, data, err := h.ws.ReadMessage()
		if err != nil {
			if !h.closed() {
				if !sawClose {
					h.emit(conn.Event{Kind: conn.EventStatus, Reason: conn.ReasonConnectionClosed})
				}
				log.WithField("session", h.sessionID).WithError(err).Debug("bridge: socket ended")
				h.closeOnce.Do(func() { close(h.done); h.ws.Close() })
			}
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.WithField("session", h.sessionID).WithError(err).Warn("bridge: bad frame")
			continue
		}
		switch f.Type {
		case frameQR:
			h.emit(conn.Event{Kind: conn.EventPairing, Code: f.Code})
		case frameOpen:
			h.emit(conn.Event{Kind: conn.EventStatus, Open: true, Self: f.Self})
		case frameClose:
			sawClose = true
			h.emit(conn.Event{Kind: conn.EventStatus, Reason: f.Reason})
		case frameMessage:
			if f.Message == nil {
				continue
			}
			m := f.Message
			h.emit(conn.Event{Kind: conn.EventMessage, Message: &conn.Inbound{
				ProtocolID:  m.ID,
				RemoteJID:   m.RemoteJID,
				FromMe:      m.FromMe,
				Text:        m.Text,
				ContentType: m.ContentType,
				MediaURL:    m.MediaURL,
				Caption:     m.Caption,
			}})
		case frameCreds:
			if err := h.saveCreds(f.Creds); err != nil {
				log.WithField("session", h.sessionID).WithError(err).Error("bridge: save credentials")
			}
		case frameAck:
			h.mu.Lock()
			ch, ok := h.pending[f.ID]
			if ok {
				delete(h.pending, f.ID)
			}
			h.mu.Unlock()
			if ok {
				ch <- f
			}
		default:
			log.WithFields(log.Fields{"session": h.sessionID, "type": f.Type}).Debug("bridge: ignoring frame")
		}
	}
}

func (h *Handle) emit(ev conn.Event) {
	select {
	case h.events <- ev:
	case <-h.done:
	}
}

// saveCreds replaces the session's credential file atomically.
func (h *Handle) saveCreds(encoded string) error {
	if h.dir == "" {
		return nil
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if err := os.MkdirAll(h.dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(h.dir, ".creds-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(h.dir, CredsFile))
}
