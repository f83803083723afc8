// Package conn defines the connection handle contract the session core
// drives. A Handle is one live protocol connection for one session; the
// protocol itself lives behind a Dialer implementation.
package conn

import (
	"context"
	"errors"
	"strings"
)

// ErrUnavailable marks a Dial that failed to reach the transport at all, as
// opposed to rejecting the session's credentials. Callers retry later.
var ErrUnavailable = errors.New("conn: transport unavailable")

// Disconnect reason codes reported with a closed status.
const (
	ReasonLoggedOut           = 401
	ReasonForbidden           = 403
	ReasonTimedOut            = 408
	ReasonMultideviceMismatch = 411
	ReasonConnectionClosed    = 428
	ReasonConnectionReplaced  = 440
	ReasonBadSession          = 500
	ReasonRestartRequired     = 515
)

// EventKind tags an Event.
type EventKind int

const (
	// EventPairing carries a pairing challenge code to show the user.
	EventPairing EventKind = iota + 1
	// EventStatus reports the connection opening or closing.
	EventStatus
	// EventMessage carries an inbound (or own-device outbound) message.
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventPairing:
		return "pairing"
	case EventStatus:
		return "status"
	case EventMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Event is emitted by a Handle. Only the fields relevant to Kind are set.
type Event struct {
	Kind    EventKind
	Code    string   // EventPairing
	Open    bool     // EventStatus: true when the connection opened
	Reason  int      // EventStatus: disconnect reason when closed
	Self    string   // EventStatus: the bound account id, set on open
	Message *Inbound // EventMessage
}

// Inbound is a message observed on the connection.
type Inbound struct {
	ProtocolID  string
	RemoteJID   string
	FromMe      bool
	Text        string
	ContentType string // text, image, video, audio, document
	MediaURL    string
	Caption     string
}

// Payload is an outbound message body.
type Payload struct {
	Kind     string // text, image, video, audio, document
	Text     string
	MediaURL string
	Caption  string
	MimeType string
}

// Credentials identify where a session's persisted credential state lives.
type Credentials struct {
	SessionID  string
	Dir        string
	DeviceName string
}

// Dialer opens connections. Dial must not block waiting for pairing; events
// are delivered on the returned Handle.
type Dialer interface {
	Dial(ctx context.Context, creds Credentials) (Handle, error)
}

// Handle is one live protocol connection.
type Handle interface {
	// Events delivers lifecycle and message events. The channel is closed
	// when the handle is closed.
	Events() <-chan Event
	// Send delivers a payload and returns the transport's message id.
	Send(ctx context.Context, to string, p Payload) (string, error)
	// Logout revokes the session's credentials on the server side.
	Logout(ctx context.Context) error
	// PresencePing emits a lightweight liveness signal.
	PresencePing(ctx context.Context) error
	// Close tears down the connection without logging out.
	Close() error
}

const userServer = "@s.whatsapp.net"

// NormalizeJID turns a bare phone number into a user address.
func NormalizeJID(to string) string {
	to = strings.TrimSpace(to)
	if strings.Contains(to, "@") {
		return to
	}
	return to + userServer
}

// MobileFromJID strips the device suffix and server from an account id:
// "919876543210:12@s.whatsapp.net" -> "919876543210".
func MobileFromJID(jid string) string {
	if i := strings.IndexByte(jid, '@'); i >= 0 {
		jid = jid[:i]
	}
	if i := strings.IndexByte(jid, ':'); i >= 0 {
		jid = jid[:i]
	}
	return jid
}
