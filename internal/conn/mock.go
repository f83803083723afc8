package conn

import (
	"context"
	"fmt"
	"sync"
)

// MockDialer implements Dialer for testing. Each Dial creates a MockHandle
// that tests drive with Simulate* helpers.
type MockDialer struct {
	mu      sync.Mutex
	handles []*MockHandle
	dials   map[string]int
	err     error
	onDial  func(*MockHandle)
}

// NewMockDialer creates a MockDialer.
func NewMockDialer() *MockDialer {
	return &MockDialer{dials: make(map[string]int)}
}

// SetError makes subsequent Dial calls fail with err.
func (d *MockDialer) SetError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

// OnDial registers a hook run synchronously on every new handle, before Dial
// returns. Handy for scripting events into restore flows.
func (d *MockDialer) OnDial(fn func(*MockHandle)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onDial = fn
}

// Dial records the attempt and returns a new MockHandle.
func (d *MockDialer) Dial(ctx context.Context, creds Credentials) (Handle, error) {
	d.mu.Lock()
	d.dials[creds.SessionID]++
	if d.err != nil {
		err := d.err
		d.mu.Unlock()
		return nil, err
	}
	h := NewMockHandle(creds.SessionID)
	d.handles = append(d.handles, h)
	hook := d.onDial
	d.mu.Unlock()
	if hook != nil {
		hook(h)
	}
	return h, nil
}

// Dials returns how many times a session id was dialed.
func (d *MockDialer) Dials(sessionID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[sessionID]
}

// Last returns the most recent handle for a session id, or nil.
func (d *MockDialer) Last(sessionID string) *MockHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.handles) - 1; i >= 0; i-- {
		if d.handles[i].SessionID == sessionID {
			return d.handles[i]
		}
	}
	return nil
}

// SentMessage records one MockHandle.Send call.
type SentMessage struct {
	To      string
	Payload Payload
}

// MockHandle implements Handle for testing.
type MockHandle struct {
	SessionID string

	mu        sync.Mutex
	events    chan Event
	closed    bool
	loggedOut bool
	sent      []SentMessage
	pings     int
	sendErrs  []error
	pingErr   error
	nextID    int
}

// NewMockHandle creates a MockHandle with a buffered event channel.
func NewMockHandle(sessionID string) *MockHandle {
	return &MockHandle{SessionID: sessionID, events: make(chan Event, 64)}
}

// Events returns the event channel.
func (h *MockHandle) Events() <-chan Event { return h.events }

// Send records the payload. Queued errors from FailSends are returned first.
func (h *MockHandle) Send(ctx context.Context, to string, p Payload) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return "", fmt.Errorf("mock handle: closed")
	}
	if len(h.sendErrs) > 0 {
		err := h.sendErrs[0]
		h.sendErrs = h.sendErrs[1:]
		if err != nil {
			return "", err
		}
	}
	h.nextID++
	h.sent = append(h.sent, SentMessage{To: to, Payload: p})
	return fmt.Sprintf("%s-%d", h.SessionID, h.nextID), nil
}

// Logout marks the handle logged out and emits a logged-out close event.
func (h *MockHandle) Logout(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return fmt.Errorf("mock handle: closed")
	}
	h.loggedOut = true
	h.mu.Unlock()
	h.emit(Event{Kind: EventStatus, Open: false, Reason: ReasonLoggedOut})
	return nil
}

// PresencePing counts pings.
func (h *MockHandle) PresencePing(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pings++
	return h.pingErr
}

// Close closes the event channel. Safe to call more than once.
func (h *MockHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	close(h.events)
	return nil
}

func (h *MockHandle) emit(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.events <- ev
}

// --- Test helpers ---

// SimulatePairing emits a pairing challenge.
func (h *MockHandle) SimulatePairing(code string) {
	h.emit(Event{Kind: EventPairing, Code: code})
}

// SimulateOpen emits a successful connection bound to self.
func (h *MockHandle) SimulateOpen(self string) {
	h.emit(Event{Kind: EventStatus, Open: true, Self: self})
}

// SimulateClose emits a disconnect with the given reason.
func (h *MockHandle) SimulateClose(reason int) {
	h.emit(Event{Kind: EventStatus, Open: false, Reason: reason})
}

// SimulateMessage emits an inbound message.
func (h *MockHandle) SimulateMessage(in Inbound) {
	h.emit(Event{Kind: EventMessage, Message: &in})
}

// FailSends queues errors returned by the next Send calls, in order. A nil
// entry lets that call succeed.
func (h *MockHandle) FailSends(errs ...error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sendErrs = append(h.sendErrs, errs...)
}

// SetPingError makes PresencePing fail.
func (h *MockHandle) SetPingError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pingErr = err
}

// Sent returns a copy of all recorded sends.
func (h *MockHandle) Sent() []SentMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]SentMessage, len(h.sent))
	copy(out, h.sent)
	return out
}

// Pings returns the number of presence pings.
func (h *MockHandle) Pings() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pings
}

// LoggedOut reports whether Logout was called.
func (h *MockHandle) LoggedOut() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loggedOut
}

// Closed reports whether Close was called.
func (h *MockHandle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}
