// Package notify fans session lifecycle events out to observers: SSE
// subscribers attached through the API and optional chat sinks.
package notify

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Event names published by the session controller.
const (
	EventQRUpdate     = "qr-update"
	EventLoginSuccess = "login-success"
	EventLogout       = "logout"
	EventConflict     = "session-conflict"
)

// Event is one observer notification.
type Event struct {
	Name      string         `json:"event"`
	SessionID string         `json:"sessionId"`
	Data      map[string]any `json:"data,omitempty"`
	At        time.Time      `json:"at"`
}

// Sink receives every published event. Deliver errors are logged by the Hub
// and never reach the publisher.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev Event) error
}

// Publisher is the narrow interface producers depend on.
type Publisher interface {
	Publish(ev Event)
}

const defaultSinkTimeout = 10 * time.Second

// Hub distributes events to subscribers and sinks. Publish never blocks on a
// slow subscriber: a full subscriber buffer drops the event for that
// subscriber only.
type Hub struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool

	sinks       []Sink
	sinkTimeout time.Duration
	wg          sync.WaitGroup
}

// NewHub creates a Hub delivering to the given sinks.
func NewHub(sinks ...Sink) *Hub {
	return &Hub{
		subs:        make(map[int]chan Event),
		sinks:       sinks,
		sinkTimeout: defaultSinkTimeout,
	}
}

// Subscribe registers a subscriber with the given buffer size. The returned
// cancel func unregisters it and closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Publish stamps the event and fans it out.
func (h *Hub) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			log.WithFields(log.Fields{"event": ev.Name, "subscriber": id}).Debug("notify: subscriber buffer full, dropping event")
		}
	}
	h.mu.Unlock()

	for _, s := range h.sinks {
		h.wg.Add(1)
		go func(s Sink) {
			defer h.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), h.sinkTimeout)
			defer cancel()
			if err := s.Deliver(ctx, ev); err != nil {
				log.WithFields(log.Fields{
					"sink":    s.Name(),
					"event":   ev.Name,
					"session": ev.SessionID,
				}).WithError(err).Warn("notify: sink delivery failed")
			}
		}(s)
	}
}

// Close drops every subscriber and waits for in-flight sink deliveries.
func (h *Hub) Close() {
	h.mu.Lock()
	if !h.closed {
		h.closed = true
		for id, ch := range h.subs {
			delete(h.subs, id)
			close(ch)
		}
	}
	h.mu.Unlock()
	h.wg.Wait()
}

// Summary renders a one-line human description of an event, used by the
// chat sinks.
func Summary(ev Event) string {
	switch ev.Name {
	case EventQRUpdate:
		return "Pairing code issued for " + ev.SessionID
	case EventLoginSuccess:
		if m, ok := ev.Data["mobile"].(string); ok && m != "" {
			return "Session " + ev.SessionID + " connected as " + m
		}
		return "Session " + ev.SessionID + " connected"
	case EventLogout:
		return "Session " + ev.SessionID + " logged out"
	case EventConflict:
		if m, ok := ev.Data["mobile"].(string); ok && m != "" {
			return "Session " + ev.SessionID + " rejected: " + m + " is already bound to another session"
		}
		return "Session " + ev.SessionID + " rejected: mobile already bound"
	default:
		return ev.Name + " " + ev.SessionID
	}
}

// Color constants for event severity.
const (
	ColorSuccess = "#36a64f"
	ColorInfo    = "#2196f3"
	ColorWarning = "#ff9800"
	ColorError   = "#e53935"
)

// eventColor maps an event to a sidebar color.
func eventColor(name string) string {
	switch name {
	case EventLoginSuccess:
		return ColorSuccess
	case EventLogout:
		return ColorWarning
	case EventConflict:
		return ColorError
	default:
		return ColorInfo
	}
}
