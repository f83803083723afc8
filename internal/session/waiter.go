package session

import (
	"context"
	"sync"
)

// OutcomeKind tags the single Outcome a Waiter receives.
type OutcomeKind int

const (
	// OutcomeCode means a pairing code was issued and must be shown.
	OutcomeCode OutcomeKind = iota + 1
	// OutcomeConnected means the session connected with stored credentials.
	OutcomeConnected
	// OutcomeConflict means the bound mobile already belongs to another session.
	OutcomeConflict
	// OutcomeFailed means the attempt ended without a usable connection.
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCode:
		return "code"
	case OutcomeConnected:
		return "connected"
	case OutcomeConflict:
		return "conflict"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is what a caller waiting on Start learns.
type Outcome struct {
	Kind      OutcomeKind
	SessionID string
	Code      string // raw pairing code
	QR        string // rendered pairing code, when a renderer is configured
	Mobile    string
	Err       error
}

// Waiter receives exactly one Outcome for a Start call. Later outcomes for the
// same session are dropped.
type Waiter struct {
	ch   chan Outcome
	once sync.Once
}

// NewWaiter creates a Waiter.
func NewWaiter() *Waiter {
	return &Waiter{ch: make(chan Outcome, 1)}
}

// Wait blocks until the outcome arrives or ctx is done.
func (w *Waiter) Wait(ctx context.Context) (Outcome, error) {
	select {
	case o := <-w.ch:
		return o, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

func (w *Waiter) deliver(o Outcome) {
	if w == nil {
		return
	}
	w.once.Do(func() { w.ch <- o })
}
