// Package pacing holds the send policy: a per-session daily cap, randomized
// human-like delays between sends, and light text variation.
package pacing

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// DefaultDailyLimit is the per-session outgoing cap per calendar day.
const DefaultDailyLimit = 500

// ErrQuotaExceeded is returned when a session has used its daily allowance.
var ErrQuotaExceeded = errors.New("pacing: daily limit reached")

// Counter counts outgoing messages a session sent in a time range.
type Counter interface {
	CountSentBetween(ctx context.Context, sessionID string, from, to time.Time) (int64, error)
}

// DayWindow returns the calendar day containing now in loc, as a UTC range
// from 00:00:00.000 to 23:59:59.999.
func DayWindow(now time.Time, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.Local
	}
	local := now.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	end := start.AddDate(0, 0, 1).Add(-time.Millisecond)
	return start.UTC(), end.UTC()
}

// Allowance is a session's quota position for the current day. Reserved
// counts sends granted to in-flight requests that are not stored yet.
type Allowance struct {
	Limit       int
	AlreadySent int
	Reserved    int
	Remaining   int
}

// Quota enforces the daily cap. Grants are held per session until released,
// so concurrent bulk sends and scheduler runs never share the same allowance.
type Quota struct {
	Limit    int
	Counter  Counter
	Location *time.Location
	Now      func() time.Time

	mu      sync.Mutex
	pending map[string]int
}

// Allowance reports how much of today's cap a session has left.
func (q *Quota) Allowance(ctx context.Context, sessionID string) (Allowance, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.allowanceLocked(ctx, sessionID)
}

func (q *Quota) allowanceLocked(ctx context.Context, sessionID string) (Allowance, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultDailyLimit
	}
	now := time.Now
	if q.Now != nil {
		now = q.Now
	}
	from, to := DayWindow(now(), q.Location)
	n, err := q.Counter.CountSentBetween(ctx, sessionID, from, to)
	if err != nil {
		return Allowance{}, fmt.Errorf("pacing: count sent today: %w", err)
	}
	reserved := q.pending[sessionID]
	remaining := limit - int(n) - reserved
	if remaining < 0 {
		remaining = 0
	}
	return Allowance{Limit: limit, AlreadySent: int(n), Reserved: reserved, Remaining: remaining}, nil
}

// Reservation is a grant of sends against a session's daily cap. Release it
// once the granted sends are stored or abandoned.
type Reservation struct {
	Allowance
	Granted int

	quota     *Quota
	sessionID string
	once      sync.Once
}

// Release returns the grant to the quota. Safe on nil and safe to repeat.
func (r *Reservation) Release() {
	if r == nil || r.quota == nil || r.Granted == 0 {
		return
	}
	r.once.Do(func() {
		q := r.quota
		q.mu.Lock()
		defer q.mu.Unlock()
		q.pending[r.sessionID] -= r.Granted
		if q.pending[r.sessionID] <= 0 {
			delete(q.pending, r.sessionID)
		}
	})
}

// Reserve grants up to n sends from the remaining allowance and holds them
// until the reservation is released. It fails with ErrQuotaExceeded, and no
// partial grant, when nothing is left; the returned reservation still carries
// the allowance.
func (q *Quota) Reserve(ctx context.Context, sessionID string, n int) (*Reservation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	a, err := q.allowanceLocked(ctx, sessionID)
	if err != nil {
		return &Reservation{Allowance: a}, err
	}
	if a.Remaining == 0 {
		return &Reservation{Allowance: a}, fmt.Errorf("%w (%d messages), try again tomorrow", ErrQuotaExceeded, a.Limit)
	}
	if n > a.Remaining {
		n = a.Remaining
	}
	if q.pending == nil {
		q.pending = make(map[string]int)
	}
	q.pending[sessionID] += n
	return &Reservation{Allowance: a, Granted: n, quota: q, sessionID: sessionID}, nil
}

// Default delay between consecutive sends: 10s plus up to 5s of jitter.
const (
	DefaultBase   = 10 * time.Second
	DefaultJitter = 5 * time.Second
)

// Pacer computes randomized delays and text variations. The zero value uses
// the defaults with real sleeps.
type Pacer struct {
	Base   time.Duration
	Jitter time.Duration
	Vary   bool

	// Sleep replaces the real wait in tests.
	Sleep func(ctx context.Context, d time.Duration) error

	mu   sync.Mutex
	rand *rand.Rand
}

// NewPacer creates a Pacer with a seeded source.
func NewPacer(base, jitter time.Duration, vary bool) *Pacer {
	return &Pacer{Base: base, Jitter: jitter, Vary: vary}
}

// WithSeed makes the pacer deterministic.
func (p *Pacer) WithSeed(seed int64) *Pacer {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rand = rand.New(rand.NewSource(seed))
	return p
}

func (p *Pacer) intn(n int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rand == nil {
		p.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return p.rand.Intn(n)
}

// Delay returns base plus a random jitter in [0, jitter).
func (p *Pacer) Delay() time.Duration {
	return p.DelayFrom(p.Base)
}

// DelayFrom is Delay with a caller-chosen base. A non-positive base falls
// back to the configured one.
func (p *Pacer) DelayFrom(base time.Duration) time.Duration {
	if base <= 0 {
		base = p.Base
	}
	if base <= 0 {
		base = DefaultBase
	}
	jitter := p.Jitter
	if jitter < 0 {
		jitter = 0
	}
	if jitter == 0 {
		return base
	}
	return base + time.Duration(p.intn(int(jitter/time.Millisecond)+1))*time.Millisecond
}

// Wait sleeps for one randomized delay or until ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	return p.WaitFrom(ctx, p.Base)
}

// WaitFrom sleeps for DelayFrom(base).
func (p *Pacer) WaitFrom(ctx context.Context, base time.Duration) error {
	d := p.DelayFrom(base)
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	return Sleep(ctx, d)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Variations returns every form Text may take for a message.
func Variations(text string) []string {
	return []string{
		text,
		text + " 🙂",
		"Hi, " + text,
		text + " 🙏",
	}
}

// Text returns text or one of its variations, chosen at random, when
// variation is enabled. Empty text is never varied.
func (p *Pacer) Text(text string) string {
	if !p.Vary || text == "" {
		return text
	}
	vs := Variations(text)
	return vs[p.intn(len(vs))]
}
