package pacing

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeCounter struct {
	n        int64
	err      error
	from, to time.Time
}

func (f *fakeCounter) CountSentBetween(ctx context.Context, sessionID string, from, to time.Time) (int64, error) {
	f.from, f.to = from, to
	return f.n, f.err
}

func TestDayWindow(t *testing.T) {
	loc := time.FixedZone("IST", 5*3600+1800)
	now := time.Date(2026, 3, 10, 1, 0, 0, 0, loc) // 2026-03-09 19:30 UTC
	from, to := DayWindow(now, loc)

	wantFrom := time.Date(2026, 3, 9, 18, 30, 0, 0, time.UTC)
	if !from.Equal(wantFrom) {
		t.Errorf("from = %v, want %v", from, wantFrom)
	}
	wantTo := wantFrom.Add(24*time.Hour - time.Millisecond)
	if !to.Equal(wantTo) {
		t.Errorf("to = %v, want %v", to, wantTo)
	}
	if from.Location() != time.UTC || to.Location() != time.UTC {
		t.Error("window should be expressed in UTC")
	}
}

func TestQuota_Reserve(t *testing.T) {
	tests := []struct {
		name      string
		limit     int
		sent      int64
		requested int
		want      int
		wantErr   bool
	}{
		{"fresh day", 500, 0, 10, 10, false},
		{"near cap", 500, 498, 10, 2, false},
		{"exactly at cap", 500, 500, 1, 0, true},
		{"over cap", 500, 520, 5, 0, true},
		{"default limit", 0, 499, 3, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &Quota{Limit: tt.limit, Counter: &fakeCounter{n: tt.sent}, Location: time.UTC}
			r, err := q.Reserve(context.Background(), "s1", tt.requested)
			got, a := r.Granted, r.Allowance
			if tt.wantErr {
				if !errors.Is(err, ErrQuotaExceeded) {
					t.Fatalf("err = %v, want ErrQuotaExceeded", err)
				}
				if got != 0 {
					t.Errorf("allowed = %d on rejection", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("allowed = %d, want %d", got, tt.want)
			}
			if got+a.AlreadySent > a.Limit {
				t.Errorf("allowed %d + sent %d exceeds limit %d", got, a.AlreadySent, a.Limit)
			}
		})
	}
}

func TestQuota_UsesInjectedClockAndZone(t *testing.T) {
	c := &fakeCounter{}
	now := time.Date(2026, 7, 1, 15, 0, 0, 0, time.UTC)
	q := &Quota{Limit: 10, Counter: c, Location: time.UTC, Now: func() time.Time { return now }}
	if _, err := q.Allowance(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	if !c.from.Equal(time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("from = %v", c.from)
	}
}

func TestQuota_CounterError(t *testing.T) {
	q := &Quota{Counter: &fakeCounter{err: errors.New("db down")}}
	if _, err := q.Reserve(context.Background(), "s1", 1); err == nil || errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("err = %v, want storage error", err)
	}
}

func TestQuota_ReservationsHoldAllowance(t *testing.T) {
	q := &Quota{Limit: 500, Counter: &fakeCounter{n: 498}, Location: time.UTC}
	ctx := context.Background()

	first, err := q.Reserve(ctx, "s1", 3)
	if err != nil {
		t.Fatal(err)
	}
	if first.Granted != 2 {
		t.Fatalf("first granted = %d, want 2", first.Granted)
	}
	if _, err := q.Reserve(ctx, "s1", 3); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("second reserve err = %v, want ErrQuotaExceeded while first is held", err)
	}
	a, err := q.Allowance(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if a.Reserved != 2 || a.Remaining != 0 {
		t.Errorf("allowance = %+v, want reserved 2 remaining 0", a)
	}

	other, err := q.Reserve(ctx, "s2", 1)
	if err != nil || other.Granted != 1 {
		t.Errorf("other session: granted %d err %v", other.Granted, err)
	}

	first.Release()
	first.Release()
	again, err := q.Reserve(ctx, "s1", 3)
	if err != nil {
		t.Fatal(err)
	}
	if again.Granted != 2 {
		t.Errorf("after release granted = %d, want 2", again.Granted)
	}
	var nilRes *Reservation
	nilRes.Release()
}

func TestQuota_ConcurrentReservesNeverOverGrant(t *testing.T) {
	q := &Quota{Limit: 500, Counter: &fakeCounter{n: 490}, Location: time.UTC}
	var (
		mu    sync.Mutex
		total int
		wg    sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := q.Reserve(context.Background(), "s1", 3)
			if err != nil {
				return
			}
			mu.Lock()
			total += r.Granted
			mu.Unlock()
		}()
	}
	wg.Wait()
	if total != 10 {
		t.Errorf("granted %d in total, want exactly the 10 remaining", total)
	}
}

func TestPacer_DelayRange(t *testing.T) {
	p := NewPacer(10*time.Second, 5*time.Second, false).WithSeed(1)
	for i := 0; i < 200; i++ {
		d := p.Delay()
		if d < 10*time.Second || d > 15*time.Second {
			t.Fatalf("Delay = %v, want within [10s, 15s]", d)
		}
	}
}

func TestPacer_DelayFromOverridesBase(t *testing.T) {
	p := NewPacer(10*time.Second, 0, false)
	if d := p.DelayFrom(3 * time.Second); d != 3*time.Second {
		t.Errorf("DelayFrom(3s) = %v", d)
	}
	if d := p.DelayFrom(0); d != 10*time.Second {
		t.Errorf("DelayFrom(0) = %v, want configured base", d)
	}
	var zero Pacer
	if d := zero.Delay(); d != DefaultBase {
		t.Errorf("zero Pacer Delay = %v, want %v", d, DefaultBase)
	}
}

func TestPacer_WaitUsesInjectedSleep(t *testing.T) {
	var slept time.Duration
	p := NewPacer(time.Second, 0, false)
	p.Sleep = func(ctx context.Context, d time.Duration) error {
		slept = d
		return nil
	}
	if err := p.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if slept != time.Second {
		t.Errorf("slept %v, want 1s", slept)
	}
}

func TestSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestPacer_Text(t *testing.T) {
	off := NewPacer(0, 0, false)
	if got := off.Text("hello"); got != "hello" {
		t.Errorf("Text with variation off = %q", got)
	}

	on := NewPacer(0, 0, true).WithSeed(7)
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		got := on.Text("hello")
		if !strings.Contains(got, "hello") {
			t.Fatalf("variation %q lost the original text", got)
		}
		seen[got] = true
	}
	if len(seen) < 2 {
		t.Errorf("only %d distinct variations seen", len(seen))
	}
	for v := range seen {
		found := false
		for _, allowed := range Variations("hello") {
			if v == allowed {
				found = true
			}
		}
		if !found {
			t.Errorf("unexpected variation %q", v)
		}
	}
	if on.Text("") != "" {
		t.Error("empty text must stay empty")
	}
}
