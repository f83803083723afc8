// Package scheduler dispatches due scheduled messages on a cron period.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
	"github.com/zulandar/courier/internal/models"
	"github.com/zulandar/courier/internal/outbox"
	"github.com/zulandar/courier/internal/pacing"
	"github.com/zulandar/courier/internal/retry"
	"github.com/zulandar/courier/internal/session"
)

// DefaultSpec runs the dispatch job once a minute.
const DefaultSpec = "* * * * *"

// Fail reasons recorded on messages the scheduler gives up on.
const (
	ReasonNoSession = "session not connected"
	ReasonQuota     = "daily limit reached"
)

// Store is the slice of the message store the scheduler needs.
type Store interface {
	Due(ctx context.Context, now time.Time) ([]models.Message, error)
	FinishScheduled(ctx context.Context, id uint, status string, sentAt *time.Time, reason string) (bool, error)
}

// Sessions resolves live sessions.
type Sessions interface {
	Lookup(id string) (*session.Live, bool)
}

// Opts configures a Scheduler.
type Opts struct {
	Store    Store
	Sessions Sessions
	Retry    *retry.Executor
	Quota    *pacing.Quota // optional; nil skips the daily cap check
	Pacer    *pacing.Pacer // optional; nil sends back to back
	Spec     string
	Location *time.Location
	Now      func() time.Time
}

// Scheduler owns the terminal transition of scheduled messages.
type Scheduler struct {
	store    Store
	sessions Sessions
	retry    *retry.Executor
	quota    *pacing.Quota
	pacer    *pacing.Pacer
	spec     string
	loc      *time.Location
	now      func() time.Time

	mu sync.Mutex // serializes RunOnce
}

// Report summarizes one dispatch run.
type Report struct {
	Due     int `json:"due"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// New validates opts and creates a Scheduler.
func New(opts Opts) (*Scheduler, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("scheduler: store is required")
	}
	if opts.Sessions == nil {
		return nil, fmt.Errorf("scheduler: sessions are required")
	}
	s := &Scheduler{
		store:    opts.Store,
		sessions: opts.Sessions,
		retry:    opts.Retry,
		quota:    opts.Quota,
		pacer:    opts.Pacer,
		spec:     opts.Spec,
		loc:      opts.Location,
		now:      opts.Now,
	}
	if s.retry == nil {
		s.retry = &retry.Executor{Attempts: retry.DefaultAttempts}
	}
	if s.spec == "" {
		s.spec = DefaultSpec
	}
	if s.loc == nil {
		s.loc = time.Local
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// RunOnce dispatches every message due at the current time. A failure on one
// message is logged and the run moves on to the next; only a failure to
// query due messages is returned.
func (s *Scheduler) RunOnce(ctx context.Context) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rep Report
	now := s.now().UTC()
	due, err := s.store.Due(ctx, now)
	if err != nil {
		return rep, fmt.Errorf("scheduler: query due: %w", err)
	}
	rep.Due = len(due)

	for i := range due {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		msg := &due[i]
		if i > 0 && s.pacer != nil {
			if err := s.pacer.Wait(ctx); err != nil {
				return rep, err
			}
		}

		status, reason, grant := s.dispatch(ctx, msg)
		if status == "" {
			// Interrupted mid-send; the message stays pending for the next run.
			grant.Release()
			return rep, ctx.Err()
		}
		var sentAt *time.Time
		if status == models.StatusScheduledSent {
			at := s.now().UTC()
			sentAt = &at
		}
		changed, err := s.store.FinishScheduled(ctx, msg.ID, status, sentAt, reason)
		grant.Release()
		fields := log.Fields{"message_id": msg.ID, "session": msg.SessionID, "status": status}
		switch {
		case err != nil:
			log.WithFields(fields).WithError(err).Error("scheduler: record dispatch result")
			rep.Skipped++
			continue
		case !changed:
			log.WithFields(fields).Debug("scheduler: message already finished")
			rep.Skipped++
			continue
		}
		if status == models.StatusScheduledSent {
			rep.Sent++
			log.WithFields(fields).Info("scheduler: message dispatched")
		} else {
			rep.Failed++
			log.WithFields(fields).WithField("reason", reason).Warn("scheduler: message failed")
		}
	}
	return rep, nil
}

// dispatch sends one due message and returns the terminal status to record,
// or an empty status when ctx ended before the outcome was known. The
// returned grant holds the message's share of the daily cap until the status
// is stored; it may be nil.
func (s *Scheduler) dispatch(ctx context.Context, msg *models.Message) (string, string, *pacing.Reservation) {
	l, ok := s.sessions.Lookup(msg.SessionID)
	if !ok {
		return models.StatusFailed, ReasonNoSession, nil
	}
	var grant *pacing.Reservation
	if s.quota != nil {
		g, err := s.quota.Reserve(ctx, msg.SessionID, 1)
		switch {
		case errors.Is(err, pacing.ErrQuotaExceeded):
			return models.StatusFailed, ReasonQuota, nil
		case err != nil:
			log.WithField("session", msg.SessionID).WithError(err).Warn("scheduler: quota check failed")
		default:
			grant = g
		}
	}

	payload := outbox.BuildPayload(msg)
	_, err := s.retry.Do(ctx, func(ctx context.Context) error {
		_, err := l.Send(ctx, msg.ReceiverMobile, payload)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", "", grant
		}
		return models.StatusFailed, truncate(err.Error(), maxReason), grant
	}
	return models.StatusScheduledSent, "", grant
}

const maxReason = 512

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Start runs RunOnce on the configured cron spec until ctx is done. Runs
// never overlap; a tick that arrives while one is in progress is skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	logger := cron.PrintfLogger(log.StandardLogger())
	c := cron.New(
		cron.WithLocation(s.loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(s.spec, func() {
		rep, err := s.RunOnce(ctx)
		if err != nil {
			log.WithError(err).Error("scheduler: run failed")
			return
		}
		if rep.Due > 0 {
			log.WithFields(log.Fields{
				"due":    rep.Due,
				"sent":   rep.Sent,
				"failed": rep.Failed,
			}).Info("scheduler: run complete")
		}
	}); err != nil {
		return fmt.Errorf("scheduler: spec %q: %w", s.spec, err)
	}

	log.WithField("spec", s.spec).Info("scheduler: started")
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	log.Info("scheduler: stopped")
	return nil
}

// ValidateSpec reports whether spec is a valid five-field cron expression.
func ValidateSpec(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("scheduler: spec %q: %w", spec, err)
	}
	return nil
}
