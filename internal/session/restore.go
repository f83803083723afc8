package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/zulandar/courier/internal/conn"
)

// RestoreReport lists what Restore did with each persisted session.
// Deferred sessions could not reach the transport; they keep their
// credentials and reconnect on the usual backoff.
type RestoreReport struct {
	Restored []string
	Deferred []string
	Purged   []string
}

type restoreResult int

const (
	restored restoreResult = iota
	deferred
	purged
)

// SessionDirs lists the session credential directories under root. Entries
// starting with "_" or "." are bookkeeping and skipped. A missing root yields
// no sessions.
func SessionDirs(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: list %s: %w", root, err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".") {
			continue
		}
		ids = append(ids, name)
	}
	sort.Strings(ids)
	return ids, nil
}

// Purge removes a session's credential directory and ownership record. Used
// for offline cleanup when no controller is running.
func Purge(root string, owners *OwnerMap, id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("session: purge: invalid session id %q", id)
	}
	if err := os.RemoveAll(filepath.Join(root, id)); err != nil {
		return fmt.Errorf("session: purge %s: %w", id, err)
	}
	if owners != nil {
		if err := owners.Delete(id); err != nil {
			return fmt.Errorf("session: purge %s: %w", id, err)
		}
	}
	return nil
}

// Restore starts every persisted session with no waiting caller. A session
// that asks for pairing, is rejected by the dialer, logs out, or does not open
// within the restore timeout is purged instead of retried. An unreachable
// transport is not the session's fault: it is deferred to the reconnect loop.
func (c *Controller) Restore(ctx context.Context) (RestoreReport, error) {
	ids, err := SessionDirs(c.root)
	if err != nil {
		return RestoreReport{}, err
	}

	var (
		mu     sync.Mutex
		report RestoreReport
		wg     sync.WaitGroup
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			res := c.restoreOne(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			switch res {
			case restored:
				report.Restored = append(report.Restored, id)
			case deferred:
				report.Deferred = append(report.Deferred, id)
			default:
				report.Purged = append(report.Purged, id)
			}
		}(id)
	}
	wg.Wait()

	sort.Strings(report.Restored)
	sort.Strings(report.Deferred)
	sort.Strings(report.Purged)
	log.WithFields(log.Fields{
		"restored": len(report.Restored),
		"deferred": len(report.Deferred),
		"purged":   len(report.Purged),
	}).Info("session: restore complete")
	return report, nil
}

func (c *Controller) restoreOne(ctx context.Context, id string) restoreResult {
	w := NewWaiter()
	if err := c.start(ctx, id, StartOpts{Waiter: w}, true); err != nil {
		switch {
		case errors.Is(err, ErrAlreadyActive):
			return restored
		case errors.Is(err, conn.ErrUnavailable):
			log.WithField("session", id).WithError(err).Warn("session: restore deferred, transport unreachable")
			return deferred
		}
		log.WithField("session", id).WithError(err).Warn("session: restore failed to start")
		c.purge(id)
		return purged
	}

	wctx, cancel := context.WithTimeout(ctx, c.restoreTimeout)
	defer cancel()
	o, err := w.Wait(wctx)
	if err == nil && o.Kind == OutcomeConnected {
		return restored
	}

	entry := log.WithField("session", id)
	if err != nil {
		entry = entry.WithError(err)
	} else if o.Err != nil {
		entry = entry.WithError(o.Err)
	}
	entry.Warn("session: restore did not reach a usable identity, purging")

	if t := c.lookup(id); t != nil {
		t.mu.Lock()
		c.applyLocked(t, Input{Kind: InputRestoreFailed})
		t.mu.Unlock()
	}
	c.purge(id)
	return purged
}

func (c *Controller) purge(id string) {
	if err := os.RemoveAll(c.Dir(id)); err != nil {
		log.WithField("session", id).WithError(err).Warn("session: remove credentials")
	}
	if err := c.registry.Unregister(id); err != nil {
		log.WithField("session", id).WithError(err).Warn("session: drop ownership record")
	}
}
