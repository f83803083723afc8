package session

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/zulandar/courier/internal/conn"
)

// DefaultPresenceInterval is the default interval between presence pings.
const DefaultPresenceInterval = 20 * time.Second

const presenceTimeout = 10 * time.Second

// StartPresence launches a goroutine that pings h every interval until ctx is
// cancelled. Ping failures are logged at debug level and otherwise ignored;
// they never reach the lifecycle state machine. The returned channel is
// closed when the goroutine exits.
func StartPresence(ctx context.Context, sessionID string, h conn.Handle, interval time.Duration) <-chan struct{} {
	if interval <= 0 {
		interval = DefaultPresenceInterval
	}

	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pingCtx, cancel := context.WithTimeout(ctx, presenceTimeout)
				err := h.PresencePing(pingCtx)
				cancel()
				if err != nil {
					log.WithField("session", sessionID).WithError(err).Debug("session: presence ping failed")
				}
			}
		}
	}()

	return done
}
