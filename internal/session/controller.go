// Package session owns the lifecycle of messaging sessions: the registry of
// live connections, the durable ownership map, and the controller that drives
// each session through pairing, connection, reconnect and teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/zulandar/courier/internal/conn"
	"github.com/zulandar/courier/internal/models"
	"github.com/zulandar/courier/internal/notify"
)

var (
	// ErrNotConnected is returned when an operation needs a live session.
	ErrNotConnected = errors.New("session: not connected")
	// ErrAlreadyActive is returned by Start for a session that is already live.
	ErrAlreadyActive = errors.New("session: already active")
	// ErrPairingTimeout is returned when no outcome arrives in time.
	ErrPairingTimeout = errors.New("session: timed out waiting for pairing")
	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("session: controller shut down")
)

const (
	// DefaultReconnectDelay is the backoff before a non-terminal reconnect.
	DefaultReconnectDelay = 5 * time.Second
	// DefaultRestoreTimeout bounds how long a restored session may take to open.
	DefaultRestoreTimeout = 30 * time.Second

	logoutTimeout = 15 * time.Second
	storeTimeout  = 10 * time.Second
)

// DefaultTerminalCodes are the disconnect reasons treated as a logout.
var DefaultTerminalCodes = []int{
	conn.ReasonLoggedOut,
	conn.ReasonForbidden,
	conn.ReasonMultideviceMismatch,
	conn.ReasonConnectionReplaced,
}

// Store is the slice of the message store the controller writes to.
type Store interface {
	UpsertLogin(ctx context.Context, sessionID, userID, mobile string, at time.Time) error
	MarkLoggedOut(ctx context.Context, sessionID string, at time.Time) error
	Insert(ctx context.Context, msg *models.Message) error
	HasProtocolID(ctx context.Context, sessionID, protocolID string) (bool, error)
}

// ControllerOpts configures a Controller.
type ControllerOpts struct {
	Registry *Registry
	Dialer   conn.Dialer
	Store    Store
	Notifier notify.Publisher // optional

	// RenderCode turns a raw pairing code into something displayable, such
	// as a PNG data URL. Optional.
	RenderCode func(code string) (string, error)

	Root       string // one credential directory per session id
	DeviceName string

	ReconnectDelay   time.Duration
	PresenceInterval time.Duration
	RestoreTimeout   time.Duration
	TerminalCodes    []int

	Now func() time.Time
}

// StartOpts configures one Start call.
type StartOpts struct {
	Owner  string
	Waiter *Waiter // optional; receives exactly one Outcome
}

// tracked is the per-session lifecycle state. mu serializes every transition
// for one session id.
type tracked struct {
	mu sync.Mutex

	id        string
	owner     string
	machine   Machine
	attempt   int
	handle    conn.Handle
	mobile    string
	code      string
	waiter    *Waiter
	restoring bool

	stopPresence context.CancelFunc
}

type reconnectTimer struct {
	timer *time.Timer
}

// Controller drives sessions through their lifecycle. Events for one session
// are processed one at a time; different sessions proceed independently.
type Controller struct {
	registry *Registry
	dialer   conn.Dialer
	store    Store
	notifier notify.Publisher
	render   func(string) (string, error)

	root       string
	deviceName string

	reconnectDelay   time.Duration
	presenceInterval time.Duration
	restoreTimeout   time.Duration
	terminal         map[int]bool
	now              func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*tracked
	timers   map[string]*reconnectTimer
	closed   bool
}

// NewController validates opts and creates a Controller.
func NewController(opts ControllerOpts) (*Controller, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("session: registry is required")
	}
	if opts.Dialer == nil {
		return nil, fmt.Errorf("session: dialer is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("session: store is required")
	}
	if opts.Root == "" {
		return nil, fmt.Errorf("session: root directory is required")
	}

	c := &Controller{
		registry:         opts.Registry,
		dialer:           opts.Dialer,
		store:            opts.Store,
		notifier:         opts.Notifier,
		render:           opts.RenderCode,
		root:             opts.Root,
		deviceName:       opts.DeviceName,
		reconnectDelay:   opts.ReconnectDelay,
		presenceInterval: opts.PresenceInterval,
		restoreTimeout:   opts.RestoreTimeout,
		terminal:         make(map[int]bool),
		now:              opts.Now,
		sessions:         make(map[string]*tracked),
		timers:           make(map[string]*reconnectTimer),
	}
	if c.reconnectDelay <= 0 {
		c.reconnectDelay = DefaultReconnectDelay
	}
	if c.presenceInterval <= 0 {
		c.presenceInterval = DefaultPresenceInterval
	}
	if c.restoreTimeout <= 0 {
		c.restoreTimeout = DefaultRestoreTimeout
	}
	if c.now == nil {
		c.now = time.Now
	}
	codes := opts.TerminalCodes
	if len(codes) == 0 {
		codes = DefaultTerminalCodes
	}
	for _, code := range codes {
		c.terminal[code] = true
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

// Registry returns the registry the controller mutates.
func (c *Controller) Registry() *Registry { return c.registry }

// Dir returns the credential directory of a session.
func (c *Controller) Dir(id string) string {
	return filepath.Join(c.root, id)
}

// State returns the current lifecycle state of id. Unknown ids report
// StateUninitialized.
func (c *Controller) State(id string) State {
	t := c.lookup(id)
	if t == nil {
		return StateUninitialized
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.machine.State
}

// Start opens a connection for id. It returns once the handle is dialed;
// pairing and connection results arrive on opts.Waiter.
func (c *Controller) Start(ctx context.Context, id string, opts StartOpts) error {
	return c.start(ctx, id, opts, false)
}

// StartAndWait starts a fresh id and blocks until the first Outcome or
// timeout. If the caller stops waiting before any outcome, the attempt is
// torn down along with its half-written credentials.
func (c *Controller) StartAndWait(ctx context.Context, id, owner string, timeout time.Duration) (Outcome, error) {
	w := NewWaiter()
	if err := c.Start(ctx, id, StartOpts{Owner: owner, Waiter: w}); err != nil {
		return Outcome{}, err
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	o, err := w.Wait(ctx)
	if err != nil {
		c.abandon(id)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Outcome{}, fmt.Errorf("%w: %s", ErrPairingTimeout, id)
	}
	return o, err
}

// abandon tears down an attempt nobody is waiting for anymore. A session
// that connected in the meantime is left alone.
func (c *Controller) abandon(id string) {
	t := c.lookup(id)
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.machine.State == StateConnected || t.machine.State == StateClosing {
		return
	}
	log.WithField("session", id).Info("session: caller gave up waiting, dropping attempt")
	c.applyLocked(t, Input{Kind: InputAbandoned})
}

func (c *Controller) start(ctx context.Context, id string, opts StartOpts, restoring bool) error {
	if id == "" {
		return fmt.Errorf("session: start: empty session id")
	}
	if _, live := c.registry.Lookup(id); live {
		return fmt.Errorf("%w: %s", ErrAlreadyActive, id)
	}

	owner := opts.Owner
	if owner == "" {
		owner, _ = c.registry.Owner(id)
	}
	if owner == "" {
		owner = UserFromID(id)
	}

	t, err := c.acquire(id, owner)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.machine.State {
	case StateConnected, StateClosing:
		return fmt.Errorf("%w: %s", ErrAlreadyActive, id)
	case StateTerminated:
		return fmt.Errorf("session: start %s: session is shutting down", id)
	}
	if opts.Waiter != nil {
		t.waiter = opts.Waiter
	}
	t.restoring = restoring
	return c.dialLocked(ctx, t)
}

// acquire returns the tracked state for id, creating it when needed.
func (c *Controller) acquire(id, owner string) (*tracked, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	t, ok := c.sessions[id]
	if !ok {
		t = &tracked{id: id, owner: owner}
		c.sessions[id] = t
	} else if owner != "" {
		t.owner = owner
	}
	return t, nil
}

func (c *Controller) lookup(id string) *tracked {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[id]
}

func (c *Controller) forget(t *tracked) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions[t.id] == t {
		delete(c.sessions, t.id)
	}
}

// dialLocked begins a new connection attempt. t.mu must be held.
func (c *Controller) dialLocked(ctx context.Context, t *tracked) error {
	retryable := t.restoring || t.machine.State == StateReconnecting
	c.registry.Track(t.id, t.owner)
	c.applyLocked(t, Input{Kind: InputStart})
	if t.handle != nil {
		t.handle.Close()
		t.handle = nil
	}

	dir := c.Dir(t.id)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		log.WithField("session", t.id).WithError(err).Error("session: create credential dir")
		c.applyLocked(t, Input{Kind: InputDialFailed})
		return fmt.Errorf("session: start %s: %w", t.id, err)
	}

	h, err := c.dialer.Dial(ctx, conn.Credentials{SessionID: t.id, Dir: dir, DeviceName: c.deviceName})
	if err != nil && retryable && errors.Is(err, conn.ErrUnavailable) {
		log.WithField("session", t.id).WithError(err).Warn("session: transport unreachable, will retry")
		c.applyLocked(t, Input{Kind: InputUnavailable})
		return fmt.Errorf("session: start %s: %w", t.id, err)
	}
	if err != nil {
		log.WithField("session", t.id).WithError(err).Error("session: dial failed, abandoning session")
		c.applyLocked(t, Input{Kind: InputDialFailed})
		return fmt.Errorf("session: start %s: %w", t.id, err)
	}

	t.attempt++
	t.handle = h
	log.WithFields(log.Fields{"session": t.id, "user": t.owner, "attempt": t.attempt}).Info("session: connecting")

	c.wg.Add(1)
	go c.run(t, t.attempt, h)
	return nil
}

// run consumes one attempt's events until the handle closes its channel.
func (c *Controller) run(t *tracked, attempt int, h conn.Handle) {
	defer c.wg.Done()
	for ev := range h.Events() {
		c.handleEvent(t, attempt, ev)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.attempt != attempt || t.handle != h || c.isClosed() {
		return
	}
	// The transport went away without reporting a close.
	switch t.machine.State {
	case StateUninitialized, StatePairing, StateConnected:
		c.applyLocked(t, Input{Kind: InputClosed, Reason: conn.ReasonConnectionClosed})
	}
}

func (c *Controller) handleEvent(t *tracked, attempt int, ev conn.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.attempt != attempt || t.machine.State == StateTerminated {
		return
	}
	fields := log.Fields{"session": t.id, "event": ev.Kind.String()}

	switch ev.Kind {
	case conn.EventPairing:
		if t.restoring {
			log.WithFields(fields).Warn("session: restore asked for pairing, credentials are no longer valid")
			c.applyLocked(t, Input{Kind: InputRestoreFailed})
			return
		}
		t.code = ev.Code
		c.applyLocked(t, Input{Kind: InputPairing})

	case conn.EventStatus:
		if ev.Open {
			t.mobile = conn.MobileFromJID(ev.Self)
			if other, taken := c.registry.BoundElsewhere(t.id, t.mobile); taken {
				log.WithFields(fields).WithFields(log.Fields{"mobile": t.mobile, "bound_to": other}).
					Warn("session: mobile already bound to another session")
				c.applyLocked(t, Input{Kind: InputConflict})
				return
			}
			c.applyLocked(t, Input{Kind: InputOpened})
			return
		}
		fields["reason"] = ev.Reason
		if c.terminal[ev.Reason] {
			log.WithFields(fields).Info("session: logged out")
			c.applyLocked(t, Input{Kind: InputLoggedOut, Reason: ev.Reason})
			return
		}
		log.WithFields(fields).Info("session: connection closed")
		c.applyLocked(t, Input{Kind: InputClosed, Reason: ev.Reason})

	case conn.EventMessage:
		if t.machine.State == StateConnected && ev.Message != nil {
			c.recordInbound(t, ev.Message)
		}
	}
}

// applyLocked runs one transition and executes its effects in order. A
// conflict discovered while binding restarts as a conflict transition. Only
// a caller-requested logout surfaces a handle error. t.mu must be held.
func (c *Controller) applyLocked(t *tracked, in Input) error {
	prev := t.machine.State
	next, effects := Transition(t.machine, in)
	t.machine = next
	if prev != next.State {
		log.WithFields(log.Fields{
			"session": t.id,
			"input":   in.Kind.String(),
			"from":    prev.String(),
			"to":      next.State.String(),
		}).Debug("session: transition")
	}

	for _, e := range effects {
		err := c.execLocked(t, e, in)
		if err == nil {
			continue
		}
		if e == EffectBind && errors.Is(err, ErrConflict) {
			log.WithField("session", t.id).WithError(err).Warn("session: bind lost the race for mobile")
			return c.applyLocked(t, Input{Kind: InputConflict})
		}
		if e == EffectLogoutHandle && in.Kind == InputLogoutRequest {
			return err
		}
		log.WithFields(log.Fields{"session": t.id, "effect": e.String()}).WithError(err).Warn("session: effect failed")
	}

	if next.State == StateTerminated {
		t.restoring = false
		c.forget(t)
	}
	return nil
}

func (c *Controller) execLocked(t *tracked, e Effect, in Input) error {
	switch e {
	case EffectIssueCode:
		var rendered string
		if c.render != nil {
			var err error
			if rendered, err = c.render(t.code); err != nil {
				log.WithField("session", t.id).WithError(err).Warn("session: render pairing code")
				rendered = ""
			}
		}
		t.waiter.deliver(Outcome{Kind: OutcomeCode, SessionID: t.id, Code: t.code, QR: rendered})
		published := rendered
		if published == "" {
			published = t.code
		}
		c.publish(notify.EventQRUpdate, t.id, map[string]any{
			"qr":           published,
			"generated_at": c.now().UTC().Format(time.RFC3339),
		})

	case EffectBind:
		_, err := c.registry.Bind(t.id, t.owner, t.mobile, t.handle)
		if errors.Is(err, ErrConflict) {
			return err
		}
		if err != nil {
			log.WithField("session", t.id).WithError(err).Warn("session: persist ownership")
		}

	case EffectUpsertStatus:
		if t.owner == "" {
			return fmt.Errorf("no owner known for %s, status record skipped", t.id)
		}
		ctx, cancel := context.WithTimeout(c.ctx, storeTimeout)
		defer cancel()
		return c.store.UpsertLogin(ctx, t.id, t.owner, t.mobile, c.now())

	case EffectNotifyConnected:
		log.WithFields(log.Fields{"session": t.id, "user": t.owner, "mobile": t.mobile}).Info("session: connected")
		c.publish(notify.EventLoginSuccess, t.id, map[string]any{"mobile": t.mobile})

	case EffectReportConnected:
		t.restoring = false
		t.waiter.deliver(Outcome{Kind: OutcomeConnected, SessionID: t.id, Mobile: t.mobile})

	case EffectStartPresence:
		c.startPresenceLocked(t)

	case EffectStopPresence:
		if t.stopPresence != nil {
			t.stopPresence()
			t.stopPresence = nil
		}

	case EffectCancelReconnect:
		c.cancelReconnect(t.id)

	case EffectScheduleReconnect:
		c.scheduleReconnect(t.id)

	case EffectDetach:
		c.registry.Detach(t.id)

	case EffectLogoutHandle:
		if t.handle == nil {
			return ErrNotConnected
		}
		ctx, cancel := context.WithTimeout(c.ctx, logoutTimeout)
		defer cancel()
		return t.handle.Logout(ctx)

	case EffectCloseHandle:
		if t.handle != nil {
			h := t.handle
			t.handle = nil
			return h.Close()
		}

	case EffectMarkLoggedOut:
		ctx, cancel := context.WithTimeout(c.ctx, storeTimeout)
		defer cancel()
		return c.store.MarkLoggedOut(ctx, t.id, c.now())

	case EffectRemoveCredentials:
		return os.RemoveAll(c.Dir(t.id))

	case EffectUnregister:
		return c.registry.Unregister(t.id)

	case EffectNotifyLogout:
		c.publish(notify.EventLogout, t.id, nil)

	case EffectNotifyConflict:
		c.publish(notify.EventConflict, t.id, map[string]any{"mobile": t.mobile})

	case EffectReportConflict:
		t.waiter.deliver(Outcome{
			Kind:      OutcomeConflict,
			SessionID: t.id,
			Mobile:    t.mobile,
			Err:       fmt.Errorf("%w: %s", ErrConflict, t.mobile),
		})

	case EffectReportFailure:
		t.waiter.deliver(Outcome{Kind: OutcomeFailed, SessionID: t.id, Err: failureFor(t.id, in)})
	}
	return nil
}

func failureFor(id string, in Input) error {
	switch in.Kind {
	case InputLoggedOut:
		return fmt.Errorf("session: %s logged out (reason %d)", id, in.Reason)
	case InputClosed:
		return fmt.Errorf("session: %s pairing expired (reason %d)", id, in.Reason)
	case InputRestoreFailed:
		return fmt.Errorf("session: %s could not be restored", id)
	case InputDialFailed:
		return fmt.Errorf("session: %s could not be started", id)
	default:
		return fmt.Errorf("session: %s failed (%s)", id, in.Kind)
	}
}

func (c *Controller) publish(name, id string, data map[string]any) {
	if c.notifier == nil {
		return
	}
	c.notifier.Publish(notify.Event{Name: name, SessionID: id, Data: data, At: c.now().UTC()})
}

func (c *Controller) startPresenceLocked(t *tracked) {
	if t.stopPresence != nil {
		t.stopPresence()
		t.stopPresence = nil
	}
	if t.handle == nil {
		return
	}
	ctx, cancel := context.WithCancel(c.ctx)
	t.stopPresence = cancel
	done := StartPresence(ctx, t.id, t.handle, c.presenceInterval)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		<-done
	}()
}

func (c *Controller) scheduleReconnect(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if old, ok := c.timers[id]; ok {
		old.timer.Stop()
	}
	rt := &reconnectTimer{}
	rt.timer = time.AfterFunc(c.reconnectDelay, func() { c.fireReconnect(id, rt) })
	c.timers[id] = rt
	log.WithFields(log.Fields{"session": id, "delay": c.reconnectDelay}).Info("session: reconnect scheduled")
}

func (c *Controller) cancelReconnect(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rt, ok := c.timers[id]; ok {
		rt.timer.Stop()
		delete(c.timers, id)
	}
}

// PendingReconnects returns how many reconnect timers are armed.
func (c *Controller) PendingReconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// fireReconnect restarts a session after its backoff. A timer that outlived
// its session is a no-op.
func (c *Controller) fireReconnect(id string, rt *reconnectTimer) {
	c.mu.Lock()
	if c.timers[id] == rt {
		delete(c.timers, id)
	}
	closed := c.closed
	c.mu.Unlock()
	if closed || !c.registry.Tracked(id) {
		return
	}

	t := c.lookup(id)
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.machine.State != StateReconnecting {
		return
	}
	if err := c.dialLocked(c.ctx, t); err != nil {
		log.WithField("session", id).WithError(err).Warn("session: reconnect failed")
	}
}

// Logout revokes a live session's credentials and tears it down.
func (c *Controller) Logout(ctx context.Context, id string) error {
	t := c.lookup(id)
	if t == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, id)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.machine.State != StateConnected {
		return fmt.Errorf("%w: %s", ErrNotConnected, id)
	}

	if err := c.applyLocked(t, Input{Kind: InputLogoutRequest}); err != nil {
		c.applyLocked(t, Input{Kind: InputLogoutFailed})
		return fmt.Errorf("session: logout %s: %w", id, err)
	}
	c.applyLocked(t, Input{Kind: InputLoggedOut, Reason: conn.ReasonLoggedOut})
	return nil
}

// Shutdown stops timers and presence loops and closes every handle without
// logging out, so sessions restore on the next start.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for id, rt := range c.timers {
		rt.timer.Stop()
		delete(c.timers, id)
	}
	sessions := make([]*tracked, 0, len(c.sessions))
	for _, t := range c.sessions {
		sessions = append(sessions, t)
	}
	c.mu.Unlock()

	c.cancel()
	for _, t := range sessions {
		t.mu.Lock()
		if t.stopPresence != nil {
			t.stopPresence()
			t.stopPresence = nil
		}
		if t.handle != nil {
			t.handle.Close()
		}
		t.mu.Unlock()
	}
	c.wg.Wait()
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
