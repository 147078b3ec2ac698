// Package session owns the authenticated/unauthenticated state machine for
// the attendance client: it loads persisted credentials at startup, keeps the
// session alive with scheduled refreshes, surfaces expiry warnings, and
// forces sign-out when recovery is impossible. The manager is the sole
// mutator of authentication state; everything other components see is a
// snapshot.
package session

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/attendly/go-auth-client/authclient"
	"github.com/attendly/go-auth-client/credstore"
	"github.com/attendly/go-auth-client/notify"
)

// Status is the lifecycle state of the session manager. There is no
// transition back to StatusInitializing once initialization has completed.
type Status string

const (
	StatusUninitialized   Status = "UNINITIALIZED"
	StatusInitializing    Status = "INITIALIZING"
	StatusAuthenticated   Status = "AUTHENTICATED"
	StatusUnauthenticated Status = "UNAUTHENTICATED"
)

// Sessions count as expiring soon under five minutes of remaining life.
const expiringSoonThreshold = 5 * time.Minute

const (
	defaultMonitorInterval  = 30 * time.Second
	defaultRefreshFraction  = 0.9
	defaultWarningLead      = 5 * time.Minute
	defaultOperationTimeout = 10 * time.Second
)

// State is the derived, in-memory session snapshot. It is recomputed on
// demand and never persisted as a source of truth.
type State struct {
	Status               Status
	IsAuthenticated      bool
	IsInitialized        bool
	IsLoading            bool
	TimeRemainingSeconds int
	IsExpiringSoon       bool
	View                 SessionView
}

// AuthTransport is the network collaborator the manager drives.
type AuthTransport interface {
	Login(ctx context.Context, username, password string) (*authclient.LoginResult, error)
	RefreshAccessToken(ctx context.Context) (bool, error)
	Logout(ctx context.Context)
	VerifyToken(ctx context.Context) bool
}

var _ AuthTransport = (*authclient.AuthClient)(nil)

// RefreshNotifier is implemented by transports that can refresh the token
// pair outside the manager's own call paths (the HTTP transport's 401
// replay, a standalone validity check). The manager registers a callback so
// every persisted pair re-arms its expiry timers.
type RefreshNotifier interface {
	OnTokensRefreshed(fn func())
}

var _ RefreshNotifier = (*authclient.AuthClient)(nil)

// Manager coordinates the credential store, auth transport, and reminder
// sink. Construct one per process and share it.
type Manager struct {
	store     credstore.Store
	transport AuthTransport
	sink      notify.ReminderSink
	log       zerolog.Logger
	nowTime   func() time.Time

	monitorInterval time.Duration
	refreshFraction float64
	warningLead     time.Duration
	opTimeout       time.Duration

	timers timerSet

	lock        sync.Mutex
	status      Status
	initialized bool
	loading     bool
	identity    *credstore.UserIdentity
	monitorStop chan struct{}
	subscribers []chan State
	closed      bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithNowTime sets the now time function (primarily for testing).
func WithNowTime(nowFunc func() time.Time) Option {
	return func(m *Manager) {
		m.nowTime = nowFunc
	}
}

// WithMonitorInterval sets the recurring session-check interval.
func WithMonitorInterval(interval time.Duration) Option {
	return func(m *Manager) {
		m.monitorInterval = interval
	}
}

// WithRefreshFraction sets the fraction of the token lifetime after which
// the scheduled background refresh fires.
func WithRefreshFraction(fraction float64) Option {
	return func(m *Manager) {
		m.refreshFraction = fraction
	}
}

// WithWarningLead sets how long before expiry the warning reminder fires.
func WithWarningLead(lead time.Duration) Option {
	return func(m *Manager) {
		m.warningLead = lead
	}
}

// WithOperationTimeout bounds background operations (timer-triggered
// refreshes, expiry sign-out).
func WithOperationTimeout(timeout time.Duration) Option {
	return func(m *Manager) {
		m.opTimeout = timeout
	}
}

// WithLogger sets the manager logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) {
		m.log = logger
	}
}

// New creates a session manager with its injected collaborators.
func New(store credstore.Store, transport AuthTransport, sink notify.ReminderSink, options ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("[session.New] store is required")
	}
	if transport == nil {
		return nil, errors.New("[session.New] transport is required")
	}
	if sink == nil {
		return nil, errors.New("[session.New] reminder sink is required")
	}

	manager := &Manager{
		store:           store,
		transport:       transport,
		sink:            sink,
		log:             log.Logger,
		nowTime:         time.Now,
		monitorInterval: defaultMonitorInterval,
		refreshFraction: defaultRefreshFraction,
		warningLead:     defaultWarningLead,
		opTimeout:       defaultOperationTimeout,
		status:          StatusUninitialized,
	}
	for _, opt := range options {
		opt(manager)
	}
	if manager.refreshFraction <= 0 || manager.refreshFraction >= 1 {
		return nil, errors.Errorf("[session.New] refresh fraction %v out of range (0,1)", manager.refreshFraction)
	}
	if notifier, ok := transport.(RefreshNotifier); ok {
		notifier.OnTokensRefreshed(manager.onTokensRefreshed)
	}
	return manager, nil
}

// onTokensRefreshed runs after the transport persists a refreshed pair.
// Timers armed against the superseded pair's expiry must never fire, so the
// set is re-armed from the stored pair regardless of which path refreshed it.
func (m *Manager) onTokensRefreshed() {
	m.lock.Lock()
	authenticated := m.status == StatusAuthenticated
	m.lock.Unlock()
	if !authenticated {
		return
	}
	m.armFromStore()
	m.broadcast()
}

// InitializeAuth restores the session from persisted credentials. It runs
// once per process start; calls while already initialized are no-ops.
// Expired tokens get one refresh attempt, then the result is verified
// against the server before any transition to AUTHENTICATED.
func (m *Manager) InitializeAuth(ctx context.Context) {
	defer m.recoverEntry("InitializeAuth")

	m.lock.Lock()
	if m.initialized || m.status == StatusInitializing {
		m.lock.Unlock()
		return
	}
	m.status = StatusInitializing
	m.loading = true
	m.lock.Unlock()
	m.broadcast()

	pair, err := m.store.GetTokens()
	if err != nil {
		// Corrupt records would fail every subsequent start the same way.
		m.log.Warn().Err(err).Msg("session: stored credentials unreadable, clearing")
		m.clearCredentials()
		m.finishInit(nil)
		return
	}
	if pair == nil {
		m.finishInit(nil)
		return
	}

	if pair.Expired(m.nowTime()) {
		ok, refreshErr := m.transport.RefreshAccessToken(ctx)
		if !ok {
			if refreshErr != nil {
				m.log.Info().Err(refreshErr).Msg("session: startup refresh failed")
			}
			m.clearCredentials()
			m.finishInit(nil)
			return
		}
	}

	// Fail closed: a token the server will not verify is no session at all.
	if !m.transport.VerifyToken(ctx) {
		m.log.Info().Msg("session: token verification failed at startup")
		m.clearCredentials()
		m.finishInit(nil)
		return
	}

	identity, err := m.store.GetUserData()
	if err != nil || identity == nil {
		if err != nil {
			m.log.Warn().Err(err).Msg("session: stored identity unreadable")
		}
		m.clearCredentials()
		m.finishInit(nil)
		return
	}

	m.finishInit(identity)
}

func (m *Manager) finishInit(identity *credstore.UserIdentity) {
	m.lock.Lock()
	m.initialized = true
	m.loading = false
	m.identity = identity
	if identity != nil {
		m.status = StatusAuthenticated
	} else {
		m.status = StatusUnauthenticated
	}
	m.lock.Unlock()

	if identity != nil {
		m.armFromStore()
		m.startMonitor()
		m.log.Info().Str("user", identity.Username).Msg("session: restored")
	}
	m.broadcast()
}

// SignIn authenticates with the server. The returned error message is safe
// to show to the user. The manager never ends up half-authenticated:
// identity and status change under one lock.
func (m *Manager) SignIn(ctx context.Context, username, password string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Msg("session: sign in failed unexpectedly")
			m.toUnauthenticated()
			err = errors.New("Sign in failed. Please try again.")
		}
	}()

	m.setLoading(true)

	result, loginErr := m.transport.Login(ctx, username, password)
	if loginErr != nil {
		m.toUnauthenticated()
		return errors.Wrap(loginErr, "[SignIn] login")
	}
	if !result.Success {
		m.toUnauthenticated()
		return errors.New(result.Message)
	}

	m.lock.Lock()
	m.identity = result.User
	m.status = StatusAuthenticated
	m.loading = false
	m.lock.Unlock()

	m.armFromStore()
	m.startMonitor()
	m.log.Info().Str("user", result.User.Username).Msg("session: signed in")
	m.broadcast()
	return nil
}

// SignOut ends the session: best-effort server logout, unconditional local
// credential clear, all timers and monitoring cancelled. It always succeeds
// from the caller's perspective.
func (m *Manager) SignOut(ctx context.Context) {
	m.timers.cancelAll()
	m.stopMonitor()
	m.transport.Logout(ctx)

	m.lock.Lock()
	m.identity = nil
	m.loading = false
	if m.initialized {
		m.status = StatusUnauthenticated
	}
	m.lock.Unlock()

	m.log.Info().Msg("session: signed out")
	m.broadcast()
}

// RefreshSession refreshes the token pair now. Success rearms the expiry
// timers from the fresh expiry; a transient failure leaves the session
// intact for retry; any other failure routes to expiry handling.
func (m *Manager) RefreshSession(ctx context.Context) bool {
	ok, err := m.transport.RefreshAccessToken(ctx)
	if ok {
		m.armFromStore()
		m.broadcast()
		return true
	}

	if err != nil && !authclient.IsUnauthorized(err) && !errors.Is(err, authclient.ErrNoRefreshToken) {
		m.log.Debug().Err(err).Msg("session: transient refresh failure")
		return false
	}

	m.handleExpiry()
	return false
}

// Snapshot returns the current derived session state. Time remaining is
// recomputed from the credential store on every call.
func (m *Manager) Snapshot() State {
	m.lock.Lock()
	status := m.status
	initialized := m.initialized
	loading := m.loading
	identity := m.identity
	m.lock.Unlock()

	authenticated := status == StatusAuthenticated
	var remaining time.Duration
	if authenticated {
		remaining = m.store.TokenTimeRemaining()
	}

	return State{
		Status:               status,
		IsAuthenticated:      authenticated,
		IsInitialized:        initialized,
		IsLoading:            loading,
		TimeRemainingSeconds: int(remaining / time.Second),
		IsExpiringSoon:       authenticated && remaining < expiringSoonThreshold,
		View:                 deriveSessionView(identity),
	}
}

// Identity returns a copy of the current identity snapshot.
func (m *Manager) Identity() (credstore.UserIdentity, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.identity == nil {
		return credstore.UserIdentity{}, false
	}
	return *m.identity, true
}

// Subscribe returns a channel receiving state snapshots after every change.
// Slow subscribers drop updates rather than blocking the manager. The
// channel is closed when the manager closes, so receivers can range over it.
func (m *Manager) Subscribe() <-chan State {
	ch := make(chan State, 8)
	m.lock.Lock()
	if m.closed {
		close(ch)
	} else {
		m.subscribers = append(m.subscribers, ch)
	}
	m.lock.Unlock()
	return ch
}

// Close stops monitoring and all timers and closes every subscriber channel.
// Broadcasts and channel closes both happen under the manager lock, so a
// closed channel can never see a late send. Safe to call more than once.
func (m *Manager) Close() {
	m.timers.cancelAll()
	m.stopMonitor()
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for _, ch := range m.subscribers {
		close(ch)
	}
	m.subscribers = nil
}

// armFromStore cancels and re-arms the three expiry timers from the stored
// pair's remaining lifetime. Stale timers from a previous pair can never
// fire past this point.
func (m *Manager) armFromStore() {
	remaining := m.store.TokenTimeRemaining()
	if remaining <= 0 {
		m.timers.cancelAll()
		return
	}

	refreshAfter := time.Duration(float64(remaining) * m.refreshFraction)
	warningAfter := remaining - m.warningLead
	if warningAfter < 0 {
		warningAfter = 0
	}

	m.timers.arm(refreshAfter, warningAfter, remaining,
		m.onScheduledRefresh, m.onExpiryWarning, m.onForcedExpiry)
}

func (m *Manager) onScheduledRefresh() {
	ctx, cancel := context.WithTimeout(context.Background(), m.opTimeout)
	defer cancel()
	m.RefreshSession(ctx)
}

func (m *Manager) onExpiryWarning() {
	remaining := m.store.TokenTimeRemaining()
	if remaining <= 0 {
		return
	}
	if err := m.sink.ScheduleExpiryReminder(ceilMinutes(remaining)); err != nil {
		m.log.Warn().Err(err).Msg("session: expiry reminder failed")
	}
}

func (m *Manager) onForcedExpiry() {
	m.handleExpiry()
}

// handleExpiry is the single recovery point for an unrecoverable session:
// notify the user, then sign out unconditionally.
func (m *Manager) handleExpiry() {
	m.lock.Lock()
	expiring := m.status == StatusAuthenticated
	m.lock.Unlock()
	if !expiring {
		return
	}

	if err := m.sink.SendImmediateNotification(
		"Session Expired",
		"Your session has expired. Please login again.",
		map[string]string{"type": "session-expired"},
	); err != nil {
		m.log.Warn().Err(err).Msg("session: expiry notification failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.opTimeout)
	defer cancel()
	m.SignOut(ctx)
}

func (m *Manager) startMonitor() {
	m.lock.Lock()
	if m.monitorStop != nil {
		m.lock.Unlock()
		return
	}
	stop := make(chan struct{})
	m.monitorStop = stop
	m.lock.Unlock()

	go m.monitor(stop)
}

func (m *Manager) stopMonitor() {
	m.lock.Lock()
	stop := m.monitorStop
	m.monitorStop = nil
	m.lock.Unlock()
	if stop != nil {
		close(stop)
	}
}

func (m *Manager) monitor(stop chan struct{}) {
	ticker := time.NewTicker(m.monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.checkSession()
		}
	}
}

// checkSession is one monitor tick: re-validate the stored token, refresh if
// needed, and request a reminder when the session is expiring soon.
func (m *Manager) checkSession() {
	m.lock.Lock()
	authenticated := m.status == StatusAuthenticated
	m.lock.Unlock()
	if !authenticated {
		return
	}

	if !m.store.IsTokenValid() {
		ctx, cancel := context.WithTimeout(context.Background(), m.opTimeout)
		ok, err := m.transport.RefreshAccessToken(ctx)
		cancel()
		if !ok {
			if err != nil {
				m.log.Info().Err(err).Msg("session: monitor refresh failed")
			}
			m.handleExpiry()
			return
		}
		m.armFromStore()
		m.broadcast()
		return
	}

	remaining := m.store.TokenTimeRemaining()
	if remaining > 0 && remaining < expiringSoonThreshold {
		if err := m.sink.ScheduleExpiryReminder(ceilMinutes(remaining)); err != nil {
			m.log.Warn().Err(err).Msg("session: expiry reminder failed")
		}
	}
	m.broadcast()
}

func (m *Manager) clearCredentials() {
	if err := m.store.ClearAll(); err != nil {
		m.log.Warn().Err(err).Msg("session: credential clear failed")
	}
}

func (m *Manager) toUnauthenticated() {
	m.timers.cancelAll()
	m.stopMonitor()
	m.lock.Lock()
	m.identity = nil
	m.loading = false
	if m.initialized {
		m.status = StatusUnauthenticated
	}
	m.lock.Unlock()
	m.broadcast()
}

func (m *Manager) setLoading(loading bool) {
	m.lock.Lock()
	m.loading = loading
	m.lock.Unlock()
	m.broadcast()
}

func (m *Manager) broadcast() {
	snap := m.Snapshot()
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		return
	}
	for _, ch := range m.subscribers {
		select {
		case ch <- snap:
		default:
		}
	}
}

func (m *Manager) recoverEntry(op string) {
	if r := recover(); r != nil {
		m.log.Error().Interface("panic", r).Str("op", op).Msg("session: unexpected failure, treating as unauthenticated")
		m.lock.Lock()
		if m.status == StatusInitializing {
			m.initialized = true
		}
		m.lock.Unlock()
		m.toUnauthenticated()
	}
}

func ceilMinutes(d time.Duration) int {
	return int(math.Ceil(d.Minutes()))
}
