package imap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emersion/go-imap"
	"github.com/sirupsen/logrus"
	"github.com/vdavid/bucketmail/internal/models"
)

const (
	defaultOpTimeout     = 30 * time.Second
	defaultSelectTimeout = 5 * time.Second
	defaultLockTimeout   = 2 * time.Minute
	// healthCheckThreshold is the idle time after which the session is probed with NOOP before reuse.
	healthCheckThreshold = 1 * time.Minute
)

// SettingsProvider supplies the operator configuration.
type SettingsProvider interface {
	GetSyncSettings(ctx context.Context) (*models.SyncSettings, error)
	GetIMAPConfig(ctx context.Context) (*models.IMAPConfig, error)
}

// Manager owns the single IMAP session of the process.
//
// Every mailbox-scoped operation runs under WithMailboxLock. The transport
// cannot multiplex, so the connection itself is the critical section: at most
// one folder lock is held at a time across the whole engine.
type Manager struct {
	settings SettingsProvider
	dial     Dialer
	log      logrus.FieldLogger

	opTimeout     time.Duration
	selectTimeout time.Duration
	lockTimeout   time.Duration

	sem      chan struct{}
	session  Session
	selected string
	status   *imap.MailboxStatus
	lastUsed time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithDialer replaces the go-imap dialer, mainly for tests.
func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dial = d }
}

// WithTimeouts overrides the command, SELECT and lock-wait timeouts. Zero values keep the defaults.
func WithTimeouts(op, selectTimeout, lock time.Duration) Option {
	return func(m *Manager) {
		if op > 0 {
			m.opTimeout = op
		}
		if selectTimeout > 0 {
			m.selectTimeout = selectTimeout
		}
		if lock > 0 {
			m.lockTimeout = lock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(m *Manager) { m.log = log }
}

// NewManager creates a Manager. It does not connect until first use.
func NewManager(settings SettingsProvider, opts ...Option) *Manager {
	m := &Manager{
		settings:      settings,
		dial:          DialIMAP,
		log:           logrus.StandardLogger(),
		opTimeout:     defaultOpTimeout,
		selectTimeout: defaultSelectTimeout,
		lockTimeout:   defaultLockTimeout,
		sem:           make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.WithField("component", "imap")
	return m
}

// EnsureConnected returns a usable session, reconnecting if the previous one went stale.
// The returned session must only be used through WithMailboxLock.
func (m *Manager) EnsureConnected(ctx context.Context) (Session, error) {
	if err := m.acquire(ctx); err != nil {
		return nil, err
	}
	defer m.release()
	return m.ensureConnectedLocked(ctx)
}

// WithMailboxLock selects folder and runs fn with exclusive use of the session.
// The lock is released on every exit path. If the operation times out, the
// session is torn down, reconnected, and fn runs once more before the error
// is surfaced.
func (m *Manager) WithMailboxLock(ctx context.Context, folder string, fn func(*Mailbox) error) error {
	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.release()

	err := m.runLocked(ctx, folder, fn)
	if IsTimeout(err) {
		m.log.WithField("folder", folder).WithError(err).Warn("Operation timed out, reconnecting and retrying once")
		m.dropLocked()
		err = m.runLocked(ctx, folder, fn)
	}
	if IsConnection(err) || IsTimeout(err) {
		m.dropLocked()
	}
	return err
}

// Disconnect logs out and forgets the session. It is safe to call when not connected.
func (m *Manager) Disconnect(ctx context.Context) error {
	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.release()

	if m.session == nil {
		return nil
	}
	s := m.session
	err := m.bounded("logout", m.opTimeout, s.Logout)
	m.session = nil
	m.selected = ""
	m.status = nil
	if err != nil && !IsConnection(err) {
		return err
	}
	return nil
}

func (m *Manager) acquire(ctx context.Context) error {
	timer := time.NewTimer(m.lockTimeout)
	defer timer.Stop()

	select {
	case m.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for imap session: %w", ctx.Err())
	case <-timer.C:
		return &TimeoutError{Op: "lock wait", After: m.lockTimeout.String()}
	}
}

func (m *Manager) release() {
	<-m.sem
}

func (m *Manager) runLocked(ctx context.Context, folder string, fn func(*Mailbox) error) error {
	if _, err := m.ensureConnectedLocked(ctx); err != nil {
		return err
	}
	if err := m.selectLocked(folder); err != nil {
		return err
	}
	err := fn(&Mailbox{m: m, name: folder, status: m.status})
	m.lastUsed = time.Now()
	return err
}

func (m *Manager) ensureConnectedLocked(ctx context.Context) (Session, error) {
	if m.session != nil {
		if m.session.Alive() && m.healthyLocked() {
			return m.session, nil
		}
		m.log.Info("IMAP session is stale, reconnecting")
		m.dropLocked()
	}

	cfg, err := m.settings.GetIMAPConfig(ctx)
	if err != nil {
		return nil, &ConnectionError{Op: "load imap config", Err: err}
	}

	s, err := m.dial(ctx, cfg, m.opTimeout)
	if err != nil {
		var ce *ConnectionError
		if !errors.As(err, &ce) {
			err = &ConnectionError{Op: "connect", Err: err}
		}
		return nil, err
	}

	m.log.WithField("server", cfg.Address()).Debug("Connected to IMAP server")
	m.session = s
	m.selected = ""
	m.status = nil
	m.lastUsed = time.Now()
	return s, nil
}

// healthyLocked probes a session that has been idle for a while.
func (m *Manager) healthyLocked() bool {
	if time.Since(m.lastUsed) <= healthCheckThreshold {
		return true
	}
	if err := m.bounded("noop", m.selectTimeout, m.session.Noop); err != nil {
		return false
	}
	m.lastUsed = time.Now()
	return true
}

// selectLocked opens folder unless it is already the selected one. Some
// servers misbehave on a redundant SELECT, so re-selection is a no-op.
func (m *Manager) selectLocked(folder string) error {
	if m.selected == folder && m.session != nil {
		return nil
	}

	status, err := boundedResult(m, "select "+folder, m.selectTimeout, m.session.Select, folder)
	if err != nil {
		m.selected = ""
		m.status = nil
		var pe *ProtocolError
		if errors.As(err, &pe) {
			return &NotFoundError{Kind: "folder", ID: folder}
		}
		return err
	}

	m.selected = folder
	m.status = status
	return nil
}

// dropLocked terminates the current session without waiting for the server.
func (m *Manager) dropLocked() {
	if m.session != nil {
		_ = m.session.Terminate()
	}
	m.session = nil
	m.selected = ""
	m.status = nil
}

// bounded runs f with a deadline. On expiry the session is terminated, which
// unblocks f, and a TimeoutError is returned.
func (m *Manager) bounded(op string, timeout time.Duration, f func() error) error {
	_, err := boundedCall(m, op, timeout, func() (struct{}, error) {
		return struct{}{}, f()
	})
	return err
}

// boundedResult is bounded for a one-argument call with a result.
func boundedResult[A, T any](m *Manager, op string, timeout time.Duration, f func(A) (T, error), arg A) (T, error) {
	return boundedCall(m, op, timeout, func() (T, error) {
		return f(arg)
	})
}

type callResult[T any] struct {
	value T
	err   error
}

// boundedCall hands f's result back over the channel only. After a timeout
// f may still finish, and it must not write anything the caller reads.
func boundedCall[T any](m *Manager, op string, timeout time.Duration, f func() (T, error)) (T, error) {
	done := make(chan callResult[T], 1)
	go func() {
		v, err := f()
		done <- callResult[T]{value: v, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.value, classify(op, r.err)
	case <-timer.C:
		m.dropLocked()
		var zero T
		return zero, &TimeoutError{Op: op, After: timeout.String()}
	}
}
