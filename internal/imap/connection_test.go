package imap

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/bucketmail/internal/models"
)

// fakeSession records calls and can be told to hang on SELECT until terminated.
type fakeSession struct {
	mu          sync.Mutex
	selects     []string
	hangSelect  bool
	selectErr   error
	alive       bool
	terminated  chan struct{}
	terminateMu sync.Once
	noops       int
	// lateSearch makes UID SEARCH answer only after Terminate.
	lateSearch []uint32
}

func newFakeSession() *fakeSession {
	return &fakeSession{alive: true, terminated: make(chan struct{})}
}

func (f *fakeSession) Select(name string) (*imap.MailboxStatus, error) {
	f.mu.Lock()
	f.selects = append(f.selects, name)
	hang, err := f.hangSelect, f.selectErr
	f.mu.Unlock()

	if hang {
		<-f.terminated
		return nil, errors.New("connection closed")
	}
	if err != nil {
		return nil, err
	}
	return imap.NewMailboxStatus(name, nil), nil
}

func (f *fakeSession) selectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.selects)
}

func (f *fakeSession) Create(string) error { return nil }
func (f *fakeSession) ListFolders() ([]string, error) { return []string{"INBOX"}, nil }
func (f *fakeSession) UIDSearch(*imap.SearchCriteria) ([]uint32, error) {
	if f.lateSearch == nil {
		return nil, nil
	}
	<-f.terminated
	return f.lateSearch, nil
}
func (f *fakeSession) UIDSortByDate(*imap.SearchCriteria) ([]uint32, bool, error) {
	return nil, false, nil
}
func (f *fakeSession) UIDFetch([]uint32, []imap.FetchItem) ([]*imap.Message, error) {
	return nil, nil
}
func (f *fakeSession) UIDStore([]uint32, imap.FlagsOp, []string) error { return nil }
func (f *fakeSession) UIDMove([]uint32, string) error { return nil }
func (f *fakeSession) Logout() error { return nil }

func (f *fakeSession) Noop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.noops++
	return nil
}

func (f *fakeSession) Alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *fakeSession) Terminate() error {
	f.terminateMu.Do(func() { close(f.terminated) })
	f.mu.Lock()
	f.alive = false
	f.mu.Unlock()
	return nil
}

type staticProvider struct{}

func (staticProvider) GetSyncSettings(context.Context) (*models.SyncSettings, error) {
	return &models.SyncSettings{}, nil
}

func (staticProvider) GetIMAPConfig(context.Context) (*models.IMAPConfig, error) {
	return &models.IMAPConfig{Host: "imap.test", Port: 143}, nil
}

// fakeDialer hands out the given sessions in order, then fresh ones.
type fakeDialer struct {
	mu       sync.Mutex
	sessions []*fakeSession
	dials    int32
	err      error
}

func (d *fakeDialer) dial(context.Context, *models.IMAPConfig, time.Duration) (Session, error) {
	atomic.AddInt32(&d.dials, 1)
	if d.err != nil {
		return nil, d.err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sessions) == 0 {
		return newFakeSession(), nil
	}
	s := d.sessions[0]
	d.sessions = d.sessions[1:]
	return s, nil
}

func (d *fakeDialer) count() int {
	return int(atomic.LoadInt32(&d.dials))
}

func newTestManager(d *fakeDialer) *Manager {
	log, _ := test.NewNullLogger()
	return NewManager(staticProvider{},
		WithDialer(d.dial),
		WithTimeouts(50*time.Millisecond, 50*time.Millisecond, 200*time.Millisecond),
		WithLogger(log),
	)
}

func noop(*Mailbox) error { return nil }

func TestManager_SelectIsIdempotent(t *testing.T) {
	s := newFakeSession()
	m := newTestManager(&fakeDialer{sessions: []*fakeSession{s}})
	ctx := context.Background()

	require.NoError(t, m.WithMailboxLock(ctx, "INBOX", noop))
	require.NoError(t, m.WithMailboxLock(ctx, "INBOX", noop))
	assert.Equal(t, 1, s.selectCount(), "re-selecting the open folder must not send SELECT")

	require.NoError(t, m.WithMailboxLock(ctx, "Archive", noop))
	require.NoError(t, m.WithMailboxLock(ctx, "INBOX", noop))
	assert.Equal(t, []string{"INBOX", "Archive", "INBOX"}, s.selects)
}

func TestManager_ReleasesLockOnEveryExitPath(t *testing.T) {
	m := newTestManager(&fakeDialer{})
	ctx := context.Background()

	t.Run("error", func(t *testing.T) {
		boom := errors.New("boom")
		err := m.WithMailboxLock(ctx, "INBOX", func(*Mailbox) error { return boom })
		assert.ErrorIs(t, err, boom)
		assert.NoError(t, m.WithMailboxLock(ctx, "INBOX", noop))
	})

	t.Run("panic", func(t *testing.T) {
		func() {
			defer func() { _ = recover() }()
			_ = m.WithMailboxLock(ctx, "INBOX", func(*Mailbox) error { panic("boom") })
		}()
		assert.NoError(t, m.WithMailboxLock(ctx, "INBOX", noop))
	})
}

func TestManager_TimeoutReconnectsAndRetriesOnce(t *testing.T) {
	t.Run("retry succeeds", func(t *testing.T) {
		stuck := newFakeSession()
		stuck.hangSelect = true
		healthy := newFakeSession()
		d := &fakeDialer{sessions: []*fakeSession{stuck, healthy}}
		m := newTestManager(d)

		calls := 0
		err := m.WithMailboxLock(context.Background(), "INBOX", func(*Mailbox) error {
			calls++
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, 2, d.count())
		assert.Equal(t, 1, calls)
		assert.Equal(t, 1, healthy.selectCount())
	})

	t.Run("retry also times out", func(t *testing.T) {
		first, second := newFakeSession(), newFakeSession()
		first.hangSelect, second.hangSelect = true, true
		d := &fakeDialer{sessions: []*fakeSession{first, second}}
		m := newTestManager(d)

		err := m.WithMailboxLock(context.Background(), "INBOX", noop)

		var te *TimeoutError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, 2, d.count(), "only one retry")

		// The next operation starts from a fresh connection.
		require.NoError(t, m.WithMailboxLock(context.Background(), "INBOX", noop))
		assert.Equal(t, 3, d.count())
	})
}

func TestMailbox_TimedOutCallLeavesNoResult(t *testing.T) {
	s := newFakeSession()
	s.lateSearch = []uint32{7, 8}
	m := newTestManager(&fakeDialer{sessions: []*fakeSession{s}})

	var uids []uint32
	var searchErr error
	_ = m.WithMailboxLock(context.Background(), "INBOX", func(mb *Mailbox) error {
		uids, searchErr = mb.Search(imap.NewSearchCriteria())
		return nil
	})

	var te *TimeoutError
	require.ErrorAs(t, searchErr, &te)
	// The search goroutine returns once the session is terminated; its
	// answer must not reach the caller.
	time.Sleep(20 * time.Millisecond)
	assert.Nil(t, uids)
}

func TestManager_LockWait(t *testing.T) {
	m := newTestManager(&fakeDialer{})
	held := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_ = m.WithMailboxLock(context.Background(), "INBOX", func(*Mailbox) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	t.Run("times out", func(t *testing.T) {
		err := m.WithMailboxLock(context.Background(), "Archive", noop)
		assert.True(t, IsTimeout(err), "got %v", err)
	})

	t.Run("honors context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := m.WithMailboxLock(ctx, "Archive", noop)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestManager_EnsureConnected(t *testing.T) {
	t.Run("dial failure is a connection error", func(t *testing.T) {
		m := newTestManager(&fakeDialer{err: errors.New("refused")})
		_, err := m.EnsureConnected(context.Background())
		assert.True(t, IsConnection(err), "got %v", err)
	})

	t.Run("reuses a live session", func(t *testing.T) {
		d := &fakeDialer{}
		m := newTestManager(d)
		s1, err := m.EnsureConnected(context.Background())
		require.NoError(t, err)
		s2, err := m.EnsureConnected(context.Background())
		require.NoError(t, err)
		assert.Same(t, s1, s2)
		assert.Equal(t, 1, d.count())
	})

	t.Run("replaces a dead session", func(t *testing.T) {
		dead := newFakeSession()
		d := &fakeDialer{sessions: []*fakeSession{dead}}
		m := newTestManager(d)
		_, err := m.EnsureConnected(context.Background())
		require.NoError(t, err)

		_ = dead.Terminate()
		s, err := m.EnsureConnected(context.Background())
		require.NoError(t, err)
		assert.NotSame(t, dead, s)
		assert.Equal(t, 2, d.count())
	})

	t.Run("probes an idle session", func(t *testing.T) {
		s := newFakeSession()
		m := newTestManager(&fakeDialer{sessions: []*fakeSession{s}})
		_, err := m.EnsureConnected(context.Background())
		require.NoError(t, err)

		m.lastUsed = time.Now().Add(-2 * healthCheckThreshold)
		_, err = m.EnsureConnected(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, s.noops)
	})
}

func TestManager_MissingFolderIsNotFound(t *testing.T) {
	s := newFakeSession()
	s.selectErr = errors.New("No such mailbox")
	m := newTestManager(&fakeDialer{sessions: []*fakeSession{s}})

	err := m.WithMailboxLock(context.Background(), "Nope", noop)

	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "Nope", nf.ID)
}

func TestManager_ConnectionErrorDropsSession(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d)

	err := m.WithMailboxLock(context.Background(), "INBOX", func(*Mailbox) error {
		return &ConnectionError{Op: "fetch", Err: io.EOF}
	})
	require.True(t, IsConnection(err))

	require.NoError(t, m.WithMailboxLock(context.Background(), "INBOX", noop))
	assert.Equal(t, 2, d.count())
}

func TestManager_DisconnectWhenIdle(t *testing.T) {
	m := newTestManager(&fakeDialer{})
	assert.NoError(t, m.Disconnect(context.Background()))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"eof", io.EOF, IsConnection},
		{"closed", errors.New("imap: connection closed"), IsConnection},
		{"no response", errors.New("Mailbox doesn't exist"), func(err error) bool {
			var pe *ProtocolError
			return errors.As(err, &pe)
		}},
		{"already classified", &NotFoundError{Kind: "message", ID: "x"}, IsNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.check(classify("op", tt.err)))
		})
	}
	assert.Nil(t, classify("op", nil))
}
