package imap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-imap"
	sortthread "github.com/emersion/go-imap-sortthread"
	"github.com/emersion/go-imap/client"
	"github.com/vdavid/bucketmail/internal/models"
)

// dialTimeout bounds the TCP/TLS handshake.
const dialTimeout = 5 * time.Second

// Session is the slice of an IMAP connection the sync engine uses.
// Implementations need not be safe for concurrent use; the Manager
// serializes every call. Tests inject fakes through a Dialer.
type Session interface {
	Select(name string) (*imap.MailboxStatus, error)
	Create(name string) error
	ListFolders() ([]string, error)
	UIDSearch(criteria *imap.SearchCriteria) ([]uint32, error)
	// UIDSortByDate returns matching UIDs newest first. ok is false when the
	// server lacks the SORT extension; the caller then sorts by itself.
	UIDSortByDate(criteria *imap.SearchCriteria) (uids []uint32, ok bool, err error)
	UIDFetch(uids []uint32, items []imap.FetchItem) ([]*imap.Message, error)
	UIDStore(uids []uint32, op imap.FlagsOp, flags []string) error
	UIDMove(uids []uint32, dest string) error
	Noop() error
	// Alive reports whether the connection is still authenticated.
	Alive() bool
	Logout() error
	// Terminate closes the connection without a LOGOUT exchange.
	Terminate() error
}

// Dialer opens and authenticates a new Session.
type Dialer func(ctx context.Context, cfg *models.IMAPConfig, commandTimeout time.Duration) (Session, error)

// DialIMAP connects with go-imap, over TLS when cfg.Secure is set, and logs in.
func DialIMAP(_ context.Context, cfg *models.IMAPConfig, commandTimeout time.Duration) (Session, error) {
	dialer := &net.Dialer{Timeout: dialTimeout}

	var (
		c   *client.Client
		err error
	)
	if cfg.Secure {
		c, err = client.DialWithDialerTLS(dialer, cfg.Address(), nil)
	} else {
		c, err = client.DialWithDialer(dialer, cfg.Address())
	}
	if err != nil {
		return nil, &ConnectionError{Op: "dial", Err: err}
	}
	c.Timeout = commandTimeout

	if err := c.Login(cfg.User, cfg.Pass); err != nil {
		_ = c.Logout()
		return nil, &ConnectionError{Op: "login", Err: fmt.Errorf("failed to authenticate: %w", err)}
	}

	return &clientSession{client: c}, nil
}

// clientSession adapts a go-imap client to Session.
type clientSession struct {
	client *client.Client
}

func (s *clientSession) Select(name string) (*imap.MailboxStatus, error) {
	return s.client.Select(name, false)
}

func (s *clientSession) Create(name string) error {
	return s.client.Create(name)
}

func (s *clientSession) ListFolders() ([]string, error) {
	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)

	go func() {
		done <- s.client.List("", "*", mailboxes)
	}()

	var folders []string
	for m := range mailboxes {
		folders = append(folders, m.Name)
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}
	return folders, nil
}

func (s *clientSession) UIDSearch(criteria *imap.SearchCriteria) ([]uint32, error) {
	return s.client.UidSearch(criteria)
}

func (s *clientSession) UIDSortByDate(criteria *imap.SearchCriteria) ([]uint32, bool, error) {
	sortClient := sortthread.NewSortClient(s.client)
	supported, err := sortClient.SupportSort()
	if err != nil {
		return nil, false, err
	}
	if !supported {
		return nil, false, nil
	}
	uids, err := sortClient.UidSort([]sortthread.SortCriterion{
		{Field: sortthread.SortDate, Reverse: true},
	}, criteria)
	if err != nil {
		return nil, true, fmt.Errorf("SORT command returned error: %w", err)
	}
	return uids, true, nil
}

func (s *clientSession) UIDFetch(uids []uint32, items []imap.FetchItem) ([]*imap.Message, error) {
	if len(uids) == 0 {
		return []*imap.Message{}, nil
	}

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)

	go func() {
		done <- s.client.UidFetch(uidSet(uids), items, messages)
	}()

	result := make([]*imap.Message, 0, len(uids))
	for msg := range messages {
		result = append(result, msg)
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	return result, nil
}

func (s *clientSession) UIDStore(uids []uint32, op imap.FlagsOp, flags []string) error {
	if len(uids) == 0 || len(flags) == 0 {
		return nil
	}
	values := make([]interface{}, len(flags))
	for i, f := range flags {
		values[i] = f
	}
	return s.client.UidStore(uidSet(uids), imap.FormatFlagsOp(op, true), values, nil)
}

func (s *clientSession) UIDMove(uids []uint32, dest string) error {
	if len(uids) == 0 {
		return nil
	}
	seqSet := uidSet(uids)
	err := s.client.UidMove(seqSet, dest)
	if err == nil || !s.rejected(err) {
		return err
	}
	// Some servers advertise MOVE and still refuse it.
	return s.moveByCopy(seqSet, dest)
}

// rejected reports whether err is a NO or BAD answer on a connection that is
// still usable, as opposed to a transport failure.
func (s *clientSession) rejected(err error) bool {
	var pe *ProtocolError
	return errors.As(classify("move", err), &pe) && s.client.State() == imap.SelectedState
}

// moveByCopy moves with COPY, STORE \Deleted and EXPUNGE. A failure after
// COPY leaves a duplicate in dest; callers look messages up by Message-ID
// and skip deleted copies, so a retry converges.
func (s *clientSession) moveByCopy(seqSet *imap.SeqSet, dest string) error {
	if err := s.client.UidCopy(seqSet, dest); err != nil {
		return fmt.Errorf("failed to copy to %s: %w", dest, err)
	}
	deleted := []interface{}{imap.DeletedFlag}
	if err := s.client.UidStore(seqSet, imap.FormatFlagsOp(imap.AddFlags, true), deleted, nil); err != nil {
		return fmt.Errorf("failed to flag moved messages: %w", err)
	}
	return s.client.Expunge(nil)
}

func (s *clientSession) Noop() error {
	return s.client.Noop()
}

func (s *clientSession) Alive() bool {
	state := s.client.State()
	return state == imap.AuthenticatedState || state == imap.SelectedState
}

func (s *clientSession) Logout() error {
	return s.client.Logout()
}

func (s *clientSession) Terminate() error {
	return s.client.Terminate()
}

func uidSet(uids []uint32) *imap.SeqSet {
	seqSet := new(imap.SeqSet)
	for _, uid := range uids {
		seqSet.AddNum(uid)
	}
	return seqSet
}
