package imap

import (
	"fmt"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/vdavid/bucketmail/internal/thread"
)

// Mailbox is the selected folder handed to a WithMailboxLock callback.
// It is only valid inside the callback.
type Mailbox struct {
	m      *Manager
	name   string
	status *imap.MailboxStatus
}

// Name returns the selected folder name.
func (mb *Mailbox) Name() string {
	return mb.name
}

// KnownFlags returns the flags the server reported for the folder on SELECT.
func (mb *Mailbox) KnownFlags() []string {
	if mb.status == nil {
		return nil
	}
	return append(append([]string(nil), mb.status.Flags...), mb.status.PermanentFlags...)
}

func (mb *Mailbox) session() (Session, error) {
	if mb.m.session == nil {
		return nil, &ConnectionError{Op: "use session", Err: fmt.Errorf("session was dropped")}
	}
	return mb.m.session, nil
}

// Search runs UID SEARCH in the selected folder.
func (mb *Mailbox) Search(criteria *imap.SearchCriteria) ([]uint32, error) {
	s, err := mb.session()
	if err != nil {
		return nil, err
	}
	return boundedResult(mb.m, "search "+mb.name, mb.m.opTimeout, s.UIDSearch, criteria)
}

// SearchSorted runs UID SORT by date, newest first, when the server supports
// it. Otherwise it returns plain SEARCH results and sorted=false.
func (mb *Mailbox) SearchSorted(criteria *imap.SearchCriteria) (uids []uint32, sorted bool, err error) {
	s, err := mb.session()
	if err != nil {
		return nil, false, err
	}
	type sortResult struct {
		uids   []uint32
		sorted bool
	}
	r, err := boundedCall(mb.m, "sort "+mb.name, mb.m.opTimeout, func() (sortResult, error) {
		u, ok, err := s.UIDSortByDate(criteria)
		return sortResult{uids: u, sorted: ok}, err
	})
	if err != nil || r.sorted {
		return r.uids, r.sorted, err
	}
	uids, err = mb.Search(criteria)
	return uids, false, err
}

// FindByMessageID locates a message by its Message-ID header. A cached UID is
// never trusted for this: UIDs change with every move.
func (mb *Mailbox) FindByMessageID(messageID string) (uint32, error) {
	criteria := imap.NewSearchCriteria()
	criteria.Header.Add("Message-ID", thread.NormalizeMessageID(messageID))
	criteria.WithoutFlags = []string{imap.DeletedFlag}

	uids, err := mb.Search(criteria)
	if err != nil {
		return 0, err
	}
	if len(uids) == 0 {
		return 0, &NotFoundError{Kind: "message", ID: messageID}
	}
	// Several copies can exist after an interrupted COPY-based move; the
	// highest UID is the most recent copy.
	best := uids[0]
	for _, uid := range uids[1:] {
		if uid > best {
			best = uid
		}
	}
	return best, nil
}

// Fetch runs UID FETCH in the selected folder.
func (mb *Mailbox) Fetch(uids []uint32, items []imap.FetchItem) ([]*imap.Message, error) {
	s, err := mb.session()
	if err != nil {
		return nil, err
	}
	return boundedCall(mb.m, "fetch "+mb.name, mb.m.opTimeout, func() ([]*imap.Message, error) {
		return s.UIDFetch(uids, items)
	})
}

// FetchFlags returns the current flags of one message.
func (mb *Mailbox) FetchFlags(uid uint32) ([]string, error) {
	msgs, err := mb.Fetch([]uint32{uid}, []imap.FetchItem{imap.FetchFlags, imap.FetchUid})
	if err != nil {
		return nil, err
	}
	for _, msg := range msgs {
		if msg.Uid == uid {
			return msg.Flags, nil
		}
	}
	return nil, &NotFoundError{Kind: "message", ID: fmt.Sprintf("uid %d in %s", uid, mb.name)}
}

// AddFlags runs UID STORE +FLAGS.SILENT.
func (mb *Mailbox) AddFlags(uids []uint32, flags ...string) error {
	return mb.store(imap.AddFlags, uids, flags)
}

// RemoveFlags runs UID STORE -FLAGS.SILENT.
func (mb *Mailbox) RemoveFlags(uids []uint32, flags ...string) error {
	return mb.store(imap.RemoveFlags, uids, flags)
}

func (mb *Mailbox) store(op imap.FlagsOp, uids []uint32, flags []string) error {
	if len(uids) == 0 || len(flags) == 0 {
		return nil
	}
	s, err := mb.session()
	if err != nil {
		return err
	}
	return mb.m.bounded("store "+mb.name, mb.m.opTimeout, func() error {
		return s.UIDStore(uids, op, flags)
	})
}

// MoveTo moves messages out of the selected folder.
func (mb *Mailbox) MoveTo(uids []uint32, dest string) error {
	if len(uids) == 0 {
		return nil
	}
	s, err := mb.session()
	if err != nil {
		return err
	}
	return mb.m.bounded("move "+mb.name+" to "+dest, mb.m.opTimeout, func() error {
		return s.UIDMove(uids, dest)
	})
}

// FolderExists reports whether name is among the server's folders.
func (mb *Mailbox) FolderExists(name string) (bool, error) {
	s, err := mb.session()
	if err != nil {
		return false, err
	}
	folders, err := boundedCall(mb.m, "list", mb.m.opTimeout, s.ListFolders)
	if err != nil {
		return false, err
	}
	for _, f := range folders {
		if f == name || (strings.EqualFold(name, "INBOX") && strings.EqualFold(f, "INBOX")) {
			return true, nil
		}
	}
	return false, nil
}

// EnsureFolder creates name if it does not exist yet and reports whether it did.
func (mb *Mailbox) EnsureFolder(name string) (bool, error) {
	exists, err := mb.FolderExists(name)
	if err != nil || exists {
		return false, err
	}
	s, err := mb.session()
	if err != nil {
		return false, err
	}
	if err := mb.m.bounded("create "+name, mb.m.opTimeout, func() error {
		return s.Create(name)
	}); err != nil {
		return false, err
	}
	return true, nil
}
