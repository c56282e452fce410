package imap

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/emersion/go-imap"
	"github.com/sirupsen/logrus"
	"github.com/vdavid/bucketmail/internal/category"
	"github.com/vdavid/bucketmail/internal/models"
	"github.com/vdavid/bucketmail/internal/thread"
)

const (
	// DefaultArchiveFolder is the folder archived mail is moved to.
	DefaultArchiveFolder = "Archive"
	// DefaultBucketColor is used for buckets created by discovery.
	DefaultBucketColor = "#9e9e9e"

	cacheWriteTimeout = 30 * time.Second
)

// Service is the mail sync core. It owns no connection of its own: every
// remote step goes through the Manager, and every observation is written
// through to the Cache.
type Service struct {
	conn          *Manager
	settings      SettingsProvider
	cache         Cache
	writer        *cacheWriter
	archiveFolder string
	log           logrus.FieldLogger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithArchiveFolder sets the name of the archive folder.
func WithArchiveFolder(name string) ServiceOption {
	return func(s *Service) {
		if name != "" {
			s.archiveFolder = name
		}
	}
}

// WithServiceLogger sets the logger.
func WithServiceLogger(log logrus.FieldLogger) ServiceOption {
	return func(s *Service) { s.log = log }
}

// NewService creates a Service. Close must be called to stop the cache writer.
func NewService(conn *Manager, settings SettingsProvider, cache Cache, opts ...ServiceOption) *Service {
	s := &Service{
		conn:          conn,
		settings:      settings,
		cache:         cache,
		archiveFolder: DefaultArchiveFolder,
		log:           logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithField("component", "sync")
	s.writer = newCacheWriter(cache, s.log, cacheWriteTimeout)
	return s
}

// ArchiveFolder returns the configured archive folder name.
func (s *Service) ArchiveFolder() string {
	return s.archiveFolder
}

// FlushCache waits until every cache write queued so far has been applied.
func (s *Service) FlushCache(ctx context.Context) error {
	return s.writer.flush(ctx)
}

// Disconnect logs out of the IMAP server. The next operation reconnects.
func (s *Service) Disconnect(ctx context.Context) error {
	return s.conn.Disconnect(ctx)
}

// Close drains pending cache writes and logs out.
func (s *Service) Close(ctx context.Context) error {
	s.writer.close()
	return s.conn.Disconnect(ctx)
}

// validateBucket checks that id can be used as a bucket and returns its keyword.
func validateBucket(id string) (string, error) {
	switch id {
	case models.MailboxInbox, models.MailboxArchive, models.MailboxSent, models.MailboxDrafts:
		return "", fmt.Errorf("%w: %q names a mailbox", ErrInvalidBucket, id)
	}
	if category.Sanitize(id) != id {
		return "", fmt.Errorf("%w: %q is not a sanitized bucket id", ErrInvalidBucket, id)
	}
	keyword, err := category.Encode(id)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidBucket, err)
	}
	return keyword, nil
}

// observeLocked fetches headers and flags for uids in the selected folder.
// Messages that cannot be parsed are logged and skipped.
func (s *Service) observeLocked(mb *Mailbox, uids []uint32, mailbox string) ([]*fetchedMessage, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	raw, err := mb.Fetch(uids, headerFetchItems())
	if err != nil {
		return nil, err
	}
	return s.parseAll(raw, mailbox), nil
}

func (s *Service) parseAll(raw []*imap.Message, mailbox string) []*fetchedMessage {
	out := make([]*fetchedMessage, 0, len(raw))
	for _, r := range raw {
		msg, state, err := ParseMessage(r, mailbox)
		if err != nil {
			s.log.WithError(err).WithField("uid", r.Uid).Warn("Skipping message that could not be parsed")
			continue
		}
		out = append(out, &fetchedMessage{msg: msg, state: state, flags: r.Flags})
	}
	return out
}

// resolveThreads fills ThreadID on every message, oldest first, reusing the
// thread id the cache already holds for a message.
func (s *Service) resolveThreads(ctx context.Context, fetched []*fetchedMessage, window time.Time) error {
	if len(fetched) == 0 {
		return nil
	}
	inputs := make([]thread.Input, len(fetched))
	for i, f := range fetched {
		inputs[i] = f.threadInput()
	}
	ids, err := thread.NewBatch(s.cache, window).ResolveAll(ctx, inputs)
	if err != nil {
		return fmt.Errorf("failed to resolve threads: %w", err)
	}
	for _, f := range fetched {
		f.msg.ThreadID = ids[f.msg.MessageID]
	}
	return nil
}

// syncWindow returns the thread-matching window, which is the sync cutoff.
func (s *Service) syncWindow(ctx context.Context) (*models.SyncSettings, error) {
	settings, err := s.settings.GetSyncSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get sync settings: %w", err)
	}
	return settings, nil
}

func messagesOf(fetched []*fetchedMessage) []*models.Message {
	out := make([]*models.Message, len(fetched))
	for i, f := range fetched {
		out[i] = f.msg
	}
	return out
}

// sortNewestFirst orders messages by date, newest first. When the server
// sorted the UIDs, that order wins.
func sortNewestFirst(msgs []*models.Message, sortedUIDs []uint32) {
	if len(sortedUIDs) > 0 {
		rank := make(map[uint32]int, len(sortedUIDs))
		for i, uid := range sortedUIDs {
			rank[uid] = i
		}
		sort.SliceStable(msgs, func(i, j int) bool {
			return rank[msgs[i].UID] < rank[msgs[j].UID]
		})
		return
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		di, dj := msgs[i].ReceivedAt, msgs[j].ReceivedAt
		if di == nil {
			return false
		}
		if dj == nil {
			return true
		}
		return di.After(*dj)
	})
}

// threadMembers returns the Message-IDs that a thread-scoped operation on
// messageID acts on: the message itself plus every cached message of its
// thread whose mailbox satisfies keep. Sent mail is never included.
func (s *Service) threadMembers(ctx context.Context, messageID string, keep func(*models.Message) bool) []string {
	messageID = thread.NormalizeMessageID(messageID)
	members := []string{messageID}

	cached, err := s.cache.GetMessage(ctx, messageID)
	if err != nil {
		if !IsCacheMiss(err) {
			s.log.WithError(err).WithField("message_id", messageID).Warn("Failed to read message from cache, acting on it alone")
		}
		return members
	}
	if cached.ThreadID == "" {
		return members
	}
	siblings, err := s.cache.ListThreadMessages(ctx, cached.ThreadID)
	if err != nil {
		s.log.WithError(err).WithField("thread_id", cached.ThreadID).Warn("Failed to list thread, acting on message alone")
		return members
	}
	for _, m := range siblings {
		if m.MessageID == messageID || m.Mailbox == models.MailboxSent || !keep(m) {
			continue
		}
		members = append(members, m.MessageID)
	}
	return members
}

// locateLocked finds each Message-ID in the selected folder. A missing first
// id (the target of the operation) is a NotFoundError; other missing members
// are skipped.
func (s *Service) locateLocked(mb *Mailbox, ids []string) ([]uint32, error) {
	uids := make([]uint32, 0, len(ids))
	for i, id := range ids {
		uid, err := mb.FindByMessageID(id)
		if err != nil {
			if IsNotFound(err) && i > 0 {
				s.log.WithFields(logrus.Fields{"message_id": id, "folder": mb.Name()}).Debug("Thread member not found, skipping")
				continue
			}
			return nil, err
		}
		uids = append(uids, uid)
	}
	return uids, nil
}

// locateAnyLocked finds whichever of ids are in the selected folder and
// returns the rest as missing. It fails only when none is found.
func (s *Service) locateAnyLocked(mb *Mailbox, ids []string) ([]uint32, []string, error) {
	var (
		uids    []uint32
		missing []string
	)
	for _, id := range ids {
		uid, err := mb.FindByMessageID(id)
		if IsNotFound(err) {
			missing = append(missing, id)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		uids = append(uids, uid)
	}
	if len(uids) == 0 {
		return nil, missing, &NotFoundError{Kind: "message", ID: ids[0]}
	}
	return uids, missing, nil
}

// inheritThreads copies thread ids from the cache onto observed messages and
// resolves the rest.
func (s *Service) inheritThreads(ctx context.Context, fetched []*fetchedMessage) {
	var unresolved []*fetchedMessage
	for _, f := range fetched {
		if cached, err := s.cache.GetMessage(ctx, f.msg.MessageID); err == nil && cached.ThreadID != "" {
			f.msg.ThreadID = cached.ThreadID
			f.msg.OriginalBucket = cached.OriginalBucket
			continue
		}
		unresolved = append(unresolved, f)
	}
	if len(unresolved) == 0 {
		return
	}
	settings, err := s.syncWindow(ctx)
	if err != nil {
		s.log.WithError(err).Warn("Failed to read sync window, using new thread ids")
		for _, f := range unresolved {
			f.msg.ThreadID = thread.NewID(f.threadInput())
		}
		return
	}
	if err := s.resolveThreads(ctx, unresolved, settings.StartDate); err != nil {
		s.log.WithError(err).Warn("Failed to resolve threads, using new thread ids")
		for _, f := range unresolved {
			f.msg.ThreadID = thread.NewID(f.threadInput())
		}
	}
}
