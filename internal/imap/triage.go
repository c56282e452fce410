package imap

import (
	"context"
	"fmt"

	"github.com/emersion/go-imap"
	"github.com/vdavid/bucketmail/internal/category"
	"github.com/vdavid/bucketmail/internal/models"
)

// unfiledCriteria matches INBOX messages that have not been triaged or
// archived and are not flagged deleted.
func unfiledCriteria() *imap.SearchCriteria {
	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{category.TriagedFlag, category.ArchivedFlag, imap.DeletedFlag}
	return criteria
}

// scanUnfiled lists unfiled INBOX messages with headers and flags only. With a
// policy, messages outside the date window (and not rescued by the starred
// rule) are dropped.
func (s *Service) scanUnfiled(ctx context.Context, policy *models.SyncSettings) ([]*fetchedMessage, error) {
	var fetched []*fetchedMessage
	err := s.conn.WithMailboxLock(ctx, "INBOX", func(mb *Mailbox) error {
		uids, err := mb.Search(unfiledCriteria())
		if err != nil {
			return err
		}
		fetched, err = s.observeLocked(mb, uids, models.MailboxInbox)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan unfiled messages: %w", err)
	}

	kept := fetched[:0]
	for _, f := range fetched {
		// The server filtered on flags already; this guards against servers
		// that match keywords loosely.
		if f.state.Archived || f.state.Triaged || f.state.Deleted {
			continue
		}
		if policy != nil && !policy.InWindow(f.msg.ReceivedAt, f.state.Starred) {
			continue
		}
		kept = append(kept, f)
	}
	return kept, nil
}

// FetchUnfiled returns every unfiled INBOX message that passes the sync
// policy, bodies included. The messages are queued for write-through; the
// returned CacheWrite completes when they have reached the cache.
func (s *Service) FetchUnfiled(ctx context.Context) ([]*models.Message, *CacheWrite, error) {
	settings, err := s.syncWindow(ctx)
	if err != nil {
		return nil, nil, err
	}

	headers, err := s.scanUnfiled(ctx, settings)
	if err != nil {
		return nil, nil, err
	}
	if len(headers) == 0 {
		return []*models.Message{}, s.writer.upsert(nil), nil
	}

	uids := make([]uint32, len(headers))
	for i, f := range headers {
		uids[i] = f.msg.UID
	}

	var fetched []*fetchedMessage
	err = s.conn.WithMailboxLock(ctx, "INBOX", func(mb *Mailbox) error {
		raw, err := mb.Fetch(uids, fullFetchItems())
		if err != nil {
			return err
		}
		fetched = s.parseAll(raw, models.MailboxInbox)
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch unfiled messages: %w", err)
	}

	// A message may have been filed between the two round trips.
	kept := fetched[:0]
	for _, f := range fetched {
		if f.state.Category.Kind == models.CategoryUnfiled && !f.state.Triaged && !f.state.Deleted {
			kept = append(kept, f)
		}
	}

	if err := s.resolveThreads(ctx, kept, settings.StartDate); err != nil {
		return nil, nil, err
	}

	msgs := messagesOf(kept)
	sortNewestFirst(msgs, nil)
	s.log.WithField("count", len(msgs)).Debug("Fetched unfiled messages")
	return msgs, s.writer.upsert(msgs), nil
}

// FetchTriageEmails returns the triage view. Cache writes complete in the
// background; use FlushCache to wait for them.
func (s *Service) FetchTriageEmails(ctx context.Context) ([]*models.Message, error) {
	msgs, _, err := s.FetchUnfiled(ctx)
	return msgs, err
}

// FetchUnfiledIDs is the lightweight variant of FetchUnfiled: it returns the
// Message-IDs of unfiled messages that pass the sync policy, without bodies
// and without touching the cache.
func (s *Service) FetchUnfiledIDs(ctx context.Context) ([]string, error) {
	settings, err := s.syncWindow(ctx)
	if err != nil {
		return nil, err
	}
	fetched, err := s.scanUnfiled(ctx, settings)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(fetched))
	for i, f := range fetched {
		ids[i] = f.msg.MessageID
	}
	return ids, nil
}

// GetInboxMessageIDs returns the Message-ID of every message physically in
// INBOX that is not flagged deleted, whatever its category.
func (s *Service) GetInboxMessageIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.conn.WithMailboxLock(ctx, "INBOX", func(mb *Mailbox) error {
		criteria := imap.NewSearchCriteria()
		criteria.WithoutFlags = []string{imap.DeletedFlag}
		uids, err := mb.Search(criteria)
		if err != nil {
			return err
		}
		if len(uids) == 0 {
			return nil
		}
		raw, err := mb.Fetch(uids, []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid})
		if err != nil {
			return err
		}
		for _, r := range raw {
			if r.Envelope == nil || r.Envelope.MessageId == "" {
				continue
			}
			ids = append(ids, normalizeIDs([]string{r.Envelope.MessageId})...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list inbox message ids: %w", err)
	}
	return ids, nil
}

// FetchBucketEmails returns the INBOX messages filed into bucketID, newest
// first, followed by cached sent messages from the same threads.
func (s *Service) FetchBucketEmails(ctx context.Context, bucketID string) ([]*models.Message, error) {
	keyword, err := validateBucket(bucketID)
	if err != nil {
		return nil, err
	}
	settings, err := s.syncWindow(ctx)
	if err != nil {
		return nil, err
	}

	var (
		fetched []*fetchedMessage
		order   []uint32
	)
	err = s.conn.WithMailboxLock(ctx, "INBOX", func(mb *Mailbox) error {
		criteria := imap.NewSearchCriteria()
		criteria.WithFlags = []string{keyword}
		criteria.WithoutFlags = []string{category.ArchivedFlag, imap.DeletedFlag}
		uids, sorted, err := mb.SearchSorted(criteria)
		if err != nil {
			return err
		}
		if sorted {
			order = uids
		}
		fetched, err = s.observeLocked(mb, uids, models.MailboxInbox)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch bucket %s: %w", bucketID, err)
	}

	kept := fetched[:0]
	for _, f := range fetched {
		if f.state.Category.Kind == models.CategoryBucket && f.state.Category.BucketID == bucketID {
			kept = append(kept, f)
		}
	}
	if err := s.resolveThreads(ctx, kept, settings.StartDate); err != nil {
		return nil, err
	}

	msgs := messagesOf(kept)
	sortNewestFirst(msgs, order)
	s.writer.upsert(msgs)

	return s.appendSent(ctx, msgs), nil
}

// appendSent adds cached sent messages that belong to the threads of msgs.
func (s *Service) appendSent(ctx context.Context, msgs []*models.Message) []*models.Message {
	seen := make(map[string]struct{})
	var threadIDs []string
	for _, m := range msgs {
		if _, ok := seen[m.ThreadID]; ok || m.ThreadID == "" {
			continue
		}
		seen[m.ThreadID] = struct{}{}
		threadIDs = append(threadIDs, m.ThreadID)
	}
	if len(threadIDs) == 0 {
		return msgs
	}
	sent, err := s.cache.ListSentForThreads(ctx, threadIDs)
	if err != nil {
		s.log.WithError(err).Warn("Failed to load sent messages for bucket threads")
		return msgs
	}
	return append(msgs, sent...)
}

// FetchArchivedEmails returns the messages in the archive folder, newest
// first. OriginalBucket comes from the cache, or from the bucket keyword the
// message kept when it was archived.
func (s *Service) FetchArchivedEmails(ctx context.Context) ([]*models.Message, error) {
	var (
		fetched []*fetchedMessage
		order   []uint32
	)
	err := s.conn.WithMailboxLock(ctx, s.archiveFolder, func(mb *Mailbox) error {
		criteria := imap.NewSearchCriteria()
		criteria.WithoutFlags = []string{imap.DeletedFlag}
		uids, sorted, err := mb.SearchSorted(criteria)
		if err != nil {
			return err
		}
		if sorted {
			order = uids
		}
		fetched, err = s.observeLocked(mb, uids, models.MailboxArchive)
		return err
	})
	if IsNotFound(err) {
		return []*models.Message{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch archived messages: %w", err)
	}

	s.inheritThreads(ctx, fetched)
	for _, f := range fetched {
		if f.msg.OriginalBucket == "" {
			f.msg.OriginalBucket = f.state.Category.BucketID
		}
	}

	msgs := messagesOf(fetched)
	sortNewestFirst(msgs, order)
	s.writer.upsert(msgs)
	return msgs, nil
}
