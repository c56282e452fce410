package imap

import (
	"context"
	"fmt"

	"github.com/emersion/go-imap"
	"github.com/sirupsen/logrus"
	"github.com/vdavid/bucketmail/internal/category"
	"github.com/vdavid/bucketmail/internal/models"
	"github.com/vdavid/bucketmail/internal/thread"
)

// AssignTags files the thread of messageID into the single bucket in
// bucketIDs, or unfiles it when bucketIDs is empty.
func (s *Service) AssignTags(ctx context.Context, messageID string, bucketIDs []string) error {
	if len(bucketIDs) > 1 {
		return ErrTooManyBuckets
	}
	bucketID := ""
	if len(bucketIDs) == 1 {
		bucketID = bucketIDs[0]
	}
	members := s.threadMembers(ctx, messageID, func(m *models.Message) bool {
		return m.Mailbox != models.MailboxArchive
	})
	return s.setBucket(ctx, members, bucketID)
}

// SetBucket files one message into bucketID, or unfiles it when bucketID is
// empty. Unlike AssignTags it does not touch the rest of the thread.
func (s *Service) SetBucket(ctx context.Context, messageID, bucketID string) error {
	return s.setBucket(ctx, []string{thread.NormalizeMessageID(messageID)}, bucketID)
}

// setBucket retags the INBOX messages ids. The first id is the target; it
// must exist. Flags are removed first and added second: STORE cannot
// replace a subset of keywords atomically.
func (s *Service) setBucket(ctx context.Context, ids []string, bucketID string) error {
	var keyword string
	if bucketID != "" {
		var err error
		if keyword, err = validateBucket(bucketID); err != nil {
			return err
		}
	}

	log := s.log.WithFields(logrus.Fields{"message_id": ids[0], "bucket": bucketID})

	var observed []*fetchedMessage
	err := s.conn.WithMailboxLock(ctx, "INBOX", func(mb *Mailbox) error {
		uids, err := s.locateLocked(mb, ids)
		if err != nil {
			return err
		}

		current, err := s.observeLocked(mb, uids, models.MailboxInbox)
		if err != nil {
			return err
		}
		var remove []string
		for _, f := range current {
			remove = append(remove, category.BucketKeywords(f.flags)...)
		}
		remove = append(remove, category.TriagedFlag)
		if err := mb.RemoveFlags(uids, dedupe(remove)...); err != nil {
			return err
		}

		if keyword != "" {
			if err := mb.AddFlags(uids, keyword, category.TriagedFlag); err != nil {
				return err
			}
		}

		observed, err = s.observeLocked(mb, uids, models.MailboxInbox)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to set bucket: %w", err)
	}

	s.inheritThreads(ctx, observed)
	s.writer.upsert(messagesOf(observed))
	log.WithField("count", len(observed)).Info("Bucket assigned")
	return nil
}

// MarkAsRead sets \Seen on a message. uid is an optional hint for where the
// message sits in its folder; it is verified against the Message-ID before
// use and ignored when stale.
func (s *Service) MarkAsRead(ctx context.Context, messageID string, uid uint32) error {
	messageID = thread.NormalizeMessageID(messageID)
	folder, mailbox := "INBOX", models.MailboxInbox
	if cached, err := s.cache.GetMessage(ctx, messageID); err == nil {
		folder, mailbox = s.folderFor(ctx, cached.Mailbox)
	}

	var observed []*fetchedMessage
	err := s.conn.WithMailboxLock(ctx, folder, func(mb *Mailbox) error {
		target, err := s.verifyHintLocked(mb, messageID, uid)
		if err != nil {
			return err
		}
		if err := mb.AddFlags([]uint32{target}, imap.SeenFlag); err != nil {
			return err
		}
		observed, err = s.observeLocked(mb, []uint32{target}, mailbox)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to mark %s as read: %w", messageID, err)
	}

	s.inheritThreads(ctx, observed)
	s.writer.upsert(messagesOf(observed))
	return nil
}

// verifyHintLocked returns uid if it still holds messageID, and otherwise
// falls back to a header search.
func (s *Service) verifyHintLocked(mb *Mailbox, messageID string, uid uint32) (uint32, error) {
	if uid != 0 {
		raw, err := mb.Fetch([]uint32{uid}, []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid})
		if err != nil {
			return 0, err
		}
		for _, r := range raw {
			if r.Uid == uid && r.Envelope != nil && thread.NormalizeMessageID(r.Envelope.MessageId) == messageID {
				return uid, nil
			}
		}
		s.log.WithFields(logrus.Fields{"message_id": messageID, "uid": uid}).Debug("Stale UID hint, searching by Message-ID")
	}
	return mb.FindByMessageID(messageID)
}

// folderFor maps a cached logical mailbox to the folder holding the message.
func (s *Service) folderFor(ctx context.Context, mailbox string) (folder, logical string) {
	switch mailbox {
	case models.MailboxArchive:
		return s.archiveFolder, models.MailboxArchive
	case models.MailboxSent:
		if settings, err := s.settings.GetSyncSettings(ctx); err == nil && settings.SentFolderName != "" {
			return settings.SentFolderName, models.MailboxSent
		}
	}
	return "INBOX", models.MailboxInbox
}

func dedupe(flags []string) []string {
	seen := make(map[string]struct{}, len(flags))
	out := flags[:0]
	for _, f := range flags {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}
