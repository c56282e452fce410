package imap

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/vdavid/bucketmail/internal/category"
	"github.com/vdavid/bucketmail/internal/models"
	"github.com/vdavid/bucketmail/internal/thread"
)

// ArchiveResult describes what an archive call moved.
type ArchiveResult struct {
	// PriorBucket maps each archived Message-ID to the bucket it was filed
	// in, or "" when it was unfiled. Callers persist it as the original bucket.
	PriorBucket map[string]string
	// AlreadyArchived is set when the target was found in the archive folder.
	AlreadyArchived bool
}

// ArchiveEmail archives the thread of messageID and records each message's
// prior bucket as its original bucket in the cache.
func (s *Service) ArchiveEmail(ctx context.Context, messageID string) (*ArchiveResult, error) {
	members := s.threadMembers(ctx, messageID, func(m *models.Message) bool {
		return m.Mailbox != models.MailboxArchive
	})

	result, err := s.archive(ctx, members)
	if err != nil {
		return nil, err
	}
	for id, bucket := range result.PriorBucket {
		id, bucket := id, bucket
		s.writer.submit("set original bucket "+id, func(ctx context.Context) error {
			return s.cache.SetOriginalBucket(ctx, id, bucket)
		})
	}
	return result, nil
}

// archive marks ids archived and moves them from INBOX to the archive folder.
// The marker is stored before the move so that a message stranded in INBOX
// by a failure in between is still recognized as archived; running archive
// again finishes the move.
func (s *Service) archive(ctx context.Context, ids []string) (*ArchiveResult, error) {
	result := &ArchiveResult{PriorBucket: make(map[string]string)}
	log := s.log.WithField("message_id", ids[0])

	var moved []*fetchedMessage
	err := s.conn.WithMailboxLock(ctx, "INBOX", func(mb *Mailbox) error {
		if created, err := mb.EnsureFolder(s.archiveFolder); err != nil {
			return err
		} else if created {
			log.WithField("folder", s.archiveFolder).Info("Created archive folder")
		}

		uids, err := s.locateLocked(mb, ids)
		if err != nil {
			return err
		}
		moved, err = s.observeLocked(mb, uids, models.MailboxInbox)
		if err != nil {
			return err
		}

		if err := mb.AddFlags(uids, category.ArchivedFlag); err != nil {
			return err
		}
		return mb.MoveTo(uids, s.archiveFolder)
	})
	if IsNotFound(err) {
		if found, ferr := s.inArchive(ctx, ids[0]); ferr == nil && found {
			log.Debug("Message is already archived")
			result.AlreadyArchived = true
			return result, nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to archive: %w", err)
	}

	s.inheritThreads(ctx, moved)
	for _, f := range moved {
		result.PriorBucket[f.msg.MessageID] = f.state.Category.BucketID
		f.msg.OriginalBucket = f.state.Category.BucketID
		f.msg.Mailbox = models.MailboxArchive
		f.msg.Category = models.Category{Kind: models.CategoryArchived, BucketID: f.state.Category.BucketID}
		f.msg.UID = 0 // the move assigned a new one
	}
	s.writer.upsert(messagesOf(moved))
	log.WithField("count", len(moved)).Info("Archived thread")
	return result, nil
}

// inArchive reports whether messageID is present in the archive folder.
func (s *Service) inArchive(ctx context.Context, messageID string) (bool, error) {
	found := false
	err := s.conn.WithMailboxLock(ctx, s.archiveFolder, func(mb *Mailbox) error {
		_, err := mb.FindByMessageID(messageID)
		if IsNotFound(err) {
			return nil
		}
		found = err == nil
		return err
	})
	if IsNotFound(err) {
		return false, nil
	}
	return found, err
}

// UnarchiveEmail moves the archived thread of messageID back to INBOX.
// targetLocation is "inbox" to leave it unfiled, or a bucket id to file it.
// It returns the target message as observed in INBOX after the move.
func (s *Service) UnarchiveEmail(ctx context.Context, messageID, targetLocation string) (*models.Message, error) {
	members := s.threadMembers(ctx, messageID, func(m *models.Message) bool {
		return m.Mailbox == models.MailboxArchive
	})
	restored, err := s.unarchive(ctx, members, targetLocation)
	if err != nil {
		return nil, err
	}
	target := thread.NormalizeMessageID(messageID)
	for _, m := range restored {
		if m.MessageID == target {
			return m, nil
		}
	}
	return nil, &NotFoundError{Kind: "message", ID: target}
}

// unarchive strips the archive state from ids, retags them for target while
// they are still in the archive folder, then moves them to INBOX. Tagging
// first means they land in INBOX already filed. The first id must still be
// archived.
func (s *Service) unarchive(ctx context.Context, ids []string, target string) ([]*models.Message, error) {
	msgs, _, err := s.moveFromArchive(ctx, ids, target, func(mb *Mailbox, ids []string) ([]uint32, []string, error) {
		uids, err := s.locateLocked(mb, ids)
		return uids, nil, err
	})
	return msgs, err
}

// restore is unarchive for a thread that is coming back on its own: any
// member still archived is enough, and the cache rows of members that left
// the archive folder are evicted.
func (s *Service) restore(ctx context.Context, ids []string, target string) ([]*models.Message, error) {
	msgs, missing, err := s.moveFromArchive(ctx, ids, target, s.locateAnyLocked)
	if err != nil {
		return nil, err
	}
	s.evict(ctx, missing)
	return msgs, nil
}

type locator func(mb *Mailbox, ids []string) (uids []uint32, missing []string, err error)

func (s *Service) moveFromArchive(ctx context.Context, ids []string, target string, locate locator) ([]*models.Message, []string, error) {
	var keyword string
	if target != models.MailboxInbox {
		var err error
		if keyword, err = validateBucket(target); err != nil {
			return nil, nil, err
		}
	}
	log := s.log.WithFields(logrus.Fields{"message_id": ids[0], "target": target})

	var (
		original map[string]string
		missing  []string
	)
	err := s.conn.WithMailboxLock(ctx, s.archiveFolder, func(mb *Mailbox) error {
		var (
			uids []uint32
			err  error
		)
		uids, missing, err = locate(mb, ids)
		if err != nil {
			return err
		}
		current, err := s.observeLocked(mb, uids, models.MailboxArchive)
		if err != nil {
			return err
		}
		original = make(map[string]string, len(current))
		var remove []string
		for _, f := range current {
			original[f.msg.MessageID] = f.state.Category.BucketID
			remove = append(remove, category.RestoreSet(f.flags)...)
		}
		remove = append(remove, category.ArchivedFlag, category.TriagedFlag)
		if err := mb.RemoveFlags(uids, dedupe(remove)...); err != nil {
			return err
		}
		if keyword != "" {
			if err := mb.AddFlags(uids, keyword, category.TriagedFlag); err != nil {
				return err
			}
		}
		return mb.MoveTo(uids, "INBOX")
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to unarchive: %w", err)
	}

	var observed []*fetchedMessage
	err = s.conn.WithMailboxLock(ctx, "INBOX", func(mb *Mailbox) error {
		var uids []uint32
		for _, id := range ids {
			if _, moved := original[id]; !moved {
				continue
			}
			uid, err := mb.FindByMessageID(id)
			if err != nil {
				return err
			}
			uids = append(uids, uid)
		}
		var err error
		observed, err = s.observeLocked(mb, uids, models.MailboxInbox)
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read unarchived messages: %w", err)
	}

	s.inheritThreads(ctx, observed)
	for _, f := range observed {
		if f.msg.OriginalBucket == "" {
			f.msg.OriginalBucket = original[f.msg.MessageID]
		}
	}
	msgs := messagesOf(observed)
	s.writer.upsert(msgs)
	log.WithField("count", len(msgs)).Info("Unarchived thread")
	return msgs, missing, nil
}
