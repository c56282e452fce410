package imap

import (
	"context"
	"fmt"

	"github.com/emersion/go-imap"
	"github.com/vdavid/bucketmail/internal/models"
)

// SyncSentFolder projects the sent folder into the cache so sent replies show
// up in their threads. Sent mail is never moved or tagged. It returns the
// number of messages written.
func (s *Service) SyncSentFolder(ctx context.Context) (int, *CacheWrite, error) {
	settings, err := s.syncWindow(ctx)
	if err != nil {
		return 0, nil, err
	}
	if settings.SentFolderName == "" {
		return 0, s.writer.upsert(nil), nil
	}

	var fetched []*fetchedMessage
	err = s.conn.WithMailboxLock(ctx, settings.SentFolderName, func(mb *Mailbox) error {
		criteria := imap.NewSearchCriteria()
		criteria.WithoutFlags = []string{imap.DeletedFlag}
		uids, err := mb.Search(criteria)
		if err != nil {
			return err
		}
		fetched, err = s.observeLocked(mb, uids, models.MailboxSent)
		return err
	})
	if err != nil {
		return 0, nil, fmt.Errorf("failed to sync sent folder %s: %w", settings.SentFolderName, err)
	}

	kept := fetched[:0]
	for _, f := range fetched {
		if settings.InWindow(f.msg.ReceivedAt, false) {
			kept = append(kept, f)
		}
	}
	if err := s.resolveThreads(ctx, kept, settings.StartDate); err != nil {
		return 0, nil, err
	}

	msgs := messagesOf(kept)
	s.log.WithField("count", len(msgs)).Debug("Synced sent folder")
	return len(msgs), s.writer.upsert(msgs), nil
}
