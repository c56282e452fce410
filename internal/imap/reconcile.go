package imap

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/vdavid/bucketmail/internal/models"
)

// ReconcileReport lists what a reconciliation pass changed.
type ReconcileReport struct {
	// Removed are cached unfiled messages the server no longer reports as
	// unfiled: archived, filed or deleted by another client.
	Removed []string
	// Resurrected are archived messages pulled back to INBOX because a new
	// message arrived in their thread.
	Resurrected []string
}

// ReconcileInbox aligns the cache with the server after changes made by other
// clients. It only removes cache entries for messages the server stopped
// reporting; it never adds one the server did not return. It is safe to run
// repeatedly.
//
// A new unfiled message whose thread has archived messages in the cache
// resurrects that thread: the archived messages return to their original
// bucket (or INBOX) and the new message is filed with them.
func (s *Service) ReconcileInbox(ctx context.Context) (*ReconcileReport, error) {
	settings, err := s.syncWindow(ctx)
	if err != nil {
		return nil, err
	}
	// Pending writes may still describe messages as unfiled.
	if err := s.writer.flush(ctx); err != nil {
		return nil, fmt.Errorf("failed to flush cache before reconcile: %w", err)
	}

	// The cache snapshot comes first. A row written after it can't be judged
	// against a scan that may predate the write, so it is left alone.
	local, err := s.cache.ListUnfiled(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list cached unfiled messages: %w", err)
	}
	// No date policy here: a message outside the window is still unfiled on
	// the server and must not be mistaken for one archived elsewhere.
	remote, err := s.scanUnfiled(ctx, nil)
	if err != nil {
		return nil, err
	}

	report := &ReconcileReport{}
	remoteIDs := make(map[string]struct{}, len(remote))
	for _, f := range remote {
		remoteIDs[f.msg.MessageID] = struct{}{}
	}
	for _, id := range local {
		if _, ok := remoteIDs[id]; !ok {
			report.Removed = append(report.Removed, id)
		}
	}
	if len(report.Removed) > 0 {
		removed := report.Removed
		if err := s.writer.submit("remove stale unfiled", func(ctx context.Context) error {
			return s.cache.RemoveMessages(ctx, removed)
		}).Wait(ctx); err != nil {
			return nil, fmt.Errorf("failed to remove stale messages: %w", err)
		}
		s.log.WithField("count", len(removed)).Info("Removed messages filed or deleted elsewhere")
	}

	resurrected, err := s.resurrect(ctx, remote, settings)
	report.Resurrected = resurrected
	if err != nil {
		return report, err
	}
	return report, nil
}

// resurrect pulls archived threads back for new unfiled messages.
func (s *Service) resurrect(ctx context.Context, remote []*fetchedMessage, settings *models.SyncSettings) ([]string, error) {
	var candidates []*fetchedMessage
	for _, f := range remote {
		if settings.InWindow(f.msg.ReceivedAt, f.state.Starred) {
			candidates = append(candidates, f)
		}
	}
	if err := s.resolveThreads(ctx, candidates, settings.StartDate); err != nil {
		return nil, err
	}

	var resurrected []string
	done := make(map[string]struct{})
	for _, f := range candidates {
		threadID := f.msg.ThreadID
		if _, ok := done[threadID]; ok || threadID == "" {
			continue
		}
		done[threadID] = struct{}{}

		members, err := s.cache.ListThreadMessages(ctx, threadID)
		if err != nil {
			return resurrected, fmt.Errorf("failed to list thread %s: %w", threadID, err)
		}
		archived, bucket := archivedMembers(members)
		if len(archived) == 0 {
			continue
		}

		log := s.log.WithFields(logrus.Fields{"thread_id": threadID, "message_id": f.msg.MessageID, "bucket": bucket})
		log.Info("New message in archived thread, resurrecting")

		restored, err := s.restore(ctx, archived, bucket)
		if err != nil {
			if IsNotFound(err) {
				// The cache is behind: someone else already moved the thread.
				log.WithError(err).Warn("Archived thread is no longer in the archive folder")
				s.evict(ctx, archived)
				continue
			}
			return resurrected, err
		}
		back := make(map[string]struct{}, len(restored))
		for _, m := range restored {
			back[m.MessageID] = struct{}{}
		}
		for _, id := range archived {
			if _, ok := back[id]; ok {
				resurrected = append(resurrected, id)
			}
		}

		if bucket == models.MailboxInbox {
			// The thread returns unfiled; the new message already is.
			s.writer.upsert([]*models.Message{f.msg})
			continue
		}
		if err := s.setBucket(ctx, []string{f.msg.MessageID}, bucket); err != nil {
			return resurrected, err
		}
	}
	return resurrected, nil
}

// evict drops cache rows for archived messages the archive folder no longer
// holds, so later passes stop trying to restore them.
func (s *Service) evict(ctx context.Context, messageIDs []string) {
	if len(messageIDs) == 0 {
		return
	}
	if err := s.writer.submit("evict missing archived", func(ctx context.Context) error {
		return s.cache.RemoveMessages(ctx, messageIDs)
	}).Wait(ctx); err != nil {
		s.log.WithError(err).Warn("Failed to evict missing archived messages")
		return
	}
	s.log.WithField("count", len(messageIDs)).Info("Evicted archived messages missing from the archive folder")
}

// archivedMembers returns the archived Message-IDs of a thread, newest
// first, and the bucket to restore them to. The bucket is the most common
// original bucket among them, or "inbox" when none was recorded.
func archivedMembers(members []*models.Message) ([]string, string) {
	var archived []*models.Message
	for _, m := range members {
		if m.Mailbox == models.MailboxArchive {
			archived = append(archived, m)
		}
	}
	sort.SliceStable(archived, func(i, j int) bool {
		di, dj := archived[i].ReceivedAt, archived[j].ReceivedAt
		if di == nil || dj == nil {
			return dj == nil && di != nil
		}
		return di.After(*dj)
	})

	counts := make(map[string]int)
	bucket, best := models.MailboxInbox, 0
	ids := make([]string, len(archived))
	for i, m := range archived {
		ids[i] = m.MessageID
		if m.OriginalBucket == "" {
			continue
		}
		counts[m.OriginalBucket]++
		if counts[m.OriginalBucket] > best {
			bucket, best = m.OriginalBucket, counts[m.OriginalBucket]
		}
	}
	return ids, bucket
}
