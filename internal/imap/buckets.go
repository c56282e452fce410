package imap

import (
	"context"
	"fmt"
	"time"

	"github.com/emersion/go-imap"
	"github.com/vdavid/bucketmail/internal/category"
	"github.com/vdavid/bucketmail/internal/models"
)

// DiscoveryResult lists the bucket ids found on the server and the ones that
// had to be created in the cache.
type DiscoveryResult struct {
	Discovered []string `json:"discovered"`
	Created    []string `json:"created"`
}

// DiscoverAndCreateBuckets scans the keyword flags in INBOX and the archive
// folder and creates a cache bucket for every bucket keyword the cache does
// not know yet. This recovers buckets made by another installation, since
// keywords are the only place buckets persist on the server.
func (s *Service) DiscoverAndCreateBuckets(ctx context.Context) (*DiscoveryResult, error) {
	var flags []string
	for _, folder := range []string{"INBOX", s.archiveFolder} {
		found, err := s.folderKeywords(ctx, folder)
		if IsNotFound(err) && folder != "INBOX" {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s for buckets: %w", folder, err)
		}
		flags = append(flags, found...)
	}

	result := &DiscoveryResult{Discovered: category.Discover(flags), Created: []string{}}
	for _, id := range result.Discovered {
		if _, err := s.cache.FindBucket(ctx, id); err == nil {
			continue
		} else if !IsCacheMiss(err) {
			return nil, fmt.Errorf("failed to look up bucket %s: %w", id, err)
		}
		bucket := &models.Bucket{ID: id, Label: id, Color: DefaultBucketColor, CreatedAt: time.Now()}
		if err := s.cache.CreateBucket(ctx, bucket); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", id, err)
		}
		s.log.WithField("bucket", id).Info("Created bucket found on server")
		result.Created = append(result.Created, id)
	}
	return result, nil
}

// folderKeywords returns the flags advertised by SELECT together with the
// flags of every message in folder. Servers differ in whether SELECT lists
// keywords, so both are read.
func (s *Service) folderKeywords(ctx context.Context, folder string) ([]string, error) {
	var flags []string
	err := s.conn.WithMailboxLock(ctx, folder, func(mb *Mailbox) error {
		flags = append(flags, mb.KnownFlags()...)

		criteria := imap.NewSearchCriteria()
		criteria.WithoutFlags = []string{imap.DeletedFlag}
		uids, err := mb.Search(criteria)
		if err != nil || len(uids) == 0 {
			return err
		}
		raw, err := mb.Fetch(uids, []imap.FetchItem{imap.FetchFlags, imap.FetchUid})
		if err != nil {
			return err
		}
		for _, r := range raw {
			flags = append(flags, r.Flags...)
		}
		return nil
	})
	return flags, err
}
