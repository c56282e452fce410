package imap

import (
	"context"

	"github.com/vdavid/bucketmail/internal/models"
)

// MailService is the set of operations the sync core exposes to its callers.
// The CLI and the poller depend on this interface so they can be tested with
// fakes.
type MailService interface {
	// FetchTriageEmails returns unfiled INBOX messages that pass the sync policy.
	FetchTriageEmails(ctx context.Context) ([]*models.Message, error)

	// FetchBucketEmails returns the messages filed into a bucket plus sent replies in their threads.
	FetchBucketEmails(ctx context.Context, bucketID string) ([]*models.Message, error)

	// FetchArchivedEmails returns the archive folder with original buckets filled in.
	FetchArchivedEmails(ctx context.Context) ([]*models.Message, error)

	// GetInboxMessageIDs returns the Message-IDs of everything in INBOX.
	GetInboxMessageIDs(ctx context.Context) ([]string, error)

	// AssignTags files a thread into at most one bucket. An empty list unfiles it.
	AssignTags(ctx context.Context, messageID string, bucketIDs []string) error

	// ArchiveEmail archives a thread.
	ArchiveEmail(ctx context.Context, messageID string) (*ArchiveResult, error)

	// UnarchiveEmail restores an archived thread to INBOX or to a bucket.
	UnarchiveEmail(ctx context.Context, messageID, targetLocation string) (*models.Message, error)

	// MarkAsRead sets \Seen. uid is an optional location hint, 0 if unknown.
	MarkAsRead(ctx context.Context, messageID string, uid uint32) error

	// DiscoverAndCreateBuckets creates cache buckets for keywords found on the server.
	DiscoverAndCreateBuckets(ctx context.Context) (*DiscoveryResult, error)

	// ReconcileInbox drops cache entries changed by other clients and resurrects archived threads.
	ReconcileInbox(ctx context.Context) (*ReconcileReport, error)

	// SyncSentFolder projects the sent folder into the cache.
	SyncSentFolder(ctx context.Context) (int, *CacheWrite, error)

	// FlushCache waits for pending cache writes.
	FlushCache(ctx context.Context) error

	// Disconnect logs out. The next call reconnects.
	Disconnect(ctx context.Context) error
}

var _ MailService = (*Service)(nil)
