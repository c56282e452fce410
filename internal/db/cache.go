package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/bucketmail/internal/imap"
	"github.com/vdavid/bucketmail/internal/models"
)

// Cache implements imap.Cache on top of the package functions, so the sync
// service can be tested with an in-memory implementation.
type Cache struct {
	pool *pgxpool.Pool
}

// NewCache creates a Cache that uses the given database pool.
func NewCache(pool *pgxpool.Pool) *Cache {
	return &Cache{pool: pool}
}

var _ imap.Cache = (*Cache)(nil)

func (c *Cache) UpsertMessage(ctx context.Context, msg *models.Message) error {
	return SaveMessage(ctx, c.pool, msg)
}

func (c *Cache) GetMessage(ctx context.Context, messageID string) (*models.Message, error) {
	return GetMessage(ctx, c.pool, messageID)
}

func (c *Cache) ListThreadMessages(ctx context.Context, threadID string) ([]*models.Message, error) {
	return GetMessagesForThread(ctx, c.pool, threadID)
}

func (c *Cache) ListSentForThreads(ctx context.Context, threadIDs []string) ([]*models.Message, error) {
	return GetSentForThreads(ctx, c.pool, threadIDs)
}

func (c *Cache) ListUnfiled(ctx context.Context) ([]string, error) {
	return GetUnfiledMessageIDs(ctx, c.pool)
}

func (c *Cache) RemoveMessages(ctx context.Context, messageIDs []string) error {
	return DeleteMessages(ctx, c.pool, messageIDs)
}

func (c *Cache) FindBucket(ctx context.Context, id string) (*models.Bucket, error) {
	return GetBucket(ctx, c.pool, id)
}

func (c *Cache) CreateBucket(ctx context.Context, bucket *models.Bucket) error {
	return SaveBucket(ctx, c.pool, bucket)
}

func (c *Cache) SetOriginalBucket(ctx context.Context, messageID, bucketID string) error {
	return SetOriginalBucket(ctx, c.pool, messageID, bucketID)
}

func (c *Cache) ThreadForMessageIDs(ctx context.Context, messageIDs []string) (string, error) {
	return FindThreadByMessageIDs(ctx, c.pool, messageIDs)
}

func (c *Cache) ThreadForSubject(ctx context.Context, normalizedSubject string, since time.Time) (string, error) {
	return FindThreadBySubject(ctx, c.pool, normalizedSubject, since)
}

// Annotate stores a note and due date. These live only in the cache.
func (c *Cache) Annotate(ctx context.Context, messageID, note string, dueDate *time.Time) error {
	return SetAnnotations(ctx, c.pool, messageID, note, dueDate)
}

func (c *Cache) ListBuckets(ctx context.Context) ([]*models.Bucket, error) {
	return ListBuckets(ctx, c.pool)
}
