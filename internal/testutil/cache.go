package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vdavid/bucketmail/internal/imap"
	"github.com/vdavid/bucketmail/internal/models"
)

// MemoryCache is an in-memory imap.Cache with the same merge rules as the
// Postgres store.
type MemoryCache struct {
	mu       sync.Mutex
	messages map[string]*models.Message
	buckets  map[string]*models.Bucket
}

// NewMemoryCache creates an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		messages: make(map[string]*models.Message),
		buckets:  make(map[string]*models.Bucket),
	}
}

var _ imap.Cache = (*MemoryCache)(nil)

func (c *MemoryCache) UpsertMessage(_ context.Context, msg *models.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := *msg
	if prev, ok := c.messages[msg.MessageID]; ok {
		if prev.ThreadID != "" {
			next.ThreadID = prev.ThreadID
		}
		if next.BodyText == "" && next.UnsafeBodyHTML == "" {
			next.BodyText, next.UnsafeBodyHTML, next.Attachments = prev.BodyText, prev.UnsafeBodyHTML, prev.Attachments
		}
		if next.OriginalBucket == "" {
			next.OriginalBucket = prev.OriginalBucket
		}
		next.Note, next.DueDate = prev.Note, prev.DueDate
	}
	c.messages[msg.MessageID] = &next
	return nil
}

func (c *MemoryCache) GetMessage(_ context.Context, messageID string) (*models.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.messages[messageID]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", messageID, imap.ErrCacheMiss)
	}
	cp := *m
	return &cp, nil
}

func (c *MemoryCache) ListThreadMessages(_ context.Context, threadID string) ([]*models.Message, error) {
	return c.filter(func(m *models.Message) bool { return m.ThreadID == threadID }), nil
}

func (c *MemoryCache) ListSentForThreads(_ context.Context, threadIDs []string) ([]*models.Message, error) {
	want := make(map[string]struct{}, len(threadIDs))
	for _, id := range threadIDs {
		want[id] = struct{}{}
	}
	return c.filter(func(m *models.Message) bool {
		_, ok := want[m.ThreadID]
		return ok && m.Mailbox == models.MailboxSent
	}), nil
}

func (c *MemoryCache) ListUnfiled(_ context.Context) ([]string, error) {
	msgs := c.filter(func(m *models.Message) bool {
		return m.Mailbox == models.MailboxInbox && m.Category.Kind == models.CategoryUnfiled
	})
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.MessageID
	}
	return ids, nil
}

func (c *MemoryCache) RemoveMessages(_ context.Context, messageIDs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range messageIDs {
		delete(c.messages, id)
	}
	return nil
}

func (c *MemoryCache) FindBucket(_ context.Context, id string) (*models.Bucket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.buckets[id]
	if !ok {
		return nil, fmt.Errorf("bucket %s: %w", id, imap.ErrCacheMiss)
	}
	cp := *b
	return &cp, nil
}

func (c *MemoryCache) CreateBucket(_ context.Context, bucket *models.Bucket) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.buckets[bucket.ID]; ok {
		return fmt.Errorf("bucket %s already exists", bucket.ID)
	}
	cp := *bucket
	c.buckets[bucket.ID] = &cp
	return nil
}

func (c *MemoryCache) SetOriginalBucket(_ context.Context, messageID, bucketID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.messages[messageID]
	if !ok {
		return fmt.Errorf("message %s: %w", messageID, imap.ErrCacheMiss)
	}
	m.OriginalBucket = bucketID
	return nil
}

func (c *MemoryCache) ThreadForMessageIDs(_ context.Context, messageIDs []string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range messageIDs {
		if m, ok := c.messages[id]; ok && m.ThreadID != "" {
			return m.ThreadID, nil
		}
	}
	return "", nil
}

func (c *MemoryCache) ThreadForSubject(_ context.Context, normalizedSubject string, since time.Time) (string, error) {
	if normalizedSubject == "" {
		return "", nil
	}
	msgs := c.filter(func(m *models.Message) bool {
		return m.NormalizedSubject == normalizedSubject && m.ThreadID != "" &&
			m.ReceivedAt != nil && !m.ReceivedAt.Before(since)
	})
	if len(msgs) == 0 {
		return "", nil
	}
	return msgs[0].ThreadID, nil
}

// Message returns a copy of the cached message, or nil.
func (c *MemoryCache) Message(messageID string) *models.Message {
	m, err := c.GetMessage(context.Background(), messageID)
	if err != nil {
		return nil
	}
	return m
}

// Len returns the number of cached messages.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

// filter returns copies of matching messages, newest first.
func (c *MemoryCache) filter(keep func(*models.Message) bool) []*models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*models.Message
	for _, m := range c.messages {
		if keep(m) {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		di, dj := out[i].ReceivedAt, out[j].ReceivedAt
		if di == nil || dj == nil {
			if di == nil && dj == nil {
				return out[i].MessageID < out[j].MessageID
			}
			return dj == nil
		}
		return di.After(*dj)
	})
	return out
}

// StaticSettings is a fixed settings provider for tests.
type StaticSettings struct {
	Sync *models.SyncSettings
	IMAP *models.IMAPConfig
}

func (s *StaticSettings) GetSyncSettings(context.Context) (*models.SyncSettings, error) {
	cp := *s.Sync
	return &cp, nil
}

func (s *StaticSettings) GetIMAPConfig(context.Context) (*models.IMAPConfig, error) {
	cp := *s.IMAP
	return &cp, nil
}
