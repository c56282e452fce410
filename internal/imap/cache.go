package imap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vdavid/bucketmail/internal/models"
)

// Cache is the local projection of remote state. It is written through by
// every component that observes the server and is never the source of truth
// for bucket or archive membership.
type Cache interface {
	UpsertMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, messageID string) (*models.Message, error)
	ListThreadMessages(ctx context.Context, threadID string) ([]*models.Message, error)
	ListSentForThreads(ctx context.Context, threadIDs []string) ([]*models.Message, error)
	// ListUnfiled returns the Message-IDs the cache shows in the unfiled view.
	ListUnfiled(ctx context.Context) ([]string, error)
	RemoveMessages(ctx context.Context, messageIDs []string) error
	FindBucket(ctx context.Context, id string) (*models.Bucket, error)
	CreateBucket(ctx context.Context, bucket *models.Bucket) error
	SetOriginalBucket(ctx context.Context, messageID, bucketID string) error
	ThreadForMessageIDs(ctx context.Context, messageIDs []string) (string, error)
	ThreadForSubject(ctx context.Context, normalizedSubject string, since time.Time) (string, error)
}

// IsCacheMiss reports whether err means the cache has no such row. Cache
// implementations signal a miss by returning an error wrapping ErrCacheMiss.
func IsCacheMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}

// ErrCacheMiss is wrapped by cache lookups that find nothing.
var ErrCacheMiss = errors.New("not in cache")

// CacheWrite is the completion signal of one write-through batch.
type CacheWrite struct {
	done chan struct{}
	err  error
}

// Done is closed once the batch has been applied.
func (w *CacheWrite) Done() <-chan struct{} {
	return w.done
}

// Wait blocks until the batch is applied or ctx ends, and returns the batch error.
func (w *CacheWrite) Wait(ctx context.Context) error {
	select {
	case <-w.done:
		return w.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type cacheJob struct {
	name  string
	apply func(ctx context.Context) error
	write *CacheWrite
}

// cacheWriter applies cache writes in submission order on one goroutine, so
// an older observation never overwrites a newer one. Fetches return before
// their writes land; callers needing read-after-write wait on the CacheWrite.
type cacheWriter struct {
	cache   Cache
	log     logrus.FieldLogger
	timeout time.Duration

	mu     sync.Mutex
	closed bool
	jobs   chan cacheJob
	wg     sync.WaitGroup
}

func newCacheWriter(cache Cache, log logrus.FieldLogger, timeout time.Duration) *cacheWriter {
	w := &cacheWriter{
		cache:   cache,
		log:     log.WithField("component", "cache-writer"),
		timeout: timeout,
		jobs:    make(chan cacheJob, 256),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

func (w *cacheWriter) run() {
	defer w.wg.Done()
	for job := range w.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		err := job.apply(ctx)
		cancel()
		if err != nil {
			w.log.WithError(err).WithField("job", job.name).Warn("Cache write failed")
		}
		job.write.err = err
		close(job.write.done)
	}
}

func (w *cacheWriter) submit(name string, apply func(ctx context.Context) error) *CacheWrite {
	write := &CacheWrite{done: make(chan struct{})}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		write.err = fmt.Errorf("cache writer is closed")
		close(write.done)
		return write
	}
	w.jobs <- cacheJob{name: name, apply: apply, write: write}
	return write
}

// upsert queues the messages for write-through. Per-message failures are
// collected; the batch continues past them.
func (w *cacheWriter) upsert(msgs []*models.Message) *CacheWrite {
	return w.submit(fmt.Sprintf("upsert %d messages", len(msgs)), func(ctx context.Context) error {
		var errs []error
		for _, msg := range msgs {
			if err := w.cache.UpsertMessage(ctx, msg); err != nil {
				errs = append(errs, fmt.Errorf("upsert %s: %w", msg.MessageID, err))
			}
		}
		return errors.Join(errs...)
	})
}

// flush returns once every write submitted before it has been applied.
func (w *cacheWriter) flush(ctx context.Context) error {
	return w.submit("flush", func(context.Context) error { return nil }).Wait(ctx)
}

func (w *cacheWriter) close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.jobs)
	w.mu.Unlock()
	w.wg.Wait()
}
