package imap_test

import (
	"context"
	"testing"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/bucketmail/internal/category"
	"github.com/vdavid/bucketmail/internal/imap"
	"github.com/vdavid/bucketmail/internal/models"
	"github.com/vdavid/bucketmail/internal/testutil"
)

var syncStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type harness struct {
	server  *testutil.TestIMAPServer
	cache   *testutil.MemoryCache
	service *imap.Service
	sync    *models.SyncSettings
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, func(c *testutil.MemoryCache) imap.Cache { return c })
}

// newHarnessWith lets a test put a wrapper between the service and the cache.
func newHarnessWith(t *testing.T, wrap func(*testutil.MemoryCache) imap.Cache) *harness {
	t.Helper()

	server := testutil.NewTestIMAPServer(t)
	cache := testutil.NewMemoryCache()
	sync := &models.SyncSettings{StartDate: syncStart, SentFolderName: "Sent"}
	settings := &testutil.StaticSettings{Sync: sync, IMAP: server.Config()}
	log, _ := test.NewNullLogger()

	conn := imap.NewManager(settings, imap.WithLogger(log))
	service := imap.NewService(conn, settings, wrap(cache), imap.WithServiceLogger(log))
	t.Cleanup(func() { _ = service.Close(context.Background()) })

	return &harness{server: server, cache: cache, service: service, sync: sync}
}

func (h *harness) flush(t *testing.T) {
	t.Helper()
	require.NoError(t, h.service.FlushCache(context.Background()))
}

func ids(msgs []*models.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.MessageID)
	}
	return out
}

func bucketKeywords(flags []string) []string {
	return category.BucketKeywords(flags)
}

func at(day int) time.Time {
	return time.Date(2024, 3, day, 10, 0, 0, 0, time.UTC)
}

func TestFetchUnfiled_Policy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<new@x>", Subject: "New", Date: at(1)})
	h.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<old@x>", Subject: "Old", Date: time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)})
	h.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<old-starred@x>", Subject: "Old starred", Date: time.Date(2023, 6, 2, 0, 0, 0, 0, time.UTC), Flags: []string{goimap.FlaggedFlag}})
	h.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<undated@x>", Subject: "Undated"})
	h.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<filed@x>", Subject: "Filed", Date: at(2), Flags: []string{"#finance", category.TriagedFlag}})
	h.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<stranded@x>", Subject: "Stranded", Date: at(3), Flags: []string{category.ArchivedFlag}})
	h.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<deleted@x>", Subject: "Deleted", Date: at(4), Flags: []string{goimap.DeletedFlag}})

	t.Run("cutoff only", func(t *testing.T) {
		msgs, write, err := h.service.FetchUnfiled(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"<new@x>"}, ids(msgs))
		require.NoError(t, write.Wait(ctx))

		cached := h.cache.Message("<new@x>")
		require.NotNil(t, cached)
		assert.Equal(t, models.MailboxInbox, cached.Mailbox)
		assert.NotEmpty(t, cached.ThreadID)
		assert.Contains(t, cached.BodyText, "Test message body")
	})

	t.Run("starred rescues old mail but not undated unstarred", func(t *testing.T) {
		h.sync.ImportStarred = true
		defer func() { h.sync.ImportStarred = false }()

		got, err := h.service.FetchUnfiledIDs(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"<new@x>", "<old-starred@x>"}, got)
	})
}

func TestAssignTags(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<m1@x>", Subject: "Quarterly Report", Date: at(1)})
	_, _, err := h.service.FetchUnfiled(ctx)
	require.NoError(t, err)
	h.flush(t)

	t.Run("bucket exclusivity", func(t *testing.T) {
		for _, bucket := range []string{"finance", "travel", "finance", "work"} {
			require.NoError(t, h.service.AssignTags(ctx, "<m1@x>", []string{bucket}))
			flags := h.server.Flags(t, "INBOX", "<m1@x>")
			assert.Equal(t, []string{"#" + bucket}, bucketKeywords(flags))
			assert.Contains(t, flags, category.TriagedFlag)
		}
	})

	t.Run("foreign extra keywords are stripped", func(t *testing.T) {
		h.server.SetFlags(t, "INBOX", "<m1@x>", goimap.AddFlags, "#stray")
		require.NoError(t, h.service.AssignTags(ctx, "<m1@x>", []string{"travel"}))
		assert.Equal(t, []string{"#travel"}, bucketKeywords(h.server.Flags(t, "INBOX", "<m1@x>")))
	})

	t.Run("empty list unfiles", func(t *testing.T) {
		require.NoError(t, h.service.AssignTags(ctx, "<m1@x>", nil))
		flags := h.server.Flags(t, "INBOX", "<m1@x>")
		assert.Empty(t, bucketKeywords(flags))
		assert.NotContains(t, flags, category.TriagedFlag)
	})

	t.Run("more than one bucket is rejected", func(t *testing.T) {
		err := h.service.AssignTags(ctx, "<m1@x>", []string{"a", "b"})
		assert.ErrorIs(t, err, imap.ErrTooManyBuckets)
	})

	t.Run("invalid bucket is rejected", func(t *testing.T) {
		assert.ErrorIs(t, h.service.AssignTags(ctx, "<m1@x>", []string{"Not Sanitized"}), imap.ErrInvalidBucket)
		assert.ErrorIs(t, h.service.AssignTags(ctx, "<m1@x>", []string{"triaged"}), imap.ErrInvalidBucket)
		assert.ErrorIs(t, h.service.AssignTags(ctx, "<m1@x>", []string{"inbox"}), imap.ErrInvalidBucket)
	})

	t.Run("unknown message is not found", func(t *testing.T) {
		err := h.service.AssignTags(ctx, "<missing@x>", []string{"finance"})
		assert.True(t, imap.IsNotFound(err), "got %v", err)
	})
}

func TestAssignTags_ActsOnWholeThread(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<t1@x>", Subject: "Trip", Date: at(1)})
	h.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<t2@x>", Subject: "Re: Trip", Date: at(2), InReplyTo: "<t1@x>", References: []string{"<t1@x>"}})
	h.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<other@x>", Subject: "Unrelated", Date: at(3)})
	_, _, err := h.service.FetchUnfiled(ctx)
	require.NoError(t, err)
	h.flush(t)
	require.Equal(t, h.cache.Message("<t1@x>").ThreadID, h.cache.Message("<t2@x>").ThreadID)

	require.NoError(t, h.service.AssignTags(ctx, "<t2@x>", []string{"travel"}))

	assert.Equal(t, []string{"#travel"}, bucketKeywords(h.server.Flags(t, "INBOX", "<t1@x>")))
	assert.Equal(t, []string{"#travel"}, bucketKeywords(h.server.Flags(t, "INBOX", "<t2@x>")))
	assert.Empty(t, bucketKeywords(h.server.Flags(t, "INBOX", "<other@x>")))
}

func TestSetBucket_OnlyTarget(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<s1@x>", Subject: "Plans", Date: at(1)})
	h.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<s2@x>", Subject: "Re: Plans", Date: at(2), InReplyTo: "<s1@x>"})
	_, _, err := h.service.FetchUnfiled(ctx)
	require.NoError(t, err)
	h.flush(t)

	require.NoError(t, h.service.SetBucket(ctx, "s2@x", "family"))
	h.flush(t)

	assert.Equal(t, []string{"#family"}, bucketKeywords(h.server.Flags(t, "INBOX", "<s2@x>")))
	assert.Empty(t, bucketKeywords(h.server.Flags(t, "INBOX", "<s1@x>")))
	assert.Equal(t, "family", h.cache.Message("<s2@x>").Category.BucketID)
}

func TestScenarioA_TriageIntoBucket(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<m1@x>", Subject: "Quarterly Report", Date: at(1)})

	unfiled, err := h.service.FetchTriageEmails(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids(unfiled), "<m1@x>")

	require.NoError(t, h.service.AssignTags(ctx, "<m1@x>", []string{"finance"}))

	bucket, err := h.service.FetchBucketEmails(ctx, "finance")
	require.NoError(t, err)
	assert.Equal(t, []string{"<m1@x>"}, ids(bucket))
	assert.Equal(t, models.Category{Kind: models.CategoryBucket, BucketID: "finance"}, bucket[0].Category)

	unfiled, err = h.service.FetchTriageEmails(ctx)
	require.NoError(t, err)
	assert.NotContains(t, ids(unfiled), "<m1@x>")

	h.flush(t)
	assert.Equal(t, "finance", h.cache.Message("<m1@x>").Mailbox)
}

func TestScenarioB_ArchiveAndRestore(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<m1@x>", Subject: "Quarterly Report", Date: at(1)})
	_, _, err := h.service.FetchUnfiled(ctx)
	require.NoError(t, err)
	require.NoError(t, h.service.AssignTags(ctx, "<m1@x>", []string{"finance"}))

	result, err := h.service.ArchiveEmail(ctx, "<m1@x>")
	require.NoError(t, err)
	assert.Equal(t, "finance", result.PriorBucket["<m1@x>"])
	assert.False(t, h.server.Contains(t, "INBOX", "<m1@x>"))
	assert.Contains(t, h.server.Flags(t, "Archive", "<m1@x>"), category.ArchivedFlag)

	archived, err := h.service.FetchArchivedEmails(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"<m1@x>"}, ids(archived))
	assert.Equal(t, "finance", archived[0].OriginalBucket)
	h.flush(t)
	assert.Equal(t, "finance", h.cache.Message("<m1@x>").OriginalBucket)

	restored, err := h.service.UnarchiveEmail(ctx, "<m1@x>", models.MailboxInbox)
	require.NoError(t, err)
	assert.Equal(t, models.MailboxInbox, restored.Mailbox)
	assert.NotZero(t, restored.UID)

	flags := h.server.Flags(t, "INBOX", "<m1@x>")
	assert.Empty(t, bucketKeywords(flags))
	assert.NotContains(t, flags, category.ArchivedFlag)
	assert.NotContains(t, flags, category.TriagedFlag)
	assert.False(t, h.server.Contains(t, "Archive", "<m1@x>"))

	unfiled, err := h.service.FetchTriageEmails(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids(unfiled), "<m1@x>")
}

func TestUnarchive_ToBucket(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<m1@x>", Subject: "Invoice", Date: at(1)})
	_, err := h.service.ArchiveEmail(ctx, "<m1@x>")
	require.NoError(t, err)

	restored, err := h.service.UnarchiveEmail(ctx, "<m1@x>", "finance")
	require.NoError(t, err)
	assert.Equal(t, "finance", restored.Mailbox)

	flags := h.server.Flags(t, "INBOX", "<m1@x>")
	assert.Equal(t, []string{"#finance"}, bucketKeywords(flags))
	assert.Contains(t, flags, category.TriagedFlag)
	assert.NotContains(t, flags, category.ArchivedFlag)

	_, err = h.service.UnarchiveEmail(ctx, "<m1@x>", "finance")
	assert.True(t, imap.IsNotFound(err), "a message no longer in the archive is not found, got %v", err)
}

func TestArchive_Idempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<m1@x>", Subject: "Once", Date: at(1)})

	first, err := h.service.ArchiveEmail(ctx, "<m1@x>")
	require.NoError(t, err)
	assert.False(t, first.AlreadyArchived)

	second, err := h.service.ArchiveEmail(ctx, "<m1@x>")
	require.NoError(t, err)
	assert.True(t, second.AlreadyArchived)

	archived, err := h.service.FetchArchivedEmails(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"<m1@x>"}, ids(archived), "exactly one copy in the archive")
	assert.False(t, h.server.Contains(t, "INBOX", "<m1@x>"))
}

func TestArchive_ResumesInterruptedMove(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.server.CreateFolder(t, "Archive")
	// Marked by an earlier attempt that failed before the move.
	h.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<m1@x>", Subject: "Half done", Date: at(1), Flags: []string{category.ArchivedFlag, "#finance"}})

	unfiled, err := h.service.FetchTriageEmails(ctx)
	require.NoError(t, err)
	assert.NotContains(t, ids(unfiled), "<m1@x>", "archived marker takes precedence")

	result, err := h.service.ArchiveEmail(ctx, "<m1@x>")
	require.NoError(t, err)
	assert.Equal(t, "finance", result.PriorBucket["<m1@x>"])
	assert.True(t, h.server.Contains(t, "Archive", "<m1@x>"))
	assert.False(t, h.server.Contains(t, "INBOX", "<m1@x>"))
}

func TestScenarioC_ReplyResurrectsArchivedThread(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<m1@x>", Subject: "Quarterly Report", Date: at(1)})
	_, _, err := h.service.FetchUnfiled(ctx)
	require.NoError(t, err)
	require.NoError(t, h.service.AssignTags(ctx, "<m1@x>", []string{"finance"}))
	_, err = h.service.ArchiveEmail(ctx, "<m1@x>")
	require.NoError(t, err)
	h.flush(t)

	h.server.AddMessage(t, "INBOX", testutil.TestMessage{
		MessageID:  "<m2@x>",
		Subject:    "Re: Quarterly Report",
		Date:       at(5),
		InReplyTo:  "<m1@x>",
		References: []string{"<m1@x>"},
	})

	report, err := h.service.ReconcileInbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"<m1@x>"}, report.Resurrected)

	bucket, err := h.service.FetchBucketEmails(ctx, "finance")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"<m1@x>", "<m2@x>"}, ids(bucket))

	archived, err := h.service.FetchArchivedEmails(ctx)
	require.NoError(t, err)
	assert.Empty(t, archived)

	h.flush(t)
	assert.Equal(t, h.cache.Message("<m1@x>").ThreadID, h.cache.Message("<m2@x>").ThreadID)
	assert.Equal(t, "finance", h.cache.Message("<m1@x>").OriginalBucket, "original bucket is kept for return-to-bucket")

	again, err := h.service.ReconcileInbox(ctx)
	require.NoError(t, err)
	assert.Empty(t, again.Resurrected)
	assert.Empty(t, again.Removed)
}

func TestReconcile_SubtractiveOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<keep@x>", Subject: "Keep", Date: at(1)})
	h.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<gone@x>", Subject: "Gone", Date: at(2)})
	h.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<filed@x>", Subject: "Filed", Date: at(3)})
	_, _, err := h.service.FetchUnfiled(ctx)
	require.NoError(t, err)
	h.flush(t)

	// Another client archives one message and files another.
	h.server.CreateFolder(t, "Elsewhere")
	h.server.Move(t, "INBOX", "Elsewhere", "<gone@x>")
	h.server.SetFlags(t, "INBOX", "<filed@x>", goimap.AddFlags, category.TriagedFlag)
	// A message arrives that nobody fetched yet.
	h.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<fresh@x>", Subject: "Fresh", Date: at(4)})
	before := h.cache.Len()

	report, err := h.service.ReconcileInbox(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"<gone@x>", "<filed@x>"}, report.Removed)

	h.flush(t)
	assert.Nil(t, h.cache.Message("<gone@x>"))
	assert.Nil(t, h.cache.Message("<filed@x>"))
	assert.NotNil(t, h.cache.Message("<keep@x>"))
	assert.Nil(t, h.cache.Message("<fresh@x>"), "reconcile never adds")
	assert.Equal(t, before-2, h.cache.Len())

	again, err := h.service.ReconcileInbox(ctx)
	require.NoError(t, err)
	assert.Empty(t, again.Removed)
}

// listHookCache runs hook once, just before the unfiled view is listed.
type listHookCache struct {
	*testutil.MemoryCache
	hook func()
}

func (c *listHookCache) ListUnfiled(ctx context.Context) ([]string, error) {
	if hook := c.hook; hook != nil {
		c.hook = nil
		hook()
	}
	return c.MemoryCache.ListUnfiled(ctx)
}

func TestReconcile_KeepsRowsWrittenDuringPass(t *testing.T) {
	wrapped := &listHookCache{}
	h := newHarnessWith(t, func(c *testutil.MemoryCache) imap.Cache {
		wrapped.MemoryCache = c
		return wrapped
	})
	ctx := context.Background()

	h.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<m1@x>", Subject: "First", Date: at(1)})
	_, _, err := h.service.FetchUnfiled(ctx)
	require.NoError(t, err)
	h.flush(t)

	// Another writer lands a message on the server and in the cache while
	// the pass is under way.
	wrapped.hook = func() {
		h.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<m3@x>", Subject: "Call", Date: at(3)})
		require.NoError(t, h.cache.UpsertMessage(ctx, &models.Message{
			MessageID:      "<m3@x>",
			ThreadID:       "t3",
			Mailbox:        models.MailboxInbox,
			Category:       models.Category{Kind: models.CategoryUnfiled},
			OriginalBucket: "finance",
			Note:           "call back",
		}))
	}

	report, err := h.service.ReconcileInbox(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Removed)

	h.flush(t)
	cached := h.cache.Message("<m3@x>")
	require.NotNil(t, cached)
	assert.Equal(t, "finance", cached.OriginalBucket)
	assert.Equal(t, "call back", cached.Note)
}

func TestReconcile_ResurrectsWhenNewestArchivedMemberIsGone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<m0@x>", Subject: "Budget", Date: at(1)})
	h.server.AddMessage(t, "INBOX", testutil.TestMessage{
		MessageID:  "<m1@x>",
		Subject:    "Re: Budget",
		Date:       at(2),
		InReplyTo:  "<m0@x>",
		References: []string{"<m0@x>"},
	})
	_, _, err := h.service.FetchUnfiled(ctx)
	require.NoError(t, err)
	h.flush(t)
	require.NoError(t, h.service.AssignTags(ctx, "<m1@x>", []string{"finance"}))
	_, err = h.service.ArchiveEmail(ctx, "<m1@x>")
	require.NoError(t, err)
	h.flush(t)
	require.True(t, h.server.Contains(t, "Archive", "<m0@x>"))

	// Another client throws the newest archived message away.
	h.server.CreateFolder(t, "Trash")
	h.server.Move(t, "Archive", "Trash", "<m1@x>")

	h.server.AddMessage(t, "INBOX", testutil.TestMessage{
		MessageID:  "<m2@x>",
		Subject:    "Re: Budget",
		Date:       at(5),
		InReplyTo:  "<m1@x>",
		References: []string{"<m0@x>", "<m1@x>"},
	})

	report, err := h.service.ReconcileInbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"<m0@x>"}, report.Resurrected)

	assert.False(t, h.server.Contains(t, "Archive", "<m0@x>"))
	bucket, err := h.service.FetchBucketEmails(ctx, "finance")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"<m0@x>", "<m2@x>"}, ids(bucket))

	h.flush(t)
	assert.Nil(t, h.cache.Message("<m1@x>"), "the row of the message gone from the archive is evicted")

	again, err := h.service.ReconcileInbox(ctx)
	require.NoError(t, err)
	assert.Empty(t, again.Resurrected)
}

func TestReconcile_KeepsMessagesOutsideWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<m1@x>", Subject: "Soon old", Date: at(1)})
	_, _, err := h.service.FetchUnfiled(ctx)
	require.NoError(t, err)
	h.flush(t)

	// Moving the cutoff past the message is a policy change, not an external archive.
	h.sync.StartDate = at(10)
	report, err := h.service.ReconcileInbox(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Removed)
}

func TestMarkAsRead(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	uid := h.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<m1@x>", Subject: "Unread", Date: at(1)})
	h.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<m2@x>", Subject: "Also unread", Date: at(2)})

	t.Run("with a valid hint", func(t *testing.T) {
		require.NoError(t, h.service.MarkAsRead(ctx, "<m1@x>", uid))
		assert.Contains(t, h.server.Flags(t, "INBOX", "<m1@x>"), goimap.SeenFlag)
	})

	t.Run("with a stale hint", func(t *testing.T) {
		require.NoError(t, h.service.MarkAsRead(ctx, "<m2@x>", uid))
		assert.Contains(t, h.server.Flags(t, "INBOX", "<m2@x>"), goimap.SeenFlag)
	})

	t.Run("without a hint", func(t *testing.T) {
		h.server.SetFlags(t, "INBOX", "<m1@x>", goimap.RemoveFlags, goimap.SeenFlag)
		require.NoError(t, h.service.MarkAsRead(ctx, "<m1@x>", 0))
		assert.Contains(t, h.server.Flags(t, "INBOX", "<m1@x>"), goimap.SeenFlag)
		h.flush(t)
		assert.True(t, h.cache.Message("<m1@x>").IsRead)
	})
}

func TestDiscoverAndCreateBuckets(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<a@x>", Subject: "A", Date: at(1), Flags: []string{"#finance", category.TriagedFlag}})
	h.server.CreateFolder(t, "Archive")
	h.server.AddMessage(t, "Archive", testutil.TestMessage{MessageID: "<b@x>", Subject: "B", Date: at(2), Flags: []string{"#travel", category.ArchivedFlag}})
	require.NoError(t, h.cache.CreateBucket(ctx, &models.Bucket{ID: "finance", Label: "Finance"}))

	result, err := h.service.DiscoverAndCreateBuckets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"finance", "travel"}, result.Discovered)
	assert.Equal(t, []string{"travel"}, result.Created)

	bucket, err := h.cache.FindBucket(ctx, "travel")
	require.NoError(t, err)
	assert.Equal(t, "travel", bucket.Label)

	again, err := h.service.DiscoverAndCreateBuckets(ctx)
	require.NoError(t, err)
	assert.Empty(t, again.Created)
}

func TestSyncSentFolder_ShowsInBucketThread(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.server.CreateFolder(t, "Sent")
	h.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<m1@x>", Subject: "Budget", Date: at(1)})
	h.server.AddMessage(t, "Sent", testutil.TestMessage{MessageID: "<s1@x>", Subject: "Re: Budget", Date: at(2), InReplyTo: "<m1@x>", References: []string{"<m1@x>"}})
	_, _, err := h.service.FetchUnfiled(ctx)
	require.NoError(t, err)
	h.flush(t)

	n, write, err := h.service.SyncSentFolder(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, write.Wait(ctx))
	assert.Equal(t, models.MailboxSent, h.cache.Message("<s1@x>").Mailbox)

	require.NoError(t, h.service.AssignTags(ctx, "<m1@x>", []string{"finance"}))
	bucket, err := h.service.FetchBucketEmails(ctx, "finance")
	require.NoError(t, err)
	assert.Equal(t, []string{"<m1@x>", "<s1@x>"}, ids(bucket))
	assert.True(t, h.server.Contains(t, "Sent", "<s1@x>"), "sent mail is never moved")
	assert.Empty(t, bucketKeywords(h.server.Flags(t, "Sent", "<s1@x>")))
}

func TestGetInboxMessageIDs(t *testing.T) {
	h := newHarness(t)
	h.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<a@x>", Subject: "A", Date: at(1), Flags: []string{"#finance", category.TriagedFlag}})
	h.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<b@x>", Subject: "B", Date: at(2)})

	got, err := h.service.GetInboxMessageIDs(context.Background())
	require.NoError(t, err)
	assert.Contains(t, got, "<a@x>")
	assert.Contains(t, got, "<b@x>")
}

func TestFetchArchivedEmails_NoArchiveFolder(t *testing.T) {
	h := newHarness(t)
	msgs, err := h.service.FetchArchivedEmails(context.Background())
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
