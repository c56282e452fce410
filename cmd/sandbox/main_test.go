package main

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/bucketmail/internal/imap"
	"github.com/vdavid/bucketmail/internal/models"
	"github.com/vdavid/bucketmail/internal/testutil"
)

func TestSeedMailbox(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 5, 10, 12, 0, 0, 0, time.UTC)

	server := testutil.NewTestIMAPServer(t)
	require.NoError(t, seedMailbox(server, now))

	settings := &testutil.StaticSettings{
		Sync: &models.SyncSettings{StartDate: now.AddDate(0, 0, -30), SentFolderName: "Sent"},
		IMAP: server.Config(),
	}
	log, _ := test.NewNullLogger()
	cache := testutil.NewMemoryCache()
	service := imap.NewService(imap.NewManager(settings, imap.WithLogger(log)), settings, cache, imap.WithServiceLogger(log))
	t.Cleanup(func() { _ = service.Close(ctx) })

	triage, err := service.FetchTriageEmails(ctx)
	require.NoError(t, err)
	require.Len(t, triage, 1)
	assert.Equal(t, "<welcome@sandbox>", triage[0].MessageID)

	result, err := service.DiscoverAndCreateBuckets(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"work", "travel"}, result.Discovered)

	archived, err := service.FetchArchivedEmails(ctx)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, "travel", archived[0].OriginalBucket)
}
