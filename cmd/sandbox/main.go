// Command sandbox runs the sync daemon against a throwaway in-memory IMAP
// server and a Postgres container, seeded with a small mailbox. It prints
// the environment triagectl needs to talk to the same cache.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/vdavid/bucketmail/internal/category"
	"github.com/vdavid/bucketmail/internal/crypto"
	"github.com/vdavid/bucketmail/internal/db"
	"github.com/vdavid/bucketmail/internal/imap"
	"github.com/vdavid/bucketmail/internal/models"
	"github.com/vdavid/bucketmail/internal/testutil"
)

func main() {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:          "sandbox",
		Short:        "Run the sync daemon against seeded throwaway servers",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), interval)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "Poll interval")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, interval time.Duration) error {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	log.Info("Starting Postgres container...")
	pool, stopDB, err := testutil.StartPostgres(ctx)
	if err != nil {
		return err
	}
	defer stopDB()

	log.Info("Starting in-memory IMAP server...")
	imapServer, err := testutil.StartIMAPServer()
	if err != nil {
		return err
	}
	defer imapServer.Close()

	if err := seedMailbox(imapServer, time.Now()); err != nil {
		return fmt.Errorf("failed to seed mailbox: %w", err)
	}

	sealer, err := crypto.NewSealer(testutil.TestEncryptionKey())
	if err != nil {
		return err
	}
	settings := db.NewSettingsStore(pool, sealer)
	if err := settings.Save(ctx, imapServer.Config(), &models.SyncSettings{
		StartDate:      time.Now().AddDate(0, 0, -30),
		ImportStarred:  true,
		SentFolderName: "Sent",
	}); err != nil {
		return err
	}

	conn := imap.NewManager(settings, imap.WithLogger(log))
	service := imap.NewService(conn, settings, db.NewCache(pool), imap.WithServiceLogger(log))
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = service.Close(closeCtx)
	}()

	if _, err := service.DiscoverAndCreateBuckets(ctx); err != nil {
		log.WithError(err).Warn("Bucket discovery failed")
	}

	cc := pool.Config().ConnConfig
	fmt.Printf("\nexport BUCKETMAIL_ENV=test\n")
	fmt.Printf("export BUCKETMAIL_ENCRYPTION_KEY_BASE64=%s\n", testutil.TestEncryptionKey())
	fmt.Printf("export BUCKETMAIL_DB_HOST=%s BUCKETMAIL_DB_PORT=%d\n", cc.Host, cc.Port)
	fmt.Printf("export BUCKETMAIL_DB_USER=%s BUCKETMAIL_DB_PASSWORD=%s BUCKETMAIL_DB_NAME=%s\n\n", cc.User, cc.Password, cc.Database)
	log.WithField("imap", imapServer.Address).Info("Sandbox ready. Press Ctrl+C to stop.")

	imap.NewPoller(service, interval, log).Run(ctx)
	return nil
}

// seedMailbox creates a small mailbox: an unfiled message, a filed thread
// with a sent reply, and an archived thread that was filed before archiving.
func seedMailbox(s *testutil.TestIMAPServer, now time.Time) error {
	for _, folder := range []string{imap.DefaultArchiveFolder, "Sent"} {
		if err := s.Mkdir(folder); err != nil {
			return err
		}
	}

	work, err := category.Encode("work")
	if err != nil {
		return err
	}
	travel, err := category.Encode("travel")
	if err != nil {
		return err
	}

	seeds := []struct {
		folder string
		msg    testutil.TestMessage
	}{
		{"INBOX", testutil.TestMessage{
			MessageID: "<welcome@sandbox>",
			Subject:   "Welcome to bucketmail",
			From:      "hello@example.com",
			Date:      now.Add(-2 * time.Hour),
			Body:      "File me into a bucket with triagectl assign.",
		}},
		{"INBOX", testutil.TestMessage{
			MessageID: "<q3@sandbox>",
			Subject:   "Q3 report",
			From:      "boss@example.com",
			Date:      now.Add(-48 * time.Hour),
			Flags:     []string{work, category.TriagedFlag},
		}},
		{"Sent", testutil.TestMessage{
			MessageID: "<q3-reply@sandbox>",
			Subject:   "Re: Q3 report",
			From:      "username@example.com",
			To:        "boss@example.com",
			Date:      now.Add(-47 * time.Hour),
			InReplyTo: "<q3@sandbox>",
		}},
		{imap.DefaultArchiveFolder, testutil.TestMessage{
			MessageID: "<flight@sandbox>",
			Subject:   "Your flight",
			From:      "airline@example.com",
			Date:      now.Add(-72 * time.Hour),
			Flags:     []string{travel, category.TriagedFlag, category.ArchivedFlag},
		}},
	}

	for _, seed := range seeds {
		if _, err := s.Append(seed.folder, seed.msg); err != nil {
			return err
		}
	}
	return nil
}
