package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vdavid/bucketmail/internal/config"
	"github.com/vdavid/bucketmail/internal/crypto"
	"github.com/vdavid/bucketmail/internal/db"
	"github.com/vdavid/bucketmail/internal/imap"
)

// shutdownTimeout bounds how long pending cache writes may take on exit.
const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("Sync daemon failed")
	}
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	sealer, err := crypto.NewSealer(cfg.EncryptionKeyBase64)
	if err != nil {
		return err
	}

	pool, err := db.NewConnection(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.CloseConnection(pool)
	log.Info("Connected to database")

	settings := db.NewSettingsStore(pool, sealer)
	conn := imap.NewManager(settings,
		imap.WithTimeouts(cfg.OpTimeout, cfg.SelectTimeout, 0),
		imap.WithLogger(log),
	)
	service := imap.NewService(conn, settings, db.NewCache(pool),
		imap.WithArchiveFolder(cfg.ArchiveFolder),
		imap.WithServiceLogger(log),
	)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := service.Close(closeCtx); err != nil {
			log.WithError(err).Warn("Failed to shut down cleanly")
		}
	}()

	if result, err := service.DiscoverAndCreateBuckets(ctx); err != nil {
		log.WithError(err).Warn("Bucket discovery failed")
	} else if len(result.Created) > 0 {
		log.WithField("created", result.Created).Info("Created buckets found on the server")
	}

	log.WithFields(logrus.Fields{
		"environment": cfg.Environment,
		"interval":    cfg.PollInterval,
		"archive":     cfg.ArchiveFolder,
	}).Info("Sync daemon started")

	imap.NewPoller(service, cfg.PollInterval, log).Run(ctx)
	return nil
}
