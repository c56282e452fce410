package main

import (
	"context"
	"fmt"
	"time"

	"github.com/vdavid/bucketmail/internal/config"
	"github.com/vdavid/bucketmail/internal/crypto"
	"github.com/vdavid/bucketmail/internal/db"
	"github.com/vdavid/bucketmail/internal/imap"
	"github.com/vdavid/bucketmail/internal/models"
)

// cacheStore is the part of the cache the CLI reads and writes directly.
type cacheStore interface {
	Annotate(ctx context.Context, messageID, note string, dueDate *time.Time) error
	ListBuckets(ctx context.Context) ([]*models.Bucket, error)
}

type settingsSaver interface {
	Save(ctx context.Context, cfg *models.IMAPConfig, sync *models.SyncSettings) error
}

// env holds what a command needs. close releases it.
type env struct {
	service  imap.MailService
	store    cacheStore
	settings settingsSaver
	close    func()
}

type opener func(ctx context.Context) (*env, error)

func openEnv(ctx context.Context) (*env, error) {
	cfg, err := config.NewConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	log, err := config.NewLogger(cfg)
	if err != nil {
		return nil, err
	}
	sealer, err := crypto.NewSealer(cfg.EncryptionKeyBase64)
	if err != nil {
		return nil, err
	}
	pool, err := db.NewConnection(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	settings := db.NewSettingsStore(pool, sealer)
	cache := db.NewCache(pool)
	conn := imap.NewManager(settings,
		imap.WithTimeouts(cfg.OpTimeout, cfg.SelectTimeout, 0),
		imap.WithLogger(log),
	)
	service := imap.NewService(conn, settings, cache,
		imap.WithArchiveFolder(cfg.ArchiveFolder),
		imap.WithServiceLogger(log),
	)

	return &env{
		service:  service,
		store:    cache,
		settings: settings,
		close: func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), cfg.OpTimeout)
			defer cancel()
			if err := service.Close(closeCtx); err != nil {
				log.WithError(err).Warn("Failed to log out")
			}
			db.CloseConnection(pool)
		},
	}, nil
}
