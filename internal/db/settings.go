package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/bucketmail/internal/crypto"
	"github.com/vdavid/bucketmail/internal/imap"
	"github.com/vdavid/bucketmail/internal/models"
)

// ErrSettingsNotFound is returned when the operator has not configured the sync yet.
var ErrSettingsNotFound = errors.New("sync settings not configured")

// imapPasswordPurpose binds sealed IMAP passwords to this column.
const imapPasswordPurpose = "sync_settings.imap_password"

// GetSettings returns the stored settings row.
func GetSettings(ctx context.Context, pool *pgxpool.Pool) (*models.StoredSettings, error) {
	var s models.StoredSettings
	err := pool.QueryRow(ctx, `
		SELECT
			imap_host,
			imap_port,
			imap_secure,
			imap_username,
			encrypted_imap_password,
			sync_start_date,
			import_starred,
			sent_folder_name,
			updated_at
		FROM sync_settings
		WHERE id = 1
	`).Scan(
		&s.IMAPHost,
		&s.IMAPPort,
		&s.IMAPSecure,
		&s.IMAPUsername,
		&s.EncryptedIMAPPassword,
		&s.SyncStartDate,
		&s.ImportStarred,
		&s.SentFolderName,
		&s.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSettingsNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync settings: %w", err)
	}
	return &s, nil
}

// SaveSettings writes the settings row.
func SaveSettings(ctx context.Context, pool *pgxpool.Pool, s *models.StoredSettings) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO sync_settings (
			id,
			imap_host,
			imap_port,
			imap_secure,
			imap_username,
			encrypted_imap_password,
			sync_start_date,
			import_starred,
			sent_folder_name
		) VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			imap_host = EXCLUDED.imap_host,
			imap_port = EXCLUDED.imap_port,
			imap_secure = EXCLUDED.imap_secure,
			imap_username = EXCLUDED.imap_username,
			encrypted_imap_password = EXCLUDED.encrypted_imap_password,
			sync_start_date = EXCLUDED.sync_start_date,
			import_starred = EXCLUDED.import_starred,
			sent_folder_name = EXCLUDED.sent_folder_name,
			updated_at = now()
	`,
		s.IMAPHost,
		s.IMAPPort,
		s.IMAPSecure,
		s.IMAPUsername,
		s.EncryptedIMAPPassword,
		s.SyncStartDate,
		s.ImportStarred,
		s.SentFolderName,
	)
	if err != nil {
		return fmt.Errorf("failed to save sync settings: %w", err)
	}
	return nil
}

// SettingsStore reads operator settings from the database and unseals the
// IMAP password. It implements imap.SettingsProvider.
type SettingsStore struct {
	pool   *pgxpool.Pool
	sealer *crypto.Sealer
}

// NewSettingsStore creates a SettingsStore.
func NewSettingsStore(pool *pgxpool.Pool, sealer *crypto.Sealer) *SettingsStore {
	return &SettingsStore{pool: pool, sealer: sealer}
}

var _ imap.SettingsProvider = (*SettingsStore)(nil)

// GetSyncSettings implements imap.SettingsProvider.
func (s *SettingsStore) GetSyncSettings(ctx context.Context) (*models.SyncSettings, error) {
	stored, err := GetSettings(ctx, s.pool)
	if err != nil {
		return nil, err
	}
	return &models.SyncSettings{
		StartDate:      stored.SyncStartDate,
		ImportStarred:  stored.ImportStarred,
		SentFolderName: stored.SentFolderName,
	}, nil
}

// GetIMAPConfig implements imap.SettingsProvider.
func (s *SettingsStore) GetIMAPConfig(ctx context.Context) (*models.IMAPConfig, error) {
	stored, err := GetSettings(ctx, s.pool)
	if err != nil {
		return nil, err
	}
	password, err := s.sealer.Open(stored.EncryptedIMAPPassword, imapPasswordPurpose)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt IMAP password: %w", err)
	}
	return &models.IMAPConfig{
		Host:   stored.IMAPHost,
		Port:   stored.IMAPPort,
		Secure: stored.IMAPSecure,
		User:   stored.IMAPUsername,
		Pass:   password,
	}, nil
}

// Save seals password and stores the settings.
func (s *SettingsStore) Save(ctx context.Context, cfg *models.IMAPConfig, sync *models.SyncSettings) error {
	sealed, err := s.sealer.Seal(cfg.Pass, imapPasswordPurpose)
	if err != nil {
		return fmt.Errorf("failed to encrypt IMAP password: %w", err)
	}
	return SaveSettings(ctx, s.pool, &models.StoredSettings{
		IMAPHost:              cfg.Host,
		IMAPPort:              cfg.Port,
		IMAPSecure:            cfg.Secure,
		IMAPUsername:          cfg.User,
		EncryptedIMAPPassword: sealed,
		SyncStartDate:         sync.StartDate,
		ImportStarred:         sync.ImportStarred,
		SentFolderName:        sync.SentFolderName,
	})
}
