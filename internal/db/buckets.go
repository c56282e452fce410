package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/bucketmail/internal/imap"
	"github.com/vdavid/bucketmail/internal/models"
)

// ErrBucketNotFound is returned when a bucket does not exist. It matches imap.ErrCacheMiss.
var ErrBucketNotFound = fmt.Errorf("bucket not found: %w", imap.ErrCacheMiss)

// GetBucket returns the bucket with the given id.
func GetBucket(ctx context.Context, pool *pgxpool.Pool, id string) (*models.Bucket, error) {
	var bucket models.Bucket
	err := pool.QueryRow(ctx, `
		SELECT id, label, color, created_at
		FROM buckets
		WHERE id = $1
	`, id).Scan(&bucket.ID, &bucket.Label, &bucket.Color, &bucket.CreatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrBucketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bucket: %w", err)
	}
	return &bucket, nil
}

// SaveBucket creates a bucket or updates its label and color.
func SaveBucket(ctx context.Context, pool *pgxpool.Pool, bucket *models.Bucket) error {
	err := pool.QueryRow(ctx, `
		INSERT INTO buckets (id, label, color)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			label = EXCLUDED.label,
			color = EXCLUDED.color
		RETURNING created_at
	`, bucket.ID, bucket.Label, bucket.Color).Scan(&bucket.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save bucket: %w", err)
	}
	return nil
}

// ListBuckets returns every bucket ordered by label.
func ListBuckets(ctx context.Context, pool *pgxpool.Pool) ([]*models.Bucket, error) {
	rows, err := pool.Query(ctx, `
		SELECT id, label, color, created_at
		FROM buckets
		ORDER BY label, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list buckets: %w", err)
	}
	buckets, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.Bucket, error) {
		var b models.Bucket
		err := row.Scan(&b.ID, &b.Label, &b.Color, &b.CreatedAt)
		return &b, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan buckets: %w", err)
	}
	return buckets, nil
}

// DeleteBucket removes a bucket row. Messages keep their keyword on the
// server; discovery will recreate the bucket while any message carries it.
func DeleteBucket(ctx context.Context, pool *pgxpool.Pool, id string) error {
	tag, err := pool.Exec(ctx, `DELETE FROM buckets WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete bucket: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBucketNotFound
	}
	return nil
}
