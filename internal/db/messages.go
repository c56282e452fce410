package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/bucketmail/internal/imap"
	"github.com/vdavid/bucketmail/internal/models"
)

// ErrMessageNotFound is returned when a requested message is not cached.
// It matches imap.ErrCacheMiss.
var ErrMessageNotFound = fmt.Errorf("message not found: %w", imap.ErrCacheMiss)

const messageColumns = `
	message_id,
	uid,
	thread_id,
	mailbox,
	category_kind,
	bucket_id,
	subject,
	normalized_subject,
	from_name,
	from_address,
	to_addresses,
	received_at,
	in_reply_to,
	reference_ids,
	is_read,
	is_starred,
	unsafe_body_html,
	body_text,
	original_bucket,
	note,
	due_date`

// SaveMessage upserts a message keyed by its Message-ID.
//
// A thread id, once stored, is never replaced. Body, attachments and the
// original bucket are only overwritten when the new value is non-empty, so a
// header-only observation does not erase what a full fetch stored. Notes and
// due dates are cache-only and never touched here.
func SaveMessage(ctx context.Context, pool *pgxpool.Pool, message *models.Message) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO messages (
			message_id,
			uid,
			thread_id,
			mailbox,
			category_kind,
			bucket_id,
			subject,
			normalized_subject,
			from_name,
			from_address,
			to_addresses,
			received_at,
			in_reply_to,
			reference_ids,
			is_read,
			is_starred,
			unsafe_body_html,
			body_text,
			original_bucket
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (message_id) DO UPDATE SET
			uid = EXCLUDED.uid,
			thread_id = COALESCE(NULLIF(messages.thread_id, ''), EXCLUDED.thread_id),
			mailbox = EXCLUDED.mailbox,
			category_kind = EXCLUDED.category_kind,
			bucket_id = EXCLUDED.bucket_id,
			subject = EXCLUDED.subject,
			normalized_subject = EXCLUDED.normalized_subject,
			from_name = EXCLUDED.from_name,
			from_address = EXCLUDED.from_address,
			to_addresses = EXCLUDED.to_addresses,
			received_at = EXCLUDED.received_at,
			in_reply_to = EXCLUDED.in_reply_to,
			reference_ids = EXCLUDED.reference_ids,
			is_read = EXCLUDED.is_read,
			is_starred = EXCLUDED.is_starred,
			unsafe_body_html = COALESCE(EXCLUDED.unsafe_body_html, messages.unsafe_body_html),
			body_text = COALESCE(EXCLUDED.body_text, messages.body_text),
			original_bucket = COALESCE(EXCLUDED.original_bucket, messages.original_bucket),
			updated_at = now()
	`,
		message.MessageID,
		int64(message.UID),
		message.ThreadID,
		message.Mailbox,
		message.Category.Kind.String(),
		nullIfEmpty(message.Category.BucketID),
		message.Subject,
		message.NormalizedSubject,
		message.FromName,
		message.FromAddress,
		nonNil(message.ToAddresses),
		message.ReceivedAt,
		nullIfEmpty(message.InReplyTo),
		nonNil(message.References),
		message.IsRead,
		message.IsStarred,
		nullIfEmpty(message.UnsafeBodyHTML),
		nullIfEmpty(message.BodyText),
		nullIfEmpty(message.OriginalBucket),
	)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}

	if message.HasBody() {
		if err := replaceAttachments(ctx, tx, message.MessageID, message.Attachments); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit message: %w", err)
	}
	return nil
}

func replaceAttachments(ctx context.Context, tx pgx.Tx, messageID string, attachments []models.Attachment) error {
	if _, err := tx.Exec(ctx, `DELETE FROM attachments WHERE message_id = $1`, messageID); err != nil {
		return fmt.Errorf("failed to clear attachments: %w", err)
	}

	batch := &pgx.Batch{}
	for _, att := range attachments {
		batch.Queue(`
			INSERT INTO attachments (id, message_id, filename, mime_type, size_bytes, is_inline, content_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, uuid.New(), messageID, att.Filename, att.MimeType, att.SizeBytes, att.IsInline, nullIfEmpty(att.ContentID))
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to save attachments: %w", err)
	}
	return nil
}

// GetMessage returns a cached message with its attachments.
func GetMessage(ctx context.Context, pool *pgxpool.Pool, messageID string) (*models.Message, error) {
	msg, err := scanMessage(pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE message_id = $1`, messageID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}

	attachments, err := GetAttachmentsForMessages(ctx, pool, []string{messageID})
	if err != nil {
		return nil, err
	}
	msg.Attachments = attachments[messageID]
	return msg, nil
}

// GetMessagesForThread returns every cached message of a thread, oldest first.
func GetMessagesForThread(ctx context.Context, pool *pgxpool.Pool, threadID string) ([]*models.Message, error) {
	return queryMessages(ctx, pool, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE thread_id = $1
		ORDER BY received_at NULLS LAST, message_id
	`, threadID)
}

// GetSentForThreads returns the cached sent messages belonging to any of threadIDs, oldest first.
func GetSentForThreads(ctx context.Context, pool *pgxpool.Pool, threadIDs []string) ([]*models.Message, error) {
	if len(threadIDs) == 0 {
		return nil, nil
	}
	return queryMessages(ctx, pool, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE thread_id = ANY($1) AND mailbox = $2
		ORDER BY received_at NULLS LAST, message_id
	`, threadIDs, models.MailboxSent)
}

// GetUnfiledMessageIDs returns the Message-IDs the cache shows in the unfiled view, newest first.
func GetUnfiledMessageIDs(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	rows, err := pool.Query(ctx, `
		SELECT message_id
		FROM messages
		WHERE mailbox = $1 AND category_kind = $2
		ORDER BY received_at DESC NULLS LAST
	`, models.MailboxInbox, models.CategoryUnfiled.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get unfiled messages: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan unfiled messages: %w", err)
	}
	return ids, nil
}

// DeleteMessages evicts messages from the cache. Missing ids are ignored.
func DeleteMessages(ctx context.Context, pool *pgxpool.Pool, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	if _, err := pool.Exec(ctx, `DELETE FROM messages WHERE message_id = ANY($1)`, messageIDs); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	return nil
}

// SetOriginalBucket records the bucket a message was filed in before it was archived.
// An empty bucketID records that it was unfiled.
func SetOriginalBucket(ctx context.Context, pool *pgxpool.Pool, messageID, bucketID string) error {
	tag, err := pool.Exec(ctx, `
		UPDATE messages SET original_bucket = $2, updated_at = now()
		WHERE message_id = $1
	`, messageID, nullIfEmpty(bucketID))
	if err != nil {
		return fmt.Errorf("failed to set original bucket: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// SetAnnotations stores the user's note and due date on a cached message.
func SetAnnotations(ctx context.Context, pool *pgxpool.Pool, messageID, note string, dueDate *time.Time) error {
	tag, err := pool.Exec(ctx, `
		UPDATE messages SET note = $2, due_date = $3, updated_at = now()
		WHERE message_id = $1
	`, messageID, nullIfEmpty(note), dueDate)
	if err != nil {
		return fmt.Errorf("failed to set annotations: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// FindThreadByMessageIDs returns the thread of the first id in messageIDs
// that is cached, or "" when none is.
func FindThreadByMessageIDs(ctx context.Context, pool *pgxpool.Pool, messageIDs []string) (string, error) {
	if len(messageIDs) == 0 {
		return "", nil
	}
	var threadID string
	err := pool.QueryRow(ctx, `
		SELECT thread_id
		FROM messages
		WHERE message_id = ANY($1) AND thread_id <> ''
		ORDER BY array_position($1, message_id)
		LIMIT 1
	`, messageIDs).Scan(&threadID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to find thread by message ids: %w", err)
	}
	return threadID, nil
}

// FindThreadBySubject returns the thread of the newest message with the given
// normalized subject received at or after since, or "".
func FindThreadBySubject(ctx context.Context, pool *pgxpool.Pool, normalizedSubject string, since time.Time) (string, error) {
	if normalizedSubject == "" {
		return "", nil
	}
	var threadID string
	err := pool.QueryRow(ctx, `
		SELECT thread_id
		FROM messages
		WHERE normalized_subject = $1 AND received_at >= $2 AND thread_id <> ''
		ORDER BY received_at DESC
		LIMIT 1
	`, normalizedSubject, since).Scan(&threadID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to find thread by subject: %w", err)
	}
	return threadID, nil
}

// GetAttachmentsForMessages returns all attachments for multiple messages in a single query.
// Returns a map from Message-ID to its attachments.
func GetAttachmentsForMessages(ctx context.Context, pool *pgxpool.Pool, messageIDs []string) (map[string][]models.Attachment, error) {
	attachmentsMap := make(map[string][]models.Attachment)
	if len(messageIDs) == 0 {
		return attachmentsMap, nil
	}

	rows, err := pool.Query(ctx, `
		SELECT message_id, filename, mime_type, size_bytes, is_inline, COALESCE(content_id, '')
		FROM attachments
		WHERE message_id = ANY($1)
		ORDER BY message_id, filename
	`, messageIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to get attachments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			messageID string
			att       models.Attachment
		)
		if err := rows.Scan(&messageID, &att.Filename, &att.MimeType, &att.SizeBytes, &att.IsInline, &att.ContentID); err != nil {
			return nil, fmt.Errorf("failed to scan attachment: %w", err)
		}
		attachmentsMap[messageID] = append(attachmentsMap[messageID], att)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attachments: %w", err)
	}
	return attachmentsMap, nil
}

func queryMessages(ctx context.Context, pool *pgxpool.Pool, sql string, args ...any) ([]*models.Message, error) {
	rows, err := pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return messages, nil
}

func scanMessage(row pgx.Row) (*models.Message, error) {
	var (
		msg            models.Message
		uid            int64
		kind           string
		bucketID       *string
		inReplyTo      *string
		bodyHTML       *string
		bodyText       *string
		originalBucket *string
		note           *string
	)
	if err := row.Scan(
		&msg.MessageID,
		&uid,
		&msg.ThreadID,
		&msg.Mailbox,
		&kind,
		&bucketID,
		&msg.Subject,
		&msg.NormalizedSubject,
		&msg.FromName,
		&msg.FromAddress,
		&msg.ToAddresses,
		&msg.ReceivedAt,
		&inReplyTo,
		&msg.References,
		&msg.IsRead,
		&msg.IsStarred,
		&bodyHTML,
		&bodyText,
		&originalBucket,
		&note,
		&msg.DueDate,
	); err != nil {
		return nil, err
	}

	msg.UID = uint32(uid)
	msg.Category = models.Category{Kind: parseCategoryKind(kind), BucketID: deref(bucketID)}
	msg.InReplyTo = deref(inReplyTo)
	msg.UnsafeBodyHTML = deref(bodyHTML)
	msg.BodyText = deref(bodyText)
	msg.OriginalBucket = deref(originalBucket)
	msg.Note = deref(note)
	return &msg, nil
}

func parseCategoryKind(s string) models.CategoryKind {
	switch s {
	case models.CategoryBucket.String():
		return models.CategoryBucket
	case models.CategoryArchived.String():
		return models.CategoryArchived
	default:
		return models.CategoryUnfiled
	}
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
