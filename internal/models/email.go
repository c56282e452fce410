package models

import "time"

// Logical locations a message can be projected into.
const (
	MailboxInbox   = "inbox"
	MailboxArchive = "archive"
	MailboxSent    = "sent"
	MailboxDrafts  = "drafts"
)

// CategoryKind says how a message is filed.
type CategoryKind int

const (
	// CategoryUnfiled is a message waiting for triage.
	CategoryUnfiled CategoryKind = iota
	// CategoryBucket is a message filed into exactly one bucket.
	CategoryBucket
	// CategoryArchived is a message carrying the archived marker.
	// BucketID may still hold the bucket it had before archiving.
	CategoryArchived
)

func (k CategoryKind) String() string {
	switch k {
	case CategoryBucket:
		return "bucket"
	case CategoryArchived:
		return "archived"
	default:
		return "unfiled"
	}
}

// Category is the decoded form of a message's keyword flags.
type Category struct {
	Kind     CategoryKind `json:"kind"`
	BucketID string       `json:"bucket_id,omitempty"`
}

// Bucket is a user-defined category. ID is the sanitized slug that is
// encoded into the keyword flag.
type Bucket struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	Color     string    `json:"color"`
	CreatedAt time.Time `json:"created_at"`
}

type Message struct {
	MessageID         string       `json:"message_id"`
	UID               uint32       `json:"uid"`
	ThreadID          string       `json:"thread_id"`
	Mailbox           string       `json:"mailbox"`
	Category          Category     `json:"category"`
	Subject           string       `json:"subject"`
	NormalizedSubject string       `json:"normalized_subject"`
	FromName          string       `json:"from_name"`
	FromAddress       string       `json:"from_address"`
	ToAddresses       []string     `json:"to_addresses"`
	ReceivedAt        *time.Time   `json:"received_at"`
	InReplyTo         string       `json:"in_reply_to,omitempty"`
	References        []string     `json:"references,omitempty"`
	IsRead            bool         `json:"is_read"`
	IsStarred         bool         `json:"is_starred"`
	UnsafeBodyHTML    string       `json:"unsafe_body_html,omitempty"`
	BodyText          string       `json:"body_text,omitempty"`
	Attachments       []Attachment `json:"attachments,omitempty"`
	OriginalBucket    string       `json:"original_bucket,omitempty"`
	Note              string       `json:"note,omitempty"`
	DueDate           *time.Time   `json:"due_date,omitempty"`
}

// HasBody reports whether the body was fetched along with the headers.
func (m *Message) HasBody() bool {
	return m.BodyText != "" || m.UnsafeBodyHTML != ""
}

type Attachment struct {
	Filename  string `json:"filename"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
	IsInline  bool   `json:"is_inline"`
	ContentID string `json:"content_id,omitempty"`
}
