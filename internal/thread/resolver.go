// Package thread computes a stable thread identity for a message from its
// reply-chain headers and subject.
//
// Grouping is lenient: unrelated conversations that share a normalized
// subject inside the sync window end up in the same thread.
package thread

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// namespace seeds the UUIDv5 thread ids so they never collide with other
// UUIDs derived from Message-IDs.
var namespace = uuid.MustParse("8a3f5a4e-6d0c-4b55-9a53-2c1d8f6e7b10")

var (
	replyPrefix = regexp.MustCompile(`(?i)^\s*(re|fwd?)\s*(\[\d+\])?\s*:\s*`)
	whitespace  = regexp.MustCompile(`\s+`)
	msgIDToken  = regexp.MustCompile(`<[^<>\s]+>`)
)

// Input is what the resolver needs to know about a message.
type Input struct {
	MessageID  string
	InReplyTo  string
	References []string
	Subject    string
	Date       *time.Time
}

// Index looks up thread ids already assigned to other messages.
// Both methods return "" when nothing matches.
type Index interface {
	ThreadForMessageIDs(ctx context.Context, messageIDs []string) (string, error)
	ThreadForSubject(ctx context.Context, normalizedSubject string, since time.Time) (string, error)
}

// NormalizeSubject strips any run of leading Re:/Fwd:/Fw: markers, collapses
// whitespace and lowercases the rest.
func NormalizeSubject(subject string) string {
	s := subject
	for {
		stripped := replyPrefix.ReplaceAllString(s, "")
		if stripped == s {
			break
		}
		s = stripped
	}
	s = whitespace.ReplaceAllString(strings.TrimSpace(s), " ")
	return strings.ToLower(s)
}

// NormalizeMessageID returns the id in its bracketed form, "<local@domain>".
func NormalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	if !strings.HasPrefix(id, "<") {
		id = "<" + id
	}
	if !strings.HasSuffix(id, ">") {
		id += ">"
	}
	return id
}

// ParseIDList extracts the bracketed message ids from a References or
// In-Reply-To header value, in order.
func ParseIDList(header string) []string {
	return msgIDToken.FindAllString(header, -1)
}

// chain returns the ids the message points at, In-Reply-To first, then the
// References list from the newest ancestor back to the root.
func (in Input) chain() []string {
	var ids []string
	seen := make(map[string]struct{})
	add := func(id string) {
		id = NormalizeMessageID(id)
		if id == "" || id == NormalizeMessageID(in.MessageID) {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	add(in.InReplyTo)
	for i := len(in.References) - 1; i >= 0; i-- {
		add(in.References[i])
	}
	return ids
}

// seed is the id a brand new thread is named after: the root of the
// References chain, else the parent, else the message itself. Replies
// therefore land on their root's id even when the root was never seen.
func (in Input) seed() string {
	for _, ref := range in.References {
		if id := NormalizeMessageID(ref); id != "" {
			return id
		}
	}
	if id := NormalizeMessageID(in.InReplyTo); id != "" {
		return id
	}
	if id := NormalizeMessageID(in.MessageID); id != "" {
		return id
	}
	return "subject:" + NormalizeSubject(in.Subject)
}

// NewID derives the thread id a message would start. It is deterministic.
func NewID(in Input) string {
	return uuid.NewSHA1(namespace, []byte(in.seed())).String()
}

// Resolve returns the thread id for a message, in priority order:
//  1. the id already assigned to this message, or to a message it replies to;
//  2. the id of a message in the window with the same normalized subject;
//  3. a new id derived from the message.
func Resolve(ctx context.Context, in Input, idx Index, window time.Time) (string, error) {
	if own := NormalizeMessageID(in.MessageID); own != "" {
		id, err := idx.ThreadForMessageIDs(ctx, []string{own})
		if err != nil {
			return "", err
		}
		if id != "" {
			return id, nil
		}
	}

	if chain := in.chain(); len(chain) > 0 {
		id, err := idx.ThreadForMessageIDs(ctx, chain)
		if err != nil {
			return "", err
		}
		if id != "" {
			return id, nil
		}
	}

	if subject := NormalizeSubject(in.Subject); subject != "" {
		id, err := idx.ThreadForSubject(ctx, subject, window)
		if err != nil {
			return "", err
		}
		if id != "" {
			return id, nil
		}
	}

	return NewID(in), nil
}
