// Package category maps bucket identifiers to IMAP keyword flags and back.
//
// Buckets are persisted only as keywords on messages: a bucket "finance" is
// the keyword "#finance". Two keywords with the same prefix are reserved as
// system markers and are never treated as buckets.
package category

import (
	"errors"
	"sort"
	"strings"
	"unicode"

	"github.com/emersion/go-imap"
	"github.com/vdavid/bucketmail/internal/models"
)

// Prefix marks a keyword as owned by this codec.
const Prefix = "#"

// System markers. A message filed into any bucket carries TriagedFlag, an
// archived message carries ArchivedFlag.
const (
	TriagedFlag  = Prefix + "triaged"
	ArchivedFlag = Prefix + "archived"
)

var (
	// ErrEmptyBucket is returned when a label sanitizes to nothing.
	ErrEmptyBucket = errors.New("bucket id is empty after sanitization")
	// ErrReservedBucket is returned for ids that would shadow a system marker.
	ErrReservedBucket = errors.New("bucket id is reserved")
)

// Sanitize lowercases the label and restricts it to the IMAP keyword-safe
// alphabet: letters, digits, hyphen and underscore. Whitespace runs become a
// single hyphen and any other character is dropped.
func Sanitize(label string) string {
	var b strings.Builder
	pendingHyphen := false
	for _, r := range strings.ToLower(strings.TrimSpace(label)) {
		switch {
		case unicode.IsSpace(r):
			pendingHyphen = true
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_'):
			if pendingHyphen && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingHyphen = false
			b.WriteRune(r)
		}
	}
	return strings.Trim(b.String(), "-")
}

// Encode returns the keyword flag for a bucket id or label.
// Encode is not injective: labels that sanitize to the same slug share a keyword.
func Encode(bucketID string) (string, error) {
	id := Sanitize(bucketID)
	if id == "" {
		return "", ErrEmptyBucket
	}
	flag := Prefix + id
	if isReserved(flag) {
		return "", ErrReservedBucket
	}
	return flag, nil
}

// Decode returns the bucket id for a keyword, or false when the keyword is
// not a bucket keyword (foreign keyword, system flag or reserved marker).
func Decode(flag string) (string, bool) {
	if !strings.HasPrefix(flag, Prefix) || isReserved(flag) {
		return "", false
	}
	id := strings.ToLower(strings.TrimPrefix(flag, Prefix))
	if id == "" || Sanitize(id) != id {
		return "", false
	}
	return id, true
}

// Collides reports whether two labels map to the same keyword.
func Collides(a, b string) bool {
	sa, sb := Sanitize(a), Sanitize(b)
	return sa != "" && sa == sb
}

func isReserved(flag string) bool {
	return strings.EqualFold(flag, TriagedFlag) || strings.EqualFold(flag, ArchivedFlag)
}

// State is the typed view of a message's flags. Raw flag strings do not
// travel past this package; callers work with State.
type State struct {
	Category models.Category
	Buckets  []string // all bucket ids present, sorted; more than one only on foreign writes
	Triaged  bool
	Archived bool
	Seen     bool
	Starred  bool
	Deleted  bool
}

// DecodeFlags builds a State from the flags returned by FETCH FLAGS.
func DecodeFlags(flags []string) State {
	var s State
	for _, f := range flags {
		switch {
		case strings.EqualFold(f, imap.SeenFlag):
			s.Seen = true
		case strings.EqualFold(f, imap.FlaggedFlag):
			s.Starred = true
		case strings.EqualFold(f, imap.DeletedFlag):
			s.Deleted = true
		case strings.EqualFold(f, TriagedFlag):
			s.Triaged = true
		case strings.EqualFold(f, ArchivedFlag):
			s.Archived = true
		default:
			if id, ok := Decode(f); ok {
				s.Buckets = append(s.Buckets, id)
			}
		}
	}
	sort.Strings(s.Buckets)

	switch {
	case s.Archived:
		s.Category.Kind = models.CategoryArchived
	case len(s.Buckets) > 0:
		s.Category.Kind = models.CategoryBucket
	default:
		s.Category.Kind = models.CategoryUnfiled
	}
	if len(s.Buckets) > 0 {
		s.Category.BucketID = s.Buckets[0]
	}
	return s
}

// BucketKeywords returns the bucket keywords present in flags, exactly as the
// server spelled them, so they can be removed with STORE -FLAGS.
func BucketKeywords(flags []string) []string {
	var out []string
	for _, f := range flags {
		if _, ok := Decode(f); ok {
			out = append(out, f)
		}
	}
	return out
}

// UnfileSet returns the flags to remove to bring a message back to the unfiled
// state: every bucket keyword plus the triaged marker.
func UnfileSet(flags []string) []string {
	return append(BucketKeywords(flags), TriagedFlag)
}

// RestoreSet returns the flags to remove when a message leaves the archive:
// the archived marker, the triaged marker and every bucket keyword.
func RestoreSet(flags []string) []string {
	return append(UnfileSet(flags), ArchivedFlag)
}

// Discover returns the distinct bucket ids found in a list of flags, sorted.
func Discover(flags []string) []string {
	seen := make(map[string]struct{})
	for _, f := range flags {
		if id, ok := Decode(f); ok {
			seen[id] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
