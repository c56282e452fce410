package category

import (
	"testing"

	"github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/bucketmail/internal/models"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name  string
		label string
		want  string
	}{
		{name: "lowercases", label: "Finance", want: "finance"},
		{name: "joins words with hyphen", label: "Side  Projects", want: "side-projects"},
		{name: "drops punctuation", label: "Bills & Receipts!", want: "bills-receipts"},
		{name: "keeps underscore and hyphen", label: "to_do-later", want: "to_do-later"},
		{name: "drops non-ascii", label: "Café", want: "caf"},
		{name: "trims surrounding space", label: "  news  ", want: "news"},
		{name: "empty stays empty", label: "!!!", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Sanitize(tt.label))
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, label := range []string{"finance", "Side Projects", "to_do", "2024-taxes", "Newsletters!"} {
		flag, err := Encode(label)
		require.NoError(t, err, label)

		id, ok := Decode(flag)
		require.True(t, ok, flag)
		assert.Equal(t, Sanitize(label), id)
	}
}

func TestEncodeErrors(t *testing.T) {
	_, err := Encode("   ")
	assert.ErrorIs(t, err, ErrEmptyBucket)

	_, err = Encode("Triaged")
	assert.ErrorIs(t, err, ErrReservedBucket)

	_, err = Encode("archived")
	assert.ErrorIs(t, err, ErrReservedBucket)
}

func TestDecodeRejectsNonBucketFlags(t *testing.T) {
	for _, flag := range []string{imap.SeenFlag, "$Forwarded", TriagedFlag, ArchivedFlag, "#", "finance", "#has space"} {
		_, ok := Decode(flag)
		assert.False(t, ok, flag)
	}
}

func TestDecodeIsCaseInsensitive(t *testing.T) {
	id, ok := Decode("#Finance")
	require.True(t, ok)
	assert.Equal(t, "finance", id)
}

func TestEncodeIsNotInjective(t *testing.T) {
	a, err := Encode("Side Projects")
	require.NoError(t, err)
	b, err := Encode("side-projects")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.True(t, Collides("Side Projects", "side-projects"))
	assert.False(t, Collides("finance", "travel"))
}

func TestDecodeFlags(t *testing.T) {
	tests := []struct {
		name  string
		flags []string
		check func(*testing.T, State)
	}{
		{
			name:  "unfiled",
			flags: []string{imap.SeenFlag},
			check: func(t *testing.T, s State) {
				assert.Equal(t, models.CategoryUnfiled, s.Category.Kind)
				assert.True(t, s.Seen)
				assert.False(t, s.Starred)
			},
		},
		{
			name:  "bucketed",
			flags: []string{"#finance", TriagedFlag, imap.FlaggedFlag},
			check: func(t *testing.T, s State) {
				assert.Equal(t, models.Category{Kind: models.CategoryBucket, BucketID: "finance"}, s.Category)
				assert.True(t, s.Triaged)
				assert.True(t, s.Starred)
			},
		},
		{
			name:  "archived keeps its bucket",
			flags: []string{"#finance", TriagedFlag, ArchivedFlag},
			check: func(t *testing.T, s State) {
				assert.Equal(t, models.Category{Kind: models.CategoryArchived, BucketID: "finance"}, s.Category)
				assert.True(t, s.Archived)
			},
		},
		{
			name:  "several buckets from a foreign client",
			flags: []string{"#travel", "#finance"},
			check: func(t *testing.T, s State) {
				assert.Equal(t, []string{"finance", "travel"}, s.Buckets)
				assert.Equal(t, "finance", s.Category.BucketID)
			},
		},
		{
			name:  "deleted",
			flags: []string{imap.DeletedFlag},
			check: func(t *testing.T, s State) {
				assert.True(t, s.Deleted)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, DecodeFlags(tt.flags))
		})
	}
}

func TestRemovalSets(t *testing.T) {
	flags := []string{imap.SeenFlag, "#Finance", "#travel", TriagedFlag, ArchivedFlag, "$Forwarded"}

	assert.ElementsMatch(t, []string{"#Finance", "#travel"}, BucketKeywords(flags))
	assert.ElementsMatch(t, []string{"#Finance", "#travel", TriagedFlag}, UnfileSet(flags))
	assert.ElementsMatch(t, []string{"#Finance", "#travel", TriagedFlag, ArchivedFlag}, RestoreSet(flags))
}

func TestDiscover(t *testing.T) {
	flags := []string{"#travel", "#finance", TriagedFlag, ArchivedFlag, "#Finance", imap.SeenFlag}
	assert.Equal(t, []string{"finance", "travel"}, Discover(flags))
}
