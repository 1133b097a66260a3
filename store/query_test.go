package store

import (
	"testing"
	"time"

	"github.com/robertmeta/feedpoll/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	day := 24 * time.Hour
	valid := map[string]time.Duration{
		"1h":  time.Hour,
		"36h": 36 * time.Hour,
		"0d":  0,
		"3d":  3 * day,
		"1w":  7 * day,
		"6m":  180 * day,
		"2y":  730 * day,
	}
	for in, want := range valid {
		got, err := ParseDuration(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, in := range []string{"", "h", "12", "5s", "-1d", "1.5d", " 7d", "7D"} {
		_, err := ParseDuration(in)
		assert.Error(t, err, "%q", in)
	}
}

func TestSinceTime(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	got, err := SinceTime("7d", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 3, 12, 0, 0, 0, time.UTC), got)

	_, err = SinceTime("invalid", now)
	assert.Error(t, err)
}

func TestBuildQueryOptions(t *testing.T) {
	tests := []struct {
		name        string
		limit       int
		offset      int
		since       string
		source      string
		expectError bool
		checkOpts   func(t *testing.T, opts QueryOptions)
	}{
		{
			name:   "basic pagination",
			limit:  20,
			offset: 40,
			checkOpts: func(t *testing.T, opts QueryOptions) {
				assert.Equal(t, 20, opts.Limit)
				assert.Equal(t, 40, opts.Offset)
				assert.Nil(t, opts.Since)
				assert.Empty(t, opts.Source)
			},
		},
		{
			name:  "since filter",
			since: "7d",
			checkOpts: func(t *testing.T, opts QueryOptions) {
				require.NotNil(t, opts.Since)
				expected := time.Now().Add(-7 * 24 * time.Hour)
				assert.WithinDuration(t, expected, *opts.Since, 2*time.Second)
			},
		},
		{
			name:   "source filter",
			source: "https://example.com/rss",
			checkOpts: func(t *testing.T, opts QueryOptions) {
				assert.Equal(t, "https://example.com/rss", opts.Source)
			},
		},
		{
			name:        "invalid since format",
			since:       "invalid",
			expectError: true,
		},
		{
			name:        "negative limit",
			limit:       -1,
			expectError: true,
		},
		{
			name:        "negative offset",
			offset:      -5,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, err := BuildQueryOptions(tt.limit, tt.offset, tt.since, tt.source)
			if tt.expectError {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
				if tt.checkOpts != nil {
					tt.checkOpts(t, opts)
				}
			}
		})
	}
}

func TestQueryOptions_Apply(t *testing.T) {
	day := func(d int) *time.Time {
		t := time.Date(2025, 1, d, 0, 0, 0, 0, time.UTC)
		return &t
	}
	articles := []model.Article{
		{ID: "a", PublishedTime: day(5), SourceFeedURL: "https://a.example.com/rss"},
		{ID: "b", PublishedTime: day(4), SourceFeedURL: "https://b.example.com/rss"},
		{ID: "c", PublishedTime: day(3), SourceFeedURL: "https://a.example.com/rss"},
		{ID: "d", SourceFeedURL: "https://a.example.com/rss"},
	}
	idsOf := func(as []model.Article) []string {
		out := []string{}
		for _, a := range as {
			out = append(out, a.ID)
		}
		return out
	}

	assert.Equal(t, []string{"a", "b", "c", "d"}, idsOf(QueryOptions{}.Apply(articles)))
	assert.Equal(t, []string{"b", "c"}, idsOf(QueryOptions{Limit: 2, Offset: 1}.Apply(articles)))
	assert.Equal(t, []string{}, idsOf(QueryOptions{Offset: 10}.Apply(articles)))
	assert.Equal(t, []string{"a", "c", "d"}, idsOf(QueryOptions{Source: "https://a.example.com/rss"}.Apply(articles)))
	assert.Equal(t, []string{"a", "b"}, idsOf(QueryOptions{Since: day(4)}.Apply(articles)), "undated articles never match since")

	page, total := QueryOptions{Source: "https://a.example.com/rss", Limit: 1, Offset: 1}.Page(articles)
	assert.Equal(t, []string{"c"}, idsOf(page))
	assert.Equal(t, 3, total, "total counts matches before paging")

	_, total = QueryOptions{Offset: 10}.Page(articles)
	assert.Equal(t, 4, total)
}
