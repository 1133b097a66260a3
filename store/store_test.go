package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/robertmeta/feedpoll/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testArticle(n int, published *time.Time) model.Article {
	return model.Article{
		ID:            fmt.Sprintf("id-%03d", n),
		Title:         fmt.Sprintf("Article %d", n),
		PublishedTime: published,
		Author:        "Author",
		Description:   "Body",
		URL:           fmt.Sprintf("https://example.com/%d", n),
		ImageURL:      "",
		SourceName:    "Example",
		SourceFeedURL: "https://example.com/rss",
		FetchedAt:     time.Date(2025, 1, 20, 8, 0, 0, 0, time.UTC),
	}
}

func hoursAgo(h int) *time.Time {
	t := time.Date(2025, 1, 20, 0, 0, 0, 0, time.UTC).Add(-time.Duration(h) * time.Hour)
	return &t
}

func TestNewStore(t *testing.T) {
	s, err := New(":memory:")
	require.NoError(t, err)
	require.NotNil(t, s)
	defer s.Close()

	v, err := s.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.SchemaVersion, v)
}

func TestStore_EnsureIsIdempotent(t *testing.T) {
	s, err := New(":memory:")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Ensure(context.Background()))
	require.NoError(t, s.Ensure(context.Background()))
}

func TestStore_PingCreatesSchema(t *testing.T) {
	s, err := Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer s.Close()

	_, err = s.SchemaVersion(context.Background())
	assert.Error(t, err, "no schema before the first ping")

	require.NoError(t, s.Ping(context.Background()))
	v, err := s.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.SchemaVersion, v)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open("oracle", "whatever")
	assert.Error(t, err)
}

func TestDialectFor(t *testing.T) {
	d, err := DialectFor("postgresql")
	require.NoError(t, err)
	assert.Equal(t, "postgres", d.Name)
	assert.Equal(t, "$3", d.placeholder(3))

	d, err = DialectFor("sqlite")
	require.NoError(t, err)
	assert.Equal(t, "?", d.placeholder(3))
}

func TestStore_UpsertAndRead(t *testing.T) {
	s, err := New(":memory:")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	a := testArticle(1, hoursAgo(1))
	undated := testArticle(2, nil)
	undated.URL = ""

	n, err := s.UpsertArticles(ctx, []model.Article{a, undated}, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := s.Articles(ctx, QueryOptions{})
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, a, got[0])
	assert.Equal(t, "id-002", got[1].ID)
	assert.Nil(t, got[1].PublishedTime)
	assert.Equal(t, "", got[1].URL)
}

func TestStore_UpsertUpdatesMutableFields(t *testing.T) {
	s, err := New(":memory:")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	a := testArticle(1, hoursAgo(5))
	_, err = s.UpsertArticles(ctx, []model.Article{a}, 0)
	require.NoError(t, err)

	updated := a
	updated.Title = "New title"
	updated.ImageURL = "https://cdn.example.com/1.jpg"
	updated.PublishedTime = hoursAgo(1)
	updated.SourceName = "Ignored"

	_, err = s.UpsertArticles(ctx, []model.Article{updated}, 0)
	require.NoError(t, err)

	got, err := s.Articles(ctx, QueryOptions{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "New title", got[0].Title)
	assert.Equal(t, "https://cdn.example.com/1.jpg", got[0].ImageURL)
	assert.Equal(t, *hoursAgo(1), *got[0].PublishedTime)
	assert.Equal(t, "Example", got[0].SourceName, "provenance is not rewritten")

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestStore_UpsertBatches(t *testing.T) {
	s, err := New(":memory:")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	var articles []model.Article
	for i := 0; i < 23; i++ {
		articles = append(articles, testArticle(i, hoursAgo(i)))
	}
	articles = append(articles, testArticle(3, hoursAgo(99)))

	n, err := s.UpsertArticles(ctx, articles, 5)
	require.NoError(t, err)
	assert.Equal(t, 23, n, "duplicate ids are written once")

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 23, count)
}

func TestStore_UpsertClampsOversizedBatch(t *testing.T) {
	s, err := New(":memory:")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	// 3300 rows in one statement would exceed SQLite's bind-variable limit
	articles := make([]model.Article, 3300)
	for i := range articles {
		articles[i] = testArticle(i, nil)
		articles[i].ID = fmt.Sprintf("id-%05d", i)
	}

	n, err := s.UpsertArticles(ctx, articles, 10000)
	require.NoError(t, err)
	assert.Equal(t, 3300, n)
}

func TestStore_UpsertCancelled(t *testing.T) {
	s, err := New(":memory:")
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n, err := s.UpsertArticles(ctx, []model.Article{testArticle(1, nil)}, 0)
	assert.Error(t, err)
	assert.Equal(t, 0, n)
}

func TestStore_Articles_Pagination(t *testing.T) {
	s, err := New(":memory:")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	var articles []model.Article
	for i := 0; i < 50; i++ {
		articles = append(articles, testArticle(i, hoursAgo(i)))
	}
	_, err = s.UpsertArticles(ctx, articles, 0)
	require.NoError(t, err)

	page1, err := s.Articles(ctx, QueryOptions{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, page1, 10)
	assert.Equal(t, "id-000", page1[0].ID, "newest first")

	page2, err := s.Articles(ctx, QueryOptions{Limit: 10, Offset: 10})
	require.NoError(t, err)
	assert.Len(t, page2, 10)
	assert.Equal(t, "id-010", page2[0].ID)

	last, err := s.Articles(ctx, QueryOptions{Limit: 10, Offset: 45})
	require.NoError(t, err)
	assert.Len(t, last, 5)

	tail, err := s.Articles(ctx, QueryOptions{Offset: 48})
	require.NoError(t, err)
	assert.Len(t, tail, 2)
}

func TestStore_Articles_Filters(t *testing.T) {
	s, err := New(":memory:")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	other := testArticle(3, hoursAgo(2))
	other.SourceFeedURL = "https://other.example.com/feed"

	_, err = s.UpsertArticles(ctx, []model.Article{
		testArticle(1, hoursAgo(1)),
		testArticle(2, hoursAgo(48)),
		other,
		testArticle(4, nil),
	}, 0)
	require.NoError(t, err)

	recent, err := s.Articles(ctx, QueryOptions{Since: hoursAgo(24)})
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	bySource, err := s.Articles(ctx, QueryOptions{Source: "https://other.example.com/feed"})
	require.NoError(t, err)
	require.Len(t, bySource, 1)
	assert.Equal(t, "id-003", bySource[0].ID)

	all, err := s.Articles(ctx, QueryOptions{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "id-004", all[3].ID, "undated articles sort last")
}

func TestStore_FileDatabasePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "articles.db")
	ctx := context.Background()

	s, err := New(path)
	require.NoError(t, err)
	_, err = s.UpsertArticles(ctx, []model.Article{testArticle(1, hoursAgo(1))}, 0)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = New(path)
	require.NoError(t, err)
	defer s.Close()

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestScanTime(t *testing.T) {
	got, err := scanTime(int64(1736930400))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 15, 8, 40, 0, 0, time.UTC), *got)

	got, err = scanTime(nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = scanTime("2025-01-15T08:40:00Z")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 15, 8, 40, 0, 0, time.UTC), *got)

	_, err = scanTime(3.5)
	assert.Error(t, err)
}
