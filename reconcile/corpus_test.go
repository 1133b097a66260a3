package reconcile

import (
	"sync"
	"testing"
	"time"

	"github.com/robertmeta/feedpoll/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(day int) *time.Time {
	t := time.Date(2025, 1, day, 12, 0, 0, 0, time.UTC)
	return &t
}

func article(id string, published *time.Time) model.Article {
	return model.Article{
		ID:            id,
		Title:         "Title " + id,
		PublishedTime: published,
		URL:           "https://example.com/" + id,
		SourceName:    "Example",
		SourceFeedURL: "https://example.com/rss",
		FetchedAt:     time.Date(2025, 1, 20, 0, 0, 0, 0, time.UTC),
	}
}

func ids(articles []model.Article) []string {
	out := make([]string, len(articles))
	for i, a := range articles {
		out[i] = a.ID
	}
	return out
}

func TestMerge_ExampleScenario(t *testing.T) {
	c := New(nil)

	d := c.Merge([]model.Article{
		article("a", at(3)),
		article("b", at(5)),
		article("c", nil),
	})

	assert.Equal(t, []string{"a", "b", "c"}, d.New)
	assert.Empty(t, d.Updated)
	assert.Equal(t, []string{"b", "a", "c"}, ids(c.Snapshot()))
}

func TestMerge_Idempotent(t *testing.T) {
	batch := []model.Article{article("a", at(1)), article("b", at(2))}

	c := New(nil)
	first := c.Merge(batch)
	before := c.Snapshot()

	second := c.Merge(batch)

	assert.Len(t, first.New, 2)
	assert.True(t, second.Empty(), "re-merging the same batch changes nothing")
	assert.Equal(t, before, c.Snapshot())
}

func TestMerge_DuplicateWithinBatch(t *testing.T) {
	c := New(nil)

	dup := article("a", at(2))
	dup.Title = "Second copy"

	d := c.Merge([]model.Article{article("a", at(1)), dup})

	assert.Equal(t, []string{"a"}, d.New)
	assert.Equal(t, 1, c.Len())
	got, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "Title a", got.Title, "first occurrence wins")
}

func TestMerge_UpdatesMutableFields(t *testing.T) {
	c := New([]model.Article{article("a", at(1))})

	cand := article("a", at(4))
	cand.Title = "Corrected headline"
	cand.ImageURL = "https://cdn.example.com/a.jpg"
	cand.SourceName = "Other Source"
	cand.SourceFeedURL = "https://other.example.com/rss"
	cand.FetchedAt = time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)

	d := c.Merge([]model.Article{cand})
	assert.Empty(t, d.New)
	assert.Equal(t, []string{"a"}, d.Updated)

	got, _ := c.Get("a")
	assert.Equal(t, "Corrected headline", got.Title)
	assert.Equal(t, "https://cdn.example.com/a.jpg", got.ImageURL)
	assert.True(t, at(4).Equal(*got.PublishedTime))
	assert.Equal(t, "Example", got.SourceName, "provenance of the first sighting is kept")
	assert.Equal(t, "https://example.com/rss", got.SourceFeedURL)
	assert.Equal(t, time.Date(2025, 1, 20, 0, 0, 0, 0, time.UTC), got.FetchedAt)
}

func TestMerge_BlankDoesNotErase(t *testing.T) {
	existing := article("a", at(1))
	existing.Author = "Jane"
	existing.Description = "Body"
	c := New([]model.Article{existing})

	d := c.Merge([]model.Article{{ID: "a"}})

	assert.True(t, d.Empty())
	got, _ := c.Get("a")
	assert.Equal(t, "Jane", got.Author)
	assert.Equal(t, "Body", got.Description)
	assert.Equal(t, "Title a", got.Title)
	require.NotNil(t, got.PublishedTime)
}

func TestMerge_OrderingStable(t *testing.T) {
	c := New([]model.Article{
		article("old", at(1)),
		article("undated-1", nil),
	})

	c.Merge([]model.Article{
		article("tie-1", at(5)),
		article("undated-2", nil),
		article("tie-2", at(5)),
		article("newest", at(9)),
	})

	assert.Equal(t,
		[]string{"newest", "tie-1", "tie-2", "old", "undated-1", "undated-2"},
		ids(c.Snapshot()))
}

func TestMerge_RepositionsOnDateChange(t *testing.T) {
	c := New([]model.Article{article("a", at(1)), article("b", at(2))})
	assert.Equal(t, []string{"b", "a"}, ids(c.Snapshot()))

	c.Merge([]model.Article{article("a", at(3))})
	assert.Equal(t, []string{"a", "b"}, ids(c.Snapshot()))

	got, ok := c.Get("b")
	require.True(t, ok)
	assert.Equal(t, "b", got.ID, "index follows the re-sort")
}

func TestMerge_IgnoresEmptyID(t *testing.T) {
	c := New(nil)
	d := c.Merge([]model.Article{{Title: "no id"}})
	assert.True(t, d.Empty())
	assert.Equal(t, 0, c.Len())
}

func TestNew_DedupesAndSorts(t *testing.T) {
	c := New([]model.Article{
		article("a", at(1)),
		article("b", at(3)),
		article("a", at(9)),
	})

	assert.Equal(t, []string{"b", "a"}, ids(c.Snapshot()))
	got, _ := c.Get("a")
	assert.True(t, at(1).Equal(*got.PublishedTime))
}

func TestSnapshot_IsCopy(t *testing.T) {
	c := New([]model.Article{article("a", at(1))})

	snap := c.Snapshot()
	snap[0].Title = "mutated"
	*snap[0].PublishedTime = time.Time{}

	got, _ := c.Get("a")
	assert.Equal(t, "Title a", got.Title)
	assert.True(t, at(1).Equal(*got.PublishedTime))
}

func TestSelect(t *testing.T) {
	c := New([]model.Article{article("a", at(1)), article("b", at(2)), article("c", at(3))})

	assert.Equal(t, []string{"c", "a"}, ids(c.Select([]string{"a", "missing", "c"})))
	assert.Empty(t, c.Select(nil))
}

func TestDelta_Changed(t *testing.T) {
	d := Delta{New: []string{"n1", "n2"}, Updated: []string{"u1"}}
	assert.Equal(t, []string{"n1", "n2", "u1"}, d.Changed())
	assert.False(t, d.Empty())
	assert.True(t, Delta{}.Empty())
}

func TestMerge_Concurrent(t *testing.T) {
	c := New(nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(day int) {
			defer wg.Done()
			c.Merge([]model.Article{article("shared", at(1)), article(string(rune('a'+day)), at(day+1))})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 9, c.Len())
}
