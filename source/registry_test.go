package source

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/robertmeta/feedpoll/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var defaults = []model.Source{
	{FeedURL: "https://news.example.com/rss.xml", DisplayName: "Example News"},
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func readFile(t *testing.T, path string) []model.Source {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var out []model.Source
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestOpen_MissingFileWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "feeds.json")

	r, err := Open(path, defaults, quiet())
	require.NoError(t, err)
	assert.Equal(t, defaults, r.List())
	assert.Equal(t, defaults, readFile(t, path))
}

func TestOpen_InvalidOrEmptyFileWritesDefaults(t *testing.T) {
	for name, content := range map[string]string{
		"garbage": "{not json",
		"empty":   "[]",
		"invalid": `[{"feed_url": "ftp://nope"}]`,
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "feeds.json")
			require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

			r, err := Open(path, defaults, quiet())
			require.NoError(t, err)
			assert.Equal(t, defaults, r.List())
			assert.Equal(t, defaults, readFile(t, path))
		})
	}
}

func TestOpen_LegacyFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feeds.json")
	legacy := `["https://a.example.com/feed", "https://b.example.com/rss", "https://A.example.com/feed#dup"]`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o644))

	r, err := Open(path, defaults, quiet())
	require.NoError(t, err)

	got := r.List()
	require.Len(t, got, 2)
	assert.Equal(t, "https://a.example.com/feed", got[0].FeedURL)
	assert.Equal(t, "", got[0].DisplayName)
	assert.Equal(t, "a.example.com", got[0].Name())
}

func TestOpen_CurrentFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feeds.json")
	content := `[{"feed_url": "https://a.example.com/feed", "display_name": "A"}]`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	r, err := Open(path, defaults, quiet())
	require.NoError(t, err)
	assert.Equal(t, []model.Source{{FeedURL: "https://a.example.com/feed", DisplayName: "A"}}, r.List())
}

func TestOpen_NoSourcesNoDefaults(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "feeds.json"), nil, quiet())
	assert.Error(t, err)
}

func TestAdd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feeds.json")
	r, err := Open(path, defaults, quiet())
	require.NoError(t, err)

	added, err := r.Add(model.Source{FeedURL: "  https://blog.example.org/atom  ", DisplayName: "Blog"})
	require.NoError(t, err)
	assert.Equal(t, "https://blog.example.org/atom", added.FeedURL)

	assert.Len(t, r.List(), 2)
	assert.Len(t, readFile(t, path), 2, "saved immediately")

	_, ok := r.Find("https://BLOG.example.org/atom")
	assert.True(t, ok)
}

func TestAdd_Rejected(t *testing.T) {
	r, err := Open(filepath.Join(t.TempDir(), "feeds.json"), defaults, quiet())
	require.NoError(t, err)

	tests := []struct {
		name string
		url  string
	}{
		{"empty", ""},
		{"not a url", "not a url"},
		{"bad scheme", "file:///etc/passwd"},
		{"duplicate", "https://NEWS.example.com/rss.xml"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Add(model.Source{FeedURL: tt.url})
			var verr *model.ValidationError
			assert.ErrorAs(t, err, &verr)
			assert.Len(t, r.List(), 1, "rejected adds leave the list unchanged")
		})
	}
}

func TestRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feeds.json")
	r, err := Open(path, defaults, quiet())
	require.NoError(t, err)

	_, err = r.Add(model.Source{FeedURL: "https://b.example.com/rss"})
	require.NoError(t, err)

	removed, err := r.Remove("https://news.example.com/rss.xml")
	require.NoError(t, err)
	assert.Equal(t, "Example News", removed.DisplayName)
	assert.Equal(t, []model.Source{{FeedURL: "https://b.example.com/rss"}}, readFile(t, path))
}

func TestRemove_LastSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feeds.json")
	r, err := Open(path, defaults, quiet())
	require.NoError(t, err)

	_, err = r.Remove(defaults[0].FeedURL)
	assert.ErrorIs(t, err, model.ErrLastSource)
	assert.Equal(t, defaults, r.List())
	assert.Equal(t, defaults, readFile(t, path))
}

func TestRemove_Unknown(t *testing.T) {
	r, err := Open(filepath.Join(t.TempDir(), "feeds.json"), defaults, quiet())
	require.NoError(t, err)

	_, err = r.Remove("https://unknown.example.com/rss")
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.NotErrorIs(t, err, model.ErrLastSource)
}

func TestImport(t *testing.T) {
	r, err := Open(filepath.Join(t.TempDir(), "feeds.json"), defaults, quiet())
	require.NoError(t, err)

	n, err := r.Import([]model.Source{
		{FeedURL: "https://a.example.com/rss"},
		{FeedURL: "https://news.example.com/rss.xml"},
		{FeedURL: "mailto:someone@example.com"},
		{FeedURL: "https://a.example.com/rss"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, r.List(), 2)
}

func TestList_ReturnsCopy(t *testing.T) {
	r, err := Open(filepath.Join(t.TempDir(), "feeds.json"), defaults, quiet())
	require.NoError(t, err)

	list := r.List()
	list[0].DisplayName = "mutated"
	assert.Equal(t, "Example News", r.List()[0].DisplayName)
}
