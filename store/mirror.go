package store

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/robertmeta/feedpoll/model"
)

// Mirror is the local CSV copy of the full corpus. It is always written,
// whether or not the primary store is reachable, and seeds the corpus at
// startup.
type Mirror struct {
	path string
	mu   sync.Mutex
}

// NewMirror returns a mirror backed by the file at path.
func NewMirror(path string) *Mirror {
	return &Mirror{path: path}
}

// Path returns the mirror file location.
func (m *Mirror) Path() string {
	return m.path
}

// Write replaces the mirror with articles. The file is written to a
// temporary sibling and renamed into place, so readers never see a torn file.
func (m *Mirror) Write(articles []model.Article) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create mirror directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(m.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create mirror temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write(model.ArticleColumns); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write mirror header: %w", err)
	}
	for _, a := range articles {
		if err := w.Write(encodeRow(a)); err != nil {
			tmp.Close()
			return fmt.Errorf("failed to write mirror row %s: %w", a.ID, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to flush mirror: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync mirror: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close mirror: %w", err)
	}

	if err := os.Rename(tmp.Name(), m.path); err != nil {
		return fmt.Errorf("failed to replace mirror: %w", err)
	}
	return nil
}

// Load reads the mirror. A missing file yields an empty corpus. Malformed
// rows are skipped and counted. The result is deduplicated by id (first row
// wins) and ordered newest first.
func (m *Mirror) Load() ([]model.Article, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := os.Open(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open mirror: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if err == io.EOF {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read mirror header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[name] = i
	}
	if _, ok := cols["id"]; !ok {
		return nil, 0, fmt.Errorf("mirror %s has no id column", m.path)
	}

	var (
		articles []model.Article
		skipped  int
		seen     = make(map[string]bool)
	)

	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			skipped++
			continue
		}
		if err != nil {
			return nil, 0, fmt.Errorf("failed to read mirror: %w", err)
		}

		a, ok := decodeRow(record, cols)
		if !ok {
			skipped++
			continue
		}
		if seen[a.ID] {
			continue
		}
		seen[a.ID] = true
		articles = append(articles, a)
	}

	slices.SortStableFunc(articles, func(a, b model.Article) int {
		switch {
		case model.Newer(&a, &b):
			return -1
		case model.Newer(&b, &a):
			return 1
		}
		return 0
	})

	return articles, skipped, nil
}

func encodeRow(a model.Article) []string {
	published := ""
	if a.PublishedTime != nil {
		published = a.PublishedTime.UTC().Format(time.RFC3339Nano)
	}
	return []string{
		a.ID,
		a.Title,
		published,
		a.Author,
		a.Description,
		a.URL,
		a.ImageURL,
		a.SourceName,
		a.SourceFeedURL,
		a.FetchedAt.UTC().Format(time.RFC3339Nano),
	}
}

func decodeRow(record []string, cols map[string]int) (model.Article, bool) {
	field := func(name string) (string, bool) {
		i, ok := cols[name]
		if !ok {
			return "", true
		}
		if i >= len(record) {
			return "", false
		}
		return record[i], true
	}

	values := make(map[string]string, len(model.ArticleColumns))
	for _, name := range model.ArticleColumns {
		v, ok := field(name)
		if !ok {
			return model.Article{}, false
		}
		values[name] = v
	}

	a := model.Article{
		ID:            values["id"],
		Title:         values["title"],
		Author:        values["author"],
		Description:   values["description"],
		URL:           values["url"],
		ImageURL:      values["image_url"],
		SourceName:    values["source_name"],
		SourceFeedURL: values["source_feed_url"],
	}
	if a.ID == "" {
		return a, false
	}

	if s := values["published_time"]; s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return a, false
		}
		t = t.UTC()
		a.PublishedTime = &t
	}

	if s := values["fetched_at"]; s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return a, false
		}
		a.FetchedAt = t.UTC()
	}

	return a, true
}
