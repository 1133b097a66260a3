// Package source keeps the configured list of feed sources on disk.
package source

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/robertmeta/feedpoll/model"
	"github.com/robertmeta/feedpoll/normalize"
)

// Registry is the persisted, never-empty list of feed sources. Every
// mutation is written to disk before it returns.
type Registry struct {
	path     string
	defaults []model.Source
	logger   *slog.Logger

	mu      sync.RWMutex
	sources []model.Source
}

// Open loads the source list at path. A missing, unreadable or empty file
// is replaced with defaults. Both the current object format and the legacy
// list of plain URLs are accepted.
func Open(path string, defaults []model.Source, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{path: path, defaults: clean(defaults, logger), logger: logger}

	loaded, err := r.read()
	switch {
	case errors.Is(err, os.ErrNotExist):
		logger.Info("source list not found, writing defaults", "path", path)
	case err != nil:
		logger.Warn("source list unreadable, writing defaults", "path", path, "error", err)
	}

	if len(loaded) > 0 {
		r.sources = loaded
		return r, nil
	}

	if len(r.defaults) == 0 {
		return nil, fmt.Errorf("no feed sources in %s and no defaults configured", path)
	}
	r.sources = append([]model.Source(nil), r.defaults...)
	if err := r.save(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) read() ([]model.Source, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return nil, err
	}
	sources, err := decode(data)
	if err != nil {
		return nil, err
	}
	return clean(sources, r.logger), nil
}

// decode accepts [{"feed_url": ..., "display_name": ...}] and ["url", ...].
func decode(data []byte) ([]model.Source, error) {
	var sources []model.Source
	if err := json.Unmarshal(data, &sources); err == nil {
		return sources, nil
	}

	var urls []string
	if err := json.Unmarshal(data, &urls); err != nil {
		return nil, fmt.Errorf("invalid source list: %w", err)
	}

	sources = make([]model.Source, 0, len(urls))
	for _, u := range urls {
		sources = append(sources, model.Source{FeedURL: u})
	}
	return sources, nil
}

// clean trims, validates and dedupes sources, dropping what does not pass.
func clean(sources []model.Source, logger *slog.Logger) []model.Source {
	out := make([]model.Source, 0, len(sources))
	seen := make(map[string]bool, len(sources))
	for _, s := range sources {
		s.FeedURL = strings.TrimSpace(s.FeedURL)
		s.DisplayName = strings.TrimSpace(s.DisplayName)
		if err := s.Validate(); err != nil {
			logger.Warn("ignoring invalid source", "source", s.FeedURL, "error", err)
			continue
		}
		key := normalize.CanonicalURL(s.FeedURL)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
	}
	return out
}

// save writes the list via a temporary file and rename. Callers hold the
// write lock, or own r exclusively.
func (r *Registry) save() error {
	data, err := json.MarshalIndent(r.sources, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode sources: %w", err)
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create sources directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(r.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create sources temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write sources: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close sources: %w", err)
	}

	if err := os.Rename(tmp.Name(), r.path); err != nil {
		return fmt.Errorf("failed to replace sources: %w", err)
	}
	return nil
}

// Path returns the source list location.
func (r *Registry) Path() string {
	return r.path
}

// List returns a copy of the configured sources in order.
func (r *Registry) List() []model.Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]model.Source(nil), r.sources...)
}

// Find returns the configured source matching feedURL after canonicalization.
func (r *Registry) Find(feedURL string) (model.Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if i := r.indexOf(feedURL); i >= 0 {
		return r.sources[i], true
	}
	return model.Source{}, false
}

func (r *Registry) indexOf(feedURL string) int {
	key := normalize.CanonicalURL(feedURL)
	for i, s := range r.sources {
		if normalize.CanonicalURL(s.FeedURL) == key {
			return i
		}
	}
	return -1
}

// Add validates src and appends it. A source that is already configured is
// rejected with a *model.ValidationError.
func (r *Registry) Add(src model.Source) (model.Source, error) {
	src.FeedURL = strings.TrimSpace(src.FeedURL)
	src.DisplayName = strings.TrimSpace(src.DisplayName)
	if err := src.Validate(); err != nil {
		return model.Source{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.indexOf(src.FeedURL) >= 0 {
		return model.Source{}, model.NewValidationError(src.FeedURL, "feed source already configured")
	}

	r.sources = append(r.sources, src)
	if err := r.save(); err != nil {
		r.sources = r.sources[:len(r.sources)-1]
		return model.Source{}, err
	}
	return src, nil
}

// Import adds every valid source not yet configured and returns how many
// were added. Invalid and duplicate entries are skipped.
func (r *Registry) Import(sources []model.Source) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	before := len(r.sources)
	for _, s := range clean(sources, r.logger) {
		if r.indexOf(s.FeedURL) < 0 {
			r.sources = append(r.sources, s)
		}
	}

	added := len(r.sources) - before
	if added == 0 {
		return 0, nil
	}
	if err := r.save(); err != nil {
		r.sources = r.sources[:before]
		return 0, err
	}
	return added, nil
}

// Remove deletes the source with the given feed URL. Removing the last
// source fails with model.ErrLastSource; an unknown URL fails with a
// *model.ValidationError. Neither changes the list.
func (r *Registry) Remove(feedURL string) (model.Source, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(feedURL)
	if i < 0 {
		return model.Source{}, model.NewValidationError(feedURL, "feed source not configured")
	}
	if len(r.sources) == 1 {
		return model.Source{}, model.ErrLastSource
	}

	removed := r.sources[i]
	prev := r.sources
	r.sources = append(append([]model.Source(nil), prev[:i]...), prev[i+1:]...)
	if err := r.save(); err != nil {
		r.sources = prev
		return model.Source{}, err
	}
	return removed, nil
}
