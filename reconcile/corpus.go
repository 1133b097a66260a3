// Package reconcile merges freshly fetched articles into the known corpus.
package reconcile

import (
	"slices"
	"sync"

	"github.com/robertmeta/feedpoll/model"
)

// Delta lists the ids touched by one Merge.
type Delta struct {
	New     []string
	Updated []string
}

// Empty reports whether the merge changed nothing.
func (d Delta) Empty() bool {
	return len(d.New) == 0 && len(d.Updated) == 0
}

// Changed returns the new ids followed by the updated ids.
func (d Delta) Changed() []string {
	ids := make([]string, 0, len(d.New)+len(d.Updated))
	ids = append(ids, d.New...)
	return append(ids, d.Updated...)
}

// Corpus is the ordered, deduplicated set of known articles.
// All methods are safe for concurrent use; Merge calls are serialized.
type Corpus struct {
	mu       sync.RWMutex
	articles []model.Article
	index    map[string]int
}

// New creates a corpus from existing articles, e.g. the mirror contents.
// Duplicate ids keep their first occurrence.
func New(existing []model.Article) *Corpus {
	c := &Corpus{index: make(map[string]int, len(existing))}
	for _, a := range existing {
		if a.ID == "" {
			continue
		}
		if _, ok := c.index[a.ID]; ok {
			continue
		}
		c.index[a.ID] = len(c.articles)
		c.articles = append(c.articles, a.Clone())
	}
	c.sort()
	return c
}

// Merge applies candidates to the corpus. Unknown ids are inserted and
// reported as new; known ids have their mutable fields updated in place and
// are reported as updated only when a value actually changed. Within one
// call the first occurrence of an id wins. The corpus is re-sorted newest
// first afterwards.
func (c *Corpus) Merge(candidates []model.Article) Delta {
	c.mu.Lock()
	defer c.mu.Unlock()

	var delta Delta
	seen := make(map[string]bool, len(candidates))

	for _, cand := range candidates {
		if cand.ID == "" || seen[cand.ID] {
			continue
		}
		seen[cand.ID] = true

		if i, ok := c.index[cand.ID]; ok {
			if update(&c.articles[i], cand) {
				delta.Updated = append(delta.Updated, cand.ID)
			}
			continue
		}

		c.index[cand.ID] = len(c.articles)
		c.articles = append(c.articles, cand.Clone())
		delta.New = append(delta.New, cand.ID)
	}

	if !delta.Empty() {
		c.sort()
	}
	return delta
}

// update copies the mutable fields of cand onto dst. Blank candidate values
// never erase stored ones. It reports whether anything changed.
func update(dst *model.Article, cand model.Article) bool {
	changed := false

	set := func(field *string, v string) {
		if v != "" && *field != v {
			*field = v
			changed = true
		}
	}
	set(&dst.Title, cand.Title)
	set(&dst.Description, cand.Description)
	set(&dst.ImageURL, cand.ImageURL)
	set(&dst.Author, cand.Author)

	if cand.PublishedTime != nil && (dst.PublishedTime == nil || !dst.PublishedTime.Equal(*cand.PublishedTime)) {
		t := *cand.PublishedTime
		dst.PublishedTime = &t
		changed = true
	}

	return changed
}

// sort orders articles newest first, undated last, keeping insertion order
// on ties, and rebuilds the index. Callers hold the write lock.
func (c *Corpus) sort() {
	slices.SortStableFunc(c.articles, func(a, b model.Article) int {
		switch {
		case model.Newer(&a, &b):
			return -1
		case model.Newer(&b, &a):
			return 1
		}
		return 0
	})
	for i, a := range c.articles {
		c.index[a.ID] = i
	}
}

// Snapshot returns a copy of the corpus in order.
func (c *Corpus) Snapshot() []model.Article {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]model.Article, len(c.articles))
	for i, a := range c.articles {
		out[i] = a.Clone()
	}
	return out
}

// Get returns the article with the given id.
func (c *Corpus) Get(id string) (model.Article, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	i, ok := c.index[id]
	if !ok {
		return model.Article{}, false
	}
	return c.articles[i].Clone(), true
}

// Select returns the articles for ids that exist, in corpus order.
func (c *Corpus) Select(ids []string) []model.Article {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []model.Article
	for _, a := range c.articles {
		if want[a.ID] {
			out = append(out, a.Clone())
		}
	}
	return out
}

// Len returns the number of articles.
func (c *Corpus) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.articles)
}
