// Package model defines the core data structures for feedpoll.
package model

import (
	"net/url"
	"strings"
	"time"
)

// SchemaVersion is the version of the Article column set shared by the
// primary store and the flat-file mirror.
const SchemaVersion = 1

// MaxBatchSize caps rows per upsert statement. At len(ArticleColumns)
// parameters per row it stays under SQLite's 32766 bind-variable limit and
// Postgres's 65535.
const MaxBatchSize = 3000

// ArticleColumns lists the persisted Article fields in storage order.
var ArticleColumns = []string{
	"id",
	"title",
	"published_time",
	"author",
	"description",
	"url",
	"image_url",
	"source_name",
	"source_feed_url",
	"fetched_at",
}

// Source represents a configured RSS/Atom feed source.
type Source struct {
	FeedURL     string `json:"feed_url"`
	DisplayName string `json:"display_name"`
}

// Validate checks that the source has a usable absolute http(s) feed URL.
func (s *Source) Validate() error {
	if strings.TrimSpace(s.FeedURL) == "" {
		return NewValidationError(s.FeedURL, "feed URL is required")
	}

	u, err := url.ParseRequestURI(strings.TrimSpace(s.FeedURL))
	if err != nil {
		return NewValidationError(s.FeedURL, "invalid feed URL")
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return NewValidationError(s.FeedURL, "unsupported scheme: "+u.Scheme)
	}

	if u.Host == "" {
		return NewValidationError(s.FeedURL, "feed URL has no host")
	}

	return nil
}

// Name returns the display name, falling back to the feed host.
func (s *Source) Name() string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	if u, err := url.Parse(s.FeedURL); err == nil && u.Host != "" {
		return u.Host
	}
	return s.FeedURL
}

// Article is the canonical record for a single feed entry.
type Article struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	PublishedTime *time.Time `json:"published_time"`
	Author        string     `json:"author"`
	Description   string     `json:"description"`
	URL           string     `json:"url"`
	ImageURL      string     `json:"image_url"`
	SourceName    string     `json:"source_name"`
	SourceFeedURL string     `json:"source_feed_url"`
	FetchedAt     time.Time  `json:"fetched_at"`
}

// HasImage returns true if the article references a thumbnail.
func (a *Article) HasImage() bool {
	return a.ImageURL != ""
}

// Newer reports whether a sorts before b in newest-first order.
// Articles without a timestamp sort after every dated article.
func Newer(a, b *Article) bool {
	switch {
	case a.PublishedTime == nil:
		return false
	case b.PublishedTime == nil:
		return true
	default:
		return a.PublishedTime.After(*b.PublishedTime)
	}
}

// Clone returns a deep copy of the article.
func (a Article) Clone() Article {
	if a.PublishedTime != nil {
		t := *a.PublishedTime
		a.PublishedTime = &t
	}
	return a
}
