package store

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/robertmeta/feedpoll/model"
)

// QueryOptions specifies how to read articles back.
type QueryOptions struct {
	Limit  int
	Offset int
	Since  *time.Time // published at or after
	Source string     // source feed URL
}

// durationPattern matches duration strings like "7d", "2w", "3m", "1y", "12h"
var durationPattern = regexp.MustCompile(`^(\d+)([hdwmy])$`)

// ParseDuration parses a duration string like "12h", "7d", "2w", "3m", "1y".
//
// Supported units:
//   - h: hours
//   - d: days
//   - w: weeks (7 days)
//   - m: months (30 days, approximation)
//   - y: years (365 days, approximation)
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("duration string is empty")
	}

	matches := durationPattern.FindStringSubmatch(s)
	if matches == nil {
		return 0, fmt.Errorf("invalid duration format: %s (expected format: <number><unit>, e.g., 12h, 7d, 2w, 3m, 1y)", s)
	}

	num, err := strconv.Atoi(matches[1])
	if err != nil || num < 0 {
		return 0, fmt.Errorf("invalid number in duration: %s", matches[1])
	}

	day := 24 * time.Hour
	switch matches[2] {
	case "h":
		return time.Duration(num) * time.Hour, nil
	case "d":
		return time.Duration(num) * day, nil
	case "w":
		return time.Duration(num) * 7 * day, nil
	case "m":
		return time.Duration(num) * 30 * day, nil
	case "y":
		return time.Duration(num) * 365 * day, nil
	default:
		return 0, fmt.Errorf("invalid duration unit: %s (expected h, d, w, m, or y)", matches[2])
	}
}

// SinceTime converts a "since" duration string (e.g., "7d") into the point
// in time that is <duration> before now.
func SinceTime(since string, now time.Time) (time.Time, error) {
	d, err := ParseDuration(since)
	if err != nil {
		return time.Time{}, err
	}
	return now.Add(-d).UTC(), nil
}

// BuildQueryOptions constructs QueryOptions from CLI flags or API parameters.
func BuildQueryOptions(limit, offset int, since, source string) (QueryOptions, error) {
	if limit < 0 {
		return QueryOptions{}, fmt.Errorf("limit must not be negative: %d", limit)
	}
	if offset < 0 {
		return QueryOptions{}, fmt.Errorf("offset must not be negative: %d", offset)
	}

	opts := QueryOptions{
		Limit:  limit,
		Offset: offset,
		Source: source,
	}

	if since != "" {
		t, err := SinceTime(since, time.Now())
		if err != nil {
			return opts, fmt.Errorf("failed to parse since: %w", err)
		}
		opts.Since = &t
	}

	return opts, nil
}

// Apply filters and pages an already ordered article list in memory, with
// the same semantics as Store.Articles.
func (o QueryOptions) Apply(articles []model.Article) []model.Article {
	page, _ := o.Page(articles)
	return page
}

// Page is Apply that also reports how many articles matched the filters
// before paging.
func (o QueryOptions) Page(articles []model.Article) ([]model.Article, int) {
	out := make([]model.Article, 0, len(articles))
	for _, a := range articles {
		if o.Since != nil && (a.PublishedTime == nil || a.PublishedTime.Before(*o.Since)) {
			continue
		}
		if o.Source != "" && a.SourceFeedURL != o.Source {
			continue
		}
		out = append(out, a)
	}

	total := len(out)

	if o.Offset > 0 {
		if o.Offset >= len(out) {
			return out[:0], total
		}
		out = out[o.Offset:]
	}

	if o.Limit > 0 && o.Limit < len(out) {
		out = out[:o.Limit]
	}

	return out, total
}
