package normalize

import (
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/robertmeta/feedpoll/feed"
	"github.com/robertmeta/feedpoll/model"
)

// Field caps, in runes for text and bytes for URLs.
const (
	MaxTitleLen       = 10000
	MaxDescriptionLen = 100000
	MaxAuthorLen      = 1000
	MaxURLLen         = 4096
)

// SkipNoIdentity is the rejection reason for entries with neither a URL nor a title.
const SkipNoIdentity = "entry has neither URL nor title"

// Result is the outcome of normalizing one entry: an Article, or a non-empty
// Skip reason when the entry was rejected.
type Result struct {
	Article model.Article
	Skip    string
}

// OK reports whether the entry produced an article.
func (r Result) OK() bool {
	return r.Skip == ""
}

// Batch accumulates the articles of one feed and how many entries were rejected.
type Batch struct {
	Articles []model.Article
	Rejected int
}

// Fold normalizes every entry of doc, keeping valid articles in feed order.
// Relative links resolve against the feed's own link, then src.FeedURL.
func Fold(doc *feed.Document, src model.Source, fetchedAt time.Time) Batch {
	base := Base(doc.Info.Link, src.FeedURL)
	b := Batch{Articles: make([]model.Article, 0, len(doc.Entries))}
	for _, e := range doc.Entries {
		r := Normalize(e, base, src, fetchedAt)
		if !r.OK() {
			b.Rejected++
			continue
		}
		b.Articles = append(b.Articles, r.Article)
	}
	return b
}

// Base picks the URL that relative entry links resolve against: the feed's
// channel link when it is usable, else the feed URL. It is nil when neither
// is an absolute http(s) URL.
func Base(feedLink, feedURL string) *url.URL {
	fallback := absoluteURL(feedURL, nil)
	if u := absoluteURL(feedLink, fallback); u != nil {
		return u
	}
	return fallback
}

// Normalize converts a raw entry into a canonical Article. Relative links
// resolve against base, or src.FeedURL when base is nil. Provenance comes
// from src, never from the feed document.
func Normalize(e feed.RawEntry, base *url.URL, src model.Source, fetchedAt time.Time) Result {
	if base == nil {
		base = absoluteURL(src.FeedURL, nil)
	}
	link := entryLink(e, base)
	title := Truncate(CollapseSpace(e.Title), MaxTitleLen)

	if link == "" && title == "" {
		return Result{Skip: SkipNoIdentity}
	}

	var id string
	if link != "" {
		id = ArticleID(link)
	} else {
		id = FallbackID(src.FeedURL, title)
	}

	if title == "" {
		title = Truncate(link, MaxTitleLen)
	}

	description := e.Description
	if strings.TrimSpace(description) == "" {
		description = e.Content
	}
	description = lineEndings.Replace(description)

	return Result{Article: model.Article{
		ID:            id,
		Title:         title,
		PublishedTime: entryTime(e),
		Author:        entryAuthor(e),
		Description:   Truncate(strings.TrimSpace(description), MaxDescriptionLen),
		URL:           link,
		ImageURL:      ImageURL(e, base),
		SourceName:    src.Name(),
		SourceFeedURL: src.FeedURL,
		FetchedAt:     fetchedAt.UTC(),
	}}
}

// lineEndings folds CRLF and lone CR to LF.
var lineEndings = strings.NewReplacer("\r\n", "\n", "\r", "\n")

// entryLink picks the canonical article link: the primary link, then any
// alternate link, then a GUID that is itself a URL or a root-relative path.
// Relative candidates resolve against base.
func entryLink(e feed.RawEntry, base *url.URL) string {
	candidates := append([]string{e.Link}, e.Links...)
	candidates = append(candidates, e.GUID)

	for i, c := range candidates {
		c = strings.TrimSpace(c)
		if c == "" || len(c) > MaxURLLen {
			continue
		}
		// an opaque GUID is an id, not a link
		if i == len(candidates)-1 && !isHTTPURL(c) && !strings.HasPrefix(c, "/") {
			continue
		}
		if !isHTTPURL(c) {
			if u := absoluteURL(c, base); u != nil {
				c = u.String()
			}
		}
		if len(c) > MaxURLLen {
			continue
		}
		return CanonicalURL(c)
	}
	return ""
}

// absoluteURL parses raw, resolving it against base when it is relative.
// Only http(s) URLs with a host are returned.
func absoluteURL(raw string, base *url.URL) *url.URL {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil
	}
	if !u.IsAbs() && base != nil {
		u = base.ResolveReference(u)
	}
	scheme := strings.ToLower(u.Scheme)
	if (scheme != "http" && scheme != "https") || u.Host == "" {
		return nil
	}
	return u
}

func entryAuthor(e feed.RawEntry) string {
	for _, a := range e.Authors {
		if a = CollapseSpace(a); a != "" {
			return Truncate(a, MaxAuthorLen)
		}
	}
	return ""
}

// entryTime prefers the parsed published date, then the parsed updated date,
// then the raw strings. The result is UTC or nil.
func entryTime(e feed.RawEntry) *time.Time {
	for _, t := range []*time.Time{e.PublishedParsed, e.UpdatedParsed} {
		if t != nil && !t.IsZero() {
			u := t.UTC()
			return &u
		}
	}
	if t := ParseTime(e.Published); t != nil {
		return t
	}
	return ParseTime(e.Updated)
}

// timeLayouts are tried in order by ParseTime.
var timeLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	"Mon, 02 Jan 06 15:04:05 -0700",
	"2 Jan 2006 15:04:05 -0700",
	"02 Jan 2006 15:04:05 MST",
	time.RFC822Z,
	time.RFC822,
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05 -0700",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseTime parses a feed timestamp in any of the common RFC 822 / ISO 8601
// variants. Values without a zone are taken as UTC. Unparseable input
// yields nil.
func ParseTime(s string) *time.Time {
	s = CollapseSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			u := t.UTC()
			return &u
		}
	}
	return nil
}

// CollapseSpace trims s and replaces internal whitespace runs with one space.
func CollapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Truncate caps s at max runes.
func Truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}

func isHTTPURL(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
