package feed

import (
	"bytes"
	"context"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/robertmeta/feedpoll/model"
	"golang.org/x/net/html/charset"
)

// feedLinkTypes are the <link type> values advertising a feed.
var feedLinkTypes = map[string]bool{
	"application/rss+xml":  true,
	"application/atom+xml": true,
	"application/rdf+xml":  true,
}

// Discover fetches an HTML page and returns the feed URLs it advertises via
// <link rel="alternate">, resolved against the page and deduplicated in
// document order. A page without feed links yields an empty slice.
func (f *Fetcher) Discover(ctx context.Context, pageURL string) ([]string, error) {
	base, err := url.Parse(strings.TrimSpace(pageURL))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") {
		return nil, model.NewValidationError(pageURL, "invalid page URL")
	}

	body, contentType, err := f.get(ctx, base.String(), "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5")
	if err != nil {
		return nil, err
	}

	return DiscoverLinks(body, contentType, base), nil
}

// DiscoverLinks scans an HTML document for feed auto-discovery links.
func DiscoverLinks(body []byte, contentType string, base *url.URL) []string {
	reader, err := charset.NewReader(bytes.NewReader(body), contentType)
	if err != nil {
		reader = bytes.NewReader(body)
	}

	doc, err := goquery.NewDocumentFromReader(reader)
	if err != nil {
		return []string{}
	}

	// Honour <base href> for relative links
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if ref, err := url.Parse(strings.TrimSpace(href)); err == nil {
			base = base.ResolveReference(ref)
		}
	}

	found := []string{}
	seen := make(map[string]bool)

	doc.Find("link[rel]").Each(func(_ int, s *goquery.Selection) {
		if !hasToken(s.AttrOr("rel", ""), "alternate") {
			return
		}

		typ := strings.ToLower(strings.TrimSpace(s.AttrOr("type", "")))
		if i := strings.IndexByte(typ, ';'); i >= 0 {
			typ = strings.TrimSpace(typ[:i])
		}
		if !feedLinkTypes[typ] {
			return
		}

		href := strings.TrimSpace(s.AttrOr("href", ""))
		if href == "" {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}

		abs := base.ResolveReference(ref).String()
		if !seen[abs] {
			seen[abs] = true
			found = append(found, abs)
		}
	})

	return found
}

func hasToken(list, token string) bool {
	for _, t := range strings.Fields(strings.ToLower(list)) {
		if t == token {
			return true
		}
	}
	return false
}

// LooksLikeFeedURL is a cheap heuristic for URLs that point at a feed
// endpoint rather than an ordinary web page.
func LooksLikeFeedURL(u string) bool {
	if !strings.Contains(u, "://") {
		return false
	}
	lower := strings.ToLower(u)
	for _, tok := range []string{".xml", "/feed", "rss", "atom", ".rdf"} {
		if strings.Contains(lower, tok) {
			return true
		}
	}
	return false
}
