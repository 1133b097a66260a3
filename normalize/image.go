package normalize

import (
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/robertmeta/feedpoll/feed"
)

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
	".gif":  true,
}

// ImageURL picks the representative image of an entry. Candidates are
// checked in a fixed order: media:content, media:thumbnail, image
// enclosures, the item <image>, then the first <img> in the content or
// description. Relative candidates resolve against the entry link, itself
// resolved against base. Only http(s) URLs qualify; none yields "".
func ImageURL(e feed.RawEntry, base *url.URL) string {
	base = entryBase(e, base)

	for _, m := range e.MediaContent {
		if isImageMedia(m.Medium, m.Type, m.URL) {
			if u := validImageURL(m.URL, base); u != "" {
				return u
			}
		}
	}

	for _, m := range e.MediaThumbnails {
		if u := validImageURL(m.URL, base); u != "" {
			return u
		}
	}

	for _, enc := range e.Enclosures {
		if isImageMedia("", enc.Type, enc.URL) {
			if u := validImageURL(enc.URL, base); u != "" {
				return u
			}
		}
	}

	if u := validImageURL(e.ImageURL, base); u != "" {
		return u
	}

	for _, html := range []string{e.Content, e.Description} {
		if u := firstImgSrc(html, base); u != "" {
			return u
		}
	}

	return ""
}

// isImageMedia accepts explicit images, and untyped media whose URL has an
// image extension or no extension at all.
func isImageMedia(medium, typ, rawURL string) bool {
	switch {
	case medium == "image":
		return true
	case medium != "":
		return false
	case strings.HasPrefix(typ, "image/"):
		return true
	case typ != "":
		return false
	}

	ext := strings.ToLower(path.Ext(strings.SplitN(rawURL, "?", 2)[0]))
	return ext == "" || imageExtensions[ext]
}

func entryBase(e feed.RawEntry, base *url.URL) *url.URL {
	if u := absoluteURL(e.Link, base); u != nil {
		return u
	}
	return base
}

func validImageURL(raw string, base *url.URL) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(raw) > MaxURLLen {
		return ""
	}

	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if !u.IsAbs() && base != nil {
		u = base.ResolveReference(u)
	}

	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ""
	}
	return u.String()
}

func firstImgSrc(html string, base *url.URL) string {
	if !strings.Contains(strings.ToLower(html), "<img") {
		return ""
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}

	var found string
	doc.Find("img[src]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		found = validImageURL(s.AttrOr("src", ""), base)
		return found == ""
	})
	return found
}
