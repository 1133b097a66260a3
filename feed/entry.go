package feed

import (
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"
)

// Dialect identifies the feed format an entry was parsed from.
type Dialect string

// Supported dialects.
const (
	DialectRSS  Dialect = "rss"
	DialectRDF  Dialect = "rdf"
	DialectAtom Dialect = "atom"
	DialectJSON Dialect = "json"
)

// Document is a parsed feed: its channel-level info and raw entries.
type Document struct {
	Info    Info
	Entries []RawEntry
}

// Info carries feed-level metadata.
type Info struct {
	Title   string
	Link    string
	Dialect Dialect
}

// MediaRef is a media:content or media:thumbnail reference.
type MediaRef struct {
	URL    string
	Medium string
	Type   string
}

// Enclosure is an RSS enclosure or Atom rel="enclosure" link.
type Enclosure struct {
	URL  string
	Type string
}

// RawEntry holds every field the supported dialects may carry for one entry,
// before normalization. Unused fields stay zero.
type RawEntry struct {
	Dialect         Dialect
	GUID            string
	Title           string
	Link            string
	Links           []string
	Description     string
	Content         string
	Published       string
	Updated         string
	PublishedParsed *time.Time
	UpdatedParsed   *time.Time
	Authors         []string
	ImageURL        string
	MediaContent    []MediaRef
	MediaThumbnails []MediaRef
	Enclosures      []Enclosure
}

// convert converts a gofeed.Feed to a Document.
func convert(gf *gofeed.Feed) *Document {
	dialect := dialectOf(gf)

	doc := &Document{
		Info: Info{
			Title:   gf.Title,
			Link:    gf.Link,
			Dialect: dialect,
		},
		Entries: make([]RawEntry, 0, len(gf.Items)),
	}

	for _, item := range gf.Items {
		if item == nil {
			continue
		}
		doc.Entries = append(doc.Entries, convertItem(item, dialect))
	}

	return doc
}

func dialectOf(gf *gofeed.Feed) Dialect {
	switch gf.FeedType {
	case "atom":
		return DialectAtom
	case "json":
		return DialectJSON
	}
	// gofeed reports RSS 0.90 and 1.0 (RDF) as "rss"
	if gf.FeedVersion == "1.0" || gf.FeedVersion == "0.9" || gf.FeedVersion == "0.90" {
		return DialectRDF
	}
	return DialectRSS
}

// convertItem flattens a gofeed.Item into a RawEntry.
func convertItem(item *gofeed.Item, dialect Dialect) RawEntry {
	entry := RawEntry{
		Dialect:         dialect,
		GUID:            item.GUID,
		Title:           item.Title,
		Link:            item.Link,
		Links:           item.Links,
		Description:     item.Description,
		Content:         item.Content,
		Published:       item.Published,
		Updated:         item.Updated,
		PublishedParsed: item.PublishedParsed,
		UpdatedParsed:   item.UpdatedParsed,
	}

	// Authors, with Dublin Core creator as the fallback
	for _, p := range item.Authors {
		if p == nil {
			continue
		}
		if p.Name != "" {
			entry.Authors = append(entry.Authors, p.Name)
		} else if p.Email != "" {
			entry.Authors = append(entry.Authors, p.Email)
		}
	}
	if len(entry.Authors) == 0 && item.DublinCoreExt != nil {
		entry.Authors = append(entry.Authors, item.DublinCoreExt.Creator...)
	}

	if item.Image != nil {
		entry.ImageURL = item.Image.URL
	}

	for _, enc := range item.Enclosures {
		if enc == nil || enc.URL == "" {
			continue
		}
		entry.Enclosures = append(entry.Enclosures, Enclosure{URL: enc.URL, Type: enc.Type})
	}

	media := item.Extensions["media"]
	entry.MediaContent = mediaRefs(media["content"])
	entry.MediaThumbnails = mediaRefs(media["thumbnail"])
	for _, group := range media["group"] {
		entry.MediaContent = append(entry.MediaContent, mediaRefs(group.Children["content"])...)
		entry.MediaThumbnails = append(entry.MediaThumbnails, mediaRefs(group.Children["thumbnail"])...)
	}

	return entry
}

func mediaRefs(exts []ext.Extension) []MediaRef {
	var refs []MediaRef
	for _, e := range exts {
		u := strings.TrimSpace(e.Attrs["url"])
		if u == "" {
			continue
		}
		refs = append(refs, MediaRef{
			URL:    u,
			Medium: strings.ToLower(e.Attrs["medium"]),
			Type:   strings.ToLower(e.Attrs["type"]),
		})
	}
	return refs
}
