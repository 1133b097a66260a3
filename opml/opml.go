// Package opml imports and exports the feed source list as OPML.
package opml

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/robertmeta/feedpoll/model"
)

// OPML represents the root OPML structure.
type OPML struct {
	XMLName xml.Name `xml:"opml"`
	Version string   `xml:"version,attr"`
	Head    Head     `xml:"head"`
	Body    Body     `xml:"body"`
}

// Head contains metadata about the OPML document.
type Head struct {
	Title       string `xml:"title,omitempty"`
	DateCreated string `xml:"dateCreated,omitempty"`
}

// Body contains the outline elements.
type Body struct {
	Outlines []Outline `xml:"outline"`
}

// Outline is a feed, or a folder of nested outlines.
type Outline struct {
	Text     string    `xml:"text,attr,omitempty"`
	Title    string    `xml:"title,attr,omitempty"`
	Type     string    `xml:"type,attr,omitempty"`
	XMLUrl   string    `xml:"xmlUrl,attr,omitempty"`
	HTMLUrl  string    `xml:"htmlUrl,attr,omitempty"`
	Outlines []Outline `xml:"outline,omitempty"`
}

// Parse reads an OPML document and returns its feeds as sources, in
// document order. Folders are flattened. Outlines without an xmlUrl are
// skipped; validation is left to the caller.
func Parse(r io.Reader) ([]model.Source, error) {
	var doc OPML
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse OPML: %w", err)
	}

	return collect(nil, doc.Body.Outlines), nil
}

func collect(dst []model.Source, outlines []Outline) []model.Source {
	for _, o := range outlines {
		if u := strings.TrimSpace(o.XMLUrl); u != "" {
			name := o.Title
			if name == "" {
				name = o.Text
			}
			dst = append(dst, model.Source{FeedURL: u, DisplayName: strings.TrimSpace(name)})
		}
		dst = collect(dst, o.Outlines)
	}
	return dst
}

// Generate writes sources as a flat OPML 2.0 subscription list.
func Generate(w io.Writer, sources []model.Source, created time.Time) error {
	doc := OPML{
		Version: "2.0",
		Head: Head{
			Title:       "feedpoll sources",
			DateCreated: created.UTC().Format(time.RFC1123),
		},
		Body: Body{Outlines: make([]Outline, 0, len(sources))},
	}

	for _, src := range sources {
		name := src.Name()
		doc.Body.Outlines = append(doc.Body.Outlines, Outline{
			Type:   "rss",
			Text:   name,
			Title:  name,
			XMLUrl: src.FeedURL,
		})
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return fmt.Errorf("failed to write XML header: %w", err)
	}

	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode OPML: %w", err)
	}

	if _, err := io.WriteString(w, "\n"); err != nil {
		return fmt.Errorf("failed to write final newline: %w", err)
	}

	return nil
}
