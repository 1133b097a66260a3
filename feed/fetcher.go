// Package feed provides RSS/Atom feed fetching and parsing for feedpoll.
package feed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mmcdole/gofeed"
	"github.com/robertmeta/feedpoll/model"
	"golang.org/x/net/html/charset"
)

// Defaults for Options fields left zero.
const (
	DefaultTimeout   = 20 * time.Second
	DefaultMaxBytes  = 10 << 20
	DefaultUserAgent = "feedpoll/1.0 (+https://github.com/robertmeta/feedpoll)"
)

// Options configures a Fetcher.
type Options struct {
	Timeout   time.Duration
	UserAgent string
	MaxBytes  int64
	Client    *http.Client
}

// Fetcher handles fetching and parsing RSS/Atom feeds.
type Fetcher struct {
	client    *http.Client
	timeout   time.Duration
	userAgent string
	maxBytes  int64
}

// NewFetcher creates a new Fetcher.
func NewFetcher(opts Options) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: opts.Timeout}
	}

	return &Fetcher{
		client:    opts.Client,
		timeout:   opts.Timeout,
		userAgent: opts.UserAgent,
		maxBytes:  opts.MaxBytes,
	}
}

// Fetch retrieves and parses a feed from a URL. It makes exactly one request;
// the poll cadence is the retry mechanism.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*Document, error) {
	body, contentType, err := f.get(ctx, url, "application/rss+xml, application/atom+xml, application/rdf+xml, application/xml;q=0.9, text/xml;q=0.9, */*;q=0.5")
	if err != nil {
		return nil, err
	}

	doc, err := parse(body, contentType)
	if err != nil {
		return nil, &model.ParseError{URL: url, Err: err}
	}
	return doc, nil
}

// Parse parses feed content from a string.
func (f *Fetcher) Parse(content string) (*Document, error) {
	doc, err := parse([]byte(content), "")
	if err != nil {
		return nil, &model.ParseError{Err: err}
	}
	return doc, nil
}

// get performs a single bounded GET and returns the body and Content-Type.
func (f *Fetcher) get(ctx context.Context, url, accept string) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", &model.FetchError{URL: url, Err: err}
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", accept)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", &model.FetchError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", &model.FetchError{URL: url, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, "", &model.FetchError{URL: url, Err: err}
	}
	if int64(len(body)) > f.maxBytes {
		return nil, "", &model.FetchError{URL: url, Err: fmt.Errorf("response exceeds %d bytes", f.maxBytes)}
	}

	return body, resp.Header.Get("Content-Type"), nil
}

// parse runs gofeed over the body, retrying once on a repaired copy.
func parse(body []byte, contentType string) (*Document, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("feed content is empty")
	}

	body = relabel(body, contentType)

	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		repaired := repair(body, contentType)
		var retryErr error
		parsed, retryErr = gofeed.NewParser().Parse(bytes.NewReader(repaired))
		if retryErr != nil {
			return nil, fmt.Errorf("failed to parse feed: %w", err)
		}
	}

	return convert(parsed), nil
}

var xmlDeclEncoding = regexp.MustCompile(`(?i)(<\?xml[^>]*?encoding\s*=\s*["'])([^"']*)(["'])`)

// singleByteCharsets are the declared encodings relabel may override.
var singleByteCharsets = []string{"windows-125", "iso-8859-", "koi8-", "macintosh", "ibm"}

// relabel rewrites a single-byte XML encoding declaration to UTF-8 when the
// body is non-ASCII valid UTF-8 and the transport names no charset. Such a
// feed would otherwise parse cleanly into mojibake.
func relabel(body []byte, contentType string) []byte {
	if strings.Contains(strings.ToLower(contentType), "charset=") {
		return body
	}
	m := xmlDeclEncoding.FindSubmatch(body)
	if m == nil || !isSingleByteCharset(string(m[2])) {
		return body
	}
	if !utf8.Valid(body) || isASCII(body) {
		return body
	}
	return xmlDeclEncoding.ReplaceAll(body, []byte("${1}UTF-8${3}"))
}

func isSingleByteCharset(label string) bool {
	_, name := charset.Lookup(label)
	for _, prefix := range singleByteCharsets {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func isASCII(b []byte) bool {
	for _, c := range b {
		if c >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// repair transcodes the body to UTF-8 using the transport charset (or a
// windows-1252 guess for invalid UTF-8), rewrites the declared encoding to
// match, and drops characters XML forbids.
func repair(body []byte, contentType string) []byte {
	if r, err := charset.NewReader(bytes.NewReader(body), contentType); err == nil {
		if decoded, err := io.ReadAll(r); err == nil {
			body = decoded
		}
	}

	body = xmlDeclEncoding.ReplaceAll(body, []byte("${1}UTF-8${3}"))

	cleaned := strings.ToValidUTF8(string(body), "")
	cleaned = strings.Map(func(r rune) rune {
		if isIllegalXMLChar(r) {
			return -1
		}
		return r
	}, cleaned)

	return []byte(cleaned)
}

func isIllegalXMLChar(r rune) bool {
	switch {
	case r == '\t' || r == '\n' || r == '\r':
		return false
	case r < 0x20:
		return true
	case r == 0xFFFE || r == 0xFFFF:
		return true
	}
	return false
}
