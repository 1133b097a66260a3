// Package normalize turns raw feed entries into canonical articles with a
// stable, content-addressed identity.
package normalize

import (
	"net"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// fallbackNamespace scopes title-based identities so they can never collide
// with URL-based ones.
var fallbackNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:feedpoll:title-identity"))

// CanonicalURL returns the form of raw used for identity.
//
// For absolute http(s) URLs the scheme and host are lower-cased, default
// ports and the fragment are dropped and an empty path becomes "/". The
// query string is kept verbatim and redirects are not followed, so two
// URLs that differ only in tracking parameters are distinct articles.
// Anything else is returned trimmed.
func CanonicalURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	scheme := strings.ToLower(u.Scheme)
	if (scheme != "http" && scheme != "https") || u.Host == "" {
		return raw
	}

	u.Scheme = scheme
	u.Host = canonicalHost(u.Host, scheme)
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" && u.RawPath == "" {
		u.Path = "/"
	}

	return u.String()
}

func canonicalHost(host, scheme string) string {
	host = strings.ToLower(host)
	h, port, err := net.SplitHostPort(host)
	if err != nil {
		return host
	}
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		if strings.Contains(h, ":") {
			return "[" + h + "]"
		}
		return h
	}
	return host
}

// ArticleID derives the identifier for an article from its canonical URL.
// It is the RFC 4122 name-based (SHA-1) UUID in the URL namespace.
func ArticleID(canonicalURL string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(canonicalURL)).String()
}

// FallbackID derives an identifier for an entry without a URL from its
// title and the feed it came from.
func FallbackID(sourceFeedURL, title string) string {
	return uuid.NewSHA1(fallbackNamespace, []byte(CanonicalURL(sourceFeedURL)+"\n"+title)).String()
}
