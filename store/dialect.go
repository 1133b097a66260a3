package store

import (
	"fmt"
	"strconv"
	"time"
)

// Dialect captures the SQL differences between the supported databases.
type Dialect struct {
	// Name is the configuration name, also the database/sql driver name.
	Name string

	numbered bool // $1 style placeholders
	unixTime bool // timestamps stored as INTEGER seconds
	schema   []string
}

// SQLite is the embedded default store.
var SQLite = Dialect{
	Name:     "sqlite",
	unixTime: true,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS articles (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			published_time INTEGER,
			author TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			url TEXT,
			image_url TEXT NOT NULL DEFAULT '',
			source_name TEXT NOT NULL DEFAULT '',
			source_feed_url TEXT NOT NULL DEFAULT '',
			fetched_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_articles_published ON articles(published_time DESC)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_articles_url ON articles(url) WHERE url IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
		)`,
	},
}

// Postgres is the networked store, reached through lib/pq.
var Postgres = Dialect{
	Name:     "postgres",
	numbered: true,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS articles (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			published_time TIMESTAMPTZ,
			author TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			url TEXT,
			image_url TEXT NOT NULL DEFAULT '',
			source_name TEXT NOT NULL DEFAULT '',
			source_feed_url TEXT NOT NULL DEFAULT '',
			fetched_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_articles_published ON articles(published_time DESC)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_articles_url ON articles(url) WHERE url IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	},
}

// DialectFor returns the dialect for a configured driver name.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql":
		return Postgres, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported database driver: %s", driver)
	}
}

// placeholder returns the bind marker for the n-th (1-based) argument.
func (d Dialect) placeholder(n int) string {
	if d.numbered {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// timeArg converts a timestamp into the column representation. nil stays NULL.
func (d Dialect) timeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	if d.unixTime {
		return t.Unix()
	}
	return t.UTC()
}

// scanTime converts a scanned column back into a UTC timestamp.
func scanTime(v any) (*time.Time, error) {
	var t time.Time
	switch x := v.(type) {
	case nil:
		return nil, nil
	case int64:
		t = time.Unix(x, 0)
	case time.Time:
		t = x
	case []byte:
		return parseTimeText(string(x))
	case string:
		return parseTimeText(x)
	default:
		return nil, fmt.Errorf("unexpected time column type %T", v)
	}
	t = t.UTC()
	return &t, nil
}

func parseTimeText(s string) (*time.Time, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		t := time.Unix(n, 0).UTC()
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, fmt.Errorf("invalid time value %q: %w", s, err)
	}
	t = t.UTC()
	return &t, nil
}
