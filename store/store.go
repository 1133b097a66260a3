// Package store persists articles to the primary database and to the
// flat-file mirror kept alongside it.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robertmeta/feedpoll/model"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// DefaultBatchSize is the number of rows written per upsert statement.
const DefaultBatchSize = 500

// mutableColumns are overwritten when an article id already exists.
var mutableColumns = []string{"title", "description", "published_time", "image_url", "author"}

// Store is the primary article database.
type Store struct {
	db      *sql.DB
	dialect Dialect
	ensured atomic.Bool
}

// New opens an SQLite database at dbPath and ensures the schema exists.
// Use ":memory:" for an in-memory database (useful for testing).
func New(dbPath string) (*Store, error) {
	s, err := Open(SQLite.Name, dbPath)
	if err != nil {
		return nil, err
	}

	if err := s.Ensure(context.Background()); err != nil {
		s.Close()
		return nil, err
	}

	return s, nil
}

// Open opens a database for the given driver without touching it. Call
// Ensure before use.
func Open(driver, dsn string) (*Store, error) {
	dialect, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(dialect.Name, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dialect.unixTime {
		// one connection keeps :memory: databases and writers consistent
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	return &Store{db: db, dialect: dialect}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable. The first successful ping after
// a failed boot check creates the schema.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return err
	}
	if !s.ensured.Load() {
		return s.Ensure(ctx)
	}
	return nil
}

// Ensure creates the tables and indexes if needed and records the schema version.
func (s *Store) Ensure(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO schema_version (version) VALUES ("+s.dialect.placeholder(1)+") ON CONFLICT (version) DO NOTHING",
		model.SchemaVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}

	s.ensured.Store(true)
	return nil
}

// SchemaVersion returns the highest recorded schema version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return int(v.Int64), nil
}

// UpsertArticles writes articles in batches of batchSize rows, one statement
// per batch. Each batch commits on its own; on failure the number of rows
// already committed is returned with the error. Duplicate ids keep their
// first occurrence.
func (s *Store) UpsertArticles(ctx context.Context, articles []model.Article, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	batchSize = min(batchSize, model.MaxBatchSize)

	rows := uniqueByID(articles)
	committed := 0

	for start := 0; start < len(rows); start += batchSize {
		end := min(start+batchSize, len(rows))
		batch := rows[start:end]

		query, args := s.upsertStatement(batch)
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return committed, fmt.Errorf("failed to upsert batch at row %d: %w", start, err)
		}
		committed += len(batch)
	}

	return committed, nil
}

func (s *Store) upsertStatement(batch []model.Article) (string, []any) {
	var b strings.Builder
	args := make([]any, 0, len(batch)*len(model.ArticleColumns))

	b.WriteString("INSERT INTO articles (")
	b.WriteString(strings.Join(model.ArticleColumns, ", "))
	b.WriteString(") VALUES ")

	n := 0
	for i, a := range batch {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j, v := range s.rowArgs(a) {
			if j > 0 {
				b.WriteString(", ")
			}
			n++
			b.WriteString(s.dialect.placeholder(n))
			args = append(args, v)
		}
		b.WriteByte(')')
	}

	b.WriteString(" ON CONFLICT (id) DO UPDATE SET ")
	for i, col := range mutableColumns {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s = excluded.%s", col, col)
	}

	return b.String(), args
}

// rowArgs returns the column values of a in model.ArticleColumns order.
func (s *Store) rowArgs(a model.Article) []any {
	fetched := a.FetchedAt
	return []any{
		a.ID,
		a.Title,
		s.dialect.timeArg(a.PublishedTime),
		a.Author,
		a.Description,
		nullString(a.URL),
		a.ImageURL,
		a.SourceName,
		a.SourceFeedURL,
		s.dialect.timeArg(&fetched),
	}
}

// Articles retrieves articles newest first with optional filtering and pagination.
func (s *Store) Articles(ctx context.Context, opts QueryOptions) ([]model.Article, error) {
	query := "SELECT " + strings.Join(model.ArticleColumns, ", ") + " FROM articles WHERE 1=1"
	args := []any{}

	if opts.Since != nil {
		args = append(args, s.dialect.timeArg(opts.Since))
		query += " AND published_time >= " + s.dialect.placeholder(len(args))
	}

	if opts.Source != "" {
		args = append(args, opts.Source)
		query += " AND source_feed_url = " + s.dialect.placeholder(len(args))
	}

	query += " ORDER BY published_time DESC NULLS LAST, fetched_at DESC, id"

	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += " LIMIT " + s.dialect.placeholder(len(args))
	}

	if opts.Offset > 0 {
		if opts.Limit <= 0 && s.dialect.unixTime {
			query += " LIMIT -1"
		}
		args = append(args, opts.Offset)
		query += " OFFSET " + s.dialect.placeholder(len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query articles: %w", err)
	}
	defer rows.Close()

	var articles []model.Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, err
		}
		articles = append(articles, a)
	}

	return articles, rows.Err()
}

// Count returns the number of stored articles.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM articles").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count articles: %w", err)
	}
	return n, nil
}

func scanArticle(rows *sql.Rows) (model.Article, error) {
	var (
		a         model.Article
		published any
		fetched   any
		link      sql.NullString
	)

	err := rows.Scan(&a.ID, &a.Title, &published, &a.Author, &a.Description,
		&link, &a.ImageURL, &a.SourceName, &a.SourceFeedURL, &fetched)
	if err != nil {
		return a, fmt.Errorf("failed to scan article: %w", err)
	}

	a.URL = link.String

	if a.PublishedTime, err = scanTime(published); err != nil {
		return a, fmt.Errorf("article %s published_time: %w", a.ID, err)
	}

	f, err := scanTime(fetched)
	if err != nil {
		return a, fmt.Errorf("article %s fetched_at: %w", a.ID, err)
	}
	if f != nil {
		a.FetchedAt = *f
	}

	return a, nil
}

func uniqueByID(articles []model.Article) []model.Article {
	seen := make(map[string]bool, len(articles))
	out := make([]model.Article, 0, len(articles))
	for _, a := range articles {
		if a.ID == "" || seen[a.ID] {
			continue
		}
		seen[a.ID] = true
		out = append(out, a)
	}
	return out
}

// nullString stores "" as NULL so the unique url index ignores it.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
