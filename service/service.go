// Package service is the facade that user-facing surfaces (CLI, HTTP API)
// drive: source management, on-demand polling and read access to the corpus.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robertmeta/feedpoll/feed"
	"github.com/robertmeta/feedpoll/model"
	"github.com/robertmeta/feedpoll/poller"
	"github.com/robertmeta/feedpoll/source"
	"github.com/robertmeta/feedpoll/store"
)

// ErrPollQueueFull is returned when too many poll requests are pending.
var ErrPollQueueFull = errors.New("poll request queue is full")

// Fetcher retrieves feeds and discovers them on web pages.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*feed.Document, error)
	Discover(ctx context.Context, pageURL string) ([]string, error)
}

// ImageLookup resolves cached thumbnails.
type ImageLookup interface {
	Lookup(id string) (string, bool)
}

// Deps wires a Service. Images may be nil when the image cache is disabled.
type Deps struct {
	Registry *source.Registry
	Fetcher  Fetcher
	Poller   *poller.Poller
	Gateway  *store.Gateway
	Images   ImageLookup
	Logger   *slog.Logger
}

// Service implements the operations exposed to users.
type Service struct {
	registry *source.Registry
	fetcher  Fetcher
	poller   *poller.Poller
	gateway  *store.Gateway
	images   ImageLookup
	logger   *slog.Logger
}

// New creates a Service.
func New(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Service{
		registry: d.Registry,
		fetcher:  d.Fetcher,
		poller:   d.Poller,
		gateway:  d.Gateway,
		images:   d.Images,
		logger:   d.Logger,
	}
}

// AddSource validates rawURL, probes it and adds it to the source list.
// Page URLs that do not look like feeds, duplicates and feeds that cannot
// be read or have no entries are rejected with a *model.ValidationError.
// The new source is polled right away.
func (s *Service) AddSource(ctx context.Context, rawURL string) (model.Source, error) {
	rawURL = strings.TrimSpace(rawURL)
	src := model.Source{FeedURL: rawURL}
	if err := src.Validate(); err != nil {
		return model.Source{}, err
	}

	if !feed.LooksLikeFeedURL(rawURL) {
		return model.Source{}, model.NewValidationError(rawURL,
			"this looks like a web page, not an RSS/Atom feed; use feed discovery instead")
	}

	if _, ok := s.registry.Find(rawURL); ok {
		return model.Source{}, model.NewValidationError(rawURL, "feed source already configured")
	}

	doc, err := s.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return model.Source{}, fmt.Errorf("%w: %w", model.NewValidationError(rawURL, "could not read feed"), err)
	}
	if len(doc.Entries) == 0 {
		return model.Source{}, model.NewValidationError(rawURL, "no entries found in this feed")
	}
	src.DisplayName = strings.TrimSpace(doc.Info.Title)

	added, err := s.registry.Add(src)
	if err != nil {
		return model.Source{}, err
	}

	s.logger.Info("source added", "source", added.FeedURL, "name", added.Name())
	s.poller.PollNow(added.FeedURL)
	return added, nil
}

// DiscoverFeeds lists the feeds advertised by a web page.
func (s *Service) DiscoverFeeds(ctx context.Context, pageURL string) ([]string, error) {
	return s.fetcher.Discover(ctx, strings.TrimSpace(pageURL))
}

// AddDiscovered discovers the feeds on pageURL and adds the first one that
// is not configured yet.
func (s *Service) AddDiscovered(ctx context.Context, pageURL string) (model.Source, error) {
	found, err := s.DiscoverFeeds(ctx, pageURL)
	if err != nil {
		return model.Source{}, err
	}
	if len(found) == 0 {
		return model.Source{}, model.NewValidationError(pageURL, "no RSS/Atom feeds found on page")
	}

	for _, u := range found {
		if _, ok := s.registry.Find(u); ok {
			continue
		}
		added, err := s.registry.Add(model.Source{FeedURL: u})
		if err != nil {
			return model.Source{}, err
		}
		s.logger.Info("discovered source added", "source", added.FeedURL, "page", pageURL)
		s.poller.PollNow(added.FeedURL)
		return added, nil
	}

	return model.Source{}, model.NewValidationError(pageURL, "discovered feeds are already configured")
}

// RemoveSource removes a source. The last source cannot be removed
// (model.ErrLastSource). A cycle already running for it completes; later
// rounds skip it.
func (s *Service) RemoveSource(feedURL string) error {
	removed, err := s.registry.Remove(strings.TrimSpace(feedURL))
	if err != nil {
		return err
	}
	s.logger.Info("source removed", "source", removed.FeedURL)
	return nil
}

// ImportSources adds every valid, not yet configured source.
func (s *Service) ImportSources(sources []model.Source) (int, error) {
	return s.registry.Import(sources)
}

// Sources returns the configured sources.
func (s *Service) Sources() []model.Source {
	return s.registry.List()
}

// PollNow requests an asynchronous poll of one source, or of all sources
// when feedURL is "".
func (s *Service) PollNow(feedURL string) error {
	feedURL = strings.TrimSpace(feedURL)
	if feedURL != "" {
		src, ok := s.registry.Find(feedURL)
		if !ok {
			return model.NewValidationError(feedURL, "feed source not configured")
		}
		feedURL = src.FeedURL
	}
	if !s.poller.PollNow(feedURL) {
		return ErrPollQueueFull
	}
	return nil
}

// Snapshot returns the ordered corpus.
func (s *Service) Snapshot() []model.Article {
	return s.poller.Corpus().Snapshot()
}

// Articles returns a filtered page of the corpus.
func (s *Service) Articles(opts store.QueryOptions) []model.Article {
	return opts.Apply(s.Snapshot())
}

// Page returns one page of the corpus and the number of matching articles,
// both taken from the same snapshot.
func (s *Service) Page(opts store.QueryOptions) ([]model.Article, int) {
	return opts.Page(s.Snapshot())
}

// Article returns one article by id.
func (s *Service) Article(id string) (model.Article, bool) {
	return s.poller.Corpus().Get(id)
}

// ImagePath returns the cached thumbnail for an article, if any.
func (s *Service) ImagePath(id string) (string, bool) {
	if s.images == nil {
		return "", false
	}
	return s.images.Lookup(id)
}

// UpsertSelected writes the given articles to the primary store right away
// and returns how many rows were committed.
func (s *Service) UpsertSelected(ctx context.Context, ids []string) (int, error) {
	selected := s.poller.Corpus().Select(ids)
	if len(selected) == 0 {
		return 0, model.NewValidationError(strings.Join(ids, ","), "no matching articles")
	}
	return s.gateway.Upsert(ctx, selected)
}

// Status summarizes the pipeline state.
type Status struct {
	Sources      []poller.SourceStatus `json:"sources"`
	Articles     int                   `json:"articles"`
	Pending      int                   `json:"pending"`
	PrimaryStore bool                  `json:"primary_store"`
	NextRound    time.Time             `json:"next_round"`
	LastRound    poller.RoundStats     `json:"last_round"`
}

// Status returns per-source state and corpus statistics.
func (s *Service) Status() Status {
	return Status{
		Sources:      s.poller.Status(),
		Articles:     s.poller.Corpus().Len(),
		Pending:      s.gateway.Pending(),
		PrimaryStore: s.gateway.HasPrimary(),
		NextRound:    s.poller.NextRound(),
		LastRound:    s.poller.LastRound(),
	}
}
