// Package poller runs the periodic fetch, normalize, reconcile and persist
// cycle for every configured feed source.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robertmeta/feedpoll/feed"
	"github.com/robertmeta/feedpoll/model"
	"github.com/robertmeta/feedpoll/normalize"
	"github.com/robertmeta/feedpoll/reconcile"
)

const (
	DefaultInterval = 600 * time.Second
	DefaultWorkers  = 4
)

// Sources supplies the current source list. It is re-read every round.
type Sources interface {
	List() []model.Source
}

// Fetcher retrieves and parses one feed document.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*feed.Document, error)
}

// Persister stores a corpus snapshot along with the ids that changed.
type Persister interface {
	Persist(ctx context.Context, snapshot []model.Article, changed []string) error
}

// RoundObserver is implemented by persisters that hold state for the
// duration of a round, such as a store outage marker.
type RoundObserver interface {
	RoundStarted()
}

// ImageQueue accepts thumbnail downloads for new articles.
type ImageQueue interface {
	Enqueue(id, url string) bool
}

// Options configures a Poller.
type Options struct {
	Interval time.Duration
	Workers  int
	Images   ImageQueue
	Logger   *slog.Logger
	Now      func() time.Time
}

// Poller schedules polling cycles. A source is never polled by two cycles
// at once.
type Poller struct {
	sources   Sources
	fetcher   Fetcher
	corpus    *reconcile.Corpus
	persister Persister
	images    ImageQueue
	interval  time.Duration
	workers   int
	logger    *slog.Logger
	now       func() time.Time

	triggers chan string

	// commit serializes merge, snapshot and persist so mirror writes
	// never go backwards.
	commit sync.Mutex

	mu        sync.Mutex
	status    map[string]*SourceStatus
	inflight  map[string]bool
	listeners []Listener
	nextRound time.Time
	lastRound RoundStats
}

// New creates a Poller over corpus.
func New(sources Sources, fetcher Fetcher, corpus *reconcile.Corpus, persister Persister, opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Poller{
		sources:   sources,
		fetcher:   fetcher,
		corpus:    corpus,
		persister: persister,
		images:    opts.Images,
		interval:  opts.Interval,
		workers:   opts.Workers,
		logger:    opts.Logger,
		now:       opts.Now,
		triggers:  make(chan string, 16),
		status:    make(map[string]*SourceStatus),
		inflight:  make(map[string]bool),
	}
}

// Subscribe registers a listener for cycle and corpus events.
func (p *Poller) Subscribe(l Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, l)
}

// Corpus returns the corpus the poller merges into.
func (p *Poller) Corpus() *reconcile.Corpus {
	return p.corpus
}

// Run polls every source immediately and then once per interval, measured
// start to start, until ctx is cancelled. Triggers from PollNow are served
// in between.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	p.setNextRound(p.now().Add(p.interval))
	p.Round(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			p.setNextRound(p.now().Add(p.interval))
			p.Round(ctx)

		case url := <-p.triggers:
			wg.Add(1)
			go func(url string) {
				defer wg.Done()
				p.trigger(ctx, url)
			}(url)
		}
	}
}

func (p *Poller) trigger(ctx context.Context, url string) {
	if url == "" {
		p.Round(ctx)
		return
	}

	key := normalize.CanonicalURL(url)
	for _, src := range p.sources.List() {
		if normalize.CanonicalURL(src.FeedURL) == key {
			p.PollSource(ctx, src)
			return
		}
	}
	p.logger.Warn("poll requested for unknown source", "source", url)
}

// PollNow asks Run to poll one source, or every source when url is "".
// It never blocks and reports whether the request was queued.
func (p *Poller) PollNow(url string) bool {
	select {
	case p.triggers <- url:
		return true
	default:
		return false
	}
}

// Round polls every configured source once with bounded parallelism.
func (p *Poller) Round(ctx context.Context) RoundStats {
	if r, ok := p.persister.(RoundObserver); ok {
		r.RoundStarted()
	}

	sources := p.sources.List()
	stats := RoundStats{Started: p.now(), Sources: len(sources)}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, p.workers)
	)

	for _, src := range sources {
		wg.Add(1)
		go func(src model.Source) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			res := p.PollSource(ctx, src)

			mu.Lock()
			stats.add(res)
			mu.Unlock()
		}(src)
	}

	wg.Wait()
	stats.Duration = p.now().Sub(stats.Started)

	p.mu.Lock()
	p.lastRound = stats
	p.mu.Unlock()

	p.logger.Info("poll round complete",
		"sources", stats.Sources,
		"fetched", stats.Fetched,
		"new", stats.New,
		"failed", stats.Failed,
		"skipped", stats.Skipped,
		"rejected", stats.Rejected,
		"duration", stats.Duration,
	)
	return stats
}

// PollSource runs one cycle for src and waits for it. When a cycle for the
// same source is already running the call returns at once with Skipped set.
func (p *Poller) PollSource(ctx context.Context, src model.Source) CycleResult {
	if !p.acquire(src) {
		p.logger.Debug("cycle already in flight, skipping", "source", src.FeedURL)
		return CycleResult{Source: src, Skipped: true}
	}
	defer p.release(src)

	res := p.cycle(ctx, src)

	for _, l := range p.snapshotListeners() {
		l.CycleCompleted(res)
	}
	return res
}

func (p *Poller) cycle(ctx context.Context, src model.Source) CycleResult {
	started := p.now()
	res := CycleResult{Source: src, Started: started}

	p.setState(src, StateFetching)
	doc, err := p.fetcher.Fetch(ctx, src.FeedURL)
	if err != nil {
		return p.fail(src, res, err)
	}

	p.setState(src, StateParsing)
	batch := normalize.Fold(doc, src, started)
	res.Fetched = len(batch.Articles)
	res.Rejected = batch.Rejected

	p.setState(src, StateReconciling)
	p.commit.Lock()
	delta := p.corpus.Merge(batch.Articles)
	p.setState(src, StatePersisting)
	res.StoreErr = p.persister.Persist(ctx, p.corpus.Snapshot(), delta.Changed())
	p.commit.Unlock()

	res.New = len(delta.New)
	res.Updated = len(delta.Updated)
	res.Duration = p.now().Sub(started)

	if res.StoreErr != nil {
		p.logger.Warn("persist degraded", "source", src.FeedURL, "error", res.StoreErr)
	}

	p.enqueueImages(batch.Articles, delta.New)

	p.mu.Lock()
	st := p.statusFor(src)
	st.State = StateIdle
	st.LastRun = started
	st.LastSuccess = started
	st.LastError = ""
	st.LastNew = res.New
	if res.StoreErr != nil {
		st.LastError = res.StoreErr.Error()
	}
	p.mu.Unlock()

	p.logger.Info("cycle complete",
		"source", src.FeedURL,
		"fetched", res.Fetched,
		"new", res.New,
		"updated", res.Updated,
		"rejected", res.Rejected,
	)

	if !delta.Empty() {
		changed := delta.Changed()
		for _, l := range p.snapshotListeners() {
			l.CorpusChanged(changed)
		}
	}

	return res
}

func (p *Poller) fail(src model.Source, res CycleResult, err error) CycleResult {
	res.Err = err
	res.Duration = p.now().Sub(res.Started)

	p.mu.Lock()
	st := p.statusFor(src)
	st.State = StateFailed
	st.LastRun = res.Started
	st.LastError = err.Error()
	st.LastNew = 0
	p.mu.Unlock()

	p.logger.Warn("cycle failed", "source", src.FeedURL, "error", err)
	return res
}

func (p *Poller) enqueueImages(articles []model.Article, newIDs []string) {
	if p.images == nil || len(newIDs) == 0 {
		return
	}

	fresh := make(map[string]bool, len(newIDs))
	for _, id := range newIDs {
		fresh[id] = true
	}
	for _, a := range articles {
		if fresh[a.ID] && a.HasImage() {
			p.images.Enqueue(a.ID, a.ImageURL)
			delete(fresh, a.ID)
		}
	}
}

func (p *Poller) acquire(src model.Source) bool {
	key := normalize.CanonicalURL(src.FeedURL)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inflight[key] {
		return false
	}
	p.inflight[key] = true
	return true
}

func (p *Poller) release(src model.Source) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, normalize.CanonicalURL(src.FeedURL))
}

func (p *Poller) snapshotListeners() []Listener {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Listener(nil), p.listeners...)
}

func (p *Poller) setNextRound(t time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextRound = t
}

// NextRound returns when the next scheduled round starts. It is zero before
// Run is called.
func (p *Poller) NextRound() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nextRound
}

// LastRound returns the statistics of the most recent completed round.
func (p *Poller) LastRound() RoundStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastRound
}
