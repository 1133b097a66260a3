package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robertmeta/feedpoll/model"
)

// DefaultTimeout bounds one round of primary store work.
const DefaultTimeout = 30 * time.Second

// Primary is the durable store behind the gateway. *Store implements it.
type Primary interface {
	Ping(ctx context.Context) error
	UpsertArticles(ctx context.Context, articles []model.Article, batchSize int) (int, error)
}

// GatewayOptions configures a Gateway.
type GatewayOptions struct {
	BatchSize int
	Timeout   time.Duration
	Logger    *slog.Logger
}

// Gateway persists corpus snapshots. The mirror is rewritten on every call;
// changed rows are upserted into the primary store when it is reachable and
// kept pending otherwise.
type Gateway struct {
	primary   Primary
	mirror    *Mirror
	batchSize int
	timeout   time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[string]bool
	// down is set when the primary store fails and cleared by RoundStarted,
	// so an outage costs one timeout per round rather than one per source.
	down bool
}

// NewGateway creates a gateway. A nil primary means mirror-only persistence.
func NewGateway(primary Primary, mirror *Mirror, opts GatewayOptions) *Gateway {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Gateway{
		primary:   primary,
		mirror:    mirror,
		batchSize: opts.BatchSize,
		timeout:   opts.Timeout,
		logger:    opts.Logger,
		pending:   make(map[string]bool),
	}
}

// Mirror returns the flat-file mirror.
func (g *Gateway) Mirror() *Mirror {
	return g.mirror
}

// HasPrimary reports whether a primary store is configured.
func (g *Gateway) HasPrimary() bool {
	return g.primary != nil
}

// Load reads the mirror contents used to seed the corpus at startup.
func (g *Gateway) Load() ([]model.Article, error) {
	articles, skipped, err := g.mirror.Load()
	if err != nil {
		return nil, err
	}
	if skipped > 0 {
		g.logger.Warn("skipped malformed mirror rows", "path", g.mirror.Path(), "skipped", skipped)
	}
	return articles, nil
}

// Seed marks articles as not yet confirmed in the primary store, so the
// first cycle that reaches it syncs them.
func (g *Gateway) Seed(articles []model.Article) {
	if g.primary == nil {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, a := range articles {
		g.pending[a.ID] = true
	}
}

// RoundStarted re-arms primary store attempts after an outage. The poller
// calls it at the start of every scheduled round.
func (g *Gateway) RoundStarted() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.down = false
}

// Pending returns how many rows still await the primary store.
func (g *Gateway) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// Persist writes snapshot to the mirror and upserts the changed ids, plus
// anything left pending by earlier failures, into the primary store.
// An unreachable store yields an error wrapping model.ErrStoreUnavailable;
// the mirror is written regardless.
func (g *Gateway) Persist(ctx context.Context, snapshot []model.Article, changed []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var errs []error
	if err := g.mirror.Write(snapshot); err != nil {
		errs = append(errs, err)
	}

	if g.primary == nil {
		return errors.Join(errs...)
	}

	for _, id := range changed {
		g.pending[id] = true
	}
	if len(g.pending) == 0 {
		return errors.Join(errs...)
	}

	if err := g.flush(ctx, snapshot); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// errRetryNextRound is reported while the store is marked down.
var errRetryNextRound = errors.New("marked down until the next round")

// flush upserts pending rows in snapshot order. Callers hold g.mu.
func (g *Gateway) flush(ctx context.Context, snapshot []model.Article) error {
	if g.down {
		return fmt.Errorf("%w: %w", model.ErrStoreUnavailable, errRetryNextRound)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if err := g.primary.Ping(ctx); err != nil {
		g.down = true
		g.logger.Warn("primary store unreachable, keeping rows pending", "pending", len(g.pending), "error", err)
		return fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err)
	}

	rows := make([]model.Article, 0, len(g.pending))
	known := make(map[string]bool, len(snapshot))
	for _, a := range snapshot {
		known[a.ID] = true
		if g.pending[a.ID] {
			rows = append(rows, a)
		}
	}
	for id := range g.pending {
		if !known[id] {
			delete(g.pending, id)
		}
	}

	n, err := g.primary.UpsertArticles(ctx, rows, g.batchSize)
	n = min(max(n, 0), len(rows))
	for _, a := range rows[:n] {
		delete(g.pending, a.ID)
	}

	if err != nil {
		g.down = true
		g.logger.Warn("primary store upsert failed", "upserted", n, "pending", len(g.pending), "error", err)
		return fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err)
	}

	g.logger.Debug("primary store synced", "upserted", n)
	return nil
}

// Upsert writes the given articles straight to the primary store, outside
// the pending bookkeeping, and returns how many rows were committed.
func (g *Gateway) Upsert(ctx context.Context, articles []model.Article) (int, error) {
	if g.primary == nil {
		return 0, fmt.Errorf("%w: no primary store configured", model.ErrStoreUnavailable)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if err := g.primary.Ping(ctx); err != nil {
		return 0, fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err)
	}

	n, err := g.primary.UpsertArticles(ctx, articles, g.batchSize)
	if err != nil {
		return n, fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err)
	}

	g.mu.Lock()
	g.down = false
	for _, a := range articles {
		delete(g.pending, a.ID)
	}
	g.mu.Unlock()

	return n, nil
}
