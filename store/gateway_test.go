package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/robertmeta/feedpoll/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyPrimary records upserts and fails on demand.
type flakyPrimary struct {
	mu        sync.Mutex
	down      bool
	failAfter int // rows accepted before an upsert error, -1 for never
	upserted  []string
}

func (p *flakyPrimary) Ping(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down {
		return errors.New("connection refused")
	}
	return nil
}

func (p *flakyPrimary) UpsertArticles(_ context.Context, articles []model.Article, _ int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, a := range articles {
		if p.failAfter >= 0 && i >= p.failAfter {
			return i, errors.New("batch rejected")
		}
		p.upserted = append(p.upserted, a.ID)
	}
	return len(articles), nil
}

func (p *flakyPrimary) set(down bool, failAfter int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.down = down
	p.failAfter = failAfter
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGateway(t *testing.T, primary Primary) *Gateway {
	t.Helper()
	m := NewMirror(filepath.Join(t.TempDir(), "articles.csv"))
	return NewGateway(primary, m, GatewayOptions{Logger: quietLogger()})
}

func TestGateway_PersistMirrorOnly(t *testing.T) {
	g := newTestGateway(t, nil)
	snap := []model.Article{testArticle(1, hoursAgo(1))}

	require.NoError(t, g.Persist(context.Background(), snap, []string{"id-001"}))
	assert.Equal(t, 0, g.Pending())
	assert.False(t, g.HasPrimary())

	loaded, err := g.Load()
	require.NoError(t, err)
	assert.Equal(t, snap, loaded)
}

func TestGateway_PersistUpsertsChanged(t *testing.T) {
	p := &flakyPrimary{failAfter: -1}
	g := newTestGateway(t, p)
	snap := []model.Article{testArticle(1, hoursAgo(1)), testArticle(2, hoursAgo(2))}

	require.NoError(t, g.Persist(context.Background(), snap, []string{"id-002"}))
	assert.Equal(t, []string{"id-002"}, p.upserted)
	assert.Equal(t, 0, g.Pending())
}

func TestGateway_StoreUnavailableKeepsPending(t *testing.T) {
	p := &flakyPrimary{down: true, failAfter: -1}
	g := newTestGateway(t, p)
	snap := []model.Article{testArticle(1, hoursAgo(1)), testArticle(2, hoursAgo(2))}

	err := g.Persist(context.Background(), snap, []string{"id-001", "id-002"})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrStoreUnavailable)
	assert.Equal(t, 2, g.Pending())

	loaded, err := g.Load()
	require.NoError(t, err)
	assert.Len(t, loaded, 2, "the mirror is written even when the store is down")

	p.set(false, -1)
	err = g.Persist(context.Background(), snap, nil)
	assert.ErrorIs(t, err, model.ErrStoreUnavailable, "no retry within the same round")
	assert.Empty(t, p.upserted)

	g.RoundStarted()
	require.NoError(t, g.Persist(context.Background(), snap, nil))
	assert.ElementsMatch(t, []string{"id-001", "id-002"}, p.upserted)
	assert.Equal(t, 0, g.Pending())
}

// hangingPrimary blocks every ping until its context expires.
type hangingPrimary struct {
	mu    sync.Mutex
	pings int
}

func (p *hangingPrimary) Ping(ctx context.Context) error {
	p.mu.Lock()
	p.pings++
	p.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

func (p *hangingPrimary) UpsertArticles(context.Context, []model.Article, int) (int, error) {
	return 0, errors.New("unreachable")
}

func TestGateway_OutageCostsOneTimeoutPerRound(t *testing.T) {
	p := &hangingPrimary{}
	m := NewMirror(filepath.Join(t.TempDir(), "articles.csv"))
	g := NewGateway(p, m, GatewayOptions{Timeout: 50 * time.Millisecond, Logger: quietLogger()})
	snap := []model.Article{testArticle(1, hoursAgo(1))}

	start := time.Now()
	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, g.Persist(context.Background(), snap, []string{"id-001"}), model.ErrStoreUnavailable)
	}
	assert.Less(t, time.Since(start), 200*time.Millisecond)
	assert.Equal(t, 1, p.pings)
	assert.Equal(t, 1, g.Pending())

	g.RoundStarted()
	assert.Error(t, g.Persist(context.Background(), snap, nil))
	assert.Equal(t, 2, p.pings)
}

func TestGateway_PartialBatchFailure(t *testing.T) {
	p := &flakyPrimary{failAfter: 1}
	g := newTestGateway(t, p)
	snap := []model.Article{testArticle(1, hoursAgo(1)), testArticle(2, hoursAgo(2)), testArticle(3, hoursAgo(3))}

	err := g.Persist(context.Background(), snap, []string{"id-001", "id-002", "id-003"})
	assert.ErrorIs(t, err, model.ErrStoreUnavailable)
	assert.Equal(t, []string{"id-001"}, p.upserted, "rows go in snapshot order")
	assert.Equal(t, 2, g.Pending())
}

func TestGateway_Seed(t *testing.T) {
	p := &flakyPrimary{failAfter: -1}
	g := newTestGateway(t, p)
	mirrored := []model.Article{testArticle(1, hoursAgo(1)), testArticle(2, hoursAgo(2))}

	g.Seed(mirrored)
	assert.Equal(t, 2, g.Pending())

	require.NoError(t, g.Persist(context.Background(), mirrored, nil))
	assert.Len(t, p.upserted, 2)

	mirrorOnly := newTestGateway(t, nil)
	mirrorOnly.Seed(mirrored)
	assert.Equal(t, 0, mirrorOnly.Pending())
}

func TestGateway_DropsPendingIDsMissingFromSnapshot(t *testing.T) {
	p := &flakyPrimary{failAfter: -1}
	g := newTestGateway(t, p)

	require.NoError(t, g.Persist(context.Background(), nil, []string{"ghost"}))
	assert.Empty(t, p.upserted)
	assert.Equal(t, 0, g.Pending())
}

func TestGateway_WithSQLite(t *testing.T) {
	s, err := New(":memory:")
	require.NoError(t, err)
	defer s.Close()

	g := newTestGateway(t, s)
	snap := []model.Article{testArticle(1, hoursAgo(1)), testArticle(2, nil)}

	require.NoError(t, g.Persist(context.Background(), snap, []string{"id-001", "id-002"}))

	got, err := s.Articles(context.Background(), QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, snap, got)
}

func TestGateway_Upsert(t *testing.T) {
	p := &flakyPrimary{failAfter: -1}
	g := newTestGateway(t, p)
	g.Seed([]model.Article{testArticle(1, nil), testArticle(2, nil)})

	n, err := g.Upsert(context.Background(), []model.Article{testArticle(1, nil)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, g.Pending())

	_, err = newTestGateway(t, nil).Upsert(context.Background(), []model.Article{testArticle(1, nil)})
	assert.ErrorIs(t, err, model.ErrStoreUnavailable)
}
