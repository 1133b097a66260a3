package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/robertmeta/feedpoll/api"
	"github.com/robertmeta/feedpoll/config"
	"github.com/robertmeta/feedpoll/feed"
	"github.com/robertmeta/feedpoll/imagecache"
	"github.com/robertmeta/feedpoll/notify"
	"github.com/robertmeta/feedpoll/poller"
	"github.com/robertmeta/feedpoll/reconcile"
	"github.com/robertmeta/feedpoll/service"
	"github.com/robertmeta/feedpoll/source"
	"github.com/robertmeta/feedpoll/store"
)

// app holds the wired pipeline. store and images are nil when disabled.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.Store
	gateway  *store.Gateway
	registry *source.Registry
	fetcher  *feed.Fetcher
	poller   *poller.Poller
	images   *imagecache.Cache
	service  *service.Service
}

// newApp wires every component from cfg. The corpus is seeded from the
// mirror. A primary store that fails its boot check is kept: it syncs once
// it becomes reachable.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, withImages bool) (*app, error) {
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	a := &app{cfg: cfg, logger: logger}

	registry, err := source.Open(cfg.SourcesPath(), cfg.Sources(), logger)
	if err != nil {
		return nil, err
	}
	a.registry = registry

	var primary store.Primary
	if cfg.Database.Driver != config.DriverNone {
		st, err := store.Open(cfg.Database.Driver, cfg.DatabaseDSN())
		if err != nil {
			return nil, err
		}
		a.store = st
		primary = st
		a.bootCheck(ctx)
	}

	a.gateway = store.NewGateway(primary, store.NewMirror(cfg.MirrorPath()), store.GatewayOptions{
		BatchSize: cfg.Database.BatchSize,
		Timeout:   cfg.Database.Timeout,
		Logger:    logger,
	})

	existing, err := a.gateway.Load()
	if err != nil {
		logger.Warn("could not read mirror, starting with an empty corpus", "path", cfg.MirrorPath(), "error", err)
	}
	a.gateway.Seed(existing)
	corpus := reconcile.New(existing)
	logger.Info("corpus loaded", "articles", corpus.Len(), "mirror", cfg.MirrorPath())

	a.fetcher = feed.NewFetcher(feed.Options{
		Timeout:   cfg.Poll.FetchTimeout,
		UserAgent: cfg.Poll.UserAgent,
		MaxBytes:  cfg.Poll.MaxFeedBytes,
	})

	opts := poller.Options{
		Interval: cfg.Poll.Interval,
		Workers:  cfg.Poll.Workers,
		Logger:   logger,
	}
	var lookup service.ImageLookup
	if withImages && cfg.Images.Enabled {
		images, err := imagecache.New(imagecache.Options{
			Dir:       cfg.ImageDir(),
			Workers:   cfg.Images.Workers,
			Timeout:   cfg.Images.Timeout,
			MaxBytes:  cfg.Images.MaxBytes,
			QueueSize: cfg.Images.QueueSize,
			UserAgent: cfg.Poll.UserAgent,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		a.images = images
		opts.Images = images
		lookup = images
	}
	a.poller = poller.New(registry, a.fetcher, corpus, a.gateway, opts)

	a.service = service.New(service.Deps{
		Registry: registry,
		Fetcher:  a.fetcher,
		Poller:   a.poller,
		Gateway:  a.gateway,
		Images:   lookup,
		Logger:   logger,
	})

	return a, nil
}

// bootCheck creates the schema and logs the database status.
func (a *app) bootCheck(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Database.Timeout)
	defer cancel()

	if err := a.store.Ensure(ctx); err != nil {
		a.logger.Warn("database unavailable, continuing with mirror only",
			"driver", a.cfg.Database.Driver, "error", err)
		return
	}

	version, err := a.store.SchemaVersion(ctx)
	if err != nil {
		a.logger.Warn("could not read schema version", "error", err)
		return
	}
	a.logger.Info("database ready", "driver", a.cfg.Database.Driver, "schema_version", version)
}

// run polls until ctx is cancelled, serving the control API and publishing
// events when configured. The mirror is written once more on the way out.
func (a *app) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	if a.images != nil {
		a.images.Start(ctx)
	}

	if a.cfg.Redis.URL != "" {
		client, err := notify.Connect(ctx, a.cfg.Redis.URL)
		if err != nil {
			a.logger.Warn("redis unavailable, events disabled", "error", err)
		} else {
			defer client.Close()
			n := notify.New(notify.RedisBackend{Client: client}, a.cfg.Redis.Channel, a.cfg.Redis.Queue, a.logger)
			a.poller.Subscribe(n)
			wg.Add(1)
			go func() {
				defer wg.Done()
				n.Run(ctx)
			}()
		}
	}

	if a.cfg.API.Addr != "" {
		router := api.NewRouter(api.NewHandler(a.service, a.logger), a.cfg.API.AllowedOrigins)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := api.Serve(ctx, a.cfg.API.Addr, router, a.logger); err != nil {
				errCh <- fmt.Errorf("control API: %w", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.poller.Run(ctx); err != nil {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		cancel()
	}

	wg.Wait()
	if a.images != nil {
		a.images.Wait()
	}

	if err := a.gateway.Mirror().Write(a.poller.Corpus().Snapshot()); err != nil {
		a.logger.Error("final mirror write failed", "error", err)
		runErr = errors.Join(runErr, err)
	}
	a.logger.Info("stopped", "articles", a.poller.Corpus().Len())
	return runErr
}

// close releases the database.
func (a *app) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("failed to close database", "error", err)
		}
	}
}

// dbStatus reports the primary store state for the status command.
func (a *app) dbStatus(ctx context.Context) map[string]interface{} {
	out := map[string]interface{}{"driver": a.cfg.Database.Driver}
	if a.store == nil {
		return out
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := a.store.Ping(ctx); err != nil {
		out["reachable"] = false
		out["error"] = err.Error()
		return out
	}
	out["reachable"] = true

	if v, err := a.store.SchemaVersion(ctx); err == nil {
		out["schema_version"] = v
	}
	if n, err := a.store.Count(ctx); err == nil {
		out["articles"] = n
	}
	return out
}
