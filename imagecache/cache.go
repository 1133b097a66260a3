// Package imagecache downloads article thumbnails into a local directory,
// one file per article id.
package imagecache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/robertmeta/feedpoll/model"
)

const (
	DefaultWorkers   = 2
	DefaultTimeout   = 10 * time.Second
	DefaultMaxBytes  = 5 << 20
	DefaultQueueSize = 256
)

// extensions maps the accepted sniffed content types to file extensions.
var extensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
}

var validID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// Options configures a Cache.
type Options struct {
	Dir       string
	Workers   int
	Timeout   time.Duration
	MaxBytes  int64
	QueueSize int
	UserAgent string
	Client    *http.Client
	Logger    *slog.Logger
}

type job struct {
	id  string
	url string
}

// Cache is a best-effort thumbnail store. Downloads run on a small worker
// pool; failures are logged and otherwise ignored.
type Cache struct {
	dir       string
	workers   int
	timeout   time.Duration
	maxBytes  int64
	userAgent string
	client    *http.Client
	logger    *slog.Logger

	jobs chan job
	wg   sync.WaitGroup
	once sync.Once

	mu       sync.Mutex
	inflight map[string]bool
}

// New creates the cache directory if needed and returns a Cache. Call Start
// to begin processing enqueued downloads.
func New(opts Options) (*Cache, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("image cache directory is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create image cache directory: %w", err)
	}

	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Cache{
		dir:       opts.Dir,
		workers:   opts.Workers,
		timeout:   opts.Timeout,
		maxBytes:  opts.MaxBytes,
		userAgent: opts.UserAgent,
		client:    opts.Client,
		logger:    opts.Logger,
		jobs:      make(chan job, opts.QueueSize),
		inflight:  make(map[string]bool),
	}, nil
}

// Dir returns the cache directory.
func (c *Cache) Dir() string {
	return c.dir
}

// Start launches the worker pool. Workers exit when ctx is cancelled.
// Calling Start more than once has no effect.
func (c *Cache) Start(ctx context.Context) {
	c.once.Do(func() {
		for i := 0; i < c.workers; i++ {
			c.wg.Add(1)
			go c.work(ctx)
		}
	})
}

// Wait blocks until every worker has exited.
func (c *Cache) Wait() {
	c.wg.Wait()
}

func (c *Cache) work(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-c.jobs:
			if _, err := c.Fetch(ctx, j.id, j.url); err != nil {
				c.logger.Debug("image download failed", "id", j.id, "url", j.url, "error", err)
			}
			c.mu.Lock()
			delete(c.inflight, j.id)
			c.mu.Unlock()
		}
	}
}

// Enqueue schedules a download for id without blocking. It reports whether
// the job was queued; ids already cached, already queued, or arriving while
// the queue is full are dropped.
func (c *Cache) Enqueue(id, url string) bool {
	if url == "" || !validID.MatchString(id) {
		return false
	}
	if _, ok := c.Lookup(id); ok {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inflight[id] {
		return false
	}

	select {
	case c.jobs <- job{id: id, url: url}:
		c.inflight[id] = true
		return true
	default:
		c.logger.Debug("image queue full, dropping", "id", id)
		return false
	}
}

// Lookup returns the cached file for id, if any.
func (c *Cache) Lookup(id string) (string, bool) {
	if !validID.MatchString(id) {
		return "", false
	}
	for _, ext := range []string{".jpg", ".png", ".webp"} {
		path := filepath.Join(c.dir, id+ext)
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			return path, true
		}
	}
	return "", false
}

// Fetch downloads the image for id and stores it, unless a file for id is
// already cached. Errors are *model.ImageFetchError.
func (c *Cache) Fetch(ctx context.Context, id, url string) (string, error) {
	if !validID.MatchString(id) {
		return "", &model.ImageFetchError{ArticleID: id, URL: url, Err: fmt.Errorf("invalid article id")}
	}
	if path, ok := c.Lookup(id); ok {
		return path, nil
	}

	data, err := c.download(ctx, url)
	if err != nil {
		return "", &model.ImageFetchError{ArticleID: id, URL: url, Err: err}
	}

	ext, ok := extensions[http.DetectContentType(data)]
	if !ok {
		return "", &model.ImageFetchError{ArticleID: id, URL: url,
			Err: fmt.Errorf("unsupported content type %s", http.DetectContentType(data))}
	}

	path := filepath.Join(c.dir, id+ext)
	if err := writeAtomic(c.dir, path, data); err != nil {
		return "", &model.ImageFetchError{ArticleID: id, URL: url, Err: err}
	}

	c.logger.Debug("image cached", "id", id, "path", path, "bytes", len(data))
	return path, nil
}

func (c *Cache) download(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > c.maxBytes {
		return nil, fmt.Errorf("image exceeds %d bytes", c.maxBytes)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty response")
	}
	return data, nil
}

func writeAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".img-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close image: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to store image: %w", err)
	}
	return nil
}
