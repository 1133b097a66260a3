// Package notify publishes poller events to Redis so other processes can
// react to new articles.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/robertmeta/feedpoll/poller"
)

const (
	DefaultChannel = "feedpoll:events"
	DefaultQueue   = "feedpoll:queue:articles"

	sendTimeout = 5 * time.Second
	bufferSize  = 256
)

// Event types.
const (
	EventCycle   = "cycle_completed"
	EventChanged = "corpus_changed"
)

// Event is the JSON message published on the channel.
type Event struct {
	Type     string    `json:"type"`
	Time     time.Time `json:"time"`
	Source   string    `json:"source,omitempty"`
	Fetched  int       `json:"fetched,omitempty"`
	New      int       `json:"new,omitempty"`
	Failed   bool      `json:"failed,omitempty"`
	Skipped  bool      `json:"skipped,omitempty"`
	Error    string    `json:"error,omitempty"`
	IDs      []string  `json:"ids,omitempty"`
	Degraded bool      `json:"degraded,omitempty"`
}

// Backend is the subset of Redis the notifier needs.
type Backend interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Push(ctx context.Context, queue string, values ...string) error
}

// Connect opens a Redis client from a redis:// URL or a bare host:port and
// pings it.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		opt = &redis.Options{Addr: redisURL}
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// RedisBackend adapts a go-redis client to Backend.
type RedisBackend struct {
	Client *redis.Client
}

func (b RedisBackend) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.Client.Publish(ctx, channel, payload).Err()
}

func (b RedisBackend) Push(ctx context.Context, queue string, values ...string) error {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return b.Client.LPush(ctx, queue, args...).Err()
}

// Notifier is a poller.Listener that forwards events to a Backend. Events
// are buffered and sent by Run, so listener calls never block the poller.
type Notifier struct {
	backend Backend
	channel string
	queue   string
	logger  *slog.Logger
	now     func() time.Time

	events chan Event
}

// New creates a Notifier. Empty channel or queue names use the defaults.
func New(backend Backend, channel, queue string, logger *slog.Logger) *Notifier {
	if channel == "" {
		channel = DefaultChannel
	}
	if queue == "" {
		queue = DefaultQueue
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		backend: backend,
		channel: channel,
		queue:   queue,
		logger:  logger,
		now:     time.Now,
		events:  make(chan Event, bufferSize),
	}
}

var _ poller.Listener = (*Notifier)(nil)

// CycleCompleted queues a cycle event.
func (n *Notifier) CycleCompleted(res poller.CycleResult) {
	ev := Event{
		Type:     EventCycle,
		Time:     n.now().UTC(),
		Source:   res.Source.FeedURL,
		Fetched:  res.Fetched,
		New:      res.New,
		Failed:   res.Failed(),
		Skipped:  res.Skipped,
		Degraded: res.StoreErr != nil,
	}
	if res.Err != nil {
		ev.Error = res.Err.Error()
	}
	n.enqueue(ev)
}

// CorpusChanged queues a change event carrying the affected ids.
func (n *Notifier) CorpusChanged(ids []string) {
	n.enqueue(Event{
		Type: EventChanged,
		Time: n.now().UTC(),
		IDs:  append([]string(nil), ids...),
	})
}

func (n *Notifier) enqueue(ev Event) {
	select {
	case n.events <- ev:
	default:
		n.logger.Warn("notification buffer full, dropping event", "type", ev.Type)
	}
}

// Run sends queued events until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-n.events:
			if err := n.send(ctx, ev); err != nil {
				n.logger.Warn("failed to publish event", "type", ev.Type, "error", err)
			}
		}
	}
}

func (n *Notifier) send(ctx context.Context, ev Event) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	if err := n.backend.Publish(ctx, n.channel, payload); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	if ev.Type == EventChanged && len(ev.IDs) > 0 {
		if err := n.backend.Push(ctx, n.queue, ev.IDs...); err != nil {
			return fmt.Errorf("push: %w", err)
		}
	}
	return nil
}
