package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"

	"github.com/loreweave/chronicle/internal/telemetry"
)

const (
	// publishQueueCapacity bounds the enqueue buffer between request
	// handlers and the pump goroutine.
	publishQueueCapacity = 4096

	// publishMaxElapsed caps the retry window for one event before it is
	// counted as dropped.
	publishMaxElapsed = 15 * time.Second
)

// Redis publishes events to Redis pub/sub channels named after their
// topics. Publish only enqueues; a single pump goroutine performs the
// network sends with exponential-backoff retry so transient Redis hiccups
// do not reach request handlers.
type Redis struct {
	client *redis.Client
	logger *slog.Logger

	queue   chan Event
	dropped atomic.Int64

	stop      chan struct{}
	done      chan struct{}
	drainCtx  context.Context
	closeOnce sync.Once
}

// NewRedis connects with a redis:// URL, verifies the connection and starts
// the pump. Call Close to drain and stop it.
func NewRedis(ctx context.Context, url string, logger *slog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("bus: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("bus: redis ping: %w", err)
	}

	p := &Redis{
		client: client,
		logger: logger.With("component", "bus"),
		queue:  make(chan Event, publishQueueCapacity),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	p.registerMetrics()
	go p.pumpLoop()
	return p, nil
}

// Publish enqueues the event. A full queue or cancelled context drops it.
func (p *Redis) Publish(ctx context.Context, event Event) {
	if ctx.Err() != nil {
		return
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	select {
	case <-p.stop:
		p.dropped.Add(1)
	default:
		select {
		case p.queue <- event:
		default:
			p.dropped.Add(1)
			p.logger.Warn("publish queue full, event dropped", "topic", event.Topic)
		}
	}
}

func (p *Redis) pumpLoop() {
	defer close(p.done)
	for {
		select {
		case event := <-p.queue:
			p.send(context.Background(), event)
		case <-p.stop:
			// Drain whatever is already queued. drainCtx is written
			// before stop closes, so this read is ordered.
			drainCtx := p.drainCtx
			if drainCtx == nil {
				drainCtx = context.Background()
			}
			for {
				select {
				case event := <-p.queue:
					p.send(drainCtx, event)
				default:
					return
				}
			}
		}
	}
}

// send publishes one event with retry. Failures past the retry window are
// dropped and counted; subscribers reconcile from the database.
func (p *Redis) send(baseCtx context.Context, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		p.dropped.Add(1)
		p.logger.Error("event not serializable, dropped", "topic", event.Topic, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(baseCtx, publishMaxElapsed)
	defer cancel()

	// BackOff values are stateful; build a fresh one per event.
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = publishMaxElapsed

	err = backoff.Retry(func() error {
		return p.client.Publish(ctx, event.Topic, payload).Err()
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		p.dropped.Add(1)
		p.logger.Error("publish failed, event dropped", "topic", event.Topic, "error", err)
	}
}

// Close stops intake, drains the queue within the context deadline and
// closes the connection.
func (p *Redis) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.drainCtx = ctx
		close(p.stop)
	})
	select {
	case <-p.done:
	case <-ctx.Done():
		p.logger.Warn("drain timed out with events queued", "queued", len(p.queue))
	}
	return p.client.Close()
}

// Dropped returns the count of events lost to queue overflow or delivery
// failure. Non-zero values indicate subscribers had to reconcile.
func (p *Redis) Dropped() int64 {
	return p.dropped.Load()
}

func (p *Redis) registerMetrics() {
	meter := telemetry.Meter("chronicle/bus")

	_, _ = meter.Int64ObservableGauge("chronicle.bus.queue_depth",
		metric.WithDescription("Events waiting in the publish queue"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(len(p.queue)))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("chronicle.bus.dropped_total",
		metric.WithDescription("Events dropped due to queue overflow or delivery failure"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(p.Dropped())
			return nil
		}),
	)
}
