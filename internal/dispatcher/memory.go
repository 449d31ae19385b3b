package dispatcher

import (
	"context"
	"errors"
	"hash/fnv"
	"jobflow/pkg/backoff"
	"jobflow/pkg/circuitbreaker"
	"jobflow/pkg/cloudevent"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"
)

// housekeepingInterval is how often queue depth is reported and idle
// breakers are pruned.
const housekeepingInterval = 5 * time.Second

// breakerIdle is how long an unused closed breaker is kept.
const breakerIdle = time.Hour

// probeWait is how long a worker waits while another worker probes a
// half-open circuit.
const probeWait = 100 * time.Millisecond

// MemoryDispatcher is an in-memory async dispatcher for run lifecycle events.
//
// Events are spread over a fixed set of shards, each a bounded channel
// drained by one worker. Events with the same key always land on the same
// shard, so one run's events are delivered in order. A worker holds an event
// whose destination circuit is open until the breaker admits a probe, which
// also holds back later events of that shard; after MaxDeferrals cooldowns
// the event is dropped.
type MemoryDispatcher struct {
	shards   []chan *Event
	next     atomic.Uint64 // round robin for unkeyed events
	sender   *cloudevent.Sender
	breakers *circuitbreaker.Registry
	config   MemoryConfig
	logger   *slog.Logger
	metrics  MetricsRecorder

	queued       atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	deferred     atomic.Int64
	retriesTotal atomic.Int64

	// mu orders Dispatch against Close so no send races the shutdown.
	mu       sync.RWMutex
	closed   bool
	wg       sync.WaitGroup
	shutdown chan struct{}
}

// MetricsRecorder is an optional interface for recording dispatcher metrics.
type MetricsRecorder interface {
	RecordDispatcherDelivered(ctx context.Context, durationSeconds float64)
	RecordDispatcherFailed(ctx context.Context)
	RecordDispatcherDropped(ctx context.Context)
	RecordDispatcherDeferred(ctx context.Context)
	RecordDispatcherQueueSize(ctx context.Context, size int64)
}

// NewMemory creates and starts an in-memory dispatcher. metrics may be nil.
func NewMemory(cfg MemoryConfig, metrics MetricsRecorder) *MemoryDispatcher {
	cfg = cfg.withDefaults()

	d := &MemoryDispatcher{
		shards: make([]chan *Event, cfg.Workers),
		sender: cloudevent.NewSender(cfg.HTTPTimeout),
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold: cfg.BreakerThreshold,
			Cooldown:  cfg.BreakerCooldown,
		}),
		config:   cfg,
		logger:   slog.With("component", "dispatcher"),
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}

	d.wg.Add(cfg.Workers)
	for i := range d.shards {
		d.shards[i] = make(chan *Event, cfg.shardSize())
		go d.worker(d.shards[i])
	}
	go d.housekeeping()

	d.logger.Info("Dispatcher started", "shards", cfg.Workers, "buffer", cfg.BufferSize)
	return d
}

func (d *MemoryDispatcher) housekeeping() {
	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.shutdown:
			return
		case <-ticker.C:
			if d.metrics != nil {
				d.metrics.RecordDispatcherQueueSize(context.Background(), int64(d.queueDepth()))
			}
			if n := d.breakers.Prune(breakerIdle); n > 0 {
				d.logger.Debug("Pruned idle breakers", "removed", n)
			}
		}
	}
}

// shardFor picks the shard for an event: by key hash, or round robin for
// unkeyed events.
func (d *MemoryDispatcher) shardFor(event *Event) chan *Event {
	n := uint64(len(d.shards))
	if event.Key == "" {
		return d.shards[d.next.Add(1)%n]
	}
	h := fnv.New32a()
	h.Write([]byte(event.Key))
	return d.shards[uint64(h.Sum32())%n]
}

func (d *MemoryDispatcher) queueDepth() int {
	var depth int
	for _, shard := range d.shards {
		depth += len(shard)
	}
	return depth
}

// Dispatch queues an event for async delivery.
func (d *MemoryDispatcher) Dispatch(event *Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}

	select {
	case d.shardFor(event) <- event:
		d.queued.Add(1)
		return nil
	default:
		d.drop(event, "shard full")
		return ErrBufferFull
	}
}

// Stats returns current dispatcher statistics.
func (d *MemoryDispatcher) Stats() Stats {
	breakerStats := d.breakers.Stats()
	return Stats{
		QueueDepth:    d.queueDepth(),
		Queued:        d.queued.Load(),
		Delivered:     d.delivered.Load(),
		Failed:        d.failed.Load(),
		Dropped:       d.dropped.Load(),
		Deferred:      d.deferred.Load(),
		RetriesTotal:  d.retriesTotal.Load(),
		BreakersTotal: breakerStats.Total,
		BreakersOpen:  breakerStats.Open,
	}
}

// Close stops accepting events and waits for the shards to drain. Events
// held by an open circuit are dropped rather than waited out.
func (d *MemoryDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, shard := range d.shards {
		close(shard)
	}
	close(d.shutdown)
	d.mu.Unlock()

	d.logger.Info("Dispatcher shutting down", "queued", d.queueDepth())

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("Dispatcher shutdown complete",
			"delivered", d.delivered.Load(),
			"failed", d.failed.Load(),
			"dropped", d.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		d.logger.Warn("Dispatcher shutdown timed out", "remaining", d.queueDepth())
		return ctx.Err()
	}
}

// worker delivers one shard's events in order until the shard is closed
// and empty.
func (d *MemoryDispatcher) worker(shard <-chan *Event) {
	defer d.wg.Done()
	for event := range shard {
		d.deliver(event)
	}
}

// deliver sends an event through the destination host's breaker, waiting
// out open circuits up to MaxDeferrals times.
func (d *MemoryDispatcher) deliver(event *Event) {
	host := extractHost(event.Destination)
	breaker := d.breakers.Get(host)

	var deferrals int
	for {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
		err := breaker.Execute(func() error {
			return d.sendWithRetry(ctx, event)
		}, nil)
		cancel()

		switch {
		case errors.Is(err, circuitbreaker.ErrOpen):
			delay := breaker.RetryIn()
			if delay == 0 {
				// Another shard's half-open probe is in flight.
				delay = probeWait
			} else {
				deferrals++
				if deferrals > d.config.MaxDeferrals {
					d.drop(event, "max deferrals reached")
					return
				}
				d.deferred.Add(1)
				if d.metrics != nil {
					d.metrics.RecordDispatcherDeferred(context.Background())
				}
				d.logger.Debug("Event deferred", "destination", host, "type", event.Payload.Type, "deferrals", deferrals)
			}
			if !d.wait(delay) {
				d.drop(event, "dispatcher closing with open circuit")
				return
			}
		case err != nil:
			d.failed.Add(1)
			if d.metrics != nil {
				d.metrics.RecordDispatcherFailed(context.Background())
			}
			d.logger.Warn("Delivery failed", "destination", host, "type", event.Payload.Type, "key", event.Key, "error", err)
			return
		default:
			d.delivered.Add(1)
			if d.metrics != nil {
				d.metrics.RecordDispatcherDelivered(context.Background(), time.Since(start).Seconds())
			}
			return
		}
	}
}

// wait sleeps for delay unless the dispatcher shuts down first.
func (d *MemoryDispatcher) wait(delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-d.shutdown:
		return false
	case <-timer.C:
		return true
	}
}

func (d *MemoryDispatcher) drop(event *Event, reason string) {
	d.dropped.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherDropped(context.Background())
	}
	d.logger.Warn("Event dropped",
		"reason", reason,
		"destination", extractHost(event.Destination),
		"type", event.Payload.Type,
		"key", event.Key,
	)
}

func (d *MemoryDispatcher) sendWithRetry(ctx context.Context, event *Event) error {
	policy := backoff.Policy{
		Retries:   defaultMaxRetries,
		Backoff:   backoff.Config{Initial: defaultInitialBackoff, Max: defaultMaxBackoff},
		Retryable: func(err error) bool { return !cloudevent.IsClientError(err) },
		OnRetry:   func(int, error) { d.retriesTotal.Add(1) },
	}
	opts := cloudevent.SendOptions{SigningKey: event.SigningKey}

	return policy.Do(ctx, func(ctx context.Context) error {
		return d.sender.Send(ctx, event.Destination, event.Payload, opts)
	})
}

// extractHost extracts the host from a URL for circuit breaker keying.
func extractHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}

var _ Dispatcher = (*MemoryDispatcher)(nil)
