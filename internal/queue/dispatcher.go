package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/busybox42/spoold/internal/metrics"
	"github.com/busybox42/spoold/internal/storage"
)

// Transport performs one SMTP conversation attempt for a recipient and
// classifies the outcome. The queue core never inspects wire bytes.
type Transport interface {
	Deliver(ctx context.Context, attempt *Attempt) Status
}

// Attempt is everything the transport needs for one delivery try.
type Attempt struct {
	Message    *Message
	Recipient  *Recipient
	Route      RoutingStrategy
	Connection ConnectionStrategy
	TLS        TlsStrategy
}

// Handler processes one due schedule event. Implemented by the Manager.
type Handler func(ctx context.Context, ev storage.Event)

// perWorkerBacklog sizes each pool's job channel relative to its worker
// count, bounding how far a queue can run ahead of its workers.
const perWorkerBacklog = 4

// Dispatcher routes due events to the worker pool of their virtual
// queue. Pools are fully isolated: a stalled queue exerts backpressure
// only on its own events.
type Dispatcher struct {
	pools       map[QueueName]*workerPool
	defaultPool *workerPool
	handler     Handler
	logger      *slog.Logger
}

type workerPool struct {
	name    QueueName
	threads int
	jobs    chan storage.Event
}

// NewDispatcher builds one worker pool per configured virtual queue plus
// the implicit default.
func NewDispatcher(catalog *Catalog, handler Handler, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		pools:   make(map[QueueName]*workerPool),
		handler: handler,
		logger:  logger.With("component", "dispatcher"),
	}
	for name, vq := range catalog.VirtualQueues {
		d.pools[name] = newWorkerPool(name, vq.Threads)
	}
	if _, ok := d.pools[DefaultQueueName]; !ok {
		d.pools[DefaultQueueName] = newWorkerPool(DefaultQueueName, catalog.VirtualQueueOrDefault(DefaultQueueName).Threads)
	}
	d.defaultPool = d.pools[DefaultQueueName]
	return d
}

func newWorkerPool(name QueueName, threads int) *workerPool {
	if threads < 1 {
		threads = 1
	}
	return &workerPool{
		name:    name,
		threads: threads,
		jobs:    make(chan storage.Event, threads*perWorkerBacklog),
	}
}

// Dispatch places an event on its queue's pool without blocking. It
// returns false when the pool's backlog is full; the event stays in the
// store and is retried on the next scheduler tick.
func (d *Dispatcher) Dispatch(ev storage.Event) bool {
	name, ok := QueueNameFromBytes(ev.QueueName[:])
	pool := d.defaultPool
	if ok {
		if p, exists := d.pools[name]; exists {
			pool = p
		}
	}
	select {
	case pool.jobs <- ev:
		return true
	default:
		metrics.Get().PoolBackoff.WithLabelValues(pool.name.String()).Inc()
		return false
	}
}

// Run starts every pool's workers and blocks until the context is
// canceled and all in-flight events finished.
func (d *Dispatcher) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	for _, pool := range d.pools {
		pool := pool
		for i := 0; i < pool.threads; i++ {
			group.Go(func() error {
				for {
					select {
					case <-ctx.Done():
						return nil
					case ev := <-pool.jobs:
						gauge := metrics.Get().InFlight.WithLabelValues(pool.name.String())
						gauge.Inc()
						started := time.Now()
						d.handler(ctx, ev)
						metrics.Get().DeliveryDuration.Observe(time.Since(started).Seconds())
						gauge.Dec()
					}
				}
			})
		}
		d.logger.Info("virtual queue started", "queue", pool.name.String(), "threads", pool.threads)
	}
	return group.Wait()
}

// breakerTransport shields remote hosts behind per-domain circuit
// breakers. Repeated connection-level failures open the circuit and
// further attempts are deferred without touching the network.
type breakerTransport struct {
	inner    Transport
	logger   *slog.Logger
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// WrapTransportWithBreaker decorates a transport with per-domain circuit
// breaking.
func WrapTransportWithBreaker(inner Transport, logger *slog.Logger) Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &breakerTransport{
		inner:    inner,
		logger:   logger.With("component", "delivery-breaker"),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (t *breakerTransport) breakerFor(domain string) *gobreaker.CircuitBreaker {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cb, ok := t.breakers[domain]; ok {
		return cb
	}
	logger := t.logger
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        domain,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("delivery circuit state changed",
				"domain", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	t.breakers[domain] = cb
	return cb
}

// connectFailed reports whether an outcome should count against the
// remote host's circuit. Protocol rejections are the host working as
// intended and must not trip it.
func connectFailed(status Status) bool {
	if status.Kind != StatusTemporaryFailure || status.Err == nil {
		return false
	}
	switch status.Err.Err.Kind {
	case ErrorConnection, ErrorTLS, ErrorDNS, ErrorIO:
		return true
	}
	return false
}

func (t *breakerTransport) Deliver(ctx context.Context, attempt *Attempt) Status {
	domain := attempt.Recipient.Domain()
	cb := t.breakerFor(domain)

	result, err := cb.Execute(func() (interface{}, error) {
		status := t.inner.Deliver(ctx, attempt)
		if connectFailed(status) {
			return status, status.Err.Err
		}
		return status, nil
	})
	if err != nil {
		if status, ok := result.(Status); ok {
			return status
		}
		// Circuit open: defer without a network attempt.
		return TemporaryFailure(ErrorDetails{
			Entity: domain,
			Err: DeliveryError{
				Kind:    ErrorConnection,
				Message: "delivery suspended after repeated connection failures",
			},
		})
	}
	return result.(Status)
}
