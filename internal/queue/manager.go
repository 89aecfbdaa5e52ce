package queue

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/busybox42/spoold/internal/expr"
	"github.com/busybox42/spoold/internal/metrics"
	"github.com/busybox42/spoold/internal/storage"
	"github.com/busybox42/spoold/internal/throttle"
)

// shuffleThreshold is the due-event count above which the scheduler
// randomizes processing order, so parallel nodes do not all contend for
// the same head-of-queue messages.
const shuffleThreshold = 5

// Manager drives the queue: it polls the schedule index, dispatches due
// events to the virtual queue pools, and processes each event through
// delivery, state transitions and report generation.
type Manager struct {
	spool      *Spool
	store      storage.Store
	resolver   *Resolver
	guard      *throttle.Guard
	limiters   throttle.LimiterSet
	dsn        *DSNBuilder
	transport  Transport
	dispatcher *Dispatcher
	logger     *slog.Logger
	tick       time.Duration
	now        func() int64

	mu       sync.Mutex
	inFlight map[uint64]struct{}
}

// ManagerConfig assembles a Manager's collaborators.
type ManagerConfig struct {
	Spool     *Spool
	Store     storage.Store
	Resolver  *Resolver
	Guard     *throttle.Guard
	Limiters  throttle.LimiterSet
	DSN       *DSNBuilder
	Transport Transport
	Logger    *slog.Logger
	// Tick is the scheduler poll interval; defaults to one second.
	Tick time.Duration
}

// NewManager wires the queue event loop. The dispatcher's worker pools
// are built from the resolver's catalog.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tick := cfg.Tick
	if tick <= 0 {
		tick = time.Second
	}
	mgr := &Manager{
		spool:     cfg.Spool,
		store:     cfg.Store,
		resolver:  cfg.Resolver,
		guard:     cfg.Guard,
		limiters:  cfg.Limiters,
		dsn:       cfg.DSN,
		transport: cfg.Transport,
		logger:    logger.With("component", "queue-manager"),
		tick:      tick,
		now:       func() int64 { return time.Now().Unix() },
		inFlight:  make(map[uint64]struct{}),
	}
	mgr.dispatcher = NewDispatcher(cfg.Resolver.Catalog, mgr.handleEvent, logger)
	return mgr
}

// Run blocks until the context is canceled, driving the scheduler and
// every virtual queue pool.
func (mgr *Manager) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return mgr.dispatcher.Run(ctx) })
	group.Go(func() error { return mgr.schedule(ctx) })
	return group.Wait()
}

func (mgr *Manager) schedule(ctx context.Context) error {
	ticker := time.NewTicker(mgr.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			mgr.tickOnce(ctx)
		}
	}
}

// tickOnce dispatches every due event that is not already in flight.
// Pool backpressure stops dispatch for that queue until the next tick;
// the events remain in the store.
func (mgr *Manager) tickOnce(ctx context.Context) {
	events, err := mgr.store.Events(ctx, mgr.now())
	if err != nil {
		mgr.logger.Error("failed to fetch due events", "error", err)
		return
	}
	if len(events) > shuffleThreshold {
		rand.Shuffle(len(events), func(i, j int) {
			events[i], events[j] = events[j], events[i]
		})
	}
	for _, ev := range events {
		if !mgr.markInFlight(ev.QueueID) {
			continue
		}
		if !mgr.dispatcher.Dispatch(ev) {
			mgr.unmarkInFlight(ev.QueueID)
		}
	}
}

func (mgr *Manager) markInFlight(id uint64) bool {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if _, ok := mgr.inFlight[id]; ok {
		return false
	}
	mgr.inFlight[id] = struct{}{}
	return true
}

func (mgr *Manager) unmarkInFlight(id uint64) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	delete(mgr.inFlight, id)
}

// handleEvent processes one due schedule event end to end: expiry,
// limiter checks, delivery attempts, state transitions, report
// generation and persistence.
func (mgr *Manager) handleEvent(ctx context.Context, ev storage.Event) {
	defer mgr.unmarkInFlight(ev.QueueID)

	if !mgr.spool.TryLock(ctx, ev.QueueID) {
		return
	}
	defer mgr.spool.Unlock(ctx, ev.QueueID)

	m, err := mgr.spool.Load(ctx, ev.QueueID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			mgr.dropStaleEvent(ctx, ev)
		} else {
			mgr.logger.Error("failed to load message", "queue_id", ev.QueueID, "error", err)
		}
		return
	}
	// The on-disk event set equals what the unmodified message computes.
	prevEvents := m.NextEvents()

	queueName, _ := QueueNameFromBytes(ev.QueueName[:])
	now := mgr.now()
	m.FinalizeExpired(now)
	mgr.deliverPass(ctx, m, queueName, now)
	// Attempt-capped recipients may have just exhausted their schedule.
	m.FinalizeExpired(mgr.now())

	now = mgr.now()
	mgr.dsn.Log(m, now)
	if m.IsBounce() {
		mgr.dsn.HandleDoubleBounce(m, now)
	} else if report := mgr.dsn.Build(ctx, m, now); report != nil {
		metrics.Get().ReportsGenerated.Inc()
		if _, err := mgr.spool.Enqueue(ctx, Envelope{
			// Reports carry an empty return path so a failed report can
			// never bounce again.
			ReturnPath: "",
			Recipients: []EnvelopeRecipient{{Address: report.To}},
			Body:       report.Body,
		}); err != nil {
			mgr.logger.Error("failed to queue delivery report",
				"queue_id", m.ID,
				"to", report.To,
				"error", err,
			)
		}
	}

	if err := mgr.spool.SaveChanges(ctx, m, prevEvents); err != nil {
		// The event stays in the store; the next tick retries the pass.
		mgr.logger.Error("failed to persist message state", "queue_id", m.ID, "error", err)
	}
}

// deliverPass attempts every due recipient of one virtual queue.
func (mgr *Manager) deliverPass(ctx context.Context, m *Message, queueName QueueName, now int64) {
	label := queueName.String()
	for i := range m.Recipients {
		r := &m.Recipients[i]
		if !r.Status.Pending() || r.Queue != queueName || r.Retry.Due > now {
			continue
		}
		metrics.Get().DeliveryAttempts.WithLabelValues(label).Inc()

		vars := hostVars(m, r, r.Domain())
		res := mgr.checkLimiters(ctx, vars)
		if res.Decision == throttle.Deferred {
			kind := ErrorConcurrencyLimited
			retryAt := now + 60
			if !res.RetryAfter.IsZero() {
				kind = ErrorRateLimited
				retryAt = res.RetryAfter.Unix()
			}
			m.DeferRecipient(r, kind, "localhost", retryAt)
			metrics.Get().DeliveryDeferrals.WithLabelValues(label).Inc()
			continue
		}

		status := mgr.transport.Deliver(ctx, &Attempt{
			Message:    m,
			Recipient:  r,
			Route:      mgr.resolver.RouteFor(m, r),
			Connection: mgr.resolver.ConnectionFor(m, r, r.Domain()),
			TLS:        mgr.resolver.TlsFor(m, r, r.Domain()),
		})
		if res.Release != nil {
			res.Release()
		}

		strategy := mgr.resolver.ScheduleFor(m, r)
		m.SetRecipientStatus(r, status, &strategy, mgr.now())

		switch status.Kind {
		case StatusCompleted:
			metrics.Get().DeliverySuccesses.WithLabelValues(label).Inc()
		case StatusTemporaryFailure:
			metrics.Get().DeliveryTempFails.WithLabelValues(label).Inc()
		case StatusPermanentFailure:
			metrics.Get().DeliveryPermFails.WithLabelValues(label).Inc()
		}
	}
}

// checkLimiters runs every outbound limiter bucket against the attempt's
// variable context. On admission the result's Release frees the
// concurrency slots of all buckets; on deferral earlier buckets' slots
// are freed before returning.
func (mgr *Manager) checkLimiters(ctx context.Context, vars expr.Variables) throttle.Result {
	var releases []func()
	for _, bucket := range [][]throttle.Limiter{mgr.limiters.Sender, mgr.limiters.Rcpt, mgr.limiters.Remote} {
		if len(bucket) == 0 {
			continue
		}
		res := mgr.guard.Check(ctx, bucket, vars)
		if res.Decision != throttle.Admit {
			for _, f := range releases {
				f()
			}
			return res
		}
		if res.Release != nil {
			releases = append(releases, res.Release)
		}
	}
	admitted := throttle.Result{Decision: throttle.Admit}
	if len(releases) > 0 {
		admitted.Release = func() {
			for _, f := range releases {
				f()
			}
		}
	}
	return admitted
}

func (mgr *Manager) dropStaleEvent(ctx context.Context, ev storage.Event) {
	batch := new(storage.Batch)
	batch.DeleteEvent(ev)
	if err := mgr.store.Write(ctx, batch); err != nil {
		mgr.logger.Error("failed to drop stale event", "queue_id", ev.QueueID, "error", err)
	}
}
