package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/spoold/internal/expr"
	"github.com/busybox42/spoold/internal/storage"
	"github.com/busybox42/spoold/internal/throttle"
)

type transportFunc func(ctx context.Context, attempt *Attempt) Status

func (f transportFunc) Deliver(ctx context.Context, attempt *Attempt) Status {
	return f(ctx, attempt)
}

type managerFixture struct {
	*spoolFixture
	mgr *Manager
}

func newManagerFixture(t *testing.T, transport Transport) *managerFixture {
	t.Helper()
	f := newSpoolFixture(t, throttle.QuotaSet{})
	resolver := NewResolver(f.catalog, expr.DefaultEvaluator{})
	dsn := NewDSNBuilder(resolver, f.store, nil, "mail.example.org")
	mgr := NewManager(ManagerConfig{
		Spool:     f.spool,
		Store:     f.store,
		Resolver:  resolver,
		Guard:     f.guard,
		DSN:       dsn,
		Transport: transport,
	})
	mgr.now = func() int64 { return 1000 }
	return &managerFixture{spoolFixture: f, mgr: mgr}
}

func (f *managerFixture) enqueueOne(t *testing.T, returnPath string) (*Message, storage.Event) {
	t.Helper()
	m, err := f.spool.Enqueue(context.Background(), Envelope{
		ReturnPath: returnPath,
		Recipients: []EnvelopeRecipient{{Address: "rcpt@example.net"}},
		Body:       []byte("Subject: test\r\n\r\nhello"),
	})
	require.NoError(t, err)
	events, err := f.store.Events(context.Background(), NeverDue)
	require.NoError(t, err)
	require.Len(t, events, 1)
	return m, events[0]
}

func TestHandleEventDelivers(t *testing.T) {
	f := newManagerFixture(t, transportFunc(func(_ context.Context, attempt *Attempt) Status {
		assert.Equal(t, "rcpt@example.net", attempt.Recipient.Address)
		assert.Equal(t, "mx", attempt.Route.Kind())
		return Completed(HostResponse{Hostname: "mx.example.net", Response: SMTPResponse{Code: 250}})
	}))
	ctx := context.Background()
	m, ev := f.enqueueOne(t, "sender@example.org")

	f.mgr.handleEvent(ctx, ev)

	// Delivered without NOTIFY=SUCCESS: no report, message gone.
	_, err := f.spool.Load(ctx, m.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	events, err := f.store.Events(ctx, NeverDue)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestHandleEventTemporaryFailure(t *testing.T) {
	f := newManagerFixture(t, transportFunc(func(_ context.Context, _ *Attempt) Status {
		return TemporaryFailure(ErrorDetails{
			Entity: "mx.example.net",
			Err:    DeliveryError{Kind: ErrorConnection, Message: "timeout"},
		})
	}))
	ctx := context.Background()
	m, ev := f.enqueueOne(t, "sender@example.org")

	f.mgr.handleEvent(ctx, ev)

	loaded, err := f.spool.Load(ctx, m.ID)
	require.NoError(t, err)
	r := &loaded.Recipients[0]
	assert.Equal(t, StatusTemporaryFailure, r.Status.Kind)
	assert.Equal(t, 1, r.Retry.Attempts)
	assert.Equal(t, int64(1000+3600), r.Retry.Due, "rescheduled at the first backoff interval")

	events, err := f.store.Events(ctx, NeverDue)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(1000+3600), events[0].Due)
}

func TestHandleEventPermanentFailureQueuesReport(t *testing.T) {
	f := newManagerFixture(t, transportFunc(func(_ context.Context, _ *Attempt) Status {
		return PermanentFailure(ErrorDetails{
			Entity: "mx.example.net",
			Err: DeliveryError{
				Kind:     ErrorUnexpectedResponse,
				Command:  "RCPT TO",
				Response: &SMTPResponse{Code: 550, Message: "no such user"},
			},
		})
	}))
	ctx := context.Background()
	m, ev := f.enqueueOne(t, "sender@example.org")

	f.mgr.handleEvent(ctx, ev)

	// The failed message is gone, replaced by a queued bounce report.
	_, err := f.spool.Load(ctx, m.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	events, err := f.store.Events(ctx, NeverDue)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NotEqual(t, m.ID, events[0].QueueID)

	report, err := f.spool.Load(ctx, events[0].QueueID)
	require.NoError(t, err)
	assert.True(t, report.IsBounce(), "reports carry an empty return path")
	require.Len(t, report.Recipients, 1)
	assert.Equal(t, "sender@example.org", report.Recipients[0].Address)

	body, err := f.store.GetBlob(ctx, report.BlobHash, 0, int(report.Size))
	require.NoError(t, err)
	assert.Contains(t, string(body), "Failed to deliver message")
	assert.Contains(t, string(body), "Final-Recipient: rfc822;rcpt@example.net")
}

func TestHandleEventDoubleBounce(t *testing.T) {
	f := newManagerFixture(t, transportFunc(func(_ context.Context, _ *Attempt) Status {
		return PermanentFailure(ErrorDetails{
			Entity: "mx.example.net",
			Err:    DeliveryError{Kind: ErrorConnection, Message: "refused"},
		})
	}))
	ctx := context.Background()
	m, ev := f.enqueueOne(t, "")

	f.mgr.handleEvent(ctx, ev)

	// A failed bounce is quiesced: no new report, nothing left queued.
	_, err := f.spool.Load(ctx, m.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	events, err := f.store.Events(ctx, NeverDue)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestHandleEventExpiresBeforeAttempt(t *testing.T) {
	var attempts int
	f := newManagerFixture(t, transportFunc(func(_ context.Context, _ *Attempt) Status {
		attempts++
		return Completed(HostResponse{})
	}))
	ctx := context.Background()
	m, ev := f.enqueueOne(t, "sender@example.org")

	// Jump past the three-day TTL.
	f.mgr.now = func() int64 { return 1000 + 4*24*3600 }
	f.mgr.handleEvent(ctx, ev)

	assert.Zero(t, attempts, "expired recipients get no delivery attempt")

	// The expiry produced a failure report for the sender.
	events, err := f.store.Events(ctx, NeverDue)
	require.NoError(t, err)
	require.Len(t, events, 1)
	report, err := f.spool.Load(ctx, events[0].QueueID)
	require.NoError(t, err)
	require.NotEqual(t, m.ID, report.ID)
	body, err := f.store.GetBlob(ctx, report.BlobHash, 0, int(report.Size))
	require.NoError(t, err)
	assert.Contains(t, string(body), "Message expired without any delivery attempts made.")
}

func TestHandleEventOutboundRateLimit(t *testing.T) {
	var attempts int
	f := newManagerFixture(t, transportFunc(func(_ context.Context, _ *Attempt) Status {
		attempts++
		return Completed(HostResponse{})
	}))
	f.mgr.limiters = throttle.ClassifyOutbound([]throttle.Limiter{{
		ID:   "per-domain",
		Keys: throttle.KeyRcptDomain,
		Rate: &throttle.Rate{Requests: 0, Period: time.Minute},
	}})
	ctx := context.Background()
	m, ev := f.enqueueOne(t, "sender@example.org")

	f.mgr.handleEvent(ctx, ev)

	assert.Zero(t, attempts, "a zero-request window defers immediately")
	loaded, err := f.spool.Load(ctx, m.ID)
	require.NoError(t, err)
	r := &loaded.Recipients[0]
	assert.Equal(t, StatusTemporaryFailure, r.Status.Kind)
	assert.Equal(t, ErrorRateLimited, r.Status.Err.Err.Kind)
	assert.Zero(t, r.Retry.Attempts)
	assert.Greater(t, r.Retry.Due, int64(1000))
}

func TestHandleEventStaleEventDropped(t *testing.T) {
	f := newManagerFixture(t, transportFunc(func(_ context.Context, _ *Attempt) Status {
		t.Fatal("no delivery expected for a stale event")
		return Status{}
	}))
	ctx := context.Background()

	ev := storage.Event{Due: 1000, QueueID: 999, QueueName: DefaultQueueName}
	batch := new(storage.Batch)
	batch.PutEvent(ev)
	require.NoError(t, f.store.Write(ctx, batch))

	f.mgr.handleEvent(ctx, ev)

	events, err := f.store.Events(ctx, NeverDue)
	require.NoError(t, err)
	assert.Empty(t, events)
}
