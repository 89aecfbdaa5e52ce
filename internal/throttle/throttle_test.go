package throttle

import (
	"context"
	"testing"
	"time"

	"github.com/busybox42/spoold/internal/counter"
	"github.com/busybox42/spoold/internal/expr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKey(t *testing.T) {
	bit, err := ParseKey("rcpt_domain")
	require.NoError(t, err)
	assert.Equal(t, KeyRcptDomain, bit)

	_, err = ParseKey("shoe_size")
	assert.Error(t, err)
}

func TestClassifyInbound(t *testing.T) {
	set := ClassifyInbound([]Limiter{
		{ID: "r1", Keys: KeyRcptDomain},
		{ID: "s1", Keys: KeySender},
		{ID: "s2", Keys: KeyHeloDomain},
		{ID: "ip", Keys: KeyRemoteIP},
		{ID: "rx", Expr: "rcpt == 'postmaster@example.org'"},
	})
	assert.Len(t, set.Rcpt, 2)
	assert.Len(t, set.Sender, 2)
	assert.Len(t, set.Remote, 1)
	assert.Equal(t, "rx", set.Rcpt[1].ID)
}

func TestClassifyOutbound(t *testing.T) {
	set := ClassifyOutbound([]Limiter{
		{ID: "mx", Keys: KeyMX},
		{ID: "d", Keys: KeyRcptDomain},
		{ID: "s", Keys: KeySenderDomain},
		{ID: "e", Expr: "mx == 'mx.example.org'"},
	})
	assert.Len(t, set.Remote, 2)
	assert.Len(t, set.Rcpt, 1)
	assert.Len(t, set.Sender, 1)
}

func TestClassifyQuotas(t *testing.T) {
	set := ClassifyQuotas([]Quota{
		{ID: "per-rcpt", Keys: KeyRcpt, Messages: 10},
		{ID: "per-domain", Keys: KeyRcptDomain, Size: 1000},
		{ID: "per-sender", Keys: KeySender, Size: 1000},
	})
	assert.Len(t, set.Rcpt, 1)
	assert.Len(t, set.RcptDomain, 1)
	assert.Len(t, set.Sender, 1)
}

func setupGuard(t *testing.T) *Guard {
	t.Helper()
	store := counter.NewMemory(counter.Config{Type: "memory"})
	require.NoError(t, store.Connect())
	t.Cleanup(func() { _ = store.Close() })
	return NewGuard(store, expr.DefaultEvaluator{}, nil)
}

func TestGuardRateLimit(t *testing.T) {
	g := setupGuard(t)
	ctx := context.Background()
	limiters := []Limiter{{
		ID:   "outbound-domain",
		Keys: KeyRcptDomain,
		Rate: &Rate{Requests: 2, Period: time.Minute},
	}}
	vars := expr.MapVars{"rcpt_domain": "example.org"}

	for i := 0; i < 2; i++ {
		res := g.Check(ctx, limiters, vars)
		assert.Equal(t, Admit, res.Decision)
	}
	res := g.Check(ctx, limiters, vars)
	assert.Equal(t, Deferred, res.Decision)
	assert.Equal(t, "outbound-domain", res.LimiterID)
	assert.False(t, res.RetryAfter.IsZero())

	// A different key is an independent window.
	res = g.Check(ctx, limiters, expr.MapVars{"rcpt_domain": "example.net"})
	assert.Equal(t, Admit, res.Decision)
}

func TestGuardConcurrency(t *testing.T) {
	g := setupGuard(t)
	ctx := context.Background()
	limiters := []Limiter{{
		ID:          "per-mx",
		Keys:        KeyMX,
		Concurrency: 1,
	}}
	vars := expr.MapVars{"mx": "mx.example.org"}

	first := g.Check(ctx, limiters, vars)
	require.Equal(t, Admit, first.Decision)
	require.NotNil(t, first.Release)

	second := g.Check(ctx, limiters, vars)
	assert.Equal(t, Deferred, second.Decision)

	first.Release()
	third := g.Check(ctx, limiters, vars)
	assert.Equal(t, Admit, third.Decision)
	third.Release()
}

func TestGuardMatchExpression(t *testing.T) {
	g := setupGuard(t)
	ctx := context.Background()
	limiters := []Limiter{{
		ID:   "big-senders",
		Expr: "sender_domain == 'bulk.example'",
		Keys: KeySenderDomain,
		Rate: &Rate{Requests: 1, Period: time.Minute},
	}}

	// Non-matching senders are never throttled.
	for i := 0; i < 5; i++ {
		res := g.Check(ctx, limiters, expr.MapVars{"sender_domain": "other.example"})
		assert.Equal(t, Admit, res.Decision)
	}

	res := g.Check(ctx, limiters, expr.MapVars{"sender_domain": "bulk.example"})
	assert.Equal(t, Admit, res.Decision)
	res = g.Check(ctx, limiters, expr.MapVars{"sender_domain": "bulk.example"})
	assert.Equal(t, Deferred, res.Decision)
}

func TestQuotaSizeCeiling(t *testing.T) {
	g := setupGuard(t)
	ctx := context.Background()
	quota := &Quota{ID: "sender-size", Keys: KeySender, Size: 1000}
	vars := expr.MapVars{"sender": "user@example.org"}

	var refs []QuotaRef
	assert.False(t, g.CheckQuota(ctx, quota, vars, 1200, 0, &refs), "1200 bytes must exceed a 1000 byte quota")

	refs = refs[:0]
	require.True(t, g.CheckQuota(ctx, quota, vars, 800, 0, &refs))
	require.Len(t, refs, 1)
	g.Reserve(ctx, refs, 800)

	var refs2 []QuotaRef
	assert.False(t, g.CheckQuota(ctx, quota, vars, 300, 0, &refs2), "800+300 must exceed the quota")

	g.Release(ctx, refs, 800)
	refs2 = refs2[:0]
	assert.True(t, g.CheckQuota(ctx, quota, vars, 300, 0, &refs2))
}

func TestQuotaMessageCeiling(t *testing.T) {
	g := setupGuard(t)
	ctx := context.Background()
	quota := &Quota{ID: "rcpt-count", Keys: KeyRcpt, Messages: 2}
	vars := expr.MapVars{"rcpt": "user@example.org"}

	for i := 0; i < 2; i++ {
		var refs []QuotaRef
		require.True(t, g.CheckQuota(ctx, quota, vars, 100, 0, &refs))
		g.Reserve(ctx, refs, 100)
	}
	var refs []QuotaRef
	assert.False(t, g.CheckQuota(ctx, quota, vars, 100, 0, &refs))
}

func TestLimiterKeyStable(t *testing.T) {
	vars := expr.MapVars{"sender": "a@b", "rcpt_domain": "c.d"}
	k1 := limiterKey("id", KeySender|KeyRcptDomain, vars)
	k2 := limiterKey("id", KeySender|KeyRcptDomain, vars)
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, limiterKey("other", KeySender|KeyRcptDomain, vars))

	// The null sender hashes as "<>" rather than the empty string.
	empty := limiterKey("id", KeySender, expr.MapVars{})
	null := limiterKey("id", KeySender, expr.MapVars{"sender": "<>"})
	assert.Equal(t, null, empty)
}
