package queue

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/spoold/internal/expr"
	"github.com/busybox42/spoold/internal/storage"
)

func testDSNBuilder(t *testing.T, notify []time.Duration) (*DSNBuilder, *storage.MemoryStore) {
	t.Helper()
	catalog := NewCatalog()
	strategy := DefaultQueueStrategy()
	if notify != nil {
		strategy.Notify = notify
	}
	catalog.QueueStrategies["default"] = strategy
	store := storage.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	resolver := NewResolver(catalog, expr.DefaultEvaluator{})
	return NewDSNBuilder(resolver, store, nil, "mail.example.org"), store
}

func completedRecipient(addr string) Recipient {
	return Recipient{
		Address: addr,
		Status: Completed(HostResponse{
			Hostname: "mx.example.net",
			Response: SMTPResponse{Code: 250, Enhanced: [3]int{2, 0, 0}, Message: "OK"},
		}),
		Flags:  FlagNotifySuccess | FlagNotifyFailure | FlagNotifyDelay,
		Notify: Schedule{Due: NeverDue},
	}
}

func failedRecipient(addr string) Recipient {
	return Recipient{
		Address: addr,
		Status: PermanentFailure(ErrorDetails{
			Entity: "mx.example.net",
			Err: DeliveryError{
				Kind:     ErrorUnexpectedResponse,
				Command:  "RCPT TO",
				Response: &SMTPResponse{Code: 550, Enhanced: [3]int{5, 1, 1}, Message: "no such user"},
			},
		}),
		Flags:  FlagNotifyFailure | FlagNotifyDelay,
		Notify: Schedule{Due: NeverDue},
	}
}

func delayedRecipient(addr string, notifyDue int64) Recipient {
	return Recipient{
		Address: addr,
		Status: TemporaryFailure(ErrorDetails{
			Entity: "mx.example.net",
			Err:    DeliveryError{Kind: ErrorConnection, Message: "connection timed out"},
		}),
		Flags:   FlagNotifyFailure | FlagNotifyDelay,
		Retry:   Schedule{Attempts: 2, Due: 99999},
		Notify:  Schedule{Due: notifyDue},
		Expires: 200000,
	}
}

func TestBuildMixedReport(t *testing.T) {
	b, store := testDSNBuilder(t, nil)
	m := testMessage(completedRecipient("ok@example.net"), failedRecipient("gone@example.net"))
	body := []byte("Subject: hello\r\nFrom: sender@example.org\r\n\r\nbody")
	m.BlobHash = storage.HashBlob(body)
	require.NoError(t, store.PutBlob(context.Background(), m.BlobHash, body))

	report := b.Build(context.Background(), m, 2000)
	require.NotNil(t, report)

	assert.Equal(t, "Partially delivered message", report.Subject)
	assert.Equal(t, "sender@example.org", report.To)
	assert.Equal(t, "MAILER-DAEMON@localhost", report.From)

	text := string(report.Body)
	assert.Contains(t, text, "Your message has been partially delivered:")
	assert.Contains(t, text, "----- Delivery to the following addresses was successful -----")
	assert.Contains(t, text, "----- Delivery to the following addresses failed -----")
	assert.Contains(t, text, "<ok@example.net> (delivered to 'mx.example.net' with code 250 (2.0.0) 'OK')")
	assert.Contains(t, text, "<gone@example.net> (host 'mx.example.net' rejected command 'RCPT TO' with code 550 (5.1.1) 'no such user')")

	// Machine part.
	assert.Contains(t, text, "Reporting-MTA: dns;mail.example.org")
	assert.Contains(t, text, "Final-Recipient: rfc822;ok@example.net")
	assert.Contains(t, text, "Action: delivered")
	assert.Contains(t, text, "Final-Recipient: rfc822;gone@example.net")
	assert.Contains(t, text, "Action: failed")
	assert.Contains(t, text, "Status: 5.1.1")
	assert.Contains(t, text, "Diagnostic-Code: smtp;550 no such user")
	assert.Contains(t, text, "Remote-MTA: dns;mx.example.net")
	assert.Contains(t, text, `Content-Type: multipart/report; report-type=delivery-status`)

	// Original headers part, truncated at the header/body boundary.
	assert.Contains(t, text, "Subject: hello")
	assert.NotContains(t, text, "\r\nbody")

	// Both terminal recipients are now flagged as reported.
	assert.True(t, m.Recipients[0].HasFlag(FlagDSNSent))
	assert.True(t, m.Recipients[1].HasFlag(FlagDSNSent))

	// A second build finds nothing left to report.
	assert.Nil(t, b.Build(context.Background(), m, 2000))
}

func TestBuildPureFailureSubject(t *testing.T) {
	b, _ := testDSNBuilder(t, nil)
	m := testMessage(failedRecipient("gone@example.net"))

	report := b.Build(context.Background(), m, 2000)
	require.NotNil(t, report)
	assert.Equal(t, "Failed to deliver message", report.Subject)
	assert.Contains(t, string(report.Body), "Your message could not be delivered to the following recipients:")
	assert.NotContains(t, string(report.Body), "-----", "single-section reports are not subdivided")
}

func TestBuildDelayReportAdvancesNotify(t *testing.T) {
	b, _ := testDSNBuilder(t, []time.Duration{time.Hour, 24 * time.Hour})
	m := testMessage(delayedRecipient("slow@example.net", 1500))
	now := int64(2000)

	report := b.Build(context.Background(), m, now)
	require.NotNil(t, report)
	assert.Equal(t, "Warning: Delay in message delivery", report.Subject)

	text := string(report.Body)
	assert.Contains(t, text, "<slow@example.net> (connection to 'mx.example.net' failed: connection timed out)")
	assert.Contains(t, text, "Action: delayed")
	assert.Contains(t, text, "Status: 4.0.0")
	assert.Contains(t, text, "Will-Retry-Until:")

	r := &m.Recipients[0]
	assert.False(t, r.HasFlag(FlagDSNSent), "delay reports may recur until a final outcome")
	assert.Equal(t, 1, r.Notify.Attempts, "notification cadence advances with the report")
	assert.Equal(t, now+24*3600, r.Notify.Due)

	// No further delay report until the next interval.
	assert.Nil(t, b.Build(context.Background(), m, now))
}

func TestBuildDelayNotifyExhaustion(t *testing.T) {
	b, _ := testDSNBuilder(t, []time.Duration{time.Hour})
	m := testMessage(delayedRecipient("slow@example.net", 1500))

	report := b.Build(context.Background(), m, 2000)
	require.NotNil(t, report)
	assert.Equal(t, NeverDue, m.Recipients[0].Notify.Due,
		"an exhausted notify list disables further delay reports")
	assert.Equal(t, 0, m.Recipients[0].Notify.Attempts)
}

func TestBuildRespectsNotifyFlags(t *testing.T) {
	b, _ := testDSNBuilder(t, nil)

	// Success without NOTIFY=SUCCESS: flagged sent, nothing reported.
	m := testMessage(Recipient{
		Address: "quiet@example.net",
		Status:  Completed(HostResponse{Hostname: "mx", Response: SMTPResponse{Code: 250}}),
		Flags:   FlagNotifyFailure | FlagNotifyDelay,
		Notify:  Schedule{Due: NeverDue},
	})
	assert.Nil(t, b.Build(context.Background(), m, 2000))
	assert.True(t, m.Recipients[0].HasFlag(FlagDSNSent))

	// NOTIFY=NEVER suppresses everything, including the sent flag.
	m = testMessage(Recipient{
		Address: "never@example.net",
		Status:  PermanentFailure(ErrorDetails{Entity: "mx", Err: DeliveryError{Kind: ErrorConnection}}),
		Flags:   FlagNotifyNever,
		Notify:  Schedule{Due: NeverDue},
	})
	assert.Nil(t, b.Build(context.Background(), m, 2000))
	assert.False(t, m.Recipients[0].HasFlag(FlagDSNSent))
}

func TestDSNSentIsMonotonic(t *testing.T) {
	b, _ := testDSNBuilder(t, nil)
	m := testMessage(failedRecipient("gone@example.net"))

	require.NotNil(t, b.Build(context.Background(), m, 2000))
	require.True(t, m.Recipients[0].HasFlag(FlagDSNSent))

	for i := 0; i < 3; i++ {
		assert.Nil(t, b.Build(context.Background(), m, 2000+int64(i)))
		assert.True(t, m.Recipients[0].HasFlag(FlagDSNSent), "the sent flag is never cleared")
	}
}

func TestHandleDoubleBounce(t *testing.T) {
	b, _ := testDSNBuilder(t, nil)
	m := testMessage(
		failedRecipient("gone@example.net"),
		delayedRecipient("slow@example.net", 1500),
	)
	m.ReturnPath = ""
	now := int64(2000)

	b.HandleDoubleBounce(m, now)

	assert.True(t, m.Recipients[0].HasFlag(FlagDSNSent),
		"unreported permanent failures are quiesced")
	assert.Equal(t, m.Recipients[1].Expires+10, m.Recipients[1].Notify.Due,
		"due notifications are pushed past expiry")

	// Repeating the call within the same tick changes nothing.
	snapshot := make([]Recipient, len(m.Recipients))
	copy(snapshot, m.Recipients)
	b.HandleDoubleBounce(m, now)
	assert.Equal(t, snapshot, m.Recipients)
}

func TestHandleDoubleBounceNoExpiry(t *testing.T) {
	b, _ := testDSNBuilder(t, nil)
	r := delayedRecipient("slow@example.net", 1500)
	r.Expires = 0
	m := testMessage(r)
	m.ReturnPath = ""

	b.HandleDoubleBounce(m, 2000)
	assert.Equal(t, NeverDue, m.Recipients[0].Notify.Due)
}

func TestTruncateHeadersAtBoundary(t *testing.T) {
	// A blank line inside the budget: cut right after it.
	buf := []byte("A: 1\r\nB: 2\r\n\r\nbody bytes here")
	assert.Equal(t, []byte("A: 1\r\nB: 2\r\n\r\n"), truncateHeaders(buf))

	// No blank line and a full buffer: cut at the last complete line.
	var sb strings.Builder
	for sb.Len() < maxHeaderSize {
		sb.WriteString("X-Filler: abcdefghijklmnopqrstuvwxyz0123456789\r\n")
	}
	full := []byte(sb.String()[:maxHeaderSize])
	out := truncateHeaders(full)
	assert.LessOrEqual(t, len(out), maxHeaderSize)
	assert.Equal(t, byte('\n'), out[len(out)-1], "never truncate mid-header")

	// Short buffers without a body pass through whole.
	short := []byte("A: 1\r\nB: 2\r\n")
	assert.Equal(t, short, truncateHeaders(short))
}
