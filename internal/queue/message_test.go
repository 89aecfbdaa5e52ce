package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMessage(recipients ...Recipient) *Message {
	return &Message{
		ID:         42,
		Created:    1000,
		ReturnPath: "sender@example.org",
		Recipients: recipients,
	}
}

func TestScheduleRecipientDefaults(t *testing.T) {
	// Default strategy: hourly retries, delay notifications disabled,
	// three-day TTL.
	strategy := DefaultQueueStrategy()
	m := testMessage(Recipient{Address: "rcpt@example.net", Status: Scheduled()})
	r := &m.Recipients[0]
	now := int64(1000)

	m.ScheduleRecipient(r, &strategy, now)

	assert.Equal(t, now, r.Retry.Due, "first delivery is immediate")
	assert.Equal(t, now+int64(NeverNotify/time.Second), r.Notify.Due,
		"delay notifications are effectively never due")
	assert.Equal(t, now+3*24*3600, r.Expires)
	assert.Zero(t, r.MaxAttempts)
	assert.Equal(t, DefaultQueueName, r.Queue)
	assert.True(t, r.HasFlag(FlagNotifyFailure|FlagNotifyDelay), "default NOTIFY bits applied")
	assert.False(t, r.HasFlag(FlagNotifySuccess))
}

func TestScheduleRecipientKeepsExplicitNotifyFlags(t *testing.T) {
	strategy := DefaultQueueStrategy()
	m := testMessage(Recipient{Address: "rcpt@example.net", Flags: FlagNotifyNever})
	r := &m.Recipients[0]
	m.ScheduleRecipient(r, &strategy, 1000)
	assert.Equal(t, FlagNotifyNever, r.Flags&(FlagNotifyNever|FlagNotifyFailure|FlagNotifyDelay|FlagNotifySuccess))
}

func TestTemporaryFailureBackoff(t *testing.T) {
	strategy := QueueStrategy{
		Retry:  []time.Duration{60 * time.Second, 300 * time.Second},
		Notify: []time.Duration{NeverNotify},
		Expiry: DefaultExpiry,
	}
	m := testMessage(Recipient{Address: "rcpt@example.net", Status: Scheduled()})
	r := &m.Recipients[0]
	fail := TemporaryFailure(ErrorDetails{Entity: "mx.example.net", Err: DeliveryError{Kind: ErrorConnection, Message: "timeout"}})

	m.SetRecipientStatus(r, fail, &strategy, 1000)
	assert.Equal(t, int64(1060), r.Retry.Due)
	assert.Equal(t, 1, r.Retry.Attempts)

	m.SetRecipientStatus(r, fail, &strategy, 1060)
	assert.Equal(t, int64(1360), r.Retry.Due)

	// The schedule holds at the last interval once exhausted.
	for i := 0; i < 5; i++ {
		m.SetRecipientStatus(r, fail, &strategy, 2000)
	}
	assert.Equal(t, int64(2300), r.Retry.Due)
	assert.Equal(t, 7, r.Retry.Attempts)
}

func TestBackoffNeverRegresses(t *testing.T) {
	strategy := QueueStrategy{
		Retry:  []time.Duration{time.Minute, time.Hour},
		Notify: []time.Duration{NeverNotify},
	}
	m := testMessage(Recipient{Address: "rcpt@example.net", Status: Scheduled()})
	r := &m.Recipients[0]
	fail := TemporaryFailure(ErrorDetails{Err: DeliveryError{Kind: ErrorConnection}})

	var prev int64
	now := int64(1000)
	for i := 0; i < 6; i++ {
		m.SetRecipientStatus(r, fail, &strategy, now)
		assert.GreaterOrEqual(t, r.Retry.Due, prev)
		prev = r.Retry.Due
		now = r.Retry.Due
	}
}

func TestDeferRecipient(t *testing.T) {
	m := testMessage(Recipient{Address: "rcpt@example.net", Status: Scheduled(), Retry: Schedule{Due: 1000}})
	r := &m.Recipients[0]

	m.DeferRecipient(r, ErrorRateLimited, "localhost", 1500)
	assert.Equal(t, StatusTemporaryFailure, r.Status.Kind)
	assert.Equal(t, ErrorRateLimited, r.Status.Err.Err.Kind)
	assert.Equal(t, int64(1500), r.Retry.Due)
	assert.Zero(t, r.Retry.Attempts, "deferrals do not consume retry attempts")

	// An earlier retry-after never pulls the schedule backwards.
	m.DeferRecipient(r, ErrorConcurrencyLimited, "localhost", 1200)
	assert.Equal(t, int64(1500), r.Retry.Due)
}

func TestFinalizeExpiredTTL(t *testing.T) {
	m := testMessage(
		Recipient{Address: "a@example.net", Status: TemporaryFailure(ErrorDetails{Err: DeliveryError{Kind: ErrorConnection, Message: "x"}}), Expires: 2000},
		Recipient{Address: "b@example.net", Status: Scheduled(), Expires: 2000},
		Recipient{Address: "c@example.net", Status: Scheduled(), Expires: 5000},
	)

	assert.Equal(t, 2, m.FinalizeExpired(3000))

	assert.Equal(t, StatusPermanentFailure, m.Recipients[0].Status.Kind)
	assert.Equal(t, ErrorConnection, m.Recipients[0].Status.Err.Err.Kind,
		"expired temporary failures keep their original error")

	assert.Equal(t, StatusPermanentFailure, m.Recipients[1].Status.Kind)
	assert.Equal(t, "Message expired without any delivery attempts made.",
		m.Recipients[1].Status.Err.Err.Message)

	assert.Equal(t, StatusScheduled, m.Recipients[2].Status.Kind, "unexpired recipient untouched")
}

func TestFinalizeExpiredAttempts(t *testing.T) {
	m := testMessage(
		Recipient{
			Address:     "a@example.net",
			Status:      TemporaryFailure(ErrorDetails{Err: DeliveryError{Kind: ErrorConnection}}),
			Retry:       Schedule{Attempts: 3},
			MaxAttempts: 3,
		},
	)
	assert.Equal(t, 1, m.FinalizeExpired(0))
	assert.True(t, m.Recipients[0].Status.IsPermanent())
}

func TestNextEventsPerQueue(t *testing.T) {
	remote, _ := NewQueueName("remote")
	m := testMessage(
		Recipient{Address: "a@x", Status: Scheduled(), Queue: DefaultQueueName,
			Retry: Schedule{Due: 500}, Notify: Schedule{Due: NeverDue}, Expires: 9000},
		Recipient{Address: "b@x", Status: TemporaryFailure(ErrorDetails{Err: DeliveryError{Kind: ErrorConnection}}),
			Queue: DefaultQueueName, Retry: Schedule{Due: 300}, Notify: Schedule{Due: NeverDue}, Expires: 9000},
		Recipient{Address: "c@x", Status: Scheduled(), Queue: remote,
			Retry: Schedule{Due: 800}, Notify: Schedule{Due: 700}, Flags: FlagNotifyDelay, Expires: 9000},
		Recipient{Address: "d@x", Status: Completed(HostResponse{}), Queue: remote,
			Retry: Schedule{Due: 100}},
	)

	events := m.NextEvents()
	require.Len(t, events, 2)
	assert.Equal(t, int64(300), events[DefaultQueueName], "earliest pending retry wins")
	assert.Equal(t, int64(700), events[remote], "due delay notification beats a later retry")
}

func TestNextEventsEmptyWhenFinal(t *testing.T) {
	m := testMessage(
		Recipient{Address: "a@x", Status: Completed(HostResponse{})},
		Recipient{Address: "b@x", Status: PermanentFailure(ErrorDetails{})},
	)
	assert.Empty(t, m.NextEvents())
	assert.False(t, m.Pending())
	assert.Equal(t, NeverDue, m.NextDeliveryEvent())
}

func TestMessageEncodeDecode(t *testing.T) {
	remote, _ := NewQueueName("remote")
	m := testMessage(Recipient{
		Address: "rcpt@example.net",
		ORcpt:   "rfc822;original@example.net",
		Status: TemporaryFailure(ErrorDetails{
			Entity: "mx.example.net",
			Err: DeliveryError{
				Kind:     ErrorUnexpectedResponse,
				Command:  "RCPT TO",
				Response: &SMTPResponse{Code: 451, Enhanced: [3]int{4, 7, 1}, Message: "try later"},
			},
		}),
		Retry:   Schedule{Attempts: 2, Due: 1234},
		Notify:  Schedule{Attempts: 1, Due: 5678},
		Flags:   FlagNotifyFailure | FlagNotifyDelay,
		Expires: 9999,
		Queue:   remote,
	})
	m.EnvID = "env-1"
	m.Size = 321

	data, err := m.Encode()
	require.NoError(t, err)
	back, err := DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, m, back)
}

func TestStatusTransforms(t *testing.T) {
	tmp := TemporaryFailure(ErrorDetails{Entity: "mx"})
	perm := tmp.IntoPermanent()
	assert.Equal(t, StatusPermanentFailure, perm.Kind)
	assert.Equal(t, "mx", perm.Err.Entity)

	back := perm.IntoTemporary()
	assert.Equal(t, StatusTemporaryFailure, back.Kind)

	// Other states pass through unchanged.
	done := Completed(HostResponse{Hostname: "mx"})
	assert.Equal(t, done, done.IntoPermanent())
	assert.Equal(t, Scheduled(), Scheduled().IntoPermanent())
}

func TestEnhancedStatusDerivation(t *testing.T) {
	r := SMTPResponse{Code: 250, Enhanced: [3]int{2, 1, 5}}
	assert.Equal(t, "2.1.5", r.EnhancedStatus())

	r = SMTPResponse{Code: 550}
	assert.Equal(t, "5.5.0", r.EnhancedStatus(), "derived from the basic code when absent")
}
