package queue

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/busybox42/spoold/internal/storage"
	"github.com/busybox42/spoold/internal/throttle"
)

// Per-recipient flags. FlagDSNSent is set-once: no operation ever clears
// it, which is what prevents duplicate bounce generation.
const (
	FlagDSNSent uint8 = 1 << iota
	FlagNotifyNever
	FlagNotifySuccess
	FlagNotifyFailure
	FlagNotifyDelay
)

// DefaultNotifyFlags applies when the RCPT command carried no NOTIFY
// parameter: failures and delays are reported, successes are not.
const DefaultNotifyFlags = FlagNotifyFailure | FlagNotifyDelay

// Schedule tracks one backoff sequence: how many times it fired and when
// it fires next, as a unix timestamp in seconds.
type Schedule struct {
	Attempts int   `json:"attempts"`
	Due      int64 `json:"due"`
}

// Recipient is one delivery target of a queued message. Each recipient
// carries its own schedule, expiry policy and virtual queue so that
// per-recipient strategy resolution can diverge within one message.
type Recipient struct {
	Address string   `json:"address"`
	ORcpt   string   `json:"orcpt,omitempty"`
	Status  Status   `json:"status"`
	Retry   Schedule `json:"retry"`
	Notify  Schedule `json:"notify"`
	Flags   uint8    `json:"flags"`

	// Expires is the absolute delivery deadline; zero when the schedule
	// caps attempts instead.
	Expires     int64     `json:"expires,omitempty"`
	MaxAttempts int       `json:"maxAttempts,omitempty"`
	Queue       QueueName `json:"queue"`
}

// HasFlag reports whether all given flag bits are set.
func (r *Recipient) HasFlag(flag uint8) bool {
	return r.Flags&flag == flag
}

// Domain returns the lowercased domain part of the address.
func (r *Recipient) Domain() string {
	if at := strings.LastIndexByte(r.Address, '@'); at >= 0 {
		return strings.ToLower(r.Address[at+1:])
	}
	return ""
}

// IsExpired reports whether the recipient's schedule is exhausted: past
// its absolute deadline, or at its attempt ceiling.
func (r *Recipient) IsExpired(now int64) bool {
	if r.MaxAttempts > 0 {
		return r.Retry.Attempts >= r.MaxAttempts
	}
	if r.Expires > 0 {
		return now >= r.Expires
	}
	return false
}

// ExpirationTime returns the absolute deadline, or NeverDue for
// attempt-capped schedules.
func (r *Recipient) ExpirationTime() int64 {
	if r.Expires > 0 {
		return r.Expires
	}
	return NeverDue
}

// Message is one queued envelope. It exclusively owns its recipients; the
// store owns the durable representation between processing passes.
type Message struct {
	ID         uint64           `json:"id"`
	Created    int64            `json:"created"`
	ReturnPath string           `json:"returnPath"`
	EnvID      string           `json:"envId,omitempty"`
	BlobHash   storage.BlobHash `json:"blobHash"`
	Size       int64            `json:"size"`
	Recipients []Recipient      `json:"recipients"`

	// QuotaKeys are the quota reservations taken at admission, released
	// as recipients reach a final state.
	QuotaKeys []throttle.QuotaRef `json:"quotaKeys,omitempty"`
}

// IsBounce reports whether this message is itself a delivery report. A
// bounce has an empty return path and must never generate a further DSN.
func (m *Message) IsBounce() bool {
	return m.ReturnPath == ""
}

// ReturnPathDomain returns the lowercased domain of the return path.
func (m *Message) ReturnPathDomain() string {
	if at := strings.LastIndexByte(m.ReturnPath, '@'); at >= 0 {
		return strings.ToLower(m.ReturnPath[at+1:])
	}
	return ""
}

// ScheduleRecipient initializes a recipient's schedules from the resolved
// strategy: immediate first delivery, first delay notification after the
// initial notify interval, expiry per the strategy's policy.
func (m *Message) ScheduleRecipient(r *Recipient, strategy *QueueStrategy, now int64) {
	r.Queue = strategy.VirtualQueue
	r.Retry = Schedule{Due: now}
	notify := NeverDue
	if interval, ok := strategy.NotifyInterval(0); ok {
		notify = now + int64(interval/time.Second)
	}
	r.Notify = Schedule{Due: notify}
	switch strategy.Expiry.Kind {
	case ExpiryTTL:
		r.Expires = now + int64(strategy.Expiry.TTL/time.Second)
	case ExpiryAttempts:
		r.MaxAttempts = strategy.Expiry.Attempts
	}
	if r.Flags&(FlagNotifyNever|FlagNotifySuccess|FlagNotifyFailure|FlagNotifyDelay) == 0 {
		r.Flags |= DefaultNotifyFlags
	}
}

// SetRecipientStatus applies one delivery outcome. Temporary failures
// reschedule at the strategy's backoff for the current attempt count,
// holding at the last interval once the list is exhausted. Final outcomes
// stick.
func (m *Message) SetRecipientStatus(r *Recipient, status Status, strategy *QueueStrategy, now int64) {
	r.Status = status
	if status.Kind == StatusTemporaryFailure {
		r.Retry.Due = now + int64(strategy.RetryInterval(r.Retry.Attempts)/time.Second)
		r.Retry.Attempts++
	}
}

// DeferRecipient records a rate or concurrency deferral. The attempt does
// not count against the retry schedule; the recipient is simply parked
// until the limiter window reopens.
func (m *Message) DeferRecipient(r *Recipient, kind ErrorKind, entity string, retryAt int64) {
	r.Status = TemporaryFailure(ErrorDetails{
		Entity: entity,
		Err:    DeliveryError{Kind: kind},
	})
	if retryAt > r.Retry.Due {
		r.Retry.Due = retryAt
	}
}

// FinalizeExpired converts every expired pending recipient into a
// permanent failure. Recipients that never saw a delivery attempt get a
// synthetic error so the DSN can explain what happened. Returns how many
// recipients were finalized.
func (m *Message) FinalizeExpired(now int64) int {
	var expired int
	for i := range m.Recipients {
		r := &m.Recipients[i]
		if !r.Status.Pending() || !r.IsExpired(now) {
			continue
		}
		if r.Status.Kind == StatusScheduled {
			r.Status = PermanentFailure(ErrorDetails{
				Err: DeliveryError{
					Kind:    ErrorIO,
					Message: "Message expired without any delivery attempts made.",
				},
			})
		} else {
			r.Status = r.Status.IntoPermanent()
		}
		expired++
	}
	return expired
}

// Pending reports whether any recipient still needs delivery work.
func (m *Message) Pending() bool {
	for i := range m.Recipients {
		if m.Recipients[i].Status.Pending() {
			return true
		}
	}
	return false
}

// NextDeliveryEvent returns the earliest retry due time over all pending
// recipients, or NeverDue when nothing is pending.
func (m *Message) NextDeliveryEvent() int64 {
	next := NeverDue
	for i := range m.Recipients {
		r := &m.Recipients[i]
		if r.Status.Pending() && r.Retry.Due < next {
			next = r.Retry.Due
		}
	}
	return next
}

// NextEvents computes one schedule event per virtual queue: the earliest
// of each pending recipient's retry, delay notification and expiry times.
func (m *Message) NextEvents() map[QueueName]int64 {
	events := make(map[QueueName]int64)
	for i := range m.Recipients {
		r := &m.Recipients[i]
		if !r.Status.Pending() {
			continue
		}
		due := r.Retry.Due
		if r.HasFlag(FlagNotifyDelay) && !r.HasFlag(FlagDSNSent) && r.Notify.Due < due {
			due = r.Notify.Due
		}
		if exp := r.ExpirationTime(); exp < due {
			due = exp
		}
		if current, ok := events[r.Queue]; !ok || due < current {
			events[r.Queue] = due
		}
	}
	return events
}

// Encode serializes the message record for the store.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses a stored message record.
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
