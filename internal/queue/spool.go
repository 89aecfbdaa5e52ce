package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/busybox42/spoold/internal/counter"
	"github.com/busybox42/spoold/internal/metrics"
	"github.com/busybox42/spoold/internal/storage"
	"github.com/busybox42/spoold/internal/throttle"
)

// ErrOverQuota rejects a message at admission when a storage quota
// ceiling would be exceeded.
var ErrOverQuota = errors.New("message exceeds storage quota")

// lockTTL bounds how long one node may hold a message event before
// another node may steal it.
const lockTTL = 5 * time.Minute

// EnvelopeRecipient is one delivery target requested at admission.
type EnvelopeRecipient struct {
	Address string
	ORcpt   string
	// NotifyFlags carries the RCPT NOTIFY directive bits; zero applies
	// the defaults (failure and delay).
	NotifyFlags uint8
}

// Envelope is an admission request: one sender, one recipient list, one
// body.
type Envelope struct {
	ReturnPath string
	EnvID      string
	Recipients []EnvelopeRecipient
	Body       []byte
}

// Spool admits messages into the queue and persists their state between
// processing passes. Quota reservations are taken at admission; each
// recipient's share is released as that recipient reaches a final state,
// and the remainder when the message leaves the queue.
type Spool struct {
	store    storage.Store
	guard    *throttle.Guard
	resolver *Resolver
	quotas   throttle.QuotaSet
	locks    counter.Store
	logger   *slog.Logger

	// now is the clock, a unix timestamp in seconds.
	now func() int64
}

// NewSpool assembles the spool. The counter store backs cross-node
// message locks; pass the same store the guard uses.
func NewSpool(store storage.Store, guard *throttle.Guard, resolver *Resolver, quotas throttle.QuotaSet, locks counter.Store, logger *slog.Logger) *Spool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Spool{
		store:    store,
		guard:    guard,
		resolver: resolver,
		quotas:   quotas,
		locks:    locks,
		logger:   logger.With("component", "spool"),
		now:      func() int64 { return time.Now().Unix() },
	}
}

// Enqueue admits one envelope: assigns a queue id, resolves each
// recipient's schedule, enforces storage quotas, writes the body blob and
// the message record, and indexes the initial schedule events.
func (s *Spool) Enqueue(ctx context.Context, env Envelope) (*Message, error) {
	if len(env.Recipients) == 0 {
		return nil, errors.New("envelope has no recipients")
	}

	id, err := s.store.AssignDocumentIDs(ctx, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to assign queue id: %w", err)
	}

	now := s.now()
	m := &Message{
		ID:         id,
		Created:    now,
		ReturnPath: env.ReturnPath,
		EnvID:      env.EnvID,
		BlobHash:   storage.HashBlob(env.Body),
		Size:       int64(len(env.Body)),
		Recipients: make([]Recipient, 0, len(env.Recipients)),
	}

	for _, er := range env.Recipients {
		r := Recipient{
			Address: er.Address,
			ORcpt:   er.ORcpt,
			Status:  Scheduled(),
			Flags:   er.NotifyFlags,
		}
		strategy := s.resolver.ScheduleFor(m, &r)
		m.ScheduleRecipient(&r, &strategy, now)
		m.Recipients = append(m.Recipients, r)
	}

	if !s.reserveQuotas(ctx, m) {
		metrics.Get().QuotaRejections.Inc()
		return nil, ErrOverQuota
	}

	if err := s.store.PutBlob(ctx, m.BlobHash, env.Body); err != nil {
		s.guard.Release(ctx, m.QuotaKeys, m.Size)
		return nil, fmt.Errorf("failed to write message body: %w", err)
	}

	data, err := m.Encode()
	if err != nil {
		s.guard.Release(ctx, m.QuotaKeys, m.Size)
		return nil, err
	}
	batch := new(storage.Batch)
	batch.PutMessage(m.ID, data)
	for name, due := range m.NextEvents() {
		batch.PutEvent(storage.Event{Due: due, QueueID: m.ID, QueueName: name})
	}
	if err := s.store.Write(ctx, batch); err != nil {
		s.guard.Release(ctx, m.QuotaKeys, m.Size)
		return nil, fmt.Errorf("failed to persist message: %w", err)
	}

	metrics.Get().MessagesQueued.Inc()
	s.logger.Info("message queued",
		"queue_id", m.ID,
		"sender", m.ReturnPath,
		"recipients", len(m.Recipients),
		"size", m.Size,
	)
	return m, nil
}

// reserveQuotas checks every matching quota and records the reservations
// on the message. Nothing is reserved when any ceiling would be exceeded.
func (s *Spool) reserveQuotas(ctx context.Context, m *Message) bool {
	var refs []throttle.QuotaRef

	senderVars := messageVars(m)
	for i := range s.quotas.Sender {
		if !s.guard.CheckQuota(ctx, &s.quotas.Sender[i], senderVars, m.Size, 0, &refs) {
			return false
		}
	}
	for ri := range m.Recipients {
		vars := recipientVars(m, &m.Recipients[ri])
		owner := uint64(ri) + 1
		for i := range s.quotas.Rcpt {
			if !s.guard.CheckQuota(ctx, &s.quotas.Rcpt[i], vars, m.Size, owner, &refs) {
				return false
			}
		}
		for i := range s.quotas.RcptDomain {
			if !s.guard.CheckQuota(ctx, &s.quotas.RcptDomain[i], vars, m.Size, owner, &refs) {
				return false
			}
		}
	}

	s.guard.Reserve(ctx, refs, m.Size)
	m.QuotaKeys = refs
	return true
}

// Load fetches and decodes a message record.
func (s *Spool) Load(ctx context.Context, id uint64) (*Message, error) {
	data, err := s.store.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	return DecodeMessage(data)
}

// SaveChanges persists an updated message, replacing its schedule index
// entries. prevEvents is the event set that was on disk before this
// processing pass. Quota held by recipients that reached a final state
// during the pass is returned; when no recipient remains pending the
// message is removed instead.
func (s *Spool) SaveChanges(ctx context.Context, m *Message, prevEvents map[QueueName]int64) error {
	if !m.Pending() {
		return s.Remove(ctx, m, prevEvents)
	}
	s.releaseFinishedQuotas(ctx, m)

	data, err := m.Encode()
	if err != nil {
		return err
	}
	batch := new(storage.Batch)
	next := m.NextEvents()
	for name, due := range prevEvents {
		if nd, ok := next[name]; !ok || nd != due {
			batch.DeleteEvent(storage.Event{Due: due, QueueID: m.ID, QueueName: name})
		}
	}
	for name, due := range next {
		if pd, ok := prevEvents[name]; !ok || pd != due {
			batch.PutEvent(storage.Event{Due: due, QueueID: m.ID, QueueName: name})
		}
	}
	batch.PutMessage(m.ID, data)
	return s.store.Write(ctx, batch)
}

// Remove deletes a message, its schedule events and its body, and
// releases the quota reserved at admission.
func (s *Spool) Remove(ctx context.Context, m *Message, prevEvents map[QueueName]int64) error {
	batch := new(storage.Batch)
	for name, due := range prevEvents {
		batch.DeleteEvent(storage.Event{Due: due, QueueID: m.ID, QueueName: name})
	}
	batch.DeleteMessage(m.ID)
	if err := s.store.Write(ctx, batch); err != nil {
		return fmt.Errorf("failed to remove message: %w", err)
	}
	if err := s.store.DeleteBlob(ctx, m.BlobHash); err != nil {
		s.logger.Error("failed to delete message body", "queue_id", m.ID, "error", err)
	}
	s.guard.Release(ctx, m.QuotaKeys, m.Size)
	metrics.Get().MessagesRemoved.Inc()
	s.logger.Info("message dequeued", "queue_id", m.ID)
	return nil
}

// releaseFinishedQuotas returns the reservations of recipients that are
// Completed or permanently failed and drops them from the message, so the
// trimmed set is what gets persisted and a later pass cannot release the
// same reservation twice. Message-scoped reservations (owner zero) stay
// until the message is removed.
func (s *Spool) releaseFinishedQuotas(ctx context.Context, m *Message) {
	var released []throttle.QuotaRef
	kept := m.QuotaKeys[:0]
	for _, ref := range m.QuotaKeys {
		if ref.ID > 0 && int(ref.ID) <= len(m.Recipients) && m.Recipients[ref.ID-1].Status.IsFinal() {
			released = append(released, ref)
			continue
		}
		kept = append(kept, ref)
	}
	if len(released) == 0 {
		return
	}
	m.QuotaKeys = kept
	s.guard.Release(ctx, released, m.Size)
}

// TryLock claims a message event for this node. It returns false when
// another node currently holds it.
func (s *Spool) TryLock(ctx context.Context, id uint64) bool {
	ok, err := s.locks.SetNX(ctx, "lock:queue:"+lockKey(id), "1", lockTTL)
	if err != nil {
		// Lock service down: proceed locally rather than stall the queue.
		s.logger.Error("queue lock unavailable", "queue_id", id, "error", err)
		return true
	}
	return ok
}

// Unlock releases a message event lock.
func (s *Spool) Unlock(ctx context.Context, id uint64) {
	if err := s.locks.Delete(ctx, "lock:queue:"+lockKey(id)); err != nil && !errors.Is(err, counter.ErrNotFound) {
		s.logger.Error("queue unlock failed", "queue_id", id, "error", err)
	}
}

func lockKey(id uint64) string {
	return fmt.Sprintf("%016x", id)
}
