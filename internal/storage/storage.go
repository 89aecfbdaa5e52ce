// Package storage defines the contract the queue core consumes from the
// persistent store: document id assignment, batched writes of message
// records and schedule events, and ranged blob reads. The on-disk format
// belongs to the backend.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// Common errors
var (
	ErrNotFound = errors.New("not found in store")
	ErrClosed   = errors.New("store is closed")
)

// BlobHash is the content hash identifying a message body.
type BlobHash [32]byte

// HashBlob computes the content hash of a message body.
func HashBlob(data []byte) BlobHash {
	return sha256.Sum256(data)
}

// String returns the hash in hex, for logging.
func (h BlobHash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether the hash is unset.
func (h BlobHash) IsZero() bool {
	return h == BlobHash{}
}

// MarshalText renders the hash as hex for serialized message records.
func (h BlobHash) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(h[:])), nil
}

// UnmarshalText parses a hex-encoded hash.
func (h *BlobHash) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return err
	}
	if len(b) != len(h) {
		return errors.New("invalid blob hash length")
	}
	copy(h[:], b)
	return nil
}

// Event is one due-time entry in the queue schedule index, keyed by
// (due, queue id, virtual queue name).
type Event struct {
	Due       int64
	QueueID   uint64
	QueueName [8]byte
}

type opKind uint8

const (
	opPutMessage opKind = iota
	opDeleteMessage
	opPutEvent
	opDeleteEvent
)

type op struct {
	kind  opKind
	id    uint64
	data  []byte
	event Event
}

// Batch collects writes applied atomically by Store.Write.
type Batch struct {
	ops []op
}

// PutMessage stores the serialized message record under id.
func (b *Batch) PutMessage(id uint64, data []byte) *Batch {
	b.ops = append(b.ops, op{kind: opPutMessage, id: id, data: data})
	return b
}

// DeleteMessage removes the message record.
func (b *Batch) DeleteMessage(id uint64) *Batch {
	b.ops = append(b.ops, op{kind: opDeleteMessage, id: id})
	return b
}

// PutEvent adds a schedule index entry.
func (b *Batch) PutEvent(event Event) *Batch {
	b.ops = append(b.ops, op{kind: opPutEvent, event: event})
	return b
}

// DeleteEvent removes a schedule index entry.
func (b *Batch) DeleteEvent(event Event) *Batch {
	b.ops = append(b.ops, op{kind: opDeleteEvent, event: event})
	return b
}

// Empty reports whether the batch holds no operations.
func (b *Batch) Empty() bool {
	return len(b.ops) == 0
}

// Store is the persistence backend consumed by the spool.
type Store interface {
	// AssignDocumentIDs reserves count sequential ids and returns the
	// first of the range.
	AssignDocumentIDs(ctx context.Context, count int) (uint64, error)

	// Write applies a batch atomically.
	Write(ctx context.Context, batch *Batch) error

	// GetMessage fetches a message record.
	GetMessage(ctx context.Context, id uint64) ([]byte, error)

	// Events returns schedule entries with due <= before, ascending by
	// due time.
	Events(ctx context.Context, before int64) ([]Event, error)

	// PutBlob stores a message body under its content hash.
	PutBlob(ctx context.Context, hash BlobHash, data []byte) error

	// GetBlob fetches the byte range [from, to) of a blob, truncated to
	// the blob size. Used to read up to the first 4 KiB of headers when
	// composing a DSN.
	GetBlob(ctx context.Context, hash BlobHash, from, to int) ([]byte, error)

	// DeleteBlob removes a blob once its last reference is gone.
	DeleteBlob(ctx context.Context, hash BlobHash) error

	// Close releases the backend.
	Close() error
}
