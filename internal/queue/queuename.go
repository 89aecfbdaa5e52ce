// Package queue implements the outbound delivery queue: per-recipient
// retry and notification scheduling, virtual queue dispatch, quota and
// rate-limit admission, and delivery status notification (DSN) reports.
package queue

import (
	"bytes"
	"fmt"
)

// QueueName is a fixed 8-byte virtual queue identifier. Names between 1 and
// 8 bytes are NUL-padded so the value is directly comparable and usable as
// a map key or storage key suffix.
type QueueName [8]byte

// DefaultQueueName is the implicit queue that always exists.
var DefaultQueueName = QueueName{'d', 'e', 'f', 'a', 'u', 'l', 't', 0}

// NewQueueName builds a QueueName from a 1-8 byte string. It returns false
// for the empty string and for names longer than 8 bytes.
func NewQueueName(name string) (QueueName, bool) {
	if len(name) < 1 || len(name) > 8 {
		return QueueName{}, false
	}
	var qn QueueName
	copy(qn[:], name)
	return qn, true
}

// QueueNameFromBytes reconstructs a QueueName from its exact 8-byte
// storage representation.
func QueueNameFromBytes(b []byte) (QueueName, bool) {
	if len(b) != 8 {
		return QueueName{}, false
	}
	var qn QueueName
	copy(qn[:], b)
	return qn, true
}

// String returns the name with trailing NUL padding removed.
func (q QueueName) String() string {
	return string(bytes.TrimRight(q[:], "\x00"))
}

// Bytes returns the full padded 8-byte representation.
func (q QueueName) Bytes() []byte {
	return q[:]
}

// IsZero reports whether the name is entirely unset.
func (q QueueName) IsZero() bool {
	return q == QueueName{}
}

// MarshalText renders the trimmed name, so serialized messages carry
// "default" rather than a padded byte array.
func (q QueueName) MarshalText() ([]byte, error) {
	return []byte(q.String()), nil
}

// UnmarshalText parses a serialized queue name.
func (q *QueueName) UnmarshalText(text []byte) error {
	qn, ok := NewQueueName(string(text))
	if !ok {
		return fmt.Errorf("invalid queue name %q", text)
	}
	*q = qn
	return nil
}
