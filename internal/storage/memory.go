package storage

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is the in-process Store used by tests and single-shot tools.
type MemoryStore struct {
	mu       sync.Mutex
	closed   bool
	nextID   uint64
	messages map[uint64][]byte
	events   map[Event]struct{}
	blobs    map[BlobHash][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID:   1,
		messages: make(map[uint64][]byte),
		events:   make(map[Event]struct{}),
		blobs:    make(map[BlobHash][]byte),
	}
}

func (s *MemoryStore) AssignDocumentIDs(_ context.Context, count int) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	first := s.nextID
	s.nextID += uint64(count)
	return first, nil
}

func (s *MemoryStore) Write(_ context.Context, batch *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, o := range batch.ops {
		switch o.kind {
		case opPutMessage:
			data := make([]byte, len(o.data))
			copy(data, o.data)
			s.messages[o.id] = data
		case opDeleteMessage:
			delete(s.messages, o.id)
		case opPutEvent:
			s.events[o.event] = struct{}{}
		case opDeleteEvent:
			delete(s.events, o.event)
		}
	}
	return nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	data, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (s *MemoryStore) Events(_ context.Context, before int64) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	var events []Event
	for ev := range s.events {
		if ev.Due <= before {
			events = append(events, ev)
		}
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].Due != events[j].Due {
			return events[i].Due < events[j].Due
		}
		return events[i].QueueID < events[j].QueueID
	})
	return events, nil
}

func (s *MemoryStore) PutBlob(_ context.Context, hash BlobHash, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	blob := make([]byte, len(data))
	copy(blob, data)
	s.blobs[hash] = blob
	return nil
}

func (s *MemoryStore) GetBlob(_ context.Context, hash BlobHash, from, to int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	blob, ok := s.blobs[hash]
	if !ok {
		return nil, ErrNotFound
	}
	if from < 0 {
		from = 0
	}
	if to > len(blob) {
		to = len(blob)
	}
	if from >= to {
		return nil, nil
	}
	out := make([]byte, to-from)
	copy(out, blob[from:to])
	return out, nil
}

func (s *MemoryStore) DeleteBlob(_ context.Context, hash BlobHash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.blobs, hash)
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
