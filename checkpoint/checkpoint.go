// Package checkpoint persists how far a subscriber has processed a stream so
// that it can subscribe again from that point.
package checkpoint

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("eventide: checkpoint store closed")

// Checkpoint is the last processed event of a subscriber.
type Checkpoint struct {
	// Revision within the subscribed stream. Unused for $all subscribers.
	Revision uint64
	// Position in the global log.
	Position uint64
}

// Store keeps one checkpoint per name. A save with a position lower than
// the stored one is ignored.
type Store interface {
	Load(ctx context.Context, name string) (Checkpoint, bool, error)
	Save(ctx context.Context, name string, cp Checkpoint) error
	Delete(ctx context.Context, name string) error
	Close() error
}

type memoryStore struct {
	mu     sync.Mutex
	m      map[string]Checkpoint
	closed bool
}

// NewMemory returns a store that does not outlive the process.
func NewMemory() Store {
	return &memoryStore{
		m: make(map[string]Checkpoint),
	}
}

func (s *memoryStore) Load(ctx context.Context, name string) (Checkpoint, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Checkpoint{}, false, ErrClosed
	}
	cp, ok := s.m[name]
	return cp, ok, nil
}

func (s *memoryStore) Save(ctx context.Context, name string, cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if prev, ok := s.m[name]; ok && prev.Position > cp.Position {
		return nil
	}
	s.m[name] = cp
	return nil
}

func (s *memoryStore) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.m, name)
	return nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
