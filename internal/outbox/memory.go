package outbox

import (
	"context"
	"sync"
)

// MemoryStore keeps entries in a map. It is what tests inject, and the
// base the file backend builds on.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
	seq     int64
	// persist is called with the lock held after every mutation. A non-nil
	// error makes the mutation roll back.
	persist func(map[string]Entry) error
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) save() error {
	if s.persist == nil {
		return nil
	}
	return s.persist(s.entries)
}

func (s *MemoryStore) Add(_ context.Context, e Entry) error {
	e, err := prepare(e)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[e.ID]; exists {
		return ErrDuplicateID
	}
	e.Seq = s.seq + 1
	s.entries[e.ID] = e
	if err := s.save(); err != nil {
		delete(s.entries, e.ID)
		return err
	}
	s.seq = e.Seq
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, id string, p Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.entries[id]
	if !ok {
		return ErrNotFound
	}
	updated := old
	if err := p.apply(&updated); err != nil {
		return err
	}
	s.entries[id] = updated
	if err := s.save(); err != nil {
		s.entries[id] = old
		return err
	}
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.entries[id]
	if !ok {
		return nil
	}
	delete(s.entries, id)
	if err := s.save(); err != nil {
		s.entries[id] = old
		return err
	}
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Clone())
	}
	sortEntries(out)
	return out, nil
}

func (s *MemoryStore) PendingCount(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return countPending(s.entries), nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.entries
	s.entries = make(map[string]Entry)
	if err := s.save(); err != nil {
		s.entries = old
		return err
	}
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
