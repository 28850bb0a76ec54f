package quota

import (
	"context"
	"sync"
)

// MemoryStore keeps quota state in process memory with one lock per pair, so
// reservations against different credentials never contend.
type MemoryStore struct {
	mu    sync.Mutex // guards the pairs map only
	pairs map[Pair]*memoryPair
}

type memoryPair struct {
	mu    sync.Mutex
	state State
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{pairs: make(map[Pair]*memoryPair)}
}

func (m *MemoryStore) pair(p Pair) *memoryPair {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.pairs[p]
	if !ok {
		entry = &memoryPair{state: State{Windows: make(map[Class]Window)}}
		m.pairs[p] = entry
	}
	return entry
}

// Mutate applies fn under the pair's lock. fn receives a copy; the copy is
// stored back only when fn returns nil, which makes reservations
// all-or-nothing.
func (m *MemoryStore) Mutate(ctx context.Context, p Pair, fn func(*State) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	entry := m.pair(p)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	scratch := cloneState(&entry.state)
	if err := fn(scratch); err != nil {
		return err
	}
	entry.state = *scratch
	return nil
}

// Load returns a copy of the pair's state, or nil if the pair was never used.
func (m *MemoryStore) Load(ctx context.Context, p Pair) (*State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	entry, ok := m.pairs[p]
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return cloneState(&entry.state), nil
}

func cloneState(s *State) *State {
	out := &State{Windows: make(map[Class]Window, len(s.Windows))}
	for class, win := range s.Windows {
		out.Windows[class] = win
	}
	return out
}
