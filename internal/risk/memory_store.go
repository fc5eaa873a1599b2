package risk

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory SampleStore for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	samples []LabeledSample
}

// NewMemoryStore creates an empty in-memory sample store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) ReplaceSamples(ctx context.Context, samples []LabeledSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Vectors are immutable, so a shallow copy of the slice suffices.
	s.samples = append([]LabeledSample(nil), samples...)
	return nil
}

func (s *MemoryStore) LoadSamples(ctx context.Context) ([]LabeledSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]LabeledSample(nil), s.samples...), nil
}
