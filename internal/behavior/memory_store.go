package behavior

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	bySession map[string]*Sample
	nextID    int64
}

// NewMemoryStore creates an empty in-memory behavior store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bySession: make(map[string]*Sample)}
}

func (m *MemoryStore) SaveSample(ctx context.Context, userID int64, sessionID string, keystroke, mouse json.RawMessage, risk float64) error {
	keystroke, err := normalizeArray(keystroke)
	if err != nil {
		return err
	}
	mouse, err = normalizeArray(mouse)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	s, ok := m.bySession[sessionID]
	if !ok {
		m.nextID++
		m.bySession[sessionID] = &Sample{
			ID:            m.nextID,
			UserID:        userID,
			SessionID:     sessionID,
			KeystrokeData: keystroke,
			MouseData:     mouse,
			RiskScore:     risk,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		return nil
	}
	if s.UserID != userID {
		return ErrSessionOwner
	}
	keys, err := concat(s.KeystrokeData, keystroke)
	if err != nil {
		return err
	}
	moves, err := concat(s.MouseData, mouse)
	if err != nil {
		return err
	}
	s.KeystrokeData, s.MouseData = keys, moves
	s.RiskScore = risk
	s.UpdatedAt = now
	return nil
}

func (m *MemoryStore) GetHistory(ctx context.Context, userID int64, limit int) ([]*Sample, error) {
	return m.collect(limit, func(s *Sample) bool { return s.UserID == userID }), nil
}

func (m *MemoryStore) ListSamples(ctx context.Context, limit int) ([]*Sample, error) {
	return m.collect(limit, func(*Sample) bool { return true }), nil
}

func (m *MemoryStore) collect(limit int, match func(*Sample) bool) []*Sample {
	m.mu.RLock()
	var out []*Sample
	for _, s := range m.bySession {
		if match(s) {
			cp := *s
			out = append(out, &cp)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
