package memory

import (
	"context"
	"sync"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"
)

type MemoryRecordingStore struct {
	mu         sync.RWMutex
	recordings map[string]*domain.Recording
}

func NewMemoryRecordingStore() ports.RecordingStore {
	return &MemoryRecordingStore{
		recordings: make(map[string]*domain.Recording),
	}
}

func (s *MemoryRecordingStore) Create(ctx context.Context, rec *domain.Recording) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.recordings[rec.ID] = &cp
	return nil
}

func (s *MemoryRecordingStore) Update(ctx context.Context, rec *domain.Recording) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recordings[rec.ID]; !ok {
		return domain.ErrRecordingNotFound
	}
	cp := *rec
	s.recordings[rec.ID] = &cp
	return nil
}

func (s *MemoryRecordingStore) Get(ctx context.Context, id string) (*domain.Recording, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recordings[id]
	if !ok {
		return nil, domain.ErrRecordingNotFound
	}
	cp := *rec
	return &cp, nil
}
