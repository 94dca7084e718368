package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xaenox/nostrchan/internal/models"
)

type MemoryStorage struct {
	mu       sync.RWMutex
	nextID   int64
	personas map[string]*models.Persona
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		personas: make(map[string]*models.Persona),
	}
}

func (s *MemoryStorage) InsertIfAbsent(ctx context.Context, persona *models.Persona) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.personas[persona.PubKey]; exists {
		return false, nil
	}

	s.nextID++
	stored := *persona
	stored.ID = s.nextID
	stored.CreatedAt = time.Now()
	stored.UpdatedAt = stored.CreatedAt
	s.personas[persona.PubKey] = &stored
	return true, nil
}

func (s *MemoryStorage) SelectEnabled(ctx context.Context) ([]*models.Persona, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	personas := make([]*models.Persona, 0, len(s.personas))
	for _, p := range s.personas {
		if p.Enabled() {
			cp := *p
			personas = append(personas, &cp)
		}
	}
	sort.Slice(personas, func(i, j int) bool {
		return personas[i].ID < personas[j].ID
	})
	return personas, nil
}

func (s *MemoryStorage) GetPersona(ctx context.Context, pubkey string) (*models.Persona, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, exists := s.personas[pubkey]; exists {
		cp := *p
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (s *MemoryStorage) SetStatus(ctx context.Context, pubkey string, status models.PersonaStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, exists := s.personas[pubkey]
	if !exists {
		return ErrNotFound
	}
	p.Status = status
	p.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStorage) UpdateContent(ctx context.Context, pubkey string, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, exists := s.personas[pubkey]
	if !exists {
		return ErrNotFound
	}
	p.Content = content
	p.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStorage) Close() error {
	// Nothing to close for in-memory storage
	return nil
}
