// Package storage holds ride records. Every write after creation is a
// compare-and-set on the ride's version.
package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/models"
)

type RideStore interface {
	Create(ctx context.Context, r *models.Ride) error
	Get(ctx context.Context, id string) (*models.Ride, error)
	// Update persists r if the stored version still equals expectedVersion
	// and sets r.Version to the new value. A lost race returns ErrConflict.
	Update(ctx context.Context, r *models.Ride, expectedVersion int64) error
}

type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]*models.Ride
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]*models.Ride)}
}

func (m *MemoryStore) Create(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return fmt.Errorf("ride %s exists: %w", r.ID, errs.ErrConflict)
	}
	m.rides[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, fmt.Errorf("ride %s: %w", id, errs.ErrNotFound)
	}
	return r.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, r *models.Ride, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rides[r.ID]
	if !ok {
		return fmt.Errorf("ride %s: %w", r.ID, errs.ErrNotFound)
	}
	if cur.Version != expectedVersion {
		return fmt.Errorf("ride %s at version %d, expected %d: %w", r.ID, cur.Version, expectedVersion, errs.ErrConflict)
	}
	r.Version = expectedVersion + 1
	m.rides[r.ID] = r.Clone()
	return nil
}
