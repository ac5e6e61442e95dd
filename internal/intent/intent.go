// Package intent persists client-side pending intents: the advisory record
// that a trigger was sent for a campaign and no authoritative status has
// been seen yet. Intents are never sent to the server.
package intent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dwsmith1983/runguard/pkg/types"
)

// ErrNotFound is returned when a campaign has no stored intent.
var ErrNotFound = errors.New("pending intent not found")

// Store holds at most one intent per campaign.
type Store interface {
	Save(ctx context.Context, in types.PendingIntent) error
	Load(ctx context.Context, campaignID string) (types.PendingIntent, error)
	Delete(ctx context.Context, campaignID string) error
	// Purge deletes intents expired at now and returns how many were removed.
	Purge(ctx context.Context, now time.Time) (int, error)
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.Mutex
	intents map[string]types.PendingIntent
}

// Compile-time interface satisfaction check.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{intents: make(map[string]types.PendingIntent)}
}

func (m *MemoryStore) Save(_ context.Context, in types.PendingIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.intents[in.CampaignID] = in
	return nil
}

func (m *MemoryStore) Load(_ context.Context, campaignID string) (types.PendingIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.intents[campaignID]
	if !ok {
		return types.PendingIntent{}, ErrNotFound
	}
	return in, nil
}

func (m *MemoryStore) Delete(_ context.Context, campaignID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.intents, campaignID)
	return nil
}

func (m *MemoryStore) Purge(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, in := range m.intents {
		if in.Expired(now) {
			delete(m.intents, id)
			n++
		}
	}
	return n, nil
}
