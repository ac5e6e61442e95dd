package coordinator

import (
	"sync"

	"github.com/dwsmith1983/runguard/internal/intent"
)

// Manager hands out one Coordinator per campaign, sharing an API client and
// intent store.
type Manager struct {
	api     API
	intents intent.Store
	opts    []Option

	mu     sync.Mutex
	coords map[string]*Coordinator
	closed bool
}

// NewManager creates a Manager. opts apply to every Coordinator it creates.
func NewManager(api API, intents intent.Store, opts ...Option) *Manager {
	if intents == nil {
		intents = intent.NewMemoryStore()
	}
	return &Manager{
		api:     api,
		intents: intents,
		opts:    opts,
		coords:  make(map[string]*Coordinator),
	}
}

// Get returns the campaign's Coordinator, creating it on first use.
func (m *Manager) Get(campaignID string) (*Coordinator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if c, ok := m.coords[campaignID]; ok {
		return c, nil
	}
	c := New(campaignID, m.api, m.intents, m.opts...)
	m.coords[campaignID] = c
	return c, nil
}

// Views returns the current view of every campaign the Manager knows.
func (m *Manager) Views() []View {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]View, 0, len(m.coords))
	for _, c := range m.coords {
		out = append(out, c.View())
	}
	return out
}

// Close stops every Coordinator.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	coords := m.coords
	m.coords = map[string]*Coordinator{}
	m.mu.Unlock()
	for _, c := range coords {
		c.Close()
	}
}
