// Package memory implements the Provider interface with an in-process map.
// It is used by tests and single-process development setups.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dwsmith1983/runguard/internal/lifecycle"
	"github.com/dwsmith1983/runguard/internal/provider"
	"github.com/dwsmith1983/runguard/pkg/types"
)

// Compile-time interface satisfaction check.
var _ provider.Provider = (*Provider)(nil)

// Provider is an in-memory run state store.
type Provider struct {
	mu    sync.Mutex
	runs  map[string]types.RunState
	locks map[string]time.Time
	now   func() time.Time
}

// New creates an empty in-memory provider.
func New() *Provider {
	return &Provider{
		runs:  make(map[string]types.RunState),
		locks: make(map[string]time.Time),
		now:   time.Now,
	}
}

// SetClock overrides the clock used for lock expiry.
func (p *Provider) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// Put writes st unconditionally. Intended for seeding tests.
func (p *Provider) Put(st types.RunState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runs[st.CampaignID] = st
}

func (p *Provider) GetRunState(_ context.Context, campaignID string) (*types.RunState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.runs[campaignID]
	if !ok {
		return nil, provider.ErrNotFound
	}
	return &st, nil
}

func (p *Provider) InitRunState(_ context.Context, campaignID string) (*types.RunState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.runs[campaignID]
	if !ok {
		st = types.NewIdleRunState(campaignID)
		p.runs[campaignID] = st
	}
	return &st, nil
}

func (p *Provider) ListRunStates(_ context.Context, statuses []types.RunStatus, after string, limit int) ([]types.RunState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	want := make(map[types.RunStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var out []types.RunState
	for _, st := range p.runs {
		if st.CampaignID <= after {
			continue
		}
		if len(want) == 0 || want[st.Status] {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CampaignID < out[j].CampaignID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (p *Provider) ClaimForTrigger(_ context.Context, req types.ClaimRequest) (types.ClaimResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prev, ok := p.runs[req.CampaignID]
	if !ok {
		prev = types.NewIdleRunState(req.CampaignID)
	}
	outcome := lifecycle.EvaluateClaim(prev, req.Force, req.Now)
	if outcome != types.ClaimGranted {
		return types.ClaimResult{Outcome: outcome, Previous: prev, Current: prev}, nil
	}
	next := lifecycle.Claimed(prev, req)
	p.runs[req.CampaignID] = next
	return types.ClaimResult{Outcome: types.ClaimGranted, Previous: prev, Current: next}, nil
}

func (p *Provider) CompareAndSwapRunState(_ context.Context, expectedVersion int, next types.RunState) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur, ok := p.runs[next.CampaignID]
	version := 0
	if ok {
		version = cur.Version
	}
	if version != expectedVersion {
		return false, nil
	}
	p.runs[next.CampaignID] = next
	return true, nil
}

func (p *Provider) AcquireLock(_ context.Context, key string, ttl time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	if exp, held := p.locks[key]; held && now.Before(exp) {
		return false, nil
	}
	p.locks[key] = now.Add(ttl)
	return true, nil
}

func (p *Provider) ReleaseLock(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.locks, key)
	return nil
}

func (p *Provider) Start(_ context.Context) error { return nil }
func (p *Provider) Stop(_ context.Context) error  { return nil }
func (p *Provider) Ping(_ context.Context) error  { return nil }
