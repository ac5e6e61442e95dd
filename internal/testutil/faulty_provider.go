package testutil

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dwsmith1983/runguard/internal/provider"
	"github.com/dwsmith1983/runguard/pkg/types"
)

// Compile-time interface satisfaction check.
var _ provider.Provider = (*FaultyProvider)(nil)

// FaultyProvider wraps a Provider and injects errors or lost CAS races.
type FaultyProvider struct {
	provider.Provider

	mu        sync.Mutex
	getErr    error
	claimErr  error
	casErr    error
	casLosses int

	listCount atomic.Int64
}

// NewFaultyProvider wraps inner.
func NewFaultyProvider(inner provider.Provider) *FaultyProvider {
	return &FaultyProvider{Provider: inner}
}

// FailGets makes GetRunState return err until cleared with nil.
func (f *FaultyProvider) FailGets(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getErr = err
}

// FailClaims makes ClaimForTrigger return err until cleared with nil.
func (f *FaultyProvider) FailClaims(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claimErr = err
}

// FailCAS makes CompareAndSwapRunState return err until cleared with nil.
func (f *FaultyProvider) FailCAS(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.casErr = err
}

// LoseCAS makes the next n CompareAndSwapRunState calls report a lost race
// without writing.
func (f *FaultyProvider) LoseCAS(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.casLosses = n
}

// ListCount returns how many times ListRunStates was called.
func (f *FaultyProvider) ListCount() int64 { return f.listCount.Load() }

func (f *FaultyProvider) GetRunState(ctx context.Context, campaignID string) (*types.RunState, error) {
	f.mu.Lock()
	err := f.getErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.Provider.GetRunState(ctx, campaignID)
}

func (f *FaultyProvider) ListRunStates(ctx context.Context, statuses []types.RunStatus, after string, limit int) ([]types.RunState, error) {
	f.listCount.Add(1)
	return f.Provider.ListRunStates(ctx, statuses, after, limit)
}

func (f *FaultyProvider) ClaimForTrigger(ctx context.Context, req types.ClaimRequest) (types.ClaimResult, error) {
	f.mu.Lock()
	err := f.claimErr
	f.mu.Unlock()
	if err != nil {
		return types.ClaimResult{}, err
	}
	return f.Provider.ClaimForTrigger(ctx, req)
}

func (f *FaultyProvider) CompareAndSwapRunState(ctx context.Context, expectedVersion int, next types.RunState) (bool, error) {
	f.mu.Lock()
	if f.casErr != nil {
		err := f.casErr
		f.mu.Unlock()
		return false, err
	}
	if f.casLosses > 0 {
		f.casLosses--
		f.mu.Unlock()
		return false, nil
	}
	f.mu.Unlock()
	return f.Provider.CompareAndSwapRunState(ctx, expectedVersion, next)
}

func (f *FaultyProvider) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return f.Provider.AcquireLock(ctx, key, ttl)
}
