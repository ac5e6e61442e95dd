// Package provider defines the run state storage backend interface for runguard.
package provider

import (
	"context"
	"errors"
	"time"

	"github.com/dwsmith1983/runguard/pkg/types"
)

// ErrNotFound is returned when a campaign has no run state record.
var ErrNotFound = errors.New("run state not found")

// Provider is the run state storage backend. Implementations exist for
// memory, Redis/Valkey, DynamoDB and Postgres.
//
// A missing record behaves as an idle record at version 0, so a
// CompareAndSwapRunState with expectedVersion 0 creates the record.
type Provider interface {
	// Run state
	GetRunState(ctx context.Context, campaignID string) (*types.RunState, error)
	InitRunState(ctx context.Context, campaignID string) (*types.RunState, error)
	// ListRunStates returns records whose status is in statuses (all when
	// empty) and whose campaign id sorts after the cursor after, ordered by
	// campaign id. A limit of 0 returns every match. Passing the last id of
	// a full page as after returns the next page.
	ListRunStates(ctx context.Context, statuses []types.RunStatus, after string, limit int) ([]types.RunState, error)

	// ClaimForTrigger atomically checks the claim predicate and, when it
	// holds, moves the record to pending. Exactly one of any number of
	// concurrent claims against a claimable record is granted.
	ClaimForTrigger(ctx context.Context, req types.ClaimRequest) (types.ClaimResult, error)
	CompareAndSwapRunState(ctx context.Context, expectedVersion int, next types.RunState) (bool, error)

	// Distributed locking for reconciler coordination
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error

	// Lifecycle
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Ping(ctx context.Context) error
}

// Update reads the record for campaignID, applies fn and writes the result
// with a version CAS, retrying when another writer wins. fn returning
// changed=false ends the loop without writing.
func Update(ctx context.Context, p Provider, campaignID string, fn func(types.RunState) (types.RunState, bool, error)) (types.RunState, bool, error) {
	const maxAttempts = 5
	var last types.RunState
	for attempt := 0; attempt < maxAttempts; attempt++ {
		cur, err := p.GetRunState(ctx, campaignID)
		switch {
		case errors.Is(err, ErrNotFound):
			idle := types.NewIdleRunState(campaignID)
			cur = &idle
		case err != nil:
			return types.RunState{}, false, err
		}
		last = *cur

		next, changed, err := fn(*cur)
		if err != nil || !changed {
			return *cur, false, err
		}
		ok, err := p.CompareAndSwapRunState(ctx, cur.Version, next)
		if err != nil {
			return *cur, false, err
		}
		if ok {
			return next, true, nil
		}
		if err := ctx.Err(); err != nil {
			return last, false, err
		}
	}
	return last, false, ErrContention
}

// ErrContention is returned by Update when every CAS attempt lost a race.
var ErrContention = errors.New("run state update lost too many races")
