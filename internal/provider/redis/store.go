package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/dwsmith1983/runguard/internal/lifecycle"
	"github.com/dwsmith1983/runguard/internal/provider"
	"github.com/dwsmith1983/runguard/pkg/types"
)

// claimAttempts bounds the optimistic read-evaluate-CAS loop of a claim.
const claimAttempts = 10

func (p *RedisProvider) runKey(campaignID string) string {
	return p.prefix + "run:" + campaignID
}

func (p *RedisProvider) campaignIndexKey() string {
	return p.prefix + "campaigns"
}

func (p *RedisProvider) lockKey(key string) string {
	return p.prefix + "lock:" + key
}

// GetRunState retrieves the run state for a campaign.
func (p *RedisProvider) GetRunState(ctx context.Context, campaignID string) (*types.RunState, error) {
	data, err := p.client.Get(ctx, p.runKey(campaignID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, provider.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting run state %q: %w", campaignID, err)
	}

	var st types.RunState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decoding run state %q: %w", campaignID, err)
	}
	return &st, nil
}

// InitRunState creates an idle record unless one already exists.
func (p *RedisProvider) InitRunState(ctx context.Context, campaignID string) (*types.RunState, error) {
	if _, err := p.CompareAndSwapRunState(ctx, 0, types.NewIdleRunState(campaignID)); err != nil {
		return nil, err
	}
	return p.GetRunState(ctx, campaignID)
}

// ListRunStates returns records whose status is in statuses, ordered by
// campaign id and starting after the cursor.
func (p *RedisProvider) ListRunStates(ctx context.Context, statuses []types.RunStatus, after string, limit int) ([]types.RunState, error) {
	ids, err := p.client.SMembers(ctx, p.campaignIndexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("listing campaigns: %w", err)
	}
	sort.Strings(ids)
	if after != "" {
		ids = ids[sort.Search(len(ids), func(i int) bool { return ids[i] > after }):]
	}

	want := make(map[types.RunStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}

	var out []types.RunState
	for start := 0; start < len(ids); start += scanBatchSize {
		end := min(start+scanBatchSize, len(ids))
		keys := make([]string, 0, end-start)
		for _, id := range ids[start:end] {
			keys = append(keys, p.runKey(id))
		}
		vals, err := p.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("loading run states: %w", err)
		}
		for i, v := range vals {
			s, ok := v.(string)
			if !ok {
				continue
			}
			var st types.RunState
			if err := json.Unmarshal([]byte(s), &st); err != nil {
				p.logger.Warn("skipping unreadable run state", "campaign", ids[start+i], "error", err)
				continue
			}
			if len(want) > 0 && !want[st.Status] {
				continue
			}
			out = append(out, st)
			if limit > 0 && len(out) == limit {
				return out, nil
			}
		}
	}
	return out, nil
}

const scanBatchSize = 100

// ClaimForTrigger evaluates the claim predicate against the current record and
// commits the pending record with a version CAS. A lost CAS means another
// writer changed the record, so the predicate is evaluated again.
func (p *RedisProvider) ClaimForTrigger(ctx context.Context, req types.ClaimRequest) (types.ClaimResult, error) {
	for attempt := 0; attempt < claimAttempts; attempt++ {
		prev, err := p.GetRunState(ctx, req.CampaignID)
		switch {
		case errors.Is(err, provider.ErrNotFound):
			idle := types.NewIdleRunState(req.CampaignID)
			prev = &idle
		case err != nil:
			return types.ClaimResult{}, err
		}

		outcome := lifecycle.EvaluateClaim(*prev, req.Force, req.Now)
		if outcome != types.ClaimGranted {
			return types.ClaimResult{Outcome: outcome, Previous: *prev, Current: *prev}, nil
		}

		next := lifecycle.Claimed(*prev, req)
		ok, err := p.CompareAndSwapRunState(ctx, prev.Version, next)
		if err != nil {
			return types.ClaimResult{}, err
		}
		if ok {
			return types.ClaimResult{Outcome: types.ClaimGranted, Previous: *prev, Current: next}, nil
		}
	}
	return types.ClaimResult{}, fmt.Errorf("claiming %q: %w", req.CampaignID, provider.ErrContention)
}

// CompareAndSwapRunState atomically writes next if the stored version matches.
func (p *RedisProvider) CompareAndSwapRunState(ctx context.Context, expectedVersion int, next types.RunState) (bool, error) {
	data, err := json.Marshal(next)
	if err != nil {
		return false, err
	}

	keys := []string{p.runKey(next.CampaignID), p.campaignIndexKey()}
	result, err := p.casScript.Run(ctx, p.client, keys, expectedVersion, string(data), next.CampaignID).Int()
	if err != nil {
		return false, fmt.Errorf("run state CAS %q: %w", next.CampaignID, err)
	}
	return result == 1, nil
}

// AcquireLock attempts to acquire a distributed lock.
func (p *RedisProvider) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return p.client.SetNX(ctx, p.lockKey(key), "1", ttl).Result()
}

// ReleaseLock releases a distributed lock.
func (p *RedisProvider) ReleaseLock(ctx context.Context, key string) error {
	return p.client.Del(ctx, p.lockKey(key)).Err()
}
