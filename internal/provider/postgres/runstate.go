package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dwsmith1983/runguard/internal/lifecycle"
	"github.com/dwsmith1983/runguard/internal/provider"
	"github.com/dwsmith1983/runguard/pkg/types"
)

const runStateColumns = `campaign_id, status, run_id, triggered_at, completed_at, job_count,
	error_message, cooldown_until, forced, claim_expires_at, version, updated_at`

func scanRunState(row pgx.Row) (types.RunState, error) {
	var st types.RunState
	err := row.Scan(&st.CampaignID, &st.Status, &st.RunID, &st.TriggeredAt, &st.CompletedAt,
		&st.JobCount, &st.ErrorMessage, &st.CooldownUntil, &st.Forced, &st.ClaimExpiresAt,
		&st.Version, &st.UpdatedAt)
	return st, err
}

// GetRunState retrieves a campaign's run state.
func (s *Store) GetRunState(ctx context.Context, campaignID string) (*types.RunState, error) {
	st, err := scanRunState(s.pool.QueryRow(ctx,
		`SELECT `+runStateColumns+` FROM run_states WHERE campaign_id = $1`, campaignID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, provider.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting run state %q: %w", campaignID, err)
	}
	return &st, nil
}

// InitRunState creates an idle record unless one already exists.
func (s *Store) InitRunState(ctx context.Context, campaignID string) (*types.RunState, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO run_states (campaign_id, status, version, updated_at)
		VALUES ($1, $2, 0, $3)
		ON CONFLICT (campaign_id) DO NOTHING
	`, campaignID, string(types.RunIdle), s.now())
	if err != nil {
		return nil, fmt.Errorf("init run state %q: %w", campaignID, err)
	}
	return s.GetRunState(ctx, campaignID)
}

// ListRunStates returns records with a status in statuses, ordered by campaign id
// and starting after the cursor. A limit of 0 returns all matches.
func (s *Store) ListRunStates(ctx context.Context, statuses []types.RunStatus, after string, limit int) ([]types.RunState, error) {
	names := make([]string, 0, len(statuses))
	for _, st := range statuses {
		names = append(names, string(st))
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+runStateColumns+` FROM run_states
		WHERE (cardinality($1::text[]) = 0 OR status = ANY($1))
		  AND campaign_id > $3
		ORDER BY campaign_id
		LIMIT NULLIF($2, 0)
	`, names, limit, after)
	if err != nil {
		return nil, fmt.Errorf("listing run states: %w", err)
	}
	defer rows.Close()

	var out []types.RunState
	for rows.Next() {
		st, err := scanRunState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// claimSQL moves a claimable row to pending in one statement. The FOR UPDATE
// subselect serializes concurrent claims on the row; a loser re-reads the
// committed pending row and fails the WHERE clause.
const claimSQL = `
	UPDATE run_states AS r SET
		status           = 'pending',
		run_id           = '',
		triggered_at     = $2,
		completed_at     = NULL,
		job_count        = NULL,
		error_message    = '',
		forced           = $3,
		claim_expires_at = $4,
		version          = old.version + 1,
		updated_at       = $2
	FROM (SELECT * FROM run_states WHERE campaign_id = $1 FOR UPDATE) AS old
	WHERE r.campaign_id = old.campaign_id
	  AND (old.status NOT IN ('pending', 'running')
	       OR (old.status = 'pending' AND old.run_id = '' AND old.claim_expires_at <= $2))
	  AND ($3 OR old.cooldown_until IS NULL OR old.cooldown_until <= $2)
	RETURNING old.campaign_id, old.status, old.run_id, old.triggered_at, old.completed_at,
		old.job_count, old.error_message, old.cooldown_until, old.forced,
		old.claim_expires_at, old.version, old.updated_at
`

// ClaimForTrigger performs the atomic conditional claim.
func (s *Store) ClaimForTrigger(ctx context.Context, req types.ClaimRequest) (types.ClaimResult, error) {
	var res types.ClaimResult
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO run_states (campaign_id, status, version, updated_at)
			VALUES ($1, 'idle', 0, $2)
			ON CONFLICT (campaign_id) DO NOTHING
		`, req.CampaignID, req.Now); err != nil {
			return err
		}

		prev, err := scanRunState(tx.QueryRow(ctx, claimSQL,
			req.CampaignID, req.Now, req.Force, req.Now.Add(req.ClaimTTL)))
		if err == nil {
			res = types.ClaimResult{
				Outcome:  types.ClaimGranted,
				Previous: prev,
				Current:  lifecycle.Claimed(prev, req),
			}
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}

		// Not claimable; the subselect still holds the row lock, so this read
		// is the state the predicate rejected.
		cur, err := scanRunState(tx.QueryRow(ctx,
			`SELECT `+runStateColumns+` FROM run_states WHERE campaign_id = $1`, req.CampaignID))
		if err != nil {
			return err
		}
		outcome := lifecycle.EvaluateClaim(cur, req.Force, req.Now)
		if outcome == types.ClaimGranted {
			outcome = types.ClaimConflict
		}
		res = types.ClaimResult{Outcome: outcome, Previous: cur, Current: cur}
		return nil
	})
	if err != nil {
		return types.ClaimResult{}, fmt.Errorf("claiming %q: %w", req.CampaignID, err)
	}
	return res, nil
}

// CompareAndSwapRunState writes next if the stored version matches. A missing
// row matches expectedVersion 0.
func (s *Store) CompareAndSwapRunState(ctx context.Context, expectedVersion int, next types.RunState) (bool, error) {
	args := []any{
		next.CampaignID, string(next.Status), next.RunID, next.TriggeredAt, next.CompletedAt,
		next.JobCount, next.ErrorMessage, next.CooldownUntil, next.Forced, next.ClaimExpiresAt,
		next.Version, next.UpdatedAt, expectedVersion,
	}

	var sql string
	if expectedVersion == 0 {
		sql = `
			INSERT INTO run_states (` + runStateColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (campaign_id) DO UPDATE SET
				status = EXCLUDED.status, run_id = EXCLUDED.run_id,
				triggered_at = EXCLUDED.triggered_at, completed_at = EXCLUDED.completed_at,
				job_count = EXCLUDED.job_count, error_message = EXCLUDED.error_message,
				cooldown_until = EXCLUDED.cooldown_until, forced = EXCLUDED.forced,
				claim_expires_at = EXCLUDED.claim_expires_at, version = EXCLUDED.version,
				updated_at = EXCLUDED.updated_at
			WHERE run_states.version = $13`
	} else {
		sql = `
			UPDATE run_states SET
				status = $2, run_id = $3, triggered_at = $4, completed_at = $5,
				job_count = $6, error_message = $7, cooldown_until = $8, forced = $9,
				claim_expires_at = $10, version = $11, updated_at = $12
			WHERE campaign_id = $1 AND version = $13`
	}

	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return false, fmt.Errorf("run state CAS %q: %w", next.CampaignID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// AcquireLock takes key until ttl elapses or ReleaseLock is called.
func (s *Store) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := s.now()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO run_locks (lock_key, expires_at) VALUES ($1, $2)
		ON CONFLICT (lock_key) DO UPDATE SET expires_at = EXCLUDED.expires_at
		WHERE run_locks.expires_at < $3
	`, key, now.Add(ttl), now)
	if err != nil {
		return false, fmt.Errorf("acquiring lock %q: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseLock releases a lock.
func (s *Store) ReleaseLock(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM run_locks WHERE lock_key = $1`, key)
	return err
}
