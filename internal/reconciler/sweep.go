package reconciler

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/dwsmith1983/runguard/internal/lifecycle"
	"github.com/dwsmith1983/runguard/internal/metrics"
	"github.com/dwsmith1983/runguard/internal/provider"
	"github.com/dwsmith1983/runguard/pkg/types"
)

// Sweep runs one reconcile pass. Only one instance sweeps at a time; the
// others return a Result with Skipped set.
func (r *Reconciler) Sweep(ctx context.Context) (Result, error) {
	ctx, span := r.tracer.Start(ctx, "reconciler.Sweep")
	defer span.End()

	var res Result
	acquired, err := r.store.AcquireLock(ctx, lockKey, 2*r.config.Interval)
	if err != nil {
		metrics.ReconcilerSweeps.WithLabelValues("error").Inc()
		return res, fmt.Errorf("acquiring sweep lock: %w", err)
	}
	if !acquired {
		metrics.ReconcilerSweeps.WithLabelValues("skipped").Inc()
		res.Skipped = true
		return res, nil
	}
	defer func() {
		if err := r.store.ReleaseLock(context.WithoutCancel(ctx), lockKey); err != nil {
			r.logger.Error("failed to release sweep lock", "error", err)
		}
	}()

	// Page by campaign id so every record is visited each sweep, however
	// many campaigns are in flight.
	var cursor string
	for ctx.Err() == nil {
		states, err := r.store.ListRunStates(ctx, sweptStatuses, cursor, r.config.BatchSize)
		if err != nil {
			metrics.ReconcilerSweeps.WithLabelValues("error").Inc()
			return res, fmt.Errorf("listing run states: %w", err)
		}
		res.Scanned += len(states)
		res.Pages++

		for _, st := range states {
			if ctx.Err() != nil {
				break
			}
			r.reconcile(ctx, st, &res)
		}
		if r.config.BatchSize <= 0 || len(states) < r.config.BatchSize {
			break
		}
		cursor = states[len(states)-1].CampaignID
	}

	span.SetAttributes(
		attribute.Int("sweep.scanned", res.Scanned),
		attribute.Int("sweep.pages", res.Pages),
		attribute.Int("sweep.refreshed", res.Refreshed),
		attribute.Int("sweep.settled", res.Settled),
	)
	result := "ok"
	if res.Errors > 0 {
		result = "partial"
	}
	metrics.ReconcilerSweeps.WithLabelValues(result).Inc()
	return res, ctx.Err()
}

func (r *Reconciler) reconcile(ctx context.Context, st types.RunState, res *Result) {
	if st.RunID != "" && lifecycle.IsActive(st.Status) && r.refresher != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return
		}
		fresh, err := r.refresher.RefreshRun(ctx, st)
		if err != nil {
			res.Errors++
			r.logger.Warn("run refresh failed", "campaign", st.CampaignID, "runID", st.RunID, "error", err)
			return
		}
		if fresh.Version != st.Version {
			res.Refreshed++
		}
		st = fresh
	}

	if !r.settleable(st) {
		return
	}
	next, changed, err := provider.Update(ctx, r.store, st.CampaignID, func(cur types.RunState) (types.RunState, bool, error) {
		next, changed := lifecycle.Settle(cur, r.now(), r.config.ResultHold)
		return next, changed, nil
	})
	if err != nil {
		res.Errors++
		r.logger.Error("failed to settle run state", "campaign", st.CampaignID, "error", err)
		return
	}
	if !changed {
		return
	}
	res.Settled++
	metrics.RunTransitions.WithLabelValues(string(next.Status), "reconciler").Inc()

	kind := types.EventRunIdle
	msg := "cooldown elapsed"
	switch {
	case lifecycle.IsActive(st.Status):
		kind = types.EventRunReleased
		msg = "stale claim reverted"
		r.logger.Warn("reverted stale claim", "campaign", st.CampaignID)
	case next.Status == types.RunCooldown:
		kind = types.EventRunCooldown
		msg = "result hold elapsed"
	}
	r.events.Publish(ctx, types.Event{
		Kind:       kind,
		CampaignID: next.CampaignID,
		RunID:      next.RunID,
		Status:     next.Status,
		Message:    msg,
		Timestamp:  r.now(),
	})
}

// settleable is a cheap pre-check so Update only runs for records that will
// change.
func (r *Reconciler) settleable(st types.RunState) bool {
	_, changed := lifecycle.Settle(st, r.now(), r.config.ResultHold)
	return changed
}
