package gateway

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/dwsmith1983/runguard/internal/lifecycle"
	"github.com/dwsmith1983/runguard/internal/metrics"
	"github.com/dwsmith1983/runguard/internal/provider"
	"github.com/dwsmith1983/runguard/pkg/types"
)

// Status returns the current run snapshot for campaignID. When a run is in
// flight the orchestrator is asked for fresh status, bounded by
// RefreshTimeout; if that fails the persisted snapshot is returned. runID is
// advisory: a refresh happens only for the run the store currently tracks.
func (g *Gateway) Status(ctx context.Context, campaignID, runID string) (types.RunState, error) {
	if strings.TrimSpace(campaignID) == "" {
		return types.RunState{}, types.NewRunError(types.KindValidation, "campaign id is required")
	}
	ctx, span := g.tracer.Start(ctx, "gateway.Status")
	defer span.End()
	span.SetAttributes(attribute.String("campaign.id", campaignID))

	st, err := g.load(ctx, campaignID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		return types.RunState{}, err
	}

	if !inFlight(st) || (runID != "" && runID != st.RunID) {
		metrics.StatusRefreshes.WithLabelValues("skipped").Inc()
		return lifecycle.Effective(st, g.now()), nil
	}

	fresh, err := g.RefreshRun(ctx, st)
	if err != nil {
		metrics.StatusRefreshes.WithLabelValues("fallback").Inc()
		g.logger.Warn("status refresh failed, serving stored snapshot",
			"campaign", campaignID, "runID", st.RunID, "error", err)
		return lifecycle.Effective(st, g.now()), nil
	}
	metrics.StatusRefreshes.WithLabelValues("fresh").Inc()
	return lifecycle.Effective(fresh, g.now()), nil
}

// RefreshRun polls the orchestrator for st's run and folds the answer into
// the store. Concurrent refreshes of one campaign share a single
// orchestrator call.
func (g *Gateway) RefreshRun(ctx context.Context, st types.RunState) (types.RunState, error) {
	if !inFlight(st) {
		return st, nil
	}
	key := st.CampaignID + "/" + st.RunID
	ch := g.refreshes.DoChan(key, func() (interface{}, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.RefreshTimeout)
		defer cancel()

		begin := time.Now()
		report, err := g.adapter.GetRunStatus(rctx, st.RunID)
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.AdapterDuration.WithLabelValues("status", result).Observe(time.Since(begin).Seconds())
		if err != nil {
			return nil, err
		}

		next, err := g.apply(rctx, st.CampaignID, st.RunID, report, "poll")
		if errors.Is(err, lifecycle.ErrRunMismatch) {
			// The run was replaced while we polled; the stored record wins.
			return g.load(rctx, st.CampaignID)
		}
		return next, err
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return st, res.Err
		}
		return res.Val.(types.RunState), nil
	case <-ctx.Done():
		return st, ctx.Err()
	}
}

// Complete folds an orchestrator completion callback for runID into the
// store. A report for a run other than the current one is a StaleStateError.
func (g *Gateway) Complete(ctx context.Context, campaignID, runID string, report types.OrchestratorStatus) (types.RunState, error) {
	if strings.TrimSpace(campaignID) == "" || strings.TrimSpace(runID) == "" {
		return types.RunState{}, types.NewRunError(types.KindValidation, "campaign id and run id are required")
	}
	switch report.State {
	case types.OrchestratorQueued, types.OrchestratorRunning, types.OrchestratorSucceeded, types.OrchestratorFailed:
	default:
		return types.RunState{}, types.NewRunError(types.KindValidation, "unknown run state "+string(report.State))
	}
	if report.JobCount != nil && *report.JobCount < 0 {
		return types.RunState{}, types.NewRunError(types.KindValidation, "job_count must not be negative")
	}

	ctx, span := g.tracer.Start(ctx, "gateway.Complete")
	defer span.End()
	span.SetAttributes(attribute.String("campaign.id", campaignID), attribute.String("run.id", runID))

	next, err := g.apply(ctx, campaignID, runID, report, "callback")
	if errors.Is(err, lifecycle.ErrRunMismatch) {
		return types.RunState{}, types.WrapRunError(types.KindStaleState, "run is not the campaign's current run", err)
	}
	if err != nil {
		span.RecordError(err)
		return types.RunState{}, types.WrapRunError(types.KindInternal, "recording run status", err)
	}
	return lifecycle.Effective(next, g.now()), nil
}

// apply writes report for runID with a version CAS and publishes the
// resulting transition.
func (g *Gateway) apply(ctx context.Context, campaignID, runID string, report types.OrchestratorStatus, source string) (types.RunState, error) {
	next, changed, err := provider.Update(ctx, g.store, campaignID, func(cur types.RunState) (types.RunState, bool, error) {
		return lifecycle.Apply(cur, runID, report, g.now(), g.cfg.Cooldowns)
	})
	if err != nil || !changed {
		return next, err
	}

	metrics.RunTransitions.WithLabelValues(string(next.Status), source).Inc()
	g.logger.Info("run status changed", "campaign", campaignID, "runID", runID, "status", next.Status, "source", source)
	kind := types.EventRunRunning
	if lifecycle.IsTerminal(next.Status) {
		kind = types.EventRunCompleted
	}
	g.publish(ctx, kind, next, next.ErrorMessage)
	return next, nil
}

func (g *Gateway) load(ctx context.Context, campaignID string) (types.RunState, error) {
	st, err := g.store.GetRunState(ctx, campaignID)
	if errors.Is(err, provider.ErrNotFound) {
		return types.NewIdleRunState(campaignID), nil
	}
	if err != nil {
		return types.RunState{}, types.WrapRunError(types.KindInternal, "loading run state", err)
	}
	return *st, nil
}

// inFlight reports whether the orchestrator owns a run the store is waiting on.
func inFlight(st types.RunState) bool {
	return st.RunID != "" && lifecycle.IsActive(st.Status)
}
