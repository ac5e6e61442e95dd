package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/dwsmith1983/runguard/internal/campaign"
	"github.com/dwsmith1983/runguard/internal/lifecycle"
	"github.com/dwsmith1983/runguard/internal/metrics"
	"github.com/dwsmith1983/runguard/internal/orchestrator"
	"github.com/dwsmith1983/runguard/internal/provider"
	"github.com/dwsmith1983/runguard/pkg/types"
)

// Trigger asks the orchestrator to start a run for campaignID on behalf of
// who. On success the returned record is pending with the orchestrator's run
// id attached. Every failure after a granted claim releases the claim before
// returning.
func (g *Gateway) Trigger(ctx context.Context, campaignID string, who types.Identity, force bool) (st types.RunState, err error) {
	started := time.Now()
	ctx, span := g.tracer.Start(ctx, "gateway.Trigger")
	span.SetAttributes(attribute.String("campaign.id", campaignID), attribute.Bool("run.forced", force))
	defer func() {
		outcome := "accepted"
		if err != nil {
			outcome = string(types.KindOf(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		} else {
			span.SetAttributes(attribute.String("run.id", st.RunID))
		}
		span.End()
		metrics.TriggersTotal.WithLabelValues(outcome).Inc()
		if g.triggerMs != nil {
			g.triggerMs.Record(ctx, float64(time.Since(started).Microseconds())/1000,
				metric.WithAttributes(attribute.String("outcome", outcome)))
		}
	}()

	if err := g.authorize(ctx, campaignID, who, force); err != nil {
		return types.RunState{}, err
	}

	claim, err := g.store.ClaimForTrigger(ctx, types.ClaimRequest{
		CampaignID: campaignID,
		Force:      force,
		Now:        g.now(),
		ClaimTTL:   g.cfg.ClaimTTL,
	})
	if err != nil {
		return types.RunState{}, types.WrapRunError(types.KindInternal, "claiming run", err)
	}
	switch claim.Outcome {
	case types.ClaimConflict:
		return types.RunState{}, types.NewRunError(types.KindConflict, "a run is already pending or running for this campaign")
	case types.ClaimCooldown:
		re := types.NewRunError(types.KindCooldown, "campaign is in cooldown")
		re.CooldownUntil = claim.Current.CooldownUntil
		if until := claim.Current.CooldownUntil; until != nil {
			re.Message = "campaign is in cooldown until " + until.UTC().Format(time.RFC3339)
		}
		return types.RunState{}, re
	case types.ClaimGranted:
	default:
		return types.RunState{}, types.NewRunError(types.KindInternal, fmt.Sprintf("unexpected claim outcome %q", claim.Outcome))
	}

	g.logger.Info("run claimed", "campaign", campaignID, "user", who.UserID, "forced", force)
	g.publish(ctx, types.EventRunClaimed, claim.Current, "trigger claimed")

	runID, err := g.startRun(ctx, campaignID)
	if err != nil {
		g.release(ctx, claim, err)
		return types.RunState{}, err
	}

	next, err := g.attachRunID(ctx, claim.Current, runID)
	if err != nil {
		g.logger.Error("orchestrator accepted run but the claim could not be updated",
			"campaign", campaignID, "runID", runID, "error", err)
		return types.RunState{}, types.WrapRunError(types.KindInternal, "recording run id", err)
	}

	metrics.RunTransitions.WithLabelValues(string(types.RunPending), "trigger").Inc()
	g.logger.Info("run started", "campaign", campaignID, "runID", runID)
	g.publish(ctx, types.EventRunStarted, next, "orchestrator accepted run")
	return lifecycle.Effective(next, g.now()), nil
}

// authorize applies the pre-claim checks in order: id present, campaign
// visible to who and active, force only for admins. Unknown campaigns are
// reported exactly like foreign ones.
func (g *Gateway) authorize(ctx context.Context, campaignID string, who types.Identity, force bool) error {
	if strings.TrimSpace(campaignID) == "" {
		return types.NewRunError(types.KindValidation, "campaign id is required")
	}

	c, err := g.campaigns.GetCampaign(ctx, campaignID)
	if errors.Is(err, campaign.ErrNotFound) {
		return types.NewRunError(types.KindPermission, "campaign not found or not accessible")
	}
	if err != nil {
		return types.WrapRunError(types.KindInternal, "loading campaign", err)
	}
	if !who.IsAdmin() && (who.UserID == "" || c.Owner != who.UserID) {
		return types.NewRunError(types.KindPermission, "campaign not found or not accessible")
	}
	if !c.IsActive {
		return types.NewRunError(types.KindPermission, "campaign is not active")
	}
	if force && !who.IsAdmin() {
		return types.NewRunError(types.KindPermission, "force requires admin")
	}
	return nil
}

// startRun makes the single orchestrator call for a granted claim. The call
// is detached from the caller's cancellation and bounded by StartTimeout, so
// a client hanging up cannot abandon a start that is about to succeed.
func (g *Gateway) startRun(ctx context.Context, campaignID string) (string, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.StartTimeout)
	defer cancel()
	ctx, span := g.tracer.Start(ctx, "orchestrator.StartRun")
	defer span.End()

	begin := time.Now()
	runID, err := g.adapter.StartRun(ctx, campaignID)
	result := "ok"
	if err == nil && runID == "" {
		err = fmt.Errorf("orchestrator returned an empty run id: %w", orchestrator.ErrMalformedResponse)
	}
	if err != nil {
		result = "error"
	}
	metrics.AdapterDuration.WithLabelValues("start", result).Observe(time.Since(begin).Seconds())
	if err == nil {
		return runID, nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "start failed")
	kind := orchestrator.Classify(err)
	msg := "orchestrator rejected the run"
	switch kind {
	case types.KindUpstreamTimeout:
		msg = "orchestrator did not respond in time"
	case types.KindUpstreamUnavailable:
		msg = "orchestrator is unavailable"
	}
	g.logger.Warn("orchestrator start failed", "campaign", campaignID, "kind", kind, "error", err)
	return "", types.WrapRunError(kind, msg, err)
}

// release writes the pre-claim record back over the claim. When the claim
// has moved on the write is skipped and the reconciler reverts it once the
// claim expires.
func (g *Gateway) release(ctx context.Context, claim types.ClaimResult, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	restored := lifecycle.Restore(claim.Previous, claim.Current, g.now())
	ok, err := g.store.CompareAndSwapRunState(ctx, claim.Current.Version, restored)
	if err != nil || !ok {
		metrics.ReleaseFailures.Inc()
		g.logger.Error("failed to release claim",
			"campaign", claim.Current.CampaignID, "cause", cause, "error", err, "swapped", ok)
		return
	}
	metrics.ClaimsReleased.Inc()
	g.logger.Info("claim released", "campaign", claim.Current.CampaignID, "cause", cause)
	g.publish(ctx, types.EventRunReleased, restored, string(types.KindOf(cause)))
}

// attachRunID records the accepted run id on the claim. The claim version is
// tried first; a lost race is retried as long as the record is still an
// unacknowledged claim.
func (g *Gateway) attachRunID(ctx context.Context, claimed types.RunState, runID string) (types.RunState, error) {
	ctx = context.WithoutCancel(ctx)
	now := g.now()
	next := lifecycle.Started(claimed, runID, now)
	ok, err := g.store.CompareAndSwapRunState(ctx, claimed.Version, next)
	if err == nil && ok {
		return next, nil
	}

	next, _, err = provider.Update(ctx, g.store, claimed.CampaignID, func(cur types.RunState) (types.RunState, bool, error) {
		if cur.Status != types.RunPending || cur.RunID != "" {
			return cur, false, fmt.Errorf("claim superseded: status %s run %q", cur.Status, cur.RunID)
		}
		return lifecycle.Started(cur, runID, now), true, nil
	})
	return next, err
}
