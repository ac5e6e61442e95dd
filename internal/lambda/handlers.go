package lambda

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-lambda-go/events"

	"github.com/dwsmith1983/runguard/internal/reconciler"
	"github.com/dwsmith1983/runguard/pkg/types"
)

// SweepResponse is returned by the scheduled reconciler function.
type SweepResponse struct {
	Scanned   int  `json:"scanned"`
	Refreshed int  `json:"refreshed"`
	Settled   int  `json:"settled"`
	Errors    int  `json:"errors"`
	Skipped   bool `json:"skipped"`
}

// HandleSweep runs one reconciliation sweep.
func HandleSweep(ctx context.Context, d *Deps) (SweepResponse, error) {
	res, err := d.Reconciler.Sweep(ctx)
	if err != nil {
		return SweepResponse{}, err
	}
	return sweepResponse(res), nil
}

func sweepResponse(r reconciler.Result) SweepResponse {
	return SweepResponse{
		Scanned:   r.Scanned,
		Refreshed: r.Refreshed,
		Settled:   r.Settled,
		Errors:    r.Errors,
		Skipped:   r.Skipped,
	}
}

// HandleCallbacks applies pipeline state reports delivered through SQS.
// Malformed and rejected messages are dropped with a log line; only
// retryable failures are reported back so SQS redelivers them.
func HandleCallbacks(ctx context.Context, d *Deps, event events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, msg := range event.Records {
		var req types.CallbackRequest
		if err := json.Unmarshal([]byte(msg.Body), &req); err != nil {
			d.Logger.Warn("dropping malformed callback", "messageId", msg.MessageId, "error", err)
			continue
		}
		_, err := d.Gateway.Complete(ctx, req.CampaignID, req.RunID, req.Report())
		if err == nil {
			continue
		}
		switch types.KindOf(err) {
		case types.KindValidation, types.KindStaleState:
			d.Logger.Info("dropping rejected callback",
				"messageId", msg.MessageId, "campaign", req.CampaignID, "runID", req.RunID, "error", err)
		default:
			d.Logger.Error("callback failed",
				"messageId", msg.MessageId, "campaign", req.CampaignID, "runID", req.RunID, "error", err)
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{
				ItemIdentifier: msg.MessageId,
			})
		}
	}
	return resp, nil
}
