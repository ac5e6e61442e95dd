package orchestrator

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/glue"
	gluetypes "github.com/aws/aws-sdk-go-v2/service/glue/types"

	"github.com/dwsmith1983/runguard/pkg/types"
)

// GlueAPI is the subset of the AWS Glue client used by the adapter.
type GlueAPI interface {
	StartJobRun(ctx context.Context, params *glue.StartJobRunInput, optFns ...func(*glue.Options)) (*glue.StartJobRunOutput, error)
	GetJobRun(ctx context.Context, params *glue.GetJobRunInput, optFns ...func(*glue.Options)) (*glue.GetJobRunOutput, error)
}

// GlueAdapter runs campaigns as AWS Glue job runs of a single job.
type GlueAdapter struct {
	client      GlueAPI
	cfg         types.GlueConfig
	callbackURL string
}

// NewGlue creates a Glue adapter.
func NewGlue(client GlueAPI, cfg types.GlueConfig, callbackURL string) (*GlueAdapter, error) {
	if cfg.JobName == "" {
		return nil, fmt.Errorf("glue adapter: jobName is required")
	}
	return &GlueAdapter{client: client, cfg: cfg, callbackURL: callbackURL}, nil
}

// StartRun starts a job run with the campaign id in --campaign_id.
func (a *GlueAdapter) StartRun(ctx context.Context, campaignID string) (string, error) {
	args := make(map[string]string, len(a.cfg.Arguments)+2)
	for k, v := range a.cfg.Arguments {
		args[k] = v
	}
	args["--campaign_id"] = campaignID
	if cb := callbackFor(a.callbackURL, campaignID); cb != "" {
		args["--callback_url"] = cb
	}

	out, err := a.client.StartJobRun(ctx, &glue.StartJobRunInput{
		JobName:   &a.cfg.JobName,
		Arguments: args,
	})
	if err != nil {
		return "", fmt.Errorf("glue start: StartJobRun failed: %w", err)
	}
	if out.JobRunId == nil || *out.JobRunId == "" {
		return "", fmt.Errorf("glue start: missing job run id: %w", ErrMalformedResponse)
	}
	return *out.JobRunId, nil
}

// GetRunStatus reads the job run state. Glue does not report a result count.
func (a *GlueAdapter) GetRunStatus(ctx context.Context, runID string) (types.OrchestratorStatus, error) {
	out, err := a.client.GetJobRun(ctx, &glue.GetJobRunInput{
		JobName: &a.cfg.JobName,
		RunId:   &runID,
	})
	if err != nil {
		return types.OrchestratorStatus{}, fmt.Errorf("glue status: GetJobRun failed: %w", err)
	}
	if out.JobRun == nil {
		return types.OrchestratorStatus{}, fmt.Errorf("glue status: GetJobRun returned nil JobRun: %w", ErrMalformedResponse)
	}

	state := out.JobRun.JobRunState
	switch state {
	case gluetypes.JobRunStateSucceeded:
		return types.OrchestratorStatus{State: types.OrchestratorSucceeded, Message: string(state)}, nil
	case gluetypes.JobRunStateFailed, gluetypes.JobRunStateTimeout,
		gluetypes.JobRunStateStopped, gluetypes.JobRunStateError:
		msg := string(state)
		if out.JobRun.ErrorMessage != nil && *out.JobRun.ErrorMessage != "" {
			msg = *out.JobRun.ErrorMessage
		}
		return types.OrchestratorStatus{State: types.OrchestratorFailed, Message: string(state), Error: msg}, nil
	case gluetypes.JobRunStateStarting, gluetypes.JobRunStateWaiting:
		return types.OrchestratorStatus{State: types.OrchestratorQueued, Message: string(state)}, nil
	default:
		return types.OrchestratorStatus{State: types.OrchestratorRunning, Message: string(state)}, nil
	}
}
