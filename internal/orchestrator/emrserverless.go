package orchestrator

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/emrserverless"
	emrtypes "github.com/aws/aws-sdk-go-v2/service/emrserverless/types"

	"github.com/dwsmith1983/runguard/pkg/types"
)

// EMRServerlessAPI is the subset of the AWS EMR Serverless client used by the adapter.
type EMRServerlessAPI interface {
	StartJobRun(ctx context.Context, params *emrserverless.StartJobRunInput, optFns ...func(*emrserverless.Options)) (*emrserverless.StartJobRunOutput, error)
	GetJobRun(ctx context.Context, params *emrserverless.GetJobRunInput, optFns ...func(*emrserverless.Options)) (*emrserverless.GetJobRunOutput, error)
}

// EMRServerlessAdapter runs campaigns as Spark job runs on an EMR Serverless
// application.
type EMRServerlessAdapter struct {
	client      EMRServerlessAPI
	cfg         types.EMRServerlessConfig
	callbackURL string
}

// NewEMRServerless creates an EMR Serverless adapter.
func NewEMRServerless(client EMRServerlessAPI, cfg types.EMRServerlessConfig, callbackURL string) (*EMRServerlessAdapter, error) {
	if cfg.ApplicationID == "" {
		return nil, fmt.Errorf("emr-serverless adapter: applicationId is required")
	}
	if cfg.ExecutionRoleARN == "" {
		return nil, fmt.Errorf("emr-serverless adapter: executionRoleArn is required")
	}
	if cfg.EntryPoint == "" {
		return nil, fmt.Errorf("emr-serverless adapter: entryPoint is required")
	}
	return &EMRServerlessAdapter{client: client, cfg: cfg, callbackURL: callbackURL}, nil
}

// StartRun submits a Spark job with the campaign id appended to the entry
// point arguments.
func (a *EMRServerlessAdapter) StartRun(ctx context.Context, campaignID string) (string, error) {
	args := append([]string{}, a.cfg.Arguments...)
	args = append(args, "--campaign-id", campaignID)
	if cb := callbackFor(a.callbackURL, campaignID); cb != "" {
		args = append(args, "--callback-url", cb)
	}
	name := "runguard-" + campaignID

	out, err := a.client.StartJobRun(ctx, &emrserverless.StartJobRunInput{
		ApplicationId:    &a.cfg.ApplicationID,
		ExecutionRoleArn: &a.cfg.ExecutionRoleARN,
		Name:             &name,
		JobDriver: &emrtypes.JobDriverMemberSparkSubmit{
			Value: emrtypes.SparkSubmit{
				EntryPoint:          &a.cfg.EntryPoint,
				EntryPointArguments: args,
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("emr-serverless start: StartJobRun failed: %w", err)
	}
	if out.JobRunId == nil || *out.JobRunId == "" {
		return "", fmt.Errorf("emr-serverless start: missing job run id: %w", ErrMalformedResponse)
	}
	return *out.JobRunId, nil
}

// GetRunStatus reads the job run state.
func (a *EMRServerlessAdapter) GetRunStatus(ctx context.Context, runID string) (types.OrchestratorStatus, error) {
	out, err := a.client.GetJobRun(ctx, &emrserverless.GetJobRunInput{
		ApplicationId: &a.cfg.ApplicationID,
		JobRunId:      &runID,
	})
	if err != nil {
		return types.OrchestratorStatus{}, fmt.Errorf("emr-serverless status: GetJobRun failed: %w", err)
	}
	if out.JobRun == nil {
		return types.OrchestratorStatus{}, fmt.Errorf("emr-serverless status: nil JobRun: %w", ErrMalformedResponse)
	}

	state := out.JobRun.State
	switch state {
	case emrtypes.JobRunStateSuccess:
		return types.OrchestratorStatus{State: types.OrchestratorSucceeded, Message: string(state)}, nil
	case emrtypes.JobRunStateFailed, emrtypes.JobRunStateCancelled:
		msg := string(state)
		if out.JobRun.StateDetails != nil && *out.JobRun.StateDetails != "" {
			msg = *out.JobRun.StateDetails
		}
		return types.OrchestratorStatus{State: types.OrchestratorFailed, Message: string(state), Error: msg}, nil
	case emrtypes.JobRunStateSubmitted, emrtypes.JobRunStatePending, emrtypes.JobRunStateScheduled:
		return types.OrchestratorStatus{State: types.OrchestratorQueued, Message: string(state)}, nil
	default:
		return types.OrchestratorStatus{State: types.OrchestratorRunning, Message: string(state)}, nil
	}
}
