package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/sfn"
	sfntypes "github.com/aws/aws-sdk-go-v2/service/sfn/types"
	"github.com/oklog/ulid/v2"

	"github.com/dwsmith1983/runguard/pkg/types"
)

// SFNAPI is the subset of the AWS Step Functions client used by the adapter.
type SFNAPI interface {
	StartExecution(ctx context.Context, params *sfn.StartExecutionInput, optFns ...func(*sfn.Options)) (*sfn.StartExecutionOutput, error)
	DescribeExecution(ctx context.Context, params *sfn.DescribeExecutionInput, optFns ...func(*sfn.Options)) (*sfn.DescribeExecutionOutput, error)
}

// SFNAdapter runs campaigns as Step Functions executions. The run id is the
// execution ARN.
type SFNAdapter struct {
	client          SFNAPI
	stateMachineARN string
	callbackURL     string
}

// NewSFN creates a Step Functions adapter.
func NewSFN(client SFNAPI, stateMachineARN, callbackURL string) (*SFNAdapter, error) {
	if stateMachineARN == "" {
		return nil, fmt.Errorf("step-function adapter: stateMachineArn is required")
	}
	return &SFNAdapter{client: client, stateMachineARN: stateMachineARN, callbackURL: callbackURL}, nil
}

// StartRun starts an execution with the campaign id as input.
func (a *SFNAdapter) StartRun(ctx context.Context, campaignID string) (string, error) {
	b, err := json.Marshal(runInput{CampaignID: campaignID, CallbackURL: callbackFor(a.callbackURL, campaignID)})
	if err != nil {
		return "", fmt.Errorf("step-function start: marshaling input: %w", err)
	}
	input := string(b)
	name := "runguard-" + ulid.Make().String()

	out, err := a.client.StartExecution(ctx, &sfn.StartExecutionInput{
		StateMachineArn: &a.stateMachineARN,
		Name:            &name,
		Input:           &input,
	})
	if err != nil {
		return "", fmt.Errorf("step-function start: StartExecution failed: %w", err)
	}
	if out.ExecutionArn == nil || *out.ExecutionArn == "" {
		return "", fmt.Errorf("step-function start: missing execution arn: %w", ErrMalformedResponse)
	}
	return *out.ExecutionArn, nil
}

// sfnOutput is the optional result document a state machine may return.
type sfnOutput struct {
	JobCount *int `json:"job_count"`
}

// GetRunStatus describes the execution.
func (a *SFNAdapter) GetRunStatus(ctx context.Context, runID string) (types.OrchestratorStatus, error) {
	out, err := a.client.DescribeExecution(ctx, &sfn.DescribeExecutionInput{
		ExecutionArn: &runID,
	})
	if err != nil {
		return types.OrchestratorStatus{}, fmt.Errorf("step-function status: DescribeExecution failed: %w", err)
	}

	state := out.Status
	switch state {
	case sfntypes.ExecutionStatusSucceeded:
		st := types.OrchestratorStatus{State: types.OrchestratorSucceeded, Message: string(state)}
		if out.Output != nil {
			var o sfnOutput
			if err := json.Unmarshal([]byte(*out.Output), &o); err == nil {
				st.JobCount = o.JobCount
			}
		}
		return st, nil
	case sfntypes.ExecutionStatusFailed, sfntypes.ExecutionStatusTimedOut, sfntypes.ExecutionStatusAborted:
		msg := string(state)
		if out.Error != nil && *out.Error != "" {
			msg = *out.Error
			if out.Cause != nil && *out.Cause != "" {
				msg += ": " + *out.Cause
			}
		}
		return types.OrchestratorStatus{State: types.OrchestratorFailed, Message: string(state), Error: msg}, nil
	default:
		return types.OrchestratorStatus{State: types.OrchestratorRunning, Message: string(state)}, nil
	}
}
