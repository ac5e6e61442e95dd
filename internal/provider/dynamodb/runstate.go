package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/dwsmith1983/runguard/internal/lifecycle"
	"github.com/dwsmith1983/runguard/internal/provider"
	"github.com/dwsmith1983/runguard/pkg/types"
)

// runItem is the stored shape of a campaign's run state.
type runItem struct {
	PK              string `dynamodbav:"PK"`
	SK              string `dynamodbav:"SK"`
	GSI1PK          string `dynamodbav:"GSI1PK"`
	GSI1SK          string `dynamodbav:"GSI1SK"`
	CooldownUntilMs int64  `dynamodbav:"cooldownUntilMs,omitempty"`
	ClaimExpiresMs  int64  `dynamodbav:"claimExpiresMs,omitempty"`
	types.RunState
}

func toItem(st types.RunState) runItem {
	return runItem{
		PK:              campaignPK(st.CampaignID),
		SK:              runStateSK(),
		GSI1PK:          statusGSI1PK(st.Status),
		GSI1SK:          st.CampaignID,
		CooldownUntilMs: epochMillis(st.CooldownUntil),
		ClaimExpiresMs:  epochMillis(st.ClaimExpiresAt),
		RunState:        st,
	}
}

func runKey(campaignID string) map[string]ddbtypes.AttributeValue {
	return map[string]ddbtypes.AttributeValue{
		"PK": &ddbtypes.AttributeValueMemberS{Value: campaignPK(campaignID)},
		"SK": &ddbtypes.AttributeValueMemberS{Value: runStateSK()},
	}
}

func decodeRunState(item map[string]ddbtypes.AttributeValue) (types.RunState, error) {
	var ri runItem
	if err := attributevalue.UnmarshalMap(item, &ri); err != nil {
		return types.RunState{}, fmt.Errorf("decoding run state: %w", err)
	}
	return ri.RunState, nil
}

func numberAV(n int64) *ddbtypes.AttributeValueMemberN {
	return &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

// GetRunState retrieves a campaign's run state (strongly consistent).
func (p *DynamoDBProvider) GetRunState(ctx context.Context, campaignID string) (*types.RunState, error) {
	out, err := p.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &p.tableName,
		ConsistentRead: aws.Bool(true),
		Key:            runKey(campaignID),
	})
	if err != nil {
		return nil, fmt.Errorf("getting run state %q: %w", campaignID, err)
	}
	if out.Item == nil {
		return nil, provider.ErrNotFound
	}
	st, err := decodeRunState(out.Item)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// InitRunState creates an idle record unless one already exists.
func (p *DynamoDBProvider) InitRunState(ctx context.Context, campaignID string) (*types.RunState, error) {
	if _, err := p.CompareAndSwapRunState(ctx, 0, types.NewIdleRunState(campaignID)); err != nil {
		return nil, err
	}
	return p.GetRunState(ctx, campaignID)
}

// ListRunStates queries GSI1 once per requested status. GSI1SK holds the
// campaign id, so each query is already ordered and can start after the
// cursor; the per-status pages are merged and cut to limit.
func (p *DynamoDBProvider) ListRunStates(ctx context.Context, statuses []types.RunStatus, after string, limit int) ([]types.RunState, error) {
	if len(statuses) == 0 {
		statuses = []types.RunStatus{
			types.RunIdle, types.RunPending, types.RunRunning,
			types.RunSuccess, types.RunFailed, types.RunCooldown,
		}
	}

	var out []types.RunState
	for _, status := range statuses {
		input := &dynamodb.QueryInput{
			TableName:              &p.tableName,
			IndexName:              aws.String(gsi1),
			KeyConditionExpression: aws.String("GSI1PK = :pk"),
			ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
				":pk": &ddbtypes.AttributeValueMemberS{Value: statusGSI1PK(status)},
			},
		}
		if after != "" {
			input.KeyConditionExpression = aws.String("GSI1PK = :pk AND GSI1SK > :after")
			input.ExpressionAttributeValues[":after"] = &ddbtypes.AttributeValueMemberS{Value: after}
		}
		found, err := p.queryRunStates(ctx, input, limit)
		if err != nil {
			return nil, fmt.Errorf("listing %s run states: %w", status, err)
		}
		out = append(out, found...)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CampaignID < out[j].CampaignID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (p *DynamoDBProvider) queryRunStates(ctx context.Context, input *dynamodb.QueryInput, limit int) ([]types.RunState, error) {
	var out []types.RunState
	pager := dynamodb.NewQueryPaginator(p.client, input)
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			st, err := decodeRunState(item)
			if err != nil {
				p.logger.Warn("skipping corrupt run state", "error", err)
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

// ClaimForTrigger performs the claim as a single conditional UpdateItem. The
// condition mirrors lifecycle.EvaluateClaim; on failure the stored record is
// returned by DynamoDB and classified locally.
func (p *DynamoDBProvider) ClaimForTrigger(ctx context.Context, req types.ClaimRequest) (types.ClaimResult, error) {
	nowMs := req.Now.UnixMilli()
	claimExp := req.Now.Add(req.ClaimTTL)

	nowAV, err := attributevalue.Marshal(req.Now)
	if err != nil {
		return types.ClaimResult{}, err
	}
	expAV, err := attributevalue.Marshal(claimExp)
	if err != nil {
		return types.ClaimResult{}, err
	}

	cond := "(attribute_not_exists(PK) OR (#status <> :pending AND #status <> :running) OR " +
		"(#status = :pending AND #runId = :empty AND #claimExpiresMs <= :nowMs))"
	if !req.Force {
		cond += " AND (attribute_not_exists(#cooldownUntilMs) OR #cooldownUntilMs <= :nowMs)"
	}

	out, err := p.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: &p.tableName,
		Key:       runKey(req.CampaignID),
		UpdateExpression: aws.String("SET #campaignId = :cid, #status = :pending, #runId = :empty, " +
			"#triggeredAt = :now, #updatedAt = :now, #forced = :force, " +
			"#claimExpiresAt = :claimExp, #claimExpiresMs = :claimExpMs, " +
			"#version = if_not_exists(#version, :zero) + :one, GSI1PK = :gsi, GSI1SK = :cid " +
			"REMOVE #completedAt, #jobCount, #errorMessage"),
		ConditionExpression: aws.String(cond),
		ExpressionAttributeNames: map[string]string{
			"#campaignId":      "campaignId",
			"#status":          "status",
			"#runId":           "runId",
			"#triggeredAt":     "triggeredAt",
			"#updatedAt":       "updatedAt",
			"#forced":          "forced",
			"#claimExpiresAt":  "claimExpiresAt",
			"#claimExpiresMs":  "claimExpiresMs",
			"#cooldownUntilMs": "cooldownUntilMs",
			"#version":         "version",
			"#completedAt":     "completedAt",
			"#jobCount":        "jobCount",
			"#errorMessage":    "errorMessage",
		},
		ExpressionAttributeValues:           claimValues(req, nowAV, expAV, nowMs, claimExp.UnixMilli()),
		ReturnValues:                        ddbtypes.ReturnValueAllOld,
		ReturnValuesOnConditionCheckFailure: ddbtypes.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		var ccfe *ddbtypes.ConditionalCheckFailedException
		if !errors.As(err, &ccfe) {
			return types.ClaimResult{}, fmt.Errorf("claiming %q: %w", req.CampaignID, err)
		}
		cur := types.NewIdleRunState(req.CampaignID)
		if ccfe.Item != nil {
			if cur, err = decodeRunState(ccfe.Item); err != nil {
				return types.ClaimResult{}, err
			}
		}
		outcome := lifecycle.EvaluateClaim(cur, req.Force, req.Now)
		if outcome == types.ClaimGranted {
			// Millisecond rounding on the shadow attributes; the store said no.
			outcome = types.ClaimConflict
		}
		return types.ClaimResult{Outcome: outcome, Previous: cur, Current: cur}, nil
	}

	prev := types.NewIdleRunState(req.CampaignID)
	if len(out.Attributes) > 0 {
		if prev, err = decodeRunState(out.Attributes); err != nil {
			return types.ClaimResult{}, err
		}
	}
	return types.ClaimResult{
		Outcome:  types.ClaimGranted,
		Previous: prev,
		Current:  lifecycle.Claimed(prev, req),
	}, nil
}

func claimValues(req types.ClaimRequest, nowAV, expAV ddbtypes.AttributeValue, nowMs, expMs int64) map[string]ddbtypes.AttributeValue {
	return map[string]ddbtypes.AttributeValue{
		":cid":        &ddbtypes.AttributeValueMemberS{Value: req.CampaignID},
		":pending":    &ddbtypes.AttributeValueMemberS{Value: string(types.RunPending)},
		":running":    &ddbtypes.AttributeValueMemberS{Value: string(types.RunRunning)},
		":empty":      &ddbtypes.AttributeValueMemberS{Value: ""},
		":now":        nowAV,
		":force":      &ddbtypes.AttributeValueMemberBOOL{Value: req.Force},
		":claimExp":   expAV,
		":claimExpMs": numberAV(expMs),
		":nowMs":      numberAV(nowMs),
		":zero":       numberAV(0),
		":one":        numberAV(1),
		":gsi":        &ddbtypes.AttributeValueMemberS{Value: statusGSI1PK(types.RunPending)},
	}
}

// CompareAndSwapRunState writes next if the stored version matches. A missing
// item matches expectedVersion 0.
func (p *DynamoDBProvider) CompareAndSwapRunState(ctx context.Context, expectedVersion int, next types.RunState) (bool, error) {
	item, err := attributevalue.MarshalMap(toItem(next))
	if err != nil {
		return false, fmt.Errorf("encoding run state: %w", err)
	}

	cond := "#version = :expected"
	if expectedVersion == 0 {
		cond = "attribute_not_exists(PK) OR " + cond
	}

	_, err = p.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                &p.tableName,
		Item:                     item,
		ConditionExpression:      aws.String(cond),
		ExpressionAttributeNames: map[string]string{"#version": "version"},
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":expected": numberAV(int64(expectedVersion)),
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("run state CAS %q: %w", next.CampaignID, err)
	}
	return true, nil
}
