package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/dwsmith1983/runguard/pkg/types"
)

// AirflowAdapter runs campaigns as Airflow DAG runs over the stable REST API.
type AirflowAdapter struct {
	cfg         types.AirflowConfig
	callbackURL string
	client      *http.Client
	logger      *slog.Logger
}

// NewAirflow creates an Airflow adapter. A nil client uses a default with a
// 30s timeout.
func NewAirflow(cfg types.AirflowConfig, callbackURL string, client *http.Client) (*AirflowAdapter, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("airflow adapter: url is required")
	}
	if cfg.DagID == "" {
		return nil, fmt.Errorf("airflow adapter: dagId is required")
	}
	if client == nil {
		client = defaultHTTPClient
	}
	return &AirflowAdapter{cfg: cfg, callbackURL: callbackURL, client: client, logger: slog.Default()}, nil
}

// SetLogger overrides the adapter's logger.
func (a *AirflowAdapter) SetLogger(l *slog.Logger) { a.logger = l }

func (a *AirflowAdapter) dagRunsURL() string {
	return strings.TrimRight(a.cfg.URL, "/") + "/api/v1/dags/" + url.PathEscape(a.cfg.DagID) + "/dagRuns"
}

// StartRun triggers a DAG run and returns its dag_run_id.
func (a *AirflowAdapter) StartRun(ctx context.Context, campaignID string) (string, error) {
	payload := map[string]interface{}{
		"conf": runInput{CampaignID: campaignID, CallbackURL: callbackFor(a.callbackURL, campaignID)},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("airflow start: marshaling payload: %w", err)
	}

	var result map[string]interface{}
	if err := a.do(ctx, "airflow start", http.MethodPost, a.dagRunsURL(), body, &result); err != nil {
		return "", err
	}

	dagRunID, _ := result["dag_run_id"].(string)
	if dagRunID == "" {
		return "", fmt.Errorf("airflow start: response missing dag_run_id: %w", ErrMalformedResponse)
	}
	return dagRunID, nil
}

// GetRunStatus polls a DAG run. On success the job count is read from the
// configured XCom entry when one is set.
func (a *AirflowAdapter) GetRunStatus(ctx context.Context, runID string) (types.OrchestratorStatus, error) {
	u := a.dagRunsURL() + "/" + url.PathEscape(runID)

	var result map[string]interface{}
	if err := a.do(ctx, "airflow status", http.MethodGet, u, nil, &result); err != nil {
		return types.OrchestratorStatus{}, err
	}

	state, _ := result["state"].(string)
	if state == "" {
		return types.OrchestratorStatus{}, fmt.Errorf("airflow status: response missing state field: %w", ErrMalformedResponse)
	}

	switch state {
	case "queued":
		return types.OrchestratorStatus{State: types.OrchestratorQueued, Message: state}, nil
	case "success":
		st := types.OrchestratorStatus{State: types.OrchestratorSucceeded, Message: state}
		st.JobCount = a.jobCount(ctx, runID)
		return st, nil
	case "failed":
		return types.OrchestratorStatus{State: types.OrchestratorFailed, Message: state, Error: "airflow dag run failed"}, nil
	default:
		return types.OrchestratorStatus{State: types.OrchestratorRunning, Message: state}, nil
	}
}

// jobCount reads the result count from XCom. A missing or unreadable entry
// leaves the count unknown rather than failing the status check.
func (a *AirflowAdapter) jobCount(ctx context.Context, runID string) *int {
	if a.cfg.JobCountTask == "" {
		return nil
	}
	key := a.cfg.JobCountKey
	if key == "" {
		key = "return_value"
	}
	u := a.dagRunsURL() + "/" + url.PathEscape(runID) +
		"/taskInstances/" + url.PathEscape(a.cfg.JobCountTask) +
		"/xcomEntries/" + url.PathEscape(key)

	var entry map[string]interface{}
	if err := a.do(ctx, "airflow xcom", http.MethodGet, u, nil, &entry); err != nil {
		a.logger.Warn("job count unavailable", "runID", runID, "error", err)
		return nil
	}

	var n int
	switch v := entry["value"].(type) {
	case float64:
		n = int(v)
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			a.logger.Warn("job count not numeric", "runID", runID, "value", v)
			return nil
		}
		n = parsed
	default:
		return nil
	}
	return &n
}

func (a *AirflowAdapter) do(ctx context.Context, op, method, u string, body []byte, out interface{}) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("%s: creating request: %w", op, err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range a.cfg.Headers {
		req.Header.Set(k, os.ExpandEnv(v))
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: request failed: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s: reading response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPStatusError{Op: op, StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%s: parsing response: %v: %w", op, err, ErrMalformedResponse)
	}
	return nil
}

// callbackFor expands a callback URL template. "{campaign}" is replaced with
// the escaped campaign id.
func callbackFor(template, campaignID string) string {
	if template == "" {
		return ""
	}
	return strings.ReplaceAll(template, "{campaign}", url.PathEscape(campaignID))
}
