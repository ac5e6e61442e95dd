// Package orchestrator adapts external workflow engines to the two calls the
// trigger gateway and reconciler need: start a run for a campaign and report
// the normalized status of a run.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dwsmith1983/runguard/pkg/types"
)

// Adapter starts pipeline runs and reports their status.
type Adapter interface {
	// StartRun asks the orchestrator to start a pipeline run for campaignID
	// and returns the orchestrator's run id.
	StartRun(ctx context.Context, campaignID string) (string, error)
	// GetRunStatus returns the normalized status of runID.
	GetRunStatus(ctx context.Context, runID string) (types.OrchestratorStatus, error)
}

// ErrMalformedResponse marks an orchestrator reply that could not be understood.
var ErrMalformedResponse = errors.New("malformed orchestrator response")

// ErrUnknownRun is returned when the orchestrator has no record of a run id.
var ErrUnknownRun = errors.New("unknown run id")

// HTTPStatusError is returned when an orchestrator REST call answers non-2xx.
type HTTPStatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("%s: returned status %d: %s", e.Op, e.StatusCode, e.Body)
}

const defaultRequestTimeout = 30 * time.Second

var defaultHTTPClient = &http.Client{Timeout: defaultRequestTimeout}

// runInput is the payload handed to every pipeline so it knows which campaign
// it runs for and where to report completion.
type runInput struct {
	CampaignID  string `json:"campaign_id"`
	CallbackURL string `json:"callback_url,omitempty"`
}
