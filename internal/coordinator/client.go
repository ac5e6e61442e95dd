package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/dwsmith1983/runguard/pkg/types"
)

// API is the server surface the coordinator drives.
type API interface {
	Trigger(ctx context.Context, campaignID string, force bool) (types.TriggerResponse, error)
	Status(ctx context.Context, campaignID, runID string) (types.StatusResponse, error)
}

// Client calls the runguard HTTP API on behalf of one identity.
type Client struct {
	baseURL string
	who     types.Identity
	apiKey  string
	http    *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client. Per-call deadlines come from the
// request context.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithAPIKey sets the X-API-Key header on every request.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// NewClient creates an API client for baseURL.
func NewClient(baseURL string, who types.Identity, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		who:     who,
		http:    &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Trigger posts a run request. Server rejections are returned as
// *types.RunError with the server's kind; transport failures are
// ClientNetworkError.
func (c *Client) Trigger(ctx context.Context, campaignID string, force bool) (types.TriggerResponse, error) {
	body, err := json.Marshal(types.TriggerRequest{Force: force})
	if err != nil {
		return types.TriggerResponse{}, err
	}
	var out types.TriggerResponse
	err = c.do(ctx, http.MethodPost, "/campaigns/"+url.PathEscape(campaignID)+"/run", body, http.StatusAccepted, &out)
	return out, err
}

// Status fetches the run snapshot. runID tags the request with the run the
// caller is tracking.
func (c *Client) Status(ctx context.Context, campaignID, runID string) (types.StatusResponse, error) {
	path := "/campaigns/" + url.PathEscape(campaignID) + "/run/status"
	if runID != "" {
		path += "?run_id=" + url.QueryEscape(runID)
	}
	var out types.StatusResponse
	err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, want int, out interface{}) error {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-User-ID", c.who.UserID)
	if c.who.Role != "" {
		req.Header.Set("X-User-Role", string(c.who.Role))
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return types.WrapRunError(types.KindClientNetwork, "request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return types.WrapRunError(types.KindClientNetwork, "reading response", err)
	}
	if resp.StatusCode == want {
		if err := json.Unmarshal(raw, out); err != nil {
			return types.WrapRunError(types.KindUpstreamError, "malformed response", err)
		}
		return nil
	}
	return decodeError(resp.StatusCode, raw)
}

// decodeError turns a non-success response into a RunError. Bodies that are
// not runguard error documents (proxies, load balancers) are classified by
// status code.
func decodeError(code int, raw []byte) error {
	var body types.ErrorResponse
	if err := json.Unmarshal(raw, &body); err == nil && body.Kind != "" {
		re := types.NewRunError(body.Kind, body.Error)
		re.CooldownUntil = body.CooldownUntil
		return re
	}
	msg := strings.TrimSpace(string(raw))
	if msg == "" {
		msg = http.StatusText(code)
	}
	return types.NewRunError(kindForStatus(code), fmt.Sprintf("status %d: %s", code, msg))
}

func kindForStatus(code int) types.ErrorKind {
	switch code {
	case http.StatusBadRequest:
		return types.KindValidation
	case http.StatusUnauthorized, http.StatusForbidden:
		return types.KindPermission
	case http.StatusConflict:
		return types.KindConflict
	case http.StatusTooManyRequests:
		return types.KindCooldown
	case http.StatusGatewayTimeout:
		return types.KindUpstreamTimeout
	case http.StatusServiceUnavailable:
		return types.KindUpstreamUnavailable
	case http.StatusBadGateway:
		return types.KindUpstreamError
	}
	return types.KindInternal
}
