package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/runguard/internal/campaign"
	"github.com/dwsmith1983/runguard/internal/gateway"
	"github.com/dwsmith1983/runguard/internal/orchestrator"
	"github.com/dwsmith1983/runguard/internal/provider/memory"
	"github.com/dwsmith1983/runguard/internal/testutil"
	"github.com/dwsmith1983/runguard/pkg/types"
)

type testEnv struct {
	ts    *httptest.Server
	store *memory.Provider
	stub  *orchestrator.StubAdapter
	clock *testutil.Clock
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	return setupTestServerWithOpts(t, "", 0)
}

func setupTestServerWithOpts(t *testing.T, apiKey string, maxBody int64) *testEnv {
	t.Helper()
	clock := testutil.NewClock(time.Now().UTC().Truncate(time.Second))
	store := memory.New()
	store.SetClock(clock.Now)
	stub, err := orchestrator.NewStub(types.StubConfig{RunDuration: "10s", JobCount: 42})
	require.NoError(t, err)
	stub.SetClock(clock.Now)

	campaigns := campaign.NewDirStore(
		types.Campaign{ID: "c1", Owner: "alice", IsActive: true},
		types.Campaign{ID: "c2", Owner: "bob", IsActive: true},
	)
	cfg := gateway.DefaultConfig()
	cfg.StartTimeout = 100 * time.Millisecond
	gw := gateway.New(store, campaigns, stub, cfg)
	gw.SetClock(clock.Now)

	srv := New(&types.ServerConfig{APIKey: apiKey, MaxRequestBody: maxBody}, gw, store, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, store: store, stub: stub, clock: clock}
}

func (e *testEnv) do(t *testing.T, method, path, user, role, body string) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rdr)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	if role != "" {
		req.Header.Set("X-User-Role", role)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (e *testEnv) trigger(t *testing.T, campaignID, user, role, body string) *http.Response {
	return e.do(t, http.MethodPost, "/campaigns/"+campaignID+"/run", user, role, body)
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealthEndpoint(t *testing.T) {
	env := setupTestServerWithOpts(t, "test-secret", 0)

	resp := env.do(t, http.MethodGet, "/health", "", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	assert.Equal(t, "ok", body["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupTestServer(t)
	env.trigger(t, "c1", "alice", "", "")

	resp := env.do(t, http.MethodGet, "/metrics", "", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "runguard_triggers_total")
}

func TestTriggerAndStatus(t *testing.T) {
	env := setupTestServer(t)

	resp := env.trigger(t, "c1", "alice", "", `{"force":false}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	accepted := decode[types.TriggerResponse](t, resp)
	assert.NotEmpty(t, accepted.RunID)
	assert.Equal(t, types.RunPending, accepted.Status)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	env.clock.Advance(3 * time.Second)
	resp = env.do(t, http.MethodGet, "/campaigns/c1/run/status?run_id="+accepted.RunID, "alice", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st := decode[types.StatusResponse](t, resp)
	assert.Equal(t, types.RunRunning, st.Status)
	assert.Equal(t, accepted.RunID, st.RunID)

	env.clock.Advance(10 * time.Second)
	resp = env.do(t, http.MethodGet, "/campaigns/c1/run/status", "alice", "", "")
	st = decode[types.StatusResponse](t, resp)
	assert.Equal(t, types.RunSuccess, st.Status)
	require.NotNil(t, st.JobCount)
	assert.Equal(t, 42, *st.JobCount)
	assert.NotNil(t, st.CompletedAt)
	assert.NotNil(t, st.CooldownUntil)
}

func TestTrigger_EmptyBody(t *testing.T) {
	env := setupTestServer(t)
	resp := env.trigger(t, "c1", "alice", "", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestTrigger_ErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(e *testEnv)
		campaign  string
		user      string
		role      string
		body      string
		code      int
		kind      types.ErrorKind
		retryable bool
	}{
		{name: "bad json", campaign: "c1", user: "alice", body: `{"force":`, code: http.StatusBadRequest, kind: types.KindValidation},
		{name: "unknown campaign", campaign: "missing", user: "alice", code: http.StatusForbidden, kind: types.KindPermission},
		{name: "foreign campaign", campaign: "c2", user: "alice", code: http.StatusForbidden, kind: types.KindPermission},
		{name: "no identity", campaign: "c1", code: http.StatusForbidden, kind: types.KindPermission},
		{name: "force non admin", campaign: "c1", user: "alice", body: `{"force":true}`, code: http.StatusForbidden, kind: types.KindPermission},
		{
			name:     "timeout",
			setup:    func(e *testEnv) { e.stub.SetStartDelay(time.Second) },
			campaign: "c1", user: "alice",
			code: http.StatusGatewayTimeout, kind: types.KindUpstreamTimeout, retryable: true,
		},
		{
			name: "unavailable",
			setup: func(e *testEnv) {
				e.stub.SetStartError(&orchestrator.HTTPStatusError{Op: "start", StatusCode: http.StatusServiceUnavailable})
			},
			campaign: "c1", user: "alice",
			code: http.StatusServiceUnavailable, kind: types.KindUpstreamUnavailable, retryable: true,
		},
		{
			name: "rejected",
			setup: func(e *testEnv) {
				e.stub.SetStartError(&orchestrator.HTTPStatusError{Op: "start", StatusCode: http.StatusBadRequest, Body: "secret detail"})
			},
			campaign: "c1", user: "alice",
			code: http.StatusBadGateway, kind: types.KindUpstreamError, retryable: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestServer(t)
			if tt.setup != nil {
				tt.setup(env)
			}
			resp := env.trigger(t, tt.campaign, tt.user, tt.role, tt.body)
			assert.Equal(t, tt.code, resp.StatusCode)
			body := decode[types.ErrorResponse](t, resp)
			assert.Equal(t, tt.kind, body.Kind)
			assert.Equal(t, tt.retryable, body.Retryable)
			assert.NotEmpty(t, body.Error)
			assert.NotContains(t, body.Error, "secret detail")
		})
	}
}

// Two triggers for one campaign in quick succession: one 202, one 409.
func TestTrigger_DoubleTriggerConflicts(t *testing.T) {
	env := setupTestServer(t)
	env.stub.SetStartDelay(50 * time.Millisecond)

	codes := make([]int, 2)
	var wg sync.WaitGroup
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, _ := http.NewRequest(http.MethodPost, env.ts.URL+"/campaigns/c1/run", nil)
			req.Header.Set("X-User-ID", "alice")
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return
			}
			_ = resp.Body.Close()
			codes[i] = resp.StatusCode
		}(i)
		time.Sleep(10 * time.Millisecond)
	}
	wg.Wait()

	assert.ElementsMatch(t, []int{http.StatusAccepted, http.StatusConflict}, codes)
	assert.Equal(t, 1, env.stub.Starts())
}

// Error outcome, cooldown for 10m: blocked at +5m, accepted at +11m.
func TestTrigger_ErrorRunStartsCooldown(t *testing.T) {
	env := setupTestServer(t)
	resp := env.trigger(t, "c1", "alice", "", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	accepted := decode[types.TriggerResponse](t, resp)

	resp = env.do(t, http.MethodPost, "/campaigns/c1/run/callback", "", "",
		fmt.Sprintf(`{"run_id":%q,"state":"failed","error":"scraper quota exceeded"}`, accepted.RunID))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	done := decode[types.StatusResponse](t, resp)
	assert.Equal(t, types.RunFailed, done.Status)
	require.NotNil(t, done.CompletedAt)
	require.NotNil(t, done.CooldownUntil)
	assert.Equal(t, done.CompletedAt.Add(10*time.Minute), *done.CooldownUntil)

	env.clock.Advance(5 * time.Minute)
	resp = env.trigger(t, "c1", "alice", "", "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	blocked := decode[types.ErrorResponse](t, resp)
	assert.Equal(t, types.KindCooldown, blocked.Kind)
	assert.False(t, blocked.Retryable)
	require.NotNil(t, blocked.CooldownUntil)
	assert.True(t, blocked.CooldownUntil.Equal(*done.CooldownUntil))

	resp = env.trigger(t, "c1", "ops", "admin", `{"force":true}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode, "admin force bypasses cooldown")
}

func TestTrigger_AllowedAfterCooldownExpires(t *testing.T) {
	env := setupTestServer(t)
	resp := env.trigger(t, "c1", "alice", "", "")
	accepted := decode[types.TriggerResponse](t, resp)
	env.do(t, http.MethodPost, "/campaigns/c1/run/callback", "", "",
		fmt.Sprintf(`{"run_id":%q,"state":"failed"}`, accepted.RunID))

	env.clock.Advance(11 * time.Minute)
	resp = env.trigger(t, "c1", "alice", "", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestCallback(t *testing.T) {
	env := setupTestServer(t)
	resp := env.trigger(t, "c1", "alice", "", "")
	accepted := decode[types.TriggerResponse](t, resp)

	resp = env.do(t, http.MethodPost, "/campaigns/c1/run/callback", "", "", `{"run_id":"other","state":"succeeded"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, types.KindStaleState, decode[types.ErrorResponse](t, resp).Kind)

	resp = env.do(t, http.MethodPost, "/campaigns/c1/run/callback", "", "",
		fmt.Sprintf(`{"run_id":%q,"state":"done"}`, accepted.RunID))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/campaigns/c1/run/callback", "", "", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/campaigns/c1/run/callback", "", "",
		fmt.Sprintf(`{"run_id":%q,"state":"succeeded","job_count":42}`, accepted.RunID))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st := decode[types.StatusResponse](t, resp)
	assert.Equal(t, types.RunSuccess, st.Status)
	require.NotNil(t, st.JobCount)
	assert.Equal(t, 42, *st.JobCount)
}

func TestStatus_UnknownCampaignIsIdle(t *testing.T) {
	env := setupTestServer(t)
	resp := env.do(t, http.MethodGet, "/campaigns/nope/run/status", "alice", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, types.RunIdle, decode[types.StatusResponse](t, resp).Status)
}

func TestAPIKeyAuth(t *testing.T) {
	env := setupTestServerWithOpts(t, "test-secret", 0)

	tests := []struct {
		name string
		key  string
		code int
	}{
		{"valid", "test-secret", http.StatusOK},
		{"invalid", "wrong-key", http.StatusUnauthorized},
		{"missing", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, env.ts.URL+"/campaigns/c1/run/status", nil)
			if tt.key != "" {
				req.Header.Set("X-API-Key", tt.key)
			}
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.code, resp.StatusCode)
		})
	}
}

func TestMaxBody_Enforced(t *testing.T) {
	env := setupTestServerWithOpts(t, "", 50)

	bigBody := `{"force":false,"pad":"` + strings.Repeat("x", 200) + `"}`
	resp := env.trigger(t, "c1", "alice", "", bigBody)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Zero(t, env.stub.Starts())
}

func TestRequestIDPropagated(t *testing.T) {
	env := setupTestServer(t)
	req, _ := http.NewRequest(http.MethodGet, env.ts.URL+"/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "req-123", resp.Header.Get("X-Request-ID"))
}
