package coordinator_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dwsmith1983/runguard/internal/coordinator"
	"github.com/dwsmith1983/runguard/internal/intent"
	"github.com/dwsmith1983/runguard/internal/testutil"
	"github.com/dwsmith1983/runguard/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type statusStep struct {
	resp types.StatusResponse
	err  error
}

// fakeAPI answers triggers with triggerFn and walks a scripted list of
// status answers, repeating the last one.
type fakeAPI struct {
	mu        sync.Mutex
	triggerFn func(ctx context.Context, force bool) (types.TriggerResponse, error)
	script    []statusStep
	triggers  int
	statuses  int
	runIDs    []string
}

func (f *fakeAPI) Trigger(ctx context.Context, _ string, force bool) (types.TriggerResponse, error) {
	f.mu.Lock()
	f.triggers++
	fn := f.triggerFn
	f.mu.Unlock()
	if fn == nil {
		return types.TriggerResponse{RunID: "r1", Status: types.RunPending, Forced: force}, nil
	}
	return fn(ctx, force)
}

func (f *fakeAPI) Status(_ context.Context, _ string, runID string) (types.StatusResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses++
	f.runIDs = append(f.runIDs, runID)
	if len(f.script) == 0 {
		return types.StatusResponse{Status: types.RunIdle}, nil
	}
	step := f.script[0]
	if len(f.script) > 1 {
		f.script = f.script[1:]
	}
	return step.resp, step.err
}

func (f *fakeAPI) setScript(steps ...statusStep) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = steps
}

func (f *fakeAPI) counts() (triggers, statuses int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.triggers, f.statuses
}

func status(runID string, st types.RunStatus) statusStep {
	return statusStep{resp: types.StatusResponse{CampaignID: "c1", RunID: runID, Status: st}}
}

type recorder struct {
	mu    sync.Mutex
	views []coordinator.View
}

func (r *recorder) record(v coordinator.View) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.views = append(r.views, v)
}

func (r *recorder) all() []coordinator.View {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]coordinator.View(nil), r.views...)
}

func fastConfig() coordinator.Config {
	return coordinator.Config{
		PollInterval:    5 * time.Millisecond,
		PollTimeout:     time.Second,
		TriggerTimeout:  time.Second,
		MaxPollFailures: 3,
		ResultHold:      150 * time.Millisecond,
	}
}

func newCoordinator(t *testing.T, api coordinator.API, store intent.Store) (*coordinator.Coordinator, *recorder) {
	t.Helper()
	rec := &recorder{}
	c := coordinator.New("c1", api, store,
		coordinator.WithConfig(fastConfig()),
		coordinator.WithOnChange(rec.record),
	)
	t.Cleanup(c.Close)
	return c, rec
}

func waitState(t *testing.T, c *coordinator.Coordinator, want coordinator.State) coordinator.View {
	t.Helper()
	testutil.WaitFor(t, 2*time.Second, func() bool { return c.View().State == want }, "state "+string(want))
	return c.View()
}

func TestTrigger_HappyPath(t *testing.T) {
	api := &fakeAPI{}
	until := time.Now().Add(time.Hour)
	jobs := 7
	api.setScript(
		status("r1", types.RunPending),
		status("r1", types.RunRunning),
		statusStep{resp: types.StatusResponse{CampaignID: "c1", RunID: "r1", Status: types.RunSuccess, JobCount: &jobs, CooldownUntil: &until}},
	)
	store := intent.NewMemoryStore()
	c, _ := newCoordinator(t, api, store)

	v, err := c.Trigger(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "r1", v.RunID)
	assert.False(t, v.Optimistic)

	in, err := store.Load(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "r1", in.RunID)

	v = waitState(t, c, coordinator.StateSuccess)
	require.NotNil(t, v.JobCount)
	assert.Equal(t, 7, *v.JobCount)

	_, err = store.Load(context.Background(), "c1")
	assert.ErrorIs(t, err, intent.ErrNotFound)

	v = waitState(t, c, coordinator.StateCooldownDisplay)
	require.NotNil(t, v.CooldownUntil)
	assert.True(t, v.CooldownUntil.Equal(until))
}

func TestTrigger_DoubleSubmitGuard(t *testing.T) {
	release := make(chan struct{})
	api := &fakeAPI{triggerFn: func(ctx context.Context, _ bool) (types.TriggerResponse, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return types.TriggerResponse{}, ctx.Err()
		}
		return types.TriggerResponse{RunID: "r1", Status: types.RunPending}, nil
	}}
	api.setScript(status("r1", types.RunRunning))
	c, _ := newCoordinator(t, api, nil)

	first := make(chan error, 1)
	go func() {
		_, err := c.Trigger(context.Background(), false)
		first <- err
	}()
	waitState(t, c, coordinator.StateTriggering)
	assert.True(t, c.View().Optimistic)

	_, err := c.Trigger(context.Background(), false)
	assert.ErrorIs(t, err, coordinator.ErrTriggerInFlight)
	_, err = c.Trigger(context.Background(), true)
	assert.ErrorIs(t, err, coordinator.ErrTriggerInFlight, "force does not bypass an in-flight trigger")

	close(release)
	require.NoError(t, <-first)
	waitState(t, c, coordinator.StatePolling)

	_, err = c.Trigger(context.Background(), false)
	assert.ErrorIs(t, err, coordinator.ErrTriggerInFlight)

	triggers, _ := api.counts()
	assert.Equal(t, 1, triggers)
}

func TestTrigger_Rejections(t *testing.T) {
	until := time.Now().Add(time.Hour)
	cooldown := types.NewRunError(types.KindCooldown, "campaign is cooling down")
	cooldown.CooldownUntil = &until

	tests := []struct {
		name  string
		err   error
		state coordinator.State
		kind  types.ErrorKind
	}{
		{"conflict", types.NewRunError(types.KindConflict, "run in progress"), coordinator.StateConflict, types.KindConflict},
		{"cooldown", cooldown, coordinator.StateCooldownBlocked, types.KindCooldown},
		{"upstream timeout", types.NewRunError(types.KindUpstreamTimeout, "orchestrator timed out"), coordinator.StateTriggerFailed, types.KindUpstreamTimeout},
		{"unavailable", types.NewRunError(types.KindUpstreamUnavailable, "orchestrator unavailable"), coordinator.StateTriggerFailed, types.KindUpstreamUnavailable},
		{"permission", types.NewRunError(types.KindPermission, "not the owner"), coordinator.StateTriggerFailed, types.KindPermission},
		{"validation", types.NewRunError(types.KindValidation, "unknown campaign"), coordinator.StateTriggerFailed, types.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{triggerFn: func(context.Context, bool) (types.TriggerResponse, error) {
				return types.TriggerResponse{}, tt.err
			}}
			store := intent.NewMemoryStore()
			c, _ := newCoordinator(t, api, store)

			v, err := c.Trigger(context.Background(), false)
			require.Error(t, err)
			assert.Equal(t, tt.state, v.State)
			assert.Equal(t, tt.kind, v.ErrKind)
			assert.NotEmpty(t, v.Reason)
			assert.False(t, v.Optimistic)
			assert.Equal(t, types.RunIdle, v.RunStatus, "optimistic pending is rolled back")

			_, err = store.Load(context.Background(), "c1")
			assert.ErrorIs(t, err, intent.ErrNotFound)

			if tt.kind == types.KindCooldown {
				require.NotNil(t, v.CooldownUntil)
				assert.True(t, v.CooldownUntil.Equal(until))
			}

			_, statuses := api.counts()
			assert.Zero(t, statuses)
		})
	}
}

func TestTrigger_CooldownBlockedClearsWhenExpired(t *testing.T) {
	until := time.Now().Add(40 * time.Millisecond)
	re := types.NewRunError(types.KindCooldown, "cooling down")
	re.CooldownUntil = &until
	api := &fakeAPI{triggerFn: func(context.Context, bool) (types.TriggerResponse, error) {
		return types.TriggerResponse{}, re
	}}
	c, _ := newCoordinator(t, api, nil)

	v, err := c.Trigger(context.Background(), false)
	require.Error(t, err)
	assert.Equal(t, coordinator.StateCooldownBlocked, v.State)

	v = waitState(t, c, coordinator.StateIdle)
	assert.Empty(t, v.ErrKind)
}

func TestTrigger_LostResponseAdoptsRunningRun(t *testing.T) {
	api := &fakeAPI{triggerFn: func(context.Context, bool) (types.TriggerResponse, error) {
		return types.TriggerResponse{}, types.WrapRunError(types.KindClientNetwork, "request failed", errors.New("connection reset"))
	}}
	api.setScript(status("r9", types.RunRunning))
	store := intent.NewMemoryStore()
	c, _ := newCoordinator(t, api, store)

	_, err := c.Trigger(context.Background(), false)
	require.Error(t, err)
	assert.Equal(t, types.KindClientNetwork, types.KindOf(err))

	v := waitState(t, c, coordinator.StatePolling)
	testutil.WaitFor(t, time.Second, func() bool { return c.View().RunID == "r9" }, "adopted run")
	v = c.View()
	assert.False(t, v.Optimistic)

	in, err := store.Load(context.Background(), "c1")
	require.NoError(t, err, "intent is kept while the run is in flight")
	assert.Equal(t, "r9", in.RunID)
}

func TestTrigger_LostResponseNothingRunning(t *testing.T) {
	api := &fakeAPI{triggerFn: func(context.Context, bool) (types.TriggerResponse, error) {
		return types.TriggerResponse{}, errors.New("dial tcp: connection refused")
	}}
	api.setScript(status("", types.RunIdle))
	store := intent.NewMemoryStore()
	c, _ := newCoordinator(t, api, store)

	_, err := c.Trigger(context.Background(), false)
	require.Error(t, err)

	v := waitState(t, c, coordinator.StateTriggerFailed)
	assert.Equal(t, types.KindClientNetwork, v.ErrKind)
	_, err = store.Load(context.Background(), "c1")
	assert.ErrorIs(t, err, intent.ErrNotFound)
}

func TestTrigger_LostResponseAfterIdleFollowsClaim(t *testing.T) {
	api := &fakeAPI{triggerFn: func(context.Context, bool) (types.TriggerResponse, error) {
		return types.TriggerResponse{}, types.WrapRunError(types.KindClientNetwork, "request failed", errors.New("connection reset"))
	}}
	api.setScript(
		status("", types.RunIdle),
		status("", types.RunPending),
		status("r3", types.RunRunning),
	)
	store := intent.NewMemoryStore()
	c, _ := newCoordinator(t, api, store)

	v, err := c.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, coordinator.StateIdle, v.State)

	_, err = c.Trigger(context.Background(), false)
	require.Error(t, err)

	testutil.WaitFor(t, 2*time.Second, func() bool { return c.View().RunID == "r3" }, "claimed run picked up")
	v = c.View()
	assert.Equal(t, coordinator.StatePolling, v.State)
	assert.Equal(t, types.RunRunning, v.RunStatus)
	assert.Empty(t, v.Reason)

	in, err := store.Load(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "r3", in.RunID)
}

func TestPoll_DiscardsOtherRuns(t *testing.T) {
	api := &fakeAPI{}
	api.setScript(
		status("r0", types.RunSuccess),
		status("r1", types.RunRunning),
		status("r0", types.RunFailed),
		status("r1", types.RunSuccess),
	)
	c, rec := newCoordinator(t, api, nil)

	_, err := c.Trigger(context.Background(), false)
	require.NoError(t, err)
	waitState(t, c, coordinator.StateSuccess)

	for _, v := range rec.all() {
		assert.NotEqual(t, "r0", v.RunID, "a response for another run leaked into the view")
	}
	assert.Equal(t, "r1", c.View().RunID)
}

func TestPoll_NeverRegresses(t *testing.T) {
	api := &fakeAPI{}
	api.setScript(
		status("r1", types.RunRunning),
		status("r1", types.RunPending),
		status("r1", types.RunRunning),
		status("r1", types.RunSuccess),
	)
	c, rec := newCoordinator(t, api, nil)

	_, err := c.Trigger(context.Background(), false)
	require.NoError(t, err)
	waitState(t, c, coordinator.StateSuccess)

	seenRunning := false
	for _, v := range rec.all() {
		if v.RunStatus == types.RunRunning {
			seenRunning = true
		}
		if seenRunning {
			assert.NotEqual(t, types.RunPending, v.RunStatus, "status moved backwards")
		}
	}
	assert.True(t, seenRunning)
}

func TestPoll_StopsAfterRepeatedFailures(t *testing.T) {
	api := &fakeAPI{}
	api.setScript(statusStep{err: types.NewRunError(types.KindUpstreamUnavailable, "status unavailable")})
	c, _ := newCoordinator(t, api, nil)

	_, err := c.Trigger(context.Background(), false)
	require.NoError(t, err)

	v := waitState(t, c, coordinator.StateStatusUnknown)
	assert.Equal(t, types.KindUpstreamUnavailable, v.ErrKind)
	assert.Equal(t, "r1", v.RunID)

	time.Sleep(50 * time.Millisecond)
	_, statuses := api.counts()
	assert.Equal(t, 3, statuses)
}

func TestPoll_RecoversBeforeThreshold(t *testing.T) {
	fail := statusStep{err: errors.New("timeout")}
	api := &fakeAPI{}
	api.setScript(fail, fail, status("r1", types.RunRunning), fail, fail, status("r1", types.RunSuccess))
	c, _ := newCoordinator(t, api, nil)

	_, err := c.Trigger(context.Background(), false)
	require.NoError(t, err)
	waitState(t, c, coordinator.StateSuccess)
}

func TestForcedTriggerWhilePolling(t *testing.T) {
	var calls int
	var mu sync.Mutex
	api := &fakeAPI{triggerFn: func(_ context.Context, force bool) (types.TriggerResponse, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return types.TriggerResponse{RunID: "r1", Status: types.RunPending}, nil
		}
		return types.TriggerResponse{}, types.NewRunError(types.KindConflict, "run in progress")
	}}
	api.setScript(status("r1", types.RunRunning))
	c, _ := newCoordinator(t, api, nil)

	_, err := c.Trigger(context.Background(), false)
	require.NoError(t, err)
	waitState(t, c, coordinator.StatePolling)

	v, err := c.Trigger(context.Background(), true)
	assert.True(t, types.IsKind(err, types.KindConflict))
	assert.Equal(t, coordinator.StatePolling, v.State)
	assert.Equal(t, types.KindConflict, v.ErrKind)
	assert.Equal(t, "r1", v.RunID)
}

func TestResume_RendersIntentThenServerWins(t *testing.T) {
	store := intent.NewMemoryStore()
	in := types.NewPendingIntent("c1", false, time.Now(), time.Minute)
	in.RunID = "r1"
	require.NoError(t, store.Save(context.Background(), in))

	api := &fakeAPI{}
	api.setScript(status("r1", types.RunRunning), status("r1", types.RunRunning), status("r1", types.RunSuccess))
	c, rec := newCoordinator(t, api, store)

	v, err := c.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, coordinator.StatePolling, v.State)
	assert.False(t, v.Optimistic)

	views := rec.all()
	require.NotEmpty(t, views)
	assert.True(t, views[0].Optimistic, "intent rendered before the server answered")
	assert.Equal(t, coordinator.StatePending, views[0].State)

	waitState(t, c, coordinator.StateSuccess)
	_, err = store.Load(context.Background(), "c1")
	assert.ErrorIs(t, err, intent.ErrNotFound)

	api.mu.Lock()
	assert.Equal(t, "r1", api.runIDs[0])
	api.mu.Unlock()
}

func TestResume_IntentServerNoLongerRunning(t *testing.T) {
	store := intent.NewMemoryStore()
	in := types.NewPendingIntent("c1", false, time.Now(), time.Minute)
	in.RunID = "r1"
	require.NoError(t, store.Save(context.Background(), in))

	api := &fakeAPI{}
	api.setScript(status("r1", types.RunFailed))
	c, _ := newCoordinator(t, api, store)

	v, err := c.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, coordinator.StateError, v.State)
	_, err = store.Load(context.Background(), "c1")
	assert.ErrorIs(t, err, intent.ErrNotFound)
}

func TestResume_ExpiredIntentNeverRendered(t *testing.T) {
	store := intent.NewMemoryStore()
	in := types.NewPendingIntent("c1", false, time.Now().Add(-10*time.Minute), 5*time.Minute)
	require.NoError(t, store.Save(context.Background(), in))

	api := &fakeAPI{}
	api.setScript(status("", types.RunIdle))
	c, rec := newCoordinator(t, api, store)

	v, err := c.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, coordinator.StateIdle, v.State)
	for _, v := range rec.all() {
		assert.False(t, v.Optimistic)
	}
	_, err = store.Load(context.Background(), "c1")
	assert.ErrorIs(t, err, intent.ErrNotFound)
}

func TestResume_ServerUnreachableKeepsIntent(t *testing.T) {
	store := intent.NewMemoryStore()
	in := types.NewPendingIntent("c1", false, time.Now(), time.Minute)
	require.NoError(t, store.Save(context.Background(), in))

	api := &fakeAPI{}
	api.setScript(statusStep{err: errors.New("network down")})
	c, _ := newCoordinator(t, api, store)

	v, err := c.Resume(context.Background())
	require.Error(t, err)
	assert.True(t, v.Optimistic)
	assert.Equal(t, types.KindClientNetwork, v.ErrKind)

	waitState(t, c, coordinator.StateStatusUnknown)
	_, err = store.Load(context.Background(), "c1")
	assert.NoError(t, err)
}

func TestResume_ServerUnreachableNoIntent(t *testing.T) {
	api := &fakeAPI{}
	api.setScript(statusStep{err: errors.New("network down")})
	c, _ := newCoordinator(t, api, nil)

	v, err := c.Resume(context.Background())
	require.Error(t, err)
	assert.Equal(t, coordinator.StateIdle, v.State)
	assert.Equal(t, types.KindClientNetwork, v.ErrKind)
}

func TestResume_IntentExpiresWithoutConfirmation(t *testing.T) {
	store := intent.NewMemoryStore()
	in := types.NewPendingIntent("c1", false, time.Now(), 60*time.Millisecond)
	require.NoError(t, store.Save(context.Background(), in))

	block := make(chan struct{})
	defer close(block)
	api := &blockingStatusAPI{block: block}
	c, _ := newCoordinator(t, api, store)

	go func() { _, _ = c.Resume(context.Background()) }()
	testutil.WaitFor(t, time.Second, func() bool { return c.View().Optimistic }, "optimistic render")

	v := waitState(t, c, coordinator.StateIdle)
	assert.False(t, v.Optimistic)
	_, err := store.Load(context.Background(), "c1")
	assert.ErrorIs(t, err, intent.ErrNotFound)
}

// blockingStatusAPI never answers status requests until block is closed or
// the request is cancelled.
type blockingStatusAPI struct {
	block chan struct{}
}

func (b *blockingStatusAPI) Trigger(context.Context, string, bool) (types.TriggerResponse, error) {
	return types.TriggerResponse{}, errors.New("unused")
}

func (b *blockingStatusAPI) Status(ctx context.Context, _, _ string) (types.StatusResponse, error) {
	select {
	case <-b.block:
	case <-ctx.Done():
	}
	return types.StatusResponse{}, errors.New("no answer")
}

func TestDetachStopsPolling(t *testing.T) {
	api := &fakeAPI{}
	api.setScript(status("r1", types.RunRunning))
	c, _ := newCoordinator(t, api, nil)

	_, err := c.Trigger(context.Background(), false)
	require.NoError(t, err)
	testutil.WaitFor(t, time.Second, func() bool {
		_, n := api.counts()
		return n >= 2
	}, "polling started")

	c.Detach()
	time.Sleep(20 * time.Millisecond)
	_, before := api.counts()
	time.Sleep(50 * time.Millisecond)
	_, after := api.counts()
	assert.Equal(t, before, after)

	v, err := c.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, coordinator.StatePolling, v.State)
}

func TestClosedCoordinator(t *testing.T) {
	c := coordinator.New("c1", &fakeAPI{}, nil)
	c.Close()
	c.Close()

	_, err := c.Trigger(context.Background(), false)
	assert.ErrorIs(t, err, coordinator.ErrClosed)
	_, err = c.Resume(context.Background())
	assert.ErrorIs(t, err, coordinator.ErrClosed)
}

func TestManager(t *testing.T) {
	m := coordinator.NewManager(&fakeAPI{}, nil, coordinator.WithConfig(fastConfig()))

	a, err := m.Get("c1")
	require.NoError(t, err)
	b, err := m.Get("c1")
	require.NoError(t, err)
	assert.Same(t, a, b)

	_, err = m.Get("c2")
	require.NoError(t, err)
	assert.Len(t, m.Views(), 2)

	m.Close()
	_, err = m.Get("c3")
	assert.ErrorIs(t, err, coordinator.ErrClosed)
}
