package reconciler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dwsmith1983/runguard/internal/campaign"
	"github.com/dwsmith1983/runguard/internal/events"
	"github.com/dwsmith1983/runguard/internal/gateway"
	"github.com/dwsmith1983/runguard/internal/orchestrator"
	"github.com/dwsmith1983/runguard/internal/provider/memory"
	"github.com/dwsmith1983/runguard/internal/reconciler"
	"github.com/dwsmith1983/runguard/internal/testutil"
	"github.com/dwsmith1983/runguard/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingSink struct {
	mu   sync.Mutex
	evts []types.Event
}

func (r *recordingSink) Send(_ context.Context, evt types.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evts = append(r.evts, evt)
	return nil
}

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) kinds() []types.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.EventKind
	for _, e := range r.evts {
		out = append(out, e.Kind)
	}
	return out
}

type fixture struct {
	rec   *reconciler.Reconciler
	gw    *gateway.Gateway
	store *memory.Provider
	stub  *orchestrator.StubAdapter
	clock *testutil.Clock
	sink  *recordingSink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := testutil.NewClock(t0)
	store := memory.New()
	store.SetClock(clock.Now)
	stub, err := orchestrator.NewStub(types.StubConfig{RunDuration: "10s", JobCount: 9})
	require.NoError(t, err)
	stub.SetClock(clock.Now)

	gw := gateway.New(store, campaign.NewDirStore(types.Campaign{ID: "c1", Owner: "u1", IsActive: true}), stub, gateway.DefaultConfig())
	gw.SetClock(clock.Now)

	sink := &recordingSink{}
	rec := reconciler.New(store, gw, nil, reconciler.Config{
		Interval:           20 * time.Millisecond,
		ResultHold:         2 * time.Minute,
		MaxChecksPerSecond: 1000,
	})
	rec.SetClock(clock.Now)
	rec.SetEvents(events.NewPublisher(nil, sink))
	return &fixture{rec: rec, gw: gw, store: store, stub: stub, clock: clock, sink: sink}
}

func (f *fixture) stored(t *testing.T, id string) types.RunState {
	t.Helper()
	st, err := f.store.GetRunState(context.Background(), id)
	require.NoError(t, err)
	return *st
}

func ptr(t time.Time) *time.Time { return &t }

func TestSweep_CompletesUnwatchedRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	st, err := f.gw.Trigger(ctx, "c1", types.Identity{UserID: "u1"}, false)
	require.NoError(t, err)

	f.clock.Advance(11 * time.Second)
	res, err := f.rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Scanned)
	assert.Equal(t, 1, res.Refreshed)
	assert.Zero(t, res.Settled, "result is held before cooldown")

	saved := f.stored(t, "c1")
	assert.Equal(t, types.RunSuccess, saved.Status)
	assert.Equal(t, st.RunID, saved.RunID)
	require.NotNil(t, saved.JobCount)
	assert.Equal(t, 9, *saved.JobCount)
}

func TestSweep_SettlesTerminalIntoCooldown(t *testing.T) {
	f := newFixture(t)
	jobs := 2
	f.store.Put(types.RunState{
		CampaignID:    "c1",
		Status:        types.RunSuccess,
		RunID:         "r1",
		CompletedAt:   ptr(t0.Add(-3 * time.Minute)),
		CooldownUntil: ptr(t0.Add(7 * time.Minute)),
		JobCount:      &jobs,
		Version:       4,
	})

	res, err := f.rec.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Settled)
	saved := f.stored(t, "c1")
	assert.Equal(t, types.RunCooldown, saved.Status)
	assert.Equal(t, 5, saved.Version)
	assert.Equal(t, []types.EventKind{types.EventRunCooldown}, f.sink.kinds())

	f.clock.Advance(8 * time.Minute)
	res, err = f.rec.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Settled)
	assert.Equal(t, types.RunIdle, f.stored(t, "c1").Status)
	assert.Equal(t, []types.EventKind{types.EventRunCooldown, types.EventRunIdle}, f.sink.kinds())
}

func TestSweep_HoldsRecentResult(t *testing.T) {
	f := newFixture(t)
	f.store.Put(types.RunState{
		CampaignID:    "c1",
		Status:        types.RunFailed,
		RunID:         "r1",
		CompletedAt:   ptr(t0.Add(-30 * time.Second)),
		CooldownUntil: ptr(t0.Add(9 * time.Minute)),
		ErrorMessage:  "scraper quota exceeded",
		Version:       2,
	})

	res, err := f.rec.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Settled)
	assert.Equal(t, types.RunFailed, f.stored(t, "c1").Status)
}

func TestSweep_RevertsStaleClaim(t *testing.T) {
	f := newFixture(t)
	f.store.Put(types.RunState{
		CampaignID:     "c1",
		Status:         types.RunPending,
		TriggeredAt:    ptr(t0.Add(-2 * time.Minute)),
		ClaimExpiresAt: ptr(t0.Add(-time.Minute)),
		Version:        7,
	})

	res, err := f.rec.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Settled)
	saved := f.stored(t, "c1")
	assert.Equal(t, types.RunIdle, saved.Status)
	assert.Nil(t, saved.TriggeredAt)
	assert.Nil(t, saved.ClaimExpiresAt)
	assert.Equal(t, []types.EventKind{types.EventRunReleased}, f.sink.kinds())
	assert.Zero(t, f.stub.Starts())
}

func TestSweep_LeavesLiveClaimAlone(t *testing.T) {
	f := newFixture(t)
	f.store.Put(types.RunState{
		CampaignID:     "c1",
		Status:         types.RunPending,
		TriggeredAt:    ptr(t0),
		ClaimExpiresAt: ptr(t0.Add(45 * time.Second)),
		Version:        1,
	})

	res, err := f.rec.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Settled)
	assert.Equal(t, types.RunPending, f.stored(t, "c1").Status)
}

func TestSweep_RefreshErrorCounted(t *testing.T) {
	f := newFixture(t)
	_, err := f.gw.Trigger(context.Background(), "c1", types.Identity{UserID: "u1"}, false)
	require.NoError(t, err)
	f.stub.SetStatusError(errors.New("airflow 502"))

	res, err := f.rec.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, types.RunPending, f.stored(t, "c1").Status)
}

func TestSweep_SkipsWhenLocked(t *testing.T) {
	f := newFixture(t)
	ok, err := f.store.AcquireLock(context.Background(), "reconcile", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := f.rec.Sweep(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	f.store.Put(types.RunState{
		CampaignID:    "c1",
		Status:        types.RunCooldown,
		CooldownUntil: ptr(t0.Add(-time.Second)),
		Version:       3,
	})

	f.rec.Start(context.Background())
	testutil.WaitForRunStatus(t, f.store, "c1", types.RunIdle, 2*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	f.rec.Stop(ctx)
}

func TestNewConfig(t *testing.T) {
	cfg, err := reconciler.NewConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, reconciler.DefaultInterval, cfg.Interval)
	assert.Equal(t, reconciler.DefaultResultHold, cfg.ResultHold)

	cfg, err = reconciler.NewConfig(&types.ReconcilerConfig{Interval: "1m", ResultHold: "0s", MaxChecksPerSecond: 5, BatchSize: 10})
	require.NoError(t, err)
	assert.Equal(t, time.Minute, cfg.Interval)
	assert.Zero(t, cfg.ResultHold)
	assert.Equal(t, 5.0, cfg.MaxChecksPerSecond)
	assert.Equal(t, 10, cfg.BatchSize)

	_, err = reconciler.NewConfig(&types.ReconcilerConfig{Interval: "0s"})
	assert.Error(t, err)
	_, err = reconciler.NewConfig(&types.ReconcilerConfig{ResultHold: "later"})
	assert.Error(t, err)
}

func TestSweep_PagesPastBatchSize(t *testing.T) {
	f := newFixture(t)
	ids := []string{"c1", "c2", "c3", "c4", "c5"}
	for _, id := range ids {
		f.store.Put(types.RunState{
			CampaignID:    id,
			Status:        types.RunCooldown,
			RunID:         "r-" + id,
			CompletedAt:   ptr(t0.Add(-20 * time.Minute)),
			CooldownUntil: ptr(t0.Add(-10 * time.Minute)),
			Version:       3,
		})
	}
	rec := reconciler.New(f.store, f.gw, nil, reconciler.Config{
		Interval:           20 * time.Millisecond,
		ResultHold:         2 * time.Minute,
		MaxChecksPerSecond: 1000,
		BatchSize:          2,
	})
	rec.SetClock(f.clock.Now)

	res, err := rec.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, res.Scanned)
	assert.Equal(t, 3, res.Pages)
	assert.Equal(t, 5, res.Settled)
	for _, id := range ids {
		assert.Equal(t, types.RunIdle, f.stored(t, id).Status, id)
	}
}
