package orchestrator

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/dwsmith1983/runguard/pkg/types"
)

// StubAdapter is an in-process orchestrator for development and tests. Runs
// are queued for the first fifth of RunDuration, running until RunDuration
// elapses and then succeed with JobCount results, or fail with FailRate
// probability.
type StubAdapter struct {
	mu          sync.Mutex
	runs        map[string]*stubRun
	runDuration time.Duration
	jobCount    int
	failRate    float64
	now         func() time.Time

	startErr   error
	statusErr  error
	startDelay time.Duration
	starts     int
}

type stubRun struct {
	campaignID string
	startedAt  time.Time
	fail       bool
	forced     *types.OrchestratorStatus
}

// NewStub creates a stub adapter.
func NewStub(cfg types.StubConfig) (*StubAdapter, error) {
	d := 20 * time.Second
	if cfg.RunDuration != "" {
		parsed, err := time.ParseDuration(cfg.RunDuration)
		if err != nil {
			return nil, fmt.Errorf("stub adapter: invalid runDuration %q: %w", cfg.RunDuration, err)
		}
		d = parsed
	}
	return &StubAdapter{
		runs:        make(map[string]*stubRun),
		runDuration: d,
		jobCount:    cfg.JobCount,
		failRate:    cfg.FailRate,
		now:         time.Now,
	}, nil
}

// SetClock overrides the adapter's clock.
func (s *StubAdapter) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetStartError makes every StartRun return err until cleared with nil.
func (s *StubAdapter) SetStartError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startErr = err
}

// SetStatusError makes every GetRunStatus return err until cleared with nil.
func (s *StubAdapter) SetStatusError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusErr = err
}

// SetStartDelay makes StartRun block for d or until its context ends.
func (s *StubAdapter) SetStartDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startDelay = d
}

// Finish forces the reported status of runID.
func (s *StubAdapter) Finish(runID string, st types.OrchestratorStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runs[runID]; ok {
		r.forced = &st
	}
}

// Starts returns how many StartRun calls reached the adapter.
func (s *StubAdapter) Starts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts
}

// StartRun records a new run.
func (s *StubAdapter) StartRun(ctx context.Context, campaignID string) (string, error) {
	s.mu.Lock()
	s.starts++
	delay, startErr := s.startDelay, s.startErr
	s.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-t.C:
		}
	}
	if startErr != nil {
		return "", startErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id := ulid.Make().String()
	s.runs[id] = &stubRun{
		campaignID: campaignID,
		startedAt:  s.now(),
		fail:       s.failRate > 0 && rand.Float64() < s.failRate,
	}
	return id, nil
}

// GetRunStatus reports the simulated status of runID.
func (s *StubAdapter) GetRunStatus(ctx context.Context, runID string) (types.OrchestratorStatus, error) {
	if err := ctx.Err(); err != nil {
		return types.OrchestratorStatus{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.statusErr != nil {
		return types.OrchestratorStatus{}, s.statusErr
	}
	r, ok := s.runs[runID]
	if !ok {
		return types.OrchestratorStatus{}, fmt.Errorf("stub status %q: %w", runID, ErrUnknownRun)
	}
	if r.forced != nil {
		return *r.forced, nil
	}

	elapsed := s.now().Sub(r.startedAt)
	switch {
	case elapsed < s.runDuration/5:
		return types.OrchestratorStatus{State: types.OrchestratorQueued}, nil
	case elapsed < s.runDuration:
		return types.OrchestratorStatus{State: types.OrchestratorRunning}, nil
	case r.fail:
		return types.OrchestratorStatus{State: types.OrchestratorFailed, Error: "stub run failed"}, nil
	default:
		n := s.jobCount
		return types.OrchestratorStatus{State: types.OrchestratorSucceeded, JobCount: &n}, nil
	}
}
