package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/runguard/pkg/types"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	stub, err := NewStub(types.StubConfig{})
	require.NoError(t, err)
	stub.SetStartError(errors.New("connection reset"))

	b := NewBreaker(stub, "test", 3, time.Minute, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := b.StartRun(ctx, "c1")
		require.Error(t, err)
		assert.NotErrorIs(t, err, gobreaker.ErrOpenState)
	}
	assert.Equal(t, "open", b.State())

	_, err = b.StartRun(ctx, "c1")
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, types.KindUpstreamUnavailable, Classify(err))
	assert.Equal(t, 3, stub.Starts(), "open breaker must not reach the adapter")
}

func TestBreakerIgnoresUnknownRun(t *testing.T) {
	stub, err := NewStub(types.StubConfig{})
	require.NoError(t, err)
	b := NewBreaker(stub, "test", 1, time.Minute, nil)

	for i := 0; i < 3; i++ {
		_, err := b.GetRunStatus(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrUnknownRun)
	}
	assert.Equal(t, "closed", b.State())
}

func TestNewFactory(t *testing.T) {
	a, err := New(context.Background(), &types.OrchestratorConfig{
		Type:    types.OrchestratorStub,
		Breaker: &types.BreakerConfig{MaxFailures: 2, OpenTimeout: "10s"},
	})
	require.NoError(t, err)
	_, ok := a.(*BreakerAdapter)
	assert.True(t, ok)

	_, err = New(context.Background(), &types.OrchestratorConfig{Type: "ftp"})
	assert.ErrorContains(t, err, "unknown orchestrator type")

	_, err = New(context.Background(), &types.OrchestratorConfig{Type: types.OrchestratorStepFunction, StepFunction: &types.StepFunctionConfig{StateMachineARN: smARN}}, WithSFNClient(&mockSFNClient{}))
	assert.NoError(t, err)
}
