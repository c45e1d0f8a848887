package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trademaven/algoengine/internal/models"
)

func TestRunnerDeployAndStop(t *testing.T) {
	env := newTestEnv(t, testChain(), 45000)
	r, err := NewRunner(env.deps)
	require.NoError(t, err)

	rec := models.DeploymentRecord{
		UserParams:   []models.UserParams{{User: "ravi", Broker: "dummy", Quantity: 30}},
		NoOfStrategy: 1,
	}
	spec := Spec{Kind: KindStraddle}

	ctx := context.Background()
	require.NoError(t, r.Deploy(ctx, "st-1", spec, rec))
	assert.Error(t, r.Deploy(ctx, "st-1", spec, rec), "duplicate id must be refused")
	assert.Contains(t, r.Running(), "st-1")
	assert.True(t, env.reg.Running("st-1"))

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, r.Stop(stopCtx, "st-1"))
	assert.False(t, env.reg.Running("st-1"))
	assert.Empty(t, r.Running())
}

func TestRunnerStopUnknown(t *testing.T) {
	env := newTestEnv(t, testChain(), 45000)
	r, err := NewRunner(env.deps)
	require.NoError(t, err)
	assert.Error(t, r.Stop(context.Background(), "missing"))
}

func TestRunnerTypedAccessors(t *testing.T) {
	env := newTestEnv(t, testChain(), 45000)
	r, err := NewRunner(env.deps)
	require.NoError(t, err)

	rec := models.DeploymentRecord{
		UserParams:   []models.UserParams{{User: "ravi", Broker: "dummy", Quantity: 30}},
		NoOfStrategy: 1,
	}
	ctx := context.Background()
	require.NoError(t, r.Deploy(ctx, "st-1", Spec{Kind: KindStraddle}, rec))
	defer func() {
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		r.StopAll(stopCtx)
	}()

	st, err := r.Straddle("st-1")
	require.NoError(t, err)
	assert.Equal(t, KindStraddle, st.Kind())

	_, err = r.DeltaShift("st-1")
	assert.Error(t, err)
	_, err = r.Straddle("missing")
	assert.Error(t, err)
}
