package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trademaven/algoengine/internal/strategy"
)

const validYAML = `
environment:
  mode: paper
  log_level: info
  timezone: Asia/Kolkata
engine:
  instrument: BANKNIFTY
  journal_path: orders.db
schedule:
  entry_time: "09:15:10"
  exit_time: "15:25:59"
  oneside_check_time: "15:10:00"
  expiry_check_time: "14:45:00"
server:
  addr: ":8080"
  enable_metrics: true
deployments:
  - id: ds-1
    kind: delta_shift
    users:
      - user: ravi
        broker: dummy
        quantity: 30
    delta_shift:
      multiplier: 1.0
      sleep_time: 10s
      entered: true
      manual_legs:
        0: {ce_strike: 45300, pe_strike: 44700}
      indexes:
        - day_wise:
            2: {change: -3, reentry_oi: 2, less_than: 1}
          one_side_without_check_exit: [2]
  - id: st-1
    kind: straddle
    users:
      - user: asha
        broker: dummy
        quantity: 15
    straddle:
      sleep_time: 5s
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.True(t, cfg.IsPaperTrading())
	assert.Equal(t, "BANKNIFTY", cfg.Engine.Instrument)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	require.Len(t, cfg.Deployments, 2)

	d := cfg.Deployments[0]
	spec, err := d.Spec(cfg.Schedule)
	require.NoError(t, err)
	assert.Equal(t, strategy.KindDeltaShift, spec.Kind)
	require.NotNil(t, spec.DeltaShift)
	assert.Equal(t, 10*time.Second, spec.DeltaShift.SleepTime)
	assert.Equal(t, strategy.DayTime{Hour: 15, Minute: 25, Second: 59}, spec.DeltaShift.ExitTime)
	require.Len(t, spec.DeltaShift.Indexes, 1)
	assert.Equal(t, -3.0, spec.DeltaShift.Indexes[0].DayWise[2].Change)
	assert.True(t, spec.DeltaShift.Entered)
	assert.Equal(t, 45300.0, spec.DeltaShift.ManualLegs[0].CEStrike)

	rec := d.Record()
	require.Len(t, rec.UserParams, 1)
	assert.Equal(t, "ravi", rec.UserParams[0].User)
	assert.Equal(t, 1, rec.NoOfStrategy)

	spec, err = cfg.Deployments[1].Spec(cfg.Schedule)
	require.NoError(t, err)
	assert.Equal(t, strategy.KindStraddle, spec.Kind)
	assert.Equal(t, 5*time.Second, spec.Straddle.SleepTime)
}

func TestLoadRejectsBadMode(t *testing.T) {
	_, err := Load(writeConfig(t, `
environment:
  mode: backtest
`))
	assert.ErrorContains(t, err, "environment.mode")
}

func TestLoadRejectsUnknownKind(t *testing.T) {
	_, err := Load(writeConfig(t, `
environment:
  mode: paper
deployments:
  - id: x-1
    kind: ironfly
    users:
      - user: ravi
        quantity: 30
`))
	assert.ErrorContains(t, err, "strategy kind")
}

func TestLoadRejectsDeploymentWithoutUsers(t *testing.T) {
	_, err := Load(writeConfig(t, `
environment:
  mode: paper
deployments:
  - id: x-1
    kind: straddle
    users: []
`))
	assert.ErrorContains(t, err, "at least one user")
}

func TestLoadRejectsMissingDayWise(t *testing.T) {
	_, err := Load(writeConfig(t, `
environment:
  mode: paper
deployments:
  - id: x-1
    kind: delta_shift
    users:
      - user: ravi
        quantity: 30
    delta_shift:
      indexes:
        - one_side_without_check_exit: [2]
`))
	assert.ErrorContains(t, err, "day_wise")
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := Load(writeConfig(t, `
environment:
  mode: paper
  max_loss: 100
`))
	assert.Error(t, err)
}

func TestLiveModeNeedsCredentials(t *testing.T) {
	_, err := Load(writeConfig(t, `
environment:
  mode: live
`))
	assert.ErrorContains(t, err, "credentials_file")
}

func TestParseDayTime(t *testing.T) {
	dt, err := ParseDayTime("15:25:59")
	require.NoError(t, err)
	assert.Equal(t, strategy.DayTime{Hour: 15, Minute: 25, Second: 59}, dt)

	_, err = ParseDayTime("25:00:00")
	assert.Error(t, err)
}
