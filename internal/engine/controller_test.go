package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quantfold/impulsebot/internal/bus"
	"github.com/quantfold/impulsebot/internal/config"
	"github.com/quantfold/impulsebot/internal/execution"
	"github.com/quantfold/impulsebot/internal/feed"
	"github.com/quantfold/impulsebot/internal/position"
	"github.com/quantfold/impulsebot/internal/snapshot"
)

func testRoot() config.Root {
	return config.Root{
		Mode:    "DEMO",
		Symbols: []string{"BTCUSDT"},
		Feed: config.Feed{
			Source: "sim", StaleSeconds: 5,
			ReconnectBaseMs: 10, ReconnectMaxMs: 100, ReconnectJitterMs: 10,
		},
		Strategy: config.Strategy{
			ImpulseThresholdPct: 2.0, ImpulseWindowSeconds: 60,
			VolumeZThreshold: 3.0, TradeRateBurst: 3.0,
			ExhaustionRatioThreshold: 0.8, HardTimeStopSeconds: 90,
			RebalanceQuietPct: 0.5,
			ConfidenceWeights: config.ConfidenceWeights{Displacement: 0.3, VolumeZ: 0.25, TradeRate: 0.2, Exhaustion: 0.25},
		},
		Risk: config.Risk{
			Equity: 100000, MaxDailyLossPct: 2, MaxAccountExposure: 50000,
			MaxExposurePerSymbol: 20000, MaxPositions: 5, MaxPositionsPerSymbol: 1,
			MaxTradeRiskPct: 0.5, MaxNotionalPerTrade: 10000,
		},
		Execution: config.Execution{
			MaxRetryAttempts: 3, BackoffBaseMs: 1, BackoffMaxMs: 4,
			FeeBps: 4, DedupeWindowSecs: 90,
			Default:          config.Instrument{LotSize: 0.001, TickSize: 0.01},
		},
	}
}

// feedSim emits nothing and blocks until shutdown.
type feedSim struct{}

func (f *feedSim) Name() string { return "quiet" }

func (f *feedSim) Run(ctx context.Context, _ chan<- feed.Tick) error {
	<-ctx.Done()
	return nil
}

func newTestController(t *testing.T, cfg config.Root) *Controller {
	t.Helper()
	src := &feedSim{}
	return NewController(cfg, src, execution.NewPaperGateway(4, 1), bus.New())
}

func TestStartStopLifecycle(t *testing.T) {
	c := newTestController(t, testRoot())
	require.NoError(t, c.Start(context.Background()))
	require.Error(t, c.Start(context.Background()), "double start must be rejected")
	require.Equal(t, RunStateRunning, c.Status().RunState)
	c.Stop()
	require.Equal(t, RunStateStopped, c.Status().RunState)
}

func TestPauseResume(t *testing.T) {
	c := newTestController(t, testRoot())
	c.Pause()
	require.Equal(t, RunStatePaused, c.Status().RunState)
	require.True(t, c.gate.Snapshot().EntriesPaused)
	c.Resume()
	require.Equal(t, RunStateRunning, c.Status().RunState)
	require.False(t, c.gate.Snapshot().EntriesPaused)
}

func TestKillFlattensAndBlocks(t *testing.T) {
	c := newTestController(t, testRoot())
	c.exec.Book().Apply(position.Fill{Symbol: "BTCUSDT", Side: "BUY", Qty: 0.1, Price: 64000, TS: time.Now()})

	c.Kill(context.Background())
	require.Equal(t, RunStateKilled, c.Status().RunState)
	require.True(t, c.Status().Risk.KillSwitchEngaged)
	require.Empty(t, c.Status().Positions)

	// Resume must not clear a kill switch.
	c.Resume()
	require.Equal(t, RunStateKilled, c.Status().RunState)

	c.ReleaseKill()
	require.Equal(t, RunStatePaused, c.Status().RunState)
	require.False(t, c.Status().Risk.KillSwitchEngaged)
}

func TestSettingsPatchTakesEffectWithoutRestart(t *testing.T) {
	c := newTestController(t, testRoot())
	before := c.Config()
	require.InDelta(t, 2.0, before.Strategy.ImpulseThresholdPct, 1e-9)

	version, err := c.ApplySettings([]byte(`{"strategy": {"impulse_threshold_pct": 3.5}}`))
	require.NoError(t, err)
	require.Equal(t, before.Version+1, version)
	require.InDelta(t, 3.5, c.Config().Strategy.ImpulseThresholdPct, 1e-9)

	// A bad patch leaves the live config untouched.
	_, err = c.ApplySettings([]byte(`{"risk": {"max_daily_loss_pct": -5}}`))
	require.Error(t, err)
	require.InDelta(t, 3.5, c.Config().Strategy.ImpulseThresholdPct, 1e-9)
}

func TestApplyPreset(t *testing.T) {
	c := newTestController(t, testRoot())
	_, err := c.ApplyPreset("SAFE")
	require.NoError(t, err)
	_, err = c.ApplyPreset("NOPE")
	require.Error(t, err)
}

func TestRestoreFromSnapshot(t *testing.T) {
	c := newTestController(t, testRoot())
	c.Restore(snapshot.Persisted{
		Positions: []position.Position{{Symbol: "BTCUSDT", Qty: -0.2, EntryPrice: 64000, OpenedAt: time.Now()}},
	})
	pos, ok := c.exec.Book().Get("BTCUSDT")
	require.True(t, ok)
	require.InDelta(t, -0.2, pos.Qty, 1e-9)
	require.Equal(t, 1, c.gate.Snapshot().OpenPositions)
	// Restore is not a fresh entry, so no cooldown is imposed.
	require.Empty(t, c.gate.Snapshot().CooldownUntil)
}
