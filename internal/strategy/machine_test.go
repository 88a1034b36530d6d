package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/impulsebot/internal/config"
	"github.com/quantfold/impulsebot/internal/feature"
)

func strategyConfig() config.Strategy {
	return config.Strategy{
		ImpulseThresholdPct:      2.0,
		ImpulseWindowSeconds:     60,
		VolumeZThreshold:         2.0,
		TradeRateBurst:           3.0,
		ExhaustionRatioThreshold: 0.8,
		HardTimeStopSeconds:      120,
		RegimeFilterEnabled:      true,
		TrendStrengthThreshold:   5.0,
		RebalanceQuietPct:        0.5,
		ConfidenceWeights:        config.ConfidenceWeights{Displacement: 0.3, VolumeZ: 0.25, TradeRate: 0.2, Exhaustion: 0.25},
	}
}

func snap(disp, rate, volZ, exhaustion float64) feature.Snapshot {
	return feature.Snapshot{
		Symbol:          "BTCUSDT",
		DisplacementPct: disp,
		TradeRateRatio:  rate,
		VolumeZScore:    volZ,
		ExhaustionRatio: exhaustion,
	}
}

// Mirrors the rising-impulse scenario: 2.1% displacement over a 2.0%
// threshold, 4x trade-rate burst, then exhaustion at 0.85 against a 0.8
// threshold with the regime filter not contradicting. Exactly one SELL
// signal results.
func TestFullCycleEmitsExactlyOneSellSignal(t *testing.T) {
	m := NewMachine("BTCUSDT")
	cfg := strategyConfig()
	now := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

	sig, trs := m.Evaluate(snap(2.1, 1.0, 0.5, 0.1), cfg, now)
	require.Nil(t, sig)
	require.Len(t, trs, 1)
	assert.Equal(t, StateImpulse, m.State())

	sig, _ = m.Evaluate(snap(2.3, 4.0, 2.5, 0.2), cfg, now.Add(time.Second))
	require.Nil(t, sig)
	assert.Equal(t, StateClimax, m.State())

	sig, _ = m.Evaluate(snap(2.4, 1.0, 0.5, 0.85), cfg, now.Add(2*time.Second))
	require.Nil(t, sig)
	assert.Equal(t, StateExhaustion, m.State())

	// First pullback tick confirms structure and emits the signal.
	sig, _ = m.Evaluate(snap(2.2, 0.5, 0.1, 0.9), cfg, now.Add(3*time.Second))
	require.NotNil(t, sig)
	assert.Equal(t, SideSell, sig.Side)
	assert.Equal(t, StateRebalance, m.State())
	assert.NotEmpty(t, sig.ID)
	assert.GreaterOrEqual(t, sig.Confidence, 0.0)
	assert.LessOrEqual(t, sig.Confidence, 1.0)
	assert.Contains(t, sig.ReasonCodes, ReasonExhaustionThreshold)
	assert.Contains(t, sig.ReasonCodes, ReasonStructureConfirmed)
	assert.Equal(t, []State{StateBuildup, StateImpulse, StateClimax, StateExhaustion, StateRebalance}, sig.StatePath)

	// Still in REBALANCE: no further signals until the cycle completes.
	sig, _ = m.Evaluate(snap(2.0, 0.5, 0.1, 0.9), cfg, now.Add(4*time.Second))
	assert.Nil(t, sig)

	// Quiet displacement closes the cycle.
	_, trs = m.Evaluate(snap(0.3, 0.5, 0.1, 0.2), cfg, now.Add(5*time.Second))
	require.Len(t, trs, 1)
	assert.Equal(t, StateBuildup, m.State())
}

func TestDownImpulseEmitsBuySignal(t *testing.T) {
	m := NewMachine("BTCUSDT")
	cfg := strategyConfig()
	now := time.Now()

	m.Evaluate(snap(-2.5, 1, 0, 0), cfg, now)
	m.Evaluate(snap(-2.6, 4, 2.5, 0.2), cfg, now.Add(time.Second))
	m.Evaluate(snap(-2.7, 1, 0, 0.9), cfg, now.Add(2*time.Second))
	sig, _ := m.Evaluate(snap(-2.4, 1, 0, 0.9), cfg, now.Add(3*time.Second))

	require.NotNil(t, sig)
	assert.Equal(t, SideBuy, sig.Side)
}

func TestNeverSkipsStates(t *testing.T) {
	m := NewMachine("BTCUSDT")
	cfg := strategyConfig()

	// Everything extreme at once still only advances one state per tick.
	extreme := snap(5.0, 10.0, 8.0, 0.95)
	_, trs := m.Evaluate(extreme, cfg, time.Now())
	require.Len(t, trs, 1)
	assert.Equal(t, StateImpulse, trs[0].To)
	assert.Equal(t, StateImpulse, m.State())
}

func TestHardTimeStopResetsToBuildup(t *testing.T) {
	m := NewMachine("BTCUSDT")
	cfg := strategyConfig()
	now := time.Now()

	m.Evaluate(snap(2.5, 1, 0, 0), cfg, now)
	require.Equal(t, StateImpulse, m.State())

	sig, trs := m.Evaluate(snap(2.5, 1, 0, 0), cfg, now.Add(121*time.Second))
	assert.Nil(t, sig)
	require.Len(t, trs, 1)
	assert.Equal(t, "hard_time_stop", trs[0].Reason)
	assert.Equal(t, StateBuildup, m.State())
}

func TestRegimeFilterSuppressesCounterTrendExhaustion(t *testing.T) {
	m := NewMachine("BTCUSDT")
	cfg := strategyConfig()
	now := time.Now()

	m.Evaluate(snap(2.5, 1, 0, 0), cfg, now)
	m.Evaluate(snap(2.6, 4, 2.5, 0.2), cfg, now.Add(time.Second))
	require.Equal(t, StateClimax, m.State())

	// Broader trend still strongly up: exhaustion must not complete.
	contra := snap(2.7, 1, 0, 0.9)
	contra.TrendStrengthPct = 8.0
	_, trs := m.Evaluate(contra, cfg, now.Add(2*time.Second))
	assert.Empty(t, trs)
	assert.Equal(t, StateClimax, m.State())

	// Once the trend cools, the transition goes through.
	calm := snap(2.7, 1, 0, 0.9)
	calm.TrendStrengthPct = 1.0
	_, trs = m.Evaluate(calm, cfg, now.Add(3*time.Second))
	require.Len(t, trs, 1)
	assert.Equal(t, StateExhaustion, m.State())
}

func TestStaleResetAbandonsCycle(t *testing.T) {
	m := NewMachine("BTCUSDT")
	cfg := strategyConfig()
	now := time.Now()

	m.Evaluate(snap(2.5, 1, 0, 0), cfg, now)
	tr := m.Reset("feed_stale")
	require.NotNil(t, tr)
	assert.Equal(t, StateBuildup, m.State())

	// Reset while already in BUILDUP is a no-op.
	assert.Nil(t, m.Reset("feed_stale"))
}

func runCycle(t *testing.T, final feature.Snapshot) *Signal {
	t.Helper()
	m := NewMachine("BTCUSDT")
	cfg := strategyConfig()
	now := time.Now()

	m.Evaluate(snap(2.5, 1, 0, 0), cfg, now)
	m.Evaluate(snap(2.6, 4, 2.5, 0.2), cfg, now.Add(time.Second))
	m.Evaluate(snap(2.7, 1, 0, 0.9), cfg, now.Add(2*time.Second))
	sig, _ := m.Evaluate(final, cfg, now.Add(3*time.Second))
	require.NotNil(t, sig)
	return sig
}

// Taker flow flipping against the impulse and a wide climax wick both raise
// confidence; a stretched spread lowers it. All three land as reason codes.
func TestConfirmationAdjustsConfidence(t *testing.T) {
	base := runCycle(t, snap(2.4, 1, 0, 0.9))

	confirmed := snap(2.4, 1, 0, 0.9)
	confirmed.Imbalance = -0.4 // sellers took over after the up impulse
	confirmed.WickProxy = 0.006
	sig := runCycle(t, confirmed)
	assert.Greater(t, sig.Confidence, base.Confidence)
	assert.Contains(t, sig.ReasonCodes, ReasonFlowReversal)
	assert.Contains(t, sig.ReasonCodes, ReasonClimaxWick)

	stretched := snap(2.4, 1, 0, 0.9)
	stretched.SpreadNorm = 2.5
	sig = runCycle(t, stretched)
	assert.Less(t, sig.Confidence, base.Confidence)
	assert.Contains(t, sig.ReasonCodes, ReasonSpreadStretched)
}

func TestLowLiquidityReasonPropagates(t *testing.T) {
	m := NewMachine("BTCUSDT")
	cfg := strategyConfig()
	now := time.Now()

	impulse := snap(2.5, 1, 0, 0)
	impulse.LowLiquidity = true
	m.Evaluate(impulse, cfg, now)
	m.Evaluate(snap(2.6, 4, 2.5, 0.2), cfg, now.Add(time.Second))
	m.Evaluate(snap(2.7, 1, 0, 0.9), cfg, now.Add(2*time.Second))
	sig, _ := m.Evaluate(snap(2.4, 1, 0, 0.9), cfg, now.Add(3*time.Second))

	require.NotNil(t, sig)
	assert.Contains(t, sig.ReasonCodes, ReasonLowLiquidity)
}
