package feature

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/impulsebot/internal/feed"
)

func tickAt(ts time.Time, price, size float64, id int64) feed.Tick {
	return feed.Tick{
		Symbol:    "BTCUSDT",
		TS:        ts,
		Price:     price,
		Size:      size,
		TradeID:   id,
		SpreadBps: 2,
		Depth:     100000,
	}
}

func TestDisplacementTracksImpulseWindow(t *testing.T) {
	w := NewWindow("BTCUSDT", 60)
	base := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

	var snap Snapshot
	price := 100.0
	for i := 0; i < 100; i++ {
		price *= 1.0003 // ~3% over 100 ticks
		snap = w.Observe(tickAt(base.Add(time.Duration(i)*200*time.Millisecond), price, 1, int64(i+1)))
	}

	assert.InDelta(t, 3.0, snap.DisplacementPct, 0.35)
	assert.Positive(t, snap.TrendStrengthPct)
}

func TestTradeRateRatioDetectsBurst(t *testing.T) {
	w := NewWindow("BTCUSDT", 60)
	base := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

	// Baseline: one tick per second for 60s.
	id := int64(0)
	for i := 0; i < 60; i++ {
		id++
		w.Observe(tickAt(base.Add(time.Duration(i)*time.Second), 100, 1, id))
	}
	// Burst: 20 ticks per second for 2s.
	var snap Snapshot
	burstStart := base.Add(60 * time.Second)
	for i := 0; i < 40; i++ {
		id++
		snap = w.Observe(tickAt(burstStart.Add(time.Duration(i)*50*time.Millisecond), 100, 1, id))
	}

	assert.Greater(t, snap.TradeRateRatio, 4.0)
}

func TestExhaustionRatioRisesWhenVelocityFades(t *testing.T) {
	w := NewWindow("BTCUSDT", 60)
	base := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

	id := int64(0)
	price := 100.0
	// Fast move establishes the peak velocity.
	for i := 0; i < 30; i++ {
		id++
		price += 0.2
		w.Observe(tickAt(base.Add(time.Duration(i)*100*time.Millisecond), price, 1, id))
	}
	// Then the move stalls.
	var snap Snapshot
	stall := base.Add(3 * time.Second)
	for i := 0; i < 30; i++ {
		id++
		price += 0.001
		snap = w.Observe(tickAt(stall.Add(time.Duration(i)*100*time.Millisecond), price, 1, id))
	}

	assert.Greater(t, snap.ExhaustionRatio, 0.8)
}

func TestZeroVolumeBaselineIsLowLiquidity(t *testing.T) {
	w := NewWindow("BTCUSDT", 60)
	base := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

	snap := w.Observe(tickAt(base, 100, 0, 1))
	require.True(t, snap.LowLiquidity)
	assert.Zero(t, snap.VolumeZScore)
}

func TestImbalanceReflectsTakerFlow(t *testing.T) {
	w := NewWindow("BTCUSDT", 60)
	base := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

	var snap Snapshot
	for i := 0; i < 20; i++ {
		tk := tickAt(base.Add(time.Duration(i)*100*time.Millisecond), 100, 1, int64(i+1))
		tk.BuyerMaker = false // aggressive buys
		snap = w.Observe(tk)
	}
	assert.InDelta(t, 1.0, snap.Imbalance, 1e-9)
}
