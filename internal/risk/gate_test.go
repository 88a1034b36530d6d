package risk

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/impulsebot/internal/config"
	"github.com/quantfold/impulsebot/internal/strategy"
)

func riskConfig() config.Risk {
	return config.Risk{
		Equity:                10000,
		MaxDailyLossPct:       2,
		MaxAccountExposure:    2000,
		MaxExposurePerSymbol:  500,
		MaxPositions:          3,
		MaxPositionsPerSymbol: 1,
		CooldownSeconds:       45,
		LossCooldownSeconds:   90,
		MaxConsecutiveLosses:  4,
		Vol10sThreshold:       0.006,
		VolCooldownSeconds:    60,
		MaxTradeRiskPct:       0.5,
		MaxNotionalPerTrade:   250,
	}
}

func testSignal(id, symbol string) strategy.Signal {
	return strategy.Signal{ID: id, Symbol: symbol, Side: strategy.SideSell, Confidence: 0.7, TS: time.Now()}
}

func TestAcceptReservesExposure(t *testing.T) {
	g := NewGate(10000)
	cfg := riskConfig()

	d := g.Decide(testSignal("s1", "BTCUSDT"), 200, cfg)
	require.Equal(t, OutcomeAccept, d.Outcome)

	st := g.Snapshot()
	assert.Equal(t, 200.0, st.ReservedExposure)

	// A second signal for the same symbol hits the per-symbol cap.
	d = g.Decide(testSignal("s2", "BTCUSDT"), 400, cfg)
	require.Equal(t, OutcomeBlock, d.Outcome)
	assert.Equal(t, BlockSymbolExposure, d.BlockedReason)

	// Releasing the reservation frees the headroom again.
	g.Release("s1")
	d = g.Decide(testSignal("s3", "BTCUSDT"), 400, cfg)
	assert.Equal(t, OutcomeAccept, d.Outcome)
}

// Account equity 10,000 with daily PnL -210 against a 2% limit (200): every
// incoming signal is blocked with DAILY_LOSS_LIMIT.
func TestDailyLossLimitBlocks(t *testing.T) {
	g := NewGate(10000)
	cfg := riskConfig()

	g.UpdateUnrealized(-210, cfg)

	d := g.Decide(testSignal("s1", "BTCUSDT"), 100, cfg)
	require.Equal(t, OutcomeBlock, d.Outcome)
	assert.Equal(t, BlockDailyLossLimit, d.BlockedReason)
}

// Positions carried across a restart re-register exposure without starting
// the entry cooldown a fresh fill would.
func TestRestorePositionStartsNoCooldown(t *testing.T) {
	cfg := riskConfig()
	cfg.MaxPositionsPerSymbol = 3

	g := NewGate(10000)
	g.RestorePosition("BTCUSDT", 200)

	st := g.Snapshot()
	assert.Equal(t, 1, st.OpenPositions)
	assert.Empty(t, st.CooldownUntil)

	d := g.Decide(testSignal("s1", "BTCUSDT"), 100, cfg)
	require.Equal(t, OutcomeAccept, d.Outcome)

	// A fresh fill on the same symbol does start one.
	g.CommitFill("s1", "BTCUSDT", 100, cfg)
	d = g.Decide(testSignal("s2", "BTCUSDT"), 100, cfg)
	require.Equal(t, OutcomeBlock, d.Outcome)
	assert.Equal(t, BlockCooldown, d.BlockedReason)
}

// Open mark-to-market losses count toward the daily limit unless the
// operator explicitly opts out.
func TestUnrealizedLossesCountByDefault(t *testing.T) {
	g := NewGate(10000)
	cfg := riskConfig()

	g.UpdateUnrealized(-210, cfg)
	d := g.Decide(testSignal("s1", "BTCUSDT"), 100, cfg)
	require.Equal(t, OutcomeBlock, d.Outcome)
	assert.Equal(t, BlockDailyLossLimit, d.BlockedReason)

	off := false
	excl := riskConfig()
	excl.IncludeUnrealizedPnL = &off

	g2 := NewGate(10000)
	g2.UpdateUnrealized(-210, excl)
	d = g2.Decide(testSignal("s2", "BTCUSDT"), 100, excl)
	assert.Equal(t, OutcomeAccept, d.Outcome)
}

func TestKillSwitchBlocksEverythingUntilReleased(t *testing.T) {
	g := NewGate(10000)
	cfg := riskConfig()

	g.EngageKillSwitch()
	g.EngageKillSwitch() // idempotent

	for i := 0; i < 5; i++ {
		d := g.Decide(testSignal(fmt.Sprintf("s%d", i), "ETHUSDT"), 50, cfg)
		require.Equal(t, OutcomeBlock, d.Outcome)
		assert.Equal(t, BlockKillSwitch, d.BlockedReason)
	}

	g.ReleaseKillSwitch()
	d := g.Decide(testSignal("after", "ETHUSDT"), 50, cfg)
	assert.Equal(t, OutcomeAccept, d.Outcome)
}

func TestStaleFeedBlocksOnlyThatSymbol(t *testing.T) {
	g := NewGate(10000)
	cfg := riskConfig()

	g.SetStale("BTCUSDT", true)

	d := g.Decide(testSignal("s1", "BTCUSDT"), 100, cfg)
	require.Equal(t, OutcomeBlock, d.Outcome)
	assert.Equal(t, BlockStaleFeed, d.BlockedReason)

	d = g.Decide(testSignal("s2", "ETHUSDT"), 100, cfg)
	assert.Equal(t, OutcomeAccept, d.Outcome)

	g.SetStale("BTCUSDT", false)
	d = g.Decide(testSignal("s3", "BTCUSDT"), 100, cfg)
	assert.Equal(t, OutcomeAccept, d.Outcome)
}

func TestAccountExposureCountsReservations(t *testing.T) {
	g := NewGate(10000)
	cfg := riskConfig()
	cfg.MaxExposurePerSymbol = 2000
	cfg.MaxPositions = 10
	cfg.MaxPositionsPerSymbol = 10

	require.Equal(t, OutcomeAccept, g.Decide(testSignal("s1", "BTCUSDT"), 900, cfg).Outcome)
	require.Equal(t, OutcomeAccept, g.Decide(testSignal("s2", "ETHUSDT"), 900, cfg).Outcome)

	d := g.Decide(testSignal("s3", "SOLUSDT"), 300, cfg)
	require.Equal(t, OutcomeBlock, d.Outcome)
	assert.Equal(t, BlockAccountExposure, d.BlockedReason)
}

func TestLossStreakAndCooldown(t *testing.T) {
	g := NewGate(10000)
	cfg := riskConfig()
	now := time.Now()
	g.now = func() time.Time { return now }

	// Four losing closes in a row hit the streak cap.
	for i := 0; i < 4; i++ {
		sym := fmt.Sprintf("SYM%d", i)
		g.Decide(testSignal(fmt.Sprintf("s%d", i), sym), 100, cfg)
		g.CommitFill(fmt.Sprintf("s%d", i), sym, 100, cfg)
		g.ApplyClose(sym, -5, 100, cfg)
		now = now.Add(5 * time.Minute) // step past the loss cooldowns
	}

	d := g.Decide(testSignal("blocked", "NEWSYM"), 100, cfg)
	require.Equal(t, OutcomeBlock, d.Outcome)
	assert.Equal(t, BlockConsecutiveLosses, d.BlockedReason)

	// A winning close resets the streak.
	g.Decide(testSignal("w1", "WINSYM"), 100, config.Risk{
		MaxDailyLossPct: 99, MaxAccountExposure: 1e9, MaxExposurePerSymbol: 1e9,
		MaxPositions: 99, MaxPositionsPerSymbol: 99, MaxConsecutiveLosses: 99,
	})
	g.CommitFill("w1", "WINSYM", 100, cfg)
	g.ApplyClose("WINSYM", 50, 100, cfg)

	d = g.Decide(testSignal("after", "NEWSYM"), 100, cfg)
	assert.Equal(t, OutcomeAccept, d.Outcome)
}

func TestEntryCooldownBlocksReentry(t *testing.T) {
	g := NewGate(10000)
	cfg := riskConfig()
	now := time.Now()
	g.now = func() time.Time { return now }
	cfg.MaxPositionsPerSymbol = 2
	cfg.MaxExposurePerSymbol = 1000

	g.Decide(testSignal("s1", "BTCUSDT"), 100, cfg)
	g.CommitFill("s1", "BTCUSDT", 100, cfg)

	d := g.Decide(testSignal("s2", "BTCUSDT"), 100, cfg)
	require.Equal(t, OutcomeBlock, d.Outcome)
	assert.Equal(t, BlockCooldown, d.BlockedReason)

	now = now.Add(46 * time.Second)
	d = g.Decide(testSignal("s3", "BTCUSDT"), 100, cfg)
	assert.Equal(t, OutcomeAccept, d.Outcome)
}

func TestVolatilityBlock(t *testing.T) {
	g := NewGate(10000)
	cfg := riskConfig()
	now := time.Now()
	g.now = func() time.Time { return now }

	assert.False(t, g.UpdateVolatility(0.001, cfg))
	assert.True(t, g.UpdateVolatility(0.01, cfg))

	d := g.Decide(testSignal("s1", "BTCUSDT"), 100, cfg)
	require.Equal(t, OutcomeBlock, d.Outcome)
	assert.Equal(t, BlockCooldown, d.BlockedReason)

	now = now.Add(61 * time.Second)
	d = g.Decide(testSignal("s2", "BTCUSDT"), 100, cfg)
	assert.Equal(t, OutcomeAccept, d.Outcome)
}

func TestPausedBlocksEntries(t *testing.T) {
	g := NewGate(10000)
	cfg := riskConfig()

	g.SetPaused(true)
	d := g.Decide(testSignal("s1", "BTCUSDT"), 100, cfg)
	require.Equal(t, OutcomeBlock, d.Outcome)
	assert.Equal(t, BlockEntriesPaused, d.BlockedReason)

	g.SetPaused(false)
	assert.Equal(t, OutcomeAccept, g.Decide(testSignal("s2", "BTCUSDT"), 100, cfg).Outcome)
}

func TestPositionSizeRespectsCaps(t *testing.T) {
	g := NewGate(10000)
	cfg := riskConfig()

	size := g.PositionSize(1.0, 0.5, cfg)
	assert.Equal(t, cfg.MaxNotionalPerTrade, size) // budget 50 / 0.005 = 10k, capped

	small := g.PositionSize(0.1, 5, cfg)
	assert.InDelta(t, 100, small, 1)
}
