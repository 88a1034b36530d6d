package risk

import (
	"math"
	"sync"
	"time"

	"github.com/quantfold/impulsebot/internal/config"
	"github.com/quantfold/impulsebot/internal/observ"
	"github.com/quantfold/impulsebot/internal/strategy"
)

// Outcome of a risk decision.
type Outcome string

const (
	OutcomeAccept Outcome = "ACCEPT"
	OutcomeBlock  Outcome = "BLOCK"
)

// Blocked reasons, in evaluation order. The first failing check wins.
const (
	BlockKillSwitch         = "KILL_SWITCH"
	BlockEntriesPaused      = "ENTRIES_PAUSED"
	BlockStaleFeed          = "STALE_FEED"
	BlockDailyLossLimit     = "DAILY_LOSS_LIMIT"
	BlockAccountExposure    = "ACCOUNT_EXPOSURE_LIMIT"
	BlockSymbolExposure     = "SYMBOL_EXPOSURE_LIMIT"
	BlockMaxPositions       = "MAX_POSITIONS"
	BlockMaxSymbolPositions = "MAX_POSITIONS_PER_SYMBOL"
	BlockCooldown           = "COOLDOWN_ACTIVE"
	BlockConsecutiveLosses  = "CONSECUTIVE_LOSSES"
)

// Decision is the single, final answer for one signal.
type Decision struct {
	SignalID      string  `json:"signal_id"`
	Outcome       Outcome `json:"outcome"`
	BlockedReason string  `json:"blocked_reason,omitempty"`
	Notional      float64 `json:"notional,omitempty"`
}

// State is the read-only view of the gate exposed to external consumers.
type State struct {
	Equity                float64            `json:"equity"`
	DailyPnL              float64            `json:"daily_pnl"`
	OpenPositions         int                `json:"open_positions"`
	OpenPositionsBySymbol map[string]int     `json:"open_positions_by_symbol"`
	ExposureBySymbol      map[string]float64 `json:"exposure_by_symbol"`
	ReservedExposure      float64            `json:"reserved_exposure"`
	ConsecutiveLosses     int                `json:"consecutive_losses"`
	CooldownUntil         map[string]string  `json:"cooldown_until"`
	VolBlockedUntil       string             `json:"vol_blocked_until,omitempty"`
	KillSwitchEngaged     bool               `json:"kill_switch_engaged"`
	EntriesPaused         bool               `json:"entries_paused"`
	StaleSymbols          []string           `json:"stale_symbols"`
}

type reservation struct {
	symbol   string
	notional float64
}

// Gate is the account-wide risk evaluator. It is the single source of truth
// for exposure checks: every symbol task funnels through the one mutex so
// cross-symbol limits are always evaluated against a consistent view.
type Gate struct {
	mu sync.Mutex

	equity            float64
	realizedPnL       float64
	unrealizedPnL     float64
	openPositions     int
	positionsBySymbol map[string]int
	exposureBySymbol  map[string]float64
	reservations      map[string]reservation
	consecutiveLosses int
	cooldownUntil     map[string]time.Time
	volBlockedUntil   time.Time
	killSwitch        bool
	paused            bool
	stale             map[string]bool

	now func() time.Time
}

// NewGate builds a gate seeded with the configured starting equity.
func NewGate(equity float64) *Gate {
	return &Gate{
		equity:            equity,
		positionsBySymbol: make(map[string]int),
		exposureBySymbol:  make(map[string]float64),
		reservations:      make(map[string]reservation),
		cooldownUntil:     make(map[string]time.Time),
		stale:             make(map[string]bool),
		now:               time.Now,
	}
}

// Decide runs the ordered checks and, on ACCEPT, atomically reserves the
// notional so concurrent decisions on other symbols cannot both fit into the
// last sliver of an exposure limit. The reservation is released on terminal
// execution failure and committed on fill.
func (g *Gate) Decide(sig strategy.Signal, notional float64, cfg config.Risk) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()

	block := func(reason string) Decision {
		observ.RiskBlocksTotal.WithLabelValues(reason).Inc()
		return Decision{SignalID: sig.ID, Outcome: OutcomeBlock, BlockedReason: reason}
	}

	if g.killSwitch {
		return block(BlockKillSwitch)
	}
	if g.paused {
		return block(BlockEntriesPaused)
	}
	if g.stale[sig.Symbol] {
		return block(BlockStaleFeed)
	}
	if g.dailyLossLocked() >= cfg.MaxDailyLossPct/100*g.equity {
		return block(BlockDailyLossLimit)
	}
	if g.totalExposureLocked()+notional > cfg.MaxAccountExposure {
		return block(BlockAccountExposure)
	}
	if g.symbolExposureLocked(sig.Symbol)+notional > cfg.MaxExposurePerSymbol {
		return block(BlockSymbolExposure)
	}
	if g.openPositions+len(g.reservations) >= cfg.MaxPositions {
		return block(BlockMaxPositions)
	}
	if g.positionsBySymbol[sig.Symbol] >= cfg.MaxPositionsPerSymbol {
		return block(BlockMaxSymbolPositions)
	}
	if until, ok := g.cooldownUntil[sig.Symbol]; ok && now.Before(until) {
		return block(BlockCooldown)
	}
	if now.Before(g.volBlockedUntil) {
		return block(BlockCooldown)
	}
	if g.consecutiveLosses >= cfg.MaxConsecutiveLosses {
		return block(BlockConsecutiveLosses)
	}

	g.reservations[sig.ID] = reservation{symbol: sig.Symbol, notional: notional}
	return Decision{SignalID: sig.ID, Outcome: OutcomeAccept, Notional: notional}
}

// dailyLossLocked is today's loss in currency units (0 when flat or up).
func (g *Gate) dailyLossLocked() float64 {
	pnl := g.realizedPnL + g.unrealizedPnL
	if pnl >= 0 {
		return 0
	}
	return -pnl
}

func (g *Gate) totalExposureLocked() float64 {
	total := 0.0
	for _, e := range g.exposureBySymbol {
		total += e
	}
	for _, r := range g.reservations {
		total += r.notional
	}
	return total
}

func (g *Gate) symbolExposureLocked(symbol string) float64 {
	total := g.exposureBySymbol[symbol]
	for _, r := range g.reservations {
		if r.symbol == symbol {
			total += r.notional
		}
	}
	return total
}

// Release drops the provisional reservation after a terminal execution
// failure (reject, retries exhausted, timeout).
func (g *Gate) Release(signalID string) {
	g.mu.Lock()
	delete(g.reservations, signalID)
	g.mu.Unlock()
}

// CommitFill converts a reservation into realized exposure once the
// authoritative position change arrives, and starts the entry cooldown.
func (g *Gate) CommitFill(signalID, symbol string, notional float64, cfg config.Risk) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.reservations, signalID)
	g.openPositions++
	g.positionsBySymbol[symbol]++
	g.exposureBySymbol[symbol] += math.Max(notional, 0)
	g.cooldownUntil[symbol] = g.now().Add(time.Duration(cfg.CooldownSeconds) * time.Second)
	observ.OpenPositions.Set(float64(g.openPositions))
}

// RestorePosition re-registers exposure for a position carried across a
// restart. Unlike CommitFill it starts no entry cooldown: the position was
// opened in a prior run, not by a fresh fill.
func (g *Gate) RestorePosition(symbol string, notional float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.openPositions++
	g.positionsBySymbol[symbol]++
	g.exposureBySymbol[symbol] += math.Max(notional, 0)
	observ.OpenPositions.Set(float64(g.openPositions))
}

// ApplyClose updates counters when a position flattens. A losing close
// extends the symbol cooldown and advances the consecutive-loss streak.
func (g *Gate) ApplyClose(symbol string, pnl, releasedNotional float64, cfg config.Risk) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.openPositions > 0 {
		g.openPositions--
	}
	if g.positionsBySymbol[symbol] > 0 {
		g.positionsBySymbol[symbol]--
	}
	g.exposureBySymbol[symbol] = math.Max(0, g.exposureBySymbol[symbol]-math.Max(releasedNotional, 0))
	g.realizedPnL += pnl
	if pnl < 0 {
		g.consecutiveLosses++
		g.cooldownUntil[symbol] = g.now().Add(time.Duration(cfg.LossCooldownSeconds) * time.Second)
	} else {
		g.consecutiveLosses = 0
	}
	observ.OpenPositions.Set(float64(g.openPositions))
	observ.DailyPnL.Set(g.realizedPnL + g.unrealizedPnL)
}

// UpdateUnrealized refreshes the mark-to-market component of the daily PnL.
func (g *Gate) UpdateUnrealized(pnl float64, cfg config.Risk) {
	g.mu.Lock()
	if cfg.IncludesUnrealized() {
		g.unrealizedPnL = pnl
	}
	observ.DailyPnL.Set(g.realizedPnL + g.unrealizedPnL)
	g.mu.Unlock()
}

// UpdateVolatility engages a volatility block when the short-horizon
// realized vol breaches the configured threshold. Returns true on a new
// engagement.
func (g *Gate) UpdateVolatility(vol10s float64, cfg config.Risk) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if vol10s <= cfg.Vol10sThreshold {
		return false
	}
	until := g.now().Add(time.Duration(cfg.VolCooldownSeconds) * time.Second)
	engaged := g.now().After(g.volBlockedUntil)
	g.volBlockedUntil = until
	return engaged
}

// SetStale is the liveness flag feed, one call per stale/restored
// transition.
func (g *Gate) SetStale(symbol string, stale bool) {
	g.mu.Lock()
	g.stale[symbol] = stale
	g.mu.Unlock()
}

// EngageKillSwitch blocks all new signals until explicitly released.
// Idempotent; independent of every other counter.
func (g *Gate) EngageKillSwitch() {
	g.mu.Lock()
	g.killSwitch = true
	g.mu.Unlock()
}

func (g *Gate) ReleaseKillSwitch() {
	g.mu.Lock()
	g.killSwitch = false
	g.mu.Unlock()
}

func (g *Gate) KillSwitchEngaged() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.killSwitch
}

// SetPaused blocks new entries without touching in-flight work.
func (g *Gate) SetPaused(paused bool) {
	g.mu.Lock()
	g.paused = paused
	g.mu.Unlock()
}

// PositionSize converts confidence and stop distance into an order
// notional, capped per trade.
func (g *Gate) PositionSize(confidence, stopDistancePct float64, cfg config.Risk) float64 {
	g.mu.Lock()
	equity := g.equity + g.realizedPnL
	g.mu.Unlock()

	riskBudget := equity * (cfg.MaxTradeRiskPct / 100) * math.Max(math.Min(confidence, 1), 0.1)
	size := riskBudget / math.Max(stopDistancePct/100, 1e-6)
	return math.Min(size, cfg.MaxNotionalPerTrade)
}

// Snapshot returns a consistent copy of the gate state.
func (g *Gate) Snapshot() State {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := State{
		Equity:                g.equity,
		DailyPnL:              g.realizedPnL + g.unrealizedPnL,
		OpenPositions:         g.openPositions,
		OpenPositionsBySymbol: make(map[string]int, len(g.positionsBySymbol)),
		ExposureBySymbol:      make(map[string]float64, len(g.exposureBySymbol)),
		ConsecutiveLosses:     g.consecutiveLosses,
		CooldownUntil:         make(map[string]string, len(g.cooldownUntil)),
		KillSwitchEngaged:     g.killSwitch,
		EntriesPaused:         g.paused,
	}
	for k, v := range g.positionsBySymbol {
		st.OpenPositionsBySymbol[k] = v
	}
	for k, v := range g.exposureBySymbol {
		st.ExposureBySymbol[k] = v
	}
	for _, r := range g.reservations {
		st.ReservedExposure += r.notional
	}
	now := g.now()
	for k, v := range g.cooldownUntil {
		if now.Before(v) {
			st.CooldownUntil[k] = v.UTC().Format(time.RFC3339)
		}
	}
	if now.Before(g.volBlockedUntil) {
		st.VolBlockedUntil = g.volBlockedUntil.UTC().Format(time.RFC3339)
	}
	for sym, stale := range g.stale {
		if stale {
			st.StaleSymbols = append(st.StaleSymbols, sym)
		}
	}
	return st
}
