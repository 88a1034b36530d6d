package strategy

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/quantfold/impulsebot/internal/config"
	"github.com/quantfold/impulsebot/internal/feature"
)

// Transition records one state change for event reporting.
type Transition struct {
	From   State
	To     State
	Reason string
}

// Machine is the per-symbol signal state machine. One instance owns a
// symbol's lifecycle; it is driven on the symbol's pipeline goroutine and is
// not safe for concurrent use.
//
// A cycle runs BUILDUP -> IMPULSE -> CLIMAX -> EXHAUSTION -> REBALANCE and
// emits exactly one Signal, on the EXHAUSTION -> REBALANCE transition.
// Re-entry requires passing back through BUILDUP, which is what prevents
// re-triggering on the same impulse.
type Machine struct {
	symbol     string
	state      State
	cycleStart time.Time
	impulseDir int // +1 up impulse, -1 down
	path       []State
	prevDisp   float64
	lowLiq     bool

	// Threshold-normalized feature readings captured as each gate crosses,
	// combined into the confidence score at emission.
	normDisp float64
	normRate float64
	normZ    float64
	normExh  float64
}

func NewMachine(symbol string) *Machine {
	return &Machine{symbol: symbol, state: StateBuildup, path: []State{StateBuildup}}
}

func (m *Machine) State() State { return m.state }

// Reset forces the machine back to BUILDUP (stale feed, time stop).
func (m *Machine) Reset(reason string) *Transition {
	if m.state == StateBuildup {
		return nil
	}
	tr := &Transition{From: m.state, To: StateBuildup, Reason: reason}
	m.toBuildup()
	return tr
}

func (m *Machine) toBuildup() {
	m.state = StateBuildup
	m.path = []State{StateBuildup}
	m.impulseDir = 0
	m.lowLiq = false
	m.normDisp, m.normRate, m.normZ, m.normExh = 0, 0, 0, 0
}

func (m *Machine) enter(s State, now time.Time) Transition {
	tr := Transition{From: m.state, To: s}
	m.state = s
	m.path = append(m.path, s)
	if s == StateImpulse {
		m.cycleStart = now
	}
	return tr
}

// Evaluate consumes one feature snapshot and returns the emitted signal (if
// any) plus the transitions taken. At most one Signal per cycle is possible.
func (m *Machine) Evaluate(fs feature.Snapshot, cfg config.Strategy, now time.Time) (*Signal, []Transition) {
	var trs []Transition

	if m.state != StateBuildup {
		stop := time.Duration(cfg.HardTimeStopSeconds) * time.Second
		if now.Sub(m.cycleStart) > stop {
			if tr := m.Reset("hard_time_stop"); tr != nil {
				trs = append(trs, *tr)
			}
			m.prevDisp = fs.DisplacementPct
			return nil, trs
		}
	}

	if fs.LowLiquidity {
		m.lowLiq = true
	}

	var sig *Signal
	switch m.state {
	case StateBuildup:
		if math.Abs(fs.DisplacementPct) >= cfg.ImpulseThresholdPct {
			if fs.DisplacementPct > 0 {
				m.impulseDir = 1
			} else {
				m.impulseDir = -1
			}
			m.normDisp = norm(math.Abs(fs.DisplacementPct), cfg.ImpulseThresholdPct)
			trs = append(trs, m.enter(StateImpulse, now))
		}

	case StateImpulse:
		sameDir := float64(m.impulseDir)*fs.DisplacementPct > 0
		if sameDir && fs.TradeRateRatio >= cfg.TradeRateBurst && fs.VolumeZScore >= cfg.VolumeZThreshold {
			m.normRate = norm(fs.TradeRateRatio, cfg.TradeRateBurst)
			m.normZ = norm(fs.VolumeZScore, cfg.VolumeZThreshold)
			trs = append(trs, m.enter(StateClimax, now))
		}

	case StateClimax:
		if fs.ExhaustionRatio >= cfg.ExhaustionRatioThreshold && !m.regimeContradicts(fs, cfg) {
			m.normExh = norm(fs.ExhaustionRatio, cfg.ExhaustionRatioThreshold)
			trs = append(trs, m.enter(StateExhaustion, now))
		}

	case StateExhaustion:
		// First structural confirmation: displacement pulls back against
		// the impulse direction.
		if float64(m.impulseDir)*(fs.DisplacementPct-m.prevDisp) < 0 {
			trs = append(trs, m.enter(StateRebalance, now))
			sig = m.emit(fs, cfg, now)
		}

	case StateRebalance:
		if math.Abs(fs.DisplacementPct) < cfg.ImpulseThresholdPct*cfg.RebalanceQuietPct {
			trs = append(trs, Transition{From: StateRebalance, To: StateBuildup, Reason: "cycle_complete"})
			m.toBuildup()
		}
	}

	m.prevDisp = fs.DisplacementPct
	return sig, trs
}

// regimeContradicts suppresses counter-trend exhaustion signals: when the
// broader trend still pushes hard in the impulse direction, a reversal
// signal is not allowed to form.
func (m *Machine) regimeContradicts(fs feature.Snapshot, cfg config.Strategy) bool {
	if !cfg.RegimeFilterEnabled {
		return false
	}
	return float64(m.impulseDir)*fs.TrendStrengthPct > cfg.TrendStrengthThreshold
}

// Confirmation thresholds applied at emission. They only nudge confidence;
// the threshold gates on the state path decide whether a signal exists at
// all.
const (
	flowFlipMin     = 0.2   // net taker flow running against the impulse
	flowFlipBonus   = 0.1
	climaxWickMin   = 0.004 // 10s high-low range as a fraction of price
	climaxWickBonus = 0.05
	spreadStretched = 2.0 // spread at 2x its rolling baseline
	spreadPenalty   = 0.1
)

func (m *Machine) emit(fs feature.Snapshot, cfg config.Strategy, now time.Time) *Signal {
	side := SideSell
	if m.impulseDir < 0 {
		side = SideBuy
	}

	w := cfg.ConfidenceWeights
	total := w.Displacement + w.VolumeZ + w.TradeRate + w.Exhaustion
	confidence := 0.0
	if total > 0 {
		confidence = (w.Displacement*m.normDisp + w.VolumeZ*m.normZ +
			w.TradeRate*m.normRate + w.Exhaustion*m.normExh) / total
	}

	reasons := []string{
		ReasonImpulseThreshold,
		ReasonTradeRateBurst,
		ReasonVolumeZ,
		ReasonExhaustionThreshold,
		ReasonStructureConfirmed,
	}
	if cfg.RegimeFilterEnabled {
		reasons = append(reasons, ReasonRegimeAligned)
	}
	if float64(m.impulseDir)*fs.Imbalance < -flowFlipMin {
		confidence += flowFlipBonus
		reasons = append(reasons, ReasonFlowReversal)
	}
	if fs.WickProxy >= climaxWickMin {
		confidence += climaxWickBonus
		reasons = append(reasons, ReasonClimaxWick)
	}
	if fs.SpreadNorm > spreadStretched {
		confidence -= spreadPenalty
		reasons = append(reasons, ReasonSpreadStretched)
	}
	confidence = math.Min(math.Max(confidence, 0), 1)
	if m.lowLiq {
		reasons = append(reasons, ReasonLowLiquidity)
	}

	path := make([]State, len(m.path))
	copy(path, m.path)

	return &Signal{
		ID:          uuid.NewString(),
		Symbol:      m.symbol,
		TS:          now,
		StatePath:   path,
		Side:        side,
		Confidence:  confidence,
		ReasonCodes: reasons,
	}
}

// norm maps a reading against its threshold into [0,1]: 0 at the threshold,
// 1 at twice the threshold.
func norm(value, threshold float64) float64 {
	if threshold <= 0 {
		return 0
	}
	n := value/threshold - 1
	return math.Min(math.Max(n, 0), 1)
}
