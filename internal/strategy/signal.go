package strategy

import "time"

// Side is the direction of an emitted signal.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// State names the phases of the impulse lifecycle.
type State string

const (
	StateBuildup    State = "BUILDUP"
	StateImpulse    State = "IMPULSE"
	StateClimax     State = "CLIMAX"
	StateExhaustion State = "EXHAUSTION"
	StateRebalance  State = "REBALANCE"
)

// Reason codes attached to emitted signals.
const (
	ReasonImpulseThreshold    = "IMPULSE_THRESHOLD"
	ReasonTradeRateBurst      = "TRADE_RATE_BURST"
	ReasonVolumeZ             = "VOLUME_ZSCORE"
	ReasonExhaustionThreshold = "EXHAUSTION_THRESHOLD"
	ReasonStructureConfirmed  = "STRUCTURE_CONFIRMED"
	ReasonRegimeAligned       = "REGIME_ALIGNED"
	ReasonFlowReversal        = "FLOW_REVERSAL"
	ReasonClimaxWick          = "CLIMAX_WICK"
	ReasonSpreadStretched     = "SPREAD_STRETCHED"
	ReasonLowLiquidity        = "LOW_LIQUIDITY"
)

// Signal is emitted once per completed impulse/exhaustion cycle. It is
// immutable after creation and consumed exactly once by the risk gate.
type Signal struct {
	ID          string    `json:"id"`
	Symbol      string    `json:"symbol"`
	TS          time.Time `json:"ts"`
	StatePath   []State   `json:"state_path"`
	Side        Side      `json:"side"`
	Confidence  float64   `json:"confidence"`
	ReasonCodes []string  `json:"reason_codes"`
}
