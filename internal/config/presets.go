package config

import "fmt"

// Risk presets order the engine from most to least conservative. A preset
// overwrites the tunable strategy/risk/execution knobs and leaves feed,
// snapshot and server settings alone. dry_run stays on in every preset;
// going live is always an explicit separate step.
var presetOrder = []string{"SAFE", "MEDIUM", "AGGRESSIVE", "INSANE"}

type preset struct {
	MaxPositions             int
	MaxDailyLossPct          float64
	CooldownSeconds          int
	SpreadGuardBps           float64
	MaxSlippageBps           float64
	EdgeGateFactor           float64
	Vol10sThreshold          float64
	TrendStrengthThreshold   float64
	HardTimeStopSeconds      int
	ImpulseThresholdPct      float64
	ExhaustionRatioThreshold float64
}

var presets = map[string]preset{
	"SAFE": {
		MaxPositions: 1, MaxDailyLossPct: 1.0, CooldownSeconds: 180,
		SpreadGuardBps: 2.0, MaxSlippageBps: 8.0, EdgeGateFactor: 0.55,
		Vol10sThreshold: 0.004, TrendStrengthThreshold: 0.18,
		HardTimeStopSeconds: 90, ImpulseThresholdPct: 3.5, ExhaustionRatioThreshold: 0.65,
	},
	"MEDIUM": {
		MaxPositions: 2, MaxDailyLossPct: 2.0, CooldownSeconds: 120,
		SpreadGuardBps: 3.0, MaxSlippageBps: 12.0, EdgeGateFactor: 0.65,
		Vol10sThreshold: 0.006, TrendStrengthThreshold: 0.25,
		HardTimeStopSeconds: 120, ImpulseThresholdPct: 3.0, ExhaustionRatioThreshold: 0.6,
	},
	"AGGRESSIVE": {
		MaxPositions: 3, MaxDailyLossPct: 3.5, CooldownSeconds: 60,
		SpreadGuardBps: 4.5, MaxSlippageBps: 18.0, EdgeGateFactor: 0.75,
		Vol10sThreshold: 0.009, TrendStrengthThreshold: 0.35,
		HardTimeStopSeconds: 150, ImpulseThresholdPct: 2.5, ExhaustionRatioThreshold: 0.55,
	},
	"INSANE": {
		MaxPositions: 5, MaxDailyLossPct: 6.0, CooldownSeconds: 20,
		SpreadGuardBps: 8.0, MaxSlippageBps: 35.0, EdgeGateFactor: 0.9,
		Vol10sThreshold: 0.015, TrendStrengthThreshold: 0.5,
		HardTimeStopSeconds: 180, ImpulseThresholdPct: 2.0, ExhaustionRatioThreshold: 0.5,
	},
}

// ApplyPreset returns a copy of base with the named preset applied and the
// version bumped.
func ApplyPreset(base Root, name string) (Root, error) {
	p, ok := presets[name]
	if !ok {
		return Root{}, fmt.Errorf("unknown preset %q (want one of %v)", name, presetOrder)
	}
	next := base
	next.Risk.MaxPositions = p.MaxPositions
	next.Risk.MaxDailyLossPct = p.MaxDailyLossPct
	next.Risk.CooldownSeconds = p.CooldownSeconds
	next.Risk.Vol10sThreshold = p.Vol10sThreshold
	next.Execution.SpreadGuardBps = p.SpreadGuardBps
	next.Execution.MaxSlippageBps = p.MaxSlippageBps
	next.Execution.EdgeGateFactor = p.EdgeGateFactor
	next.Strategy.TrendStrengthThreshold = p.TrendStrengthThreshold
	next.Strategy.HardTimeStopSeconds = p.HardTimeStopSeconds
	next.Strategy.ImpulseThresholdPct = p.ImpulseThresholdPct
	next.Strategy.ExhaustionRatioThreshold = p.ExhaustionRatioThreshold
	next.Version = base.Version + 1
	return next, nil
}

// Presets lists the available preset names, safest first.
func Presets() []string {
	out := make([]string, len(presetOrder))
	copy(out, presetOrder)
	return out
}
