package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/quantfold/impulsebot/internal/observ"
)

type Feed struct {
	WSEndpoint       string `yaml:"ws_endpoint"`
	StaleSeconds     int    `yaml:"stale_seconds"`
	ReconnectBaseMs  int    `yaml:"reconnect_base_ms"`
	ReconnectMaxMs   int    `yaml:"reconnect_max_ms"`
	ReconnectJitterMs int   `yaml:"reconnect_jitter_ms"`
	PingSeconds      int    `yaml:"ping_seconds"`
	Source           string `yaml:"source"` // ws | sim | replay
	ReplayPath       string `yaml:"replay_path"`
}

type Strategy struct {
	ImpulseThresholdPct      float64 `yaml:"impulse_threshold_pct"`
	ImpulseWindowSeconds     int     `yaml:"impulse_window_seconds"`
	VolumeZThreshold         float64 `yaml:"volume_zscore_threshold"`
	TradeRateBurst           float64 `yaml:"trade_rate_burst"`
	ExhaustionRatioThreshold float64 `yaml:"exhaustion_ratio_threshold"`
	HardTimeStopSeconds      int     `yaml:"hard_time_stop_seconds"`
	RegimeFilterEnabled      bool    `yaml:"regime_filter_enabled"`
	TrendStrengthThreshold   float64 `yaml:"trend_strength_threshold"`
	RebalanceQuietPct        float64 `yaml:"rebalance_quiet_pct"`

	// Confidence weights for the four contributing features. The weighted
	// sum of threshold-normalized features is clamped to [0,1].
	ConfidenceWeights ConfidenceWeights `yaml:"confidence_weights"`
}

type ConfidenceWeights struct {
	Displacement float64 `yaml:"displacement"`
	VolumeZ      float64 `yaml:"volume_zscore"`
	TradeRate    float64 `yaml:"trade_rate"`
	Exhaustion   float64 `yaml:"exhaustion"`
}

type Risk struct {
	Equity                float64 `yaml:"equity"`
	MaxDailyLossPct       float64 `yaml:"max_daily_loss_pct"`
	MaxAccountExposure    float64 `yaml:"max_account_exposure"`
	MaxExposurePerSymbol  float64 `yaml:"max_exposure_per_symbol"`
	MaxPositions          int     `yaml:"max_positions"`
	MaxPositionsPerSymbol int     `yaml:"max_positions_per_symbol"`
	CooldownSeconds       int     `yaml:"cooldown_seconds"`
	LossCooldownSeconds   int     `yaml:"loss_cooldown_seconds"`
	MaxConsecutiveLosses  int     `yaml:"max_consecutive_losses"`
	Vol10sThreshold       float64 `yaml:"vol_10s_threshold"`
	VolCooldownSeconds    int     `yaml:"vol_cooldown_seconds"`
	MaxTradeRiskPct       float64 `yaml:"max_trade_risk_pct"`
	MaxNotionalPerTrade   float64 `yaml:"max_notional_per_trade"`
	// IncludeUnrealizedPnL defaults to true; the daily loss circuit breaker
	// counts open mark-to-market losses unless explicitly disabled.
	IncludeUnrealizedPnL *bool `yaml:"include_unrealized_pnl"`
}

type Execution struct {
	// DryRun defaults to true; live order flow requires an explicit
	// dry_run: false in config plus REAL-mode credentials.
	DryRun           *bool   `yaml:"dry_run"`
	MaxRetryAttempts int     `yaml:"max_retry_attempts"`
	BackoffBaseMs    int     `yaml:"backoff_base_ms"`
	BackoffMaxMs     int     `yaml:"backoff_max_ms"`
	SpreadGuardBps   float64 `yaml:"spread_guard_bps"`
	MinDepth         float64 `yaml:"min_orderbook_depth"`
	MaxSlippageBps   float64 `yaml:"max_slippage_bps"`
	// FeeBps is the taker fee, used by the cost-vs-edge gate and the paper
	// gateway's fill simulation.
	FeeBps           float64 `yaml:"fee_bps"`
	EdgeGateFactor   float64 `yaml:"edge_gate_factor"`
	MaxEdgeBps       float64 `yaml:"max_edge_bps"`
	DedupeWindowSecs int     `yaml:"dedupe_window_seconds"`
	OrderRatePerSec  float64 `yaml:"order_rate_per_sec"`
	LiveBaseURL      string  `yaml:"live_base_url"`

	// Per-symbol instrument rounding rules; Default applies when a symbol
	// has no explicit entry.
	Instruments map[string]Instrument `yaml:"instruments"`
	Default     Instrument            `yaml:"default_instrument"`
}

type Instrument struct {
	LotSize  float64 `yaml:"lot_size"`
	TickSize float64 `yaml:"tick_size"`
}

type Snapshot struct {
	Path            string `yaml:"path"`
	IntervalSeconds int    `yaml:"interval_seconds"`
	TradeJournalPath string `yaml:"trade_journal_path"`
	EventJournalPath string `yaml:"event_journal_path"`
}

type Server struct {
	Addr string `yaml:"addr"`
}

type Root struct {
	Version  int64           `yaml:"-"` // bumped on every settings patch
	Mode     string          `yaml:"mode"` // DEMO | REAL
	Symbols  []string        `yaml:"symbols"`
	Feed     Feed            `yaml:"feed"`
	Strategy Strategy        `yaml:"strategy"`
	Risk     Risk            `yaml:"risk"`
	Execution Execution      `yaml:"execution"`
	Snapshot Snapshot        `yaml:"snapshot"`
	Server   Server          `yaml:"server"`
	Logging  observ.LogConfig `yaml:"logging"`

	APIKey    string `yaml:"-"`
	APISecret string `yaml:"-"`
}

// Load reads a YAML config and applies defaults. Credentials are taken from
// the environment, never from the file.
func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}
	applyDefaults(&c)
	c.APIKey = os.Getenv("IMPULSEBOT_API_KEY")
	c.APISecret = os.Getenv("IMPULSEBOT_API_SECRET")
	c.Version = 1
	return c, nil
}

func applyDefaults(c *Root) {
	if c.Mode == "" {
		c.Mode = "DEMO"
	}
	if len(c.Symbols) == 0 {
		c.Symbols = []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}
	}
	if c.Feed.Source == "" {
		c.Feed.Source = "sim"
	}
	if c.Feed.StaleSeconds == 0 {
		c.Feed.StaleSeconds = 5
	}
	if c.Feed.ReconnectBaseMs == 0 {
		c.Feed.ReconnectBaseMs = 1000
	}
	if c.Feed.ReconnectMaxMs == 0 {
		c.Feed.ReconnectMaxMs = 30000
	}
	if c.Feed.ReconnectJitterMs == 0 {
		c.Feed.ReconnectJitterMs = 250
	}
	if c.Feed.PingSeconds == 0 {
		c.Feed.PingSeconds = 15
	}

	if c.Strategy.ImpulseThresholdPct == 0 {
		c.Strategy.ImpulseThresholdPct = 3.0
	}
	if c.Strategy.ImpulseWindowSeconds == 0 {
		c.Strategy.ImpulseWindowSeconds = 60
	}
	if c.Strategy.VolumeZThreshold == 0 {
		c.Strategy.VolumeZThreshold = 2.0
	}
	if c.Strategy.TradeRateBurst == 0 {
		c.Strategy.TradeRateBurst = 3.0
	}
	if c.Strategy.ExhaustionRatioThreshold == 0 {
		c.Strategy.ExhaustionRatioThreshold = 0.6
	}
	if c.Strategy.HardTimeStopSeconds == 0 {
		c.Strategy.HardTimeStopSeconds = 120
	}
	if c.Strategy.TrendStrengthThreshold == 0 {
		c.Strategy.TrendStrengthThreshold = 0.25
	}
	if c.Strategy.RebalanceQuietPct == 0 {
		c.Strategy.RebalanceQuietPct = 0.5
	}
	w := &c.Strategy.ConfidenceWeights
	if w.Displacement == 0 && w.VolumeZ == 0 && w.TradeRate == 0 && w.Exhaustion == 0 {
		*w = ConfidenceWeights{Displacement: 0.3, VolumeZ: 0.25, TradeRate: 0.2, Exhaustion: 0.25}
	}

	if c.Risk.Equity == 0 {
		c.Risk.Equity = 10000
	}
	if c.Risk.MaxDailyLossPct == 0 {
		c.Risk.MaxDailyLossPct = 2.0
	}
	if c.Risk.MaxAccountExposure == 0 {
		c.Risk.MaxAccountExposure = 2000
	}
	if c.Risk.MaxExposurePerSymbol == 0 {
		c.Risk.MaxExposurePerSymbol = 500
	}
	if c.Risk.MaxPositions == 0 {
		c.Risk.MaxPositions = 3
	}
	if c.Risk.MaxPositionsPerSymbol == 0 {
		c.Risk.MaxPositionsPerSymbol = 1
	}
	if c.Risk.CooldownSeconds == 0 {
		c.Risk.CooldownSeconds = 45
	}
	if c.Risk.LossCooldownSeconds == 0 {
		c.Risk.LossCooldownSeconds = 90
	}
	if c.Risk.MaxConsecutiveLosses == 0 {
		c.Risk.MaxConsecutiveLosses = 4
	}
	if c.Risk.Vol10sThreshold == 0 {
		c.Risk.Vol10sThreshold = 0.006
	}
	if c.Risk.VolCooldownSeconds == 0 {
		c.Risk.VolCooldownSeconds = 60
	}
	if c.Risk.MaxTradeRiskPct == 0 {
		c.Risk.MaxTradeRiskPct = 0.5
	}
	if c.Risk.MaxNotionalPerTrade == 0 {
		c.Risk.MaxNotionalPerTrade = 250
	}
	if c.Risk.IncludeUnrealizedPnL == nil {
		on := true
		c.Risk.IncludeUnrealizedPnL = &on
	}

	e := &c.Execution
	if e.DryRun == nil {
		on := true
		e.DryRun = &on
	}
	if e.MaxRetryAttempts == 0 {
		e.MaxRetryAttempts = 3
	}
	if e.BackoffBaseMs == 0 {
		e.BackoffBaseMs = 200
	}
	if e.BackoffMaxMs == 0 {
		e.BackoffMaxMs = 5000
	}
	if e.SpreadGuardBps == 0 {
		e.SpreadGuardBps = 15.0
	}
	if e.MinDepth == 0 {
		e.MinDepth = 50000
	}
	if e.MaxSlippageBps == 0 {
		e.MaxSlippageBps = 8.0
	}
	if e.FeeBps == 0 {
		e.FeeBps = 4.0
	}
	if e.EdgeGateFactor == 0 {
		e.EdgeGateFactor = 0.65
	}
	if e.MaxEdgeBps == 0 {
		e.MaxEdgeBps = 25.0
	}
	if e.DedupeWindowSecs == 0 {
		e.DedupeWindowSecs = 90
	}
	if e.OrderRatePerSec == 0 {
		e.OrderRatePerSec = 5
	}
	if e.Default.LotSize == 0 {
		e.Default.LotSize = 0.001
	}
	if e.Default.TickSize == 0 {
		e.Default.TickSize = 0.01
	}

	if c.Snapshot.Path == "" {
		c.Snapshot.Path = "data/engine_state.json"
	}
	if c.Snapshot.IntervalSeconds == 0 {
		c.Snapshot.IntervalSeconds = 15
	}
	if c.Snapshot.TradeJournalPath == "" {
		c.Snapshot.TradeJournalPath = "data/trades.csv"
	}
	if c.Snapshot.EventJournalPath == "" {
		c.Snapshot.EventJournalPath = "data/events.jsonl"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8090"
	}
}

// Validate enforces fatal startup rules: a partially configured risk engine
// must never evaluate signals.
func (c Root) Validate() error {
	if c.Mode != "DEMO" && c.Mode != "REAL" {
		return fmt.Errorf("mode must be DEMO or REAL, got %q", c.Mode)
	}
	if c.Mode == "REAL" && !c.Execution.IsDryRun() {
		if c.APIKey == "" || c.APISecret == "" {
			return fmt.Errorf("REAL mode with dry_run disabled requires IMPULSEBOT_API_KEY and IMPULSEBOT_API_SECRET")
		}
		if c.Execution.LiveBaseURL == "" {
			return fmt.Errorf("REAL mode requires execution.live_base_url")
		}
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("at least one symbol is required")
	}
	if c.Risk.Equity <= 0 {
		return fmt.Errorf("risk.equity must be positive, got %v", c.Risk.Equity)
	}
	if c.Risk.MaxDailyLossPct <= 0 || c.Risk.MaxDailyLossPct > 100 {
		return fmt.Errorf("risk.max_daily_loss_pct must be in (0,100], got %v", c.Risk.MaxDailyLossPct)
	}
	if c.Risk.MaxAccountExposure <= 0 || c.Risk.MaxExposurePerSymbol <= 0 {
		return fmt.Errorf("exposure limits must be positive")
	}
	if c.Risk.MaxExposurePerSymbol > c.Risk.MaxAccountExposure {
		return fmt.Errorf("risk.max_exposure_per_symbol exceeds risk.max_account_exposure")
	}
	if c.Risk.MaxPositions <= 0 || c.Risk.MaxPositionsPerSymbol <= 0 {
		return fmt.Errorf("position caps must be positive")
	}
	if c.Strategy.ImpulseThresholdPct <= 0 {
		return fmt.Errorf("strategy.impulse_threshold_pct must be positive")
	}
	if c.Strategy.ExhaustionRatioThreshold <= 0 || c.Strategy.ExhaustionRatioThreshold >= 1 {
		return fmt.Errorf("strategy.exhaustion_ratio_threshold must be in (0,1)")
	}
	if c.Execution.MaxRetryAttempts <= 0 {
		return fmt.Errorf("execution.max_retry_attempts must be positive")
	}
	cw := c.Strategy.ConfidenceWeights
	if cw.Displacement < 0 || cw.VolumeZ < 0 || cw.TradeRate < 0 || cw.Exhaustion < 0 {
		return fmt.Errorf("confidence weights must be non-negative")
	}
	if cw.Displacement+cw.VolumeZ+cw.TradeRate+cw.Exhaustion == 0 {
		return fmt.Errorf("at least one confidence weight must be positive")
	}
	switch c.Feed.Source {
	case "ws", "sim", "replay":
	default:
		return fmt.Errorf("feed.source must be ws, sim or replay, got %q", c.Feed.Source)
	}
	if c.Feed.Source == "replay" && c.Feed.ReplayPath == "" {
		return fmt.Errorf("feed.source=replay requires feed.replay_path")
	}
	return nil
}

// IncludesUnrealized reports whether open mark-to-market losses count toward
// the daily loss limit. Unset means they do.
func (r Risk) IncludesUnrealized() bool {
	return r.IncludeUnrealizedPnL == nil || *r.IncludeUnrealizedPnL
}

// IsDryRun reports whether live gateways are disabled. Unset means dry run.
func (e Execution) IsDryRun() bool {
	return e.DryRun == nil || *e.DryRun
}

// Instrument returns the rounding rules for a symbol.
func (e Execution) Instrument(symbol string) Instrument {
	if in, ok := e.Instruments[symbol]; ok {
		return in
	}
	return e.Default
}
