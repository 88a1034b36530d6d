package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/impulsebot/internal/bus"
	"github.com/quantfold/impulsebot/internal/config"
	"github.com/quantfold/impulsebot/internal/execution"
	"github.com/quantfold/impulsebot/internal/feed"
	"github.com/quantfold/impulsebot/internal/feature"
	"github.com/quantfold/impulsebot/internal/journal"
	"github.com/quantfold/impulsebot/internal/observ"
	"github.com/quantfold/impulsebot/internal/position"
	"github.com/quantfold/impulsebot/internal/risk"
	"github.com/quantfold/impulsebot/internal/snapshot"
	"github.com/quantfold/impulsebot/internal/strategy"
)

// RunState is the engine lifecycle phase exposed to operators.
type RunState string

const (
	RunStateStopped RunState = "stopped"
	RunStateRunning RunState = "running"
	RunStatePaused  RunState = "paused"
	RunStateKilled  RunState = "killed"
)

const (
	recentSignalCap = 50
	maxInflight     = 8
)

// Controller wires the feed, features, strategy, risk and execution into one
// runnable engine and carries the operator command surface.
type Controller struct {
	cfg  atomic.Pointer[config.Root]
	bus  *bus.Bus
	gate *risk.Gate
	exec *execution.Engine
	sup  *feed.Supervisor
	log  zerolog.Logger

	mu        sync.Mutex
	runState  RunState
	startedAt time.Time
	recent    []strategy.Signal
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	execSem  chan struct{}
	tasks    map[string]*symbolTask
	feedDone chan struct{}
}

// symbolTask is the single-threaded pipeline for one symbol. The window and
// machine are owned exclusively by the task goroutine.
type symbolTask struct {
	symbol       string
	ticks        chan feed.Tick
	window       *feature.Window
	machine      *strategy.Machine
	resetPending atomic.Bool
}

func NewController(cfg config.Root, src feed.Source, gw execution.Gateway, b *bus.Bus) *Controller {
	gate := risk.NewGate(cfg.Risk.Equity)
	book := position.NewBook()
	c := &Controller{
		bus:      b,
		gate:     gate,
		exec:     execution.NewEngine(gw, gate, book, b, cfg.Execution.FeeBps, time.Duration(cfg.Execution.DedupeWindowSecs)*time.Second),
		log:      observ.Logger("engine"),
		runState: RunStateStopped,
		execSem:  make(chan struct{}, maxInflight),
		tasks:    make(map[string]*symbolTask),
	}
	c.cfg.Store(&cfg)

	c.sup = feed.NewSupervisor(src, cfg.Feed, cfg.Symbols, b, func(symbol string, stale bool) {
		gate.SetStale(symbol, stale)
		if stale {
			c.mu.Lock()
			if task, ok := c.tasks[symbol]; ok {
				task.resetPending.Store(true)
			}
			c.mu.Unlock()
		}
	})

	for _, symbol := range cfg.Symbols {
		c.tasks[symbol] = &symbolTask{
			symbol:  symbol,
			ticks:   make(chan feed.Tick, 1024),
			window:  feature.NewWindow(symbol, cfg.Strategy.ImpulseWindowSeconds),
			machine: strategy.NewMachine(symbol),
		}
	}
	return c
}

// SetTradeJournal wires the completed-trade CSV into the execution engine.
func (c *Controller) SetTradeJournal(j *journal.TradeJournal) { c.exec.SetTradeJournal(j) }

// Restore seeds the position book and pause state from a persisted snapshot.
// Call before Start.
func (c *Controller) Restore(state snapshot.Persisted) {
	book := c.exec.Book()
	for _, pos := range state.Positions {
		side := "BUY"
		qty := pos.Qty
		if qty < 0 {
			side = "SELL"
			qty = -qty
		}
		ch := book.Apply(position.Fill{
			Symbol: pos.Symbol,
			Side:   side,
			Qty:    qty,
			Price:  pos.EntryPrice,
			TS:     pos.OpenedAt,
		})
		c.gate.RestorePosition(pos.Symbol, math.Abs(pos.Qty)*pos.EntryPrice)
		c.log.Info().Str("symbol", ch.Symbol).Float64("qty", pos.Qty).Msg("position restored from snapshot")
	}
	if state.Risk.KillSwitchEngaged {
		c.gate.EngageKillSwitch()
		c.mu.Lock()
		c.runState = RunStateKilled
		c.mu.Unlock()
	}
}

// Start launches the feed supervisor, the tick dispatcher and one pipeline
// goroutine per symbol. Idempotent while running.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return errors.New("engine already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.feedDone = make(chan struct{})
	c.startedAt = time.Now().UTC()
	if c.runState != RunStateKilled {
		c.runState = RunStateRunning
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.sup.Run(runCtx)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.dispatch(runCtx)
	}()

	for _, task := range c.tasks {
		task := task
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.runSymbol(runCtx, task)
		}()
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.reportLoop(runCtx)
	}()

	c.systemEvent("engine started", map[string]any{"symbols": c.cfg.Load().Symbols, "gateway": c.gatewayName()})
	return nil
}

// Stop cancels every pipeline and waits for them to drain.
func (c *Controller) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	c.wg.Wait()
	c.mu.Lock()
	c.runState = RunStateStopped
	c.mu.Unlock()
	c.systemEvent("engine stopped", nil)
}

// dispatch fans ticks out to per-symbol channels, preserving arrival order
// within each symbol.
func (c *Controller) dispatch(ctx context.Context) {
	defer close(c.feedDone)
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-c.sup.Ticks():
			if !ok {
				return
			}
			task, known := c.tasks[t.Symbol]
			if !known {
				continue
			}
			select {
			case task.ticks <- t:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *Controller) runSymbol(ctx context.Context, task *symbolTask) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-task.ticks:
			c.onTick(ctx, task, t)
		}
	}
}

func (c *Controller) onTick(ctx context.Context, task *symbolTask, t feed.Tick) {
	cfg := c.cfg.Load()

	if task.resetPending.Swap(false) {
		if tr := task.machine.Reset("stale feed"); tr != nil {
			c.transitionEvent(task.symbol, *tr)
		}
	}

	fs := task.window.Observe(t)
	c.exec.Book().Mark(task.symbol, t.Price)
	c.gate.UpdateUnrealized(c.exec.Book().TotalUnrealized(), cfg.Risk)

	if c.gate.UpdateVolatility(fs.Vol10s, cfg.Risk) {
		c.bus.Publish(bus.Event{
			TS: time.Now().UTC(), Level: bus.LevelWarning, Category: bus.CategoryRisk,
			Symbol: task.symbol, Message: "volatility cooldown engaged",
			Payload: map[string]any{"vol_10s": fs.Vol10s, "threshold": cfg.Risk.Vol10sThreshold},
		})
	}

	sig, transitions := task.machine.Evaluate(fs, cfg.Strategy, t.TS)
	for _, tr := range transitions {
		c.transitionEvent(task.symbol, tr)
	}
	if sig == nil {
		return
	}

	observ.SignalsTotal.WithLabelValues(sig.Symbol, string(sig.Side)).Inc()
	c.recordSignal(*sig)
	c.bus.Publish(bus.Event{
		TS: sig.TS, Level: bus.LevelInfo, Category: bus.CategorySignal,
		Symbol: sig.Symbol, CorrelationID: sig.ID, Message: "signal emitted",
		Payload: map[string]any{
			"side": sig.Side, "confidence": sig.Confidence, "reason_codes": sig.ReasonCodes,
		},
	})

	stopDistancePct := math.Max(0.25, math.Abs(fs.DisplacementPct)/2)
	notional := c.gate.PositionSize(sig.Confidence, stopDistancePct, cfg.Risk)
	decision := c.gate.Decide(*sig, notional, cfg.Risk)
	if decision.Outcome == risk.OutcomeBlock {
		c.bus.Publish(bus.Event{
			TS: time.Now().UTC(), Level: bus.LevelWarning, Category: bus.CategoryRisk,
			Symbol: sig.Symbol, CorrelationID: sig.ID, Message: "signal blocked",
			Payload: map[string]any{"blocked_reason": decision.BlockedReason},
		})
		return
	}
	c.bus.Publish(bus.Event{
		TS: time.Now().UTC(), Level: bus.LevelInfo, Category: bus.CategoryRisk,
		Symbol: sig.Symbol, CorrelationID: sig.ID, Message: "signal accepted",
		Payload: map[string]any{"notional": notional},
	})

	sigCopy := *sig
	select {
	case c.execSem <- struct{}{}:
	case <-ctx.Done():
		c.gate.Release(sigCopy.ID)
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() { <-c.execSem }()
		if _, err := c.exec.Execute(ctx, sigCopy, fs, notional, *cfg); err != nil {
			c.log.Error().Err(err).Str("signal_id", sigCopy.ID).Msg("execution failed")
		}
	}()
}

// reportLoop refreshes slow-moving gauges off the hot path.
func (c *Controller) reportLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			state := c.gate.Snapshot()
			observ.DailyPnL.Set(state.DailyPnL)
			observ.OpenPositions.Set(float64(len(c.exec.Book().All())))
		}
	}
}

// Pause blocks new entries; open positions and in-flight orders continue.
func (c *Controller) Pause() {
	c.gate.SetPaused(true)
	c.setRunState(RunStatePaused)
	c.systemEvent("entries paused", nil)
}

// Resume re-enables entries after a pause. A kill switch stays engaged.
func (c *Controller) Resume() {
	c.mu.Lock()
	killed := c.runState == RunStateKilled
	c.mu.Unlock()
	if killed {
		return
	}
	c.gate.SetPaused(false)
	c.setRunState(RunStateRunning)
	c.systemEvent("entries resumed", nil)
}

// Kill engages the kill switch and flattens every open position. Idempotent.
func (c *Controller) Kill(ctx context.Context) {
	c.gate.EngageKillSwitch()
	c.setRunState(RunStateKilled)
	c.systemEvent("kill switch engaged", nil)
	c.Flatten(ctx, "kill switch")
}

// ReleaseKill disengages the kill switch; entries stay paused until Resume.
func (c *Controller) ReleaseKill() {
	c.gate.ReleaseKillSwitch()
	c.gate.SetPaused(true)
	c.setRunState(RunStatePaused)
	c.systemEvent("kill switch released", nil)
}

// Flatten closes every open position at market.
func (c *Controller) Flatten(ctx context.Context, reason string) {
	cfg := c.cfg.Load()
	for _, pos := range c.exec.Book().All() {
		if _, err := c.exec.ClosePosition(ctx, pos.Symbol, reason, *cfg); err != nil {
			c.log.Error().Err(err).Str("symbol", pos.Symbol).Msg("flatten failed")
		}
	}
}

// ApplySettings merges a YAML or JSON patch over the live config. The swap
// is atomic; pipelines pick it up on their next tick.
func (c *Controller) ApplySettings(patch []byte) (int64, error) {
	cur := c.cfg.Load()
	next, err := config.Patch(*cur, patch)
	if err != nil {
		return cur.Version, fmt.Errorf("settings patch: %w", err)
	}
	c.cfg.Store(&next)
	c.systemEvent("settings applied", map[string]any{"version": next.Version})
	return next.Version, nil
}

// ApplyPreset swaps in one of the named risk presets.
func (c *Controller) ApplyPreset(name string) (int64, error) {
	cur := c.cfg.Load()
	next, err := config.ApplyPreset(*cur, name)
	if err != nil {
		return cur.Version, err
	}
	c.cfg.Store(&next)
	c.systemEvent("preset applied", map[string]any{"preset": name, "version": next.Version})
	return next.Version, nil
}

// FeedDone is closed when the tick source is exhausted. Replays use it to
// know when the input file has been fully consumed.
func (c *Controller) FeedDone() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.feedDone
}

// Config returns the live configuration.
func (c *Controller) Config() config.Root { return *c.cfg.Load() }

// Status is the pull-side view for the dashboard.
type Status struct {
	RunState      RunState            `json:"run_state"`
	Mode          string              `json:"mode"`
	DryRun        bool                `json:"dry_run"`
	Gateway       string              `json:"gateway"`
	ConfigVersion int64               `json:"config_version"`
	Symbols       []string            `json:"symbols"`
	StartedAt     time.Time           `json:"started_at"`
	Positions     []position.Position `json:"positions"`
	Risk          risk.State          `json:"risk"`
	RecentSignals []strategy.Signal   `json:"recent_signals"`
}

func (c *Controller) Status() Status {
	cfg := c.cfg.Load()
	c.mu.Lock()
	runState := c.runState
	startedAt := c.startedAt
	recent := make([]strategy.Signal, len(c.recent))
	copy(recent, c.recent)
	c.mu.Unlock()
	return Status{
		RunState:      runState,
		Mode:          cfg.Mode,
		DryRun:        cfg.Execution.IsDryRun(),
		Gateway:       c.gatewayName(),
		ConfigVersion: cfg.Version,
		Symbols:       cfg.Symbols,
		StartedAt:     startedAt,
		Positions:     c.exec.Book().All(),
		Risk:          c.gate.Snapshot(),
		RecentSignals: recent,
	}
}

// CollectState builds the persisted snapshot document.
func (c *Controller) CollectState() snapshot.Persisted {
	cfg := c.cfg.Load()
	c.mu.Lock()
	runState := c.runState
	c.mu.Unlock()
	return snapshot.Persisted{
		TS:            time.Now().UTC(),
		RunState:      string(runState),
		ConfigVersion: cfg.Version,
		Symbols:       cfg.Symbols,
		Positions:     c.exec.Book().All(),
		Risk:          c.gate.Snapshot(),
	}
}

func (c *Controller) recordSignal(sig strategy.Signal) {
	c.mu.Lock()
	c.recent = append(c.recent, sig)
	if len(c.recent) > recentSignalCap {
		c.recent = c.recent[len(c.recent)-recentSignalCap:]
	}
	c.mu.Unlock()
}

func (c *Controller) setRunState(rs RunState) {
	c.mu.Lock()
	c.runState = rs
	c.mu.Unlock()
}

func (c *Controller) gatewayName() string {
	return c.exec.GatewayName()
}

func (c *Controller) transitionEvent(symbol string, tr strategy.Transition) {
	c.bus.Publish(bus.Event{
		TS: time.Now().UTC(), Level: bus.LevelDebug, Category: bus.CategorySignal,
		Symbol: symbol, Message: "state transition",
		Payload: map[string]any{"from": tr.From, "to": tr.To, "reason": tr.Reason},
	})
}

func (c *Controller) systemEvent(msg string, payload map[string]any) {
	c.bus.Publish(bus.Event{
		TS: time.Now().UTC(), Level: bus.LevelInfo, Category: bus.CategorySystem,
		Message: msg, Payload: payload,
	})
}
