package execution

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantfold/impulsebot/internal/bus"
	"github.com/quantfold/impulsebot/internal/config"
	"github.com/quantfold/impulsebot/internal/feature"
	"github.com/quantfold/impulsebot/internal/journal"
	"github.com/quantfold/impulsebot/internal/observ"
	"github.com/quantfold/impulsebot/internal/position"
	"github.com/quantfold/impulsebot/internal/risk"
	"github.com/quantfold/impulsebot/internal/strategy"
)

// Filter reasons attached to skipped executions.
const (
	FilterSpreadGuard = "SPREAD_GUARD"
	FilterThinBook    = "THIN_BOOK"
	FilterSlippage    = "SLIPPAGE_CAP"
	FilterCostVsEdge  = "COST_VS_EDGE"
	FilterBelowMinLot = "BELOW_MIN_LOT"
)

// Engine owns the order flow from an accepted signal to a terminal order
// status. One live submission per signal id: concurrent duplicates wait on
// the first attempt's result.
type Engine struct {
	gw     Gateway
	gate   *risk.Gate
	book   *position.Book
	bus    *bus.Bus
	cache  *resultCache
	feeBps float64
	trades *journal.TradeJournal
	log    zerolog.Logger
}

func NewEngine(gw Gateway, gate *risk.Gate, book *position.Book, b *bus.Bus, feeBps float64, dedupeWindow time.Duration) *Engine {
	return &Engine{
		gw:     gw,
		gate:   gate,
		book:   book,
		bus:    b,
		cache:  newResultCache(dedupeWindow),
		feeBps: feeBps,
		log:    observ.Logger("execution"),
	}
}

func (e *Engine) Book() *position.Book { return e.book }

func (e *Engine) GatewayName() string { return e.gw.Name() }

// SetTradeJournal records every position reduce/flatten as a completed trade.
func (e *Engine) SetTradeJournal(j *journal.TradeJournal) { e.trades = j }

func (e *Engine) recordTrade(change position.Change, res OrderResult, closingSide strategy.Side, reason string) {
	if e.trades == nil {
		return
	}
	// A SELL closes a long, a BUY closes a short.
	side := "LONG"
	if closingSide == strategy.SideBuy {
		side = "SHORT"
	}
	hold := 0.0
	if !change.Position.OpenedAt.IsZero() {
		hold = res.TS.Sub(change.Position.OpenedAt).Seconds()
	}
	entry := 0.0
	if change.Released > 0 && res.FillQty > 0 {
		entry = change.Released / res.FillQty
	}
	e.trades.Record(journal.CompletedTrade{
		ClosedAt:    res.TS,
		Symbol:      change.Symbol,
		Side:        side,
		Qty:         res.FillQty,
		EntryPrice:  entry,
		ExitPrice:   res.FillPrice,
		RealizedPnL: change.RealizedPnL,
		HoldSeconds: hold,
		Reason:      reason,
	})
}

// Execute drives one accepted signal to a terminal status. The risk gate has
// already reserved notional under sig.ID; every terminal path either commits
// or releases that reservation.
func (e *Engine) Execute(ctx context.Context, sig strategy.Signal, fs feature.Snapshot, notional float64, cfg config.Root) (OrderResult, error) {
	entry, leader := e.cache.begin(sig.ID)
	if !leader {
		// The reservation belongs to the in-flight attempt; its terminal path
		// commits or releases it.
		e.log.Info().Str("signal_id", sig.ID).Msg("duplicate signal, waiting on in-flight order")
		return e.cache.wait(ctx, entry)
	}

	res, err := e.run(ctx, sig, fs, notional, cfg)
	e.cache.finish(entry, res, err)
	return res, err
}

func (e *Engine) run(ctx context.Context, sig strategy.Signal, fs feature.Snapshot, notional float64, cfg config.Root) (OrderResult, error) {
	ex := cfg.Execution

	if reason, detail := e.admit(fs, sig, ex); reason != "" {
		return e.skip(sig, reason, detail), nil
	}

	price := normalizePrice(fs.Price, ex.Instrument(sig.Symbol))
	if price <= 0 {
		return e.skip(sig, FilterBelowMinLot, "no reference price"), nil
	}
	qty := normalizeQty(notional/price, ex.Instrument(sig.Symbol))
	if qty <= 0 {
		return e.skip(sig, FilterBelowMinLot, fmt.Sprintf("notional %.2f below one lot", notional)), nil
	}

	req := OrderRequest{
		ClientOrderID: "ib-" + uuid.NewString(),
		SignalID:      sig.ID,
		Symbol:        sig.Symbol,
		Side:          sig.Side,
		Qty:           qty,
		RefPrice:      price,
		SlippageBps:   fs.ExpectedSlippageBps,
	}

	e.publish(bus.LevelInfo, bus.CategoryOrder, sig.Symbol, sig.ID, "submitting order", map[string]any{
		"client_order_id": req.ClientOrderID,
		"side":            sig.Side,
		"qty":             qty,
		"ref_price":       price,
		"gateway":         e.gw.Name(),
	})

	res, attempts, err := e.submitWithRetry(ctx, req, ex)
	if err != nil {
		status := StatusFailed
		if errors.Is(err, ErrRejected) {
			status = StatusRejected
		}
		e.gate.Release(sig.ID)
		observ.OrdersTotal.WithLabelValues(sig.Symbol, status).Inc()
		e.publish(bus.LevelError, bus.CategoryError, sig.Symbol, sig.ID, "order failed", map[string]any{
			"status":   status,
			"attempts": attempts,
			"error":    err.Error(),
		})
		return OrderResult{Status: status, TS: time.Now().UTC()}, err
	}

	change := e.book.Apply(position.Fill{
		OrderID:  res.OrderID,
		SignalID: sig.ID,
		Symbol:   sig.Symbol,
		Side:     string(sig.Side),
		Qty:      res.FillQty,
		Price:    res.FillPrice,
		Fee:      res.Fee,
		TS:       res.TS,
	})
	switch change.Kind {
	case "REDUCED", "FLATTENED":
		e.gate.Release(sig.ID)
		e.gate.ApplyClose(sig.Symbol, change.RealizedPnL, change.Released, cfg.Risk)
		e.recordTrade(change, res, sig.Side, "signal reversal")
	default:
		e.gate.CommitFill(sig.ID, sig.Symbol, res.FillPrice*res.FillQty, cfg.Risk)
	}
	observ.OpenPositions.Set(float64(len(e.book.All())))
	observ.OrdersTotal.WithLabelValues(sig.Symbol, StatusFilled).Inc()
	observ.ObserveSignalToAck(time.Since(sig.TS))

	e.publish(bus.LevelInfo, bus.CategoryFill, sig.Symbol, sig.ID, "order filled", map[string]any{
		"order_id":   res.OrderID,
		"fill_price": res.FillPrice,
		"fill_qty":   res.FillQty,
		"fee":        res.Fee,
		"attempts":   attempts,
		"change":     change.Kind,
	})
	return res, nil
}

// admit applies the liquidity and cost gates. Empty reason means admitted.
func (e *Engine) admit(fs feature.Snapshot, sig strategy.Signal, ex config.Execution) (reason, detail string) {
	if ex.SpreadGuardBps > 0 && fs.SpreadBps > ex.SpreadGuardBps {
		return FilterSpreadGuard, fmt.Sprintf("spread %.1f bps > %.1f", fs.SpreadBps, ex.SpreadGuardBps)
	}
	if ex.MinDepth > 0 && fs.Depth < ex.MinDepth {
		return FilterThinBook, fmt.Sprintf("depth %.0f < %.0f", fs.Depth, ex.MinDepth)
	}
	if ex.MaxSlippageBps > 0 && fs.ExpectedSlippageBps > ex.MaxSlippageBps {
		return FilterSlippage, fmt.Sprintf("expected slippage %.1f bps > %.1f", fs.ExpectedSlippageBps, ex.MaxSlippageBps)
	}
	if ex.EdgeGateFactor > 0 {
		cost := fs.SpreadBps/2 + fs.ExpectedSlippageBps + e.feeBps
		edge := sig.Confidence * ex.MaxEdgeBps
		if cost*ex.EdgeGateFactor > edge {
			return FilterCostVsEdge, fmt.Sprintf("cost %.1f bps vs edge %.1f bps", cost, edge)
		}
	}
	return "", ""
}

func (e *Engine) skip(sig strategy.Signal, reason, detail string) OrderResult {
	e.gate.Release(sig.ID)
	observ.OrdersTotal.WithLabelValues(sig.Symbol, StatusSkipped).Inc()
	e.publish(bus.LevelInfo, bus.CategoryFilter, sig.Symbol, sig.ID, "execution filtered", map[string]any{
		"reason": reason,
		"detail": detail,
	})
	return OrderResult{Status: StatusSkipped, TS: time.Now().UTC()}
}

// submitWithRetry resubmits on transient failures with capped exponential
// backoff. The client order id stays constant so the venue can deduplicate a
// replayed submission whose first attempt actually landed.
func (e *Engine) submitWithRetry(ctx context.Context, req OrderRequest, ex config.Execution) (OrderResult, int, error) {
	attempts := 0
	for {
		attempts++
		res, err := e.gw.Submit(ctx, req)
		if err == nil {
			return res, attempts, nil
		}
		if !errors.Is(err, ErrTransient) || attempts >= ex.MaxRetryAttempts {
			return OrderResult{}, attempts, err
		}
		observ.OrderRetriesTotal.WithLabelValues(req.Symbol).Inc()
		e.log.Warn().Str("signal_id", req.SignalID).Int("attempt", attempts).Err(err).Msg("transient order failure, retrying")
		e.publish(bus.LevelWarning, bus.CategoryOrder, req.Symbol, req.SignalID, "transient order failure, retrying", map[string]any{
			"client_order_id": req.ClientOrderID,
			"attempt":         attempts,
			"error":           err.Error(),
		})

		backoff := time.Duration(ex.BackoffBaseMs) * time.Millisecond << (attempts - 1)
		if ceil := time.Duration(ex.BackoffMaxMs) * time.Millisecond; backoff > ceil {
			backoff = ceil
		}
		backoff += time.Duration(rand.Int63n(int64(backoff)/2 + 1))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return OrderResult{}, attempts, ctx.Err()
		}
	}
}

// ClosePosition flattens an open position with a market order, bypassing the
// entry gates. Used by flatten and kill commands.
func (e *Engine) ClosePosition(ctx context.Context, symbol, reason string, cfg config.Root) (OrderResult, error) {
	pos, ok := e.book.Get(symbol)
	if !ok {
		return OrderResult{}, fmt.Errorf("no open position for %s", symbol)
	}
	side := strategy.SideSell
	qty := pos.Qty
	if pos.Qty < 0 {
		side = strategy.SideBuy
		qty = -pos.Qty
	}
	req := OrderRequest{
		ClientOrderID: "ib-close-" + uuid.NewString(),
		Symbol:        symbol,
		Side:          side,
		Qty:           qty,
		RefPrice:      pos.MarkPrice,
	}
	res, attempts, err := e.submitWithRetry(ctx, req, cfg.Execution)
	if err != nil {
		observ.OrdersTotal.WithLabelValues(symbol, StatusFailed).Inc()
		e.publish(bus.LevelError, bus.CategoryError, symbol, "", "close order failed", map[string]any{
			"reason":   reason,
			"attempts": attempts,
			"error":    err.Error(),
		})
		return res, err
	}
	change := e.book.Apply(position.Fill{
		OrderID: res.OrderID,
		Symbol:  symbol,
		Side:    string(side),
		Qty:     res.FillQty,
		Price:   res.FillPrice,
		Fee:     res.Fee,
		TS:      res.TS,
	})
	e.gate.ApplyClose(symbol, change.RealizedPnL, change.Released, cfg.Risk)
	e.recordTrade(change, res, side, reason)
	observ.OpenPositions.Set(float64(len(e.book.All())))
	observ.OrdersTotal.WithLabelValues(symbol, StatusFilled).Inc()
	e.publish(bus.LevelInfo, bus.CategoryPosition, symbol, "", "position closed", map[string]any{
		"reason":       reason,
		"realized_pnl": change.RealizedPnL,
		"fill_price":   res.FillPrice,
	})
	return res, nil
}

func (e *Engine) publish(level bus.Level, cat bus.Category, symbol, corr, msg string, payload map[string]any) {
	e.bus.Publish(bus.Event{
		TS:            time.Now().UTC(),
		Level:         level,
		Category:      cat,
		Symbol:        symbol,
		CorrelationID: corr,
		Message:       msg,
		Payload:       payload,
	})
}

func normalizeQty(qty float64, inst config.Instrument) float64 {
	if inst.LotSize <= 0 {
		return qty
	}
	lot := decimal.NewFromFloat(inst.LotSize)
	steps := decimal.NewFromFloat(qty).Div(lot).Floor()
	out, _ := steps.Mul(lot).Float64()
	return out
}

func normalizePrice(price float64, inst config.Instrument) float64 {
	if inst.TickSize <= 0 {
		return price
	}
	tick := decimal.NewFromFloat(inst.TickSize)
	steps := decimal.NewFromFloat(price).Div(tick).Round(0)
	out, _ := steps.Mul(tick).Float64()
	return out
}
