package feed

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/quantfold/impulsebot/internal/bus"
	"github.com/quantfold/impulsebot/internal/config"
	"github.com/quantfold/impulsebot/internal/observ"
)

// Supervisor owns the market-data connection, normalizes raw ticks, drops
// duplicates and out-of-order trades, tracks per-symbol staleness and
// reconnects the source with capped, jittered backoff. Connection loss is
// never fatal: it degrades to "entries blocked" for the affected symbols.
type Supervisor struct {
	src     Source
	cfg     config.Feed
	symbols []string
	bus     *bus.Bus
	onStale func(symbol string, stale bool)

	out chan Tick

	mu          sync.RWMutex
	lastSeen    map[string]time.Time
	lastTradeID map[string]int64
	lastTS      map[string]time.Time
	stale       map[string]bool
}

// NewSupervisor wires a tick source to the pipeline. onStale is invoked on
// every stale/restored transition (the risk gate consumes it as the
// liveness flag) and may be nil.
func NewSupervisor(src Source, cfg config.Feed, symbols []string, b *bus.Bus, onStale func(string, bool)) *Supervisor {
	s := &Supervisor{
		src:         src,
		cfg:         cfg,
		symbols:     symbols,
		bus:         b,
		onStale:     onStale,
		out:         make(chan Tick, 1024),
		lastSeen:    make(map[string]time.Time),
		lastTradeID: make(map[string]int64),
		lastTS:      make(map[string]time.Time),
		stale:       make(map[string]bool),
	}
	// Every symbol starts stale until its first tick arrives.
	for _, sym := range symbols {
		s.stale[sym] = true
		observ.FeedLive.WithLabelValues(sym).Set(0)
	}
	return s
}

// Ticks is the normalized, de-duplicated tick stream, strictly ordered per
// symbol. It closes on shutdown.
func (s *Supervisor) Ticks() <-chan Tick { return s.out }

// Stale reports the liveness flag for a symbol.
func (s *Supervisor) Stale(symbol string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stale[symbol]
}

// Run drives the source until ctx is cancelled. It closes Ticks on return.
func (s *Supervisor) Run(ctx context.Context) {
	log := observ.Logger("feed")
	defer close(s.out)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.monitorStaleness(ctx, done)
	}()
	defer wg.Wait()
	defer close(done)

	raw := make(chan Tick, 1024)
	var srcWG sync.WaitGroup
	srcWG.Add(1)
	go func() {
		defer srcWG.Done()
		defer close(raw)
		s.runSource(ctx, raw)
	}()
	defer srcWG.Wait()

	for tick := range raw {
		if !s.accept(tick) {
			continue
		}
		select {
		case s.out <- tick:
			observ.TicksTotal.WithLabelValues(tick.Symbol).Inc()
		case <-ctx.Done():
			return
		}
	}
	log.Info().Msg("tick source finished")
}

func (s *Supervisor) runSource(ctx context.Context, out chan<- Tick) {
	log := observ.Logger("feed")
	backoff := time.Duration(s.cfg.ReconnectBaseMs) * time.Millisecond
	maxBackoff := time.Duration(s.cfg.ReconnectMaxMs) * time.Millisecond

	for {
		if ctx.Err() != nil {
			return
		}
		err := s.src.Run(ctx, out)
		if err == nil || ctx.Err() != nil {
			return
		}

		jitter := time.Duration(rand.Intn(s.cfg.ReconnectJitterMs+1)) * time.Millisecond
		delay := backoff + jitter
		observ.FeedReconnectsTotal.Inc()
		log.Warn().Err(err).Dur("backoff", delay).Str("source", s.src.Name()).Msg("feed disconnected, reconnecting")
		s.bus.Publish(bus.Event{
			Level:    bus.LevelWarning,
			Category: bus.CategoryWS,
			Message:  "feed disconnected, reconnect scheduled",
			Payload:  map[string]any{"source": s.src.Name(), "error": err.Error(), "backoff_ms": delay.Milliseconds()},
		})

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// accept drops duplicate trade ids and out-of-order timestamps, records
// liveness and clears the stale flag on a fresh tick.
func (s *Supervisor) accept(t Tick) bool {
	s.mu.Lock()

	if last, ok := s.lastTradeID[t.Symbol]; ok && t.TradeID > 0 && t.TradeID <= last {
		s.mu.Unlock()
		observ.TicksDroppedTotal.WithLabelValues(t.Symbol, "duplicate").Inc()
		return false
	}
	if last, ok := s.lastTS[t.Symbol]; ok && t.TS.Before(last) {
		s.mu.Unlock()
		observ.TicksDroppedTotal.WithLabelValues(t.Symbol, "out_of_order").Inc()
		return false
	}
	if t.TradeID > 0 {
		s.lastTradeID[t.Symbol] = t.TradeID
	}
	s.lastTS[t.Symbol] = t.TS
	s.lastSeen[t.Symbol] = time.Now()
	wasStale := s.stale[t.Symbol]
	s.stale[t.Symbol] = false
	s.mu.Unlock()

	if wasStale {
		observ.FeedLive.WithLabelValues(t.Symbol).Set(1)
		if s.onStale != nil {
			s.onStale(t.Symbol, false)
		}
		s.bus.Publish(bus.Event{
			Level:    bus.LevelInfo,
			Category: bus.CategoryWS,
			Symbol:   t.Symbol,
			Message:  "feed restored",
		})
	}
	return true
}

func (s *Supervisor) monitorStaleness(ctx context.Context, done <-chan struct{}) {
	threshold := time.Duration(s.cfg.StaleSeconds) * time.Second
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case now := <-ticker.C:
			for _, sym := range s.symbols {
				s.mu.Lock()
				seen, ok := s.lastSeen[sym]
				alreadyStale := s.stale[sym]
				goneStale := ok && !alreadyStale && now.Sub(seen) > threshold
				if goneStale {
					s.stale[sym] = true
				}
				s.mu.Unlock()

				if !goneStale {
					continue
				}
				observ.FeedLive.WithLabelValues(sym).Set(0)
				if s.onStale != nil {
					s.onStale(sym, true)
				}
				s.bus.Publish(bus.Event{
					Level:    bus.LevelWarning,
					Category: bus.CategoryWS,
					Symbol:   sym,
					Message:  "feed stale, entries suppressed",
					Payload:  map[string]any{"last_tick_age_ms": now.Sub(seen).Milliseconds()},
				})
			}
		}
	}
}
