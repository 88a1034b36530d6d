package feed

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// SimSource generates random-walk ticks for DEMO mode and local runs. Each
// symbol follows its own per-minute volatility with a plausible spread and
// book depth, so the full pipeline including the admission gates can run
// without an exchange.
type SimSource struct {
	Symbols      []string
	TicksPerSec  int
	Seed         int64

	prices map[string]float64
	vols   map[string]float64
	nextID int64
}

var simBase = map[string]struct {
	price float64
	vol   float64
}{
	"BTCUSDT": {price: 64000, vol: 0.02},
	"ETHUSDT": {price: 3100, vol: 0.028},
	"SOLUSDT": {price: 145, vol: 0.045},
}

func (s *SimSource) Name() string { return "sim" }

func (s *SimSource) Run(ctx context.Context, out chan<- Tick) error {
	rnd := rand.New(rand.NewSource(s.Seed))
	if s.Seed == 0 {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	rate := s.TicksPerSec
	if rate <= 0 {
		rate = 10
	}

	if s.prices == nil {
		s.prices = make(map[string]float64)
		s.vols = make(map[string]float64)
		for _, sym := range s.Symbols {
			base, ok := simBase[sym]
			if !ok {
				base.price = 100
				base.vol = 0.03
			}
			s.prices[sym] = base.price
			s.vols[sym] = base.vol
		}
	}

	interval := time.Second / time.Duration(rate*max(len(s.Symbols), 1))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	i := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			sym := s.Symbols[i%len(s.Symbols)]
			i++

			// Daily volatility scaled to the per-tick horizon.
			perTick := s.vols[sym] / math.Sqrt(86400*float64(rate))
			s.prices[sym] *= 1 + rnd.NormFloat64()*perTick
			price := s.prices[sym]

			spreadBps := 1 + rnd.Float64()*3
			s.nextID++
			tick := Tick{
				Symbol:     sym,
				TS:         now.UTC(),
				Price:      price,
				Size:       0.01 + rnd.Float64()*0.5,
				TradeID:    s.nextID,
				BuyerMaker: rnd.Intn(2) == 0,
				SpreadBps:  spreadBps,
				Depth:      80000 + rnd.Float64()*120000,
			}
			select {
			case out <- tick:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
