package feed

import (
	"context"
	"time"
)

// Tick is one normalized trade from the market-data stream. SpreadBps and
// Depth carry the most recent top-of-book view so downstream admission
// checks never need to reach back into the feed.
type Tick struct {
	Symbol     string    `json:"symbol"`
	TS         time.Time `json:"ts"`
	Price      float64   `json:"price"`
	Size       float64   `json:"size"`
	TradeID    int64     `json:"trade_id"`
	BuyerMaker bool      `json:"buyer_maker"`
	SpreadBps  float64   `json:"spread_bps"`
	Depth      float64   `json:"depth"`
}

// Source produces ticks until the context is cancelled. A nil return means
// the source is exhausted (replay); an error return asks the supervisor to
// reconnect.
type Source interface {
	Name() string
	Run(ctx context.Context, out chan<- Tick) error
}
