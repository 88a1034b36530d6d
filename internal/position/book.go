package position

import (
	"math"
	"sync"
	"time"
)

// Fill is a confirmed execution applied to the book.
type Fill struct {
	OrderID  string
	SignalID string
	Symbol   string
	Side     string // BUY | SELL
	Qty      float64
	Price    float64
	Fee      float64
	TS       time.Time
}

// Position is one open per-symbol position. Qty is signed: positive long,
// negative short.
type Position struct {
	Symbol     string    `json:"symbol"`
	Qty        float64   `json:"qty"`
	EntryPrice float64   `json:"entry_price"`
	OpenedAt   time.Time `json:"opened_at"`
	Unrealized float64   `json:"unrealized_pnl"`
	MarkPrice  float64   `json:"mark_price"`
}

// Change describes what a fill did to the book.
type Change struct {
	Kind        string  // OPENED | INCREASED | REDUCED | FLATTENED
	Symbol      string
	RealizedPnL float64
	Released    float64 // notional freed on a reduce/flatten
	Position    Position
}

// Book is the position table. Updated only by confirmed fills from a single
// writer (the execution engine); reads are safe from any goroutine.
type Book struct {
	mu        sync.RWMutex
	positions map[string]*Position
}

func NewBook() *Book {
	return &Book{positions: make(map[string]*Position)}
}

// Apply folds one confirmed fill into the book and reports the resulting
// position change.
func (b *Book) Apply(f Fill) Change {
	b.mu.Lock()
	defer b.mu.Unlock()

	signed := f.Qty
	if f.Side == "SELL" {
		signed = -f.Qty
	}

	pos, ok := b.positions[f.Symbol]
	if !ok || pos.Qty == 0 {
		pos = &Position{
			Symbol:     f.Symbol,
			Qty:        signed,
			EntryPrice: f.Price,
			OpenedAt:   f.TS,
			MarkPrice:  f.Price,
		}
		b.positions[f.Symbol] = pos
		return Change{Kind: "OPENED", Symbol: f.Symbol, RealizedPnL: -f.Fee, Position: *pos}
	}

	prevQty := pos.Qty
	newQty := prevQty + signed
	realized := -f.Fee

	switch {
	case sameSign(prevQty, signed):
		// Adding: blend the entry price.
		pos.EntryPrice = (math.Abs(prevQty)*pos.EntryPrice + math.Abs(signed)*f.Price) / math.Abs(newQty)
		pos.Qty = newQty
		pos.MarkPrice = f.Price
		return Change{Kind: "INCREASED", Symbol: f.Symbol, RealizedPnL: realized, Position: *pos}

	default:
		closed := math.Min(math.Abs(signed), math.Abs(prevQty))
		direction := 1.0
		if prevQty < 0 {
			direction = -1
		}
		realized += closed * (f.Price - pos.EntryPrice) * direction
		released := closed * pos.EntryPrice

		pos.Qty = newQty
		pos.MarkPrice = f.Price
		if math.Abs(newQty) < 1e-12 {
			delete(b.positions, f.Symbol)
			flat := *pos
			flat.Qty = 0
			return Change{Kind: "FLATTENED", Symbol: f.Symbol, RealizedPnL: realized, Released: released, Position: flat}
		}
		if !sameSign(prevQty, newQty) {
			// Crossed through flat: remainder opens a fresh position.
			pos.EntryPrice = f.Price
			pos.OpenedAt = f.TS
		}
		return Change{Kind: "REDUCED", Symbol: f.Symbol, RealizedPnL: realized, Released: released, Position: *pos}
	}
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

// Mark updates the mark price and unrealized PnL for a symbol.
func (b *Book) Mark(symbol string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if pos, ok := b.positions[symbol]; ok {
		pos.MarkPrice = price
		pos.Unrealized = pos.Qty * (price - pos.EntryPrice)
	}
}

// Get returns the open position for a symbol, if any.
func (b *Book) Get(symbol string) (Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	pos, ok := b.positions[symbol]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

// All returns a copy of every open position.
func (b *Book) All() []Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Position, 0, len(b.positions))
	for _, pos := range b.positions {
		out = append(out, *pos)
	}
	return out
}

// TotalUnrealized sums the mark-to-market PnL across open positions.
func (b *Book) TotalUnrealized() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	total := 0.0
	for _, pos := range b.positions {
		total += pos.Unrealized
	}
	return total
}
