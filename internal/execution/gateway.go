package execution

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantfold/impulsebot/internal/strategy"
)

// Terminal order statuses.
const (
	StatusFilled   = "FILLED"
	StatusRejected = "REJECTED"
	StatusFailed   = "FAILED"
	StatusSkipped  = "SKIPPED"
)

// ErrTransient marks failures worth retrying (timeouts, 5xx, dropped
// connections). ErrRejected marks venue rejections that will not succeed on
// retry.
var (
	ErrTransient = errors.New("transient gateway failure")
	ErrRejected  = errors.New("order rejected")
)

// OrderRequest is one submission to a gateway. ClientOrderID is stable across
// retries of the same signal so the venue can deduplicate.
type OrderRequest struct {
	ClientOrderID string
	SignalID      string
	Symbol        string
	Side          strategy.Side
	Qty           float64
	RefPrice      float64
	SlippageBps   float64
}

// OrderResult is the terminal outcome of a submission.
type OrderResult struct {
	OrderID   string    `json:"order_id"`
	Status    string    `json:"status"`
	FillPrice float64   `json:"fill_price,omitempty"`
	FillQty   float64   `json:"fill_qty,omitempty"`
	Fee       float64   `json:"fee,omitempty"`
	TS        time.Time `json:"ts"`
}

// Gateway submits orders to a venue, real or simulated.
type Gateway interface {
	Name() string
	Submit(ctx context.Context, req OrderRequest) (OrderResult, error)
}

// PaperGateway fills every order instantly against the reference price,
// bumped by the estimated impact plus noise, and charges taker fees.
type PaperGateway struct {
	FeeBps float64

	mu  sync.Mutex
	rng *rand.Rand
}

func NewPaperGateway(feeBps float64, seed int64) *PaperGateway {
	return &PaperGateway{FeeBps: feeBps, rng: rand.New(rand.NewSource(seed))}
}

func (p *PaperGateway) Name() string { return "paper" }

func (p *PaperGateway) Submit(_ context.Context, req OrderRequest) (OrderResult, error) {
	p.mu.Lock()
	noise := p.rng.Float64() * 0.5 // up to half a bp of random slip
	p.mu.Unlock()

	slipBps := req.SlippageBps + noise
	price := req.RefPrice
	if req.Side == strategy.SideBuy {
		price *= 1 + slipBps/10000
	} else {
		price *= 1 - slipBps/10000
	}

	notional := price * req.Qty
	return OrderResult{
		OrderID:   uuid.NewString(),
		Status:    StatusFilled,
		FillPrice: price,
		FillQty:   req.Qty,
		Fee:       notional * p.FeeBps / 10000,
		TS:        time.Now().UTC(),
	}, nil
}
