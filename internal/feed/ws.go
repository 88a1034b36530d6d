package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quantfold/impulsebot/internal/observ"
)

// WSSource consumes a combined exchange stream over a single websocket:
// one aggTrade and one bookTicker subscription per symbol. Book updates are
// cached and stamped onto the next trade so every Tick carries the current
// spread and visible depth.
type WSSource struct {
	Endpoint    string
	Symbols     []string
	PingSeconds int

	mu   sync.Mutex
	book map[string]topOfBook
}

type topOfBook struct {
	spreadBps float64
	depth     float64
}

type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type aggTradeFrame struct {
	Symbol     string `json:"s"`
	Price      string `json:"p"`
	Quantity   string `json:"q"`
	TradeID    int64  `json:"a"`
	TradeTime  int64  `json:"T"`
	BuyerMaker bool   `json:"m"`
}

type bookTickerFrame struct {
	Symbol string `json:"s"`
	BidPx  string `json:"b"`
	BidQty string `json:"B"`
	AskPx  string `json:"a"`
	AskQty string `json:"A"`
}

func (w *WSSource) Name() string { return "ws" }

func (w *WSSource) Run(ctx context.Context, out chan<- Tick) error {
	if len(w.Symbols) == 0 {
		return fmt.Errorf("ws source requires at least one symbol")
	}
	if w.book == nil {
		w.book = make(map[string]topOfBook)
	}

	streams := make([]string, 0, len(w.Symbols)*2)
	for _, sym := range w.Symbols {
		lower := strings.ToLower(sym)
		streams = append(streams, lower+"@aggTrade", lower+"@bookTicker")
	}
	url := fmt.Sprintf("%s/stream?streams=%s", strings.TrimRight(w.Endpoint, "/"), strings.Join(streams, "/"))

	log := observ.Logger("feed.ws")
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", w.Endpoint, err)
	}
	defer conn.Close()
	log.Info().Strs("symbols", w.Symbols).Msg("market data stream connected")

	readWindow := 30 * time.Second
	conn.SetReadLimit(1 << 20)
	conn.SetReadDeadline(time.Now().Add(readWindow))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readWindow))
		return nil
	})

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go func() {
		interval := time.Duration(w.PingSeconds) * time.Second
		if interval <= 0 {
			interval = 15 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-pingCtx.Done():
				return
			}
		}
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		var env streamEnvelope
		if err := json.Unmarshal(message, &env); err != nil {
			log.Warn().Err(err).Msg("undecodable stream frame")
			continue
		}

		switch {
		case strings.HasSuffix(env.Stream, "@aggTrade"):
			tick, err := w.parseTrade(env.Data)
			if err != nil {
				log.Warn().Err(err).Msg("bad trade frame")
				continue
			}
			select {
			case out <- tick:
			case <-ctx.Done():
				return nil
			}
		case strings.HasSuffix(env.Stream, "@bookTicker"):
			if err := w.updateBook(env.Data); err != nil {
				log.Warn().Err(err).Msg("bad book frame")
			}
		}
	}
}

func (w *WSSource) parseTrade(data json.RawMessage) (Tick, error) {
	var f aggTradeFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return Tick{}, err
	}
	price, err := strconv.ParseFloat(f.Price, 64)
	if err != nil {
		return Tick{}, fmt.Errorf("price %q: %w", f.Price, err)
	}
	qty, err := strconv.ParseFloat(f.Quantity, 64)
	if err != nil {
		return Tick{}, fmt.Errorf("quantity %q: %w", f.Quantity, err)
	}

	w.mu.Lock()
	tob := w.book[f.Symbol]
	w.mu.Unlock()

	return Tick{
		Symbol:     f.Symbol,
		TS:         time.UnixMilli(f.TradeTime),
		Price:      price,
		Size:       qty,
		TradeID:    f.TradeID,
		BuyerMaker: f.BuyerMaker,
		SpreadBps:  tob.spreadBps,
		Depth:      tob.depth,
	}, nil
}

func (w *WSSource) updateBook(data json.RawMessage) error {
	var f bookTickerFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	bid, err := strconv.ParseFloat(f.BidPx, 64)
	if err != nil {
		return err
	}
	ask, err := strconv.ParseFloat(f.AskPx, 64)
	if err != nil {
		return err
	}
	bidQty, _ := strconv.ParseFloat(f.BidQty, 64)
	askQty, _ := strconv.ParseFloat(f.AskQty, 64)

	mid := (bid + ask) / 2
	if mid <= 0 {
		return fmt.Errorf("non-positive mid for %s", f.Symbol)
	}
	w.mu.Lock()
	w.book[f.Symbol] = topOfBook{
		spreadBps: (ask - bid) / mid * 10000,
		depth:     (bid*bidQty + ask*askQty) / 2,
	}
	w.mu.Unlock()
	return nil
}
