package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/impulsebot/internal/bus"
	"github.com/quantfold/impulsebot/internal/observ"
)

// EventJournal appends bus events as JSON lines. It is wired as the bus sink,
// so Write runs on the publisher goroutine and must never block on anything
// slower than a local append.
type EventJournal struct {
	mu  sync.Mutex
	f   *os.File
	log zerolog.Logger
}

func OpenEventJournal(path string) (*EventJournal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &EventJournal{f: f, log: observ.Logger("journal")}, nil
}

func (j *EventJournal) Write(ev bus.Event) {
	line, err := json.Marshal(ev)
	if err != nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.f.Write(append(line, '\n')); err != nil {
		j.log.Error().Err(err).Msg("event journal append failed")
	}
}

func (j *EventJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}

// CompletedTrade is one round trip from entry fill to flat.
type CompletedTrade struct {
	ClosedAt    time.Time
	Symbol      string
	Side        string
	Qty         float64
	EntryPrice  float64
	ExitPrice   float64
	RealizedPnL float64
	HoldSeconds float64
	Reason      string
}

// TradeJournal appends completed trades to a CSV for end-of-day review.
type TradeJournal struct {
	mu  sync.Mutex
	f   *os.File
	log zerolog.Logger
}

var tradeHeader = "closed_at,symbol,side,qty,entry_price,exit_price,realized_pnl,hold_seconds,reason\n"

func OpenTradeJournal(path string) (*TradeJournal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	info, statErr := os.Stat(path)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	if statErr != nil || info.Size() == 0 {
		if _, err := f.WriteString(tradeHeader); err != nil {
			f.Close()
			return nil, err
		}
	}
	return &TradeJournal{f: f, log: observ.Logger("journal")}, nil
}

func (j *TradeJournal) Record(t CompletedTrade) {
	row := fmt.Sprintf("%s,%s,%s,%s,%s,%s,%s,%s,%s\n",
		t.ClosedAt.UTC().Format(time.RFC3339),
		t.Symbol,
		t.Side,
		strconv.FormatFloat(t.Qty, 'f', -1, 64),
		strconv.FormatFloat(t.EntryPrice, 'f', -1, 64),
		strconv.FormatFloat(t.ExitPrice, 'f', -1, 64),
		strconv.FormatFloat(t.RealizedPnL, 'f', 4, 64),
		strconv.FormatFloat(t.HoldSeconds, 'f', 1, 64),
		t.Reason,
	)
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.f.WriteString(row); err != nil {
		j.log.Error().Err(err).Msg("trade journal append failed")
	}
}

func (j *TradeJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}
