package feed

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/impulsebot/internal/bus"
	"github.com/quantfold/impulsebot/internal/config"
)

type scriptedSource struct {
	ticks []Tick
	block bool
}

func (s *scriptedSource) Name() string { return "scripted" }

func (s *scriptedSource) Run(ctx context.Context, out chan<- Tick) error {
	for _, t := range s.ticks {
		select {
		case out <- t:
		case <-ctx.Done():
			return nil
		}
	}
	if s.block {
		<-ctx.Done()
	}
	return nil
}

func feedConfig() config.Feed {
	return config.Feed{
		StaleSeconds:      1,
		ReconnectBaseMs:   10,
		ReconnectMaxMs:    50,
		ReconnectJitterMs: 5,
		PingSeconds:       15,
	}
}

func TestSupervisorDropsDuplicatesAndOutOfOrder(t *testing.T) {
	base := time.Now().UTC()
	src := &scriptedSource{ticks: []Tick{
		{Symbol: "BTCUSDT", TS: base, Price: 100, TradeID: 1},
		{Symbol: "BTCUSDT", TS: base.Add(time.Millisecond), Price: 101, TradeID: 1},                       // duplicate id
		{Symbol: "BTCUSDT", TS: base.Add(-time.Second), Price: 99, TradeID: 2},                            // out of order
		{Symbol: "BTCUSDT", TS: base.Add(2 * time.Millisecond), Price: 102, TradeID: 3},
	}}

	sup := NewSupervisor(src, feedConfig(), []string{"BTCUSDT"}, bus.New(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	var got []Tick
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case tick := <-sup.Ticks():
			got = append(got, tick)
		case <-timeout:
			t.Fatalf("expected 2 ticks, got %d", len(got))
		}
	}
	assert.Equal(t, int64(1), got[0].TradeID)
	assert.Equal(t, int64(3), got[1].TradeID)
}

func TestSupervisorMarksStaleThenRestores(t *testing.T) {
	base := time.Now().UTC()
	src := &scriptedSource{ticks: []Tick{{Symbol: "BTCUSDT", TS: base, Price: 100, TradeID: 1}}, block: true}

	var mu sync.Mutex
	transitions := []bool{}
	onStale := func(symbol string, stale bool) {
		mu.Lock()
		transitions = append(transitions, stale)
		mu.Unlock()
	}

	sup := NewSupervisor(src, feedConfig(), []string{"BTCUSDT"}, bus.New(), onStale)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	// First tick clears the initial stale state.
	select {
	case <-sup.Ticks():
	case <-time.After(2 * time.Second):
		t.Fatal("expected first tick")
	}
	assert.False(t, sup.Stale("BTCUSDT"))

	// Silence beyond the threshold marks the symbol stale again.
	require.Eventually(t, func() bool { return sup.Stale("BTCUSDT") }, 5*time.Second, 50*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, transitions)
	assert.False(t, transitions[0]) // restored on first tick
	assert.True(t, transitions[len(transitions)-1])
}

func TestReplaySourceReadsJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ticks.jsonl")
	body := `{"symbol":"BTCUSDT","ts":"2026-01-02T10:00:00Z","price":64000,"size":0.1,"trade_id":1}
{"symbol":"BTCUSDT","ts":"2026-01-02T10:00:01Z","price":64010,"size":0.2,"trade_id":2}
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	src := &ReplaySource{Path: path}
	out := make(chan Tick, 4)
	require.NoError(t, src.Run(context.Background(), out))
	close(out)

	var got []Tick
	for tick := range out {
		got = append(got, tick)
	}
	require.Len(t, got, 2)
	assert.Equal(t, 64010.0, got[1].Price)
	assert.Equal(t, int64(2), got[1].TradeID)
}
