package position

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOpenAddReduceFlatten(t *testing.T) {
	b := NewBook()
	ts := time.Now()

	ch := b.Apply(Fill{Symbol: "BTCUSDT", Side: "BUY", Qty: 0.5, Price: 100, Fee: 0.1, TS: ts})
	require.Equal(t, "OPENED", ch.Kind)
	require.InDelta(t, -0.1, ch.RealizedPnL, 1e-9)

	ch = b.Apply(Fill{Symbol: "BTCUSDT", Side: "BUY", Qty: 0.5, Price: 110, TS: ts})
	require.Equal(t, "INCREASED", ch.Kind)
	require.InDelta(t, 105, ch.Position.EntryPrice, 1e-9)
	require.InDelta(t, 1.0, ch.Position.Qty, 1e-9)

	ch = b.Apply(Fill{Symbol: "BTCUSDT", Side: "SELL", Qty: 0.4, Price: 120, TS: ts})
	require.Equal(t, "REDUCED", ch.Kind)
	require.InDelta(t, 0.4*(120-105), ch.RealizedPnL, 1e-9)
	require.InDelta(t, 0.4*105, ch.Released, 1e-9)

	ch = b.Apply(Fill{Symbol: "BTCUSDT", Side: "SELL", Qty: 0.6, Price: 90, TS: ts})
	require.Equal(t, "FLATTENED", ch.Kind)
	require.InDelta(t, 0.6*(90-105), ch.RealizedPnL, 1e-9)
	_, ok := b.Get("BTCUSDT")
	require.False(t, ok)
}

func TestShortSideRealized(t *testing.T) {
	b := NewBook()
	ts := time.Now()

	b.Apply(Fill{Symbol: "ETHUSDT", Side: "SELL", Qty: 2, Price: 3000, TS: ts})
	ch := b.Apply(Fill{Symbol: "ETHUSDT", Side: "BUY", Qty: 2, Price: 2900, TS: ts})
	require.Equal(t, "FLATTENED", ch.Kind)
	require.InDelta(t, 2*(3000-2900), ch.RealizedPnL, 1e-9)
}

func TestCrossThroughFlatReopens(t *testing.T) {
	b := NewBook()
	ts := time.Now()

	b.Apply(Fill{Symbol: "SOLUSDT", Side: "BUY", Qty: 1, Price: 150, TS: ts})
	ch := b.Apply(Fill{Symbol: "SOLUSDT", Side: "SELL", Qty: 3, Price: 160, TS: ts})
	require.Equal(t, "REDUCED", ch.Kind)
	require.InDelta(t, 1*(160-150), ch.RealizedPnL, 1e-9)

	pos, ok := b.Get("SOLUSDT")
	require.True(t, ok)
	require.InDelta(t, -2, pos.Qty, 1e-9)
	require.InDelta(t, 160, pos.EntryPrice, 1e-9)
}

func TestMarkUpdatesUnrealized(t *testing.T) {
	b := NewBook()
	b.Apply(Fill{Symbol: "BTCUSDT", Side: "BUY", Qty: 1, Price: 100, TS: time.Now()})
	b.Mark("BTCUSDT", 103)
	pos, _ := b.Get("BTCUSDT")
	require.InDelta(t, 3, pos.Unrealized, 1e-9)
	require.InDelta(t, 3, b.TotalUnrealized(), 1e-9)
}
