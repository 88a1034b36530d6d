package feature

import (
	"math"
	"sort"
	"time"

	"github.com/quantfold/impulsebot/internal/feed"
)

const (
	retentionWindow = 120 * time.Second
	shortWindow     = 10 * time.Second
	burstWindow     = 3 * time.Second
	bucketSeconds   = 10
	bucketCount     = 12
)

// Snapshot is the derived feature set recomputed on every accepted tick.
type Snapshot struct {
	Symbol              string
	TS                  time.Time
	Price               float64 // last trade price
	DisplacementPct     float64 // over the impulse window
	VolumeZScore        float64 // robust z versus trailing 10s buckets
	TradeRateRatio      float64 // 3s trade rate versus 120s baseline
	ExhaustionRatio     float64 // 1 - velocity/peak velocity, in [0,1]
	Imbalance           float64 // taker buy vs sell flow over 10s
	WickProxy           float64
	SpreadBps           float64
	SpreadNorm          float64
	ImpactPerUnitBps    float64 // modeled price impact per unit quantity
	ExpectedSlippageBps float64 // impact for a unit-size order
	Vol10s              float64 // realized volatility of 10s log returns
	TrendStrengthPct    float64 // displacement over the full retention window
	Depth               float64
	LowLiquidity        bool
}

type sample struct {
	tick   feed.Tick
	ret2   float64 // squared log return vs previous tick
	impact float64 // |dP|/P per unit size
	vel    float64
}

// Window is the per-symbol rolling aggregator. Exactly one Window owns a
// symbol's tick history; it is not safe for concurrent use.
type Window struct {
	symbol        string
	impulseWindow time.Duration

	samples []sample
	i60     int // first sample inside the impulse window
	i10     int
	i3      int

	sum10Size float64
	sum10Buy  float64
	sum10Sell float64
	sum10Ret2 float64
	sum10Imp  float64

	buckets     [bucketCount]float64
	bucketEpoch int64

	// Monotonic deques over the retention window.
	maxPrice deque
	minPrice deque
	maxVel   deque

	spreadSum   float64
	spreadCount int
}

// NewWindow creates the rolling window for one symbol. impulseWindowSeconds
// bounds the displacement horizon; it is capped at the retention window.
func NewWindow(symbol string, impulseWindowSeconds int) *Window {
	iw := time.Duration(impulseWindowSeconds) * time.Second
	if iw <= 0 || iw > retentionWindow {
		iw = retentionWindow
	}
	return &Window{symbol: symbol, impulseWindow: iw, bucketEpoch: -1}
}

// Observe ingests one tick and returns the recomputed features.
func (w *Window) Observe(t feed.Tick) Snapshot {
	s := sample{tick: t}
	if n := len(w.samples); n > 0 {
		prev := w.samples[n-1].tick
		if prev.Price > 0 && t.Price > 0 {
			r := math.Log(t.Price / prev.Price)
			s.ret2 = r * r
			s.impact = math.Abs(t.Price-prev.Price) / prev.Price / math.Max(t.Size, 1e-9)
		}
	}

	w.samples = append(w.samples, s)
	w.sum10Size += t.Size
	if t.BuyerMaker {
		w.sum10Sell += t.Size
	} else {
		w.sum10Buy += t.Size
	}
	w.sum10Ret2 += s.ret2
	w.sum10Imp += s.impact

	w.expire(t.TS)

	// Velocity over the burst window, peak tracked across retention.
	idx := len(w.samples) - 1
	vel := 0.0
	if w.i3 < idx {
		first := w.samples[w.i3].tick
		dt := math.Max(t.TS.Sub(first.TS).Seconds(), 1e-6)
		vel = math.Abs(t.Price-first.Price) / dt
	}
	w.samples[idx].vel = vel
	w.maxPrice.pushMax(t.TS, t.Price)
	w.minPrice.pushMin(t.TS, t.Price)
	w.maxVel.pushMax(t.TS, vel)

	w.updateBuckets(t)
	w.spreadSum += t.SpreadBps
	w.spreadCount++

	return w.snapshot(t)
}

func (w *Window) expire(now time.Time) {
	cut120 := now.Add(-retentionWindow)
	drop := 0
	for drop < len(w.samples)-1 && w.samples[drop].tick.TS.Before(cut120) {
		drop++
	}
	if drop > 0 {
		w.samples = w.samples[drop:]
		w.i60 -= drop
		w.i10 -= drop
		w.i3 -= drop
		if w.i60 < 0 {
			w.i60 = 0
		}
		if w.i10 < 0 {
			w.i10 = 0
		}
		if w.i3 < 0 {
			w.i3 = 0
		}
	}

	cut60 := now.Add(-w.impulseWindow)
	for w.i60 < len(w.samples)-1 && w.samples[w.i60].tick.TS.Before(cut60) {
		w.i60++
	}
	cut10 := now.Add(-shortWindow)
	for w.i10 < len(w.samples)-1 && w.samples[w.i10].tick.TS.Before(cut10) {
		out := w.samples[w.i10]
		w.sum10Size -= out.tick.Size
		if out.tick.BuyerMaker {
			w.sum10Sell -= out.tick.Size
		} else {
			w.sum10Buy -= out.tick.Size
		}
		w.sum10Ret2 -= out.ret2
		w.sum10Imp -= out.impact
		w.i10++
	}
	cut3 := now.Add(-burstWindow)
	for w.i3 < len(w.samples)-1 && w.samples[w.i3].tick.TS.Before(cut3) {
		w.i3++
	}

	w.maxPrice.expire(cut10)
	w.minPrice.expire(cut10)
	w.maxVel.expire(cut120)
}

func (w *Window) updateBuckets(t feed.Tick) {
	epoch := t.TS.Unix() / bucketSeconds
	if w.bucketEpoch < 0 {
		w.bucketEpoch = epoch
	}
	for w.bucketEpoch < epoch {
		w.bucketEpoch++
		w.buckets[w.bucketEpoch%bucketCount] = 0
	}
	w.buckets[epoch%bucketCount] += t.Size
}

func (w *Window) snapshot(t feed.Tick) Snapshot {
	n := len(w.samples)
	price := t.Price

	displacement := 0.0
	if base := w.samples[w.i60].tick.Price; base > 0 {
		displacement = (price - base) / base * 100
	}
	trend := 0.0
	if base := w.samples[0].tick.Price; base > 0 {
		trend = (price - base) / base * 100
	}

	span := t.TS.Sub(w.samples[0].tick.TS).Seconds()
	baselineRate := float64(n) / math.Max(span, 1)
	rate3 := float64(n-w.i3) / burstWindow.Seconds()
	rateRatio := 0.0
	lowLiquidity := false
	if baselineRate < 0.05 || span < burstWindow.Seconds() {
		lowLiquidity = true
	} else {
		rateRatio = rate3 / baselineRate
	}

	volZ := w.volumeZ()
	if w.sum10Size <= 0 {
		volZ = 0
		lowLiquidity = true
	}

	tot := math.Max(w.sum10Buy+w.sum10Sell, 1e-9)
	imbalance := (w.sum10Buy - w.sum10Sell) / tot

	high := w.maxPrice.front(price)
	low := w.minPrice.front(price)
	wick := (high - low) / math.Max(math.Abs(price), 1e-9)

	cnt10 := n - w.i10
	vol10 := 0.0
	if cnt10 > 0 {
		vol10 = math.Sqrt(math.Max(w.sum10Ret2, 0) / float64(cnt10))
	}
	impact := 0.0
	if cnt10 > 0 {
		impact = w.sum10Imp / float64(cnt10)
	}

	vel := w.samples[n-1].vel
	peak := w.maxVel.front(vel)
	exhaustion := 0.0
	if peak > 1e-12 {
		exhaustion = 1 - vel/peak
		if exhaustion < 0 {
			exhaustion = 0
		}
	}

	spreadBaseline := t.SpreadBps
	if w.spreadCount > 0 {
		spreadBaseline = w.spreadSum / float64(w.spreadCount)
	}
	spreadNorm := 0.0
	if spreadBaseline > 1e-9 {
		spreadNorm = t.SpreadBps / spreadBaseline
	}

	return Snapshot{
		Symbol:              w.symbol,
		TS:                  t.TS,
		Price:               t.Price,
		DisplacementPct:     displacement,
		VolumeZScore:        volZ,
		TradeRateRatio:      rateRatio,
		ExhaustionRatio:     exhaustion,
		Imbalance:           imbalance,
		WickProxy:           wick,
		SpreadBps:           t.SpreadBps,
		SpreadNorm:          spreadNorm,
		ImpactPerUnitBps:    impact * 10000,
		ExpectedSlippageBps: impact * 10000,
		Vol10s:              vol10,
		TrendStrengthPct:    trend,
		Depth:               t.Depth,
		LowLiquidity:        lowLiquidity,
	}
}

// volumeZ is a robust z-score of the current 10s volume against the trailing
// completed buckets, using median/MAD so one burst does not poison the
// baseline.
func (w *Window) volumeZ() float64 {
	vols := make([]float64, 0, bucketCount-1)
	cur := int(w.bucketEpoch % bucketCount)
	for i := 0; i < bucketCount; i++ {
		if i == cur {
			continue
		}
		vols = append(vols, w.buckets[i])
	}
	if len(vols) < 4 {
		return 0
	}
	med := median(vols)
	dev := make([]float64, len(vols))
	for i, v := range vols {
		dev[i] = math.Abs(v - med)
	}
	mad := median(dev)
	if mad <= 1e-9 {
		return 0
	}
	return 0.6745 * (w.sum10Size - med) / mad
}

func median(vals []float64) float64 {
	s := append([]float64(nil), vals...)
	sort.Float64s(s)
	n := len(s)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

// deque is a monotonic deque for sliding-window extrema.
type deque struct {
	ts   []time.Time
	vals []float64
}

func (d *deque) pushMax(ts time.Time, v float64) {
	for len(d.vals) > 0 && d.vals[len(d.vals)-1] <= v {
		d.ts = d.ts[:len(d.ts)-1]
		d.vals = d.vals[:len(d.vals)-1]
	}
	d.ts = append(d.ts, ts)
	d.vals = append(d.vals, v)
}

func (d *deque) pushMin(ts time.Time, v float64) {
	for len(d.vals) > 0 && d.vals[len(d.vals)-1] >= v {
		d.ts = d.ts[:len(d.ts)-1]
		d.vals = d.vals[:len(d.vals)-1]
	}
	d.ts = append(d.ts, ts)
	d.vals = append(d.vals, v)
}

func (d *deque) expire(cutoff time.Time) {
	for len(d.ts) > 0 && d.ts[0].Before(cutoff) {
		d.ts = d.ts[1:]
		d.vals = d.vals[1:]
	}
}

func (d *deque) front(fallback float64) float64 {
	if len(d.vals) == 0 {
		return fallback
	}
	return d.vals[0]
}
