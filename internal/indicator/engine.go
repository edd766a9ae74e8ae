// Package indicator maintains per-symbol candle history and derives
// technical indicators from it.
//
// Each (symbol, interval) pair owns a 500-bar ring buffer. Every candle
// update recomputes a full snapshot; indicators whose lookback exceeds the
// available history are nil, never zero, so downstream trigger evaluation
// can tell "not enough data" from "indicator at zero".
package indicator

import (
	"log/slog"
	"sync"
	"time"

	"github.com/markcheno/go-talib"

	"hyperagent/pkg/types"
)

// Capacity is the per-series bar history. 500 bars covers the longest
// lookback (SMA 200) with room for warm indicators.
const Capacity = 500

// Snapshot is one immutable indicator readout. Nil fields mean the series
// is still below that indicator's lookback.
type Snapshot struct {
	Symbol   string
	Interval string
	Time     time.Time // open time of the newest bar
	Close    float64
	Bars     int

	RSI14 *float64

	SMA20  *float64
	SMA50  *float64
	SMA200 *float64

	EMA9  *float64
	EMA12 *float64
	EMA20 *float64
	EMA26 *float64
	EMA50 *float64

	MACD       *float64
	MACDSignal *float64
	MACDHist   *float64

	ATR14 *float64

	BBUpper  *float64
	BBMiddle *float64
	BBLower  *float64

	VolumeSMA20 *float64
}

// Engine holds rings and latest snapshots keyed by symbol:interval.
type Engine struct {
	mu     sync.RWMutex
	rings  map[string]*Ring
	snaps  map[string]Snapshot
	logger *slog.Logger
}

func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{
		rings:  make(map[string]*Ring),
		snaps:  make(map[string]Snapshot),
		logger: logger.With("component", "indicator"),
	}
}

func seriesKey(symbol, interval string) string { return symbol + ":" + interval }

// Update folds one candle into its series and returns the fresh snapshot.
func (e *Engine) Update(c types.Candle) Snapshot {
	key := seriesKey(c.Symbol, c.Interval)

	e.mu.Lock()
	defer e.mu.Unlock()

	ring, ok := e.rings[key]
	if !ok {
		ring = NewRing(Capacity)
		e.rings[key] = ring
		e.logger.Info("tracking new series", "symbol", c.Symbol, "interval", c.Interval)
	}
	ring.Push(c)

	snap := compute(c.Symbol, c.Interval, ring.Values())
	e.snaps[key] = snap
	return snap
}

// Closes returns up to n most recent closes for a series, oldest first.
// n <= 0 returns the full history.
func (e *Engine) Closes(symbol, interval string, n int) []float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ring, ok := e.rings[seriesKey(symbol, interval)]
	if !ok {
		return nil
	}
	candles := ring.Values()
	if n > 0 && len(candles) > n {
		candles = candles[len(candles)-n:]
	}
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	return closes
}

// Snapshot returns the latest readout for a series.
func (e *Engine) Snapshot(symbol, interval string) (Snapshot, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	snap, ok := e.snaps[seriesKey(symbol, interval)]
	return snap, ok
}

func compute(symbol, interval string, candles []types.Candle) Snapshot {
	n := len(candles)
	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	volumes := make([]float64, n)
	for i, c := range candles {
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
		volumes[i] = c.Volume
	}

	snap := Snapshot{
		Symbol:   symbol,
		Interval: interval,
		Bars:     n,
	}
	if n > 0 {
		snap.Time = candles[n-1].Time
		snap.Close = closes[n-1]
	}

	// RSI needs one extra bar for the first delta.
	if n >= 15 {
		snap.RSI14 = lastValid(talib.Rsi(closes, 14))
	}

	if n >= 20 {
		snap.SMA20 = lastValid(talib.Sma(closes, 20))
		snap.VolumeSMA20 = lastValid(talib.Sma(volumes, 20))
		upper, middle, lower := talib.BBands(closes, 20, 2, 2, 0)
		snap.BBUpper = lastValid(upper)
		snap.BBMiddle = lastValid(middle)
		snap.BBLower = lastValid(lower)
	}
	if n >= 50 {
		snap.SMA50 = lastValid(talib.Sma(closes, 50))
	}
	if n >= 200 {
		snap.SMA200 = lastValid(talib.Sma(closes, 200))
	}

	for _, ema := range []struct {
		period int
		dst    **float64
	}{
		{9, &snap.EMA9},
		{12, &snap.EMA12},
		{20, &snap.EMA20},
		{26, &snap.EMA26},
		{50, &snap.EMA50},
	} {
		if n >= ema.period {
			*ema.dst = lastValid(talib.Ema(closes, ema.period))
		}
	}

	// MACD lookback: slow EMA plus the signal EMA over the MACD line.
	if n >= 26+9 {
		macd, signal, hist := talib.Macd(closes, 12, 26, 9)
		snap.MACD = lastValid(macd)
		snap.MACDSignal = lastValid(signal)
		snap.MACDHist = lastValid(hist)
	}

	if n >= 15 {
		snap.ATR14 = lastValid(talib.Atr(highs, lows, closes, 14))
	}

	return snap
}

// lastValid returns the final value of a talib output, or nil when the
// output is empty or NaN.
func lastValid(vals []float64) *float64 {
	if len(vals) == 0 {
		return nil
	}
	v := vals[len(vals)-1]
	if v != v { // NaN
		return nil
	}
	return &v
}
