package indicator

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hyperagent/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func candleAt(i int, close float64) types.Candle {
	return types.Candle{
		Symbol:   "BTC",
		Interval: "1h",
		Open:     close,
		High:     close + 1,
		Low:      close - 1,
		Close:    close,
		Volume:   100,
		Time:     time.Unix(int64(i)*3600, 0),
	}
}

func TestRingEvictsOldest(t *testing.T) {
	t.Parallel()
	r := NewRing(3)

	for i := 0; i < 5; i++ {
		r.Push(candleAt(i, float64(i)))
	}

	require.Equal(t, 3, r.Len())
	vals := r.Values()
	assert.Equal(t, 2.0, vals[0].Close)
	assert.Equal(t, 4.0, vals[2].Close)
}

func TestRingReplacesDevelopingBar(t *testing.T) {
	t.Parallel()
	r := NewRing(3)

	r.Push(candleAt(0, 100))
	r.Push(candleAt(0, 101)) // same open time: live bar update
	r.Push(candleAt(0, 102))

	require.Equal(t, 1, r.Len())
	assert.Equal(t, 102.0, r.Values()[0].Close)
}

func TestLookbackGating(t *testing.T) {
	t.Parallel()
	e := NewEngine(testLogger())

	var snap Snapshot
	for i := 0; i < 10; i++ {
		snap = e.Update(candleAt(i, 100))
	}

	assert.Nil(t, snap.RSI14, "RSI below lookback")
	assert.Nil(t, snap.SMA20)
	assert.Nil(t, snap.MACD)
	assert.Nil(t, snap.BBUpper)
	assert.NotNil(t, snap.EMA9, "EMA9 within 10 bars")
	assert.Equal(t, 10, snap.Bars)

	for i := 10; i < 40; i++ {
		snap = e.Update(candleAt(i, 100))
	}

	require.NotNil(t, snap.RSI14)
	require.NotNil(t, snap.SMA20)
	require.NotNil(t, snap.MACD)
	require.NotNil(t, snap.ATR14)
	require.NotNil(t, snap.VolumeSMA20)
	assert.Nil(t, snap.SMA50, "SMA50 needs 50 bars")
	assert.Nil(t, snap.SMA200)
}

func TestIndicatorValues(t *testing.T) {
	t.Parallel()
	e := NewEngine(testLogger())

	// Flat series: every average collapses to the constant.
	var snap Snapshot
	for i := 0; i < 60; i++ {
		snap = e.Update(candleAt(i, 250))
	}
	require.NotNil(t, snap.SMA20)
	assert.InDelta(t, 250, *snap.SMA20, 1e-9)
	require.NotNil(t, snap.SMA50)
	assert.InDelta(t, 250, *snap.SMA50, 1e-9)
	require.NotNil(t, snap.BBMiddle)
	assert.InDelta(t, 250, *snap.BBMiddle, 1e-9)

	// Strictly rising closes: RSI pins at 100.
	e2 := NewEngine(testLogger())
	var rising Snapshot
	for i := 0; i < 30; i++ {
		rising = e2.Update(candleAt(i, 100+float64(i)))
	}
	require.NotNil(t, rising.RSI14)
	assert.InDelta(t, 100, *rising.RSI14, 1e-6)
}

func TestSnapshotLookup(t *testing.T) {
	t.Parallel()
	e := NewEngine(testLogger())

	_, ok := e.Snapshot("BTC", "1h")
	assert.False(t, ok, "unknown series")

	e.Update(candleAt(0, 100))
	snap, ok := e.Snapshot("BTC", "1h")
	require.True(t, ok)
	assert.Equal(t, "BTC", snap.Symbol)
	assert.Equal(t, 100.0, snap.Close)

	// Developing-bar updates do not grow the series.
	e.Update(candleAt(0, 105))
	snap, _ = e.Snapshot("BTC", "1h")
	assert.Equal(t, 1, snap.Bars)
	assert.Equal(t, 105.0, snap.Close)
}
