package indicators

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpbot/internal/exchange"
)

// flatSeries builds n identical bars starting at the given open time.
func flatSeries(n int, start time.Time, price, volume float64) []exchange.Kline {
	out := make([]exchange.Kline, n)
	for i := range out {
		p := decimal.NewFromFloat(price)
		out[i] = exchange.Kline{
			OpenTime: start.Add(time.Duration(i) * time.Minute).UnixMilli(),
			Open:     p, High: p, Low: p, Close: p,
			Volume: decimal.NewFromFloat(volume),
		}
	}
	return out
}

func TestSnapshotRejectsShortSeries(t *testing.T) {
	now := time.Date(2026, 8, 24, 15, 0, 0, 0, time.UTC)
	short := flatSeries(MinKlines-1, now.Add(-time.Hour), 100, 10)
	higher := flatSeries(48, now.Add(-48*time.Hour), 100, 10)

	_, ok := Snapshot(short, higher, now)
	assert.False(t, ok)

	_, ok = Snapshot(flatSeries(MinKlines, now.Add(-time.Hour), 100, 10), higher[:10], now)
	assert.False(t, ok)
}

func TestSnapshotSessionFlags(t *testing.T) {
	start := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	working := flatSeries(MinKlines, start, 100, 10)
	higher := flatSeries(48, start.Add(-48*time.Hour), 100, 10)

	tests := []struct {
		hour int
		us   bool
		asia bool
	}{
		{2, false, true},
		{7, false, true},
		{8, false, false},
		{13, true, false},
		{20, true, false},
		{21, false, false},
	}
	for _, tt := range tests {
		now := time.Date(2026, 8, 24, tt.hour, 30, 0, 0, time.UTC)
		snap, ok := Snapshot(working, higher, now)
		require.True(t, ok)
		assert.Equal(t, tt.us, snap.USSession, "hour %d US", tt.hour)
		assert.Equal(t, tt.asia, snap.AsiaSession, "hour %d Asia", tt.hour)
	}
}

func TestSnapshotFlatSeriesIsNeutral(t *testing.T) {
	start := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	working := flatSeries(MinKlines, start, 100, 10)
	higher := flatSeries(48, start.Add(-48*time.Hour), 100, 10)

	snap, ok := Snapshot(working, higher, start.Add(time.Hour))
	require.True(t, ok)

	// a perfectly flat tape has no slope, no histogram, no band width
	assert.InDelta(t, 0, snap.EMASlope, 1e-9)
	assert.InDelta(t, 0, snap.MACDHist, 1e-9)
	assert.InDelta(t, 0, snap.BollingerWidth, 1e-9)
	assert.False(t, snap.MACDCrossUp)
	assert.False(t, snap.MACDCrossDown)
	assert.InDelta(t, 0, snap.VWAPDistance, 1e-9)
	assert.InDelta(t, 1, snap.VolumeRatio, 1e-9)
	assert.False(t, snap.TrendUp1h)
}

func TestVolumeRatioSpike(t *testing.T) {
	volumes := make([]float64, 30)
	for i := range volumes {
		volumes[i] = 10
	}
	volumes[len(volumes)-1] = 30
	assert.InDelta(t, 3.0, volumeRatio(volumes), 1e-9)

	assert.Equal(t, 1.0, volumeRatio([]float64{5}))
	assert.Equal(t, 1.0, volumeRatio(nil))
}

func TestVWAPWeightsByVolume(t *testing.T) {
	k := func(price, vol float64) exchange.Kline {
		p := decimal.NewFromFloat(price)
		return exchange.Kline{High: p, Low: p, Close: p, Volume: decimal.NewFromFloat(vol)}
	}
	// 100 with weight 3, 200 with weight 1
	got := vwapOf([]exchange.Kline{k(100, 3), k(200, 1)})
	assert.InDelta(t, 125, got, 1e-9)

	assert.True(t, math.Abs(vwapOf([]exchange.Kline{k(100, 0)})) < 1e-9, "zero volume yields zero VWAP")
}
