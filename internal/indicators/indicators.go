// Package indicators turns kline series into the fixed indicator snapshot
// the signal generator scores. Series math is delegated to talib; VWAP,
// slopes, and session flags are computed here.
package indicators

import (
	"time"

	"github.com/markcheno/go-talib"

	"perpbot/internal/exchange"
	"perpbot/internal/types"
)

const (
	rsiPeriod      = 14
	emaFastPeriod  = 9
	emaSlowPeriod  = 21
	macdFast       = 12
	macdSlow       = 26
	macdSignal     = 9
	adxPeriod      = 14
	bbPeriod       = 20
	bbStdDev       = 2.0
	atrPeriod      = 14
	volumeLookback = 20
)

// MinKlines is the shortest series Snapshot accepts. Anything less and the
// slow EMA and MACD tails are not meaningful.
const MinKlines = macdSlow + macdSignal + 1

// Closes extracts close prices as float64.
func Closes(klines []exchange.Kline) []float64 {
	out := make([]float64, len(klines))
	for i, k := range klines {
		out[i] = k.Close.InexactFloat64()
	}
	return out
}

// Highs extracts high prices as float64.
func Highs(klines []exchange.Kline) []float64 {
	out := make([]float64, len(klines))
	for i, k := range klines {
		out[i] = k.High.InexactFloat64()
	}
	return out
}

// Lows extracts low prices as float64.
func Lows(klines []exchange.Kline) []float64 {
	out := make([]float64, len(klines))
	for i, k := range klines {
		out[i] = k.Low.InexactFloat64()
	}
	return out
}

// Volumes extracts base volumes as float64.
func Volumes(klines []exchange.Kline) []float64 {
	out := make([]float64, len(klines))
	for i, k := range klines {
		out[i] = k.Volume.InexactFloat64()
	}
	return out
}

// Snapshot computes the full indicator set from the working timeframe
// series plus a higher-timeframe series for trend context. Returns false
// when either series is too short.
func Snapshot(working, higher []exchange.Kline, now time.Time) (types.IndicatorSnapshot, bool) {
	if len(working) < MinKlines || len(higher) < emaSlowPeriod+1 {
		return types.IndicatorSnapshot{}, false
	}

	closes := Closes(working)
	highs := Highs(working)
	lows := Lows(working)
	volumes := Volumes(working)
	last := len(closes) - 1

	rsi := talib.Rsi(closes, rsiPeriod)
	emaFast := talib.Ema(closes, emaFastPeriod)
	emaSlow := talib.Ema(closes, emaSlowPeriod)
	_, _, hist := talib.Macd(closes, macdFast, macdSlow, macdSignal)
	adx := talib.Adx(highs, lows, closes, adxPeriod)
	upper, middle, lower := talib.BBands(closes, bbPeriod, bbStdDev, bbStdDev, talib.SMA)
	atr := talib.Atr(highs, lows, closes, atrPeriod)

	snap := types.IndicatorSnapshot{
		RSI:     rsi[last],
		EMAFast: emaFast[last],
		EMASlow: emaSlow[last],
		ADX:     adx[last],
		ATR:     atr[last],
	}

	// EMA slope as % change over the last 3 bars of the fast EMA.
	if last >= 3 && emaFast[last-3] != 0 {
		snap.EMASlope = (emaFast[last] - emaFast[last-3]) / emaFast[last-3] * 100
	}

	snap.MACDHist = hist[last]
	if last >= 1 {
		snap.MACDCrossUp = hist[last-1] <= 0 && hist[last] > 0
		snap.MACDCrossDown = hist[last-1] >= 0 && hist[last] < 0
	}

	if middle[last] != 0 {
		snap.BollingerWidth = (upper[last] - lower[last]) / middle[last] * 100
	}

	vwap, vwapPrev := sessionVWAP(working)
	if vwap != 0 {
		snap.VWAPDistance = (closes[last] - vwap) / vwap * 100
	}
	if vwapPrev != 0 {
		snap.VWAPSlope = (vwap - vwapPrev) / vwapPrev * 100
	}

	snap.VolumeRatio = volumeRatio(volumes)

	// Higher-timeframe trend: fast EMA over slow on the last bar.
	hc := Closes(higher)
	hFast := talib.Ema(hc, emaFastPeriod)
	hSlow := talib.Ema(hc, emaSlowPeriod)
	snap.TrendUp1h = hFast[len(hFast)-1] > hSlow[len(hSlow)-1]

	hour := now.UTC().Hour()
	snap.USSession = hour >= 13 && hour < 21
	snap.AsiaSession = hour >= 0 && hour < 8

	return snap, true
}

// sessionVWAP returns the volume-weighted average price over the klines
// belonging to the current UTC day, plus the value one bar earlier for
// slope computation. Falls back to the whole series when no bar is from
// today (thin or stale data).
func sessionVWAP(klines []exchange.Kline) (current, previous float64) {
	start := 0
	if len(klines) > 0 {
		midnight := time.UnixMilli(klines[len(klines)-1].OpenTime).UTC().Truncate(24 * time.Hour)
		for i, k := range klines {
			if !time.UnixMilli(k.OpenTime).UTC().Before(midnight) {
				start = i
				break
			}
		}
	}
	session := klines[start:]
	if len(session) == 0 {
		session = klines
	}

	current = vwapOf(session)
	if len(session) > 1 {
		previous = vwapOf(session[:len(session)-1])
	}
	return current, previous
}

func vwapOf(klines []exchange.Kline) float64 {
	var pvSum, vSum float64
	for _, k := range klines {
		typical := (k.High.InexactFloat64() + k.Low.InexactFloat64() + k.Close.InexactFloat64()) / 3
		vol := k.Volume.InexactFloat64()
		pvSum += typical * vol
		vSum += vol
	}
	if vSum == 0 {
		return 0
	}
	return pvSum / vSum
}

// volumeRatio compares the latest bar's volume to the trailing average.
func volumeRatio(volumes []float64) float64 {
	if len(volumes) < 2 {
		return 1
	}
	lookback := volumeLookback
	if len(volumes)-1 < lookback {
		lookback = len(volumes) - 1
	}
	var sum float64
	for _, v := range volumes[len(volumes)-1-lookback : len(volumes)-1] {
		sum += v
	}
	avg := sum / float64(lookback)
	if avg == 0 {
		return 1
	}
	return volumes[len(volumes)-1] / avg
}
