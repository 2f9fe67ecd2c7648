package signals

import "perpbot/internal/types"

// Regime classification thresholds. ADX separates trending from ranging,
// Bollinger width separates high from low volatility, and an outsized
// ADX plus volume burst marks the explosive case.
const (
	adxTrending      = 25.0
	adxExplosive     = 40.0
	volRatioExplosive = 2.0
	bbWidthHighVol   = 4.0
)

// ClassifyRegime maps an indicator snapshot onto the five market regimes.
func ClassifyRegime(snap types.IndicatorSnapshot) types.Regime {
	if snap.ADX >= adxExplosive && snap.VolumeRatio >= volRatioExplosive {
		return types.RegimeExplosive
	}
	trending := snap.ADX >= adxTrending
	highVol := snap.BollingerWidth >= bbWidthHighVol
	switch {
	case trending && highVol:
		return types.RegimeTrendingHighVol
	case trending:
		return types.RegimeTrendingLowVol
	case highVol:
		return types.RegimeRangingHighVol
	default:
		return types.RegimeRangingLowVol
	}
}

// regimeWeights are the per-regime scoring weights. Each row sums to 1.
type regimeWeights struct {
	Trend    float64 // EMA alignment and slope
	Momentum float64 // MACD histogram and crosses
	RSI      float64 // oscillator positioning
	Volume   float64 // participation
	VWAP     float64 // distance and slope vs session VWAP
	Session  float64 // liquidity hours
}

func weightsFor(regime types.Regime) regimeWeights {
	switch regime {
	case types.RegimeTrendingHighVol:
		return regimeWeights{Trend: 0.35, Momentum: 0.25, RSI: 0.10, Volume: 0.15, VWAP: 0.10, Session: 0.05}
	case types.RegimeTrendingLowVol:
		return regimeWeights{Trend: 0.40, Momentum: 0.20, RSI: 0.10, Volume: 0.10, VWAP: 0.15, Session: 0.05}
	case types.RegimeRangingHighVol:
		return regimeWeights{Trend: 0.10, Momentum: 0.20, RSI: 0.35, Volume: 0.15, VWAP: 0.15, Session: 0.05}
	case types.RegimeRangingLowVol:
		return regimeWeights{Trend: 0.10, Momentum: 0.15, RSI: 0.40, Volume: 0.10, VWAP: 0.20, Session: 0.05}
	case types.RegimeExplosive:
		return regimeWeights{Trend: 0.25, Momentum: 0.30, RSI: 0.05, Volume: 0.30, VWAP: 0.05, Session: 0.05}
	default:
		return regimeWeights{Trend: 0.25, Momentum: 0.25, RSI: 0.20, Volume: 0.15, VWAP: 0.10, Session: 0.05}
	}
}

// minScoreFor returns the regime's admission threshold.
func minScoreFor(regime types.Regime, trendMin, rangeMin float64) float64 {
	if regime.IsTrending() {
		return trendMin
	}
	return rangeMin
}

// minRRFor returns the regime's reward-risk floor.
func minRRFor(regime types.Regime, trendMin, rangeMin float64) float64 {
	if regime.IsTrending() {
		return trendMin
	}
	return rangeMin
}
