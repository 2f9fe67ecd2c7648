// Package signals converts scanner candidates into scored trade signals.
//
// A signal evaluation is a pure function of the kline data and config:
// fetch three horizons, build the indicator snapshot, classify the regime,
// score indicator agreement with per-regime weights, then let the
// market-intelligence overlay adjust or block. Identical inputs always
// produce identical signals.
package signals

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"perpbot/internal/config"
	"perpbot/internal/exchange"
	"perpbot/internal/indicators"
	"perpbot/internal/types"
)

// ErrMIHardBlock marks a candidate rejected by the intelligence overlay.
var ErrMIHardBlock = errors.New("market intelligence hard block")

// TP ladder reference distances in ATR multiples, weighted 30/40/30 for
// the reward-risk computation.
var (
	tpLadderATR    = []float64{1.0, 1.5, 2.0}
	tpLadderWeight = []float64{0.30, 0.40, 0.30}
)

// Generator evaluates one candidate at a time.
type Generator struct {
	cfg     *config.Config
	gateway exchange.Gateway
	intel   *IntelProvider
	nowFn   func() time.Time
}

func NewGenerator(cfg *config.Config, gateway exchange.Gateway, intel *IntelProvider) *Generator {
	return &Generator{cfg: cfg, gateway: gateway, intel: intel, nowFn: time.Now}
}

// Evaluate scores one candidate. Returns (nil, nil) when no signal clears
// the thresholds, ErrMIHardBlock when the overlay vetoes, and other errors
// for data failures. The per-call deadline bounds all venue fetches.
func (g *Generator) Evaluate(ctx context.Context, cand types.Candidate) (*types.Signal, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.SignalTimeout)
	defer cancel()

	short, err := g.gateway.GetKlines(ctx, cand.Symbol, "1m", 60)
	if err != nil {
		return nil, fmt.Errorf("signal %s: short klines: %w", cand.Symbol, err)
	}
	working, err := g.gateway.GetKlines(ctx, cand.Symbol, "5m", 120)
	if err != nil {
		return nil, fmt.Errorf("signal %s: working klines: %w", cand.Symbol, err)
	}
	higher, err := g.gateway.GetKlines(ctx, cand.Symbol, "1h", 48)
	if err != nil {
		return nil, fmt.Errorf("signal %s: higher klines: %w", cand.Symbol, err)
	}

	snap, ok := indicators.Snapshot(working, higher, g.nowFn())
	if !ok {
		log.Debug().Str("symbol", cand.Symbol).Msg("Insufficient klines for snapshot")
		return nil, nil
	}

	return g.build(ctx, cand, short, snap)
}

// build runs the scoring pipeline on an already-computed snapshot.
func (g *Generator) build(ctx context.Context, cand types.Candidate, short []exchange.Kline, snap types.IndicatorSnapshot) (*types.Signal, error) {
	direction, ok := direction(snap, g.cfg.RSIOversold, g.cfg.RSIOverbought)
	if !ok {
		return nil, nil
	}

	regime := ClassifyRegime(snap)
	score := rawScore(snap, direction, regime, g.cfg.RSIOversold, g.cfg.RSIOverbought)

	entry := cand.LastPrice
	if len(short) > 0 {
		entry = short[len(short)-1].Close
	}
	if entry.IsZero() || snap.ATR <= 0 {
		return nil, nil
	}

	sig := &types.Signal{
		Symbol:     cand.Symbol,
		Direction:  direction,
		Regime:     regime,
		Type:       signalType(snap, direction, g.cfg.RSIOversold, g.cfg.RSIOverbought),
		Entry:      entry,
		Indicators: snap,
		CreatedAt:  g.nowFn(),
	}
	g.attachLevels(sig)

	// Overlay before threshold checks so the adjusted score decides.
	if g.intel != nil {
		intel, err := g.intel.Fetch(ctx, cand.Symbol)
		if err != nil {
			log.Debug().Err(err).Str("symbol", cand.Symbol).Msg("Intel overlay unavailable")
		} else {
			sig.Intel = intel
			if blocked(intel, direction, g.cfg.MIHardBlock) {
				return nil, fmt.Errorf("signal %s: %w", cand.Symbol, ErrMIHardBlock)
			}
			score = adjustScore(score, intel, direction)
		}
	}
	sig.Score = score

	hot := g.cfg.Snapshot()
	minScore := minScoreFor(regime, hot.MinScoreTrend, hot.MinScoreRange)
	if score < minScore {
		return nil, nil
	}
	minRR := minRRFor(regime, g.cfg.MinRRTrend, g.cfg.MinRRRange)
	if sig.RRRatio < minRR {
		return nil, nil
	}
	return sig, nil
}

// attachLevels computes the ATR stop, the reference TP ladder, and the
// weighted reward-risk ratio.
func (g *Generator) attachLevels(sig *types.Signal) {
	price := sig.Entry.InexactFloat64()
	stopDistPct := clamp(sig.Indicators.ATR*g.cfg.ATRStopMult/price*100, g.cfg.ATRStopMinPct, g.cfg.ATRStopMaxPct)
	stopDist := decimal.NewFromFloat(stopDistPct / 100).Mul(sig.Entry)

	if sig.Direction == types.Long {
		sig.StopLoss = sig.Entry.Sub(stopDist)
	} else {
		sig.StopLoss = sig.Entry.Add(stopDist)
	}

	var weightedTP float64
	sig.TakeProfit = sig.TakeProfit[:0]
	for i, mult := range tpLadderATR {
		dist := decimal.NewFromFloat(sig.Indicators.ATR * mult)
		if sig.Direction == types.Long {
			sig.TakeProfit = append(sig.TakeProfit, sig.Entry.Add(dist))
		} else {
			sig.TakeProfit = append(sig.TakeProfit, sig.Entry.Sub(dist))
		}
		weightedTP += sig.Indicators.ATR * mult * tpLadderWeight[i]
	}

	if d := stopDist.InexactFloat64(); d > 0 {
		sig.RRRatio = weightedTP / d
	}
}

// direction decides the trade side from indicator agreement. RSI beyond a
// threshold adds a lean, confirmed or overruled by MACD and EMA votes.
// Exactly at a threshold counts as the non-extreme side. A tied vote means
// no tradable signal.
func direction(snap types.IndicatorSnapshot, oversold, overbought float64) (types.Direction, bool) {
	longVotes, shortVotes := 0, 0

	if snap.EMAFast > snap.EMASlow {
		longVotes++
	} else if snap.EMAFast < snap.EMASlow {
		shortVotes++
	}
	if snap.MACDHist > 0 {
		longVotes++
	} else if snap.MACDHist < 0 {
		shortVotes++
	}
	if snap.RSI < oversold {
		longVotes++
	} else if snap.RSI > overbought {
		shortVotes++
	}
	if snap.VWAPDistance > 0 {
		longVotes++
	} else if snap.VWAPDistance < 0 {
		shortVotes++
	}

	if longVotes == shortVotes {
		return "", false
	}
	if longVotes > shortVotes {
		return types.Long, true
	}
	return types.Short, true
}

// signalType tags REVERSAL when the direction opposes the higher-timeframe
// trend with a confirmed RSI extreme, TREND otherwise.
func signalType(snap types.IndicatorSnapshot, dir types.Direction, oversold, overbought float64) types.SignalType {
	against := (dir == types.Long && !snap.TrendUp1h) || (dir == types.Short && snap.TrendUp1h)
	extreme := (dir == types.Long && snap.RSI < oversold) || (dir == types.Short && snap.RSI > overbought)
	if against && extreme {
		return types.SignalReversal
	}
	return types.SignalTrend
}

// rawScore combines component agreement into [0,100] with regime weights.
func rawScore(snap types.IndicatorSnapshot, dir types.Direction, regime types.Regime, oversold, overbought float64) float64 {
	w := weightsFor(regime)
	long := dir == types.Long

	var trend float64
	if (long && snap.EMAFast > snap.EMASlow) || (!long && snap.EMAFast < snap.EMASlow) {
		trend += 0.6
	}
	if (long && snap.EMASlope > 0) || (!long && snap.EMASlope < 0) {
		trend += 0.4
	}

	var momentum float64
	if (long && snap.MACDHist > 0) || (!long && snap.MACDHist < 0) {
		momentum += 0.6
	}
	if (long && snap.MACDCrossUp) || (!long && snap.MACDCrossDown) {
		momentum += 0.4
	}

	var rsi float64
	switch {
	case long && snap.RSI < oversold, !long && snap.RSI > overbought:
		rsi = 1.0
	case long && snap.RSI < 45, !long && snap.RSI > 55:
		rsi = 0.7
	case long && snap.RSI < 60, !long && snap.RSI > 40:
		rsi = 0.4
	default:
		rsi = 0.1
	}

	var volume float64
	switch {
	case snap.VolumeRatio >= 1.5:
		volume = 1.0
	case snap.VolumeRatio >= 1.0:
		volume = 0.6
	default:
		volume = 0.3
	}

	var vwap float64
	if (long && snap.VWAPDistance > 0) || (!long && snap.VWAPDistance < 0) {
		vwap += 0.6
	}
	if (long && snap.VWAPSlope > 0) || (!long && snap.VWAPSlope < 0) {
		vwap += 0.4
	}

	session := 0.5
	if snap.USSession || snap.AsiaSession {
		session = 1.0
	}

	score := w.Trend*trend + w.Momentum*momentum + w.RSI*rsi + w.Volume*volume + w.VWAP*vwap + w.Session*session
	return score * 100
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
