package signals

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"perpbot/internal/config"
	"perpbot/internal/exchange"
	"perpbot/internal/types"
)

// depthBandPct is the book band for the depth measure, ±5% of mid.
var depthBandPct = decimal.NewFromFloat(0.05)

// IntelProvider assembles the market-intelligence overlay for a symbol:
// funding rate, top-trader positioning, and order-book depth, folded into
// a sentiment score in [-50, +50]. Positive sentiment favors longs.
type IntelProvider struct {
	cfg     *config.Config
	gateway exchange.Gateway
}

func NewIntelProvider(cfg *config.Config, gateway exchange.Gateway) *IntelProvider {
	return &IntelProvider{cfg: cfg, gateway: gateway}
}

// Fetch builds the overlay. A failure on any input fails the whole fetch;
// the caller treats a missing overlay as neutral rather than guessing.
func (p *IntelProvider) Fetch(ctx context.Context, symbol string) (*types.MarketIntel, error) {
	funding, err := p.gateway.GetFundingRate(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("intel %s: funding: %w", symbol, err)
	}
	ratio, err := p.gateway.GetTopTraderRatio(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("intel %s: top traders: %w", symbol, err)
	}
	book, err := p.gateway.GetOrderBook(ctx, symbol, 100)
	if err != nil {
		return nil, fmt.Errorf("intel %s: book: %w", symbol, err)
	}

	depth := book.DepthUSD(depthBandPct)
	intel := &types.MarketIntel{
		FundingRate:    funding.Rate,
		LongShortRatio: ratio.LongShort,
		DepthUSD:       depth,
		LiquidityRisk:  depth.LessThan(p.cfg.DepthFloorUSD),
	}
	intel.Sentiment = sentiment(funding.Rate, ratio.LongShort)
	intel.HardBlock = intel.Sentiment <= -p.cfg.MIHardBlock || intel.Sentiment >= p.cfg.MIHardBlock
	return intel, nil
}

// sentiment folds funding and top-trader positioning into [-50, +50].
// High positive funding means crowded longs paying shorts, a bearish
// signal, and vice versa. Top-trader ratio above 1 leans bullish.
func sentiment(funding decimal.Decimal, longShort float64) float64 {
	// Funding contribution: ±0.10% maps to ∓25 points.
	f, _ := funding.Float64()
	fundingScore := clamp(-f/0.001*25, -25, 25)

	// Positioning contribution: ratio 0.5..2.0 maps to -25..+25.
	ratioScore := clamp((longShort-1.0)/1.0*25, -25, 25)

	return clamp(fundingScore+ratioScore, -50, 50)
}

// blocked reports whether extreme institutional mis-alignment vetoes the
// signal. Only sentiment pointing against the trade blocks; extreme
// agreement does not. The hard block always wins, regardless of score.
func blocked(intel *types.MarketIntel, dir types.Direction, hardBlockAt float64) bool {
	if hardBlockAt <= 0 {
		return false
	}
	if dir == types.Long {
		return intel.Sentiment <= -hardBlockAt
	}
	return intel.Sentiment >= hardBlockAt
}

// adjustScore applies the overlay's bounded score adjustment. Sentiment
// aligned with the direction adds points, opposed subtracts, capped at
// ±20 and clamped into [0,100].
func adjustScore(score float64, intel *types.MarketIntel, dir types.Direction) float64 {
	aligned := intel.Sentiment
	if dir == types.Short {
		aligned = -aligned
	}
	adjustment := clamp(aligned/50*20, -20, 20)
	return clamp(score+adjustment, 0, 100)
}
