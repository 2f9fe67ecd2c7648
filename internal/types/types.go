package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED DOMAIN TYPES - Closed enums, no free-form maps
// ═══════════════════════════════════════════════════════════════════════════════

// Direction of a trade
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Opposite returns the other direction
func (d Direction) Opposite() Direction {
	if d == Long {
		return Short
	}
	return Long
}

// Regime classifies current market conditions
type Regime string

const (
	RegimeTrendingHighVol Regime = "TRENDING_HIGH_VOL"
	RegimeTrendingLowVol  Regime = "TRENDING_LOW_VOL"
	RegimeRangingHighVol  Regime = "RANGING_HIGH_VOL"
	RegimeRangingLowVol   Regime = "RANGING_LOW_VOL"
	RegimeExplosive       Regime = "EXPLOSIVE"
)

// IsTrending reports whether the regime is one of the trending variants
func (r Regime) IsTrending() bool {
	return r == RegimeTrendingHighVol || r == RegimeTrendingLowVol || r == RegimeExplosive
}

// SignalType separates trend-following entries from counter-trend ones.
// The two use independent slot buckets in the risk manager.
type SignalType string

const (
	SignalTrend    SignalType = "TREND"
	SignalReversal SignalType = "REVERSAL"
)

// MarginMode for a position
type MarginMode string

const (
	MarginCross    MarginMode = "CROSS"
	MarginIsolated MarginMode = "ISOLATED"
)

// ExitReason recorded when a position closes
type ExitReason string

const (
	ExitSL        ExitReason = "SL"
	ExitTP1       ExitReason = "TP_1"
	ExitTP2       ExitReason = "TP_2"
	ExitTP3       ExitReason = "TP_3"
	ExitTrailing  ExitReason = "TRAILING"
	ExitBreakeven ExitReason = "BREAKEVEN"
	ExitTime      ExitReason = "TIME"
	ExitManual    ExitReason = "MANUAL"
	ExitFunding   ExitReason = "FUNDING"
	ExitEmergency ExitReason = "EMERGENCY"
)

// RejectReason is the closed taxonomy for why a signal was not traded
type RejectReason string

const (
	RejectMarketFilter      RejectReason = "market_filter"
	RejectCorrelation       RejectReason = "correlation_filter"
	RejectBlacklist         RejectReason = "blacklist"
	RejectLowVolume         RejectReason = "low_volume"
	RejectCapitalZone       RejectReason = "capital_zone"
	RejectSlotFull          RejectReason = "slot_full"
	RejectMarginInsufficient RejectReason = "margin_insufficient"
	RejectMinNotional       RejectReason = "min_notional"
	RejectCircuitBreaker    RejectReason = "circuit_breaker"
	RejectMIHardBlock       RejectReason = "mi_hard_block"
	RejectDuplicateSymbol   RejectReason = "duplicate_symbol"
)

// StrategyTag records which TP ladder shape was attached
type StrategyTag string

const (
	StrategyConservative StrategyTag = "CONSERVATIVE"
	StrategyFibonacci    StrategyTag = "FIBONACCI"
)

// Candidate is one symbol selected by the scanner for signal evaluation
type Candidate struct {
	Symbol      string
	LastPrice   decimal.Decimal
	QuoteVolume decimal.Decimal // 24h quote volume
	Change24h   decimal.Decimal // 24h price change %
	Trend       string          // coarse tag: UP, DOWN, FLAT
}

// IndicatorSnapshot is the fixed set of indicator values a signal is built from.
// Values are float64 because they feed score math, not orders.
type IndicatorSnapshot struct {
	RSI            float64
	EMAFast        float64
	EMASlow        float64
	EMASlope       float64
	MACDHist       float64
	MACDCrossUp    bool
	MACDCrossDown  bool
	ADX            float64
	BollingerWidth float64
	ATR            float64
	VWAPDistance   float64 // % distance of price from VWAP
	VWAPSlope      float64
	VolumeRatio    float64 // current vs average volume
	TrendUp1h      bool    // longer-horizon trend direction
	USSession      bool
	AsiaSession    bool
}

// MarketIntel is the sentiment/liquidity overlay attached to a signal
type MarketIntel struct {
	Sentiment      float64 // [-50, +50]
	FundingRate    decimal.Decimal
	LongShortRatio float64 // top-trader accounts long/short
	DepthUSD       decimal.Decimal // order book depth within ±5% of mid
	LiquidityRisk  bool            // thin book; warn, never block
	HardBlock      bool            // extreme institutional mis-alignment
}

// Signal is a candidate trade decision. It lives for at most one cycle:
// created by the generator, judged by the risk manager, then dropped.
type Signal struct {
	Symbol     string
	Direction  Direction
	Score      float64 // 0-100
	Regime     Regime
	Type       SignalType
	Entry      decimal.Decimal
	StopLoss   decimal.Decimal
	TakeProfit []decimal.Decimal // ordered ladder, nearest first
	RRRatio    float64
	Indicators IndicatorSnapshot
	Intel      *MarketIntel // nil when the overlay was unavailable
	CreatedAt  time.Time
}

// Position is an open exchange position owned by the engine
type Position struct {
	Symbol       string
	Direction    Direction
	EntryPrice   decimal.Decimal // effective entry after DCA fills
	Quantity     decimal.Decimal
	Leverage     int
	MarginMode   MarginMode
	SignalType   SignalType
	Strategy     StrategyTag
	OpenedAt     time.Time
	PeakPnLPct   decimal.Decimal // profit watermark, monotonic in favor
	TroughPnLPct decimal.Decimal
	DCALevelsUsed int
	OriginalQty   decimal.Decimal // size before DCA, rung sizing base
	TPFilled      int             // ladder legs realized so far
	BreakevenArmed bool
	TrailingActive bool
	TrailingPeak   decimal.Decimal
	TrailCallback  decimal.Decimal // current callback %, recomputed on new bars
	StopLoss       decimal.Decimal
	StopOrderID    string
	TPOrderIDs     []string
	FundingPeriods int
	FundingPaid    decimal.Decimal
	FeesPaid       decimal.Decimal // commissions observed on the stream, all legs
	EntryFee       decimal.Decimal // commissions on non-reduce-only fills
	ATR            float64 // at entry, refreshed by the monitor
}

// PnLPct returns unrealized P&L as % of entry, leverage excluded
func (p *Position) PnLPct(mark decimal.Decimal) decimal.Decimal {
	if p.EntryPrice.IsZero() {
		return decimal.Zero
	}
	diff := mark.Sub(p.EntryPrice)
	if p.Direction == Short {
		diff = diff.Neg()
	}
	return diff.Div(p.EntryPrice).Mul(decimal.NewFromInt(100))
}

// TradeRecord is the historical outcome of a closed position
type TradeRecord struct {
	ID          string
	Symbol      string
	Direction   Direction
	SignalType  SignalType
	Strategy    StrategyTag
	EntryPrice  decimal.Decimal
	ExitPrice   decimal.Decimal
	Quantity    decimal.Decimal
	Leverage    int
	MarginMode  MarginMode
	EntryFee    decimal.Decimal
	ExitFee     decimal.Decimal
	FundingCost decimal.Decimal
	RealizedPnL decimal.Decimal
	NetPnL      decimal.Decimal
	ExitReason  ExitReason
	OpenedAt    time.Time
	ClosedAt    time.Time
}

// CapitalSnapshot is the risk manager's view of account health.
// External readers always receive a copy.
type CapitalSnapshot struct {
	TotalWallet     decimal.Decimal
	Available       decimal.Decimal
	UnrealizedPnL   decimal.Decimal
	MarginUsed      decimal.Decimal
	DailyPeak       decimal.Decimal
	IntradayTrough  decimal.Decimal
	CurrentDrawdown decimal.Decimal // % off peak
	UpdatedAt       time.Time
}

// MarginUtilization returns margin used as a fraction of total wallet
func (c CapitalSnapshot) MarginUtilization() decimal.Decimal {
	if c.TotalWallet.IsZero() {
		return decimal.Zero
	}
	return c.MarginUsed.Div(c.TotalWallet)
}

// PositionMetadata survives restarts so slot accounting stays correct.
// Version is monotonically increasing; stale writes are rejected.
type PositionMetadata struct {
	Symbol     string
	SignalType SignalType
	Strategy   StrategyTag
	Version    int64
}
