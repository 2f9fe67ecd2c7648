// Package executor turns admitted signals into protected positions.
//
// The entry path is three fresh-quote post-only attempts with a market
// fallback, then the protection set (stop-loss plus TP ladder) and the
// post-fill liquidation headroom check. A position only counts as opened
// after its metadata is persisted, so crash recovery can always rebuild
// slot accounting.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"perpbot/internal/config"
	"perpbot/internal/exchange"
	"perpbot/internal/store"
	"perpbot/internal/types"
)

// Fibonacci-extension and conservative TP ladders, in ATR multiples.
var (
	fibLadder          = []float64{1.618, 2.618, 4.236}
	conservativeLadder = []float64{1.0, 1.5, 2.0}
)

// momentum gate for the fibonacci ladder
const (
	momentumRSI    = 65.0
	momentumVolume = 1.5
)

// maintenance margin estimate used for the liquidation distance check
var maintenanceMarginRate = decimal.NewFromFloat(0.004)

// Executor places entries and protective orders.
type Executor struct {
	cfg      *config.Config
	gateway  exchange.Gateway
	metadata *store.MetadataStore

	nowFn   func() time.Time
	sleepFn func(time.Duration)
}

func New(cfg *config.Config, gateway exchange.Gateway, metadata *store.MetadataStore) *Executor {
	return &Executor{
		cfg:      cfg,
		gateway:  gateway,
		metadata: metadata,
		nowFn:    time.Now,
		sleepFn:  time.Sleep,
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// ENTRY
// ═══════════════════════════════════════════════════════════════════════════════

// Open executes an admitted signal with the risk manager's sizing and
// returns the opened position. Any error leaves no position behind.
func (e *Executor) Open(ctx context.Context, sig *types.Signal, qty decimal.Decimal, leverage int, mode types.MarginMode) (*types.Position, error) {
	symbol := sig.Symbol

	adjusted, err := e.gateway.Filters().AdjustQuantity(symbol, qty, sig.Entry)
	if err != nil {
		// Stale filters self-heal: refresh once and retry the adjustment.
		if exchange.IsKind(err, exchange.ErrPrecision) {
			if rerr := e.gateway.RefreshFilters(ctx); rerr != nil {
				return nil, fmt.Errorf("open %s: filter refresh: %w", symbol, rerr)
			}
			adjusted, err = e.gateway.Filters().AdjustQuantity(symbol, qty, sig.Entry)
		}
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", symbol, err)
		}
	}

	if sig.Intel != nil && sig.Intel.LiquidityRisk {
		log.Warn().Str("symbol", symbol).Msg("⚠️ Thin order book, proceeding with entry")
	}

	if err := e.prepareSymbol(ctx, symbol, leverage, mode); err != nil {
		return nil, err
	}

	fill, err := e.enter(ctx, symbol, sig.Direction, adjusted)
	if err != nil {
		return nil, err
	}

	pos := &types.Position{
		Symbol:      symbol,
		Direction:   sig.Direction,
		EntryPrice:  fill.AvgPrice,
		Quantity:    fill.ExecutedQty,
		Leverage:    leverage,
		MarginMode:  mode,
		SignalType:  sig.Type,
		OpenedAt:    e.nowFn(),
		OriginalQty: fill.ExecutedQty,
		StopLoss:    sig.StopLoss,
		ATR:         sig.Indicators.ATR,
	}

	if err := e.ensureHeadroom(ctx, pos); err != nil {
		return nil, err
	}

	pos.Strategy = strategyFor(e.cfg.DynamicTP, sig.Indicators)
	if err := e.attachProtection(ctx, pos); err != nil {
		// Entry succeeded but protection failed: flatten rather than
		// leave an unprotected position.
		e.closeAtMarket(ctx, pos)
		return nil, fmt.Errorf("open %s: protection: %w", symbol, err)
	}

	if err := e.persistMetadata(pos, 1); err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("Metadata persist failed, TREND default on recovery")
	}

	log.Info().Str("symbol", symbol).Str("dir", string(pos.Direction)).
		Str("entry", pos.EntryPrice.String()).Str("qty", pos.Quantity.String()).
		Str("strategy", string(pos.Strategy)).Msg("🚀 Position opened")
	return pos, nil
}

// prepareSymbol sets leverage and margin mode before the entry order.
// Both calls are idempotent on the venue; a position-closed class error
// here means a position already exists and the change is forbidden.
func (e *Executor) prepareSymbol(ctx context.Context, symbol string, leverage int, mode types.MarginMode) error {
	if err := e.gateway.SetLeverage(ctx, symbol, leverage); err != nil {
		return fmt.Errorf("open %s: set leverage: %w", symbol, err)
	}
	if err := e.gateway.SetMarginMode(ctx, symbol, mode); err != nil {
		return fmt.Errorf("open %s: set margin mode: %w", symbol, err)
	}
	return nil
}

// enter runs the three-attempt post-only loop with a market fallback.
// Margin errors shrink the order and retry; precision and position-closed
// class errors are terminal, the gateway already self-healed stale filters
// before surfacing a precision rejection.
func (e *Executor) enter(ctx context.Context, symbol string, dir types.Direction, qty decimal.Decimal) (*exchange.OrderResult, error) {
	side := exchange.SideFor(dir, false)
	marginRetries := 0

	for attempt := 1; attempt <= e.cfg.EntryAttempts; attempt++ {
		quote, err := e.freshQuote(ctx, symbol, dir)
		if err != nil {
			return nil, fmt.Errorf("enter %s: quote: %w", symbol, err)
		}

		req := exchange.OrderRequest{
			Symbol:   symbol,
			Side:     side,
			Type:     exchange.OrderLimit,
			Quantity: qty,
			Price:    quote,
			PostOnly: e.cfg.PostOnly,
		}

		res, err := e.gateway.PlaceOrder(ctx, req)
		if err != nil {
			switch exchange.KindOf(err) {
			case exchange.ErrInsufficientMargin:
				if marginRetries >= e.cfg.MarginRetries {
					return nil, fmt.Errorf("enter %s: margin retries exhausted: %w", symbol, err)
				}
				marginRetries++
				qty = qty.Mul(decimal.NewFromFloat(0.75))
				if adj, aerr := e.gateway.Filters().AdjustQuantity(symbol, qty, quote); aerr == nil {
					qty = adj
				} else {
					return nil, fmt.Errorf("enter %s: reduced size unviable: %w", symbol, aerr)
				}
				attempt--
				continue
			case exchange.ErrPrecision, exchange.ErrPositionClosed, exchange.ErrReduceOnlyRejected:
				return nil, fmt.Errorf("enter %s: %w", symbol, err)
			default:
				log.Warn().Err(err).Str("symbol", symbol).Int("attempt", attempt).
					Msg("⚠️ Entry attempt failed")
				continue
			}
		}

		filled, err := e.awaitFill(ctx, symbol, res)
		if err != nil {
			return nil, err
		}
		if filled != nil {
			return filled, nil
		}
		// timeout or maker rejection: cancel and re-quote
		if cerr := e.gateway.CancelOrder(ctx, symbol, res.OrderID); cerr != nil &&
			!exchange.IsKind(cerr, exchange.ErrPositionClosed) {
			log.Warn().Err(cerr).Str("symbol", symbol).Msg("Cancel of unfilled entry failed")
		}
	}

	if !e.cfg.AllowMarketEntry {
		return nil, fmt.Errorf("enter %s: all limit attempts failed, market entry disabled", symbol)
	}
	res, err := e.gateway.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:   symbol,
		Side:     side,
		Type:     exchange.OrderMarket,
		Quantity: qty,
	})
	if err != nil {
		return nil, fmt.Errorf("enter %s: market fallback: %w", symbol, err)
	}
	log.Info().Str("symbol", symbol).Msg("📈 Market fallback entry")
	return res, nil
}

// freshQuote computes the passive limit price with the configured buffer.
func (e *Executor) freshQuote(ctx context.Context, symbol string, dir types.Direction) (decimal.Decimal, error) {
	ticker, err := e.gateway.GetTicker(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	buffer := ticker.LastPrice.Mul(e.cfg.PriceBufferPct)
	var price decimal.Decimal
	if dir == types.Long {
		price = ticker.LastPrice.Sub(buffer)
	} else {
		price = ticker.LastPrice.Add(buffer)
	}
	return e.gateway.Filters().AdjustPrice(symbol, price, dir == types.Long), nil
}

// awaitFill polls the order until filled, expired, or timed out. A nil,
// nil return means the attempt should be retried.
func (e *Executor) awaitFill(ctx context.Context, symbol string, res *exchange.OrderResult) (*exchange.OrderResult, error) {
	if res.Filled() {
		return res, nil
	}
	if res.Status == "EXPIRED" || res.Status == "CANCELED" {
		// GTX rejection surfaces as an immediately expired order
		return nil, nil
	}

	deadline := e.nowFn().Add(e.cfg.OrderTimeout)
	for e.nowFn().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		e.sleepFn(500 * time.Millisecond)

		cur, err := e.gateway.GetOrder(ctx, symbol, res.OrderID)
		if err != nil {
			if exchange.IsKind(err, exchange.ErrPositionClosed) {
				return nil, nil
			}
			return nil, fmt.Errorf("enter %s: poll order: %w", symbol, err)
		}
		if cur.Filled() {
			return cur, nil
		}
		if cur.Status == "EXPIRED" || cur.Status == "CANCELED" {
			return nil, nil
		}
	}
	return nil, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// HEADROOM
// ═══════════════════════════════════════════════════════════════════════════════

// ensureHeadroom shrinks a freshly filled position until the distance to
// the venue's liquidation price clears the configured minimum, or
// abandons it. The distance is re-read from the venue after every reduce;
// under cross margin each reduction genuinely pushes liquidation away.
func (e *Executor) ensureHeadroom(ctx context.Context, pos *types.Position) error {
	for {
		dist := e.liquidationDistancePct(ctx, pos)
		if dist.GreaterThanOrEqual(e.cfg.HeadroomMinPct) {
			return nil
		}
		reduceQty := pos.Quantity.Mul(e.cfg.ReduceStepPct)
		remaining := pos.Quantity.Sub(reduceQty)

		adj, err := e.gateway.Filters().AdjustQuantity(pos.Symbol, remaining, pos.EntryPrice)
		if err != nil {
			// Cannot shrink further within venue rules: abandon entirely.
			log.Warn().Str("symbol", pos.Symbol).Msg("⚠️ Headroom unreachable, abandoning position")
			e.closeAtMarket(ctx, pos)
			return fmt.Errorf("open %s: headroom below %s, abandoned", pos.Symbol, e.cfg.HeadroomMinPct)
		}

		if _, err := e.gateway.PlaceOrder(ctx, exchange.OrderRequest{
			Symbol:     pos.Symbol,
			Side:       exchange.SideFor(pos.Direction, true),
			Type:       exchange.OrderMarket,
			Quantity:   pos.Quantity.Sub(adj),
			ReduceOnly: true,
		}); err != nil {
			return fmt.Errorf("open %s: headroom reduce: %w", pos.Symbol, err)
		}
		pos.Quantity = adj
		pos.OriginalQty = adj
		log.Info().Str("symbol", pos.Symbol).Str("qty", adj.String()).
			Msg("📉 Position reduced for liquidation headroom")
	}
}

// liquidationDistancePct measures the distance from entry to the venue's
// reported liquidation price as a percent of entry. Falls back to the
// leverage estimate while the venue has nothing to report (dry run, or
// the position not yet visible).
func (e *Executor) liquidationDistancePct(ctx context.Context, pos *types.Position) decimal.Decimal {
	if venue, err := e.gateway.GetPositions(ctx); err == nil {
		for _, vp := range venue {
			if vp.Symbol != pos.Symbol || vp.LiquidationPrice.IsZero() || pos.EntryPrice.IsZero() {
				continue
			}
			return pos.EntryPrice.Sub(vp.LiquidationPrice).Abs().
				Div(pos.EntryPrice).Mul(decimal.NewFromInt(100))
		}
	}
	return estimatedLiquidationDistancePct(pos)
}

// estimatedLiquidationDistancePct is the isolated-margin approximation,
// 1/leverage minus the maintenance margin rate.
func estimatedLiquidationDistancePct(pos *types.Position) decimal.Decimal {
	if pos.Leverage <= 0 {
		return decimal.NewFromInt(100)
	}
	inv := decimal.NewFromInt(1).Div(decimal.NewFromInt(int64(pos.Leverage)))
	return inv.Sub(maintenanceMarginRate).Mul(decimal.NewFromInt(100))
}

// ═══════════════════════════════════════════════════════════════════════════════
// PROTECTION
// ═══════════════════════════════════════════════════════════════════════════════

// strategyFor picks the TP ladder shape from momentum.
func strategyFor(dynamicTP bool, snap types.IndicatorSnapshot) types.StrategyTag {
	if dynamicTP && snap.RSI > momentumRSI && snap.VolumeRatio > momentumVolume {
		return types.StrategyFibonacci
	}
	return types.StrategyConservative
}

// ladderFor returns the ATR multiples for the strategy tag.
func ladderFor(tag types.StrategyTag) []float64 {
	if tag == types.StrategyFibonacci {
		return fibLadder
	}
	return conservativeLadder
}

// attachProtection places the stop-market SL and the reduce-only TP
// ladder. TP legs split the position 30/40/30.
func (e *Executor) attachProtection(ctx context.Context, pos *types.Position) error {
	stopPrice := e.gateway.Filters().AdjustPrice(pos.Symbol, pos.StopLoss, pos.Direction == types.Short)
	res, err := e.gateway.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:     pos.Symbol,
		Side:       exchange.SideFor(pos.Direction, true),
		Type:       exchange.OrderStopMarket,
		Quantity:   pos.Quantity,
		StopPrice:  stopPrice,
		ReduceOnly: true,
	})
	if err != nil {
		return fmt.Errorf("stop-loss: %w", err)
	}
	pos.StopOrderID = res.OrderID
	pos.StopLoss = stopPrice

	atr := decimal.NewFromFloat(pos.ATR)
	splits := []decimal.Decimal{
		decimal.NewFromFloat(0.30),
		decimal.NewFromFloat(0.40),
		decimal.NewFromFloat(0.30),
	}
	pos.TPOrderIDs = pos.TPOrderIDs[:0]
	for i, mult := range ladderFor(pos.Strategy) {
		dist := atr.Mul(decimal.NewFromFloat(mult))
		var tpPrice decimal.Decimal
		if pos.Direction == types.Long {
			tpPrice = pos.EntryPrice.Add(dist)
		} else {
			tpPrice = pos.EntryPrice.Sub(dist)
		}
		tpPrice = e.gateway.Filters().AdjustPrice(pos.Symbol, tpPrice, pos.Direction == types.Long)

		legQty := pos.Quantity.Mul(splits[i])
		adj, aerr := e.gateway.Filters().AdjustQuantity(pos.Symbol, legQty, tpPrice)
		if aerr != nil {
			// Leg too small for venue rules; skip it, the stop still covers.
			log.Debug().Str("symbol", pos.Symbol).Int("leg", i+1).Msg("TP leg below venue minimum, skipped")
			continue
		}
		tpRes, perr := e.gateway.PlaceOrder(ctx, exchange.OrderRequest{
			Symbol:     pos.Symbol,
			Side:       exchange.SideFor(pos.Direction, true),
			Type:       exchange.OrderTakeProfitMarket,
			Quantity:   adj,
			StopPrice:  tpPrice,
			ReduceOnly: true,
		})
		if perr != nil {
			return fmt.Errorf("tp leg %d: %w", i+1, perr)
		}
		pos.TPOrderIDs = append(pos.TPOrderIDs, tpRes.OrderID)
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// CLOSE
// ═══════════════════════════════════════════════════════════════════════════════

// Close flattens a position at market and cancels its whole protective
// set. Used by the monitor's exits and by manual close.
func (e *Executor) Close(ctx context.Context, pos *types.Position, reason types.ExitReason) (*exchange.OrderResult, error) {
	e.CancelProtection(ctx, pos)

	res, err := e.gateway.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:     pos.Symbol,
		Side:       exchange.SideFor(pos.Direction, true),
		Type:       exchange.OrderMarket,
		Quantity:   pos.Quantity,
		ReduceOnly: true,
	})
	if err != nil {
		if exchange.IsKind(err, exchange.ErrPositionClosed) {
			// Already flat on the venue, nothing left to do.
			return nil, nil
		}
		return nil, fmt.Errorf("close %s: %w", pos.Symbol, err)
	}
	log.Info().Str("symbol", pos.Symbol).Str("reason", string(reason)).
		Msg("🔒 Position closed")
	return res, nil
}

// CancelProtection cancels the stop and all live TP legs. Position-closed
// class errors mean the order is already gone.
func (e *Executor) CancelProtection(ctx context.Context, pos *types.Position) {
	cancel := func(orderID string) {
		if orderID == "" {
			return
		}
		if err := e.gateway.CancelOrder(ctx, pos.Symbol, orderID); err != nil &&
			!exchange.IsKind(err, exchange.ErrPositionClosed) {
			log.Warn().Err(err).Str("symbol", pos.Symbol).Str("order", orderID).
				Msg("Protective order cancel failed")
		}
	}
	cancel(pos.StopOrderID)
	pos.StopOrderID = ""
	for _, id := range pos.TPOrderIDs {
		cancel(id)
	}
	pos.TPOrderIDs = nil
}

// closeAtMarket is the best-effort abandon path during a failed open.
func (e *Executor) closeAtMarket(ctx context.Context, pos *types.Position) {
	if _, err := e.Close(ctx, pos, types.ExitEmergency); err != nil {
		log.Error().Err(err).Str("symbol", pos.Symbol).Msg("🚨 Abandon close failed, manual intervention may be needed")
	}
}

// persistMetadata writes the slot-accounting record.
func (e *Executor) persistMetadata(pos *types.Position, version int64) error {
	if e.metadata == nil {
		return nil
	}
	return e.metadata.PutMetadata(types.PositionMetadata{
		Symbol:     pos.Symbol,
		SignalType: pos.SignalType,
		Strategy:   pos.Strategy,
		Version:    version,
	})
}
