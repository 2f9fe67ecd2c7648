// Package monitor owns every open position after entry. A single loop
// polls the venue at a short cadence and walks each position through a
// strict priority ladder: emergency close, funding-aware exit, breakeven,
// ATR trailing, the TP ladder, DCA, and the time exit. Exactly one action
// fires per position per tick, so no two protective changes ever race.
//
// Stop moves follow place-new, confirm, cancel-old ordering so the
// position is never left without a working stop.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"perpbot/internal/config"
	"perpbot/internal/exchange"
	"perpbot/internal/executor"
	"perpbot/internal/types"
)

// TP ladder: realize these fractions at these leveraged-profit thresholds.
var (
	tpThresholdsPct = []decimal.Decimal{
		decimal.NewFromInt(20),
		decimal.NewFromInt(40),
		decimal.NewFromInt(60),
	}
	tpFractions = []decimal.Decimal{
		decimal.NewFromFloat(0.30),
		decimal.NewFromFloat(0.40),
		decimal.NewFromFloat(0.30),
	}
)

// DCA rungs: price drawdown thresholds and add fractions of original size.
var (
	dcaThresholdsPct = []decimal.Decimal{
		decimal.NewFromInt(-3),
		decimal.NewFromInt(-6),
		decimal.NewFromInt(-10),
	}
	dcaFractions = []decimal.Decimal{
		decimal.NewFromFloat(0.30),
		decimal.NewFromFloat(0.40),
		decimal.NewFromFloat(0.30),
	}
)

const maxDCALevels = 3

// trailing callback bounds, percent of price
const (
	trailCallbackMinPct = 0.5
	trailCallbackMaxPct = 3.0
	trailATRMult        = 2.0
)

// atrRefreshEvery bounds how often the monitor re-fetches klines to
// recompute a position's ATR for the trailing callback.
const atrRefreshEvery = time.Minute

// Locker serializes per-symbol actions against the executor. The engine
// supplies its lock table so monitor interventions and cycle entries for
// the same symbol never interleave.
type Locker interface {
	Lock(symbol string) (unlock func())
}

// CloseRecorder receives every close the monitor performs.
type CloseRecorder func(pos *types.Position, rec types.TradeRecord)

// Monitor polls open positions and applies the protection ladder.
type Monitor struct {
	cfg      *config.Config
	gateway  exchange.Gateway
	executor *executor.Executor
	locks    Locker
	onClose  CloseRecorder

	// OnBreakeven, when set before Start, fires once per position the
	// first time its stop reaches breakeven.
	OnBreakeven func(symbol string)

	mu        sync.RWMutex
	positions map[string]*types.Position
	atrAt     map[string]time.Time
	heartbeat time.Time

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	nowFn   func() time.Time
}

func New(cfg *config.Config, gateway exchange.Gateway, exec *executor.Executor, locks Locker, onClose CloseRecorder) *Monitor {
	return &Monitor{
		cfg:       cfg,
		gateway:   gateway,
		executor:  exec,
		locks:     locks,
		onClose:   onClose,
		positions: make(map[string]*types.Position),
		atrAt:     make(map[string]time.Time),
		nowFn:     time.Now,
	}
}

// Track hands a freshly opened or recovered position to the monitor.
func (m *Monitor) Track(pos *types.Position) {
	m.mu.Lock()
	m.positions[pos.Symbol] = pos
	m.mu.Unlock()
}

// Get returns a tracked position.
func (m *Monitor) Get(symbol string) (*types.Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[symbol]
	return p, ok
}

// Positions snapshots the open set.
func (m *Monitor) Positions() []*types.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p)
	}
	return out
}

// ApplyOrderUpdate folds a user-stream fill into the owning position's
// fee tally. Non-reduce-only fills are entry legs (including DCA adds);
// everything else on the symbol is an exit or protection leg.
func (m *Monitor) ApplyOrderUpdate(u exchange.OrderUpdate) {
	if u.Commission.IsZero() {
		return
	}
	pos, ok := m.Get(u.Symbol)
	if !ok {
		return
	}
	unlock := m.locks.Lock(u.Symbol)
	defer unlock()
	pos.FeesPaid = pos.FeesPaid.Add(u.Commission)
	if !u.ReduceOnly {
		pos.EntryFee = pos.EntryFee.Add(u.Commission)
	}
}

// OpenCount returns the number of tracked positions.
func (m *Monitor) OpenCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.positions)
}

// Heartbeat reports the last completed tick, for the supervisor.
func (m *Monitor) Heartbeat() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.heartbeat
}

// Start launches the polling loop.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.heartbeat = m.nowFn()
	m.mu.Unlock()

	go m.run(ctx)
	log.Info().Dur("interval", m.cfg.MonitorInterval).Msg("👁️ Position monitor started")
}

// Stop halts the loop and waits for the in-flight tick to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	done := m.doneCh
	m.mu.Unlock()
	<-done
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.tick(ctx)
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// tick reconciles against the venue and runs the ladder per position.
func (m *Monitor) tick(ctx context.Context) {
	defer func() {
		m.mu.Lock()
		m.heartbeat = m.nowFn()
		m.mu.Unlock()
	}()

	venue, err := m.gateway.GetPositions(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Monitor: position fetch failed, skipping tick")
		return
	}
	bySymbol := make(map[string]exchange.VenuePosition, len(venue))
	for _, vp := range venue {
		bySymbol[vp.Symbol] = vp
	}

	for _, pos := range m.Positions() {
		vp, open := bySymbol[pos.Symbol]
		unlock := m.locks.Lock(pos.Symbol)
		if !open {
			// Venue is flat: a stop or TP filled since last tick. Work
			// out which order did it before sweeping the leftovers, so
			// the record carries the true reason and fill price.
			reason, exitPrice := m.attributeClose(ctx, pos)
			m.executor.CancelProtection(ctx, pos)
			m.finalize(ctx, pos, reason, exitPrice)
			unlock()
			continue
		}
		// Partial fills from TP legs or DCA show up here; venue wins.
		pos.Quantity = vp.PositionAmt.Abs()
		pos.EntryPrice = vp.EntryPrice

		m.evaluate(ctx, pos, vp.MarkPrice)
		unlock()
	}
}

// attributeClose queries the protective orders' venue state to determine
// which one flattened the position. Inconclusive lookups fall back to the
// stop, the most common venue-side close.
func (m *Monitor) attributeClose(ctx context.Context, pos *types.Position) (types.ExitReason, decimal.Decimal) {
	if pos.StopOrderID != "" {
		if res, err := m.gateway.GetOrder(ctx, pos.Symbol, pos.StopOrderID); err == nil && res.Filled() {
			if !res.AvgPrice.IsZero() {
				return types.ExitSL, res.AvgPrice
			}
			return types.ExitSL, pos.StopLoss
		}
	}
	for leg, id := range pos.TPOrderIDs {
		if id == "" {
			continue
		}
		if res, err := m.gateway.GetOrder(ctx, pos.Symbol, id); err == nil && res.Filled() {
			if !res.AvgPrice.IsZero() {
				return exitForLeg(leg), res.AvgPrice
			}
			return exitForLeg(leg), pos.EntryPrice
		}
	}
	return types.ExitSL, pos.StopLoss
}

// evaluate runs the priority ladder; the first action that fires wins
// the tick for this position.
func (m *Monitor) evaluate(ctx context.Context, pos *types.Position, mark decimal.Decimal) {
	pnl := pos.PnLPct(mark)
	m.updateWatermarks(pos, pnl)

	switch {
	case m.emergency(ctx, pos, pnl):
	case m.fundingExit(ctx, pos, pnl, mark):
	case m.breakeven(ctx, pos, pnl):
	case m.trailing(ctx, pos, pnl, mark):
	case m.tpLadder(ctx, pos, pnl):
	case m.dca(ctx, pos, pnl, mark):
	case m.timeExit(ctx, pos, pnl, mark):
	}
}

func (m *Monitor) updateWatermarks(pos *types.Position, pnl decimal.Decimal) {
	if pnl.GreaterThan(pos.PeakPnLPct) {
		pos.PeakPnLPct = pnl
	}
	if pnl.LessThan(pos.TroughPnLPct) {
		pos.TroughPnLPct = pnl
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// LADDER STEPS
// ═══════════════════════════════════════════════════════════════════════════════

// emergency closes at market when the unrealized loss breaches the hard max.
func (m *Monitor) emergency(ctx context.Context, pos *types.Position, pnl decimal.Decimal) bool {
	if pnl.GreaterThan(m.cfg.EmergencyLossPct.Neg()) {
		return false
	}
	log.Error().Str("symbol", pos.Symbol).Str("pnl", pnl.String()).
		Msg("🚨 Emergency close")
	m.close(ctx, pos, types.ExitEmergency)
	return true
}

// fundingExit closes a profitable position before an adversarial funding
// payment lands.
func (m *Monitor) fundingExit(ctx context.Context, pos *types.Position, pnl decimal.Decimal, mark decimal.Decimal) bool {
	if pnl.LessThan(m.cfg.FundingExitMinProfit) {
		return false
	}
	info, err := m.gateway.GetFundingRate(ctx, pos.Symbol)
	if err != nil {
		return false
	}
	m.accrueFunding(pos, info, mark)

	until := info.NextFundingTime.Sub(m.nowFn())
	if until <= 0 || until > m.cfg.FundingExitWindow {
		return false
	}
	adversarial := (pos.Direction == types.Long && info.Rate.GreaterThanOrEqual(m.cfg.FundingExitRate)) ||
		(pos.Direction == types.Short && info.Rate.LessThanOrEqual(m.cfg.FundingExitRate.Neg()))
	if !adversarial {
		return false
	}
	log.Info().Str("symbol", pos.Symbol).Str("rate", info.Rate.String()).
		Msg("💸 Funding-aware exit")
	m.close(ctx, pos, types.ExitFunding)
	return true
}

// accrueFunding counts funding periods crossed while the position is held.
func (m *Monitor) accrueFunding(pos *types.Position, info *exchange.FundingInfo, mark decimal.Decimal) {
	// Funding settles every 8h; a period boundary passed when the next
	// funding time moved while we were holding.
	periodsHeld := int(m.nowFn().Sub(pos.OpenedAt) / (8 * time.Hour))
	if periodsHeld > pos.FundingPeriods {
		notional := pos.Quantity.Mul(mark)
		paid := notional.Mul(info.Rate)
		if pos.Direction == types.Short {
			paid = paid.Neg()
		}
		pos.FundingPaid = pos.FundingPaid.Add(paid)
		pos.FundingPeriods = periodsHeld
	}
}

// breakeven moves the stop to fee-true breakeven once profit clears the
// threshold. The armed flag is never cleared afterwards.
func (m *Monitor) breakeven(ctx context.Context, pos *types.Position, pnl decimal.Decimal) bool {
	if pos.BreakevenArmed || pnl.LessThan(m.cfg.BreakevenThresholdPct) {
		return false
	}

	// Round-trip taker fees on both legs must be covered at the new stop.
	feeAdj := m.cfg.TakerFeePct.Mul(decimal.NewFromInt(2)).Div(decimal.NewFromInt(100))
	var bePrice decimal.Decimal
	if pos.Direction == types.Long {
		bePrice = pos.EntryPrice.Mul(decimal.NewFromInt(1).Add(feeAdj))
	} else {
		bePrice = pos.EntryPrice.Mul(decimal.NewFromInt(1).Sub(feeAdj))
	}

	if err := m.moveStop(ctx, pos, bePrice); err != nil {
		log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("Breakeven stop move failed, retrying next tick")
		return true
	}
	pos.BreakevenArmed = true
	log.Info().Str("symbol", pos.Symbol).Str("stop", bePrice.String()).
		Msg("🔐 Breakeven armed")
	if m.OnBreakeven != nil {
		m.OnBreakeven(pos.Symbol)
	}
	return true
}

// trailing activates and maintains the ATR trailing stop. The peak only
// moves in the position's favor; the stop follows at the callback.
func (m *Monitor) trailing(ctx context.Context, pos *types.Position, pnl decimal.Decimal, mark decimal.Decimal) bool {
	if !pos.TrailingActive {
		if pnl.LessThan(m.cfg.TrailingActivationPct) {
			return false
		}
		pos.TrailingActive = true
		pos.TrailingPeak = mark
		pos.TrailCallback = m.callbackPct(ctx, pos, mark)
		// Trailing owns the exit now; the final TP leg would cap it.
		m.cancelFinalTPLeg(ctx, pos)
		log.Info().Str("symbol", pos.Symbol).Str("callback", pos.TrailCallback.String()).
			Msg("🎯 Trailing stop activated")
		return true
	}

	// Refresh the callback on new bars, bounded by the refresh interval.
	m.maybeRefreshATR(ctx, pos)
	pos.TrailCallback = clampDec(
		decimal.NewFromFloat(trailATRMult*pos.ATR).Div(mark).Mul(decimal.NewFromInt(100)),
		decimal.NewFromFloat(trailCallbackMinPct),
		decimal.NewFromFloat(trailCallbackMaxPct),
	)

	improved := (pos.Direction == types.Long && mark.GreaterThan(pos.TrailingPeak)) ||
		(pos.Direction == types.Short && mark.LessThan(pos.TrailingPeak))
	if improved {
		pos.TrailingPeak = mark
	}

	retrace := pos.TrailingPeak.Mul(pos.TrailCallback).Div(decimal.NewFromInt(100))
	var stopAt decimal.Decimal
	if pos.Direction == types.Long {
		stopAt = pos.TrailingPeak.Sub(retrace)
		if mark.LessThanOrEqual(stopAt) {
			m.close(ctx, pos, types.ExitTrailing)
			return true
		}
	} else {
		stopAt = pos.TrailingPeak.Add(retrace)
		if mark.GreaterThanOrEqual(stopAt) {
			m.close(ctx, pos, types.ExitTrailing)
			return true
		}
	}

	// Drag the working stop behind the peak, never backwards.
	betterStop := (pos.Direction == types.Long && stopAt.GreaterThan(pos.StopLoss)) ||
		(pos.Direction == types.Short && stopAt.LessThan(pos.StopLoss))
	if improved && betterStop {
		if err := m.moveStop(ctx, pos, stopAt); err != nil {
			log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("Trailing stop move failed, retrying next tick")
		}
		return true
	}
	return false
}

// callbackPct computes the initial trailing callback.
func (m *Monitor) callbackPct(ctx context.Context, pos *types.Position, mark decimal.Decimal) decimal.Decimal {
	m.maybeRefreshATR(ctx, pos)
	return clampDec(
		decimal.NewFromFloat(trailATRMult*pos.ATR).Div(mark).Mul(decimal.NewFromInt(100)),
		decimal.NewFromFloat(trailCallbackMinPct),
		decimal.NewFromFloat(trailCallbackMaxPct),
	)
}

// maybeRefreshATR recomputes the position's ATR from fresh klines.
func (m *Monitor) maybeRefreshATR(ctx context.Context, pos *types.Position) {
	m.mu.Lock()
	last := m.atrAt[pos.Symbol]
	if m.nowFn().Sub(last) < atrRefreshEvery {
		m.mu.Unlock()
		return
	}
	m.atrAt[pos.Symbol] = m.nowFn()
	m.mu.Unlock()

	klines, err := m.gateway.GetKlines(ctx, pos.Symbol, "5m", 30)
	if err != nil || len(klines) < 15 {
		return
	}
	if atr := atrOf(klines, 14); atr > 0 {
		pos.ATR = atr
	}
}

// tpLadder realizes the 30/40/30 split at +20/+40/+60% profit of entry.
// The venue-attached TP orders usually fill first; this path catches the
// thresholds when they did not.
func (m *Monitor) tpLadder(ctx context.Context, pos *types.Position, pnl decimal.Decimal) bool {
	if pos.TPFilled >= len(tpThresholdsPct) {
		return false
	}
	next := pos.TPFilled
	if pnl.LessThan(tpThresholdsPct[next]) {
		return false
	}
	if next == len(tpThresholdsPct)-1 && pos.TrailingActive {
		// Trailing owns the final exit.
		return false
	}

	legQty := pos.OriginalQty.Mul(tpFractions[next])
	adj, err := m.gateway.Filters().AdjustQuantity(pos.Symbol, legQty, pos.EntryPrice)
	if err != nil || adj.GreaterThanOrEqual(pos.Quantity) {
		// Remainder too small to split: close the rest instead.
		m.close(ctx, pos, exitForLeg(next))
		return true
	}

	if _, err := m.gateway.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:     pos.Symbol,
		Side:       exchange.SideFor(pos.Direction, true),
		Type:       exchange.OrderMarket,
		Quantity:   adj,
		ReduceOnly: true,
	}); err != nil {
		log.Warn().Err(err).Str("symbol", pos.Symbol).Int("leg", next+1).Msg("TP leg failed, retrying next tick")
		return true
	}

	// Cancel the matching attached TP order if it is still resting.
	if next < len(pos.TPOrderIDs) && pos.TPOrderIDs[next] != "" {
		if err := m.gateway.CancelOrder(ctx, pos.Symbol, pos.TPOrderIDs[next]); err != nil &&
			!exchange.IsKind(err, exchange.ErrPositionClosed) {
			log.Debug().Err(err).Str("symbol", pos.Symbol).Msg("Attached TP cancel failed")
		}
		pos.TPOrderIDs[next] = ""
	}

	pos.TPFilled++
	pos.Quantity = pos.Quantity.Sub(adj)
	log.Info().Str("symbol", pos.Symbol).Int("leg", next+1).
		Str("qty", adj.String()).Msg("💰 TP ladder leg realized")
	return true
}

func exitForLeg(leg int) types.ExitReason {
	switch leg {
	case 0:
		return types.ExitTP1
	case 1:
		return types.ExitTP2
	default:
		return types.ExitTP3
	}
}

// dca adds to a losing position at the configured drawdown rungs, gated
// by the capital reserve. A skipped rung stays available for retry.
func (m *Monitor) dca(ctx context.Context, pos *types.Position, pnl decimal.Decimal, mark decimal.Decimal) bool {
	if pos.DCALevelsUsed >= maxDCALevels {
		return false
	}
	rung := pos.DCALevelsUsed
	if pnl.GreaterThan(dcaThresholdsPct[rung]) {
		return false
	}

	addQty := pos.OriginalQty.Mul(dcaFractions[rung])
	adj, err := m.gateway.Filters().AdjustQuantity(pos.Symbol, addQty, mark)
	if err != nil {
		log.Debug().Err(err).Str("symbol", pos.Symbol).Msg("DCA rung below venue minimum, skipped")
		pos.DCALevelsUsed++
		return true
	}

	// Reserve check: DCA spends only what the reserve still holds. An
	// exhausted reserve skips the rung, never bypassed even on the last
	// one; the rung stays available for a later tick.
	acct, err := m.gateway.GetAccount(ctx)
	if err != nil {
		return false
	}
	margin := adj.Mul(mark).Div(decimal.NewFromInt(int64(pos.Leverage)))
	if margin.GreaterThan(acct.AvailableBalance) {
		log.Warn().Str("symbol", pos.Symbol).Int("rung", rung+1).
			Msg("⏭️ dca_skipped_margin: reserve exhausted")
		return true
	}

	if _, err := m.gateway.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:   pos.Symbol,
		Side:     exchange.SideFor(pos.Direction, false),
		Type:     exchange.OrderMarket,
		Quantity: adj,
	}); err != nil {
		log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("DCA add failed, retrying next tick")
		return true
	}

	// Weighted-average the entry; the next tick's venue sync corrects any
	// drift from the actual fill price.
	oldNotional := pos.EntryPrice.Mul(pos.Quantity)
	addNotional := mark.Mul(adj)
	pos.Quantity = pos.Quantity.Add(adj)
	pos.EntryPrice = oldNotional.Add(addNotional).Div(pos.Quantity)
	pos.DCALevelsUsed++

	// Stop must cover the enlarged position: place new, then cancel old.
	if err := m.moveStop(ctx, pos, pos.StopLoss); err != nil {
		log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("Stop resize after DCA failed, retrying next tick")
	}

	log.Info().Str("symbol", pos.Symbol).Int("rung", rung+1).
		Str("qty", adj.String()).Str("entry", pos.EntryPrice.String()).
		Msg("➕ DCA rung filled")
	return true
}

// timeExit closes stale positions stuck in the shallow-loss band.
func (m *Monitor) timeExit(ctx context.Context, pos *types.Position, pnl decimal.Decimal, mark decimal.Decimal) bool {
	if m.nowFn().Sub(pos.OpenedAt) <= m.cfg.TimeExitAfter {
		return false
	}
	lo := decimal.NewFromInt(-5)
	hi := decimal.NewFromInt(-2)
	if pnl.LessThan(lo) || pnl.GreaterThan(hi) {
		return false
	}
	log.Info().Str("symbol", pos.Symbol).Str("pnl", pnl.String()).
		Msg("⏰ Time exit")
	m.close(ctx, pos, types.ExitTime)
	return true
}

// ═══════════════════════════════════════════════════════════════════════════════
// STOP MANAGEMENT AND CLOSE
// ═══════════════════════════════════════════════════════════════════════════════

// moveStop replaces the working stop: place new, confirm, cancel old.
// Never retracts past an armed breakeven stop.
func (m *Monitor) moveStop(ctx context.Context, pos *types.Position, stopPrice decimal.Decimal) error {
	if pos.BreakevenArmed {
		worse := (pos.Direction == types.Long && stopPrice.LessThan(pos.StopLoss)) ||
			(pos.Direction == types.Short && stopPrice.GreaterThan(pos.StopLoss))
		if worse {
			return nil
		}
	}

	adjusted := m.gateway.Filters().AdjustPrice(pos.Symbol, stopPrice, pos.Direction == types.Short)
	res, err := m.gateway.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:     pos.Symbol,
		Side:       exchange.SideFor(pos.Direction, true),
		Type:       exchange.OrderStopMarket,
		Quantity:   pos.Quantity,
		StopPrice:  adjusted,
		ReduceOnly: true,
	})
	if err != nil {
		return fmt.Errorf("place new stop: %w", err)
	}

	oldID := pos.StopOrderID
	pos.StopOrderID = res.OrderID
	pos.StopLoss = adjusted

	if oldID != "" {
		if err := m.gateway.CancelOrder(ctx, pos.Symbol, oldID); err != nil &&
			!exchange.IsKind(err, exchange.ErrPositionClosed) {
			log.Warn().Err(err).Str("symbol", pos.Symbol).Str("order", oldID).
				Msg("Old stop cancel failed")
		}
	}
	return nil
}

// close flattens the position and finalizes bookkeeping.
func (m *Monitor) close(ctx context.Context, pos *types.Position, reason types.ExitReason) {
	res, err := m.executor.Close(ctx, pos, reason)
	if err != nil {
		log.Error().Err(err).Str("symbol", pos.Symbol).Msg("Close failed, retrying next tick")
		return
	}
	exitPrice := pos.StopLoss
	if res != nil && !res.AvgPrice.IsZero() {
		exitPrice = res.AvgPrice
	}
	m.finalize(ctx, pos, reason, exitPrice)
}

// ForceClose closes one position on demand (manual close, shutdown).
func (m *Monitor) ForceClose(ctx context.Context, symbol string, reason types.ExitReason) error {
	pos, ok := m.Get(symbol)
	if !ok {
		return fmt.Errorf("close %s: no open position", symbol)
	}
	unlock := m.locks.Lock(symbol)
	defer unlock()
	m.close(ctx, pos, reason)
	return nil
}

// finalize removes the position and emits the trade record.
func (m *Monitor) finalize(_ context.Context, pos *types.Position, reason types.ExitReason, exitPrice decimal.Decimal) {
	m.mu.Lock()
	delete(m.positions, pos.Symbol)
	delete(m.atrAt, pos.Symbol)
	m.mu.Unlock()

	diff := exitPrice.Sub(pos.EntryPrice)
	if pos.Direction == types.Short {
		diff = diff.Neg()
	}
	realized := diff.Mul(pos.Quantity)
	entryFee := pos.EntryFee
	exitFee := pos.FeesPaid.Sub(entryFee)
	if pos.FeesPaid.IsZero() {
		// Approximate taker legs when stream fills were not observed.
		rate := m.cfg.TakerFeePct.Div(decimal.NewFromInt(100))
		entryFee = pos.EntryPrice.Mul(pos.Quantity).Mul(rate)
		exitFee = exitPrice.Mul(pos.Quantity).Mul(rate)
	}
	fees := entryFee.Add(exitFee)
	rec := types.TradeRecord{
		ID:          fmt.Sprintf("%s-%d", pos.Symbol, m.nowFn().UnixNano()),
		Symbol:      pos.Symbol,
		Direction:   pos.Direction,
		SignalType:  pos.SignalType,
		Strategy:    pos.Strategy,
		EntryPrice:  pos.EntryPrice,
		ExitPrice:   exitPrice,
		Quantity:    pos.Quantity,
		Leverage:    pos.Leverage,
		MarginMode:  pos.MarginMode,
		EntryFee:    entryFee,
		ExitFee:     exitFee,
		FundingCost: pos.FundingPaid,
		RealizedPnL: realized,
		NetPnL:      realized.Sub(fees).Sub(pos.FundingPaid),
		ExitReason:  reason,
		OpenedAt:    pos.OpenedAt,
		ClosedAt:    m.nowFn(),
	}
	if m.onClose != nil {
		m.onClose(pos, rec)
	}
}

// cancelFinalTPLeg cancels the last attached TP order when trailing takes
// over the exit.
func (m *Monitor) cancelFinalTPLeg(ctx context.Context, pos *types.Position) {
	last := len(pos.TPOrderIDs) - 1
	if last < 0 || pos.TPOrderIDs[last] == "" {
		return
	}
	if err := m.gateway.CancelOrder(ctx, pos.Symbol, pos.TPOrderIDs[last]); err != nil &&
		!exchange.IsKind(err, exchange.ErrPositionClosed) {
		log.Debug().Err(err).Str("symbol", pos.Symbol).Msg("Final TP leg cancel failed")
		return
	}
	pos.TPOrderIDs[last] = ""
}

// atrOf computes a simple Wilder ATR over the series tail.
func atrOf(klines []exchange.Kline, period int) float64 {
	if len(klines) < period+1 {
		return 0
	}
	var sum float64
	for i := len(klines) - period; i < len(klines); i++ {
		high := klines[i].High.InexactFloat64()
		low := klines[i].Low.InexactFloat64()
		prevClose := klines[i-1].Close.InexactFloat64()
		tr := high - low
		if d := abs(high - prevClose); d > tr {
			tr = d
		}
		if d := abs(low - prevClose); d > tr {
			tr = d
		}
		sum += tr
	}
	return sum / float64(period)
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func clampDec(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}
